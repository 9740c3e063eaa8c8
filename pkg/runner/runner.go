// Package runner executes sub-agent child processes with output caps,
// timeout escalation and context cancellation.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ErrMissingExec is returned when a spec carries neither argv nor an exec
// string.
var ErrMissingExec = errors.New("Command spec is missing exec")

// killGrace is how long a child gets between SIGTERM and SIGKILL.
const killGrace = 2 * time.Second

// Spec describes the command to run.
type Spec struct {
	Argv  []string          // explicit argv; takes precedence over Exec
	Exec  string            // shell-like string form, split with SplitCommand
	Dir   string            // working directory
	Env   map[string]string // appended to the inherited environment
	Stdin string            // when non-empty, written to the child then closed
}

// Options bound the execution.
type Options struct {
	TimeoutMS      int64             // <=0 means no timeout
	MaxOutputBytes int64             // per-stream capture cap; <=0 unbounded
	ExtraEnv       map[string]string // appended after Spec.Env
}

// Result is the outcome of one child process run.
type Result struct {
	Stdout          string    `json:"stdout"`
	Stderr          string    `json:"stderr"`
	ExitCode        int       `json:"exit_code"`
	Signal          string    `json:"signal,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
	DurationMS      int64     `json:"duration_ms"`
	StdoutTruncated bool      `json:"stdout_truncated,omitempty"`
	StderrTruncated bool      `json:"stderr_truncated,omitempty"`
	Err             string    `json:"err,omitempty"`
	TimedOut        bool      `json:"timed_out,omitempty"`
}

// Success reports whether the run completed cleanly.
func (r *Result) Success() bool {
	return r.Err == "" && !r.TimedOut && r.ExitCode == 0
}

// Handle is a started child process. Done delivers exactly one Result.
type Handle struct {
	Proc      *os.Process
	StartedAt time.Time
	Done      <-chan *Result

	mu        sync.Mutex
	killTimer *time.Timer
	termOnce  sync.Once
	timedOut  atomic.Bool
	aborted   atomic.Bool
}

// Terminate sends SIGTERM to the child's process group and escalates to
// SIGKILL after the grace period. Safe to call more than once.
func (h *Handle) Terminate() {
	h.termOnce.Do(func() {
		signalTerm(h.Proc)
		h.mu.Lock()
		h.killTimer = time.AfterFunc(killGrace, func() { signalKill(h.Proc) })
		h.mu.Unlock()
	})
}

// Spawn starts the command and returns a handle immediately. The ctx only
// cancels the running child; it does not bound Spawn itself.
func Spawn(ctx context.Context, spec Spec, opts Options) (*Handle, error) {
	argv := spec.Argv
	if len(argv) == 0 && strings.TrimSpace(spec.Exec) != "" {
		split, err := SplitCommand(spec.Exec)
		if err != nil {
			return nil, err
		}
		argv = split
	}
	if len(argv) == 0 {
		return nil, ErrMissingExec
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = spec.Dir
	env := os.Environ()
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	for k, v := range opts.ExtraEnv {
		env = append(env, k+"="+v)
	}
	cmd.Env = env
	if spec.Stdin != "" {
		cmd.Stdin = strings.NewReader(spec.Stdin)
	}
	stdout := newCappedBuffer(opts.MaxOutputBytes)
	stderr := newCappedBuffer(opts.MaxOutputBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	setProcGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start command: %w", err)
	}

	done := make(chan *Result, 1)
	waitDone := make(chan struct{})
	h := &Handle{
		Proc:      cmd.Process,
		StartedAt: time.Now(),
		Done:      done,
	}

	var timeoutTimer *time.Timer
	if opts.TimeoutMS > 0 {
		timeoutTimer = time.AfterFunc(time.Duration(opts.TimeoutMS)*time.Millisecond, func() {
			h.timedOut.Store(true)
			h.Terminate()
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			h.aborted.Store(true)
			h.Terminate()
		case <-waitDone:
		}
	}()

	go func() {
		waitErr := cmd.Wait()
		finished := time.Now()
		close(waitDone)
		if timeoutTimer != nil {
			timeoutTimer.Stop()
		}
		h.mu.Lock()
		if h.killTimer != nil {
			h.killTimer.Stop()
		}
		h.mu.Unlock()

		res := &Result{
			Stdout:          stdout.String(),
			Stderr:          stderr.String(),
			StdoutTruncated: stdout.Truncated(),
			StderrTruncated: stderr.Truncated(),
			StartedAt:       h.StartedAt,
			FinishedAt:      finished,
			DurationMS:      finished.Sub(h.StartedAt).Milliseconds(),
			TimedOut:        h.timedOut.Load(),
		}
		if state := cmd.ProcessState; state != nil {
			res.ExitCode = state.ExitCode()
			res.Signal = waitSignal(state)
		}
		var exitErr *exec.ExitError
		switch {
		case h.aborted.Load() && !res.TimedOut:
			res.Err = "aborted"
		case waitErr == nil || errors.As(waitErr, &exitErr):
			// Non-zero exits and signals are carried by ExitCode and Signal.
		default:
			res.Err = waitErr.Error()
		}
		done <- res
	}()

	return h, nil
}

// Run spawns the command and waits for its result.
func Run(ctx context.Context, spec Spec, opts Options) (*Result, error) {
	h, err := Spawn(ctx, spec, opts)
	if err != nil {
		return nil, err
	}
	return <-h.Done, nil
}

// RunWithInput runs argv with stdin written to the child, then closed.
func RunWithInput(ctx context.Context, argv []string, stdin string, env map[string]string, opts Options) (*Result, error) {
	return Run(ctx, Spec{Argv: argv, Env: env, Stdin: stdin}, opts)
}
