package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/leeoohoo/mcp-subagent-router/pkg/runner"
)

// commandDriver pipes the conversation to a local command and reads the
// answer from its stdout. Tool calling is not supported.
type commandDriver struct {
	cfg Config
}

func (d *commandDriver) name() string { return "command" }

func (d *commandDriver) generate(ctx context.Context, req *Request) (*Result, error) {
	res, err := runner.RunWithInput(ctx, d.cfg.CommandArgv, renderConversation(req.Messages), nil,
		runner.Options{MaxOutputBytes: d.cfg.MaxOutput})
	if err != nil {
		return nil, err
	}
	if res.Err == "aborted" {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, context.DeadlineExceeded
		}
		return nil, ErrAborted
	}
	if res.TimedOut {
		return nil, errors.New("model command timed out")
	}
	if res.Err != "" {
		return nil, fmt.Errorf("model command failed: %s", res.Err)
	}
	if res.ExitCode != 0 {
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = fmt.Sprintf("exit code %d", res.ExitCode)
		}
		return nil, fmt.Errorf("model command failed: %s", msg)
	}
	return &Result{
		Content:   strings.TrimSpace(res.Stdout),
		Truncated: res.StdoutTruncated,
	}, nil
}

// renderConversation flattens the messages into role-prefixed blocks.
func renderConversation(messages []Message) string {
	var b strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&b, "%s: %s\n\n", m.Role, m.Content)
	}
	b.WriteString("assistant:")
	return b.String()
}
