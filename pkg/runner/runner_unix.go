//go:build unix

package runner

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcGroup starts the child in its own process group so termination
// signals reach the whole tree.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func signalTerm(p *os.Process) { signalGroup(p, unix.SIGTERM) }

func signalKill(p *os.Process) { signalGroup(p, unix.SIGKILL) }

// signalGroup delivers sig to the child's process group, falling back to
// the process itself when the group is gone.
func signalGroup(p *os.Process, sig syscall.Signal) {
	if p == nil || p.Pid <= 0 {
		return
	}
	if err := unix.Kill(-p.Pid, sig); err != nil {
		_ = p.Signal(sig)
	}
}

// waitSignal names the signal that terminated the child, if any.
func waitSignal(state *os.ProcessState) string {
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return ""
	}
	return unix.SignalName(ws.Signal())
}
