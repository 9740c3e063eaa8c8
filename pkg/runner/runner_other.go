//go:build !unix

package runner

import (
	"os"
	"os/exec"
)

func setProcGroup(cmd *exec.Cmd) {}

func signalTerm(p *os.Process) {
	if p != nil {
		_ = p.Kill()
	}
}

func signalKill(p *os.Process) {
	if p != nil {
		_ = p.Kill()
	}
}

func waitSignal(state *os.ProcessState) string { return "" }
