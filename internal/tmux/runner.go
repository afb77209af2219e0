package tmux

import (
	"context"
	"os/exec"
)

// Runner executes a command and returns its combined output. Production
// uses ExecRunner; tests substitute a fake to script tmux behavior.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner runs commands through os/exec.
type ExecRunner struct{}

// Run executes the command and returns combined stdout/stderr.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}
