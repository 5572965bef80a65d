// Package localexec runs an allowlisted local command as an agent process.
package localexec

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/haloruntime/halo/internal/connectors"
)

// LocalExec implements connectors.Connector by running a single allowlisted
// command (the agent binary) with a restricted set of permitted subcommands.
// Unlike a fixed allowlist, the permitted command and its subcommands are
// supplied by the caller, since the agent binary installed apps invoke is a
// deployment choice, not a constant.
type LocalExec struct {
	workDir string
	allowed map[string][]string
}

// New creates a LocalExec that runs in workDir and only permits the given
// command -> allowed-subcommand-list mapping.
func New(workDir string, allowed map[string][]string) *LocalExec {
	return &LocalExec{workDir: workDir, allowed: allowed}
}

// Name returns the connector identifier.
func (l *LocalExec) Name() string {
	return "localexec"
}

// IsAllowed reports whether cmd's first argument is in the allowlist for cmd.
func (l *LocalExec) IsAllowed(cmd string, args []string) bool {
	allowedSubcmds, ok := l.allowed[cmd]
	if !ok {
		return false
	}
	if len(args) == 0 {
		return false
	}

	subcmd := args[0]
	for _, allowed := range allowedSubcmds {
		if subcmd == allowed {
			return true
		}
	}
	return false
}

// Execute runs cmd with args if allowed, capturing stdout/stderr and exit code.
func (l *LocalExec) Execute(ctx context.Context, cmd string, args []string) (*connectors.ExecResult, error) {
	if !l.IsAllowed(cmd, args) {
		return nil, fmt.Errorf("command not allowed: %s %s", cmd, strings.Join(args, " "))
	}

	execCmd := exec.CommandContext(ctx, cmd, args...)
	if l.workDir != "" {
		execCmd.Dir = l.workDir
	}

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	err := execCmd.Run()

	exitCode := 0
	if err != nil {
		if exitError, ok := err.(*exec.ExitError); ok {
			exitCode = exitError.ExitCode()
		} else {
			return nil, fmt.Errorf("exec error: %w", err)
		}
	}

	return &connectors.ExecResult{
		Command:  cmd,
		Args:     args,
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}
