package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/haloruntime/halo/internal/connectors"
)

// SubprocessInvoker drives the external agent SDK as a local subprocess via
// a connectors.Connector, adapting the teacher's command-allowlist executor
// from "run a shell command" to "run one agent session". Report tool calls
// are out of this invoker's scope (they arrive over the agent's own
// transport, not over stdout) — here Invoke's job is strictly to start the
// process, wait for it to exit or ctx to cancel, and translate the result.
type SubprocessInvoker struct {
	conn    connectors.Connector
	command string
	args    []string
}

// NewSubprocessInvoker wraps a connector that has command/args allowlisted
// to launch the agent binary.
func NewSubprocessInvoker(conn connectors.Connector, command string, args []string) *SubprocessInvoker {
	return &SubprocessInvoker{conn: conn, command: command, args: args}
}

func (s *SubprocessInvoker) Name() string { return "subprocess:" + s.conn.Name() }

// Invoke launches the agent process and blocks until it exits or ctx is
// cancelled. It does not itself wire OnReport — that is the transport
// layer's job (out of scope). inv's WorkDir and Env are not passed to the
// process either: the connector receives only the command and its args, so
// the process runs in the connector's own working directory and inherits
// the daemon's environment.
func (s *SubprocessInvoker) Invoke(ctx context.Context, inv Invocation) (Result, error) {
	if !s.conn.IsAllowed(s.command, s.args) {
		return Result{Outcome: "error", Error: "agent command not allowed"}, fmt.Errorf("agent command not allowed: %s", s.command)
	}

	done := make(chan struct {
		res *connectors.ExecResult
		err error
	}, 1)

	go func() {
		res, err := s.conn.Execute(ctx, s.command, s.args)
		done <- struct {
			res *connectors.ExecResult
			err error
		}{res, err}
	}()

	select {
	case <-ctx.Done():
		return Result{Outcome: "error", Error: "cancelled"}, ctx.Err()
	case d := <-done:
		if d.err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return Result{Outcome: "error", Error: "cancelled"}, ctx.Err()
			}
			return Result{Outcome: "error", Error: d.err.Error()}, d.err
		}
		if d.res.ExitCode != 0 {
			return Result{Outcome: "error", Error: fmt.Sprintf("agent exited %d: %s", d.res.ExitCode, d.res.Stderr)}, nil
		}
		return Result{Outcome: "useful"}, nil
	}
}
