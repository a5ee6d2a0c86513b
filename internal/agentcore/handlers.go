package agentcore

import (
	"errors"
	"time"

	"github.com/paboldin/rally-agent/internal/envelope"
)

// handlePing implements §4.3 "ping": stamp the current time.
func (a *Agent) handlePing(req *envelope.Request, reply *envelope.Reply) error {
	reply.Set("time", time.Now().UTC().Format(time.RFC3339))
	return nil
}

// handleCommand implements §4.3 "command": synchronous or detached child
// execution, enforcing the single-slot invariant before spawning anything.
func (a *Agent) handleCommand(req *envelope.Request, reply *envelope.Reply) error {
	detached := req.GetBool("thread")

	if a.exec != nil {
		return errors.New("A command is already being executed.")
	}

	path := req.GetStringSlice("path")
	stdoutSel := req.GetString("stdout", "")
	stderrSel := req.GetString("stderr", "")
	env := req.GetStringSlice("env")

	executor, stdout, stderr, exitCode, err := StartCommand(path, env, stdoutSel, stderrSel, detached)
	if err != nil {
		return err
	}

	if !detached {
		reply.Set("stdout", stdout)
		reply.Set("stderr", stderr)
		reply.Set("exit_code", *exitCode)
		return nil
	}

	a.exec = executor
	if fh, ok := executor.StdoutFH(); ok {
		reply.Set("stdout_fh", fh)
	}
	if fh, ok := executor.StderrFH(); ok {
		reply.Set("stderr_fh", fh)
	}
	return nil
}

// handleTail implements §4.3 "tail".
func (a *Agent) handleTail(req *envelope.Request, reply *envelope.Reply) error {
	if a.exec == nil {
		return errors.New("No executor or pipes.")
	}

	size := req.GetInt("size", 0)
	stdout, stderr, stdoutRemain, stderrRemain, err := a.exec.Tail(size)
	if err != nil {
		return err
	}

	reply.Set("stdout", stdout)
	reply.Set("stderr", stderr)
	if stdoutRemain != nil {
		reply.Set("stdout_remain", *stdoutRemain)
	}
	if stderrRemain != nil {
		reply.Set("stderr_remain", *stderrRemain)
	}
	return nil
}

// handleCheck implements §4.3 "check".
func (a *Agent) handleCheck(req *envelope.Request, reply *envelope.Reply) error {
	if a.exec == nil {
		return errors.New("No executor.")
	}

	wait := req.GetBool("wait")
	clear := req.GetBool("clear")

	if wait || clear {
		a.exec.Wait()
	}

	if code := a.exec.ExitCode(); code != nil {
		reply.Set("exit_code", *code)
	} else {
		reply.Set("exit_code", nil)
	}

	if clear {
		a.exec.Clear()
		a.exec = nil
	}
	return nil
}
