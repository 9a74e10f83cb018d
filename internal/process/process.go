// Package process runs external programs whose lifetime is bound to a scope.
//
// Run starts a program, hands its live streams to a callback and guarantees that the
// program is either waited on (normal exit) or killed and reaped (error, panic or
// cancellation) before Run returns. No process outlives the scope that started it.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	syncerr "github.com/toxic13/docker-utils/internal/errors"
)

// Command is a program invocation.
type Command struct {
	// Name is the program to execute, resolved through PATH.
	Name string

	// Args are the program arguments (without the program name).
	Args []string

	// Env holds variables injected on top of the current environment.
	Env map[string]string
}

// Argv returns the program name followed by its arguments.
func (c Command) Argv() []string {
	return append([]string{c.Name}, c.Args...)
}

// String renders the command for logs and error messages, with injected variables first.
func (c Command) String() string {
	var b strings.Builder
	for _, kv := range c.environ() {
		b.WriteString(kv)
		b.WriteByte(' ')
	}
	b.WriteString(strings.Join(c.Argv(), " "))
	return b.String()
}

func (c Command) environ() []string {
	if len(c.Env) == 0 {
		return nil
	}
	env := make([]string, 0, len(c.Env))
	for k, v := range c.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(env)
	return env
}

// Process is a live child process.
type Process struct {
	// Stdin is the write end of the child's standard input when WithStdinPipe was given.
	Stdin io.WriteCloser

	// Stdout is the read end of the child's standard output when WithStdoutPipe was given.
	Stdout io.ReadCloser

	command Command
	cmd     *exec.Cmd
	ctx     context.Context
	logger  *slog.Logger
	tracker Tracker

	waitOnce sync.Once
	waitErr  error
	reaped   atomic.Bool
}

// Command returns the invocation this process was started with.
func (p *Process) Command() Command {
	return p.command
}

// Pid returns the operating system process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Kill forcibly terminates the process and every process it started. Errors are
// ignored: the processes may already be gone.
func (p *Process) Kill() {
	if p.cmd.Process == nil || p.reaped.Load() {
		return
	}
	if err := signalGroup(p.cmd.Process.Pid, os.Kill); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logger.Debug("kill failed", "cmd", p.command.Name, "pid", p.cmd.Process.Pid, "error", err)
	}
}

// Signal delivers sig to the process and every process it started.
func (p *Process) Signal(sig os.Signal) error {
	if p.reaped.Load() {
		return nil
	}
	if err := signalGroup(p.cmd.Process.Pid, sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("signal %s: %w", p.command.Name, err)
	}
	return nil
}

// Wait waits for the process to exit and releases its resources. It is safe to call more
// than once; later calls return the first result. A non-zero exit status is reported as a
// *errors.ProcessFailedError.
func (p *Process) Wait() error {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		p.reaped.Store(true)
		if p.tracker != nil {
			p.tracker.Untrack(p)
		}
		p.waitErr = p.convertWaitError(err)
		p.logger.Debug("process exited", "cmd", p.command.Name, "pid", p.cmd.Process.Pid, "error", p.waitErr)
	})
	return p.waitErr
}

func (p *Process) convertWaitError(err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := p.ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", p.command.Name, ctxErr)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &syncerr.ProcessFailedError{
			ExitCode: exitErr.ExitCode(),
			Command:  p.command.Argv(),
		}
	}
	return fmt.Errorf("wait for %s: %w", p.command.Name, err)
}

// Start starts c and returns the live process. The caller owns the process and must Wait
// for it; Run is the scoped alternative and should be preferred.
//
// When ctx carries a Tracker, the process is started inside Tracker.Track so that a pool
// shutting down can never miss it.
func Start(ctx context.Context, c Command, opts ...Option) (*Process, error) {
	options := mergeOptions(opts...)

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	setupCommand(cmd, c, options)

	p := &Process{
		command: c,
		cmd:     cmd,
		ctx:     ctx,
		logger:  options.Logger,
	}

	if options.StdinPipe {
		w, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("stdin pipe for %s: %w", c.Name, err)
		}
		p.Stdin = w
	}
	if options.StdoutPipe {
		r, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("stdout pipe for %s: %w", c.Name, err)
		}
		p.Stdout = r
	}

	if t := TrackerFromContext(ctx); t != nil {
		if err := t.Track(p, cmd.Start); err != nil {
			return nil, fmt.Errorf("start %s: %w", c.Name, err)
		}
		p.tracker = t
	} else if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", c.Name, err)
	}

	p.logger.Debug("process started", "cmd", c.String(), "pid", cmd.Process.Pid)
	return p, nil
}

// Run starts c, calls fn with the live process and then waits for it.
//
// If fn returns nil, the stdin pipe (if any) is closed and Run waits for the process,
// failing with a *errors.ProcessFailedError on a non-zero exit. If fn returns an error or
// panics, or ctx is cancelled, the process is killed and reaped before Run returns.
func Run(ctx context.Context, c Command, fn func(p *Process) error, opts ...Option) error {
	p, err := Start(ctx, c, opts...)
	if err != nil {
		return err
	}

	completed := false
	defer func() {
		if !completed {
			p.Kill()
			_ = p.Wait()
		}
	}()

	if fn != nil {
		if err := fn(p); err != nil {
			return err
		}
	}
	completed = true

	if p.Stdin != nil {
		_ = p.Stdin.Close()
	}
	return p.Wait()
}

// Output runs c to completion and returns its combined standard output and error.
func Output(ctx context.Context, c Command, opts ...Option) ([]byte, error) {
	var buf bytes.Buffer
	opts = append(opts, WithStdout(&buf), WithStderr(&buf))
	err := Run(ctx, c, nil, opts...)
	return buf.Bytes(), err
}

// LookPath reports whether name resolves to an executable.
func LookPath(name string) bool {
	if name == "" {
		return false
	}
	_, err := exec.LookPath(name)
	return err == nil
}

// setupCommand configures the exec.Cmd with its process group, environment and streams.
func setupCommand(cmd *exec.Cmd, c Command, options *Options) {
	isolate(cmd)

	if env := c.environ(); len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	if !options.StdinPipe {
		cmd.Stdin = options.Stdin
	}
	if !options.StdoutPipe {
		cmd.Stdout = options.Stdout
	}
	cmd.Stderr = options.Stderr
	cmd.ExtraFiles = options.ExtraFiles
}
