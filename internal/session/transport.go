package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"

	syncerr "github.com/toxic13/docker-utils/internal/errors"
	"github.com/toxic13/docker-utils/internal/process"
)

// hostEnv names the engine's target address variable.
const hostEnv = "DOCKER_HOST"

const (
	controlFile = "control"
	socketFile  = "docker.sock"
)

// localTransport runs the engine against the local store.
type localTransport struct{}

func (localTransport) command(engine string, args []string) process.Command {
	return process.Command{Name: engine, Args: args}
}

func (localTransport) open(context.Context) error  { return nil }
func (localTransport) ready(context.Context) error { return nil }
func (localTransport) close() error                { return nil }

// directTransport points the engine at an address through the environment.
type directTransport struct {
	host string
}

func (t *directTransport) command(engine string, args []string) process.Command {
	return process.Command{Name: engine, Args: args, Env: map[string]string{hostEnv: t.host}}
}

func (*directTransport) open(context.Context) error  { return nil }
func (*directTransport) ready(context.Context) error { return nil }
func (*directTransport) close() error                { return nil }

// tunnelTransport forwards a local socket to the remote engine over a multiplexed
// ssh connection. The connection is established in the background; it is usable once
// its control socket exists.
type tunnelTransport struct {
	target       string
	port         string
	program      string
	remoteSocket string
	interval     time.Duration
	fs           billy.Filesystem
	logger       *slog.Logger

	dir     string
	proc    *process.Process
	exited  chan struct{}
	exitErr error
}

func newTunnel(target, port string, o *Options) *tunnelTransport {
	return &tunnelTransport{
		target:       target,
		port:         port,
		program:      o.SSHProgram,
		remoteSocket: o.RemoteSocket,
		interval:     o.PollInterval,
		fs:           o.Filesystem,
		logger:       o.Logger.With("tunnel", target),
	}
}

func (t *tunnelTransport) command(engine string, args []string) process.Command {
	return process.Command{
		Name: engine,
		Args: args,
		Env:  map[string]string{hostEnv: "unix://" + t.osPath(t.socket())},
	}
}

func (t *tunnelTransport) control() string {
	return t.fs.Join(t.dir, controlFile)
}

func (t *tunnelTransport) socket() string {
	return t.fs.Join(t.dir, socketFile)
}

// osPath maps a filesystem path to the path seen by other processes.
func (t *tunnelTransport) osPath(name string) string {
	if ch, ok := t.fs.(billy.Chroot); ok {
		return filepath.Join(ch.Root(), name)
	}
	return name
}

func (t *tunnelTransport) open(ctx context.Context) error {
	dir, err := util.TempDir(t.fs, "", "docker-sync-")
	if err != nil {
		return fmt.Errorf("create tunnel directory: %w", err)
	}
	t.dir = dir

	args := []string{
		"-N", "-M",
		"-S", t.osPath(t.control()),
		"-L", t.osPath(t.socket()) + ":" + t.remoteSocket,
		"-o", "ExitOnForwardFailure=yes",
	}
	if t.port != "" {
		args = append(args, "-p", t.port)
	}
	args = append(args, t.target)

	proc, err := process.Start(ctx, process.Command{Name: t.program, Args: args}, process.WithLogger(t.logger))
	if err != nil {
		_ = util.RemoveAll(t.fs, t.dir)
		return &syncerr.TunnelError{Host: t.target, Err: err}
	}
	t.proc = proc
	t.exited = make(chan struct{})
	go func() {
		t.exitErr = proc.Wait()
		close(t.exited)
	}()

	t.logger.Debug("tunnel starting", "dir", t.dir, "pid", proc.Pid())
	return nil
}

// ready polls for the control socket. The tunnel exiting first is fatal.
func (t *tunnelTransport) ready(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		if _, err := t.fs.Stat(t.control()); err == nil {
			t.logger.Debug("tunnel ready")
			return nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return &syncerr.TunnelError{Host: t.target, Err: err}
		}

		select {
		case <-t.exited:
			return &syncerr.TunnelError{Host: t.target, Err: t.exitErr}
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// close terminates the tunnel, waits for it and only then removes its directory.
func (t *tunnelTransport) close() error {
	var errs []error
	if t.proc != nil {
		if err := t.proc.Signal(syscall.SIGTERM); err != nil {
			errs = append(errs, err)
			t.proc.Kill()
		}
		<-t.exited
	}
	if t.dir != "" {
		if err := util.RemoveAll(t.fs, t.dir); err != nil {
			errs = append(errs, fmt.Errorf("remove tunnel directory: %w", err))
		}
	}
	return errors.Join(errs...)
}
