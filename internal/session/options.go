package session

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
)

const (
	// DefaultEngine is the image engine program.
	DefaultEngine = "docker"

	// DefaultSSHProgram is the secure tunnel client.
	DefaultSSHProgram = "ssh"

	// DefaultRemoteSocket is the engine socket on tunnel hosts.
	DefaultRemoteSocket = "/var/run/docker.sock"

	// DefaultTeeProgram duplicates the import stream across fan-out members.
	DefaultTeeProgram = "tee"

	// DefaultPollInterval is how often a tunnel is checked for readiness.
	DefaultPollInterval = 100 * time.Millisecond
)

// Options configures sessions created by New.
type Options struct {
	// Engine is the image engine program run for every store command.
	Engine string

	// SSHProgram is the tunnel client started by tunnel sessions.
	SSHProgram string

	// RemoteSocket is the engine socket forwarded from tunnel hosts.
	RemoteSocket string

	// PollInterval is the tunnel readiness poll interval.
	PollInterval time.Duration

	// Filesystem holds tunnel control directories. Paths it returns must be valid for
	// the tunnel client, so it defaults to the operating system root.
	Filesystem billy.Filesystem

	// TeeProgram is the stream duplicator used by fan-out sessions.
	TeeProgram string

	// Workers bounds concurrent member tasks in fan-out sessions.
	Workers int

	// Stderr receives diagnostics of store commands.
	Stderr io.Writer

	Logger *slog.Logger
}

// Option is a function that modifies Options.
type Option func(*Options)

// DefaultOptions returns the default session options.
func DefaultOptions() *Options {
	return &Options{
		Engine:       DefaultEngine,
		SSHProgram:   DefaultSSHProgram,
		RemoteSocket: DefaultRemoteSocket,
		PollInterval: DefaultPollInterval,
		Filesystem:   osfs.New("/"),
		TeeProgram:   DefaultTeeProgram,
		Stderr:       os.Stderr,
		Logger:       slog.New(slog.DiscardHandler),
	}
}

func mergeOptions(opts ...Option) *Options {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithEngine sets the image engine program.
func WithEngine(program string) Option {
	return func(o *Options) {
		if program != "" {
			o.Engine = program
		}
	}
}

// WithSSHProgram sets the tunnel client program.
func WithSSHProgram(program string) Option {
	return func(o *Options) {
		if program != "" {
			o.SSHProgram = program
		}
	}
}

// WithRemoteSocket sets the engine socket path on tunnel hosts.
func WithRemoteSocket(path string) Option {
	return func(o *Options) {
		if path != "" {
			o.RemoteSocket = path
		}
	}
}

// WithPollInterval sets the tunnel readiness poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.PollInterval = d
		}
	}
}

// WithFilesystem sets the filesystem holding tunnel control directories.
func WithFilesystem(fs billy.Filesystem) Option {
	return func(o *Options) {
		if fs != nil {
			o.Filesystem = fs
		}
	}
}

// WithTeeProgram sets the stream duplicator for fan-out sessions.
func WithTeeProgram(program string) Option {
	return func(o *Options) {
		if program != "" {
			o.TeeProgram = program
		}
	}
}

// WithWorkers bounds concurrent member tasks in fan-out sessions.
func WithWorkers(n int) Option {
	return func(o *Options) {
		o.Workers = n
	}
}

// WithStderr sends store command diagnostics to w.
func WithStderr(w io.Writer) Option {
	return func(o *Options) {
		o.Stderr = w
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		if logger != nil {
			o.Logger = logger
		}
	}
}
