package process

import (
	"io"
	"log/slog"
	"os"
)

// Options configures how a process is started.
type Options struct {
	// Stdin is connected to the child's standard input. Nil means the null device.
	Stdin io.Reader

	// Stdout receives the child's standard output. Nil means the null device.
	Stdout io.Writer

	// Stderr receives the child's standard error. Defaults to os.Stderr so that
	// engine diagnostics stay visible.
	Stderr io.Writer

	// StdinPipe exposes the child's standard input as Process.Stdin.
	StdinPipe bool

	// StdoutPipe exposes the child's standard output as Process.Stdout.
	StdoutPipe bool

	// ExtraFiles are inherited by the child as file descriptors 3, 4, ...
	ExtraFiles []*os.File

	// Logger receives lifecycle events at debug level.
	Logger *slog.Logger
}

// Option is a function that modifies Options.
type Option func(*Options)

// DefaultOptions returns default process options.
func DefaultOptions() *Options {
	return &Options{
		Stderr: os.Stderr,
		Logger: slog.New(slog.DiscardHandler),
	}
}

func mergeOptions(opts ...Option) *Options {
	merged := DefaultOptions()
	for _, opt := range opts {
		opt(merged)
	}
	if merged.Logger == nil {
		merged.Logger = slog.New(slog.DiscardHandler)
	}
	return merged
}

// WithStdin connects r to the child's standard input. An *os.File is handed to the
// child directly; any other reader is copied by a background goroutine.
func WithStdin(r io.Reader) Option {
	return func(o *Options) {
		o.Stdin = r
	}
}

// WithStdout sends the child's standard output to w.
func WithStdout(w io.Writer) Option {
	return func(o *Options) {
		o.Stdout = w
	}
}

// WithStderr sends the child's standard error to w.
func WithStderr(w io.Writer) Option {
	return func(o *Options) {
		o.Stderr = w
	}
}

// WithStdinPipe exposes the child's standard input as Process.Stdin.
func WithStdinPipe() Option {
	return func(o *Options) {
		o.StdinPipe = true
	}
}

// WithStdoutPipe exposes the child's standard output as Process.Stdout.
func WithStdoutPipe() Option {
	return func(o *Options) {
		o.StdoutPipe = true
	}
}

// WithExtraFiles passes files to the child as descriptors 3, 4, ...
func WithExtraFiles(files ...*os.File) Option {
	return func(o *Options) {
		o.ExtraFiles = append(o.ExtraFiles, files...)
	}
}

// WithLogger sets the logger for process lifecycle events.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}
