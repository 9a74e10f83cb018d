// Package pipe provides anonymous unidirectional byte channels between processes,
// optionally routed through an inline throughput display program.
package pipe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/toxic13/docker-utils/internal/process"
)

// Pipe is a unidirectional channel. Data written to W by one process is read from R by
// another. The owner closes both ends exactly once with Close, normally right after the
// processes using them have been started.
type Pipe struct {
	R *os.File
	W *os.File
}

// New allocates a plain operating system pipe.
func New() (*Pipe, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("allocate pipe: %w", err)
	}
	return &Pipe{R: r, W: w}, nil
}

// Close closes both ends held by the caller.
func (p *Pipe) Close() error {
	return errors.Join(p.R.Close(), p.W.Close())
}

// Options configures Open.
type Options struct {
	// Display is the throughput display program spliced between the two ends.
	// Empty disables the display.
	Display string

	// DisplayArgs are passed to the display program.
	DisplayArgs []string

	Logger *slog.Logger
}

// Option is a function that modifies Options.
type Option func(*Options)

// WithDisplay routes the pipe through program when it is installed.
func WithDisplay(program string, args ...string) Option {
	return func(o *Options) {
		o.Display = program
		o.DisplayArgs = args
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// Open allocates a pipe and calls fn with it.
//
// With a display program available, two internal pipes are allocated and the program runs
// between them as a scoped process for the duration of fn: writes to W flow through the
// display into R. A missing display program is not an error; Open falls back to a plain pipe.
func Open(ctx context.Context, fn func(p *Pipe) error, opts ...Option) error {
	o := &Options{Logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(o)
	}

	if o.Display == "" || !process.LookPath(o.Display) {
		if o.Display != "" {
			o.Logger.Debug("throughput display unavailable, using a plain pipe", "program", o.Display)
		}
		p, err := New()
		if err != nil {
			return err
		}
		return fn(p)
	}

	upstream, err := New()
	if err != nil {
		return err
	}
	downstream, err := New()
	if err != nil {
		_ = upstream.Close()
		return err
	}

	started := false
	err = process.Run(ctx, process.Command{Name: o.Display, Args: o.DisplayArgs}, func(*process.Process) error {
		started = true
		// The display holds its own copies of these ends now.
		if err := errors.Join(upstream.R.Close(), downstream.W.Close()); err != nil {
			_ = errors.Join(upstream.W.Close(), downstream.R.Close())
			return fmt.Errorf("release display pipe ends: %w", err)
		}
		return fn(&Pipe{R: downstream.R, W: upstream.W})
	}, process.WithStdin(upstream.R), process.WithStdout(downstream.W), process.WithLogger(o.Logger))

	if !started {
		_ = errors.Join(upstream.Close(), downstream.Close())
	}
	return err
}
