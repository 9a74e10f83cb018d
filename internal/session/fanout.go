package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	syncerr "github.com/toxic13/docker-utils/internal/errors"
	"github.com/toxic13/docker-utils/internal/image"
	"github.com/toxic13/docker-utils/internal/pipe"
	"github.com/toxic13/docker-utils/internal/pool"
	"github.com/toxic13/docker-utils/internal/process"
)

// Fanout is one logical destination made of several stores. Every member negotiates on
// its own; the transfer itself is broadcast to all members in lockstep.
type Fanout struct {
	members []Session
	tee     string
	workers int
	stderr  io.Writer
	logger  *slog.Logger

	opened []Session
}

// NewFanout returns a fan-out over the stores at addrs.
func NewFanout(addrs []string, opts ...Option) (*Fanout, error) {
	o := mergeOptions(opts...)

	members := make([]Session, 0, len(addrs))
	for _, addr := range addrs {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			return nil, syncerr.New(syncerr.CodeInvalidInput, "parse address",
				fmt.Errorf("%w: empty fan-out member", syncerr.ErrInvalidAddress))
		}
		e, err := newEndpoint(addr, o)
		if err != nil {
			return nil, err
		}
		members = append(members, e)
	}
	return newFanout(members, o)
}

// Combine returns a fan-out over already constructed sessions.
func Combine(members []Session, opts ...Option) (*Fanout, error) {
	return newFanout(members, mergeOptions(opts...))
}

func newFanout(members []Session, o *Options) (*Fanout, error) {
	if len(members) == 0 {
		return nil, syncerr.New(syncerr.CodeInvalidInput, "fan-out",
			fmt.Errorf("%w: no members", syncerr.ErrInvalidAddress))
	}
	return &Fanout{
		members: members,
		tee:     o.TeeProgram,
		workers: o.Workers,
		stderr:  o.Stderr,
		logger:  o.Logger,
	}, nil
}

// Label implements Session.
func (f *Fanout) Label() string {
	labels := make([]string, len(f.members))
	for i, m := range f.members {
		labels[i] = m.Label()
	}
	return strings.Join(labels, ",")
}

// Members returns the member sessions in order.
func (f *Fanout) Members() []Session {
	return append([]Session(nil), f.members...)
}

// Open opens and readies every member in order. If any member fails, the members
// opened so far are closed in reverse order and the error is returned.
func (f *Fanout) Open(ctx context.Context) error {
	for _, m := range f.members {
		if err := m.Open(ctx); err != nil {
			return f.rollback(err)
		}
		f.opened = append(f.opened, m)
		if err := m.Ready(ctx); err != nil {
			return f.rollback(err)
		}
	}
	f.logger.Debug("fan-out ready", "members", len(f.members))
	return nil
}

func (f *Fanout) rollback(cause error) error {
	if closeErr := f.Close(); closeErr != nil {
		f.logger.Warn("fan-out rollback incomplete", "error", closeErr)
	}
	return cause
}

// Ready implements Session. Members are readied by Open.
func (f *Fanout) Ready(context.Context) error {
	if len(f.opened) != len(f.members) {
		return syncerr.New(syncerr.CodeUnavailable, "ready "+f.Label(), syncerr.ErrNotReady)
	}
	return nil
}

// Close closes the opened members in reverse order.
func (f *Fanout) Close() error {
	var errs []error
	for i := len(f.opened) - 1; i >= 0; i-- {
		errs = append(errs, f.opened[i].Close())
	}
	f.opened = nil
	return errors.Join(errs...)
}

// CanExportWithExclusion implements Session. A fan-out is never a source.
func (f *Fanout) CanExportWithExclusion(context.Context) bool {
	return false
}

// CanImportWithExclusionReport reports whether every member can report skipped content.
// Members are probed concurrently.
func (f *Fanout) CanImportWithExclusionReport(ctx context.Context) bool {
	supported := make([]bool, len(f.members))
	err := f.each(ctx, func(ctx context.Context, i int, m Session) error {
		supported[i] = m.CanImportWithExclusionReport(ctx)
		return nil
	})
	if err != nil {
		f.logger.Debug("fan-out probe failed", "error", err)
		return false
	}
	for i, ok := range supported {
		if !ok {
			f.logger.Debug("member cannot report skipped content", "member", f.members[i].Label())
			return false
		}
	}
	return true
}

// Export implements Session. It always fails: a fan-out is destination only.
func (f *Fanout) Export(context.Context, []string, image.ExcludeSet, io.Writer, func() error) error {
	return syncerr.New(syncerr.CodeInvalidInput, "export", syncerr.ErrFanoutSource)
}

// Import implements Session.
//
// With report set the stream is buffered once and replayed to every member concurrently;
// the result holds only the content every member already had. Without report the stream
// is duplicated to all members at once by the tee program, so a stalled or failing member
// stalls or fails the whole transfer.
func (f *Fanout) Import(ctx context.Context, r io.Reader, report bool, fn func() error) (image.ExcludeSet, error) {
	if report {
		return f.negotiate(ctx, r, fn)
	}
	if len(f.members) == 1 {
		return f.members[0].Import(ctx, r, false, fn)
	}
	return nil, f.broadcast(ctx, r, fn)
}

// Tag tags the image on every member in order.
func (f *Fanout) Tag(ctx context.Context, id, tag string) error {
	for _, m := range f.members {
		if err := m.Tag(ctx, id, tag); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fanout) negotiate(ctx context.Context, r io.Reader, fn func() error) (image.ExcludeSet, error) {
	var buf bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, err := buf.ReadFrom(r)
		done <- err
	}()

	if fn != nil {
		if err := fn(); err != nil {
			return nil, err
		}
	}

	select {
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("buffer negotiation stream: %w", err)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	data := buf.Bytes()
	sets := make([]image.ExcludeSet, len(f.members))
	err := f.each(ctx, func(ctx context.Context, i int, m Session) error {
		s, err := m.Import(ctx, bytes.NewReader(data), true, nil)
		if err != nil {
			return err
		}
		sets[i] = s
		f.logger.Debug("member negotiated", "member", m.Label(), "present", s.Len())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return image.IntersectAll(sets...), nil
}

// each runs task for every member in a tracked pool and waits for all of them.
func (f *Fanout) each(ctx context.Context, task func(ctx context.Context, i int, m Session) error) error {
	p := pool.New(ctx, f.workers, pool.WithLogger(f.logger))
	defer func() { _ = p.Shutdown() }()

	for i, m := range f.members {
		p.Go(func(ctx context.Context) error {
			return task(ctx, i, m)
		})
	}
	return p.Wait()
}

// broadcast starts one import per member, each reading its own pipe, and then runs the
// duplicator from r into all of the pipes.
func (f *Fanout) broadcast(ctx context.Context, r io.Reader, fn func() error) error {
	pipes := make([]*pipe.Pipe, 0, len(f.members))
	released := false
	defer func() {
		if released {
			return
		}
		for _, p := range pipes {
			_ = p.Close()
		}
	}()

	for range f.members {
		p, err := pipe.New()
		if err != nil {
			return err
		}
		pipes = append(pipes, p)
	}

	release := func() error {
		released = true
		var errs []error
		for _, p := range pipes {
			errs = append(errs, p.Close())
		}
		return errors.Join(errs...)
	}
	return f.importMember(ctx, 0, r, pipes, release, fn)
}

func (f *Fanout) importMember(ctx context.Context, i int, r io.Reader, pipes []*pipe.Pipe, release, fn func() error) error {
	if i == len(f.members) {
		return f.duplicate(ctx, r, pipes, release, fn)
	}
	_, err := f.members[i].Import(ctx, pipes[i].R, false, func() error {
		return f.importMember(ctx, i+1, r, pipes, release, fn)
	})
	return err
}

// duplicate runs "tee /dev/fd/3 ... /dev/fd/N+1": the first N-1 member pipes are passed as
// extra descriptors, the last one is tee's standard output.
func (f *Fanout) duplicate(ctx context.Context, r io.Reader, pipes []*pipe.Pipe, release, fn func() error) error {
	last := len(pipes) - 1
	extra := make([]*os.File, 0, last)
	args := make([]string, 0, last)
	for i, p := range pipes[:last] {
		extra = append(extra, p.W)
		args = append(args, fmt.Sprintf("/dev/fd/%d", 3+i))
	}

	c := process.Command{Name: f.tee, Args: args}
	return process.Run(ctx, c, func(*process.Process) error {
		// Every member and the duplicator hold their own ends now.
		if err := release(); err != nil {
			return fmt.Errorf("release fan-out pipes: %w", err)
		}
		if fn != nil {
			return fn()
		}
		return nil
	},
		process.WithStdin(r),
		process.WithStdout(pipes[last].W),
		process.WithExtraFiles(extra...),
		process.WithStderr(f.stderr),
		process.WithLogger(f.logger),
	)
}
