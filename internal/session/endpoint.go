package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"sync"

	syncerr "github.com/toxic13/docker-utils/internal/errors"
	"github.com/toxic13/docker-utils/internal/image"
	"github.com/toxic13/docker-utils/internal/process"
)

// Help text flags that signal negotiation support.
var (
	exportExcludeFlag = regexp.MustCompile(`(?m)--exclude(?:[\s=,]|$)`)
	importReportFlag  = regexp.MustCompile(`(?m)--report-excludes(?:[\s=,]|$)`)
)

var errAlreadyOpened = errors.New("endpoint already opened")

// transport is the part of an endpoint that differs between variants: how engine
// commands reach the store, and what has to be set up around them.
type transport interface {
	command(engine string, args []string) process.Command
	open(ctx context.Context) error
	ready(ctx context.Context) error
	close() error
}

type state int

const (
	stateNew state = iota
	stateOpen
	stateReady
	stateClosed
)

// Endpoint is a single image store: local, behind a tunnel or addressed directly.
type Endpoint struct {
	label     string
	transport transport
	options   *Options
	logger    *slog.Logger

	mu    sync.Mutex
	state state
}

func newEndpointWith(label string, t transport, o *Options) *Endpoint {
	return &Endpoint{
		label:     label,
		transport: t,
		options:   o,
		logger:    o.Logger.With("endpoint", label),
	}
}

// Label implements Session.
func (e *Endpoint) Label() string {
	return e.label
}

// Command returns the concrete command line running the engine with args against this store.
func (e *Endpoint) Command(args ...string) process.Command {
	return e.transport.command(e.options.Engine, args)
}

// Open implements Session.
func (e *Endpoint) Open(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != stateNew {
		return syncerr.New(syncerr.CodeInternal, "open "+e.label, errAlreadyOpened)
	}
	if err := e.transport.open(ctx); err != nil {
		e.state = stateClosed
		return fmt.Errorf("open %s: %w", e.label, err)
	}
	e.state = stateOpen
	e.logger.Debug("endpoint opened")
	return nil
}

// Ready implements Session.
func (e *Endpoint) Ready(ctx context.Context) error {
	e.mu.Lock()
	st := e.state
	e.mu.Unlock()

	switch st {
	case stateReady:
		return nil
	case stateOpen:
	default:
		return syncerr.New(syncerr.CodeUnavailable, "ready "+e.label, syncerr.ErrNotReady)
	}

	if err := e.transport.ready(ctx); err != nil {
		return fmt.Errorf("ready %s: %w", e.label, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != stateOpen {
		return syncerr.New(syncerr.CodeUnavailable, "ready "+e.label, syncerr.ErrNotReady)
	}
	e.state = stateReady
	e.logger.Debug("endpoint ready")
	return nil
}

// Close implements Session. Closing a closed endpoint is a no-op.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	st := e.state
	e.state = stateClosed
	e.mu.Unlock()

	if st == stateNew || st == stateClosed {
		return nil
	}
	if err := e.transport.close(); err != nil {
		return fmt.Errorf("close %s: %w", e.label, err)
	}
	e.logger.Debug("endpoint closed")
	return nil
}

// CanExportWithExclusion implements Session.
func (e *Endpoint) CanExportWithExclusion(ctx context.Context) bool {
	return e.probe(ctx, exportExcludeFlag, "save", "--help")
}

// CanImportWithExclusionReport implements Session.
func (e *Endpoint) CanImportWithExclusionReport(ctx context.Context) bool {
	return e.probe(ctx, importReportFlag, "load", "--help")
}

func (e *Endpoint) probe(ctx context.Context, flag *regexp.Regexp, args ...string) bool {
	if err := e.checkReady("probe"); err != nil {
		e.logger.Debug("capability probe skipped", "error", err)
		return false
	}

	out, err := process.Output(ctx, e.Command(args...), process.WithLogger(e.logger))
	if err != nil {
		e.logger.Debug("capability probe failed", "args", args, "error", err)
		return false
	}
	return flag.Match(out)
}

// Export implements Session.
func (e *Endpoint) Export(ctx context.Context, images []string, exclude image.ExcludeSet, w io.Writer, fn func() error) error {
	args := []string{"save"}
	for _, id := range exclude.Sorted() {
		args = append(args, "--exclude", id)
	}
	args = append(args, images...)

	return e.run(ctx, "export", args, callback(fn), process.WithStdout(w))
}

// Import implements Session.
func (e *Endpoint) Import(ctx context.Context, r io.Reader, report bool, fn func() error) (image.ExcludeSet, error) {
	args := []string{"load"}
	if report {
		args = append(args, "--report-excludes")
	}

	var out bytes.Buffer
	if err := e.run(ctx, "import", args, callback(fn), process.WithStdin(r), process.WithStdout(&out)); err != nil {
		return nil, err
	}
	if !report {
		e.logger.Debug("import finished", "output", out.String())
		return nil, nil
	}

	skipped, err := image.ParseExcludeSet(&out)
	if err != nil {
		return nil, fmt.Errorf("import on %s: %w", e.label, err)
	}
	e.logger.Debug("import reported present content", "count", skipped.Len())
	return skipped, nil
}

// Tag implements Session.
func (e *Endpoint) Tag(ctx context.Context, id, tag string) error {
	return e.run(ctx, "tag", []string{"tag", id, tag}, nil)
}

func (e *Endpoint) run(ctx context.Context, op string, args []string, fn func(*process.Process) error, opts ...process.Option) error {
	if err := e.checkReady(op); err != nil {
		return err
	}

	base := []process.Option{process.WithLogger(e.logger), process.WithStderr(e.options.Stderr)}
	if err := process.Run(ctx, e.Command(args...), fn, append(base, opts...)...); err != nil {
		return fmt.Errorf("%s on %s: %w", op, e.label, err)
	}
	return nil
}

func (e *Endpoint) checkReady(op string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != stateReady {
		return syncerr.New(syncerr.CodeUnavailable, op+" on "+e.label, syncerr.ErrNotReady)
	}
	return nil
}

func callback(fn func() error) func(*process.Process) error {
	if fn == nil {
		return nil
	}
	return func(*process.Process) error {
		return fn()
	}
}
