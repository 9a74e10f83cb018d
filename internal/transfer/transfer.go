// Package transfer moves images from a source store to a destination store.
//
// When both ends support it, the destination is first asked which content it already
// holds by replaying a metadata-only export through its import, and the real export then
// leaves that content out. Otherwise the transfer falls back to a full export.
package transfer

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	syncerr "github.com/toxic13/docker-utils/internal/errors"
	"github.com/toxic13/docker-utils/internal/image"
	"github.com/toxic13/docker-utils/internal/pipe"
	"github.com/toxic13/docker-utils/internal/session"
)

// Request describes one transfer.
type Request struct {
	// Images are the references to export from the source, in order.
	Images []string

	// AddPrefix is prepended to every source tag on the destination.
	AddPrefix string

	// RemovePrefix is stripped from every source tag on the destination.
	RemovePrefix string

	// DryRun stops after negotiation; nothing is imported or tagged.
	DryRun bool
}

// Translating reports whether destination tags differ from the source tags.
func (r Request) Translating() bool {
	return r.AddPrefix != "" || r.RemovePrefix != ""
}

// Result summarises a transfer.
type Result struct {
	RunID       string           `yaml:"run_id"`
	Source      string           `yaml:"source"`
	Destination string           `yaml:"destination"`
	Images      []string         `yaml:"images"`
	Negotiated  bool             `yaml:"negotiated"`
	Exclude     image.ExcludeSet `yaml:"exclude"`
	Tags        *image.TagMap    `yaml:"tags,omitempty"`
	DryRun      bool             `yaml:"dry_run"`
}

// Options configures Run.
type Options struct {
	Logger *slog.Logger

	// Display is the throughput display program for the real transfer.
	Display string

	// DisplayArgs are passed to the display program.
	DisplayArgs []string
}

// Option is a function that modifies Options.
type Option func(*Options)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		if logger != nil {
			o.Logger = logger
		}
	}
}

// WithDisplay shows throughput of the real transfer with program, when it is installed.
func WithDisplay(program string, args ...string) Option {
	return func(o *Options) {
		o.Display = program
		o.DisplayArgs = args
	}
}

// Run transfers req.Images from src to dst.
//
// Both sessions are opened and readied (source first) and closed before Run returns.
// Tag translation needs negotiation support on both ends; without it Run fails before
// anything is exported.
func Run(ctx context.Context, src, dst session.Session, req Request, opts ...Option) (*Result, error) {
	o := &Options{Logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(o)
	}

	if err := image.ValidateReferences(req.Images); err != nil {
		return nil, err
	}

	r := &runner{
		src:    src,
		dst:    dst,
		req:    req,
		opts:   o,
		logger: o.Logger,
		result: &Result{
			RunID:       uuid.NewString(),
			Source:      src.Label(),
			Destination: dst.Label(),
			Images:      req.Images,
			Exclude:     image.NewExcludeSet(),
			DryRun:      req.DryRun,
		},
	}
	r.logger = r.logger.With("run", r.result.RunID)

	for _, s := range []session.Session{src, dst} {
		if err := open(ctx, s); err != nil {
			return nil, err
		}
		defer func() {
			if closeErr := s.Close(); closeErr != nil {
				r.logger.Warn("closing session failed", "session", s.Label(), "error", closeErr)
			}
		}()
	}

	if err := r.run(ctx); err != nil {
		return nil, err
	}
	return r.result, nil
}

func open(ctx context.Context, s session.Session) error {
	if err := s.Open(ctx); err != nil {
		return err
	}
	if err := s.Ready(ctx); err != nil {
		_ = s.Close()
		return err
	}
	return nil
}

type runner struct {
	src    session.Session
	dst    session.Session
	req    Request
	opts   *Options
	logger *slog.Logger
	result *Result
}

func (r *runner) run(ctx context.Context) error {
	canExport := r.src.CanExportWithExclusion(ctx)
	canImport := r.dst.CanImportWithExclusionReport(ctx)
	r.result.Negotiated = canExport && canImport

	if !r.result.Negotiated {
		r.logger.Warn("endpoints cannot negotiate, transferring everything",
			"source", r.src.Label(), "export_exclusion", canExport,
			"destination", r.dst.Label(), "import_report", canImport)
		if r.req.Translating() {
			return syncerr.New(syncerr.CodeUnsupportedTranslation, "negotiate", syncerr.ErrUnsupportedTranslation)
		}
	} else {
		if r.req.Translating() {
			tags, err := r.extractTags(ctx)
			if err != nil {
				return err
			}
			r.result.Tags = tags
		}

		exclude, err := r.negotiate(ctx)
		if err != nil {
			return err
		}
		r.result.Exclude = exclude
	}

	if r.req.DryRun {
		r.logger.Info("dry run, skipping transfer", "exclude", r.result.Exclude.Len(), "tags", r.result.Tags.Len())
		return nil
	}

	if err := r.transfer(ctx); err != nil {
		return err
	}
	return r.retag(ctx)
}

// extractTags reads the source manifest from a metadata-only export and translates its tags.
func (r *runner) extractTags(ctx context.Context) (*image.TagMap, error) {
	var buf bytes.Buffer
	if err := r.src.Export(ctx, r.req.Images, image.NewExcludeSet(image.ExcludeAll), &buf, nil); err != nil {
		return nil, fmt.Errorf("export metadata: %w", err)
	}

	entries, err := image.ReadManifest(&buf)
	if err != nil {
		return nil, err
	}
	tags, err := BuildTagMap(entries, r.req.AddPrefix, r.req.RemovePrefix)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("translated tags", "images", len(entries), "tags", tags.Len())
	return tags, nil
}

// negotiate replays a metadata-only export into the destination's reporting import. The
// reported content becomes the exclude set of the real transfer.
func (r *runner) negotiate(ctx context.Context) (image.ExcludeSet, error) {
	exclude, err := r.stream(ctx, image.NewExcludeSet(image.ExcludeAll), true)
	if err != nil {
		return nil, fmt.Errorf("negotiate: %w", err)
	}
	r.logger.Info("negotiated exclude set", "present", exclude.Len())
	return exclude, nil
}

func (r *runner) transfer(ctx context.Context) error {
	r.logger.Info("transferring images", "images", len(r.req.Images), "exclude", r.result.Exclude.Len())
	popts := []pipe.Option{pipe.WithLogger(r.logger)}
	if r.opts.Display != "" {
		popts = append(popts, pipe.WithDisplay(r.opts.Display, r.opts.DisplayArgs...))
	}
	if _, err := r.stream(ctx, r.result.Exclude, false, popts...); err != nil {
		return fmt.Errorf("transfer: %w", err)
	}
	return nil
}

// stream exports from the source into the destination's import through a pipe. The
// pipe's write end is released once both sides are running.
func (r *runner) stream(ctx context.Context, exclude image.ExcludeSet, report bool, popts ...pipe.Option) (image.ExcludeSet, error) {
	var skipped image.ExcludeSet
	err := pipe.Open(ctx, func(p *pipe.Pipe) error {
		writeClosed := false
		defer func() {
			if !writeClosed {
				_ = p.W.Close()
			}
			_ = p.R.Close()
		}()

		return r.src.Export(ctx, r.req.Images, exclude, p.W, func() error {
			var err error
			skipped, err = r.dst.Import(ctx, p.R, report, func() error {
				writeClosed = true
				return p.W.Close()
			})
			return err
		})
	}, popts...)
	return skipped, err
}

func (r *runner) retag(ctx context.Context) error {
	if r.result.Tags == nil {
		return nil
	}
	for _, tag := range r.result.Tags.Tags() {
		id, _ := r.result.Tags.Get(tag)
		if err := r.dst.Tag(ctx, id.String(), tag); err != nil {
			return err
		}
		r.logger.Debug("tagged image", "tag", tag, "id", id)
	}
	return nil
}
