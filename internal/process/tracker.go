package process

import "context"

// Tracker records live processes so that their owner can kill them all at once.
type Tracker interface {
	// Track calls start and, if it succeeds, registers p. Both happen atomically with
	// respect to the tracker's shutdown; a tracker that is shutting down refuses to start p.
	Track(p *Process, start func() error) error

	// Untrack removes p after it has been reaped.
	Untrack(p *Process)
}

type trackerKey struct{}

// ContextWithTracker returns a context whose processes are registered with t.
func ContextWithTracker(ctx context.Context, t Tracker) context.Context {
	return context.WithValue(ctx, trackerKey{}, t)
}

// TrackerFromContext returns the tracker carried by ctx, or nil.
func TrackerFromContext(ctx context.Context) Tracker {
	t, _ := ctx.Value(trackerKey{}).(Tracker)
	return t
}
