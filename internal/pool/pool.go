// Package pool runs tasks with bounded concurrency and tracks every child process the
// tasks start, so that shutting the pool down kills all of them before it returns.
//
// A task that fails shuts the pool down: in-flight processes are killed, the task
// context is cancelled and Wait reports the first error.
package pool

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	syncerr "github.com/toxic13/docker-utils/internal/errors"
	"github.com/toxic13/docker-utils/internal/process"
)

// DefaultSize is the number of concurrently running tasks when none is given.
const DefaultSize = 8

// Pool is a bounded worker pool that also tracks child processes.
type Pool struct {
	group *errgroup.Group
	ctx   context.Context
	size  int

	logger *slog.Logger

	// mu guards running and closed. It is held only around registration and the kill loop,
	// never across a blocking wait.
	mu      sync.Mutex
	running map[*process.Process]struct{}
	closed  bool
}

// Option is a function that modifies a Pool.
type Option func(*Pool)

// WithLogger sets the logger for pool events.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		p.logger = logger
	}
}

// New creates a pool that runs at most size tasks at once. A non-positive size selects
// DefaultSize. Cancelling ctx cancels the context handed to every task.
func New(ctx context.Context, size int, opts ...Option) *Pool {
	if size <= 0 {
		size = DefaultSize
	}

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(size)

	p := &Pool{
		group:   group,
		size:    size,
		logger:  slog.New(slog.DiscardHandler),
		running: make(map[*process.Process]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.ctx = process.ContextWithTracker(gctx, p)
	return p
}

// Go runs task in the pool, blocking while the pool is at capacity. Processes the task
// starts through process.Run or process.Start with the given context are tracked.
// A pool is single-use: once Wait or Shutdown has returned, new tasks fail.
func (p *Pool) Go(task func(ctx context.Context) error) {
	p.group.Go(func() error {
		if p.Stats().Closed {
			return syncerr.ErrPoolClosed
		}
		if err := p.ctx.Err(); err != nil {
			return err
		}
		if err := task(p.ctx); err != nil {
			p.killAll()
			return err
		}
		return nil
	})
}

// Wait blocks until every task has finished and returns the first task error.
func (p *Pool) Wait() error {
	return p.group.Wait()
}

// Shutdown refuses further processes, kills every tracked process and then waits for all
// tasks to finish. It is safe to defer Shutdown after Wait.
func (p *Pool) Shutdown() error {
	p.killAll()
	return p.Wait()
}

// Track starts a process on behalf of a task and registers it.
func (p *Pool) Track(proc *process.Process, start func() error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return syncerr.ErrPoolClosed
	}
	if err := start(); err != nil {
		return err
	}
	p.running[proc] = struct{}{}
	return nil
}

// Untrack forgets a reaped process.
func (p *Pool) Untrack(proc *process.Process) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.running, proc)
}

// killAll closes the pool to new processes and kills the tracked ones. Kill errors are
// ignored: a process may exit between registration and the kill.
func (p *Pool) killAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	for proc := range p.running {
		p.logger.Debug("killing pooled process", "cmd", proc.Command().Name, "pid", proc.Pid())
		proc.Kill()
	}
}

// Stats contains statistics about the pool's current state.
type Stats struct {
	// Size is the maximum number of concurrently running tasks.
	Size int

	// Processes is the number of child processes currently tracked.
	Processes int

	// Closed reports whether the pool has started shutting down.
	Closed bool
}

// Stats returns current pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Size: p.size, Processes: len(p.running), Closed: p.closed}
}
