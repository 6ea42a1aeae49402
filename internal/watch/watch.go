// Package watch polls the corpus checksum and triggers incremental rebuilds.
package watch

import (
	"context"
	"errors"
	"sync"
	"time"

	"kgindex/internal/logger"
	"kgindex/internal/rebuild"
)

// DefaultInterval is the poll interval used when none is set.
const DefaultInterval = 30 * time.Second

// Rebuilder runs a rebuild. *rebuild.Controller implements it.
type Rebuilder interface {
	Rebuild(ctx context.Context, mode rebuild.Mode) (*rebuild.Result, error)
}

// Options configures a watch loop.
type Options struct {
	Interval  time.Duration
	// Checksum computes the current corpus checksum.
	Checksum  func(ctx context.Context) (string, error)
	Rebuilder Rebuilder
	// Initial is the last observed checksum, usually the committed one.
	Initial   string
}

// Handle controls a running watch loop.
type Handle struct {
	cancel   context.CancelFunc
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu   sync.Mutex
	last string
}

// Start launches the watch loop. It runs until ctx is done or Stop is called.
func Start(ctx context.Context, opts Options) *Handle {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		cancel: cancel,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		last:   opts.Initial,
	}
	go h.run(ctx, opts)
	return h
}

// Stop ends the loop, interrupting a pending sleep, and waits for it to exit.
// A rebuild already running is allowed to finish.
func (h *Handle) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
	h.cancel()
}

// Done is closed when the loop has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Last returns the last observed checksum.
func (h *Handle) Last() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}

func (h *Handle) run(ctx context.Context, opts Options) {
	defer close(h.done)

	timer := time.NewTimer(opts.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stop:
			return
		case <-timer.C:
		}

		h.poll(ctx, opts)
		timer.Reset(opts.Interval)
	}
}

func (h *Handle) poll(ctx context.Context, opts Options) {
	sum, err := opts.Checksum(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("computing corpus checksum", "error", err)
		}
		return
	}
	if sum == h.Last() {
		return
	}

	logger.Info("corpus changed, rebuilding", "checksum", sum)
	// The rebuild is not tied to ctx so Stop never interrupts a commit.
	res, err := opts.Rebuilder.Rebuild(context.WithoutCancel(ctx), rebuild.ModeIncremental)
	switch {
	case errors.Is(err, rebuild.ErrRebuildInProgress):
		logger.Info("rebuild already running, skipping tick")
	case err != nil:
		logger.Error("rebuild failed", "error", err)
	default:
		logger.Info("rebuild finished", "status", res.Status, "version", res.Version, "duration", res.Duration)
	}

	// Record the checksum even on failure so a broken corpus is not retried every tick.
	h.mu.Lock()
	h.last = sum
	h.mu.Unlock()
}
