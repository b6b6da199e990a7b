package bundle

import (
	"context"
	"sync"
	"time"
)

// DefaultJanitorInterval is how often the janitor sweeps the cache.
const DefaultJanitorInterval = time.Hour

// Evictor removes cache entries older than a retention window.
type Evictor interface {
	EvictStale(retention time.Duration) (int, error)
}

// Janitor periodically evicts stale archives from the cache.
type Janitor struct {
	cache     Evictor
	retention time.Duration
	interval  time.Duration
	logger    Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewJanitor creates a Janitor. It does nothing until Start is called.
func NewJanitor(cache Evictor, retention, interval time.Duration, logger Logger) *Janitor {
	if interval <= 0 {
		interval = DefaultJanitorInterval
	}
	return &Janitor{
		cache:     cache,
		retention: retention,
		interval:  interval,
		logger:    logger,
	}
}

// Sweep runs one eviction pass and returns the number of archives removed.
func (j *Janitor) Sweep() (int, error) {
	removed, err := j.cache.EvictStale(j.retention)
	if err != nil {
		j.logger.Error("cache sweep failed", "removed", removed, "error", err)
		return removed, err
	}
	if removed > 0 {
		j.logger.Info("cache sweep", "removed", removed)
	} else {
		j.logger.Debug("cache sweep", "removed", 0)
	}
	return removed, nil
}

// Start launches the sweep loop in the background. The loop runs until
// ctx is cancelled or Stop is called. Calling Start on a running janitor
// does nothing.
func (j *Janitor) Start(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.done != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.done = make(chan struct{})
	go j.run(ctx, j.done)
}

// Stop ends the sweep loop and waits for it to exit.
func (j *Janitor) Stop() {
	j.mu.Lock()
	cancel, done := j.cancel, j.done
	j.cancel, j.done = nil, nil
	j.mu.Unlock()

	if done == nil {
		return
	}
	cancel()
	<-done
}

func (j *Janitor) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Errors are logged by Sweep; the next tick retries.
			j.Sweep()
		}
	}
}
