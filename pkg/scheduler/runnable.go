package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/eosconnect/eosconnect/pkg/log"
)

// Runnable is a long-running worker that blocks in Run until the context is
// canceled. Every background piece of the coordinator (providers, scheduler,
// HTTP server) implements it so main can start and stop them uniformly.
type Runnable interface {
	Run(ctx context.Context) error
}

// Supervise runs all runnables concurrently and blocks until every one has
// exited. The first error cancels the shared context so the remaining
// workers shut down; that error is returned.
func Supervise(ctx context.Context, runnables ...Runnable) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, len(runnables))
	for _, r := range runnables {
		wg.Add(1)
		go func(r Runnable) {
			defer wg.Done()
			if err := r.Run(ctx); err != nil {
				errs <- err
				cancel()
			}
		}(r)
	}
	wg.Wait()
	close(errs)
	return <-errs
}

// Poller runs a refresh function on a fixed cadence. The first refresh fires
// immediately so the provider has data before the scheduler's first tick.
type Poller struct {
	name     string
	interval time.Duration
	refresh  func(ctx context.Context, now time.Time) error
}

// NewPoller wraps a provider refresh in a Runnable.
func NewPoller(name string, interval time.Duration, refresh func(ctx context.Context, now time.Time) error) *Poller {
	return &Poller{name: name, interval: interval, refresh: refresh}
}

// Run refreshes until the context ends. Refresh errors are already logged and
// absorbed by the providers, so they never stop the poller.
func (p *Poller) Run(ctx context.Context) error {
	log.Ctx(ctx).DebugContext(ctx, "poller started",
		slog.String("poller", p.name),
		slog.Duration("interval", p.interval),
	)
	_ = p.refresh(ctx, time.Now())
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Ctx(ctx).DebugContext(ctx, "poller stopped", slog.String("poller", p.name))
			return nil
		case now := <-ticker.C:
			// providers keep their last-good snapshot on failure
			_ = p.refresh(ctx, now)
		}
	}
}
