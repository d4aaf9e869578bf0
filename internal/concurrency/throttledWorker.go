package concurrency

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ThrottledWorker runs a job per argument with at most limit jobs in flight,
// optionally spacing job starts by interval. One failing job never stops the others.
type ThrottledWorker struct {
	jobCallback func(ctx context.Context, arg string) error
	limit       int
	interval    time.Duration
}

func NewThrottledWorker(limit int, interval time.Duration, jobCallback func(ctx context.Context, arg string) error) ThrottledWorker {
	if limit < 1 {
		limit = 1
	}
	return ThrottledWorker{jobCallback: jobCallback, limit: limit, interval: interval}
}

// Run blocks until every started job has returned and reports the failures by argument.
// Arguments not yet started when ctx is cancelled are reported with ctx.Err().
func (w *ThrottledWorker) Run(ctx context.Context, jobArgs []string) map[string]error {
	var mu sync.Mutex
	failures := map[string]error{}
	record := func(arg string, err error) {
		mu.Lock()
		failures[arg] = err
		mu.Unlock()
	}

	var limiter *time.Ticker
	if w.interval > 0 {
		limiter = time.NewTicker(w.interval)
		defer limiter.Stop()
	}

	g := errgroup.Group{}
	g.SetLimit(w.limit)

	for i, arg := range jobArgs {
		if limiter != nil && i > 0 {
			select {
			case <-ctx.Done():
			case <-limiter.C:
			}
		}
		if ctx.Err() != nil {
			record(arg, ctx.Err())
			continue
		}

		arg := arg
		g.Go(func() error {
			if err := w.jobCallback(ctx, arg); err != nil {
				record(arg, err)
			}
			return nil
		})
	}

	_ = g.Wait()
	return failures
}
