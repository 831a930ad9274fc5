package harvest

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/fyrsmithlabs/harvestd/internal/daktela"
)

type fetchResult struct {
	acts []daktela.RawActivity
	err  error
}

// fetcher returns a function yielding the activities of tickets[i], to be
// called with strictly increasing i, and a stop function releasing any
// work still in flight.
//
// Without prefetch every call fetches synchronously. With prefetch n, at
// most n fetches are in flight or waiting to be consumed; consumption order
// never changes.
func (c *Controller) fetcher(ctx context.Context, tickets []daktela.TicketSummary) (func(i int) ([]daktela.RawActivity, error), func()) {
	if c.prefetch == 0 || len(tickets) < 2 {
		return func(i int) ([]daktela.RawActivity, error) {
			return c.source.FetchActivities(ctx, tickets[i].ID)
		}, func() {}
	}

	ctx, cancel := context.WithCancel(ctx)
	sem := semaphore.NewWeighted(int64(c.prefetch))
	results := make([]chan fetchResult, len(tickets))
	for i := range results {
		results[i] = make(chan fetchResult, 1)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i, t := range tickets {
			// Released by the consumer, which bounds the read-ahead window.
			if err := sem.Acquire(ctx, 1); err != nil {
				return
			}
			wg.Add(1)
			go func(i int, id string) {
				defer wg.Done()
				acts, err := c.source.FetchActivities(ctx, id)
				results[i] <- fetchResult{acts: acts, err: err}
			}(i, t.ID)
		}
	}()

	next := func(i int) ([]daktela.RawActivity, error) {
		select {
		case r := <-results[i]:
			sem.Release(1)
			return r.acts, r.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	stop := func() {
		cancel()
		wg.Wait()
	}
	return next, stop
}
