// Package fetch orchestrates cache lookups and provider fetches,
// deduplicating concurrent identical requests.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"ipverse/pkg/model"
	"ipverse/pkg/report"
)

// Provider fetches one directory page for a country. Implemented by
// provider.Client.
type Provider interface {
	FetchPage(ctx context.Context, country string, pageNumber int) (*model.Page, error)
}

// Store is the report cache consulted and populated by the coordinator.
// Implemented by cache.Store.
type Store interface {
	Get(country, date string) (*model.IPRangeReport, error)
	Put(country, date string, rep *model.IPRangeReport) error
}

// inflightFetch is the pending-result handle shared by all concurrent
// resolvers of one (country, date) key. Waiters block on done and then
// read report/err, which are written exactly once before done closes.
type inflightFetch struct {
	done   chan struct{}
	report *model.IPRangeReport
	err    error
}

// Coordinator resolves country requests: cache hit, join an in-flight
// fetch, or own a new fetch. For one (country, date) key all concurrent
// resolvers observe a single provider fetch sequence and receive the
// identical report or identical failure.
type Coordinator struct {
	provider  Provider
	store     Store
	assembler *report.Assembler
	clock     func() time.Time

	mu       sync.Mutex
	inflight map[string]*inflightFetch
}

// New creates a new coordinator
func New(provider Provider, store Store) *Coordinator {
	return &Coordinator{
		provider:  provider,
		store:     store,
		assembler: report.NewAssembler(),
		clock:     time.Now,
		inflight:  make(map[string]*inflightFetch),
	}
}

// Resolve returns the report for a country on today's date, fetching
// and caching it if needed. country must already be normalized.
func (c *Coordinator) Resolve(ctx context.Context, country string) (*model.IPRangeReport, error) {
	req := model.CountryRequest{Country: country, Date: model.DateKey(c.clock())}

	rep, err := c.store.Get(req.Country, req.Date)
	if err == nil {
		log.Printf("INFO: Cache hit for %s", req.Key())
		return rep, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}

	c.mu.Lock()
	if f, ok := c.inflight[req.Key()]; ok {
		c.mu.Unlock()
		select {
		case <-f.done:
			return f.report, f.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f := &inflightFetch{done: make(chan struct{})}
	c.inflight[req.Key()] = f
	c.mu.Unlock()

	f.report, f.err = c.fetchOnce(ctx, req)

	c.mu.Lock()
	delete(c.inflight, req.Key())
	c.mu.Unlock()
	close(f.done)

	return f.report, f.err
}

// fetchOnce runs the single provider fetch sequence for a key and
// populates the cache on success. A failure on any page discards all
// fetched pages; a partial report is never cached or returned.
func (c *Coordinator) fetchOnce(ctx context.Context, req model.CountryRequest) (*model.IPRangeReport, error) {
	// A fetch that completed between the cache miss and in-flight
	// registration must not run again.
	if rep, err := c.store.Get(req.Country, req.Date); err == nil {
		return rep, nil
	} else if !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}

	log.Printf("INFO: Fetching %s from provider", req.Key())
	start := c.clock()

	var pages []*model.Page
	for pageNumber := 1; ; pageNumber++ {
		page, err := c.provider.FetchPage(ctx, req.Country, pageNumber)
		if err != nil {
			log.Printf("WARN: Fetch for %s failed on page %d: %v", req.Key(), pageNumber, err)
			return nil, err
		}
		// End of data is the raw item count, not the filtered record
		// count: a page of nothing but inactive ASNs has more pages
		// after it.
		if page.Raw == 0 {
			break
		}
		pages = append(pages, page)
	}

	rep := c.assembler.Assemble(req.Country, pages)

	if err := c.store.Put(req.Country, req.Date, rep); err != nil {
		return nil, fmt.Errorf("failed to cache report for %s: %w", req.Key(), err)
	}

	log.Printf("INFO: Assembled report for %s: %d ASNs, %d ranges in %s",
		req.Key(), rep.ASNCount, len(rep.Ranges), c.clock().Sub(start).Round(time.Millisecond))
	return rep, nil
}
