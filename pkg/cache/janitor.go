package cache

import (
	"context"
	"log"
	"time"

	"ipverse/pkg/model"
)

const (
	DefaultJanitorPeriod = 24 * time.Hour
	DefaultRetentionDays = 1
)

// Janitor periodically purges cache entries older than the retention
// window. A failed sweep is logged and retried on the next cycle.
type Janitor struct {
	store     *Store
	period    time.Duration
	retention int // days
	clock     func() time.Time
}

// NewJanitor creates a new janitor for the given store
func NewJanitor(store *Store, period time.Duration, retentionDays int) *Janitor {
	if period <= 0 {
		period = DefaultJanitorPeriod
	}
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Janitor{
		store:     store,
		period:    period,
		retention: retentionDays,
		clock:     time.Now,
	}
}

// Sweep purges entries outside the retention window once and returns
// the purge count. With the default one-day retention the cutoff is
// today, so yesterday's partitions and older are removed.
func (j *Janitor) Sweep() (int, error) {
	cutoff := model.DateKey(j.clock().AddDate(0, 0, 1-j.retention))
	return j.store.PurgeOlderThan(cutoff)
}

// Run sweeps immediately and then on every period until the context is
// cancelled. Sweep failures never propagate to request paths.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.period)
	defer ticker.Stop()

	for {
		if purged, err := j.Sweep(); err != nil {
			log.Printf("WARN: Cache sweep failed: %v", err)
		} else {
			log.Printf("INFO: Cache sweep purged %d entries", purged)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
