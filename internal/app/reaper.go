package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/liveclass/coordinator/internal/domain"
)

// Reaper is the background sweep: it evicts stale cache entries and
// force-ends sessions abandoned past their ExpiresAt deadline. It runs
// on its own timer, independent of request handling.
type Reaper struct {
	coord    *Coordinator
	interval time.Duration
	maxAge   time.Duration
}

func NewReaper(coord *Coordinator, interval, maxAge time.Duration) *Reaper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	return &Reaper{coord: coord, interval: interval, maxAge: maxAge}
}

// Run blocks until ctx is done. Start it from main as a goroutine.
func (r *Reaper) Run(ctx context.Context) {
	log.Info().Str("module", "app.reaper").Dur("interval", r.interval).Dur("max_age", r.maxAge).Msg("reaper started")
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "app.reaper").Msg("reaper stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one eviction pass. Exported so shutdown hooks and tests
// can trigger it directly.
func (r *Reaper) Sweep(ctx context.Context) {
	evicted := r.coord.cache.EvictStale(r.maxAge)
	if len(evicted) > 0 {
		log.Info().Str("module", "app.reaper").Int("count", len(evicted)).Msg("stale cache entries evicted")
	}

	expired, err := r.coord.listExpired(ctx)
	if err != nil {
		log.Warn().Str("module", "app.reaper").Err(err).Msg("expired session sweep failed")
		return
	}
	for i := range expired {
		s := expired[i]
		if err := r.coord.forceEnd(ctx, &s); err != nil {
			log.Warn().Str("module", "app.reaper").Err(err).Str("meeting", string(s.MeetingID)).Msg("force end failed")
			continue
		}
		log.Info().Str("module", "app.reaper").Str("meeting", string(s.MeetingID)).
			Time("expired_at", s.ExpiresAt).Msg("abandoned session force-ended")
	}
}

// forceEnd closes an abandoned session under the usual per-key lock
// and drops it from the cache.
func (c *Coordinator) forceEnd(ctx context.Context, s *domain.Session) error {
	unlock := c.keys.lock("meet|" + string(s.MeetingID))
	defer unlock()

	if err := c.endLocked(ctx, s); err != nil {
		return err
	}
	c.cache.Evict(s.MeetingID)
	return nil
}

func (c *Coordinator) listExpired(ctx context.Context) ([]domain.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.StoreTimeout)
	defer cancel()
	rows, err := c.store.ListExpired(ctx, c.now())
	return rows, mapStoreErr(err)
}
