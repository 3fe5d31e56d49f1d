// Package retention keeps the session stores bounded. A background
// janitor periodically deletes Hub sessions idle past the retention
// window and prunes expired session-to-trace map entries.
//
// The janitor runs as a goroutine and respects context cancellation for
// graceful shutdown. A failed sweep is logged and retried on the next
// tick; it never takes the server down.
package retention

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/a2agate/a2agate/internal/store"
)

// DefaultSessionRetention is how long an idle session survives.
const DefaultSessionRetention = 90 * 24 * time.Hour

// DefaultSweepInterval is the pause between retention sweeps.
const DefaultSweepInterval = 6 * time.Hour

// sweepBatchSize caps session deletions per sweep so one cycle cannot
// monopolise the store.
const sweepBatchSize = 1000

// Janitor periodically removes expired session data.
type Janitor struct {
	store     store.Store
	retention time.Duration
	interval  time.Duration
}

// NewJanitor creates a retention janitor. Non-positive arguments fall
// back to the defaults.
func NewJanitor(s store.Store, retention, interval time.Duration) *Janitor {
	if retention <= 0 {
		retention = DefaultSessionRetention
	}
	if interval < time.Minute {
		interval = DefaultSweepInterval
	}
	return &Janitor{store: s, retention: retention, interval: interval}
}

// Start runs the janitor until ctx is canceled.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().
		Dur("interval", j.interval).
		Dur("retention", j.retention).
		Msg("Retention janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// Run once immediately on startup
	j.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Retention janitor stopped")
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep performs one retention cycle and reports how many sessions were
// removed.
func (j *Janitor) Sweep(ctx context.Context) int {
	start := time.Now()
	cutoff := start.Add(-j.retention)

	ids, err := j.store.ListIdleSessionIDs(ctx, cutoff, sweepBatchSize)
	if err != nil {
		log.Warn().Err(err).Msg("Retention sweep: failed to list idle sessions")
		return 0
	}

	deleted := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if err := j.store.DeleteSession(ctx, id); err != nil && !store.IsNotFound(err) {
			log.Warn().Err(err).Str("session_id", id).Msg("Failed to delete expired session")
			continue
		}
		deleted++
	}

	pruned, err := j.store.PruneSessionTraces(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Retention sweep: failed to prune session traces")
	}

	if deleted > 0 || pruned > 0 {
		log.Info().
			Int("sessions_deleted", deleted).
			Int("traces_pruned", pruned).
			Dur("elapsed", time.Since(start)).
			Msg("Retention sweep complete")
	}
	return deleted
}
