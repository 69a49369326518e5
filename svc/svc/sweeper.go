package svc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/berezovskyi/wastebin/metrics"
	"github.com/berezovskyi/wastebin/svc/db"
	"github.com/berezovskyi/wastebin/svc/util"
)

var (
	sweeperOnce    sync.Once
	sweeperRunning atomic.Bool
)

// StartSweeper launches the expiry sweeper. It talks to nothing but the
// store; a failed tick is logged and retried at the next interval and can
// never take the process down.
func StartSweeper(ctx context.Context, store *db.SQLite, interval time.Duration) error {
	if sweeperRunning.Load() {
		return errors.New("sweeper already running")
	}
	sweeperOnce.Do(func() {
		sweeperRunning.Store(true)
		go runSweeper(ctx, store, interval)
	})
	return nil
}

func runSweeper(ctx context.Context, store *db.SQLite, interval time.Duration) {
	defer sweeperRunning.Store(false)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	util.Info().Dur("interval", interval).Msg("expiry sweeper started")
	for {
		select {
		case <-ctx.Done():
			util.Info().Msg("expiry sweeper shutting down")
			return
		case <-ticker.C:
			metrics.SweepCycles.Inc()
			purged, err := store.PurgeExpired(ctx, time.Now())
			if err != nil {
				util.Error().Err(err).Msg("expiry sweep failed")
				continue
			}
			if purged > 0 {
				metrics.SweepPurged.Add(float64(purged))
				util.Info().Int("purged", purged).Msg("expiry sweep completed")
			}
		}
	}
}
