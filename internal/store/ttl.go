package store

import (
	"context"
	"log/slog"
	"time"
)

// SnapshotSweepInterval is how often StartSnapshotSweeper runs.
const SnapshotSweepInterval = 30 * time.Minute

// StartSnapshotSweeper runs a background goroutine that periodically
// deletes conversation snapshots not updated within ttl. It sweeps once
// immediately and stops when ctx is done.
func StartSnapshotSweeper(ctx context.Context, repo Repository, ttl, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Snapshot sweeper started", "interval", interval, "ttl", ttl)

		sweepSnapshots(ctx, repo, ttl)
		for {
			select {
			case <-ticker.C:
				sweepSnapshots(ctx, repo, ttl)
			case <-ctx.Done():
				slog.Info("Snapshot sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweepSnapshots(ctx context.Context, repo Repository, ttl time.Duration) {
	deleted, err := repo.CleanupExpiredSnapshots(ctx, ttl)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Error("Snapshot sweeper failed", "error", err)
		return
	}
	if deleted > 0 {
		slog.Info("Snapshot sweeper removed expired snapshots", "count", deleted)
	}
}
