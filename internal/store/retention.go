package store

import (
	"context"
	"log/slog"
	"time"
)

// SweepCallback is called after a sweep that deleted at least one conversation.
type SweepCallback func(deleted int64)

// StartRetentionWorker runs a background goroutine that periodically deletes
// conversations idle longer than ttl. The returned channel is closed when the
// worker exits after ctx is cancelled.
func StartRetentionWorker(ctx context.Context, repo Repository, ttl, interval time.Duration, onSweep SweepCallback) <-chan struct{} {
	done := make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		slog.Info("Retention worker started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				SweepIdle(ctx, repo, ttl, onSweep)
			case <-ctx.Done():
				slog.Info("Retention worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
	return done
}

// SweepIdle performs one retention pass.
func SweepIdle(ctx context.Context, repo Repository, ttl time.Duration, onSweep SweepCallback) {
	deleted, err := repo.DeleteIdleConversations(ctx, ttl)
	if err != nil {
		if ctx.Err() != nil {
			slog.Debug("Retention worker: context canceled during sweep", "error", err)
			return
		}
		slog.Error("Retention worker failed to delete idle conversations", "error", err)
		return
	}
	if deleted == 0 {
		return
	}
	slog.Info("Retention worker deleted idle conversations", "count", deleted)
	if onSweep != nil {
		onSweep(deleted)
	}
}
