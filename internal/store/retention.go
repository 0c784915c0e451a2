package store

import (
	"context"
	"log/slog"
	"time"
)

const retentionWorkerInterval = time.Hour

// StartRetentionWorker runs a background goroutine that periodically removes
// messages older than retention. A non-positive retention disables it.
func StartRetentionWorker(ctx context.Context, repo Repository, retention time.Duration) {
	if retention <= 0 {
		slog.Info("Message retention disabled")
		return
	}

	ticker := time.NewTicker(retentionWorkerInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("Retention worker started", "interval", retentionWorkerInterval, "retention", retention)

		pruneExpired(ctx, repo, retention)
		for {
			select {
			case <-ticker.C:
				pruneExpired(ctx, repo, retention)
			case <-ctx.Done():
				slog.Info("Retention worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func pruneExpired(ctx context.Context, repo Repository, retention time.Duration) {
	n, err := repo.PruneMessages(ctx, time.Now().Add(-retention))
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Error("Retention worker failed to prune messages", "error", err)
		return
	}
	if n > 0 {
		slog.Info("Retention worker pruned messages", "count", n)
	}
}
