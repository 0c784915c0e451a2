package session

import (
	"context"
	"time"
)

// StartAutoBackup runs a background goroutine that calls Backup every
// interval while guard reports true.
func (s *Store) StartAutoBackup(ctx context.Context, interval time.Duration, guard func() bool) {
	if s.blobs == nil {
		s.logger.Info("Session auto-backup disabled, no remote storage")
		return
	}
	if interval <= 0 {
		interval = s.cfg.BackupInterval
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		s.logger.Info("Session auto-backup started", "interval", interval)

		for {
			select {
			case <-ticker.C:
				s.runAutoBackup(ctx, guard)
			case <-ctx.Done():
				s.logger.Info("Session auto-backup shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func (s *Store) runAutoBackup(ctx context.Context, guard func() bool) {
	if guard != nil && !guard() {
		return
	}
	res, err := s.Backup(ctx)
	if err != nil {
		s.logger.Warn("Session auto-backup failed", "error", err)
		return
	}
	if res.Skipped {
		s.logger.Debug("Session auto-backup skipped", "reason", res.Reason)
	}
}
