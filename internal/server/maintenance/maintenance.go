// Package maintenance runs the server's periodic housekeeping: the
// nightly trash purge (which also deletes orphaned chunk blobs) and
// the change log prune that follows it.
package maintenance

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/syncagent/syncagent/internal/server/blob"
	"github.com/syncagent/syncagent/internal/server/meta"
)

// changeLogDelay is how long after the purge the change log prune
// runs, so the two jobs never contend for the writer connection.
const changeLogDelay = 30 * time.Minute

const day = 24 * time.Hour

// Jobs holds the stores and retention settings for housekeeping.
type Jobs struct {
	Meta   *meta.Store
	Blobs  *blob.Store
	Logger *slog.Logger

	// TrashRetention is how long trashed files stay restorable.
	TrashRetention time.Duration
	// ChangeLogRetention is how long change log entries are kept.
	ChangeLogRetention time.Duration
	// PurgeHour is the local hour of day the purge runs at.
	PurgeHour int
}

// Run schedules the jobs until ctx is canceled: the purge at
// PurgeHour each day, the change log prune 30 minutes later.
func (j *Jobs) Run(ctx context.Context) error {
	for {
		next := nextRunAt(time.Now(), j.PurgeHour)
		j.Logger.Info("maintenance scheduled", "next_run", next)

		if err := sleepUntil(ctx, next); err != nil {
			return nil
		}
		j.PurgeTrash(ctx)

		if err := sleepFor(ctx, changeLogDelay); err != nil {
			return nil
		}
		j.PruneChangeLog(ctx)
	}
}

// PurgeTrash removes expired trashed files and their orphaned blobs.
// Returns the number of file records removed.
func (j *Jobs) PurgeTrash(ctx context.Context) int {
	cutoff := time.Now().UTC().Add(-j.TrashRetention)

	files, chunkRefs, orphans, err := j.Meta.PurgeTrash(ctx, cutoff)
	if err != nil {
		j.Logger.Error("trash purge failed", "error", err)
		return 0
	}

	removed := 0
	for _, hash := range orphans {
		err := j.Blobs.Delete(hash)
		if errors.Is(err, blob.ErrNotFound) {
			continue
		}
		if err != nil {
			j.Logger.Warn("deleting orphaned blob failed", "hash", hash, "error", err)
			continue
		}
		removed++
	}

	if files > 0 {
		j.Logger.Info("trash purge complete",
			"files", files, "chunk_refs", chunkRefs, "blobs_removed", removed)
	}
	return files
}

// PruneChangeLog removes change log entries past retention.
func (j *Jobs) PruneChangeLog(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-j.ChangeLogRetention)
	if _, err := j.Meta.PruneChangeLog(ctx, cutoff); err != nil {
		j.Logger.Error("change log prune failed", "error", err)
	}
}

// nextRunAt returns the next occurrence of hour (local time) strictly
// after now.
func nextRunAt(now time.Time, hour int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.Add(day)
	}
	return next
}

func sleepUntil(ctx context.Context, t time.Time) error {
	return sleepFor(ctx, time.Until(t))
}

func sleepFor(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
