package meta

import (
	"context"
	"fmt"
	"time"
)

// defaultChangeLimit bounds a single GetChanges page when the caller
// passes limit <= 0.
const defaultChangeLimit = 500

// ChangePage is one page of the change log plus pagination state.
type ChangePage struct {
	Changes []Change `json:"changes"`
	HasMore bool     `json:"has_more"`
	// Latest is the timestamp of the last entry in this page; clients
	// store it as their cursor. When the page is empty it echoes the
	// caller's since value so the cursor never moves backwards.
	Latest time.Time `json:"latest_timestamp"`
}

// GetChanges returns change log entries strictly after since, in
// (timestamp, id) order, at most limit of them. HasMore reports
// whether another page exists.
func (s *Store) GetChanges(ctx context.Context, since time.Time, limit int) (*ChangePage, error) {
	if limit <= 0 {
		limit = defaultChangeLimit
	}

	changes, err := s.queryChanges(ctx,
		`SELECT id, path, action, version, machine_id, timestamp FROM change_log
			WHERE timestamp > ? ORDER BY timestamp, id LIMIT ?`,
		formatTime(since), limit+1)
	if err != nil {
		return nil, err
	}

	page := &ChangePage{Changes: changes, Latest: since.UTC()}
	if len(page.Changes) > limit {
		overflow := page.Changes[limit]
		page.Changes = page.Changes[:limit]
		page.HasMore = true

		// The cursor is a timestamp, and the next page starts strictly
		// after it. Never cut a page in the middle of entries sharing
		// one timestamp, or the remainder of the group is lost: pull
		// the rest of the group into this page instead.
		last := page.Changes[limit-1]
		if overflow.Timestamp.Equal(last.Timestamp) {
			rest, err := s.queryChanges(ctx,
				`SELECT id, path, action, version, machine_id, timestamp FROM change_log
					WHERE timestamp = ? AND id > ? ORDER BY id`,
				formatTime(last.Timestamp), last.ID)
			if err != nil {
				return nil, err
			}
			page.Changes = append(page.Changes, rest...)
		}
	}
	if n := len(page.Changes); n > 0 {
		page.Latest = page.Changes[n-1].Timestamp
	}
	return page, nil
}

func (s *Store) queryChanges(ctx context.Context, query string, args ...any) ([]Change, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("meta: querying change log: %w", err)
	}
	defer rows.Close()

	changes := []Change{}
	for rows.Next() {
		var (
			ch        Change
			machineID *string
			ts        string
		)
		if err := rows.Scan(&ch.ID, &ch.Path, &ch.Action, &ch.Version, &machineID, &ts); err != nil {
			return nil, fmt.Errorf("meta: scanning change log entry: %w", err)
		}
		if machineID != nil {
			ch.MachineID = *machineID
		}
		if ch.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		changes = append(changes, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("meta: querying change log: %w", err)
	}
	return changes, nil
}

// LatestChangeTimestamp returns the timestamp of the most recent
// change log entry, or the zero time when the log is empty.
func (s *Store) LatestChangeTimestamp(ctx context.Context) (time.Time, error) {
	var ts *string
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(timestamp) FROM change_log`).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("meta: querying latest change: %w", err)
	}
	if ts == nil {
		return time.Time{}, nil
	}
	return parseTime(*ts)
}

// PruneChangeLog deletes entries older than cutoff. Clients whose
// cursor predates the cutoff fall back to a full listing on their
// next scan.
func (s *Store) PruneChangeLog(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM change_log WHERE timestamp < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("meta: pruning change log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("meta: pruning change log: %w", err)
	}
	if n > 0 {
		s.logger.Info("change log pruned", "entries", n, "cutoff", cutoff)
	}
	return n, nil
}
