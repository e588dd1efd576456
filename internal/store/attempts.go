// ABOUTME: Attempt rows: append and filtered listing
// ABOUTME: Mirrors the JSONL attempt log into a queryable table

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/2389/navivox-gateway/internal/audit"
)

// AttemptEntry is one stored attempt.
type AttemptEntry struct {
	ID string // UUID v4
	audit.Attempt
}

// AttemptFilter specifies filtering options for listing attempts.
type AttemptFilter struct {
	Since        *time.Time // entries at or after this time
	DeviceID     *string    // exact device id
	StatusPrefix *string    // e.g. "deny:" or "ok"
	Limit        int        // max results (default 100, max 1000)
}

var _ audit.Sink = (*AttemptStore)(nil)

// Append inserts a as a new row. Generates the timestamp if not set.
func (s *AttemptStore) Append(ctx context.Context, a audit.Attempt) error {
	if a.Time.IsZero() {
		a.Time = time.Now().UTC()
	}

	query := `
		INSERT INTO handshake_attempts (attempt_id, ts, remote, device_id, pubkey, status)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx, query,
		id,
		a.Time.UTC().Format(audit.TimeFormat),
		a.Remote,
		a.DeviceID,
		a.Pubkey,
		string(a.Status),
	)
	if err != nil {
		return fmt.Errorf("inserting attempt: %w", err)
	}

	s.logger.Debug("stored attempt", "id", id, "device_id", a.DeviceID, "status", a.Status)
	return nil
}

// normalizeLimit applies default (100) and cap (1000) to the list limit.
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

const listAttemptsQuery = `
	SELECT attempt_id, ts, remote, device_id, pubkey, status
	FROM handshake_attempts
	WHERE (? IS NULL OR ts >= ?)
	  AND (? IS NULL OR device_id = ?)
	  AND (? IS NULL OR substr(status, 1, length(?)) = ?)
	ORDER BY ts DESC, rowid DESC
	LIMIT ?
`

// List returns attempts matching the filter, newest first.
func (s *AttemptStore) List(ctx context.Context, f AttemptFilter) ([]AttemptEntry, error) {
	var sinceStr *string
	if f.Since != nil {
		v := f.Since.UTC().Format(audit.TimeFormat)
		sinceStr = &v
	}

	rows, err := s.db.QueryContext(ctx, listAttemptsQuery,
		sinceStr, sinceStr,
		f.DeviceID, f.DeviceID,
		f.StatusPrefix, f.StatusPrefix, f.StatusPrefix,
		normalizeLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying attempts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []AttemptEntry{}
	for rows.Next() {
		var (
			e      AttemptEntry
			tsStr  string
			status string
		)
		if err := rows.Scan(&e.ID, &tsStr, &e.Remote, &e.DeviceID, &e.Pubkey, &status); err != nil {
			return nil, fmt.Errorf("scanning attempt: %w", err)
		}
		e.Time, err = time.Parse(time.RFC3339Nano, tsStr)
		if err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}
		e.Status = audit.Status(status)
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating attempts: %w", err)
	}
	return entries, nil
}
