// Package report provides PostgreSQL-backed storage for abuse reports. Each
// report captures who reported whom and, optionally, the position of the
// offending message so moderators can pull the surrounding context from the
// message log.
package report

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// validReasons is the set of allowed reason values, matching the CHECK
// constraint on the abuse_reports table.
var validReasons = map[string]bool{
	"harassment": true,
	"spam":       true,
	"explicit":   true,
	"other":      true,
}

// ValidReason reports whether reason is an accepted report reason.
func ValidReason(reason string) bool {
	return validReasons[reason]
}

// Store manages abuse reports in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Report is a single abuse report to be persisted. MessagePosition is the
// log position of the reported message, 0 when the report targets a user
// rather than a specific message.
type Report struct {
	ReporterID      string
	ReportedID      string
	MessagePosition int64
	Reason          string
	Comment         string
}

// NewStore creates a report store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts an abuse report. The reason is validated against the
// allowed set before insertion.
func (s *Store) Create(ctx context.Context, r *Report) error {
	if !validReasons[r.Reason] {
		return fmt.Errorf("report: invalid reason %q", r.Reason)
	}

	const query = `
		INSERT INTO abuse_reports (reporter_id, reported_id, message_position, reason, comment)
		VALUES ($1, $2, NULLIF($3, 0), $4, $5)`

	if _, err := s.db.ExecContext(ctx, query,
		r.ReporterID, r.ReportedID, r.MessagePosition, r.Reason, r.Comment,
	); err != nil {
		return fmt.Errorf("report: insert: %w", err)
	}
	return nil
}

// CountRecent returns the number of reports filed against a user within the
// given time window, counting each reporter once so one user cannot trigger
// an auto-ban alone.
func (s *Store) CountRecent(ctx context.Context, reportedID string, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(DISTINCT reporter_id)
		FROM abuse_reports
		WHERE reported_id = $1
		  AND created_at >= NOW() - $2::interval`

	var count int
	err := s.db.QueryRowContext(ctx, query, reportedID, window.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("report: count recent: %w", err)
	}
	return count, nil
}
