// Package messagelog provides access to the message_log table recording
// every publish attempt the bridge makes.
package messagelog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Record represents one publish attempt, successful or not.
type Record struct {
	ID           string    `json:"id"`
	Topic        string    `json:"topic"`
	Payload      string    `json:"payload"`
	QoS          int       `json:"qos"`
	Retained     bool      `json:"retained"`
	Success      bool      `json:"success"`
	ErrorMessage string    `json:"error_message,omitempty"`
	SentAt       time.Time `json:"sent_at"`
}

// Filter controls which records to return.
type Filter struct {
	Topic   string // optional: filter by exact topic
	Success *bool  // optional: filter by outcome
	Limit   int    // default 50, max 200
	Offset  int    // pagination offset
}

// ListResult contains the paginated message log results.
type ListResult struct {
	Records []Record `json:"records"`
	Total   int      `json:"total"`
	Limit   int      `json:"limit"`
	Offset  int      `json:"offset"`
}

// Repository defines the interface for message log operations.
type Repository interface {
	Create(ctx context.Context, rec *Record) error
	List(ctx context.Context, filter Filter) (*ListResult, error)
	Prune(ctx context.Context, retentionDays int) (int64, error)
}

// SQLiteRepository stores message log records in SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new message log repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// EnsureSchema creates the message_log table if it does not exist.
// Called once at startup; safe to call repeatedly.
func (r *SQLiteRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS message_log (
			id            TEXT PRIMARY KEY,
			topic         TEXT NOT NULL,
			payload       TEXT NOT NULL,
			qos           INTEGER NOT NULL DEFAULT 1,
			retained      INTEGER NOT NULL DEFAULT 0,
			success       INTEGER NOT NULL,
			error_message TEXT,
			sent_at       TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_message_log_sent_at ON message_log(sent_at);
		CREATE INDEX IF NOT EXISTS idx_message_log_topic ON message_log(topic);
	`)
	if err != nil {
		return fmt.Errorf("creating message_log schema: %w", err)
	}
	return nil
}

// Create inserts a new record. The ID and SentAt are generated if empty.
func (r *SQLiteRepository) Create(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = "msg-" + uuid.NewString()[:8]
	}
	if rec.SentAt.IsZero() {
		rec.SentAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO message_log (id, topic, payload, qos, retained, success, error_message, sent_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Topic, rec.Payload, rec.QoS,
		boolToInt(rec.Retained), boolToInt(rec.Success),
		nullableString(rec.ErrorMessage),
		rec.SentAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting message log record: %w", err)
	}

	return nil
}

// List returns records matching the filter, ordered by most recent first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	// Clamp limit.
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if filter.Limit > 200 { //nolint:mnd // max page size for message log queries
		filter.Limit = 200
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	// Build WHERE clause dynamically.
	var conditions []string
	var args []any

	if filter.Topic != "" {
		conditions = append(conditions, "topic = ?")
		args = append(args, filter.Topic)
	}
	if filter.Success != nil {
		conditions = append(conditions, "success = ?")
		args = append(args, boolToInt(*filter.Success))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM message_log %s", where) //nolint:gosec // WHERE built from parameterised conditions, not user input
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting message log records: %w", err)
	}

	query := fmt.Sprintf( //nolint:gosec // WHERE built from parameterised conditions, not user input
		"SELECT id, topic, payload, qos, retained, success, error_message, sent_at FROM message_log %s ORDER BY sent_at DESC, id DESC LIMIT ? OFFSET ?",
		where,
	)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying message log: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var retained, success int
		var errMsg sql.NullString
		var sentAt string

		if err := rows.Scan(&rec.ID, &rec.Topic, &rec.Payload, &rec.QoS,
			&retained, &success, &errMsg, &sentAt); err != nil {
			return nil, fmt.Errorf("scanning message log record: %w", err)
		}

		rec.Retained = retained != 0
		rec.Success = success != 0
		if errMsg.Valid {
			rec.ErrorMessage = errMsg.String
		}

		t, err := time.Parse(time.RFC3339, sentAt)
		if err != nil {
			return nil, fmt.Errorf("parsing message log timestamp %q: %w", sentAt, err)
		}
		rec.SentAt = t

		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message log records: %w", err)
	}

	if records == nil {
		records = []Record{}
	}

	return &ListResult{
		Records: records,
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	}, nil
}

// Prune deletes records older than retentionDays and returns how many
// were removed. A retention of zero or less disables pruning.
func (r *SQLiteRepository) Prune(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	result, err := r.db.ExecContext(ctx,
		"DELETE FROM message_log WHERE sent_at < ?",
		cutoff.Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("pruning message log: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading pruned row count: %w", err)
	}
	return deleted, nil
}

// nullableString returns nil for empty strings, or the string otherwise.
// Used for nullable TEXT columns in SQLite.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
