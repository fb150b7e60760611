// Package history keeps an append-only audit log of finished executions in
// SQLite. It is never read back to resume work.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Record is one finished execution.
type Record struct {
	ID          string    `json:"requestId"`
	Provider    string    `json:"provider"`
	Model       string    `json:"model"`
	Outcome     string    `json:"outcome"`
	ErrorCode   string    `json:"errorCode,omitempty"`
	Error       string    `json:"error,omitempty"`
	ExitCode    *int      `json:"exitCode,omitempty"`
	DurationMs  int64     `json:"durationMs"`
	FileCount   int       `json:"fileCount"`
	CreatedAt   time.Time `json:"createdAt"`
	CompletedAt time.Time `json:"completedAt"`
}

// Store reads and writes execution_log.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Record appends r.
func (s *Store) Record(ctx context.Context, r Record) error {
	if r.ID == "" {
		return fmt.Errorf("record id is empty")
	}

	var errorCode, errMsg sql.NullString
	if r.ErrorCode != "" {
		errorCode = sql.NullString{String: r.ErrorCode, Valid: true}
	}
	if r.Error != "" {
		errMsg = sql.NullString{String: r.Error, Valid: true}
	}
	var exitCode sql.NullInt64
	if r.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*r.ExitCode), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO execution_log(
  id, provider, model, outcome, error_code, error, exit_code,
  duration_ms, file_count, created_at, completed_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, r.ID, r.Provider, r.Model, r.Outcome, errorCode, errMsg, exitCode,
		r.DurationMs, r.FileCount,
		r.CreatedAt.UTC().Format(time.RFC3339Nano), r.CompletedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert execution_log: %w", err)
	}
	return nil
}

// Recent returns up to limit records, most recently completed first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, provider, model, outcome, error_code, error, exit_code,
       duration_ms, file_count, created_at, completed_at
FROM execution_log
ORDER BY completed_at DESC, rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query execution_log: %w", err)
	}
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		var (
			r                      Record
			errorCode, errMsg      sql.NullString
			exitCode               sql.NullInt64
			createdAtS, completedS string
		)
		if err := rows.Scan(&r.ID, &r.Provider, &r.Model, &r.Outcome, &errorCode, &errMsg, &exitCode,
			&r.DurationMs, &r.FileCount, &createdAtS, &completedS); err != nil {
			return nil, fmt.Errorf("scan execution_log: %w", err)
		}
		r.ErrorCode = errorCode.String
		r.Error = errMsg.String
		if exitCode.Valid {
			code := int(exitCode.Int64)
			r.ExitCode = &code
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
			r.CreatedAt = t
		}
		if t, err := time.Parse(time.RFC3339Nano, completedS); err == nil {
			r.CompletedAt = t
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate execution_log: %w", err)
	}
	return out, nil
}

// Prune deletes records completed more than olderThan ago and returns how
// many were removed.
func (s *Store) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}
	cutoff := time.Now().Add(-olderThan).UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `DELETE FROM execution_log WHERE completed_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune execution_log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune execution_log: %w", err)
	}
	return n, nil
}
