// Package ledger keeps a local audit trail of submitted conversion jobs.
// The scheduler owns the job records; the ledger only remembers what this
// host asked for, with the digest of the exact script it handed over.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/crunchy/internal/storage"
)

const DefaultListLimit = 50

// Entry is one recorded submission.
type Entry struct {
	ID           string    `json:"id"`
	SampleID     string    `json:"sample_id,omitempty"`
	Unit         string    `json:"unit"`
	Direction    string    `json:"direction"`
	JobID        int       `json:"job_id"`
	JobName      string    `json:"job_name"`
	ScriptPath   string    `json:"script_path"`
	ScriptDigest string    `json:"script_digest"`
	SubmittedAt  time.Time `json:"submitted_at"`
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Unit      string
	Direction string
	Limit     int
}

type Store struct {
	db *sql.DB
}

// Open opens the ledger database at path, creating it when missing.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := storage.OpenSQLite(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return NewStore(db), nil
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores e and returns its generated id. SubmittedAt defaults to now.
func (s *Store) Record(ctx context.Context, e Entry) (string, error) {
	if strings.TrimSpace(e.Unit) == "" {
		return "", fmt.Errorf("unit is empty")
	}
	if strings.TrimSpace(e.Direction) == "" {
		return "", fmt.Errorf("direction is empty")
	}

	id := uuid.NewString()
	at := e.SubmittedAt
	if at.IsZero() {
		at = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO submissions(
  id, sample_id, unit, direction, job_id, job_name, script_path, script_digest, submitted_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);
`, id, e.SampleID, e.Unit, e.Direction, e.JobID, e.JobName, e.ScriptPath, e.ScriptDigest,
		at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("record submission: %w", err)
	}
	return id, nil
}

// List returns matching entries, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Entry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	var (
		where []string
		args  []any
	)
	if f.Unit != "" {
		where = append(where, "unit = ?")
		args = append(args, f.Unit)
	}
	if f.Direction != "" {
		where = append(where, "direction = ?")
		args = append(args, f.Direction)
	}

	q := `SELECT id, sample_id, unit, direction, job_id, job_name, script_path, script_digest, submitted_at
FROM submissions`
	if len(where) > 0 {
		q += "\nWHERE " + strings.Join(where, " AND ")
	}
	q += "\nORDER BY submitted_at DESC, rowid DESC\nLIMIT ?;"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate submissions: %w", err)
	}
	return out, nil
}

// Latest returns the most recent entry for unit, or (nil, nil) when none exists.
func (s *Store) Latest(ctx context.Context, unit string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, sample_id, unit, direction, job_id, job_name, script_path, script_digest, submitted_at
FROM submissions
WHERE unit = ?
ORDER BY submitted_at DESC, rowid DESC
LIMIT 1;
`, unit)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (Entry, error) {
	var (
		e            Entry
		submittedAtS string
	)
	err := sc.Scan(&e.ID, &e.SampleID, &e.Unit, &e.Direction, &e.JobID, &e.JobName,
		&e.ScriptPath, &e.ScriptDigest, &submittedAtS)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, err
	}
	if err != nil {
		return Entry{}, fmt.Errorf("scan submission: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, submittedAtS); err == nil {
		e.SubmittedAt = t
	}
	return e, nil
}
