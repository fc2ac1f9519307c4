package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gridverify/certus/internal/definition"
	"github.com/gridverify/certus/internal/run"
)

// Entry is one archived interaction with its attribution.
type Entry struct {
	RunID       string          `json:"run_id,omitempty"`
	Interaction run.Interaction `json:"interaction"`
	Attribution run.Attribution `json:"attribution"`
}

// NotFoundError indicates no archived interaction has the requested ID.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no archived interaction with id %s", e.ID)
}

// IsNotFound reports whether err is a missing-interaction failure.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// Record archives one interaction. Satisfies run.Recorder.
//
// Idempotent on the interaction ID: replaying a write is a no-op, so the
// ingest path can retry without duplicating evidence.
func (s *Store) Record(ctx context.Context, runID string, in run.Interaction, attr run.Attribution) error {
	fieldsJSON, err := marshalFields(in.Fields)
	if err != nil {
		return fmt.Errorf("record interaction: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO interactions
		(id, run_id, seq, ts, kind, method, path, type, token, lfdi, fields,
		 step_id, unexpected, post_finalize, no_active_run)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		in.ID,
		runID,
		in.Seq,
		in.Timestamp.UTC().Format(time.RFC3339Nano),
		string(in.Kind),
		in.Method,
		in.Path,
		in.Type,
		in.Token,
		in.LFDI,
		fieldsJSON,
		attr.StepID,
		boolInt(attr.Unexpected),
		boolInt(attr.PostFinalize),
		boolInt(attr.NoActiveRun),
	)
	if err != nil {
		return fmt.Errorf("record interaction: %w", err)
	}
	return nil
}

const selectColumns = `
	id, run_id, seq, ts, kind, method, path, type, token, lfdi, fields,
	step_id, unexpected, post_finalize, no_active_run`

// List returns archived interactions in capture order. An empty runID
// returns everything; otherwise only the given run's traffic.
func (s *Store) List(ctx context.Context, runID string) ([]Entry, error) {
	query := "SELECT" + selectColumns + " FROM interactions ORDER BY seq"
	args := []any{}
	if runID != "" {
		query = "SELECT" + selectColumns + " FROM interactions WHERE run_id = ? ORDER BY seq"
		args = append(args, runID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list interactions: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("list interactions: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list interactions: %w", err)
	}
	return entries, nil
}

// Get returns the archived interaction with the given ID.
func (s *Store) Get(ctx context.Context, id string) (Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT"+selectColumns+" FROM interactions WHERE id = ?", id)
	if err != nil {
		return Entry{}, fmt.Errorf("get interaction: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return Entry{}, fmt.Errorf("get interaction: %w", err)
		}
		return Entry{}, &NotFoundError{ID: id}
	}
	entry, err := scanEntry(rows)
	if err != nil {
		return Entry{}, fmt.Errorf("get interaction: %w", err)
	}
	return entry, nil
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var (
		entry        Entry
		ts           string
		kind         string
		fieldsJSON   string
		unexpected   int
		postFinalize int
		noActiveRun  int
	)
	err := rows.Scan(
		&entry.Interaction.ID,
		&entry.RunID,
		&entry.Interaction.Seq,
		&ts,
		&kind,
		&entry.Interaction.Method,
		&entry.Interaction.Path,
		&entry.Interaction.Type,
		&entry.Interaction.Token,
		&entry.Interaction.LFDI,
		&fieldsJSON,
		&entry.Attribution.StepID,
		&unexpected,
		&postFinalize,
		&noActiveRun,
	)
	if err != nil {
		return Entry{}, err
	}

	entry.Interaction.Kind = definition.Kind(kind)
	entry.Interaction.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return Entry{}, fmt.Errorf("parse timestamp %q: %w", ts, err)
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &entry.Interaction.Fields); err != nil {
		return Entry{}, fmt.Errorf("parse fields %q: %w", fieldsJSON, err)
	}
	if len(entry.Interaction.Fields) == 0 {
		entry.Interaction.Fields = nil
	}
	entry.Attribution.Unexpected = unexpected != 0
	entry.Attribution.PostFinalize = postFinalize != 0
	entry.Attribution.NoActiveRun = noActiveRun != 0
	return entry, nil
}

// marshalFields serializes matcher-visible fields to a JSON object.
// nil maps serialize as "{}" so readers never see SQL NULL.
func marshalFields(fields map[string]string) (string, error) {
	if len(fields) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("marshal fields: %w", err)
	}
	return string(raw), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
