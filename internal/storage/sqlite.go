package storage

import (
	"database/sql"
	"time"

	"github.com/mpataki/forge/internal/models"
	_ "modernc.org/sqlite"
)

// Storage keeps the run history: transitions, test attempts and file writes.
// The run record on disk is authoritative; this is an audit trail.
type Storage struct {
	db *sql.DB
}

func New(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS transitions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		retry_count INTEGER NOT NULL,
		at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS attempts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		exit_code INTEGER NOT NULL,
		timed_out INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL,
		stderr_tail TEXT,
		at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS file_writes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		phase TEXT NOT NULL,
		path TEXT NOT NULL,
		bytes INTEGER NOT NULL,
		at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transitions_run ON transitions(run_id);
	CREATE INDEX IF NOT EXISTS idx_attempts_run ON attempts(run_id);
	CREATE INDEX IF NOT EXISTS idx_file_writes_run ON file_writes(run_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *Storage) RecordTransition(t *models.Transition) (int64, error) {
	result, err := s.db.Exec(
		`INSERT INTO transitions (run_id, from_state, to_state, retry_count, at)
		 VALUES (?, ?, ?, ?, ?)`,
		t.RunID, string(t.From), string(t.To), t.RetryCount, t.At.UTC(),
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (s *Storage) RecordAttempt(a *models.Attempt) (int64, error) {
	result, err := s.db.Exec(
		`INSERT INTO attempts (run_id, attempt, exit_code, timed_out, duration_ms, stderr_tail, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.RunID, a.Attempt, a.ExitCode, a.TimedOut, a.Duration.Milliseconds(), a.StderrTail, a.At.UTC(),
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (s *Storage) RecordFileWrites(writes []*models.FileWrite) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, w := range writes {
		if _, err := tx.Exec(
			`INSERT INTO file_writes (run_id, phase, path, bytes, at) VALUES (?, ?, ?, ?, ?)`,
			w.RunID, string(w.Phase), w.Path, w.Bytes, w.At.UTC(),
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *Storage) GetTransitions(runID string) ([]*models.Transition, error) {
	rows, err := s.db.Query(
		`SELECT id, run_id, from_state, to_state, retry_count, at
		 FROM transitions WHERE run_id = ? ORDER BY id`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Transition
	for rows.Next() {
		var t models.Transition
		var from, to string
		if err := rows.Scan(&t.ID, &t.RunID, &from, &to, &t.RetryCount, &t.At); err != nil {
			return nil, err
		}
		t.From = models.State(from)
		t.To = models.State(to)
		out = append(out, &t)
	}

	return out, rows.Err()
}

func (s *Storage) GetAttempts(runID string) ([]*models.Attempt, error) {
	rows, err := s.db.Query(
		`SELECT id, run_id, attempt, exit_code, timed_out, duration_ms, stderr_tail, at
		 FROM attempts WHERE run_id = ? ORDER BY id`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Attempt
	for rows.Next() {
		var a models.Attempt
		var durationMS int64
		var stderr sql.NullString
		if err := rows.Scan(&a.ID, &a.RunID, &a.Attempt, &a.ExitCode, &a.TimedOut, &durationMS, &stderr, &a.At); err != nil {
			return nil, err
		}
		a.Duration = time.Duration(durationMS) * time.Millisecond
		if stderr.Valid {
			a.StderrTail = stderr.String
		}
		out = append(out, &a)
	}

	return out, rows.Err()
}

func (s *Storage) GetFileWrites(runID string) ([]*models.FileWrite, error) {
	rows, err := s.db.Query(
		`SELECT id, run_id, phase, path, bytes, at
		 FROM file_writes WHERE run_id = ? ORDER BY id`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.FileWrite
	for rows.Next() {
		var w models.FileWrite
		var phase string
		if err := rows.Scan(&w.ID, &w.RunID, &phase, &w.Path, &w.Bytes, &w.At); err != nil {
			return nil, err
		}
		w.Phase = models.State(phase)
		out = append(out, &w)
	}

	return out, rows.Err()
}

func (s *Storage) DeleteRun(runID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"transitions", "attempts", "file_writes"} {
		if _, err := tx.Exec(`DELETE FROM `+table+` WHERE run_id = ?`, runID); err != nil {
			return err
		}
	}

	return tx.Commit()
}
