// Package record persists the run record.
//
// The record lives at <dir>/run.json. Writes are staged into the fixed
// sibling run.json.tmp, synced, and renamed over the canonical path, so a
// reader sees either the previous valid record or the new one, never a
// partial write.
package record

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mpataki/forge/internal/models"
)

const (
	recordFile = "run.json"
	stagedFile = "run.json.tmp"
)

var ErrCorruptState = errors.New("corrupt run state")

// CorruptStateError reports a persisted record that cannot be trusted.
type CorruptStateError struct {
	Path   string
	Reason error
}

func (e *CorruptStateError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrCorruptState, e.Path, e.Reason)
}

func (e *CorruptStateError) Unwrap() []error { return []error{ErrCorruptState, e.Reason} }

type Store struct {
	dir string
	now func() time.Time
}

func New(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("record dir is required")
	}
	return &Store{dir: dir, now: time.Now}, nil
}

// WithClock replaces the time source; used by tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) Path() string       { return filepath.Join(s.dir, recordFile) }
func (s *Store) StagedPath() string { return filepath.Join(s.dir, stagedFile) }

// Load reads and validates the persisted record. It returns os.ErrNotExist
// (wrapped) when no record and no staged file exist.
func (s *Store) Load() (models.RunRecord, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if !os.IsNotExist(err) {
			return models.RunRecord{}, &CorruptStateError{Path: s.Path(), Reason: err}
		}
		if _, serr := os.Stat(s.StagedPath()); serr == nil {
			return models.RunRecord{}, &CorruptStateError{
				Path:   s.StagedPath(),
				Reason: errors.New("staged record without canonical record (interrupted persist)"),
			}
		}
		return models.RunRecord{}, fmt.Errorf("load record: %w", err)
	}

	rec, err := decodeStrict(data)
	if err != nil {
		return models.RunRecord{}, &CorruptStateError{Path: s.Path(), Reason: err}
	}
	return rec, nil
}

// LoadOrInit returns the persisted record, or a fresh INIT record when none
// exists. The fresh record is not persisted; created reports which case
// applied.
func (s *Store) LoadOrInit(specReference string, maxRetries int) (rec models.RunRecord, created bool, err error) {
	rec, err = s.Load()
	if err == nil {
		return rec, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) || errors.Is(err, ErrCorruptState) {
		return models.RunRecord{}, false, err
	}

	now := s.now().UTC()
	return models.RunRecord{
		RunID:         uuid.NewString(),
		SpecReference: specReference,
		State:         models.StateInit,
		RetryCount:    0,
		MaxRetries:    models.ClampRetries(maxRetries),
		CreatedAt:     now,
		UpdatedAt:     now,
	}, true, nil
}

// Persist validates rec, refreshes updated_at and writes it atomically.
// It returns the record exactly as written.
func (s *Store) Persist(rec models.RunRecord) (models.RunRecord, error) {
	now := s.now().UTC()
	if now.After(rec.UpdatedAt) {
		rec.UpdatedAt = now
	}
	if err := rec.Validate(); err != nil {
		return rec, fmt.Errorf("invalid record: %w", err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return rec, fmt.Errorf("marshal record: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return rec, fmt.Errorf("ensure record dir: %w", err)
	}
	if err := s.stage(data); err != nil {
		return rec, fmt.Errorf("stage record: %w", err)
	}
	if err := os.Rename(s.StagedPath(), s.Path()); err != nil {
		return rec, fmt.Errorf("commit record: %w", err)
	}
	if err := fsyncDir(s.dir); err != nil {
		return rec, fmt.Errorf("sync record dir: %w", err)
	}
	return rec, nil
}

// stage overwrites the staged sibling unconditionally and syncs it.
func (s *Store) stage(data []byte) error {
	f, err := os.OpenFile(s.StagedPath(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, bytes.NewReader(data)); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Remove deletes the record and any staged sibling. Missing files are not an
// error.
func (s *Store) Remove() error {
	for _, p := range []string{s.Path(), s.StagedPath()} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}
	return nil
}

func decodeStrict(data []byte) (models.RunRecord, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return models.RunRecord{}, errors.New("record is empty")
	}

	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return models.RunRecord{}, fmt.Errorf("invalid JSON: %w", err)
	}
	var missing []string
	for _, k := range models.RecordKeys {
		if _, ok := keys[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return models.RunRecord{}, fmt.Errorf("missing keys: %s", strings.Join(missing, ", "))
	}

	var rec models.RunRecord
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&rec); err != nil {
		return models.RunRecord{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return models.RunRecord{}, errors.New("invalid JSON: trailing content")
	}
	if err := rec.Validate(); err != nil {
		return models.RunRecord{}, err
	}
	return rec, nil
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
