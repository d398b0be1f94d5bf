package transcript

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/SeeSoRuFree/careerly-v2-sub001/internal/logging"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no transcript matches.
var ErrNotFound = errors.New("transcript: not found")

// Store is a SQLite-backed transcript store.
type Store struct {
	mu     sync.RWMutex
	db     *sql.DB
	dbPath string
}

// Open opens (creating if needed) the database at path. ":memory:" is
// accepted for tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Transcript("transcript store opened at %s", path)
	return s, nil
}

func (s *Store) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS transcripts (
			id TEXT PRIMARY KEY,
			question TEXT NOT NULL,
			endpoint TEXT,
			state TEXT NOT NULL,
			error TEXT,
			answer TEXT,
			citations TEXT,
			profile TEXT,
			events TEXT NOT NULL,
			share_token TEXT UNIQUE,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create transcripts table: %w", err)
	}
	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_transcripts_created ON transcripts(created_at)`)
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save inserts or updates t. CreatedAt is kept from the first save.
func (s *Store) Save(ctx context.Context, t *Transcript) error {
	if t.ID == "" {
		return fmt.Errorf("transcript: missing id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	citations, err := json.Marshal(t.Citations)
	if err != nil {
		return fmt.Errorf("failed to encode citations: %w", err)
	}
	events, err := json.Marshal(t.Events)
	if err != nil {
		return fmt.Errorf("failed to encode events: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO transcripts (id, question, endpoint, state, error, answer, citations, profile, events, share_token, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			question = excluded.question,
			endpoint = excluded.endpoint,
			state = excluded.state,
			error = excluded.error,
			answer = excluded.answer,
			citations = excluded.citations,
			profile = excluded.profile,
			events = excluded.events,
			updated_at = excluded.updated_at
	`,
		t.ID, t.Question, t.Endpoint, t.State, t.Error, t.Answer,
		string(citations), string(t.Profile), string(events),
		t.CreatedAt.UnixMilli(), t.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save transcript %s: %w", t.ID, err)
	}
	logging.Get(logging.CategoryTranscript).Debug("saved transcript %s (%d events)", t.ID, len(t.Events))
	return nil
}

const selectColumns = `id, question, endpoint, state, error, answer, citations, profile, events, share_token, created_at, updated_at`

// Get returns the transcript with the given ID.
func (s *Store) Get(ctx context.Context, id string) (*Transcript, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM transcripts WHERE id = ?`, id)
	return scanTranscript(row)
}

// GetShared returns the transcript published under token.
func (s *Store) GetShared(ctx context.Context, token string) (*Transcript, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM transcripts WHERE share_token = ?`, token)
	return scanTranscript(row)
}

// List returns up to limit transcripts, newest first. limit <= 0 means all.
func (s *Store) List(ctx context.Context, limit int) ([]*Transcript, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM transcripts ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transcripts: %w", err)
	}
	defer rows.Close()

	var out []*Transcript
	for rows.Next() {
		t, err := scanTranscript(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Share publishes a transcript and returns its share token. Sharing an
// already shared transcript returns the existing token.
func (s *Store) Share(ctx context.Context, id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT share_token FROM transcripts WHERE id = ?`, id).Scan(&existing)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up transcript %s: %w", id, err)
	}
	if existing.Valid && existing.String != "" {
		return existing.String, nil
	}

	token := uuid.NewString()
	if _, err := s.db.ExecContext(ctx, `UPDATE transcripts SET share_token = ?, updated_at = ? WHERE id = ?`,
		token, time.Now().UnixMilli(), id); err != nil {
		return "", fmt.Errorf("failed to share transcript %s: %w", id, err)
	}
	logging.Transcript("shared transcript %s", id)
	return token, nil
}

// Delete removes a transcript.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM transcripts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete transcript %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTranscript(row rowScanner) (*Transcript, error) {
	var (
		t                    Transcript
		endpoint, errMsg     sql.NullString
		answer, share        sql.NullString
		citations, profile   sql.NullString
		events               string
		createdAt, updatedAt int64
	)
	err := row.Scan(&t.ID, &t.Question, &endpoint, &t.State, &errMsg, &answer,
		&citations, &profile, &events, &share, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan transcript: %w", err)
	}

	t.Endpoint = endpoint.String
	t.Error = errMsg.String
	t.Answer = answer.String
	t.ShareToken = share.String
	t.CreatedAt = time.UnixMilli(createdAt)
	t.UpdatedAt = time.UnixMilli(updatedAt)
	if profile.String != "" {
		t.Profile = json.RawMessage(profile.String)
	}
	if citations.Valid && citations.String != "" {
		if err := json.Unmarshal([]byte(citations.String), &t.Citations); err != nil {
			return nil, fmt.Errorf("failed to decode citations of %s: %w", t.ID, err)
		}
	}
	if err := json.Unmarshal([]byte(events), &t.Events); err != nil {
		return nil, fmt.Errorf("failed to decode events of %s: %w", t.ID, err)
	}
	return &t, nil
}
