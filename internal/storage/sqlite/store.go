// Package sqlite persists diagnostic sessions in a single SQLite file.
//
// Each row stores the session as a JSON document next to the columns used
// for lookup and the version used for compare-and-swap.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/zhouzirui/tcm-fusion/backend/internal/model/diagnosis"
	"github.com/zhouzirui/tcm-fusion/backend/internal/storage/sqlite/migrations"
)

// Store implements diagnosis.Store on SQLite.
type Store struct {
	db   *sql.DB
	path string
}

var _ diagnosis.Store = (*Store)(nil)

// NewStore opens (or creates) the database at path and applies migrations.
func NewStore(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) migrate(fsys embed.FS) error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var currentVersion int
	row := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("getting current version: %w", err)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	var upFiles []string
	for _, entry := range entries {
		if name := entry.Name(); strings.HasSuffix(name, ".up.sql") {
			upFiles = append(upFiles, name)
		}
	}
	sort.Strings(upFiles)

	for _, name := range upFiles {
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil {
			continue
		}
		if version <= currentVersion {
			continue
		}

		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("executing migration %s: %w", name, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			return fmt.Errorf("recording migration %s: %w", name, err)
		}
	}
	return nil
}

// Create inserts a new session at version 1.
func (s *Store) Create(ctx context.Context, session diagnosis.Session) error {
	session = session.Clone()
	session.Version = 1
	doc, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, status, created_at, updated_at, version, document)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, session.ID, session.UserID, string(session.Status),
		session.CreatedAt.UnixNano(), session.UpdatedAt.UnixNano(), session.Version, string(doc))
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking insert: %w", err)
	}
	if n == 0 {
		return diagnosis.ErrSessionExists
	}
	return nil
}

// Get loads a session by id.
func (s *Store) Get(ctx context.Context, id string) (diagnosis.Session, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, "SELECT document FROM sessions WHERE id = ?", id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return diagnosis.Session{}, diagnosis.ErrSessionNotFound
	}
	if err != nil {
		return diagnosis.Session{}, fmt.Errorf("loading session: %w", err)
	}
	return decode(doc)
}

// CompareAndSwap writes next only when the stored version equals expected.
func (s *Store) CompareAndSwap(ctx context.Context, expected int64, next diagnosis.Session) (diagnosis.Session, error) {
	next = next.Clone()
	next.Version = expected + 1
	doc, err := json.Marshal(next)
	if err != nil {
		return diagnosis.Session{}, fmt.Errorf("marshaling session: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET user_id = ?, status = ?, updated_at = ?, version = ?, document = ?
		WHERE id = ? AND version = ?
	`, next.UserID, string(next.Status), next.UpdatedAt.UnixNano(), next.Version, string(doc), next.ID, expected)
	if err != nil {
		return diagnosis.Session{}, fmt.Errorf("updating session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return diagnosis.Session{}, fmt.Errorf("checking update: %w", err)
	}
	if n == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, "SELECT 1 FROM sessions WHERE id = ?", next.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return diagnosis.Session{}, diagnosis.ErrSessionNotFound
		}
		if err != nil {
			return diagnosis.Session{}, fmt.Errorf("checking session: %w", err)
		}
		return diagnosis.Session{}, diagnosis.ErrVersionConflict
	}
	return decode(string(doc))
}

// ListByUser returns the user's sessions newest first with the total count.
func (s *Store) ListByUser(ctx context.Context, userID string, opts diagnosis.ListOptions) ([]diagnosis.Session, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions WHERE user_id = ?", userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting sessions: %w", err)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = -1
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT document FROM sessions
		WHERE user_id = ?
		ORDER BY created_at DESC, id ASC
		LIMIT ? OFFSET ?
	`, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing sessions: %w", err)
	}
	sessions, err := scanSessions(rows)
	if err != nil {
		return nil, 0, err
	}
	return sessions, total, nil
}

// ListByStatus returns up to limit sessions in any of the given statuses.
func (s *Store) ListByStatus(ctx context.Context, statuses []diagnosis.Status, limit int) ([]diagnosis.Session, error) {
	if len(statuses) == 0 {
		return []diagnosis.Session{}, nil
	}
	if limit <= 0 {
		limit = -1
	}

	placeholders := make([]string, len(statuses))
	args := make([]any, 0, len(statuses)+1)
	for i, st := range statuses {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT document FROM sessions
		WHERE status IN (%s)
		ORDER BY created_at DESC, id ASC
		LIMIT ?
	`, strings.Join(placeholders, ", "))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions by status: %w", err)
	}
	return scanSessions(rows)
}

func scanSessions(rows *sql.Rows) ([]diagnosis.Session, error) {
	defer rows.Close()

	sessions := make([]diagnosis.Session, 0)
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		session, err := decode(doc)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return sessions, nil
}

func decode(doc string) (diagnosis.Session, error) {
	var session diagnosis.Session
	if err := json.Unmarshal([]byte(doc), &session); err != nil {
		return diagnosis.Session{}, fmt.Errorf("decoding session: %w", err)
	}
	return session, nil
}
