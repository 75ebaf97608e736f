package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLite implements Store using SQLite.
type SQLite struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewSQLite creates a new SQLite-backed store. Use ":memory:" for an
// in-memory database, or a file path for persistent storage.
func NewSQLite(dbPath string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// modernc sqlite serializes writes; a single conn avoids table locks.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLite) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		counters TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS fragments (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		path TEXT NOT NULL,
		content TEXT NOT NULL,
		author TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE(project_id, path)
	);
	CREATE TABLE IF NOT EXISTS versions (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		spec_hash TEXT NOT NULL,
		resolved_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE(project_id, spec_hash)
	);
	CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		language TEXT NOT NULL DEFAULT '',
		framework TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		file_path TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		data TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_fragments_project ON fragments(project_id);
	CREATE INDEX IF NOT EXISTS idx_versions_project ON versions(project_id);
	CREATE INDEX IF NOT EXISTS idx_artifacts_project ON artifacts(project_id);
	CREATE INDEX IF NOT EXISTS idx_events_project ON events(project_id, id);
	CREATE INDEX IF NOT EXISTS idx_events_active ON events(project_id, is_active, id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// EnsureProject returns the project, creating it when absent.
func (s *SQLite) EnsureProject(ctx context.Context, id, name string) (Project, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.getProjectLocked(ctx, id)
	if err == nil {
		return p, false, nil
	}
	if err != ErrNotFound {
		return Project{}, false, err
	}

	now := time.Now()
	if name == "" {
		name = id
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO projects (id, name, counters, created_at, updated_at) VALUES (?, ?, '{}', ?, ?)",
		id, name, now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return Project{}, false, fmt.Errorf("insert project: %w", err)
	}
	return Project{ID: id, Name: name, Counters: map[string]int{}, CreatedAt: now, UpdatedAt: now}, true, nil
}

// GetProject retrieves a project by id.
func (s *SQLite) GetProject(ctx context.Context, id string) (Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getProjectLocked(ctx, id)
}

func (s *SQLite) getProjectLocked(ctx context.Context, id string) (Project, error) {
	var p Project
	var counters string
	var created, updated int64
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, counters, created_at, updated_at FROM projects WHERE id = ?", id,
	).Scan(&p.ID, &p.Name, &counters, &created, &updated)
	if err == sql.ErrNoRows {
		return Project{}, ErrNotFound
	}
	if err != nil {
		return Project{}, fmt.Errorf("query project: %w", err)
	}
	p.CreatedAt = time.UnixMilli(created)
	p.UpdatedAt = time.UnixMilli(updated)
	if err := json.Unmarshal([]byte(counters), &p.Counters); err != nil {
		return Project{}, fmt.Errorf("unmarshal counters: %w", err)
	}
	return p, nil
}

// ListProjectIDs returns every project id. The workspace GC uses this to
// decide which materialized trees are still owned.
func (s *SQLite) ListProjectIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT id FROM projects ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("query project ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan project id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateProjectCounters replaces the counters and bumps updated_at.
func (s *SQLite) UpdateProjectCounters(ctx context.Context, id string, counters map[string]int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if counters == nil {
		counters = map[string]int{}
	}
	blob, err := json.Marshal(counters)
	if err != nil {
		return fmt.Errorf("marshal counters: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE projects SET counters = ?, updated_at = ? WHERE id = ?",
		string(blob), time.Now().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("update counters: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertFragment creates or replaces a fragment row. The bool reports
// whether the row was created.
func (s *SQLite) UpsertFragment(ctx context.Context, f Fragment) (Fragment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	existing, err := s.getFragmentLocked(ctx, f.ProjectID, f.Path)
	switch err {
	case nil:
		_, uerr := s.db.ExecContext(ctx,
			"UPDATE fragments SET content = ?, author = ?, message = ?, updated_at = ? WHERE id = ?",
			f.Content, f.Author, f.Message, now.UnixMilli(), existing.ID,
		)
		if uerr != nil {
			return Fragment{}, false, fmt.Errorf("update fragment: %w", uerr)
		}
		existing.Content = f.Content
		existing.Author = f.Author
		existing.Message = f.Message
		existing.UpdatedAt = now
		return existing, false, nil
	case ErrNotFound:
		f.ID = uuid.NewString()
		f.CreatedAt = now
		f.UpdatedAt = now
		_, ierr := s.db.ExecContext(ctx,
			"INSERT INTO fragments (id, project_id, path, content, author, message, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
			f.ID, f.ProjectID, f.Path, f.Content, f.Author, f.Message, now.UnixMilli(), now.UnixMilli(),
		)
		if ierr != nil {
			return Fragment{}, false, fmt.Errorf("insert fragment: %w", ierr)
		}
		return f, true, nil
	default:
		return Fragment{}, false, err
	}
}

// GetFragment retrieves a fragment by (projectID, path).
func (s *SQLite) GetFragment(ctx context.Context, projectID, path string) (Fragment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getFragmentLocked(ctx, projectID, path)
}

func (s *SQLite) getFragmentLocked(ctx context.Context, projectID, path string) (Fragment, error) {
	var f Fragment
	var created, updated int64
	err := s.db.QueryRowContext(ctx,
		"SELECT id, project_id, path, content, author, message, created_at, updated_at FROM fragments WHERE project_id = ? AND path = ?",
		projectID, path,
	).Scan(&f.ID, &f.ProjectID, &f.Path, &f.Content, &f.Author, &f.Message, &created, &updated)
	if err == sql.ErrNoRows {
		return Fragment{}, ErrNotFound
	}
	if err != nil {
		return Fragment{}, fmt.Errorf("query fragment: %w", err)
	}
	f.CreatedAt = time.UnixMilli(created)
	f.UpdatedAt = time.UnixMilli(updated)
	return f, nil
}

// DeleteFragment removes a fragment row.
func (s *SQLite) DeleteFragment(ctx context.Context, projectID, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"DELETE FROM fragments WHERE project_id = ? AND path = ?", projectID, path,
	)
	if err != nil {
		return fmt.Errorf("delete fragment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListFragments returns all fragments of a project ordered by path.
func (s *SQLite) ListFragments(ctx context.Context, projectID string) ([]Fragment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, project_id, path, content, author, message, created_at, updated_at FROM fragments WHERE project_id = ? ORDER BY path",
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("query fragments: %w", err)
	}
	defer rows.Close()

	var out []Fragment
	for rows.Next() {
		var f Fragment
		var created, updated int64
		if err := rows.Scan(&f.ID, &f.ProjectID, &f.Path, &f.Content, &f.Author, &f.Message, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan fragment: %w", err)
		}
		f.CreatedAt = time.UnixMilli(created)
		f.UpdatedAt = time.UnixMilli(updated)
		out = append(out, f)
	}
	return out, rows.Err()
}

// InsertVersion persists a version snapshot. Returns false when the
// (project, hash) pair already exists; duplicates are collapsed.
func (s *SQLite) InsertVersion(ctx context.Context, v Version) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO versions (id, project_id, spec_hash, resolved_json, created_at) VALUES (?, ?, ?, ?, ?)",
		v.ID, v.ProjectID, v.SpecHash, v.ResolvedJSON, v.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("insert version: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListVersions returns the newest versions of a project.
func (s *SQLite) ListVersions(ctx context.Context, projectID string, limit int) ([]Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, project_id, spec_hash, resolved_json, created_at FROM versions WHERE project_id = ? ORDER BY created_at DESC, id DESC LIMIT ?",
		projectID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query versions: %w", err)
	}
	defer rows.Close()

	var out []Version
	for rows.Next() {
		var v Version
		var created int64
		if err := rows.Scan(&v.ID, &v.ProjectID, &v.SpecHash, &v.ResolvedJSON, &created); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		v.CreatedAt = time.UnixMilli(created)
		out = append(out, v)
	}
	return out, rows.Err()
}

// ReplaceArtifacts swaps the project's artifact set wholesale in one transaction.
func (s *SQLite) ReplaceArtifacts(ctx context.Context, projectID string, artifacts []Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM artifacts WHERE project_id = ?", projectID); err != nil {
		return fmt.Errorf("delete artifacts: %w", err)
	}
	now := time.Now().UnixMilli()
	for _, a := range artifacts {
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		meta := "{}"
		if a.Metadata != nil {
			blob, merr := json.Marshal(a.Metadata)
			if merr != nil {
				return fmt.Errorf("marshal artifact metadata: %w", merr)
			}
			meta = string(blob)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO artifacts (id, project_id, name, type, description, language, framework, metadata, file_path, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
			a.ID, projectID, a.Name, string(a.Type), a.Description, a.Language, a.Framework, meta, a.FilePath, now,
		); err != nil {
			return fmt.Errorf("insert artifact: %w", err)
		}
	}
	return tx.Commit()
}

// ListArtifacts returns the project's artifact set ordered by type then name.
func (s *SQLite) ListArtifacts(ctx context.Context, projectID string) ([]Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, project_id, name, type, description, language, framework, metadata, file_path, created_at FROM artifacts WHERE project_id = ? ORDER BY type, name",
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		var a Artifact
		var typ, meta string
		var created int64
		if err := rows.Scan(&a.ID, &a.ProjectID, &a.Name, &typ, &a.Description, &a.Language, &a.Framework, &meta, &a.FilePath, &created); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		a.Type = ArtifactType(typ)
		a.CreatedAt = time.UnixMilli(created)
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &a.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal artifact metadata: %w", err)
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// InsertEvent appends an event row.
func (s *SQLite) InsertEvent(ctx context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := "{}"
	if len(e.Data) > 0 {
		data = string(e.Data)
	}
	active := 0
	if e.IsActive {
		active = 1
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO events (id, project_id, event_type, data, created_at, is_active) VALUES (?, ?, ?, ?, ?, ?)",
		e.ID, e.ProjectID, string(e.Type), data, e.CreatedAt.UnixMilli(), active,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// GetEvent retrieves a single event of a project.
func (s *SQLite) GetEvent(ctx context.Context, projectID, id string) (Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT id, project_id, event_type, data, created_at, is_active FROM events WHERE project_id = ? AND id = ?",
		projectID, id,
	)
	return scanEventRow(row)
}

// ListEvents returns events in creation order.
func (s *SQLite) ListEvents(ctx context.Context, projectID string, q EventQuery) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT id, project_id, event_type, data, created_at, is_active FROM events WHERE project_id = ?"
	args := []any{projectID}
	if !q.IncludeInactive {
		query += " AND is_active = 1"
	}
	if !q.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, q.Since.UnixMilli())
	}
	query += " ORDER BY id ASC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// HeadEvent returns the most recent active event, if any.
func (s *SQLite) HeadEvent(ctx context.Context, projectID string) (Event, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT id, project_id, event_type, data, created_at, is_active FROM events WHERE project_id = ? AND is_active = 1 ORDER BY id DESC LIMIT 1",
		projectID,
	)
	e, err := scanEventRow(row)
	if err == ErrNotFound {
		return Event{}, false, nil
	}
	if err != nil {
		return Event{}, false, err
	}
	return e, true, nil
}

// SetActiveWindow flips the active flags so that exactly the events with
// id <= headID are active. Runs in one transaction.
func (s *SQLite) SetActiveWindow(ctx context.Context, projectID, headID string) (reactivated, deactivated []string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if headID == "" {
		deactivated, err = collectIDs(tx, ctx,
			"SELECT id FROM events WHERE project_id = ? AND is_active = 1 ORDER BY id", projectID)
		if err != nil {
			return nil, nil, err
		}
		if _, err = tx.ExecContext(ctx,
			"UPDATE events SET is_active = 0 WHERE project_id = ?", projectID); err != nil {
			return nil, nil, fmt.Errorf("deactivate events: %w", err)
		}
		return nil, deactivated, tx.Commit()
	}

	reactivated, err = collectIDs(tx, ctx,
		"SELECT id FROM events WHERE project_id = ? AND is_active = 0 AND id <= ? ORDER BY id", projectID, headID)
	if err != nil {
		return nil, nil, err
	}
	deactivated, err = collectIDs(tx, ctx,
		"SELECT id FROM events WHERE project_id = ? AND is_active = 1 AND id > ? ORDER BY id", projectID, headID)
	if err != nil {
		return nil, nil, err
	}
	if _, err = tx.ExecContext(ctx,
		"UPDATE events SET is_active = 1 WHERE project_id = ? AND id <= ?", projectID, headID); err != nil {
		return nil, nil, fmt.Errorf("reactivate events: %w", err)
	}
	if _, err = tx.ExecContext(ctx,
		"UPDATE events SET is_active = 0 WHERE project_id = ? AND id > ?", projectID, headID); err != nil {
		return nil, nil, fmt.Errorf("deactivate events: %w", err)
	}
	return reactivated, deactivated, tx.Commit()
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(r rowScanner) (Event, error) {
	var e Event
	var typ, data string
	var created int64
	var active int
	if err := r.Scan(&e.ID, &e.ProjectID, &typ, &data, &created, &active); err != nil {
		return Event{}, fmt.Errorf("scan event: %w", err)
	}
	e.Type = EventType(typ)
	e.Data = json.RawMessage(data)
	e.CreatedAt = time.UnixMilli(created)
	e.IsActive = active == 1
	return e, nil
}

func scanEventRow(row *sql.Row) (Event, error) {
	e, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Event{}, ErrNotFound
		}
		return Event{}, err
	}
	return e, nil
}

func collectIDs(tx *sql.Tx, ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
