// Package sqlite provides a single-file snapshot store backed by
// modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/JakeFAU/docharvest/internal/harvest"
	"github.com/JakeFAU/docharvest/internal/store"
)

const snapshotColumns = `project_id, source_id, path, title, body, outline, content_type, truncated,
	extracted_at, fingerprint, last_changed, last_checked, version`

// Config controls the SQLite store.
type Config struct {
	Path    string
	History store.HistoryPolicy
}

// Store implements harvest.SnapshotStore on SQLite.
type Store struct {
	db     *sql.DB
	policy store.HistoryPolicy
	now    func() time.Time
	logger *zap.Logger
}

// Open creates (or opens) the database at cfg.Path and migrates it.
func Open(cfg Config, clock harvest.Clock, logger *zap.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("store.sqlite.path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", cfg.Path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time keeps SQLITE_BUSY out of the commit path.
	db.SetMaxOpenConns(1)

	version, err := runMigrations(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Debug("sqlite store ready", zap.String("path", cfg.Path), zap.Uint("schema_version", version))

	now := func() time.Time { return time.Now().UTC() }
	if clock != nil {
		now = clock.Now
	}
	return &Store{db: db, policy: cfg.History, now: now, logger: logger}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the snapshot stored under key.
func (s *Store) Get(ctx context.Context, key harvest.DocumentKey) (harvest.Snapshot, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM doc_snapshots WHERE project_id = ? AND source_id = ? AND path = ?`,
		key.ProjectID, key.SourceID, key.Path)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return harvest.Snapshot{}, false, nil
	}
	if err != nil {
		return harvest.Snapshot{}, false, store.Unavailable(key.String(), fmt.Errorf("select snapshot: %w", err))
	}
	return snap, true, nil
}

// Upsert writes snap when its version matches the stored one.
func (s *Store) Upsert(ctx context.Context, snap harvest.Snapshot) (harvest.Snapshot, error) {
	return s.Commit(ctx, snap, nil)
}

// AppendChangeEvent records event in the history of its key.
func (s *Store) AppendChangeEvent(ctx context.Context, event harvest.ChangeEvent) error {
	key := event.Key()
	if err := store.ValidateEvent(key, event); err != nil {
		return err
	}
	return s.inTx(ctx, key.String(), func(tx *sql.Tx) error {
		return s.appendEvent(ctx, tx, event)
	})
}

// Commit upserts snap and appends event in one transaction.
func (s *Store) Commit(ctx context.Context, snap harvest.Snapshot, event *harvest.ChangeEvent) (harvest.Snapshot, error) {
	key := snap.Key()
	if event != nil {
		if err := store.ValidateEvent(key, *event); err != nil {
			return harvest.Snapshot{}, err
		}
	}
	var next harvest.Snapshot
	err := s.inTx(ctx, key.String(), func(tx *sql.Tx) error {
		var prior *harvest.Snapshot
		existing, err := scanSnapshot(tx.QueryRowContext(ctx,
			`SELECT `+snapshotColumns+` FROM doc_snapshots WHERE project_id = ? AND source_id = ? AND path = ?`,
			key.ProjectID, key.SourceID, key.Path))
		switch {
		case err == nil:
			prior = &existing
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("select snapshot: %w", err)
		}
		next, err = store.Next(prior, snap)
		if err != nil {
			return err
		}
		outline, err := json.Marshal(outlineOrEmpty(next.Document.Outline))
		if err != nil {
			return fmt.Errorf("marshal outline: %w", err)
		}
		doc := next.Document
		if _, err := tx.ExecContext(ctx, `
INSERT INTO doc_snapshots (`+snapshotColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (project_id, source_id, path) DO UPDATE SET
	title = excluded.title,
	body = excluded.body,
	outline = excluded.outline,
	content_type = excluded.content_type,
	truncated = excluded.truncated,
	extracted_at = excluded.extracted_at,
	fingerprint = excluded.fingerprint,
	last_changed = excluded.last_changed,
	last_checked = excluded.last_checked,
	version = excluded.version`,
			doc.ProjectID, doc.SourceID, doc.Path, doc.Title, doc.Body, string(outline), doc.ContentType,
			doc.Truncated, toNanos(doc.ExtractedAt), next.Fingerprint, toNanos(next.LastChanged),
			toNanos(next.LastChecked), next.Version,
		); err != nil {
			return fmt.Errorf("upsert snapshot: %w", err)
		}
		if event != nil {
			return s.appendEvent(ctx, tx, *event)
		}
		return nil
	})
	if err != nil {
		return harvest.Snapshot{}, err
	}
	return next, nil
}

func (s *Store) appendEvent(ctx context.Context, tx *sql.Tx, event harvest.ChangeEvent) error {
	var last sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(ts) FROM change_events WHERE project_id = ? AND source_id = ? AND path = ?`,
		event.ProjectID, event.SourceID, event.Path).Scan(&last); err != nil {
		return fmt.Errorf("select last event: %w", err)
	}
	if last.Valid {
		event = store.ClampEvent(event, fromNanos(last.Int64))
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO change_events (id, project_id, source_id, path, previous_fingerprint, new_fingerprint, classification, ts)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.ProjectID, event.SourceID, event.Path, event.PreviousFingerprint,
		event.NewFingerprint, string(event.Classification), toNanos(event.Timestamp),
	); err != nil {
		return fmt.Errorf("insert change event: %w", err)
	}
	return s.prune(ctx, tx, event.Key())
}

func (s *Store) prune(ctx context.Context, tx *sql.Tx, key harvest.DocumentKey) error {
	if cutoff := s.policy.Cutoff(s.now()); !cutoff.IsZero() {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM change_events WHERE project_id = ? AND source_id = ? AND path = ? AND ts < ?`,
			key.ProjectID, key.SourceID, key.Path, toNanos(cutoff)); err != nil {
			return fmt.Errorf("prune aged events: %w", err)
		}
	}
	if s.policy.MaxEvents > 0 {
		if _, err := tx.ExecContext(ctx, `
DELETE FROM change_events WHERE id IN (
	SELECT id FROM change_events
	WHERE project_id = ? AND source_id = ? AND path = ?
	ORDER BY ts DESC, id DESC
	LIMIT -1 OFFSET ?
)`, key.ProjectID, key.SourceID, key.Path, s.policy.MaxEvents); err != nil {
			return fmt.Errorf("prune excess events: %w", err)
		}
	}
	return nil
}

// Query returns snapshots matching filter ordered by key.
func (s *Store) Query(ctx context.Context, filter harvest.Filter) ([]harvest.Snapshot, error) {
	var (
		where []string
		args  []any
	)
	if filter.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, filter.ProjectID)
	}
	if filter.SourceID != "" {
		where = append(where, "source_id = ?")
		args = append(args, filter.SourceID)
	}
	if !filter.ChangedSince.IsZero() {
		where = append(where, "last_changed > ?")
		args = append(args, toNanos(filter.ChangedSince))
	}
	query := `SELECT ` + snapshotColumns + ` FROM doc_snapshots`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY project_id, source_id, path"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, store.Unavailable("query", fmt.Errorf("query snapshots: %w", err))
	}
	defer rows.Close()
	var out []harvest.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Unavailable("query", err)
	}
	return out, nil
}

// ChangeFeed returns events strictly after cursor, oldest first.
func (s *Store) ChangeFeed(ctx context.Context, cursor harvest.FeedCursor, limit int) ([]harvest.ChangeEvent, error) {
	since := toNanos(cursor.Since)
	return s.events(ctx, `WHERE ts > ? OR (? <> '' AND ts = ? AND id > ?) ORDER BY ts, id LIMIT ?`,
		since, cursor.AfterID, since, cursor.AfterID, store.FeedLimit(limit))
}

// History returns the retained events of key, oldest first.
func (s *Store) History(ctx context.Context, key harvest.DocumentKey) ([]harvest.ChangeEvent, error) {
	return s.events(ctx, `WHERE project_id = ? AND source_id = ? AND path = ? ORDER BY ts, id`,
		key.ProjectID, key.SourceID, key.Path)
}

func (s *Store) events(ctx context.Context, clause string, args ...any) ([]harvest.ChangeEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, project_id, source_id, path, previous_fingerprint, new_fingerprint, classification, ts
FROM change_events `+clause, args...)
	if err != nil {
		return nil, store.Unavailable("events", fmt.Errorf("query events: %w", err))
	}
	defer rows.Close()
	var out []harvest.ChangeEvent
	for rows.Next() {
		var (
			e     harvest.ChangeEvent
			class string
			ts    int64
		)
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.SourceID, &e.Path, &e.PreviousFingerprint,
			&e.NewFingerprint, &class, &ts); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Classification = harvest.Classification(class)
		e.Timestamp = fromNanos(ts)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Unavailable("events", err)
	}
	return out, nil
}

// DeleteSource removes every snapshot and event of a source.
func (s *Store) DeleteSource(ctx context.Context, key harvest.SourceKey) error {
	return s.deleteWhere(ctx, key.String(), "project_id = ? AND source_id = ?", key.ProjectID, key.SourceID)
}

// DeleteProject removes every snapshot and event of a project.
func (s *Store) DeleteProject(ctx context.Context, projectID string) error {
	return s.deleteWhere(ctx, projectID, "project_id = ?", projectID)
}

func (s *Store) deleteWhere(ctx context.Context, label, where string, args ...any) error {
	return s.inTx(ctx, label, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM doc_snapshots WHERE "+where, args...); err != nil {
			return fmt.Errorf("delete snapshots: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM change_events WHERE "+where, args...); err != nil {
			return fmt.Errorf("delete events: %w", err)
		}
		return nil
	})
}

// inTx runs fn in a transaction. Errors that are not store errors are
// reported as Unavailable.
func (s *Store) inTx(ctx context.Context, label string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Unavailable(label, fmt.Errorf("begin transaction: %w", err))
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		var se *harvest.StoreError
		if errors.As(err, &se) {
			return err
		}
		return store.Unavailable(label, err)
	}
	if err := tx.Commit(); err != nil {
		return store.Unavailable(label, fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (harvest.Snapshot, error) {
	var (
		snap    harvest.Snapshot
		outline string
	)
	var extracted, lastChanged, lastChecked int64
	doc := &snap.Document
	if err := row.Scan(&doc.ProjectID, &doc.SourceID, &doc.Path, &doc.Title, &doc.Body, &outline,
		&doc.ContentType, &doc.Truncated, &extracted, &snap.Fingerprint, &lastChanged, &lastChecked,
		&snap.Version); err != nil {
		return harvest.Snapshot{}, err
	}
	if err := json.Unmarshal([]byte(outline), &doc.Outline); err != nil {
		return harvest.Snapshot{}, fmt.Errorf("unmarshal outline: %w", err)
	}
	if len(doc.Outline) == 0 {
		doc.Outline = nil
	}
	doc.ExtractedAt = fromNanos(extracted)
	snap.LastChanged = fromNanos(lastChanged)
	snap.LastChecked = fromNanos(lastChecked)
	return snap, nil
}

func outlineOrEmpty(outline []harvest.Heading) []harvest.Heading {
	if outline == nil {
		return []harvest.Heading{}
	}
	return outline
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
