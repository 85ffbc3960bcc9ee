// Package postgres provides a Postgres-backed snapshot store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/docharvest/internal/harvest"
	"github.com/JakeFAU/docharvest/internal/store"
)

const snapshotColumns = `project_id, source_id, path, title, body, outline, content_type, truncated,
	extracted_at, fingerprint, last_changed, last_checked, version`

const eventColumns = `id, project_id, source_id, path, previous_fingerprint, new_fingerprint, classification, ts`

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	// Migrate runs schema migrations before the pool opens.
	Migrate bool
	History store.HistoryPolicy
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// Store implements harvest.SnapshotStore on Postgres.
type Store struct {
	pool   pool
	policy store.HistoryPolicy
	now    func() time.Time
	logger *zap.Logger
}

// New connects to Postgres using cfg.
func New(ctx context.Context, cfg Config, clock harvest.Clock, logger *zap.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("store.postgres.dsn is required")
	}
	if cfg.Migrate {
		if err := Migrate(cfg.DSN, logger); err != nil {
			return nil, err
		}
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewWithPool(p, cfg.History, clock, logger)
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, policy store.HistoryPolicy, clock harvest.Clock, logger *zap.Logger) (*Store, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	now := func() time.Time { return time.Now().UTC() }
	if clock != nil {
		now = clock.Now
	}
	return &Store{pool: p, policy: policy, now: now, logger: logger}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Get returns the snapshot stored under key.
func (s *Store) Get(ctx context.Context, key harvest.DocumentKey) (harvest.Snapshot, bool, error) {
	snap, err := scanSnapshot(s.pool.QueryRow(ctx,
		`SELECT `+snapshotColumns+` FROM doc_snapshots WHERE project_id = $1 AND source_id = $2 AND path = $3`,
		key.ProjectID, key.SourceID, key.Path))
	if errors.Is(err, pgx.ErrNoRows) {
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
	return s.inTx(ctx, key.String(), func(tx pgx.Tx) error {
		return s.appendEvent(ctx, tx, event)
	})
}

// Commit upserts snap and appends event in one transaction. The stored row
// is locked while the version is checked.
func (s *Store) Commit(ctx context.Context, snap harvest.Snapshot, event *harvest.ChangeEvent) (harvest.Snapshot, error) {
	key := snap.Key()
	if event != nil {
		if err := store.ValidateEvent(key, *event); err != nil {
			return harvest.Snapshot{}, err
		}
	}
	var next harvest.Snapshot
	err := s.inTx(ctx, key.String(), func(tx pgx.Tx) error {
		var (
			prior   *harvest.Snapshot
			current harvest.Snapshot
		)
		err := tx.QueryRow(ctx, `
SELECT version, last_changed FROM doc_snapshots
WHERE project_id = $1 AND source_id = $2 AND path = $3
FOR UPDATE`, key.ProjectID, key.SourceID, key.Path).Scan(&current.Version, &current.LastChanged)
		switch {
		case err == nil:
			prior = &current
		case !errors.Is(err, pgx.ErrNoRows):
			return fmt.Errorf("lock snapshot: %w", err)
		}
		next, err = store.Next(prior, snap)
		if err != nil {
			return err
		}
		outline, err := marshalOutline(next.Document.Outline)
		if err != nil {
			return err
		}
		doc := next.Document
		tag, err := tx.Exec(ctx, `
INSERT INTO doc_snapshots (`+snapshotColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (project_id, source_id, path) DO UPDATE SET
	title = EXCLUDED.title,
	body = EXCLUDED.body,
	outline = EXCLUDED.outline,
	content_type = EXCLUDED.content_type,
	truncated = EXCLUDED.truncated,
	extracted_at = EXCLUDED.extracted_at,
	fingerprint = EXCLUDED.fingerprint,
	last_changed = EXCLUDED.last_changed,
	last_checked = EXCLUDED.last_checked,
	version = EXCLUDED.version
WHERE doc_snapshots.version = $14`,
			doc.ProjectID, doc.SourceID, doc.Path, doc.Title, doc.Body, outline, doc.ContentType,
			doc.Truncated, doc.ExtractedAt, next.Fingerprint, next.LastChanged, next.LastChecked,
			next.Version, snap.Version,
		)
		if err != nil {
			return fmt.Errorf("upsert snapshot: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return &harvest.StoreError{
				Kind: harvest.WriteConflict,
				Key:  key.String(),
				Err:  fmt.Errorf("version %d changed concurrently", snap.Version),
			}
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

func (s *Store) appendEvent(ctx context.Context, tx pgx.Tx, event harvest.ChangeEvent) error {
	var last time.Time
	err := tx.QueryRow(ctx, `
SELECT ts FROM change_events
WHERE project_id = $1 AND source_id = $2 AND path = $3
ORDER BY ts DESC LIMIT 1`, event.ProjectID, event.SourceID, event.Path).Scan(&last)
	switch {
	case err == nil:
		event = store.ClampEvent(event, last)
	case !errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("select last event: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO change_events (`+eventColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.ID, event.ProjectID, event.SourceID, event.Path, event.PreviousFingerprint,
		event.NewFingerprint, string(event.Classification), event.Timestamp,
	); err != nil {
		return fmt.Errorf("insert change event: %w", err)
	}
	return s.prune(ctx, tx, event.Key())
}

func (s *Store) prune(ctx context.Context, tx pgx.Tx, key harvest.DocumentKey) error {
	if cutoff := s.policy.Cutoff(s.now()); !cutoff.IsZero() {
		if _, err := tx.Exec(ctx, `
DELETE FROM change_events
WHERE project_id = $1 AND source_id = $2 AND path = $3 AND ts < $4`,
			key.ProjectID, key.SourceID, key.Path, cutoff); err != nil {
			return fmt.Errorf("prune aged events: %w", err)
		}
	}
	if s.policy.MaxEvents > 0 {
		if _, err := tx.Exec(ctx, `
DELETE FROM change_events WHERE id IN (
	SELECT id FROM change_events
	WHERE project_id = $1 AND source_id = $2 AND path = $3
	ORDER BY ts DESC, id DESC
	OFFSET $4
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
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.ProjectID != "" {
		add("project_id = $%d", filter.ProjectID)
	}
	if filter.SourceID != "" {
		add("source_id = $%d", filter.SourceID)
	}
	if !filter.ChangedSince.IsZero() {
		add("last_changed > $%d", filter.ChangedSince)
	}
	query := `SELECT ` + snapshotColumns + ` FROM doc_snapshots`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += ` ORDER BY project_id COLLATE "C", source_id COLLATE "C", path COLLATE "C"`

	rows, err := s.pool.Query(ctx, query, args...)
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
	return s.events(ctx,
		`WHERE ts > $1 OR ($2::text <> '' AND ts = $1 AND id COLLATE "C" > $2) ORDER BY ts, id COLLATE "C" LIMIT $3`,
		cursor.Since, cursor.AfterID, store.FeedLimit(limit))
}

// History returns the retained events of key, oldest first.
func (s *Store) History(ctx context.Context, key harvest.DocumentKey) ([]harvest.ChangeEvent, error) {
	return s.events(ctx, `WHERE project_id = $1 AND source_id = $2 AND path = $3 ORDER BY ts, id COLLATE "C"`,
		key.ProjectID, key.SourceID, key.Path)
}

func (s *Store) events(ctx context.Context, clause string, args ...any) ([]harvest.ChangeEvent, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+eventColumns+` FROM change_events `+clause, args...)
	if err != nil {
		return nil, store.Unavailable("events", fmt.Errorf("query events: %w", err))
	}
	defer rows.Close()
	var out []harvest.ChangeEvent
	for rows.Next() {
		var (
			e     harvest.ChangeEvent
			class string
		)
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.SourceID, &e.Path, &e.PreviousFingerprint,
			&e.NewFingerprint, &class, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Classification = harvest.Classification(class)
		e.Timestamp = e.Timestamp.UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Unavailable("events", err)
	}
	return out, nil
}

// DeleteSource removes every snapshot and event of a source.
func (s *Store) DeleteSource(ctx context.Context, key harvest.SourceKey) error {
	return s.deleteWhere(ctx, key.String(), "project_id = $1 AND source_id = $2", key.ProjectID, key.SourceID)
}

// DeleteProject removes every snapshot and event of a project.
func (s *Store) DeleteProject(ctx context.Context, projectID string) error {
	return s.deleteWhere(ctx, projectID, "project_id = $1", projectID)
}

func (s *Store) deleteWhere(ctx context.Context, label, where string, args ...any) error {
	return s.inTx(ctx, label, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "DELETE FROM doc_snapshots WHERE "+where, args...); err != nil {
			return fmt.Errorf("delete snapshots: %w", err)
		}
		if _, err := tx.Exec(ctx, "DELETE FROM change_events WHERE "+where, args...); err != nil {
			return fmt.Errorf("delete events: %w", err)
		}
		return nil
	})
}

// inTx runs fn in a transaction. Failures that are not already store
// errors are reported as Unavailable.
func (s *Store) inTx(ctx context.Context, label string, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return store.Unavailable(label, fmt.Errorf("begin transaction: %w", err))
	}
	if err := fn(tx); err != nil {
		if rerr := tx.Rollback(ctx); rerr != nil {
			s.logger.Warn("rollback failed", zap.String("key", label), zap.Error(rerr))
		}
		var se *harvest.StoreError
		if errors.As(err, &se) {
			return err
		}
		return store.Unavailable(label, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return store.Unavailable(label, fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

func marshalOutline(outline []harvest.Heading) ([]byte, error) {
	if outline == nil {
		outline = []harvest.Heading{}
	}
	data, err := json.Marshal(outline)
	if err != nil {
		return nil, fmt.Errorf("marshal outline: %w", err)
	}
	return data, nil
}

func scanSnapshot(row pgx.Row) (harvest.Snapshot, error) {
	var (
		snap    harvest.Snapshot
		outline []byte
	)
	doc := &snap.Document
	if err := row.Scan(&doc.ProjectID, &doc.SourceID, &doc.Path, &doc.Title, &doc.Body, &outline,
		&doc.ContentType, &doc.Truncated, &doc.ExtractedAt, &snap.Fingerprint, &snap.LastChanged,
		&snap.LastChecked, &snap.Version); err != nil {
		return harvest.Snapshot{}, err
	}
	if err := json.Unmarshal(outline, &doc.Outline); err != nil {
		return harvest.Snapshot{}, fmt.Errorf("unmarshal outline: %w", err)
	}
	if len(doc.Outline) == 0 {
		doc.Outline = nil
	}
	doc.ExtractedAt = doc.ExtractedAt.UTC()
	snap.LastChanged = snap.LastChanged.UTC()
	snap.LastChecked = snap.LastChecked.UTC()
	return snap, nil
}
