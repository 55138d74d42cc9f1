// Package postgres implements store.Store on Postgres via pgx.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/venue-enrichment/internal/enrich"
	"github.com/JakeFAU/venue-enrichment/internal/store"
)

// Schema creates the tables used by Store.
//
//go:embed schema.sql
var Schema string

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// Store persists sessions and work items in Postgres.
type Store struct {
	pool  pgxPool
	clock enrich.Clock
	ids   enrich.IDGenerator
}

var _ store.Store = (*Store)(nil)

// New connects a pgx pool using cfg.
func New(ctx context.Context, cfg Config, clock enrich.Clock, ids enrich.IDGenerator) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
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
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool, clock: clock, ids: ids}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool pgxPool, clock enrich.Clock, ids enrich.IDGenerator) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool, clock: clock, ids: ids}, nil
}

// Migrate applies Schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const insertSessionSQL = `
INSERT INTO enrichment_sessions (id, name, total_items, processed_items, status, created_at, last_activity)
VALUES ($1, $2, $3, 0, $4, $5, $5)`

// CreateSession inserts a processing session whose activity starts at its
// creation time.
func (s *Store) CreateSession(ctx context.Context, name string, declaredTotal int) (string, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("session id: %w", err)
	}
	if _, err := s.pool.Exec(ctx, insertSessionSQL, id, name, declaredTotal, string(enrich.SessionProcessing), s.clock.Now()); err != nil {
		return "", fmt.Errorf("insert session: %w", err)
	}
	return id, nil
}

const insertItemSQL = `
INSERT INTO work_items (id, session_id, name, address, endpoints, status, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

// InsertWorkItems inserts items as pending in one transaction.
func (s *Store) InsertWorkItems(ctx context.Context, sessionID string, items []enrich.WorkItem) (ids []string, err error) {
	ids = make([]string, 0, len(items))
	for range items {
		id, idErr := s.ids.NewID()
		if idErr != nil {
			return nil, fmt.Errorf("item id: %w", idErr)
		}
		ids = append(ids, id)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin insert items: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	now := s.clock.Now()
	for i, item := range items {
		endpoints, encErr := encodeEndpoints(item.Endpoints)
		if encErr != nil {
			return nil, encErr
		}
		if _, err = tx.Exec(ctx, insertItemSQL,
			ids[i], sessionID, item.Name, item.Address, endpoints, string(enrich.ItemPending), now,
		); err != nil {
			return nil, fmt.Errorf("insert work item %q: %w", item.Name, err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit insert items: %w", err)
	}
	return ids, nil
}

const markProcessingSQL = `
UPDATE work_items SET status = $1, updated_at = $2
WHERE id = ANY($3) AND status = $4`

// MarkProcessing moves pending items to processing.
func (s *Store) MarkProcessing(ctx context.Context, itemIDs []string) error {
	if len(itemIDs) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, markProcessingSQL,
		string(enrich.ItemProcessing), s.clock.Now(), itemIDs, string(enrich.ItemPending),
	); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	return nil
}

const recordResultSQL = `
UPDATE work_items SET status = $2, error_message = $3, result = $4, updated_at = $5
WHERE id = $1 AND status IN ('pending', 'processing')`

// RecordResult writes the item's terminal status once.
func (s *Store) RecordResult(ctx context.Context, itemID string, result enrich.ExtractionResult) error {
	status := enrich.ItemFailed
	if result.OverallSuccess {
		status = enrich.ItemCompleted
	}
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	var errText *string
	if result.Error != "" {
		errText = &result.Error
	}
	tag, err := s.pool.Exec(ctx, recordResultSQL, itemID, string(status), errText, body, s.clock.Now())
	if err != nil {
		return fmt.Errorf("record result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("work item %s: %w", itemID, store.ErrNotActive)
	}
	return nil
}

const updateActivitySQL = `UPDATE enrichment_sessions SET last_activity = $2 WHERE id = $1`

// UpdateActivity stamps the session's last activity.
func (s *Store) UpdateActivity(ctx context.Context, sessionID string) error {
	tag, err := s.pool.Exec(ctx, updateActivitySQL, sessionID, s.clock.Now())
	if err != nil {
		return fmt.Errorf("update activity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", sessionID, store.ErrNotFound)
	}
	return nil
}

const sessionStatsSQL = `
SELECT count(*),
	count(*) FILTER (WHERE status = 'completed'),
	count(*) FILTER (WHERE status = 'failed')
FROM work_items WHERE session_id = $1`

// GetSessionStats counts the session's items by status.
func (s *Store) GetSessionStats(ctx context.Context, sessionID string) (enrich.SessionStats, error) {
	var stats enrich.SessionStats
	if err := s.pool.QueryRow(ctx, sessionStatsSQL, sessionID).Scan(&stats.Total, &stats.Completed, &stats.Failed); err != nil {
		return enrich.SessionStats{}, fmt.Errorf("session stats: %w", err)
	}
	stats.Pending = stats.Total - stats.Completed - stats.Failed
	return stats, nil
}

const finalizeSessionSQL = `
UPDATE enrichment_sessions
SET status = $2, processed_items = $3, last_activity = $4, finished_at = $4
WHERE id = $1 AND status = 'processing'`

// FinalizeSession moves a processing session to a terminal status.
func (s *Store) FinalizeSession(ctx context.Context, sessionID string, status enrich.SessionStatus, processed int) error {
	tag, err := s.pool.Exec(ctx, finalizeSessionSQL, sessionID, string(status), processed, s.clock.Now())
	if err != nil {
		return fmt.Errorf("finalize session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", sessionID, store.ErrNotActive)
	}
	return nil
}

const correctTotalSQL = `UPDATE enrichment_sessions SET total_items = $2 WHERE id = $1`

// CorrectDeclaredTotal overwrites the declared total.
func (s *Store) CorrectDeclaredTotal(ctx context.Context, sessionID string, total int) error {
	tag, err := s.pool.Exec(ctx, correctTotalSQL, sessionID, total)
	if err != nil {
		return fmt.Errorf("correct declared total: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", sessionID, store.ErrNotFound)
	}
	return nil
}

const sessionColumns = `id, name, total_items, processed_items, status, created_at, last_activity, finished_at`

// ListActiveSessions returns sessions in status, oldest first.
func (s *Store) ListActiveSessions(ctx context.Context, status enrich.SessionStatus) ([]enrich.SessionState, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM enrichment_sessions WHERE status = $1 ORDER BY created_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []enrich.SessionState
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// GetSession returns one session.
func (s *Store) GetSession(ctx context.Context, sessionID string) (enrich.SessionState, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM enrichment_sessions WHERE id = $1`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return enrich.SessionState{}, fmt.Errorf("session %s: %w", sessionID, store.ErrNotFound)
	}
	return sess, err
}

func scanSession(row pgx.Row) (enrich.SessionState, error) {
	var (
		sess   enrich.SessionState
		status string
	)
	if err := row.Scan(
		&sess.ID, &sess.Name, &sess.DeclaredTotal, &sess.ProcessedCount,
		&status, &sess.CreatedAt, &sess.LastActivity, &sess.FinishedAt,
	); err != nil {
		return enrich.SessionState{}, fmt.Errorf("scan session: %w", err)
	}
	sess.Status = enrich.SessionStatus(status)
	return sess, nil
}

func encodeEndpoints(endpoints map[string]string) ([]byte, error) {
	if len(endpoints) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(endpoints)
	if err != nil {
		return nil, fmt.Errorf("marshal endpoints: %w", err)
	}
	return b, nil
}
