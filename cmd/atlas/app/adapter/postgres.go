package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opsdevs/project-atlas/cmd/atlas/app/domain"
)

// PostgresStore implements domain.SyncStatusStore and domain.TaskCacheStore
// backed by a pgx connection pool.
type PostgresStore struct {
	pool       *pgxpool.Pool
	staleAfter time.Duration
}

var (
	_ domain.SyncStatusStore = (*PostgresStore)(nil)
	_ domain.TaskCacheStore  = (*PostgresStore)(nil)
)

func NewPostgresStore(pool *pgxpool.Pool, staleAfter time.Duration) *PostgresStore {
	return &PostgresStore{
		pool:       pool,
		staleAfter: staleAfter,
	}
}

// EnsureSchema creates the sync tables if they don't exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sync_status (
		    user_key     TEXT PRIMARY KEY,
		    email        TEXT NOT NULL DEFAULT '',
		    chat_id      BIGINT NOT NULL DEFAULT 0,
		    in_progress  BOOLEAN NOT NULL DEFAULT FALSE,
		    started_at   TIMESTAMPTZ,
		    completed_at TIMESTAMPTZ,
		    last_error   TEXT NOT NULL DEFAULT '',
		    total_tasks  INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS task_cache (
		    user_key    TEXT NOT NULL,
		    task_id     TEXT NOT NULL,
		    project_id  TEXT NOT NULL DEFAULT '',
		    title       TEXT NOT NULL DEFAULT '',
		    state_group TEXT NOT NULL DEFAULT '',
		    priority    TEXT NOT NULL DEFAULT '',
		    url         TEXT NOT NULL DEFAULT '',
		    synced_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		    PRIMARY KEY (user_key, task_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_cache_user ON task_cache (user_key)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure sync schema: %w", err)
		}
	}
	return nil
}

// ResetStale normalizes every row whose in-progress flag outlived a crashed
// process. Called once at startup.
func (s *PostgresStore) ResetStale(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sync_status SET in_progress = FALSE, last_error = $1
		 WHERE in_progress AND started_at < $2`,
		domain.ErrSyncInterrupted, time.Now().Add(-s.staleAfter))
	if err != nil {
		return 0, fmt.Errorf("reset stale syncs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Status(ctx context.Context, key domain.UserKey) (domain.SyncStatus, error) {
	// Lazy normalization so a stale flag is never reported as running.
	_, err := s.pool.Exec(ctx,
		`UPDATE sync_status SET in_progress = FALSE, last_error = $2
		 WHERE user_key = $1 AND in_progress AND started_at < $3`,
		key.String(), domain.ErrSyncInterrupted, time.Now().Add(-s.staleAfter))
	if err != nil {
		return domain.SyncStatus{}, fmt.Errorf("normalize sync status: %w", err)
	}

	st := domain.SyncStatus{UserKey: key}
	var startedAt, completedAt *time.Time
	err = s.pool.QueryRow(ctx,
		`SELECT in_progress, started_at, completed_at, last_error, total_tasks
		 FROM sync_status WHERE user_key = $1`, key.String()).
		Scan(&st.InProgress, &startedAt, &completedAt, &st.LastError, &st.TotalTasks)
	if err != nil {
		if err == pgx.ErrNoRows {
			return st, nil
		}
		return domain.SyncStatus{}, fmt.Errorf("read sync status: %w", err)
	}
	if startedAt != nil {
		st.LastStartedAt = *startedAt
	}
	if completedAt != nil {
		st.LastCompletedAt = *completedAt
	}
	return st, nil
}

func (s *PostgresStore) Begin(ctx context.Context, key domain.UserKey, startedAt time.Time) (bool, error) {
	// Single-statement compare-and-swap: the conditional update only wins
	// when no live sync holds the flag. A flag older than the stale
	// threshold is treated as abandoned and taken over.
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO sync_status (user_key, email, chat_id, in_progress, started_at)
		 VALUES ($1, $2, $3, TRUE, $4)
		 ON CONFLICT (user_key) DO UPDATE
		 SET in_progress = TRUE, started_at = EXCLUDED.started_at
		 WHERE NOT sync_status.in_progress OR sync_status.started_at < $5`,
		key.String(), key.Email, key.ChatID, startedAt, time.Now().Add(-s.staleAfter))
	if err != nil {
		return false, fmt.Errorf("begin sync: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) Finish(ctx context.Context, key domain.UserKey, outcome domain.SyncOutcome) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sync_status
		 SET in_progress = FALSE,
		     completed_at = $2,
		     last_error = $3,
		     total_tasks = CASE WHEN $3 = '' THEN $4 ELSE total_tasks END
		 WHERE user_key = $1`,
		key.String(), outcome.CompletedAt, outcome.Error, outcome.TotalTasks)
	if err != nil {
		return fmt.Errorf("finish sync: %w", err)
	}
	return nil
}

func (s *PostgresStore) Tasks(ctx context.Context, key domain.UserKey, limit int) ([]domain.TaskCacheEntry, error) {
	query := `SELECT task_id, project_id, title, state_group, priority, url, synced_at
	          FROM task_cache WHERE user_key = $1 ORDER BY project_id, task_id`
	args := []any{key.String()}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read task cache: %w", err)
	}
	defer rows.Close()

	var tasks []domain.TaskCacheEntry
	for rows.Next() {
		var t domain.TaskCacheEntry
		if err := rows.Scan(&t.TaskID, &t.ProjectID, &t.Title, &t.StateGroup, &t.Priority, &t.URL, &t.SyncedAt); err != nil {
			return nil, fmt.Errorf("scan task cache row: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Replace swaps the user's snapshot inside one transaction, so concurrent
// readers see either the old snapshot or the new one.
func (s *PostgresStore) Replace(ctx context.Context, key domain.UserKey, tasks []domain.TaskCacheEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin task cache replace: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM task_cache WHERE user_key = $1`, key.String()); err != nil {
		return fmt.Errorf("clear task cache: %w", err)
	}

	if len(tasks) > 0 {
		rows := make([][]any, 0, len(tasks))
		for _, t := range tasks {
			rows = append(rows, []any{
				key.String(), t.TaskID, t.ProjectID, t.Title, t.StateGroup, t.Priority, t.URL, t.SyncedAt,
			})
		}
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"task_cache"},
			[]string{"user_key", "task_id", "project_id", "title", "state_group", "priority", "url", "synced_at"},
			pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("write task cache: %w", err)
		}
	}

	return tx.Commit(ctx)
}
