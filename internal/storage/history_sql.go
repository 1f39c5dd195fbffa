package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/envrun/envrun/internal/models"
	"github.com/envrun/envrun/pkg/logger"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	started_at  INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	selected    TEXT NOT NULL,
	passed      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS env_runs (
	run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	env         TEXT NOT NULL,
	status      TEXT NOT NULL,
	exit_code   INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_env_runs_env ON env_runs(env);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
`

type SQLHistoryRepository struct {
	db *sqlx.DB
}

func NewSQLHistoryRepository(db *sqlx.DB) *SQLHistoryRepository {
	return &SQLHistoryRepository{
		db: db,
	}
}

func (r *SQLHistoryRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, historySchema); err != nil {
		return fmt.Errorf("failed to apply history schema: %w", err)
	}
	return nil
}

func (r *SQLHistoryRepository) RecordRun(ctx context.Context, report *models.RunReport) error {
	log := logger.WithComponent("history")

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, duration_ms, selected, passed)
		 VALUES (?, ?, ?, ?, ?)`,
		report.ID,
		report.StartedAt.UTC().UnixMilli(),
		report.DurationMS,
		strings.Join(report.Selected, ","),
		report.Passed,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	for _, env := range report.Envs {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO env_runs (run_id, env, status, exit_code, duration_ms)
			 VALUES (?, ?, ?, ?, ?)`,
			report.ID,
			env.Name,
			string(env.Status),
			env.ExitCode,
			env.DurationMS,
		)
		if err != nil {
			return fmt.Errorf("failed to insert env run %s: %w", env.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run record: %w", err)
	}

	log.Debug().
		Str("run_id", report.ID).
		Int("envs", len(report.Envs)).
		Msg("Run recorded")
	return nil
}

func (r *SQLHistoryRepository) RecentRuns(ctx context.Context, env string, limit int) ([]RunRow, error) {
	if limit <= 0 {
		limit = 20
	}

	var (
		runs []RunRow
		err  error
	)
	if env == "" {
		err = r.db.SelectContext(ctx, &runs,
			`SELECT id, started_at, duration_ms, selected, passed
			 FROM runs ORDER BY started_at DESC, id LIMIT ?`, limit)
	} else {
		err = r.db.SelectContext(ctx, &runs,
			`SELECT r.id, r.started_at, r.duration_ms, r.selected, r.passed
			 FROM runs r
			 JOIN env_runs e ON e.run_id = r.id
			 WHERE e.env = ?
			 ORDER BY r.started_at DESC, r.id LIMIT ?`, env, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	if len(runs) == 0 {
		return runs, nil
	}

	ids := make([]string, len(runs))
	byID := make(map[string]*RunRow, len(runs))
	for i := range runs {
		ids[i] = runs[i].ID
		byID[runs[i].ID] = &runs[i]
	}

	query, args, err := sqlx.In(
		`SELECT run_id, env, status, exit_code, duration_ms
		 FROM env_runs WHERE run_id IN (?) ORDER BY rowid`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to build env run query: %w", err)
	}

	var envRows []EnvRunRow
	if err := r.db.SelectContext(ctx, &envRows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list env runs: %w", err)
	}
	for _, row := range envRows {
		run := byID[row.RunID]
		run.Envs = append(run.Envs, row)
	}

	return runs, nil
}

func (r *SQLHistoryRepository) LastFailedEnvs(ctx context.Context, envs []string) (map[string]bool, error) {
	failed := make(map[string]bool, len(envs))
	if len(envs) == 0 {
		return failed, nil
	}

	// Latest outcome per environment wins; insertion order tracks run order.
	query, args, err := sqlx.In(
		`SELECT env, status FROM env_runs
		 WHERE rowid IN (SELECT MAX(rowid) FROM env_runs WHERE env IN (?) GROUP BY env)`, envs)
	if err != nil {
		return nil, fmt.Errorf("failed to build outcome query: %w", err)
	}

	var rows []EnvRunRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query last outcomes: %w", err)
	}
	for _, row := range rows {
		failed[row.Env] = row.Status == string(models.RunStatusFailed)
	}

	return failed, nil
}

var _ HistoryRepository = (*SQLHistoryRepository)(nil)
