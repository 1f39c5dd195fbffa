package storage

import (
	"context"
	"time"

	"github.com/envrun/envrun/internal/models"
)

// HistoryRepository records finished runs and answers queries about past
// outcomes, such as which environments failed most recently.
type HistoryRepository interface {
	Migrate(ctx context.Context) error

	RecordRun(ctx context.Context, report *models.RunReport) error

	RecentRuns(ctx context.Context, env string, limit int) ([]RunRow, error)

	LastFailedEnvs(ctx context.Context, envs []string) (map[string]bool, error)
}

// RunRow is one recorded invocation.
type RunRow struct {
	ID         string      `db:"id" json:"id"`
	StartedAt  int64       `db:"started_at" json:"started_at"`
	DurationMS int64       `db:"duration_ms" json:"duration_ms"`
	Selected   string      `db:"selected" json:"selected"`
	Passed     bool        `db:"passed" json:"passed"`
	Envs       []EnvRunRow `db:"-" json:"envs,omitempty"`
}

// StartedTime converts the stored millisecond timestamp back to UTC.
func (r RunRow) StartedTime() time.Time {
	return time.UnixMilli(r.StartedAt).UTC()
}

// EnvRunRow is one environment outcome within a recorded run.
type EnvRunRow struct {
	RunID      string `db:"run_id" json:"-"`
	Env        string `db:"env" json:"env"`
	Status     string `db:"status" json:"status"`
	ExitCode   int    `db:"exit_code" json:"exit_code"`
	DurationMS int64  `db:"duration_ms" json:"duration_ms"`
}
