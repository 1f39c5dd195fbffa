package storage_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/envrun/envrun/internal/models"
	"github.com/envrun/envrun/internal/storage"
	"github.com/envrun/envrun/pkg/database"
)

func newTestRepo(t *testing.T) *storage.SQLHistoryRepository {
	t.Helper()

	ctx := context.Background()
	db, err := database.Connect(ctx, filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo := storage.NewSQLHistoryRepository(db)
	require.NoError(t, repo.Migrate(ctx))
	return repo
}

func testReport(started time.Time, envs ...models.EnvReport) *models.RunReport {
	report := &models.RunReport{
		ID:        uuid.NewString(),
		StartedAt: started,
		Envs:      envs,
	}
	report.Passed = true
	for _, env := range envs {
		report.Selected = append(report.Selected, env.Name)
		if env.Status != models.RunStatusPassed {
			report.Passed = false
		}
	}
	return report
}

func TestHistoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	first := testReport(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
		models.EnvReport{Name: "unit", Status: models.RunStatusFailed, ExitCode: 1, DurationMS: 1200},
		models.EnvReport{Name: "docs", Status: models.RunStatusPassed, DurationMS: 800},
	)
	second := testReport(time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC),
		models.EnvReport{Name: "unit", Status: models.RunStatusPassed, DurationMS: 1100},
		models.EnvReport{Name: "style", Status: models.RunStatusFailed, ExitCode: 2, DurationMS: 300},
	)
	require.NoError(t, repo.RecordRun(ctx, first))
	require.NoError(t, repo.RecordRun(ctx, second))

	runs, err := repo.RecentRuns(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	assert.Equal(t, second.ID, runs[0].ID)
	assert.Equal(t, first.ID, runs[1].ID)
	assert.Equal(t, second.StartedAt, runs[0].StartedTime())
	assert.Equal(t, "unit,docs", runs[1].Selected)
	assert.False(t, runs[0].Passed)

	require.Len(t, runs[0].Envs, 2)
	assert.Equal(t, "unit", runs[0].Envs[0].Env)
	assert.Equal(t, "passed", runs[0].Envs[0].Status)
	assert.Equal(t, "style", runs[0].Envs[1].Env)
	assert.Equal(t, 2, runs[0].Envs[1].ExitCode)
	assert.Equal(t, int64(300), runs[0].Envs[1].DurationMS)

	require.Len(t, runs[1].Envs, 2)
	assert.Equal(t, 1, runs[1].Envs[0].ExitCode)
}

func TestRecentRunsFilterAndLimit(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	first := testReport(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
		models.EnvReport{Name: "unit", Status: models.RunStatusFailed, ExitCode: 1},
		models.EnvReport{Name: "docs", Status: models.RunStatusPassed},
	)
	second := testReport(time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC),
		models.EnvReport{Name: "unit", Status: models.RunStatusPassed},
	)
	require.NoError(t, repo.RecordRun(ctx, first))
	require.NoError(t, repo.RecordRun(ctx, second))

	docsOnly, err := repo.RecentRuns(ctx, "docs", 10)
	require.NoError(t, err)
	require.Len(t, docsOnly, 1)
	assert.Equal(t, first.ID, docsOnly[0].ID)

	newest, err := repo.RecentRuns(ctx, "", 1)
	require.NoError(t, err)
	require.Len(t, newest, 1)
	assert.Equal(t, second.ID, newest[0].ID)

	none, err := repo.RecentRuns(ctx, "missing", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestLastFailedEnvs(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	failed, err := repo.LastFailedEnvs(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, failed)

	first := testReport(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
		models.EnvReport{Name: "unit", Status: models.RunStatusFailed, ExitCode: 1},
		models.EnvReport{Name: "docs", Status: models.RunStatusPassed},
	)
	second := testReport(time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC),
		models.EnvReport{Name: "unit", Status: models.RunStatusPassed},
		models.EnvReport{Name: "style", Status: models.RunStatusFailed, ExitCode: 2},
	)
	require.NoError(t, repo.RecordRun(ctx, first))
	require.NoError(t, repo.RecordRun(ctx, second))

	failed, err = repo.LastFailedEnvs(ctx, []string{"unit", "docs", "style", "missing"})
	require.NoError(t, err)

	// The newest outcome wins, so unit's earlier failure is superseded.
	assert.Len(t, failed, 3)
	assert.False(t, failed["unit"])
	assert.False(t, failed["docs"])
	assert.True(t, failed["style"])
	_, ok := failed["missing"]
	assert.False(t, ok)
}

func TestMigrateIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	require.NoError(t, repo.Migrate(ctx))
}

func TestRecordRunInsertFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO runs").WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	repo := storage.NewSQLHistoryRepository(sqlx.NewDb(db, "sqlmock"))
	report := testReport(time.Now().UTC(),
		models.EnvReport{Name: "unit", Status: models.RunStatusPassed})

	err = repo.RecordRun(context.Background(), report)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to insert run")
	assert.NoError(t, mock.ExpectationsWereMet())
}
