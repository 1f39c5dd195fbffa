package models_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/envrun/envrun/internal/models"
)

func TestCommandResultFailed(t *testing.T) {
	tests := []struct {
		name   string
		result models.CommandResult
		want   bool
	}{
		{name: "clean exit", result: models.CommandResult{ExitCode: 0}, want: false},
		{name: "non-zero exit", result: models.CommandResult{ExitCode: 2}, want: true},
		{name: "ignored non-zero exit", result: models.CommandResult{ExitCode: 2, Ignored: true}, want: false},
		{name: "timeout", result: models.CommandResult{ExitCode: -1, TimedOut: true}, want: true},
		{name: "ignored timeout", result: models.CommandResult{TimedOut: true, Ignored: true}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.result.Failed())
		})
	}
}

func TestRunReportFinish(t *testing.T) {
	t.Run("all passed", func(t *testing.T) {
		r := models.NewRunReport([]string{"a", "b"}, nil)
		require.NotEmpty(t, r.ID)
		r.Envs = append(r.Envs,
			models.EnvReport{Name: "a", Status: models.RunStatusPassed},
			models.EnvReport{Name: "b", Status: models.RunStatusPassed},
		)
		r.Finish()
		assert.True(t, r.Passed)
	})

	t.Run("one failed", func(t *testing.T) {
		r := models.NewRunReport([]string{"a", "b"}, nil)
		r.Envs = append(r.Envs,
			models.EnvReport{Name: "a", Status: models.RunStatusPassed},
			models.EnvReport{Name: "b", Status: models.RunStatusFailed},
		)
		r.Finish()
		assert.False(t, r.Passed)
	})

	t.Run("missing env report", func(t *testing.T) {
		r := models.NewRunReport([]string{"a", "b"}, nil)
		r.Envs = append(r.Envs, models.EnvReport{Name: "a", Status: models.RunStatusPassed})
		r.Finish()
		assert.False(t, r.Passed)
	})

	t.Run("skipped env", func(t *testing.T) {
		r := models.NewRunReport([]string{"a"}, nil)
		r.Envs = append(r.Envs, models.EnvReport{Name: "a", Status: models.RunStatusSkipped})
		r.Finish()
		assert.False(t, r.Passed)
	})
}

func TestRunReportEnv(t *testing.T) {
	r := models.NewRunReport([]string{"a"}, nil)
	r.Envs = append(r.Envs, models.EnvReport{Name: "a", Status: models.RunStatusPassed})

	env := r.Env("a")
	require.NotNil(t, env)
	assert.Equal(t, models.RunStatusPassed, env.Status)
	assert.Nil(t, r.Env("ghost"))

	// The pointer aliases the slice so callers can amend in place.
	env.ExitCode = 3
	assert.Equal(t, 3, r.Envs[0].ExitCode)
}

func TestRunReportSummary(t *testing.T) {
	r := models.NewRunReport([]string{"a", "b", "c"}, nil)
	r.StartedAt = time.Now().UTC().Add(-2 * time.Second)
	r.Envs = append(r.Envs,
		models.EnvReport{Name: "a", Status: models.RunStatusPassed, DurationMS: 1200},
		models.EnvReport{Name: "b", Status: models.RunStatusFailed, DurationMS: 300},
		models.EnvReport{Name: "c", Status: models.RunStatusSkipped},
	)
	r.Finish()

	s := r.Summary()
	assert.Contains(t, s, "a: passed (1.2s)")
	assert.Contains(t, s, "b: failed (0.3s)")
	assert.Contains(t, s, "passed=1 failed=1 skipped=1")
}
