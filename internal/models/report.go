package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type RunStatus string

const (
	RunStatusPassed  RunStatus = "passed"
	RunStatusFailed  RunStatus = "failed"
	RunStatusSkipped RunStatus = "skipped"
)

// CommandResult is the outcome of one executed command line.
type CommandResult struct {
	Argv       []string `json:"argv"`
	ExitCode   int      `json:"exit_code"`
	DurationMS int64    `json:"duration_ms"`
	Output     string   `json:"output,omitempty"`
	TimedOut   bool     `json:"timed_out,omitempty"`
	Ignored    bool     `json:"ignored,omitempty"`
}

// Failed reports whether this result fails its environment. A non-zero
// exit tolerated by the `-` command prefix does not.
func (r *CommandResult) Failed() bool {
	return (r.ExitCode != 0 || r.TimedOut) && !r.Ignored
}

type EnvReport struct {
	Name       string          `json:"name" db:"env"`
	Status     RunStatus       `json:"status" db:"status"`
	ExitCode   int             `json:"exit_code" db:"exit_code"`
	StartedAt  time.Time       `json:"started_at"`
	DurationMS int64           `json:"duration_ms" db:"duration_ms"`
	Error      string          `json:"error,omitempty"`
	Commands   []CommandResult `json:"commands,omitempty"`
}

// RunReport aggregates one invocation across its selected environments.
type RunReport struct {
	ID         string      `json:"id" db:"id"`
	StartedAt  time.Time   `json:"started_at" db:"started_at"`
	DurationMS int64       `json:"duration_ms" db:"duration_ms"`
	Selected   []string    `json:"selected"`
	PosArgs    []string    `json:"posargs,omitempty"`
	Passed     bool        `json:"passed" db:"passed"`
	Envs       []EnvReport `json:"envs"`
}

func NewRunReport(selected, posargs []string) *RunReport {
	return &RunReport{
		ID:        uuid.NewString(),
		StartedAt: time.Now().UTC(),
		Selected:  selected,
		PosArgs:   posargs,
	}
}

// Finish stamps the duration and computes the overall outcome. A run
// passes only when every selected environment passed.
func (r *RunReport) Finish() {
	r.DurationMS = time.Since(r.StartedAt).Milliseconds()
	r.Passed = len(r.Envs) == len(r.Selected)
	for _, env := range r.Envs {
		if env.Status != RunStatusPassed {
			r.Passed = false
			break
		}
	}
}

// Env returns the report for one environment, if present.
func (r *RunReport) Env(name string) *EnvReport {
	for i := range r.Envs {
		if r.Envs[i].Name == name {
			return &r.Envs[i]
		}
	}
	return nil
}

// Summary renders the one-line-per-env console footer.
func (r *RunReport) Summary() string {
	out := ""
	passed, failed, skipped := 0, 0, 0
	for _, env := range r.Envs {
		switch env.Status {
		case RunStatusPassed:
			passed++
		case RunStatusFailed:
			failed++
		case RunStatusSkipped:
			skipped++
		}
		out += fmt.Sprintf("  %s: %s (%.1fs)\n", env.Name, env.Status,
			float64(env.DurationMS)/1000.0)
	}
	out += fmt.Sprintf("  passed=%d failed=%d skipped=%d total=%.1fs",
		passed, failed, skipped, float64(r.DurationMS)/1000.0)
	return out
}
