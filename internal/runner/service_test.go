package runner_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/envrun/envrun/internal/config"
	"github.com/envrun/envrun/internal/models"
	"github.com/envrun/envrun/internal/project"
	"github.com/envrun/envrun/internal/runner"
	"github.com/envrun/envrun/internal/storage"
)

type captureSink struct {
	mu     sync.Mutex
	events []models.Event
}

func (c *captureSink) Publish(event models.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *captureSink) byType(t models.EventType) []models.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.Event
	for _, event := range c.events {
		if event.Type == t {
			out = append(out, event)
		}
	}
	return out
}

type fakeHistory struct {
	mu        sync.Mutex
	recorded  []*models.RunReport
	failed    map[string]bool
	recordErr error
}

func (f *fakeHistory) Migrate(context.Context) error { return nil }

func (f *fakeHistory) RecordRun(_ context.Context, report *models.RunReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recordErr != nil {
		return f.recordErr
	}
	f.recorded = append(f.recorded, report)
	return nil
}

func (f *fakeHistory) RecentRuns(context.Context, string, int) ([]storage.RunRow, error) {
	return nil, nil
}

func (f *fakeHistory) LastFailedEnvs(context.Context, []string) (map[string]bool, error) {
	return f.failed, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Defaults: config.DefaultsConfig{
			Parallel:       1,
			CommandTimeout: time.Minute,
			WorkDirName:    ".envrun",
		},
		Docker: config.DockerConfig{PullPolicy: "missing"},
	}
}

func writeProjectFile(t *testing.T, contents string) *runner.Service {
	t.Helper()
	return newService(t, contents, nil, nil)
}

func newService(t *testing.T, contents string, history storage.HistoryRepository, events runner.EventSink) *runner.Service {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "envrun.ini")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))

	proj, err := project.Load(path)
	require.NoError(t, err)
	return runner.NewService(proj, testConfig(), history, events)
}

// workDirOf mirrors the runner's workdir derivation for assertions.
func workDirOf(svc *runner.Service) string {
	return filepath.Join(svc.Project().RootDir, ".envrun")
}

func TestRunSerialPassAndFail(t *testing.T) {
	sink := &captureSink{}
	history := &fakeHistory{}
	svc := newService(t, `
[envrun]
envlist = good,bad
skipsdist = True

[testenv]
allowlist_externals = sh
commands = sh -c "echo hello from {envname}"

[testenv:bad]
allowlist_externals = sh
commands =
	sh -c "echo first"
	sh -c "exit 3"
	sh -c "echo never runs"
`, history, sink)

	resultPath := filepath.Join(t.TempDir(), "report.json")
	report, err := svc.Run(context.Background(), runner.RunOptions{ResultJSON: resultPath})
	require.NoError(t, err)

	assert.False(t, report.Passed)
	require.Len(t, report.Envs, 2)

	good := report.Envs[0]
	assert.Equal(t, "good", good.Name)
	assert.Equal(t, models.RunStatusPassed, good.Status)
	require.Len(t, good.Commands, 1)
	assert.Contains(t, good.Commands[0].Output, "hello from good")

	bad := report.Envs[1]
	assert.Equal(t, models.RunStatusFailed, bad.Status)
	assert.Equal(t, 3, bad.ExitCode)
	// The failing command stops the environment before the third command.
	require.Len(t, bad.Commands, 2)
	assert.Equal(t, 3, bad.Commands[1].ExitCode)

	// A provisioned environment leaves its state file behind for reuse.
	_, err = os.Stat(filepath.Join(workDirOf(svc), "good", ".envrun-state.json"))
	assert.NoError(t, err)

	data, err := os.ReadFile(resultPath)
	require.NoError(t, err)
	var decoded models.RunReport
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, report.ID, decoded.ID)

	require.Len(t, history.recorded, 1)
	assert.Equal(t, report.ID, history.recorded[0].ID)

	assert.Len(t, sink.byType(models.EventRunStarted), 1)
	assert.Len(t, sink.byType(models.EventEnvStarted), 2)
	assert.Len(t, sink.byType(models.EventEnvFinished), 2)
	finished := sink.byType(models.EventRunFinished)
	require.Len(t, finished, 1)
	assert.Equal(t, models.RunStatusFailed, finished[0].Status)
	assert.NotEmpty(t, sink.byType(models.EventCommandOutput))

	assert.Equal(t, report, svc.LastReport())
}

func TestRunIgnoreExitPrefix(t *testing.T) {
	svc := writeProjectFile(t, `
[envrun]
envlist = soft
skipsdist = True

[testenv]
allowlist_externals = sh
commands =
	- sh -c "exit 5"
	sh -c "echo survived"
`)

	report, err := svc.Run(context.Background(), runner.RunOptions{})
	require.NoError(t, err)

	assert.True(t, report.Passed)
	env := report.Envs[0]
	assert.Equal(t, models.RunStatusPassed, env.Status)
	require.Len(t, env.Commands, 2)
	assert.Equal(t, 5, env.Commands[0].ExitCode)
	assert.True(t, env.Commands[0].Ignored)
	assert.Contains(t, env.Commands[1].Output, "survived")
}

func TestRunPackaging(t *testing.T) {
	svc := writeProjectFile(t, `
[envrun]
envlist = pkg
package_command = sh -c "echo artifact > {workdir}/dist/out.txt"

[testenv]
allowlist_externals = sh, cat
commands = cat {distfile}
`)

	report, err := svc.Run(context.Background(), runner.RunOptions{})
	require.NoError(t, err)

	require.True(t, report.Passed, "report: %+v", report)
	env := report.Envs[0]
	require.Len(t, env.Commands, 1)
	assert.Contains(t, env.Commands[0].Output, "artifact")
	assert.Contains(t, env.Commands[0].Argv[1], filepath.Join("dist", "out.txt"))
}

func TestRunPackagingFailureAborts(t *testing.T) {
	svc := writeProjectFile(t, `
[envrun]
envlist = never
package_command = sh -c "exit 1"

[testenv]
allowlist_externals = sh
commands = sh -c "echo should not run"
`)

	report, err := svc.Run(context.Background(), runner.RunOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "packaging failed")
	assert.Nil(t, report)
}

func TestRunParallelHonorsDepends(t *testing.T) {
	svc := writeProjectFile(t, `
[envrun]
envlist = one,two,three
skipsdist = True

[testenv]
allowlist_externals = sh
commands = sh -c "echo {envname} >> {workdir}/order.txt"

[testenv:two]
depends = one
allowlist_externals = sh
commands = sh -c "echo {envname} >> {workdir}/order.txt"
`)

	report, err := svc.Run(context.Background(), runner.RunOptions{Parallel: 2})
	require.NoError(t, err)
	assert.True(t, report.Passed)

	// Report order follows the plan regardless of completion order.
	names := make([]string, 0, len(report.Envs))
	for _, env := range report.Envs {
		names = append(names, env.Name)
	}
	assert.Equal(t, []string{"one", "two", "three"}, names)

	data, err := os.ReadFile(filepath.Join(workDirOf(svc), "order.txt"))
	require.NoError(t, err)
	lines := strings.Fields(string(data))
	require.Len(t, lines, 3)
	assert.Less(t, indexOf(lines, "one"), indexOf(lines, "two"),
		"dependency must finish before its dependent starts")
}

func TestRunFailedFirstReordersSelection(t *testing.T) {
	contents := `
[envrun]
envlist = unit,style
skipsdist = True

[testenv]
commands = true
`
	history := &fakeHistory{failed: map[string]bool{"style": true}}
	svc := newService(t, contents, history, nil)

	report, err := svc.Run(context.Background(), runner.RunOptions{FailedFirst: true})
	require.NoError(t, err)
	require.Len(t, report.Envs, 2)
	assert.Equal(t, "style", report.Envs[0].Name)

	svc = newService(t, contents, history, nil)
	report, err = svc.Run(context.Background(), runner.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, "unit", report.Envs[0].Name)
}

func TestRunUnknownEnvSelection(t *testing.T) {
	svc := writeProjectFile(t, `
[envrun]
envlist = unit
skipsdist = True

[testenv]
commands = true
`)

	_, err := svc.Run(context.Background(), runner.RunOptions{Envs: []string{"nope"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}

func TestRunCancelledContextSkips(t *testing.T) {
	svc := writeProjectFile(t, `
[envrun]
envlist = unit,docs
skipsdist = True

[testenv]
commands = true
`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := svc.Run(ctx, runner.RunOptions{})
	require.NoError(t, err)
	assert.False(t, report.Passed)
	for _, env := range report.Envs {
		assert.Equal(t, models.RunStatusSkipped, env.Status)
	}
}

func TestRunHistoryFailureTolerated(t *testing.T) {
	history := &fakeHistory{recordErr: context.DeadlineExceeded}
	svc := newService(t, `
[envrun]
envlist = unit
skipsdist = True

[testenv]
commands = true
`, history, nil)

	report, err := svc.Run(context.Background(), runner.RunOptions{})
	require.NoError(t, err)
	assert.True(t, report.Passed)
}

func TestRunAllowlistBlocksCommand(t *testing.T) {
	svc := writeProjectFile(t, `
[envrun]
envlist = locked
skipsdist = True

[testenv]
allowlist_externals = rsync
commands = sh -c "echo nope"
`)

	report, err := svc.Run(context.Background(), runner.RunOptions{})
	require.NoError(t, err)

	env := report.Envs[0]
	assert.Equal(t, models.RunStatusFailed, env.Status)
	assert.Contains(t, env.Error, "not allowed")
	assert.Empty(t, env.Commands)
}

func indexOf(values []string, want string) int {
	for i, v := range values {
		if v == want {
			return i
		}
	}
	return -1
}
