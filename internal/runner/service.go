package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/envrun/envrun/internal/config"
	"github.com/envrun/envrun/internal/environments"
	"github.com/envrun/envrun/internal/execution"
	"github.com/envrun/envrun/internal/execution/sandbox"
	"github.com/envrun/envrun/internal/models"
	"github.com/envrun/envrun/internal/project"
	"github.com/envrun/envrun/internal/storage"
	"github.com/envrun/envrun/internal/telemetry"
	"github.com/envrun/envrun/pkg/logger"
)

// Service orchestrates runs: selection, packaging, provisioning and command
// execution across the configured environments.
type Service struct {
	project *project.Project
	cfg     *config.Config
	history storage.HistoryRepository
	events  EventSink

	mu         sync.RWMutex
	lastReport *models.RunReport
}

// NewService wires a run orchestrator. history may be nil when the store is
// disabled; events may be nil when nothing consumes them.
func NewService(proj *project.Project, cfg *config.Config, history storage.HistoryRepository, events EventSink) *Service {
	if events == nil {
		events = discardSink{}
	}
	return &Service{
		project: proj,
		cfg:     cfg,
		history: history,
		events:  events,
	}
}

// RunOptions are the per-invocation knobs of Service.Run.
type RunOptions struct {
	// Envs is the -e selection; empty means the configured envlist.
	Envs    []string
	PosArgs []string

	// Parallel caps concurrently running environments; values below 2 run
	// serially in plan order.
	Parallel    int
	Recreate    bool
	FailedFirst bool

	// ResultJSON, when set, is a path the finished report is written to.
	ResultJSON string
	// WorkDir overrides the state root; empty means <rootdir>/.envrun.
	WorkDir string
}

// Project exposes the loaded project for read-only consumers.
func (s *Service) Project() *project.Project {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.project
}

// Reload swaps the project definition for subsequent runs. Serve mode
// calls this after the project file changes on disk; a run already in
// flight keeps the definition it started with.
func (s *Service) Reload(proj *project.Project) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.project = proj
}

// LastReport returns the most recently finished run report, or nil before
// the first run completes.
func (s *Service) LastReport() *models.RunReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastReport
}

// Run executes one full invocation: plan, package, then every selected
// environment. Infrastructure problems return an error; environments that
// ran and failed are reported through the returned RunReport instead.
func (s *Service) Run(ctx context.Context, opts RunOptions) (*models.RunReport, error) {
	log := logger.WithComponent("runner")

	s.mu.RLock()
	proj := s.project
	s.mu.RUnlock()

	selected, err := proj.Select(opts.Envs)
	if err != nil {
		return nil, err
	}

	priority := make(map[string]int)
	if opts.FailedFirst {
		if s.history == nil {
			log.Warn().Msg("--failed-first needs the history store, keeping configured order")
		} else if failed, err := s.history.LastFailedEnvs(ctx, selected); err != nil {
			log.Warn().Err(err).Msg("Failed to load run history, keeping configured order")
		} else {
			for name, wasFailed := range failed {
				if wasFailed {
					priority[name] = -1
				}
			}
		}
	}

	plan, err := BuildPlan(proj, selected, priority)
	if err != nil {
		return nil, err
	}

	workDir := opts.WorkDir
	if workDir == "" && s.cfg.Defaults.WorkDirName != "" {
		workDir = filepath.Join(proj.RootDir, s.cfg.Defaults.WorkDirName)
	}
	rc := project.RunContext{WorkDir: workDir, PosArgs: opts.PosArgs}
	if err := os.MkdirAll(proj.WorkDir(rc), 0755); err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}

	report := models.NewRunReport(selected, opts.PosArgs)

	ctx, span := telemetry.Tracer().Start(ctx, "run")
	defer span.End()
	span.SetAttributes(
		attribute.String("run_id", report.ID),
		attribute.StringSlice("envs", selected),
	)

	started := models.NewEvent(models.EventRunStarted)
	started.RunID = report.ID
	s.events.Publish(started)

	log.Info().
		Str("run_id", report.ID).
		Strs("envs", plan.Ordered).
		Int("parallel", opts.Parallel).
		Msg("Run started")

	executor := execution.NewLocalExecutor(s.cfg.Defaults.CommandTimeout)
	dist, err := buildPackage(ctx, proj, rc, executor)
	if err != nil {
		return nil, fmt.Errorf("packaging failed: %w", err)
	}
	rc.DistFile = dist

	resolved := make(map[string]*project.ResolvedEnv, len(plan.Ordered))
	for _, name := range plan.Ordered {
		env, err := proj.Resolve(name, rc)
		if err != nil {
			return nil, err
		}
		resolved[name] = env
	}

	if opts.Parallel > 1 {
		s.runParallel(ctx, plan, resolved, report, opts)
	} else {
		s.runSerial(ctx, plan, resolved, report, opts)
	}

	report.Finish()
	telemetry.RecordRun(ctx, report.Passed)

	s.mu.Lock()
	s.lastReport = report
	s.mu.Unlock()

	finished := models.NewEvent(models.EventRunFinished)
	finished.RunID = report.ID
	if report.Passed {
		finished.Status = models.RunStatusPassed
	} else {
		finished.Status = models.RunStatusFailed
	}
	s.events.Publish(finished)

	log.Info().
		Str("run_id", report.ID).
		Bool("passed", report.Passed).
		Int64("duration_ms", report.DurationMS).
		Msg("Run finished")

	s.recordHistory(report)

	if opts.ResultJSON != "" {
		if err := writeResultJSON(opts.ResultJSON, report); err != nil {
			return report, err
		}
	}

	return report, nil
}

func (s *Service) runSerial(ctx context.Context, plan *Plan, resolved map[string]*project.ResolvedEnv, report *models.RunReport, opts RunOptions) {
	for _, name := range plan.Ordered {
		if ctx.Err() != nil {
			report.Envs = append(report.Envs, skippedReport(name))
			continue
		}
		report.Envs = append(report.Envs, *s.runEnv(ctx, resolved[name], report.ID, opts))
	}
}

// runParallel submits environments in plan order to a bounded group. A
// dependent waits on its dependencies' done channels before executing;
// because dependencies are always submitted first, every waiter's
// dependency chain is already running or finished and the group cannot
// deadlock.
func (s *Service) runParallel(ctx context.Context, plan *Plan, resolved map[string]*project.ResolvedEnv, report *models.RunReport, opts RunOptions) {
	done := make(map[string]chan struct{}, len(plan.Ordered))
	for _, name := range plan.Ordered {
		done[name] = make(chan struct{})
	}

	var mu sync.Mutex
	results := make(map[string]*models.EnvReport, len(plan.Ordered))

	var g errgroup.Group
	g.SetLimit(opts.Parallel)

	for _, name := range plan.Ordered {
		name := name
		env := resolved[name]
		g.Go(func() error {
			defer close(done[name])

			for _, dep := range plan.DependsOn[name] {
				select {
				case <-done[dep]:
				case <-ctx.Done():
				}
			}

			var result *models.EnvReport
			if ctx.Err() != nil {
				skipped := skippedReport(name)
				result = &skipped
			} else {
				result = s.runEnv(ctx, env, report.ID, opts)
			}

			mu.Lock()
			results[name] = result
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for _, name := range plan.Ordered {
		report.Envs = append(report.Envs, *results[name])
	}
}

// runEnv takes one environment through its full lifecycle: setup, install,
// commands, teardown. The first failing command fails the environment and
// skips the rest.
func (s *Service) runEnv(ctx context.Context, env *project.ResolvedEnv, runID string, opts RunOptions) *models.EnvReport {
	log := logger.WithComponent("runner")

	report := &models.EnvReport{Name: env.Name, StartedAt: time.Now().UTC()}
	timer := time.Now()
	telemetry.RecordEnvActive(1)
	defer telemetry.RecordEnvActive(-1)
	defer func() {
		elapsed := time.Since(timer)
		report.DurationMS = elapsed.Milliseconds()
		telemetry.RecordEnvOutcome(ctx, env.Name, string(report.Status), elapsed)
		s.publishEnvEvent(models.EventEnvFinished, runID, env.Name, report.Status)

		log.Info().
			Str("env", env.Name).
			Str("status", string(report.Status)).
			Int64("duration_ms", report.DurationMS).
			Msg("Environment finished")
	}()

	ctx, span := telemetry.Tracer().Start(ctx, "env "+env.Name)
	defer span.End()

	s.publishEnvEvent(models.EventEnvStarted, runID, env.Name, "")
	log.Info().
		Str("env", env.Name).
		Str("runtime", string(env.Runtime)).
		Msg("Environment started")

	environment, err := environments.New(env, s.envOptions(env, runID, opts))
	if err != nil {
		return failReport(report, err)
	}

	if err := environment.Setup(ctx); err != nil {
		return failReport(report, fmt.Errorf("setup failed: %w", err))
	}
	defer func() {
		if err := environment.Teardown(context.Background()); err != nil {
			log.Warn().Err(err).Str("env", env.Name).Msg("Teardown failed")
		}
	}()

	if err := environment.Install(ctx, env.Deps); err != nil {
		return failReport(report, fmt.Errorf("install failed: %w", err))
	}

	for _, cmd := range env.Commands {
		if ctx.Err() != nil {
			return failReport(report, ctx.Err())
		}

		cmdCtx, cmdSpan := telemetry.Tracer().Start(ctx, "command "+cmd.Argv[0])
		result, err := environment.Exec(cmdCtx, cmd)
		cmdSpan.End()
		if err != nil {
			return failReport(report, err)
		}

		report.Commands = append(report.Commands, *result)
		if result.Failed() {
			report.Status = models.RunStatusFailed
			report.ExitCode = result.ExitCode
			log.Error().
				Str("env", env.Name).
				Strs("argv", result.Argv).
				Int("exit_code", result.ExitCode).
				Bool("timed_out", result.TimedOut).
				Msg("Command failed, skipping the rest")
			return report
		}
	}

	report.Status = models.RunStatusPassed
	return report
}

func (s *Service) envOptions(env *project.ResolvedEnv, runID string, opts RunOptions) environments.Options {
	return environments.Options{
		DefaultTimeout: s.cfg.Defaults.CommandTimeout,
		Recreate:       opts.Recreate,
		Docker: sandbox.Config{
			MemoryLimit: s.cfg.Docker.MemoryLimit,
			CPULimit:    s.cfg.Docker.CPULimit,
			PullPolicy:  s.cfg.Docker.PullPolicy,
		},
		ExtraMounts: s.cfg.Docker.ExtraMounts,
		OnLine: func(line string) {
			event := models.NewEvent(models.EventCommandOutput)
			event.RunID = runID
			event.Env = env.Name
			event.Line = line
			s.events.Publish(event)
		},
	}
}

func (s *Service) publishEnvEvent(t models.EventType, runID, envName string, status models.RunStatus) {
	event := models.NewEvent(t)
	event.RunID = runID
	event.Env = envName
	event.Status = status
	s.events.Publish(event)
}

// recordHistory persists the report best-effort; a broken store never fails
// the run.
func (s *Service) recordHistory(report *models.RunReport) {
	if s.history == nil {
		return
	}
	log := logger.WithComponent("runner")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.history.RecordRun(ctx, report); err != nil {
		log.Warn().Err(err).Str("run_id", report.ID).Msg("Failed to record run history")
	}
}

func failReport(report *models.EnvReport, err error) *models.EnvReport {
	report.Status = models.RunStatusFailed
	report.Error = err.Error()
	return report
}

func skippedReport(name string) models.EnvReport {
	return models.EnvReport{
		Name:      name,
		Status:    models.RunStatusSkipped,
		StartedAt: time.Now().UTC(),
	}
}

func writeResultJSON(path string, report *models.RunReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}
