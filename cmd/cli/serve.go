package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/client"
	"github.com/rs/zerolog"

	"github.com/envrun/envrun/internal/config"
	"github.com/envrun/envrun/internal/monitoring/health"
	"github.com/envrun/envrun/internal/monitoring/metrics"
	"github.com/envrun/envrun/internal/project"
	"github.com/envrun/envrun/internal/runner"
	"github.com/envrun/envrun/internal/server"
	"github.com/envrun/envrun/internal/telemetry"
	"github.com/envrun/envrun/pkg/logger"
)

// RunServe runs the selected environments once, then keeps watching the
// project tree and re-runs on change while serving status endpoints and
// the websocket event stream.
func RunServe(flags RunFlags) int {
	log := logger.Get().With().Str("component", "cli").Logger()

	cfg, err := config.LoadConfig(flags.Settings)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load settings")
	}
	if flags.Parallel > 0 {
		cfg.Defaults.Parallel = flags.Parallel
	}
	if flags.Addr != "" {
		cfg.Serve.Addr = flags.Addr
	}

	proj, err := loadProject(flags.Config)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load project")
	}

	workDir := workDirFor(proj, cfg, flags.WorkDir)

	db, history, err := openHistory(cfg, workDir)
	if err != nil {
		log.Warn().Err(err).Msg("Run history unavailable")
	}
	if db != nil {
		defer db.Close()
	}

	ctx, cancel := signalContext()
	defer cancel()

	shutdownTelemetry, err := telemetry.InitTelemetry(ctx, cfg)
	if err != nil {
		log.Warn().Err(err).Msg("Telemetry setup failed")
		shutdownTelemetry = func(context.Context) error { return nil }
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Telemetry shutdown failed")
		}
	}()

	hub := server.NewHub()
	hub.Start()
	defer hub.Stop()

	svc := runner.NewService(proj, cfg, history, hub)

	checker := health.NewHealthChecker(30*time.Second, dockerClientFor(proj, log), db)
	checker.Start()
	defer checker.Stop()
	checker.SetComponent("config", health.StatusOK, proj.ConfigPath)

	system := metrics.NewSystemMetricsCollector(5 * time.Second)

	srv := server.NewServer(cfg.Serve.Addr, server.NewHandlers(svc, checker, system), hub)
	if err := srv.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start HTTP server")
	}

	runOpts := runner.RunOptions{
		Envs:        flags.Envs,
		PosArgs:     flags.PosArgs,
		Parallel:    cfg.Defaults.Parallel,
		Recreate:    flags.Recreate,
		FailedFirst: flags.FailedFirst,
		WorkDir:     flags.WorkDir,
	}

	runOnce := func(runCtx context.Context) {
		report, err := svc.Run(runCtx, runOpts)
		if err != nil {
			log.Error().Err(err).Msg("Run aborted")
			checker.SetComponent("last_run", health.StatusError, err.Error())
			return
		}

		fmt.Println(report.Summary())
		if report.Passed {
			checker.SetComponent("last_run", health.StatusOK, "all environments passed")
		} else {
			checker.SetComponent("last_run", health.StatusWarning, "environment failures, see /api/report")
		}
	}

	runOnce(ctx)

	watcher, err := runner.NewWatcher(proj.RootDir, workDir, cfg.Serve.WatchDebounce, cfg.Serve.IgnoreGlobs, hub)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start file watcher")
	}
	defer watcher.Close()
	checker.SetComponent("watcher", health.StatusOK, "watching "+proj.RootDir)

	watchErr := watcher.Watch(ctx, func(runCtx context.Context, paths []string) {
		reloadProject(svc, checker, paths)
		runOnce(runCtx)
	})
	if watchErr != nil {
		log.Error().Err(watchErr).Msg("Watcher failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	log.Info().Msg("Shutdown complete")
	if watchErr != nil {
		return 1
	}
	return 0
}

// dockerClientFor creates a docker client when at least one environment
// uses the docker runtime, so the health checker only probes a daemon the
// project actually needs.
func dockerClientFor(proj *project.Project, log zerolog.Logger) *client.Client {
	needed := false
	for _, name := range proj.EnvNames() {
		if env, err := proj.Env(name); err == nil && env.Runtime == project.RuntimeDocker {
			needed = true
			break
		}
	}
	if !needed {
		return nil
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		log.Warn().Err(err).Msg("Docker client unavailable, skipping docker health checks")
		return nil
	}
	return cli
}

// reloadProject re-parses the project file when the change batch touched
// it. A file that no longer parses keeps the previous definition and flags
// the config component; runs continue on the last good config.
func reloadProject(svc *runner.Service, checker *health.HealthChecker, paths []string) {
	configPath := svc.Project().ConfigPath

	touched := false
	for _, path := range paths {
		if path == configPath {
			touched = true
			break
		}
	}
	if !touched {
		return
	}

	proj, err := project.Load(configPath)
	if err != nil {
		logger.WithComponent("cli").Error().Err(err).Msg("Project file no longer parses, keeping previous config")
		checker.SetComponent("config", health.StatusError, err.Error())
		return
	}

	svc.Reload(proj)
	checker.SetComponent("config", health.StatusOK, configPath)
	logger.WithComponent("cli").Info().Str("config", configPath).Msg("Project configuration reloaded")
}
