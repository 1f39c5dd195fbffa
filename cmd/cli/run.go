package cli

import (
	"context"
	"fmt"

	"github.com/envrun/envrun/internal/config"
	"github.com/envrun/envrun/internal/runner"
	"github.com/envrun/envrun/internal/telemetry"
	"github.com/envrun/envrun/pkg/logger"
)

// RunFlags carries the command line options shared by the run and serve
// commands.
type RunFlags struct {
	Config      string
	Settings    string
	WorkDir     string
	Envs        []string
	PosArgs     []string
	Parallel    int
	Recreate    bool
	FailedFirst bool
	ResultJSON  string
	Addr        string
}

// RunRun executes the selected environments once and returns the process
// exit code.
func RunRun(flags RunFlags) int {
	log := logger.Get().With().Str("component", "cli").Logger()

	cfg, err := config.LoadConfig(flags.Settings)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load settings")
	}
	if flags.Parallel > 0 {
		cfg.Defaults.Parallel = flags.Parallel
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

	svc := runner.NewService(proj, cfg, history, nil)

	report, err := svc.Run(ctx, runner.RunOptions{
		Envs:        flags.Envs,
		PosArgs:     flags.PosArgs,
		Parallel:    cfg.Defaults.Parallel,
		Recreate:    flags.Recreate,
		FailedFirst: flags.FailedFirst,
		ResultJSON:  flags.ResultJSON,
		WorkDir:     flags.WorkDir,
	})
	if err != nil {
		log.Error().Err(err).Msg("Run aborted")
		return 1
	}

	fmt.Println(report.Summary())
	if !report.Passed {
		return 1
	}
	return 0
}
