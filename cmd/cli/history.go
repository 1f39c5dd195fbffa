package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/envrun/envrun/internal/config"
	"github.com/envrun/envrun/pkg/logger"
)

// RunHistory prints recent runs from the history store, newest first.
func RunHistory(flags RunFlags, env string, limit int, asJSON bool) int {
	log := logger.Get().With().Str("component", "cli").Logger()

	cfg, err := config.LoadConfig(flags.Settings)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load settings")
	}

	proj, err := loadProject(flags.Config)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load project")
	}

	db, repo, err := openHistory(cfg, workDirFor(proj, cfg, flags.WorkDir))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open run history")
	}
	if repo == nil {
		log.Error().Msg("Run history is disabled in settings")
		return 1
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	runs, err := repo.RecentRuns(ctx, env, limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read run history")
		return 1
	}

	if asJSON {
		data, err := json.MarshalIndent(runs, "", "  ")
		if err != nil {
			log.Error().Err(err).Msg("Failed to render history")
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	if len(runs) == 0 {
		fmt.Println("no recorded runs")
		return 0
	}

	for _, run := range runs {
		outcome := "failed"
		if run.Passed {
			outcome = "passed"
		}
		fmt.Printf("%s  %-6s  %6.1fs  %s\n",
			run.StartedTime().Format("2006-01-02 15:04:05"),
			outcome,
			float64(run.DurationMS)/1000.0,
			strings.ReplaceAll(run.Selected, ",", ", "))
		for _, envRun := range run.Envs {
			fmt.Printf("    %s: %s (exit %d, %.1fs)\n",
				envRun.Env, envRun.Status, envRun.ExitCode,
				float64(envRun.DurationMS)/1000.0)
		}
	}

	return 0
}
