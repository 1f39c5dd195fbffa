package cli

import (
	"os"
	"path/filepath"

	"github.com/envrun/envrun/internal/config"
	"github.com/envrun/envrun/pkg/logger"
)

// RunClean removes cached environment state. With all set the whole state
// directory goes, otherwise only the named (default: every defined)
// environment directories.
func RunClean(flags RunFlags, all bool) int {
	log := logger.Get().With().Str("component", "cli").Logger()

	cfg, err := config.LoadConfig(flags.Settings)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load settings")
	}

	proj, err := loadProject(flags.Config)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load project")
	}

	workDir := workDirFor(proj, cfg, flags.WorkDir)

	if all {
		log.Info().Str("workdir", workDir).Msg("Removing state directory")
		if err := os.RemoveAll(workDir); err != nil {
			log.Error().Err(err).Msg("Clean failed")
			return 1
		}
		return 0
	}

	names := flags.Envs
	if len(names) == 0 {
		names = proj.EnvNames()
	}

	for _, name := range names {
		if _, err := proj.Env(name); err != nil {
			log.Fatal().Err(err).Str("env", name).Msg("Unknown environment")
		}

		dir := filepath.Join(workDir, name)
		log.Info().Str("env", name).Str("dir", dir).Msg("Removing environment directory")
		if err := os.RemoveAll(dir); err != nil {
			log.Error().Err(err).Str("env", name).Msg("Clean failed")
			return 1
		}
	}

	return 0
}
