package cli

import (
	"fmt"
	"strings"

	"github.com/envrun/envrun/pkg/logger"
)

// RunList prints every defined environment, marking the default selection
// with a star.
func RunList(configPath string) int {
	log := logger.Get().With().Str("component", "cli").Logger()

	proj, err := loadProject(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load project")
	}

	defaults := make(map[string]bool)
	for _, name := range proj.DefaultSelection() {
		defaults[name] = true
	}

	for _, name := range proj.EnvNames() {
		env, err := proj.Env(name)
		if err != nil {
			log.Fatal().Err(err).Str("env", name).Msg("Failed to read environment")
		}

		marker := " "
		if defaults[name] {
			marker = "*"
		}
		line := fmt.Sprintf("%s %-16s %s", marker, name, env.Description)
		fmt.Println(strings.TrimRight(line, " "))
	}

	return 0
}
