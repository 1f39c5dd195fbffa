package cli

import (
	"encoding/json"
	"fmt"

	"github.com/envrun/envrun/internal/config"
	"github.com/envrun/envrun/internal/project"
	"github.com/envrun/envrun/pkg/logger"
)

type showConfigOutput struct {
	ConfigPath string                   `json:"config_path"`
	Global     project.GlobalConfig     `json:"envrun"`
	Envs       []*project.ResolvedEnv   `json:"envs"`
	Foreign    []project.ForeignSection `json:"foreign_sections,omitempty"`
}

// RunShowConfig prints the effective configuration of the requested
// environments (all of them by default) after inheritance and
// substitution. Values that depend on a live run, such as the packaging
// artifact, stay as placeholders.
func RunShowConfig(flags RunFlags) int {
	log := logger.Get().With().Str("component", "cli").Logger()

	cfg, err := config.LoadConfig(flags.Settings)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load settings")
	}

	proj, err := loadProject(flags.Config)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load project")
	}

	names := flags.Envs
	if len(names) == 0 {
		names = proj.EnvNames()
	}

	rc := project.RunContext{
		WorkDir: workDirFor(proj, cfg, flags.WorkDir),
		PosArgs: flags.PosArgs,
		Lenient: true,
	}

	out := showConfigOutput{
		ConfigPath: proj.ConfigPath,
		Global:     proj.Global,
		Foreign:    proj.Foreign,
	}
	for _, name := range names {
		env, err := proj.Resolve(name, rc)
		if err != nil {
			log.Fatal().Err(err).Str("env", name).Msg("Failed to resolve environment")
		}
		out.Envs = append(out.Envs, env)
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to render config")
	}
	fmt.Println(string(data))

	return 0
}
