package environments

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/envrun/envrun/internal/execution"
	"github.com/envrun/envrun/internal/models"
	"github.com/envrun/envrun/internal/project"
	"github.com/envrun/envrun/pkg/logger"
)

// LocalEnvironment runs commands as host processes with a scrubbed
// process environment.
type LocalEnvironment struct {
	env      *project.ResolvedEnv
	opts     Options
	executor *execution.LocalExecutor

	needsInstall bool
}

func NewLocalEnvironment(env *project.ResolvedEnv, opts Options) *LocalEnvironment {
	return &LocalEnvironment{
		env:      env,
		opts:     opts,
		executor: execution.NewLocalExecutor(opts.DefaultTimeout),
	}
}

func (e *LocalEnvironment) Setup(ctx context.Context) error {
	log := logger.WithComponent("environments")

	hash := ProvisionHash(e.env)
	state := readState(e.env.EnvDir)

	recreate := e.opts.Recreate || e.env.Recreate
	if state != nil && state.Hash != hash {
		log.Info().Str("env", e.env.Name).Msg("Environment config changed, recreating")
		recreate = true
	}
	if recreate {
		if err := os.RemoveAll(e.env.EnvDir); err != nil {
			return fmt.Errorf("failed to remove %s: %w", e.env.EnvDir, err)
		}
		state = nil
	}

	if err := os.MkdirAll(e.env.EnvTmpDir, 0755); err != nil {
		return fmt.Errorf("failed to create environment directory: %w", err)
	}

	e.needsInstall = state == nil
	if !e.needsInstall {
		log.Debug().Str("env", e.env.Name).Msg("Reusing existing environment")
	}
	return nil
}

func (e *LocalEnvironment) Install(ctx context.Context, deps []string) error {
	log := logger.WithComponent("environments")

	if !e.needsInstall {
		log.Debug().Str("env", e.env.Name).Msg("Environment up to date, skipping install")
		return nil
	}
	if e.env.InstallCommand == nil {
		return e.commit()
	}

	log.Info().Str("env", e.env.Name).Int("deps", len(deps)).Msg("Installing dependencies")
	result, err := e.executor.Execute(ctx, execution.Spec{
		Argv:    e.env.InstallCommand.Argv,
		Dir:     e.env.RootDir,
		Env:     ComputeEnv(e.env, e.env.EnvDir),
		Timeout: e.env.Timeout,
		Label:   e.env.Name,
		OnLine:  e.opts.OnLine,
	})
	if err != nil {
		return fmt.Errorf("install failed: %w", err)
	}
	if result.Failed() {
		return fmt.Errorf("install command exited with code %d", result.ExitCode)
	}
	return e.commit()
}

// commit marks the directory consistent with the current config.
func (e *LocalEnvironment) commit() error {
	e.needsInstall = false
	return writeState(e.env.EnvDir, ProvisionHash(e.env))
}

func (e *LocalEnvironment) Exec(ctx context.Context, cmd project.Command) (*models.CommandResult, error) {
	if len(cmd.Argv) == 0 {
		return nil, errors.New("empty command")
	}
	if err := checkAllowlist(e.env, cmd.Argv[0]); err != nil {
		return nil, err
	}
	return e.executor.Execute(ctx, execution.Spec{
		Argv:       cmd.Argv,
		Dir:        e.env.ChangeDir,
		Env:        ComputeEnv(e.env, e.env.EnvDir),
		Timeout:    e.env.Timeout,
		IgnoreExit: cmd.IgnoreExit,
		Label:      e.env.Name,
		OnLine:     e.opts.OnLine,
	})
}

func (e *LocalEnvironment) Teardown(ctx context.Context) error {
	return nil
}

func (e *LocalEnvironment) Type() project.Runtime {
	return project.RuntimeLocal
}
