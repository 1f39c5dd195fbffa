package environments

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/envrun/envrun/internal/execution"
	"github.com/envrun/envrun/internal/execution/sandbox"
	"github.com/envrun/envrun/internal/models"
	"github.com/envrun/envrun/internal/project"
	"github.com/envrun/envrun/pkg/logger"
)

const (
	// ContainerEnvDir is where the environment directory is mounted.
	ContainerEnvDir = "/env"
	// ContainerWorkspace is where the project root is mounted.
	ContainerWorkspace = "/workspace"
)

// DockerEnvironment runs every command in a fresh container from the
// configured image, with the environment directory and the project root
// bind-mounted.
type DockerEnvironment struct {
	env      *project.ResolvedEnv
	opts     Options
	executor *sandbox.DockerExecutor

	needsInstall bool
}

func NewDockerEnvironment(env *project.ResolvedEnv, opts Options) (*DockerEnvironment, error) {
	binds := []string{
		env.EnvDir + ":" + ContainerEnvDir,
		env.RootDir + ":" + ContainerWorkspace,
	}
	binds = append(binds, opts.ExtraMounts...)

	executor, err := sandbox.NewDockerExecutor(&opts.Docker, env.Image, binds)
	if err != nil {
		return nil, err
	}
	return &DockerEnvironment{env: env, opts: opts, executor: executor}, nil
}

func (e *DockerEnvironment) Setup(ctx context.Context) error {
	log := logger.WithComponent("environments")

	if err := e.executor.Ping(ctx); err != nil {
		return err
	}

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

	return e.executor.EnsureImage(ctx)
}

func (e *DockerEnvironment) Install(ctx context.Context, deps []string) error {
	log := logger.WithComponent("environments")

	if !e.needsInstall {
		log.Debug().Str("env", e.env.Name).Msg("Environment up to date, skipping install")
		return nil
	}
	if e.env.InstallCommand == nil {
		return e.commit()
	}

	log.Info().Str("env", e.env.Name).Str("image", e.env.Image).
		Int("deps", len(deps)).Msg("Installing dependencies")
	result, err := e.executor.Execute(ctx, execution.Spec{
		Argv:    e.env.InstallCommand.Argv,
		Dir:     ContainerWorkspace,
		Env:     ComputeEnv(e.env, ContainerEnvDir),
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

func (e *DockerEnvironment) commit() error {
	e.needsInstall = false
	return writeState(e.env.EnvDir, ProvisionHash(e.env))
}

func (e *DockerEnvironment) Exec(ctx context.Context, cmd project.Command) (*models.CommandResult, error) {
	if len(cmd.Argv) == 0 {
		return nil, errors.New("empty command")
	}
	if err := checkAllowlist(e.env, cmd.Argv[0]); err != nil {
		return nil, err
	}
	return e.executor.Execute(ctx, execution.Spec{
		Argv:       cmd.Argv,
		Dir:        containerWorkDir(e.env),
		Env:        ComputeEnv(e.env, ContainerEnvDir),
		Timeout:    e.env.Timeout,
		IgnoreExit: cmd.IgnoreExit,
		Label:      e.env.Name,
		OnLine:     e.opts.OnLine,
	})
}

func (e *DockerEnvironment) Teardown(ctx context.Context) error {
	return nil
}

func (e *DockerEnvironment) Type() project.Runtime {
	return project.RuntimeDocker
}

// containerWorkDir translates the host changedir into the container frame.
// Directories outside the project root fall back to the workspace mount.
func containerWorkDir(env *project.ResolvedEnv) string {
	rel, err := filepath.Rel(env.RootDir, env.ChangeDir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return ContainerWorkspace
	}
	if rel == "." {
		return ContainerWorkspace
	}
	return path.Join(ContainerWorkspace, filepath.ToSlash(rel))
}
