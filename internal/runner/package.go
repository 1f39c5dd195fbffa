package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/envrun/envrun/internal/execution"
	"github.com/envrun/envrun/internal/project"
	"github.com/envrun/envrun/pkg/logger"
)

// buildPackage runs the global package_command once from the project root
// and returns the newest file in {workdir}/dist as the distfile. It returns
// an empty path when packaging is disabled by skipsdist or an unset
// package_command.
func buildPackage(ctx context.Context, proj *project.Project, rc project.RunContext, executor execution.Executor) (string, error) {
	log := logger.WithComponent("package")

	cmd, err := proj.ResolvePackageCommand(rc)
	if err != nil {
		return "", err
	}
	if cmd == nil {
		return "", nil
	}

	distDir := filepath.Join(proj.WorkDir(rc), "dist")
	if err := os.MkdirAll(distDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create dist directory: %w", err)
	}

	log.Info().Strs("argv", cmd.Argv).Msg("Packaging project")

	result, err := executor.Execute(ctx, execution.Spec{
		Argv:  cmd.Argv,
		Dir:   proj.RootDir,
		Env:   os.Environ(),
		Label: "package",
	})
	if err != nil {
		return "", fmt.Errorf("package_command failed to start: %w", err)
	}
	if result.Failed() {
		return "", fmt.Errorf("package_command exited with code %d", result.ExitCode)
	}

	dist, err := newestFile(distDir)
	if err != nil {
		return "", err
	}
	if dist == "" {
		log.Warn().Str("dir", distDir).Msg("Packaging produced no artifact")
		return "", nil
	}

	log.Info().Str("distfile", dist).Msg("Packaging completed")
	return dist, nil
}

// newestFile returns the most recently modified regular file in dir, or an
// empty string when the directory holds none.
func newestFile(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to read dist directory: %w", err)
	}

	var (
		newest string
		mtime  time.Time
	)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(mtime) {
			newest = filepath.Join(dir, entry.Name())
			mtime = info.ModTime()
		}
	}
	return newest, nil
}
