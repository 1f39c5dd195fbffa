package cli

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/envrun/envrun/internal/config"
	"github.com/envrun/envrun/internal/project"
	"github.com/envrun/envrun/internal/storage"
	"github.com/envrun/envrun/pkg/database"
	"github.com/envrun/envrun/pkg/logger"
)

// loadProject locates and parses the project file. An empty path walks up
// from the working directory.
func loadProject(path string) (*project.Project, error) {
	if path == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		path, err = project.Find(cwd)
		if err != nil {
			return nil, err
		}
	}
	return project.Load(path)
}

// workDirFor resolves the state directory for this invocation: the
// --workdir override, or the configured directory name under the project
// root.
func workDirFor(proj *project.Project, cfg *config.Config, override string) string {
	if override != "" {
		return override
	}
	name := cfg.Defaults.WorkDirName
	if name == "" {
		name = project.DefaultWorkDirName
	}
	return filepath.Join(proj.RootDir, name)
}

// openHistory connects the run history store, migrating on first use. A
// nil repository with a nil error means history is simply disabled.
func openHistory(cfg *config.Config, workDir string) (*sqlx.DB, storage.HistoryRepository, error) {
	if !cfg.History.Enabled {
		return nil, nil, nil
	}

	path := cfg.History.Path
	if path == "" {
		path = filepath.Join(workDir, "history.db")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := database.Connect(ctx, path)
	if err != nil {
		return nil, nil, err
	}

	repo := storage.NewSQLHistoryRepository(db)
	if err := repo.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}

	return db, repo, nil
}

// signalContext cancels on SIGINT or SIGTERM so pending environments are
// reported as skipped instead of being killed silently. Teardown gets a 30s
// window after the first signal; a second signal exits immediately.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	stopChan := make(chan os.Signal, 2)
	signal.Notify(stopChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-stopChan
		logger.Get().Info().
			Str("signal", sig.String()).
			Msg("Shutdown signal received, finishing up...")
		cancel()

		select {
		case sig = <-stopChan:
			logger.Get().Error().
				Str("signal", sig.String()).
				Msg("Second shutdown signal, exiting now")
		case <-time.After(30 * time.Second):
			logger.Get().Error().Msg("Shutdown timed out after 30s, exiting now")
		}
		os.Exit(1)
	}()

	return ctx, cancel
}
