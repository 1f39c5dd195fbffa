package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/docker/docker/client"
	"github.com/jmoiron/sqlx"

	"github.com/envrun/envrun/pkg/logger"
)

// Status represents the health status of a component
type Status string

const (
	// StatusOK indicates the component is healthy
	StatusOK Status = "OK"
	// StatusWarning indicates the component has issues but is still functional
	StatusWarning Status = "WARNING"
	// StatusError indicates the component is not functioning
	StatusError Status = "ERROR"
)

// ComponentHealth represents the health status of a system component
type ComponentHealth struct {
	Name        string    `json:"name"`
	Status      Status    `json:"status"`
	Message     string    `json:"message"`
	LastChecked time.Time `json:"last_checked"`
}

// HealthChecker monitors the pieces serve mode depends on. Docker and the
// history database are polled; components without their own probe (watcher,
// config reloads) report through SetComponent.
type HealthChecker struct {
	components   map[string]*ComponentHealth
	mu           sync.RWMutex
	checkFreq    time.Duration
	dockerClient *client.Client
	historyDB    *sqlx.DB
	ctx          context.Context
	cancel       context.CancelFunc
}

// NewHealthChecker creates a new health checker. Both the docker client and
// the history database are optional; nil skips that probe.
func NewHealthChecker(checkFreq time.Duration, dockerClient *client.Client, historyDB *sqlx.DB) *HealthChecker {
	if checkFreq == 0 {
		checkFreq = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &HealthChecker{
		components:   make(map[string]*ComponentHealth),
		checkFreq:    checkFreq,
		dockerClient: dockerClient,
		historyDB:    historyDB,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start begins periodic health checks
func (hc *HealthChecker) Start() {
	log := logger.WithComponent("health_checker")
	log.Info().Dur("frequency", hc.checkFreq).Msg("Starting health checker")

	ticker := time.NewTicker(hc.checkFreq)
	go func() {
		defer ticker.Stop()

		hc.CheckAll()

		for {
			select {
			case <-ticker.C:
				hc.CheckAll()
			case <-hc.ctx.Done():
				log.Info().Msg("Health checker stopped")
				return
			}
		}
	}()
}

// Stop halts the health checker
func (hc *HealthChecker) Stop() {
	if hc.cancel != nil {
		hc.cancel()
	}
}

// CheckAll runs every configured probe
func (hc *HealthChecker) CheckAll() {
	if hc.dockerClient != nil {
		hc.CheckDocker()
	}
	if hc.historyDB != nil {
		hc.CheckHistory()
	}
}

// CheckDocker checks if the Docker daemon is responding
func (hc *HealthChecker) CheckDocker() {
	log := logger.WithComponent("health_checker.docker")

	health := &ComponentHealth{
		Name:        "docker",
		LastChecked: time.Now(),
	}

	dockerCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	version, err := hc.dockerClient.ServerVersion(dockerCtx)
	if err != nil {
		health.Status = StatusError
		health.Message = fmt.Sprintf("Docker daemon not responding: %v", err)
		log.Error().Err(err).Msg("Docker daemon not responding")
	} else {
		health.Status = StatusOK
		health.Message = fmt.Sprintf("Docker daemon running (version %s, API %s)",
			version.Version, version.APIVersion)
		log.Debug().
			Str("version", version.Version).
			Str("api_version", version.APIVersion).
			Msg("Docker daemon healthy")
	}

	hc.setComponent(health)
}

// CheckHistory pings the run history database
func (hc *HealthChecker) CheckHistory() {
	log := logger.WithComponent("health_checker.history")

	health := &ComponentHealth{
		Name:        "history",
		LastChecked: time.Now(),
	}

	dbCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := hc.historyDB.PingContext(dbCtx); err != nil {
		health.Status = StatusError
		health.Message = fmt.Sprintf("History database not responding: %v", err)
		log.Error().Err(err).Msg("History database not responding")
	} else {
		health.Status = StatusOK
		health.Message = "History database reachable"
		log.Debug().Msg("History database healthy")
	}

	hc.setComponent(health)
}

// SetComponent records the health of a component that pushes its own status
// instead of being polled, such as the file watcher.
func (hc *HealthChecker) SetComponent(name string, status Status, message string) {
	hc.setComponent(&ComponentHealth{
		Name:        name,
		Status:      status,
		Message:     message,
		LastChecked: time.Now(),
	})
}

func (hc *HealthChecker) setComponent(health *ComponentHealth) {
	hc.mu.Lock()
	hc.components[health.Name] = health
	hc.mu.Unlock()
}

// Healthy reports whether no component is in the error state. Components in
// StatusWarning still count as healthy.
func (hc *HealthChecker) Healthy() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	for _, component := range hc.components {
		if component.Status == StatusError {
			return false
		}
	}
	return true
}

// GetAllHealth returns the health status of all components
func (hc *HealthChecker) GetAllHealth() map[string]*ComponentHealth {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	// Copies keep callers from racing with the checker goroutine.
	result := make(map[string]*ComponentHealth, len(hc.components))
	for k, v := range hc.components {
		componentCopy := *v
		result[k] = &componentCopy
	}

	return result
}

// GetComponentHealth returns the health status of a specific component
func (hc *HealthChecker) GetComponentHealth(name string) *ComponentHealth {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	if component, exists := hc.components[name]; exists {
		componentCopy := *component
		return &componentCopy
	}

	return nil
}
