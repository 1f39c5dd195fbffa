package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/envrun/envrun/internal/monitoring/health"
	"github.com/envrun/envrun/internal/monitoring/metrics"
	"github.com/envrun/envrun/internal/runner"
	"github.com/envrun/envrun/internal/version"
)

// Handlers is the read-only HTTP surface over a runner service. Runs are
// triggered by the watcher or the CLI, never through HTTP.
type Handlers struct {
	svc       *runner.Service
	checker   *health.HealthChecker
	system    *metrics.SystemMetricsCollector
	startedAt time.Time
}

func NewHandlers(svc *runner.Service, checker *health.HealthChecker, system *metrics.SystemMetricsCollector) *Handlers {
	return &Handlers{
		svc:       svc,
		checker:   checker,
		system:    system,
		startedAt: time.Now().UTC(),
	}
}

type healthResponse struct {
	Status     string                             `json:"status"`
	Components map[string]*health.ComponentHealth `json:"components"`
}

// Health reports serve mode health. Any component in the error state turns
// the response into a 503 so load balancers and scripts can react.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:     "ok",
		Components: h.checker.GetAllHealth(),
	}

	code := http.StatusOK
	if !h.checker.Healthy() {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}

type envInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Runtime     string   `json:"runtime"`
	Depends     []string `json:"depends,omitempty"`
	Default     bool     `json:"default"`
	LastStatus  string   `json:"last_status,omitempty"`
}

// ListEnvs returns every defined environment, its place in the default
// selection and its status in the most recent run.
func (h *Handlers) ListEnvs(w http.ResponseWriter, r *http.Request) {
	proj := h.svc.Project()

	defaults := make(map[string]bool)
	for _, name := range proj.DefaultSelection() {
		defaults[name] = true
	}

	last := h.svc.LastReport()

	envs := make([]envInfo, 0, len(proj.EnvNames()))
	for _, name := range proj.EnvNames() {
		env, err := proj.Env(name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		info := envInfo{
			Name:        env.Name,
			Description: env.Description,
			Runtime:     string(env.Runtime),
			Depends:     env.Depends,
			Default:     defaults[name],
		}
		if last != nil {
			if envReport := last.Env(name); envReport != nil {
				info.LastStatus = string(envReport.Status)
			}
		}
		envs = append(envs, info)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(envs)
}

// LatestReport returns the full report of the most recent run.
func (h *Handlers) LatestReport(w http.ResponseWriter, r *http.Request) {
	report := h.svc.LastReport()
	if report == nil {
		http.Error(w, "no run has completed yet", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}

type statusResponse struct {
	Version     string  `json:"version"`
	StartedAt   string  `json:"started_at"`
	UptimeSecs  int64   `json:"uptime_seconds"`
	MemoryBytes int64   `json:"memory_bytes"`
	CPUPercent  float64 `json:"cpu_percent"`
	LastRunID   string  `json:"last_run_id,omitempty"`
	LastRunPass *bool   `json:"last_run_passed,omitempty"`
}

// Status reports process and host vitals plus the outcome of the latest
// run.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	memory, cpu := h.system.GetSystemMetrics()

	resp := statusResponse{
		Version:     version.Version,
		StartedAt:   h.startedAt.Format(time.RFC3339),
		UptimeSecs:  int64(time.Since(h.startedAt).Seconds()),
		MemoryBytes: memory,
		CPUPercent:  cpu,
	}

	if report := h.svc.LastReport(); report != nil {
		resp.LastRunID = report.ID
		passed := report.Passed
		resp.LastRunPass = &passed
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
