package http

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"callaudit/pkg/version"
)

// Health states, in increasing severity.
const (
	statusHealthy   = "healthy"
	statusDegraded  = "degraded"
	statusUnhealthy = "unhealthy"
)

var severity = map[string]int{statusHealthy: 0, statusDegraded: 1, statusUnhealthy: 2}

// HealthStatus is the body of GET /health.
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp string                 `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Version   string                 `json:"version"`
	Checks    map[string]CheckResult `json:"checks"`
	System    SystemInfo             `json:"system"`
}

// CheckResult is the outcome of one dependency check.
type CheckResult struct {
	Status  string         `json:"status"`
	Message string         `json:"message,omitempty"`
	Details map[string]int `json:"details,omitempty"`
}

type SystemInfo struct {
	GoRoutines int    `json:"goroutines"`
	MemoryMB   uint64 `json:"memory_mb"`
	CPUCount   int    `json:"cpu_count"`
}

type healthCheck struct {
	name string
	run  func(ctx context.Context) CheckResult
}

// healthChecks lists the checks for the dependencies wired into the server.
// Report storage is the only hard dependency: a disconnected broker only
// delays publication and a failed rule reload leaves the previous rules
// serving.
func (s *Server) healthChecks() []healthCheck {
	var checks []healthCheck

	if s.database != nil {
		checks = append(checks, healthCheck{"database", func(ctx context.Context) CheckResult {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := s.database.Health(ctx); err != nil {
				return CheckResult{Status: statusUnhealthy, Message: fmt.Sprintf("report storage unreachable: %v", err)}
			}
			return CheckResult{Status: statusHealthy, Message: "report storage reachable"}
		}})
	}

	if s.broker != nil {
		checks = append(checks, healthCheck{"amqp", func(context.Context) CheckResult {
			if !s.broker.IsConnected() {
				return CheckResult{Status: statusDegraded, Message: "broker disconnected, reports queued for retry"}
			}
			return CheckResult{Status: statusHealthy, Message: "broker connected"}
		}})
	}

	if s.reloader != nil {
		checks = append(checks, healthCheck{"rules", func(context.Context) CheckResult {
			event := s.reloader.LastEvent()
			switch {
			case event == nil:
				return CheckResult{Status: statusHealthy, Message: "rules loaded at startup"}
			case !event.Success:
				return CheckResult{Status: statusDegraded, Message: fmt.Sprintf("last rule reload failed: %s", event.Error)}
			default:
				return CheckResult{
					Status:  statusHealthy,
					Message: fmt.Sprintf("rules reloaded at %s", event.Timestamp.Format(time.RFC3339)),
					Details: event.RuleCounts,
				}
			}
		}})
	}

	return checks
}

// HealthHandler serves GET /health. The overall status is the most severe
// check result; only an unhealthy service answers 503.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	health := HealthStatus{
		Status:    statusHealthy,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Version:   version.Version,
		Checks:    make(map[string]CheckResult),
	}

	for _, check := range s.healthChecks() {
		result := check.run(r.Context())
		health.Checks[check.name] = result
		if severity[result.Status] > severity[health.Status] {
			health.Status = result.Status
		}
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	health.System = SystemInfo{
		GoRoutines: runtime.NumGoroutine(),
		MemoryMB:   mem.Alloc / 1024 / 1024,
		CPUCount:   runtime.NumCPU(),
	}

	code := http.StatusOK
	if health.Status == statusUnhealthy {
		code = http.StatusServiceUnavailable
		s.logger.WithField("checks", health.Checks).Warn("Health check failed")
	}
	writeJSON(w, code, health)
}

// LivenessHandler answers as long as the process serves HTTP.
func (s *Server) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// ReadinessHandler reports whether analyses can be stored.
func (s *Server) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if s.database != nil {
		if err := s.database.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("not ready"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}
