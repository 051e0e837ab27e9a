package http

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"
)

// HealthStatus represents the health check response
type HealthStatus struct {
	Status    string           `json:"status"`
	Timestamp string           `json:"timestamp"`
	Checks    map[string]Check `json:"checks,omitempty"`
	System    *SystemInfo      `json:"system,omitempty"`
}

// Check represents a single health check result
type Check struct {
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
	Duration string `json:"duration,omitempty"`
}

// SystemInfo contains system information
type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	NumGoroutine int    `json:"num_goroutine"`
	NumCPU       int    `json:"num_cpu"`
	MemAlloc     uint64 `json:"mem_alloc_mb"`
}

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusDegraded  = "degraded"
)

// failedBacklog marks the queue degraded once this many jobs sit in failed.
const failedBacklog = 50

// Health returns basic health status (for load balancer)
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Ready performs full readiness check including dependencies
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]Check)
	overallStatus := StatusHealthy

	if h.DB != nil {
		dbCheck := ping(ctx, h.DB)
		checks["database"] = dbCheck
		if dbCheck.Status != StatusHealthy {
			overallStatus = StatusUnhealthy
		}
	}

	if h.Redis != nil {
		redisCheck := ping(ctx, h.Redis)
		checks["redis"] = redisCheck
		if redisCheck.Status != StatusHealthy && overallStatus == StatusHealthy {
			overallStatus = StatusDegraded
		}
	}

	queueCheck := ping(ctx, h.Q)
	checks["queue"] = queueCheck
	if queueCheck.Status != StatusHealthy {
		overallStatus = StatusUnhealthy
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	status := HealthStatus{
		Status:    overallStatus,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
		System: &SystemInfo{
			GoVersion:    runtime.Version(),
			NumGoroutine: runtime.NumGoroutine(),
			NumCPU:       runtime.NumCPU(),
			MemAlloc:     memStats.Alloc / 1024 / 1024, // Convert to MB
		},
	}

	code := http.StatusOK
	if overallStatus == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func ping(ctx context.Context, p Pinger) Check {
	start := time.Now()
	err := p.Ping(ctx)
	duration := time.Since(start)

	if err != nil {
		return Check{
			Status:   StatusUnhealthy,
			Message:  err.Error(),
			Duration: duration.String(),
		}
	}
	return Check{
		Status:   StatusHealthy,
		Message:  "connection successful",
		Duration: duration.String(),
	}
}

type QueueHealth struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Waiting   int64  `json:"waiting"`
	Active    int64  `json:"active"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
	Delayed   int64  `json:"delayed"`
	Paused    bool   `json:"paused"`
	Workers   int64  `json:"workers"`
	Message   string `json:"message,omitempty"`
}

// queueHealth is public for uptime monitors. It reports degraded when the
// queue is paused, no worker is alive or failures pile up.
func (h *Handlers) queueHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := QueueHealth{Status: StatusHealthy, Timestamp: time.Now().UTC().Format(time.RFC3339)}
	stats, err := h.Q.Stats(ctx)
	if err != nil {
		resp.Status = StatusUnhealthy
		resp.Message = "queue store unreachable"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	resp.Waiting = stats.Waiting
	resp.Active = stats.Active
	resp.Completed = stats.Completed
	resp.Failed = stats.Failed
	resp.Delayed = stats.Delayed
	resp.Paused = stats.Paused

	workers, err := h.Q.LiveWorkers(ctx)
	if err != nil {
		resp.Status = StatusUnhealthy
		resp.Message = "queue store unreachable"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	resp.Workers = workers

	switch {
	case stats.Paused:
		resp.Status = StatusDegraded
		resp.Message = "queue paused"
	case workers == 0:
		resp.Status = StatusDegraded
		resp.Message = "no live workers"
	case stats.Failed >= failedBacklog:
		resp.Status = StatusDegraded
		resp.Message = fmt.Sprintf("failed backlog detected (failed: %d)", stats.Failed)
	}
	writeJSON(w, http.StatusOK, resp)
}
