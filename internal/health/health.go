// Package health provides the worker's health endpoint.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Status represents the health status of a component.
type Status string

const (
	// StatusHealthy indicates the component is fully operational.
	StatusHealthy Status = "healthy"
	// StatusDegraded indicates the component is operational but with issues.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy indicates the component is not operational.
	StatusUnhealthy Status = "unhealthy"
)

// ComponentStatus represents the health status of a single component.
type ComponentStatus struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response represents the health check response.
type Response struct {
	Status     Status                     `json:"status"`
	Components map[string]ComponentStatus `json:"components"`
	WorkerID   string                     `json:"worker_id,omitempty"`
	ActiveJobs int64                      `json:"active_jobs"`
	Claimed    int64                      `json:"claimed_total"`
	Backlog    *int64                     `json:"backlog,omitempty"`
	Capacity   int                        `json:"capacity"`
	Version    string                     `json:"version"`
	Uptime     string                     `json:"uptime"`
}

// Pinger is an interface for components that can be pinged.
type Pinger interface {
	Ping(ctx context.Context) error
}

// JobCounter reports in-flight compile jobs. *compiler.Worker satisfies it.
type JobCounter interface {
	ActiveJobs() int64
	Claimed() int64
	ID() string
}

// Backlog reports how many entries are waiting in the job stream.
type Backlog interface {
	Len(ctx context.Context) (int64, error)
}

// Checker performs health checks for the worker.
type Checker struct {
	redis     Pinger
	jobs      JobCounter
	backlog   Backlog
	capacity  int
	startTime time.Time
	version   string
	timeout   time.Duration
	mu        sync.RWMutex
}

// NewChecker creates a new health checker. capacity is the pool size.
func NewChecker(redis Pinger, jobs JobCounter, capacity int, version string) *Checker {
	return &Checker{
		redis:     redis,
		jobs:      jobs,
		capacity:  capacity,
		startTime: time.Now(),
		version:   version,
		timeout:   5 * time.Second,
	}
}

// SetTimeout sets the timeout for health checks.
func (c *Checker) SetTimeout(timeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = timeout
}

// SetBacklog makes Check include the stream length.
func (c *Checker) SetBacklog(b Backlog) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backlog = b
}

// Check performs all health checks and returns the aggregated response.
func (c *Checker) Check(ctx context.Context) *Response {
	c.mu.RLock()
	timeout := c.timeout
	backlog := c.backlog
	c.mu.RUnlock()

	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	components := map[string]ComponentStatus{
		"redis": c.checkRedis(checkCtx),
	}

	resp := &Response{
		Capacity: c.capacity,
		Version:  c.version,
		Uptime:   time.Since(c.startTime).Round(time.Second).String(),
	}
	if c.jobs != nil {
		resp.ActiveJobs = c.jobs.ActiveJobs()
		resp.Claimed = c.jobs.Claimed()
		resp.WorkerID = c.jobs.ID()
		components["pool"] = c.checkPool(resp.ActiveJobs)
	}
	if backlog != nil {
		// A failed length query is already reflected by the redis component.
		if n, err := backlog.Len(checkCtx); err == nil {
			resp.Backlog = &n
		}
	}

	overallStatus := StatusHealthy
	for _, comp := range components {
		if comp.Status == StatusUnhealthy {
			overallStatus = StatusUnhealthy
			break
		}
		if comp.Status == StatusDegraded {
			overallStatus = StatusDegraded
		}
	}

	resp.Status = overallStatus
	resp.Components = components
	return resp
}

func (c *Checker) checkRedis(ctx context.Context) ComponentStatus {
	if c.redis == nil {
		return ComponentStatus{
			Status:  StatusUnhealthy,
			Message: "redis connection not configured",
		}
	}

	if err := c.redis.Ping(ctx); err != nil {
		return ComponentStatus{
			Status:  StatusUnhealthy,
			Message: "redis ping failed: " + err.Error(),
		}
	}

	return ComponentStatus{
		Status:  StatusHealthy,
		Message: "connected",
	}
}

// checkPool reports a saturated pool as degraded: the worker is fine but
// will not claim new jobs until a slot frees up.
func (c *Checker) checkPool(active int64) ComponentStatus {
	msg := fmt.Sprintf("%d/%d slots busy", active, c.capacity)
	if c.capacity > 0 && active >= int64(c.capacity) {
		return ComponentStatus{Status: StatusDegraded, Message: msg}
	}
	return ComponentStatus{Status: StatusHealthy, Message: msg}
}

// Handler returns an HTTP handler for health checks.
func (c *Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := c.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")

		switch response.Status {
		case StatusHealthy, StatusDegraded:
			w.WriteHeader(http.StatusOK)
		case StatusUnhealthy:
			w.WriteHeader(http.StatusServiceUnavailable)
		}

		json.NewEncoder(w).Encode(response)
	}
}

// NewRouter mounts the checker at GET /health.
func NewRouter(c *Checker) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", c.Handler())
	return r
}
