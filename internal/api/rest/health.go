package rest

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// HealthStatus represents the health status
type HealthStatus string

const (
	HealthStatusPass HealthStatus = "pass"
	HealthStatusFail HealthStatus = "fail"
)

// HealthCheckFunc probes one dependency
type HealthCheckFunc func(ctx context.Context) error

// HealthCheckResult represents the result of a health check
type HealthCheckResult struct {
	Status       HealthStatus `json:"status"`
	Error        string       `json:"error,omitempty"`
	ResponseTime string       `json:"response_time"`
}

// HealthResponse is the body of /healthz
type HealthResponse struct {
	Status      HealthStatus                 `json:"status"`
	ServiceName string                       `json:"service_name"`
	Version     string                       `json:"version"`
	Uptime      string                       `json:"uptime"`
	Checks      map[string]HealthCheckResult `json:"checks,omitempty"`
}

// HealthService runs the registered dependency checks
type HealthService struct {
	mu        sync.RWMutex
	checks    map[string]HealthCheckFunc
	name      string
	version   string
	timeout   time.Duration
	tracer    trace.Tracer
	startTime time.Time
}

// NewHealthService creates a new health service
func NewHealthService(name, version string, timeout time.Duration) *HealthService {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthService{
		checks:    make(map[string]HealthCheckFunc),
		name:      name,
		version:   version,
		timeout:   timeout,
		tracer:    otel.Tracer("activity.health"),
		startTime: time.Now(),
	}
}

// Register adds a named check
func (h *HealthService) Register(name string, check HealthCheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// Handler answers 200 when every check passes and 503 otherwise
func (h *HealthService) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := h.tracer.Start(r.Context(), "health.check")
		defer span.End()

		results := h.run(ctx)
		resp := HealthResponse{
			Status:      HealthStatusPass,
			ServiceName: h.name,
			Version:     h.version,
			Uptime:      time.Since(h.startTime).Round(time.Second).String(),
			Checks:      results,
		}
		for _, res := range results {
			if res.Status == HealthStatusFail {
				resp.Status = HealthStatusFail
			}
		}

		span.SetAttributes(attribute.String("health.status", string(resp.Status)))

		status := http.StatusOK
		if resp.Status == HealthStatusFail {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, resp)
	}
}

func (h *HealthService) run(ctx context.Context) map[string]HealthCheckResult {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	checks := make(map[string]HealthCheckFunc, len(h.checks))
	for name, fn := range h.checks {
		checks[name] = fn
	}
	h.mu.RUnlock()
	sort.Strings(names)

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[string]HealthCheckResult, len(names))
	)
	for _, name := range names {
		wg.Add(1)
		go func(name string, check HealthCheckFunc) {
			defer wg.Done()
			start := time.Now()
			res := HealthCheckResult{Status: HealthStatusPass}
			if err := check(ctx); err != nil {
				res.Status = HealthStatusFail
				res.Error = err.Error()
			}
			res.ResponseTime = time.Since(start).String()

			mu.Lock()
			results[name] = res
			mu.Unlock()
		}(name, checks[name])
	}
	wg.Wait()
	return results
}
