package rest

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/davidleathers/workspace-activity/internal/api/middleware"
	domainErrors "github.com/davidleathers/workspace-activity/internal/domain/errors"
	"github.com/davidleathers/workspace-activity/internal/metrics"
)

// RouterConfig collects what the HTTP surface is assembled from
type RouterConfig struct {
	Handlers *Handlers
	Auth     *AuthMiddleware
	Activity *middleware.ActivityMiddleware
	Health   *HealthService
	Metrics  *metrics.Registry
	Gatherer prometheus.Gatherer
	// Contract validates requests against the embedded OpenAPI document
	// when set
	Contract *ContractValidator
	Logger   *zap.Logger
}

// NewRouter registers every endpoint. Activity reads never log an api_call
// event of their own; event submissions do.
func NewRouter(config RouterConfig) http.Handler {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	mux := http.NewServeMux()
	h := config.Handlers

	base := NewMiddlewareChain(
		RecoveryMiddleware(logger),
		SecurityHeadersMiddleware(),
		RequestLoggingMiddleware(logger),
	)

	read := func(name string, handler http.HandlerFunc) http.Handler {
		chain := base.Append(MetricsMiddleware(config.Metrics, name))
		if config.Contract != nil {
			chain = chain.Append(config.Contract.Middleware())
		}
		chain = chain.Append(
			config.Auth.Middleware,
			config.Activity.Middleware(middleware.Named(name), middleware.SkipLogging()),
		)
		return chain.Then(handler)
	}

	write := func(name string, handler http.HandlerFunc) http.Handler {
		chain := base.Append(MetricsMiddleware(config.Metrics, name))
		if config.Contract != nil {
			chain = chain.Append(config.Contract.Middleware())
		}
		chain = chain.Append(
			config.Auth.Middleware,
			config.Activity.Middleware(middleware.Named(name)),
		)
		return chain.Then(handler)
	}

	mux.Handle("POST /v1/events", write("events.log", h.LogEvent))
	mux.Handle("POST /v1/events/batch", write("events.log_batch", h.LogEvents))

	mux.Handle("GET /v1/activity", read("activity.feed", h.GetRecentActivity))
	mux.Handle("GET /v1/activity/timeline/{entityType}/{entityId}", read("activity.timeline", h.GetEntityTimeline))
	mux.Handle("GET /v1/activity/grouped/{entityType}/{entityId}", read("activity.grouped", h.GetGroupedTimeline))
	mux.Handle("GET /v1/activity/export", read("activity.export", h.Export))
	mux.Handle("GET /v1/activity/metrics", read("activity.metrics", h.GetMetrics))
	mux.Handle("GET /v1/activity/security", read("activity.security", h.GetSecuritySummary))
	mux.Handle("GET /v1/activity/summaries", read("activity.summaries", h.GetSummaries))
	mux.Handle("GET /v1/activity/stream", read("activity.stream", h.Stream))

	open := func(name string, handler http.Handler) http.Handler {
		return base.Append(MetricsMiddleware(config.Metrics, name)).Then(handler)
	}

	if config.Health != nil {
		mux.Handle("GET /healthz", open("healthz", config.Health.Handler()))
	}
	if config.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(config.Gatherer, promhttp.HandlerOpts{}))
	}
	mux.Handle("GET /v1/openapi.yaml", open("openapi", http.HandlerFunc(serveOpenAPI)))

	mux.Handle("/", base.Then(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, domainErrors.NewNotFoundError("route"))
	})))

	return mux
}
