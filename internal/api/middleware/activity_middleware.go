package middleware

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/davidleathers/workspace-activity/internal/domain/activity"
	"github.com/davidleathers/workspace-activity/internal/domain/errors"
	activitysvc "github.com/davidleathers/workspace-activity/internal/service/activity"
)

// CorrelationHeader carries the correlation id in and out of a request
const CorrelationHeader = "X-Correlation-ID"

// Emitter records api_call events without blocking or failing the request
type Emitter interface {
	Emit(ctx context.Context, draft *activity.Event) uuid.UUID
}

// Config configures the activity middleware
type Config struct {
	// Source is stamped on events recorded for a request
	Source activity.Source `json:"source"`

	// SkipPaths are path prefixes that never produce api_call events
	SkipPaths []string `json:"skip_paths"`

	// SessionHeader is read when no session cookie is present
	SessionHeader string `json:"session_header"`
	SessionCookie string `json:"session_cookie"`
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		Source:        activity.SourceAPI,
		SkipPaths:     []string{"/healthz", "/metrics"},
		SessionHeader: "X-Session-ID",
		SessionCookie: "session_id",
	}
}

// Option adjusts how a single wrapped operation is handled
type Option func(*options)

type options struct {
	skipLogging bool
	name        string
}

// SkipLogging suppresses the api_call event of the wrapped operation. Every
// activity read endpoint is registered with it so reads never log themselves.
func SkipLogging() Option {
	return func(o *options) { o.skipLogging = true }
}

// Named overrides the route recorded on the api_call event
func Named(name string) Option {
	return func(o *options) { o.name = name }
}

// ActivityMiddleware captures the caller and provenance of inbound
// operations, starts their correlation and records one api_call event per
// completed operation.
type ActivityMiddleware struct {
	emitter Emitter
	config  Config
	logger  *zap.Logger
	tracer  trace.Tracer

	calls   metric.Int64Counter
	skipped metric.Int64Counter
}

// NewActivityMiddleware creates the middleware
func NewActivityMiddleware(emitter Emitter, config Config, logger *zap.Logger) (*ActivityMiddleware, error) {
	if emitter == nil {
		return nil, errors.NewValidationError("MISSING_EMITTER", "activity emitter is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Source == "" {
		config.Source = activity.SourceAPI
	}

	meter := otel.Meter("activity.middleware")

	calls, err := meter.Int64Counter(
		"activity_middleware_calls_total",
		metric.WithDescription("Operations handled by the activity middleware"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create call counter: %w", err)
	}

	skipped, err := meter.Int64Counter(
		"activity_middleware_skipped_total",
		metric.WithDescription("Operations whose api_call event was suppressed"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create skip counter: %w", err)
	}

	return &ActivityMiddleware{
		emitter: emitter,
		config:  config,
		logger:  logger,
		tracer:  otel.Tracer("activity.middleware"),
		calls:   calls,
		skipped: skipped,
	}, nil
}

// Middleware returns the middleware in chainable form
func (m *ActivityMiddleware) Middleware(opts ...Option) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return m.Wrap(next, opts...)
	}
}

// Wrap instruments one HTTP handler
func (m *ActivityMiddleware) Wrap(next http.Handler, opts ...Option) http.Handler {
	o := collect(opts)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ctx, span := m.tracer.Start(r.Context(), "activity.middleware",
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.path", r.URL.Path),
			),
		)
		defer span.End()

		ctx, correlationID := activitysvc.StartOperation(withIncomingCorrelation(ctx, r))
		w.Header().Set(CorrelationHeader, correlationID)

		info := m.requestInfo(ctx, r)
		ctx = activitysvc.WithRequestInfo(ctx, info)

		state := &requestState{}
		ctx = context.WithValue(ctx, stateKey{}, state)

		wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r.WithContext(ctx))

		duration := time.Since(start)
		route := o.name
		if route == "" {
			route = routeOf(r)
		}

		span.SetAttributes(
			attribute.Int("http.status_code", wrapped.status),
			attribute.String("correlation_id", correlationID),
		)

		m.finish(ctx, o.skipLogging || state.skip.Load() || m.skipPath(r.URL.Path), activitysvc.APICall{
			WorkspaceID: state.workspaceID(),
			ActorID:     info.UserID,
			Method:      r.Method,
			Route:       route,
			Status:      wrapped.status,
			Duration:    duration,
		})
	})
}

// Run wraps a non-HTTP operation, such as a job or a message handler, with
// the same correlation and api_call semantics. The operation's error is
// returned unchanged.
func (m *ActivityMiddleware) Run(ctx context.Context, name string, op func(context.Context) error, opts ...Option) error {
	o := collect(opts)
	start := time.Now()

	ctx, span := m.tracer.Start(ctx, "activity.operation", trace.WithAttributes(attribute.String("operation", name)))
	defer span.End()

	ctx, _ = activitysvc.StartOperation(ctx)
	state := &requestState{}
	ctx = context.WithValue(ctx, stateKey{}, state)

	err := op(ctx)

	status := http.StatusOK
	call := activitysvc.APICall{Method: "OPERATION", Route: name, Duration: time.Since(start)}
	if err != nil {
		status = errors.GetStatusCode(err)
		call.Error = err.Error()
		span.RecordError(err)
	}
	call.Status = status
	if info, ok := activitysvc.RequestInfoFromContext(ctx); ok {
		call.WorkspaceID, call.ActorID = info.WorkspaceID, info.UserID
	}
	if id := state.workspaceID(); id != uuid.Nil {
		call.WorkspaceID = id
	}

	m.finish(ctx, o.skipLogging || state.skip.Load(), call)
	return err
}

func (m *ActivityMiddleware) finish(ctx context.Context, skip bool, call activitysvc.APICall) {
	attrs := metric.WithAttributes(
		attribute.String("method", call.Method),
		attribute.String("route", call.Route),
	)
	m.calls.Add(ctx, 1, attrs)

	if skip {
		m.skipped.Add(ctx, 1, attrs)
		return
	}

	draft, err := activitysvc.APICallEvent(call)
	if err != nil {
		m.logger.Error("Failed to draft api_call event",
			zap.String("route", call.Route),
			zap.Error(err),
		)
		return
	}
	m.emitter.Emit(ctx, draft)
}

func (m *ActivityMiddleware) requestInfo(ctx context.Context, r *http.Request) activitysvc.RequestInfo {
	info := activitysvc.RequestInfo{
		Provenance: activity.Provenance{
			Source:    m.config.Source,
			IPAddress: clientIP(r),
			UserAgent: r.UserAgent(),
			SessionID: m.sessionID(r),
		},
	}
	if id, ok := UserIDFromContext(ctx); ok {
		info.UserID = id
	}
	return info
}

func (m *ActivityMiddleware) sessionID(r *http.Request) string {
	if m.config.SessionCookie != "" {
		if cookie, err := r.Cookie(m.config.SessionCookie); err == nil {
			return cookie.Value
		}
	}
	if m.config.SessionHeader != "" {
		return r.Header.Get(m.config.SessionHeader)
	}
	return ""
}

func (m *ActivityMiddleware) skipPath(path string) bool {
	for _, prefix := range m.config.SkipPaths {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func collect(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type stateKey struct{}

type userKey struct{}

type requestState struct {
	skip      atomic.Bool
	workspace atomic.Pointer[uuid.UUID]
}

func (s *requestState) workspaceID() uuid.UUID {
	if id := s.workspace.Load(); id != nil {
		return *id
	}
	return uuid.Nil
}

// SetWorkspace attributes the api_call event of the operation running under
// ctx to a workspace. Handlers call it only once the caller's membership has
// been checked; a workspace named in the request alone is never recorded.
func SetWorkspace(ctx context.Context, workspaceID uuid.UUID) {
	if state, ok := ctx.Value(stateKey{}).(*requestState); ok {
		state.workspace.Store(&workspaceID)
	}
}

// MarkSkipLogging suppresses the api_call event of the operation running
// under ctx. It lets a handler opt out after inspecting its request.
func MarkSkipLogging(ctx context.Context) {
	if state, ok := ctx.Value(stateKey{}).(*requestState); ok {
		state.skip.Store(true)
	}
}

// WithUserID records the authenticated caller. The authentication layer
// calls it before the activity middleware runs.
func WithUserID(ctx context.Context, userID uuid.UUID) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserIDFromContext returns the authenticated caller
func UserIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(userKey{}).(uuid.UUID)
	return id, ok && id != uuid.Nil
}

func withIncomingCorrelation(ctx context.Context, r *http.Request) context.Context {
	raw := r.Header.Get(CorrelationHeader)
	if raw == "" {
		return ctx
	}
	// only well-formed tokens are joined
	if _, err := uuid.Parse(raw); err != nil {
		return ctx
	}
	return activitysvc.WithCorrelation(ctx, raw)
}

func routeOf(r *http.Request) string {
	if r.Pattern != "" {
		return r.Pattern
	}
	return r.URL.Path
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// statusRecorder captures the response status
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusRecorder) WriteHeader(status int) {
	if !w.wroteHeader {
		w.status = status
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusRecorder) Write(data []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(data)
}

func (w *statusRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack supports websocket upgrades behind the middleware
func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
