package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/workspace-activity/internal/api/middleware"
	"github.com/davidleathers/workspace-activity/internal/api/websocket"
	"github.com/davidleathers/workspace-activity/internal/domain/activity"
	"github.com/davidleathers/workspace-activity/internal/infrastructure/memory"
	"github.com/davidleathers/workspace-activity/internal/metrics"
	"github.com/davidleathers/workspace-activity/internal/service/access"
	activitysvc "github.com/davidleathers/workspace-activity/internal/service/activity"
	"github.com/davidleathers/workspace-activity/internal/service/analytics"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []*activity.Event
}

func (e *recordingEmitter) Emit(_ context.Context, event *activity.Event) uuid.UUID {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
	return uuid.New()
}

func (e *recordingEmitter) recorded() []*activity.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*activity.Event(nil), e.events...)
}

type apiFixture struct {
	handler   http.Handler
	auth      *AuthMiddleware
	health    *HealthService
	ingester  *activitysvc.Ingester
	events    *memory.EventStore
	emitter   *recordingEmitter
	contract  *ContractValidator
	workspace uuid.UUID
	member    uuid.UUID
	outsider  uuid.UUID
	task      uuid.UUID
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	f := &apiFixture{
		emitter:   &recordingEmitter{},
		workspace: uuid.New(),
		member:    uuid.New(),
		outsider:  uuid.New(),
		task:      uuid.New(),
	}

	logger := zaptest.NewLogger(t)
	promReg := prometheus.NewRegistry()
	registry := metrics.NewRegistry(promReg)

	dir := memory.NewDirectory()
	dir.AddWorkspace(f.workspace, "Launch Plan")
	dir.AddUser(f.member, "Ada Lovelace")
	dir.AddUser(f.outsider, "Grace Hopper")
	dir.AddMember(f.workspace, f.member)
	dir.AddTask(f.task, f.workspace)

	events := memory.NewEventStore()
	f.events = events
	ingester, err := activitysvc.NewIngester(activitysvc.DefaultIngesterConfig(), events, logger, registry, nil)
	require.NoError(t, err)
	f.ingester = ingester

	verifier := access.NewDefaultVerifier(dir, logger, registry)
	query := activitysvc.NewQueryService(events, verifier, dir, dir, time.UTC, logger)
	stats := analytics.NewService(events, memory.NewSummaryStore(), nil, analytics.DefaultConfig(), logger, registry)

	f.auth, err = NewAuthMiddleware(AuthConfig{JWTSecret: []byte("test-secret"), Issuer: "activity-test"})
	require.NoError(t, err)

	activityMW, err := middleware.NewActivityMiddleware(f.emitter, middleware.DefaultConfig(), logger)
	require.NoError(t, err)

	f.contract, err = NewContractValidator()
	require.NoError(t, err)

	f.health = NewHealthService("activity-api", "test", time.Second)

	f.handler = NewRouter(RouterConfig{
		Handlers: NewHandlers(HandlerDeps{
			Query:           query,
			Analytics:       stats,
			Verifier:        verifier,
			Directory:       dir,
			Hub:             websocket.NewHub(websocket.DefaultHubConfig(), logger, registry),
			Emitter:         f.emitter,
			Events:          ingester,
			Logger:          logger,
			ExportPerMinute: 1,
			ExportBurst:     1,
		}),
		Auth:     f.auth,
		Activity: activityMW,
		Health:   f.health,
		Metrics:  registry,
		Gatherer: promReg,
		Contract: f.contract,
		Logger:   logger,
	})
	return f
}

func (f *apiFixture) seedTaskEvents(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		draft, err := activity.NewEventBuilder(activity.EventUpdated).
			WithWorkspace(f.workspace).
			WithActor(f.member).
			WithEntity(activity.EntityTask, f.task).
			WithDescription("Renamed task").
			Build()
		require.NoError(t, err)
		_, err = f.ingester.Log(context.Background(), draft)
		require.NoError(t, err)
	}
}

func (f *apiFixture) do(t *testing.T, userID uuid.UUID, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if userID != uuid.Nil {
		token, err := f.auth.GenerateToken(userID, "sess-1")
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) post(t *testing.T, userID uuid.UUID, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if userID != uuid.Nil {
		token, err := f.auth.GenerateToken(userID, "sess-1")
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.False(t, env.Success)
	return env.Error
}

func TestRecentActivity(t *testing.T) {
	f := newAPIFixture(t)
	f.seedTaskEvents(t, 3)

	t.Run("requires a token", func(t *testing.T) {
		rec := f.do(t, uuid.Nil, "/v1/activity")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "UNAUTHENTICATED", decodeError(t, rec).Code)
	})

	t.Run("member sees the workspace feed", func(t *testing.T) {
		rec := f.do(t, f.member, "/v1/activity?limit=2")
		require.Equal(t, http.StatusOK, rec.Code)

		var page activitysvc.FeedPage
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
		assert.Len(t, page.Data, 2)
		assert.Equal(t, 2, page.Pagination.Limit)
		assert.True(t, page.Pagination.HasMore)
		assert.False(t, page.Data[0].CreatedAt.Before(page.Data[1].CreatedAt))
	})

	t.Run("outsider sees an empty feed", func(t *testing.T) {
		rec := f.do(t, f.outsider, "/v1/activity")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"data":[],"pagination":{"limit":50,"offset":0,"hasMore":false}}`, rec.Body.String())
	})

	t.Run("foreign workspace reads as not found", func(t *testing.T) {
		rec := f.do(t, f.outsider, "/v1/activity?workspaceId="+f.workspace.String())
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("rejects bad parameters", func(t *testing.T) {
		for _, target := range []string{
			"/v1/activity?limit=-1",
			"/v1/activity?limit=abc",
			"/v1/activity?categories=bogus",
			"/v1/activity?workspaceId=not-a-uuid",
		} {
			rec := f.do(t, f.member, target)
			assert.Equal(t, http.StatusBadRequest, rec.Code, target)
			assert.Equal(t, "INVALID_PARAMETER", decodeError(t, rec).Code, target)
		}
	})

	assert.Empty(t, f.emitter.recorded(), "reads never log an api_call")
}

func TestEntityTimeline(t *testing.T) {
	f := newAPIFixture(t)
	f.seedTaskEvents(t, 2)
	path := "/v1/activity/timeline/task/" + f.task.String()

	rec := f.do(t, f.member, path)
	require.Equal(t, http.StatusOK, rec.Code)

	var timeline activitysvc.Timeline
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &timeline))
	assert.Equal(t, 2, timeline.Total)
	assert.Equal(t, activity.EntityTask, timeline.EntityType)
	assert.Equal(t, f.task, timeline.EntityID)

	rec = f.do(t, f.outsider, path)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, f.member, "/v1/activity/timeline/task/"+uuid.NewString())
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, f.member, "/v1/activity/timeline/spaceship/"+f.task.String())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_ENTITY_TYPE", decodeError(t, rec).Code)
}

func TestGroupedTimeline(t *testing.T) {
	f := newAPIFixture(t)
	f.seedTaskEvents(t, 2)

	rec := f.do(t, f.member, "/v1/activity/grouped/task/"+f.task.String())
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data []activitysvc.Group `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Data, 1)
	assert.Equal(t, activitysvc.GroupToday, body.Data[0].Label)
	assert.Len(t, body.Data[0].Events, 2)
}

func TestExport(t *testing.T) {
	f := newAPIFixture(t)
	f.seedTaskEvents(t, 2)

	rec := f.do(t, f.member, "/v1/activity/export?format=csv&workspaceId="+f.workspace.String())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", strings.Split(rec.Header().Get("Content-Type"), ";")[0])
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "attachment;")
	assert.Equal(t, "2", rec.Header().Get("X-Export-Count"))
	assert.Equal(t, 3, strings.Count(strings.TrimSpace(rec.Body.String()), "\n")+1, "header plus two rows")

	recorded := f.emitter.recorded()
	require.Len(t, recorded, 1)
	assert.Equal(t, activity.EventExport, recorded[0].EventType)
	assert.Equal(t, activity.EntityWorkspace, recorded[0].EntityType)
	assert.Equal(t, "csv", recorded[0].Context["format"])

	rec = f.do(t, f.member, "/v1/activity/export?format=csv")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", decodeError(t, rec).Code)
}

func TestExport_RejectsBadParametersBeforeSpendingQuota(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, f.member, "/v1/activity/export?format=xml")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, f.member, "/v1/activity/export?format=json")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", strings.Split(rec.Header().Get("Content-Type"), ";")[0])
}

func TestStatsEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	f.seedTaskEvents(t, 2)
	ws := "?workspaceId=" + f.workspace.String()

	for _, path := range []string{"/v1/activity/metrics", "/v1/activity/security"} {
		t.Run(path, func(t *testing.T) {
			rec := f.do(t, f.member, path)
			assert.Equal(t, http.StatusBadRequest, rec.Code, "workspaceId is required")

			rec = f.do(t, f.outsider, path+ws)
			assert.Equal(t, http.StatusNotFound, rec.Code)

			rec = f.do(t, f.member, path+ws)
			assert.Equal(t, http.StatusOK, rec.Code)
		})
	}

	rec := f.do(t, f.member, "/v1/activity/metrics"+ws)
	var body struct {
		Data analytics.ActivityMetrics `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotNil(t, body.Data.Scope.WorkspaceID)
	assert.Equal(t, f.workspace, *body.Data.Scope.WorkspaceID)
	assert.EqualValues(t, 2, body.Data.TodayTotal)
}

func TestSummaries(t *testing.T) {
	f := newAPIFixture(t)

	from := time.Date(2026, 4, 13, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 3)
	target := "/v1/activity/summaries?period=day&workspaceId=" + f.workspace.String() +
		"&from=" + from.Format(time.RFC3339) + "&to=" + to.Format(time.RFC3339)

	rec := f.do(t, f.member, target)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data []*activity.ActivitySummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Data, 3)
	for _, s := range body.Data {
		assert.Zero(t, s.EventCount)
		assert.Equal(t, activity.PeriodDay, s.PeriodType)
	}

	rec = f.do(t, f.member, strings.Replace(target, "period=day", "period=fortnight", 1))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStream_AuthorizesBeforeUpgrade(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, uuid.Nil, "/v1/activity/stream")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, f.outsider, "/v1/activity/stream?workspaceId="+f.workspace.String())
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLogEvent(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	body := `{"event_type":"updated","entity_type":"task","entity_id":"` + f.task.String() +
		`","workspace_id":"` + f.workspace.String() +
		`","old_values":{"status":"todo"},"new_values":{"status":"done"}}`

	rec := f.post(t, f.member, "/v1/events", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var logged loggedEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &logged))

	stored, err := f.events.Get(ctx, logged.ID)
	require.NoError(t, err)
	assert.Equal(t, activity.EventUpdated, stored.EventType)
	assert.Equal(t, f.member, stored.ActorID(), "the caller is the actor")
	assert.True(t, stored.InWorkspace(f.workspace))
	assert.Equal(t, activity.SourceAPI, stored.Source)
	assert.Equal(t, "done", stored.Delta["status"].New)

	req := httptest.NewRequest(http.MethodPost, "/v1/events", nil)
	req.Header.Set("Content-Type", "application/json")
	assert.NoError(t, f.contract.ValidateResponse(ctx, req, rec.Code, rec.Header(), rec.Body.Bytes()))

	calls := f.emitter.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, activity.EventAPICall, calls[0].EventType)
	assert.Equal(t, "events.log", calls[0].Context["route"])
	assert.Equal(t, http.StatusCreated, calls[0].Context["status"])
	assert.True(t, calls[0].InWorkspace(f.workspace))
	assert.Equal(t, rec.Header().Get(middleware.CorrelationHeader), stored.CorrelationID)

	t.Run("unknown event type", func(t *testing.T) {
		before := f.events.Len()
		rec := f.post(t, f.member, "/v1/events",
			`{"event_type":"teleported","entity_type":"task","entity_id":"`+f.task.String()+`"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "INVALID_EVENT_TYPE", decodeError(t, rec).Code)
		assert.Equal(t, before, f.events.Len())
	})

	t.Run("actor cannot be chosen", func(t *testing.T) {
		rec := f.post(t, f.member, "/v1/events",
			`{"event_type":"updated","entity_type":"task","entity_id":"`+f.task.String()+
				`","user_id":"`+f.outsider.String()+`"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("foreign workspace reads as not found", func(t *testing.T) {
		before := f.events.Len()
		rec := f.post(t, f.outsider, "/v1/events", body)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, before, f.events.Len())

		calls := f.emitter.recorded()
		last := calls[len(calls)-1]
		assert.Equal(t, http.StatusNotFound, last.Context["status"])
		assert.Nil(t, last.WorkspaceID, "an unverified workspace is not recorded")
	})

	t.Run("requires a token", func(t *testing.T) {
		rec := f.post(t, uuid.Nil, "/v1/events", body)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestLogEvents(t *testing.T) {
	f := newAPIFixture(t)

	draft := func(eventType string) string {
		return `{"event_type":"` + eventType + `","entity_type":"task","entity_id":"` + f.task.String() +
			`","workspace_id":"` + f.workspace.String() + `"}`
	}

	rec := f.post(t, f.member, "/v1/events/batch", `{"events":[`+draft("created")+`,`+draft("updated")+`]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var logged loggedEvents
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &logged))
	assert.Len(t, logged.IDs, 2)
	assert.Equal(t, 2, f.events.Len())

	rec = f.post(t, f.member, "/v1/events/batch", `{"events":[`+draft("created")+`,`+draft("teleported")+`]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, "INVALID_EVENT_TYPE", resp.Code)
	assert.EqualValues(t, 1, resp.Details["index"])
	assert.Equal(t, 2, f.events.Len(), "a rejected batch stores nothing")

	rec = f.post(t, f.member, "/v1/events/batch", `{"events":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndDocs(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, uuid.Nil, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)

	f.health.Register("database", func(context.Context) error { return errors.New("connection refused") })
	rec = f.do(t, uuid.Nil, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var health HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, HealthStatusFail, health.Status)
	assert.Equal(t, "connection refused", health.Checks["database"].Error)

	rec = f.do(t, uuid.Nil, "/v1/openapi.yaml")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "openapi: 3.0.3")

	rec = f.do(t, uuid.Nil, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "activity_api_http_requests_total")

	rec = f.do(t, f.member, "/v1/nothing-here")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := RecoveryMiddleware(zaptest.NewLogger(t))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "INTERNAL_ERROR", decodeError(t, rec).Code)
}

func TestAuthMiddleware(t *testing.T) {
	auth, err := NewAuthMiddleware(AuthConfig{JWTSecret: []byte("secret"), Issuer: "activity"})
	require.NoError(t, err)

	_, err = NewAuthMiddleware(AuthConfig{})
	assert.Error(t, err)

	userID := uuid.New()
	var seen uuid.UUID
	handler := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = middleware.UserIDFromContext(r.Context())
		assert.Equal(t, "sess-9", r.Header.Get("X-Session-ID"))
	}))

	token, err := auth.GenerateToken(userID, "sess-9")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/activity/stream?access_token="+token, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, userID, seen)

	other, err := NewAuthMiddleware(AuthConfig{JWTSecret: []byte("other"), Issuer: "activity"})
	require.NoError(t, err)
	forged, err := other.GenerateToken(userID, "")
	require.NoError(t, err)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUserRateLimiter(t *testing.T) {
	limiter := newUserRateLimiter(60, 2)
	now := time.Date(2026, 4, 15, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	a, b := uuid.New(), uuid.New()
	assert.True(t, limiter.Allow(a))
	assert.True(t, limiter.Allow(a))
	assert.False(t, limiter.Allow(a))
	assert.True(t, limiter.Allow(b), "buckets are per user")

	now = now.Add(time.Second)
	assert.True(t, limiter.Allow(a), "one token per second refills")

	now = now.Add(time.Hour)
	limiter.Allow(uuid.New())
	assert.Len(t, limiter.limiters, 1, "idle buckets are evicted")
}
