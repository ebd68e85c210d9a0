package rest

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davidleathers/workspace-activity/internal/api/middleware"
	"github.com/davidleathers/workspace-activity/internal/api/websocket"
	"github.com/davidleathers/workspace-activity/internal/domain/activity"
	domainErrors "github.com/davidleathers/workspace-activity/internal/domain/errors"
	"github.com/davidleathers/workspace-activity/internal/service/access"
	activitysvc "github.com/davidleathers/workspace-activity/internal/service/activity"
	"github.com/davidleathers/workspace-activity/internal/service/analytics"
)

// HandlerDeps wires the services behind the activity endpoints
type HandlerDeps struct {
	Query     *activitysvc.QueryService
	Analytics analytics.Service
	Verifier  *access.Verifier
	Directory activity.MembershipDirectory
	Hub       *websocket.Hub
	Emitter   middleware.Emitter
	Events    EventLogger
	Logger    *zap.Logger

	// ExportPerMinute and ExportBurst bound exports per user
	ExportPerMinute int
	ExportBurst     int
}

// Handlers serves the activity endpoints
type Handlers struct {
	query     *activitysvc.QueryService
	analytics analytics.Service
	verifier  *access.Verifier
	dir       activity.MembershipDirectory
	hub       *websocket.Hub
	emitter   middleware.Emitter
	events    EventLogger
	exports   *userRateLimiter
	validate  *validator.Validate
	logger    *zap.Logger
}

// NewHandlers creates the handlers
func NewHandlers(deps HandlerDeps) *Handlers {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		query:     deps.Query,
		analytics: deps.Analytics,
		verifier:  deps.Verifier,
		dir:       deps.Directory,
		hub:       deps.Hub,
		emitter:   deps.Emitter,
		events:    deps.Events,
		exports:   newUserRateLimiter(deps.ExportPerMinute, deps.ExportBurst),
		validate:  validator.New(),
		logger:    logger,
	}
}

// GetRecentActivity handles GET /v1/activity
func (h *Handlers) GetRecentActivity(w http.ResponseWriter, r *http.Request) {
	params, err := parseFeedQuery(r.URL.Query())
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.validate.Struct(params); err != nil {
		writeError(w, err)
		return
	}

	page, err := h.query.GetRecentActivity(r.Context(), params.request(requester(r)))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// GetEntityTimeline handles GET /v1/activity/timeline/{entityType}/{entityId}
func (h *Handlers) GetEntityTimeline(w http.ResponseWriter, r *http.Request) {
	params, err := h.timelineParams(r)
	if err != nil {
		writeError(w, err)
		return
	}

	timeline, err := h.query.GetEntityActivityTimeline(r.Context(), requester(r),
		params.EntityType, uuid.MustParse(params.EntityID), params.Limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, timeline)
}

// GetGroupedTimeline handles GET /v1/activity/grouped/{entityType}/{entityId}
func (h *Handlers) GetGroupedTimeline(w http.ResponseWriter, r *http.Request) {
	params, err := h.timelineParams(r)
	if err != nil {
		writeError(w, err)
		return
	}

	groups, err := h.query.GetGroupedTimeline(r.Context(), requester(r),
		params.EntityType, uuid.MustParse(params.EntityID), params.Limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dataEnvelope{Data: groups})
}

func (h *Handlers) timelineParams(r *http.Request) (timelineQuery, error) {
	limit, err := queryInt(r.URL.Query(), "limit")
	if err != nil {
		return timelineQuery{}, err
	}
	params := timelineQuery{
		EntityType: r.PathValue("entityType"),
		EntityID:   r.PathValue("entityId"),
		Limit:      limit,
	}
	if err := h.validate.Struct(params); err != nil {
		return timelineQuery{}, err
	}
	return params, nil
}

// Export handles GET /v1/activity/export. The body is rendered in memory
// first so a failure never leaves a truncated download behind.
func (h *Handlers) Export(w http.ResponseWriter, r *http.Request) {
	userID := requester(r)
	if userID == uuid.Nil {
		writeError(w, domainErrors.NewUnauthorizedError("authentication required"))
		return
	}

	params, err := parseExportQuery(r.URL.Query())
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.validate.Struct(params); err != nil {
		writeError(w, err)
		return
	}

	if !h.exports.Allow(userID) {
		writeError(w, domainErrors.NewRateLimitError("export rate limit exceeded"))
		return
	}

	req := params.request(userID)
	if req.Format == "" {
		req.Format = activitysvc.ExportCSV
	}

	var buf bytes.Buffer
	count, err := h.query.Export(r.Context(), req, &buf)
	if err != nil {
		writeError(w, err)
		return
	}

	h.recordExport(r.Context(), req, count)

	filename := fmt.Sprintf("activity-%s.%s", time.Now().UTC().Format("20060102-150405"), req.Format)
	w.Header().Set("Content-Type", req.Format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("X-Export-Count", fmt.Sprint(count))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// recordExport files an export event; exports leave the system with
// activity data and are part of the trail
func (h *Handlers) recordExport(ctx context.Context, req activitysvc.ExportRequest, count int) {
	if h.emitter == nil {
		return
	}

	entityType, entityID := activity.EntityUser, req.RequesterID
	b := activity.NewEventBuilder(activity.EventExport).
		WithActor(req.RequesterID).
		WithDescription(fmt.Sprintf("Exported %d activity events as %s", count, req.Format)).
		WithContext("format", string(req.Format)).
		WithContext("count", count).
		WithContext("audit", req.Audit)
	if req.WorkspaceID != nil {
		entityType, entityID = activity.EntityWorkspace, *req.WorkspaceID
		b = b.WithWorkspace(*req.WorkspaceID)
	}

	draft, err := b.WithEntity(entityType, entityID).Build()
	if err != nil {
		h.logger.Error("Failed to draft export event", zap.Error(err))
		return
	}
	h.emitter.Emit(ctx, draft)
}

// GetMetrics handles GET /v1/activity/metrics
func (h *Handlers) GetMetrics(w http.ResponseWriter, r *http.Request) {
	scope, err := h.scope(r)
	if err != nil {
		writeError(w, err)
		return
	}

	m, err := h.analytics.GetActivityMetrics(r.Context(), scope)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dataEnvelope{Data: m})
}

// GetSecuritySummary handles GET /v1/activity/security
func (h *Handlers) GetSecuritySummary(w http.ResponseWriter, r *http.Request) {
	scope, err := h.scope(r)
	if err != nil {
		writeError(w, err)
		return
	}

	s, err := h.analytics.GetSecuritySummary(r.Context(), scope)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dataEnvelope{Data: s})
}

// GetSummaries handles GET /v1/activity/summaries
func (h *Handlers) GetSummaries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := summariesQuery{
		WorkspaceID: q.Get("workspaceId"),
		Period:      q.Get("period"),
		From:        q.Get("from"),
		To:          q.Get("to"),
	}
	if err := h.validate.Struct(params); err != nil {
		writeError(w, err)
		return
	}

	scope, err := h.authorizeWorkspace(r.Context(), requester(r), uuid.MustParse(params.WorkspaceID))
	if err != nil {
		writeError(w, err)
		return
	}

	summaries, err := h.analytics.GetSummaries(r.Context(), scope, activity.PeriodType(params.Period),
		*optionalTime(params.From), *optionalTime(params.To))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dataEnvelope{Data: summaries})
}

// Stream handles GET /v1/activity/stream
func (h *Handlers) Stream(w http.ResponseWriter, r *http.Request) {
	userID := requester(r)
	if userID == uuid.Nil {
		writeError(w, domainErrors.NewUnauthorizedError("authentication required"))
		return
	}

	q := r.URL.Query()
	params := feedQuery{WorkspaceID: q.Get("workspaceId"), Categories: queryList(q, "categories")}
	if err := h.validate.Struct(params); err != nil {
		writeError(w, err)
		return
	}
	feed := params.request(userID)

	sub := websocket.Subscription{UserID: userID, Categories: feed.Categories}
	if feed.WorkspaceID != nil {
		scope, err := h.authorizeWorkspace(r.Context(), userID, *feed.WorkspaceID)
		if err != nil {
			writeError(w, err)
			return
		}
		sub.WorkspaceID = scope.WorkspaceID
	}

	workspaces, err := h.dir.UserWorkspaces(r.Context(), userID)
	if err != nil {
		writeError(w, domainErrors.NewInternalError("failed to resolve workspaces").WithCause(err))
		return
	}
	sub.Visibility = activity.Visibility{UserID: userID, WorkspaceIDs: workspaces}

	if err := h.hub.Serve(w, r, sub); err != nil {
		writeError(w, err)
	}
}

// scope resolves the required workspaceId parameter of the stats endpoints
func (h *Handlers) scope(r *http.Request) (activity.Scope, error) {
	params := scopeQuery{WorkspaceID: r.URL.Query().Get("workspaceId")}
	if err := h.validate.Struct(params); err != nil {
		return activity.Scope{}, err
	}
	return h.authorizeWorkspace(r.Context(), requester(r), uuid.MustParse(params.WorkspaceID))
}

// authorizeWorkspace returns the workspace scope, reading an inaccessible
// workspace as not found
func (h *Handlers) authorizeWorkspace(ctx context.Context, userID, workspaceID uuid.UUID) (activity.Scope, error) {
	if userID == uuid.Nil {
		return activity.Scope{}, domainErrors.NewUnauthorizedError("authentication required")
	}
	decision, err := h.verifier.Check(ctx, userID, activity.EntityWorkspace, workspaceID)
	if err != nil {
		return activity.Scope{}, err
	}
	if decision != access.Authorized {
		return activity.Scope{}, domainErrors.NewNotFoundError("workspace")
	}
	return activity.WorkspaceScope(workspaceID), nil
}

func requester(r *http.Request) uuid.UUID {
	id, _ := middleware.UserIDFromContext(r.Context())
	return id
}
