package activity

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/davidleathers/workspace-activity/internal/domain/activity"
	"github.com/davidleathers/workspace-activity/internal/domain/errors"
	"github.com/davidleathers/workspace-activity/internal/infrastructure/telemetry"
	"github.com/davidleathers/workspace-activity/internal/service/access"
)

// Paging limits of the read views
const (
	DefaultFeedLimit     = 50
	MaxFeedLimit         = 100
	DefaultTimelineLimit = 100
	MaxTimelineLimit     = 500
	MaxExportRows        = 10000

	searchPageSize = 1000
)

// FeedRequest selects a page of the recent activity feed
type FeedRequest struct {
	RequesterID uuid.UUID
	WorkspaceID *uuid.UUID
	UserID      *uuid.UUID
	Categories  []activity.Category
	Limit       int
	Offset      int
}

// Pagination describes the returned page
type Pagination struct {
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"hasMore"`
}

// FeedPage is one page of the recent activity feed
type FeedPage struct {
	Data       []*activity.Event `json:"data"`
	Pagination Pagination        `json:"pagination"`
}

// Timeline is the activity history of one entity
type Timeline struct {
	Data       []*activity.Event   `json:"data"`
	EntityType activity.EntityType `json:"entityType"`
	EntityID   uuid.UUID           `json:"entityId"`
	Total      int                 `json:"total"`
}

// QueryService serves the read views over the event store. It never writes.
type QueryService struct {
	store    activity.EventRepository
	verifier *access.Verifier
	dir      activity.MembershipDirectory
	names    activity.NameDirectory
	loc      *time.Location
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewQueryService creates a query service. loc is the reference timezone for
// calendar grouping and date presets; nil means UTC.
func NewQueryService(
	store activity.EventRepository,
	verifier *access.Verifier,
	dir activity.MembershipDirectory,
	names activity.NameDirectory,
	loc *time.Location,
	logger *zap.Logger,
) *QueryService {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueryService{
		store:    store,
		verifier: verifier,
		dir:      dir,
		names:    names,
		loc:      loc,
		logger:   logger,
		tracer:   otel.Tracer("activity.query"),
		now:      time.Now,
	}
}

// Location returns the reference timezone
func (s *QueryService) Location() *time.Location {
	return s.loc
}

// GetRecentActivity returns the newest events visible to the requester,
// optionally narrowed to a workspace, an actor and a set of categories.
// HasMore is true iff the page is exactly Limit long.
func (s *QueryService) GetRecentActivity(ctx context.Context, req FeedRequest) (*FeedPage, error) {
	ctx, span := s.tracer.Start(ctx, "QueryService.GetRecentActivity")
	defer span.End()

	if req.RequesterID == uuid.Nil {
		return nil, errors.NewUnauthorizedError("authentication required")
	}

	limit, err := clampLimit(req.Limit, DefaultFeedLimit, MaxFeedLimit)
	if err != nil {
		return nil, err
	}
	if req.Offset < 0 {
		return nil, errors.NewValidationError("INVALID_OFFSET", "offset cannot be negative")
	}
	for _, c := range req.Categories {
		if !c.IsValid() {
			return nil, errors.NewValidationError("INVALID_CATEGORY", "category is not recognized").
				WithDetails(map[string]interface{}{"category": string(c)})
		}
	}

	q, err := s.visibleQuery(ctx, req.RequesterID, req.WorkspaceID)
	if err != nil {
		return nil, err
	}
	q.UserID = req.UserID
	q.Categories = req.Categories
	q.Limit = limit
	q.Offset = req.Offset

	events, err := s.store.Query(ctx, q)
	if err != nil {
		telemetry.WithTrace(ctx, s.logger).Error("Failed to read activity feed", zap.Error(err))
		return nil, errors.NewInternalError("failed to read activity").WithCause(err)
	}

	span.SetAttributes(attribute.Int("result.count", len(events)))

	return &FeedPage{
		Data: events,
		Pagination: Pagination{
			Limit:   limit,
			Offset:  req.Offset,
			HasMore: len(events) == limit,
		},
	}, nil
}

// GetEntityActivityTimeline returns an entity's events, newest first, after
// the access verifier authorizes the requester
func (s *QueryService) GetEntityActivityTimeline(
	ctx context.Context,
	requesterID uuid.UUID,
	entityType string,
	entityID uuid.UUID,
	limit int,
) (*Timeline, error) {
	ctx, span := s.tracer.Start(ctx, "QueryService.GetEntityActivityTimeline",
		trace.WithAttributes(attribute.String("entity.type", entityType)),
	)
	defer span.End()

	if requesterID == uuid.Nil {
		return nil, errors.NewUnauthorizedError("authentication required")
	}

	et, err := activity.ParseEntityType(entityType)
	if err != nil {
		return nil, errors.NewValidationError("INVALID_ENTITY_TYPE", "entity type is not recognized").
			WithDetails(map[string]interface{}{"entity_type": entityType})
	}

	limit, err = clampLimit(limit, DefaultTimelineLimit, MaxTimelineLimit)
	if err != nil {
		return nil, err
	}

	if err := s.verifier.Authorize(ctx, requesterID, et, entityID); err != nil {
		return nil, err
	}

	events, err := s.store.Query(ctx, activity.EventQuery{
		EntityType: et,
		EntityID:   &entityID,
		Limit:      limit,
	})
	if err != nil {
		telemetry.WithTrace(ctx, s.logger).Error("Failed to read entity timeline",
			zap.String("entity_type", entityType),
			zap.String("entity_id", entityID.String()),
			zap.Error(err),
		)
		return nil, errors.NewInternalError("failed to read timeline").WithCause(err)
	}

	return &Timeline{
		Data:       events,
		EntityType: et,
		EntityID:   entityID,
		Total:      len(events),
	}, nil
}

// GetGroupedTimeline returns the entity timeline partitioned into calendar
// groups in the reference timezone
func (s *QueryService) GetGroupedTimeline(
	ctx context.Context,
	requesterID uuid.UUID,
	entityType string,
	entityID uuid.UUID,
	limit int,
) ([]Group, error) {
	timeline, err := s.GetEntityActivityTimeline(ctx, requesterID, entityType, entityID, limit)
	if err != nil {
		return nil, err
	}
	return GroupByDay(timeline.Data, s.now(), s.loc), nil
}

// SearchRequest selects, filters and sorts events for search and export
type SearchRequest struct {
	RequesterID uuid.UUID
	WorkspaceID *uuid.UUID
	Filter      Filter
	Sort        SortOptions
	// Audit includes redacted events
	Audit bool
}

// Search returns every visible event matching the filter, sorted, together
// with the names used to match and render them. The structured constraints
// run in the store; free text is matched page by page. More than
// MaxExportRows matches is a validation error rather than a truncated set.
func (s *QueryService) Search(ctx context.Context, req SearchRequest) ([]*activity.Event, Names, error) {
	ctx, span := s.tracer.Start(ctx, "QueryService.Search")
	defer span.End()

	if req.RequesterID == uuid.Nil {
		return nil, Names{}, errors.NewUnauthorizedError("authentication required")
	}
	if err := req.Filter.Validate(); err != nil {
		return nil, Names{}, err
	}
	if err := req.Sort.Validate(); err != nil {
		return nil, Names{}, err
	}

	q, err := s.visibleQuery(ctx, req.RequesterID, req.WorkspaceID)
	if err != nil {
		return nil, Names{}, err
	}
	now := s.now()
	q.IncludeDeleted = req.Audit
	req.Filter.narrow(&q, now, s.loc)
	q.Limit = searchPageSize

	names := Names{Users: map[uuid.UUID]string{}, Workspaces: map[uuid.UUID]string{}}
	matched := make([]*activity.Event, 0)
	scanned := 0
	for {
		page, err := s.store.Query(ctx, q)
		if err != nil {
			return nil, Names{}, errors.NewInternalError("failed to read activity").WithCause(err)
		}
		scanned += len(page)

		pageNames, err := s.resolveNames(ctx, page)
		if err != nil {
			return nil, Names{}, err
		}
		names.merge(pageNames)

		matched = append(matched, req.Filter.Apply(page, names, now, s.loc)...)
		if len(matched) > MaxExportRows {
			return nil, Names{}, errors.NewValidationError("RESULT_TOO_LARGE",
				fmt.Sprintf("more than %d events match; narrow the filter", MaxExportRows))
		}
		if len(page) < q.Limit {
			break
		}
		q.Offset += len(page)
	}
	SortEvents(matched, req.Sort, names)

	span.SetAttributes(
		attribute.Int("scanned", scanned),
		attribute.Int("matched", len(matched)),
	)
	return matched, names, nil
}

// visibleQuery scopes a read to one accessible workspace, or to everything
// the requester can see when workspaceID is nil. An inaccessible workspace
// reads as not found.
func (s *QueryService) visibleQuery(ctx context.Context, requesterID uuid.UUID, workspaceID *uuid.UUID) (activity.EventQuery, error) {
	if workspaceID != nil {
		decision, err := s.verifier.Check(ctx, requesterID, activity.EntityWorkspace, *workspaceID)
		if err != nil {
			return activity.EventQuery{}, err
		}
		if decision != access.Authorized {
			return activity.EventQuery{}, errors.NewNotFoundError("workspace")
		}
		return activity.EventQuery{WorkspaceID: workspaceID}, nil
	}

	workspaces, err := s.dir.UserWorkspaces(ctx, requesterID)
	if err != nil {
		return activity.EventQuery{}, errors.NewInternalError("failed to resolve workspaces").WithCause(err)
	}
	return activity.EventQuery{
		Visibility: &activity.Visibility{UserID: requesterID, WorkspaceIDs: workspaces},
	}, nil
}

// Names maps ids to display names
type Names struct {
	Users      map[uuid.UUID]string
	Workspaces map[uuid.UUID]string
}

// Actor returns the display name of the event's actor
func (n Names) Actor(e *activity.Event) string {
	if e.UserID == nil {
		return "System"
	}
	if name, ok := n.Users[*e.UserID]; ok {
		return name
	}
	return e.UserID.String()
}

// Workspace returns the display name of the event's workspace
func (n Names) Workspace(e *activity.Event) string {
	if e.WorkspaceID == nil {
		return ""
	}
	if name, ok := n.Workspaces[*e.WorkspaceID]; ok {
		return name
	}
	return e.WorkspaceID.String()
}

func (n Names) merge(other Names) {
	for id, name := range other.Users {
		n.Users[id] = name
	}
	for id, name := range other.Workspaces {
		n.Workspaces[id] = name
	}
}

func (s *QueryService) resolveNames(ctx context.Context, events []*activity.Event) (Names, error) {
	names := Names{
		Users:      map[uuid.UUID]string{},
		Workspaces: map[uuid.UUID]string{},
	}
	if s.names == nil || len(events) == 0 {
		return names, nil
	}

	users := make(map[uuid.UUID]struct{})
	workspaces := make(map[uuid.UUID]struct{})
	for _, e := range events {
		if e.UserID != nil {
			users[*e.UserID] = struct{}{}
		}
		if e.WorkspaceID != nil {
			workspaces[*e.WorkspaceID] = struct{}{}
		}
	}

	var err error
	if names.Users, err = s.names.UserNames(ctx, keys(users)); err != nil {
		return names, errors.NewInternalError("failed to resolve user names").WithCause(err)
	}
	if names.Workspaces, err = s.names.WorkspaceNames(ctx, keys(workspaces)); err != nil {
		return names, errors.NewInternalError("failed to resolve workspace names").WithCause(err)
	}
	return names, nil
}

func keys(set map[uuid.UUID]struct{}) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

func clampLimit(limit, def, max int) (int, error) {
	switch {
	case limit < 0:
		return 0, errors.NewValidationError("INVALID_LIMIT", "limit cannot be negative")
	case limit == 0:
		return def, nil
	case limit > max:
		return max, nil
	default:
		return limit, nil
	}
}
