package activity

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/workspace-activity/internal/domain/activity"
	"github.com/davidleathers/workspace-activity/internal/domain/errors"
)

// EntityChange describes a mutation of one entity
type EntityChange struct {
	WorkspaceID uuid.UUID
	ActorID     uuid.UUID
	EntityType  activity.EntityType
	EntityID    uuid.UUID
	Description string
	OldValues   map[string]interface{}
	NewValues   map[string]interface{}
	Tags        []string
}

func (c EntityChange) builder(eventType activity.EventType) *activity.EventBuilder {
	return activity.NewEventBuilder(eventType).
		WithWorkspace(c.WorkspaceID).
		WithActor(c.ActorID).
		WithEntity(c.EntityType, c.EntityID).
		WithTags(string(c.EntityType)).
		WithTags(c.Tags...)
}

// EntityCreated drafts a created event carrying the new snapshot
func EntityCreated(c EntityChange) (*activity.Event, error) {
	description := c.Description
	if description == "" {
		description = fmt.Sprintf("Created %s", humanize(c.EntityType))
	}
	return c.builder(activity.EventCreated).
		WithDescription(description).
		WithChanges(nil, c.NewValues).
		WithTags("create").
		Build()
}

// EntityUpdated drafts an updated event; the delta is computed at ingestion
func EntityUpdated(c EntityChange) (*activity.Event, error) {
	description := c.Description
	if description == "" {
		description = fmt.Sprintf("Updated %s", humanize(c.EntityType))
	}
	return c.builder(activity.EventUpdated).
		WithDescription(description).
		WithChanges(c.OldValues, c.NewValues).
		WithTags("update").
		Build()
}

// EntityDeleted drafts a deleted event carrying the last known snapshot
func EntityDeleted(c EntityChange) (*activity.Event, error) {
	description := c.Description
	if description == "" {
		description = fmt.Sprintf("Deleted %s", humanize(c.EntityType))
	}
	return c.builder(activity.EventDeleted).
		WithDescription(description).
		WithChanges(c.OldValues, nil).
		WithTags("delete").
		Build()
}

// StatusChange drafts a status transition
func StatusChange(c EntityChange, from, to string) (*activity.Event, error) {
	description := c.Description
	if description == "" {
		description = fmt.Sprintf("Changed %s status from %s to %s", humanize(c.EntityType), from, to)
	}
	return c.builder(activity.EventStatusChanged).
		WithDescription(description).
		WithChanges(map[string]interface{}{"status": from}, map[string]interface{}{"status": to}).
		WithContext("from_status", from).
		WithContext("to_status", to).
		Build()
}

// Assignment drafts an assigned event, or unassigned when assignee is uuid.Nil
func Assignment(c EntityChange, previous, assignee uuid.UUID) (*activity.Event, error) {
	eventType := activity.EventAssigned
	description := fmt.Sprintf("Assigned %s", humanize(c.EntityType))
	if assignee == uuid.Nil {
		eventType = activity.EventUnassigned
		description = fmt.Sprintf("Unassigned %s", humanize(c.EntityType))
	}
	if c.Description != "" {
		description = c.Description
	}

	b := c.builder(eventType).
		WithDescription(description).
		WithChanges(
			map[string]interface{}{"assignee_id": optionalID(previous)},
			map[string]interface{}{"assignee_id": optionalID(assignee)},
		)
	if assignee != uuid.Nil {
		b = b.WithContext("assignee_id", assignee.String())
	}
	return b.Build()
}

// AuthAttempt describes an authentication or credential event
type AuthAttempt struct {
	EventType  activity.EventType
	UserID     uuid.UUID
	Email      string
	Success    bool
	Reason     string
	Provenance activity.Provenance
}

var authEvents = map[activity.EventType]bool{
	activity.EventLogin:              true,
	activity.EventLogout:             true,
	activity.EventLoginFailed:        true,
	activity.EventSignup:             true,
	activity.EventPasswordChanged:    true,
	activity.EventPasswordReset:      true,
	activity.EventMFAEnabled:         true,
	activity.EventMFADisabled:        true,
	activity.EventSessionExpired:     true,
	activity.EventTokenRefreshed:     true,
	activity.EventPermissionDenied:   true,
	activity.EventSuspiciousActivity: true,
	activity.EventRateLimited:        true,
	activity.EventAPIKeyCreated:      true,
	activity.EventAPIKeyRevoked:      true,
}

// AuthEvent drafts a security event. An attempt for an unknown user is filed
// against a session entity.
func AuthEvent(a AuthAttempt) (*activity.Event, error) {
	if !authEvents[a.EventType] {
		return nil, errors.NewValidationError("INVALID_AUTH_EVENT",
			fmt.Sprintf("%s is not an authentication event", a.EventType))
	}

	entityType, entityID := activity.EntityUser, a.UserID
	if entityID == uuid.Nil {
		entityType, entityID = activity.EntitySession, uuid.New()
	}

	b := activity.NewEventBuilder(a.EventType).
		WithActor(a.UserID).
		WithEntity(entityType, entityID).
		WithCategory(activity.CategorySecurity).
		WithDescription(authDescription(a)).
		WithProvenance(a.Provenance).
		WithContext("success", a.Success).
		WithTags("auth")

	if !a.Success && a.EventType.DefaultSeverity().Rank() < activity.SeverityWarning.Rank() {
		b = b.WithSeverity(activity.SeverityWarning)
	}
	if a.Email != "" {
		b = b.WithContext("email", a.Email)
	}
	if a.Reason != "" {
		b = b.WithContext("reason", a.Reason)
	}
	return b.Build()
}

func authDescription(a AuthAttempt) string {
	if a.Success {
		return fmt.Sprintf("Authentication event: %s", a.EventType)
	}
	if a.Reason != "" {
		return fmt.Sprintf("Authentication event %s failed: %s", a.EventType, a.Reason)
	}
	return fmt.Sprintf("Authentication event %s failed", a.EventType)
}

// SearchParams describes one search performed by a user
type SearchParams struct {
	WorkspaceID uuid.UUID
	ActorID     uuid.UUID
	Query       string
	Filters     map[string]interface{}
	ResultCount int
	Duration    time.Duration
}

// SearchEvent drafts a search event filed against the workspace searched, or
// the searching user for cross-workspace searches
func SearchEvent(p SearchParams) (*activity.Event, error) {
	entityType, entityID := activity.EntityWorkspace, p.WorkspaceID
	if entityID == uuid.Nil {
		entityType, entityID = activity.EntityUser, p.ActorID
	}

	b := activity.NewEventBuilder(activity.EventSearch).
		WithWorkspace(p.WorkspaceID).
		WithActor(p.ActorID).
		WithEntity(entityType, entityID).
		WithDescription(fmt.Sprintf("Searched for %q", p.Query)).
		WithContext("query", p.Query).
		WithContext("result_count", p.ResultCount).
		WithContext("duration_ms", p.Duration.Milliseconds()).
		WithTags("search")

	if len(p.Filters) > 0 {
		b = b.WithContext("filters", p.Filters)
	}
	return b.Build()
}

// ErrorReport describes a failure worth keeping in the activity trail
type ErrorReport struct {
	WorkspaceID uuid.UUID
	ActorID     uuid.UUID
	EntityType  activity.EntityType
	EntityID    uuid.UUID
	Operation   string
	Code        string
	Err         error
	Critical    bool
}

// ErrorEvent drafts an error event. Without an explicit subject the event is
// filed against the workspace, then the actor.
func ErrorEvent(r ErrorReport) (*activity.Event, error) {
	entityType, entityID := r.EntityType, r.EntityID
	switch {
	case entityID != uuid.Nil:
	case r.WorkspaceID != uuid.Nil:
		entityType, entityID = activity.EntityWorkspace, r.WorkspaceID
	case r.ActorID != uuid.Nil:
		entityType, entityID = activity.EntityUser, r.ActorID
	}

	message := "unknown error"
	if r.Err != nil {
		message = r.Err.Error()
	}

	b := activity.NewEventBuilder(activity.EventError).
		WithWorkspace(r.WorkspaceID).
		WithActor(r.ActorID).
		WithEntity(entityType, entityID).
		WithDescription(fmt.Sprintf("%s failed: %s", r.Operation, message)).
		WithContext("operation", r.Operation).
		WithContext("error", message).
		WithTags("error")

	if r.Code != "" {
		b = b.WithContext("code", r.Code)
	}
	if r.Critical {
		b = b.WithSeverity(activity.SeverityCritical)
	}
	return b.Build()
}

// BatchParams describes one operation applied to many entities
type BatchParams struct {
	WorkspaceID uuid.UUID
	ActorID     uuid.UUID
	Operation   string
	EntityType  activity.EntityType
	EntityIDs   []uuid.UUID
	Succeeded   int
	Failed      int
}

// BatchOperation drafts a batch_operation event filed against the workspace
func BatchOperation(p BatchParams) (*activity.Event, error) {
	ids := make([]string, 0, len(p.EntityIDs))
	for _, id := range p.EntityIDs {
		ids = append(ids, id.String())
	}

	b := activity.NewEventBuilder(activity.EventBatchOperation).
		WithWorkspace(p.WorkspaceID).
		WithActor(p.ActorID).
		WithEntity(activity.EntityWorkspace, p.WorkspaceID).
		WithDescription(fmt.Sprintf("%s on %d %s items", p.Operation, len(p.EntityIDs), humanize(p.EntityType))).
		WithContext("operation", p.Operation).
		WithContext("entity_type", string(p.EntityType)).
		WithContext("entity_ids", ids).
		WithContext("entity_count", len(p.EntityIDs)).
		WithContext("succeeded", p.Succeeded).
		WithContext("failed", p.Failed).
		WithTags("batch")

	if p.Failed > 0 {
		b = b.WithSeverity(activity.SeverityWarning)
	}
	return b.Build()
}

// APICall summarizes one handled request
type APICall struct {
	WorkspaceID uuid.UUID
	ActorID     uuid.UUID
	Method      string
	Route       string
	Status      int
	Duration    time.Duration
	Error       string
}

// APICallEvent drafts an api_call event. It is filed against the caller, or a
// session entity for anonymous requests.
func APICallEvent(c APICall) (*activity.Event, error) {
	entityType, entityID := activity.EntityUser, c.ActorID
	if entityID == uuid.Nil {
		entityType, entityID = activity.EntitySession, uuid.New()
	}

	outcome := "success"
	severity := activity.SeverityDebug
	switch {
	case c.Status >= 500:
		outcome, severity = "error", activity.SeverityError
	case c.Status >= 400:
		outcome, severity = "client_error", activity.SeverityWarning
	}

	b := activity.NewEventBuilder(activity.EventAPICall).
		WithWorkspace(c.WorkspaceID).
		WithActor(c.ActorID).
		WithEntity(entityType, entityID).
		WithCategory(activity.CategorySystem).
		WithSeverity(severity).
		WithDescription(fmt.Sprintf("%s %s -> %d", c.Method, c.Route, c.Status)).
		WithContext("method", c.Method).
		WithContext("route", c.Route).
		WithContext("status", c.Status).
		WithContext("outcome", outcome).
		WithContext("duration_ms", c.Duration.Milliseconds())

	if c.Error != "" {
		b = b.WithContext("error", c.Error)
	}
	return b.Build()
}

// LogEntityCreated records that an entity was created
func (i *Ingester) LogEntityCreated(ctx context.Context, c EntityChange) (uuid.UUID, error) {
	return i.logDraft(ctx, func() (*activity.Event, error) { return EntityCreated(c) })
}

// LogEntityUpdated records that an entity changed
func (i *Ingester) LogEntityUpdated(ctx context.Context, c EntityChange) (uuid.UUID, error) {
	return i.logDraft(ctx, func() (*activity.Event, error) { return EntityUpdated(c) })
}

// LogEntityDeleted records that an entity was deleted
func (i *Ingester) LogEntityDeleted(ctx context.Context, c EntityChange) (uuid.UUID, error) {
	return i.logDraft(ctx, func() (*activity.Event, error) { return EntityDeleted(c) })
}

// LogStatusChange records a status transition
func (i *Ingester) LogStatusChange(ctx context.Context, c EntityChange, from, to string) (uuid.UUID, error) {
	return i.logDraft(ctx, func() (*activity.Event, error) { return StatusChange(c, from, to) })
}

// LogAssignment records an assignment change
func (i *Ingester) LogAssignment(ctx context.Context, c EntityChange, previous, assignee uuid.UUID) (uuid.UUID, error) {
	return i.logDraft(ctx, func() (*activity.Event, error) { return Assignment(c, previous, assignee) })
}

// LogAuthEvent records an authentication event
func (i *Ingester) LogAuthEvent(ctx context.Context, a AuthAttempt) (uuid.UUID, error) {
	return i.logDraft(ctx, func() (*activity.Event, error) { return AuthEvent(a) })
}

// LogSearchEvent records a search
func (i *Ingester) LogSearchEvent(ctx context.Context, p SearchParams) (uuid.UUID, error) {
	return i.logDraft(ctx, func() (*activity.Event, error) { return SearchEvent(p) })
}

// LogError records a failure
func (i *Ingester) LogError(ctx context.Context, r ErrorReport) (uuid.UUID, error) {
	return i.logDraft(ctx, func() (*activity.Event, error) { return ErrorEvent(r) })
}

// LogBatchOperation records a bulk operation
func (i *Ingester) LogBatchOperation(ctx context.Context, p BatchParams) (uuid.UUID, error) {
	return i.logDraft(ctx, func() (*activity.Event, error) { return BatchOperation(p) })
}

// LogAPICall records a handled request
func (i *Ingester) LogAPICall(ctx context.Context, c APICall) (uuid.UUID, error) {
	return i.logDraft(ctx, func() (*activity.Event, error) { return APICallEvent(c) })
}

func (i *Ingester) logDraft(ctx context.Context, draft func() (*activity.Event, error)) (uuid.UUID, error) {
	event, err := draft()
	if err != nil {
		i.metrics.IncFailure("validation")
		return uuid.Nil, err
	}
	return i.Log(ctx, event)
}

func optionalID(id uuid.UUID) interface{} {
	if id == uuid.Nil {
		return nil
	}
	return id.String()
}

func humanize(t activity.EntityType) string {
	switch t {
	case activity.EntityWorkspaceMember:
		return "workspace member"
	case activity.EntityAPIKey:
		return "API key"
	default:
		return string(t)
	}
}
