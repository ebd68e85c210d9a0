package activity

import (
	"bytes"
	"context"
	stderrors "errors"
	"time"

	"github.com/google/uuid"
)

// ErrEntityNotFound is returned by directories when an entity is absent or
// soft-deleted
var ErrEntityNotFound = stderrors.New("entity not found")

// ErrEventNotFound is returned when an event ID does not exist
var ErrEventNotFound = stderrors.New("event not found")

// ErrDuplicateEvent is returned when an event ID is appended twice
var ErrDuplicateEvent = stderrors.New("duplicate event id")

// EventRepository is the append-only event store.
// Every read returns events ordered by (created_at, id) descending and
// excludes redacted events unless the query asks for them.
type EventRepository interface {
	// Append persists a single event atomically
	Append(ctx context.Context, event *Event) error

	// AppendBatch persists several events; all succeed or none do
	AppendBatch(ctx context.Context, events []*Event) error

	// Get retrieves one event, redacted or not
	Get(ctx context.Context, id uuid.UUID) (*Event, error)

	// Query returns a page of events matching the filter
	Query(ctx context.Context, q EventQuery) ([]*Event, error)

	// Range returns every non-redacted event of the scope with
	// from <= created_at < to
	Range(ctx context.Context, scope Scope, from, to time.Time) ([]*Event, error)

	// Redact sets is_deleted; no other field changes
	Redact(ctx context.Context, id uuid.UUID) error

	// Workspaces lists every workspace that has at least one event
	Workspaces(ctx context.Context) ([]uuid.UUID, error)
}

// EventQuery filters a read over the event store
type EventQuery struct {
	Visibility     *Visibility
	WorkspaceID    *uuid.UUID
	UserID         *uuid.UUID
	Categories     []Category
	EventTypes     []EventType
	Severities     []Severity
	EntityTypes    []EntityType
	UserIDs        []uuid.UUID
	EntityType     EntityType
	EntityID       *uuid.UUID
	CorrelationID  string
	From           *time.Time
	To             *time.Time
	IncludeDeleted bool
	Limit          int
	Offset         int
}

// Matches reports whether the event satisfies every constraint of the query
func (q EventQuery) Matches(e *Event) bool {
	if e.IsDeleted && !q.IncludeDeleted {
		return false
	}
	if q.Visibility != nil && !q.Visibility.Allows(e) {
		return false
	}
	if q.WorkspaceID != nil && !e.InWorkspace(*q.WorkspaceID) {
		return false
	}
	if q.UserID != nil && (e.UserID == nil || *e.UserID != *q.UserID) {
		return false
	}
	if len(q.Categories) > 0 && !containsAny(q.Categories, e.Category) {
		return false
	}
	if len(q.EventTypes) > 0 && !containsAny(q.EventTypes, e.EventType) {
		return false
	}
	if len(q.Severities) > 0 && !containsAny(q.Severities, e.Severity) {
		return false
	}
	if len(q.EntityTypes) > 0 && !containsAny(q.EntityTypes, e.EntityType) {
		return false
	}
	if len(q.UserIDs) > 0 && (e.UserID == nil || !containsAny(q.UserIDs, *e.UserID)) {
		return false
	}
	if q.EntityType != "" && e.EntityType != q.EntityType {
		return false
	}
	if q.EntityID != nil && e.EntityID != *q.EntityID {
		return false
	}
	if q.CorrelationID != "" && e.CorrelationID != q.CorrelationID {
		return false
	}
	if q.From != nil && e.CreatedAt.Before(*q.From) {
		return false
	}
	if q.To != nil && !e.CreatedAt.Before(*q.To) {
		return false
	}
	return true
}

// Visibility limits a read to what one user may see: events of the listed
// workspaces, plus the user's own events that have no workspace.
type Visibility struct {
	UserID       uuid.UUID
	WorkspaceIDs []uuid.UUID
}

// Allows reports whether the event is visible
func (v *Visibility) Allows(e *Event) bool {
	if e.WorkspaceID == nil {
		return e.UserID != nil && *e.UserID == v.UserID
	}
	for _, id := range v.WorkspaceIDs {
		if *e.WorkspaceID == id {
			return true
		}
	}
	return false
}

// NewerFirst orders events by (created_at, id) descending
func NewerFirst(a, b *Event) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return bytes.Compare(a.ID[:], b.ID[:]) > 0
}

// SummaryRepository stores derived rollups. Saving a summary replaces any
// row with the same key.
type SummaryRepository interface {
	SaveSummaries(ctx context.Context, summaries []*ActivitySummary) error

	// ReplaceUserSummaries drops every user row of the period with
	// from <= period_start < to and stores summaries in their place, so a
	// user without events left in a bucket has no row
	ReplaceUserSummaries(ctx context.Context, period PeriodType, from, to time.Time, summaries []*UserActivitySummary) error

	Summaries(ctx context.Context, scope Scope, period PeriodType, from, to time.Time) ([]*ActivitySummary, error)
	UserSummaries(ctx context.Context, userID uuid.UUID, period PeriodType, from, to time.Time) ([]*UserActivitySummary, error)
}

// MembershipDirectory answers ownership and membership questions on behalf
// of the workspace/section/task side of the system.
type MembershipDirectory interface {
	IsActiveMember(ctx context.Context, workspaceID, userID uuid.UUID) (bool, error)
	WorkspaceExists(ctx context.Context, workspaceID uuid.UUID) (bool, error)
	TaskWorkspace(ctx context.Context, taskID uuid.UUID) (uuid.UUID, error)
	SectionWorkspace(ctx context.Context, sectionID uuid.UUID) (uuid.UUID, error)
	MembershipWorkspace(ctx context.Context, membershipID uuid.UUID) (uuid.UUID, error)
	ShareWorkspace(ctx context.Context, userA, userB uuid.UUID) (bool, error)
	UserWorkspaces(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
}

// NameDirectory resolves display names used by search and export
type NameDirectory interface {
	UserNames(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error)
	WorkspaceNames(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error)
}

func containsAny[T comparable](list []T, v T) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
