package activity

import (
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/workspace-activity/internal/domain/errors"
)

// Event represents an immutable entry in the activity trail.
// Only IsDeleted (with UpdatedAt) may change after creation, for redaction.
type Event struct {
	// Identity, assigned at persist time
	ID uuid.UUID `json:"id"`

	// Scope
	WorkspaceID *uuid.UUID `json:"workspace_id,omitempty"`
	UserID      *uuid.UUID `json:"user_id,omitempty"`

	// Classification
	EventType EventType `json:"event_type"`
	Category  Category  `json:"category"`
	Severity  Severity  `json:"severity"`

	// Subject
	EntityType  EntityType `json:"entity_type"`
	EntityID    uuid.UUID  `json:"entity_id"`
	Description string     `json:"description,omitempty"`

	// Change record
	OldValues map[string]interface{} `json:"old_values,omitempty"`
	NewValues map[string]interface{} `json:"new_values,omitempty"`
	Delta     map[string]FieldChange `json:"delta,omitempty"`

	// Correlation
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Tags          []string               `json:"tags,omitempty"`
	Context       map[string]interface{} `json:"context,omitempty"`

	// Provenance
	Source    Source `json:"source"`
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	// Timestamps
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
	IsDeleted bool       `json:"is_deleted"`
}

// FieldChange records the prior and new value of one changed key
type FieldChange struct {
	Old interface{} `json:"old"`
	New interface{} `json:"new"`
}

// Validate checks the closed enumerations and required fields
func (e *Event) Validate() error {
	if !e.EventType.IsValid() {
		return errors.NewValidationError("INVALID_EVENT_TYPE",
			"event type must be one of the declared variants").
			WithDetails(map[string]interface{}{"event_type": string(e.EventType)})
	}

	if !e.EntityType.IsValid() {
		return errors.NewValidationError("INVALID_ENTITY_TYPE",
			"entity type must be one of the declared variants").
			WithDetails(map[string]interface{}{"entity_type": string(e.EntityType)})
	}

	if !e.Category.IsValid() {
		return errors.NewValidationError("INVALID_CATEGORY", "category is not recognized")
	}

	if !e.Severity.IsValid() {
		return errors.NewValidationError("INVALID_SEVERITY", "severity is not recognized")
	}

	if !e.Source.IsValid() {
		return errors.NewValidationError("INVALID_SOURCE", "source is not recognized")
	}

	if e.EntityID == uuid.Nil {
		return errors.NewValidationError("MISSING_ENTITY_ID", "entity ID is required")
	}

	return nil
}

// ActorID returns the acting user, or uuid.Nil for system events
func (e *Event) ActorID() uuid.UUID {
	if e.UserID == nil {
		return uuid.Nil
	}
	return *e.UserID
}

// InWorkspace reports whether the event is scoped to the given workspace
func (e *Event) InWorkspace(id uuid.UUID) bool {
	return e.WorkspaceID != nil && *e.WorkspaceID == id
}

// HasTag reports whether the event carries the tag
func (e *Event) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Clone returns a copy that shares no mutable state with e
func (e *Event) Clone() *Event {
	clone := *e

	if e.WorkspaceID != nil {
		id := *e.WorkspaceID
		clone.WorkspaceID = &id
	}
	if e.UserID != nil {
		id := *e.UserID
		clone.UserID = &id
	}
	if e.UpdatedAt != nil {
		ts := *e.UpdatedAt
		clone.UpdatedAt = &ts
	}

	clone.OldValues = copyValues(e.OldValues)
	clone.NewValues = copyValues(e.NewValues)
	clone.Context = copyValues(e.Context)

	if e.Delta != nil {
		clone.Delta = make(map[string]FieldChange, len(e.Delta))
		for k, v := range e.Delta {
			clone.Delta[k] = v
		}
	}

	if e.Tags != nil {
		clone.Tags = make([]string, len(e.Tags))
		copy(clone.Tags, e.Tags)
	}

	return &clone
}

// ComputeDelta returns the keys present in both snapshots whose values differ.
//
// The comparison is shallow: a nested object counts as one value, so any
// difference inside it records the whole old and new object under its key.
// Keys present on only one side are not part of the delta.
func ComputeDelta(oldValues, newValues map[string]interface{}) map[string]FieldChange {
	if oldValues == nil || newValues == nil {
		return nil
	}

	delta := make(map[string]FieldChange)
	for key, oldValue := range oldValues {
		newValue, ok := newValues[key]
		if !ok {
			continue
		}
		if !reflect.DeepEqual(oldValue, newValue) {
			delta[key] = FieldChange{Old: oldValue, New: newValue}
		}
	}

	return delta
}

func copyValues(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
