package activity

import (
	"github.com/google/uuid"

	"github.com/davidleathers/workspace-activity/internal/domain/errors"
)

// EventBuilder provides a fluent interface for drafting activity events.
// The built event has no ID or CreatedAt; ingestion assigns both.
type EventBuilder struct {
	event *Event
	err   error
}

// NewEventBuilder creates a new event builder with the type's default
// category and severity
func NewEventBuilder(eventType EventType) *EventBuilder {
	return &EventBuilder{
		event: &Event{
			EventType: eventType,
			Category:  eventType.DefaultCategory(),
			Severity:  eventType.DefaultSeverity(),
			Source:    SourceWeb,
			Tags:      make([]string, 0),
		},
	}
}

// WithWorkspace scopes the event to a workspace
func (b *EventBuilder) WithWorkspace(id uuid.UUID) *EventBuilder {
	if b.err != nil {
		return b
	}
	if id != uuid.Nil {
		b.event.WorkspaceID = &id
	}
	return b
}

// WithActor sets the acting user
func (b *EventBuilder) WithActor(id uuid.UUID) *EventBuilder {
	if b.err != nil {
		return b
	}
	if id != uuid.Nil {
		b.event.UserID = &id
	}
	return b
}

// WithEntity sets the subject of the event
func (b *EventBuilder) WithEntity(entityType EntityType, id uuid.UUID) *EventBuilder {
	if b.err != nil {
		return b
	}

	if id == uuid.Nil {
		b.err = errors.NewValidationError("MISSING_ENTITY_ID", "entity ID cannot be empty")
		return b
	}

	b.event.EntityType = entityType
	b.event.EntityID = id
	return b
}

// WithDescription sets the human readable description
func (b *EventBuilder) WithDescription(description string) *EventBuilder {
	if b.err != nil {
		return b
	}
	b.event.Description = description
	return b
}

// WithChanges records the prior and new snapshots of the subject
func (b *EventBuilder) WithChanges(oldValues, newValues map[string]interface{}) *EventBuilder {
	if b.err != nil {
		return b
	}
	b.event.OldValues = copyValues(oldValues)
	b.event.NewValues = copyValues(newValues)
	return b
}

// WithCategory overrides the default category
func (b *EventBuilder) WithCategory(category Category) *EventBuilder {
	if b.err != nil {
		return b
	}

	if !category.IsValid() {
		b.err = errors.NewValidationError("INVALID_CATEGORY", "category is not recognized")
		return b
	}

	b.event.Category = category
	return b
}

// WithSeverity overrides the default severity
func (b *EventBuilder) WithSeverity(severity Severity) *EventBuilder {
	if b.err != nil {
		return b
	}

	if !severity.IsValid() {
		b.err = errors.NewValidationError("INVALID_SEVERITY", "severity is not recognized")
		return b
	}

	b.event.Severity = severity
	return b
}

// WithCorrelation tags the event with the logical operation it belongs to
func (b *EventBuilder) WithCorrelation(correlationID string) *EventBuilder {
	if b.err != nil {
		return b
	}
	b.event.CorrelationID = correlationID
	return b
}

// WithTags appends labels, skipping duplicates
func (b *EventBuilder) WithTags(tags ...string) *EventBuilder {
	if b.err != nil {
		return b
	}
	for _, tag := range tags {
		if tag != "" && !b.event.HasTag(tag) {
			b.event.Tags = append(b.event.Tags, tag)
		}
	}
	return b
}

// WithContext adds one piece of family-specific metadata
func (b *EventBuilder) WithContext(key string, value interface{}) *EventBuilder {
	if b.err != nil {
		return b
	}
	if b.event.Context == nil {
		b.event.Context = make(map[string]interface{})
	}
	b.event.Context[key] = value
	return b
}

// WithProvenance records where the request came from
func (b *EventBuilder) WithProvenance(p Provenance) *EventBuilder {
	if b.err != nil {
		return b
	}

	if p.Source != "" {
		if !p.Source.IsValid() {
			b.err = errors.NewValidationError("INVALID_SOURCE", "source is not recognized")
			return b
		}
		b.event.Source = p.Source
	}

	b.event.IPAddress = p.IPAddress
	b.event.UserAgent = p.UserAgent
	b.event.SessionID = p.SessionID
	return b
}

// Build validates and returns the drafted event
func (b *EventBuilder) Build() (*Event, error) {
	if b.err != nil {
		return nil, b.err
	}

	if err := b.event.Validate(); err != nil {
		return nil, err
	}

	return b.event.Clone(), nil
}

// Provenance describes the request an event came from
type Provenance struct {
	Source    Source `json:"source"`
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}
