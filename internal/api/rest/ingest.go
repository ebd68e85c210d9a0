package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/davidleathers/workspace-activity/internal/api/middleware"
	"github.com/davidleathers/workspace-activity/internal/domain/activity"
	domainErrors "github.com/davidleathers/workspace-activity/internal/domain/errors"
)

const maxIngestBody = 1 << 20

// EventLogger persists events submitted over HTTP
type EventLogger interface {
	Log(ctx context.Context, draft *activity.Event) (uuid.UUID, error)
	LogBatch(ctx context.Context, drafts []*activity.Event) ([]uuid.UUID, error)
}

// eventDraft is one event in the body of POST /v1/events. The actor is
// always the authenticated caller.
type eventDraft struct {
	EventType     string                 `json:"event_type" validate:"required"`
	EntityType    string                 `json:"entity_type" validate:"required"`
	EntityID      string                 `json:"entity_id" validate:"required,uuid"`
	WorkspaceID   string                 `json:"workspace_id" validate:"omitempty,uuid"`
	Category      string                 `json:"category"`
	Severity      string                 `json:"severity"`
	Description   string                 `json:"description" validate:"max=1000"`
	OldValues     map[string]interface{} `json:"old_values"`
	NewValues     map[string]interface{} `json:"new_values"`
	CorrelationID string                 `json:"correlation_id" validate:"max=64"`
	Tags          []string               `json:"tags" validate:"max=20,dive,max=64"`
	Context       map[string]interface{} `json:"context"`
}

type eventBatch struct {
	Events []eventDraft `json:"events" validate:"required,min=1,max=100,dive"`
}

type loggedEvent struct {
	ID uuid.UUID `json:"id"`
}

type loggedEvents struct {
	IDs []uuid.UUID `json:"ids"`
}

func (d eventDraft) event(actorID uuid.UUID) *activity.Event {
	event := &activity.Event{
		UserID:        &actorID,
		EventType:     activity.EventType(d.EventType),
		Category:      activity.Category(d.Category),
		Severity:      activity.Severity(d.Severity),
		EntityType:    activity.EntityType(d.EntityType),
		EntityID:      uuid.MustParse(d.EntityID),
		Description:   d.Description,
		OldValues:     d.OldValues,
		NewValues:     d.NewValues,
		CorrelationID: d.CorrelationID,
		Tags:          d.Tags,
		Context:       d.Context,
	}
	if d.WorkspaceID != "" {
		id := uuid.MustParse(d.WorkspaceID)
		event.WorkspaceID = &id
	}
	return event
}

// LogEvent handles POST /v1/events
func (h *Handlers) LogEvent(w http.ResponseWriter, r *http.Request) {
	var draft eventDraft
	if err := decodeBody(w, r, &draft); err != nil {
		writeError(w, err)
		return
	}
	if err := h.validate.Struct(draft); err != nil {
		writeError(w, err)
		return
	}

	events, err := h.authorizeDrafts(r.Context(), requester(r), []eventDraft{draft})
	if err != nil {
		writeError(w, err)
		return
	}

	id, err := h.events.Log(r.Context(), events[0])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, loggedEvent{ID: id})
}

// LogEvents handles POST /v1/events/batch. The batch is stored whole or
// not at all.
func (h *Handlers) LogEvents(w http.ResponseWriter, r *http.Request) {
	var batch eventBatch
	if err := decodeBody(w, r, &batch); err != nil {
		writeError(w, err)
		return
	}
	if err := h.validate.Struct(batch); err != nil {
		writeError(w, err)
		return
	}

	events, err := h.authorizeDrafts(r.Context(), requester(r), batch.Events)
	if err != nil {
		writeError(w, err)
		return
	}

	ids, err := h.events.LogBatch(r.Context(), events)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, loggedEvents{IDs: ids})
}

// authorizeDrafts checks membership of every workspace the drafts name and
// converts them. The request's api_call event is attributed to the
// workspace only when all drafts share one.
func (h *Handlers) authorizeDrafts(ctx context.Context, userID uuid.UUID, drafts []eventDraft) ([]*activity.Event, error) {
	if userID == uuid.Nil {
		return nil, domainErrors.NewUnauthorizedError("authentication required")
	}

	checked := make(map[uuid.UUID]struct{})
	events := make([]*activity.Event, 0, len(drafts))
	for _, draft := range drafts {
		event := draft.event(userID)
		if event.WorkspaceID != nil {
			if _, ok := checked[*event.WorkspaceID]; !ok {
				if _, err := h.authorizeWorkspace(ctx, userID, *event.WorkspaceID); err != nil {
					return nil, err
				}
				checked[*event.WorkspaceID] = struct{}{}
			}
		}
		events = append(events, event)
	}

	if len(checked) == 1 {
		for id := range checked {
			middleware.SetWorkspace(ctx, id)
		}
	}
	return events, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIngestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return domainErrors.NewValidationError("BODY_TOO_LARGE", "request body is too large")
		}
		return domainErrors.NewValidationError("INVALID_BODY", "request body is not a valid event").WithCause(err)
	}
	if dec.More() {
		return domainErrors.NewValidationError("INVALID_BODY", "request body holds more than one value")
	}
	return nil
}
