package activity

import (
	"context"

	"github.com/google/uuid"

	"github.com/davidleathers/workspace-activity/internal/domain/activity"
)

type correlationKey struct{}

type requestInfoKey struct{}

// GenerateCorrelationID returns a fresh opaque token for one logical
// operation. Tokens are random and never derived from request data.
func GenerateCorrelationID() string {
	return uuid.NewString()
}

// WithCorrelation returns a context carrying the correlation id. Every event
// ingested with the returned context, or a context derived from it, is tagged
// with the id unless the event names its own.
func WithCorrelation(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationKey{}, correlationID)
}

// CorrelationFromContext returns the correlation id carried by ctx
func CorrelationFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(correlationKey{}).(string)
	return id, ok && id != ""
}

// StartOperation returns ctx tagged with a correlation id, reusing the one
// already present so nested side effects join the enclosing operation.
func StartOperation(ctx context.Context) (context.Context, string) {
	if id, ok := CorrelationFromContext(ctx); ok {
		return ctx, id
	}
	id := GenerateCorrelationID()
	return WithCorrelation(ctx, id), id
}

// RequestInfo is the caller identity and provenance of an inbound request
type RequestInfo struct {
	UserID      uuid.UUID
	WorkspaceID uuid.UUID
	Provenance  activity.Provenance
}

// WithRequestInfo attaches request provenance to ctx
func WithRequestInfo(ctx context.Context, info RequestInfo) context.Context {
	return context.WithValue(ctx, requestInfoKey{}, info)
}

// RequestInfoFromContext returns the request provenance carried by ctx
func RequestInfoFromContext(ctx context.Context) (RequestInfo, bool) {
	info, ok := ctx.Value(requestInfoKey{}).(RequestInfo)
	return info, ok
}

// enrich fills correlation and provenance fields the draft left empty
func enrich(ctx context.Context, event *activity.Event) {
	if event.CorrelationID == "" {
		if id, ok := CorrelationFromContext(ctx); ok {
			event.CorrelationID = id
		}
	}

	info, ok := RequestInfoFromContext(ctx)
	if !ok {
		return
	}
	if event.UserID == nil && info.UserID != uuid.Nil {
		id := info.UserID
		event.UserID = &id
	}
	if event.IPAddress == "" {
		event.IPAddress = info.Provenance.IPAddress
	}
	if event.UserAgent == "" {
		event.UserAgent = info.Provenance.UserAgent
	}
	if event.SessionID == "" {
		event.SessionID = info.Provenance.SessionID
	}
	if event.Source == "" {
		event.Source = info.Provenance.Source
	}
}
