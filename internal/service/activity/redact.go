package activity

import (
	"context"
	stderrors "errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davidleathers/workspace-activity/internal/domain/activity"
	"github.com/davidleathers/workspace-activity/internal/domain/errors"
)

// Redact hides an event from feeds, timelines and aggregation. The row is
// kept for the audit export; only is_deleted and updated_at change.
func (i *Ingester) Redact(ctx context.Context, eventID uuid.UUID) error {
	ctx, span := i.tracer.Start(ctx, "Ingester.Redact")
	defer span.End()

	if err := i.store.Redact(ctx, eventID); err != nil {
		if stderrors.Is(err, activity.ErrEventNotFound) {
			return errors.NewNotFoundError("event")
		}
		span.RecordError(err)
		return errors.NewInternalError("failed to redact event").WithCause(err)
	}

	i.logger.Info("Activity event redacted", zap.String("event_id", eventID.String()))
	return nil
}
