// Package access decides whether a requester may read an entity's activity
// history.
package access

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/davidleathers/workspace-activity/internal/domain/activity"
	"github.com/davidleathers/workspace-activity/internal/domain/errors"
	"github.com/davidleathers/workspace-activity/internal/metrics"
)

// Decision is the outcome of an access check
type Decision int

const (
	AccessDenied Decision = iota
	Authorized
	NotFound
)

func (d Decision) String() string {
	switch d {
	case Authorized:
		return "authorized"
	case NotFound:
		return "not_found"
	default:
		return "access_denied"
	}
}

// Err maps a decision to the error a read endpoint returns, or nil
func (d Decision) Err(entityType activity.EntityType) error {
	switch d {
	case Authorized:
		return nil
	case NotFound:
		return errors.NewNotFoundError(string(entityType))
	default:
		return errors.NewForbiddenError(fmt.Sprintf("not allowed to view %s activity", entityType))
	}
}

// Strategy authorizes reads of one entity type
type Strategy interface {
	CheckAccess(ctx context.Context, requesterID, entityID uuid.UUID) (Decision, error)
}

// StrategyFunc adapts a function to Strategy
type StrategyFunc func(ctx context.Context, requesterID, entityID uuid.UUID) (Decision, error)

func (f StrategyFunc) CheckAccess(ctx context.Context, requesterID, entityID uuid.UUID) (Decision, error) {
	return f(ctx, requesterID, entityID)
}

// Verifier dispatches access checks to the strategy registered for the
// entity type. Types without a strategy are denied.
type Verifier struct {
	logger  *zap.Logger
	metrics *metrics.Registry
	tracer  trace.Tracer

	mu         sync.RWMutex
	strategies map[activity.EntityType]Strategy
}

// NewVerifier creates a verifier with no strategies registered
func NewVerifier(logger *zap.Logger, registry *metrics.Registry) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{
		logger:     logger,
		metrics:    registry,
		tracer:     otel.Tracer("activity.access"),
		strategies: make(map[activity.EntityType]Strategy),
	}
}

// NewDefaultVerifier registers the membership-based strategies for
// workspaces, tasks, sections, memberships and users
func NewDefaultVerifier(dir activity.MembershipDirectory, logger *zap.Logger, registry *metrics.Registry) *Verifier {
	v := NewVerifier(logger, registry)
	v.Register(activity.EntityWorkspace, WorkspaceStrategy{dir: dir})
	v.Register(activity.EntityTask, OwnedStrategy{resolve: dir.TaskWorkspace, dir: dir})
	v.Register(activity.EntitySection, OwnedStrategy{resolve: dir.SectionWorkspace, dir: dir})
	v.Register(activity.EntityWorkspaceMember, OwnedStrategy{resolve: dir.MembershipWorkspace, dir: dir})
	v.Register(activity.EntityUser, UserStrategy{dir: dir})
	return v
}

// Register sets the strategy for an entity type, replacing any previous one
func (v *Verifier) Register(entityType activity.EntityType, strategy Strategy) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.strategies[entityType] = strategy
}

// Check decides whether requesterID may read the entity's activity
func (v *Verifier) Check(ctx context.Context, requesterID uuid.UUID, entityType activity.EntityType, entityID uuid.UUID) (Decision, error) {
	ctx, span := v.tracer.Start(ctx, "Verifier.Check",
		trace.WithAttributes(
			attribute.String("entity.type", string(entityType)),
			attribute.String("entity.id", entityID.String()),
		),
	)
	defer span.End()

	v.mu.RLock()
	strategy, ok := v.strategies[entityType]
	v.mu.RUnlock()

	if !ok || requesterID == uuid.Nil {
		v.record(entityType, AccessDenied)
		return AccessDenied, nil
	}

	decision, err := strategy.CheckAccess(ctx, requesterID, entityID)
	if err != nil {
		span.RecordError(err)
		v.logger.Error("Access check failed",
			zap.String("entity_type", string(entityType)),
			zap.String("entity_id", entityID.String()),
			zap.Error(err),
		)
		return AccessDenied, errors.NewInternalError("access check failed").WithCause(err)
	}

	span.SetAttributes(attribute.String("decision", decision.String()))
	v.record(entityType, decision)
	return decision, nil
}

// Authorize is Check with the decision mapped to an error
func (v *Verifier) Authorize(ctx context.Context, requesterID uuid.UUID, entityType activity.EntityType, entityID uuid.UUID) error {
	decision, err := v.Check(ctx, requesterID, entityType, entityID)
	if err != nil {
		return err
	}
	return decision.Err(entityType)
}

func (v *Verifier) record(entityType activity.EntityType, d Decision) {
	v.metrics.IncAccess(string(entityType), d.String())
}

// WorkspaceStrategy requires active membership of the workspace
type WorkspaceStrategy struct {
	dir activity.MembershipDirectory
}

func (s WorkspaceStrategy) CheckAccess(ctx context.Context, requesterID, workspaceID uuid.UUID) (Decision, error) {
	exists, err := s.dir.WorkspaceExists(ctx, workspaceID)
	if err != nil {
		return AccessDenied, err
	}
	if !exists {
		return NotFound, nil
	}
	return memberDecision(ctx, s.dir, workspaceID, requesterID)
}

// OwnedStrategy resolves the entity's owning workspace and requires
// membership of it. Absent or soft-deleted entities are NotFound.
type OwnedStrategy struct {
	resolve func(ctx context.Context, id uuid.UUID) (uuid.UUID, error)
	dir     activity.MembershipDirectory
}

// NewOwnedStrategy builds a strategy for any entity owned by a workspace
func NewOwnedStrategy(dir activity.MembershipDirectory, resolve func(ctx context.Context, id uuid.UUID) (uuid.UUID, error)) OwnedStrategy {
	return OwnedStrategy{resolve: resolve, dir: dir}
}

func (s OwnedStrategy) CheckAccess(ctx context.Context, requesterID, entityID uuid.UUID) (Decision, error) {
	workspaceID, err := s.resolve(ctx, entityID)
	if stderrors.Is(err, activity.ErrEntityNotFound) {
		return NotFound, nil
	}
	if err != nil {
		return AccessDenied, err
	}
	return memberDecision(ctx, s.dir, workspaceID, requesterID)
}

// UserStrategy lets a user read their own timeline, and another user's when
// both share at least one workspace
type UserStrategy struct {
	dir activity.MembershipDirectory
}

func (s UserStrategy) CheckAccess(ctx context.Context, requesterID, userID uuid.UUID) (Decision, error) {
	if requesterID == userID {
		return Authorized, nil
	}
	shared, err := s.dir.ShareWorkspace(ctx, requesterID, userID)
	if err != nil {
		return AccessDenied, err
	}
	if !shared {
		return AccessDenied, nil
	}
	return Authorized, nil
}

func memberDecision(ctx context.Context, dir activity.MembershipDirectory, workspaceID, userID uuid.UUID) (Decision, error) {
	member, err := dir.IsActiveMember(ctx, workspaceID, userID)
	if err != nil {
		return AccessDenied, err
	}
	if !member {
		return AccessDenied, nil
	}
	return Authorized, nil
}
