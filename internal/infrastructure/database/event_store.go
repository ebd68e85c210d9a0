package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/davidleathers/workspace-activity/internal/domain/activity"
)

const uniqueViolation = "23505"

const eventColumns = `id, workspace_id, user_id, event_type, category, severity,
	entity_type, entity_id, description, old_values, new_values, delta,
	correlation_id, tags, context, source, ip_address, user_agent, session_id,
	created_at, updated_at, is_deleted`

const insertEvent = `INSERT INTO activity_events (` + eventColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
		$13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`

var tracer = otel.Tracer("activity.database")

// EventStore implements activity.EventRepository on the activity_events table
type EventStore struct {
	db *pgxpool.Pool
}

// NewEventStore creates a PostgreSQL event store
func NewEventStore(db *pgxpool.Pool) *EventStore {
	return &EventStore{db: db}
}

// Append persists a single event
func (s *EventStore) Append(ctx context.Context, event *activity.Event) error {
	args, err := insertArgs(event)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx, insertEvent, args...); err != nil {
		return mapWriteError(err)
	}
	return nil
}

// AppendBatch persists every event in one transaction
func (s *EventStore) AppendBatch(ctx context.Context, events []*activity.Event) error {
	if len(events) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range events {
		args, err := insertArgs(e)
		if err != nil {
			return err
		}
		batch.Queue(insertEvent, args...)
	}

	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		results := tx.SendBatch(ctx, batch)
		for range events {
			if _, err := results.Exec(); err != nil {
				_ = results.Close()
				return mapWriteError(err)
			}
		}
		return results.Close()
	})
}

// Get retrieves one event, redacted or not
func (s *EventStore) Get(ctx context.Context, id uuid.UUID) (*activity.Event, error) {
	row := s.db.QueryRow(ctx, `SELECT `+eventColumns+` FROM activity_events WHERE id = $1`, id)
	event, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, activity.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return event, nil
}

// Query returns a page of matching events ordered by (created_at, id) descending
func (s *EventStore) Query(ctx context.Context, q activity.EventQuery) ([]*activity.Event, error) {
	ctx, span := tracer.Start(ctx, "EventStore.Query")
	defer span.End()

	query, args := buildEventQuery(q)
	span.SetAttributes(attribute.Int("query.args", len(args)))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	events := make([]*activity.Event, 0)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	span.SetAttributes(attribute.Int("query.rows", len(events)))
	return events, nil
}

// Range returns every non-redacted event of the scope in [from, to)
func (s *EventStore) Range(ctx context.Context, scope activity.Scope, from, to time.Time) ([]*activity.Event, error) {
	return s.Query(ctx, activity.EventQuery{
		WorkspaceID: scope.WorkspaceID,
		From:        &from,
		To:          &to,
	})
}

// Redact flags an event as deleted
func (s *EventStore) Redact(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE activity_events SET is_deleted = TRUE, updated_at = $2 WHERE id = $1`,
		id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to redact event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return activity.ErrEventNotFound
	}
	return nil
}

// Workspaces lists every workspace that has at least one event
func (s *EventStore) Workspaces(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.Query(ctx,
		`SELECT DISTINCT workspace_id FROM activity_events WHERE workspace_id IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workspaces: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

// buildEventQuery translates the filter into SQL with positional arguments
func buildEventQuery(q activity.EventQuery) (string, []interface{}) {
	var (
		conditions []string
		args       []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if !q.IncludeDeleted {
		conditions = append(conditions, "NOT is_deleted")
	}
	if v := q.Visibility; v != nil {
		workspaces := v.WorkspaceIDs
		if workspaces == nil {
			workspaces = []uuid.UUID{}
		}
		conditions = append(conditions, fmt.Sprintf(
			"(workspace_id = ANY(%s) OR (workspace_id IS NULL AND user_id = %s))",
			arg(workspaces), arg(v.UserID)))
	}
	if q.WorkspaceID != nil {
		conditions = append(conditions, "workspace_id = "+arg(*q.WorkspaceID))
	}
	if q.UserID != nil {
		conditions = append(conditions, "user_id = "+arg(*q.UserID))
	}
	if len(q.Categories) > 0 {
		conditions = append(conditions, fmt.Sprintf("category = ANY(%s)", arg(pq.Array(stringsOf(q.Categories)))))
	}
	if q.EntityType != "" {
		conditions = append(conditions, "entity_type = "+arg(string(q.EntityType)))
	}
	if q.EntityID != nil {
		conditions = append(conditions, "entity_id = "+arg(*q.EntityID))
	}
	if q.CorrelationID != "" {
		conditions = append(conditions, "correlation_id = "+arg(q.CorrelationID))
	}
	if q.From != nil {
		conditions = append(conditions, "created_at >= "+arg(q.From.UTC()))
	}
	if q.To != nil {
		conditions = append(conditions, "created_at < "+arg(q.To.UTC()))
	}
	if len(q.EventTypes) > 0 {
		conditions = append(conditions, fmt.Sprintf("event_type = ANY(%s)", arg(pq.Array(stringsOf(q.EventTypes)))))
	}
	if len(q.Severities) > 0 {
		conditions = append(conditions, fmt.Sprintf("severity = ANY(%s)", arg(pq.Array(stringsOf(q.Severities)))))
	}
	if len(q.EntityTypes) > 0 {
		conditions = append(conditions, fmt.Sprintf("entity_type = ANY(%s)", arg(pq.Array(stringsOf(q.EntityTypes)))))
	}
	if len(q.UserIDs) > 0 {
		conditions = append(conditions, fmt.Sprintf("user_id = ANY(%s)", arg(q.UserIDs)))
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(eventColumns)
	sb.WriteString(" FROM activity_events")
	if len(conditions) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(conditions, " AND "))
	}
	sb.WriteString(" ORDER BY created_at DESC, id DESC")
	if q.Limit > 0 {
		sb.WriteString(" LIMIT " + arg(q.Limit))
	}
	if q.Offset > 0 {
		sb.WriteString(" OFFSET " + arg(q.Offset))
	}
	return sb.String(), args
}

func stringsOf[T ~string](values []T) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	return out
}

func insertArgs(e *activity.Event) ([]interface{}, error) {
	oldValues, err := marshalJSON(e.OldValues)
	if err != nil {
		return nil, fmt.Errorf("failed to encode old values: %w", err)
	}
	newValues, err := marshalJSON(e.NewValues)
	if err != nil {
		return nil, fmt.Errorf("failed to encode new values: %w", err)
	}
	delta, err := marshalJSON(e.Delta)
	if err != nil {
		return nil, fmt.Errorf("failed to encode delta: %w", err)
	}
	eventContext, err := marshalJSON(e.Context)
	if err != nil {
		return nil, fmt.Errorf("failed to encode context: %w", err)
	}

	tags := e.Tags
	if tags == nil {
		tags = []string{}
	}

	return []interface{}{
		e.ID, e.WorkspaceID, e.UserID,
		string(e.EventType), string(e.Category), string(e.Severity),
		string(e.EntityType), e.EntityID, e.Description,
		oldValues, newValues, delta,
		e.CorrelationID, pq.Array(tags), eventContext,
		string(e.Source), e.IPAddress, e.UserAgent, e.SessionID,
		e.CreatedAt.UTC(), e.UpdatedAt, e.IsDeleted,
	}, nil
}

func scanEvent(row pgx.Row) (*activity.Event, error) {
	var (
		e                                  activity.Event
		eventType, category, severity      string
		entityType, source                 string
		oldValues, newValues, delta, extra []byte
		tags                               []string
	)

	err := row.Scan(
		&e.ID, &e.WorkspaceID, &e.UserID,
		&eventType, &category, &severity,
		&entityType, &e.EntityID, &e.Description,
		&oldValues, &newValues, &delta,
		&e.CorrelationID, &tags, &extra,
		&source, &e.IPAddress, &e.UserAgent, &e.SessionID,
		&e.CreatedAt, &e.UpdatedAt, &e.IsDeleted,
	)
	if err != nil {
		return nil, err
	}

	e.EventType = activity.EventType(eventType)
	e.Category = activity.Category(category)
	e.Severity = activity.Severity(severity)
	e.EntityType = activity.EntityType(entityType)
	e.Source = activity.Source(source)
	e.CreatedAt = e.CreatedAt.UTC()
	if e.UpdatedAt != nil {
		ts := e.UpdatedAt.UTC()
		e.UpdatedAt = &ts
	}
	if len(tags) > 0 {
		e.Tags = tags
	}

	if err := unmarshalJSON(oldValues, &e.OldValues); err != nil {
		return nil, fmt.Errorf("old_values: %w", err)
	}
	if err := unmarshalJSON(newValues, &e.NewValues); err != nil {
		return nil, fmt.Errorf("new_values: %w", err)
	}
	if err := unmarshalJSON(delta, &e.Delta); err != nil {
		return nil, fmt.Errorf("delta: %w", err)
	}
	if err := unmarshalJSON(extra, &e.Context); err != nil {
		return nil, fmt.Errorf("context: %w", err)
	}
	return &e, nil
}

// marshalJSON maps a nil map to SQL NULL. An empty map is stored as {} so
// it reads back empty rather than absent.
func marshalJSON[M ~map[string]V, V any](m M) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func unmarshalJSON(data []byte, dest interface{}) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dest)
}

func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return activity.ErrDuplicateEvent
	}
	return fmt.Errorf("failed to append event: %w", err)
}
