// Package memory provides in-process implementations of the activity
// repositories. They back the test suites and the memory storage driver.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/workspace-activity/internal/domain/activity"
)

// EventStore is a thread-safe append-only event store
type EventStore struct {
	mu     sync.RWMutex
	events map[uuid.UUID]*activity.Event
	// ordered newest first by (created_at, id)
	ordered []*activity.Event

	// failWith, when set, is returned by every write
	failWith error
}

// NewEventStore creates an empty store
func NewEventStore() *EventStore {
	return &EventStore{
		events: make(map[uuid.UUID]*activity.Event),
	}
}

// FailWrites makes every subsequent write return err; nil restores writes
func (s *EventStore) FailWrites(err error) {
	s.mu.Lock()
	s.failWith = err
	s.mu.Unlock()
}

// Append stores a copy of the event
func (s *EventStore) Append(ctx context.Context, event *activity.Event) error {
	return s.AppendBatch(ctx, []*activity.Event{event})
}

// AppendBatch stores copies of every event, or none of them
func (s *EventStore) AppendBatch(ctx context.Context, events []*activity.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failWith != nil {
		return s.failWith
	}

	for _, e := range events {
		if _, exists := s.events[e.ID]; exists {
			return activity.ErrDuplicateEvent
		}
	}

	for _, e := range events {
		stored := e.Clone()
		s.events[stored.ID] = stored
		s.insertOrdered(stored)
	}
	return nil
}

func (s *EventStore) insertOrdered(e *activity.Event) {
	i := sort.Search(len(s.ordered), func(i int) bool {
		return !activity.NewerFirst(s.ordered[i], e)
	})
	s.ordered = append(s.ordered, nil)
	copy(s.ordered[i+1:], s.ordered[i:])
	s.ordered[i] = e
}

// Get returns a copy of one event
func (s *EventStore) Get(_ context.Context, id uuid.UUID) (*activity.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.events[id]
	if !ok {
		return nil, activity.ErrEventNotFound
	}
	return e.Clone(), nil
}

// Query returns a page of matching events, newest first
func (s *EventStore) Query(ctx context.Context, q activity.EventQuery) ([]*activity.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*activity.Event, 0)
	skipped := 0
	for _, e := range s.ordered {
		if !q.Matches(e) {
			continue
		}
		if skipped < q.Offset {
			skipped++
			continue
		}
		result = append(result, e.Clone())
		if q.Limit > 0 && len(result) == q.Limit {
			break
		}
	}
	return result, nil
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
func (s *EventStore) Redact(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failWith != nil {
		return s.failWith
	}

	e, ok := s.events[id]
	if !ok {
		return activity.ErrEventNotFound
	}
	now := time.Now().UTC()
	e.IsDeleted = true
	e.UpdatedAt = &now
	return nil
}

// Workspaces lists the workspaces that have events
func (s *EventStore) Workspaces(_ context.Context) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[uuid.UUID]struct{})
	var ids []uuid.UUID
	for _, e := range s.ordered {
		if e.WorkspaceID == nil {
			continue
		}
		if _, ok := seen[*e.WorkspaceID]; ok {
			continue
		}
		seen[*e.WorkspaceID] = struct{}{}
		ids = append(ids, *e.WorkspaceID)
	}
	return ids, nil
}

// Len returns the number of stored events, redacted included
func (s *EventStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ordered)
}
