package activity

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davidleathers/workspace-activity/internal/domain/activity"
	"github.com/davidleathers/workspace-activity/internal/domain/errors"
)

// FailedEvent is an event whose write did not succeed
type FailedEvent struct {
	Event     *activity.Event `json:"event"`
	Reason    string          `json:"reason"`
	Attempts  int             `json:"attempts"`
	FirstFail time.Time       `json:"first_fail"`
	LastFail  time.Time       `json:"last_fail"`
}

// DeadLetterQueue holds events that could not be written. It is bounded;
// when full, the entry that failed first is evicted.
type DeadLetterQueue struct {
	logger  *zap.Logger
	maxSize int

	mu     sync.RWMutex
	failed map[uuid.UUID]*FailedEvent

	totalAdded   int64
	totalEvicted int64
	totalRemoved int64
}

// NewDeadLetterQueue creates a dead letter queue holding at most maxSize events
func NewDeadLetterQueue(maxSize int, logger *zap.Logger) *DeadLetterQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxSize <= 0 {
		maxSize = 1
	}
	return &DeadLetterQueue{
		logger:  logger,
		maxSize: maxSize,
		failed:  make(map[uuid.UUID]*FailedEvent),
	}
}

// Add parks an event, or bumps the attempt count of one already parked
func (q *DeadLetterQueue) Add(event *activity.Event, reason string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()

	if existing, ok := q.failed[event.ID]; ok {
		existing.Attempts++
		existing.Reason = reason
		existing.LastFail = now
		return
	}

	if len(q.failed) >= q.maxSize {
		q.evictOldest()
	}

	q.failed[event.ID] = &FailedEvent{
		Event:     event.Clone(),
		Reason:    reason,
		Attempts:  1,
		FirstFail: now,
		LastFail:  now,
	}
	q.totalAdded++

	q.logger.Warn("Event parked in dead letter queue",
		zap.String("event_id", event.ID.String()),
		zap.String("event_type", event.EventType.String()),
		zap.String("reason", reason),
	)
}

// List returns up to limit parked events, the earliest failure first.
// A limit of 0 returns all of them.
func (q *DeadLetterQueue) List(limit int) []FailedEvent {
	q.mu.RLock()
	defer q.mu.RUnlock()

	all := make([]FailedEvent, 0, len(q.failed))
	for _, f := range q.failed {
		all = append(all, *f)
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].FirstFail.Equal(all[j].FirstFail) {
			return activity.NewerFirst(all[j].Event, all[i].Event)
		}
		return all[i].FirstFail.Before(all[j].FirstFail)
	})

	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all
}

// Remove drops an event from the queue
func (q *DeadLetterQueue) Remove(id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.failed[id]; !ok {
		return errors.NewNotFoundError("dead letter entry")
	}
	delete(q.failed, id)
	q.totalRemoved++
	return nil
}

// Len returns the number of parked events
func (q *DeadLetterQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.failed)
}

// Stats returns queue counters
func (q *DeadLetterQueue) Stats() map[string]interface{} {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return map[string]interface{}{
		"current_size":  len(q.failed),
		"max_size":      q.maxSize,
		"total_added":   q.totalAdded,
		"total_evicted": q.totalEvicted,
		"total_removed": q.totalRemoved,
	}
}

func (q *DeadLetterQueue) evictOldest() {
	var oldestID uuid.UUID
	var oldest *FailedEvent

	for id, f := range q.failed {
		if oldest == nil || f.FirstFail.Before(oldest.FirstFail) {
			oldestID = id
			oldest = f
		}
	}

	if oldest == nil {
		return
	}

	delete(q.failed, oldestID)
	q.totalEvicted++

	q.logger.Error("Dead letter queue full, event lost",
		zap.String("event_id", oldestID.String()),
		zap.String("event_type", oldest.Event.EventType.String()),
		zap.Int("max_size", q.maxSize),
	)
}
