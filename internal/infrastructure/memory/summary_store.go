package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/workspace-activity/internal/domain/activity"
)

// SummaryStore keeps derived rollups keyed by scope, period and bucket start
type SummaryStore struct {
	mu    sync.RWMutex
	scope map[string]*activity.ActivitySummary
	user  map[string]*activity.UserActivitySummary
}

// NewSummaryStore creates an empty summary store
func NewSummaryStore() *SummaryStore {
	return &SummaryStore{
		scope: make(map[string]*activity.ActivitySummary),
		user:  make(map[string]*activity.UserActivitySummary),
	}
}

// SaveSummaries replaces rows with the same key
func (s *SummaryStore) SaveSummaries(_ context.Context, summaries []*activity.ActivitySummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, summary := range summaries {
		cp := *summary
		cp.ByCategory = copyCounts(summary.ByCategory)
		cp.ByEventType = copyCounts(summary.ByEventType)
		s.scope[summary.Key()] = &cp
	}
	return nil
}

// ReplaceUserSummaries swaps the period's user rows in [from, to) for summaries
func (s *SummaryStore) ReplaceUserSummaries(_ context.Context, period activity.PeriodType, from, to time.Time, summaries []*activity.UserActivitySummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, summary := range s.user {
		if summary.PeriodType == period && !summary.PeriodStart.Before(from) && summary.PeriodStart.Before(to) {
			delete(s.user, key)
		}
	}
	for _, summary := range summaries {
		cp := *summary
		cp.ByCategory = copyCounts(summary.ByCategory)
		s.user[summary.Key()] = &cp
	}
	return nil
}

// Summaries returns the scope's rollups with from <= period_start < to, oldest first
func (s *SummaryStore) Summaries(_ context.Context, scope activity.Scope, period activity.PeriodType, from, to time.Time) ([]*activity.ActivitySummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*activity.ActivitySummary, 0)
	for _, summary := range s.scope {
		if summary.Scope.Key() != scope.Key() || summary.PeriodType != period {
			continue
		}
		if summary.PeriodStart.Before(from) || !summary.PeriodStart.Before(to) {
			continue
		}
		cp := *summary
		cp.ByCategory = copyCounts(summary.ByCategory)
		cp.ByEventType = copyCounts(summary.ByEventType)
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].PeriodStart.Before(result[j].PeriodStart)
	})
	return result, nil
}

// UserSummaries returns one user's rollups with from <= period_start < to, oldest first
func (s *SummaryStore) UserSummaries(_ context.Context, userID uuid.UUID, period activity.PeriodType, from, to time.Time) ([]*activity.UserActivitySummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*activity.UserActivitySummary, 0)
	for _, summary := range s.user {
		if summary.UserID != userID || summary.PeriodType != period {
			continue
		}
		if summary.PeriodStart.Before(from) || !summary.PeriodStart.Before(to) {
			continue
		}
		cp := *summary
		cp.ByCategory = copyCounts(summary.ByCategory)
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].PeriodStart.Before(result[j].PeriodStart)
	})
	return result, nil
}

func copyCounts[K comparable](in map[K]int64) map[K]int64 {
	out := make(map[K]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
