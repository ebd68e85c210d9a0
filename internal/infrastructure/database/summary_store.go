package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/davidleathers/workspace-activity/internal/domain/activity"
)

const upsertSummary = `INSERT INTO activity_summaries
	(scope_key, workspace_id, period_type, period_start, period_end, event_count, by_category, by_event_type)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (scope_key, period_type, period_start) DO UPDATE SET
		period_end = EXCLUDED.period_end,
		event_count = EXCLUDED.event_count,
		by_category = EXCLUDED.by_category,
		by_event_type = EXCLUDED.by_event_type`

const insertUserSummary = `INSERT INTO user_activity_summaries
	(user_id, period_type, period_start, period_end, login_count, active_minutes, event_count, by_category)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

// SummaryStore implements activity.SummaryRepository. Scope saves are upserts
// and user saves replace a whole window, so a recomputed bucket replaces the
// previous rows.
type SummaryStore struct {
	db *pgxpool.Pool
}

func NewSummaryStore(db *pgxpool.Pool) *SummaryStore {
	return &SummaryStore{db: db}
}

func (s *SummaryStore) SaveSummaries(ctx context.Context, summaries []*activity.ActivitySummary) error {
	if len(summaries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, sum := range summaries {
		byCategory, err := json.Marshal(nonNil(sum.ByCategory))
		if err != nil {
			return fmt.Errorf("failed to encode categories: %w", err)
		}
		byEventType, err := json.Marshal(nonNil(sum.ByEventType))
		if err != nil {
			return fmt.Errorf("failed to encode event types: %w", err)
		}
		batch.Queue(upsertSummary,
			sum.Scope.Key(), sum.Scope.WorkspaceID, string(sum.PeriodType),
			sum.PeriodStart.UTC(), sum.PeriodEnd.UTC(), sum.EventCount,
			byCategory, byEventType)
	}
	return s.sendBatch(ctx, batch)
}

// ReplaceUserSummaries deletes the period's user rows in [from, to) and
// inserts summaries in the same transaction
func (s *SummaryStore) ReplaceUserSummaries(
	ctx context.Context,
	period activity.PeriodType,
	from, to time.Time,
	summaries []*activity.UserActivitySummary,
) error {
	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM user_activity_summaries
		WHERE period_type = $1 AND period_start >= $2 AND period_start < $3`,
		string(period), from.UTC(), to.UTC())
	for _, sum := range summaries {
		byCategory, err := json.Marshal(nonNil(sum.ByCategory))
		if err != nil {
			return fmt.Errorf("failed to encode categories: %w", err)
		}
		batch.Queue(insertUserSummary,
			sum.UserID, string(sum.PeriodType), sum.PeriodStart.UTC(), sum.PeriodEnd.UTC(),
			sum.LoginCount, sum.ActiveMinutes, sum.EventCount, byCategory)
	}
	return s.sendBatch(ctx, batch)
}

func (s *SummaryStore) sendBatch(ctx context.Context, batch *pgx.Batch) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to save summaries: %w", err)
		}
		return nil
	})
}

// Summaries returns the scope's rollups with from <= period_start < to, oldest first
func (s *SummaryStore) Summaries(ctx context.Context, scope activity.Scope, period activity.PeriodType, from, to time.Time) ([]*activity.ActivitySummary, error) {
	rows, err := s.db.Query(ctx, `
		SELECT period_start, period_end, event_count, by_category, by_event_type
		FROM activity_summaries
		WHERE scope_key = $1 AND period_type = $2 AND period_start >= $3 AND period_start < $4
		ORDER BY period_start`,
		scope.Key(), string(period), from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query summaries: %w", err)
	}
	defer rows.Close()

	result := make([]*activity.ActivitySummary, 0)
	for rows.Next() {
		sum := &activity.ActivitySummary{Scope: scope, PeriodType: period}
		var byCategory, byEventType []byte
		if err := rows.Scan(&sum.PeriodStart, &sum.PeriodEnd, &sum.EventCount, &byCategory, &byEventType); err != nil {
			return nil, fmt.Errorf("failed to scan summary: %w", err)
		}
		sum.PeriodStart = sum.PeriodStart.UTC()
		sum.PeriodEnd = sum.PeriodEnd.UTC()
		if err := json.Unmarshal(byCategory, &sum.ByCategory); err != nil {
			return nil, fmt.Errorf("by_category: %w", err)
		}
		if err := json.Unmarshal(byEventType, &sum.ByEventType); err != nil {
			return nil, fmt.Errorf("by_event_type: %w", err)
		}
		result = append(result, sum)
	}
	return result, rows.Err()
}

// UserSummaries returns one user's rollups with from <= period_start < to, oldest first
func (s *SummaryStore) UserSummaries(ctx context.Context, userID uuid.UUID, period activity.PeriodType, from, to time.Time) ([]*activity.UserActivitySummary, error) {
	rows, err := s.db.Query(ctx, `
		SELECT period_start, period_end, login_count, active_minutes, event_count, by_category
		FROM user_activity_summaries
		WHERE user_id = $1 AND period_type = $2 AND period_start >= $3 AND period_start < $4
		ORDER BY period_start`,
		userID, string(period), from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query user summaries: %w", err)
	}
	defer rows.Close()

	result := make([]*activity.UserActivitySummary, 0)
	for rows.Next() {
		sum := &activity.UserActivitySummary{UserID: userID, PeriodType: period}
		var byCategory []byte
		if err := rows.Scan(&sum.PeriodStart, &sum.PeriodEnd, &sum.LoginCount,
			&sum.ActiveMinutes, &sum.EventCount, &byCategory); err != nil {
			return nil, fmt.Errorf("failed to scan user summary: %w", err)
		}
		sum.PeriodStart = sum.PeriodStart.UTC()
		sum.PeriodEnd = sum.PeriodEnd.UTC()
		if err := json.Unmarshal(byCategory, &sum.ByCategory); err != nil {
			return nil, fmt.Errorf("by_category: %w", err)
		}
		result = append(result, sum)
	}
	return result, rows.Err()
}

func nonNil[K comparable](m map[K]int64) map[K]int64 {
	if m == nil {
		return map[K]int64{}
	}
	return m
}
