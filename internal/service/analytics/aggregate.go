package analytics

import (
	"bytes"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/davidleathers/workspace-activity/internal/domain/activity"
)

// activeSlot is the granularity of the active-minutes estimate
const activeSlot = 5 * time.Minute

// Summarize reduces the events of one bucket into a summary. Events outside
// the bucket or scope, and redacted events, are ignored. The result depends
// only on the events, so recomputing a bucket yields identical output.
func Summarize(scope activity.Scope, bucket activity.Bucket, events []*activity.Event) *activity.ActivitySummary {
	summary := &activity.ActivitySummary{
		Scope:       scope,
		PeriodType:  bucket.Period,
		PeriodStart: bucket.Start,
		PeriodEnd:   bucket.End,
		ByCategory:  make(map[activity.Category]int64),
		ByEventType: make(map[activity.EventType]int64),
	}

	for _, e := range events {
		if e.IsDeleted || !bucket.Contains(e.CreatedAt) || !scope.Includes(e) {
			continue
		}
		summary.EventCount++
		summary.ByCategory[e.Category]++
		summary.ByEventType[e.EventType]++
	}
	return summary
}

// SummarizeUsers reduces the events of one bucket into per-user summaries,
// ordered by user id. System events without an actor are skipped.
func SummarizeUsers(bucket activity.Bucket, events []*activity.Event) []*activity.UserActivitySummary {
	byUser := make(map[uuid.UUID]*activity.UserActivitySummary)
	slots := make(map[uuid.UUID]map[int64]struct{})

	for _, e := range events {
		if e.IsDeleted || e.UserID == nil || !bucket.Contains(e.CreatedAt) {
			continue
		}

		userID := *e.UserID
		summary, ok := byUser[userID]
		if !ok {
			summary = &activity.UserActivitySummary{
				UserID:      userID,
				PeriodType:  bucket.Period,
				PeriodStart: bucket.Start,
				PeriodEnd:   bucket.End,
				ByCategory:  make(map[activity.Category]int64),
			}
			byUser[userID] = summary
			slots[userID] = make(map[int64]struct{})
		}

		summary.EventCount++
		summary.ByCategory[e.Category]++
		if e.EventType == activity.EventLogin {
			summary.LoginCount++
		}
		slots[userID][e.CreatedAt.Unix()/int64(activeSlot/time.Second)] = struct{}{}
	}

	out := make([]*activity.UserActivitySummary, 0, len(byUser))
	for userID, summary := range byUser {
		summary.ActiveMinutes = int64(len(slots[userID])) * int64(activeSlot/time.Minute)
		out = append(out, summary)
	}

	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].UserID[:], out[j].UserID[:]) < 0
	})
	return out
}

// emptySummary is the summary of a bucket without events
func emptySummary(scope activity.Scope, bucket activity.Bucket) *activity.ActivitySummary {
	return Summarize(scope, bucket, nil)
}

// Percentage returns the share count / total as a fraction in [0, 1]
// rounded to four places, and 0 when total is 0
func Percentage(count, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return decimal.NewFromInt(count).
		Div(decimal.NewFromInt(total)).
		Round(4).
		InexactFloat64()
}

// GrowthRate returns (current - previous) / previous * 100 rounded to two
// places, and 0 when previous is 0
func GrowthRate(current, previous int64) float64 {
	if previous <= 0 {
		return 0
	}
	return decimal.NewFromInt(current - previous).
		Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(previous)).
		Round(2).
		InexactFloat64()
}

// rank returns the n largest counts, ties broken by key
func rank[K ~string](counts map[K]int64, total int64, n int) []CountShare {
	out := make([]CountShare, 0, len(counts))
	for k, c := range counts {
		out = append(out, CountShare{Key: string(k), Count: c, Percentage: Percentage(c, total)})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})

	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// computeMetrics derives the dashboard from the events of the current and
// previous week windows
func computeMetrics(scope activity.Scope, events []*activity.Event, now time.Time, loc *time.Location, topN int) *ActivityMetrics {
	dayStart := activity.PeriodDay.BucketStart(now, loc)
	weekStart := activity.PeriodWeek.BucketStart(now, loc)
	prevStart := weekStart.AddDate(0, 0, -7)
	prevEnd := now.AddDate(0, 0, -7)

	m := &ActivityMetrics{
		Scope:       scope,
		GeneratedAt: now.UTC(),
	}

	categories := make(map[activity.Category]int64)
	eventTypes := make(map[activity.EventType]int64)

	for _, e := range events {
		if e.IsDeleted || !scope.Includes(e) || e.CreatedAt.After(now) {
			continue
		}

		switch {
		case !e.CreatedAt.Before(weekStart):
			m.WeekTotal++
			categories[e.Category]++
			eventTypes[e.EventType]++
			m.PeakHours[e.CreatedAt.In(loc).Hour()]++
			if !e.CreatedAt.Before(dayStart) {
				m.TodayTotal++
			}
		case !e.CreatedAt.Before(prevStart) && e.CreatedAt.Before(prevEnd):
			m.PreviousWeekTotal++
		}
	}

	m.GrowthRate = GrowthRate(m.WeekTotal, m.PreviousWeekTotal)
	m.TopCategories = rank(categories, m.WeekTotal, topN)
	m.TopEventTypes = rank(eventTypes, m.WeekTotal, topN)
	return m
}

// computeSecurity derives the security digest; events are newest first
func computeSecurity(scope activity.Scope, events []*activity.Event, from, to time.Time, alerts int) *SecuritySummary {
	s := &SecuritySummary{
		Scope:  scope,
		From:   from,
		To:     to,
		Alerts: make([]SecurityAlert, 0),
	}

	for _, e := range events {
		if e.IsDeleted || !scope.Includes(e) {
			continue
		}

		if e.EventType == activity.EventLoginFailed {
			s.FailedLogins++
		}
		if e.EventType == activity.EventSuspiciousActivity {
			s.SuspiciousCount++
		}
		if e.Severity != activity.SeverityCritical {
			continue
		}

		s.CriticalCount++
		if len(s.Alerts) < alerts {
			s.Alerts = append(s.Alerts, SecurityAlert{
				EventID:     e.ID,
				EventType:   e.EventType,
				Description: e.Description,
				UserID:      e.UserID,
				IPAddress:   e.IPAddress,
				CreatedAt:   e.CreatedAt,
			})
		}
	}
	return s
}
