package activity

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PeriodType is the width of an aggregation bucket
type PeriodType string

const (
	PeriodHour  PeriodType = "hour"
	PeriodDay   PeriodType = "day"
	PeriodWeek  PeriodType = "week"
	PeriodMonth PeriodType = "month"
)

// IsValid reports whether the period type is a declared variant
func (p PeriodType) IsValid() bool {
	switch p {
	case PeriodHour, PeriodDay, PeriodWeek, PeriodMonth:
		return true
	default:
		return false
	}
}

// BucketStart returns the start of the bucket containing t, computed on the
// calendar of loc. Weeks start on Monday. Hours are cut from the instant at
// the offset in force, so the repeated hour of a DST fall-back yields two
// distinct buckets.
func (p PeriodType) BucketStart(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	y, m, d := local.Date()

	switch p {
	case PeriodHour:
		_, offset := local.Zone()
		shift := time.Duration(offset) * time.Second
		return t.UTC().Add(shift).Truncate(time.Hour).Add(-shift)
	case PeriodWeek:
		offset := (int(local.Weekday()) + 6) % 7
		return time.Date(y, m, d-offset, 0, 0, 0, 0, loc).UTC()
	case PeriodMonth:
		return time.Date(y, m, 1, 0, 0, 0, 0, loc).UTC()
	default:
		return time.Date(y, m, d, 0, 0, 0, 0, loc).UTC()
	}
}

// Next returns the start of the bucket following the one starting at start
func (p PeriodType) Next(start time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := start.In(loc)

	switch p {
	case PeriodHour:
		return start.Add(time.Hour)
	case PeriodWeek:
		return local.AddDate(0, 0, 7).UTC()
	case PeriodMonth:
		return local.AddDate(0, 1, 0).UTC()
	default:
		return local.AddDate(0, 0, 1).UTC()
	}
}

// Bucket is one half-open time window [Start, End)
type Bucket struct {
	Period PeriodType `json:"period_type"`
	Start  time.Time  `json:"period_start"`
	End    time.Time  `json:"period_end"`
}

// Contains reports whether t falls inside the bucket
func (b Bucket) Contains(t time.Time) bool {
	return !t.Before(b.Start) && t.Before(b.End)
}

// BucketFor returns the bucket of the given period containing t
func BucketFor(period PeriodType, t time.Time, loc *time.Location) Bucket {
	start := period.BucketStart(t, loc)
	return Bucket{Period: period, Start: start, End: period.Next(start, loc)}
}

// BucketsBetween returns every bucket overlapping [from, to), oldest first
func BucketsBetween(period PeriodType, from, to time.Time, loc *time.Location) []Bucket {
	var buckets []Bucket
	for start := period.BucketStart(from, loc); start.Before(to); start = period.Next(start, loc) {
		buckets = append(buckets, Bucket{Period: period, Start: start, End: period.Next(start, loc)})
	}
	return buckets
}

// Scope selects the events a summary covers: one workspace, or every event
// when WorkspaceID is nil.
type Scope struct {
	WorkspaceID *uuid.UUID `json:"workspace_id,omitempty"`
}

// GlobalScope covers every workspace
func GlobalScope() Scope {
	return Scope{}
}

// WorkspaceScope covers a single workspace
func WorkspaceScope(id uuid.UUID) Scope {
	return Scope{WorkspaceID: &id}
}

// Key returns a stable identifier for the scope
func (s Scope) Key() string {
	if s.WorkspaceID == nil {
		return "global"
	}
	return "workspace:" + s.WorkspaceID.String()
}

// Includes reports whether the event belongs to the scope
func (s Scope) Includes(e *Event) bool {
	return s.WorkspaceID == nil || e.InWorkspace(*s.WorkspaceID)
}

// ActivitySummary is a derived rollup of one scope and bucket. It must be
// exactly reproducible from the events in the bucket.
type ActivitySummary struct {
	Scope       Scope               `json:"scope"`
	PeriodType  PeriodType          `json:"period_type"`
	PeriodStart time.Time           `json:"period_start"`
	PeriodEnd   time.Time           `json:"period_end"`
	EventCount  int64               `json:"event_count"`
	ByCategory  map[Category]int64  `json:"by_category"`
	ByEventType map[EventType]int64 `json:"by_event_type"`
}

// Key identifies the summary row
func (s *ActivitySummary) Key() string {
	return fmt.Sprintf("%s|%s|%s", s.Scope.Key(), s.PeriodType, s.PeriodStart.UTC().Format(time.RFC3339))
}

// UserActivitySummary is a derived per-user rollup for one bucket
type UserActivitySummary struct {
	UserID        uuid.UUID          `json:"user_id"`
	PeriodType    PeriodType         `json:"period_type"`
	PeriodStart   time.Time          `json:"period_start"`
	PeriodEnd     time.Time          `json:"period_end"`
	LoginCount    int64              `json:"login_count"`
	ActiveMinutes int64              `json:"active_minutes"`
	EventCount    int64              `json:"event_count"`
	ByCategory    map[Category]int64 `json:"by_category"`
}

// Key identifies the summary row
func (s *UserActivitySummary) Key() string {
	return fmt.Sprintf("%s|%s|%s", s.UserID, s.PeriodType, s.PeriodStart.UTC().Format(time.RFC3339))
}
