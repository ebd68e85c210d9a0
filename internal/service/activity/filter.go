package activity

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/workspace-activity/internal/domain/activity"
	"github.com/davidleathers/workspace-activity/internal/domain/errors"
)

// DatePreset is a relative date range
type DatePreset string

const (
	DateAll     DatePreset = "all"
	DateToday   DatePreset = "today"
	DateWeek    DatePreset = "week"
	DateMonth   DatePreset = "month"
	DateQuarter DatePreset = "quarter"
	DateCustom  DatePreset = "custom"
)

// IsValid reports whether the preset is declared
func (p DatePreset) IsValid() bool {
	switch p {
	case "", DateAll, DateToday, DateWeek, DateMonth, DateQuarter, DateCustom:
		return true
	default:
		return false
	}
}

// Filter is a pure post-filter over a result set. Every set constraint and
// the free-text search are ANDed; an empty constraint matches everything.
type Filter struct {
	Search      string
	EventTypes  []activity.EventType
	Severities  []activity.Severity
	EntityTypes []activity.EntityType
	UserIDs     []uuid.UUID
	DateRange   DatePreset
	// From and To bound a custom range, To exclusive
	From *time.Time
	To   *time.Time
}

// Validate rejects undeclared variants
func (f Filter) Validate() error {
	for _, et := range f.EventTypes {
		if !et.IsValid() {
			return errors.NewValidationError("INVALID_EVENT_TYPE", "event type is not recognized").
				WithDetails(map[string]interface{}{"event_type": string(et)})
		}
	}
	for _, s := range f.Severities {
		if !s.IsValid() {
			return errors.NewValidationError("INVALID_SEVERITY", "severity is not recognized")
		}
	}
	for _, et := range f.EntityTypes {
		if !et.IsValid() {
			return errors.NewValidationError("INVALID_ENTITY_TYPE", "entity type is not recognized")
		}
	}
	if !f.DateRange.IsValid() {
		return errors.NewValidationError("INVALID_DATE_RANGE", "date range is not recognized")
	}
	if f.DateRange == DateCustom && f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return errors.NewValidationError("INVALID_DATE_RANGE", "range end is before its start")
	}
	return nil
}

// Apply returns the events matching the filter, preserving their order
func (f Filter) Apply(events []*activity.Event, names Names, now time.Time, loc *time.Location) []*activity.Event {
	from, to := f.window(now, loc)
	needle := strings.ToLower(strings.TrimSpace(f.Search))

	out := make([]*activity.Event, 0, len(events))
	for _, e := range events {
		if !f.matchesSets(e) {
			continue
		}
		if from != nil && e.CreatedAt.Before(*from) {
			continue
		}
		if to != nil && !e.CreatedAt.Before(*to) {
			continue
		}
		if needle != "" && !matchesText(e, needle, names) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// narrow copies the structured constraints into a store query so only
// candidate events are read; free text stays a post-filter
func (f Filter) narrow(q *activity.EventQuery, now time.Time, loc *time.Location) {
	q.EventTypes = f.EventTypes
	q.Severities = f.Severities
	q.EntityTypes = f.EntityTypes
	q.UserIDs = f.UserIDs
	q.From, q.To = f.window(now, loc)
}

func (f Filter) matchesSets(e *activity.Event) bool {
	if len(f.EventTypes) > 0 && !contains(f.EventTypes, e.EventType) {
		return false
	}
	if len(f.Severities) > 0 && !contains(f.Severities, e.Severity) {
		return false
	}
	if len(f.EntityTypes) > 0 && !contains(f.EntityTypes, e.EntityType) {
		return false
	}
	if len(f.UserIDs) > 0 && (e.UserID == nil || !contains(f.UserIDs, *e.UserID)) {
		return false
	}
	return true
}

// window resolves the preset to [from, to) bounds; nil means unbounded
func (f Filter) window(now time.Time, loc *time.Location) (*time.Time, *time.Time) {
	if loc == nil {
		loc = time.UTC
	}

	var from time.Time
	switch f.DateRange {
	case DateToday:
		from = activity.PeriodDay.BucketStart(now, loc)
	case DateWeek:
		from = now.AddDate(0, 0, -7)
	case DateMonth:
		from = now.AddDate(0, -1, 0)
	case DateQuarter:
		from = now.AddDate(0, -3, 0)
	case DateCustom:
		return f.From, f.To
	default:
		return nil, nil
	}
	return &from, nil
}

func matchesText(e *activity.Event, needle string, names Names) bool {
	fields := []string{
		e.Description,
		string(e.EventType),
		string(e.EntityType),
		names.Actor(e),
		names.Workspace(e),
	}
	for _, field := range fields {
		if strings.Contains(strings.ToLower(field), needle) {
			return true
		}
	}
	return false
}

func contains[T comparable](list []T, v T) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
