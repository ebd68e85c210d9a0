package activity

import (
	"time"

	"github.com/davidleathers/workspace-activity/internal/domain/activity"
)

// Calendar group labels, in display order
const (
	GroupToday     = "Today"
	GroupYesterday = "Yesterday"
	GroupThisWeek  = "This Week"
	GroupThisMonth = "This Month"
	GroupOlder     = "Older"
)

var groupOrder = []string{GroupToday, GroupYesterday, GroupThisWeek, GroupThisMonth, GroupOlder}

const dayLayout = "2006-01-02"

// Group is a labelled slice of a timeline
type Group struct {
	Label  string            `json:"label"`
	Events []*activity.Event `json:"events"`
}

// GroupByDay partitions events into Today, Yesterday, This Week, This Month
// and Older. Days are compared as calendar-day strings in loc, and weeks
// start on Monday as in the aggregation buckets. Empty groups are omitted
// and events keep their order within a group.
func GroupByDay(events []*activity.Event, now time.Time, loc *time.Location) []Group {
	if loc == nil {
		loc = time.UTC
	}

	local := now.In(loc)
	today := local.Format(dayLayout)
	yesterday := local.AddDate(0, 0, -1).Format(dayLayout)
	weekStart := activity.PeriodWeek.BucketStart(now, loc).In(loc).Format(dayLayout)
	monthStart := activity.PeriodMonth.BucketStart(now, loc).In(loc).Format(dayLayout)

	buckets := make(map[string][]*activity.Event, len(groupOrder))
	for _, e := range events {
		day := e.CreatedAt.In(loc).Format(dayLayout)

		var label string
		switch {
		case day == today:
			label = GroupToday
		case day == yesterday:
			label = GroupYesterday
		case day >= weekStart && day < today:
			label = GroupThisWeek
		case day >= monthStart && day < today:
			label = GroupThisMonth
		default:
			label = GroupOlder
		}
		buckets[label] = append(buckets[label], e)
	}

	groups := make([]Group, 0, len(buckets))
	for _, label := range groupOrder {
		if evs, ok := buckets[label]; ok {
			groups = append(groups, Group{Label: label, Events: evs})
		}
	}
	return groups
}
