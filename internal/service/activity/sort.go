package activity

import (
	"sort"
	"strings"

	"github.com/davidleathers/workspace-activity/internal/domain/activity"
	"github.com/davidleathers/workspace-activity/internal/domain/errors"
)

// SortKey names the field results are ordered by
type SortKey string

const (
	SortCreatedAt  SortKey = "created_at"
	SortEventType  SortKey = "event_type"
	SortEntityType SortKey = "entity_type"
	SortActorName  SortKey = "actor_name"
	SortSeverity   SortKey = "severity"
)

// SortDirection is ascending or descending
type SortDirection string

const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

// SortOptions configures SortEvents. The zero value sorts by created_at,
// newest first.
type SortOptions struct {
	Key       SortKey
	Direction SortDirection
}

// Validate rejects unknown keys and directions
func (o SortOptions) Validate() error {
	switch o.Key {
	case "", SortCreatedAt, SortEventType, SortEntityType, SortActorName, SortSeverity:
	default:
		return errors.NewValidationError("INVALID_SORT", "sort key is not recognized")
	}
	switch o.Direction {
	case "", SortAsc, SortDesc:
	default:
		return errors.NewValidationError("INVALID_SORT", "sort direction is not recognized")
	}
	return nil
}

// SortEvents orders events in place. The sort is stable: events comparing
// equal keep their relative order. Severity sorts by rank, critical highest.
func SortEvents(events []*activity.Event, opts SortOptions, names Names) {
	key := opts.Key
	if key == "" {
		key = SortCreatedAt
	}
	desc := opts.Direction != SortAsc

	compare := func(a, b *activity.Event) int {
		switch key {
		case SortEventType:
			return strings.Compare(string(a.EventType), string(b.EventType))
		case SortEntityType:
			return strings.Compare(string(a.EntityType), string(b.EntityType))
		case SortActorName:
			return strings.Compare(strings.ToLower(names.Actor(a)), strings.ToLower(names.Actor(b)))
		case SortSeverity:
			return a.Severity.Rank() - b.Severity.Rank()
		default:
			return a.CreatedAt.Compare(b.CreatedAt)
		}
	}

	sort.SliceStable(events, func(i, j int) bool {
		c := compare(events[i], events[j])
		if desc {
			return c > 0
		}
		return c < 0
	})
}
