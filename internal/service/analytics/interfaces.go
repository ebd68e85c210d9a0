package analytics

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/workspace-activity/internal/domain/activity"
)

// Service defines the interface for activity aggregation and statistics
type Service interface {
	// AggregateBucket recomputes one (scope, period, bucket) summary and
	// stores it, replacing any previous row
	AggregateBucket(ctx context.Context, scope activity.Scope, period activity.PeriodType, at time.Time) (*activity.ActivitySummary, error)

	// AggregateWindow recomputes every scope and user summary of the given
	// periods whose buckets overlap [from, to)
	AggregateWindow(ctx context.Context, periods []activity.PeriodType, from, to time.Time) (*RunReport, error)

	// GetSummaries returns one summary per bucket of [from, to); buckets
	// never aggregated read as zero
	GetSummaries(ctx context.Context, scope activity.Scope, period activity.PeriodType, from, to time.Time) ([]*activity.ActivitySummary, error)

	// GetUserSummaries is GetSummaries for one user's rollups
	GetUserSummaries(ctx context.Context, userID uuid.UUID, period activity.PeriodType, from, to time.Time) ([]*activity.UserActivitySummary, error)

	// GetActivityMetrics derives the dashboard metrics of a scope
	GetActivityMetrics(ctx context.Context, scope activity.Scope) (*ActivityMetrics, error)

	// GetSecuritySummary derives the security digest of a scope
	GetSecuritySummary(ctx context.Context, scope activity.Scope) (*SecuritySummary, error)
}

// Cache stores derived dashboards. Implementations serialize values.
type Cache interface {
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}) error
}

// Config tunes the aggregation engine
type Config struct {
	// Location is the reference timezone of buckets and hour histograms
	Location *time.Location

	// TopN bounds the category and event type rankings
	TopN int

	// SecurityAlerts bounds the alert list of the security digest
	SecurityAlerts int

	// SecurityWindow is how far back the security digest looks
	SecurityWindow time.Duration
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		Location:       time.UTC,
		TopN:           5,
		SecurityAlerts: 10,
		SecurityWindow: 7 * 24 * time.Hour,
	}
}

// RunReport summarizes one aggregation pass
type RunReport struct {
	From              time.Time `json:"from"`
	To                time.Time `json:"to"`
	EventsScanned     int       `json:"events_scanned"`
	ScopeSummaries    int       `json:"scope_summaries"`
	UserSummaries     int       `json:"user_summaries"`
	WorkspacesCovered int       `json:"workspaces_covered"`
}

// CountShare is one ranked entry with its share of the total
type CountShare struct {
	Key        string  `json:"key"`
	Count      int64   `json:"count"`
	// Percentage is count / total as a fraction, 0.25 for a quarter.
	// GrowthRate, unlike it, is already scaled by 100.
	Percentage float64 `json:"percentage"`
}

// ActivityMetrics is the dashboard view of a scope
type ActivityMetrics struct {
	Scope             activity.Scope `json:"scope"`
	TodayTotal        int64          `json:"today_total"`
	WeekTotal         int64          `json:"week_total"`
	PreviousWeekTotal int64          `json:"previous_week_total"`

	// GrowthRate compares this week to date with the same span of last week
	GrowthRate    float64      `json:"growth_rate"`
	TopCategories []CountShare `json:"top_categories"`
	TopEventTypes []CountShare `json:"top_event_types"`

	// PeakHours counts this week's events by hour of day
	PeakHours   [24]int64 `json:"peak_hours"`
	GeneratedAt time.Time `json:"generated_at"`
}

// SecurityAlert is one critical event surfaced in the security digest
type SecurityAlert struct {
	EventID     uuid.UUID          `json:"event_id"`
	EventType   activity.EventType `json:"event_type"`
	Description string             `json:"description"`
	UserID      *uuid.UUID         `json:"user_id,omitempty"`
	IPAddress   string             `json:"ip_address,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
}

// SecuritySummary is the security digest of a scope
type SecuritySummary struct {
	Scope           activity.Scope  `json:"scope"`
	From            time.Time       `json:"from"`
	To              time.Time       `json:"to"`
	CriticalCount   int64           `json:"critical_count"`
	FailedLogins    int64           `json:"failed_logins"`
	SuspiciousCount int64           `json:"suspicious_count"`
	Alerts          []SecurityAlert `json:"alerts"`
}
