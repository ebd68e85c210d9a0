package analytics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/davidleathers/workspace-activity/internal/domain/activity"
	"github.com/davidleathers/workspace-activity/internal/domain/errors"
	"github.com/davidleathers/workspace-activity/internal/metrics"
)

// service implements the Service interface
type service struct {
	events    activity.EventRepository
	summaries activity.SummaryRepository
	cache     Cache
	config    Config
	logger    *zap.Logger
	metrics   *metrics.Registry
	tracer    trace.Tracer
	now       func() time.Time
}

// NewService creates a new analytics service. cache may be nil.
func NewService(
	events activity.EventRepository,
	summaries activity.SummaryRepository,
	cache Cache,
	config Config,
	logger *zap.Logger,
	registry *metrics.Registry,
) Service {
	return newService(events, summaries, cache, config, logger, registry)
}

func newService(
	events activity.EventRepository,
	summaries activity.SummaryRepository,
	cache Cache,
	config Config,
	logger *zap.Logger,
	registry *metrics.Registry,
) *service {
	defaults := DefaultConfig()
	if config.Location == nil {
		config.Location = defaults.Location
	}
	if config.TopN <= 0 {
		config.TopN = defaults.TopN
	}
	if config.SecurityAlerts <= 0 {
		config.SecurityAlerts = defaults.SecurityAlerts
	}
	if config.SecurityWindow <= 0 {
		config.SecurityWindow = defaults.SecurityWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &service{
		events:    events,
		summaries: summaries,
		cache:     cache,
		config:    config,
		logger:    logger,
		metrics:   registry,
		tracer:    otel.Tracer("activity.aggregation"),
		now:       time.Now,
	}
}

// AggregateBucket recomputes and stores one bucket
func (s *service) AggregateBucket(ctx context.Context, scope activity.Scope, period activity.PeriodType, at time.Time) (*activity.ActivitySummary, error) {
	if !period.IsValid() {
		return nil, errors.NewValidationError("INVALID_PERIOD", "period type is not recognized")
	}

	ctx, span := s.tracer.Start(ctx, "Aggregation.AggregateBucket",
		trace.WithAttributes(
			attribute.String("scope", scope.Key()),
			attribute.String("period", string(period)),
		),
	)
	defer span.End()

	bucket := activity.BucketFor(period, at, s.config.Location)

	events, err := s.events.Range(ctx, scope, bucket.Start, bucket.End)
	if err != nil {
		span.RecordError(err)
		return nil, errors.NewAggregationError("failed to read bucket events").WithCause(err)
	}

	summary := Summarize(scope, bucket, events)
	if err := s.summaries.SaveSummaries(ctx, []*activity.ActivitySummary{summary}); err != nil {
		span.RecordError(err)
		return nil, errors.NewAggregationError("failed to store summary").WithCause(err)
	}

	s.metrics.AddSummaries("scope", 1)
	return summary, nil
}

// AggregateWindow reads the window once and reduces it into every scope and
// user bucket. Each summary is recomputed wholesale from the events, never
// incremented, so overlapping or repeated runs converge on the same rows.
func (s *service) AggregateWindow(ctx context.Context, periods []activity.PeriodType, from, to time.Time) (*RunReport, error) {
	ctx, span := s.tracer.Start(ctx, "Aggregation.AggregateWindow")
	defer span.End()

	if !from.Before(to) {
		return nil, errors.NewValidationError("INVALID_WINDOW", "window start must be before its end")
	}
	for _, p := range periods {
		if !p.IsValid() {
			return nil, errors.NewValidationError("INVALID_PERIOD", "period type is not recognized")
		}
	}

	report := &RunReport{From: from, To: to}

	// widen the read to whole buckets
	readFrom, readTo := from, to
	for _, p := range periods {
		buckets := activity.BucketsBetween(p, from, to, s.config.Location)
		if len(buckets) == 0 {
			continue
		}
		if buckets[0].Start.Before(readFrom) {
			readFrom = buckets[0].Start
		}
		if last := buckets[len(buckets)-1].End; last.After(readTo) {
			readTo = last
		}
	}

	events, err := s.events.Range(ctx, activity.GlobalScope(), readFrom, readTo)
	if err != nil {
		span.RecordError(err)
		return nil, errors.NewAggregationError("failed to read events").WithCause(err)
	}
	report.EventsScanned = len(events)

	workspaces, err := s.events.Workspaces(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, errors.NewAggregationError("failed to list workspaces").WithCause(err)
	}
	report.WorkspacesCovered = len(workspaces)

	scopes := make([]activity.Scope, 0, len(workspaces)+1)
	scopes = append(scopes, activity.GlobalScope())
	for _, id := range workspaces {
		scopes = append(scopes, activity.WorkspaceScope(id))
	}

	for _, period := range periods {
		start := time.Now()

		buckets := activity.BucketsBetween(period, from, to, s.config.Location)
		scopeRows, userRows := reduce(buckets, scopes, events)

		if err := s.summaries.SaveSummaries(ctx, scopeRows); err != nil {
			s.metrics.ObserveAggregation(string(period), metrics.OutcomeFailed, time.Since(start).Seconds())
			span.RecordError(err)
			return report, errors.NewAggregationError(fmt.Sprintf("failed to store %s summaries", period)).WithCause(err)
		}
		if err := s.summaries.ReplaceUserSummaries(ctx, period, buckets[0].Start, buckets[len(buckets)-1].End, userRows); err != nil {
			s.metrics.ObserveAggregation(string(period), metrics.OutcomeFailed, time.Since(start).Seconds())
			span.RecordError(err)
			return report, errors.NewAggregationError(fmt.Sprintf("failed to store %s user summaries", period)).WithCause(err)
		}

		report.ScopeSummaries += len(scopeRows)
		report.UserSummaries += len(userRows)
		s.metrics.AddSummaries("scope", len(scopeRows))
		s.metrics.AddSummaries("user", len(userRows))
		s.metrics.ObserveAggregation(string(period), metrics.OutcomeSuccess, time.Since(start).Seconds())
	}

	span.SetAttributes(
		attribute.Int("events", report.EventsScanned),
		attribute.Int("scope_summaries", report.ScopeSummaries),
		attribute.Int("user_summaries", report.UserSummaries),
	)
	return report, nil
}

// reduce assigns each event to the bucket containing it and summarizes each
// partition for every scope and user. buckets must be contiguous and sorted.
func reduce(
	buckets []activity.Bucket,
	scopes []activity.Scope,
	events []*activity.Event,
) ([]*activity.ActivitySummary, []*activity.UserActivitySummary) {
	partitions := make([][]*activity.Event, len(buckets))
	for _, e := range events {
		i := sort.Search(len(buckets), func(i int) bool {
			return buckets[i].End.After(e.CreatedAt)
		})
		if i < len(buckets) && buckets[i].Contains(e.CreatedAt) {
			partitions[i] = append(partitions[i], e)
		}
	}

	scopeRows := make([]*activity.ActivitySummary, 0, len(buckets)*len(scopes))
	userRows := make([]*activity.UserActivitySummary, 0)

	for i, bucket := range buckets {
		part := partitions[i]
		for _, scope := range scopes {
			scopeRows = append(scopeRows, Summarize(scope, bucket, part))
		}
		userRows = append(userRows, SummarizeUsers(bucket, part)...)
	}
	return scopeRows, userRows
}

// GetSummaries returns stored summaries, zero-filled for missing buckets
func (s *service) GetSummaries(ctx context.Context, scope activity.Scope, period activity.PeriodType, from, to time.Time) ([]*activity.ActivitySummary, error) {
	if !period.IsValid() {
		return nil, errors.NewValidationError("INVALID_PERIOD", "period type is not recognized")
	}
	if !from.Before(to) {
		return nil, errors.NewValidationError("INVALID_WINDOW", "window start must be before its end")
	}

	buckets := activity.BucketsBetween(period, from, to, s.config.Location)
	if len(buckets) == 0 {
		return []*activity.ActivitySummary{}, nil
	}

	stored, err := s.summaries.Summaries(ctx, scope, period, buckets[0].Start, buckets[len(buckets)-1].End)
	if err != nil {
		return nil, errors.NewInternalError("failed to read summaries").WithCause(err)
	}

	byStart := make(map[time.Time]*activity.ActivitySummary, len(stored))
	for _, summary := range stored {
		byStart[summary.PeriodStart.UTC()] = summary
	}

	out := make([]*activity.ActivitySummary, 0, len(buckets))
	for _, bucket := range buckets {
		if summary, ok := byStart[bucket.Start]; ok {
			out = append(out, summary)
			continue
		}
		out = append(out, emptySummary(scope, bucket))
	}
	return out, nil
}

// GetUserSummaries returns stored user summaries, zero-filled for missing buckets
func (s *service) GetUserSummaries(ctx context.Context, userID uuid.UUID, period activity.PeriodType, from, to time.Time) ([]*activity.UserActivitySummary, error) {
	if !period.IsValid() {
		return nil, errors.NewValidationError("INVALID_PERIOD", "period type is not recognized")
	}
	if !from.Before(to) {
		return nil, errors.NewValidationError("INVALID_WINDOW", "window start must be before its end")
	}

	buckets := activity.BucketsBetween(period, from, to, s.config.Location)
	if len(buckets) == 0 {
		return []*activity.UserActivitySummary{}, nil
	}

	stored, err := s.summaries.UserSummaries(ctx, userID, period, buckets[0].Start, buckets[len(buckets)-1].End)
	if err != nil {
		return nil, errors.NewInternalError("failed to read user summaries").WithCause(err)
	}

	byStart := make(map[time.Time]*activity.UserActivitySummary, len(stored))
	for _, summary := range stored {
		byStart[summary.PeriodStart.UTC()] = summary
	}

	out := make([]*activity.UserActivitySummary, 0, len(buckets))
	for _, bucket := range buckets {
		if summary, ok := byStart[bucket.Start]; ok {
			out = append(out, summary)
			continue
		}
		out = append(out, &activity.UserActivitySummary{
			UserID:      userID,
			PeriodType:  period,
			PeriodStart: bucket.Start,
			PeriodEnd:   bucket.End,
			ByCategory:  make(map[activity.Category]int64),
		})
	}
	return out, nil
}

// GetActivityMetrics derives the dashboard, served from cache when fresh
func (s *service) GetActivityMetrics(ctx context.Context, scope activity.Scope) (*ActivityMetrics, error) {
	ctx, span := s.tracer.Start(ctx, "Aggregation.GetActivityMetrics",
		trace.WithAttributes(attribute.String("scope", scope.Key())),
	)
	defer span.End()

	key := "metrics:" + scope.Key()
	if s.cache != nil {
		var cached ActivityMetrics
		hit, err := s.cache.Get(ctx, key, &cached)
		if err != nil {
			s.logger.Warn("Metrics cache read failed", zap.String("key", key), zap.Error(err))
		} else if hit {
			span.SetAttributes(attribute.Bool("cache_hit", true))
			return &cached, nil
		}
	}

	now := s.now()
	weekStart := activity.PeriodWeek.BucketStart(now, s.config.Location)

	events, err := s.events.Range(ctx, scope, weekStart.AddDate(0, 0, -7), now.Add(time.Nanosecond))
	if err != nil {
		return nil, errors.NewInternalError("failed to read events").WithCause(err)
	}

	m := computeMetrics(scope, events, now, s.config.Location, s.config.TopN)

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, m); err != nil {
			s.logger.Warn("Metrics cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return m, nil
}

// GetSecuritySummary derives the security digest over the configured window
func (s *service) GetSecuritySummary(ctx context.Context, scope activity.Scope) (*SecuritySummary, error) {
	ctx, span := s.tracer.Start(ctx, "Aggregation.GetSecuritySummary",
		trace.WithAttributes(attribute.String("scope", scope.Key())),
	)
	defer span.End()

	to := s.now().UTC()
	from := to.Add(-s.config.SecurityWindow)

	events, err := s.events.Range(ctx, scope, from, to.Add(time.Nanosecond))
	if err != nil {
		return nil, errors.NewInternalError("failed to read events").WithCause(err)
	}

	return computeSecurity(scope, events, from, to, s.config.SecurityAlerts), nil
}
