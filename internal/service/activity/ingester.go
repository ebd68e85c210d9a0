// Package activity implements event ingestion and the activity read views.
package activity

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/davidleathers/workspace-activity/internal/domain/activity"
	"github.com/davidleathers/workspace-activity/internal/domain/errors"
	"github.com/davidleathers/workspace-activity/internal/metrics"
)

// IngesterConfig configures event ingestion
type IngesterConfig struct {
	QueueSize      int           // Asynchronous queue capacity (default: 1000)
	Workers        int           // Queue workers (default: 4)
	WriteTimeout   time.Duration // Store write timeout (default: 5s)
	DeadLetterSize int           // Dead letter capacity (default: 10000)

	FailureThreshold int           // Circuit breaker threshold (default: 5)
	CircuitTimeout   time.Duration // Circuit breaker reset timeout (default: 30s)
	DrainTimeout     time.Duration // Close waits this long for queued writes (default: 30s)
}

// DefaultIngesterConfig returns default configuration
func DefaultIngesterConfig() IngesterConfig {
	return IngesterConfig{
		QueueSize:        1000,
		Workers:          4,
		WriteTimeout:     5 * time.Second,
		DeadLetterSize:   10000,
		FailureThreshold: 5,
		CircuitTimeout:   30 * time.Second,
		DrainTimeout:     30 * time.Second,
	}
}

// Publisher receives every stored event, e.g. for live streaming
type Publisher interface {
	Publish(event *activity.Event)
}

// Ingester validates and persists activity events.
//
// Log is the synchronous path and returns errors to its caller. Emit and
// Submit are the best-effort side channel used by business operations:
// failures are logged, counted and parked in the dead letter queue, and
// never returned.
type Ingester struct {
	config    IngesterConfig
	store     activity.EventRepository
	logger    *zap.Logger
	metrics   *metrics.Registry
	publisher Publisher
	tracer    trace.Tracer

	queue      chan *activity.Event
	deadLetter *DeadLetterQueue
	breaker    *CircuitBreaker

	// mu guards running and the queue's lifetime; Submit sends under the
	// read lock so Close can close the channel safely
	mu      sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	failures int64
	now      func() time.Time
}

// NewIngester creates an ingester. Call Start to run the queue workers;
// until then Submit writes synchronously.
func NewIngester(
	config IngesterConfig,
	store activity.EventRepository,
	logger *zap.Logger,
	registry *metrics.Registry,
	publisher Publisher,
) (*Ingester, error) {
	if store == nil {
		return nil, errors.NewValidationError("MISSING_REPOSITORY", "event repository is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	defaults := DefaultIngesterConfig()
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.DeadLetterSize <= 0 {
		config.DeadLetterSize = defaults.DeadLetterSize
	}
	if config.CircuitTimeout <= 0 {
		config.CircuitTimeout = defaults.CircuitTimeout
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = defaults.DrainTimeout
	}

	return &Ingester{
		config:     config,
		store:      store,
		logger:     logger,
		metrics:    registry,
		publisher:  publisher,
		tracer:     otel.Tracer("activity.ingestion"),
		deadLetter: NewDeadLetterQueue(config.DeadLetterSize, logger),
		breaker:    NewCircuitBreaker(config.FailureThreshold, config.CircuitTimeout, logger),
		now:        time.Now,
	}, nil
}

// Log validates and persists one event and returns its generated id. The
// draft is not modified; id, created_at and delta are assigned on a copy.
func (i *Ingester) Log(ctx context.Context, draft *activity.Event) (uuid.UUID, error) {
	ctx, span := i.tracer.Start(ctx, "Ingester.Log")
	defer span.End()

	event, err := i.prepare(ctx, draft)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid event")
		return uuid.Nil, err
	}

	span.SetAttributes(
		attribute.String("event.id", event.ID.String()),
		attribute.String("event.type", event.EventType.String()),
		attribute.String("entity.type", string(event.EntityType)),
	)

	if err := i.write(ctx, event); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "write failed")
		return uuid.Nil, errors.NewIngestionError("failed to persist event").WithCause(err)
	}

	return event.ID, nil
}

// LogBatch validates every draft before any is stored and persists the
// batch in one write, so either all events are recorded or none are. Ids
// come back in draft order. A rejected draft is reported with its index.
func (i *Ingester) LogBatch(ctx context.Context, drafts []*activity.Event) ([]uuid.UUID, error) {
	ctx, span := i.tracer.Start(ctx, "Ingester.LogBatch",
		trace.WithAttributes(attribute.Int("batch.size", len(drafts))))
	defer span.End()

	if len(drafts) == 0 {
		return nil, errors.NewValidationError("EMPTY_BATCH", "at least one event is required")
	}

	events := make([]*activity.Event, 0, len(drafts))
	for n, draft := range drafts {
		event, err := i.prepare(ctx, draft)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "invalid event")
			return nil, atIndex(err, n)
		}
		events = append(events, event)
	}

	if err := i.persist(ctx, events); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "write failed")
		return nil, errors.NewIngestionError("failed to persist events").WithCause(err)
	}

	ids := make([]uuid.UUID, len(events))
	for n, event := range events {
		ids[n] = event.ID
	}
	return ids, nil
}

func atIndex(err error, index int) error {
	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) {
		return err
	}
	details := map[string]interface{}{"index": index}
	for k, v := range appErr.Details {
		details[k] = v
	}
	return &errors.AppError{
		Type:       appErr.Type,
		Code:       appErr.Code,
		Message:    appErr.Message,
		Details:    details,
		Cause:      appErr.Cause,
		Retryable:  appErr.Retryable,
		StatusCode: appErr.StatusCode,
	}
}

// Emit records an event without ever failing the caller. Validation and
// write failures go to the operational channel: an Error log entry, the
// failure counter, and (for write failures) the dead letter queue.
func (i *Ingester) Emit(ctx context.Context, draft *activity.Event) uuid.UUID {
	return i.Submit(ctx, draft)
}

// Submit enqueues an event for the background workers and returns the id it
// will be stored under. A full queue parks the event in the dead letter queue.
// Before Start, and after Close, the write happens inline.
func (i *Ingester) Submit(ctx context.Context, draft *activity.Event) uuid.UUID {
	event, err := i.prepare(ctx, draft)
	if err != nil {
		i.reportFailure(draft, "validation", err)
		return uuid.Nil
	}

	i.mu.RLock()
	if !i.running {
		i.mu.RUnlock()
		if err := i.write(ctx, event); err != nil {
			i.park(event, "store", err)
			return uuid.Nil
		}
		return event.ID
	}
	defer i.mu.RUnlock()

	select {
	case i.queue <- event:
		i.metrics.IncEvent(event.EventType.String(), metrics.OutcomeQueued)
		i.metrics.SetQueueDepth(len(i.queue))
		return event.ID
	default:
		i.park(event, "queue_full", errors.NewIngestionError("ingestion queue full"))
		return event.ID
	}
}

// Audited runs a business mutation and, only if it succeeds, emits the event
// describing it. The mutation's own error is returned unchanged; ingestion
// never affects it.
func (i *Ingester) Audited(
	ctx context.Context,
	mutation func(ctx context.Context) error,
	describe func() (*activity.Event, error),
) error {
	if err := mutation(ctx); err != nil {
		return err
	}

	draft, err := describe()
	if err != nil {
		i.reportFailure(nil, "validation", err)
		return nil
	}

	i.Emit(ctx, draft)
	return nil
}

// Replay retries every event parked in the dead letter queue and returns how
// many were written.
func (i *Ingester) Replay(ctx context.Context) (int, error) {
	ctx, span := i.tracer.Start(ctx, "Ingester.Replay")
	defer span.End()

	replayed := 0
	for _, failed := range i.deadLetter.List(0) {
		if err := ctx.Err(); err != nil {
			return replayed, err
		}

		if err := i.write(ctx, failed.Event); err != nil {
			if stderrors.Is(err, activity.ErrDuplicateEvent) {
				_ = i.deadLetter.Remove(failed.Event.ID)
				continue
			}
			i.deadLetter.Add(failed.Event, err.Error())
			continue
		}

		_ = i.deadLetter.Remove(failed.Event.ID)
		replayed++
	}

	i.metrics.SetDeadLetterSize(i.deadLetter.Len())
	span.SetAttributes(attribute.Int("replayed", replayed))

	if replayed > 0 {
		i.logger.Info("Replayed dead letter events", zap.Int("count", replayed))
	}
	return replayed, nil
}

// DeadLetters exposes the dead letter queue
func (i *Ingester) DeadLetters() *DeadLetterQueue {
	return i.deadLetter
}

// Failures returns the number of events that could not be written
func (i *Ingester) Failures() int64 {
	return atomic.LoadInt64(&i.failures)
}

// Start launches the queue workers
func (i *Ingester) Start(ctx context.Context) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.running {
		return
	}

	i.running = true
	i.queue = make(chan *activity.Event, i.config.QueueSize)
	i.ctx, i.cancel = context.WithCancel(context.WithoutCancel(ctx))
	for n := 0; n < i.config.Workers; n++ {
		i.wg.Add(1)
		go i.work(n, i.queue)
	}

	i.logger.Info("Activity ingester started",
		zap.Int("workers", i.config.Workers),
		zap.Int("queue_size", i.config.QueueSize),
	)
}

// Close stops accepting queued work and lets the workers write what is
// already queued. Writes still pending after DrainTimeout are cancelled and
// parked in the dead letter queue.
func (i *Ingester) Close() error {
	i.mu.Lock()
	if !i.running {
		i.mu.Unlock()
		return nil
	}
	i.running = false
	close(i.queue)
	i.mu.Unlock()

	done := make(chan struct{})
	go func() {
		i.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		i.logger.Info("Activity ingester shut down gracefully")
	case <-time.After(i.config.DrainTimeout):
		i.logger.Warn("Activity ingester drain timeout, pending events parked",
			zap.Int("pending_events", len(i.queue)),
		)
		i.cancel()
		<-done
	}
	i.cancel()
	return nil
}

func (i *Ingester) work(id int, queue <-chan *activity.Event) {
	defer i.wg.Done()

	for event := range queue {
		i.metrics.SetQueueDepth(len(queue))
		if err := i.write(i.ctx, event); err != nil {
			reason := "store"
			if i.ctx.Err() != nil {
				reason = "shutdown"
			}
			i.park(event, reason, err)
		}
	}
	i.logger.Debug("Ingestion worker shutting down", zap.Int("worker_id", id))
}

// prepare validates a draft and returns the event to store
func (i *Ingester) prepare(ctx context.Context, draft *activity.Event) (*activity.Event, error) {
	if draft == nil {
		return nil, errors.NewValidationError("MISSING_EVENT", "event is required")
	}

	event := draft.Clone()
	enrich(ctx, event)
	if event.Source == "" {
		event.Source = activity.SourceWeb
	}
	if event.Category == "" {
		event.Category = event.EventType.DefaultCategory()
	}
	if event.Severity == "" {
		event.Severity = event.EventType.DefaultSeverity()
	}

	if err := event.Validate(); err != nil {
		i.metrics.IncEvent(string(draft.EventType), metrics.OutcomeRejected)
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, errors.NewInternalError("failed to generate event id").WithCause(err)
	}

	event.ID = id
	event.CreatedAt = i.now().UTC().Truncate(time.Microsecond)
	event.UpdatedAt = nil
	event.IsDeleted = false
	event.Delta = activity.ComputeDelta(event.OldValues, event.NewValues)
	return event, nil
}

func (i *Ingester) write(ctx context.Context, event *activity.Event) error {
	return i.persist(ctx, []*activity.Event{event})
}

// persist stores events through the breaker and publishes them once stored
func (i *Ingester) persist(ctx context.Context, events []*activity.Event) error {
	ctx, cancel := context.WithTimeout(ctx, i.config.WriteTimeout)
	defer cancel()

	start := time.Now()
	err := i.breaker.Execute(func() error {
		if len(events) == 1 {
			return i.store.Append(ctx, events[0])
		}
		return i.store.AppendBatch(ctx, events)
	})
	i.metrics.ObserveWrite(time.Since(start).Seconds())

	if err != nil {
		return err
	}

	for _, event := range events {
		i.metrics.IncEvent(event.EventType.String(), metrics.OutcomeStored)
		if i.publisher != nil {
			i.publisher.Publish(event.Clone())
		}
	}
	return nil
}

func (i *Ingester) park(event *activity.Event, reason string, cause error) {
	i.deadLetter.Add(event, reason)
	i.metrics.SetDeadLetterSize(i.deadLetter.Len())
	i.metrics.IncEvent(event.EventType.String(), metrics.OutcomeDeadLetter)
	i.reportFailure(event, reason, cause)
}

func (i *Ingester) reportFailure(event *activity.Event, reason string, cause error) {
	atomic.AddInt64(&i.failures, 1)
	i.metrics.IncFailure(reason)

	fields := []zap.Field{
		zap.String("reason", reason),
		zap.Error(cause),
	}
	if event != nil {
		fields = append(fields,
			zap.String("event_type", string(event.EventType)),
			zap.String("entity_type", string(event.EntityType)),
			zap.String("entity_id", event.EntityID.String()),
			zap.String("correlation_id", event.CorrelationID),
		)
	}

	i.logger.Error("Activity event not recorded", fields...)
}
