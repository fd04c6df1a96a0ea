package deadletter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/zoff-tech/go-stock-outbox/pkg/breaker"
	"github.com/zoff-tech/go-stock-outbox/pkg/config"
	"github.com/zoff-tech/go-stock-outbox/pkg/events"
	"github.com/zoff-tech/go-stock-outbox/pkg/stock"
)

type memRepo struct {
	mu     sync.Mutex
	events map[string]*FailedEvent
	purged time.Time
}

func newMemRepo(evs ...*FailedEvent) *memRepo {
	r := &memRepo{events: map[string]*FailedEvent{}}
	for _, e := range evs {
		r.events[e.ID] = e
	}
	return r
}

func (r *memRepo) get(id string) FailedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.events[id]
}

func (r *memRepo) Insert(_ context.Context, e *FailedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *e
	r.events[e.ID] = &cp
	return nil
}

func (r *memRepo) ClaimReady(_ context.Context, now time.Time, limit int, claim func(*FailedEvent) error) ([]FailedEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []*FailedEvent
	for _, e := range r.events {
		if e.Status.Retryable() && e.NextRetryAt != nil && !e.NextRetryAt.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRetryAt.Before(*due[j].NextRetryAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]FailedEvent, 0, len(due))
	for _, e := range due {
		if err := claim(e); err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, nil
}

func (r *memRepo) Save(_ context.Context, e *FailedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.events[e.ID]; !ok {
		return ErrNotFound
	}
	cp := *e
	r.events[e.ID] = &cp
	return nil
}

func (r *memRepo) Get(_ context.Context, id string) (*FailedEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (r *memRepo) FindStuck(_ context.Context, threshold time.Time) ([]FailedEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []FailedEvent
	for _, e := range r.events {
		if e.Status == StatusRetrying && e.LastRetryAt != nil && e.LastRetryAt.Before(threshold) {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (r *memRepo) DeleteProcessedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.purged = cutoff
	var n int64
	for id, e := range r.events {
		if e.Status == StatusProcessed && e.ProcessedAt.Before(cutoff) {
			delete(r.events, id)
			n++
		}
	}
	return n, nil
}

func (r *memRepo) Stats(context.Context) (Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := Stats{}
	for _, e := range r.events {
		stats[e.Status]++
	}
	return stats, nil
}

type recordingDispatcher struct {
	mu      sync.Mutex
	err     error
	calls   int
	headers []map[string]string
}

func (d *recordingDispatcher) Process(_ context.Context, _ string, _ []byte, headers map[string]string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.headers = append(d.headers, headers)
	return d.err
}

func deadLetterSettings() config.DeadLetterSettings {
	return config.DeadLetterSettings{
		ReprocessInterval: 2 * time.Minute,
		BatchSize:         10,
		MaxRetries:        10,
		BaseDelay:         time.Minute,
		MaxDelay:          60 * time.Minute,
		StuckAfter:        30 * time.Minute,
		StuckInterval:     10 * time.Minute,
		RetentionDays:     30,
		CleanupSchedule:   "0 4 * * *",
		ExceptionCap:      1000,
		StackTraceCap:     5000,
	}
}

func lenientBreakers() *breaker.Registry {
	return breaker.NewRegistry(func(string) config.BreakerSettings {
		s := config.DefaultBreaker()
		s.MinRequests = 100
		return s
	}, nil)
}

func dueEvent(id, topic string, retries int, due time.Time) *FailedEvent {
	return &FailedEvent{
		ID:            id,
		OriginalTopic: topic,
		EventKey:      "order-1",
		EventID:       "evt-" + id,
		EventPayload:  `{"orderId":"order-1"}`,
		Status:        StatusPending,
		RetryCount:    retries,
		MaxRetries:    10,
		NextRetryAt:   &due,
		CreatedAt:     due.Add(-time.Hour),
	}
}

func newTestReprocessor(repo Repository, now time.Time) *Reprocessor {
	r := NewReprocessor(repo, lenientBreakers(), deadLetterSettings(), nil)
	r.now = func() time.Time { return now }
	return r
}

func TestReprocessBatch_SuccessMarksProcessed(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := newMemRepo(dueEvent("a", "order.paid", 2, now.Add(-time.Minute)))
	d := &recordingDispatcher{}

	r := newTestReprocessor(repo, now)
	r.Register(events.TopicOrderPaid, config.BreakerDatabase, d)

	res, err := r.ReprocessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Claimed: 1, Processed: 1}, res)

	got := repo.get("a")
	assert.Equal(t, StatusProcessed, got.Status)
	assert.Equal(t, now, *got.ProcessedAt)
	assert.Equal(t, now, *got.LastRetryAt)
	assert.Equal(t, "Successfully reprocessed after 2 retries", got.ProcessingNotes)
	require.Len(t, d.headers, 1)
	assert.Equal(t, "evt-a", d.headers[0][events.HeaderEventID])
}

func TestReprocessBatch_LastFailureExhausts(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := newMemRepo(dueEvent("a", "order.paid", 9, now.Add(-time.Minute)))
	d := &recordingDispatcher{err: errors.New("insufficient stock")}

	r := newTestReprocessor(repo, now)
	r.Register(events.TopicOrderPaid, config.BreakerDatabase, d)

	res, err := r.ReprocessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Claimed: 1, Exhausted: 1}, res)

	got := repo.get("a")
	assert.Equal(t, StatusMaxRetriesReached, got.Status)
	assert.Equal(t, 10, got.RetryCount)

	r.now = func() time.Time { return now.Add(24 * time.Hour) }
	res, err = r.ReprocessBatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Claimed)
	assert.Equal(t, 1, d.calls)
}

func TestReprocessBatch_FailureReschedules(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := newMemRepo(dueEvent("a", "product.sync.dlq", 0, now))
	d := &recordingDispatcher{err: errors.New("connection refused")}

	r := newTestReprocessor(repo, now)
	r.Register(events.TopicProductSync, config.BreakerSearch, d)

	res, err := r.ReprocessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retrying)

	got := repo.get("a")
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, now.Add(2*time.Minute), *got.NextRetryAt)
	assert.Equal(t, "connection refused", got.ProcessingNotes)

	// Not due yet.
	res, err = r.ReprocessBatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Claimed)
}

func TestReprocessBatch_UnknownTopicFails(t *testing.T) {
	now := time.Now().UTC()
	repo := newMemRepo(
		dueEvent("a", "payments.refunded", 0, now),
		dueEvent("b", "product.sync", 0, now),
	)
	r := newTestReprocessor(repo, now)
	r.Register(events.TopicOrderPaid, config.BreakerDatabase, &recordingDispatcher{})

	res, err := r.ReprocessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Failed)

	assert.Equal(t, StatusFailed, repo.get("a").Status)
	assert.Equal(t, "Unknown topic: payments.refunded", repo.get("a").ProcessingNotes)
	assert.Equal(t, StatusFailed, repo.get("b").Status)
}

func TestReprocessBatch_NonRetryableFails(t *testing.T) {
	now := time.Now().UTC()
	repo := newMemRepo(dueEvent("a", "order.paid", 0, now))
	d := &recordingDispatcher{err: events.NonRetryable(events.ErrMalformed)}

	r := newTestReprocessor(repo, now)
	r.Register(events.TopicOrderPaid, config.BreakerDatabase, d)

	_, err := r.ReprocessBatch(context.Background())
	require.NoError(t, err)
	got := repo.get("a")
	assert.Equal(t, StatusFailed, got.Status)
	assert.Zero(t, got.RetryCount)
}

func TestReprocessBatch_OpenBreakerCountsAsFailure(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := newMemRepo(
		dueEvent("a", "order.paid", 0, now.Add(-2*time.Minute)),
		dueEvent("b", "order.paid", 0, now.Add(-time.Minute)),
	)
	d := &recordingDispatcher{err: errors.New("timeout")}
	breakers := breaker.NewRegistry(func(string) config.BreakerSettings {
		s := config.DefaultBreaker()
		s.MinRequests = 1
		return s
	}, nil)

	r := NewReprocessor(repo, breakers, deadLetterSettings(), nil)
	r.now = func() time.Time { return now }
	r.Register(events.TopicOrderPaid, config.BreakerDatabase, d)

	res, err := r.ReprocessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Retrying)
	assert.Equal(t, 1, d.calls)
	assert.Equal(t, breaker.StateOpen, breakers.State(config.BreakerDatabase))
	assert.Contains(t, repo.get("b").ProcessingNotes, "circuit breaker open")
	assert.Equal(t, 1, repo.get("b").RetryCount)
}

func TestReprocessBatch_BusinessErrorsKeepDatabaseBreakerClosed(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	var evs []*FailedEvent
	short := map[string]bool{}
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("e%02d", i)
		if i < 5 {
			short["evt-"+id] = true
		}
		evs = append(evs, dueEvent(id, "order.paid", 0, now.Add(-time.Duration(10-i)*time.Minute)))
	}
	repo := newMemRepo(evs...)
	breakers := breaker.NewRegistry(func(string) config.BreakerSettings { return config.DefaultBreaker() }, nil,
		breaker.WithSuccessful(stock.IsBusinessError))

	var mu sync.Mutex
	calls := 0
	d := DispatcherFunc(func(_ context.Context, _ string, _ []byte, headers map[string]string) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if short[headers[events.HeaderEventID]] {
			return &stock.UpdateError{OrderID: "order-1", Err: &stock.InsufficientStockError{ProductID: "p-1", Requested: 5, Available: 1}}
		}
		return nil
	})

	r := NewReprocessor(repo, breakers, deadLetterSettings(), nil)
	r.now = func() time.Time { return now }
	r.Register(events.TopicOrderPaid, config.BreakerDatabase, d)

	res, err := r.ReprocessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Claimed: 10, Processed: 5, Retrying: 5}, res)
	assert.Equal(t, 10, calls)
	assert.Equal(t, breaker.StateClosed, breakers.State(config.BreakerDatabase))

	for i := 0; i < 10; i++ {
		got := repo.get(fmt.Sprintf("e%02d", i))
		if i < 5 {
			assert.Equal(t, StatusPending, got.Status)
			assert.Contains(t, got.ProcessingNotes, "insufficient stock")
			continue
		}
		assert.Equal(t, StatusProcessed, got.Status)
	}
}

func TestReprocessBatch_RespectsBatchSizeAndOrder(t *testing.T) {
	now := time.Now().UTC()
	var evs []*FailedEvent
	for i, id := range []string{"c", "a", "b"} {
		evs = append(evs, dueEvent(id, "order.paid", 0, now.Add(-time.Duration(3-i)*time.Minute)))
	}
	repo := newMemRepo(evs...)
	cfg := deadLetterSettings()
	cfg.BatchSize = 2

	r := NewReprocessor(repo, lenientBreakers(), cfg, nil)
	r.now = func() time.Time { return now }
	r.Register(events.TopicOrderPaid, config.BreakerDatabase, &recordingDispatcher{})

	res, err := r.ReprocessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, StatusProcessed, repo.get("c").Status)
	assert.Equal(t, StatusProcessed, repo.get("a").Status)
	assert.Equal(t, StatusPending, repo.get("b").Status)
}

func TestReprocessBatch_InFlightEventIsNotClaimedAgain(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	inFlight := dueEvent("a", "order.paid", 0, now.Add(-time.Minute))
	require.NoError(t, inFlight.StartRetry(now, PolicyFrom(deadLetterSettings())))
	repo := newMemRepo(inFlight)
	d := &recordingDispatcher{}

	r := newTestReprocessor(repo, now.Add(2*time.Minute))
	r.Register(events.TopicOrderPaid, config.BreakerDatabase, d)

	res, err := r.ReprocessBatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Claimed)
	assert.Zero(t, d.calls)

	r.now = func() time.Time { return now.Add(31 * time.Minute) }
	res, err = r.ReprocessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
}

func TestRescueStuck(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	stale := dueEvent("stale", "order.paid", 3, now.Add(-2*time.Hour))
	require.NoError(t, stale.StartRetry(now.Add(-45*time.Minute), testPolicy))
	fresh := dueEvent("fresh", "order.paid", 3, now.Add(-time.Hour))
	require.NoError(t, fresh.StartRetry(now.Add(-5*time.Minute), testPolicy))
	repo := newMemRepo(stale, fresh)

	r := newTestReprocessor(repo, now)
	n, err := r.RescueStuck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := repo.get("stale")
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 3, got.RetryCount)
	assert.Equal(t, now.Add(8*time.Minute), *got.NextRetryAt)
	assert.Equal(t, StatusRetrying, repo.get("fresh").Status)
}

func TestPurgeProcessed(t *testing.T) {
	now := time.Date(2025, 3, 31, 4, 0, 0, 0, time.UTC)
	old := now.AddDate(0, 0, -31)
	recent := now.AddDate(0, 0, -1)
	repo := newMemRepo(
		&FailedEvent{ID: "old", Status: StatusProcessed, ProcessedAt: &old},
		&FailedEvent{ID: "recent", Status: StatusProcessed, ProcessedAt: &recent},
	)
	r := newTestReprocessor(repo, now)

	deleted, err := r.PurgeProcessed(context.Background(), 30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
	assert.Equal(t, now.AddDate(0, 0, -30), repo.purged)

	_, err = r.PurgeProcessed(context.Background(), 0)
	assert.Error(t, err)
}

func TestResetRetry(t *testing.T) {
	now := time.Now().UTC()
	e := dueEvent("a", "order.paid", 10, now)
	e.Status = StatusMaxRetriesReached
	e.NextRetryAt = nil
	repo := newMemRepo(e)
	r := newTestReprocessor(repo, now)

	require.NoError(t, r.ResetRetry(context.Background(), "a"))
	got := repo.get("a")
	assert.Equal(t, StatusPending, got.Status)
	assert.Zero(t, got.RetryCount)
	assert.Equal(t, now.Add(time.Minute), *got.NextRetryAt)

	assert.ErrorIs(t, r.ResetRetry(context.Background(), "missing"), ErrNotFound)
}

func TestRegisterMetrics(t *testing.T) {
	now := time.Now().UTC()
	exhausted := dueEvent("b", "order.paid", 10, now)
	exhausted.Status = StatusMaxRetriesReached
	repo := newMemRepo(dueEvent("a", "order.paid", 0, now), exhausted)
	r := newTestReprocessor(repo, now)

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	require.NoError(t, r.RegisterMetrics(provider.Meter("test")))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	values := map[string]int64{}
	for _, m := range rm.ScopeMetrics[0].Metrics {
		gauge, ok := m.Data.(metricdata.Gauge[int64])
		require.True(t, ok)
		for _, dp := range gauge.DataPoints {
			key := m.Name
			if status, ok := dp.Attributes.Value("status"); ok {
				key += "/" + status.AsString()
			}
			values[key] = dp.Value
		}
	}
	assert.Equal(t, int64(1), values["failed_events/PENDING"])
	assert.Equal(t, int64(1), values["failed_events/MAX_RETRIES_REACHED"])
	assert.Equal(t, int64(0), values["failed_events/PROCESSED"])
	assert.Equal(t, int64(1), values["failed_events.pending"])
}

func TestReprocessBatch_UnguardedRoute(t *testing.T) {
	now := time.Now().UTC()
	repo := newMemRepo(dueEvent("a", "product.sync", 0, now))
	calls := 0

	r := NewReprocessor(repo, nil, deadLetterSettings(), nil)
	r.now = func() time.Time { return now }
	r.Register(events.TopicProductSync, "", DispatcherFunc(func(context.Context, string, []byte, map[string]string) error {
		calls++
		return nil
	}))

	res, err := r.ReprocessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 1, calls)
}
