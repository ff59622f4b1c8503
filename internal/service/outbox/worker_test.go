package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/ordersdata/internal/domain"
	"github.com/vladislavdragonenkov/ordersdata/internal/metrics"
	"github.com/vladislavdragonenkov/ordersdata/internal/service/ordering"
	"github.com/vladislavdragonenkov/ordersdata/internal/storage/memory"
)

func newTestWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, opts ...Option) *Worker {
	base := []Option{WithMetrics(metrics.NewOutboxMetricsWithRegisterer(prometheus.NewRegistry()))}
	return NewWorker(repo, publisher, append(base, opts...)...)
}

func TestWorker_ProcessOnce_MarkSent(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{
		pending: []domain.OutboxMessage{
			{
				ID:            "msg-1",
				AggregateType: domain.AggregateTypeOrder,
				AggregateID:   "1",
				EventType:     domain.EventTypeOrderPlaced,
				Payload:       []byte(`{"order_id":1}`),
			},
		},
	}
	publisher := &stubPublisher{}

	worker := newTestWorker(repo, publisher, WithRetryBaseDelay(0), WithMaxAttempts(3))

	require.Equal(t, 1, worker.ProcessOnce(context.Background()))
	require.Equal(t, []string{"msg-1"}, repo.sentIDs)
	require.Empty(t, repo.failedIDs)
	require.Equal(t, 1, publisher.calls())
}

func TestWorker_ProcessOnce_MarkFailedAndDLQAfterRetries(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{
		pending: []domain.OutboxMessage{
			{
				ID:            "msg-2",
				AggregateType: domain.AggregateTypeOrder,
				AggregateID:   "2",
				EventType:     domain.EventTypeOrderPlaced,
				Payload:       []byte(`{"order_id":2}`),
			},
		},
	}
	publisher := &stubPublisher{err: errors.New("broker unavailable")}
	dlqPublisher := &stubPublisher{}
	registry := prometheus.NewRegistry()

	worker := NewWorker(
		repo,
		publisher,
		WithMetrics(metrics.NewOutboxMetricsWithRegisterer(registry)),
		WithDLQPublisher(dlqPublisher),
		WithRetryBaseDelay(0),
		WithMaxAttempts(3),
	)

	require.Zero(t, worker.ProcessOnce(context.Background()))
	require.Equal(t, 3, publisher.calls())
	require.Empty(t, repo.sentIDs)
	require.Equal(t, []string{"msg-2"}, repo.failedIDs)
	require.Equal(t, 1, dlqPublisher.calls())

	var envelope DeadLetter
	require.NoError(t, json.Unmarshal(dlqPublisher.last().Payload, &envelope))
	require.Equal(t, "msg-2", envelope.OutboxID)
	require.JSONEq(t, `{"order_id":2}`, string(envelope.Payload))
	require.Contains(t, envelope.PublishError, "broker unavailable")

	// retry_error и failed.
	require.Equal(t, 2, testutil.CollectAndCount(registry, "ordersdata_outbox_publish_attempts_total"))
}

func TestWorker_ProcessOnce_SuccessAfterRetry(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{
		pending: []domain.OutboxMessage{{ID: "msg-3", EventType: domain.EventTypeOrderPlaced}},
	}
	publisher := &stubPublisher{
		sequenceErrors: []error{
			errors.New("attempt 1"),
			errors.New("attempt 2"),
			nil,
		},
	}

	worker := newTestWorker(repo, publisher, WithRetryBaseDelay(0), WithMaxAttempts(3))
	worker.ProcessOnce(context.Background())

	require.Equal(t, 3, publisher.calls())
	require.Len(t, repo.sentIDs, 1)
	require.Empty(t, repo.failedIDs)
}

func TestWorker_RetryBackoffDoubles(t *testing.T) {
	t.Parallel()

	worker := newTestWorker(&stubOutboxRepo{}, &stubPublisher{}, WithRetryBaseDelay(10*time.Millisecond))
	require.Equal(t, 10*time.Millisecond, worker.retryBackoff(1))
	require.Equal(t, 20*time.Millisecond, worker.retryBackoff(2))
	require.Equal(t, 40*time.Millisecond, worker.retryBackoff(3))

	noDelay := newTestWorker(&stubOutboxRepo{}, &stubPublisher{}, WithRetryBaseDelay(0))
	require.Zero(t, noDelay.retryBackoff(5))

	capped := newTestWorker(&stubOutboxRepo{}, &stubPublisher{}, WithRetryBaseDelay(time.Second))
	require.Equal(t, maxRetryDelay, capped.retryBackoff(80))
}

func TestWorker_IgnoresInvalidOptions(t *testing.T) {
	t.Parallel()

	worker := newTestWorker(&stubOutboxRepo{}, &stubPublisher{},
		WithPollInterval(-time.Second),
		WithBatchSize(0),
		WithMaxAttempts(-1),
		WithRetryBaseDelay(-time.Second),
		WithLogger(nil),
		WithClock(nil),
	)

	require.Equal(t, defaultPollInterval, worker.pollInterval)
	require.Equal(t, defaultBatchSize, worker.batchSize)
	require.Equal(t, defaultMaxAttempts, worker.maxAttempts)
	require.Zero(t, worker.retryBaseDelay)
	require.NotNil(t, worker.logger)
	require.NotNil(t, worker.now)
}

func TestWorker_BacklogGauges(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	repo := &stubOutboxRepo{
		pending:     []domain.OutboxMessage{{ID: "a"}, {ID: "b"}},
		oldestAt:    now.Add(-30 * time.Second),
		keepPending: true,
	}
	registry := prometheus.NewRegistry()
	worker := NewWorker(repo, &stubPublisher{err: errors.New("down")},
		WithMetrics(metrics.NewOutboxMetricsWithRegisterer(registry)),
		WithRetryBaseDelay(0),
		WithMaxAttempts(1),
		WithClock(func() time.Time { return now }),
	)

	worker.refreshBacklogMetrics(context.Background())

	families, err := registry.Gather()
	require.NoError(t, err)
	gauges := map[string]float64{}
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			if metric.GetGauge() != nil {
				gauges[family.GetName()] = metric.GetGauge().GetValue()
			}
		}
	}
	require.InDelta(t, 2, gauges["ordersdata_outbox_pending_records"], 0.0001)
	require.InDelta(t, 30, gauges["ordersdata_outbox_oldest_pending_age_seconds"], 0.0001)
}

func TestWorker_PublishesPlacedOrders(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	uow, err := store.Begin(context.Background())
	require.NoError(t, err)
	client := domain.Client{ID: "50", Name: "Carlos", Quota: decimal.NewFromInt(1000)}
	product := domain.Product{Name: "Desk", UnitPrice: decimal.NewFromInt(100)}
	require.NoError(t, uow.Clients().Add(&client))
	require.NoError(t, uow.Products().Add(&product))
	res, err := uow.Commit(context.Background())
	require.NoError(t, err)
	require.True(t, res.Committed())

	svc := ordering.NewService(store,
		ordering.WithMetrics(metrics.NewOrderMetricsWithRegisterer(prometheus.NewRegistry())))
	order, err := svc.PlaceOrder(context.Background(), ordering.PlaceOrderRequest{
		ClientID: client.ID, ProductID: product.ID, RequiredQuantity: 2,
	})
	require.NoError(t, err)

	repo := memory.NewOutboxRepository(store)
	publisher := &stubPublisher{}
	worker := newTestWorker(repo, publisher, WithRetryBaseDelay(0))

	require.Equal(t, 1, worker.ProcessOnce(context.Background()))
	require.Equal(t, 1, publisher.calls())

	var event ordering.OrderPlacedEvent
	require.NoError(t, json.Unmarshal(publisher.last().Payload, &event))
	require.Equal(t, order.ID, event.OrderID)

	stats, err := repo.Stats(context.Background())
	require.NoError(t, err)
	require.Zero(t, stats.PendingCount)
	require.Zero(t, worker.ProcessOnce(context.Background()))
}

type stubOutboxRepo struct {
	mu          sync.Mutex
	pending     []domain.OutboxMessage
	oldestAt    time.Time
	keepPending bool
	sentIDs     []string
	failedIDs   []string
}

func (s *stubOutboxRepo) PullPending(_ context.Context, limit int) ([]domain.OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit >= len(s.pending) {
		return append([]domain.OutboxMessage(nil), s.pending...), nil
	}
	return append([]domain.OutboxMessage(nil), s.pending[:limit]...), nil
}

func (s *stubOutboxRepo) Stats(context.Context) (domain.OutboxStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := domain.OutboxStats{PendingCount: len(s.pending)}
	if len(s.pending) > 0 {
		stats.OldestPendingAt = s.oldestAt
		if stats.OldestPendingAt.IsZero() {
			stats.OldestPendingAt = time.Now().UTC().Add(-time.Second)
		}
	}
	return stats, nil
}

func (s *stubOutboxRepo) MarkSent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sentIDs = append(s.sentIDs, id)
	s.drop(id)
	return nil
}

func (s *stubOutboxRepo) MarkFailed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failedIDs = append(s.failedIDs, id)
	s.drop(id)
	return nil
}

func (s *stubOutboxRepo) drop(id string) {
	if s.keepPending {
		return
	}
	for i, msg := range s.pending {
		if msg.ID == id {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

type stubPublisher struct {
	mu             sync.Mutex
	err            error
	sequenceErrors []error
	callCount      int
	published      []domain.OutboxMessage
}

func (s *stubPublisher) Publish(_ context.Context, event domain.OutboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.callCount++
	if len(s.sequenceErrors) > 0 {
		err := s.sequenceErrors[0]
		s.sequenceErrors = s.sequenceErrors[1:]
		if err == nil {
			s.published = append(s.published, event)
		}
		return err
	}
	if s.err == nil {
		s.published = append(s.published, event)
	}
	return s.err
}

func (s *stubPublisher) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCount
}

func (s *stubPublisher) last() domain.OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.published) == 0 {
		return domain.OutboxMessage{}
	}
	return s.published[len(s.published)-1]
}

var _ domain.OutboxRepository = (*stubOutboxRepo)(nil)
var _ domain.OutboxPublisher = (*stubPublisher)(nil)

func TestWorker_Run_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	worker := newTestWorker(&stubOutboxRepo{}, &stubPublisher{},
		WithPollInterval(5*time.Millisecond),
		WithRetryBaseDelay(0),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	time.Sleep(15 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("worker did not stop on context cancel")
	}
}

func TestWorker_Run_DisabledWithoutPublisher(t *testing.T) {
	t.Parallel()

	worker := newTestWorker(&stubOutboxRepo{}, nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(context.Background())
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker without publisher must return immediately")
	}
}
