package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/vladislavdragonenkov/ordersdata/internal/domain"
	"github.com/vladislavdragonenkov/ordersdata/internal/metrics"
	"github.com/vladislavdragonenkov/ordersdata/internal/service/catalog"
	"github.com/vladislavdragonenkov/ordersdata/internal/service/ordering"
	"github.com/vladislavdragonenkov/ordersdata/internal/service/outbox"
	"github.com/vladislavdragonenkov/ordersdata/internal/storage/memory"
	httptransport "github.com/vladislavdragonenkov/ordersdata/internal/transport/http"
)

// OrderPlacementTestSuite прогоняет оформление заказа через HTTP API, unit of work и outbox worker.
type OrderPlacementTestSuite struct {
	suite.Suite
	store     *memory.Store
	server    *httptest.Server
	published *recordingPublisher
	clock     *testClock
	cancel    context.CancelFunc
	done      chan struct{}
}

func (suite *OrderPlacementTestSuite) SetupTest() {
	baseLogger := log.New()
	baseLogger.SetLevel(log.WarnLevel)
	logger := baseLogger.WithField("component", "integration-test")

	suite.store = memory.NewStore()
	suite.published = &recordingPublisher{}
	suite.clock = &testClock{now: time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)}

	orders := ordering.NewService(suite.store,
		ordering.WithClock(suite.clock.Now),
		ordering.WithLocation(time.UTC),
		ordering.WithLogger(logger),
		ordering.WithMetrics(metrics.NewOrderMetricsWithRegisterer(prometheus.NewRegistry())),
	)
	api := httptransport.NewServer(orders, catalog.NewService(suite.store, logger),
		httptransport.WithIdempotency(memory.NewIdempotencyRepository(), time.Hour),
		httptransport.WithLogger(logger),
	)
	suite.server = httptest.NewServer(api.Handler())

	worker := outbox.NewWorker(memory.NewOutboxRepository(suite.store), suite.published,
		outbox.WithLogger(logger),
		outbox.WithMetrics(metrics.NewOutboxMetricsWithRegisterer(prometheus.NewRegistry())),
		outbox.WithPollInterval(10*time.Millisecond),
		outbox.WithRetryBaseDelay(0),
	)
	ctx, cancel := context.WithCancel(context.Background())
	suite.cancel = cancel
	suite.done = make(chan struct{})
	go func() {
		defer close(suite.done)
		worker.Run(ctx)
	}()
}

func (suite *OrderPlacementTestSuite) TearDownTest() {
	suite.cancel()
	<-suite.done
	suite.server.Close()
}

func (suite *OrderPlacementTestSuite) TestSuccessfulPlacement() {
	suite.createClient("alice", "Alice", "1000")
	productID := suite.createProduct("Lamp", "120.50")

	status, body := suite.post("/api/orders", map[string]any{
		"client_id": "alice", "product_id": productID, "required_quantity": 2,
	})
	require.Equal(suite.T(), http.StatusCreated, status, string(body))

	var order struct {
		ID       int64           `json:"id"`
		ClientID string          `json:"client_id"`
		Price    decimal.Decimal `json:"price"`
	}
	require.NoError(suite.T(), json.Unmarshal(body, &order))
	require.Positive(suite.T(), order.ID)
	require.True(suite.T(), order.Price.Equal(decimal.RequireFromString("241")))

	// Квота и накопленная сумма меняются вместе с заказом.
	client := suite.getClient("alice")
	require.True(suite.T(), client.Quota.Equal(decimal.RequireFromString("759")), client.Quota.String())
	require.True(suite.T(), client.OrdersTotal.Equal(decimal.RequireFromString("241")))

	// Смена цены товара не затрагивает уже оформленный заказ.
	suite.setUnitPrice(productID, "999")
	status, body = suite.get(fmt.Sprintf("/api/orders/%d", order.ID))
	require.Equal(suite.T(), http.StatusOK, status)
	require.Contains(suite.T(), string(body), `"price":"241"`)

	events := suite.waitForEvents(1, 2*time.Second)
	require.Equal(suite.T(), domain.EventTypeOrderPlaced, events[0].EventType)
	require.Equal(suite.T(), fmt.Sprint(order.ID), events[0].AggregateID)

	var payload ordering.OrderPlacedEvent
	require.NoError(suite.T(), json.Unmarshal(events[0].Payload, &payload))
	require.Equal(suite.T(), "alice", payload.ClientID)
	require.True(suite.T(), payload.Price.Equal(order.Price))
}

func (suite *OrderPlacementTestSuite) TestDailyLimitResetsNextDay() {
	suite.createClient("bob", "Bob", "1000000")
	productID := suite.createProduct("Pen", "1")

	for i := range ordering.DefaultDailyOrderLimit {
		status, body := suite.placeOrder("bob", productID)
		require.Equal(suite.T(), http.StatusCreated, status, "order %d: %s", i, body)
	}

	status, body := suite.placeOrder("bob", productID)
	require.Equal(suite.T(), http.StatusUnprocessableEntity, status)
	require.Contains(suite.T(), string(body), "daily_limit_exceeded")

	suite.clock.Advance(24 * time.Hour)
	status, _ = suite.placeOrder("bob", productID)
	require.Equal(suite.T(), http.StatusCreated, status)

	// Отказ не оставляет событий в outbox.
	suite.waitForEvents(ordering.DefaultDailyOrderLimit+1, 2*time.Second)
}

func (suite *OrderPlacementTestSuite) TestConcurrentPlacementsKeepQuotaConsistent() {
	suite.createClient("carol", "Carol", "1000")
	productID := suite.createProduct("Chair", "100")

	const workers = 20
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		statuses = map[int]int{}
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status := suite.placeOrderRetryingConflicts("carol", productID)
			mu.Lock()
			statuses[status]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	// Лимит дня и квота допускают ровно 10 заказов по 100.
	require.Equal(suite.T(), 10, statuses[http.StatusCreated], statuses)
	require.Equal(suite.T(), workers-10, statuses[http.StatusUnprocessableEntity], statuses)

	client := suite.getClient("carol")
	require.True(suite.T(), client.Quota.IsZero(), client.Quota.String())
	require.True(suite.T(), client.OrdersTotal.Equal(decimal.NewFromInt(1000)))
}

func (suite *OrderPlacementTestSuite) TestQueryViews() {
	suite.createClient("c1", "Zed", "1000")
	suite.createClient("c2", "Amy", "1000")
	suite.createClient("c3", "Bea", "1000")
	productID := suite.createProduct("Mug", "15")

	for _, clientID := range []string{"c1", "c1", "c2"} {
		status, _ := suite.placeOrder(clientID, productID)
		require.Equal(suite.T(), http.StatusCreated, status)
	}

	status, body := suite.get("/api/clients/without-orders")
	require.Equal(suite.T(), http.StatusOK, status)
	var idle []struct {
		ID string `json:"id"`
	}
	require.NoError(suite.T(), json.Unmarshal(body, &idle))
	require.Len(suite.T(), idle, 1)
	require.Equal(suite.T(), "c3", idle[0].ID)

	status, body = suite.get("/api/clients/order-totals")
	require.Equal(suite.T(), http.StatusOK, status)
	var totals []struct {
		Client struct {
			Name string `json:"name"`
		} `json:"client"`
		Total decimal.Decimal `json:"total"`
	}
	require.NoError(suite.T(), json.Unmarshal(body, &totals))
	require.Len(suite.T(), totals, 3)
	require.Equal(suite.T(), []string{"Amy", "Bea", "Zed"},
		[]string{totals[0].Client.Name, totals[1].Client.Name, totals[2].Client.Name})
	require.True(suite.T(), totals[0].Total.Equal(decimal.NewFromInt(15)))
	require.True(suite.T(), totals[1].Total.IsZero())
	require.True(suite.T(), totals[2].Total.Equal(decimal.NewFromInt(30)))

	status, body = suite.get("/api/clients/c1/orders")
	require.Equal(suite.T(), http.StatusOK, status)
	var orders []json.RawMessage
	require.NoError(suite.T(), json.Unmarshal(body, &orders))
	require.Len(suite.T(), orders, 2)
}

func (suite *OrderPlacementTestSuite) placeOrder(clientID string, productID int64) (int, []byte) {
	return suite.post("/api/orders", map[string]any{
		"client_id": clientID, "product_id": productID, "required_quantity": 1,
	})
}

// placeOrderRetryingConflicts повторяет запрос, пока хранилище отвечает конфликтом версий.
func (suite *OrderPlacementTestSuite) placeOrderRetryingConflicts(clientID string, productID int64) int {
	for {
		status, _ := suite.placeOrder(clientID, productID)
		if status != http.StatusConflict {
			return status
		}
	}
}

func (suite *OrderPlacementTestSuite) createClient(id, name, quota string) {
	status, body := suite.post("/api/clients", map[string]string{"id": id, "name": name, "quota": quota})
	require.Equal(suite.T(), http.StatusCreated, status, string(body))
}

func (suite *OrderPlacementTestSuite) createProduct(name, price string) int64 {
	status, body := suite.post("/api/products", map[string]string{"name": name, "unit_price": price})
	require.Equal(suite.T(), http.StatusCreated, status, string(body))

	var product struct {
		ID int64 `json:"id"`
	}
	require.NoError(suite.T(), json.Unmarshal(body, &product))
	return product.ID
}

// setUnitPrice меняет цену напрямую через unit of work: у API нет операции изменения товара.
func (suite *OrderPlacementTestSuite) setUnitPrice(productID int64, price string) {
	ctx := context.Background()
	uow, err := suite.store.Begin(ctx)
	require.NoError(suite.T(), err)

	product, ok, err := uow.Products().Find(ctx, productID)
	require.NoError(suite.T(), err)
	require.True(suite.T(), ok)
	product.UnitPrice = decimal.RequireFromString(price)
	require.NoError(suite.T(), uow.Products().Update(product))

	result, err := uow.Commit(ctx)
	require.NoError(suite.T(), err)
	require.True(suite.T(), result.Committed(), "commit conflict: %+v", result.Conflict)
}

type clientView struct {
	Quota       decimal.Decimal `json:"quota"`
	OrdersTotal decimal.Decimal `json:"orders_total"`
}

func (suite *OrderPlacementTestSuite) getClient(id string) clientView {
	status, body := suite.get("/api/clients/" + id)
	require.Equal(suite.T(), http.StatusOK, status, string(body))
	var client clientView
	require.NoError(suite.T(), json.Unmarshal(body, &client))
	return client
}

func (suite *OrderPlacementTestSuite) post(path string, payload any) (int, []byte) {
	raw, err := json.Marshal(payload)
	require.NoError(suite.T(), err)
	resp, err := suite.server.Client().Post(suite.server.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(suite.T(), err)
	return readResponse(suite.T(), resp)
}

func (suite *OrderPlacementTestSuite) get(path string) (int, []byte) {
	resp, err := suite.server.Client().Get(suite.server.URL + path)
	require.NoError(suite.T(), err)
	return readResponse(suite.T(), resp)
}

// waitForEvents ждёт, пока outbox worker опубликует ровно count событий.
func (suite *OrderPlacementTestSuite) waitForEvents(count int, timeout time.Duration) []domain.OutboxMessage {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if events := suite.published.events(); len(events) >= count {
			require.Len(suite.T(), events, count)
			return events
		}
		time.Sleep(10 * time.Millisecond)
	}
	suite.T().Fatalf("outbox published %d events within %v, want %d", len(suite.published.events()), timeout, count)
	return nil
}

func readResponse(t *testing.T, resp *http.Response) (int, []byte) {
	t.Helper()
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, buf.Bytes()
}

type recordingPublisher struct {
	mu        sync.Mutex
	published []domain.OutboxMessage
}

func (p *recordingPublisher) Publish(_ context.Context, event domain.OutboxMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, event)
	return nil
}

func (p *recordingPublisher) events() []domain.OutboxMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.OutboxMessage(nil), p.published...)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestOrderPlacement(t *testing.T) {
	suite.Run(t, new(OrderPlacementTestSuite))
}
