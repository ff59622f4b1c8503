package httptransport_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/ordersdata/internal/domain"
	"github.com/vladislavdragonenkov/ordersdata/internal/metrics"
	"github.com/vladislavdragonenkov/ordersdata/internal/service/catalog"
	"github.com/vladislavdragonenkov/ordersdata/internal/service/ordering"
	"github.com/vladislavdragonenkov/ordersdata/internal/storage/memory"
	httptransport "github.com/vladislavdragonenkov/ordersdata/internal/transport/http"
)

type testAPI struct {
	handler     http.Handler
	store       *memory.Store
	idempotency domain.IdempotencyRepository
}

func newTestAPI(t *testing.T, orderOpts ...ordering.Option) *testAPI {
	t.Helper()

	store := memory.NewStore()
	idem := memory.NewIdempotencyRepository()
	opts := append([]ordering.Option{
		ordering.WithMetrics(metrics.NewOrderMetricsWithRegisterer(prometheus.NewRegistry())),
	}, orderOpts...)
	server := httptransport.NewServer(
		ordering.NewService(store, opts...),
		catalog.NewService(store, nil),
		httptransport.WithIdempotency(idem, time.Hour),
	)
	return &testAPI{handler: server.Handler(), store: store, idempotency: idem}
}

func (a *testAPI) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (a *testAPI) seed(t *testing.T) {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/api/clients", `{"id":"7","name":"Alice","quota":"1000"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = a.do(t, http.MethodPost, "/api/clients", `{"id":"8","name":"Bob","quota":"50"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = a.do(t, http.MethodPost, "/api/products", `{"name":"Lamp","unit_price":"100"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestPlaceOrder_Created(t *testing.T) {
	t.Parallel()
	api := newTestAPI(t)
	api.seed(t)

	rec := api.do(t, http.MethodPost, "/api/orders", `{"client_id":"7","product_id":1,"required_quantity":3}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	order := decodeBody[map[string]any](t, rec)
	require.Equal(t, "300", order["price"])
	require.Equal(t, "7", order["client_id"])
	require.EqualValues(t, 1, order["id"])

	client := decodeBody[map[string]any](t, api.do(t, http.MethodGet, "/api/clients/7", ""))
	require.Equal(t, "700", client["quota"])
	require.Equal(t, "300", client["orders_total"])
	require.Len(t, client["orders"], 1)
}

func TestPlaceOrder_ErrorMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{name: "malformed json", body: `{"client_id":`, status: http.StatusBadRequest, code: "validation_failed"},
		{name: "unknown field", body: `{"client_id":"7","product_id":1,"required_quantity":1,"x":1}`, status: http.StatusBadRequest, code: "validation_failed"},
		{name: "zero quantity", body: `{"client_id":"7","product_id":1,"required_quantity":0}`, status: http.StatusBadRequest, code: "validation_failed"},
		{name: "long client id", body: `{"client_id":"` + strings.Repeat("x", 33) + `","product_id":1,"required_quantity":1}`, status: http.StatusBadRequest, code: "validation_failed"},
		{name: "unknown client", body: `{"client_id":"404","product_id":1,"required_quantity":1}`, status: http.StatusNotFound, code: "not_found"},
		{name: "unknown product", body: `{"client_id":"7","product_id":99,"required_quantity":1}`, status: http.StatusNotFound, code: "not_found"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			api := newTestAPI(t)
			api.seed(t)

			rec := api.do(t, http.MethodPost, "/api/orders", tc.body)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			body := decodeBody[map[string]string](t, rec)
			require.Equal(t, tc.code, body["error"])
			require.NotEmpty(t, body["message"])
		})
	}
}

func TestPlaceOrder_DailyLimitAndQuota(t *testing.T) {
	t.Parallel()
	api := newTestAPI(t, ordering.WithDailyLimit(1), ordering.WithRejectNegativeQuota(true))
	api.seed(t)

	rec := api.do(t, http.MethodPost, "/api/orders", `{"client_id":"8","product_id":1,"required_quantity":1}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	require.Equal(t, "quota_exceeded", decodeBody[map[string]string](t, rec)["error"])

	rec = api.do(t, http.MethodPost, "/api/orders", `{"client_id":"7","product_id":1,"required_quantity":1}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = api.do(t, http.MethodPost, "/api/orders", `{"client_id":"7","product_id":1,"required_quantity":1}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	require.Equal(t, "daily_limit_exceeded", decodeBody[map[string]string](t, rec)["error"])
}

func TestPlaceOrder_ConflictIsRetryable(t *testing.T) {
	t.Parallel()

	server := httptransport.NewServer(stubPlacer{err: domain.ErrConcurrentModification}, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/orders",
		strings.NewReader(`{"client_id":"7","product_id":1,"required_quantity":1}`))
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "0", rec.Header().Get("Retry-After"))
	require.Equal(t, "concurrent_modification", decodeBody[map[string]string](t, rec)["error"])
}

func TestPlaceOrder_InternalErrorHidesDetails(t *testing.T) {
	t.Parallel()

	server := httptransport.NewServer(stubPlacer{err: errors.New("pq: connection reset")}, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/orders",
		strings.NewReader(`{"client_id":"7","product_id":1,"required_quantity":1}`))
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "connection reset")
}

func TestClientQueries(t *testing.T) {
	t.Parallel()
	api := newTestAPI(t)
	api.seed(t)

	rec := api.do(t, http.MethodPost, "/api/orders", `{"client_id":"8","product_id":1,"required_quantity":2}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	without := decodeBody[[]map[string]any](t, api.do(t, http.MethodGet, "/api/clients/without-orders", ""))
	require.Len(t, without, 1)
	require.Equal(t, "7", without[0]["id"])

	totals := decodeBody[[]struct {
		Client struct {
			Name string `json:"name"`
		} `json:"client"`
		Total string `json:"total"`
	}](t, api.do(t, http.MethodGet, "/api/clients/order-totals", ""))
	require.Len(t, totals, 2)
	require.Equal(t, "Alice", totals[0].Client.Name)
	require.Equal(t, "0", totals[0].Total)
	require.Equal(t, "Bob", totals[1].Client.Name)
	require.Equal(t, "200", totals[1].Total)

	orders := decodeBody[[]map[string]any](t, api.do(t, http.MethodGet, "/api/clients/8/orders", ""))
	require.Len(t, orders, 1)
	require.NotNil(t, orders[0]["product"])

	rec = api.do(t, http.MethodGet, "/api/clients/7/orders", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `[]`, rec.Body.String())

	rec = api.do(t, http.MethodGet, "/api/clients/nobody/orders", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEmptyListsAreArrays(t *testing.T) {
	t.Parallel()
	api := newTestAPI(t)

	for _, path := range []string{
		"/api/clients",
		"/api/clients/without-orders",
		"/api/clients/order-totals",
		"/api/products",
		"/api/orders",
	} {
		rec := api.do(t, http.MethodGet, path, "")
		require.Equal(t, http.StatusOK, rec.Code, path)
		require.JSONEq(t, `[]`, rec.Body.String(), path)
	}
}

func TestProductsAndOrdersByID(t *testing.T) {
	t.Parallel()
	api := newTestAPI(t)
	api.seed(t)

	product := decodeBody[map[string]any](t, api.do(t, http.MethodGet, "/api/products/1", ""))
	require.Equal(t, "Lamp", product["name"])
	require.Equal(t, "100", product["unit_price"])

	require.Equal(t, http.StatusBadRequest, api.do(t, http.MethodGet, "/api/products/abc", "").Code)
	require.Equal(t, http.StatusBadRequest, api.do(t, http.MethodGet, "/api/orders/0", "").Code)
	require.Equal(t, http.StatusNotFound, api.do(t, http.MethodGet, "/api/orders/5", "").Code)

	rec := api.do(t, http.MethodPost, "/api/products", `{"name":"` + strings.Repeat("n", 21) + `","unit_price":"1"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/clients", `{"id":"7","name":"Again","quota":"1"}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "already_exists", decodeBody[map[string]string](t, rec)["error"])
}

type stubPlacer struct {
	order domain.Order
	err   error
	calls *int
}

func (s stubPlacer) PlaceOrder(context.Context, ordering.PlaceOrderRequest) (domain.Order, error) {
	if s.calls != nil {
		*s.calls++
	}
	return s.order, s.err
}
