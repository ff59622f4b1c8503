package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/ordersdata/internal/storage/memory"
)

func okCheck(context.Context) error { return nil }

func failingCheck(msg string) func(context.Context) error {
	return func(context.Context) error { return errors.New(msg) }
}

func serveReport(t *testing.T, h *Handler) (int, Response) {
	t.Helper()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp Response
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return rec.Code, resp
}

func TestHandler_ReportsStorage(t *testing.T) {
	h := NewHandler("1.2.3")
	h.RegisterChecker("storage", NewPingChecker("storage", memory.NewStore()))

	code, resp := serveReport(t, h)

	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
	require.Contains(t, resp.Checks, "storage")
	assert.Equal(t, "storage", resp.Checks["storage"].Name)
	assert.Empty(t, resp.Checks["storage"].Message)
}

func TestHandler_OneFailingCheckMakesReportUnhealthy(t *testing.T) {
	h := NewHandler("1.2.3")
	h.RegisterChecker("storage", NewSimpleChecker("storage", okCheck))
	h.RegisterChecker("broker", NewSimpleChecker("broker", failingCheck("broker down")))

	code, resp := serveReport(t, h)

	require.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, StatusUnhealthy, resp.Status)
	assert.Equal(t, StatusHealthy, resp.Checks["storage"].Status)
	assert.Equal(t, StatusUnhealthy, resp.Checks["broker"].Status)
	assert.Equal(t, "broker down", resp.Checks["broker"].Message)
}

func TestHandler_ChecksAreBoundedByTimeout(t *testing.T) {
	h := NewHandler("1.2.3")
	h.SetTimeout(20 * time.Millisecond)
	h.SetTimeout(-time.Second)
	h.RegisterChecker("slow", NewSimpleChecker("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	start := time.Now()
	code, resp := serveReport(t, h)

	require.Equal(t, http.StatusServiceUnavailable, code)
	assert.Less(t, time.Since(start), defaultCheckTimeout)
	assert.Equal(t, context.DeadlineExceeded.Error(), resp.Checks["slow"].Message)
}

func TestHandler_NoCheckers(t *testing.T) {
	code, resp := serveReport(t, NewHandler(""))

	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Empty(t, resp.Checks)
}

func TestProbes(t *testing.T) {
	tests := []struct {
		name     string
		checker  Checker
		wantCode int
		wantBody string
	}{
		{"ready", NewSimpleChecker("storage", okCheck), http.StatusOK, "ready"},
		{"failing check", NewSimpleChecker("storage", failingCheck("boom")), http.StatusServiceUnavailable, "not ready"},
		{"nil pinger", NewPingChecker("storage", nil), http.StatusServiceUnavailable, "not ready"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler("1.2.3")
			h.RegisterChecker("storage", tt.checker)

			rec := httptest.NewRecorder()
			h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantBody, rec.Body.String())
		})
	}

	rec := httptest.NewRecorder()
	LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestPingChecker_NilPingerMessage(t *testing.T) {
	check := NewPingChecker("storage", nil).Check(context.Background())

	assert.Equal(t, StatusUnhealthy, check.Status)
	assert.Equal(t, "storage is not configured", check.Message)
}

func TestSimpleChecker_MeasuresDuration(t *testing.T) {
	check := NewSimpleChecker("slow", func(context.Context) error {
		time.Sleep(10 * time.Millisecond)
		return nil
	}).Check(context.Background())

	assert.Equal(t, StatusHealthy, check.Status)
	assert.GreaterOrEqual(t, check.DurationMs, int64(10))
}
