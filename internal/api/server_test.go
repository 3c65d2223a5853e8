package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade-admission/internal/admission"
	"trade-admission/internal/clock"
	"trade-admission/internal/metrics"
	"trade-admission/internal/store"
	"trade-admission/internal/types"
)

func newTestServer(t *testing.T) (*httptest.Server, *clock.Fake) {
	t.Helper()
	cfg := store.Default()
	clk := clock.NewFake(time.Date(2026, 3, 2, 10, 0, 0, 0, clock.SessionZone(540)))
	reg := prometheus.NewRegistry()
	c := admission.New(cfg, clk, admission.WithMetrics(metrics.New(reg)))
	srv := httptest.NewServer(NewRouter(c, reg))
	t.Cleanup(srv.Close)
	return srv, clk
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestCheckAndFills(t *testing.T) {
	srv, clk := newTestServer(t)
	sig := types.SignalContext{Symbol: "005930", StrategyTag: "momentum", Price: 10000, Reference: 10000, RecentVolume: 1, AvgVolume: 1}

	resp := postJSON(t, srv.URL+"/v1/admission/check", sig)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var d types.Decision
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&d))
	assert.True(t, d.Allowed)

	resp = postJSON(t, srv.URL+"/v1/fills/entry", types.EntryFill{Symbol: "005930", StrategyTag: "momentum", Price: 10000, Qty: 5})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/v1/fills/entry", types.EntryFill{Symbol: "005930", StrategyTag: "momentum", Price: 10000, Qty: 5})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/v1/fills/exit", types.ExitFill{Symbol: "005930", Kind: types.ExitStopLoss, Price: 9740, Qty: 5, PnLPct: -2.6, Reason: "손절"})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	clk.Advance(time.Minute)
	resp = postJSON(t, srv.URL+"/v1/admission/check", sig)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&d))
	assert.False(t, d.Allowed)
	assert.Equal(t, types.StageStopLoss, d.Stage)
}

func TestBadRequests(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/v1/admission/check", "application/json", strings.NewReader(`{"symbol":`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp2 := postJSON(t, srv.URL+"/v1/fills/exit", types.ExitFill{Symbol: "005930", Kind: "SELL", Price: 1})
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
	var er ErrorResponse
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&er))
	assert.Equal(t, "bad_request", er.Code)

	resp3 := postJSON(t, srv.URL+"/v1/signals/invalidate", InvalidateRequest{Symbol: "005930"})
	assert.Equal(t, http.StatusBadRequest, resp3.StatusCode)

	resp4, err := http.Get(srv.URL + "/v1/admission/check")
	require.NoError(t, err)
	defer resp4.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp4.StatusCode)
	require.NoError(t, json.NewDecoder(resp4.Body).Decode(&er))
	assert.Equal(t, "method_not_allowed", er.Code)

	resp5 := postJSON(t, srv.URL+"/v1/report", struct{}{})
	assert.Equal(t, http.StatusMethodNotAllowed, resp5.StatusCode)

	resp6, err := http.Get(srv.URL + "/v1/unknown")
	require.NoError(t, err)
	defer resp6.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp6.StatusCode)
}

func TestAdmissionClientRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()
	c := NewAdmissionClient(srv.URL, WithTimeout(5*time.Second))

	require.NoError(t, c.RegisterPullback(ctx, types.PullbackRequest{Symbol: "035720", StrategyTag: "vwap_pullback", Price: 10000, Low: 9980, Reference: 10000}))
	err := c.RegisterPullback(ctx, types.PullbackRequest{Symbol: "035720", StrategyTag: "vwap_pullback", Price: 10000, Low: 9980, Reference: 10000})
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusConflict, se.Code)
	assert.Equal(t, "conflict", se.ErrCode)

	require.NoError(t, c.InvalidateSignal(ctx, "035720", "vwap_pullback", "manual"))
	d, err := c.Check(ctx, types.SignalContext{Symbol: "035720", StrategyTag: "vwap_pullback", Price: 10000, Reference: 10000, RecentLow: 9990})
	require.NoError(t, err)
	assert.Equal(t, types.StageInvalidated, d.Stage)

	v, err := c.UpdateMaxProfit(ctx, "035720", 1.5)
	require.NoError(t, err)
	assert.Equal(t, 1.5, v)

	r, err := c.Report(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, r.EntriesBlocked)
	assert.Equal(t, 1, r.BlockedByStage[types.StageInvalidated])

	st, err := c.Sensor(ctx)
	require.NoError(t, err)
	assert.False(t, st.RiskOffActive)

	sum, err := c.Rollover(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-02", sum.PreviousSession)
	assert.Equal(t, 1, sum.Invalidations)
}

func TestAdmissionClientRetriesReadsOnly(t *testing.T) {
	var gets, posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			if gets.Add(1) < 3 {
				writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "warming up", Code: "unavailable"})
				return
			}
			writeJSON(w, http.StatusOK, types.SensorState{RiskOffActive: true})
		default:
			posts.Add(1)
			writeJSON(w, http.StatusBadGateway, ErrorResponse{Error: "upstream", Code: "internal"})
		}
	}))
	t.Cleanup(srv.Close)
	ctx := context.Background()
	c := NewAdmissionClient(srv.URL, WithRetry(RetryPolicy{Attempts: 3, Wait: time.Millisecond}))

	st, err := c.Sensor(ctx)
	require.NoError(t, err)
	assert.True(t, st.RiskOffActive)
	assert.Equal(t, int32(3), gets.Load())

	err = c.RecordEntry(ctx, types.EntryFill{Symbol: "005930", StrategyTag: "momentum", Price: 100, Qty: 1})
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadGateway, se.Code)
	assert.Equal(t, "upstream", se.Message)
	assert.Equal(t, int32(1), posts.Load(), "fills are never resent")

	gets.Store(-10)
	_, err = c.Report(ctx)
	assert.ErrorContains(t, err, "after 3 attempts")
}

func TestMetricsAndHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	postJSON(t, srv.URL+"/v1/admission/check", types.SignalContext{Symbol: "005930", StrategyTag: "momentum", Price: 100})

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(b), "admission_gate_decisions_total")

	resp2, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := recovery(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
