package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"trade-admission/internal/logger"
	"trade-admission/internal/types"
)

const maxResponseBytes = 1 << 20

// StatusError is returned for 4xx/5xx answers. ErrCode and Message are
// filled when the body is an ErrorResponse.
type StatusError struct {
	Code    int
	ErrCode string
	Message string
	Body    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("admission server: HTTP %d %s: %s", e.Code, e.ErrCode, e.Message)
	}
	return fmt.Sprintf("admission server: HTTP %d: %s", e.Code, e.Body)
}

// RetryPolicy applies to reads only. Wait doubles after each failed attempt
// up to MaxWait.
type RetryPolicy struct {
	Attempts int
	Wait     time.Duration
	MaxWait  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Wait: time.Second, MaxWait: 5 * time.Second}
}

// AdmissionClient calls a running admission server.
type AdmissionClient struct {
	http    *http.Client
	baseURL string
	retry   RetryPolicy
}

type ClientOption func(*AdmissionClient)

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *AdmissionClient) { c.http.Timeout = timeout }
}

func WithRetry(p RetryPolicy) ClientOption {
	return func(c *AdmissionClient) { c.retry = p }
}

func NewAdmissionClient(baseURL string, opts ...ClientOption) *AdmissionClient {
	c := &AdmissionClient{
		http:    &http.Client{Timeout: 30 * time.Second},
		baseURL: baseURL,
		retry:   DefaultRetryPolicy(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// do sends one request and decodes a JSON answer into out when both exist.
func (c *AdmissionClient) do(ctx context.Context, method, path string, body, out any) error {
	var payload io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		payload = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read %s %s: %w", method, path, err)
	}
	logger.Debug(ctx, "Admission server call",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode >= 400 {
		se := &StatusError{Code: resp.StatusCode, Body: string(raw)}
		var er ErrorResponse
		if json.Unmarshal(raw, &er) == nil {
			se.ErrCode, se.Message = er.Code, er.Error
		}
		return se
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// post is sent once: fills and rollovers are not idempotent.
func (c *AdmissionClient) post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

// get retries transport errors and 5xx answers; 4xx fails at once.
func (c *AdmissionClient) get(ctx context.Context, path string, out any) error {
	attempts := max(c.retry.Attempts, 1)
	wait := c.retry.Wait
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = c.do(ctx, http.MethodGet, path, nil, out); err == nil {
			return nil
		}
		var se *StatusError
		if errors.As(err, &se) && se.Code < 500 {
			return err
		}
		if attempt == attempts {
			break
		}
		logger.Warn(ctx, "Admission server read failed, retrying", "path", path, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		if wait *= 2; c.retry.MaxWait > 0 && wait > c.retry.MaxWait {
			wait = c.retry.MaxWait
		}
	}
	return fmt.Errorf("GET %s failed after %d attempts: %w", path, attempts, err)
}

func (c *AdmissionClient) Check(ctx context.Context, sig types.SignalContext) (types.Decision, error) {
	var d types.Decision
	err := c.post(ctx, "/v1/admission/check", sig, &d)
	return d, err
}

func (c *AdmissionClient) RecordEntry(ctx context.Context, fill types.EntryFill) error {
	return c.post(ctx, "/v1/fills/entry", fill, nil)
}

func (c *AdmissionClient) RecordExit(ctx context.Context, fill types.ExitFill) error {
	return c.post(ctx, "/v1/fills/exit", fill, nil)
}

func (c *AdmissionClient) RegisterPullback(ctx context.Context, req types.PullbackRequest) error {
	return c.post(ctx, "/v1/pullbacks", req, nil)
}

func (c *AdmissionClient) InvalidateSignal(ctx context.Context, symbol, strategyTag, reason string) error {
	return c.post(ctx, "/v1/signals/invalidate", InvalidateRequest{Symbol: symbol, StrategyTag: strategyTag, Reason: reason}, nil)
}

func (c *AdmissionClient) UpdateMaxProfit(ctx context.Context, symbol string, unrealizedPct float64) (float64, error) {
	var out MaxProfitResponse
	path := fmt.Sprintf("/v1/positions/%s/max-profit", url.PathEscape(symbol))
	err := c.post(ctx, path, MaxProfitRequest{UnrealizedPct: unrealizedPct}, &out)
	return out.MaxProfitPct, err
}

func (c *AdmissionClient) Report(ctx context.Context) (types.Report, error) {
	var r types.Report
	err := c.get(ctx, "/v1/report", &r)
	return r, err
}

func (c *AdmissionClient) Sensor(ctx context.Context) (types.SensorState, error) {
	var st types.SensorState
	err := c.get(ctx, "/v1/sensor", &st)
	return st, err
}

func (c *AdmissionClient) Rollover(ctx context.Context) (types.SessionSummary, error) {
	var sum types.SessionSummary
	err := c.post(ctx, "/v1/session/rollover", struct{}{}, &sum)
	return sum, err
}
