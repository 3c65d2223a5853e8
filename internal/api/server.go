package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trade-admission/internal/admission"
	"trade-admission/internal/interfaces"
	"trade-admission/internal/ledger"
	"trade-admission/internal/logger"
	"trade-admission/internal/pending"
	"trade-admission/internal/types"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type InvalidateRequest struct {
	Symbol      string `json:"symbol"`
	StrategyTag string `json:"strategy_tag"`
	Reason      string `json:"reason"`
}

type MaxProfitRequest struct {
	UnrealizedPct float64 `json:"unrealized_pct"`
}

type MaxProfitResponse struct {
	Symbol       string  `json:"symbol"`
	MaxProfitPct float64 `json:"max_profit_pct"`
}

type handler struct {
	admission interfaces.Admission
}

// NewRouter exposes an admission controller over HTTP. gatherer backs
// /metrics; nil omits the endpoint.
//
//	POST /v1/admission/check          SignalContext -> Decision
//	POST /v1/fills/entry              EntryFill
//	POST /v1/fills/exit               ExitFill
//	POST /v1/pullbacks                PullbackRequest
//	POST /v1/signals/invalidate       InvalidateRequest
//	POST /v1/positions/{symbol}/max-profit
//	POST /v1/session/rollover         -> SessionSummary
//	GET  /v1/report                   -> Report
//	GET  /v1/sensor                   -> SensorState
func NewRouter(a interfaces.Admission, gatherer prometheus.Gatherer) *mux.Router {
	h := &handler{admission: a}

	router := mux.NewRouter()
	router.Use(recovery)
	router.Use(logging)

	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	if gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	// v1 routes sit on the root router so a method mismatch answers 405.
	router.HandleFunc("/v1/admission/check", h.check).Methods(http.MethodPost)
	router.HandleFunc("/v1/fills/entry", h.entry).Methods(http.MethodPost)
	router.HandleFunc("/v1/fills/exit", h.exit).Methods(http.MethodPost)
	router.HandleFunc("/v1/pullbacks", h.registerPullback).Methods(http.MethodPost)
	router.HandleFunc("/v1/signals/invalidate", h.invalidate).Methods(http.MethodPost)
	router.HandleFunc("/v1/positions/{symbol}/max-profit", h.maxProfit).Methods(http.MethodPost)
	router.HandleFunc("/v1/session/rollover", h.rollover).Methods(http.MethodPost)
	router.HandleFunc("/v1/report", h.report).Methods(http.MethodGet)
	router.HandleFunc("/v1/sensor", h.sensor).Methods(http.MethodGet)
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, ErrorResponse{Error: r.Method + " not allowed on " + r.URL.Path, Code: "method_not_allowed"})
	})
	return router
}

func (h *handler) check(w http.ResponseWriter, r *http.Request) {
	var sig types.SignalContext
	if !decode(w, r, &sig) {
		return
	}
	writeJSON(w, http.StatusOK, h.admission.CanEnter(r.Context(), sig))
}

func (h *handler) entry(w http.ResponseWriter, r *http.Request) {
	var fill types.EntryFill
	if !decode(w, r, &fill) {
		return
	}
	if err := h.admission.RecordEntry(r.Context(), fill); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) exit(w http.ResponseWriter, r *http.Request) {
	var fill types.ExitFill
	if !decode(w, r, &fill) {
		return
	}
	if err := h.admission.RecordExit(r.Context(), fill); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) registerPullback(w http.ResponseWriter, r *http.Request) {
	var req types.PullbackRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.admission.RegisterPullback(r.Context(), req); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *handler) invalidate(w http.ResponseWriter, r *http.Request) {
	var req InvalidateRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Symbol == "" || req.StrategyTag == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "symbol and strategy_tag are required", Code: "bad_request"})
		return
	}
	if err := h.admission.InvalidateSignal(r.Context(), req.Symbol, req.StrategyTag, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) maxProfit(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	var req MaxProfitRequest
	if !decode(w, r, &req) {
		return
	}
	v := h.admission.UpdateMaxProfit(r.Context(), symbol, req.UnrealizedPct)
	writeJSON(w, http.StatusOK, MaxProfitResponse{Symbol: symbol, MaxProfitPct: v})
}

func (h *handler) rollover(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.admission.Rollover(r.Context()))
}

func (h *handler) report(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.admission.DailyReport())
}

func (h *handler) sensor(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.admission.SensorSnapshot())
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("invalid request body: %v", err), Code: "bad_request"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, ledger.ErrPositionOpen),
		errors.Is(err, pending.ErrAlreadyRegistered),
		errors.Is(err, admission.ErrSignalInvalidated):
		status, code = http.StatusConflict, "conflict"
	case errors.Is(err, admission.ErrPullbackDisabled):
		status, code = http.StatusUnprocessableEntity, "disabled"
	case errors.Is(err, admission.ErrInvalidExit),
		errors.Is(err, admission.ErrUnknownReason),
		errors.Is(err, ledger.ErrInvalidFill),
		errors.Is(err, ledger.ErrUnknownAction),
		errors.Is(err, pending.ErrInvalidSignal):
		status, code = http.StatusBadRequest, "bad_request"
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: code})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if strings.HasPrefix(r.URL.Path, "/metrics") || r.URL.Path == "/healthz" {
			return
		}
		args := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if rec.status >= 500 {
			logger.Error(r.Context(), "HTTP request failed", args...)
		} else {
			logger.Debug(r.Context(), "HTTP request", args...)
		}
	})
}

func recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error(r.Context(), "Panic in HTTP handler",
					"panic", fmt.Sprint(rec),
					"path", r.URL.Path,
					"stack", string(debug.Stack()),
				)
				writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal server error", Code: "internal"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
