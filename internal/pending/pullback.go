package pending

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"trade-admission/internal/clock"
	"trade-admission/internal/ledger"
	"trade-admission/internal/logger"
	"trade-admission/internal/store"
	"trade-admission/internal/types"
)

type State string

const (
	StateWaitPullback     State = "WAIT_PULLBACK"
	StatePullbackDetected State = "PULLBACK_DETECTED"
	StateReadyToEnter     State = "READY_TO_ENTER"
	StateInPosition       State = "IN_POSITION"
	StateInvalidated      State = "INVALIDATED"
)

// ValidTransitions lists the forward edges of the pullback machine.
// INVALIDATED is reachable from every non-terminal state and has no exits.
var ValidTransitions = map[State][]State{
	StateWaitPullback:     {StatePullbackDetected, StateInvalidated},
	StatePullbackDetected: {StateReadyToEnter, StateInvalidated},
	StateReadyToEnter:     {StateInPosition, StateInvalidated},
	StateInPosition:       {},
	StateInvalidated:      {},
}

func CanTransition(from, to State) bool {
	for _, s := range ValidTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

var (
	ErrAlreadyRegistered = errors.New("pending: pullback signal already registered for symbol this session")
	ErrInvalidSignal     = errors.New("pending: invalid pullback signal")
	ErrNoSignal          = errors.New("pending: no pullback signal for symbol")
	ErrNotReady          = errors.New("pending: pullback signal not ready to enter")
	ErrInvalidTransition = errors.New("pending: invalid state transition")
)

// Signal is one symbol's pullback signal for the session.
type Signal struct {
	Symbol                 string                    `json:"symbol"`
	StrategyTag            string                    `json:"strategy_tag"`
	State                  State                     `json:"state"`
	SignalPrice            float64                   `json:"signal_price"`
	SignalLow              float64                   `json:"signal_low"`
	SignalReference        float64                   `json:"signal_reference"`
	SignalTime             time.Time                 `json:"signal_time"`
	BelowReferenceDetected bool                      `json:"below_reference_detected"`
	PullbackDeviationPct   float64                   `json:"pullback_deviation_pct"`
	InvalidReason          ledger.InvalidationReason `json:"invalid_reason,omitempty"`
	InvalidatedAt          time.Time                 `json:"invalidated_at,omitempty"`
	InvalidationPrice      float64                   `json:"invalidation_price,omitempty"`
}

// Observation is the per-tick market data fed to Evaluate. A non-empty
// StrategyTag must match the tag the signal was registered under.
type Observation struct {
	StrategyTag  string
	Price        float64
	Reference    float64
	Low          float64
	RecentVolume float64
	AvgVolume    float64
	Volatility   float64
}

// ObservationFrom extracts the pullback inputs from a signal context.
func ObservationFrom(sig types.SignalContext) Observation {
	return Observation{
		StrategyTag:  sig.StrategyTag,
		Price:        sig.Price,
		Reference:    sig.Reference,
		Low:          sig.RecentLow,
		RecentVolume: sig.RecentVolume,
		AvgVolume:    sig.AvgVolume,
		Volatility:   sig.Volatility,
	}
}

// Evaluation is the result of one Evaluate call. Invalidated is set only on
// the tick that moved the signal to INVALIDATED.
type Evaluation struct {
	Ready       bool
	State       State
	Reason      string
	Invalidated bool
	Signal      Signal
}

type PullbackTracker struct {
	mu       sync.Mutex
	cfg      store.PullbackConfig
	clock    clock.Clock
	sizeHint int
	signals  map[string]*Signal
}

func NewPullbackTracker(cfg store.PullbackConfig, clk clock.Clock, sizeHint int) *PullbackTracker {
	return &PullbackTracker{
		cfg:      cfg,
		clock:    clk,
		sizeHint: sizeHint,
		signals:  make(map[string]*Signal, sizeHint),
	}
}

// Register creates a WAIT_PULLBACK signal. Any existing signal for the symbol
// this session, live or invalidated, rejects the registration.
func (p *PullbackTracker) Register(ctx context.Context, req types.PullbackRequest) (Signal, error) {
	if req.Symbol == "" || !types.Positive(req.Price) || !types.Positive(req.Low) || !types.Positive(req.Reference) {
		return Signal{}, fmt.Errorf("%w: symbol=%q price=%v low=%v reference=%v", ErrInvalidSignal, req.Symbol, req.Price, req.Low, req.Reference)
	}
	now := p.clock.Now()

	p.mu.Lock()
	if existing := p.signals[req.Symbol]; existing != nil {
		st := existing.State
		p.mu.Unlock()
		logger.Risk(ctx, req.Symbol, "DUPLICATE_PULLBACK_REGISTRATION",
			"strategy_tag", req.StrategyTag,
			"existing_state", string(st),
		)
		return Signal{}, fmt.Errorf("%w: %s is %s", ErrAlreadyRegistered, req.Symbol, st)
	}
	sig := &Signal{
		Symbol:          req.Symbol,
		StrategyTag:     req.StrategyTag,
		State:           StateWaitPullback,
		SignalPrice:     req.Price,
		SignalLow:       req.Low,
		SignalReference: req.Reference,
		SignalTime:      now,
	}
	p.signals[req.Symbol] = sig
	out := *sig
	p.mu.Unlock()
	return out, nil
}

// Timeout returns the volatility-adaptive lifetime of a signal.
func (p *PullbackTracker) Timeout(volatility float64) time.Duration {
	vt := p.cfg.VolatilityTimeout
	mins := vt.DefaultMinutes
	switch {
	case !types.Positive(volatility):
	case volatility >= vt.HighVolPct:
		mins = vt.HighVolMinutes
	case volatility <= vt.LowVolPct:
		mins = vt.LowVolMinutes
	}
	return time.Duration(mins) * time.Minute
}

// Evaluate advances the symbol's signal with one observation. Checks run in
// a fixed order: low break, timeout, time window, then the state step.
func (p *PullbackTracker) Evaluate(ctx context.Context, symbol string, obs Observation) Evaluation {
	now := p.clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	sig := p.signals[symbol]
	if sig == nil {
		return Evaluation{Reason: "no pullback signal registered"}
	}
	ev := Evaluation{State: sig.State}
	if obs.StrategyTag != "" && sig.StrategyTag != "" && obs.StrategyTag != sig.StrategyTag {
		ev.Reason = fmt.Sprintf("pullback signal registered for %s, not %s", sig.StrategyTag, obs.StrategyTag)
		return ev
	}

	switch sig.State {
	case StateInvalidated:
		ev.Reason = fmt.Sprintf("pullback signal invalidated (%s)", sig.InvalidReason)
		ev.Signal = *sig
		return ev
	case StateInPosition:
		ev.Reason = "pullback signal already in position"
		ev.Signal = *sig
		return ev
	}

	if !types.Positive(obs.Price) || !types.Positive(obs.Reference) || !types.Positive(obs.Low) {
		ev.Reason = "pullback: incomplete market data, not ready"
		ev.Signal = *sig
		return ev
	}

	threshold := sig.SignalLow * (1 + p.cfg.BreakPct/100)
	if obs.Low < threshold {
		p.invalidateLocked(ctx, sig, ledger.InvalidLowBreak, obs.Low, now)
		ev.State = sig.State
		ev.Invalidated = true
		ev.Reason = fmt.Sprintf("LOW_BREAK: low %.2f below %.2f (%.2f%% from signal low)", obs.Low, threshold, (obs.Low-sig.SignalLow)/sig.SignalLow*100)
		ev.Signal = *sig
		return ev
	}

	if timeout := p.Timeout(obs.Volatility); now.Sub(sig.SignalTime) > timeout {
		p.invalidateLocked(ctx, sig, ledger.InvalidTimeExpired, obs.Price, now)
		ev.State = sig.State
		ev.Invalidated = true
		ev.Reason = fmt.Sprintf("TIME_EXPIRED: signal older than %s (volatility %.2f%%)", timeout, obs.Volatility)
		ev.Signal = *sig
		return ev
	}

	if !p.cfg.TimeWindow.Contains(now) {
		ev.Reason = fmt.Sprintf("pullback: outside time window %s-%s", p.cfg.TimeWindow.Start, p.cfg.TimeWindow.End)
		ev.Signal = *sig
		return ev
	}

	deviation := (obs.Price - obs.Reference) / obs.Reference * 100

	switch sig.State {
	case StateWaitPullback:
		if deviation <= -p.cfg.PullbackPct {
			p.transitionLocked(ctx, sig, StatePullbackDetected)
			sig.BelowReferenceDetected = true
			sig.PullbackDeviationPct = deviation
			ev.Reason = fmt.Sprintf("pullback detected: %.2f%% below reference", -deviation)
		} else {
			ev.Reason = fmt.Sprintf("waiting for pullback: deviation %.2f%% > -%.2f%%", deviation, p.cfg.PullbackPct)
		}
	case StatePullbackDetected:
		if deviation < sig.PullbackDeviationPct {
			sig.PullbackDeviationPct = deviation
		}
		ratio, ok := volumeRatio(obs)
		switch {
		case deviation < p.cfg.Reclaim.AbovePct:
			ev.Reason = fmt.Sprintf("waiting for reclaim: deviation %.2f%% < %.2f%%", deviation, p.cfg.Reclaim.AbovePct)
		case !ok:
			ev.Reason = "waiting for reclaim: volume unavailable"
		case ratio < p.cfg.Reclaim.MinVolumeRatio:
			ev.Reason = fmt.Sprintf("waiting for reclaim: volume ratio %.2f < %.2f", ratio, p.cfg.Reclaim.MinVolumeRatio)
		default:
			p.transitionLocked(ctx, sig, StateReadyToEnter)
			ev.Ready = true
			ev.Reason = fmt.Sprintf("reclaimed %.2f%% above reference on volume x%.2f", deviation, ratio)
		}
	case StateReadyToEnter:
		ev.Ready = true
		ev.Reason = "ready to enter"
	}
	ev.State = sig.State
	ev.Signal = *sig
	return ev
}

func volumeRatio(obs Observation) (float64, bool) {
	if !types.Positive(obs.AvgVolume) || !types.Finite(obs.RecentVolume) || obs.RecentVolume < 0 {
		return 0, false
	}
	return obs.RecentVolume / obs.AvgVolume, true
}

func (p *PullbackTracker) transitionLocked(ctx context.Context, sig *Signal, to State) bool {
	if !CanTransition(sig.State, to) {
		logger.Risk(ctx, sig.Symbol, "INVALID_PULLBACK_TRANSITION",
			"from", string(sig.State),
			"to", string(to),
		)
		return false
	}
	logger.Debug(ctx, "Pullback transition", "symbol", sig.Symbol, "from", string(sig.State), "to", string(to))
	sig.State = to
	return true
}

func (p *PullbackTracker) invalidateLocked(ctx context.Context, sig *Signal, reason ledger.InvalidationReason, price float64, now time.Time) bool {
	if !p.transitionLocked(ctx, sig, StateInvalidated) {
		return false
	}
	sig.InvalidReason = reason
	sig.InvalidatedAt = now
	sig.InvalidationPrice = price
	return true
}

// MarkEntered moves READY_TO_ENTER to IN_POSITION. It is a no-op for a
// signal already in position.
func (p *PullbackTracker) MarkEntered(ctx context.Context, symbol string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	sig := p.signals[symbol]
	if sig == nil {
		return fmt.Errorf("%w: %s", ErrNoSignal, symbol)
	}
	switch sig.State {
	case StateInPosition:
		return nil
	case StateReadyToEnter:
		p.transitionLocked(ctx, sig, StateInPosition)
		return nil
	default:
		return fmt.Errorf("%w: %s is %s", ErrNotReady, symbol, sig.State)
	}
}

// Invalidate moves a non-terminal signal to INVALIDATED. It returns false
// when there is no signal or it is already terminal.
func (p *PullbackTracker) Invalidate(ctx context.Context, symbol string, reason ledger.InvalidationReason, price float64) (Signal, bool) {
	now := p.clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	sig := p.signals[symbol]
	if sig == nil {
		return Signal{}, false
	}
	ok := p.invalidateLocked(ctx, sig, reason, price, now)
	return *sig, ok
}

// Close drops an IN_POSITION signal once its trade is flat.
func (p *PullbackTracker) Close(symbol string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sig := p.signals[symbol]; sig != nil && sig.State == StateInPosition {
		delete(p.signals, symbol)
		return true
	}
	return false
}

func (p *PullbackTracker) Get(symbol string) (Signal, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sig := p.signals[symbol]; sig != nil {
		return *sig, true
	}
	return Signal{}, false
}

// Rollover discards every signal not IN_POSITION and returns how many were
// dropped.
func (p *PullbackTracker) Rollover() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	kept := make(map[string]*Signal, p.sizeHint)
	dropped := 0
	for sym, sig := range p.signals {
		if sig.State == StateInPosition {
			kept[sym] = sig
			continue
		}
		dropped++
	}
	p.signals = kept
	return dropped
}

func (p *PullbackTracker) Export() []Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Signal, 0, len(p.signals))
	for _, sig := range p.signals {
		out = append(out, *sig)
	}
	return out
}

func (p *PullbackTracker) Import(signals []Signal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signals = make(map[string]*Signal, max(p.sizeHint, len(signals)))
	for _, sig := range signals {
		sig := sig
		p.signals[sig.Symbol] = &sig
	}
}
