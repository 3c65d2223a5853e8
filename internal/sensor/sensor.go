// Package sensor aggregates early-failure exits session-wide into two latched
// admission blocks: an afternoon block and a risk-off day.
package sensor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"trade-admission/internal/logger"
	"trade-admission/internal/store"
	"trade-admission/internal/types"
)

type Subtype string

const (
	NoFollow Subtype = "no_follow"
	NoDemand Subtype = "no_demand"
)

// State is the session-wide sensor record. Latches only move false -> true
// until Reset.
type State = types.SensorState

// Escalation reports which latches an event newly set.
type Escalation struct {
	AfternoonBlock bool
	RiskOff        bool
	State          State
}

type Sensor struct {
	mu    sync.RWMutex
	cfg   store.SensorConfig
	state State
}

func New(cfg store.SensorConfig) *Sensor {
	return &Sensor{cfg: cfg}
}

// RecordFailureEvent counts an early-failure exit observed at at. Events
// before the morning cutoff also count toward the afternoon block; only
// no_follow events count toward risk-off. With the sensor disabled events
// are still counted but no latch is set.
func (s *Sensor) RecordFailureEvent(ctx context.Context, subtype Subtype, at time.Time) (Escalation, error) {
	if subtype != NoFollow && subtype != NoDemand {
		return Escalation{}, fmt.Errorf("sensor: unknown failure subtype %q", subtype)
	}

	s.mu.Lock()
	var esc Escalation
	st := &s.state
	st.EFTotal++
	if !s.cfg.MorningCutoff.Reached(at) {
		st.EFMorning++
	}
	if subtype == NoFollow {
		st.EFNoFollow++
	} else {
		st.EFNoDemand++
	}
	if s.cfg.Enabled {
		if !st.AfternoonBlockActive && st.EFMorning >= s.cfg.MorningEFLimit {
			st.AfternoonBlockActive = true
			st.AfternoonBlockAt = at
			esc.AfternoonBlock = true
		}
		if !st.RiskOffActive && st.EFNoFollow >= s.cfg.RiskOffNoFollowLimit {
			st.RiskOffActive = true
			st.RiskOffAt = at
			esc.RiskOff = true
		}
	}
	esc.State = *st
	s.mu.Unlock()

	// Logging happens after the lock is released.
	if esc.AfternoonBlock {
		logger.Risk(ctx, "*", "AFTERNOON_BLOCK",
			"ef_morning", esc.State.EFMorning,
			"limit", s.cfg.MorningEFLimit,
			"cutoff", s.cfg.MorningCutoff.String(),
		)
	}
	if esc.RiskOff {
		logger.Risk(ctx, "*", "RISK_OFF",
			"ef_no_follow", esc.State.EFNoFollow,
			"limit", s.cfg.RiskOffNoFollowLimit,
		)
	}
	return esc, nil
}

// CanEnterNow checks the risk-off latch first, then the afternoon latch,
// which only applies from the morning cutoff onward.
func (s *Sensor) CanEnterNow(now time.Time) (bool, string) {
	st := s.Snapshot()
	if !s.cfg.Enabled {
		return true, "ok"
	}
	if st.RiskOffActive {
		return false, fmt.Sprintf("RISK_OFF: %d no_follow early failures (limit %d) since %s",
			st.EFNoFollow, s.cfg.RiskOffNoFollowLimit, st.RiskOffAt.Format("15:04"))
	}
	if st.AfternoonBlockActive && s.cfg.MorningCutoff.Reached(now) {
		return false, fmt.Sprintf("AFTERNOON_BLOCK: %d morning early failures (limit %d), entries blocked from %s",
			st.EFMorning, s.cfg.MorningEFLimit, s.cfg.MorningCutoff)
	}
	return true, "ok"
}

func (s *Sensor) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Reset clears the session and returns the state it discarded.
func (s *Sensor) Reset() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.state
	s.state = State{}
	return prev
}

// Import restores a snapshot taken earlier in the same session.
func (s *Sensor) Import(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}
