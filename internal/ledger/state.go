package ledger

// State is the serializable form of a ledger session, used by snapshots.
type State struct {
	SessionDate string              `json:"session_date"`
	Days        map[string]DayState `json:"days"`
	Open        map[string]Position `json:"open"`
}

type DayState struct {
	Trades       []TradeEvent                 `json:"trades"`
	StopLoss     *StopLossRecord              `json:"stop_loss,omitempty"`
	Invalidated  map[string]InvalidatedSignal `json:"invalidated,omitempty"`
	Entries      map[string]int               `json:"entries,omitempty"`
	MaxProfitPct *float64                     `json:"max_profit_pct,omitempty"`
}

// Export returns a deep copy of the current session.
func (l *Ledger) Export() State {
	l.mu.RLock()
	defer l.mu.RUnlock()

	st := State{
		SessionDate: l.sessionDate,
		Days:        make(map[string]DayState, len(l.days)),
		Open:        make(map[string]Position, len(l.open)),
	}
	for sym, d := range l.days {
		ds := DayState{
			Trades: append([]TradeEvent(nil), d.Trades...),
		}
		if d.StopLoss != nil {
			sl := *d.StopLoss
			ds.StopLoss = &sl
		}
		if len(d.Invalidated) > 0 {
			ds.Invalidated = make(map[string]InvalidatedSignal, len(d.Invalidated))
			for k, v := range d.Invalidated {
				ds.Invalidated[k] = v
			}
		}
		if len(d.Entries) > 0 {
			ds.Entries = make(map[string]int, len(d.Entries))
			for k, v := range d.Entries {
				ds.Entries[k] = v
			}
		}
		if d.MaxProfitPct != nil {
			v := *d.MaxProfitPct
			ds.MaxProfitPct = &v
		}
		st.Days[sym] = ds
	}
	for sym, p := range l.open {
		st.Open[sym] = *p
	}
	return st
}

// Import replaces the ledger contents with st. Per-day state is only
// restored when st belongs to the current session; open positions always are.
func (l *Ledger) Import(st State) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.open = make(map[string]*Position, max(l.sizeHint, len(st.Open)))
	for sym, p := range st.Open {
		p := p
		l.open[sym] = &p
	}

	l.days = make(map[string]*symbolDay, max(l.sizeHint, len(st.Days)))
	if st.SessionDate != l.sessionDate {
		return
	}
	for sym, ds := range st.Days {
		d := &symbolDay{
			Trades:       append([]TradeEvent(nil), ds.Trades...),
			StopLoss:     ds.StopLoss,
			Invalidated:  ds.Invalidated,
			Entries:      ds.Entries,
			MaxProfitPct: ds.MaxProfitPct,
		}
		l.days[sym] = d
	}
}
