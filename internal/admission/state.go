package admission

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"trade-admission/internal/cooldown"
	"trade-admission/internal/ledger"
	"trade-admission/internal/logger"
	"trade-admission/internal/pending"
	"trade-admission/internal/types"
)

const latestKey = "session/latest"

func sessionKey(date string) string { return "session/" + date }

// SessionState is everything a restart needs to resume the session.
type SessionState struct {
	// Seq increases with every write so readers can order snapshots.
	Seq         uint64            `json:"seq"`
	SessionDate string            `json:"session_date"`
	SavedAt     time.Time         `json:"saved_at"`
	Ledger      ledger.State      `json:"ledger"`
	Cooldown    cooldown.State    `json:"cooldown"`
	Sensor      types.SensorState `json:"sensor"`
	Pending     []pending.Entry   `json:"pending"`
	Pullbacks   []pending.Signal  `json:"pullbacks"`
	Stats       statsState        `json:"stats"`
}

// Export captures the current session for snapshots.
func (c *Controller) Export() SessionState {
	return SessionState{
		SessionDate: c.ledger.SessionDate(),
		SavedAt:     c.clock.Now(),
		Ledger:      c.ledger.Export(),
		Cooldown:    c.cooldown.Export(),
		Sensor:      c.sensor.Snapshot(),
		Pending:     c.pending.Export(),
		Pullbacks:   c.pullback.Export(),
		Stats:       c.stats.export(),
	}
}

// snapshotWriter owns the background goroutine that saves snapshots. Writes
// are serialized by mu, so a later write never races an earlier one. Lock
// order is mu, then the session lock.
type snapshotWriter struct {
	mu   sync.Mutex
	seq  atomic.Uint64
	kick chan struct{}
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func newSnapshotWriter() *snapshotWriter {
	return &snapshotWriter{
		kick: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

func (c *Controller) runSnapshotWriter() {
	defer close(c.writer.done)
	ctx := context.Background()
	for {
		select {
		case <-c.writer.kick:
			c.writeSnapshot(ctx)
		case <-c.writer.stop:
			return
		}
	}
}

// persist schedules a snapshot and returns at once. Kicks that arrive while
// a write is queued collapse into it; the write exports whatever the session
// holds when it runs. Failures are logged and otherwise ignored: admission
// never depends on the store.
func (c *Controller) persist(ctx context.Context) {
	if c.writer == nil {
		return
	}
	select {
	case c.writer.kick <- struct{}{}:
	default:
	}
}

// writeSnapshot exports the session under the exclusive session lock, so the
// components are captured at one instant, then saves it. The session lock is
// released before any store I/O. Callers must not hold the session lock.
func (c *Controller) writeSnapshot(ctx context.Context) error {
	c.writer.mu.Lock()
	defer c.writer.mu.Unlock()

	c.session.Lock()
	st := c.Export()
	c.session.Unlock()

	st.Seq = c.writer.seq.Add(1)
	if err := c.snapshots.Save(ctx, sessionKey(st.SessionDate), st); err != nil {
		logger.ErrorWithErr(ctx, "Failed to save session snapshot", err, "session", st.SessionDate, "seq", st.Seq)
		return err
	}
	if err := c.snapshots.Save(ctx, latestKey, st); err != nil {
		logger.ErrorWithErr(ctx, "Failed to save latest session snapshot", err, "session", st.SessionDate, "seq", st.Seq)
		return err
	}
	return nil
}

// Flush writes a snapshot of the current session synchronously.
func (c *Controller) Flush(ctx context.Context) error {
	if c.writer == nil {
		return nil
	}
	return c.writeSnapshot(ctx)
}

// Close stops the snapshot writer and writes a final snapshot. It is safe to
// call more than once.
func (c *Controller) Close(ctx context.Context) error {
	if c.writer == nil {
		return nil
	}
	c.writer.once.Do(func() { close(c.writer.stop) })
	select {
	case <-c.writer.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return c.writeSnapshot(ctx)
}

// Restore loads the newest snapshot. Same-session state is restored in full;
// a snapshot from an earlier session only brings back open positions and
// IN_POSITION pullback signals.
func (c *Controller) Restore(ctx context.Context) (bool, error) {
	if c.snapshots == nil {
		return false, nil
	}

	c.session.Lock()
	defer c.session.Unlock()

	date := c.ledger.SessionDate()
	op := logger.StartOperation(ctx, "admission.Restore", "session", date)
	ctx = op.GetContext()

	var st SessionState
	found, err := c.snapshots.Load(ctx, sessionKey(date), &st)
	if err == nil && !found {
		found, err = c.snapshots.Load(ctx, latestKey, &st)
	}
	if err != nil {
		op.EndWithError(err)
		return false, err
	}
	if !found {
		op.End("restored", false)
		return false, nil
	}

	for cur := c.writer.seq.Load(); cur < st.Seq; cur = c.writer.seq.Load() {
		if c.writer.seq.CompareAndSwap(cur, st.Seq) {
			break
		}
	}

	c.ledger.Import(st.Ledger)
	if st.SessionDate == date {
		c.cooldown.Import(st.Cooldown)
		c.sensor.Import(st.Sensor)
		c.pending.Import(st.Pending)
		c.pullback.Import(st.Pullbacks)
		c.stats.restore(st.Stats)
	} else {
		carried := make([]pending.Signal, 0, len(st.Pullbacks))
		for _, sig := range st.Pullbacks {
			if sig.State == pending.StateInPosition {
				carried = append(carried, sig)
			}
		}
		c.pullback.Import(carried)
	}
	op.End("restored", true, "snapshot_session", st.SessionDate)

	logger.Info(ctx, "Session snapshot restored",
		"snapshot_session", st.SessionDate,
		"current_session", date,
		"saved_at", st.SavedAt,
		"risk_off", st.Sensor.RiskOffActive && st.SessionDate == date,
	)
	return true, nil
}
