package engine

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"bithumb-gridbot/internal/core"
	"bithumb-gridbot/internal/store"
)

// ReportObserver receives every finished cycle report.
type ReportObserver interface {
	ObserveReport(report Report)
}

type StatusWriter interface {
	SaveRuntimeStatus(status store.RuntimeStatus) error
}

type BreakerState interface {
	State() (place, cancel string)
}

// Runner hosts the cycle engine in a long-running process. It runs FIRST
// immediately and then one RECURRING cycle per poll interval. Cycles never
// overlap because the loop waits for each one before arming the next timer.
type Runner struct {
	Engine     *Engine
	Mode       string
	Pair       string
	InstanceID string
	Store      StatusWriter
	Journal    store.Journal
	Observer   ReportObserver
	Breaker    BreakerState
	Log        *logrus.Entry
	Now        func() time.Time

	mu        sync.Mutex
	status    store.RuntimeStatus
	next      time.Duration
	scheduled bool
	open      []core.TradeRecord
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r *Runner) log() *logrus.Entry {
	if r.Log != nil {
		return r.Log
	}
	return logrus.WithField("component", "runner")
}

// Run blocks until ctx is canceled and returns ctx.Err().
func (r *Runner) Run(ctx context.Context) error {
	startedAt := r.now()
	r.begin(startedAt)
	defer r.setState("stopped")

	state := NewCycleState(startedAt, r.Engine.Config().PriceQueueSize)
	state = r.Engine.Execute(ctx, r, JobFirst, state)
	r.afterCycle(state)
	delay := r.Engine.Config().PollInterval

	for {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		state = r.Engine.Execute(ctx, r, JobRecurring, state)
		r.afterCycle(state)
		delay = r.takeNext()
	}
}

// RunOnce runs a single FIRST cycle and returns its state and report.
func (r *Runner) RunOnce(ctx context.Context) (CycleState, Report) {
	startedAt := r.now()
	r.begin(startedAt)
	state, report := r.Engine.RunCycle(ctx, JobFirst, NewCycleState(startedAt, r.Engine.Config().PriceQueueSize))
	r.Finished(report)
	r.afterCycle(state)
	r.setState("stopped")
	return state, report
}

// ScheduleNext records the delay before the next recurring cycle.
func (r *Runner) ScheduleNext(delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next = delay
	r.scheduled = true
}

// Finished journals the cycle's fills and records the report in the status
// snapshot. The snapshot is written once the cycle state is back in hand.
func (r *Runner) Finished(report Report) {
	if r.Journal != nil && len(report.Fills) > 0 {
		if err := r.Journal.AppendFills(report.ID, report.Fills); err != nil {
			r.log().WithFields(logrus.Fields{"cycle_id": report.ID, "err": err}).Warn("fill_journal_write_failed")
		}
	}
	if r.Observer != nil {
		r.Observer.ObserveReport(report)
	}

	r.mu.Lock()
	st := &r.status
	st.State = "running"
	st.Cycles++
	finished := report.FinishedAt
	st.LastCycleAt = &finished
	st.LastOutcome = string(report.Outcome)
	st.LastStage = report.Stage
	st.LastError = ""
	if report.Err != nil {
		st.LastError = report.Err.Error()
	}
	if report.Price > 0 {
		st.CurrentPrice = report.Price
		st.Profit = report.Profit
		st.Interval = report.Interval
	}
	if r.Breaker != nil {
		place, cancel := r.Breaker.State()
		st.Breaker = "place=" + place + " cancel=" + cancel
	}
	r.mu.Unlock()
}

// afterCycle copies ledger-derived fields into the status snapshot and
// persists it.
func (r *Runner) afterCycle(state CycleState) {
	r.mu.Lock()
	r.status.LastNotifiedAt = state.LastNotifiedAt
	if state.Placed != nil {
		r.status.OpenBuys = state.Placed.CountBySide(core.Buy)
		r.status.OpenSells = state.Placed.CountBySide(core.Sell)
		r.open = state.Placed.Records()
	}
	if !state.Balance.AvailableKRW.IsZero() || !state.Balance.AvailableCoin.IsZero() {
		r.status.AvailableKRW = state.Balance.AvailableKRW.StringFixed(0)
		r.status.AvailableCoin = state.Balance.AvailableCoin.String()
	}
	r.mu.Unlock()
	r.persist()
}

// Status returns a copy of the latest runtime status.
func (r *Runner) Status() store.RuntimeStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.status
	if st.LastCycleAt != nil {
		t := *st.LastCycleAt
		st.LastCycleAt = &t
	}
	return st
}

// OpenOrders returns the placed ledger as of the last finished cycle.
func (r *Runner) OpenOrders() []core.TradeRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.TradeRecord(nil), r.open...)
}

func (r *Runner) takeNext() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	delay := r.next
	if !r.scheduled || delay <= 0 {
		delay = r.Engine.Config().PollInterval
	}
	r.scheduled = false
	return delay
}

func (r *Runner) begin(startedAt time.Time) {
	mode := r.Mode
	if mode == "" {
		mode = "live"
	}
	instanceID := r.InstanceID
	if instanceID == "" {
		instanceID = "default"
	}
	r.mu.Lock()
	r.status = store.RuntimeStatus{
		Mode:           mode,
		Pair:           r.Pair,
		InstanceID:     instanceID,
		PID:            os.Getpid(),
		State:          "starting",
		StartedAt:      startedAt,
		LastNotifiedAt: startedAt,
	}
	r.mu.Unlock()
	r.persist()
}

func (r *Runner) setState(state string) {
	r.mu.Lock()
	r.status.State = state
	r.mu.Unlock()
	r.persist()
}

func (r *Runner) persist() {
	if r.Store == nil {
		return
	}
	status := r.Status()
	status.UpdatedAt = r.now()
	if err := r.Store.SaveRuntimeStatus(status); err != nil {
		r.log().WithField("err", err).Warn("runtime_status_write_failed")
	}
}
