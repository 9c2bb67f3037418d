package sensor

import (
	"strconv"
	"time"

	"appliancebridge/internal/appliance"
)

// hysteresis is the minimum shift in the completion estimate that triggers a
// re-emission. The remaining-seconds counter ticks down in near-real-time,
// so without a threshold every notification would produce a new timestamp.
const hysteresis = 60 * time.Second

// CompletionEstimate is the per-appliance record the estimator owns: the
// last timestamp it emitted (zero when none) and whether the appliance was
// running at the last notification.
type CompletionEstimate struct {
	LastEmitted time.Time
	Running     bool
}

// Estimator recomputes the cycle-completion timestamp on every notification
// and decides whether the change is big enough to emit. It is not safe for
// concurrent use; notifications for one appliance arrive sequentially.
type Estimator struct {
	src appliance.Source
	est CompletionEstimate
}

// NewEstimator creates an estimator for one appliance's timestamp sensor.
func NewEstimator(src appliance.Source) *Estimator {
	return &Estimator{src: src}
}

// Seed installs a previously persisted timestamp before any live
// notification is processed. The running flag stays false until the first
// notification establishes ground truth.
func (e *Estimator) Seed(t time.Time) {
	e.est.LastEmitted = t
	e.est.Running = false
}

// Last returns the last emitted (or seeded) timestamp; ok is false when
// there is none.
func (e *Estimator) Last() (time.Time, bool) {
	return e.est.LastEmitted, !e.est.LastEmitted.IsZero()
}

// Update applies one notification at time now. It returns the timestamp to
// emit and true, or a zero time and false when no re-emission is warranted.
//
// The finish-transition rule and the running-update rule are evaluated
// independently; a single snapshot carries one machine state, so at most one
// fires per notification in practice.
func (e *Estimator) Update(now time.Time) (time.Time, bool) {
	machineState := e.src.MachineState()

	var out time.Time
	emitted := false

	isTerminal := machineState == appliance.MachineStateComplete ||
		machineState == appliance.MachineStateStandby
	if isTerminal && e.est.Running {
		// Just finished a cycle, the end time is now.
		e.est.Running = false
		e.est.LastEmitted = now
		out, emitted = now, true
	}

	if machineState == appliance.MachineStateRunningMainCycle {
		e.est.Running = true

		remaining, ok := e.remainingSeconds()
		if !ok {
			// Transiently absent or malformed counter: no update this
			// notification.
			return out, emitted
		}

		candidate := now.Add(time.Duration(remaining) * time.Second)
		if e.est.LastEmitted.IsZero() || absDuration(candidate.Sub(e.est.LastEmitted)) > hysteresis {
			e.est.LastEmitted = candidate
			out, emitted = candidate, true
		}
	}

	return out, emitted
}

// remainingSeconds parses the remaining-seconds counter as a non-negative
// integer.
func (e *Estimator) remainingSeconds() (int, bool) {
	raw, ok := e.src.GetAttribute(appliance.AttrTimeRemaining)
	if !ok {
		return 0, false
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs < 0 {
		return 0, false
	}
	return secs, true
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
