package health

import (
	"time"

	"liuproxy_pool/pool/model"
)

// ewmaWeight controls how much history the rolling latency keeps: a new
// sample contributes 1/ewmaWeight, so one fast probe cannot wipe out a slow
// record's track history.
const ewmaWeight = 4

// Tracker applies probe verdicts to proxy records. The degrade/dead
// thresholds give the state machine its hysteresis: one transient failure
// never kills a proxy, a short sustained run does.
type Tracker struct {
	degradeThreshold int
	deadThreshold    int
}

// New creates a tracker. The dead threshold is forced above the degrade
// threshold so the Degraded state is always reachable before Dead.
func New(degradeThreshold, deadThreshold int) *Tracker {
	if degradeThreshold < 1 {
		degradeThreshold = 1
	}
	if deadThreshold <= degradeThreshold {
		deadThreshold = degradeThreshold + 1
	}
	return &Tracker{
		degradeThreshold: degradeThreshold,
		deadThreshold:    deadThreshold,
	}
}

// Apply mutates rec according to the verdict and returns the state before and
// after. The caller is responsible for holding the record's lock.
func (t *Tracker) Apply(rec *model.ProxyRecord, v model.Verdict) (from, to model.State) {
	from = rec.State
	now := time.Now().UTC()
	rec.LastCheckedAt = now

	if v.Success {
		rec.Successes++
		rec.Failures = 0
		rec.LastLatency = v.Latency
		if rec.AvgLatency == 0 {
			rec.AvgLatency = v.Latency
		} else {
			rec.AvgLatency = (rec.AvgLatency*(ewmaWeight-1) + v.Latency) / ewmaWeight
		}
		// Any successful probe is evidence enough to (re)enter Working,
		// including revival straight from Dead.
		if rec.State != model.StateWorking {
			rec.State = model.StateWorking
			rec.LastStateChangeAt = now
		}
	} else {
		rec.Failures++
		rec.Successes = 0
		rec.LastLatency = 0

		switch {
		case rec.Failures >= t.deadThreshold:
			if rec.State != model.StateDead {
				rec.State = model.StateDead
				rec.LastStateChangeAt = now
			}
		case rec.Failures >= t.degradeThreshold && rec.State == model.StateWorking:
			rec.State = model.StateDegraded
			rec.LastStateChangeAt = now
		}
	}

	return from, rec.State
}

// DeadThreshold reports the configured dead threshold.
func (t *Tracker) DeadThreshold() int { return t.deadThreshold }

// DegradeThreshold reports the configured degrade threshold.
func (t *Tracker) DegradeThreshold() int { return t.degradeThreshold }
