package engine

import (
	"time"

	"github.com/parentkiosk/shepherdd/internal/host"
	"github.com/parentkiosk/shepherdd/internal/ids"
	"github.com/parentkiosk/shepherdd/internal/policy"
	"github.com/parentkiosk/shepherdd/pkg/events"
)

// State is a session's position in the state machine of spec.md §4.5:
// Idle (no Session value) -> Launching -> Running -> Warned -> Expiring -> Ended.
type State string

const (
	StateLaunching State = "launching"
	StateRunning   State = "running"
	StateWarned    State = "warned"
	StateExpiring  State = "expiring"
	StateEnded     State = "ended"
)

// warningState tracks one threshold's precomputed absolute trigger instant
// and whether it has already fired.
type warningState struct {
	threshold   policy.WarningThreshold
	triggerMono time.Duration
	fired       bool
}

// Session is the engine's record of the one session that may be in
// flight. It captures the entry's policy at launch time so a later
// reload can never change the terms an already-running session is held
// to (spec.md §4.6).
type Session struct {
	ID      ids.SessionId
	EntryID ids.EntryId
	Entry   policy.Entry

	StartedAt   time.Time     // wall-clock launch instant, for usage bucketing
	StartedMono time.Duration // monotonic launch instant
	Deadline    *time.Duration // absolute monotonic instant; nil = unbounded

	warnings []warningState

	State        State
	Handle       host.SessionHandle
	stopRequested bool
	pendingReason events.EndReason // set once a stop is requested or expiry fires
}

// remainingSecs returns seconds until Deadline from monoNow, clamped to
// zero, or zero if the session has no deadline (spec.md's SessionActive
// reason reports 0 for unbounded sessions rather than a sentinel negative
// value, since "remaining" has no meaning there).
func (s *Session) remainingSecs(monoNow time.Duration) int64 {
	if s.Deadline == nil {
		return 0
	}
	remaining := *s.Deadline - monoNow
	if remaining < 0 {
		return 0
	}
	return int64(remaining.Seconds())
}

// buildWarnings precomputes the absolute trigger instant for every
// threshold whose countdown fits inside the session's deadline, sorted
// by SecondsBefore descending (spec.md §4.5: "most-urgent last").
func buildWarnings(schedule policy.WarningSchedule, monoNow time.Duration, deadline *time.Duration) []warningState {
	if deadline == nil {
		return nil
	}
	sorted := schedule.Sorted()
	out := make([]warningState, 0, len(sorted))
	for _, th := range sorted {
		trigger := *deadline - time.Duration(th.SecondsBefore)*time.Second
		if trigger < monoNow {
			// Threshold would fire before the session even started (can
			// happen when window/quota clamps the effective deadline
			// below the entry's configured max_run); skip it.
			continue
		}
		out = append(out, warningState{threshold: th, triggerMono: trigger})
	}
	return out
}
