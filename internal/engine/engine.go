/**
 * CONTEXT:   The core supervisor — session lifecycle, policy swap, tick processing
 * INPUT:     IPC commands and host exit events, forwarded synchronously by the service loop
 * OUTPUT:    Domain events for the loop to persist/broadcast, and commands (spawn/stop) for it to execute
 * BUSINESS:  This is the one place spec.md's invariants (single session, deadline immunity to reload) are enforced
 * CHANGE:    Initial implementation
 * RISK:      High - every other component trusts the engine to be the sole source of truth for session state
 */

package engine

import (
	"errors"
	"time"

	"github.com/parentkiosk/shepherdd/internal/clock"
	"github.com/parentkiosk/shepherdd/internal/host"
	"github.com/parentkiosk/shepherdd/internal/ids"
	"github.com/parentkiosk/shepherdd/internal/logging"
	"github.com/parentkiosk/shepherdd/internal/policy"
	"github.com/parentkiosk/shepherdd/internal/store"
	"github.com/parentkiosk/shepherdd/pkg/events"
)

var (
	// ErrUnknownEntry is returned by RequestLaunch for an id not in the
	// current policy.
	ErrUnknownEntry = errors.New("engine: unknown entry id")

	// ErrNoActiveSession is returned by StopCurrent when Idle.
	ErrNoActiveSession = errors.New("engine: no active session")

	// ErrNotLaunching guards CompleteLaunch/FailLaunch against a stale or
	// duplicate completion for a session the engine no longer recognizes
	// as Launching.
	ErrNotLaunching = errors.New("engine: session is not in the launching state")
)

// Engine owns the single in-flight Session, if any, and the current
// Policy. It performs no I/O of its own beyond synchronous store
// reads/writes: spawning and killing host processes are owned by the
// service loop, which calls back into CompleteLaunch/FailLaunch and
// NotifySessionExited once those I/O operations resolve. This keeps the
// engine's own methods free of suspension points, matching spec.md §9's
// "the engine itself is synchronous" while still letting Store commits
// (fast, WAL-mode SQLite) happen inline rather than round-tripping
// through the loop as a second kind of command.
type Engine struct {
	policy   *policy.Policy
	store    store.Store
	hostCaps host.Capabilities
	clock    clock.Clock
	logger   logging.Logger

	session *Session
}

// New constructs an Engine over an already-validated Policy.
func New(p *policy.Policy, st store.Store, caps host.Capabilities, clk clock.Clock, logger logging.Logger) *Engine {
	return &Engine{policy: p, store: st, hostCaps: caps, clock: clk, logger: logger}
}

// SessionPlan is what RequestLaunch hands back to the loop for it to
// execute via host.Spawn. It carries the entry snapshot the session is
// held to for its entire lifetime (spec.md §4.6).
type SessionPlan struct {
	SessionID ids.SessionId
	Entry     policy.Entry
	Deadline  *time.Duration // absolute monotonic instant; nil = unbounded
}

// StopCommand is what Tick/StopCurrent hand back to the loop to execute
// via host.Stop, asynchronously, off the loop's single goroutine so a
// slow graceful-stop timeout never blocks ticks or IPC handling.
type StopCommand struct {
	Handle host.SessionHandle
	Mode   host.StopMode
}

// TickResult is the outcome of one Tick call: events to persist/
// broadcast, and optionally a stop to execute (the deadline was just
// crossed).
type TickResult struct {
	Events []events.Event
	Stop   *StopCommand
}

// RequestLaunch evaluates entryID and, if every check passes, reserves
// the engine's session slot (Idle -> Launching) so concurrent launch
// attempts are refused with SessionActive while the loop's host.Spawn
// call is in flight. now is used for policy evaluation; monoNow anchors
// the session's deadline.
func (e *Engine) RequestLaunch(entryID ids.EntryId, now time.Time, monoNow time.Duration) (*SessionPlan, []Reason, error) {
	entry, ok := e.policy.Lookup(entryID)
	if !ok {
		return nil, nil, ErrUnknownEntry
	}

	view := e.Evaluate(entry, now)
	if !view.Enabled {
		return nil, view.Reasons, nil
	}

	var deadline *time.Duration
	if view.MaxRunIfStartedNow != nil {
		d := monoNow + *view.MaxRunIfStartedNow
		deadline = &d
	}

	sessionID := ids.NewSessionId()
	e.session = &Session{
		ID:          sessionID,
		EntryID:     entry.ID,
		Entry:       entry,
		StartedMono: monoNow,
		Deadline:    deadline,
		warnings:    buildWarnings(entry.Warnings, monoNow, deadline),
		State:       StateLaunching,
	}

	return &SessionPlan{SessionID: sessionID, Entry: entry, Deadline: deadline}, nil, nil
}

// CompleteLaunch transitions a reserved session Launching -> Running
// once the loop's host.Spawn call has succeeded.
func (e *Engine) CompleteLaunch(sessionID ids.SessionId, handle host.SessionHandle, now time.Time) (events.Event, error) {
	s := e.session
	if s == nil || s.ID != sessionID || s.State != StateLaunching {
		return events.Event{}, ErrNotLaunching
	}
	s.Handle = handle
	s.StartedAt = now
	s.State = StateRunning
	return events.NewSessionStarted(now, sessionID, s.EntryID), nil
}

// FailLaunch transitions a reserved session straight to Ended when the
// loop's host.Spawn call failed; no usage is recorded since nothing ran.
func (e *Engine) FailLaunch(sessionID ids.SessionId, now time.Time) (events.Event, error) {
	s := e.session
	if s == nil || s.ID != sessionID || s.State != StateLaunching {
		return events.Event{}, ErrNotLaunching
	}
	ev := events.NewSessionEnded(now, sessionID, s.EntryID, events.ReasonSpawnFailed)
	e.session = nil
	return ev, nil
}

// Tick advances warning/deadline state for the in-flight session, if
// any. It performs no I/O; a returned Stop must be executed by the loop.
func (e *Engine) Tick(monoNow time.Duration, now time.Time) TickResult {
	s := e.session
	if s == nil || s.State == StateEnded {
		return TickResult{}
	}

	var result TickResult

	for i := range s.warnings {
		w := &s.warnings[i]
		if w.fired || w.triggerMono > monoNow {
			continue
		}
		w.fired = true
		remaining := s.remainingSecs(monoNow)
		result.Events = append(result.Events, events.NewWarningIssued(
			now, s.ID, w.threshold.SecondsBefore, remaining, w.threshold.Severity, w.threshold.MessageTemplate,
		))
		if s.State == StateRunning {
			s.State = StateWarned
		}
	}

	if s.Deadline != nil && *s.Deadline <= monoNow && s.State != StateExpiring {
		s.State = StateExpiring
		s.stopRequested = true
		s.pendingReason = events.ReasonExpired
		result.Events = append(result.Events, events.NewSessionExpired(now, s.ID))
		result.Stop = &StopCommand{Handle: s.Handle, Mode: e.stopModeFor()}
	}

	return result
}

func (e *Engine) stopModeFor() host.StopMode {
	if e.hostCaps.CanGracefulStop {
		return host.Graceful(5 * time.Second)
	}
	return host.Force()
}

// StopCurrent requests termination of the in-flight session for the
// given reason (user/admin/policy) and mode. If a stop is already in
// flight (including one caused by expiry) this is idempotent and simply
// returns the command again without overwriting the original reason.
func (e *Engine) StopCurrent(source events.EndReason, mode host.StopMode, now time.Time) (*StopCommand, error) {
	s := e.session
	if s == nil || s.State == StateEnded {
		return nil, ErrNoActiveSession
	}
	if !e.hostCaps.CanGracefulStop {
		mode = host.Force()
	}
	if s.stopRequested {
		return &StopCommand{Handle: s.Handle, Mode: mode}, nil
	}
	s.stopRequested = true
	s.pendingReason = source
	if s.State == StateRunning || s.State == StateWarned {
		s.State = StateExpiring
	}
	return &StopCommand{Handle: s.Handle, Mode: mode}, nil
}

// NotifySessionExited is called by the loop when the host adapter
// reports the supervised process has actually exited. It is the only
// path that records usage and clears the session slot back to Idle. A
// notification for a session the engine no longer recognizes (a stale,
// duplicate exit event) is ignored.
func (e *Engine) NotifySessionExited(sessionID ids.SessionId, now time.Time) (events.Event, bool) {
	s := e.session
	if s == nil || s.ID != sessionID {
		return events.Event{}, false
	}

	duration := now.Sub(s.StartedAt)
	if duration < 0 {
		duration = 0
	}
	day := store.DayOf(s.StartedAt)

	var reason events.EndReason
	if err := e.store.AddUsage(s.EntryID, day, duration); err != nil {
		e.logger.Error("store: add usage failed, ending session as accounting_failed", "entry_id", s.EntryID, "session_id", s.ID, "error", err)
		reason = events.ReasonAccountingFailed
	} else if s.pendingReason != "" {
		reason = s.pendingReason
	} else {
		reason = events.ReasonProcessExited
	}

	if s.Entry.Limits.Cooldown != nil {
		if err := e.store.SetCooldownUntil(s.EntryID, now.Add(*s.Entry.Limits.Cooldown)); err != nil {
			e.logger.Warn("store: set cooldown failed", "entry_id", s.EntryID, "error", err)
		}
	}

	ev := events.NewSessionEnded(now, s.ID, s.EntryID, reason)
	e.session = nil
	return ev, true
}

// CurrentSnapshot reports the in-flight session, if any, for crash-
// recovery persistence (spec.md §4.3 Snapshot).
func (e *Engine) CurrentSnapshot(now time.Time) store.Snapshot {
	if e.session == nil {
		return store.Snapshot{Timestamp: now}
	}
	return store.Snapshot{
		Timestamp: now,
		ActiveSession: &store.ActiveSession{
			SessionID: e.session.ID,
			EntryID:   e.session.EntryID,
			StartedAt: e.session.StartedAt,
		},
	}
}

// SessionView describes the current session for GetState responses.
type SessionView struct {
	SessionID     ids.SessionId
	EntryID       ids.EntryId
	State         State
	RemainingSecs int64
}

// CurrentSession returns a view of the in-flight session, or false if
// Idle.
func (e *Engine) CurrentSession(monoNow time.Duration) (SessionView, bool) {
	if e.session == nil {
		return SessionView{}, false
	}
	return SessionView{
		SessionID:     e.session.ID,
		EntryID:       e.session.EntryID,
		State:         e.session.State,
		RemainingSecs: e.session.remainingSecs(monoNow),
	}, true
}

// PolicyEntryCount returns the number of entries in the current policy.
func (e *Engine) PolicyEntryCount() int {
	return e.policy.Count()
}
