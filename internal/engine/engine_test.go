package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parentkiosk/shepherdd/internal/clock"
	"github.com/parentkiosk/shepherdd/internal/host"
	"github.com/parentkiosk/shepherdd/internal/ids"
	"github.com/parentkiosk/shepherdd/internal/logging"
	"github.com/parentkiosk/shepherdd/internal/policy"
	"github.com/parentkiosk/shepherdd/internal/store"
	"github.com/parentkiosk/shepherdd/pkg/events"
)

// fakeStore is an in-memory store.Store for engine tests; no I/O.
type fakeStore struct {
	usage     map[string]time.Duration
	cooldowns map[ids.EntryId]time.Time
	audit     []events.Event
}

func newFakeStore() *fakeStore {
	return &fakeStore{usage: map[string]time.Duration{}, cooldowns: map[ids.EntryId]time.Time{}}
}

func usageKey(entry ids.EntryId, day store.Day) string { return string(entry) + "|" + string(day) }

func (s *fakeStore) AppendAudit(event events.Event) (int64, error) {
	s.audit = append(s.audit, event)
	return int64(len(s.audit)), nil
}
func (s *fakeStore) GetUsage(entry ids.EntryId, day store.Day) (time.Duration, error) {
	return s.usage[usageKey(entry, day)], nil
}
func (s *fakeStore) AddUsage(entry ids.EntryId, day store.Day, dur time.Duration) error {
	s.usage[usageKey(entry, day)] += dur
	return nil
}
func (s *fakeStore) GetCooldownUntil(entry ids.EntryId) (time.Time, error) {
	return s.cooldowns[entry], nil
}
func (s *fakeStore) SetCooldownUntil(entry ids.EntryId, until time.Time) error {
	s.cooldowns[entry] = until
	return nil
}
func (s *fakeStore) ClearCooldown(entry ids.EntryId) error {
	delete(s.cooldowns, entry)
	return nil
}
func (s *fakeStore) LoadSnapshot() (store.Snapshot, error)  { return store.Snapshot{}, nil }
func (s *fakeStore) SaveSnapshot(snap store.Snapshot) error { return nil }
func (s *fakeStore) IsHealthy() bool                        { return true }
func (s *fakeStore) Close() error                           { return nil }

var fullCaps = host.Capabilities{
	SupportedKinds:  map[policy.KindTag]bool{policy.KindProcess: true},
	CanGracefulStop: true,
	CanObserveExit:  true,
}

func processEntry(id ids.EntryId, maxRun *time.Duration) policy.Entry {
	return policy.Entry{
		ID:           id,
		Kind:         policy.Kind{Tag: policy.KindProcess, Process: &policy.ProcessKind{Argv: []string{"/bin/true"}}},
		Availability: policy.AvailabilityPolicy{Always: true},
		Limits:       policy.LimitsPolicy{MaxRun: maxRun},
	}
}

func mustPolicy(t *testing.T, entries ...policy.Entry) *policy.Policy {
	t.Helper()
	p, errs := policy.New(entries)
	require.Empty(t, errs)
	return p
}

func dur(d time.Duration) *time.Duration { return &d }

// S1: warning thresholds fire in furthest-from-deadline-first order.
func TestWarningScheduleFiresInOrder(t *testing.T) {
	entry := processEntry("game", dur(10*time.Minute))
	entry.Warnings = policy.WarningSchedule{
		{SecondsBefore: 60, Severity: policy.SeverityWarn},
		{SecondsBefore: 300, Severity: policy.SeverityInfo},
		{SecondsBefore: 10, Severity: policy.SeverityCritical},
	}
	p := mustPolicy(t, entry)
	clk := clock.NewMock(time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC))
	e := New(p, newFakeStore(), fullCaps, clk, logging.Nop{})

	plan, reasons, err := e.RequestLaunch("game", clk.Now(), clk.Mono())
	require.NoError(t, err)
	require.Empty(t, reasons)
	require.NotNil(t, plan)

	handle := fakeHandle{"game-session"}
	_, err = e.CompleteLaunch(plan.SessionID, handle, clk.Now())
	require.NoError(t, err)

	clk.Advance(5 * time.Minute) // t+300s: first (least urgent) warning
	r := e.Tick(clk.Mono(), clk.Now())
	require.Len(t, r.Events, 1)
	assert.Equal(t, int64(300), r.Events[0].WarningIssued.ThresholdSecs)

	clk.Advance(4 * time.Minute) // t+540s: 60s-before threshold
	r = e.Tick(clk.Mono(), clk.Now())
	require.Len(t, r.Events, 1)
	assert.Equal(t, int64(60), r.Events[0].WarningIssued.ThresholdSecs)

	clk.Advance(50 * time.Second) // t+590s: 10s-before threshold, most urgent, fires last
	r = e.Tick(clk.Mono(), clk.Now())
	require.Len(t, r.Events, 1)
	assert.Equal(t, int64(10), r.Events[0].WarningIssued.ThresholdSecs)
	assert.Nil(t, r.Stop)
}

// S2: crossing the deadline emits SessionExpired and a StopCommand, and
// the eventual exit notification records usage and ends with Expired.
func TestDeadlineCrossingExpiresAndStops(t *testing.T) {
	entry := processEntry("game", dur(10*time.Second))
	p := mustPolicy(t, entry)
	clk := clock.NewMock(time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC))
	st := newFakeStore()
	e := New(p, st, fullCaps, clk, logging.Nop{})

	plan, _, err := e.RequestLaunch("game", clk.Now(), clk.Mono())
	require.NoError(t, err)
	handle := fakeHandle{"s1"}
	_, err = e.CompleteLaunch(plan.SessionID, handle, clk.Now())
	require.NoError(t, err)

	clk.Advance(11 * time.Second)
	r := e.Tick(clk.Mono(), clk.Now())
	require.NotNil(t, r.Stop)
	require.Len(t, r.Events, 1)
	assert.Equal(t, events.TypeSessionExpired, r.Events[0].Type)

	ev, ok := e.NotifySessionExited(plan.SessionID, clk.Now())
	require.True(t, ok)
	assert.Equal(t, events.ReasonExpired, ev.SessionEnded.Reason)
	assert.Equal(t, 11*time.Second, st.usage[usageKey("game", store.DayOf(clk.Now()))])

	_, active := e.CurrentSession(clk.Mono())
	assert.False(t, active)
}

// S3: a daily quota already exhausted blocks launch with QuotaExhausted.
func TestQuotaExhaustedBlocksLaunch(t *testing.T) {
	entry := processEntry("game", nil)
	entry.Limits.DailyQuota = dur(time.Hour)
	p := mustPolicy(t, entry)
	clk := clock.NewMock(time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC))
	st := newFakeStore()
	st.usage[usageKey("game", store.DayOf(clk.Now()))] = time.Hour
	e := New(p, st, fullCaps, clk, logging.Nop{})

	plan, reasons, err := e.RequestLaunch("game", clk.Now(), clk.Mono())
	require.NoError(t, err)
	assert.Nil(t, plan)
	require.Len(t, reasons, 1)
	assert.Equal(t, ReasonQuotaExhausted, reasons[0].Kind)
}

// S4: a concurrent launch attempt while one session is in flight is
// refused with SessionActive, reporting the already-running entry.
func TestConcurrentLaunchRefused(t *testing.T) {
	a := processEntry("a", dur(time.Hour))
	b := processEntry("b", dur(time.Hour))
	p := mustPolicy(t, a, b)
	clk := clock.NewMock(time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC))
	e := New(p, newFakeStore(), fullCaps, clk, logging.Nop{})

	plan, _, err := e.RequestLaunch("a", clk.Now(), clk.Mono())
	require.NoError(t, err)
	require.NotNil(t, plan)
	// session is reserved (Launching) before Spawn is even attempted by
	// the loop, so the second attempt is refused immediately.
	_, reasons, err := e.RequestLaunch("b", clk.Now(), clk.Mono())
	require.NoError(t, err)
	require.Len(t, reasons, 1)
	assert.Equal(t, ReasonSessionActive, reasons[0].Kind)
	assert.Equal(t, ids.EntryId("a"), reasons[0].ActiveEntryID)
}

// S5: a wall-clock jump backward must not move a deadline computed from
// the monotonic clock.
func TestWallClockJumpDoesNotMoveDeadline(t *testing.T) {
	entry := processEntry("game", dur(time.Minute))
	p := mustPolicy(t, entry)
	clk := clock.NewMock(time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC))
	e := New(p, newFakeStore(), fullCaps, clk, logging.Nop{})

	plan, _, err := e.RequestLaunch("game", clk.Now(), clk.Mono())
	require.NoError(t, err)
	_, err = e.CompleteLaunch(plan.SessionID, fakeHandle{"s1"}, clk.Now())
	require.NoError(t, err)

	clk.SetWall(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)) // operator steps the clock backward
	clk.Advance(70 * time.Second)                            // monotonic still advances normally

	r := e.Tick(clk.Mono(), clk.Now())
	require.NotNil(t, r.Stop, "deadline must be crossed by monotonic time regardless of the wall-clock jump")
}

// S6: a store failure recording usage overrides the end reason with
// AccountingFailed even though the process genuinely exited.
func TestAccountingFailureOverridesEndReason(t *testing.T) {
	entry := processEntry("game", dur(time.Hour))
	p := mustPolicy(t, entry)
	clk := clock.NewMock(time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC))
	e := New(p, failingStore{}, fullCaps, clk, logging.Nop{})

	plan, _, err := e.RequestLaunch("game", clk.Now(), clk.Mono())
	require.NoError(t, err)
	_, err = e.CompleteLaunch(plan.SessionID, fakeHandle{"s1"}, clk.Now())
	require.NoError(t, err)

	clk.Advance(time.Minute)
	ev, ok := e.NotifySessionExited(plan.SessionID, clk.Now())
	require.True(t, ok)
	assert.Equal(t, events.ReasonAccountingFailed, ev.SessionEnded.Reason)
}

func TestFailLaunchEndsWithSpawnFailed(t *testing.T) {
	entry := processEntry("game", dur(time.Hour))
	p := mustPolicy(t, entry)
	clk := clock.NewMock(time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC))
	e := New(p, newFakeStore(), fullCaps, clk, logging.Nop{})

	plan, _, err := e.RequestLaunch("game", clk.Now(), clk.Mono())
	require.NoError(t, err)

	ev, err := e.FailLaunch(plan.SessionID, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, events.ReasonSpawnFailed, ev.SessionEnded.Reason)

	_, active := e.CurrentSession(clk.Mono())
	assert.False(t, active)
}

type fakeHandle struct{ id string }

func (h fakeHandle) SessionID() ids.SessionId { return ids.SessionId(h.id) }

// failingStore is a Store whose AddUsage always fails, used to exercise
// the accounting_failed end-reason override.
type failingStore struct{}

func (failingStore) AppendAudit(events.Event) (int64, error) { return 0, nil }
func (failingStore) GetUsage(ids.EntryId, store.Day) (time.Duration, error) {
	return 0, nil
}
func (failingStore) AddUsage(ids.EntryId, store.Day, time.Duration) error {
	return assert.AnError
}
func (failingStore) GetCooldownUntil(ids.EntryId) (time.Time, error) { return time.Time{}, nil }
func (failingStore) SetCooldownUntil(ids.EntryId, time.Time) error   { return nil }
func (failingStore) ClearCooldown(ids.EntryId) error                 { return nil }
func (failingStore) LoadSnapshot() (store.Snapshot, error)            { return store.Snapshot{}, nil }
func (failingStore) SaveSnapshot(store.Snapshot) error                { return nil }
func (failingStore) IsHealthy() bool                                  { return true }
func (failingStore) Close() error                                     { return nil }
