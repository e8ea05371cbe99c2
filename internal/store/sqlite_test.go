package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parentkiosk/shepherdd/internal/ids"
	"github.com/parentkiosk/shepherdd/pkg/events"
)

func openTestStore(t *testing.T) *SQLite {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(DefaultConnectionConfig(filepath.Join(dir, "shepherdd.db")))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddUsageIsAdditive(t *testing.T) {
	s := openTestStore(t)
	entry := ids.EntryId("e1")
	day := Day("2026-07-29")

	require.NoError(t, s.AddUsage(entry, day, 10*time.Second))
	require.NoError(t, s.AddUsage(entry, day, 5*time.Second))

	got, err := s.GetUsage(entry, day)
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, got)
}

func TestGetUsageDefaultsToZero(t *testing.T) {
	s := openTestStore(t)
	got, err := s.GetUsage(ids.EntryId("never-run"), Day("2026-07-29"))
	require.NoError(t, err)
	assert.Zero(t, got)
}

// Round-trip: set_cooldown_until(t) then get_cooldown_until returns t.
func TestCooldownRoundTrip(t *testing.T) {
	s := openTestStore(t)
	entry := ids.EntryId("e1")
	until := time.Now().Add(10 * time.Minute).Truncate(time.Second)

	require.NoError(t, s.SetCooldownUntil(entry, until))
	got, err := s.GetCooldownUntil(entry)
	require.NoError(t, err)
	assert.True(t, got.Equal(until))

	require.NoError(t, s.ClearCooldown(entry))
	got, err = s.GetCooldownUntil(entry)
	require.NoError(t, err)
	assert.True(t, got.IsZero())
}

func TestAuditSequenceIsStrictlyIncreasingAndGapFree(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	seq1, err := s.AppendAudit(events.NewSessionStarted(now, "s1", "e1"))
	require.NoError(t, err)
	seq2, err := s.AppendAudit(events.NewSessionEnded(now, "s1", "e1", events.ReasonExpired))
	require.NoError(t, err)

	assert.Equal(t, int64(1), seq1)
	assert.Equal(t, int64(2), seq2)
}

func TestAuditSequenceRestartsAfterReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shepherdd.db")

	s1, err := Open(DefaultConnectionConfig(path))
	require.NoError(t, err)
	_, err = s1.AppendAudit(events.NewSessionStarted(time.Now(), "s1", "e1"))
	require.NoError(t, err)
	_, err = s1.AppendAudit(events.NewSessionEnded(time.Now(), "s1", "e1", events.ReasonExpired))
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(DefaultConnectionConfig(path))
	require.NoError(t, err)
	defer s2.Close()

	seq, err := s2.AppendAudit(events.NewPolicyReloaded(time.Now(), 3))
	require.NoError(t, err)
	assert.Equal(t, int64(3), seq)
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().Truncate(time.Second)

	empty, err := s.LoadSnapshot()
	require.NoError(t, err)
	assert.Nil(t, empty.ActiveSession)

	started := now.Add(-time.Minute)
	require.NoError(t, s.SaveSnapshot(Snapshot{
		Timestamp: now,
		ActiveSession: &ActiveSession{
			SessionID: "s1",
			EntryID:   "e1",
			StartedAt: started,
		},
	}))

	got, err := s.LoadSnapshot()
	require.NoError(t, err)
	require.NotNil(t, got.ActiveSession)
	assert.Equal(t, ids.SessionId("s1"), got.ActiveSession.SessionID)
	assert.True(t, got.ActiveSession.StartedAt.Equal(started))

	// Overwriting with no active session clears it (single-row semantics).
	require.NoError(t, s.SaveSnapshot(Snapshot{Timestamp: now}))
	got, err = s.LoadSnapshot()
	require.NoError(t, err)
	assert.Nil(t, got.ActiveSession)
}

func TestIsHealthy(t *testing.T) {
	s := openTestStore(t)
	assert.True(t, s.IsHealthy())
}
