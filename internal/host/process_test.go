package host

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parentkiosk/shepherdd/internal/ids"
	"github.com/parentkiosk/shepherdd/internal/logging"
	"github.com/parentkiosk/shepherdd/internal/policy"
)

func TestCapabilitiesRequireObserveExit(t *testing.T) {
	a := NewProcessAdapter(logging.Nop{})
	caps := a.Capabilities()
	assert.True(t, caps.CanObserveExit)
	assert.True(t, caps.Supports(policy.KindProcess))
	assert.False(t, caps.Supports(policy.KindSnap))
}

func TestSpawnAndObserveExit(t *testing.T) {
	a := NewProcessAdapter(logging.Nop{})
	kind := policy.Kind{Tag: policy.KindProcess, Process: &policy.ProcessKind{Argv: []string{"/bin/sh", "-c", "exit 0"}}}

	handle, err := a.Spawn(context.Background(), "s1", kind, SpawnOptions{})
	require.NoError(t, err)
	require.Equal(t, ids.SessionId("s1"), handle.SessionID())

	select {
	case ev := <-a.Subscribe():
		require.NotNil(t, ev.Exited)
		assert.Equal(t, "s1", string(ev.Exited.Handle.SessionID()))
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for exit event")
	}
}

func TestSpawnRejectsUnsupportedKind(t *testing.T) {
	a := NewProcessAdapter(logging.Nop{})
	kind := policy.Kind{Tag: policy.KindSnap, Snap: &policy.SnapKind{Name: "x"}}

	_, err := a.Spawn(context.Background(), "s1", kind, SpawnOptions{})
	assert.Error(t, err)
}

func TestStopForceKillsLongRunningProcess(t *testing.T) {
	a := NewProcessAdapter(logging.Nop{})
	kind := policy.Kind{Tag: policy.KindProcess, Process: &policy.ProcessKind{Argv: []string{"/bin/sh", "-c", "sleep 30"}}}

	handle, err := a.Spawn(context.Background(), "s1", kind, SpawnOptions{})
	require.NoError(t, err)

	require.NoError(t, a.Stop(context.Background(), handle, Force()))

	select {
	case ev := <-a.Subscribe():
		require.NotNil(t, ev.Exited)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for exit event after force stop")
	}
}
