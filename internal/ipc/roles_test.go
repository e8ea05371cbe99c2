package ipc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllowedAdminCanDoEverything(t *testing.T) {
	assert.True(t, Allowed(RoleAdmin, CmdReloadConfig))
	assert.True(t, Allowed(RoleAdmin, CmdSetVolume))
	assert.True(t, Allowed(RoleAdmin, CmdLaunch))
}

func TestAllowedShellCannotReload(t *testing.T) {
	assert.False(t, Allowed(RoleShell, CmdReloadConfig))
	assert.True(t, Allowed(RoleShell, CmdLaunch))
	assert.True(t, Allowed(RoleShell, CmdStopCurrent))
	assert.True(t, Allowed(RoleShell, CmdSetVolume))
}

func TestAllowedObserverIsReadOnly(t *testing.T) {
	assert.True(t, Allowed(RoleObserver, CmdGetState))
	assert.True(t, Allowed(RoleObserver, CmdListEntries))
	assert.True(t, Allowed(RoleObserver, CmdSubscribeEvents))
	assert.True(t, Allowed(RoleObserver, CmdGetHealth))
	assert.True(t, Allowed(RoleObserver, CmdGetVolume))

	assert.False(t, Allowed(RoleObserver, CmdLaunch))
	assert.False(t, Allowed(RoleObserver, CmdStopCurrent))
	assert.False(t, Allowed(RoleObserver, CmdReloadConfig))
	assert.False(t, Allowed(RoleObserver, CmdSetVolume))
}
