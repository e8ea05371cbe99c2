/**
 * CONTEXT:   Peer-credential based role gating for the control socket
 * INPUT:     The accepted *net.UnixConn's SO_PEERCRED credentials
 * OUTPUT:    A Role (Admin/Shell/Observer) and a per-command allow decision
 * BUSINESS:  Only the service's own uid (or root) may reload policy or change the volume cap
 * CHANGE:    Initial implementation
 * RISK:      High - a role-gating bug lets an unprivileged local user stop or reconfigure the kiosk
 */

package ipc

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Role is the coarse authorization bucket a connected peer falls into,
// per spec.md §4.7's table.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleShell    Role = "shell"
	RoleObserver Role = "observer"
)

// PeerCreds is the subset of SO_PEERCRED this package needs.
type PeerCreds struct {
	UID uint32
	PID int32
}

// resolvePeerCreds reads SO_PEERCRED off a Unix domain connection.
func resolvePeerCreds(conn *net.UnixConn) (PeerCreds, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return PeerCreds{}, err
	}
	var ucred *unix.Ucred
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		ucred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return PeerCreds{}, err
	}
	if sockErr != nil {
		return PeerCreds{}, fmt.Errorf("ipc: getsockopt SO_PEERCRED: %w", sockErr)
	}
	return PeerCreds{UID: ucred.Uid, PID: ucred.Pid}, nil
}

// ResolveRole classifies a connection's peer: the service's own uid or
// root is Admin; any other local uid is Shell, unless observerEnabled is
// set, in which case non-Admin peers are demoted to the read-only
// Observer role (spec.md §4.7: "Observer (if configured)").
func ResolveRole(conn *net.UnixConn, serviceUID uint32, observerEnabled bool) (Role, PeerCreds, error) {
	creds, err := resolvePeerCreds(conn)
	if err != nil {
		return "", PeerCreds{}, err
	}
	if creds.UID == serviceUID || creds.UID == 0 {
		return RoleAdmin, creds, nil
	}
	if observerEnabled {
		return RoleObserver, creds, nil
	}
	return RoleShell, creds, nil
}

// adminOnly are commands only Admin may invoke regardless of
// configuration.
var adminOnly = map[CommandKind]bool{
	CmdReloadConfig: true,
}

// observerAllowed are the read-only commands Observer may invoke.
var observerAllowed = map[CommandKind]bool{
	CmdGetState:        true,
	CmdListEntries:     true,
	CmdSubscribeEvents: true,
	CmdGetHealth:       true,
	CmdGetVolume:       true,
}

// Allowed reports whether role may invoke kind at all. SetVolume above
// the configured cap is a separate, value-dependent check the service
// loop applies itself (spec.md §4.7: "everything except ReloadConfig and
// SetVolume above configured cap"), since this function has no access to
// the requested level or the current cap.
func Allowed(role Role, kind CommandKind) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleShell:
		return !adminOnly[kind]
	case RoleObserver:
		return observerAllowed[kind]
	default:
		return false
	}
}
