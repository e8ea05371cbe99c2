// Package host is the capability-declaring interface between the engine
// and the platform: spawning a session, killing its process tree
// (graceful-then-force), and reporting exits on a single event stream.
// spec.md §4.3 models capabilities as a value, not a trait of variable
// behavior — the engine inspects Capabilities once at startup rather than
// probing the adapter per call.
package host

import (
	"context"
	"time"

	"github.com/parentkiosk/shepherdd/internal/ids"
	"github.com/parentkiosk/shepherdd/internal/policy"
)

// Capabilities declares what an Adapter can do. service.New rejects any
// adapter with CanObserveExit false (spec.md §4.3), and the engine
// filters entry listings by SupportedKinds.
type Capabilities struct {
	SupportedKinds       map[policy.KindTag]bool
	CanGracefulStop      bool
	CanKillForcefully    bool
	CanGroupProcessTree  bool
	CanObserveExit       bool
	CanObserveWindowReady bool
	CanForceForeground   bool
	CanForceFullscreen   bool
}

// Supports reports whether kind is in SupportedKinds.
func (c Capabilities) Supports(kind policy.KindTag) bool {
	return c.SupportedKinds[kind]
}

// SessionHandle is opaque to the engine; it need not survive a process
// restart of shepherdd itself.
type SessionHandle interface {
	// SessionID identifies which engine session this handle backs, purely
	// for logging/debugging — the engine never derives behavior from it.
	SessionID() ids.SessionId
}

// SpawnOptions carries launch-time knobs that aren't part of the policy
// entry itself.
type SpawnOptions struct {
	CaptureOutput bool
	LogPath       string // where stdout/stderr are captured, if CaptureOutput
}

// StopMode selects how Stop terminates a session.
type StopMode struct {
	Graceful bool
	Timeout  time.Duration // only meaningful when Graceful
}

// Graceful builds a StopMode that asks the session to shut down, falling
// back to forceful termination after timeout.
func Graceful(timeout time.Duration) StopMode { return StopMode{Graceful: true, Timeout: timeout} }

// Force builds a StopMode that terminates unconditionally.
func Force() StopMode { return StopMode{Graceful: false} }

// ExitStatus describes how a session's host process concluded.
type ExitStatus struct {
	ExitCode int
	Signaled bool
}

// Event is the tagged union emitted on Adapter.Subscribe's stream.
type Event struct {
	Exited       *ExitedEvent
	SpawnFailed  *SpawnFailedEvent
	WindowReady  *WindowReadyEvent
}

type ExitedEvent struct {
	Handle SessionHandle
	Status ExitStatus
}

type SpawnFailedEvent struct {
	SessionID ids.SessionId
	Err       error
}

type WindowReadyEvent struct {
	Handle SessionHandle
}

// Adapter spawns and terminates platform activities and reports their
// exits. The engine depends only on this interface and Capabilities; a
// single implementation (ProcessAdapter, process.go) is required by spec.md §4.3.
type Adapter interface {
	Capabilities() Capabilities

	// Spawn launches kind under session and must, within bounded time,
	// begin delivering exit notifications for the returned handle on
	// Subscribe's stream.
	Spawn(ctx context.Context, session ids.SessionId, kind policy.Kind, opts SpawnOptions) (SessionHandle, error)

	// Stop terminates handle according to mode. With CanGroupProcessTree,
	// implementations must stop the whole process tree, not just the
	// leader.
	Stop(ctx context.Context, handle SessionHandle, mode StopMode) error

	// Subscribe returns the adapter's single multi-producer event stream.
	// It is safe to call once; the same channel is shared by all callers
	// for the adapter's lifetime.
	Subscribe() <-chan Event
}
