/**
 * CONTEXT:   OS-process host adapter — the one platform implementation spec.md §4.3 requires
 * INPUT:     policy.ProcessKind launch requests and StopMode termination requests
 * OUTPUT:    Running child processes, exit notifications on a shared channel
 * BUSINESS:  Kiosk activities are plain OS processes; the whole process group must die on stop
 * CHANGE:    Initial implementation
 * RISK:      High - a leaked or un-killed process group defeats the entire time-enforcement design
 */

package host

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/parentkiosk/shepherdd/internal/ids"
	"github.com/parentkiosk/shepherdd/internal/logging"
	"github.com/parentkiosk/shepherdd/internal/policy"
)

// processHandle is the concrete SessionHandle for the process adapter.
type processHandle struct {
	sessionID ids.SessionId
	pgid      int
	cmd       *exec.Cmd
}

func (h *processHandle) SessionID() ids.SessionId { return h.sessionID }

// ProcessAdapter launches policy.ProcessKind entries as plain OS
// processes, each in its own process group so Stop can reach every
// descendant (spec.md: can_group_process_tree).
type ProcessAdapter struct {
	logger logging.Logger
	events chan Event

	mu       sync.Mutex
	handles  map[ids.SessionId]*processHandle
}

// NewProcessAdapter constructs a ProcessAdapter. The returned adapter's
// event channel is unbounded in the sense that it is buffered generously
// (spec.md requires the engine be notified "within bounded time"; a full
// channel would itself violate that, so the buffer is sized well above
// any realistic concurrent-exit burst for a single-session supervisor).
func NewProcessAdapter(logger logging.Logger) *ProcessAdapter {
	return &ProcessAdapter{
		logger:  logger,
		events:  make(chan Event, 32),
		handles: make(map[ids.SessionId]*processHandle),
	}
}

func (a *ProcessAdapter) Capabilities() Capabilities {
	return Capabilities{
		SupportedKinds: map[policy.KindTag]bool{
			policy.KindProcess: true,
		},
		CanGracefulStop:     true,
		CanKillForcefully:   true,
		CanGroupProcessTree: true,
		CanObserveExit:      true,
	}
}

func (a *ProcessAdapter) Spawn(ctx context.Context, session ids.SessionId, kind policy.Kind, opts SpawnOptions) (SessionHandle, error) {
	if kind.Tag != policy.KindProcess || kind.Process == nil {
		return nil, fmt.Errorf("process adapter: unsupported kind %q", kind.Tag)
	}
	if len(kind.Process.Argv) == 0 {
		return nil, fmt.Errorf("process adapter: empty argv")
	}

	cmd := exec.Command(kind.Process.Argv[0], kind.Process.Argv[1:]...)
	cmd.Dir = kind.Process.Cwd
	cmd.Env = os.Environ()
	for k, v := range kind.Process.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.SysProcAttr = setpgidAttr()

	if opts.CaptureOutput && opts.LogPath != "" {
		f, err := os.OpenFile(opts.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("process adapter: open log file: %w", err)
		}
		cmd.Stdout = f
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("process adapter: start: %w", err)
	}

	h := &processHandle{sessionID: session, pgid: cmd.Process.Pid, cmd: cmd}

	a.mu.Lock()
	a.handles[session] = h
	a.mu.Unlock()

	go a.wait(h)

	return h, nil
}

func (a *ProcessAdapter) wait(h *processHandle) {
	err := h.cmd.Wait()

	status := ExitStatus{}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			status.ExitCode = exitErr.ExitCode()
			status.Signaled = exitErr.ExitCode() == -1
		} else {
			status.ExitCode = -1
		}
	}

	a.mu.Lock()
	delete(a.handles, h.sessionID)
	a.mu.Unlock()

	select {
	case a.events <- Event{Exited: &ExitedEvent{Handle: h, Status: status}}:
	default:
		a.logger.Warn("host event channel full, dropping exit notification", "session_id", h.sessionID)
	}
}

// Stop delivers SIGTERM to the whole process group for Graceful, waiting
// up to mode.Timeout before escalating to SIGKILL; Force skips straight
// to SIGKILL.
func (a *ProcessAdapter) Stop(ctx context.Context, handle SessionHandle, mode StopMode) error {
	h, ok := handle.(*processHandle)
	if !ok {
		return fmt.Errorf("process adapter: foreign handle type %T", handle)
	}

	if mode.Graceful {
		if err := unix.Kill(-h.pgid, unix.SIGTERM); err != nil && err != unix.ESRCH {
			a.logger.Warn("graceful stop signal failed", "session_id", h.sessionID, "error", err)
		}

		timer := time.NewTimer(mode.Timeout)
		defer timer.Stop()

		done := make(chan struct{})
		go func() {
			a.mu.Lock()
			_, stillRunning := a.handles[h.sessionID]
			a.mu.Unlock()
			for stillRunning {
				select {
				case <-timer.C:
					close(done)
					return
				case <-time.After(50 * time.Millisecond):
				}
				a.mu.Lock()
				_, stillRunning = a.handles[h.sessionID]
				a.mu.Unlock()
			}
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}

		a.mu.Lock()
		_, stillRunning := a.handles[h.sessionID]
		a.mu.Unlock()
		if !stillRunning {
			return nil
		}
	}

	if err := unix.Kill(-h.pgid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		return fmt.Errorf("process adapter: force kill: %w", err)
	}
	return nil
}

func (a *ProcessAdapter) Subscribe() <-chan Event {
	return a.events
}
