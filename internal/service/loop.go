/**
 * CONTEXT:   The single event processor merging every source of engine work
 * INPUT:     IPC inbound requests, host exit events, a 100ms ticker, reload/shutdown signals
 * OUTPUT:    Engine state transitions, audit persistence, IPC responses and event broadcast
 * BUSINESS:  spec.md §5/§9: the engine is owned exclusively by this one goroutine, no locks needed
 * CHANGE:    Initial implementation
 * RISK:      High - this loop is the only place that calls the engine; a stuck branch here stalls the whole service
 */

package service

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/parentkiosk/shepherdd/internal/clock"
	"github.com/parentkiosk/shepherdd/internal/engine"
	"github.com/parentkiosk/shepherdd/internal/healthhttp"
	"github.com/parentkiosk/shepherdd/internal/host"
	"github.com/parentkiosk/shepherdd/internal/ids"
	"github.com/parentkiosk/shepherdd/internal/ipc"
	"github.com/parentkiosk/shepherdd/internal/logging"
	"github.com/parentkiosk/shepherdd/internal/policy"
	"github.com/parentkiosk/shepherdd/internal/store"
	"github.com/parentkiosk/shepherdd/pkg/events"
)

const tickInterval = 100 * time.Millisecond

// Loop owns the Engine exclusively; every method that touches engine
// state runs on Loop.Run's goroutine. Grounded on the teacher's
// StateCoordinator.processStateChanges select-loop shape, generalized
// from one internal channel to the full set spec.md §4.8 names.
type Loop struct {
	engine     *engine.Engine
	store      store.Store
	host       host.Adapter
	ipc        *ipc.Server
	health     *healthhttp.Server
	clk        clock.Clock
	policyPath string
	logger     logging.Logger
	startedAt  time.Time

	sessionsDir   string
	captureOutput bool

	done         chan struct{}
	spawnResults chan spawnResult
	lastAuditSeq int64
	volume       int
	volumeCap    int
}

// spawnResult is fed back from executeSpawn (running off-loop, per
// spec.md §9's "spawn is a suspension point") into Run's select so
// CompleteLaunch/FailLaunch are only ever called from the loop goroutine.
type spawnResult struct {
	sessionID ids.SessionId
	handle    host.SessionHandle
	err       error
}

// NewLoop constructs a Loop wiring the already-built Engine to its IPC
// server and host adapter. policyPath is used only by ReloadConfig to
// re-read policy from disk. volumeCap bounds SetVolume for non-Admin
// peers, per spec.md §4.7. sessionsDir is the persisted-state "sessions
// log subdirectory" of spec.md §6; captureOutput gates whether spawned
// sessions have their stdout/stderr captured there at all.
func NewLoop(eng *engine.Engine, st store.Store, h host.Adapter, server *ipc.Server, health *healthhttp.Server, clk clock.Clock, policyPath string, volumeCap int, sessionsDir string, captureOutput bool, logger logging.Logger) *Loop {
	return &Loop{
		engine:        eng,
		store:         st,
		host:          h,
		ipc:           server,
		health:        health,
		clk:           clk,
		policyPath:    policyPath,
		volumeCap:     volumeCap,
		sessionsDir:   sessionsDir,
		captureOutput: captureOutput,
		logger:        logger,
		startedAt:     clk.Now(),
		done:          make(chan struct{}),
		spawnResults:  make(chan spawnResult, 4),
	}
}

// Run merges IPC requests, host exit events, the 100ms ticker and
// SIGHUP/SIGTERM/SIGINT into one select, per spec.md §4.8 and §5. It
// blocks until ctx is cancelled or a termination signal arrives, then
// performs the bounded-grace shutdown of spec.md §4.8.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sig)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	hostEvents := l.host.Subscribe()
	inbound := l.ipc.Inbound()

	l.publishHealth()

	for {
		select {
		case <-ctx.Done():
			return l.gracefulShutdown()

		case s := <-sig:
			switch s {
			case syscall.SIGHUP:
				l.handleReload()
			default:
				return l.gracefulShutdown()
			}

		case req := <-inbound:
			l.handleRequest(req)

		case ev := <-hostEvents:
			l.handleHostEvent(ev)

		case res := <-l.spawnResults:
			l.handleSpawnResult(res)

		case <-ticker.C:
			result := l.engine.Tick(l.clk.Mono(), l.clk.Now())
			l.emit(result.Events...)
			if result.Stop != nil {
				go l.executeStop(*result.Stop)
			}
			l.publishHealth()
		}
	}
}

// publishHealth pushes a fresh snapshot to the loopback HTTP surface. It
// is cheap enough to call on every tick (100ms) since it only reads
// already-in-memory engine/store state.
func (l *Loop) publishHealth() {
	if l.health == nil {
		return
	}
	_, active := l.engine.CurrentSession(l.clk.Mono())
	activeCount := 0
	if active {
		activeCount = 1
	}
	l.health.Update(healthhttp.Status{
		Healthy:        true,
		StartedAt:      l.startedAt,
		ActiveSessions: activeCount,
		PolicyEntries:  l.engine.PolicyEntryCount(),
		AuditSeq:       l.lastAuditSeq,
		StoreHealthy:   l.store.IsHealthy(),
	})
}

// Done is closed once Run has returned, for callers that drive
// cancellation from outside (e.g. the CLI's signal handling delegates
// entirely to Run itself, but tests may want to observe completion).
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) handleHostEvent(ev host.Event) {
	now := l.clk.Now()
	switch {
	case ev.Exited != nil:
		sessionID := ev.Exited.Handle.SessionID()
		if evOut, ok := l.engine.NotifySessionExited(sessionID, now); ok {
			l.emit(evOut)
			l.saveSnapshot(now)
		}
	case ev.SpawnFailed != nil:
		if evOut, err := l.engine.FailLaunch(ev.SpawnFailed.SessionID, now); err == nil {
			l.emit(evOut)
		}
	case ev.WindowReady != nil:
		l.logger.Debug("host: window ready", "session_id", ev.WindowReady.Handle.SessionID())
	}
}

func (l *Loop) handleSpawnResult(res spawnResult) {
	now := l.clk.Now()
	if res.err != nil {
		l.logger.Error("host: spawn failed", "session_id", res.sessionID, "error", res.err)
		if evOut, err := l.engine.FailLaunch(res.sessionID, now); err == nil {
			l.emit(evOut)
		}
		return
	}
	if evOut, err := l.engine.CompleteLaunch(res.sessionID, res.handle, now); err == nil {
		l.emit(evOut)
		l.saveSnapshot(now)
	}
}

func (l *Loop) executeStop(cmd engine.StopCommand) {
	ctx, cancel := context.WithTimeout(context.Background(), cmd.Mode.Timeout+5*time.Second)
	defer cancel()
	if err := l.host.Stop(ctx, cmd.Handle, cmd.Mode); err != nil {
		l.logger.Error("host: stop failed", "error", err)
	}
}

func (l *Loop) handleReload() {
	now := l.clk.Now()
	p, verrs, err := policy.Load(l.policyPath)
	if err != nil {
		l.logger.Error("policy reload failed, retaining previous policy", "error", err)
		return
	}
	if len(verrs) > 0 {
		l.logger.Error("policy reload failed validation, retaining previous policy", "error_count", len(verrs))
		return
	}
	ev := l.engine.ReloadPolicy(p, now)
	l.auditAndEmit(ev)
}

func (l *Loop) saveSnapshot(now time.Time) {
	if err := l.store.SaveSnapshot(l.engine.CurrentSnapshot(now)); err != nil {
		l.logger.Warn("store: save snapshot failed (non-fatal)", "error", err)
	}
}

// emit persists every event to the audit log synchronously, in order,
// before broadcasting — spec.md §7: "Every decision... is appended to
// the audit log synchronously before the response is sent."
func (l *Loop) emit(evs ...events.Event) {
	for _, ev := range evs {
		l.auditAndEmit(ev)
	}
}

func (l *Loop) auditAndEmit(ev events.Event) {
	if seq, err := l.store.AppendAudit(ev); err != nil {
		l.logger.Error("store: append audit failed", "error", err, "event_type", ev.Type)
	} else {
		l.lastAuditSeq = seq
	}
	l.ipc.Broadcaster().Publish(ev, func(client ids.ClientId) {
		l.logger.Warn("ipc: dropped slow subscriber", "client_id", client)
		dropEv := events.StateChanged(l.clk.Now())
		if _, err := l.store.AppendAudit(dropEv); err != nil {
			l.logger.Error("store: append audit failed for subscriber drop", "error", err)
		}
	})
}

// gracefulShutdown issues a bounded graceful stop for any in-flight
// session, waits for its exit, persists usage, then returns. spec.md
// §4.8: "if a session is running, issue graceful stop with a bounded
// timeout (e.g. 5s), wait for exit, persist usage, exit."
func (l *Loop) gracefulShutdown() error {
	const shutdownGrace = 5 * time.Second

	now := l.clk.Now()
	if _, ok := l.engine.CurrentSession(l.clk.Mono()); ok {
		if cmd, err := l.engine.StopCurrent(events.ReasonAdminStop, host.Graceful(shutdownGrace), now); err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace+2*time.Second)
			stopErr := l.host.Stop(ctx, cmd.Handle, cmd.Mode)
			cancel()
			if stopErr != nil {
				l.logger.Error("host: shutdown stop failed", "error", stopErr)
			}

			drain := time.NewTimer(shutdownGrace + 2*time.Second)
			defer drain.Stop()
		waitExit:
			for {
				select {
				case ev := <-l.host.Subscribe():
					if ev.Exited != nil {
						if evOut, ok := l.engine.NotifySessionExited(ev.Exited.Handle.SessionID(), l.clk.Now()); ok {
							l.emit(evOut)
						}
						break waitExit
					}
				case <-drain.C:
					break waitExit
				}
			}
		}
	}

	l.saveSnapshot(l.clk.Now())
	return nil
}
