/**
 * CONTEXT:   Wires config -> logger -> store -> host -> engine -> ipc -> loop and owns their lifecycle
 * INPUT:     config.DaemonConfig and a loaded policy.Policy
 * OUTPUT:    A running service until Shutdown or a fatal error
 * BUSINESS:  This is cmd/shepherdd's entire main() body, factored out so it's testable without exec
 * CHANGE:    Initial implementation
 * RISK:      High - incorrect wiring order here can silently drop events or leak the socket file
 */

package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/parentkiosk/shepherdd/internal/clock"
	"github.com/parentkiosk/shepherdd/internal/config"
	"github.com/parentkiosk/shepherdd/internal/engine"
	"github.com/parentkiosk/shepherdd/internal/healthhttp"
	"github.com/parentkiosk/shepherdd/internal/host"
	"github.com/parentkiosk/shepherdd/internal/ipc"
	"github.com/parentkiosk/shepherdd/internal/logging"
	"github.com/parentkiosk/shepherdd/internal/policy"
	"github.com/parentkiosk/shepherdd/internal/store"
	"github.com/parentkiosk/shepherdd/pkg/events"
)

// Sentinel errors New wraps its failures in, so cmd/shepherdd can map
// them to the exit codes spec.md §6 defines (store open -> 2, socket
// bind -> 3) without string-matching error text.
var (
	ErrStoreOpen  = errors.New("service: store open failed")
	ErrSocketBind = errors.New("service: socket bind failed")
)

// Orchestrator owns every long-lived component's lifecycle: the store
// handle, the IPC listener, and the Loop goroutine. Grounded on the
// teacher's Orchestrator (New/Run/Shutdown, context+cancel lifecycle).
type Orchestrator struct {
	cfg    *config.DaemonConfig
	logger logging.Logger

	st      store.Store
	adapter host.Adapter
	eng     *engine.Engine
	server  *ipc.Server
	health  *healthhttp.Server
	loop    *Loop

	cancel context.CancelFunc
}

// New constructs every component and performs crash-recovery snapshot
// handling (spec.md §4.3 Open Questions: a session found in the
// snapshot at startup is immediately reported ended, never reattached).
func New(cfg *config.DaemonConfig, initialPolicy *policy.Policy, logger logging.Logger) (*Orchestrator, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("service: prepare data dir: %w", err)
	}

	sessionsDir := filepath.Join(cfg.DataDir, "sessions")
	if err := os.MkdirAll(sessionsDir, 0o750); err != nil {
		return nil, fmt.Errorf("service: prepare sessions dir: %w", err)
	}

	st, err := store.Open(store.DefaultConnectionConfig(filepath.Join(cfg.DataDir, "shepherdd.db")))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreOpen, err)
	}

	adapter := host.NewProcessAdapter(logger)
	caps := adapter.Capabilities()
	if !caps.CanObserveExit {
		st.Close()
		return nil, fmt.Errorf("service: host adapter lacks required CanObserveExit capability")
	}

	clk := clock.NewReal()

	eng := engine.New(initialPolicy, st, caps, clk, logger)

	if err := recoverSnapshot(st, eng, clk, logger); err != nil {
		logger.Warn("service: snapshot recovery failed (non-fatal)", "error", err)
	}

	serviceUID := uint32(os.Getuid())
	if cfg.AdminUID != nil {
		serviceUID = *cfg.AdminUID
	}
	server := ipc.NewServer(cfg.SocketPath, serviceUID, cfg.ObserverEnabled, cfg.RateLimitRPS, logger)
	if err := server.Listen(); err != nil {
		st.Close()
		return nil, fmt.Errorf("%w: %v", ErrSocketBind, err)
	}

	var health *healthhttp.Server
	if cfg.HealthAddr != "" {
		health = healthhttp.New(cfg.HealthAddr, logger)
		if err := health.Listen(); err != nil {
			server.Close()
			st.Close()
			return nil, fmt.Errorf("%w: %v", ErrSocketBind, err)
		}
	}

	loop := NewLoop(eng, st, adapter, server, health, clk, cfg.PolicyPath, 100, sessionsDir, cfg.CaptureSessionOutput, logger)

	return &Orchestrator{
		cfg:     cfg,
		logger:  logger,
		st:      st,
		adapter: adapter,
		eng:     eng,
		server:  server,
		health:  health,
		loop:    loop,
	}, nil
}

// Run blocks serving IPC connections and processing the event loop until
// ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	serveErr := make(chan error, 1)
	go func() { serveErr <- o.server.Serve(ctx) }()

	if o.health != nil {
		go func() {
			if err := o.health.Serve(); err != nil {
				o.logger.Error("healthhttp: serve failed", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			o.health.Close()
		}()
	}

	loopErr := make(chan error, 1)
	go func() { loopErr <- o.loop.Run(ctx) }()

	select {
	case err := <-loopErr:
		cancel()
		<-serveErr
		return err
	case err := <-serveErr:
		cancel()
		<-loopErr
		return err
	}
}

// Shutdown cancels the run context and closes the store/socket.
func (o *Orchestrator) Shutdown() error {
	if o.cancel != nil {
		o.cancel()
	}
	var firstErr error
	if err := o.server.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if o.health != nil {
		if err := o.health.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := o.st.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// recoverSnapshot implements Open Question 2: a session present in the
// last snapshot at startup never reattaches to a host handle — it is
// immediately reported Ended{ServiceRestarted} and the snapshot cleared.
func recoverSnapshot(st store.Store, eng *engine.Engine, clk clock.Clock, logger logging.Logger) error {
	snap, err := st.LoadSnapshot()
	if err != nil {
		return err
	}
	if snap.ActiveSession == nil {
		return nil
	}

	logger.Warn("service: recovered a session that was active at last shutdown, reporting it ended",
		"session_id", snap.ActiveSession.SessionID, "entry_id", snap.ActiveSession.EntryID)

	now := clk.Now()
	ev := events.NewSessionEnded(now, snap.ActiveSession.SessionID, snap.ActiveSession.EntryID, events.ReasonServiceRestarted)
	if _, err := st.AppendAudit(ev); err != nil {
		logger.Error("service: failed to audit recovered session end", "error", err)
	}
	return st.SaveSnapshot(store.Snapshot{Timestamp: now})
}
