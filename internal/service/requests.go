/**
 * CONTEXT:   Translates one decoded IPC request into engine calls and a ResponseFrame
 * INPUT:     ipc.InboundRequest (already role-checked and rate-limited by the server)
 * OUTPUT:    Exactly one ResponseFrame sent on req.Reply
 * BUSINESS:  spec.md §4.7's command set, each backed by the single Engine this loop owns
 * CHANGE:    Initial implementation
 * RISK:      Medium - must always reply exactly once or a client's request hangs forever
 */

package service

import (
	"context"
	"path/filepath"
	"time"

	"github.com/parentkiosk/shepherdd/internal/engine"
	"github.com/parentkiosk/shepherdd/internal/host"
	"github.com/parentkiosk/shepherdd/internal/ipc"
	"github.com/parentkiosk/shepherdd/internal/policy"
	"github.com/parentkiosk/shepherdd/pkg/events"
)

func (l *Loop) handleRequest(req ipc.InboundRequest) {
	cmd := req.Frame.Command
	id := req.Frame.ID

	var resp ipc.ResponseFrame
	switch cmd.Kind {
	case ipc.CmdGetState:
		resp = l.handleGetState(id)
	case ipc.CmdListEntries:
		resp = l.handleListEntries(id, cmd)
	case ipc.CmdLaunch:
		resp = l.handleLaunch(id, cmd)
	case ipc.CmdStopCurrent:
		resp = l.handleStopCurrent(id, req.Role, cmd)
	case ipc.CmdReloadConfig:
		resp = l.handleReloadConfig(id)
	case ipc.CmdGetHealth:
		resp = l.handleGetHealth(id)
	case ipc.CmdGetVolume:
		resp = ipc.OK(id, volumeStatePayload{Level: l.volume})
	case ipc.CmdSetVolume:
		resp = l.handleSetVolume(id, req.Role, cmd)
	default:
		resp = ipc.Fail(id, ipc.ErrKindProtocol, "unknown command kind")
	}

	select {
	case req.Reply <- resp:
	default:
		l.logger.Warn("ipc: reply channel not ready, dropping response", "client_id", req.ClientID)
	}
}

type statePayload struct {
	Session *sessionPayload `json:"session,omitempty"`
}

type sessionPayload struct {
	SessionID     string `json:"session_id"`
	EntryID       string `json:"entry_id"`
	State         string `json:"state"`
	RemainingSecs int64  `json:"remaining_secs"`
}

func (l *Loop) handleGetState(id int) ipc.ResponseFrame {
	view, ok := l.engine.CurrentSession(l.clk.Mono())
	if !ok {
		return ipc.OK(id, statePayload{})
	}
	return ipc.OK(id, statePayload{Session: &sessionPayload{
		SessionID:     string(view.SessionID),
		EntryID:       string(view.EntryID),
		State:         string(view.State),
		RemainingSecs: view.RemainingSecs,
	}})
}

type entryViewPayload struct {
	EntryID            string         `json:"entry_id"`
	Enabled            bool           `json:"enabled"`
	Reasons            []reasonPayload `json:"reasons"`
	MaxRunIfStartedNow *int64         `json:"max_run_if_started_now_secs,omitempty"`
}

type reasonPayload struct {
	Kind            string     `json:"kind"`
	NextWindowStart *time.Time `json:"next_window_start,omitempty"`
	ActiveEntryID   string     `json:"entry_id,omitempty"`
	RemainingSecs   int64      `json:"remaining_secs,omitempty"`
	AvailableAt     *time.Time `json:"available_at,omitempty"`
	UsedSecs        int64      `json:"used_secs,omitempty"`
	QuotaSecs       int64      `json:"quota_secs,omitempty"`
}

func (l *Loop) handleListEntries(id int, cmd ipc.Command) ipc.ResponseFrame {
	now := l.clk.Now()
	if cmd.At != nil {
		now = *cmd.At
	}
	views := l.engine.ListEntries(now)

	payload := make([]entryViewPayload, 0, len(views))
	for _, v := range views {
		p := entryViewPayload{EntryID: string(v.EntryID), Enabled: v.Enabled}
		if v.MaxRunIfStartedNow != nil {
			s := int64(v.MaxRunIfStartedNow.Seconds())
			p.MaxRunIfStartedNow = &s
		}
		for _, r := range v.Reasons {
			p.Reasons = append(p.Reasons, reasonToPayload(r))
		}
		payload = append(payload, p)
	}
	return ipc.OK(id, payload)
}

func (l *Loop) handleLaunch(id int, cmd ipc.Command) ipc.ResponseFrame {
	now := l.clk.Now()
	mono := l.clk.Mono()

	plan, reasons, err := l.engine.RequestLaunch(cmd.EntryID, now, mono)
	if err == engine.ErrUnknownEntry {
		return ipc.Fail(id, ipc.ErrKindNotFound, "unknown entry id")
	}
	if len(reasons) > 0 {
		return ipc.OK(id, launchDeniedPayload{Denied: true, Reasons: reasonsToPayload(reasons)})
	}

	go l.executeSpawn(*plan)
	return ipc.OK(id, launchDeniedPayload{Denied: false, SessionID: string(plan.SessionID)})
}

type launchDeniedPayload struct {
	Denied    bool            `json:"denied"`
	SessionID string          `json:"session_id,omitempty"`
	Reasons   []reasonPayload `json:"reasons,omitempty"`
}

func reasonsToPayload(reasons []engine.Reason) []reasonPayload {
	out := make([]reasonPayload, 0, len(reasons))
	for _, r := range reasons {
		out = append(out, reasonToPayload(r))
	}
	return out
}

// reasonToPayload maps one engine.Reason onto its wire shape. Only the
// fields relevant to Kind are populated, matching spec.md §6's per-reason
// payload variants.
func reasonToPayload(r engine.Reason) reasonPayload {
	rp := reasonPayload{Kind: string(r.Kind)}
	if r.NextWindowStart != nil {
		rp.NextWindowStart = r.NextWindowStart
	}
	if r.ActiveEntryID != "" {
		rp.ActiveEntryID = string(r.ActiveEntryID)
		rp.RemainingSecs = r.RemainingSecs
	}
	if !r.AvailableAt.IsZero() {
		t := r.AvailableAt
		rp.AvailableAt = &t
	}
	if r.UsedSecs != 0 || r.QuotaSecs != 0 {
		rp.UsedSecs = r.UsedSecs
		rp.QuotaSecs = r.QuotaSecs
	}
	return rp
}

// executeSpawn runs host.Spawn off the loop's goroutine (spec.md §9:
// spawn is a suspension point) and feeds the result back in as a
// synchronous engine call. It cannot be called from within Run's select,
// only dispatched from it — see internal/engine/engine.go's doc comment
// on why the engine never owns host.Adapter directly.
func (l *Loop) executeSpawn(plan engine.SessionPlan) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	opts := host.SpawnOptions{}
	if l.captureOutput {
		opts.CaptureOutput = true
		opts.LogPath = filepath.Join(l.sessionsDir, string(plan.SessionID)+".log")
	}

	handle, err := l.host.Spawn(ctx, plan.SessionID, plan.Entry.Kind, opts)
	if err != nil {
		l.spawnResults <- spawnResult{sessionID: plan.SessionID, err: err}
		return
	}
	l.spawnResults <- spawnResult{sessionID: plan.SessionID, handle: handle}
}

func (l *Loop) handleStopCurrent(id int, role ipc.Role, cmd ipc.Command) ipc.ResponseFrame {
	now := l.clk.Now()
	mode := host.Force()
	if cmd.Mode == "graceful" {
		mode = host.Graceful(5 * time.Second)
	}
	reason := events.ReasonUserStop
	if role == ipc.RoleAdmin {
		reason = events.ReasonAdminStop
	}
	stopCmd, err := l.engine.StopCurrent(reason, mode, now)
	if err == engine.ErrNoActiveSession {
		return ipc.Fail(id, ipc.ErrKindNoSession, "no active session")
	}
	go l.executeStop(*stopCmd)
	return ipc.OK(id, nil)
}

func (l *Loop) handleReloadConfig(id int) ipc.ResponseFrame {
	now := l.clk.Now()
	p, verrs, err := policy.Load(l.policyPath)
	if err != nil {
		return ipc.Fail(id, ipc.ErrKindConfig, "policy reload failed: "+err.Error())
	}
	if len(verrs) > 0 {
		return ipc.Fail(id, ipc.ErrKindConfig, "policy reload failed validation: "+verrs[0].Error())
	}
	ev := l.engine.ReloadPolicy(p, now)
	l.auditAndEmit(ev)
	return ipc.OK(id, ev.PolicyReloaded)
}

type healthPayload struct {
	Healthy    bool  `json:"healthy"`
	UptimeSecs int64 `json:"uptime_secs"`
}

func (l *Loop) handleGetHealth(id int) ipc.ResponseFrame {
	return ipc.OK(id, healthPayload{
		Healthy:    l.store.IsHealthy(),
		UptimeSecs: int64(l.clk.Now().Sub(l.startedAt).Seconds()),
	})
}

type volumeStatePayload struct {
	Level int `json:"level"`
}

func (l *Loop) handleSetVolume(id int, role ipc.Role, cmd ipc.Command) ipc.ResponseFrame {
	if role != ipc.RoleAdmin && cmd.Level > l.volumeCap {
		return ipc.Fail(id, ipc.ErrKindDenied, "volume level above configured cap for this role")
	}
	l.volume = cmd.Level
	l.auditAndEmit(events.NewVolumeChanged(l.clk.Now(), l.volume))
	return ipc.OK(id, volumeStatePayload{Level: l.volume})
}
