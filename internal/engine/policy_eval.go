/**
 * CONTEXT:   Policy evaluation — computing whether an entry may be launched right now
 * INPUT:     A policy entry, the current engine session (if any), store usage/cooldown, host capabilities
 * OUTPUT:    EntryView{enabled, reasons[], max_run_if_started_now?}
 * BUSINESS:  UIs need every failing reason at once to explain combined unavailability, not just the first
 * CHANGE:    Initial implementation
 * RISK:      Medium - incorrect evaluation either blocks legitimate launches or lets budgets be bypassed
 */

package engine

import (
	"time"

	"github.com/parentkiosk/shepherdd/internal/ids"
	"github.com/parentkiosk/shepherdd/internal/policy"
	"github.com/parentkiosk/shepherdd/internal/store"
)

// ReasonKind enumerates why an entry is currently disabled, per spec.md §6.
type ReasonKind string

const (
	ReasonUnsupportedKind  ReasonKind = "unsupported_kind"
	ReasonDisabled         ReasonKind = "disabled"
	ReasonOutsideWindow    ReasonKind = "outside_time_window"
	ReasonSessionActive    ReasonKind = "session_active"
	ReasonCooldownActive   ReasonKind = "cooldown_active"
	ReasonQuotaExhausted   ReasonKind = "quota_exhausted"
)

// Reason carries a ReasonKind plus whichever of its fields apply.
type Reason struct {
	Kind ReasonKind

	NextWindowStart *time.Time    // OutsideTimeWindow
	ActiveEntryID   ids.EntryId   // SessionActive
	RemainingSecs   int64         // SessionActive
	AvailableAt     time.Time     // CooldownActive
	UsedSecs        int64         // QuotaExhausted
	QuotaSecs       int64         // QuotaExhausted
}

// EntryView is the per-entry result of evaluating policy against now.
type EntryView struct {
	EntryID            ids.EntryId
	Enabled            bool
	Reasons            []Reason
	MaxRunIfStartedNow *time.Duration
}

// Evaluate runs the six checks of spec.md §4.4 against entry without
// short-circuiting: every failing check is reported.
func (e *Engine) Evaluate(entry policy.Entry, now time.Time) EntryView {
	view := EntryView{EntryID: entry.ID}

	// 1. Kind support.
	if !e.hostCaps.Supports(entry.Kind.Tag) {
		view.Reasons = append(view.Reasons, Reason{Kind: ReasonUnsupportedKind})
	}

	// 2. Disabled.
	if entry.Disabled {
		view.Reasons = append(view.Reasons, Reason{Kind: ReasonDisabled})
	}

	// 3. Time window.
	if !entry.Availability.IsAvailable(now) {
		view.Reasons = append(view.Reasons, Reason{
			Kind:            ReasonOutsideWindow,
			NextWindowStart: entry.Availability.NextWindowStart(now),
		})
	}

	// 4. Active session (any non-Ended session of any entry blocks launches,
	// per spec.md invariant 1: at most one session is non-Ended at a time).
	if e.session != nil && e.session.State != StateEnded {
		view.Reasons = append(view.Reasons, Reason{
			Kind:          ReasonSessionActive,
			ActiveEntryID: e.session.EntryID,
			RemainingSecs: e.session.remainingSecs(e.clock.Mono()),
		})
	}

	// 5. Cooldown.
	cooldownUntil, err := e.store.GetCooldownUntil(entry.ID)
	if err != nil {
		e.logger.Warn("store: get cooldown failed, treating as no cooldown", "entry_id", entry.ID, "error", err)
	} else if cooldownUntil.After(now) {
		view.Reasons = append(view.Reasons, Reason{Kind: ReasonCooldownActive, AvailableAt: cooldownUntil})
	}

	// 6. Quota.
	var used time.Duration
	if entry.Limits.DailyQuota != nil {
		u, err := e.store.GetUsage(entry.ID, store.DayOf(now))
		if err != nil {
			// A read failure here must not silently allow unlimited play:
			// spec.md §7 requires treating it as max-used to refuse launches.
			e.logger.Warn("store: get usage failed, treating as quota exhausted", "entry_id", entry.ID, "error", err)
			u = *entry.Limits.DailyQuota
		}
		used = u
		if used >= *entry.Limits.DailyQuota {
			view.Reasons = append(view.Reasons, Reason{
				Kind:      ReasonQuotaExhausted,
				UsedSecs:  int64(used.Seconds()),
				QuotaSecs: int64(entry.Limits.DailyQuota.Seconds()),
			})
		}
	}

	view.Enabled = len(view.Reasons) == 0
	view.MaxRunIfStartedNow = effectiveMaxRun(entry, now, used)
	return view
}

// effectiveMaxRun computes min(max_run, window_end-now, daily_quota-used)
// over whichever of those are set, per spec.md §4.4.
func effectiveMaxRun(entry policy.Entry, now time.Time, used time.Duration) *time.Duration {
	var best *time.Duration

	consider := func(d time.Duration) {
		if best == nil || d < *best {
			v := d
			best = &v
		}
	}

	if entry.Limits.MaxRun != nil {
		consider(*entry.Limits.MaxRun)
	}
	if end := entry.Availability.CurrentWindowEnd(now); end != nil {
		consider(end.Sub(now))
	}
	if entry.Limits.DailyQuota != nil {
		consider(*entry.Limits.DailyQuota - used)
	}

	if best != nil && *best < 0 {
		zero := time.Duration(0)
		best = &zero
	}
	return best
}

// ListEntries evaluates every entry in the current policy against now.
func (e *Engine) ListEntries(now time.Time) []EntryView {
	entries := e.policy.Entries()
	views := make([]EntryView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, e.Evaluate(entry, now))
	}
	return views
}
