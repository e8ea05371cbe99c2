package engine

import (
	"time"

	"github.com/parentkiosk/shepherdd/internal/policy"
	"github.com/parentkiosk/shepherdd/pkg/events"
)

// ReloadPolicy swaps in an already-validated Policy. Per spec.md §4.6 an
// in-flight session keeps the Entry snapshot it captured at launch, so
// swapping e.policy here never alters a running session's availability
// window, limits or warning schedule — only future RequestLaunch/
// Evaluate calls see the new policy.
func (e *Engine) ReloadPolicy(p *policy.Policy, now time.Time) events.Event {
	e.policy = p
	return events.NewPolicyReloaded(now, p.Count())
}
