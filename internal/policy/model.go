// Package policy holds the validated in-memory representation of what a
// kiosk is allowed to run: entries, their availability windows, their
// time/quota limits and their warning schedule. Policy values are produced
// externally (config file, admin reload) and are immutable once built —
// the engine only ever sees a Policy through New, which validates once.
package policy

import (
	"time"

	"github.com/parentkiosk/shepherdd/internal/ids"
)

// KindTag identifies the launch mechanism an Entry uses, independent of
// any particular host adapter's support for it.
type KindTag string

const (
	KindProcess KindTag = "process"
	KindSnap    KindTag = "snap"
	KindVm      KindTag = "vm"
	KindMedia   KindTag = "media"
	KindCustom  KindTag = "custom"
)

// Kind is a tagged union over the ways an Entry may be launched. Exactly
// one of the typed fields is populated, matching Tag.
type Kind struct {
	Tag KindTag

	Process *ProcessKind
	Snap    *SnapKind
	Vm      *VmKind
	Media   *MediaKind
	Custom  *CustomKind
}

// ProcessKind launches a plain OS process.
type ProcessKind struct {
	Argv []string
	Env  map[string]string
	Cwd  string
}

// SnapKind launches a packaged snap application.
type SnapKind struct {
	Name string
	Args []string
	Env  map[string]string
}

// VmKind launches a virtual machine via a named driver (e.g. "qemu").
type VmKind struct {
	Driver string
	Args   []string
}

// MediaKind launches a media library item (e.g. Kodi/Jellyfin playback).
type MediaKind struct {
	Library string
	Args    []string
}

// CustomKind is an escape hatch for host-adapter-specific launch schemes
// that don't fit the other four tags. Payload is opaque to the engine.
type CustomKind struct {
	Type    string
	Payload map[string]string
}

// DayMask is a bitmask over the seven days of the week, bit 0 = Sunday,
// matching time.Weekday's numbering so windows can be tested directly
// against time.Time.Weekday().
type DayMask uint8

// Contains reports whether the mask includes the given weekday.
func (m DayMask) Contains(d time.Weekday) bool {
	return m&(1<<uint(d)) != 0
}

// AllDays is a DayMask matching every day of the week.
const AllDays DayMask = 0b1111111

// Window is a local-time half-open interval [Start, End) on the days in
// Days. Windows never cross midnight — a bedtime window spanning midnight
// must be expressed as two windows, one ending at 24:00 conceptually
// represented as the next window starting at 00:00.
type Window struct {
	Days  DayMask
	Start TimeOfDay
	End   TimeOfDay
}

// TimeOfDay is a local time-of-day with second resolution, independent of
// any calendar date.
type TimeOfDay struct {
	Hour   int
	Minute int
	Second int
}

// Duration returns the time of day as an offset from local midnight.
func (t TimeOfDay) Duration() time.Duration {
	return time.Duration(t.Hour)*time.Hour +
		time.Duration(t.Minute)*time.Minute +
		time.Duration(t.Second)*time.Second
}

// Contains reports whether now falls within the window: now's weekday is
// in Days, and now's time-of-day is in [Start, End).
func (w Window) Contains(now time.Time) bool {
	if !w.Days.Contains(now.Weekday()) {
		return false
	}
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	offset := now.Sub(midnight)
	return offset >= w.Start.Duration() && offset < w.End.Duration()
}

// startInstant returns the wall-clock instant at which this window next
// starts on or after day (day's own time-of-day is ignored; only its
// date and location are used).
func (w Window) startInstant(day time.Time) time.Time {
	midnight := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	return midnight.Add(w.Start.Duration())
}

// AvailabilityPolicy is either unconditionally "always", or a list of
// windows — an entry is available at t iff some window contains t.
type AvailabilityPolicy struct {
	Always  bool
	Windows []Window
}

// IsAvailable reports whether the policy permits launch at now.
func (a AvailabilityPolicy) IsAvailable(now time.Time) bool {
	if a.Always {
		return true
	}
	for _, w := range a.Windows {
		if w.Contains(now) {
			return true
		}
	}
	return false
}

// NextWindowStart returns the smallest window-start instant >= now within
// the next 7 days, or nil if no window starts in that horizon (including
// the Always case, which has no concept of a "next start").
func (a AvailabilityPolicy) NextWindowStart(now time.Time) *time.Time {
	if a.Always || len(a.Windows) == 0 {
		return nil
	}
	var best *time.Time
	for day := 0; day <= 7; day++ {
		candidateDay := now.AddDate(0, 0, day)
		for _, w := range a.Windows {
			if !w.Days.Contains(candidateDay.Weekday()) {
				continue
			}
			start := w.startInstant(candidateDay)
			if start.Before(now) {
				continue
			}
			if best == nil || start.Before(*best) {
				s := start
				best = &s
			}
		}
		if best != nil {
			// Every later day can only produce a later-or-equal start for
			// the same window set, so the first day with a hit wins.
			break
		}
	}
	return best
}

// CurrentWindowEnd returns the end instant of whichever window contains
// now, or nil if now isn't inside any window (or availability is Always,
// which has no window boundary).
func (a AvailabilityPolicy) CurrentWindowEnd(now time.Time) *time.Time {
	if a.Always {
		return nil
	}
	for _, w := range a.Windows {
		if w.Contains(now) {
			midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
			end := midnight.Add(w.End.Duration())
			return &end
		}
	}
	return nil
}

// LimitsPolicy bounds how long and how often an entry may run.
type LimitsPolicy struct {
	MaxRun      *time.Duration // per-session duration cap
	DailyQuota  *time.Duration // summed usage per local calendar day
	Cooldown    *time.Duration // minimum delay after a session ends
}

// WarningThreshold fires a warning SecondsBefore the deadline.
type WarningThreshold struct {
	SecondsBefore   int64
	Severity        Severity
	MessageTemplate string
}

// Severity is advisory; it does not affect engine behavior.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityCritical Severity = "critical"
)

// WarningSchedule is a list of thresholds. Trigger order is defined by
// SecondsBefore descending (furthest from expiry fires first).
type WarningSchedule []WarningThreshold

// Sorted returns a copy ordered by SecondsBefore descending.
func (s WarningSchedule) Sorted() WarningSchedule {
	out := make(WarningSchedule, len(s))
	copy(out, s)
	for i := 1; i < len(out); i++ {
		j := i
		for j > 0 && out[j-1].SecondsBefore < out[j].SecondsBefore {
			out[j-1], out[j] = out[j], out[j-1]
			j--
		}
	}
	return out
}

// Entry is a whitelisted launchable activity.
type Entry struct {
	ID           ids.EntryId
	Label        string
	IconRef      string
	Kind         Kind
	Availability AvailabilityPolicy
	Limits       LimitsPolicy
	Warnings     WarningSchedule
	Disabled     bool
}

// Policy is the validated, immutable set of entries in effect. Construct
// with New, never populate Entries directly after construction.
type Policy struct {
	entries []Entry
	byID    map[ids.EntryId]*Entry
}

// New validates entries and returns an immutable Policy, or the full list
// of structured validation errors (spec.md §4.1: "a list of structured
// errors... not a single opaque message").
func New(entries []Entry) (*Policy, []ValidationError) {
	if errs := validate(entries); len(errs) > 0 {
		return nil, errs
	}
	p := &Policy{
		entries: append([]Entry(nil), entries...),
		byID:    make(map[ids.EntryId]*Entry, len(entries)),
	}
	for i := range p.entries {
		p.byID[p.entries[i].ID] = &p.entries[i]
	}
	return p, nil
}

// Entries returns the entries in the policy, in declaration order.
func (p *Policy) Entries() []Entry {
	return append([]Entry(nil), p.entries...)
}

// Lookup returns the entry with the given id, or false if none exists.
func (p *Policy) Lookup(id ids.EntryId) (Entry, bool) {
	e, ok := p.byID[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Count returns the number of entries, used for PolicyReloaded{entry_count}.
func (p *Policy) Count() int {
	return len(p.entries)
}
