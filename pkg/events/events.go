// Package events defines the event vocabulary shared by the engine, the
// store's audit log and the IPC server's broadcast channel — one set of
// types serializes identically whether it is being persisted to the
// audit log or sent down an IPC connection.
package events

import (
	"time"

	"github.com/parentkiosk/shepherdd/internal/ids"
	"github.com/parentkiosk/shepherdd/internal/policy"
)

// Type identifies the kind of event carried by an Event.
type Type string

const (
	TypeStateChanged    Type = "state_changed"
	TypeSessionStarted  Type = "session_started"
	TypeWarningIssued   Type = "warning_issued"
	TypeSessionExpired  Type = "session_expired"
	TypeSessionEnded    Type = "session_ended"
	TypePolicyReloaded  Type = "policy_reloaded"
	TypeVolumeChanged   Type = "volume_changed"
)

// String returns the wire representation of the event type.
func (t Type) String() string { return string(t) }

// EndReason enumerates why a session ended, per spec.md §4.5.
type EndReason string

const (
	ReasonExpired          EndReason = "expired"
	ReasonUserStop         EndReason = "user_stop"
	ReasonAdminStop        EndReason = "admin_stop"
	ReasonProcessExited    EndReason = "process_exited"
	ReasonPolicyStop       EndReason = "policy_stop"
	ReasonSpawnFailed      EndReason = "spawn_failed"
	ReasonAccountingFailed EndReason = "accounting_failed"
	ReasonServiceRestarted EndReason = "service_restarted"
)

// Event is the single tagged-union wire/audit shape for everything the
// engine emits. Exactly one of the typed payload fields is populated,
// selected by Type.
type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	SessionStarted *SessionStartedPayload `json:"session_started,omitempty"`
	WarningIssued  *WarningIssuedPayload  `json:"warning_issued,omitempty"`
	SessionExpired *SessionExpiredPayload `json:"session_expired,omitempty"`
	SessionEnded   *SessionEndedPayload   `json:"session_ended,omitempty"`
	PolicyReloaded *PolicyReloadedPayload `json:"policy_reloaded,omitempty"`
	VolumeChanged  *VolumeChangedPayload  `json:"volume_changed,omitempty"`
}

type SessionStartedPayload struct {
	SessionID ids.SessionId `json:"session_id"`
	EntryID   ids.EntryId   `json:"entry_id"`
}

type WarningIssuedPayload struct {
	SessionID     ids.SessionId   `json:"session_id"`
	ThresholdSecs int64           `json:"threshold_secs"`
	RemainingSecs int64           `json:"remaining_secs"`
	Severity      policy.Severity `json:"severity"`
	Message       string          `json:"message,omitempty"`
}

type SessionExpiredPayload struct {
	SessionID ids.SessionId `json:"session_id"`
}

type SessionEndedPayload struct {
	SessionID ids.SessionId `json:"session_id"`
	EntryID   ids.EntryId   `json:"entry_id"`
	Reason    EndReason     `json:"reason"`
}

type PolicyReloadedPayload struct {
	EntryCount int `json:"entry_count"`
}

type VolumeChangedPayload struct {
	Level int `json:"level"`
}

// StateChanged returns a bare state_changed event; it carries no payload
// beyond the timestamp and exists so subscribers can cheaply detect "poll
// GetState again" without decoding a richer event.
func StateChanged(now time.Time) Event {
	return Event{Type: TypeStateChanged, Timestamp: now}
}

// NewSessionStarted builds a session_started event.
func NewSessionStarted(now time.Time, sessionID ids.SessionId, entryID ids.EntryId) Event {
	return Event{
		Type:           TypeSessionStarted,
		Timestamp:      now,
		SessionStarted: &SessionStartedPayload{SessionID: sessionID, EntryID: entryID},
	}
}

// NewWarningIssued builds a warning_issued event.
func NewWarningIssued(now time.Time, sessionID ids.SessionId, thresholdSecs, remainingSecs int64, sev policy.Severity, msg string) Event {
	return Event{
		Type:      TypeWarningIssued,
		Timestamp: now,
		WarningIssued: &WarningIssuedPayload{
			SessionID:     sessionID,
			ThresholdSecs: thresholdSecs,
			RemainingSecs: remainingSecs,
			Severity:      sev,
			Message:       msg,
		},
	}
}

// NewSessionExpired builds a session_expired event (ExpireDue crossing).
func NewSessionExpired(now time.Time, sessionID ids.SessionId) Event {
	return Event{Type: TypeSessionExpired, Timestamp: now, SessionExpired: &SessionExpiredPayload{SessionID: sessionID}}
}

// NewSessionEnded builds a session_ended event.
func NewSessionEnded(now time.Time, sessionID ids.SessionId, entryID ids.EntryId, reason EndReason) Event {
	return Event{
		Type:         TypeSessionEnded,
		Timestamp:    now,
		SessionEnded: &SessionEndedPayload{SessionID: sessionID, EntryID: entryID, Reason: reason},
	}
}

// NewPolicyReloaded builds a policy_reloaded event.
func NewPolicyReloaded(now time.Time, entryCount int) Event {
	return Event{Type: TypePolicyReloaded, Timestamp: now, PolicyReloaded: &PolicyReloadedPayload{EntryCount: entryCount}}
}

// NewVolumeChanged builds a volume_changed event (pass-through from the
// volume controller collaborator; shepherdd does not itself own volume).
func NewVolumeChanged(now time.Time, level int) Event {
	return Event{Type: TypeVolumeChanged, Timestamp: now, VolumeChanged: &VolumeChangedPayload{Level: level}}
}
