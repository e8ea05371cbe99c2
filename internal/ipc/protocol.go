/**
 * CONTEXT:   The NDJSON wire protocol spoken on the shepherdd control socket
 * INPUT:     One JSON object per line, duplex, per spec.md §4.7/§6
 * OUTPUT:    Typed Go request/response/event frames for the server and service loop to exchange
 * BUSINESS:  Admin/shell/kiosk-UI tooling all share this one protocol instead of bespoke RPCs
 * CHANGE:    Initial implementation
 * RISK:      Medium - a malformed frame must close the connection, never wedge the server
 */

package ipc

import (
	"encoding/json"
	"time"

	"github.com/parentkiosk/shepherdd/internal/ids"
	"github.com/parentkiosk/shepherdd/pkg/events"
)

// FrameType distinguishes the three frame shapes on the wire.
type FrameType string

const (
	FrameRequest  FrameType = "request"
	FrameResponse FrameType = "response"
	FrameEvent    FrameType = "event"
)

// CommandKind names one of the commands spec.md §4.7 lists.
type CommandKind string

const (
	CmdGetState        CommandKind = "get_state"
	CmdListEntries     CommandKind = "list_entries"
	CmdLaunch          CommandKind = "launch"
	CmdStopCurrent     CommandKind = "stop_current"
	CmdReloadConfig    CommandKind = "reload_config"
	CmdSubscribeEvents CommandKind = "subscribe_events"
	CmdGetHealth       CommandKind = "get_health"
	CmdGetVolume       CommandKind = "get_volume"
	CmdSetVolume       CommandKind = "set_volume"
)

// Command is the tagged-variant payload of a request frame; only the
// fields relevant to Kind are populated.
type Command struct {
	Kind CommandKind `json:"kind"`

	At      *time.Time  `json:"at,omitempty"`       // ListEntries{at?}
	EntryID ids.EntryId `json:"entry_id,omitempty"`  // Launch
	Mode    string      `json:"mode,omitempty"`      // StopCurrent{mode}: "graceful" | "force"
	Level   int         `json:"level,omitempty"`     // SetVolume{level}
}

// RequestFrame is one client->server line.
type RequestFrame struct {
	Type    FrameType `json:"type"`
	ID      int       `json:"id"`
	Command Command   `json:"command"`
}

// ErrorPayload is the response.error shape for an unsuccessful response.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Error kinds, per spec.md §7's taxonomy restricted to what a response
// surfaces (a protocol error gets one protocol-kind response, after which
// the server closes the connection).
const (
	ErrKindDenied       = "denied"
	ErrKindRateLimited  = "rate_limited"
	ErrKindConfig       = "config"
	ErrKindStore        = "store"
	ErrKindHost         = "host"
	ErrKindNotFound     = "not_found"
	ErrKindNoSession    = "no_active_session"
	ErrKindProtocol     = "protocol"
)

// ResponseFrame is one server->client line answering a RequestFrame with
// the same ID.
type ResponseFrame struct {
	Type    FrameType     `json:"type"`
	ID      int           `json:"id"`
	Success bool          `json:"success"`
	Payload any           `json:"payload,omitempty"`
	Error   *ErrorPayload `json:"error,omitempty"`
}

// OK builds a successful ResponseFrame.
func OK(id int, payload any) ResponseFrame {
	return ResponseFrame{Type: FrameResponse, ID: id, Success: true, Payload: payload}
}

// Fail builds an unsuccessful ResponseFrame.
func Fail(id int, kind, message string) ResponseFrame {
	return ResponseFrame{Type: FrameResponse, ID: id, Success: false, Error: &ErrorPayload{Kind: kind, Message: message}}
}

// EventFrame is one server->client line for a broadcast event; it has no
// id since events aren't responses to any particular request.
type EventFrame struct {
	Type    FrameType    `json:"type"`
	Payload events.Event `json:"payload"`
}

// NewEventFrame wraps event for the wire.
func NewEventFrame(event events.Event) EventFrame {
	return EventFrame{Type: FrameEvent, Payload: event}
}

// decodeRequest parses one NDJSON line into a RequestFrame.
func decodeRequest(line []byte) (RequestFrame, error) {
	var f RequestFrame
	if err := json.Unmarshal(line, &f); err != nil {
		return RequestFrame{}, err
	}
	return f, nil
}
