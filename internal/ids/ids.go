// Package ids defines the strongly-typed identifiers shared across the
// supervisor: entries are named by policy, sessions and IPC clients are
// named by shepherdd itself.
package ids

import "github.com/google/uuid"

// EntryId is the stable opaque identifier of a whitelisted entry, supplied
// by the policy producer. It is never generated by shepherdd.
type EntryId string

// SessionId is freshly generated for every launched session.
type SessionId string

// ClientId is freshly generated for every IPC connection.
type ClientId string

// NewSessionId generates a fresh, unique session identifier.
func NewSessionId() SessionId {
	return SessionId(uuid.NewString())
}

// NewClientId generates a fresh, unique IPC client identifier.
func NewClientId() ClientId {
	return ClientId(uuid.NewString())
}
