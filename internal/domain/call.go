package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// CallKind is the media kind of a call
type CallKind string

const (
	CallKindVoice CallKind = "voice"
	CallKindVideo CallKind = "video"
)

// Valid reports whether k is a known call kind
func (k CallKind) Valid() bool {
	return k == CallKindVoice || k == CallKindVideo
}

// CallStatus tags the CallSession record. pending and accepted are active;
// rejected and ended are terminal.
type CallStatus string

const (
	CallStatusPending  CallStatus = "pending"
	CallStatusAccepted CallStatus = "accepted"
	CallStatusRejected CallStatus = "rejected"
	CallStatusEnded    CallStatus = "ended"
)

// IsActive reports whether the status holds the operator's single call slot
func (s CallStatus) IsActive() bool {
	return s == CallStatusPending || s == CallStatusAccepted
}

// IsTerminal reports whether the status ends the session
func (s CallStatus) IsTerminal() bool {
	return s == CallStatusRejected || s == CallStatusEnded
}

// CallSession is the shared record coordinating one two-party call.
// Both parties join the room named by RoomToken; transport uids stay local to each client.
type CallSession struct {
	ID            string     `json:"id"`
	InitiatorID   string     `json:"initiatorId"`
	InitiatorName string     `json:"initiatorName"`
	RecipientID   string     `json:"recipientId"`
	RecipientName string     `json:"recipientName"`
	Kind          CallKind   `json:"kind"`
	Status        CallStatus `json:"status"`
	RoomToken     string     `json:"roomToken"`
	CreatedAt     time.Time  `json:"createdAt"`
	EndedAt       *time.Time `json:"endedAt,omitempty"`
}

// PeerOf returns the id and display name of the party opposite selfID
func (c CallSession) PeerOf(selfID string) (string, string) {
	if c.InitiatorID == selfID {
		return c.RecipientID, c.RecipientName
	}
	return c.InitiatorID, c.InitiatorName
}

// ParseCallSession decodes a call record stored under key and validates its schema.
// Malformed records are rejected so callers never act on a partial shape.
func ParseCallSession(key string, raw json.RawMessage) (CallSession, error) {
	var c CallSession
	if err := json.Unmarshal(raw, &c); err != nil {
		return CallSession{}, fmt.Errorf("decode call session %s: %w", key, err)
	}
	if c.ID != key {
		return CallSession{}, fmt.Errorf("call session id %q does not match key %q", c.ID, key)
	}
	if c.InitiatorID == "" || c.RecipientID == "" {
		return CallSession{}, fmt.Errorf("call session %s is missing a party", key)
	}
	if c.InitiatorID == c.RecipientID {
		return CallSession{}, fmt.Errorf("call session %s targets its own initiator", key)
	}
	if !c.Kind.Valid() {
		return CallSession{}, fmt.Errorf("call session %s has unknown kind %q", key, c.Kind)
	}
	switch c.Status {
	case CallStatusPending, CallStatusAccepted, CallStatusRejected, CallStatusEnded:
	default:
		return CallSession{}, fmt.Errorf("call session %s has unknown status %q", key, c.Status)
	}
	if c.RoomToken == "" {
		return CallSession{}, fmt.Errorf("call session %s has no room token", key)
	}
	if c.CreatedAt.IsZero() {
		return CallSession{}, fmt.Errorf("call session %s has no creation time", key)
	}
	return c, nil
}
