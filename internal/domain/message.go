package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is one entry of a conversation log.
// ID and Timestamp are fixed at creation; an edit rewrites Text and sets EditedAt.
type Message struct {
	ID        string     `json:"id"`
	SenderID  string     `json:"senderId"`
	Text      string     `json:"text"`
	Timestamp time.Time  `json:"timestamp"`
	EditedAt  *time.Time `json:"editedAt,omitempty"`
}

// ParseMessage decodes a message record stored under key.
// The key is authoritative for the id.
func ParseMessage(key string, raw json.RawMessage) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, fmt.Errorf("decode message %s: %w", key, err)
	}
	if m.ID != "" && m.ID != key {
		return Message{}, fmt.Errorf("message id %q does not match key %q", m.ID, key)
	}
	m.ID = key
	if m.SenderID == "" {
		return Message{}, fmt.Errorf("message %s has no sender", key)
	}
	if m.Timestamp.IsZero() {
		return Message{}, fmt.Errorf("message %s has no timestamp", key)
	}
	return m, nil
}

// Equal compares two messages field by field
func (m Message) Equal(o Message) bool {
	if m.ID != o.ID || m.SenderID != o.SenderID || m.Text != o.Text || !m.Timestamp.Equal(o.Timestamp) {
		return false
	}
	switch {
	case m.EditedAt == nil && o.EditedAt == nil:
		return true
	case m.EditedAt == nil || o.EditedAt == nil:
		return false
	default:
		return m.EditedAt.Equal(*o.EditedAt)
	}
}

// Before orders messages by timestamp, then id for equal timestamps
func (m Message) Before(o Message) bool {
	if !m.Timestamp.Equal(o.Timestamp) {
		return m.Timestamp.Before(o.Timestamp)
	}
	return m.ID < o.ID
}
