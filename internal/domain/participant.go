package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParticipantKind distinguishes people from group channels
type ParticipantKind string

const (
	ParticipantOperator ParticipantKind = "operator"
	ParticipantContact  ParticipantKind = "contact"
	ParticipantGroup    ParticipantKind = "group"
)

// Participant is a read-only projection of a directory entry.
// The realtime core never writes it, except the online flag of the local party.
type Participant struct {
	ID          string          `json:"id"`
	DisplayName string          `json:"displayName"`
	Kind        ParticipantKind `json:"kind"`
	Online      bool            `json:"online"`
	// Active marks accounts eligible for contact; disabled accounts stay in the directory.
	Active bool `json:"active"`
}

// IsGroup reports whether the participant is a group channel
func (p Participant) IsGroup() bool {
	return p.Kind == ParticipantGroup
}

// ParseParticipant decodes and validates a directory record stored under key.
func ParseParticipant(key string, raw json.RawMessage) (Participant, error) {
	var p Participant
	if err := json.Unmarshal(raw, &p); err != nil {
		return Participant{}, fmt.Errorf("decode participant %s: %w", key, err)
	}
	if p.ID == "" {
		p.ID = key
	}
	if p.ID != key {
		return Participant{}, fmt.Errorf("participant id %q does not match key %q", p.ID, key)
	}
	switch p.Kind {
	case ParticipantOperator, ParticipantContact, ParticipantGroup:
	default:
		return Participant{}, fmt.Errorf("participant %s has unknown kind %q", key, p.Kind)
	}
	if strings.TrimSpace(p.DisplayName) == "" {
		p.DisplayName = p.ID
	}
	return p, nil
}
