package domain

import "time"

// CallDirection is how a call looked from one participant's side
type CallDirection string

const (
	CallDirectionOutgoing CallDirection = "outgoing"
	CallDirectionIncoming CallDirection = "incoming"
)

// CallHistoryEntry is one finished call as seen by UserID
type CallHistoryEntry struct {
	UserID    string        `json:"user_id"`
	CallID    string        `json:"call_id"`
	PeerID    string        `json:"peer_id"`
	PeerName  string        `json:"peer_name"`
	Direction CallDirection `json:"direction"`
	Kind      CallKind      `json:"kind"`
	Status    CallStatus    `json:"status"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at"`
}

// Duration is the wall time between creation and end
func (e CallHistoryEntry) Duration() time.Duration {
	if e.EndedAt.Before(e.StartedAt) {
		return 0
	}
	return e.EndedAt.Sub(e.StartedAt)
}

// HistoryEntries returns one entry per participant of a finished call
func HistoryEntries(c CallSession) []CallHistoryEntry {
	ended := c.CreatedAt
	if c.EndedAt != nil {
		ended = *c.EndedAt
	}
	base := CallHistoryEntry{
		CallID:    c.ID,
		Kind:      c.Kind,
		Status:    c.Status,
		StartedAt: c.CreatedAt,
		EndedAt:   ended,
	}

	out := base
	out.UserID = c.InitiatorID
	out.PeerID, out.PeerName = c.RecipientID, c.RecipientName
	out.Direction = CallDirectionOutgoing

	in := base
	in.UserID = c.RecipientID
	in.PeerID, in.PeerName = c.InitiatorID, c.InitiatorName
	in.Direction = CallDirectionIncoming

	return []CallHistoryEntry{out, in}
}
