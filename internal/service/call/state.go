package call

import "trainhub-realtime/internal/domain"

// Phase is the local position in the call state machine
type Phase string

const (
	PhaseIdle Phase = "idle"
	// PhaseOutgoing: this client initiated and the record is pending.
	PhaseOutgoing Phase = "outgoing"
	// PhaseIncoming: an offer addressed to this client is surfaced and pending.
	PhaseIncoming Phase = "incoming"
	PhaseAccepted Phase = "accepted"
)

// Outcome reports how the last call finished
type Outcome string

const (
	OutcomeNone     Outcome = ""
	OutcomeEnded    Outcome = "ended"
	OutcomeRejected Outcome = "rejected"
	// OutcomeMissed: nobody answered before the caller gave up or the ring timeout fired.
	OutcomeMissed Outcome = "missed"
	// OutcomeFailed: setup failed after media or the record was touched.
	OutcomeFailed Outcome = "failed"
)

// State is what the UI layer sees of the coordinator
type State struct {
	Phase Phase `json:"phase"`
	// Session is the active record, nil while idle.
	Session *domain.CallSession `json:"session"`
	// IncomingOffer is non-nil only while an offer is outstanding.
	IncomingOffer *domain.CallSession `json:"incomingOffer"`
	// Outcome of the most recent call, kept after returning to idle.
	Outcome Outcome `json:"outcome,omitempty"`
}
