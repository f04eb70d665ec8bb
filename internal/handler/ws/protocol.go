package ws

import (
	"trainhub-realtime/internal/domain"
	"trainhub-realtime/internal/service/call"
)

// Command types sent by the client
const (
	CommandOpenConversation  = "open_conversation"
	CommandCloseConversation = "close_conversation"
	CommandSend              = "send"
	CommandEdit              = "edit"
	CommandDelete            = "delete"
	CommandStartCall         = "start_call"
	CommandAcceptCall        = "accept_call"
	CommandRejectCall        = "reject_call"
	CommandEndCall           = "end_call"
	CommandToggleMic         = "toggle_mic"
	CommandToggleCamera      = "toggle_camera"
	CommandToggleScreen      = "toggle_screen"
	CommandSDPAnswer         = "sdp_answer"
)

// Push types sent by the server
const (
	PushMessages      = "messages"
	PushCallState     = "call_state"
	PushIncomingOffer = "incoming_offer"
	PushMediaState    = "media_state"
	PushContacts      = "contacts"
	PushSDPOffer      = "sdp_offer"
	PushError         = "error"
)

// Command is one client request. Only the fields of its type are read.
type Command struct {
	Type      string `json:"type"`
	ContactID string `json:"contact_id,omitempty"`
	GroupID   string `json:"group_id,omitempty"`
	Text      string `json:"text,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Kind      string `json:"kind,omitempty"`
	SDP       string `json:"sdp,omitempty"`
}

type messagesPush struct {
	Type            string           `json:"type"`
	ConversationKey string           `json:"conversation_key"`
	Messages        []domain.Message `json:"messages"`
}

type callStatePush struct {
	Type    string              `json:"type"`
	Phase   call.Phase          `json:"phase"`
	Session *domain.CallSession `json:"session"`
	Outcome call.Outcome        `json:"outcome"`
}

type incomingOfferPush struct {
	Type    string              `json:"type"`
	Session *domain.CallSession `json:"session"`
}

type mediaStatePush struct {
	Type          string               `json:"type"`
	MicMuted      bool                 `json:"mic_muted"`
	CameraOn      bool                 `json:"camera_on"`
	ScreenSharing bool                 `json:"screen_sharing"`
	RemoteTracks  []domain.RemoteTrack `json:"remote_tracks"`
}

type contactsPush struct {
	Type     string               `json:"type"`
	Contacts []domain.Participant `json:"contacts"`
	Groups   []domain.Participant `json:"groups"`
}

type sdpOfferPush struct {
	Type string `json:"type"`
	Room string `json:"room"`
	SDP  string `json:"sdp"`
}

type errorPush struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
