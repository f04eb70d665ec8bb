package domain

// LocalMediaState is the locally controlled participant's device state.
// Only the media session manager of the owning client writes it.
type LocalMediaState struct {
	MicMuted      bool `json:"micMuted"`
	CameraOn      bool `json:"cameraOn"`
	ScreenSharing bool `json:"screenSharing"`
}

// DefaultLocalMediaState is the state after release: mic live, no camera, no screen.
func DefaultLocalMediaState() LocalMediaState {
	return LocalMediaState{}
}

// RemoteTrack describes a track published by the other party
type RemoteTrack struct {
	ID     string `json:"id"`
	PeerID string `json:"peerId"`
	Kind   string `json:"kind"` // audio, video
}
