package port

import (
	"context"
	"errors"
)

// ErrDeviceNotFound is returned by the Create*Track methods when no such capture device exists.
var ErrDeviceNotFound = errors.New("media: device not found")

// TrackSource is the capture device behind a local track
type TrackSource string

const (
	SourceMicrophone TrackSource = "microphone"
	SourceCamera     TrackSource = "camera"
	SourceScreen     TrackSource = "screen"
)

// LocalTrack is a track captured on this client
type LocalTrack interface {
	ID() string
	Source() TrackSource
	// SetEnabled mutes or unmutes the track without renegotiating the room.
	SetEnabled(enabled bool)
	Enabled() bool
	// Stop releases the capture device. It is idempotent.
	Stop()
}

// RemoteTrackInfo describes a track published by another room member
type RemoteTrackInfo struct {
	ID     string
	PeerID string
	Kind   string // audio, video
}

// MediaEvents receives room events. Handlers run on transport goroutines.
type MediaEvents struct {
	OnRemoteTrackAdded   func(RemoteTrackInfo)
	OnRemoteTrackRemoved func(RemoteTrackInfo)
	OnRemotePeerLeft     func(peerID string)
}

// MediaTransport is a WebRTC-style media room client
type MediaTransport interface {
	// JoinRoom joins the room named by token and returns this client's transport uid.
	JoinRoom(ctx context.Context, token string) (string, error)
	LeaveRoom(ctx context.Context) error
	Publish(ctx context.Context, track LocalTrack) error
	Unpublish(ctx context.Context, track LocalTrack) error
	CreateMicrophoneTrack(ctx context.Context) (LocalTrack, error)
	CreateCameraTrack(ctx context.Context) (LocalTrack, error)
	CreateScreenTrack(ctx context.Context) (LocalTrack, error)
	SetEventHandlers(events MediaEvents)
}
