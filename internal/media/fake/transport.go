// Package fake is an in-memory Media Transport that records what a client
// published and how many device tracks it holds open.
package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"trainhub-realtime/internal/port"
)

// Transport implements port.MediaTransport without touching real devices.
type Transport struct {
	mu sync.Mutex

	devices   map[port.TrackSource]bool
	failures  map[string]error
	room      string
	uid       string
	published map[string]*Track
	open      map[string]*Track
	events    port.MediaEvents
}

// NewTransport creates a transport with the given capture devices attached.
func NewTransport(devices ...port.TrackSource) *Transport {
	t := &Transport{
		devices:   make(map[port.TrackSource]bool),
		failures:  make(map[string]error),
		published: make(map[string]*Track),
		open:      make(map[string]*Track),
	}
	for _, d := range devices {
		t.devices[d] = true
	}
	return t
}

// FailNext makes the next call to op ("join", "publish", "leave", or a
// track source name) return err.
func (t *Transport) FailNext(op string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures[op] = err
}

func (t *Transport) takeFailure(op string) error {
	err := t.failures[op]
	delete(t.failures, op)
	return err
}

func (t *Transport) JoinRoom(ctx context.Context, token string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.takeFailure("join"); err != nil {
		return "", err
	}
	t.room = token
	t.uid = uuid.NewString()
	return t.uid, nil
}

func (t *Transport) LeaveRoom(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.takeFailure("leave"); err != nil {
		return err
	}
	t.room = ""
	t.uid = ""
	t.published = make(map[string]*Track)
	return nil
}

func (t *Transport) Publish(ctx context.Context, track port.LocalTrack) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.takeFailure("publish"); err != nil {
		return err
	}
	if t.room == "" {
		return fmt.Errorf("publish %s: not in a room", track.ID())
	}
	ft, ok := track.(*Track)
	if !ok {
		return fmt.Errorf("publish %s: foreign track", track.ID())
	}
	t.published[ft.id] = ft
	return nil
}

func (t *Transport) Unpublish(ctx context.Context, track port.LocalTrack) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.published, track.ID())
	return nil
}

func (t *Transport) CreateMicrophoneTrack(ctx context.Context) (port.LocalTrack, error) {
	return t.create(port.SourceMicrophone)
}

func (t *Transport) CreateCameraTrack(ctx context.Context) (port.LocalTrack, error) {
	return t.create(port.SourceCamera)
}

func (t *Transport) CreateScreenTrack(ctx context.Context) (port.LocalTrack, error) {
	return t.create(port.SourceScreen)
}

func (t *Transport) create(source port.TrackSource) (port.LocalTrack, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.takeFailure(string(source)); err != nil {
		return nil, err
	}
	if !t.devices[source] {
		return nil, port.ErrDeviceNotFound
	}
	tr := &Track{id: uuid.NewString(), source: source, enabled: true, owner: t}
	t.open[tr.id] = tr
	return tr, nil
}

func (t *Transport) SetEventHandlers(events port.MediaEvents) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = events
}

// OpenTracks is the number of created tracks not yet stopped
func (t *Transport) OpenTracks() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.open)
}

// Published returns the sources of the currently published tracks
func (t *Transport) Published() []port.TrackSource {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]port.TrackSource, 0, len(t.published))
	for _, tr := range t.published {
		out = append(out, tr.source)
	}
	return out
}

// Room returns the joined room token, empty when not in a room
func (t *Transport) Room() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.room
}

// EmitRemoteTrackAdded simulates a remote member publishing a track
func (t *Transport) EmitRemoteTrackAdded(info port.RemoteTrackInfo) {
	if h := t.handlers().OnRemoteTrackAdded; h != nil {
		h(info)
	}
}

// EmitRemoteTrackRemoved simulates a remote member unpublishing a track
func (t *Transport) EmitRemoteTrackRemoved(info port.RemoteTrackInfo) {
	if h := t.handlers().OnRemoteTrackRemoved; h != nil {
		h(info)
	}
}

// EmitRemotePeerLeft simulates the remote member dropping out of the room
func (t *Transport) EmitRemotePeerLeft(peerID string) {
	if h := t.handlers().OnRemotePeerLeft; h != nil {
		h(peerID)
	}
}

func (t *Transport) handlers() port.MediaEvents {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.events
}

// Track is a fake local track
type Track struct {
	id     string
	source port.TrackSource
	owner  *Transport

	mu      sync.Mutex
	enabled bool
	stopped bool
}

func (tr *Track) ID() string               { return tr.id }
func (tr *Track) Source() port.TrackSource { return tr.source }

func (tr *Track) SetEnabled(enabled bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.enabled = enabled
}

func (tr *Track) Enabled() bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.enabled
}

func (tr *Track) Stop() {
	tr.mu.Lock()
	if tr.stopped {
		tr.mu.Unlock()
		return
	}
	tr.stopped = true
	tr.mu.Unlock()

	tr.owner.mu.Lock()
	delete(tr.owner.open, tr.id)
	tr.owner.mu.Unlock()
}
