// Package pion implements the Media Transport on pion/webrtc. Every session
// owns one PeerConnection towards its client; sessions sharing a room token
// forward their published tracks to each other through Rooms.
package pion

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"trainhub-realtime/internal/port"
	"trainhub-realtime/pkg/logger"
)

const gatherTimeout = 5 * time.Second

// Signaler relays SDP offers to the client that owns the PeerConnection.
// The client's answer comes back through Transport.HandleAnswer.
type Signaler interface {
	SendOffer(room, sdp string) error
}

// Config holds transport settings
type Config struct {
	ICEServers []string
	Devices    []string
}

// Transport implements port.MediaTransport
type Transport struct {
	rooms   *Rooms
	ice     []webrtc.ICEServer
	devices map[port.TrackSource]bool
	sig     Signaler
	queue   eventQueue

	mu        sync.Mutex
	pc        *webrtc.PeerConnection
	room      string
	uid       string
	published map[string]*Track
	forwarded map[string]*webrtc.RTPSender
	events    port.MediaEvents
}

// NewTransport creates a transport registered against rooms. sig may be nil,
// in which case no offers are sent to the client.
func NewTransport(rooms *Rooms, cfg Config, sig Signaler) *Transport {
	t := &Transport{
		rooms:     rooms,
		devices:   make(map[port.TrackSource]bool),
		sig:       sig,
		published: make(map[string]*Track),
		forwarded: make(map[string]*webrtc.RTPSender),
	}
	if len(cfg.ICEServers) > 0 {
		t.ice = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	for _, d := range cfg.Devices {
		t.devices[port.TrackSource(d)] = true
	}
	return t
}

// newPeerConnection builds a PeerConnection with its own MediaEngine;
// engines cannot be shared between connections.
func newPeerConnection(ice []webrtc.ICEServer) (*webrtc.PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	return api.NewPeerConnection(webrtc.Configuration{ICEServers: ice})
}

func (t *Transport) SetEventHandlers(events port.MediaEvents) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = events
}

func (t *Transport) handlers() port.MediaEvents {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.events
}

// JoinRoom opens the PeerConnection and attaches every track already
// published in the room.
func (t *Transport) JoinRoom(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("join room: empty token")
	}

	t.mu.Lock()
	if t.pc != nil {
		current := t.room
		t.mu.Unlock()
		return "", fmt.Errorf("join room %s: already in room %s", token, current)
	}
	pc, err := newPeerConnection(t.ice)
	if err != nil {
		t.mu.Unlock()
		return "", fmt.Errorf("create peer connection: %w", err)
	}
	uid := uuid.NewString()
	t.pc, t.room, t.uid = pc, token, uid
	t.published = make(map[string]*Track)
	t.forwarded = make(map[string]*webrtc.RTPSender)
	t.mu.Unlock()

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("Peer connection state changed",
			zap.String("room", token),
			zap.String("uid", uid),
			zap.String("state", state.String()))
		if state == webrtc.PeerConnectionStateFailed {
			go t.leave(pc)
		}
	})
	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		logger.Debug("Client track received",
			zap.String("room", token),
			zap.String("kind", remote.Kind().String()))
		if remote.Kind() == webrtc.RTPCodecTypeVideo {
			if err := pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(remote.SSRC())}}); err != nil {
				logger.Debug("Failed to request keyframe", zap.Error(err))
			}
		}
	})

	for _, peer := range t.rooms.join(token, uid, t) {
		owner, tracks := peer.snapshot()
		for _, tr := range tracks {
			t.attach(pc, owner, tr)
		}
	}

	logger.Info("Joined media room", zap.String("room", token), zap.String("uid", uid))
	return uid, nil
}

func (t *Transport) LeaveRoom(ctx context.Context) error {
	return t.leave(nil)
}

// leave withdraws from the current room. A non-nil pc only leaves if it is
// still the active connection.
func (t *Transport) leave(pc *webrtc.PeerConnection) error {
	t.mu.Lock()
	if t.pc == nil || (pc != nil && t.pc != pc) {
		t.mu.Unlock()
		return nil
	}
	current, room, uid := t.pc, t.room, t.uid
	tracks := make([]*Track, 0, len(t.published))
	for _, tr := range t.published {
		tracks = append(tracks, tr)
	}
	t.pc, t.room, t.uid = nil, "", ""
	t.published = make(map[string]*Track)
	t.forwarded = make(map[string]*webrtc.RTPSender)
	t.mu.Unlock()

	for _, peer := range t.rooms.leave(room, uid) {
		for _, tr := range tracks {
			peer.detach(uid, tr)
		}
		peer.peerLeft(uid)
	}

	logger.Info("Left media room", zap.String("room", room), zap.String("uid", uid))
	if err := current.Close(); err != nil {
		return fmt.Errorf("close peer connection: %w", err)
	}
	return nil
}

func (t *Transport) Publish(ctx context.Context, lt port.LocalTrack) error {
	tr, ok := lt.(*Track)
	if !ok {
		return fmt.Errorf("publish %s: track was not created by this transport", lt.ID())
	}

	t.mu.Lock()
	if t.pc == nil {
		t.mu.Unlock()
		return fmt.Errorf("publish %s: not in a room", tr.ID())
	}
	if _, dup := t.published[tr.ID()]; dup {
		t.mu.Unlock()
		return nil
	}
	t.published[tr.ID()] = tr
	room, uid := t.room, t.uid
	t.mu.Unlock()

	for _, peer := range t.rooms.peers(room, uid) {
		peer.attachCurrent(uid, tr)
	}
	return nil
}

func (t *Transport) Unpublish(ctx context.Context, lt port.LocalTrack) error {
	t.mu.Lock()
	tr, ok := t.published[lt.ID()]
	if !ok {
		t.mu.Unlock()
		return nil
	}
	delete(t.published, lt.ID())
	room, uid := t.room, t.uid
	t.mu.Unlock()

	for _, peer := range t.rooms.peers(room, uid) {
		peer.detach(uid, tr)
	}
	return nil
}

// HandleAnswer applies the client's answer to the last offer.
func (t *Transport) HandleAnswer(sdp string) error {
	t.mu.Lock()
	pc := t.pc
	t.mu.Unlock()
	if pc == nil {
		return fmt.Errorf("sdp answer: not in a room")
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

func (t *Transport) CreateMicrophoneTrack(ctx context.Context) (port.LocalTrack, error) {
	return t.createTrack(port.SourceMicrophone)
}

func (t *Transport) CreateCameraTrack(ctx context.Context) (port.LocalTrack, error) {
	return t.createTrack(port.SourceCamera)
}

func (t *Transport) CreateScreenTrack(ctx context.Context) (port.LocalTrack, error) {
	return t.createTrack(port.SourceScreen)
}

func (t *Transport) createTrack(source port.TrackSource) (port.LocalTrack, error) {
	if !t.devices[source] {
		return nil, port.ErrDeviceNotFound
	}
	return newTrack(source)
}

// snapshot returns the uid and published tracks of t
func (t *Transport) snapshot() (string, []*Track) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tracks := make([]*Track, 0, len(t.published))
	for _, tr := range t.published {
		tracks = append(tracks, tr)
	}
	return t.uid, tracks
}

func (t *Transport) attachCurrent(owner string, tr *Track) {
	t.mu.Lock()
	pc := t.pc
	t.mu.Unlock()
	if pc != nil {
		t.attach(pc, owner, tr)
	}
}

// attach forwards tr to this client's PeerConnection and reports it as a remote track.
func (t *Transport) attach(pc *webrtc.PeerConnection, owner string, tr *Track) {
	t.queue.push(func() {
		t.mu.Lock()
		if t.pc != pc {
			t.mu.Unlock()
			return
		}
		sender, err := pc.AddTrack(tr.local)
		if err != nil {
			t.mu.Unlock()
			logger.Warn("Failed to forward track", zap.String("track_id", tr.ID()), zap.Error(err))
			return
		}
		t.forwarded[tr.ID()] = sender
		room := t.room
		t.mu.Unlock()

		t.renegotiate(pc, room)
		if fn := t.handlers().OnRemoteTrackAdded; fn != nil {
			fn(port.RemoteTrackInfo{ID: tr.ID(), PeerID: owner, Kind: tr.kind()})
		}
	})
}

func (t *Transport) detach(owner string, tr *Track) {
	t.queue.push(func() {
		t.mu.Lock()
		sender, ok := t.forwarded[tr.ID()]
		pc, room := t.pc, t.room
		delete(t.forwarded, tr.ID())
		t.mu.Unlock()
		if !ok || pc == nil {
			return
		}

		if err := pc.RemoveTrack(sender); err != nil {
			logger.Debug("Failed to remove forwarded track", zap.String("track_id", tr.ID()), zap.Error(err))
		} else {
			t.renegotiate(pc, room)
		}
		if fn := t.handlers().OnRemoteTrackRemoved; fn != nil {
			fn(port.RemoteTrackInfo{ID: tr.ID(), PeerID: owner, Kind: tr.kind()})
		}
	})
}

func (t *Transport) peerLeft(owner string) {
	t.queue.push(func() {
		if fn := t.handlers().OnRemotePeerLeft; fn != nil {
			fn(owner)
		}
	})
}

// renegotiate sends a fresh offer to the client once ICE gathering settles.
func (t *Transport) renegotiate(pc *webrtc.PeerConnection, room string) {
	if t.sig == nil {
		return
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		logger.Warn("Failed to create offer", zap.String("room", room), zap.Error(err))
		return
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		logger.Warn("Failed to set local description", zap.String("room", room), zap.Error(err))
		return
	}
	select {
	case <-gathered:
	case <-time.After(gatherTimeout):
		logger.Debug("ICE gathering incomplete, sending partial offer", zap.String("room", room))
	}
	if err := t.sig.SendOffer(room, pc.LocalDescription().SDP); err != nil {
		logger.Warn("Failed to relay offer", zap.String("room", room), zap.Error(err))
	}
}

// eventQueue runs pushed functions one at a time in push order without
// blocking the pusher.
type eventQueue struct {
	mu      sync.Mutex
	pending []func()
	running bool
}

func (q *eventQueue) push(fn func()) {
	q.mu.Lock()
	q.pending = append(q.pending, fn)
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()
	go q.drain()
}

func (q *eventQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		fn := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()
		fn()
	}
}
