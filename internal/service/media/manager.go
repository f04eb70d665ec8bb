package media

import (
	"context"
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"

	"trainhub-realtime/internal/domain"
	"trainhub-realtime/internal/port"
	apperrors "trainhub-realtime/pkg/errors"
	"trainhub-realtime/pkg/logger"
	"trainhub-realtime/pkg/metrics"
)

// Manager owns the local tracks of one client and the room they are published to.
// Every operation is idempotent; Release must run on every exit path of a call.
type Manager struct {
	transport port.MediaTransport

	mu        sync.Mutex
	mic       port.LocalTrack
	camera    port.LocalTrack
	screen    port.LocalTrack
	published map[string]port.LocalTrack
	room      string
	uid       string
	state     domain.LocalMediaState
	remote    map[string]domain.RemoteTrack

	onChange   func()
	onPeerLeft func(peerID string)
}

// NewManager creates a manager and registers for the transport's room events
func NewManager(transport port.MediaTransport) *Manager {
	m := &Manager{
		transport: transport,
		published: make(map[string]port.LocalTrack),
		state:     domain.DefaultLocalMediaState(),
		remote:    make(map[string]domain.RemoteTrack),
	}
	transport.SetEventHandlers(port.MediaEvents{
		OnRemoteTrackAdded:   m.handleRemoteTrackAdded,
		OnRemoteTrackRemoved: m.handleRemoteTrackRemoved,
		OnRemotePeerLeft:     m.handleRemotePeerLeft,
	})
	return m
}

// OnChange registers a callback fired after local or remote media state changes.
// It runs without the manager lock held.
func (m *Manager) OnChange(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// OnRemotePeerLeft registers the callback for the other party leaving the room
func (m *Manager) OnRemotePeerLeft(fn func(peerID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPeerLeft = fn
}

// Acquire opens the microphone, and the camera for video calls.
// A video call without a camera degrades to audio-only.
func (m *Manager) Acquire(ctx context.Context, kind domain.CallKind) error {
	m.mu.Lock()
	err := m.acquireLocked(ctx, kind)
	m.mu.Unlock()
	m.changed()
	return err
}

func (m *Manager) acquireLocked(ctx context.Context, kind domain.CallKind) error {
	if m.mic == nil {
		mic, err := m.transport.CreateMicrophoneTrack(ctx)
		if err != nil {
			metrics.MediaAcquireFailuresTotal.WithLabelValues(string(port.SourceMicrophone)).Inc()
			if errors.Is(err, port.ErrDeviceNotFound) {
				return apperrors.NoMicrophoneError(err)
			}
			return apperrors.MediaUnavailableError("Microphone unavailable", err)
		}
		m.mic = mic
		mic.SetEnabled(!m.state.MicMuted)
		metrics.MediaTracksOpen.Inc()
	}

	if kind != domain.CallKindVideo || m.camera != nil {
		return nil
	}

	camera, err := m.transport.CreateCameraTrack(ctx)
	if err != nil {
		metrics.MediaAcquireFailuresTotal.WithLabelValues(string(port.SourceCamera)).Inc()
		if errors.Is(err, port.ErrDeviceNotFound) {
			metrics.MediaDegradedToAudioTotal.Inc()
			logger.Info("No camera found, continuing audio-only")
			return nil
		}
		m.releaseLocked(ctx)
		return apperrors.MediaUnavailableError("Camera unavailable", err)
	}
	m.camera = camera
	m.state.CameraOn = true
	metrics.MediaTracksOpen.Inc()
	return nil
}

// Join enters the media room named by token and returns the local transport uid.
// Joining the room already joined is a no-op.
func (m *Manager) Join(ctx context.Context, token string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.room == token && m.uid != "" {
		return m.uid, nil
	}
	if m.room != "" {
		return "", apperrors.InvalidTargetError("Already in another media room")
	}

	uid, err := m.transport.JoinRoom(ctx, token)
	if err != nil {
		return "", apperrors.TransportError("join media room", err)
	}
	m.room = token
	m.uid = uid
	logger.Debug("Joined media room", zap.String("room", token), zap.String("uid", uid))
	return uid, nil
}

// Publish publishes the microphone and the current video source, skipping tracks already published
func (m *Manager) Publish(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.room == "" {
		return apperrors.InvalidTargetError("Not in a media room")
	}

	video := m.camera
	if m.screen != nil {
		video = m.screen
	}
	for _, track := range []port.LocalTrack{m.mic, video} {
		if track == nil {
			continue
		}
		if _, ok := m.published[track.ID()]; ok {
			continue
		}
		if err := m.transport.Publish(ctx, track); err != nil {
			return apperrors.TransportError("publish track", err)
		}
		m.published[track.ID()] = track
	}
	return nil
}

// ToggleMic mutes or unmutes the microphone without renegotiating the room
func (m *Manager) ToggleMic() domain.LocalMediaState {
	m.mu.Lock()
	if m.mic != nil {
		m.state.MicMuted = !m.state.MicMuted
		m.mic.SetEnabled(!m.state.MicMuted)
	}
	state := m.state
	m.mu.Unlock()

	m.changed()
	return state
}

// ToggleCamera turns the camera track on or off without renegotiating the room
func (m *Manager) ToggleCamera() domain.LocalMediaState {
	m.mu.Lock()
	if m.camera != nil {
		m.state.CameraOn = !m.state.CameraOn
		m.camera.SetEnabled(m.state.CameraOn)
	}
	state := m.state
	m.mu.Unlock()

	m.changed()
	return state
}

// ToggleScreenShare swaps the published video source between camera and screen.
// The old source is always unpublished before the new one is published.
func (m *Manager) ToggleScreenShare(ctx context.Context) (domain.LocalMediaState, error) {
	m.mu.Lock()
	var err error
	if m.room != "" {
		if m.screen != nil {
			err = m.stopScreenShareLocked(ctx)
		} else {
			err = m.startScreenShareLocked(ctx)
		}
	}
	state := m.state
	m.mu.Unlock()

	m.changed()
	return state, err
}

func (m *Manager) startScreenShareLocked(ctx context.Context) error {
	screen, err := m.transport.CreateScreenTrack(ctx)
	if err != nil {
		metrics.MediaAcquireFailuresTotal.WithLabelValues(string(port.SourceScreen)).Inc()
		return apperrors.MediaUnavailableError("Screen capture unavailable", err)
	}
	metrics.MediaTracksOpen.Inc()

	if m.camera != nil {
		if err := m.unpublishLocked(ctx, m.camera); err != nil {
			m.stopTrack(screen)
			return err
		}
	}
	if err := m.transport.Publish(ctx, screen); err != nil {
		m.stopTrack(screen)
		if m.camera != nil {
			if rerr := m.transport.Publish(ctx, m.camera); rerr == nil {
				m.published[m.camera.ID()] = m.camera
			}
		}
		return apperrors.TransportError("publish screen track", err)
	}

	m.published[screen.ID()] = screen
	m.screen = screen
	m.state.ScreenSharing = true
	return nil
}

func (m *Manager) stopScreenShareLocked(ctx context.Context) error {
	screen := m.screen
	err := m.unpublishLocked(ctx, screen)
	m.stopTrack(screen)
	m.screen = nil
	m.state.ScreenSharing = false
	if err != nil {
		return err
	}

	if m.camera != nil {
		if err := m.transport.Publish(ctx, m.camera); err != nil {
			return apperrors.TransportError("republish camera track", err)
		}
		m.published[m.camera.ID()] = m.camera
	}
	return nil
}

func (m *Manager) unpublishLocked(ctx context.Context, track port.LocalTrack) error {
	if _, ok := m.published[track.ID()]; !ok {
		return nil
	}
	if err := m.transport.Unpublish(ctx, track); err != nil {
		return apperrors.TransportError("unpublish track", err)
	}
	delete(m.published, track.ID())
	return nil
}

// Release unpublishes and stops every local track, leaves the room and resets
// LocalMediaState. Transport failures are logged; tracks are stopped regardless.
func (m *Manager) Release(ctx context.Context) {
	m.mu.Lock()
	m.releaseLocked(ctx)
	m.mu.Unlock()
	m.changed()
}

func (m *Manager) releaseLocked(ctx context.Context) {
	for id, track := range m.published {
		if err := m.transport.Unpublish(ctx, track); err != nil {
			logger.Warn("Failed to unpublish track during release", zap.String("track_id", id), zap.Error(err))
		}
	}
	m.published = make(map[string]port.LocalTrack)

	for _, track := range []port.LocalTrack{m.mic, m.camera, m.screen} {
		if track != nil {
			m.stopTrack(track)
		}
	}
	m.mic, m.camera, m.screen = nil, nil, nil

	if m.room != "" {
		if err := m.transport.LeaveRoom(ctx); err != nil {
			logger.Warn("Failed to leave media room during release", zap.String("room", m.room), zap.Error(err))
		}
	}
	m.room, m.uid = "", ""
	m.state = domain.DefaultLocalMediaState()
	m.remote = make(map[string]domain.RemoteTrack)
}

func (m *Manager) stopTrack(track port.LocalTrack) {
	track.Stop()
	metrics.MediaTracksOpen.Dec()
}

// State returns the current LocalMediaState
func (m *Manager) State() domain.LocalMediaState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OpenTracks is the number of local device tracks currently held
func (m *Manager) OpenTracks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, track := range []port.LocalTrack{m.mic, m.camera, m.screen} {
		if track != nil {
			n++
		}
	}
	return n
}

// RemoteTracks lists the other party's tracks sorted by id
func (m *Manager) RemoteTracks() []domain.RemoteTrack {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.RemoteTrack, 0, len(m.remote))
	for _, t := range m.remote {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) handleRemoteTrackAdded(info port.RemoteTrackInfo) {
	m.mu.Lock()
	if m.room == "" {
		m.mu.Unlock()
		return
	}
	m.remote[info.ID] = domain.RemoteTrack{ID: info.ID, PeerID: info.PeerID, Kind: info.Kind}
	m.mu.Unlock()
	m.changed()
}

func (m *Manager) handleRemoteTrackRemoved(info port.RemoteTrackInfo) {
	m.mu.Lock()
	delete(m.remote, info.ID)
	m.mu.Unlock()
	m.changed()
}

func (m *Manager) handleRemotePeerLeft(peerID string) {
	m.mu.Lock()
	if m.room == "" {
		m.mu.Unlock()
		return
	}
	for id, t := range m.remote {
		if t.PeerID == peerID {
			delete(m.remote, id)
		}
	}
	fn := m.onPeerLeft
	m.mu.Unlock()

	logger.Info("Remote peer left media room", zap.String("peer_id", peerID))
	m.changed()
	if fn != nil {
		fn(peerID)
	}
}

func (m *Manager) changed() {
	m.mu.Lock()
	fn := m.onChange
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}
