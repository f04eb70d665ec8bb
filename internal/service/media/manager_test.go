package media

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trainhub-realtime/internal/domain"
	"trainhub-realtime/internal/media/fake"
	"trainhub-realtime/internal/port"
	apperrors "trainhub-realtime/pkg/errors"
)

func allDevices() *fake.Transport {
	return fake.NewTransport(port.SourceMicrophone, port.SourceCamera, port.SourceScreen)
}

func joined(t *testing.T, tr *fake.Transport, kind domain.CallKind) *Manager {
	t.Helper()
	ctx := context.Background()
	m := NewManager(tr)
	require.NoError(t, m.Acquire(ctx, kind))
	_, err := m.Join(ctx, "room-1")
	require.NoError(t, err)
	require.NoError(t, m.Publish(ctx))
	return m
}

func TestAcquire_Voice(t *testing.T) {
	tr := allDevices()
	m := NewManager(tr)

	require.NoError(t, m.Acquire(context.Background(), domain.CallKindVoice))
	require.NoError(t, m.Acquire(context.Background(), domain.CallKindVoice))

	assert.Equal(t, 1, m.OpenTracks())
	assert.Equal(t, 1, tr.OpenTracks())
	assert.False(t, m.State().CameraOn)
}

func TestAcquire_NoMicrophone(t *testing.T) {
	tr := fake.NewTransport(port.SourceCamera)
	m := NewManager(tr)

	err := m.Acquire(context.Background(), domain.CallKindVideo)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNoMicrophone))
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeMediaUnavailable))
	assert.Equal(t, 0, tr.OpenTracks())
}

func TestAcquire_VideoDegradesWithoutCamera(t *testing.T) {
	tr := fake.NewTransport(port.SourceMicrophone)
	m := NewManager(tr)

	require.NoError(t, m.Acquire(context.Background(), domain.CallKindVideo))
	assert.Equal(t, 1, tr.OpenTracks())
	assert.False(t, m.State().CameraOn)
}

func TestAcquire_CameraFailureReleasesMicrophone(t *testing.T) {
	tr := allDevices()
	tr.FailNext(string(port.SourceCamera), errors.New("camera busy"))
	m := NewManager(tr)

	err := m.Acquire(context.Background(), domain.CallKindVideo)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeMediaUnavailable))
	assert.Equal(t, 0, tr.OpenTracks())
}

func TestJoin_FailureIsTransportError(t *testing.T) {
	tr := allDevices()
	tr.FailNext("join", errors.New("sfu down"))
	m := NewManager(tr)

	_, err := m.Join(context.Background(), "room-1")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeTransport))
}

func TestToggles(t *testing.T) {
	tr := allDevices()
	m := NewManager(tr)

	// no tracks: toggles report the unchanged state
	assert.Equal(t, domain.DefaultLocalMediaState(), m.ToggleMic())
	assert.Equal(t, domain.DefaultLocalMediaState(), m.ToggleCamera())

	m = joined(t, tr, domain.CallKindVideo)
	assert.True(t, m.ToggleMic().MicMuted)
	assert.False(t, m.ToggleCamera().CameraOn)
	assert.False(t, m.ToggleMic().MicMuted)
	assert.True(t, m.ToggleCamera().CameraOn)
}

func TestToggleScreenShare_TwiceRestoresCamera(t *testing.T) {
	tr := allDevices()
	m := joined(t, tr, domain.CallKindVideo)
	ctx := context.Background()

	state, err := m.ToggleScreenShare(ctx)
	require.NoError(t, err)
	assert.True(t, state.ScreenSharing)
	assert.ElementsMatch(t, []port.TrackSource{port.SourceMicrophone, port.SourceScreen}, tr.Published())
	assert.Equal(t, 3, tr.OpenTracks())

	state, err = m.ToggleScreenShare(ctx)
	require.NoError(t, err)
	assert.False(t, state.ScreenSharing)
	assert.ElementsMatch(t, []port.TrackSource{port.SourceMicrophone, port.SourceCamera}, tr.Published())
	assert.Equal(t, 2, tr.OpenTracks())
}

func TestToggleScreenShare_CaptureFailureLeavesStateUnchanged(t *testing.T) {
	tr := allDevices()
	m := joined(t, tr, domain.CallKindVideo)
	tr.FailNext(string(port.SourceScreen), errors.New("permission denied"))

	state, err := m.ToggleScreenShare(context.Background())
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeMediaUnavailable))
	assert.False(t, state.ScreenSharing)
	assert.ElementsMatch(t, []port.TrackSource{port.SourceMicrophone, port.SourceCamera}, tr.Published())
}

func TestToggleScreenShare_OutsideRoomIsNoop(t *testing.T) {
	tr := allDevices()
	m := NewManager(tr)

	state, err := m.ToggleScreenShare(context.Background())
	require.NoError(t, err)
	assert.False(t, state.ScreenSharing)
	assert.Equal(t, 0, tr.OpenTracks())
}

func TestRelease_IsIdempotent(t *testing.T) {
	tr := allDevices()
	m := joined(t, tr, domain.CallKindVideo)
	_, err := m.ToggleScreenShare(context.Background())
	require.NoError(t, err)
	m.ToggleMic()

	tr.FailNext("leave", errors.New("already gone"))
	m.Release(context.Background())
	m.Release(context.Background())

	assert.Equal(t, 0, tr.OpenTracks())
	assert.Equal(t, 0, m.OpenTracks())
	assert.Empty(t, tr.Published())
	assert.Equal(t, domain.DefaultLocalMediaState(), m.State())
}

func TestRemoteEvents(t *testing.T) {
	tr := allDevices()
	m := joined(t, tr, domain.CallKindVoice)

	var left []string
	m.OnRemotePeerLeft(func(peerID string) { left = append(left, peerID) })

	tr.EmitRemoteTrackAdded(port.RemoteTrackInfo{ID: "t1", PeerID: "peer", Kind: "audio"})
	require.Len(t, m.RemoteTracks(), 1)

	tr.EmitRemotePeerLeft("peer")
	assert.Empty(t, m.RemoteTracks())
	assert.Equal(t, []string{"peer"}, left)

	m.Release(context.Background())
	tr.EmitRemotePeerLeft("peer")
	assert.Len(t, left, 1)
}
