package call

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"trainhub-realtime/internal/domain"
	"trainhub-realtime/internal/media/fake"
	"trainhub-realtime/internal/port"
	mediasvc "trainhub-realtime/internal/service/media"
	"trainhub-realtime/internal/syncstore/memory"
	apperrors "trainhub-realtime/pkg/errors"
)

const (
	waitFor = time.Second
	tick    = 5 * time.Millisecond
)

// MockHistoryRecorder is a mock implementation of HistoryRecorder
type MockHistoryRecorder struct {
	mock.Mock
}

func (m *MockHistoryRecorder) Record(ctx context.Context, session domain.CallSession) error {
	args := m.Called(ctx, session)
	return args.Error(0)
}

type party struct {
	who       domain.Participant
	coord     *Coordinator
	media     *mediasvc.Manager
	transport *fake.Transport
}

func newParty(t *testing.T, store port.SyncPort, id string, cfg Config, devices ...port.TrackSource) *party {
	t.Helper()
	if devices == nil {
		devices = []port.TrackSource{port.SourceMicrophone, port.SourceCamera, port.SourceScreen}
	}
	who := domain.Participant{ID: id, DisplayName: "User " + id, Kind: domain.ParticipantContact, Active: true}
	transport := fake.NewTransport(devices...)
	media := mediasvc.NewManager(transport)
	coord := NewCoordinator(store, media, who, cfg, nil, nil)
	media.OnRemotePeerLeft(coord.HandleRemotePeerLeft)

	require.NoError(t, coord.Start(context.Background()))
	t.Cleanup(func() { coord.Stop(context.Background()) })
	return &party{who: who, coord: coord, media: media, transport: transport}
}

func (p *party) waitPhase(t *testing.T, phase Phase) State {
	t.Helper()
	require.Eventually(t, func() bool { return p.coord.State().Phase == phase }, waitFor, tick,
		"%s never reached %s", p.who.ID, phase)
	return p.coord.State()
}

func readSession(t *testing.T, store port.SyncPort, id string) domain.CallSession {
	t.Helper()
	raw, err := store.ReadOnce(context.Background(), port.CallPath(id))
	require.NoError(t, err)
	sess, err := domain.ParseCallSession(id, raw)
	require.NoError(t, err)
	return sess
}

func callRecords(t *testing.T, store port.SyncPort) map[string]json.RawMessage {
	t.Helper()
	var (
		mu       sync.Mutex
		children map[string]json.RawMessage
	)
	unsub, err := store.Subscribe(context.Background(), port.CallsRoot, nil, func(ev port.Event) {
		mu.Lock()
		defer mu.Unlock()
		if ev.Kind == port.EventSnapshot && children == nil {
			children = ev.Children
		}
	})
	require.NoError(t, err)
	defer unsub()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return children != nil
	}, waitFor, tick)
	return children
}

func TestScenario_VoiceCallAcceptedThenEnded(t *testing.T) {
	store := memory.NewStore()
	a := newParty(t, store, "a", Config{})
	b := newParty(t, store, "b", Config{})
	ctx := context.Background()

	sess, err := a.coord.StartCall(ctx, b.who, domain.CallKindVoice)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusPending, readSession(t, store, sess.ID).Status)
	assert.Equal(t, PhaseOutgoing, a.coord.State().Phase)

	st := b.waitPhase(t, PhaseIncoming)
	require.NotNil(t, st.IncomingOffer)
	assert.Equal(t, sess.ID, st.IncomingOffer.ID)
	assert.Equal(t, "User a", st.IncomingOffer.InitiatorName)

	require.NoError(t, b.coord.AcceptCall(ctx))
	assert.Equal(t, PhaseAccepted, b.coord.State().Phase)
	a.waitPhase(t, PhaseAccepted)
	assert.Equal(t, domain.CallStatusAccepted, readSession(t, store, sess.ID).Status)
	assert.Equal(t, sess.RoomToken, a.transport.Room())
	assert.Equal(t, sess.RoomToken, b.transport.Room())
	assert.Equal(t, 1, a.transport.OpenTracks())
	assert.Equal(t, 1, b.transport.OpenTracks())

	require.NoError(t, a.coord.EndCall(ctx))
	assert.Equal(t, PhaseIdle, a.coord.State().Phase)
	ended := readSession(t, store, sess.ID)
	assert.Equal(t, domain.CallStatusEnded, ended.Status)
	assert.NotNil(t, ended.EndedAt)

	st = b.waitPhase(t, PhaseIdle)
	assert.Equal(t, OutcomeEnded, st.Outcome)
	assert.Nil(t, st.IncomingOffer)
	assert.Equal(t, 0, a.transport.OpenTracks())
	assert.Equal(t, 0, b.transport.OpenTracks())
	assert.Empty(t, b.transport.Room())
}

func TestEndCall_Idempotent(t *testing.T) {
	store := memory.NewStore()
	a := newParty(t, store, "a", Config{})
	b := newParty(t, store, "b", Config{})
	ctx := context.Background()

	require.NoError(t, a.coord.EndCall(ctx), "idle end is a no-op")

	_, err := a.coord.StartCall(ctx, b.who, domain.CallKindVideo)
	require.NoError(t, err)
	require.NoError(t, a.coord.EndCall(ctx))
	require.NoError(t, a.coord.EndCall(ctx))
	assert.Equal(t, 0, a.transport.OpenTracks())
	assert.Equal(t, OutcomeMissed, a.coord.State().Outcome)

	// the remote side ends first
	_, err = a.coord.StartCall(ctx, b.who, domain.CallKindVideo)
	require.NoError(t, err)
	b.waitPhase(t, PhaseIncoming)
	require.NoError(t, b.coord.AcceptCall(ctx))
	a.waitPhase(t, PhaseAccepted)

	require.NoError(t, b.coord.EndCall(ctx))
	a.waitPhase(t, PhaseIdle)
	require.NoError(t, a.coord.EndCall(ctx))
	assert.Equal(t, 0, a.transport.OpenTracks())
	assert.Equal(t, 0, b.transport.OpenTracks())
}

func TestStartCall_Guards(t *testing.T) {
	store := memory.NewStore()
	a := newParty(t, store, "a", Config{})
	b := newParty(t, store, "b", Config{})
	c := newParty(t, store, "c", Config{})
	ctx := context.Background()

	group := domain.Participant{ID: "g1", DisplayName: "Cohort", Kind: domain.ParticipantGroup}
	_, err := a.coord.StartCall(ctx, group, domain.CallKindVoice)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidTarget))

	_, err = a.coord.StartCall(ctx, a.who, domain.CallKindVoice)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidTarget))

	_, err = a.coord.StartCall(ctx, b.who, domain.CallKind("hologram"))
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))

	_, err = a.coord.StartCall(ctx, b.who, domain.CallKindVoice)
	require.NoError(t, err)

	// pending
	_, err = a.coord.StartCall(ctx, c.who, domain.CallKindVoice)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidTarget))

	// accepted
	b.waitPhase(t, PhaseIncoming)
	require.NoError(t, b.coord.AcceptCall(ctx))
	a.waitPhase(t, PhaseAccepted)
	_, err = a.coord.StartCall(ctx, c.who, domain.CallKindVoice)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidTarget))
	_, err = b.coord.StartCall(ctx, c.who, domain.CallKindVoice)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidTarget))

	assert.Equal(t, 1, a.transport.OpenTracks())
}

func TestStartCall_NoMicrophoneLeavesNoRecord(t *testing.T) {
	store := memory.NewStore()
	a := newParty(t, store, "a", Config{}, port.SourceCamera)
	b := newParty(t, store, "b", Config{})

	_, err := a.coord.StartCall(context.Background(), b.who, domain.CallKindVideo)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNoMicrophone))
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeMediaUnavailable))

	assert.Equal(t, PhaseIdle, a.coord.State().Phase)
	assert.Equal(t, 0, a.transport.OpenTracks())
	assert.Empty(t, callRecords(t, store))
}

func TestStartCall_JoinFailureReleasesMedia(t *testing.T) {
	store := memory.NewStore()
	a := newParty(t, store, "a", Config{})
	b := newParty(t, store, "b", Config{})
	a.transport.FailNext("join", assert.AnError)

	_, err := a.coord.StartCall(context.Background(), b.who, domain.CallKindVideo)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeTransport))
	assert.Equal(t, PhaseIdle, a.coord.State().Phase)
	assert.Equal(t, 0, a.transport.OpenTracks())
	assert.Empty(t, callRecords(t, store))
}

func TestRejectCall(t *testing.T) {
	store := memory.NewStore()
	a := newParty(t, store, "a", Config{})
	b := newParty(t, store, "b", Config{})
	ctx := context.Background()

	assert.True(t, apperrors.HasCode(b.coord.RejectCall(ctx), apperrors.ErrCodeInvalidTarget))
	assert.True(t, apperrors.HasCode(b.coord.AcceptCall(ctx), apperrors.ErrCodeInvalidTarget))

	sess, err := a.coord.StartCall(ctx, b.who, domain.CallKindVoice)
	require.NoError(t, err)
	b.waitPhase(t, PhaseIncoming)

	require.NoError(t, b.coord.RejectCall(ctx))
	assert.Equal(t, OutcomeRejected, b.coord.State().Outcome)
	assert.Equal(t, 0, b.transport.OpenTracks())

	st := a.waitPhase(t, PhaseIdle)
	assert.Equal(t, OutcomeRejected, st.Outcome)
	assert.Equal(t, 0, a.transport.OpenTracks())

	rec := readSession(t, store, sess.ID)
	assert.Equal(t, domain.CallStatusRejected, rec.Status)
	assert.NotNil(t, rec.EndedAt)

	// the rejected offer never comes back
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, PhaseIdle, b.coord.State().Phase)
}

func TestCallerHangsUpBeforeAnswer(t *testing.T) {
	store := memory.NewStore()
	a := newParty(t, store, "a", Config{})
	b := newParty(t, store, "b", Config{})
	ctx := context.Background()

	_, err := a.coord.StartCall(ctx, b.who, domain.CallKindVoice)
	require.NoError(t, err)
	b.waitPhase(t, PhaseIncoming)

	require.NoError(t, a.coord.EndCall(ctx))
	st := b.waitPhase(t, PhaseIdle)
	assert.Equal(t, OutcomeMissed, st.Outcome)
	assert.Nil(t, st.IncomingOffer)
}

func TestIncomingOffer_SuppressedWhileBusy(t *testing.T) {
	store := memory.NewStore()
	a := newParty(t, store, "a", Config{})
	b := newParty(t, store, "b", Config{})
	c := newParty(t, store, "c", Config{})
	ctx := context.Background()

	first, err := c.coord.StartCall(ctx, b.who, domain.CallKindVoice)
	require.NoError(t, err)
	b.waitPhase(t, PhaseIncoming)
	require.NoError(t, b.coord.AcceptCall(ctx))

	second, err := a.coord.StartCall(ctx, b.who, domain.CallKindVoice)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	st := b.coord.State()
	assert.Equal(t, PhaseAccepted, st.Phase)
	assert.Equal(t, first.ID, st.Session.ID)
	assert.Nil(t, st.IncomingOffer)

	// once free, the still-ringing offer surfaces
	require.NoError(t, b.coord.EndCall(ctx))
	require.Eventually(t, func() bool {
		st := b.coord.State()
		return st.IncomingOffer != nil && st.IncomingOffer.ID == second.ID
	}, waitFor, tick)
}

func TestRingTimeoutEndsUnansweredCall(t *testing.T) {
	store := memory.NewStore()
	a := newParty(t, store, "a", Config{RingTimeout: 50 * time.Millisecond})
	b := domain.Participant{ID: "b", DisplayName: "Offline", Kind: domain.ParticipantContact}

	sess, err := a.coord.StartCall(context.Background(), b, domain.CallKindVoice)
	require.NoError(t, err)

	st := a.waitPhase(t, PhaseIdle)
	assert.Equal(t, OutcomeMissed, st.Outcome)
	assert.Equal(t, 0, a.transport.OpenTracks())
	assert.Equal(t, domain.CallStatusEnded, readSession(t, store, sess.ID).Status)
}

func TestStaleOfferIsNotSurfaced(t *testing.T) {
	store := memory.NewStore()
	old := domain.CallSession{
		ID: "old", InitiatorID: "a", InitiatorName: "A", RecipientID: "b", RecipientName: "B",
		Kind: domain.CallKindVoice, Status: domain.CallStatusPending, RoomToken: "r",
		CreatedAt: time.Now().Add(-time.Hour).UTC(),
	}
	require.NoError(t, store.Write(context.Background(), port.CallPath(old.ID), old))

	b := newParty(t, store, "b", Config{RingTimeout: time.Minute})
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, PhaseIdle, b.coord.State().Phase)
}

func TestSubscriptionLossIsImplicitEnd(t *testing.T) {
	store := memory.NewStore()
	a := newParty(t, store, "a", Config{})
	b := newParty(t, store, "b", Config{})
	ctx := context.Background()

	_, err := a.coord.StartCall(ctx, b.who, domain.CallKindVideo)
	require.NoError(t, err)
	b.waitPhase(t, PhaseIncoming)
	require.NoError(t, b.coord.AcceptCall(ctx))
	a.waitPhase(t, PhaseAccepted)

	store.DropSubscriptions(assert.AnError)

	a.waitPhase(t, PhaseIdle)
	b.waitPhase(t, PhaseIdle)
	assert.Equal(t, 0, a.transport.OpenTracks())
	assert.Equal(t, 0, b.transport.OpenTracks())
}

func TestMalformedRecordIsIgnored(t *testing.T) {
	store := memory.NewStore()
	a := newParty(t, store, "a", Config{})
	b := domain.Participant{ID: "b", DisplayName: "B", Kind: domain.ParticipantContact}
	ctx := context.Background()

	sess, err := a.coord.StartCall(ctx, b, domain.CallKindVoice)
	require.NoError(t, err)

	require.NoError(t, store.Update(ctx, port.CallPath(sess.ID), map[string]any{"status": "ringing"}))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, PhaseOutgoing, a.coord.State().Phase)

	require.NoError(t, store.Update(ctx, port.CallPath(sess.ID), map[string]any{"status": "ended"}))
	a.waitPhase(t, PhaseIdle)
}

func TestRecordDeletedEndsCall(t *testing.T) {
	store := memory.NewStore()
	a := newParty(t, store, "a", Config{})
	b := domain.Participant{ID: "b", DisplayName: "B", Kind: domain.ParticipantContact}

	sess, err := a.coord.StartCall(context.Background(), b, domain.CallKindVoice)
	require.NoError(t, err)
	require.NoError(t, store.Remove(context.Background(), port.CallPath(sess.ID)))

	a.waitPhase(t, PhaseIdle)
	assert.Equal(t, 0, a.transport.OpenTracks())
}

func TestRemotePeerLeftEndsCall(t *testing.T) {
	store := memory.NewStore()
	a := newParty(t, store, "a", Config{})
	b := newParty(t, store, "b", Config{})
	ctx := context.Background()

	sess, err := a.coord.StartCall(ctx, b.who, domain.CallKindVoice)
	require.NoError(t, err)
	b.waitPhase(t, PhaseIncoming)
	require.NoError(t, b.coord.AcceptCall(ctx))
	a.waitPhase(t, PhaseAccepted)

	a.transport.EmitRemotePeerLeft("b-uid")

	a.waitPhase(t, PhaseIdle)
	b.waitPhase(t, PhaseIdle)
	assert.Equal(t, domain.CallStatusEnded, readSession(t, store, sess.ID).Status)
}

func TestAcceptCall_MediaFailureRetractsOffer(t *testing.T) {
	store := memory.NewStore()
	a := newParty(t, store, "a", Config{})
	b := newParty(t, store, "b", Config{}, port.SourceScreen)
	ctx := context.Background()

	sess, err := a.coord.StartCall(ctx, b.who, domain.CallKindVoice)
	require.NoError(t, err)
	b.waitPhase(t, PhaseIncoming)

	err = b.coord.AcceptCall(ctx)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNoMicrophone))
	st := b.coord.State()
	assert.Equal(t, PhaseIdle, st.Phase)
	assert.Equal(t, OutcomeFailed, st.Outcome)

	a.waitPhase(t, PhaseIdle)
	assert.Equal(t, domain.CallStatusEnded, readSession(t, store, sess.ID).Status)
	assert.Equal(t, 0, a.transport.OpenTracks())
}

func TestHistoryRecordedByInitiator(t *testing.T) {
	store := memory.NewStore()
	recorded := make(chan struct{})
	history := new(MockHistoryRecorder)
	history.On("Record", mock.Anything, mock.MatchedBy(func(s domain.CallSession) bool {
		return s.Status == domain.CallStatusRejected && s.EndedAt != nil
	})).Run(func(mock.Arguments) { close(recorded) }).Return(nil).Once()

	who := domain.Participant{ID: "a", DisplayName: "A", Kind: domain.ParticipantOperator}
	transport := fake.NewTransport(port.SourceMicrophone)
	a := NewCoordinator(store, mediasvc.NewManager(transport), who, Config{}, nil, history)
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop(context.Background())
	b := newParty(t, store, "b", Config{})

	_, err := a.StartCall(context.Background(), b.who, domain.CallKindVoice)
	require.NoError(t, err)
	b.waitPhase(t, PhaseIncoming)
	require.NoError(t, b.coord.RejectCall(context.Background()))

	select {
	case <-recorded:
	case <-time.After(waitFor):
		t.Fatal("call was not archived")
	}
	history.AssertExpectations(t)
}

func TestBothPartiesEndAtOnce(t *testing.T) {
	store := memory.NewStore()
	a := newParty(t, store, "a", Config{})
	b := newParty(t, store, "b", Config{})
	ctx := context.Background()

	for round := 0; round < 2; round++ {
		sess, err := a.coord.StartCall(ctx, b.who, domain.CallKindVideo)
		require.NoError(t, err)
		b.waitPhase(t, PhaseIncoming)
		require.NoError(t, b.coord.AcceptCall(ctx))
		a.waitPhase(t, PhaseAccepted)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, b.coord.EndCall(ctx))
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, a.coord.EndCall(ctx))
		}()
		wg.Wait()

		a.waitPhase(t, PhaseIdle)
		b.waitPhase(t, PhaseIdle)
		assert.Equal(t, 0, a.transport.OpenTracks())
		assert.Equal(t, 0, b.transport.OpenTracks())
		assert.Empty(t, a.transport.Room())
		assert.Empty(t, b.transport.Room())
		assert.Equal(t, domain.CallStatusEnded, readSession(t, store, sess.ID).Status)
	}
}

func TestRejectRacesCallerHangup(t *testing.T) {
	store := memory.NewStore()
	a := newParty(t, store, "a", Config{})
	b := newParty(t, store, "b", Config{})
	ctx := context.Background()

	sess, err := a.coord.StartCall(ctx, b.who, domain.CallKindVoice)
	require.NoError(t, err)
	b.waitPhase(t, PhaseIncoming)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		// loses to the hangup when the offer is already gone
		_ = b.coord.RejectCall(ctx)
	}()
	go func() {
		defer wg.Done()
		assert.NoError(t, a.coord.EndCall(ctx))
	}()
	wg.Wait()

	a.waitPhase(t, PhaseIdle)
	st := b.waitPhase(t, PhaseIdle)
	assert.Nil(t, st.IncomingOffer)
	assert.Equal(t, 0, a.transport.OpenTracks())
	assert.Equal(t, 0, b.transport.OpenTracks())
	assert.True(t, readSession(t, store, sess.ID).Status.IsTerminal())

	// a new call still goes through
	_, err = a.coord.StartCall(ctx, b.who, domain.CallKindVoice)
	require.NoError(t, err)
	b.waitPhase(t, PhaseIncoming)
}

// corruptReads serves a malformed record for one path to ReadOnce only
type corruptReads struct {
	port.SyncPort

	mu   sync.Mutex
	path string
}

func (s *corruptReads) corrupt(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.path = path
}

func (s *corruptReads) ReadOnce(ctx context.Context, path string) (json.RawMessage, error) {
	s.mu.Lock()
	bad := s.path != "" && s.path == path
	s.mu.Unlock()
	if bad {
		return json.RawMessage(`{"status":"ringing"}`), nil
	}
	return s.SyncPort.ReadOnce(ctx, path)
}

func TestAcceptCall_MalformedRecordIsNotAccepted(t *testing.T) {
	store := memory.NewStore()
	reads := &corruptReads{SyncPort: store}
	a := newParty(t, store, "a", Config{})
	b := newParty(t, reads, "b", Config{})
	ctx := context.Background()

	sess, err := a.coord.StartCall(ctx, b.who, domain.CallKindVoice)
	require.NoError(t, err)
	b.waitPhase(t, PhaseIncoming)

	reads.corrupt(port.CallPath(sess.ID))
	err = b.coord.AcceptCall(ctx)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidTarget))

	st := b.coord.State()
	assert.Equal(t, PhaseIdle, st.Phase)
	assert.Equal(t, 0, b.transport.OpenTracks())
	assert.Empty(t, b.transport.Room())
	assert.Equal(t, domain.CallStatusPending, readSession(t, store, sess.ID).Status)
	assert.Equal(t, PhaseOutgoing, a.coord.State().Phase)
}
