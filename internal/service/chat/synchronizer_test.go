package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"trainhub-realtime/internal/domain"
	"trainhub-realtime/internal/port"
	"trainhub-realtime/internal/syncstore/memory"
	"trainhub-realtime/pkg/constants"
	apperrors "trainhub-realtime/pkg/errors"
)

// MockSyncPort is a mock implementation of port.SyncPort
type MockSyncPort struct {
	mock.Mock
}

func (m *MockSyncPort) Write(ctx context.Context, path string, value any) error {
	args := m.Called(ctx, path, value)
	return args.Error(0)
}

func (m *MockSyncPort) Update(ctx context.Context, path string, fields map[string]any) error {
	args := m.Called(ctx, path, fields)
	return args.Error(0)
}

func (m *MockSyncPort) Remove(ctx context.Context, path string) error {
	args := m.Called(ctx, path)
	return args.Error(0)
}

func (m *MockSyncPort) ReadOnce(ctx context.Context, path string) (json.RawMessage, error) {
	args := m.Called(ctx, path)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(json.RawMessage), args.Error(1)
}

func (m *MockSyncPort) Subscribe(ctx context.Context, path string, q *port.Query, fn func(port.Event)) (port.Unsubscribe, error) {
	args := m.Called(ctx, path, q, fn)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(port.Unsubscribe), args.Error(1)
}

// stepClock hands out strictly increasing timestamps
type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type emissions struct {
	mu    sync.Mutex
	lists [][]domain.Message
}

func (e *emissions) record(_ string, msgs []domain.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lists = append(e.lists, msgs)
}

func (e *emissions) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.lists)
}

func newPair(t *testing.T) (*memory.Store, *Synchronizer, *Synchronizer) {
	t.Helper()
	store := memory.NewStore()
	clock := &stepClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}

	a := NewSynchronizer(store, "op")
	a.now = clock.now
	b := NewSynchronizer(store, "ct")
	b.now = clock.now
	return store, a, b
}

func waitLen(t *testing.T, s *Synchronizer, n int) []domain.Message {
	t.Helper()
	require.Eventually(t, func() bool { return len(s.Messages()) == n }, time.Second, 5*time.Millisecond)
	return s.Messages()
}

func TestSend_Validation(t *testing.T) {
	_, a, _ := newPair(t)
	ctx := context.Background()

	_, err := a.Send(ctx, "hello")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation), "no open conversation")

	require.NoError(t, a.Open(ctx, "ct_op"))
	defer a.Close()
	_, err = a.Send(ctx, "   \n\t")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))
	_, err = a.Send(ctx, strings.Repeat("x", constants.MaxMessageLength+1))
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))

	assert.True(t, apperrors.HasCode(a.Open(ctx, " "), apperrors.ErrCodeValidation))
}

func TestSend_ThenOpenListsOneNewEntryLast(t *testing.T) {
	_, a, b := newPair(t)
	ctx := context.Background()

	require.NoError(t, a.Open(ctx, "ct_op"))
	for _, text := range []string{"one", "two"} {
		_, err := a.Send(ctx, text)
		require.NoError(t, err)
	}
	waitLen(t, a, 2)

	sent, err := a.Send(ctx, "three")
	require.NoError(t, err)
	a.Close()

	require.NoError(t, b.Open(ctx, "ct_op"))
	defer b.Close()
	msgs := waitLen(t, b, 3)

	last := msgs[2]
	assert.Equal(t, sent.ID, last.ID)
	assert.Equal(t, "op", last.SenderID)
	assert.Equal(t, "three", last.Text)
	for _, m := range msgs[:2] {
		assert.True(t, m.Timestamp.Before(last.Timestamp))
	}
}

func TestSend_NoOptimisticInsertAndSingleEmission(t *testing.T) {
	_, a, _ := newPair(t)
	ctx := context.Background()

	rec := &emissions{}
	a.OnChange(rec.record)
	require.NoError(t, a.Open(ctx, "ct_op"))
	defer a.Close()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 0, rec.count())

	_, err := a.Send(ctx, "hi")
	require.NoError(t, err)
	waitLen(t, a, 1)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

func TestEdit_ByNonSenderIsRejected(t *testing.T) {
	store, a, b := newPair(t)
	ctx := context.Background()

	require.NoError(t, a.Open(ctx, "ct_op"))
	defer a.Close()
	require.NoError(t, b.Open(ctx, "ct_op"))
	defer b.Close()

	sent, err := a.Send(ctx, "original")
	require.NoError(t, err)

	err = b.Edit(ctx, sent.ID, "hijacked")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeAuthorization))
	err = b.Delete(ctx, sent.ID)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeAuthorization))

	raw, err := store.ReadOnce(ctx, port.MessagePath("ct_op", sent.ID))
	require.NoError(t, err)
	stored, err := domain.ParseMessage(sent.ID, raw)
	require.NoError(t, err)
	assert.Equal(t, "original", stored.Text)
}

func TestEdit_KeepsTimestamp(t *testing.T) {
	_, a, _ := newPair(t)
	ctx := context.Background()

	require.NoError(t, a.Open(ctx, "ct_op"))
	defer a.Close()

	first, err := a.Send(ctx, "first")
	require.NoError(t, err)
	_, err = a.Send(ctx, "second")
	require.NoError(t, err)
	waitLen(t, a, 2)

	require.NoError(t, a.Edit(ctx, first.ID, "first, edited"))
	require.Eventually(t, func() bool {
		msgs := a.Messages()
		return len(msgs) == 2 && msgs[0].Text == "first, edited"
	}, time.Second, 5*time.Millisecond)

	msgs := a.Messages()
	assert.Equal(t, first.ID, msgs[0].ID)
	assert.True(t, first.Timestamp.Equal(msgs[0].Timestamp))
	require.NotNil(t, msgs[0].EditedAt)

	assert.True(t, apperrors.HasCode(a.Edit(ctx, first.ID, " "), apperrors.ErrCodeValidation))
	assert.True(t, apperrors.HasCode(a.Edit(ctx, "missing", "x"), apperrors.ErrCodeNotFound))
}

func TestDelete_TwiceReportsNotFound(t *testing.T) {
	_, a, _ := newPair(t)
	ctx := context.Background()

	require.NoError(t, a.Open(ctx, "ct_op"))
	defer a.Close()

	sent, err := a.Send(ctx, "bye")
	require.NoError(t, err)
	waitLen(t, a, 1)

	require.NoError(t, a.Delete(ctx, sent.ID))
	waitLen(t, a, 0)

	err = a.Delete(ctx, sent.ID)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
}

func TestMerge_SnapshotIdempotentAndSorted(t *testing.T) {
	s := NewSynchronizer(memory.NewStore(), "op")
	rec := &emissions{}
	s.OnChange(rec.record)
	s.key = "ct_op"

	snapshot := port.Event{
		Kind: port.EventSnapshot,
		Children: map[string]json.RawMessage{
			"b": json.RawMessage(`{"senderId":"ct","text":"later","timestamp":"2026-03-01T09:00:02Z"}`),
			"a": json.RawMessage(`{"senderId":"op","text":"earlier","timestamp":"2026-03-01T09:00:01Z"}`),
			"x": json.RawMessage(`{"text":"no sender"}`),
		},
	}

	s.apply(s.gen, snapshot)
	s.apply(s.gen, snapshot)

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "a", msgs[0].ID)
	assert.Equal(t, "b", msgs[1].ID)
	assert.Equal(t, 1, rec.count())

	// an incremental put for an existing id replaces it in place
	s.apply(s.gen, port.Event{
		Kind:  port.EventChildPut,
		Key:   "a",
		Value: json.RawMessage(`{"senderId":"op","text":"edited","timestamp":"2026-03-01T09:00:01Z"}`),
	})
	msgs = s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "edited", msgs[0].Text)
	assert.Equal(t, 2, rec.count())

	// out-of-order arrival of an older message still sorts first
	s.apply(s.gen, port.Event{
		Kind:  port.EventChildPut,
		Key:   "z",
		Value: json.RawMessage(`{"senderId":"ct","text":"oldest","timestamp":"2026-03-01T08:59:00Z"}`),
	})
	assert.Equal(t, "z", s.Messages()[0].ID)
}

func TestOpen_DropsEventsFromPreviousConversation(t *testing.T) {
	s := NewSynchronizer(memory.NewStore(), "op")
	require.NoError(t, s.Open(context.Background(), "first"))
	stale := s.gen
	require.NoError(t, s.Open(context.Background(), "second"))
	defer s.Close()

	s.apply(stale, port.Event{
		Kind:  port.EventChildPut,
		Key:   "m",
		Value: json.RawMessage(`{"senderId":"ct","text":"wrong room","timestamp":"2026-03-01T09:00:00Z"}`),
	})
	assert.Empty(t, s.Messages())
	assert.Equal(t, "second", s.Key())
}

func TestSend_StoreFailureIsTransportError(t *testing.T) {
	store := new(MockSyncPort)
	store.On("Subscribe", mock.Anything, "conversations/ct_op/messages", (*port.Query)(nil), mock.Anything).
		Return(port.Unsubscribe(func() {}), nil)
	store.On("Write", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(errors.New("connection refused"))

	s := NewSynchronizer(store, "op")
	require.NoError(t, s.Open(context.Background(), "ct_op"))
	defer s.Close()

	_, err := s.Send(context.Background(), "hi")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeTransport))
	assert.Empty(t, s.Messages())
	store.AssertExpectations(t)
}
