package memory

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trainhub-realtime/internal/port"
)

type recorder struct {
	mu     sync.Mutex
	events []port.Event
}

func (r *recorder) record(ev port.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []port.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]port.Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) waitFor(t *testing.T, n int) []port.Event {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.snapshot()) >= n }, time.Second, 5*time.Millisecond)
	return r.snapshot()
}

func TestStore_WriteReadUpdateRemove(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	require.NoError(t, s.Write(ctx, "calls/c1", map[string]any{"status": "pending", "kind": "voice"}))

	raw, err := s.ReadOnce(ctx, "calls/c1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"pending","kind":"voice"}`, string(raw))

	require.NoError(t, s.Update(ctx, "calls/c1", map[string]any{"status": "ended", "kind": nil}))
	raw, err = s.ReadOnce(ctx, "calls/c1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ended"}`, string(raw))

	require.NoError(t, s.Remove(ctx, "calls/c1"))
	_, err = s.ReadOnce(ctx, "calls/c1")
	assert.ErrorIs(t, err, port.ErrNotFound)

	assert.ErrorIs(t, s.Update(ctx, "calls/c1", map[string]any{"status": "ended"}), port.ErrNotFound)
	assert.ErrorIs(t, s.Remove(ctx, "calls/c1"), port.ErrNotFound)
}

func TestStore_SubscribeCollection(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.Write(ctx, "conv/k/messages/m1", map[string]any{"text": "a"}))

	rec := &recorder{}
	unsubscribe, err := s.Subscribe(ctx, "conv/k/messages", nil, rec.record)
	require.NoError(t, err)
	defer unsubscribe()

	events := rec.waitFor(t, 1)
	assert.Equal(t, port.EventSnapshot, events[0].Kind)
	assert.Nil(t, events[0].Value)
	require.Contains(t, events[0].Children, "m1")

	require.NoError(t, s.Write(ctx, "conv/k/messages/m2", map[string]any{"text": "b"}))
	require.NoError(t, s.Remove(ctx, "conv/k/messages/m1"))
	require.NoError(t, s.Write(ctx, "conv/other/messages/m3", map[string]any{"text": "c"}))

	events = rec.waitFor(t, 3)
	assert.Equal(t, port.EventChildPut, events[1].Kind)
	assert.Equal(t, "m2", events[1].Key)
	assert.Equal(t, port.EventChildRemoved, events[2].Kind)
	assert.Equal(t, "m1", events[2].Key)

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, rec.snapshot(), 3)
}

func TestStore_SubscribeRecord(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	rec := &recorder{}
	unsubscribe, err := s.Subscribe(ctx, "calls/c1", nil, rec.record)
	require.NoError(t, err)
	defer unsubscribe()

	require.NoError(t, s.Write(ctx, "calls/c1", map[string]any{"status": "pending"}))
	require.NoError(t, s.Update(ctx, "calls/c1", map[string]any{"status": "accepted"}))
	require.NoError(t, s.Remove(ctx, "calls/c1"))

	events := rec.waitFor(t, 4)
	assert.Nil(t, events[0].Value)
	assert.JSONEq(t, `{"status":"pending"}`, string(events[1].Value))
	assert.JSONEq(t, `{"status":"accepted"}`, string(events[2].Value))
	assert.Equal(t, port.EventSnapshot, events[3].Kind)
	assert.Nil(t, events[3].Value)
}

func TestStore_QueryFilter(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.Write(ctx, "calls/c0", map[string]any{"recipientId": "b"}))
	require.NoError(t, s.Write(ctx, "calls/cx", map[string]any{"recipientId": "z"}))

	rec := &recorder{}
	unsubscribe, err := s.Subscribe(ctx, "calls", &port.Query{Field: "recipientId", Equals: "b"}, rec.record)
	require.NoError(t, err)
	defer unsubscribe()

	events := rec.waitFor(t, 1)
	assert.Len(t, events[0].Children, 1)
	assert.Contains(t, events[0].Children, "c0")

	// non-matching writes are invisible; a record leaving the filter is a removal
	require.NoError(t, s.Write(ctx, "calls/c2", map[string]any{"recipientId": "z"}))
	require.NoError(t, s.Write(ctx, "calls/c0", map[string]any{"recipientId": "moved"}))

	events = rec.waitFor(t, 2)
	assert.Equal(t, port.EventChildRemoved, events[1].Kind)
	assert.Equal(t, "c0", events[1].Key)
}

func TestStore_UnsubscribeStopsDelivery(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	rec := &recorder{}
	unsubscribe, err := s.Subscribe(ctx, "calls", nil, rec.record)
	require.NoError(t, err)
	rec.waitFor(t, 1)

	unsubscribe()
	unsubscribe()
	require.NoError(t, s.Write(ctx, "calls/c1", map[string]any{"status": "pending"}))

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, rec.snapshot(), 1)
}

func TestStore_DropSubscriptions(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	rec := &recorder{}
	_, err := s.Subscribe(ctx, "calls/c1", nil, rec.record)
	require.NoError(t, err)
	rec.waitFor(t, 1)

	lost := errors.New("connection reset")
	s.DropSubscriptions(lost)

	events := rec.waitFor(t, 2)
	assert.Equal(t, port.EventError, events[1].Kind)
	assert.ErrorIs(t, events[1].Err, lost)

	require.NoError(t, s.Write(ctx, "calls/c1", map[string]any{"status": "pending"}))
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, rec.snapshot(), 2)
}

func TestStore_CallbackMayWrite(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	rec := &recorder{}
	unsubscribe, err := s.Subscribe(ctx, "calls/c1", nil, func(ev port.Event) {
		rec.record(ev)
		if ev.Value == nil {
			return
		}
		var doc map[string]string
		if json.Unmarshal(ev.Value, &doc) == nil && doc["status"] == "pending" {
			_ = s.Update(ctx, "calls/c1", map[string]any{"status": "accepted"})
		}
	})
	require.NoError(t, err)
	defer unsubscribe()

	require.NoError(t, s.Write(ctx, "calls/c1", map[string]any{"status": "pending"}))

	events := rec.waitFor(t, 3)
	assert.JSONEq(t, `{"status":"accepted"}`, string(events[2].Value))
}
