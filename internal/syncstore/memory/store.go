// Package memory is an in-process Synchronization Port used by tests and the
// gateway's single-node dev mode.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"trainhub-realtime/internal/port"
	"trainhub-realtime/pkg/logger"
	"trainhub-realtime/pkg/metrics"
)

const backend = "memory"

// Store keeps every record as a JSON document keyed by its full path.
type Store struct {
	mu       sync.Mutex
	data     map[string]json.RawMessage
	children map[string]map[string]struct{}
	subs     map[uint64]*subscription
	nextID   uint64
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		data:     make(map[string]json.RawMessage),
		children: make(map[string]map[string]struct{}),
		subs:     make(map[uint64]*subscription),
	}
}

// Write replaces the record at path
func (s *Store) Write(ctx context.Context, path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		metrics.SyncOperationsTotal.WithLabelValues(backend, "write", "error").Inc()
		return fmt.Errorf("encode %s: %w", path, err)
	}

	s.mu.Lock()
	s.put(path, raw)
	s.mu.Unlock()

	metrics.SyncOperationsTotal.WithLabelValues(backend, "write", "success").Inc()
	return nil
}

// Update merges fields into the record at path. A nil field value deletes the field.
func (s *Store) Update(ctx context.Context, path string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.data[path]
	if !ok {
		metrics.SyncOperationsTotal.WithLabelValues(backend, "update", "not_found").Inc()
		return port.ErrNotFound
	}

	merged, err := mergeFields(current, fields)
	if err != nil {
		metrics.SyncOperationsTotal.WithLabelValues(backend, "update", "error").Inc()
		return fmt.Errorf("update %s: %w", path, err)
	}

	s.put(path, merged)
	metrics.SyncOperationsTotal.WithLabelValues(backend, "update", "success").Inc()
	return nil
}

// Remove deletes the record at path together with everything below it
func (s *Store) Remove(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, exists := s.data[path]
	prefix := path + "/"
	var removed []string
	for p := range s.data {
		if strings.HasPrefix(p, prefix) {
			removed = append(removed, p)
		}
	}
	if !exists && len(removed) == 0 {
		metrics.SyncOperationsTotal.WithLabelValues(backend, "remove", "not_found").Inc()
		return port.ErrNotFound
	}

	for _, p := range removed {
		s.drop(p)
	}
	if exists {
		s.drop(path)
	}

	metrics.SyncOperationsTotal.WithLabelValues(backend, "remove", "success").Inc()
	return nil
}

// ReadOnce returns the record at path or port.ErrNotFound
func (s *Store) ReadOnce(ctx context.Context, path string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok := s.data[path]
	if !ok {
		metrics.SyncOperationsTotal.WithLabelValues(backend, "read", "not_found").Inc()
		return nil, port.ErrNotFound
	}
	metrics.SyncOperationsTotal.WithLabelValues(backend, "read", "success").Inc()
	return copyRaw(raw), nil
}

// Subscribe registers fn for changes at path and its direct children.
// The first event is always a snapshot; ctx only bounds registration.
func (s *Store) Subscribe(ctx context.Context, path string, q *port.Query, fn func(port.Event)) (port.Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub := newSubscription(path, q, fn)

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.subs[id] = sub
	sub.enqueue(s.snapshot(sub))
	s.mu.Unlock()

	metrics.SyncSubscriptionsActive.WithLabelValues(backend).Inc()
	go sub.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			sub.close()
		})
	}, nil
}

// DropSubscriptions delivers err to every live subscriber and forgets them,
// the way a lost connection to a remote store would.
func (s *Store) DropSubscriptions(err error) {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[uint64]*subscription)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.enqueue(port.Event{Path: sub.path, Kind: port.EventError, Err: err})
	}
	logger.Warn("Dropped all memory store subscriptions", zap.Int("count", len(subs)), zap.Error(err))
}

// put stores raw at path and fans the change out. Caller holds s.mu.
func (s *Store) put(path string, raw json.RawMessage) {
	s.data[path] = raw
	parent, key := port.Split(path)
	if parent != "" {
		idx, ok := s.children[parent]
		if !ok {
			idx = make(map[string]struct{})
			s.children[parent] = idx
		}
		idx[key] = struct{}{}
	}
	s.notify(path, raw)
}

// drop deletes one record and fans the removal out. Caller holds s.mu.
func (s *Store) drop(path string) {
	delete(s.data, path)
	parent, key := port.Split(path)
	if idx, ok := s.children[parent]; ok {
		delete(idx, key)
		if len(idx) == 0 {
			delete(s.children, parent)
		}
	}
	s.notify(path, nil)
}

func (s *Store) notify(path string, raw json.RawMessage) {
	parent, key := port.Split(path)
	for _, sub := range s.subs {
		switch {
		case sub.path == path:
			sub.enqueue(s.snapshot(sub))
		case sub.path == parent:
			if ev, ok := sub.childChange(key, raw); ok {
				sub.enqueue(ev)
			}
		}
	}
}

// snapshot builds the full view a subscriber has of its path. Caller holds s.mu.
func (s *Store) snapshot(sub *subscription) port.Event {
	ev := port.Event{
		Path:     sub.path,
		Kind:     port.EventSnapshot,
		Children: make(map[string]json.RawMessage),
	}
	if raw, ok := s.data[sub.path]; ok {
		ev.Value = copyRaw(raw)
	}

	sub.matched = make(map[string]struct{})
	for key := range s.children[sub.path] {
		raw := s.data[port.Join(sub.path, key)]
		if sub.query.Matches(raw) {
			ev.Children[key] = copyRaw(raw)
			sub.matched[key] = struct{}{}
		}
	}
	return ev
}

func mergeFields(current json.RawMessage, fields map[string]any) (json.RawMessage, error) {
	var doc map[string]any
	if err := json.Unmarshal(current, &doc); err != nil {
		return nil, fmt.Errorf("record is not an object: %w", err)
	}
	if doc == nil {
		doc = make(map[string]any)
	}
	for k, v := range fields {
		if v == nil {
			delete(doc, k)
			continue
		}
		doc[k] = v
	}
	return json.Marshal(doc)
}

func copyRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
