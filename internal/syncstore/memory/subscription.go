package memory

import (
	"encoding/json"
	"sync"

	"trainhub-realtime/internal/port"
	"trainhub-realtime/pkg/metrics"
)

// subscription delivers its events in order on its own goroutine, so callbacks
// never run while the store (or the writer) holds a lock.
type subscription struct {
	path  string
	query *port.Query
	fn    func(port.Event)

	// matched tracks children currently visible through the query. Guarded by Store.mu.
	matched map[string]struct{}

	mu      sync.Mutex
	pending []port.Event
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

func newSubscription(path string, q *port.Query, fn func(port.Event)) *subscription {
	return &subscription{
		path:    path,
		query:   q,
		fn:      fn,
		matched: make(map[string]struct{}),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// childChange turns a write or removal of a direct child into the event this
// subscriber should see, if any.
func (s *subscription) childChange(key string, raw json.RawMessage) (port.Event, bool) {
	_, wasVisible := s.matched[key]
	if raw != nil && s.query.Matches(raw) {
		s.matched[key] = struct{}{}
		return port.Event{Path: s.path, Kind: port.EventChildPut, Key: key, Value: copyRaw(raw)}, true
	}
	if !wasVisible {
		return port.Event{}, false
	}
	delete(s.matched, key)
	return port.Event{Path: s.path, Kind: port.EventChildRemoved, Key: key}, true
}

func (s *subscription) enqueue(ev port.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			if s.closed || len(s.pending) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.pending[0]
			s.pending = s.pending[1:]
			s.mu.Unlock()

			s.fn(ev)
			if ev.Kind == port.EventError {
				s.close()
				return
			}
		}
	}
}

func (s *subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.pending = nil
	close(s.done)
	metrics.SyncSubscriptionsActive.WithLabelValues(backend).Dec()
}
