package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"trainhub-realtime/internal/port"
	"trainhub-realtime/pkg/logger"
	"trainhub-realtime/pkg/metrics"
)

// ErrSubscriptionLost is delivered in an EventError when the pub/sub connection fails.
var ErrSubscriptionLost = errors.New("sync: redis subscription lost")

type subscription struct {
	store *Store
	path  string
	query *port.Query
	fn    func(port.Event)
	ps    *goredis.PubSub

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	// matched is only touched by the run goroutine.
	matched map[string]struct{}
}

// Subscribe listens on the path's channel, then delivers a snapshot followed
// by one event per announced change. Events are delivered on the
// subscription's goroutine. The returned Unsubscribe never blocks, so it is
// safe to call from inside fn.
func (s *Store) Subscribe(ctx context.Context, path string, q *port.Query, fn func(port.Event)) (port.Unsubscribe, error) {
	ps := s.client.SafeSubscribe(ctx, channelOf(path))
	if ps == nil {
		record("subscribe", "degraded")
		return nil, fmt.Errorf("subscribe %s: redis is in degraded mode", path)
	}
	// Wait for the subscription to be confirmed so no announcement after the
	// snapshot read can be missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		record("subscribe", "error")
		return nil, fmt.Errorf("subscribe %s: %w", path, err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		store:   s,
		path:    path,
		query:   q,
		fn:      fn,
		ps:      ps,
		ctx:     subCtx,
		cancel:  cancel,
		matched: make(map[string]struct{}),
	}

	snap, matched, err := s.snapshot(ctx, path, q)
	if err != nil {
		sub.close()
		record("subscribe", "error")
		return nil, fmt.Errorf("subscribe %s: %w", path, err)
	}
	sub.matched = matched

	record("subscribe", "success")
	metrics.SyncSubscriptionsActive.WithLabelValues(backend).Inc()
	go sub.run(snap)

	return sub.close, nil
}

func (sub *subscription) close() {
	sub.once.Do(func() {
		sub.cancel()
		if err := sub.ps.Close(); err != nil {
			logger.Debug("Failed to close redis subscription", zap.String("path", sub.path), zap.Error(err))
		}
	})
}

func (sub *subscription) run(first port.Event) {
	defer metrics.SyncSubscriptionsActive.WithLabelValues(backend).Dec()
	sub.fn(first)

	for {
		msg, err := sub.ps.ReceiveMessage(sub.ctx)
		if sub.ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Warn("Redis subscription lost", zap.String("path", sub.path), zap.Error(err))
			sub.close()
			sub.fn(port.Event{Path: sub.path, Kind: port.EventError, Err: fmt.Errorf("%w: %v", ErrSubscriptionLost, err)})
			return
		}

		ev, ok, err := sub.translate(msg.Payload)
		if sub.ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Warn("Failed to read announced change", zap.String("path", sub.path), zap.String("changed", msg.Payload), zap.Error(err))
			sub.close()
			sub.fn(port.Event{Path: sub.path, Kind: port.EventError, Err: fmt.Errorf("%w: %v", ErrSubscriptionLost, err)})
			return
		}
		if ok {
			sub.fn(ev)
		}
	}
}

// translate re-reads the announced path and turns it into the event this
// subscriber should see, if any.
func (sub *subscription) translate(changed string) (port.Event, bool, error) {
	if changed == sub.path {
		snap, matched, err := sub.store.snapshot(sub.ctx, sub.path, sub.query)
		if err != nil {
			return port.Event{}, false, err
		}
		sub.matched = matched
		return snap, true, nil
	}

	parent, key := port.Split(changed)
	if parent != sub.path {
		return port.Event{}, false, nil
	}
	raw, err := sub.store.readChild(sub.ctx, changed)
	if err != nil {
		return port.Event{}, false, err
	}
	return sub.childChange(key, raw)
}

func (sub *subscription) childChange(key string, raw json.RawMessage) (port.Event, bool, error) {
	_, wasVisible := sub.matched[key]
	if raw != nil && sub.query.Matches(raw) {
		sub.matched[key] = struct{}{}
		return port.Event{Path: sub.path, Kind: port.EventChildPut, Key: key, Value: raw}, true, nil
	}
	if !wasVisible {
		return port.Event{}, false, nil
	}
	delete(sub.matched, key)
	return port.Event{Path: sub.path, Kind: port.EventChildRemoved, Key: key}, true, nil
}
