// Package redis implements the Synchronization Port on Redis. Records are JSON
// strings, each node keeps a set of its child keys, and every change is
// announced on the pub/sub channels of the changed path and of its parent.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"trainhub-realtime/internal/database"
	"trainhub-realtime/internal/port"
	"trainhub-realtime/pkg/metrics"
)

const (
	backend = "redis"

	valuePrefix   = "sync:v:"
	childPrefix   = "sync:c:"
	channelPrefix = "sync:n:"

	maxUpdateRetries = 5
)

func valueKey(path string) string  { return valuePrefix + path }
func childKey(path string) string  { return childPrefix + path }
func channelOf(path string) string { return channelPrefix + path }

// Store implements port.SyncPort
type Store struct {
	client *database.RedisClient
}

// NewStore creates a store on top of an established client
func NewStore(client *database.RedisClient) *Store {
	return &Store{client: client}
}

func record(operation, status string) {
	metrics.SyncOperationsTotal.WithLabelValues(backend, operation, status).Inc()
}

// Write replaces the record at path
func (s *Store) Write(ctx context.Context, path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		record("write", "error")
		return fmt.Errorf("encode %s: %w", path, err)
	}

	_, err = s.client.SafeTxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		putPipelined(ctx, pipe, path, raw)
		return nil
	})
	if err != nil {
		record("write", "error")
		return fmt.Errorf("write %s: %w", path, err)
	}
	record("write", "success")
	return nil
}

// putPipelined queues the SET, the ancestor index entries and the change notices for path.
func putPipelined(ctx context.Context, pipe goredis.Pipeliner, path string, raw json.RawMessage) {
	pipe.Set(ctx, valueKey(path), string(raw), 0)
	for p := path; ; {
		parent, key := port.Split(p)
		if parent == "" {
			break
		}
		pipe.SAdd(ctx, childKey(parent), key)
		p = parent
	}
	announce(ctx, pipe, path)
}

func announce(ctx context.Context, pipe goredis.Pipeliner, path string) {
	pipe.Publish(ctx, channelOf(path), path)
	if parent, _ := port.Split(path); parent != "" {
		pipe.Publish(ctx, channelOf(parent), path)
	}
}

// Update merges fields into the record at path inside a WATCH transaction.
// A nil field value deletes the field.
func (s *Store) Update(ctx context.Context, path string, fields map[string]any) error {
	key := valueKey(path)
	txf := func(tx *goredis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			return err
		}
		merged, err := mergeFields(current, fields)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, string(merged), 0)
			announce(ctx, pipe, path)
			return nil
		})
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := s.client.SafeWatch(ctx, txf, key)
		switch {
		case err == nil:
			record("update", "success")
			return nil
		case errors.Is(err, goredis.TxFailedErr):
			continue
		case errors.Is(err, goredis.Nil):
			record("update", "not_found")
			return port.ErrNotFound
		default:
			record("update", "error")
			return fmt.Errorf("update %s: %w", path, err)
		}
	}
	record("update", "conflict")
	return fmt.Errorf("update %s: too many concurrent writers", path)
}

// Remove deletes the record at path together with everything below it.
// The existence check and the delete run under WATCH, so of two concurrent
// removes only one succeeds.
func (s *Store) Remove(ctx context.Context, path string) error {
	txf := func(tx *goredis.Tx) error {
		nodes, err := descendants(ctx, tx, path)
		if err != nil {
			return err
		}
		nodes = append(nodes, path)

		keys := make([]string, len(nodes))
		for i, n := range nodes {
			keys[i] = valueKey(n)
		}
		values, err := tx.MGet(ctx, keys...).Result()
		if err != nil {
			return err
		}

		var removed []string
		for i, v := range values {
			if v != nil {
				removed = append(removed, nodes[i])
			}
		}
		if len(removed) == 0 {
			return port.ErrNotFound
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			for _, n := range nodes {
				pipe.Del(ctx, valueKey(n), childKey(n))
			}
			if parent, key := port.Split(path); parent != "" {
				pipe.SRem(ctx, childKey(parent), key)
			}
			for _, n := range removed {
				announce(ctx, pipe, n)
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := s.client.SafeWatch(ctx, txf, valueKey(path), childKey(path))
		switch {
		case err == nil:
			record("remove", "success")
			return nil
		case errors.Is(err, goredis.TxFailedErr):
			continue
		case errors.Is(err, port.ErrNotFound):
			record("remove", "not_found")
			return port.ErrNotFound
		default:
			record("remove", "error")
			return fmt.Errorf("remove %s: %w", path, err)
		}
	}
	record("remove", "conflict")
	return fmt.Errorf("remove %s: too many concurrent writers", path)
}

type memberReader interface {
	SMembers(ctx context.Context, key string) *goredis.StringSliceCmd
}

// descendants walks the child index below path, deepest nodes first.
func descendants(ctx context.Context, r memberReader, path string) ([]string, error) {
	var out []string
	frontier := []string{path}
	for len(frontier) > 0 {
		var next []string
		for _, node := range frontier {
			children, err := r.SMembers(ctx, childKey(node)).Result()
			if err != nil {
				return nil, err
			}
			for _, child := range children {
				next = append(next, port.Join(node, child))
			}
		}
		out = append(append([]string(nil), next...), out...)
		frontier = next
	}
	return out, nil
}

// ReadOnce returns the record at path or port.ErrNotFound
func (s *Store) ReadOnce(ctx context.Context, path string) (json.RawMessage, error) {
	raw, err := s.client.SafeGet(ctx, valueKey(path)).Bytes()
	if errors.Is(err, goredis.Nil) {
		record("read", "not_found")
		return nil, port.ErrNotFound
	}
	if err != nil {
		record("read", "error")
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	record("read", "success")
	return raw, nil
}

// snapshot reads the record at path and every direct child matching q.
func (s *Store) snapshot(ctx context.Context, path string, q *port.Query) (port.Event, map[string]struct{}, error) {
	ev := port.Event{Path: path, Kind: port.EventSnapshot, Children: make(map[string]json.RawMessage)}
	matched := make(map[string]struct{})

	own, err := s.client.SafeGet(ctx, valueKey(path)).Bytes()
	switch {
	case errors.Is(err, goredis.Nil):
	case err != nil:
		return port.Event{}, nil, err
	default:
		ev.Value = own
	}

	children, err := s.client.SafeSMembers(ctx, childKey(path)).Result()
	if err != nil {
		return port.Event{}, nil, err
	}
	keys := make([]string, len(children))
	for i, c := range children {
		keys[i] = valueKey(port.Join(path, c))
	}
	values, err := s.client.SafeMGet(ctx, keys...).Result()
	if err != nil {
		return port.Event{}, nil, err
	}
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		raw := json.RawMessage(str)
		if q.Matches(raw) {
			ev.Children[children[i]] = raw
			matched[children[i]] = struct{}{}
		}
	}
	return ev, matched, nil
}

// readChild returns the value of a direct child, nil when it no longer exists.
func (s *Store) readChild(ctx context.Context, path string) (json.RawMessage, error) {
	raw, err := s.client.SafeGet(ctx, valueKey(path)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	return raw, err
}

func mergeFields(current []byte, fields map[string]any) ([]byte, error) {
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
