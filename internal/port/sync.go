// Package port declares the contracts the realtime core consumes from its external
// collaborators: the synchronization store and the media transport.
package port

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// ErrNotFound is returned by ReadOnce, Update and Remove when no record exists at the path.
var ErrNotFound = errors.New("sync: record not found")

// EventKind tags a change delivered to a subscriber
type EventKind int

const (
	// EventSnapshot replaces everything the subscriber knows about the path:
	// Value holds the record at the path (nil when absent) and Children every
	// direct child that matches the subscription query.
	EventSnapshot EventKind = iota
	// EventChildPut carries one direct child that was created or overwritten.
	EventChildPut
	// EventChildRemoved carries the key of a direct child that was removed
	// or no longer matches the subscription query.
	EventChildRemoved
	// EventError reports that the subscription is lost; no further events follow.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventSnapshot:
		return "snapshot"
	case EventChildPut:
		return "child_put"
	case EventChildRemoved:
		return "child_removed"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one change notification for a subscribed path
type Event struct {
	Path     string
	Kind     EventKind
	Key      string
	Value    json.RawMessage
	Children map[string]json.RawMessage
	Err      error
}

// Query filters the direct children of a subscribed collection by a top-level field.
type Query struct {
	Field  string
	Equals string
}

// Matches reports whether the JSON record satisfies the query. A nil query matches everything.
func (q *Query) Matches(raw json.RawMessage) bool {
	if q == nil {
		return true
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return false
	}
	v, ok := fields[q.Field].(string)
	return ok && v == q.Equals
}

// Unsubscribe cancels a subscription. It is safe to call more than once.
type Unsubscribe func()

// SyncPort is a hierarchical key-value store with change subscriptions.
// Paths are slash-separated; a collection's children live one segment below it.
//
// Implementations deliver events for one subscription in order, never on the
// caller's goroutine, and start every subscription with an EventSnapshot.
type SyncPort interface {
	Write(ctx context.Context, path string, value any) error
	// Update merges top-level fields into an existing record.
	Update(ctx context.Context, path string, fields map[string]any) error
	Remove(ctx context.Context, path string) error
	ReadOnce(ctx context.Context, path string) (json.RawMessage, error)
	Subscribe(ctx context.Context, path string, q *Query, fn func(Event)) (Unsubscribe, error)
}

// Join builds a store path from segments
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// Split returns the parent path and the last segment of path
func Split(path string) (parent, key string) {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

// Store layout shared by every component
const (
	ConversationsRoot = "conversations"
	CallsRoot         = "calls"
	ParticipantsRoot  = "directory/participants"
	GroupsRoot        = "directory/groups"
)

// MessagesPath is the message collection of one conversation
func MessagesPath(conversationKey string) string {
	return Join(ConversationsRoot, conversationKey, "messages")
}

// MessagePath is one message record
func MessagePath(conversationKey, messageID string) string {
	return Join(MessagesPath(conversationKey), messageID)
}

// CallPath is one call session record
func CallPath(callID string) string {
	return Join(CallsRoot, callID)
}

// ParticipantPath is one directory record
func ParticipantPath(id string) string {
	return Join(ParticipantsRoot, id)
}
