package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"trainhub-realtime/internal/domain"
	"trainhub-realtime/internal/port"
	"trainhub-realtime/pkg/constants"
	apperrors "trainhub-realtime/pkg/errors"
	"trainhub-realtime/pkg/logger"
	"trainhub-realtime/pkg/metrics"
	"trainhub-realtime/pkg/sanitize"
)

// Synchronizer maintains the live, de-duplicated, time-ordered message log of
// the one conversation a client has open, and performs mutations on it.
type Synchronizer struct {
	store  port.SyncPort
	selfID string
	now    func() time.Time

	mu       sync.Mutex
	key      string
	gen      uint64
	unsub    port.Unsubscribe
	byID     map[string]domain.Message
	view     []domain.Message
	onChange func(key string, messages []domain.Message)
}

// NewSynchronizer creates a synchronizer acting as selfID
func NewSynchronizer(store port.SyncPort, selfID string) *Synchronizer {
	return &Synchronizer{
		store:  store,
		selfID: selfID,
		now:    time.Now,
		byID:   make(map[string]domain.Message),
	}
}

// OnChange registers the observer of the materialized message list. It fires
// once per actual change, never for events that leave the list as it was.
func (s *Synchronizer) OnChange(fn func(key string, messages []domain.Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// Open subscribes to the conversation's message collection, replacing the
// subscription of any previously open conversation.
func (s *Synchronizer) Open(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return apperrors.ValidationError("Conversation key is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.closeLocked()
	s.key = key
	gen := s.gen

	unsub, err := s.store.Subscribe(ctx, port.MessagesPath(key), nil, func(ev port.Event) {
		s.apply(gen, ev)
	})
	if err != nil {
		s.key = ""
		return apperrors.TransportError("subscribe conversation", err)
	}
	s.unsub = unsub
	metrics.ChatSubscriptionsActive.Inc()

	logger.Debug("Conversation opened", zap.String("conversation_key", key), zap.String("user_id", s.selfID))
	return nil
}

// Close cancels the open conversation's subscription
func (s *Synchronizer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *Synchronizer) closeLocked() {
	if s.unsub != nil {
		s.unsub()
		s.unsub = nil
		metrics.ChatSubscriptionsActive.Dec()
	}
	// events already queued for the old subscription carry the old generation
	s.gen++
	s.key = ""
	s.byID = make(map[string]domain.Message)
	s.view = nil
}

// Key returns the open conversation key, empty when none is open
func (s *Synchronizer) Key() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key
}

// Messages returns a copy of the materialized message list
func (s *Synchronizer) Messages() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Message, len(s.view))
	copy(out, s.view)
	return out
}

func (s *Synchronizer) apply(gen uint64, ev port.Event) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}

	switch ev.Kind {
	case port.EventSnapshot:
		next := make(map[string]domain.Message, len(ev.Children))
		for id, raw := range ev.Children {
			if m, ok := s.parse(id, raw); ok {
				next[id] = m
			}
		}
		s.byID = next
	case port.EventChildPut:
		if m, ok := s.parse(ev.Key, ev.Value); ok {
			s.byID[ev.Key] = m
		}
	case port.EventChildRemoved:
		delete(s.byID, ev.Key)
	case port.EventError:
		logger.Warn("Conversation subscription lost",
			zap.String("conversation_key", s.key),
			zap.Error(ev.Err))
	}

	next := materialize(s.byID)
	if sameMessages(s.view, next) {
		s.mu.Unlock()
		return
	}
	s.view = next
	key, fn := s.key, s.onChange
	out := make([]domain.Message, len(next))
	copy(out, next)
	s.mu.Unlock()

	metrics.ChatMaterializedEmissionsTotal.Inc()
	if fn != nil {
		fn(key, out)
	}
}

func (s *Synchronizer) parse(id string, raw json.RawMessage) (domain.Message, bool) {
	m, err := domain.ParseMessage(id, raw)
	if err != nil {
		metrics.ChatMalformedRecordsTotal.Inc()
		logger.Warn("Dropping malformed message record",
			zap.String("conversation_key", s.key),
			zap.String("message_id", id),
			zap.Error(err))
		return domain.Message{}, false
	}
	return m, true
}

func materialize(byID map[string]domain.Message) []domain.Message {
	out := make([]domain.Message, 0, len(byID))
	for _, m := range byID {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func sameMessages(a, b []domain.Message) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// Send appends a new message to the open conversation. The message shows up
// in Messages only once the subscription reflects it back.
func (s *Synchronizer) Send(ctx context.Context, text string) (domain.Message, error) {
	text, err := cleanText(text)
	if err != nil {
		metrics.ChatMutationsTotal.WithLabelValues("send", "rejected").Inc()
		return domain.Message{}, err
	}
	key, err := s.openKey()
	if err != nil {
		metrics.ChatMutationsTotal.WithLabelValues("send", "rejected").Inc()
		return domain.Message{}, err
	}

	msg := domain.Message{
		ID:        uuid.NewString(),
		SenderID:  s.selfID,
		Text:      text,
		Timestamp: s.now().UTC(),
	}
	if err := s.store.Write(ctx, port.MessagePath(key, msg.ID), msg); err != nil {
		metrics.ChatMutationsTotal.WithLabelValues("send", "error").Inc()
		return domain.Message{}, apperrors.TransportError("send message", err)
	}

	metrics.ChatMutationsTotal.WithLabelValues("send", "ok").Inc()
	return msg, nil
}

// Edit rewrites the text of a message sent by the local party. The timestamp
// is left untouched so the message keeps its place.
func (s *Synchronizer) Edit(ctx context.Context, messageID, text string) error {
	text, err := cleanText(text)
	if err != nil {
		metrics.ChatMutationsTotal.WithLabelValues("edit", "rejected").Inc()
		return err
	}
	key, err := s.openKey()
	if err != nil {
		metrics.ChatMutationsTotal.WithLabelValues("edit", "rejected").Inc()
		return err
	}

	path := port.MessagePath(key, messageID)
	if err := s.checkOwner(ctx, path, messageID, "edit"); err != nil {
		return err
	}

	err = s.store.Update(ctx, path, map[string]any{
		"text":     text,
		"editedAt": s.now().UTC(),
	})
	if errors.Is(err, port.ErrNotFound) {
		metrics.ChatMutationsTotal.WithLabelValues("edit", "rejected").Inc()
		return apperrors.NotFoundError("Message")
	}
	if err != nil {
		metrics.ChatMutationsTotal.WithLabelValues("edit", "error").Inc()
		return apperrors.TransportError("edit message", err)
	}

	metrics.ChatMutationsTotal.WithLabelValues("edit", "ok").Inc()
	return nil
}

// Delete removes a message sent by the local party. A message already removed
// concurrently reports NotFound.
func (s *Synchronizer) Delete(ctx context.Context, messageID string) error {
	key, err := s.openKey()
	if err != nil {
		metrics.ChatMutationsTotal.WithLabelValues("delete", "rejected").Inc()
		return err
	}

	path := port.MessagePath(key, messageID)
	if err := s.checkOwner(ctx, path, messageID, "delete"); err != nil {
		return err
	}

	err = s.store.Remove(ctx, path)
	if errors.Is(err, port.ErrNotFound) {
		metrics.ChatMutationsTotal.WithLabelValues("delete", "rejected").Inc()
		return apperrors.NotFoundError("Message")
	}
	if err != nil {
		metrics.ChatMutationsTotal.WithLabelValues("delete", "error").Inc()
		return apperrors.TransportError("delete message", err)
	}

	metrics.ChatMutationsTotal.WithLabelValues("delete", "ok").Inc()
	return nil
}

// cleanText sanitizes text and checks it is non-empty and within the length limit
func cleanText(text string) (string, error) {
	text = sanitize.MessageText(text)
	if text == "" {
		return "", apperrors.ValidationError("Message text cannot be empty")
	}
	if !sanitize.ValidateStringLength(text, 1, constants.MaxMessageLength) {
		return "", apperrors.ValidationError("Message text is too long")
	}
	return text, nil
}

func (s *Synchronizer) openKey() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key == "" {
		return "", apperrors.ValidationError("No conversation is open")
	}
	return s.key, nil
}

// checkOwner reads the stored message and verifies the local party sent it
func (s *Synchronizer) checkOwner(ctx context.Context, path, messageID, operation string) error {
	raw, err := s.store.ReadOnce(ctx, path)
	if errors.Is(err, port.ErrNotFound) {
		metrics.ChatMutationsTotal.WithLabelValues(operation, "rejected").Inc()
		return apperrors.NotFoundError("Message")
	}
	if err != nil {
		metrics.ChatMutationsTotal.WithLabelValues(operation, "error").Inc()
		return apperrors.TransportError("read message", err)
	}

	msg, err := domain.ParseMessage(messageID, raw)
	if err != nil {
		metrics.ChatMutationsTotal.WithLabelValues(operation, "error").Inc()
		return apperrors.InternalError("Stored message is malformed")
	}
	if msg.SenderID != s.selfID {
		metrics.ChatMutationsTotal.WithLabelValues(operation, "rejected").Inc()
		return apperrors.AuthorizationError("Only the sender can " + operation + " this message")
	}
	return nil
}
