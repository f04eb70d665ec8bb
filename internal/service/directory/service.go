package directory

import (
	"context"
	"errors"
	"net/url"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"trainhub-realtime/internal/domain"
	"trainhub-realtime/internal/port"
	apperrors "trainhub-realtime/pkg/errors"
	"trainhub-realtime/pkg/logger"
)

// Conversation key namespaces. Ids are query-escaped, so ':' and '/' never
// appear inside an id segment.
const (
	pairKeyPrefix  = "p:"
	groupKeyPrefix = "g:"
)

// ConversationKey derives the one-to-one conversation key for two participants.
// It is commutative: ConversationKey(a, b) == ConversationKey(b, a).
func ConversationKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return pairKeyPrefix + url.QueryEscape(a) + ":" + url.QueryEscape(b)
}

// GroupConversationKey is the conversation key of a group channel
func GroupConversationKey(groupID string) string {
	return groupKeyPrefix + url.QueryEscape(groupID)
}

// Service keeps a live view of the participant directory for one logged-in party
type Service struct {
	store  port.SyncPort
	selfID string

	mu       sync.Mutex
	people   map[string]domain.Participant
	groups   map[string]domain.Participant
	unsubs   []port.Unsubscribe
	onChange func()
}

// NewService creates a directory view for selfID
func NewService(store port.SyncPort, selfID string) *Service {
	return &Service{
		store:  store,
		selfID: selfID,
		people: make(map[string]domain.Participant),
		groups: make(map[string]domain.Participant),
	}
}

// Start subscribes to participants and groups. The lists stay live until Stop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.unsubs) > 0 {
		return nil
	}

	for root, into := range map[string]*map[string]domain.Participant{
		port.ParticipantsRoot: &s.people,
		port.GroupsRoot:       &s.groups,
	} {
		root, into := root, into
		unsub, err := s.store.Subscribe(ctx, root, nil, func(ev port.Event) {
			s.apply(root, into, ev)
		})
		if err != nil {
			s.stopLocked()
			return apperrors.TransportError("subscribe directory", err)
		}
		s.unsubs = append(s.unsubs, unsub)
	}
	return nil
}

// Stop cancels the directory subscriptions
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Service) stopLocked() {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
}

// OnChange registers a callback fired after either list changes
func (s *Service) OnChange(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

func (s *Service) apply(root string, into *map[string]domain.Participant, ev port.Event) {
	s.mu.Lock()
	switch ev.Kind {
	case port.EventSnapshot:
		next := make(map[string]domain.Participant, len(ev.Children))
		for key, raw := range ev.Children {
			if p, ok := parse(root, key, raw); ok {
				next[key] = p
			}
		}
		*into = next
	case port.EventChildPut:
		if p, ok := parse(root, ev.Key, ev.Value); ok {
			(*into)[ev.Key] = p
		} else {
			delete(*into, ev.Key)
		}
	case port.EventChildRemoved:
		delete(*into, ev.Key)
	case port.EventError:
		logger.Warn("Directory subscription lost", zap.String("path", root), zap.Error(ev.Err))
	}
	fn := s.onChange
	s.mu.Unlock()

	if fn != nil {
		fn()
	}
}

func parse(root, key string, raw []byte) (domain.Participant, bool) {
	p, err := domain.ParseParticipant(key, raw)
	if err != nil {
		logger.Warn("Dropping malformed directory record", zap.String("path", root), zap.String("key", key), zap.Error(err))
		return domain.Participant{}, false
	}
	return p, true
}

// Contacts lists active people other than the local party, sorted by display name
func (s *Service) Contacts() []domain.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Participant, 0, len(s.people))
	for _, p := range s.people {
		if p.Active && !p.IsGroup() && p.ID != s.selfID {
			out = append(out, p)
		}
	}
	sortParticipants(out)
	return out
}

// Groups lists active group channels, sorted by display name
func (s *Service) Groups() []domain.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Participant, 0, len(s.groups))
	for _, g := range s.groups {
		if g.Active && g.IsGroup() {
			out = append(out, g)
		}
	}
	sortParticipants(out)
	return out
}

// Lookup finds a person or group by id
func (s *Service) Lookup(id string) (domain.Participant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.groups[id]; ok {
		return g, true
	}
	p, ok := s.people[id]
	return p, ok
}

// Resolve returns the conversation key for talking to target: the group key
// for a group, the commutative pair key otherwise. Every key it returns
// includes the local party or names a group it can see.
func (s *Service) Resolve(target string) (string, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", apperrors.ValidationError("Conversation target is required")
	}
	if target == s.selfID {
		return "", apperrors.ValidationError("Cannot open a conversation with yourself")
	}
	if p, ok := s.Lookup(target); ok && p.IsGroup() {
		return GroupConversationKey(p.ID), nil
	}
	return ConversationKey(s.selfID, target), nil
}

// SetOnline writes the local party's presence flag. A party missing from the
// directory is left alone.
func (s *Service) SetOnline(ctx context.Context, online bool) error {
	err := s.store.Update(ctx, port.ParticipantPath(s.selfID), map[string]any{"online": online})
	if errors.Is(err, port.ErrNotFound) {
		logger.Debug("Local party not in directory, presence not written", zap.String("user_id", s.selfID))
		return nil
	}
	if err != nil {
		return apperrors.TransportError("update presence", err)
	}
	return nil
}

func sortParticipants(ps []domain.Participant) {
	sort.Slice(ps, func(i, j int) bool {
		a, b := strings.ToLower(ps[i].DisplayName), strings.ToLower(ps[j].DisplayName)
		if a != b {
			return a < b
		}
		return ps[i].ID < ps[j].ID
	})
}
