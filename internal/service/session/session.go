// Package session composes the realtime components serving one logged-in party.
package session

import (
	"context"

	"go.uber.org/zap"

	"trainhub-realtime/internal/domain"
	"trainhub-realtime/internal/port"
	"trainhub-realtime/internal/service/call"
	"trainhub-realtime/internal/service/chat"
	"trainhub-realtime/internal/service/directory"
	"trainhub-realtime/internal/service/media"
	apperrors "trainhub-realtime/pkg/errors"
	"trainhub-realtime/pkg/logger"
	"trainhub-realtime/pkg/push"
)

// Deps are the collaborators shared by every session of the process
type Deps struct {
	Store    port.SyncPort
	Notifier push.Notifier
	History  call.HistoryRecorder
	Call     call.Config
}

// Session wires the directory, message synchronizer, call coordinator and media
// manager of one party. Chat and call failures stay isolated from each other.
type Session struct {
	User      domain.Participant
	Directory *directory.Service
	Chat      *chat.Synchronizer
	Calls     *call.Coordinator
	Media     *media.Manager
}

// New builds a session for user over transport, which must not be shared with another session
func New(deps Deps, user domain.Participant, transport port.MediaTransport) *Session {
	mediaMgr := media.NewManager(transport)
	coord := call.NewCoordinator(deps.Store, mediaMgr, user, deps.Call, deps.Notifier, deps.History)
	mediaMgr.OnRemotePeerLeft(coord.HandleRemotePeerLeft)

	return &Session{
		User:      user,
		Directory: directory.NewService(deps.Store, user.ID),
		Chat:      chat.NewSynchronizer(deps.Store, user.ID),
		Calls:     coord,
		Media:     mediaMgr,
	}
}

// Start opens the live directory, the incoming-call listener and marks the party online
func (s *Session) Start(ctx context.Context) error {
	if err := s.Directory.Start(ctx); err != nil {
		return err
	}
	if err := s.Calls.Start(ctx); err != nil {
		s.Directory.Stop()
		return err
	}
	if err := s.Directory.SetOnline(ctx, true); err != nil {
		logger.Warn("Failed to mark party online", zap.String("user_id", s.User.ID), zap.Error(err))
	}
	return nil
}

// Close ends any call, releases media and cancels every subscription. It is idempotent.
func (s *Session) Close(ctx context.Context) {
	s.Calls.Stop(ctx)
	s.Media.Release(ctx)
	s.Chat.Close()
	if err := s.Directory.SetOnline(ctx, false); err != nil {
		logger.Warn("Failed to mark party offline", zap.String("user_id", s.User.ID), zap.Error(err))
	}
	s.Directory.Stop()
}

// OpenConversation resolves target (a contact or group id) and opens its message log
func (s *Session) OpenConversation(ctx context.Context, target string) (string, error) {
	key, err := s.Directory.Resolve(target)
	if err != nil {
		return "", err
	}
	if err := s.Chat.Open(ctx, key); err != nil {
		return "", err
	}
	return key, nil
}

// OpenGroupConversation opens the message log of a group channel listed in the directory
func (s *Session) OpenGroupConversation(ctx context.Context, groupID string) (string, error) {
	group, ok := s.Directory.Lookup(groupID)
	if !ok || !group.IsGroup() || !group.Active {
		return "", apperrors.InvalidTargetError("Unknown group")
	}
	key := directory.GroupConversationKey(group.ID)
	if err := s.Chat.Open(ctx, key); err != nil {
		return "", err
	}
	return key, nil
}

// StartCall looks the contact up in the directory and calls it
func (s *Session) StartCall(ctx context.Context, contactID string, kind domain.CallKind) (domain.CallSession, error) {
	target, ok := s.Directory.Lookup(contactID)
	if !ok {
		return domain.CallSession{}, apperrors.InvalidTargetError("Unknown contact")
	}
	if !target.IsGroup() && !target.Active {
		return domain.CallSession{}, apperrors.InvalidTargetError("Contact is not reachable")
	}
	return s.Calls.StartCall(ctx, target, kind)
}
