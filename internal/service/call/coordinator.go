package call

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"trainhub-realtime/internal/domain"
	"trainhub-realtime/internal/port"
	apperrors "trainhub-realtime/pkg/errors"
	"trainhub-realtime/pkg/logger"
	"trainhub-realtime/pkg/metrics"
	"trainhub-realtime/pkg/push"
)

// MediaSession is the slice of the media session manager the coordinator drives
type MediaSession interface {
	Acquire(ctx context.Context, kind domain.CallKind) error
	Join(ctx context.Context, token string) (string, error)
	Publish(ctx context.Context) error
	Release(ctx context.Context)
}

// HistoryRecorder archives finished calls
type HistoryRecorder interface {
	Record(ctx context.Context, session domain.CallSession) error
}

// Config tunes the coordinator
type Config struct {
	// RingTimeout ends unanswered outgoing calls and hides older pending offers.
	RingTimeout time.Duration
	// SetupTimeout bounds the port calls of one start/accept operation.
	SetupTimeout time.Duration
}

// Coordinator owns the call state machine of one logged-in party. It reacts only to
// subscription events on the shared CallSession records and never polls.
//
// Every public operation runs under mu; media calls are made with mu held, so the
// lock order is coordinator then media.
type Coordinator struct {
	store    port.SyncPort
	media    MediaSession
	self     domain.Participant
	cfg      Config
	notifier push.Notifier
	history  HistoryRecorder
	now      func() time.Time

	mu      sync.Mutex
	phase   Phase
	session *domain.CallSession
	outcome Outcome
	// gen identifies the current session; callbacks and timers carrying an older
	// value are stale and ignored.
	gen         uint64
	recordUnsub port.Unsubscribe
	ringTimer   *time.Timer

	incomingUnsub port.Unsubscribe
	stopped       bool
	offers        map[string]domain.CallSession
	// dismissed holds offers already handled locally, so a lagging incoming
	// event cannot surface them again.
	dismissed map[string]struct{}

	onChange func()
}

// NewCoordinator creates a coordinator acting as self. notifier and history may be nil.
func NewCoordinator(store port.SyncPort, media MediaSession, self domain.Participant, cfg Config, notifier push.Notifier, history HistoryRecorder) *Coordinator {
	if cfg.SetupTimeout <= 0 {
		cfg.SetupTimeout = 10 * time.Second
	}
	return &Coordinator{
		store:     store,
		media:     media,
		self:      self,
		cfg:       cfg,
		notifier:  notifier,
		history:   history,
		now:       time.Now,
		phase:     PhaseIdle,
		offers:    make(map[string]domain.CallSession),
		dismissed: make(map[string]struct{}),
	}
}

// OnChange registers a callback fired after every state change, without the lock held
func (c *Coordinator) OnChange(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = fn
}

func (c *Coordinator) changed() {
	c.mu.Lock()
	fn := c.onChange
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// State returns a snapshot of the coordinator state
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := State{Phase: c.phase, Outcome: c.outcome}
	if c.session != nil {
		s := *c.session
		st.Session = &s
		if c.phase == PhaseIncoming {
			offer := s
			st.IncomingOffer = &offer
		}
	}
	return st
}

// Start opens the always-on listener for offers addressed to this party.
// It stays open until Stop.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopped = false
	return c.listenLocked(ctx)
}

func (c *Coordinator) listenLocked(ctx context.Context) error {
	if c.incomingUnsub != nil || c.stopped {
		return nil
	}
	q := &port.Query{Field: "recipientId", Equals: c.self.ID}
	unsub, err := c.store.Subscribe(ctx, port.CallsRoot, q, c.handleIncoming)
	if err != nil {
		return apperrors.TransportError("subscribe incoming calls", err)
	}
	c.incomingUnsub = unsub
	return nil
}

// Stop ends any call in progress and closes the incoming listener
func (c *Coordinator) Stop(ctx context.Context) {
	if err := c.EndCall(ctx); err != nil {
		logger.Warn("Failed to end call on stop", zap.String("user_id", c.self.ID), zap.Error(err))
	}

	c.mu.Lock()
	c.stopped = true
	if c.incomingUnsub != nil {
		c.incomingUnsub()
		c.incomingUnsub = nil
	}
	c.mu.Unlock()
}

// StartCall calls target. Media is acquired and the room joined before the
// pending record is written; any failure releases media and leaves no record.
func (c *Coordinator) StartCall(ctx context.Context, target domain.Participant, kind domain.CallKind) (domain.CallSession, error) {
	c.mu.Lock()
	sess, err := c.startCallLocked(ctx, target, kind)
	c.mu.Unlock()
	c.changed()
	return sess, err
}

func (c *Coordinator) startCallLocked(ctx context.Context, target domain.Participant, kind domain.CallKind) (domain.CallSession, error) {
	if !kind.Valid() {
		return domain.CallSession{}, apperrors.ValidationError("Unknown call kind")
	}
	if target.IsGroup() {
		return domain.CallSession{}, apperrors.InvalidTargetError("Group calls are not supported")
	}
	if target.ID == "" || target.ID == c.self.ID {
		return domain.CallSession{}, apperrors.InvalidTargetError("Invalid call target")
	}
	if c.phase != PhaseIdle {
		return domain.CallSession{}, apperrors.InvalidTargetError("A call is already in progress")
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.SetupTimeout)
	defer cancel()

	sess := domain.CallSession{
		ID:            uuid.NewString(),
		InitiatorID:   c.self.ID,
		InitiatorName: c.self.DisplayName,
		RecipientID:   target.ID,
		RecipientName: target.DisplayName,
		Kind:          kind,
		Status:        domain.CallStatusPending,
		RoomToken:     uuid.NewString(),
		CreatedAt:     c.now().UTC(),
	}
	log := logger.With(zap.String("call_id", sess.ID), zap.String("user_id", c.self.ID))

	ok := false
	defer func() {
		if !ok {
			c.media.Release(context.Background())
		}
	}()

	if err := c.media.Acquire(ctx, kind); err != nil {
		log.Warn("Call setup failed acquiring media", zap.Error(err))
		return domain.CallSession{}, err
	}
	if _, err := c.media.Join(ctx, sess.RoomToken); err != nil {
		return domain.CallSession{}, err
	}
	if err := c.media.Publish(ctx); err != nil {
		return domain.CallSession{}, err
	}

	path := port.CallPath(sess.ID)
	if err := c.store.Write(ctx, path, sess); err != nil {
		log.Warn("Call setup failed writing session", zap.Error(err))
		return domain.CallSession{}, apperrors.TransportError("write call session", err)
	}

	c.gen++
	gen := c.gen
	unsub, err := c.store.Subscribe(ctx, path, nil, func(ev port.Event) { c.handleRecord(gen, ev) })
	if err != nil {
		c.retract(path, domain.CallStatusEnded)
		return domain.CallSession{}, apperrors.TransportError("subscribe call session", err)
	}
	ok = true

	c.recordUnsub = unsub
	c.session = &sess
	c.outcome = OutcomeNone
	c.setPhase(PhaseOutgoing)
	metrics.CallsActive.Inc()

	if c.cfg.RingTimeout > 0 {
		c.ringTimer = time.AfterFunc(c.cfg.RingTimeout, func() { c.ringExpired(gen) })
	}
	if c.notifier != nil {
		go c.notifyOffer(sess)
	}

	log.Info("Call started", zap.String("recipient_id", target.ID), zap.String("kind", string(kind)))
	return sess, nil
}

func (c *Coordinator) notifyOffer(sess domain.CallSession) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SetupTimeout)
	defer cancel()
	n := push.NewCallOffer(sess.RecipientID, sess.ID, sess.InitiatorName, string(sess.Kind), c.cfg.RingTimeout)
	if err := c.notifier.Send(ctx, n); err != nil {
		logger.Warn("Failed to push call offer", zap.String("call_id", sess.ID), zap.Error(err))
	}
}

// AcceptCall answers the outstanding offer: acquire media, join the offer's
// room, then mark the record accepted.
func (c *Coordinator) AcceptCall(ctx context.Context) error {
	c.mu.Lock()
	err := c.acceptCallLocked(ctx)
	c.mu.Unlock()
	c.changed()
	return err
}

func (c *Coordinator) acceptCallLocked(ctx context.Context) error {
	if c.phase != PhaseIncoming || c.session == nil {
		return apperrors.InvalidTargetError("No incoming call to accept")
	}
	sess := *c.session
	path := port.CallPath(sess.ID)
	log := logger.With(zap.String("call_id", sess.ID), zap.String("user_id", c.self.ID))

	ctx, cancel := context.WithTimeout(ctx, c.cfg.SetupTimeout)
	defer cancel()

	fail := func(err error) error {
		log.Warn("Call accept failed", zap.Error(err))
		c.teardownLocked(OutcomeFailed)
		c.retract(path, domain.CallStatusEnded)
		return err
	}

	// the caller may have hung up since the offer surfaced
	raw, err := c.store.ReadOnce(ctx, path)
	if errors.Is(err, port.ErrNotFound) {
		c.teardownLocked(OutcomeMissed)
		return apperrors.NotFoundError("Call")
	}
	if err != nil {
		return fail(apperrors.TransportError("read call session", err))
	}
	current, err := domain.ParseCallSession(sess.ID, raw)
	if err != nil {
		log.Warn("Call session record is malformed, not accepting", zap.Error(err))
		c.teardownLocked(OutcomeMissed)
		return apperrors.InvalidTargetError("Call is no longer ringing")
	}
	if current.Status != domain.CallStatusPending {
		c.teardownLocked(OutcomeMissed)
		return apperrors.InvalidTargetError("Call is no longer ringing")
	}

	if err := c.media.Acquire(ctx, sess.Kind); err != nil {
		return fail(err)
	}
	if _, err := c.media.Join(ctx, sess.RoomToken); err != nil {
		return fail(err)
	}
	if err := c.media.Publish(ctx); err != nil {
		return fail(err)
	}

	err = c.store.Update(ctx, path, map[string]any{"status": domain.CallStatusAccepted})
	if errors.Is(err, port.ErrNotFound) {
		c.teardownLocked(OutcomeMissed)
		return apperrors.NotFoundError("Call")
	}
	if err != nil {
		return fail(apperrors.TransportError("accept call", err))
	}

	sess.Status = domain.CallStatusAccepted
	c.session = &sess
	c.setPhase(PhaseAccepted)
	log.Info("Call accepted")
	return nil
}

// RejectCall declines the outstanding offer without touching media
func (c *Coordinator) RejectCall(ctx context.Context) error {
	c.mu.Lock()
	err := c.rejectCallLocked(ctx)
	c.mu.Unlock()
	c.changed()
	return err
}

func (c *Coordinator) rejectCallLocked(ctx context.Context) error {
	if c.phase != PhaseIncoming || c.session == nil {
		return apperrors.InvalidTargetError("No incoming call to reject")
	}
	id := c.session.ID
	c.teardownLocked(OutcomeRejected)

	err := c.store.Update(ctx, port.CallPath(id), map[string]any{
		"status":  domain.CallStatusRejected,
		"endedAt": c.now().UTC(),
	})
	if err != nil && !errors.Is(err, port.ErrNotFound) {
		return apperrors.TransportError("reject call", err)
	}
	logger.Info("Call rejected", zap.String("call_id", id), zap.String("user_id", c.self.ID))
	return nil
}

// EndCall tears the call down and marks the record ended. It is idempotent:
// with no call in progress it does nothing.
func (c *Coordinator) EndCall(ctx context.Context) error {
	c.mu.Lock()
	err := c.endCallLocked(ctx)
	c.mu.Unlock()
	c.changed()
	return err
}

func (c *Coordinator) endCallLocked(ctx context.Context) error {
	if c.phase == PhaseIdle || c.session == nil {
		// nothing of ours can still be open, but releasing is free
		c.media.Release(ctx)
		return nil
	}
	id := c.session.ID
	outcome := OutcomeEnded
	if c.phase == PhaseOutgoing {
		outcome = OutcomeMissed
	}
	c.teardownLocked(outcome)

	err := c.store.Update(ctx, port.CallPath(id), map[string]any{
		"status":  domain.CallStatusEnded,
		"endedAt": c.now().UTC(),
	})
	if err != nil && !errors.Is(err, port.ErrNotFound) {
		return apperrors.TransportError("end call", err)
	}
	logger.Info("Call ended", zap.String("call_id", id), zap.String("user_id", c.self.ID))
	return nil
}

// HandleRemotePeerLeft ends an accepted call whose other party dropped out of
// the media room. It returns immediately.
func (c *Coordinator) HandleRemotePeerLeft(peerID string) {
	go func() {
		c.mu.Lock()
		accepted := c.phase == PhaseAccepted
		c.mu.Unlock()
		if !accepted {
			return
		}
		if err := c.EndCall(context.Background()); err != nil {
			logger.Warn("Failed to end call after remote peer left", zap.String("peer_id", peerID), zap.Error(err))
		}
	}()
}

func (c *Coordinator) ringExpired(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.phase != PhaseOutgoing {
		c.mu.Unlock()
		return
	}
	id := c.session.ID
	c.teardownLocked(OutcomeMissed)
	c.retract(port.CallPath(id), domain.CallStatusEnded)
	c.mu.Unlock()

	logger.Info("Unanswered call timed out", zap.String("call_id", id))
	c.changed()
}

// handleRecord reacts to changes of the session record this client is part of
func (c *Coordinator) handleRecord(gen uint64, ev port.Event) {
	c.mu.Lock()
	if gen != c.gen || c.session == nil {
		c.mu.Unlock()
		return
	}
	c.applyRecordLocked(ev)
	c.mu.Unlock()
	c.changed()
}

func (c *Coordinator) applyRecordLocked(ev port.Event) {
	id := c.session.ID
	log := logger.With(zap.String("call_id", id), zap.String("user_id", c.self.ID))

	if ev.Kind == port.EventError {
		// a lost subscription counts as an implicit end
		log.Warn("Call session subscription lost", zap.Error(ev.Err))
		c.teardownLocked(OutcomeEnded)
		c.retract(port.CallPath(id), domain.CallStatusEnded)
		return
	}
	if ev.Kind != port.EventSnapshot {
		return
	}
	if ev.Value == nil {
		log.Info("Call session record removed")
		c.teardownLocked(c.remoteEndOutcome(domain.CallStatusEnded))
		return
	}

	rec, err := domain.ParseCallSession(id, ev.Value)
	if err != nil {
		metrics.CallMalformedRecordsTotal.Inc()
		log.Warn("Ignoring malformed call session record", zap.Error(err))
		return
	}

	switch rec.Status {
	case domain.CallStatusPending:
		c.session = &rec
	case domain.CallStatusAccepted:
		c.session = &rec
		switch c.phase {
		case PhaseOutgoing:
			c.stopRingTimer()
			c.setPhase(PhaseAccepted)
			log.Info("Call accepted by remote party")
		case PhaseIncoming:
			// answered from another device of the same party
			log.Info("Call answered elsewhere")
			c.teardownLocked(OutcomeEnded)
		}
	case domain.CallStatusRejected, domain.CallStatusEnded:
		// any terminal status wins, even one racing our own terminal write
		c.session = &rec
		log.Info("Call terminated remotely", zap.String("status", string(rec.Status)))
		c.teardownLocked(c.remoteEndOutcome(rec.Status))
	}
}

func (c *Coordinator) remoteEndOutcome(status domain.CallStatus) Outcome {
	switch {
	case status == domain.CallStatusRejected:
		return OutcomeRejected
	case c.phase == PhaseOutgoing, c.phase == PhaseIncoming:
		return OutcomeMissed
	default:
		return OutcomeEnded
	}
}

// handleIncoming tracks pending offers addressed to this party
func (c *Coordinator) handleIncoming(ev port.Event) {
	c.mu.Lock()
	switch ev.Kind {
	case port.EventSnapshot:
		c.offers = make(map[string]domain.CallSession, len(ev.Children))
		for key, raw := range ev.Children {
			c.trackOfferLocked(key, raw)
		}
	case port.EventChildPut:
		c.trackOfferLocked(ev.Key, ev.Value)
	case port.EventChildRemoved:
		delete(c.offers, ev.Key)
		delete(c.dismissed, ev.Key)
	case port.EventError:
		logger.Warn("Incoming call listener lost, resubscribing", zap.String("user_id", c.self.ID), zap.Error(ev.Err))
		c.incomingUnsub = nil
		time.AfterFunc(time.Second, c.relisten)
	}
	c.surfaceLocked()
	c.mu.Unlock()
	c.changed()
}

func (c *Coordinator) relisten() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.listenLocked(context.Background()); err != nil {
		logger.Warn("Failed to resubscribe incoming call listener", zap.Error(err))
		time.AfterFunc(5*time.Second, c.relisten)
	}
}

func (c *Coordinator) trackOfferLocked(key string, raw []byte) {
	rec, err := domain.ParseCallSession(key, raw)
	if err != nil {
		metrics.CallMalformedRecordsTotal.Inc()
		logger.Warn("Ignoring malformed call offer", zap.String("call_id", key), zap.Error(err))
		delete(c.offers, key)
		return
	}
	if rec.Status != domain.CallStatusPending {
		delete(c.offers, key)
		delete(c.dismissed, key)
		return
	}
	if c.cfg.RingTimeout > 0 && c.now().Sub(rec.CreatedAt) > c.cfg.RingTimeout {
		delete(c.offers, key)
		return
	}
	if _, seen := c.offers[key]; !seen && c.phase != PhaseIdle && (c.session == nil || c.session.ID != key) {
		metrics.CallOffersSuppressedTotal.Inc()
		logger.Info("Suppressing call offer while busy", zap.String("call_id", key), zap.String("user_id", c.self.ID))
	}
	c.offers[key] = rec
}

// surfaceLocked presents the newest outstanding offer, but only while idle
func (c *Coordinator) surfaceLocked() {
	if c.phase != PhaseIdle || c.stopped {
		return
	}

	candidates := make([]domain.CallSession, 0, len(c.offers))
	for id, offer := range c.offers {
		if _, gone := c.dismissed[id]; gone {
			continue
		}
		if c.cfg.RingTimeout > 0 && c.now().Sub(offer.CreatedAt) > c.cfg.RingTimeout {
			continue
		}
		candidates = append(candidates, offer)
	}
	if len(candidates) == 0 {
		return
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt.After(candidates[j].CreatedAt) })
	offer := candidates[0]

	c.gen++
	gen := c.gen
	unsub, err := c.store.Subscribe(context.Background(), port.CallPath(offer.ID), nil, func(ev port.Event) {
		c.handleRecord(gen, ev)
	})
	if err != nil {
		logger.Warn("Failed to watch incoming call record", zap.String("call_id", offer.ID), zap.Error(err))
		return
	}

	c.recordUnsub = unsub
	c.session = &offer
	c.outcome = OutcomeNone
	c.setPhase(PhaseIncoming)
	metrics.CallsActive.Inc()
	logger.Info("Incoming call offer",
		zap.String("call_id", offer.ID),
		zap.String("initiator_id", offer.InitiatorID),
		zap.String("user_id", c.self.ID))
}

// teardownLocked releases everything the current session holds and returns to idle.
// Safe to call from any phase.
func (c *Coordinator) teardownLocked(outcome Outcome) {
	c.media.Release(context.Background())
	if c.phase == PhaseIdle || c.session == nil {
		return
	}

	c.stopRingTimer()
	if c.recordUnsub != nil {
		c.recordUnsub()
		c.recordUnsub = nil
	}
	c.gen++

	sess := *c.session
	c.dismissed[sess.ID] = struct{}{}
	delete(c.offers, sess.ID)

	metrics.CallsActive.Dec()
	metrics.CallOutcomesTotal.WithLabelValues(string(sess.Kind), string(outcome)).Inc()
	if c.history != nil && sess.InitiatorID == c.self.ID {
		go c.archive(sess, outcome)
	}

	c.session = nil
	c.outcome = outcome
	c.setPhase(PhaseIdle)

	c.surfaceLocked()
}

func (c *Coordinator) archive(sess domain.CallSession, outcome Outcome) {
	if !sess.Status.IsTerminal() {
		sess.Status = domain.CallStatusEnded
		if outcome == OutcomeRejected {
			sess.Status = domain.CallStatusRejected
		}
	}
	if sess.EndedAt == nil {
		ended := c.now().UTC()
		sess.EndedAt = &ended
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SetupTimeout)
	defer cancel()
	if err := c.history.Record(ctx, sess); err != nil {
		logger.Warn("Failed to archive call", zap.String("call_id", sess.ID), zap.Error(err))
	}
}

// retract marks a record terminal on a best-effort basis after a local failure
func (c *Coordinator) retract(path string, status domain.CallStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SetupTimeout)
	defer cancel()
	err := c.store.Update(ctx, path, map[string]any{"status": status, "endedAt": c.now().UTC()})
	if err != nil && !errors.Is(err, port.ErrNotFound) {
		logger.Warn("Failed to retract call session", zap.String("path", path), zap.Error(err))
	}
}

func (c *Coordinator) stopRingTimer() {
	if c.ringTimer != nil {
		c.ringTimer.Stop()
		c.ringTimer = nil
	}
}

func (c *Coordinator) setPhase(to Phase) {
	if c.phase == to {
		return
	}
	metrics.CallTransitionsTotal.WithLabelValues(string(c.phase), string(to)).Inc()
	c.phase = to
}
