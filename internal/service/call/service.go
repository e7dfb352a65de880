package call

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"commlink-backend/internal/domain"
	"commlink-backend/pkg/constants"
	apperrors "commlink-backend/pkg/errors"
	"commlink-backend/pkg/logger"
	"commlink-backend/pkg/metrics"
)

// Service coordinates the call lifecycle: who is calling whom, which state
// each call is in, and which events reach which connections. All state
// transitions go through the registry; the database only ever sees
// after-the-fact snapshots.
type Service struct {
	registry  *Registry
	timeouts  *TimeoutSupervisor
	notifier  Notifier
	store     CallStore
	publisher EventPublisher
	metrics   *metrics.Metrics

	ringTimeout time.Duration
}

// NewService creates a call service
func NewService(notifier Notifier, store CallStore, publisher EventPublisher, m *metrics.Metrics) *Service {
	return &Service{
		registry:    NewRegistry(),
		timeouts:    NewTimeoutSupervisor(),
		notifier:    notifier,
		store:       store,
		publisher:   publisher,
		metrics:     m,
		ringTimeout: constants.RingTimeout,
	}
}

// Initiate starts a call from initiator to target. On success the call is
// ringing on the target's connection and the returned ID identifies it.
func (s *Service) Initiate(ctx context.Context, initiator, target, chatID uuid.UUID, callType domain.CallType) (uuid.UUID, error) {
	if !callType.Valid() {
		return uuid.Nil, apperrors.InvalidInputError("unknown call type")
	}
	if target == initiator {
		return uuid.Nil, apperrors.InvalidInputError("cannot call yourself")
	}

	c := domain.NewCall(initiator, chatID, callType)
	c.Participants[target] = &domain.Participant{
		UserID:   target,
		Status:   domain.ParticipantRinging,
		JoinedAt: c.InitiatedAt,
	}

	// Occupancy for both parties is claimed atomically; a busy user on
	// either side means nothing was registered
	if _, err := s.registry.StartCall(c, target); err != nil {
		s.metrics.RecordCallFailure(string(callType), "busy")
		return uuid.Nil, apperrors.UserBusyError()
	}
	s.metrics.RecordCall(string(callType), "initiated")
	s.metrics.SetActiveCalls(s.registry.ActiveCount())

	// Snapshot before the transition below; the goroutine must not read the
	// live call
	created := snapshotRecord(c)
	s.persistAsync("create", func(ctx context.Context) error {
		if err := s.store.Create(ctx, created); err != nil {
			return err
		}
		return s.store.AddParticipant(ctx, created.CallID, initiator, created.StartedAt)
	})

	// Echo to the initiator first so their UI shows the outgoing call
	// before any answer can arrive
	echo := NewEvent(EventCallInitiated)
	echo.CallID = c.ID
	echo.ChatID = chatID
	echo.CallType = string(callType)
	echo.Status = domain.StateInitiated.String()
	s.notifier.Send(initiator, echo)

	ring := NewEvent(EventIncomingCall)
	ring.CallID = c.ID
	ring.ChatID = chatID
	ring.From = initiator
	ring.CallType = string(callType)

	if !s.notifier.Send(target, ring) {
		logger.Info("call target unreachable",
			zap.String("call_id", c.ID.String()),
			zap.String("target", target.String()))
		s.finalize(c.ID, domain.ReasonFailed, uuid.Nil, nil)
		return c.ID, apperrors.UserOfflineError()
	}

	if err := s.registry.Mutate(c.ID, func(call *domain.Call) error {
		if !call.State.CanTransitionTo(domain.StateRinging) {
			return ErrCallNotFound
		}
		call.State = domain.StateRinging
		return nil
	}); err != nil {
		// The call ended between delivery and the transition; nothing to arm
		return c.ID, nil
	}

	callID := c.ID
	s.timeouts.Arm(callID, s.ringTimeout, func() {
		s.onRingTimeout(callID)
	})

	logger.Info("call initiated",
		zap.String("call_id", callID.String()),
		zap.String("initiator", initiator.String()),
		zap.String("target", target.String()),
		zap.String("call_type", string(callType)))
	return callID, nil
}

// Accept answers a ringing call, or joins an invited participant to an
// ongoing one
func (s *Service) Accept(ctx context.Context, userID, callID uuid.UUID) error {
	var participants []uuid.UUID
	var firstAnswer bool
	var answeredAt time.Time

	err := s.registry.Mutate(callID, func(c *domain.Call) error {
		p, ok := c.Participants[userID]
		if !ok || (p.Status != domain.ParticipantRinging && p.Status != domain.ParticipantInvited) {
			return apperrors.AcceptFailedError("no pending invitation for this call")
		}

		switch c.State {
		case domain.StateRinging:
			c.State = domain.StateAnswered
			now := time.Now()
			c.AnsweredAt = &now
			answeredAt = now
			firstAnswer = true
			// The initiator is connected once someone answers
			if init, ok := c.Participants[c.Initiator]; ok {
				init.Status = domain.ParticipantConnected
			}
		case domain.StateAnswered:
			// Invited participant joining an ongoing call
		default:
			return apperrors.AcceptFailedError("call is not ringing")
		}

		p.Status = domain.ParticipantConnected
		p.JoinedAt = time.Now()
		participants = c.PresentUserIDs()
		return nil
	})
	if err != nil {
		if err == ErrCallNotFound {
			return apperrors.InvalidCallError()
		}
		return err
	}

	// A fired timer re-checks state and finds the call answered, so
	// cancelling after the transition is safe
	s.timeouts.Cancel(callID)

	accepted := NewEvent(EventCallAccepted)
	accepted.CallID = callID
	accepted.From = userID
	accepted.Participants = participants
	s.broadcast(participants, accepted)

	joinedAt := time.Now()
	s.persistAsync("accept", func(ctx context.Context) error {
		if firstAnswer {
			if err := s.store.MarkAnswered(ctx, callID, answeredAt); err != nil {
				return err
			}
		}
		return s.store.AddParticipant(ctx, callID, userID, joinedAt)
	})

	logger.Info("call accepted",
		zap.String("call_id", callID.String()),
		zap.String("user_id", userID.String()))
	return nil
}

// Decline rejects a ringing call, or withdraws an invited participant from
// an ongoing one without ending it
func (s *Service) Decline(ctx context.Context, userID, callID uuid.UUID) error {
	var endCall bool

	err := s.registry.Mutate(callID, func(c *domain.Call) error {
		p, ok := c.Participants[userID]
		if !ok || (p.Status != domain.ParticipantRinging && p.Status != domain.ParticipantInvited) {
			return apperrors.DeclineFailedError("no pending invitation for this call")
		}

		if c.State == domain.StateRinging || c.State == domain.StateInitiated {
			endCall = true
			return nil
		}

		// Invited into an ongoing call: drop the invitation, the call
		// keeps going for everyone else
		now := time.Now()
		p.Status = domain.ParticipantDisconnected
		p.LeftAt = &now
		return nil
	})
	if err != nil {
		if err == ErrCallNotFound {
			return apperrors.InvalidCallError()
		}
		return err
	}

	if endCall {
		s.finalize(callID, domain.ReasonDeclined, userID, nil)
	} else {
		s.registry.ReleaseUser(userID, callID)
	}

	logger.Info("call declined",
		zap.String("call_id", callID.String()),
		zap.String("user_id", userID.String()))
	return nil
}

// End terminates the call for everyone. Any present participant may end it.
func (s *Service) End(ctx context.Context, userID, callID uuid.UUID) error {
	err := s.registry.View(callID, func(c *domain.Call) error {
		if !c.IsParticipant(userID) {
			return apperrors.EndFailedError("not a participant of this call")
		}
		return nil
	})
	if err != nil {
		if err == ErrCallNotFound {
			return apperrors.InvalidCallError()
		}
		return err
	}

	s.finalize(callID, domain.ReasonEnded, userID, nil)
	return nil
}

// Invite asks another user to join an ongoing call. Unreachable or busy
// invitees are skipped without bothering the rest of the call.
func (s *Service) Invite(ctx context.Context, inviter, callID, target uuid.UUID) error {
	var chatID uuid.UUID
	var callType domain.CallType
	var participantCount int

	err := s.registry.Mutate(callID, func(c *domain.Call) error {
		if c.State != domain.StateAnswered {
			return apperrors.InviteFailedError("call is not in progress")
		}
		if !c.IsParticipant(inviter) {
			return apperrors.InviteFailedError("not a participant of this call")
		}
		if len(c.Participants) >= constants.MaxCallParticipants {
			return apperrors.InviteFailedError("call is full")
		}
		if p, ok := c.Participants[target]; ok && p.Present() {
			return apperrors.InviteFailedError("user is already on this call")
		}
		chatID = c.ChatID
		callType = c.Type
		participantCount = len(c.PresentUserIDs())
		return nil
	})
	if err != nil {
		if err == ErrCallNotFound {
			return apperrors.InvalidCallError()
		}
		return err
	}

	if err := s.registry.ClaimUser(target, callID); err != nil {
		s.skipInvite(callID, target, "busy")
		return nil
	}

	if !s.notifier.Online(target) {
		s.registry.ReleaseUser(target, callID)
		s.skipInvite(callID, target, "offline")
		return nil
	}

	if err := s.registry.Mutate(callID, func(c *domain.Call) error {
		c.Participants[target] = &domain.Participant{
			UserID:   target,
			Status:   domain.ParticipantInvited,
			JoinedAt: time.Now(),
		}
		return nil
	}); err != nil {
		s.registry.ReleaseUser(target, callID)
		return apperrors.InvalidCallError()
	}

	invite := NewEvent(EventCallInvitation)
	invite.CallID = callID
	invite.ChatID = chatID
	invite.From = inviter
	invite.CallType = string(callType)
	invite.ParticipantCount = participantCount

	if !s.notifier.Send(target, invite) {
		s.registry.Mutate(callID, func(c *domain.Call) error {
			delete(c.Participants, target)
			return nil
		})
		s.registry.ReleaseUser(target, callID)
		s.skipInvite(callID, target, "offline")
	}
	return nil
}

func (s *Service) skipInvite(callID, target uuid.UUID, reason string) {
	logger.Info("call invite skipped",
		zap.String("call_id", callID.String()),
		zap.String("target", target.String()),
		zap.String("reason", reason))
	s.metrics.RecordInviteSkipped(reason)
}

// Relay forwards WebRTC session material between participants of a call.
// The payload is passed through byte for byte. A non-nil target narrows
// delivery to that participant; otherwise every other participant gets a
// copy. Relays from or to anyone outside the call roster are dropped and
// counted, not answered, so a probing client learns nothing about the call.
func (s *Service) Relay(ctx context.Context, from, callID, target uuid.UUID, eventType string, payload json.RawMessage) error {
	var targets []uuid.UUID

	err := s.registry.View(callID, func(c *domain.Call) error {
		if !c.IsParticipant(from) {
			return errNotParticipant
		}
		if target != uuid.Nil {
			if !c.IsParticipant(target) || target == from {
				return errNotParticipant
			}
			targets = append(targets, target)
			return nil
		}
		for _, id := range c.PresentUserIDs() {
			if id != from {
				targets = append(targets, id)
			}
		}
		return nil
	})
	if err != nil {
		s.metrics.RecordSignalDropped(eventType)
		logger.Debug("signal dropped",
			zap.String("call_id", callID.String()),
			zap.String("from", from.String()),
			zap.String("kind", eventType))
		return nil
	}

	event := NewEvent(eventType)
	event.CallID = callID
	event.From = from
	event.Payload = payload
	s.broadcast(targets, event)
	s.metrics.RecordSignalRelayed(eventType)
	return nil
}

// ToggleMedia announces an audio or video mute state change to every
// participant, the sender included. The sender applies its own toggle only
// when the echo comes back, so every client sees the same ordering. The flag
// means muted for audio toggles and disabled for video toggles.
func (s *Service) ToggleMedia(ctx context.Context, from, callID uuid.UUID, eventType string, flag bool) error {
	targets, err := s.presentParticipants(from, callID)
	if err != nil {
		return err
	}

	event := NewEvent(eventType)
	event.CallID = callID
	event.From = from
	if eventType == EventParticipantAudioToggle {
		event.Muted = &flag
	} else {
		event.Disabled = &flag
	}
	s.broadcast(targets, event)
	return nil
}

// ScreenShare announces the start or stop of a screen share to every
// participant, the sender included
func (s *Service) ScreenShare(ctx context.Context, from, callID uuid.UUID, started bool) error {
	targets, err := s.presentParticipants(from, callID)
	if err != nil {
		return err
	}

	eventType := EventScreenShareStopped
	if started {
		eventType = EventScreenShareStarted
	}
	event := NewEvent(eventType)
	event.CallID = callID
	event.From = from
	s.broadcast(targets, event)
	return nil
}

// presentParticipants returns the full present roster, verifying the sender
// belongs to it
func (s *Service) presentParticipants(from, callID uuid.UUID) ([]uuid.UUID, error) {
	var targets []uuid.UUID
	err := s.registry.View(callID, func(c *domain.Call) error {
		if !c.IsParticipant(from) {
			return apperrors.InvalidCallError()
		}
		targets = c.PresentUserIDs()
		return nil
	})
	if err != nil {
		if err == ErrCallNotFound {
			return nil, apperrors.InvalidCallError()
		}
		return nil, err
	}
	return targets, nil
}

var validQuality = map[string]bool{
	"good":    true,
	"average": true,
	"poor":    true,
}

// ReportQuality stores a participant's quality rating for a call. Reports
// arriving just after the call ended are still written through; the live
// table may no longer know the call but the record does.
func (s *Service) ReportQuality(ctx context.Context, from, callID uuid.UUID, quality string, stats json.RawMessage) error {
	if !validQuality[quality] {
		return apperrors.InvalidInputError("unknown quality rating")
	}

	err := s.registry.Mutate(callID, func(c *domain.Call) error {
		if _, ok := c.Participants[from]; !ok {
			return apperrors.InvalidCallError()
		}
		c.Quality[from] = quality
		return nil
	})
	if err != nil && err != ErrCallNotFound {
		return err
	}

	s.persistAsync("quality", func(ctx context.Context) error {
		return s.store.SetParticipantQuality(ctx, callID, from, quality)
	})
	if len(stats) > 0 {
		patch, merr := json.Marshal(map[string]json.RawMessage{from.String(): stats})
		if merr != nil {
			return nil
		}
		s.persistAsync("quality_stats", func(ctx context.Context) error {
			return s.store.MergeMetadata(ctx, callID, patch)
		})
	}
	return nil
}

// Disconnected handles a user's signaling connection dropping. The
// participant is removed, everyone still present hears about it, and the
// call ends once fewer than two remain.
func (s *Service) Disconnected(userID uuid.UUID) {
	callID, ok := s.registry.UserCall(userID)
	if !ok {
		return
	}

	var endCall bool
	var remaining []uuid.UUID

	err := s.registry.Mutate(callID, func(c *domain.Call) error {
		p, ok := c.Participants[userID]
		if !ok {
			return ErrCallNotFound
		}

		now := time.Now()
		p.Status = domain.ParticipantDisconnected
		p.LeftAt = &now
		remaining = c.PresentUserIDs()
		endCall = len(remaining) < 2
		return nil
	})
	if err != nil {
		return
	}

	// The departure notice goes out before any call_ended, so survivors
	// learn who left even when the call folds on the same drop
	gone := NewEvent(EventParticipantDisconnect)
	gone.CallID = callID
	gone.From = userID
	s.broadcast(remaining, gone)

	leftAt := time.Now()
	s.persistAsync("participant_left", func(ctx context.Context) error {
		return s.store.MarkParticipantLeft(ctx, callID, userID, leftAt)
	})

	if endCall {
		s.finalize(callID, domain.ReasonEnded, userID, nil)
		return
	}

	s.registry.ReleaseUser(userID, callID)

	logger.Info("participant disconnected",
		zap.String("call_id", callID.String()),
		zap.String("user_id", userID.String()))
}

// onRingTimeout fires when nobody answered within the ring window. The
// still-ringing condition rides into finalize as a guard, so it is checked
// under the same registry lock as the terminal transition and a timer that
// loses the race with accept does nothing at all.
func (s *Service) onRingTimeout(callID uuid.UUID) {
	s.finalize(callID, domain.ReasonMissed, uuid.Nil, func(c *domain.Call) bool {
		return c.State == domain.StateInitiated || c.State == domain.StateRinging
	})
}

// finalize moves the call to the terminal state exactly once. The optional
// guard, the state check, and the transition all run under the registry
// lock, so concurrent finalize attempts agree on a single winner; losers
// return without side effects. Only the winner broadcasts, persists, and
// publishes. endedBy identifies who caused the ending, uuid.Nil when the
// system did.
func (s *Service) finalize(callID uuid.UUID, reason domain.EndReason, endedBy uuid.UUID, guard func(*domain.Call) bool) {
	var rec *domain.CallRecord
	var roster []uuid.UUID
	var dropped []uuid.UUID

	err := s.registry.Mutate(callID, func(c *domain.Call) error {
		if guard != nil && !guard(c) {
			return ErrCallNotFound
		}
		if c.State.IsTerminal() || !c.State.CanTransitionTo(domain.StateEnded) {
			return ErrCallNotFound
		}
		c.State = domain.StateEnded
		c.Reason = reason
		now := time.Now()
		c.EndedAt = &now

		for id, p := range c.Participants {
			roster = append(roster, id)
			if p.Present() {
				p.Status = domain.ParticipantDisconnected
				p.LeftAt = &now
				dropped = append(dropped, id)
			}
		}
		rec = snapshotRecord(c)
		return nil
	})
	if err != nil {
		return
	}

	s.registry.Evict(callID)
	s.timeouts.Cancel(callID)
	s.metrics.SetActiveCalls(s.registry.ActiveCount())
	s.metrics.RecordCall(rec.CallType, "ended")
	if reason == domain.ReasonFailed {
		s.metrics.RecordCallFailure(rec.CallType, string(reason))
	}
	if rec.AnsweredAt != nil && rec.EndedAt != nil {
		s.metrics.RecordCallDuration(rec.CallType, rec.EndedAt.Sub(*rec.AnsweredAt))
	}

	ended := NewEvent(EventCallEnded)
	ended.CallID = callID
	ended.Reason = string(reason)
	ended.EndedBy = endedBy
	ended.Duration = rec.Duration
	s.broadcast(roster, ended)

	endedAt := *rec.EndedAt
	s.persistAsync("finalize", func(ctx context.Context) error {
		if err := s.store.Finalize(ctx, rec); err != nil {
			return err
		}
		for _, id := range dropped {
			if err := s.store.MarkParticipantLeft(ctx, callID, id, endedAt); err != nil {
				return err
			}
		}
		return nil
	})

	if s.publisher != nil {
		event := NewEvent(EventCallEnded)
		event.CallID = callID
		event.ChatID = rec.ChatID
		event.Reason = string(reason)
		ctx, cancel := context.WithTimeout(context.Background(), constants.PersistTimeout)
		defer cancel()
		if err := s.publisher.PublishCallEvent(ctx, event); err != nil {
			logger.Warn("failed to publish call event",
				zap.String("call_id", callID.String()),
				zap.Error(err))
		}
	}

	logger.Info("call ended",
		zap.String("call_id", callID.String()),
		zap.String("reason", string(reason)),
		zap.Int("duration", rec.Duration))
}

// Status returns the current view of a call the user took part in
func (s *Service) Status(ctx context.Context, userID, callID uuid.UUID) (*domain.CallRecord, error) {
	var rec *domain.CallRecord
	err := s.registry.View(callID, func(c *domain.Call) error {
		if _, ok := c.Participants[userID]; !ok {
			return apperrors.CallNotFoundError()
		}
		rec = snapshotRecord(c)
		return nil
	})
	if err == nil {
		return rec, nil
	}
	if err != ErrCallNotFound {
		return nil, err
	}

	rec, err = s.store.GetByID(ctx, callID)
	if err != nil {
		return nil, apperrors.CallNotFoundError()
	}
	return rec, nil
}

// Participants returns the joined/left roster of a call, in join order
func (s *Service) Participants(ctx context.Context, callID uuid.UUID) ([]*domain.CallParticipantRecord, error) {
	parts, err := s.store.GetParticipants(ctx, callID)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	return parts, nil
}

// History returns the user's recent calls, newest first
func (s *Service) History(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallRecord, error) {
	if limit <= 0 || limit > constants.MaxPageSize {
		limit = constants.DefaultPageSize
	}
	records, err := s.store.GetUserCalls(ctx, userID, limit, offset)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	return records, nil
}

// Shutdown cancels all outstanding ring timers
func (s *Service) Shutdown() {
	s.timeouts.Stop()
}

// ActiveCalls returns the number of live calls, for health reporting
func (s *Service) ActiveCalls() int {
	return s.registry.ActiveCount()
}

func (s *Service) broadcast(targets []uuid.UUID, event *Event) {
	for _, id := range targets {
		s.notifier.Send(id, event)
	}
}

// persistAsync runs a durable write off the hot path. The call flow never
// waits on the database; failures are logged and counted.
func (s *Service) persistAsync(operation string, fn func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), constants.PersistTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			logger.Error("call persistence failed",
				zap.String("operation", operation),
				zap.Error(err))
			s.metrics.RecordPersistError(operation)
		}
	}()
}

func snapshotRecord(c *domain.Call) *domain.CallRecord {
	return &domain.CallRecord{
		CallID:     c.ID,
		ChatID:     c.ChatID,
		Initiator:  c.Initiator,
		CallType:   string(c.Type),
		Status:     c.State.String(),
		EndReason:  string(c.Reason),
		StartedAt:  c.InitiatedAt,
		AnsweredAt: c.AnsweredAt,
		EndedAt:    c.EndedAt,
		Duration:   c.DurationSeconds(),
	}
}
