package call

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"commlink-backend/internal/domain"
)

// Server-to-client event types
const (
	EventIncomingCall           = "incoming_call"
	EventCallInitiated          = "call_initiated"
	EventCallAccepted           = "call_accepted"
	EventCallEnded              = "call_ended"
	EventCallError              = "call_error"
	EventCallInvitation         = "call_invitation"
	EventWebRTCOffer            = "webrtc_offer"
	EventWebRTCAnswer           = "webrtc_answer"
	EventWebRTCICECandidate     = "webrtc_ice_candidate"
	EventParticipantAudioToggle = "participant_audio_toggle"
	EventParticipantVideoToggle = "participant_video_toggle"
	EventScreenShareStarted     = "screen_share_started"
	EventScreenShareStopped     = "screen_share_stopped"
	EventParticipantDisconnect  = "participant_disconnected"
)

// Event is the envelope pushed to clients over their signaling connection.
// Payload carries WebRTC session material verbatim; the coordinator never
// inspects it.
type Event struct {
	Type             string          `json:"type"`
	CallID           uuid.UUID       `json:"call_id,omitempty"`
	ChatID           uuid.UUID       `json:"chat_id,omitempty"`
	From             uuid.UUID       `json:"from,omitempty"`
	CallType         string          `json:"call_type,omitempty"`
	Status           string          `json:"status,omitempty"`
	Participants     []uuid.UUID     `json:"participants,omitempty"`
	ParticipantCount int             `json:"participant_count,omitempty"`
	Reason           string          `json:"reason,omitempty"`
	EndedBy          uuid.UUID       `json:"ended_by,omitempty"`
	Duration         int             `json:"duration,omitempty"`
	Code             string          `json:"code,omitempty"`
	Message          string          `json:"message,omitempty"`
	Muted            *bool           `json:"muted,omitempty"`
	Disabled         *bool           `json:"disabled,omitempty"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	Timestamp        time.Time       `json:"timestamp"`
}

// NewEvent stamps an event with the current time
func NewEvent(eventType string) *Event {
	return &Event{Type: eventType, Timestamp: time.Now()}
}

// ErrorEvent builds a call_error event for a specific call
func ErrorEvent(callID uuid.UUID, code, message string) *Event {
	e := NewEvent(EventCallError)
	e.CallID = callID
	e.Code = code
	e.Message = message
	return e
}

// Notifier delivers events to a user's live signaling connection.
// Send reports whether the user had a connection to deliver to.
type Notifier interface {
	Send(userID uuid.UUID, event *Event) bool
	Online(userID uuid.UUID) bool
}

// CallStore is the durable side of the call lifecycle
type CallStore interface {
	Create(ctx context.Context, rec *domain.CallRecord) error
	MarkAnswered(ctx context.Context, callID uuid.UUID, answeredAt time.Time) error
	Finalize(ctx context.Context, rec *domain.CallRecord) error
	AddParticipant(ctx context.Context, callID, userID uuid.UUID, joinedAt time.Time) error
	MarkParticipantLeft(ctx context.Context, callID, userID uuid.UUID, leftAt time.Time) error
	SetParticipantQuality(ctx context.Context, callID, userID uuid.UUID, quality string) error
	MergeMetadata(ctx context.Context, callID uuid.UUID, patch []byte) error
	GetByID(ctx context.Context, callID uuid.UUID) (*domain.CallRecord, error)
	GetParticipants(ctx context.Context, callID uuid.UUID) ([]*domain.CallParticipantRecord, error)
	GetUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallRecord, error)
}

// EventPublisher fans lifecycle events out to other interested services
type EventPublisher interface {
	PublishCallEvent(ctx context.Context, event *Event) error
}
