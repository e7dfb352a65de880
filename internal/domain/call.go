package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CallType distinguishes audio-only from video calls; fixed at creation
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

// Valid reports whether t is a known call type
func (t CallType) Valid() bool {
	return t == CallTypeAudio || t == CallTypeVideo
}

// CallState represents the lifecycle state of a call session
type CallState int

const (
	// StateInitiated is the initial state, before the target was reached
	StateInitiated CallState = iota
	// StateRinging is after the incoming-call notification was delivered
	StateRinging
	// StateAnswered is after the invited participant accepted
	StateAnswered
	// StateEnded is the terminal state; the call is evicted on entry
	StateEnded
)

// String returns the string representation of the state
func (s CallState) String() string {
	switch s {
	case StateInitiated:
		return "initiated"
	case StateRinging:
		return "ringing"
	case StateAnswered:
		return "answered"
	case StateEnded:
		return "ended"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// validTransitions defines which state transitions are allowed
var validTransitions = map[CallState][]CallState{
	StateInitiated: {StateRinging, StateEnded},
	StateRinging:   {StateAnswered, StateEnded},
	StateAnswered:  {StateEnded},
	StateEnded:     {}, // Terminal state, no transitions allowed
}

// CanTransitionTo checks if a transition from current state to next state is valid
func (s CallState) CanTransitionTo(next CallState) bool {
	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}
	for _, state := range allowed {
		if state == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true if this is a terminal state
func (s CallState) IsTerminal() bool {
	return s == StateEnded
}

// EndReason explains why a call reached the terminal state
type EndReason string

const (
	ReasonEnded    EndReason = "ended"
	ReasonDeclined EndReason = "declined"
	ReasonMissed   EndReason = "missed"
	ReasonFailed   EndReason = "failed"
)

// ParticipantStatus tracks one roster member's position in the lifecycle
type ParticipantStatus string

const (
	ParticipantCalling      ParticipantStatus = "calling"
	ParticipantRinging      ParticipantStatus = "ringing"
	ParticipantInvited      ParticipantStatus = "invited"
	ParticipantConnected    ParticipantStatus = "connected"
	ParticipantDisconnected ParticipantStatus = "disconnected"
)

// Participant is owned by exactly one Call and never shared across calls.
// The live connection is looked up fresh from the directory on each send,
// never cached here, since connections close independently of call state.
type Participant struct {
	UserID   uuid.UUID         `json:"user_id"`
	Status   ParticipantStatus `json:"status"`
	JoinedAt time.Time         `json:"joined_at"`
	LeftAt   *time.Time        `json:"left_at,omitempty"`
}

// Present reports whether the participant still counts toward the
// active roster (has not dropped out)
func (p *Participant) Present() bool {
	return p.Status != ParticipantDisconnected
}

// Call represents an active call session
type Call struct {
	ID           uuid.UUID                  `json:"call_id"`
	ChatID       uuid.UUID                  `json:"chat_id"`
	Initiator    uuid.UUID                  `json:"initiator"`
	Type         CallType                   `json:"call_type"`
	State        CallState                  `json:"-"`
	Reason       EndReason                  `json:"reason,omitempty"`
	Participants map[uuid.UUID]*Participant `json:"participants"`
	Quality      map[uuid.UUID]string       `json:"quality,omitempty"`
	InitiatedAt  time.Time                  `json:"initiated_at"`
	AnsweredAt   *time.Time                 `json:"answered_at,omitempty"`
	EndedAt      *time.Time                 `json:"ended_at,omitempty"`
}

// NewCall creates a call in the initiated state with the initiator as the
// first roster member
func NewCall(initiator, chatID uuid.UUID, callType CallType) *Call {
	now := time.Now()
	return &Call{
		ID:        uuid.New(),
		ChatID:    chatID,
		Initiator: initiator,
		Type:      callType,
		State:     StateInitiated,
		Participants: map[uuid.UUID]*Participant{
			initiator: {UserID: initiator, Status: ParticipantCalling, JoinedAt: now},
		},
		Quality:     make(map[uuid.UUID]string),
		InitiatedAt: now,
	}
}

// Participant returns the roster entry for userID, if any
func (c *Call) Participant(userID uuid.UUID) (*Participant, bool) {
	p, ok := c.Participants[userID]
	return p, ok
}

// IsParticipant reports whether userID is a current (non-dropped) roster member
func (c *Call) IsParticipant(userID uuid.UUID) bool {
	p, ok := c.Participants[userID]
	return ok && p.Present()
}

// PresentCount returns the number of participants still on the call
func (c *Call) PresentCount() int {
	n := 0
	for _, p := range c.Participants {
		if p.Present() {
			n++
		}
	}
	return n
}

// PresentUserIDs returns the user IDs of participants still on the call
func (c *Call) PresentUserIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(c.Participants))
	for id, p := range c.Participants {
		if p.Present() {
			ids = append(ids, id)
		}
	}
	return ids
}

// DurationSeconds is derived from answered/ended timestamps; zero until both set
func (c *Call) DurationSeconds() int {
	if c.AnsweredAt == nil || c.EndedAt == nil {
		return 0
	}
	return int(c.EndedAt.Sub(*c.AnsweredAt).Seconds())
}

// CallRecord is the durable snapshot of a call written through the
// persistence gateway
type CallRecord struct {
	CallID     uuid.UUID  `json:"call_id"`
	ChatID     uuid.UUID  `json:"chat_id"`
	Initiator  uuid.UUID  `json:"initiator"`
	CallType   string     `json:"call_type"`
	Status     string     `json:"status"`
	EndReason  string     `json:"end_reason,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	AnsweredAt *time.Time `json:"answered_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	Duration   int        `json:"duration"` // seconds
	Metadata   []byte     `json:"metadata,omitempty"`
}

// CallParticipantRecord is one durable roster row
type CallParticipantRecord struct {
	CallID   uuid.UUID  `json:"call_id"`
	UserID   uuid.UUID  `json:"user_id"`
	JoinedAt time.Time  `json:"joined_at"`
	LeftAt   *time.Time `json:"left_at,omitempty"`
	Quality  string     `json:"quality,omitempty"`
}
