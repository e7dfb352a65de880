// Package peer is a Go client for the call signaling service. It holds one
// signaling connection, tracks at most one active call, and owns the WebRTC
// peer connection for it. All call state flows from coordinator events: the
// peer never assumes an intent succeeded until the matching event arrives.
package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
)

// Server event types
const (
	eventIncomingCall           = "incoming_call"
	eventCallInitiated          = "call_initiated"
	eventCallAccepted           = "call_accepted"
	eventCallEnded              = "call_ended"
	eventCallError              = "call_error"
	eventCallInvitation         = "call_invitation"
	eventWebRTCOffer            = "webrtc_offer"
	eventWebRTCAnswer           = "webrtc_answer"
	eventWebRTCICECandidate     = "webrtc_ice_candidate"
	eventParticipantAudioToggle = "participant_audio_toggle"
	eventParticipantVideoToggle = "participant_video_toggle"
	eventScreenShareStarted     = "screen_share_started"
	eventScreenShareStopped     = "screen_share_stopped"
	eventParticipantDisconnect  = "participant_disconnected"
)

// Event is one message pushed by the coordinator
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
}

// intent is one message sent to the coordinator
type intent struct {
	Type     string          `json:"type"`
	CallID   uuid.UUID       `json:"call_id,omitempty"`
	ChatID   uuid.UUID       `json:"chat_id,omitempty"`
	TargetID uuid.UUID       `json:"target_id,omitempty"`
	UserIDs  []uuid.UUID     `json:"user_ids,omitempty"`
	CallType string          `json:"call_type,omitempty"`
	Muted    *bool           `json:"muted,omitempty"`
	Disabled *bool           `json:"disabled,omitempty"`
	Quality  string          `json:"quality,omitempty"`
	Stats    json.RawMessage `json:"connection_stats,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Config configures a peer
type Config struct {
	// URL is the signaling WebSocket endpoint
	URL string
	// Token is the access token, passed as a query parameter
	Token string
	// UserID is this client's identity, used to recognize echoed events
	UserID uuid.UUID
	// ICEServers for the WebRTC peer connection
	ICEServers []webrtc.ICEServer
	// Origin header value for the handshake
	Origin string
}

// Callbacks surface coordinator events to the application. Nil callbacks
// are skipped. Callbacks run on the read loop goroutine: do not block.
type Callbacks struct {
	OnIncomingCall    func(callID, from uuid.UUID, callType string)
	OnCallInvitation  func(callID, from uuid.UUID, callType string)
	OnCallAccepted    func(callID, from uuid.UUID, participants []uuid.UUID)
	OnCallEnded       func(callID uuid.UUID, reason string)
	OnCallError       func(callID uuid.UUID, code, message string)
	OnAudioToggle     func(callID, from uuid.UUID, muted bool)
	OnVideoToggle     func(callID, from uuid.UUID, disabled bool)
	OnScreenShare     func(callID, from uuid.UUID, started bool)
	OnParticipantGone func(callID, from uuid.UUID)
	OnConnectionState func(state webrtc.PeerConnectionState)
	OnDisconnect      func(err error)
}

// Peer is one user's signaling client
type Peer struct {
	conn      *websocket.Conn
	cfg       Config
	callbacks Callbacks

	writeMu sync.Mutex

	mu         sync.Mutex
	callID     uuid.UUID
	initiator  bool
	pc         *webrtc.PeerConnection
	remoteSet  bool
	pendingICE []webrtc.ICECandidateInit

	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to the coordinator and starts the event loop
func Dial(ctx context.Context, cfg Config, callbacks Callbacks) (*Peer, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid signaling url: %w", err)
	}
	if cfg.Token != "" {
		q := u.Query()
		q.Set("token", cfg.Token)
		u.RawQuery = q.Encode()
	}

	header := map[string][]string{}
	if cfg.Origin != "" {
		header["Origin"] = []string{cfg.Origin}
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial signaling endpoint: %w", err)
	}

	p := &Peer{
		conn:      conn,
		cfg:       cfg,
		callbacks: callbacks,
		done:      make(chan struct{}),
	}

	go p.readLoop()
	return p, nil
}

// Close tears down the active call, if any, and the signaling connection
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.teardownCall()
		err = p.conn.Close()
		close(p.done)
	})
	return err
}

// Done is closed when the signaling connection is gone
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

// CurrentCall returns the active call ID, or uuid.Nil
func (p *Peer) CurrentCall() uuid.UUID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.callID
}

// Call starts a call to target. The call is live only once call_accepted
// arrives; until then the coordinator may answer with call_error.
func (p *Peer) Call(target, chatID uuid.UUID, callType string) error {
	p.mu.Lock()
	p.initiator = true
	p.mu.Unlock()
	return p.sendIntent(&intent{
		Type:     "initiate_call",
		TargetID: target,
		ChatID:   chatID,
		CallType: callType,
	})
}

// Accept answers a ringing call or a call invitation
func (p *Peer) Accept(callID uuid.UUID) error {
	p.mu.Lock()
	p.callID = callID
	p.initiator = false
	p.mu.Unlock()
	return p.sendIntent(&intent{Type: "accept_call", CallID: callID})
}

// Decline rejects a ringing call or a call invitation
func (p *Peer) Decline(callID uuid.UUID) error {
	return p.sendIntent(&intent{Type: "decline_call", CallID: callID})
}

// End hangs up the call for everyone
func (p *Peer) End(callID uuid.UUID) error {
	return p.sendIntent(&intent{Type: "end_call", CallID: callID})
}

// Invite asks the coordinator to ring more users into the call
func (p *Peer) Invite(callID uuid.UUID, targets ...uuid.UUID) error {
	return p.sendIntent(&intent{Type: "invite_to_call", CallID: callID, UserIDs: targets})
}

// ToggleAudio announces a mute change. The local state should only change
// when the echoed participant_audio_toggle comes back, so every client
// applies toggles in the same order.
func (p *Peer) ToggleAudio(callID uuid.UUID, muted bool) error {
	return p.sendIntent(&intent{Type: "toggle_audio", CallID: callID, Muted: &muted})
}

// ToggleVideo announces a camera change, applied on echo like ToggleAudio
func (p *Peer) ToggleVideo(callID uuid.UUID, disabled bool) error {
	return p.sendIntent(&intent{Type: "toggle_video", CallID: callID, Disabled: &disabled})
}

// StartScreenShare announces a screen share start
func (p *Peer) StartScreenShare(callID uuid.UUID) error {
	return p.sendIntent(&intent{Type: "screen_share_start", CallID: callID})
}

// StopScreenShare announces a screen share stop
func (p *Peer) StopScreenShare(callID uuid.UUID) error {
	return p.sendIntent(&intent{Type: "screen_share_stop", CallID: callID})
}

// ReportQuality rates the call (good, average, or poor) and may attach raw
// connection statistics for the durable record
func (p *Peer) ReportQuality(callID uuid.UUID, quality string, stats json.RawMessage) error {
	return p.sendIntent(&intent{Type: "report_call_quality", CallID: callID, Quality: quality, Stats: stats})
}

func (p *Peer) sendIntent(msg *intent) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal intent: %w", err)
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send intent: %w", err)
	}
	return nil
}

func (p *Peer) readLoop() {
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if p.callbacks.OnDisconnect != nil {
				p.callbacks.OnDisconnect(err)
			}
			p.Close()
			return
		}

		var event Event
		if err := json.Unmarshal(data, &event); err != nil {
			continue
		}
		p.handleEvent(&event)
	}
}

func (p *Peer) handleEvent(event *Event) {
	switch event.Type {
	case eventCallInitiated:
		p.mu.Lock()
		p.callID = event.CallID
		p.mu.Unlock()

	case eventIncomingCall:
		if p.callbacks.OnIncomingCall != nil {
			p.callbacks.OnIncomingCall(event.CallID, event.From, event.CallType)
		}

	case eventCallInvitation:
		if p.callbacks.OnCallInvitation != nil {
			p.callbacks.OnCallInvitation(event.CallID, event.From, event.CallType)
		}

	case eventCallAccepted:
		p.onAccepted(event)

	case eventWebRTCOffer:
		p.onOffer(event)

	case eventWebRTCAnswer:
		p.onAnswer(event)

	case eventWebRTCICECandidate:
		p.onRemoteCandidate(event)

	case eventCallEnded:
		p.teardownCall()
		if p.callbacks.OnCallEnded != nil {
			p.callbacks.OnCallEnded(event.CallID, event.Reason)
		}

	case eventCallError:
		p.mu.Lock()
		if event.CallID == p.callID {
			p.callID = uuid.Nil
		}
		p.mu.Unlock()
		if p.callbacks.OnCallError != nil {
			p.callbacks.OnCallError(event.CallID, event.Code, event.Message)
		}

	case eventParticipantAudioToggle:
		if p.callbacks.OnAudioToggle != nil && event.Muted != nil {
			p.callbacks.OnAudioToggle(event.CallID, event.From, *event.Muted)
		}

	case eventParticipantVideoToggle:
		if p.callbacks.OnVideoToggle != nil && event.Disabled != nil {
			p.callbacks.OnVideoToggle(event.CallID, event.From, *event.Disabled)
		}

	case eventScreenShareStarted:
		if p.callbacks.OnScreenShare != nil {
			p.callbacks.OnScreenShare(event.CallID, event.From, true)
		}

	case eventScreenShareStopped:
		if p.callbacks.OnScreenShare != nil {
			p.callbacks.OnScreenShare(event.CallID, event.From, false)
		}

	case eventParticipantDisconnect:
		if p.callbacks.OnParticipantGone != nil {
			p.callbacks.OnParticipantGone(event.CallID, event.From)
		}
	}
}

// onAccepted fires for every roster member. Only the initiator reacts by
// sending the offer; the acceptor waits for it.
func (p *Peer) onAccepted(event *Event) {
	if p.callbacks.OnCallAccepted != nil {
		p.callbacks.OnCallAccepted(event.CallID, event.From, event.Participants)
	}

	p.mu.Lock()
	shouldOffer := p.initiator && p.pc == nil && event.From != p.cfg.UserID
	p.callID = event.CallID
	p.mu.Unlock()
	if !shouldOffer {
		return
	}

	pc, err := p.setupPeerConnection()
	if err != nil {
		return
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return
	}

	payload, err := json.Marshal(offer)
	if err != nil {
		return
	}
	p.sendIntent(&intent{Type: "webrtc_offer", CallID: event.CallID, Payload: payload})
}

func (p *Peer) onOffer(event *Event) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(event.Payload, &offer); err != nil {
		return
	}

	pc, err := p.setupPeerConnection()
	if err != nil {
		return
	}

	if err := pc.SetRemoteDescription(offer); err != nil {
		return
	}
	p.flushCandidates(pc)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return
	}

	payload, err := json.Marshal(answer)
	if err != nil {
		return
	}
	p.sendIntent(&intent{Type: "webrtc_answer", CallID: event.CallID, Payload: payload})
}

func (p *Peer) onAnswer(event *Event) {
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(event.Payload, &answer); err != nil {
		return
	}

	p.mu.Lock()
	pc := p.pc
	p.mu.Unlock()
	if pc == nil {
		return
	}

	if err := pc.SetRemoteDescription(answer); err != nil {
		return
	}
	p.flushCandidates(pc)
}

// onRemoteCandidate adds an ICE candidate, buffering it when it raced the
// session description
func (p *Peer) onRemoteCandidate(event *Event) {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(event.Payload, &candidate); err != nil {
		return
	}

	p.mu.Lock()
	pc, ready := p.pc, p.remoteSet
	if !ready {
		p.pendingICE = append(p.pendingICE, candidate)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	pc.AddICECandidate(candidate)
}

// flushCandidates replays candidates that arrived before the remote
// description was in place
func (p *Peer) flushCandidates(pc *webrtc.PeerConnection) {
	p.mu.Lock()
	p.remoteSet = true
	pending := p.pendingICE
	p.pendingICE = nil
	p.mu.Unlock()

	for _, candidate := range pending {
		pc.AddICECandidate(candidate)
	}
}

// setupPeerConnection creates the WebRTC peer connection for the current
// call. Recvonly transceivers keep the offer valid even before local media
// tracks exist.
func (p *Peer) setupPeerConnection() (*webrtc.PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: p.cfg.ICEServers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		pc.Close()
		return nil, err
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		pc.Close()
		return nil, err
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		payload, err := json.Marshal(candidate.ToJSON())
		if err != nil {
			return
		}
		p.mu.Lock()
		callID := p.callID
		p.mu.Unlock()
		p.sendIntent(&intent{Type: "webrtc_ice_candidate", CallID: callID, Payload: payload})
	})

	if p.callbacks.OnConnectionState != nil {
		pc.OnConnectionStateChange(p.callbacks.OnConnectionState)
	}

	p.mu.Lock()
	p.pc = pc
	p.remoteSet = false
	p.mu.Unlock()
	return pc, nil
}

// PeerConnection exposes the live WebRTC connection, for attaching tracks
// or data channels. Nil outside an active call.
func (p *Peer) PeerConnection() *webrtc.PeerConnection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pc
}

func (p *Peer) teardownCall() {
	p.mu.Lock()
	pc := p.pc
	p.pc = nil
	p.callID = uuid.Nil
	p.initiator = false
	p.remoteSet = false
	p.pendingICE = nil
	p.mu.Unlock()

	if pc != nil {
		pc.Close()
	}
}
