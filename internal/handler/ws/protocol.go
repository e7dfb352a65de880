package ws

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/google/uuid"
)

// Client intent types
const (
	IntentInitiateCall      = "initiate_call"
	IntentAcceptCall        = "accept_call"
	IntentDeclineCall       = "decline_call"
	IntentEndCall           = "end_call"
	IntentInviteToCall      = "invite_to_call"
	IntentWebRTCOffer       = "webrtc_offer"
	IntentWebRTCAnswer      = "webrtc_answer"
	IntentWebRTCICE         = "webrtc_ice_candidate"
	IntentToggleAudio       = "toggle_audio"
	IntentToggleVideo       = "toggle_video"
	IntentScreenShareStart  = "screen_share_start"
	IntentScreenShareStop   = "screen_share_stop"
	IntentReportCallQuality = "report_call_quality"
)

// ClientMessage is one intent read off a signaling connection. Payload is
// WebRTC session material and is relayed without being parsed.
type ClientMessage struct {
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

// GetAllowedOrigins returns allowed WebSocket origins from environment or defaults
func GetAllowedOrigins() map[string]bool {
	allowedOrigins := map[string]bool{
		"http://localhost:3000": true,
		"http://localhost:8080": true,
		"http://127.0.0.1:3000": true,
		"http://127.0.0.1:8080": true,
	}

	// Add production origins from environment if set
	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		for _, origin := range strings.Split(origins, ",") {
			allowedOrigins[strings.TrimSpace(origin)] = true
		}
	}

	return allowedOrigins
}
