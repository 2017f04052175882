package event

import (
	"time"

	"github.com/zhouzirui/session-gateway/internal/model/message"
	"github.com/zhouzirui/session-gateway/internal/model/session"
)

// Type is the tag used for filtering and routing.
type Type string

const (
	SessionInitializing  Type = "session-initializing"
	SessionQR            Type = "session-qr"
	SessionAuthenticated Type = "session-authenticated"
	SessionConnected     Type = "session-connected"
	SessionDisconnected  Type = "session-disconnected"
	SessionAuthFailure   Type = "session-auth-failure"
	SessionLogout        Type = "session-logout"

	MessageReceived  Type = "message-received"
	MessageFromMe    Type = "message-from-me"
	MessageDelivered Type = "message-delivered"
	MessageDevice    Type = "message-device"
	MessageRead      Type = "message-read"
)

// All lists every concrete event type.
var All = []Type{
	SessionInitializing, SessionQR, SessionAuthenticated, SessionConnected,
	SessionDisconnected, SessionAuthFailure, SessionLogout,
	MessageReceived, MessageFromMe, MessageDelivered, MessageDevice, MessageRead,
}

// Known reports whether t is a concrete event type.
func Known(t Type) bool {
	for _, known := range All {
		if known == t {
			return true
		}
	}
	return false
}

// ForState maps a lifecycle state to the event announcing it.
func ForState(s session.State) Type {
	switch s {
	case session.StatePairingRequired:
		return SessionQR
	case session.StateAuthenticating:
		return SessionAuthenticated
	case session.StateConnected:
		return SessionConnected
	case session.StateDisconnected:
		return SessionDisconnected
	case session.StateAuthFailed:
		return SessionAuthFailure
	default:
		return SessionInitializing
	}
}

// ForAck maps an ack ordinal to its event. Sent has no event of its own,
// it is implied by message-from-me.
func ForAck(a message.AckState) (Type, bool) {
	switch a {
	case message.AckDelivered:
		return MessageDelivered, true
	case message.AckReceived:
		return MessageDevice, true
	case message.AckRead:
		return MessageRead, true
	default:
		return "", false
	}
}

// AckUpdate describes an ack applied to a stored message.
type AckUpdate struct {
	MessageID string           `json:"messageId"`
	Ack       message.AckState `json:"ack"`
	AckName   string           `json:"ackName"`
}

// Event is the normalized notification produced once per transition or message.
type Event struct {
	ID        string           `json:"id"`
	Type      Type             `json:"event"`
	SessionID string           `json:"sessionId"`
	Seq       uint64           `json:"seq"`
	Timestamp time.Time        `json:"timestamp"`
	State     session.State    `json:"state,omitempty"`
	Challenge string           `json:"challenge,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	Message   *message.Message `json:"message,omitempty"`
	Ack       *AckUpdate       `json:"ack,omitempty"`
}
