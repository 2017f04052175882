package message

import (
	"strings"
	"time"
)

// Type classifies message content.
type Type string

const (
	TypeText     Type = "text"
	TypeImage    Type = "image"
	TypeDocument Type = "document"
	TypeAudio    Type = "audio"
	TypeVideo    Type = "video"
)

// TypeForMime picks the message type that matches a media mime type.
func TypeForMime(mimeType string) Type {
	major, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(mimeType)), "/")
	switch major {
	case "image":
		return TypeImage
	case "audio":
		return TypeAudio
	case "video":
		return TypeVideo
	default:
		return TypeDocument
	}
}

// Direction tells whether the gateway received or sent the message.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// AckState is the delivery progress of a message. Ordinals only move forward.
type AckState int

const (
	AckSent      AckState = 0
	AckDelivered AckState = 1
	AckReceived  AckState = 2
	AckRead      AckState = 3
)

func (a AckState) String() string {
	switch a {
	case AckSent:
		return "sent"
	case AckDelivered:
		return "delivered"
	case AckReceived:
		return "received"
	case AckRead:
		return "read"
	default:
		return "unknown"
	}
}

// Valid reports whether a is a known ordinal.
func (a AckState) Valid() bool {
	return a >= AckSent && a <= AckRead
}

// Media references a payload kept outside the in-memory log.
type Media struct {
	MimeType   string `json:"mimeType"`
	SizeBytes  int64  `json:"sizeBytes"`
	Filename   string `json:"filename,omitempty"`
	StorageRef string `json:"storageRef,omitempty"`
	// Inline carries base64 data for payloads under the offload threshold.
	Inline string `json:"inline,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Payload is raw media as handed over by the driver or an API caller.
type Payload struct {
	MimeType string
	Filename string
	Data     []byte
}

// Message is the normalized form stored per session.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Body      string    `json:"body"`
	Caption   string    `json:"caption,omitempty"`
	Type      Type      `json:"type"`
	Direction Direction `json:"direction"`
	Ack       AckState  `json:"ack"`
	Forwarded bool      `json:"forwarded,omitempty"`
	Media     *Media    `json:"media,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
