// Package driver defines the boundary between the gateway and the transport
// that actually talks to the messaging network. One Driver instance belongs to
// exactly one session and is never shared.
package driver

import (
	"context"
	"time"

	"github.com/zhouzirui/session-gateway/internal/model/message"
)

// Driver is a per-session transport.
//
// Start may block while the transport initializes. Events must stay readable
// for the whole life of the driver and is closed once the driver has stopped.
type Driver interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg Outbound) (Receipt, error)
	Events() <-chan Event
}

// Logouter is implemented by drivers that keep credentials between runs and
// can revoke them when the session is logged out.
type Logouter interface {
	Logout(ctx context.Context) error
}

// Factory builds a fresh driver for a session id.
type Factory interface {
	New(sessionID string) (Driver, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(sessionID string) (Driver, error)

func (f FactoryFunc) New(sessionID string) (Driver, error) {
	return f(sessionID)
}

// EventKind enumerates raw driver notifications.
type EventKind int

const (
	EventPairingChallenge EventKind = iota + 1
	EventPairingConsumed
	EventReady
	EventAuthFailure
	EventDisconnected
	EventMessage
	EventAck
)

func (k EventKind) String() string {
	switch k {
	case EventPairingChallenge:
		return "pairing_challenge"
	case EventPairingConsumed:
		return "pairing_consumed"
	case EventReady:
		return "ready"
	case EventAuthFailure:
		return "auth_failure"
	case EventDisconnected:
		return "disconnected"
	case EventMessage:
		return "message"
	case EventAck:
		return "ack"
	default:
		return "unknown"
	}
}

// Event is a raw notification from a driver.
type Event struct {
	Kind      EventKind
	Challenge string
	Reason    string
	Message   *Inbound
	Ack       *Ack
}

// Inbound is a message observed by the driver. FromMe marks messages sent by
// the paired account from another device.
type Inbound struct {
	ID        string
	From      string
	To        string
	Body      string
	Type      message.Type
	FromMe    bool
	Forwarded bool
	Timestamp time.Time
	Media     *message.Payload
}

// Ack reports delivery progress for a message id.
type Ack struct {
	MessageID string
	State     message.AckState
}

// Outbound is a send request.
type Outbound struct {
	To      string
	Body    string
	Caption string
	Media   *message.Payload
}

// Receipt is returned by the transport for an accepted send.
type Receipt struct {
	MessageID string
	Timestamp time.Time
}
