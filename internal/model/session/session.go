package session

import "time"

// State is the lifecycle position of a session.
type State string

const (
	StateInitializing    State = "Initializing"
	StatePairingRequired State = "PairingRequired"
	StateAuthenticating  State = "Authenticating"
	StateConnected       State = "Connected"
	StateDisconnected    State = "Disconnected"
	StateAuthFailed      State = "AuthFailed"
)

// transitions lists every edge the lifecycle manager may take.
var transitions = map[State][]State{
	StateInitializing:    {StatePairingRequired, StateConnected, StateAuthFailed},
	StatePairingRequired: {StatePairingRequired, StateAuthenticating, StateAuthFailed},
	StateAuthenticating:  {StateConnected, StateAuthFailed},
	StateConnected:       {StateDisconnected},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further driver-driven transition is possible.
func (s State) Terminal() bool {
	return s == StateDisconnected || s == StateAuthFailed
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateInitializing, StatePairingRequired, StateAuthenticating,
		StateConnected, StateDisconnected, StateAuthFailed:
		return true
	}
	return false
}

// Session is a point-in-time snapshot of one tenant connection.
type Session struct {
	ID                  string     `json:"id"`
	State               State      `json:"state"`
	ConnectedAt         *time.Time `json:"connectedAt"`
	MessageCount        int64      `json:"messageCount"`
	HasPairingChallenge bool       `json:"hasPairingChallenge"`
	LastError           string     `json:"lastError,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

// Counts aggregates registry-wide counters for the metrics sampler.
type Counts struct {
	Total          int `json:"total"`
	Active         int `json:"active"`
	PairingPending int `json:"pairingPending"`
}
