package webhook

import (
	"time"

	"github.com/zhouzirui/session-gateway/internal/model/event"
)

// GlobalKey is the fallback subscription used when a session has none.
const GlobalKey = "global"

// AllEvents matches every event type.
const AllEvents = "all"

// Subscription binds a key (session id or GlobalKey) to an endpoint.
type Subscription struct {
	Key          string    `json:"key"`
	URL          string    `json:"url"`
	Events       []string  `json:"events"`
	ConfiguredAt time.Time `json:"configuredAt"`
}

// Matches reports whether the filter admits t.
func (s Subscription) Matches(t event.Type) bool {
	for _, tag := range s.Events {
		if tag == AllEvents || tag == string(t) {
			return true
		}
	}
	return false
}

// Status carries delivery bookkeeping for operators.
type Status struct {
	Delivered     uint64     `json:"delivered"`
	Failed        uint64     `json:"failed"`
	Dropped       uint64     `json:"dropped"`
	LastAttemptAt *time.Time `json:"lastAttemptAt,omitempty"`
	LastStatus    int        `json:"lastStatus,omitempty"`
	LastError     string     `json:"lastError,omitempty"`
}

// Payload is the JSON body posted to webhook endpoints.
type Payload struct {
	ID        string     `json:"id"`
	Event     event.Type `json:"event"`
	SessionID string     `json:"sessionId"`
	Seq       uint64     `json:"seq"`
	Timestamp time.Time  `json:"timestamp"`
	Data      any        `json:"data"`
}
