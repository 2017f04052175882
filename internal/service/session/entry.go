package session

import (
	"context"
	"sync"
	"time"

	"github.com/zhouzirui/session-gateway/internal/driver"
	"github.com/zhouzirui/session-gateway/internal/model/message"
	"github.com/zhouzirui/session-gateway/internal/model/session"
)

// entry is the registry record of one session.
//
// mu guards the lifecycle fields and is only held for field access. emitMu
// serializes everything that produces an event for this session so sequence
// numbers, store appends and consumer delivery happen in one order. When both
// are needed emitMu is taken first. Neither is held across a driver call.
type entry struct {
	id     string
	drv    driver.Driver
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu           sync.RWMutex
	state        session.State
	connectedAt  *time.Time
	messageCount int64
	challenge    string
	lastError    string
	createdAt    time.Time
	updatedAt    time.Time
	// closing suppresses every further event once logout or shutdown started.
	closing bool

	emitMu sync.Mutex
	seq    uint64
	// inflight counts driver sends that have not been recorded yet. While it
	// is non-zero, acks for unknown ids wait in pendingAcks since they may
	// belong to one of those sends.
	inflight    int
	pendingAcks map[string][]message.AckState
}

func newEntry(id string, drv driver.Driver) *entry {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now().UTC()
	return &entry{
		id:        id,
		drv:       drv,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     session.StateInitializing,
		createdAt: now,
		updatedAt: now,
	}
}

func (e *entry) snapshot() session.Session {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s := session.Session{
		ID:                  e.id,
		State:               e.state,
		MessageCount:        e.messageCount,
		HasPairingChallenge: e.challenge != "",
		LastError:           e.lastError,
		CreatedAt:           e.createdAt,
		UpdatedAt:           e.updatedAt,
	}
	if e.connectedAt != nil {
		at := *e.connectedAt
		s.ConnectedAt = &at
	}
	return s
}

func (e *entry) currentState() session.State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *entry) isClosing() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closing
}

// markClosing flips closing once and reports whether this call did it.
func (e *entry) markClosing() bool {
	e.emitMu.Lock()
	defer e.emitMu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closing {
		return false
	}
	e.closing = true
	e.challenge = ""
	return true
}
