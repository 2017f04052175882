package session

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/session-gateway/internal/driver"
	"github.com/zhouzirui/session-gateway/internal/model/event"
	"github.com/zhouzirui/session-gateway/internal/model/message"
	"github.com/zhouzirui/session-gateway/internal/model/session"
	"github.com/zhouzirui/session-gateway/internal/observability"
)

func (s *Service) start(e *entry) {
	if err := e.drv.Start(e.ctx); err != nil {
		if e.ctx.Err() != nil {
			return
		}
		s.logger.Error().Err(err).Str("session", e.id).Msg("driver failed to start")
		s.fail(e, "driver start: "+err.Error())
	}
}

// pump forwards driver events until the driver closes its channel or the
// session context is cancelled, whichever comes first.
func (s *Service) pump(e *entry) {
	defer close(e.done)

	events := e.drv.Events()
	for {
		select {
		case <-e.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				if !e.isClosing() {
					s.logger.Warn().Str("session", e.id).Msg("driver event stream closed")
					s.fail(e, "driver event stream closed")
				}
				return
			}
			s.handle(e, ev)
		}
	}
}

func (s *Service) handle(e *entry, ev driver.Event) {
	switch ev.Kind {
	case driver.EventPairingChallenge:
		if ev.Challenge == "" {
			return
		}
		s.transition(e, session.StatePairingRequired, ev.Challenge, "")
	case driver.EventPairingConsumed:
		s.transition(e, session.StateAuthenticating, "", "")
	case driver.EventReady:
		s.transition(e, session.StateConnected, "", "")
	case driver.EventAuthFailure:
		s.transition(e, session.StateAuthFailed, "", ev.Reason)
	case driver.EventDisconnected:
		s.fail(e, ev.Reason)
	case driver.EventMessage:
		if ev.Message != nil {
			s.ingest(e, ev.Message)
		}
	case driver.EventAck:
		if ev.Ack != nil {
			s.applyAck(e, ev.Ack)
		}
	default:
		s.logger.Debug().Str("session", e.id).Str("kind", ev.Kind.String()).Msg("ignoring driver event")
	}
}

// fail moves a connected session to Disconnected and any session that never
// connected to AuthFailed. Terminal sessions are left alone.
func (s *Service) fail(e *entry, reason string) {
	switch state := e.currentState(); {
	case state.Terminal():
		return
	case state == session.StateConnected:
		s.transition(e, session.StateDisconnected, "", reason)
	default:
		s.transition(e, session.StateAuthFailed, "", reason)
	}
}

// transition applies a lifecycle edge and emits exactly one event for it.
// Illegal edges are logged and dropped.
func (s *Service) transition(e *entry, to session.State, challenge, reason string) bool {
	e.emitMu.Lock()
	defer e.emitMu.Unlock()

	e.mu.Lock()
	if e.closing {
		e.mu.Unlock()
		return false
	}
	from := e.state
	if !session.CanTransition(from, to) {
		e.mu.Unlock()
		s.logger.Warn().Str("session", e.id).Str("from", string(from)).Str("to", string(to)).Msg("illegal transition ignored")
		return false
	}

	now := time.Now().UTC()
	e.state = to
	e.updatedAt = now
	e.challenge = challenge
	if reason != "" {
		e.lastError = reason
	}
	switch {
	case to == session.StateConnected:
		e.connectedAt = &now
		e.lastError = ""
	case from == session.StateConnected:
		e.connectedAt = nil
	}
	e.mu.Unlock()

	s.logger.Info().Str("session", e.id).Str("from", string(from)).Str("to", string(to)).Msg("session transition")
	s.emitLocked(e, event.Event{
		Type:      event.ForState(to),
		State:     to,
		Challenge: challenge,
		Reason:    reason,
	})
	return true
}

func (s *Service) ingest(e *entry, in *driver.Inbound) {
	msg := message.Message{
		ID:        in.ID,
		SessionID: e.id,
		From:      in.From,
		To:        in.To,
		Body:      in.Body,
		Type:      in.Type,
		Direction: message.DirectionInbound,
		Ack:       message.AckSent,
		Forwarded: in.Forwarded,
		Timestamp: in.Timestamp,
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if msg.Type == "" {
		msg.Type = message.TypeText
		if in.Media != nil {
			msg.Type = message.TypeForMime(in.Media.MimeType)
		}
	}

	typ := event.MessageReceived
	if in.FromMe {
		typ = event.MessageFromMe
		msg.Direction = message.DirectionOutbound
	}
	s.record(e, msg, in.Media, typ)
}

// record appends msg to the log and emits its event under the emit lock.
func (s *Service) record(e *entry, msg message.Message, payload *message.Payload, typ event.Type) {
	e.emitMu.Lock()
	defer e.emitMu.Unlock()
	s.recordLocked(e, msg, payload, typ)
}

// recordLocked appends msg, emits its event, then replays acks that arrived
// before msg was known. e.emitMu must be held.
func (s *Service) recordLocked(e *entry, msg message.Message, payload *message.Payload, typ event.Type) {
	if e.isClosing() {
		return
	}

	stored := s.store.Append(e.ctx, msg, payload)

	e.mu.Lock()
	e.messageCount++
	e.updatedAt = time.Now().UTC()
	e.mu.Unlock()

	s.emitLocked(e, event.Event{Type: typ, Message: &stored})
	s.replayAcksLocked(e, msg.ID)
}

// beginSend marks a driver send as in flight.
func (s *Service) beginSend(e *entry) {
	e.emitMu.Lock()
	e.inflight++
	e.emitMu.Unlock()
}

// endSendLocked closes a send opened by beginSend. Once nothing is in flight,
// acks still parked for unknown ids are emitted as they are. e.emitMu must be
// held.
func (s *Service) endSendLocked(e *entry) {
	if e.inflight > 0 {
		e.inflight--
	}
	if e.inflight > 0 || len(e.pendingAcks) == 0 {
		return
	}

	ids := make([]string, 0, len(e.pendingAcks))
	for id := range e.pendingAcks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		s.replayAcksLocked(e, id)
	}
}

func (s *Service) replayAcksLocked(e *entry, messageID string) {
	states, ok := e.pendingAcks[messageID]
	if !ok {
		return
	}
	delete(e.pendingAcks, messageID)

	sort.Slice(states, func(i, j int) bool { return states[i] < states[j] })
	for _, state := range states {
		s.applyAckLocked(e, messageID, state, false)
	}
}

// applyAck raises the stored ack and emits one event per applied step. Acks
// for messages the log no longer holds still produce an event, unless a send
// is in flight and the ack may belong to it.
func (s *Service) applyAck(e *entry, ack *driver.Ack) {
	e.emitMu.Lock()
	defer e.emitMu.Unlock()
	s.applyAckLocked(e, ack.MessageID, ack.State, true)
}

func (s *Service) applyAckLocked(e *entry, messageID string, state message.AckState, park bool) {
	typ, ok := event.ForAck(state)
	if !ok || e.isClosing() {
		return
	}

	res := s.store.UpdateAck(e.id, messageID, state)
	if !res.Known && park && e.inflight > 0 {
		if e.pendingAcks == nil {
			e.pendingAcks = make(map[string][]message.AckState)
		}
		e.pendingAcks[messageID] = append(e.pendingAcks[messageID], state)
		return
	}
	if res.Known && !res.Applied {
		return
	}

	ev := event.Event{
		Type: typ,
		Ack: &event.AckUpdate{
			MessageID: messageID,
			Ack:       state,
			AckName:   state.String(),
		},
	}
	if res.Known {
		msg := res.Message
		ev.Message = &msg
	}
	s.emitLocked(e, ev)
}

// emitLocked stamps ev and hands it to every consumer. e.emitMu must be held.
func (s *Service) emitLocked(e *entry, ev event.Event) {
	e.seq++
	ev.ID = uuid.NewString()
	ev.SessionID = e.id
	ev.Seq = e.seq
	ev.Timestamp = time.Now().UTC()

	for _, c := range s.consumers {
		s.deliver(c, ev)
	}
	observability.RecordSessionEvent(string(ev.Type))
}

func (s *Service) deliver(c Consumer, ev event.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Str("session", ev.SessionID).Str("event", string(ev.Type)).Msg("event consumer panicked")
		}
	}()
	c.Consume(ev)
}
