// Package session drives every tenant connection through its lifecycle and
// turns raw driver notifications into ordered, normalized events.
package session

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/session-gateway/internal/driver"
	"github.com/zhouzirui/session-gateway/internal/model/event"
	"github.com/zhouzirui/session-gateway/internal/model/message"
	"github.com/zhouzirui/session-gateway/internal/model/session"
	"github.com/zhouzirui/session-gateway/internal/model/webhook"
	"github.com/zhouzirui/session-gateway/internal/observability"
	"github.com/zhouzirui/session-gateway/internal/service/store"
)

const (
	DefaultSendTimeout       = 30 * time.Second
	DefaultLogoutTimeout     = 10 * time.Second
	DefaultRecipientDomain   = "c.us"
	DefaultMaxMediaBytes     = 50 << 20
	DefaultMediaFetchTimeout = 30 * time.Second
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

// Consumer receives every normalized event in per-session order. Consume must
// not block.
type Consumer interface {
	Consume(ev event.Event)
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc func(ev event.Event)

func (f ConsumerFunc) Consume(ev event.Event) {
	f(ev)
}

// Options tunes the service.
type Options struct {
	SendTimeout       time.Duration
	LogoutTimeout     time.Duration
	RecipientDomain   string
	MaxMediaBytes     int64
	MediaFetchTimeout time.Duration
	Shards            int
	HTTPClient        *http.Client
}

// SendResult is returned for an accepted outbound message.
type SendResult struct {
	MessageID string    `json:"messageId"`
	Timestamp time.Time `json:"timestamp"`
}

// Service owns the registry. All methods are safe for concurrent use.
type Service struct {
	opts      Options
	factory   driver.Factory
	store     *store.Store
	registry  *registry
	consumers []Consumer
	client    *http.Client
	logger    zerolog.Logger
}

// New builds a service. Consumers are called in the given order for every event.
func New(factory driver.Factory, st *store.Store, opts Options, consumers ...Consumer) *Service {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.LogoutTimeout <= 0 {
		opts.LogoutTimeout = DefaultLogoutTimeout
	}
	if strings.TrimSpace(opts.RecipientDomain) == "" {
		opts.RecipientDomain = DefaultRecipientDomain
	}
	if opts.MaxMediaBytes <= 0 {
		opts.MaxMediaBytes = DefaultMaxMediaBytes
	}
	if opts.MediaFetchTimeout <= 0 {
		opts.MediaFetchTimeout = DefaultMediaFetchTimeout
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.MediaFetchTimeout}
	}

	return &Service{
		opts:      opts,
		factory:   factory,
		store:     st,
		registry:  newRegistry(opts.Shards),
		consumers: consumers,
		client:    client,
		logger:    observability.Component("session"),
	}
}

// ValidateID reports whether id can name a session.
func ValidateID(id string) error {
	if !sessionIDPattern.MatchString(id) || strings.Trim(id, ".") == "" || id == webhook.GlobalKey {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	}
	return nil
}

// CreateSession registers id in Initializing and starts its driver in the
// background.
func (s *Service) CreateSession(ctx context.Context, id string) (session.Session, error) {
	if err := ValidateID(id); err != nil {
		return session.Session{}, err
	}
	if _, exists := s.registry.get(id); exists {
		return session.Session{}, ErrAlreadyExists
	}

	drv, err := s.factory.New(id)
	if err != nil {
		return session.Session{}, &DriverError{SessionID: id, Op: "create", Err: err}
	}

	e := newEntry(id, drv)
	if !s.registry.add(e) {
		go s.stopDriver(drv, id)
		return session.Session{}, ErrAlreadyExists
	}

	e.emitMu.Lock()
	s.emitLocked(e, event.Event{Type: event.SessionInitializing, State: session.StateInitializing})
	e.emitMu.Unlock()

	go s.pump(e)
	go s.start(e)

	s.logger.Info().Str("session", id).Msg("session created")
	return e.snapshot(), nil
}

// GetStatus returns the current snapshot of id.
func (s *Service) GetStatus(id string) (session.Session, error) {
	e, ok := s.registry.get(id)
	if !ok {
		return session.Session{}, ErrNotFound
	}
	return e.snapshot(), nil
}

// ListSessions returns every session sorted by id. It never waits on a driver.
func (s *Service) ListSessions() []session.Session {
	entries := s.registry.all()
	out := make([]session.Session, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	return out
}

// Counts aggregates registry counters.
func (s *Service) Counts() session.Counts {
	var c session.Counts
	for _, e := range s.registry.all() {
		c.Total++
		switch e.currentState() {
		case session.StateConnected:
			c.Active++
		case session.StatePairingRequired:
			c.PairingPending++
		}
	}
	return c
}

// Messages returns up to limit of the newest messages of id.
func (s *Service) Messages(id string, limit int) ([]message.Message, error) {
	if _, ok := s.registry.get(id); !ok {
		return nil, ErrNotFound
	}
	return s.store.Query(id, limit), nil
}

// SendMessage sends a text message through a connected session.
func (s *Service) SendMessage(ctx context.Context, id, recipient, body string) (SendResult, error) {
	e, err := s.connected(id)
	if err != nil {
		return SendResult{}, err
	}
	to, err := s.normalizeRecipient(recipient)
	if err != nil {
		return SendResult{}, err
	}

	return s.send(ctx, e, driver.Outbound{To: to, Body: body})
}

// SendMedia resolves src and sends it through a connected session.
func (s *Service) SendMedia(ctx context.Context, id, recipient string, src MediaSource, caption string) (SendResult, error) {
	e, err := s.connected(id)
	if err != nil {
		return SendResult{}, err
	}
	to, err := s.normalizeRecipient(recipient)
	if err != nil {
		return SendResult{}, err
	}

	payload, err := s.resolveMedia(ctx, id, src)
	if err != nil {
		return SendResult{}, err
	}

	return s.send(ctx, e, driver.Outbound{To: to, Caption: caption, Media: payload})
}

func (s *Service) send(ctx context.Context, e *entry, out driver.Outbound) (SendResult, error) {
	sendCtx, cancel := context.WithTimeout(ctx, s.opts.SendTimeout)
	defer cancel()

	s.beginSend(e)
	receipt, err := e.drv.Send(sendCtx, out)
	if err != nil {
		e.emitMu.Lock()
		s.endSendLocked(e)
		e.emitMu.Unlock()
		s.logger.Warn().Err(err).Str("session", e.id).Str("to", out.To).Msg("driver send failed")
		return SendResult{}, &DriverError{SessionID: e.id, Op: "send", Err: err}
	}

	msg := message.Message{
		ID:        receipt.MessageID,
		SessionID: e.id,
		To:        out.To,
		Body:      out.Body,
		Caption:   out.Caption,
		Type:      message.TypeText,
		Direction: message.DirectionOutbound,
		Ack:       message.AckSent,
		Timestamp: receipt.Timestamp,
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if out.Media != nil {
		msg.Type = message.TypeForMime(out.Media.MimeType)
	}

	e.emitMu.Lock()
	s.recordLocked(e, msg, out.Media, event.MessageFromMe)
	s.endSendLocked(e)
	e.emitMu.Unlock()
	return SendResult{MessageID: msg.ID, Timestamp: msg.Timestamp}, nil
}

// Logout tears the session down: credentials are revoked, the driver is
// stopped within the logout timeout, and the message log and media are
// discarded. Webhook subscriptions are kept.
func (s *Service) Logout(ctx context.Context, id string) error {
	e, ok := s.registry.get(id)
	if !ok || !e.markClosing() {
		return ErrNotFound
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		teardownCtx, cancel := context.WithTimeout(context.Background(), s.opts.LogoutTimeout)
		defer cancel()
		if lo, ok := e.drv.(driver.Logouter); ok {
			if err := lo.Logout(teardownCtx); err != nil {
				s.logger.Warn().Err(err).Str("session", id).Msg("driver logout failed")
			}
		}
		if err := e.drv.Stop(teardownCtx); err != nil {
			s.logger.Warn().Err(err).Str("session", id).Msg("driver stop failed")
		}
	}()

	timer := time.NewTimer(s.opts.LogoutTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.logger.Warn().Str("session", id).Dur("timeout", s.opts.LogoutTimeout).Msg("driver teardown timed out, session removed anyway")
	case <-ctx.Done():
		s.logger.Warn().Str("session", id).Msg("logout caller gave up, finishing teardown in background")
	}

	e.cancel()
	s.store.Drop(context.Background(), id)
	s.registry.remove(e)

	e.emitMu.Lock()
	s.emitLocked(e, event.Event{Type: event.SessionLogout, State: e.currentState()})
	e.emitMu.Unlock()

	s.logger.Info().Str("session", id).Msg("session logged out")
	return nil
}

// Shutdown stops every driver concurrently without revoking credentials, so
// sessions can resume on the next start.
func (s *Service) Shutdown(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, e := range s.registry.all() {
		e := e
		if !e.markClosing() {
			continue
		}
		g.Go(func() error {
			defer e.cancel()
			if err := e.drv.Stop(gctx); err != nil {
				return fmt.Errorf("stop session %s: %w", e.id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *Service) connected(id string) (*entry, error) {
	e, ok := s.registry.get(id)
	if !ok || e.isClosing() {
		return nil, ErrNotFound
	}
	if e.currentState() != session.StateConnected {
		return nil, ErrNotConnected
	}
	return e, nil
}

// normalizeRecipient appends the default domain to bare numbers.
func (s *Service) normalizeRecipient(recipient string) (string, error) {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return "", ErrInvalidRecipient
	}
	if strings.Contains(recipient, "@") {
		return recipient, nil
	}

	number := strings.NewReplacer("+", "", " ", "", "-", "", "(", "", ")", "").Replace(recipient)
	if number == "" {
		return "", ErrInvalidRecipient
	}
	return number + "@" + s.opts.RecipientDomain, nil
}

func (s *Service) stopDriver(drv driver.Driver, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.LogoutTimeout)
	defer cancel()
	if err := drv.Stop(ctx); err != nil {
		s.logger.Warn().Err(err).Str("session", id).Msg("failed to stop discarded driver")
	}
}
