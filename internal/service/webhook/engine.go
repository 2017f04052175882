// Package webhook delivers normalized events to configured HTTP endpoints.
// Delivery is at-most-once: failures are logged and counted, never retried
// and never reported to the producer of the event.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/session-gateway/internal/model/event"
	model "github.com/zhouzirui/session-gateway/internal/model/webhook"
	"github.com/zhouzirui/session-gateway/internal/observability"
)

const (
	DefaultTimeout   = 10 * time.Second
	DefaultWorkers   = 4
	DefaultQueueSize = 256
)

// Repository persists subscriptions across restarts.
type Repository interface {
	LoadSubscriptions(ctx context.Context) ([]model.Subscription, error)
	SaveSubscription(ctx context.Context, sub model.Subscription) error
	DeleteSubscription(ctx context.Context, key string) error
}

// Config tunes delivery.
type Config struct {
	Timeout   time.Duration
	Workers   int
	QueueSize int
}

type job struct {
	key  string
	url  string
	ev   event.Event
	body []byte
}

// Engine resolves subscriptions and runs the delivery workers.
type Engine struct {
	cfg    Config
	repo   Repository
	client *http.Client
	logger zerolog.Logger

	mu     sync.RWMutex
	subs   map[string]model.Subscription
	status map[string]*model.Status

	queueMu sync.RWMutex
	queue   chan job
	closed  bool

	startOnce sync.Once
	wg        sync.WaitGroup
}

// New builds an engine. repo may be nil for a memory-only engine.
func New(cfg Config, repo Repository, client *http.Client) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if client == nil {
		client = &http.Client{}
	}

	return &Engine{
		cfg:    cfg,
		repo:   repo,
		client: client,
		logger: observability.Component("webhook"),
		subs:   make(map[string]model.Subscription),
		status: make(map[string]*model.Status),
		queue:  make(chan job, cfg.QueueSize),
	}
}

// Load restores persisted subscriptions.
func (e *Engine) Load(ctx context.Context) error {
	if e.repo == nil {
		return nil
	}

	subs, err := e.repo.LoadSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("load webhook subscriptions: %w", err)
	}

	e.mu.Lock()
	for _, sub := range subs {
		e.subs[sub.Key] = sub
	}
	e.mu.Unlock()

	e.logger.Info().Int("count", len(subs)).Msg("webhook subscriptions restored")
	return nil
}

// SeedGlobal installs a global subscription unless one was already restored.
func (e *Engine) SeedGlobal(ctx context.Context, rawURL string, events []string) error {
	if strings.TrimSpace(rawURL) == "" {
		return nil
	}
	if _, _, ok := e.Get(model.GlobalKey); ok {
		return nil
	}
	_, err := e.Configure(ctx, model.GlobalKey, rawURL, events)
	return err
}

// Start launches the delivery workers.
func (e *Engine) Start() {
	e.startOnce.Do(func() {
		for i := 0; i < e.cfg.Workers; i++ {
			e.wg.Add(1)
			go e.worker()
		}
	})
}

// Close stops accepting events and waits for in-flight deliveries.
func (e *Engine) Close(ctx context.Context) error {
	e.queueMu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.queueMu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Configure upserts the subscription for key. An empty url deletes it.
func (e *Engine) Configure(ctx context.Context, key, rawURL string, events []string) (model.Subscription, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return model.Subscription{}, ErrInvalidKey
	}
	if strings.TrimSpace(rawURL) == "" {
		return model.Subscription{}, e.Delete(ctx, key)
	}

	target, err := validateURL(rawURL)
	if err != nil {
		return model.Subscription{}, err
	}

	tags, err := NormalizeEvents(events)
	if err != nil {
		return model.Subscription{}, err
	}

	sub := model.Subscription{
		Key:          key,
		URL:          target,
		Events:       tags,
		ConfiguredAt: time.Now().UTC(),
	}

	if e.repo != nil {
		if err := e.repo.SaveSubscription(ctx, sub); err != nil {
			return model.Subscription{}, fmt.Errorf("persist webhook %s: %w", key, err)
		}
	}

	e.mu.Lock()
	e.subs[key] = sub
	e.mu.Unlock()

	e.logger.Info().Str("key", key).Str("url", target).Strs("events", tags).Msg("webhook configured")
	return sub, nil
}

// Delete removes the subscription for key. Missing keys are not an error.
func (e *Engine) Delete(ctx context.Context, key string) error {
	if e.repo != nil {
		if err := e.repo.DeleteSubscription(ctx, key); err != nil {
			return fmt.Errorf("delete webhook %s: %w", key, err)
		}
	}

	e.mu.Lock()
	_, existed := e.subs[key]
	delete(e.subs, key)
	e.mu.Unlock()

	if existed {
		e.logger.Info().Str("key", key).Msg("webhook removed")
	}
	return nil
}

// Get returns the subscription configured exactly under key and its delivery status.
func (e *Engine) Get(key string) (model.Subscription, model.Status, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	sub, ok := e.subs[key]
	var status model.Status
	if st, found := e.status[key]; found {
		status = *st
	}
	return sub, status, ok
}

// Resolve picks the session-scoped subscription, falling back to global.
func (e *Engine) Resolve(sessionID string) (model.Subscription, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if sub, ok := e.subs[sessionID]; ok {
		return sub, true
	}
	sub, ok := e.subs[model.GlobalKey]
	return sub, ok
}

// List returns all subscriptions sorted by key.
func (e *Engine) List() []model.Subscription {
	e.mu.RLock()
	out := make([]model.Subscription, 0, len(e.subs))
	for _, sub := range e.subs {
		out = append(out, sub)
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Count is the number of configured subscriptions.
func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subs)
}

// Dispatch filters ev and queues it for delivery. It never blocks; when the
// queue is full the event is dropped.
func (e *Engine) Dispatch(ev event.Event) {
	sub, ok := e.Resolve(ev.SessionID)
	if !ok || !sub.Matches(ev.Type) {
		return
	}

	body, err := json.Marshal(model.Payload{
		ID:        ev.ID,
		Event:     ev.Type,
		SessionID: ev.SessionID,
		Seq:       ev.Seq,
		Timestamp: ev.Timestamp,
		Data:      ev,
	})
	if err != nil {
		e.logger.Error().Err(err).Str("session", ev.SessionID).Msg("failed to encode webhook payload")
		return
	}

	j := job{key: sub.Key, url: sub.URL, ev: ev, body: body}

	e.queueMu.RLock()
	defer e.queueMu.RUnlock()
	if e.closed {
		return
	}

	select {
	case e.queue <- j:
	default:
		e.record(sub.Key, func(st *model.Status) { st.Dropped++ })
		observability.RecordWebhookDelivery("dropped", 0)
		e.logger.Warn().Str("session", ev.SessionID).Str("event", string(ev.Type)).Msg("webhook queue full, event dropped")
	}
}

// Consume lets the engine sit on a session event bus.
func (e *Engine) Consume(ev event.Event) {
	e.Dispatch(ev)
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for j := range e.queue {
		e.deliver(j)
	}
}

func (e *Engine) deliver(j job) {
	start := time.Now()
	err := e.post(j)
	elapsed := time.Since(start)
	now := time.Now().UTC()

	if err != nil {
		statusCode := 0
		if de, ok := err.(*DeliveryError); ok {
			statusCode = de.StatusCode
		}
		e.record(j.key, func(st *model.Status) {
			st.Failed++
			st.LastAttemptAt = &now
			st.LastStatus = statusCode
			st.LastError = err.Error()
		})
		observability.RecordWebhookDelivery("failed", elapsed)
		e.logger.Warn().Err(err).
			Str("session", j.ev.SessionID).
			Str("event", string(j.ev.Type)).
			Uint64("seq", j.ev.Seq).
			Dur("duration", elapsed).
			Msg("webhook delivery failed")
		return
	}

	e.record(j.key, func(st *model.Status) {
		st.Delivered++
		st.LastAttemptAt = &now
		st.LastStatus = http.StatusOK
		st.LastError = ""
	})
	observability.RecordWebhookDelivery("delivered", elapsed)
	e.logger.Debug().
		Str("session", j.ev.SessionID).
		Str("event", string(j.ev.Type)).
		Uint64("seq", j.ev.Seq).
		Dur("duration", elapsed).
		Msg("webhook delivered")
}

func (e *Engine) post(j job) error {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.url, bytes.NewReader(j.body))
	if err != nil {
		return &DeliveryError{URL: j.url, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "session-gateway-webhook/1")
	req.Header.Set("X-Gateway-Event", string(j.ev.Type))
	req.Header.Set("X-Gateway-Session", j.ev.SessionID)
	req.Header.Set("X-Gateway-Seq", strconv.FormatUint(j.ev.Seq, 10))
	req.Header.Set("X-Gateway-Delivery", uuid.NewString())

	resp, err := e.client.Do(req)
	if err != nil {
		return &DeliveryError{URL: j.url, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &DeliveryError{URL: j.url, StatusCode: resp.StatusCode}
	}
	return nil
}

func (e *Engine) record(key string, update func(*model.Status)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.status[key]
	if !ok {
		st = &model.Status{}
		e.status[key] = st
	}
	update(st)
}
