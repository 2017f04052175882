// Package sim provides an in-process transport that behaves like a paired
// messaging client. It backs local development and tests; every state change
// can be triggered by hand or scheduled with Options.
package sim

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/session-gateway/internal/driver"
	"github.com/zhouzirui/session-gateway/internal/model/message"
)

var (
	ErrStopped        = errors.New("sim driver stopped")
	ErrAlreadyStarted = errors.New("sim driver already started")
)

// Options tunes the simulated behaviour.
type Options struct {
	// AutoPairAfter confirms the pairing challenge after the delay. Zero waits
	// for ConfirmPairing/Ready to be called.
	AutoPairAfter time.Duration
	// Echo answers every send with delivered/received/read acks and an inbound copy.
	Echo     bool
	AckDelay time.Duration
	Buffer   int
}

// Factory creates simulated drivers and remembers which sessions have paired,
// so a re-created session resumes without a new challenge.
type Factory struct {
	opts Options

	mu      sync.Mutex
	paired  map[string]bool
	drivers map[string]*Driver
}

func NewFactory(opts Options) *Factory {
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	if opts.AckDelay <= 0 {
		opts.AckDelay = 50 * time.Millisecond
	}
	return &Factory{
		opts:    opts,
		paired:  make(map[string]bool),
		drivers: make(map[string]*Driver),
	}
}

// New implements driver.Factory.
func (f *Factory) New(sessionID string) (driver.Driver, error) {
	d := &Driver{
		id:      sessionID,
		opts:    f.opts,
		factory: f,
		events:  make(chan driver.Event, f.opts.Buffer),
		stop:    make(chan struct{}),
	}

	f.mu.Lock()
	f.drivers[sessionID] = d
	f.mu.Unlock()
	return d, nil
}

// Driver returns the most recent driver built for sessionID.
func (f *Factory) Driver(sessionID string) (*Driver, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.drivers[sessionID]
	return d, ok
}

// Paired reports whether sessionID holds stored credentials.
func (f *Factory) Paired(sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paired[sessionID]
}

func (f *Factory) setPaired(sessionID string, paired bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if paired {
		f.paired[sessionID] = true
		return
	}
	delete(f.paired, sessionID)
}

// Driver is one simulated connection.
type Driver struct {
	id      string
	opts    Options
	factory *Factory

	events   chan driver.Event
	stop     chan struct{}
	stopOnce sync.Once

	mu      sync.RWMutex
	started bool
	closed  bool

	wg sync.WaitGroup
}

var _ driver.Driver = (*Driver)(nil)
var _ driver.Logouter = (*Driver)(nil)

func (d *Driver) Events() <-chan driver.Event {
	return d.events
}

// Start emits a pairing challenge, or resumes straight to ready when the
// factory already holds credentials for the session.
func (d *Driver) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrStopped
	}
	if d.started {
		d.mu.Unlock()
		return ErrAlreadyStarted
	}
	d.started = true
	d.mu.Unlock()

	if d.factory.Paired(d.id) {
		d.emit(driver.Event{Kind: driver.EventReady})
		return nil
	}

	if err := d.RefreshChallenge(); err != nil {
		return err
	}

	if d.opts.AutoPairAfter > 0 {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			timer := time.NewTimer(d.opts.AutoPairAfter)
			defer timer.Stop()
			select {
			case <-d.stop:
				return
			case <-timer.C:
			}
			d.ConfirmPairing()
			d.Ready()
		}()
	}
	return nil
}

// RefreshChallenge emits a new pairing challenge.
func (d *Driver) RefreshChallenge() error {
	challenge, err := newChallenge()
	if err != nil {
		return fmt.Errorf("generate challenge: %w", err)
	}
	d.emit(driver.Event{Kind: driver.EventPairingChallenge, Challenge: challenge})
	return nil
}

// ConfirmPairing reports that the challenge was consumed.
func (d *Driver) ConfirmPairing() {
	d.emit(driver.Event{Kind: driver.EventPairingConsumed})
}

// Ready reports the connection as usable and stores credentials.
func (d *Driver) Ready() {
	d.factory.setPaired(d.id, true)
	d.emit(driver.Event{Kind: driver.EventReady})
}

// FailAuth reports a setup failure.
func (d *Driver) FailAuth(reason string) {
	d.emit(driver.Event{Kind: driver.EventAuthFailure, Reason: reason})
}

// Disconnect reports network loss.
func (d *Driver) Disconnect(reason string) {
	d.emit(driver.Event{Kind: driver.EventDisconnected, Reason: reason})
}

// Receive injects an inbound message.
func (d *Driver) Receive(in driver.Inbound) {
	if in.ID == "" {
		in.ID = newMessageID(in.From, false)
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = time.Now().UTC()
	}
	if in.Type == "" {
		in.Type = message.TypeText
		if in.Media != nil {
			in.Type = message.TypeForMime(in.Media.MimeType)
		}
	}
	d.emit(driver.Event{Kind: driver.EventMessage, Message: &in})
}

// Acknowledge injects an ack for messageID.
func (d *Driver) Acknowledge(messageID string, state message.AckState) {
	d.emit(driver.Event{Kind: driver.EventAck, Ack: &driver.Ack{MessageID: messageID, State: state}})
}

func (d *Driver) Send(ctx context.Context, out driver.Outbound) (driver.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return driver.Receipt{}, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed || d.stopping() {
		return driver.Receipt{}, ErrStopped
	}

	receipt := driver.Receipt{
		MessageID: newMessageID(out.To, true),
		Timestamp: time.Now().UTC(),
	}

	if d.opts.Echo {
		d.wg.Add(1)
		go d.echo(receipt.MessageID, out)
	}
	return receipt, nil
}

func (d *Driver) echo(messageID string, out driver.Outbound) {
	defer d.wg.Done()

	for _, state := range []message.AckState{message.AckDelivered, message.AckReceived, message.AckRead} {
		select {
		case <-d.stop:
			return
		case <-time.After(d.opts.AckDelay):
		}
		d.Acknowledge(messageID, state)
	}

	body := out.Body
	if body == "" {
		body = out.Caption
	}
	d.Receive(driver.Inbound{
		From:  out.To,
		To:    d.id,
		Body:  "echo: " + body,
		Media: out.Media,
	})
}

// Logout forgets stored credentials.
func (d *Driver) Logout(ctx context.Context) error {
	d.factory.setPaired(d.id, false)
	return ctx.Err()
}

// Stop tears the driver down and closes Events.
func (d *Driver) Stop(ctx context.Context) error {
	d.stopOnce.Do(func() { close(d.stop) })

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		close(d.events)
	}
	return nil
}

func (d *Driver) stopping() bool {
	select {
	case <-d.stop:
		return true
	default:
		return false
	}
}

// emit blocks until the event is consumed or the driver stops.
func (d *Driver) emit(ev driver.Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.events <- ev:
	case <-d.stop:
	}
}

func newChallenge() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "2@" + base64.StdEncoding.EncodeToString(buf), nil
}

func newMessageID(peer string, fromMe bool) string {
	id := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:20]
	return fmt.Sprintf("%t_%s_%s", fromMe, peer, id)
}
