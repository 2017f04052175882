// Package store keeps a bounded, per-session log of normalized messages.
// Rings are FIFO: when a ring is full the oldest message is evicted silently,
// together with its offloaded media. Media bytes never enter the log; they
// are offloaded to a BlobStore first.
package store

import (
	"context"
	"encoding/base64"
	"errors"
	"hash/fnv"
	"io"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/session-gateway/internal/model/message"
	"github.com/zhouzirui/session-gateway/internal/observability"
)

const (
	DefaultRingSize = 1000
	defaultShards   = 16
)

var errNoBlobStore = errors.New("no blob store configured")

// Config sizes the store.
type Config struct {
	RingSize int
	// InlineThreshold keeps payloads of at most this many bytes as base64 on
	// the message instead of writing a blob. Zero offloads everything.
	InlineThreshold int
	Shards          int
}

// AckResult tells the caller what UpdateAck did.
type AckResult struct {
	Known   bool
	Applied bool
	Message message.Message
}

// Store is safe for concurrent use. Locking is per session ring.
type Store struct {
	cfg    Config
	blobs  BlobStore
	shards []*shard
	mask   uint32
	logger zerolog.Logger
}

type shard struct {
	mu    sync.RWMutex
	rings map[string]*ring
}

type ring struct {
	mu    sync.Mutex
	items *queue.Queue
	index map[string]*message.Message
}

func New(cfg Config, blobs BlobStore) *Store {
	if cfg.RingSize <= 0 {
		cfg.RingSize = DefaultRingSize
	}
	if cfg.Shards <= 0 {
		cfg.Shards = defaultShards
	}

	n := nextPowerOfTwo(uint32(cfg.Shards))
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{rings: make(map[string]*ring)}
	}

	return &Store{
		cfg:    cfg,
		blobs:  blobs,
		shards: shards,
		mask:   n - 1,
		logger: observability.Component("store"),
	}
}

// Capacity is the per-session ring size.
func (s *Store) Capacity() int {
	return s.cfg.RingSize
}

// Append stores msg, offloading payload first. It never fails: an offload
// error is recorded on msg.Media.Error and the rest of the message is kept.
func (s *Store) Append(ctx context.Context, msg message.Message, payload *message.Payload) message.Message {
	if payload != nil {
		msg.Media = s.offload(ctx, msg.SessionID, payload)
	}

	r := s.ring(msg.SessionID, true)
	stored := cloneMessage(msg)

	var evicted []string
	r.mu.Lock()
	for r.items.Length() >= s.cfg.RingSize {
		old := r.items.Remove().(*message.Message)
		if r.index[old.ID] == old {
			delete(r.index, old.ID)
		}
		if old.Media != nil && old.Media.StorageRef != "" {
			evicted = append(evicted, old.Media.StorageRef)
		}
	}
	r.items.Add(&stored)
	r.index[stored.ID] = &stored
	r.mu.Unlock()

	s.deleteBlobs(ctx, msg.SessionID, evicted)
	return cloneMessage(stored)
}

// deleteBlobs removes the media of evicted messages. Failures only leave an
// orphaned file behind, which RemoveSession still collects on logout.
func (s *Store) deleteBlobs(ctx context.Context, sessionID string, refs []string) {
	if s.blobs == nil {
		return
	}
	for _, ref := range refs {
		if err := s.blobs.Delete(ctx, ref); err != nil {
			s.logger.Warn().Err(err).Str("session", sessionID).Str("ref", ref).Msg("failed to delete evicted media")
		}
	}
}

func (s *Store) offload(ctx context.Context, sessionID string, payload *message.Payload) *message.Media {
	media := &message.Media{
		MimeType:  payload.MimeType,
		Filename:  payload.Filename,
		SizeBytes: int64(len(payload.Data)),
	}
	if len(payload.Data) == 0 {
		return media
	}

	if s.cfg.InlineThreshold > 0 && len(payload.Data) <= s.cfg.InlineThreshold {
		media.Inline = base64.StdEncoding.EncodeToString(payload.Data)
		return media
	}

	if s.blobs == nil {
		media.Error = errNoBlobStore.Error()
		return media
	}

	ref, err := s.blobs.Put(ctx, sessionID, payload.MimeType, payload.Filename, payload.Data)
	if err != nil {
		s.logger.Warn().Err(err).Str("session", sessionID).Msg("media offload failed")
		media.Error = err.Error()
		return media
	}
	media.StorageRef = ref
	return media
}

// Query returns up to limit of the most recent messages, newest last.
// limit <= 0 or above capacity is clamped to capacity.
func (s *Store) Query(sessionID string, limit int) []message.Message {
	if limit <= 0 || limit > s.cfg.RingSize {
		limit = s.cfg.RingSize
	}

	r := s.ring(sessionID, false)
	if r == nil {
		return []message.Message{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.items.Length()
	start := 0
	if n > limit {
		start = n - limit
	}

	out := make([]message.Message, 0, n-start)
	for i := start; i < n; i++ {
		out = append(out, cloneMessage(*r.items.Get(i).(*message.Message)))
	}
	return out
}

// UpdateAck raises the ack of a stored message. Duplicates and regressions
// are ignored.
func (s *Store) UpdateAck(sessionID, messageID string, ack message.AckState) AckResult {
	r := s.ring(sessionID, false)
	if r == nil {
		return AckResult{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	msg, ok := r.index[messageID]
	if !ok {
		return AckResult{}
	}
	if ack <= msg.Ack {
		return AckResult{Known: true, Message: cloneMessage(*msg)}
	}
	msg.Ack = ack
	return AckResult{Known: true, Applied: true, Message: cloneMessage(*msg)}
}

// Drop discards a session's log and its offloaded media.
func (s *Store) Drop(ctx context.Context, sessionID string) {
	sh := s.shard(sessionID)
	sh.mu.Lock()
	delete(sh.rings, sessionID)
	sh.mu.Unlock()

	if s.blobs == nil {
		return
	}
	if err := s.blobs.RemoveSession(ctx, sessionID); err != nil {
		s.logger.Warn().Err(err).Str("session", sessionID).Msg("failed to remove session media")
	}
}

// Len is the number of messages held for a session.
func (s *Store) Len(sessionID string) int {
	r := s.ring(sessionID, false)
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.items.Length()
}

// Total is the number of messages held across sessions.
func (s *Store) Total() int {
	total := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		rings := make([]*ring, 0, len(sh.rings))
		for _, r := range sh.rings {
			rings = append(rings, r)
		}
		sh.mu.RUnlock()

		for _, r := range rings {
			r.mu.Lock()
			total += r.items.Length()
			r.mu.Unlock()
		}
	}
	return total
}

// CountSince counts held messages with a timestamp after since.
func (s *Store) CountSince(sessionID string, since time.Time) int {
	r := s.ring(sessionID, false)
	if r == nil {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for i := r.items.Length() - 1; i >= 0; i-- {
		if !r.items.Get(i).(*message.Message).Timestamp.After(since) {
			break
		}
		count++
	}
	return count
}

// OpenBlob streams an offloaded payload.
func (s *Store) OpenBlob(ctx context.Context, ref string) (io.ReadCloser, int64, error) {
	if s.blobs == nil {
		return nil, 0, ErrBlobNotFound
	}
	return s.blobs.Open(ctx, ref)
}

// PutBlob stores a payload directly, for callers that need a reference
// before a message exists.
func (s *Store) PutBlob(ctx context.Context, sessionID string, payload message.Payload) (string, error) {
	if s.blobs == nil {
		return "", errNoBlobStore
	}
	return s.blobs.Put(ctx, sessionID, payload.MimeType, payload.Filename, payload.Data)
}

func (s *Store) ring(sessionID string, create bool) *ring {
	sh := s.shard(sessionID)

	sh.mu.RLock()
	r, ok := sh.rings[sessionID]
	sh.mu.RUnlock()
	if ok || !create {
		return r
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if r, ok := sh.rings[sessionID]; ok {
		return r
	}
	r = &ring{items: queue.New(), index: make(map[string]*message.Message)}
	sh.rings[sessionID] = r
	return r
}

func (s *Store) shard(sessionID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return s.shards[h.Sum32()&s.mask]
}

func cloneMessage(msg message.Message) message.Message {
	if msg.Media != nil {
		media := *msg.Media
		msg.Media = &media
	}
	return msg
}

// nextPowerOfTwo returns the next power-of-two >= v.
func nextPowerOfTwo(v uint32) uint32 {
	if v <= 1 {
		return 1
	}
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	return v + 1
}
