package session

import (
	"hash/fnv"
	"sort"
	"sync"
)

const defaultShards = 32

// registry maps session ids to entries. Each shard has its own lock so a busy
// session never serializes lookups of unrelated ones.
type registry struct {
	shards []*registryShard
	mask   uint32
}

type registryShard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func newRegistry(shards int) *registry {
	if shards <= 0 {
		shards = defaultShards
	}
	n := nextPowerOfTwo(uint32(shards))
	r := &registry{shards: make([]*registryShard, n), mask: n - 1}
	for i := range r.shards {
		r.shards[i] = &registryShard{entries: make(map[string]*entry)}
	}
	return r
}

func (r *registry) shard(id string) *registryShard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return r.shards[h.Sum32()&r.mask]
}

func (r *registry) get(id string) (*entry, bool) {
	sh := r.shard(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e, ok := sh.entries[id]
	return e, ok
}

// add stores e unless the id is taken.
func (r *registry) add(e *entry) bool {
	sh := r.shard(e.id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, exists := sh.entries[e.id]; exists {
		return false
	}
	sh.entries[e.id] = e
	return true
}

// remove deletes id only if it still maps to e.
func (r *registry) remove(e *entry) {
	sh := r.shard(e.id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.entries[e.id] == e {
		delete(sh.entries, e.id)
	}
}

// all returns every entry sorted by id.
func (r *registry) all() []*entry {
	var out []*entry
	for _, sh := range r.shards {
		sh.mu.RLock()
		for _, e := range sh.entries {
			out = append(out, e)
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
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
