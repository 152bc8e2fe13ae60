// Package session implements the Session-Key Cache (spec.md §4.7, C7): a
// small bounded cache that lets two subsystems racing to open a session
// with the same peer reuse one already-built key-exchange message
// instead of constructing it twice.
package session

import (
	"bytes"
	"sync"
)

// capacity is the cache's fixed bound (spec.md §3: "~8 entries").
const capacity = 8

// PeerID is a 512-bit peer identity.
type PeerID = [64]byte

// entry is one cache row, keyed by (peer, session_key, time_limit,
// message_size) (spec.md §4.7).
type entry struct {
	peer      PeerID
	timeLimit uint32
	key       []byte
	size      int
	message   []byte
}

func (e *entry) matches(peer PeerID, timeLimit uint32, key []byte, size int) bool {
	return e.peer == peer && e.timeLimit == timeLimit && e.size == size && bytes.Equal(e.key, key)
}

// Cache is the capacity-8 LRU-by-time_limit session cache.
type Cache struct {
	mu      sync.Mutex
	entries []*entry
}

// New creates an empty session cache.
func New() *Cache {
	return &Cache{}
}

// Get returns the cached message for (peer, time_limit, key, size), if
// present (spec.md §4.7 get).
func (c *Cache) Get(peer PeerID, timeLimit uint32, key []byte, size int) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.matches(peer, timeLimit, key, size) {
			return append([]byte(nil), e.message...), true
		}
	}
	return nil, false
}

// Put inserts a new cache row, evicting the entry with the smallest
// time_limit if the cache would exceed its 8-entry capacity (spec.md
// §4.7: eviction checked only on overflow, never on a staleness timer —
// see DESIGN.md Open Questions).
func (c *Cache) Put(peer PeerID, timeLimit uint32, key []byte, size int, message []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.entries {
		if e.matches(peer, timeLimit, key, size) {
			e.message = append([]byte(nil), message...)
			return
		}
	}

	c.entries = append(c.entries, &entry{
		peer:      peer,
		timeLimit: timeLimit,
		key:       append([]byte(nil), key...),
		size:      size,
		message:   append([]byte(nil), message...),
	})

	if len(c.entries) > capacity {
		minIdx := 0
		for i, e := range c.entries {
			if e.timeLimit < c.entries[minIdx].timeLimit {
				minIdx = i
			}
		}
		c.entries = append(c.entries[:minIdx], c.entries[minIdx+1:]...)
	}
}

// Len reports the current number of cached entries, mainly for tests.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
