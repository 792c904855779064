package kv

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// KeyGenerator assigns keys for AutoKey collections when an added record
// carries none. Implemented by UUIDv7Generator (production) and
// FixedKeyGenerator (tests).
type KeyGenerator interface {
	NextKey() Key
}

// UUIDv7Generator generates time-sortable UUIDv7 string keys.
//
// UUIDv7 embeds a timestamp in the most significant bits, so
// engine-assigned keys sort roughly by insertion time under CompareKeys,
// which keeps forward cursor order close to insertion order.
//
// Thread-safety: stateless, safe for concurrent use.
type UUIDv7Generator struct{}

// NextKey returns a new UUIDv7 as a hyphenated string.
// Panics if UUID generation fails (should never happen in practice).
func (g UUIDv7Generator) NextKey() Key {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedKeyGenerator returns predetermined keys in order, for
// deterministic tests and golden comparisons.
//
// Thread-safety: safe for concurrent use via internal mutex.
type FixedKeyGenerator struct {
	mu   sync.Mutex
	keys []Key
	idx  int
}

// NewFixedKeyGenerator creates a generator that returns keys in order.
//
// Example:
//
//	gen := kv.NewFixedKeyGenerator("k1", "k2")
//	gen.NextKey() // "k1"
//	gen.NextKey() // "k2"
//	gen.NextKey() // panic: keys exhausted
func NewFixedKeyGenerator(keys ...Key) *FixedKeyGenerator {
	return &FixedKeyGenerator{keys: keys}
}

// NextKey returns the next predetermined key.
func (g *FixedKeyGenerator) NextKey() Key {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.idx >= len(g.keys) {
		panic(fmt.Sprintf("FixedKeyGenerator: all %d keys exhausted", len(g.keys)))
	}
	k := g.keys[g.idx]
	g.idx++
	return k
}
