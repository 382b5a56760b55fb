// Package event implements the in-process broadcast bus carrying memory
// lifecycle events. Delivery is best-effort: publishers never block, and
// events dropped on full subscriber channels are only counted. Correctness
// never depends on delivery; the bus feeds observers (metrics,
// notifications, consolidation triggers).
package event

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DefaultCapacity is the per-subscriber channel depth.
const DefaultCapacity = 1024

// Type discriminates event payloads.
type Type string

const (
	// TypeMemoryCaptured is published after a successful composite write.
	TypeMemoryCaptured Type = "memory_captured"
	// TypeCaptureBlocked is published when the security filter rejects a capture.
	TypeCaptureBlocked Type = "capture_blocked"
	// TypeSearchCompleted is published after every recall.
	TypeSearchCompleted Type = "search_completed"
	// TypeTierAssigned is published when consolidation moves a memory between tiers.
	TypeTierAssigned Type = "tier_assigned"
	// TypeStorageError is published when an index or vector write degrades.
	TypeStorageError Type = "storage_error"
)

// Event is a value-type lifecycle notification. Receivers get independent
// copies; the variant fields populated depend on Type. Memory references are
// always in URN form, never bare ids.
type Event struct {
	ID   string
	Type Type
	At   time.Time

	// TypeMemoryCaptured, TypeTierAssigned
	MemoryID  string
	Namespace string
	Domain    string
	URN       string

	// TypeCaptureBlocked
	Reason      string
	ContentHash string

	// TypeSearchCompleted
	Query       string
	ResultCount int
	LatencyMS   int64

	// TypeTierAssigned
	OldTier string
	NewTier string

	// TypeStorageError
	Backend string
	Detail  string
}

// New constructs an event of the given type with id and timestamp filled.
func New(t Type) Event {
	return Event{ID: uuid.NewString(), Type: t, At: time.Now().UTC()}
}

// Bus is a bounded multi-producer broadcast channel. Each subscriber owns an
// independent buffered channel; a slow subscriber loses its own events
// without affecting the others.
type Bus struct {
	capacity int

	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool

	dropped atomic.Uint64
}

// NewBus creates a bus with the given per-subscriber capacity (0 selects
// DefaultCapacity).
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{capacity: capacity, subs: make(map[int]chan Event)}
}

// Publish delivers e to every subscriber without blocking. Events that do
// not fit a subscriber's buffer are dropped and counted.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.dropped.Add(1)
		return
	}
	if len(b.subs) == 0 {
		b.dropped.Add(1)
		return
	}

	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe returns a receive channel and a cancel function. The channel is
// closed on cancel or bus close.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.capacity)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

// Dropped returns the number of events dropped since construction.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel. Publishes after Close are counted
// as dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
