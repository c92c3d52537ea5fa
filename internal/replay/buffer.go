package replay

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
)

// Sentinel errors returned by Sample. The background trainer treats both as
// "skip this training cycle", never as fatal.
var (
	ErrBufferEmpty  = errors.New("replay: buffer is empty")
	ErrInvalidBatch = errors.New("replay: invalid batch size")
)

// Experience is one reinforcement-learning transition. Immutable once added;
// the buffer is its sole long-term owner.
type Experience struct {
	State     []float64 `json:"state"`
	Action    int       `json:"action"`
	Reward    float64   `json:"reward"`
	NextState []float64 `json:"next_state"`
	Done      bool      `json:"done"`
}

// Buffer is a thread-safe bounded FIFO store of experiences with uniform
// random sampling. When full, the oldest entry is silently evicted. All
// mutations are serialized under one mutex so Size is always consistent
// with the backing storage; the critical sections hold no I/O.
type Buffer struct {
	mu       sync.Mutex
	items    []Experience
	capacity int
	head     int // next write position
	size     int
	rng      *rand.Rand
}

// New creates a buffer with the given fixed capacity. Panics on capacity <= 0
// since that is a construction bug, not a runtime condition.
func New(capacity int, seed int64) *Buffer {
	if capacity <= 0 {
		panic(fmt.Sprintf("replay: capacity must be positive, got %d", capacity))
	}
	return &Buffer{
		items:    make([]Experience, capacity),
		capacity: capacity,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// Add appends an experience, evicting the oldest when full. Never blocks
// beyond the mutex.
func (b *Buffer) Add(exp Experience) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items[b.head] = exp
	b.head = (b.head + 1) % b.capacity
	if b.size < b.capacity {
		b.size++
	}
}

// Sample returns k experiences drawn uniformly at random without
// replacement. Returns ErrBufferEmpty on an empty buffer and
// ErrInvalidBatch when k <= 0 or k exceeds the current size.
func (b *Buffer) Sample(k int) ([]Experience, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == 0 {
		return nil, ErrBufferEmpty
	}
	if k <= 0 || k > b.size {
		return nil, fmt.Errorf("%w: k=%d size=%d", ErrInvalidBatch, k, b.size)
	}

	// Partial Fisher-Yates over an index permutation: O(size) alloc, O(k) swaps.
	idx := make([]int, b.size)
	for i := range idx {
		idx[i] = i
	}
	out := make([]Experience, k)
	for i := 0; i < k; i++ {
		j := i + b.rng.Intn(b.size-i)
		idx[i], idx[j] = idx[j], idx[i]
		out[i] = b.items[b.physical(idx[i])]
	}
	return out, nil
}

// physical maps a logical index (0 = oldest) to a slot in the ring.
func (b *Buffer) physical(logical int) int {
	if b.size < b.capacity {
		return logical
	}
	return (b.head + logical) % b.capacity
}

// Size returns the number of stored experiences.
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// IsFull reports whether the buffer is at capacity.
func (b *Buffer) IsFull() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size == b.capacity
}

// IsEmpty reports whether the buffer holds no experiences.
func (b *Buffer) IsEmpty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size == 0
}

// Clear drops all stored experiences. Capacity is unchanged.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head = 0
	b.size = 0
}
