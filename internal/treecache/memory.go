package treecache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// MemoryBackend is a thread-safe LRU with per-entry expiry.
type MemoryBackend struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	order    *list.List
	nowFn    func() time.Time
}

type memoryEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

var _ Toucher = (*MemoryBackend)(nil)

// NewMemoryBackend creates an LRU holding at most capacity entries.
func NewMemoryBackend(capacity int) *MemoryBackend {
	if capacity <= 0 {
		capacity = 1
	}
	return &MemoryBackend{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		nowFn:    time.Now,
	}
}

// Get implements Backend. Expired entries are dropped on read.
func (b *MemoryBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	elem, exists := b.entries[key]
	if !exists {
		return nil, false, nil
	}
	entry := elem.Value.(*memoryEntry)
	if !b.nowFn().Before(entry.expiresAt) {
		b.removeElement(elem)
		return nil, false, nil
	}

	b.order.MoveToFront(elem)
	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, true, nil
}

// Set implements Backend, evicting the least recently used entry when full.
func (b *MemoryBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)
	expiresAt := b.nowFn().Add(ttl)

	if elem, exists := b.entries[key]; exists {
		b.order.MoveToFront(elem)
		entry := elem.Value.(*memoryEntry)
		entry.value = stored
		entry.expiresAt = expiresAt
		return nil
	}

	if b.order.Len() >= b.capacity {
		if oldest := b.order.Back(); oldest != nil {
			b.removeElement(oldest)
		}
	}

	elem := b.order.PushFront(&memoryEntry{key: key, value: stored, expiresAt: expiresAt})
	b.entries[key] = elem
	return nil
}

// Touch implements Toucher. A missing or expired key is left alone.
func (b *MemoryBackend) Touch(ctx context.Context, key string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	elem, exists := b.entries[key]
	if !exists {
		return nil
	}
	entry := elem.Value.(*memoryEntry)
	now := b.nowFn()
	if !now.Before(entry.expiresAt) {
		return nil
	}
	entry.expiresAt = now.Add(ttl)
	b.order.MoveToFront(elem)
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (b *MemoryBackend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.order.Len()
}

func (b *MemoryBackend) removeElement(elem *list.Element) {
	entry := elem.Value.(*memoryEntry)
	delete(b.entries, entry.key)
	b.order.Remove(elem)
}
