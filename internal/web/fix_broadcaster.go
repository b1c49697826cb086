package web

import (
	"sync"

	"github.com/lishine/esp-sub000/internal/gps"
)

// FixBroadcaster fans out fixes to stream subscribers. It keeps the most
// recent value so a new subscriber gets an immediate sample. Slow
// subscribers miss updates rather than blocking the publisher.
type FixBroadcaster struct {
	mu       sync.RWMutex
	subs     map[int]chan gps.Fix
	nextID   int
	last     gps.Fix
	haveLast bool
}

func NewFixBroadcaster() *FixBroadcaster {
	return &FixBroadcaster{subs: make(map[int]chan gps.Fix)}
}

func (b *FixBroadcaster) Subscribe(buffer int) (int, <-chan gps.Fix) {
	if b == nil {
		return 0, nil
	}
	if buffer <= 0 {
		buffer = 2
	}
	ch := make(chan gps.Fix, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	if b.haveLast {
		ch <- b.last
	}
	b.mu.Unlock()
	return id, ch
}

func (b *FixBroadcaster) Unsubscribe(id int) {
	if b == nil {
		return
	}
	b.mu.Lock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish never blocks. It is called from the GPS owner loop.
func (b *FixBroadcaster) Publish(f gps.Fix) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = f
	b.haveLast = true
	for _, ch := range b.subs {
		select {
		case ch <- f:
		default:
		}
	}
}

func (b *FixBroadcaster) Subscribers() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
