// Package memorybackend is the in-process State Backend implementation
// (spec.md §2 item 1): a priority list plus TTL'd KV plus pub/sub, all
// held in memory. It requires no external process and is the default
// fixture for package tests across the module.
//
// The priority list is modeled as two independent FIFO queues per list
// name (high, low) rather than a single deque, because that is the
// simplest structure that satisfies both halves of the spec's ordering
// contract at once: high-priority items always drain before any
// low-priority item, regardless of enqueue time, while items within one
// priority class stay strictly FIFO.
package memorybackend

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type fifo struct {
	items [][]byte
}

func (f *fifo) pushBack(item []byte) {
	f.items = append(f.items, item)
}

func (f *fifo) popFront() ([]byte, bool) {
	if len(f.items) == 0 {
		return nil, false
	}
	item := f.items[0]
	f.items = f.items[1:]
	return item, true
}

type priorityList struct {
	high fifo
	low  fifo
}

type kvEntry struct {
	value     []byte
	expiresAt time.Time
	hasTTL    bool
}

func (e kvEntry) expired(now time.Time) bool {
	return e.hasTTL && now.After(e.expiresAt)
}

type subscriber struct {
	id int
	ch chan []byte
}

// Backend is the in-memory State Backend.
type Backend struct {
	mu     sync.Mutex
	lists  map[string]*priorityList
	wake   chan struct{}
	kv     map[string]kvEntry
	subs   map[string][]*subscriber
	nextID int
	logger *slog.Logger
	closed bool
}

// New creates an empty in-memory backend. logger may be nil.
func New(logger *slog.Logger) *Backend {
	return &Backend{
		lists:  make(map[string]*priorityList),
		wake:   make(chan struct{}),
		kv:     make(map[string]kvEntry),
		subs:   make(map[string][]*subscriber),
		logger: logger,
	}
}

func (b *Backend) listFor(name string) *priorityList {
	l, ok := b.lists[name]
	if !ok {
		l = &priorityList{}
		b.lists[name] = l
	}
	return l
}

// broadcastWakeLocked must be called with b.mu held; it wakes every
// goroutine blocked in BlockingPopTail.
func (b *Backend) broadcastWakeLocked() {
	close(b.wake)
	b.wake = make(chan struct{})
}

func (b *Backend) PushFront(_ context.Context, list string, item []byte) error {
	cp := append([]byte(nil), item...)
	b.mu.Lock()
	b.listFor(list).high.pushBack(cp)
	b.broadcastWakeLocked()
	b.mu.Unlock()
	return nil
}

func (b *Backend) PushBack(_ context.Context, list string, item []byte) error {
	cp := append([]byte(nil), item...)
	b.mu.Lock()
	b.listFor(list).low.pushBack(cp)
	b.broadcastWakeLocked()
	b.mu.Unlock()
	return nil
}

func (b *Backend) tryPop(list string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.lists[list]
	if !ok {
		return nil, false
	}
	if item, ok := l.high.popFront(); ok {
		return item, true
	}
	return l.low.popFront()
}

// BlockingPopTail claims the next item (high priority first, then low,
// FIFO within each), blocking up to timeout. timeout <= 0 blocks until
// ctx is canceled.
func (b *Backend) BlockingPopTail(ctx context.Context, list string, timeout time.Duration) ([]byte, error) {
	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		if item, ok := b.tryPop(list); ok {
			return item, nil
		}

		b.mu.Lock()
		wake := b.wake
		b.mu.Unlock()

		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return nil, nil
			}
			timer := time.NewTimer(remaining)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
				return nil, nil
			case <-wake:
				timer.Stop()
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		}
	}
}

func (b *Backend) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.kv[key]
	if !ok {
		return nil, nil
	}
	if entry.expired(time.Now()) {
		delete(b.kv, key)
		return nil, nil
	}
	return append([]byte(nil), entry.value...), nil
}

func (b *Backend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	entry := kvEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.hasTTL = true
		entry.expiresAt = time.Now().Add(ttl)
	}
	b.mu.Lock()
	b.kv[key] = entry
	b.mu.Unlock()
	return nil
}

func (b *Backend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	delete(b.kv, key)
	b.mu.Unlock()
	return nil
}

const subscriberBuffer = 64

func (b *Backend) Publish(_ context.Context, channel string, message []byte) error {
	cp := append([]byte(nil), message...)
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs[channel] {
		select {
		case sub.ch <- cp:
		default:
			// Fire-and-forget: a slow subscriber drops the message rather
			// than block publication (spec.md §4.8).
			if b.logger != nil {
				b.logger.Warn("memorybackend_publish_dropped", "channel", channel)
			}
		}
	}
	return nil
}

func (b *Backend) Subscribe(_ context.Context, channel string) (<-chan []byte, func(), error) {
	b.mu.Lock()
	b.nextID++
	sub := &subscriber{id: b.nextID, ch: make(chan []byte, subscriberBuffer)}
	b.subs[channel] = append(b.subs[channel], sub)
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		peers := b.subs[channel]
		for i, s := range peers {
			if s.id == sub.id {
				b.subs[channel] = append(peers[:i], peers[i+1:]...)
				close(s.ch)
				break
			}
		}
	}
	return sub.ch, unsubscribe, nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, s := range subs {
			close(s.ch)
		}
	}
	b.subs = make(map[string][]*subscriber)
	return nil
}
