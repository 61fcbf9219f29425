// Package backend defines the pluggable State Backend contract (spec.md
// §4.1): a priority list with blocking tail-pop, a TTL'd key-value store,
// and a publish/subscribe channel. It is modeled directly on Redis list
// and pub/sub command semantics — push_front/push_back map to RPUSH/LPUSH,
// blocking_pop_tail maps to BRPOP — even where a concrete implementation
// does not use Redis itself.
package backend

import (
	"context"
	"time"
)

// Backend is the capability set every concrete state backend must provide.
//
// Ordering contract: items pushed with PushFront reach a consumer of
// BlockingPopTail before items pushed with PushBack that were enqueued
// earlier; within one priority, delivery is FIFO.
//
// Atomicity contract: a popped item is delivered to exactly one consumer.
// A crash after pop but before the caller records a terminal outcome is
// acceptable data loss — backends never redeliver.
type Backend interface {
	// PushFront inserts item at the head of list — used for high-priority
	// enqueue.
	PushFront(ctx context.Context, list string, item []byte) error

	// PushBack inserts item at the tail of list — used for low-priority
	// enqueue.
	PushBack(ctx context.Context, list string, item []byte) error

	// BlockingPopTail atomically claims and removes the tail-most item of
	// list, blocking up to timeout. Returns (nil, nil) on timeout without
	// error. A timeout of 0 blocks until an item is available or ctx is
	// canceled.
	BlockingPopTail(ctx context.Context, list string, timeout time.Duration) ([]byte, error)

	// Get returns the value for key, or (nil, nil) if absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key. ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. It is not an error for key to be absent.
	Delete(ctx context.Context, key string) error

	// Publish fans message out to current subscribers of channel.
	// Fire-and-forget: delivery to a slow subscriber may be dropped.
	Publish(ctx context.Context, channel string, message []byte) error

	// Subscribe returns a channel of messages published to channel and an
	// unsubscribe function that must be called to release resources.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)

	// Close releases all connections/resources held by the backend.
	Close() error
}
