package queue

import (
	"context"
	"time"
)

// Lease identifies one received-but-undeleted queue entry. An entry whose
// lease is never deleted reappears after the visibility timeout expires.
type Lease struct {
	StreamID string
}

// Message is one raw queue entry plus its lease handle.
type Message struct {
	Payload []byte
	Lease   Lease
}

// Queue is a durable, visibility-timeout-based queue. Delivery is
// at-least-once: consumers must key downstream writes on content-derived or
// channel-assigned ids rather than assume uniqueness.
type Queue interface {
	// Receive returns up to max entries, hiding them from other consumers
	// for the visibility window.
	Receive(ctx context.Context, max int, visibility time.Duration) ([]Message, error)
	// Delete acknowledges and removes a processed entry.
	Delete(ctx context.Context, lease Lease) error
	// Enqueue appends a payload. Used by the webhook ingress and by tests.
	Enqueue(ctx context.Context, payload []byte) error
	Close() error
}
