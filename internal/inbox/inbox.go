// Package inbox is a bounded, typed hand-off channel whose senders give up
// after a timeout instead of blocking.
package inbox

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Inbox provides a generic typed interface for message channels with timeout support
// T is the message type that will be sent through the inbox
type Inbox[T any] struct {
	ch      chan T
	timeout time.Duration
	logger  *slog.Logger

	sent     atomic.Int64
	received atomic.Int64
	timeouts atomic.Int64
	maxDepth atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

// Stats tracks inbox usage and performance metrics
type Stats struct {
	TotalSent     int64 `json:"total_sent"`
	TotalReceived int64 `json:"total_received"`
	TimeoutCount  int64 `json:"timeout_count"`
	CurrentDepth  int   `json:"current_depth"`
	MaxDepthSeen  int   `json:"max_depth_seen"`
	Capacity      int   `json:"capacity"`
}

// New creates a new inbox with the specified buffer size and timeout
func New[T any](bufferSize int, timeout time.Duration, logger *slog.Logger) *Inbox[T] {
	return &Inbox[T]{
		ch:      make(chan T, bufferSize),
		timeout: timeout,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Send sends a message to the inbox with timeout
// Returns true if message was sent successfully, false on timeout or after Close
func (ib *Inbox[T]) Send(msg T) bool {
	select {
	case <-ib.done:
		return false
	default:
	}

	timer := time.NewTimer(ib.timeout)
	defer timer.Stop()

	select {
	case ib.ch <- msg:
		ib.sent.Add(1)
		ib.updateDepth()
		return true
	case <-ib.done:
		return false
	case <-timer.C:
		ib.timeouts.Add(1)
		ib.logger.Warn("inbox send timeout",
			"timeout", ib.timeout,
			"current_depth", len(ib.ch))
		return false
	}
}

// TryReceive attempts to receive a message without blocking
// Returns the message and true if available, zero value and false otherwise
func (ib *Inbox[T]) TryReceive() (T, bool) {
	select {
	case msg := <-ib.ch:
		ib.received.Add(1)
		return msg, true
	default:
		var zero T
		return zero, false
	}
}

// Receive blocks until a message is available, ctx is done or the inbox is
// closed and drained. The boolean is false when no message was received.
func (ib *Inbox[T]) Receive(ctx context.Context) (T, bool) {
	// Buffered messages win over a concurrent close
	if msg, ok := ib.TryReceive(); ok {
		return msg, true
	}

	select {
	case msg := <-ib.ch:
		ib.received.Add(1)
		return msg, true
	case <-ctx.Done():
	case <-ib.done:
		if msg, ok := ib.TryReceive(); ok {
			return msg, true
		}
	}

	var zero T
	return zero, false
}

func (ib *Inbox[T]) updateDepth() {
	depth := int64(len(ib.ch))
	for {
		cur := ib.maxDepth.Load()
		if depth <= cur || ib.maxDepth.CompareAndSwap(cur, depth) {
			return
		}
	}
}

// Stats returns a snapshot of the inbox statistics
func (ib *Inbox[T]) Stats() Stats {
	return Stats{
		TotalSent:     ib.sent.Load(),
		TotalReceived: ib.received.Load(),
		TimeoutCount:  ib.timeouts.Load(),
		CurrentDepth:  len(ib.ch),
		MaxDepthSeen:  int(ib.maxDepth.Load()),
		Capacity:      cap(ib.ch),
	}
}

// Len returns the current number of messages in the inbox
func (ib *Inbox[T]) Len() int {
	return len(ib.ch)
}

// Close stops accepting messages. Receivers drain what is buffered.
// The data channel itself stays open so late senders never panic.
func (ib *Inbox[T]) Close() {
	ib.closeOnce.Do(func() {
		close(ib.done)
	})
}
