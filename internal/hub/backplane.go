package hub

import (
	"context"
	"fmt"
	"sync"
)

// BackplaneMessage is one room message crossing instance boundaries.
// Origin carries the publishing hub's id so an instance can skip its
// own messages on delivery.
type BackplaneMessage struct {
	Origin    string `json:"origin"`
	SessionID string `json:"session_id"`
	Data      []byte `json:"data"`
}

// Backplane fans room messages out to other hub instances. The hub
// works without one; a publish failure degrades to local-only
// delivery, it never fails the client request.
type Backplane interface {
	Publish(ctx context.Context, msg BackplaneMessage) error
	Subscribe(fn func(BackplaneMessage))
	Close() error
}

// LocalBackplane is the in-process implementation: one delivery
// goroutine, subscribers invoked in publish order.
type LocalBackplane struct {
	mu          sync.Mutex
	subscribers []func(BackplaneMessage)
	queue       chan BackplaneMessage
	done        chan struct{}
	closed      bool
}

func NewLocalBackplane(queueSize int) *LocalBackplane {
	if queueSize <= 0 {
		queueSize = 256
	}
	b := &LocalBackplane{
		queue: make(chan BackplaneMessage, queueSize),
		done:  make(chan struct{}),
	}
	go b.deliverLoop()
	return b
}

func (b *LocalBackplane) deliverLoop() {
	for {
		select {
		case <-b.done:
			return
		case msg := <-b.queue:
			b.mu.Lock()
			subs := make([]func(BackplaneMessage), len(b.subscribers))
			copy(subs, b.subscribers)
			b.mu.Unlock()
			for _, fn := range subs {
				fn(msg)
			}
		}
	}
}

func (b *LocalBackplane) Publish(ctx context.Context, msg BackplaneMessage) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return fmt.Errorf("backplane is closed")
	}

	select {
	case b.queue <- msg:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("backplane publish: %w", ctx.Err())
	}
}

func (b *LocalBackplane) Subscribe(fn func(BackplaneMessage)) {
	b.mu.Lock()
	b.subscribers = append(b.subscribers, fn)
	b.mu.Unlock()
}

func (b *LocalBackplane) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	return nil
}
