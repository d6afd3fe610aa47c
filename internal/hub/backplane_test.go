package hub

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestLocalBackplaneDeliversToSubscribers(t *testing.T) {
	bp := NewLocalBackplane(16)
	defer bp.Close()

	var mu sync.Mutex
	var got []BackplaneMessage
	bp.Subscribe(func(msg BackplaneMessage) {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
	})

	msg := BackplaneMessage{Origin: "hub-a", SessionID: "sess-1", Data: []byte("hello")}
	if err := bp.Publish(context.Background(), msg); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("message never delivered")
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if got[0].SessionID != "sess-1" || string(got[0].Data) != "hello" {
		t.Errorf("unexpected delivery: %+v", got[0])
	}
}

func TestLocalBackplanePublishAfterClose(t *testing.T) {
	bp := NewLocalBackplane(16)
	if err := bp.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := bp.Publish(context.Background(), BackplaneMessage{}); err == nil {
		t.Error("expected publish to fail after close")
	}
	// Close is idempotent.
	if err := bp.Close(); err != nil {
		t.Errorf("second close failed: %v", err)
	}
}

func TestHubSkipsOwnBackplaneMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := newTestHub(t, ctx, Config{})
	go hub.Run()

	bp := NewLocalBackplane(16)
	defer bp.Close()
	hub.SetBackplane(bp)

	var mu sync.Mutex
	received := 0
	bp.Subscribe(func(msg BackplaneMessage) {
		mu.Lock()
		received++
		mu.Unlock()
	})

	// A local room broadcast is published once; the hub's own
	// subscription must not re-publish it when it comes back around.
	hub.BroadcastToRoom("sess-1", []byte("payload"))

	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if received != 1 {
		t.Errorf("expected exactly one backplane publish, got %d", received)
	}
}
