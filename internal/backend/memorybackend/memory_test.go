package memorybackend

import (
	"context"
	"testing"
	"time"
)

func TestPriorityOrdering(t *testing.T) {
	b := New(nil)
	ctx := context.Background()

	if err := b.PushBack(ctx, "q", []byte("L1")); err != nil {
		t.Fatalf("PushBack: %v", err)
	}
	if err := b.PushFront(ctx, "q", []byte("H1")); err != nil {
		t.Fatalf("PushFront: %v", err)
	}

	item, err := b.BlockingPopTail(ctx, "q", time.Second)
	if err != nil {
		t.Fatalf("BlockingPopTail: %v", err)
	}
	if string(item) != "H1" {
		t.Fatalf("expected H1 delivered first, got %q", item)
	}

	item, err = b.BlockingPopTail(ctx, "q", time.Second)
	if err != nil {
		t.Fatalf("BlockingPopTail: %v", err)
	}
	if string(item) != "L1" {
		t.Fatalf("expected L1 second, got %q", item)
	}
}

func TestFIFOWithinPriority(t *testing.T) {
	b := New(nil)
	ctx := context.Background()

	for _, v := range []string{"L1", "L2", "L3"} {
		if err := b.PushBack(ctx, "q", []byte(v)); err != nil {
			t.Fatalf("PushBack: %v", err)
		}
	}
	for _, want := range []string{"L1", "L2", "L3"} {
		item, err := b.BlockingPopTail(ctx, "q", time.Second)
		if err != nil {
			t.Fatalf("BlockingPopTail: %v", err)
		}
		if string(item) != want {
			t.Fatalf("expected %q, got %q", want, item)
		}
	}
}

func TestBlockingPopTailTimeout(t *testing.T) {
	b := New(nil)
	ctx := context.Background()
	start := time.Now()
	item, err := b.BlockingPopTail(ctx, "empty", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("expected nil error on timeout, got %v", err)
	}
	if item != nil {
		t.Fatalf("expected nil item on timeout, got %q", item)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Fatalf("returned before timeout elapsed")
	}
}

func TestBlockingPopTailWakesOnPush(t *testing.T) {
	b := New(nil)
	ctx := context.Background()
	result := make(chan []byte, 1)

	go func() {
		item, err := b.BlockingPopTail(ctx, "q", 2*time.Second)
		if err != nil {
			t.Errorf("BlockingPopTail: %v", err)
			return
		}
		result <- item
	}()

	time.Sleep(20 * time.Millisecond)
	if err := b.PushBack(ctx, "q", []byte("hi")); err != nil {
		t.Fatalf("PushBack: %v", err)
	}

	select {
	case item := <-result:
		if string(item) != "hi" {
			t.Fatalf("expected hi, got %q", item)
		}
	case <-time.After(time.Second):
		t.Fatal("BlockingPopTail did not wake on push")
	}
}

func TestKVRoundTripAndTTL(t *testing.T) {
	b := New(nil)
	ctx := context.Background()

	if err := b.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := b.Get(ctx, "k")
	if err != nil || string(got) != "v" {
		t.Fatalf("Get: got %q err %v", got, err)
	}

	if err := b.Set(ctx, "k2", []byte("v2"), 10*time.Millisecond); err != nil {
		t.Fatalf("Set with TTL: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	got, err = b.Get(ctx, "k2")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected expired key to read as absent, got %q", got)
	}

	if err := b.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got, err = b.Get(ctx, "k")
	if err != nil || got != nil {
		t.Fatalf("expected deleted key absent, got %q err %v", got, err)
	}
}

func TestPubSub(t *testing.T) {
	b := New(nil)
	ctx := context.Background()

	ch, unsubscribe, err := b.Subscribe(ctx, "logs")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsubscribe()

	if err := b.Publish(ctx, "logs", []byte("hello")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case msg := <-ch:
		if string(msg) != "hello" {
			t.Fatalf("expected hello, got %q", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive message")
	}
}

func TestPublishToNoSubscribersDoesNotBlock(t *testing.T) {
	b := New(nil)
	ctx := context.Background()
	done := make(chan struct{})
	go func() {
		_ = b.Publish(ctx, "nobody-listening", []byte("x"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked with no subscribers")
	}
}
