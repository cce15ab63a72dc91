package backplane

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestMemoryPublishReachesSubscribedNodes(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	recA, recB := newRecorder(), newRecorder()
	a := bus.NewNode(recA.handle, 16, testLogger())
	b := bus.NewNode(recB.handle, 16, testLogger())
	t.Cleanup(func() { a.Close(); b.Close() })

	unsub, err := b.Subscribe(ctx, "principal:x")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	n, err := a.Publish(ctx, "principal:x", []byte("hello"))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if n != 1 {
		t.Errorf("receivers: got %d, want 1", n)
	}
	if m := recB.next(t); m.topic != "principal:x" || m.data != "hello" {
		t.Errorf("delivery: got %+v", m)
	}
	recA.none(t)

	unsub()
	unsub() // idempotent
	n, _ = a.Publish(ctx, "principal:x", []byte("dropped"))
	if n != 0 {
		t.Errorf("receivers after unsubscribe: got %d, want 0", n)
	}
	recB.none(t)
}

func TestMemoryOnlineRefcount(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	node := bus.NewNode(func(string, []byte) {}, 16, testLogger())
	t.Cleanup(func() { node.Close() })

	u1, _ := node.Subscribe(ctx, "principal:y")
	u2, _ := node.Subscribe(ctx, "principal:y")

	if online, _ := node.Online(ctx, "principal:y"); !online {
		t.Fatal("not online after subscribe")
	}
	u1()
	if online, _ := node.Online(ctx, "principal:y"); !online {
		t.Fatal("offline while a reference remains")
	}
	u2()
	if online, _ := node.Online(ctx, "principal:y"); online {
		t.Fatal("online after last reference released")
	}
}

func TestMemoryFIFOPerPublisher(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	rec := newRecorder()
	pub := bus.NewNode(func(string, []byte) {}, 16, testLogger())
	sub := bus.NewNode(rec.handle, 256, testLogger())
	t.Cleanup(func() { pub.Close(); sub.Close() })

	if _, err := sub.Subscribe(ctx, "principal:z"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 100; i++ {
		if _, err := pub.Publish(ctx, "principal:z", []byte(fmt.Sprint(i))); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 100; i++ {
		if m := rec.next(t); m.data != fmt.Sprint(i) {
			t.Fatalf("message %d: got %q", i, m.data)
		}
	}
}

func TestMemoryFanOutAcrossNodes(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	recA, recB := newRecorder(), newRecorder()
	a := bus.NewNode(recA.handle, 16, testLogger())
	b := bus.NewNode(recB.handle, 16, testLogger())
	t.Cleanup(func() { a.Close(); b.Close() })

	a.Subscribe(ctx, "tenant:t")
	b.Subscribe(ctx, "tenant:t")

	n, _ := a.Publish(ctx, "tenant:t", []byte("status"))
	if n != 2 {
		t.Errorf("receivers: got %d, want 2", n)
	}
	recA.next(t)
	recB.next(t)
}

func TestMemoryFullQueueDrops(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	block := make(chan struct{})
	started := make(chan struct{}, 1)
	slow := bus.NewNode(func(string, []byte) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-block
	}, 1, testLogger())
	pub := bus.NewNode(func(string, []byte) {}, 1, testLogger())
	t.Cleanup(func() { close(block); slow.Close(); pub.Close() })

	slow.Subscribe(ctx, "principal:slow")

	// The first message occupies the handler, the second the queue slot.
	pub.Publish(ctx, "principal:slow", []byte("1"))
	<-started
	pub.Publish(ctx, "principal:slow", []byte("2"))

	n, err := pub.Publish(ctx, "principal:slow", []byte("3"))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if n != 0 {
		t.Errorf("receivers with full queue: got %d, want 0", n)
	}
}

func TestMemoryClose(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	a := bus.NewNode(func(string, []byte) {}, 16, testLogger())
	b := bus.NewNode(func(string, []byte) {}, 16, testLogger())
	t.Cleanup(func() { b.Close() })

	a.Subscribe(ctx, "principal:c")
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if online, _ := b.Online(ctx, "principal:c"); online {
		t.Error("closed node still subscribed")
	}
	if _, err := a.Publish(ctx, "principal:c", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Publish after Close: got %v", err)
	}
	if _, err := a.Subscribe(ctx, "principal:c"); !errors.Is(err, ErrClosed) {
		t.Errorf("Subscribe after Close: got %v", err)
	}
}

func TestMemoryReleaseAndSubscribeHandover(t *testing.T) {
	bus := NewMemoryBus()
	node := bus.NewNode(func(string, []byte) {}, 16, testLogger())
	t.Cleanup(func() { node.Close() })

	assertHandover(t, node, func(hook func(string)) {
		node.mu.Lock()
		node.releaseHook = hook
		node.mu.Unlock()
	})
}
