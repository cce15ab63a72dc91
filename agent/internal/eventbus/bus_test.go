package eventbus

import (
	"bytes"
	"log/slog"
	"testing"
	"time"
)

func receive(t *testing.T, ch chan Event) Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestFilteredSubscription(t *testing.T) {
	b := New()
	defer b.Close()

	all := b.Subscribe()
	states := b.Subscribe(RelayState)

	b.PublishType(HubConnected, nil)
	b.PublishType(RelayState, StateChange{From: "connecting", To: "connected"})

	if e := receive(t, all); e.Type != HubConnected {
		t.Errorf("expected %s first, got %s", HubConnected, e.Type)
	}
	if e := receive(t, all); e.Type != RelayState {
		t.Errorf("expected %s second, got %s", RelayState, e.Type)
	}

	e := receive(t, states)
	var sc StateChange
	if err := e.Decode(&sc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sc.To != "connected" {
		t.Errorf("expected transition to connected, got %+v", sc)
	}
	select {
	case extra := <-states:
		t.Errorf("filtered subscriber got unexpected %s", extra.Type)
	default:
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	b := New()
	defer b.Close()
	ch := b.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*2; i++ {
			b.PublishType(LogEntry, i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if len(ch) != subscriberBuffer {
		t.Errorf("expected buffer of %d, got %d", subscriberBuffer, len(ch))
	}
}

func TestUnsubscribeAndClose(t *testing.T) {
	b := New()
	ch := b.Subscribe()
	b.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Error("expected closed channel after unsubscribe")
	}
	b.Unsubscribe(ch) // no double close

	other := b.Subscribe()
	b.Close()
	if _, ok := <-other; ok {
		t.Error("expected closed channel after Close")
	}
	late := b.Subscribe()
	if _, ok := <-late; ok {
		t.Error("subscribe after Close should return a closed channel")
	}
	b.PublishType(LogEntry, nil)
}

func TestSlogHandlerMirrorsRecords(t *testing.T) {
	b := New()
	defer b.Close()
	ch := b.Subscribe(LogEntry)

	var out bytes.Buffer
	inner := slog.NewJSONHandler(&out, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewSlogHandler(inner, b, slog.LevelInfo)).With("component", "relay")

	logger.Debug("below the bus level")
	logger.Info("connected", "attempt", 3)

	e := receive(t, ch)
	var entry map[string]any
	if err := e.Decode(&entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry["msg"] != "connected" {
		t.Errorf("expected the info record, got %v", entry["msg"])
	}
	if entry["component"] != "relay" {
		t.Errorf("expected component attr, got %v", entry["component"])
	}
	if entry["attempt"] != float64(3) {
		t.Errorf("expected attempt attr, got %v", entry["attempt"])
	}
	if !bytes.Contains(out.Bytes(), []byte("below the bus level")) {
		t.Error("debug record should still reach the inner handler")
	}
}
