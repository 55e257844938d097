package notify

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryRoundTrip(t *testing.T) {
	bus := NewInMemory(4)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	want := Event{
		Type:      "attendance.checkin",
		UserID:    "u1",
		ClassID:   "c1",
		Status:    "PRESENT",
		Timestamp: time.Now().UTC(),
	}
	if err := bus.Publish(ctx, want); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	events, err := bus.Consume(ctx)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	select {
	case got := <-events:
		if got.Type != want.Type || got.UserID != want.UserID || got.ClassID != want.ClassID {
			t.Errorf("event = %+v, want %+v", got, want)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
}

func TestInMemoryConsumeStopsOnCancel(t *testing.T) {
	bus := NewInMemory(1)
	if err := bus.Publish(context.Background(), Event{Type: "pending"}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	events, err := bus.Consume(ctx)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	// Cancel while the delivery goroutine may be mid-send; it must still
	// exit and close the channel instead of blocking forever.
	cancel()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("consume goroutine did not stop after cancel")
		}
	}
}

func TestInMemoryPublishBlockedByCancel(t *testing.T) {
	bus := NewInMemory(1)
	ctx := context.Background()
	if err := bus.Publish(ctx, Event{Type: "fill"}); err != nil {
		t.Fatal(err)
	}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	if err := bus.Publish(cancelled, Event{Type: "overflow"}); err == nil {
		t.Error("publish to a full bus with a cancelled context should fail")
	}
}
