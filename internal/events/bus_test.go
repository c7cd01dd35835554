package events

import (
	"sync"
	"testing"
	"time"
)

func TestSubscribeReceivesOnlyItsKind(t *testing.T) {
	b := NewBus()

	var mu sync.Mutex
	var received []Event
	done := make(chan struct{}, 1)

	b.Subscribe(KindCreated, func(ev Event) {
		mu.Lock()
		received = append(received, ev)
		mu.Unlock()
		done <- struct{}{}
	})

	b.Publish(Event{Kind: KindClosed, Data: map[string]interface{}{"id": "x"}})
	b.Publish(Event{Kind: KindCreated, Data: map[string]interface{}{"id": "y"}})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscriber callback")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected exactly 1 event delivered, got %d", len(received))
	}
	if received[0].Data["id"] != "y" {
		t.Fatalf("expected the created event, got %+v", received[0])
	}
}

func TestSubscribeAllReceivesEveryKind(t *testing.T) {
	b := NewBus()

	var count int
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(2)

	b.SubscribeAll(func(ev Event) {
		mu.Lock()
		count++
		mu.Unlock()
		wg.Done()
	})

	b.Publish(Event{Kind: KindCreated})
	b.Publish(Event{Kind: KindClosed})

	waitOrTimeout(t, &wg, time.Second)

	mu.Lock()
	defer mu.Unlock()
	if count != 2 {
		t.Fatalf("expected 2 deliveries to the catch-all subscriber, got %d", count)
	}
}

func TestPublishStampsTimestampWhenZero(t *testing.T) {
	b := NewBus()

	done := make(chan Event, 1)
	b.SubscribeAll(func(ev Event) { done <- ev })

	before := time.Now()
	b.Publish(Event{Kind: KindGated})

	select {
	case ev := <-done:
		if ev.Timestamp.Before(before) {
			t.Fatalf("expected timestamp to be stamped at publish time, got %v before %v", ev.Timestamp, before)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for publish")
	}
}

func TestPublishGatedMergesDetailsIntoData(t *testing.T) {
	b := NewBus()

	done := make(chan Event, 1)
	b.Subscribe(KindGated, func(ev Event) { done <- ev })

	b.PublishGated("CHAIN|1", "cooldown", "COOLDOWN_ACTIVE", map[string]interface{}{"remaining_ms": 500})

	select {
	case ev := <-done:
		if ev.Data["stage"] != "cooldown" || ev.Data["remaining_ms"] != 500 {
			t.Fatalf("expected merged gate details, got %+v", ev.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for publish")
	}
}

func waitOrTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	ch := make(chan struct{})
	go func() {
		wg.Wait()
		close(ch)
	}()
	select {
	case <-ch:
	case <-time.After(d):
		t.Fatal("timed out waiting for wait group")
	}
}
