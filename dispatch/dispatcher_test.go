package dispatch

import (
	"context"
	"testing"
	"time"
)

func TestEnqueueDeliver(t *testing.T) {
	d := NewDispatcher(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	ch, unsub := d.Subscribe()
	defer unsub()

	id := d.Enqueue(AlertEvent{TriggerID: "t1", Text: "hello"})
	if id == "" {
		t.Fatal("Enqueue returned empty id")
	}

	select {
	case ev := <-ch:
		if ev.ID != id || ev.Text != "hello" {
			t.Errorf("delivered = %+v", ev)
		}
		if ev.EnqueuedAt.IsZero() {
			t.Error("EnqueuedAt not set")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event never delivered")
	}
}

func TestOverflowDropsOldest(t *testing.T) {
	d := NewDispatcher(3)
	// No Run loop and no subscriber: events accumulate.
	ids := make([]string, 5)
	for i := range ids {
		ids[i] = d.Enqueue(AlertEvent{Text: string(rune('a' + i))})
	}

	if depth := d.QueueDepth(); depth != 3 {
		t.Fatalf("QueueDepth = %d, want bound 3", depth)
	}

	// Oldest two were dropped; exactly the last bound events survive.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)
	ch, unsub := d.Subscribe()
	defer unsub()

	for i := 2; i < 5; i++ {
		select {
		case ev := <-ch:
			if ev.ID != ids[i] {
				t.Errorf("delivered %s, want %s", ev.ID, ids[i])
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("event %d never delivered", i)
		}
	}
}

func TestLateSubscriberGetsPending(t *testing.T) {
	d := NewDispatcher(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	id := d.Enqueue(AlertEvent{Text: "queued before anyone listened"})
	time.Sleep(50 * time.Millisecond)

	ch, unsub := d.Subscribe()
	defer unsub()

	select {
	case ev := <-ch:
		if ev.ID != id {
			t.Errorf("delivered %s, want %s", ev.ID, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending event not delivered to late subscriber")
	}
}

func TestPlaybackSerialized(t *testing.T) {
	d := NewDispatcher(8)
	var slept []time.Duration
	sleepDone := make(chan struct{}, 8)
	d.sleep = func(ctx context.Context, dur time.Duration) {
		slept = append(slept, dur)
		sleepDone <- struct{}{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	ch, unsub := d.Subscribe()
	defer unsub()

	audio := &AssetRef{ID: "a", Kind: "audio", FilePath: "/a.mp3"}
	d.Enqueue(AlertEvent{Text: "first", Audio: audio, PlayDuration: 5 * time.Second})
	d.Enqueue(AlertEvent{Text: "second", Audio: audio, PlayDuration: 3 * time.Second})

	for i := 0; i < 2; i++ {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("event %d never delivered", i)
		}
		select {
		case <-sleepDone:
		case <-time.After(2 * time.Second):
			t.Fatalf("playback window %d never started", i)
		}
	}
	if len(slept) != 2 || slept[0] != 5*time.Second || slept[1] != 3*time.Second {
		t.Errorf("playback windows = %v", slept)
	}
}

func TestTextOnlyAlertSkipsPlaybackWindow(t *testing.T) {
	d := NewDispatcher(8)
	sleptCh := make(chan time.Duration, 1)
	d.sleep = func(ctx context.Context, dur time.Duration) { sleptCh <- dur }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	ch, unsub := d.Subscribe()
	defer unsub()

	d.Enqueue(AlertEvent{Text: "text only", PlayDuration: 5 * time.Second})
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("event never delivered")
	}
	select {
	case dur := <-sleptCh:
		t.Errorf("text-only alert should not hold playback, slept %v", dur)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	d := NewDispatcher(64)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	slow, unsubSlow := d.Subscribe()
	defer unsubSlow()
	_ = slow // never read; its buffer fills

	fast, unsubFast := d.Subscribe()
	defer unsubFast()

	for i := 0; i < 10; i++ {
		d.Enqueue(AlertEvent{Text: "x"})
	}

	received := 0
	timeout := time.After(3 * time.Second)
	for received < 10 {
		select {
		case <-fast:
			received++
		case <-timeout:
			t.Fatalf("fast subscriber got %d/10 events behind a stalled peer", received)
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	d := NewDispatcher(8)
	_, unsub := d.Subscribe()
	if n := d.SubscriberCount(); n != 1 {
		t.Fatalf("SubscriberCount = %d", n)
	}
	unsub()
	unsub() // idempotent
	if n := d.SubscriberCount(); n != 0 {
		t.Fatalf("SubscriberCount after unsub = %d", n)
	}
}
