// Package dispatch queues resolved alert events and delivers them to
// subscribed overlay clients, serializing audio/visual playback.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/chatbuddy/telemetry"
)

// AssetRef points the overlay at a playable media file.
type AssetRef struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	FilePath string `json:"file_path"`
	Loopable bool   `json:"loopable"`
}

// AlertEvent is one resolved alert queued for overlay delivery.
type AlertEvent struct {
	ID           string        `json:"id"`
	TriggerID    string        `json:"trigger_id"`
	Text         string        `json:"text"`
	Audio        *AssetRef     `json:"audio,omitempty"`
	Visual       *AssetRef     `json:"visual,omitempty"`
	PlayDuration time.Duration `json:"play_duration"`
	EnqueuedAt   time.Time     `json:"enqueued_at"`
}

// Dispatcher holds a bounded FIFO of alert events. When the queue is full the
// oldest undelivered event is dropped. Events carrying media play back one at
// a time: delivery of the next event waits out the previous event's play
// duration so overlay audio never overlaps.
type Dispatcher struct {
	bound int

	mu      sync.Mutex
	queue   []AlertEvent
	subs    map[int]chan AlertEvent
	nextSub int

	wake chan struct{}

	// sleep is swappable for tests.
	sleep func(ctx context.Context, d time.Duration)
}

// NewDispatcher creates a dispatcher with the given queue bound (minimum 1).
func NewDispatcher(bound int) *Dispatcher {
	if bound < 1 {
		bound = 1
	}
	return &Dispatcher{
		bound: bound,
		subs:  make(map[int]chan AlertEvent),
		wake:  make(chan struct{}, 1),
		sleep: func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
			case <-t.C:
			}
		},
	}
}

// Enqueue adds an event to the queue and returns its id. When the queue is
// full the oldest undelivered event is dropped with a warning; Enqueue itself
// never blocks and never fails.
func (d *Dispatcher) Enqueue(ev AlertEvent) string {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev.EnqueuedAt = time.Now()

	d.mu.Lock()
	if len(d.queue) >= d.bound {
		dropped := d.queue[0]
		d.queue = d.queue[1:]
		if telemetry.AlertsOverflowed != nil {
			telemetry.AlertsOverflowed.Inc()
		}
		slog.Warn("alert queue full, dropping oldest event",
			slog.String("dropped_id", dropped.ID),
			slog.String("dropped_trigger", dropped.TriggerID),
			slog.Int("bound", d.bound),
			slog.String("component", "dispatcher"))
	}
	d.queue = append(d.queue, ev)
	depth := len(d.queue)
	d.mu.Unlock()

	if telemetry.AlertsEnqueued != nil {
		telemetry.AlertsEnqueued.Inc()
	}
	telemetry.SetQueueDepth(depth)

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return ev.ID
}

// Subscribe registers an overlay client. Events are delivered on the returned
// channel until cancel is called. A slow subscriber that fills its buffer
// misses events rather than blocking delivery to others.
func (d *Dispatcher) Subscribe() (<-chan AlertEvent, func()) {
	ch := make(chan AlertEvent, 16)
	d.mu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = ch
	n := len(d.subs)
	d.mu.Unlock()

	if telemetry.OverlayClientsGauge != nil {
		telemetry.OverlayClientsGauge.Set(float64(n))
	}

	// A waiting delivery loop may now have an audience.
	select {
	case d.wake <- struct{}{}:
	default:
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subs, id)
			n := len(d.subs)
			d.mu.Unlock()
			if telemetry.OverlayClientsGauge != nil {
				telemetry.OverlayClientsGauge.Set(float64(n))
			}
		})
	}
	return ch, cancel
}

// QueueDepth returns the number of queued, undelivered events.
func (d *Dispatcher) QueueDepth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// SubscriberCount returns the number of connected overlay clients.
func (d *Dispatcher) SubscriberCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}

// Run delivers queued events until ctx is cancelled. Events stay queued while
// no subscriber is connected, so an overlay reconnecting after a burst still
// receives up to bound pending alerts.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.wake:
		}

		for {
			ev, ok := d.popDeliverable()
			if !ok {
				break
			}
			d.deliver(ctx, ev)
			if ctx.Err() != nil {
				return
			}
		}
	}
}

// popDeliverable removes the head of the queue when at least one subscriber
// is connected.
func (d *Dispatcher) popDeliverable() (AlertEvent, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 || len(d.subs) == 0 {
		return AlertEvent{}, false
	}
	ev := d.queue[0]
	d.queue = d.queue[1:]
	telemetry.SetQueueDepth(len(d.queue))
	return ev, true
}

func (d *Dispatcher) deliver(ctx context.Context, ev AlertEvent) {
	d.mu.Lock()
	targets := make([]chan AlertEvent, 0, len(d.subs))
	for _, ch := range d.subs {
		targets = append(targets, ch)
	}
	d.mu.Unlock()

	delivered := 0
	for _, ch := range targets {
		select {
		case ch <- ev:
			delivered++
		default:
			// Subscriber buffer full; skip rather than stall playback.
		}
	}
	if delivered > 0 && telemetry.AlertsDelivered != nil {
		telemetry.AlertsDelivered.Inc()
	}
	slog.Debug("alert delivered",
		slog.String("id", ev.ID),
		slog.Int("subscribers", delivered),
		slog.String("component", "dispatcher"))

	// Media alerts hold the line until playback finishes so overlay
	// audio and visuals never overlap.
	if ev.PlayDuration > 0 && (ev.Audio != nil || ev.Visual != nil) {
		d.sleep(ctx, ev.PlayDuration)
	}
}
