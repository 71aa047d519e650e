// Package bot connects to Twitch chat and runs the per-message pipeline:
// match the message against active triggers, resolve the response template,
// then reply in chat or enqueue an overlay alert.
package bot

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/chatbuddy/dispatch"
	"github.com/onnwee/chatbuddy/resolve"
	"github.com/onnwee/chatbuddy/telemetry"
	"github.com/onnwee/chatbuddy/trigger"
)

// Responder sends a message to a chat channel.
type Responder interface {
	Say(channel, message string)
}

// Pipeline wires the match engine, resolver, and dispatcher together and
// applies the per-event processing budget.
type Pipeline struct {
	Engine     *trigger.Engine
	Registry   *trigger.Registry
	Resolver   *resolve.Resolver
	Dispatcher *dispatch.Dispatcher
	Responder  Responder

	// Timeout bounds match+resolve+dispatch per chat event. An event that
	// exceeds it is dropped with no partial alert.
	Timeout time.Duration

	// DefaultPlay is the playback window for media alerts whose definition
	// has no explicit duration.
	DefaultPlay time.Duration
}

// HandleMessage runs one chat event through the pipeline. Each event gets its
// own timeout so one slow Helix lookup never stalls the rest of chat. Safe to
// call concurrently.
func (p *Pipeline) HandleMessage(ctx context.Context, ev trigger.ChatEvent) {
	if telemetry.ChatMessagesSeen != nil {
		telemetry.ChatMessagesSeen.Inc()
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ctx = telemetry.WithCorrelation(ctx, ev.ID)

	m := p.Engine.Match(ev)
	if m == nil {
		return
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if telemetry.PipelineDuration != nil {
			telemetry.PipelineDuration.Observe(time.Since(start).Seconds())
		}
	}()

	log := telemetry.LoggerWithCorr(ctx).With(
		slog.String("trigger_id", m.Trigger.ID),
		slog.String("user", ev.User),
		slog.String("component", "pipeline"))

	switch m.Trigger.Kind {
	case "alert":
		p.fireAlert(ctx, ev, m, log)
	default:
		p.fireText(ctx, ev, m, log)
	}
}

func (p *Pipeline) fireText(ctx context.Context, ev trigger.ChatEvent, m *trigger.Match, log *slog.Logger) {
	text, _ := p.Resolver.Resolve(ctx, m.Trigger.Template, ev, m.Captures)
	if dropTimedOut(ctx, log) {
		return
	}
	if text == "" {
		return
	}
	p.Responder.Say(ev.Channel, text)
	log.Info("chat reply sent", slog.Int("len", len(text)))
}

func (p *Pipeline) fireAlert(ctx context.Context, ev trigger.ChatEvent, m *trigger.Match, log *slog.Logger) {
	snap := p.Registry.Current()
	def, ok := snap.Alerts[m.Trigger.Template]
	if !ok {
		log.Warn("trigger references unknown alert definition",
			slog.String("alert_name", m.Trigger.Template))
		return
	}

	text, _ := p.Resolver.Resolve(ctx, def.TextTemplate, ev, m.Captures)
	if dropTimedOut(ctx, log) {
		return
	}

	alert := dispatch.AlertEvent{
		TriggerID:    m.Trigger.ID,
		Text:         text,
		PlayDuration: time.Duration(def.PlayDurationSeconds) * time.Second,
	}
	if def.AudioAssetID != nil {
		if a, ok := snap.Assets[*def.AudioAssetID]; ok {
			alert.Audio = &dispatch.AssetRef{ID: a.ID, Kind: a.Kind, FilePath: a.FilePath, Loopable: a.Loopable}
		}
	}
	if def.VisualAssetID != nil {
		if a, ok := snap.Assets[*def.VisualAssetID]; ok {
			alert.Visual = &dispatch.AssetRef{ID: a.ID, Kind: a.Kind, FilePath: a.FilePath, Loopable: a.Loopable}
		}
	}
	if alert.PlayDuration <= 0 && (alert.Audio != nil || alert.Visual != nil) {
		alert.PlayDuration = p.DefaultPlay
	}

	id := p.Dispatcher.Enqueue(alert)
	log.Info("alert enqueued",
		slog.String("alert_id", id),
		slog.String("alert_name", def.Name))
}

// dropTimedOut reports whether the event's budget expired. A timed-out event
// emits nothing.
func dropTimedOut(ctx context.Context, log *slog.Logger) bool {
	if ctx.Err() == nil {
		return false
	}
	if telemetry.EventsTimedOut != nil {
		telemetry.EventsTimedOut.Inc()
	}
	log.Warn("chat event dropped, processing budget exceeded", slog.Any("error", ctx.Err()))
	return true
}
