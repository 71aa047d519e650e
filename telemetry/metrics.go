// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	ChatMessagesSeen   prometheus.Counter
	TriggersFired      prometheus.Counter
	TriggersSuppressed prometheus.Counter // matched but on cooldown
	AlertsEnqueued     prometheus.Counter
	AlertsDelivered    prometheus.Counter
	AlertsOverflowed   prometheus.Counter // oldest event dropped, queue full
	EventsTimedOut     prometheus.Counter // pipeline budget exceeded, event dropped
	TokenRefreshes     prometheus.Counter
	TokenFailures      prometheus.Counter
	HelixLookups       prometheus.Counter
	HelixLookupErrors  prometheus.Counter
	ResolveWarnings    prometheus.Counter // unresolvable tokens left literal
	ReloadErrors       prometheus.Counter
	InvalidPatterns    prometheus.Counter // triggers dropped from a snapshot at compile

	// Histograms (seconds)
	PipelineDuration prometheus.Observer
	ResolveDuration  prometheus.Observer

	// Gauges
	QueueDepthGauge     prometheus.Gauge
	ActiveTriggersGauge prometheus.Gauge
	OverlayClientsGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		ChatMessagesSeen = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_messages_seen_total", Help: "Chat messages received from the chat source"})
		TriggersFired = promauto.NewCounter(prometheus.CounterOpts{Name: "triggers_fired_total", Help: "Chat messages that matched an active trigger"})
		TriggersSuppressed = promauto.NewCounter(prometheus.CounterOpts{Name: "triggers_suppressed_total", Help: "Trigger matches suppressed by cooldown"})
		AlertsEnqueued = promauto.NewCounter(prometheus.CounterOpts{Name: "alerts_enqueued_total", Help: "Alert events enqueued for overlay delivery"})
		AlertsDelivered = promauto.NewCounter(prometheus.CounterOpts{Name: "alerts_delivered_total", Help: "Alert events delivered to at least one subscriber"})
		AlertsOverflowed = promauto.NewCounter(prometheus.CounterOpts{Name: "alerts_overflowed_total", Help: "Alert events dropped because the queue was full"})
		EventsTimedOut = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_events_timed_out_total", Help: "Chat events abandoned after exceeding the processing budget"})
		TokenRefreshes = promauto.NewCounter(prometheus.CounterOpts{Name: "twitch_token_refreshes_total", Help: "Successful app token acquisitions"})
		TokenFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "twitch_token_failures_total", Help: "Failed app token acquisitions (after retries)"})
		HelixLookups = promauto.NewCounter(prometheus.CounterOpts{Name: "helix_lookups_total", Help: "Helix API lookups issued"})
		HelixLookupErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "helix_lookup_errors_total", Help: "Helix API lookups that failed"})
		ResolveWarnings = promauto.NewCounter(prometheus.CounterOpts{Name: "resolve_warnings_total", Help: "Template tokens left unresolved in place"})
		ReloadErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "trigger_reload_errors_total", Help: "Trigger registry reloads that failed"})
		InvalidPatterns = promauto.NewCounter(prometheus.CounterOpts{Name: "trigger_invalid_patterns_total", Help: "Triggers excluded from a snapshot due to regex compile failure"})
		PipelineDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "pipeline_duration_seconds", Help: "Match+resolve+dispatch duration per fired trigger", Buckets: prometheus.DefBuckets})
		ResolveDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "resolve_duration_seconds", Help: "Template resolution duration", Buckets: prometheus.DefBuckets})
		QueueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "alert_queue_depth", Help: "Current number of queued, undelivered alert events"})
		ActiveTriggersGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "active_triggers", Help: "Triggers in the current registry snapshot"})
		OverlayClientsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "overlay_clients", Help: "Connected overlay subscribers"})
	})
}

// SetQueueDepth records the current queued alert count.
func SetQueueDepth(n int) {
	if QueueDepthGauge != nil {
		QueueDepthGauge.Set(float64(n))
	}
}

// SetActiveTriggers records the size of the current snapshot.
func SetActiveTriggers(n int) {
	if ActiveTriggersGauge != nil {
		ActiveTriggersGauge.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns the correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
