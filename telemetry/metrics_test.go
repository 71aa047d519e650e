package telemetry

import (
	"context"
	"testing"
	"time"
)

func TestInitIdempotent(t *testing.T) {
	Init()
	Init() // second call must not re-register and panic

	if ChatMessagesSeen == nil || PipelineDuration == nil || QueueDepthGauge == nil {
		t.Fatal("metrics not initialized")
	}
	ChatMessagesSeen.Inc()
	SetQueueDepth(3)
	SetActiveTriggers(7)
}

func TestTimeFunc(t *testing.T) {
	Init()
	d := TimeFunc(ResolveDuration, func() { time.Sleep(10 * time.Millisecond) })
	if d < 10*time.Millisecond {
		t.Errorf("TimeFunc = %v, want >= 10ms", d)
	}
	// nil observer is allowed
	if d := TimeFunc(nil, func() {}); d < 0 {
		t.Errorf("TimeFunc = %v", d)
	}
}

func TestCorrelation(t *testing.T) {
	ctx := context.Background()
	if got := GetCorrelation(ctx); got != "" {
		t.Errorf("GetCorrelation on empty ctx = %q", got)
	}
	ctx = WithCorrelation(ctx, "abc-123")
	if got := GetCorrelation(ctx); got != "abc-123" {
		t.Errorf("GetCorrelation = %q", got)
	}
	if logger := LoggerWithCorr(ctx); logger == nil {
		t.Fatal("LoggerWithCorr returned nil")
	}
}
