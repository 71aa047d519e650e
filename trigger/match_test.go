package trigger

import (
	"context"
	"testing"
	"time"

	"github.com/onnwee/chatbuddy/db"
)

func newTestEngine(t *testing.T, triggers []db.Trigger) (*Engine, *Registry) {
	t.Helper()
	r := NewRegistry(&fakeStore{triggers: triggers})
	if err := r.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	return NewEngine(r), r
}

func TestEngineFirstMatchWins(t *testing.T) {
	e, _ := newTestEngine(t, []db.Trigger{
		{ID: "low", Pattern: `hello`, Enabled: true, Priority: 100, Template: "low"},
		{ID: "high", Pattern: `hello`, Enabled: true, Priority: 1, Template: "high"},
	})

	m := e.Match(ChatEvent{Message: "hello chat"})
	if m == nil {
		t.Fatal("expected a match")
	}
	if m.Trigger.ID != "high" {
		t.Errorf("matched %s, want high (lower priority value wins)", m.Trigger.ID)
	}
}

func TestEngineNoMatch(t *testing.T) {
	e, _ := newTestEngine(t, []db.Trigger{
		{ID: "t", Pattern: `^!so\b`, Enabled: true},
	})
	if m := e.Match(ChatEvent{Message: "just chatting"}); m != nil {
		t.Errorf("Match = %+v, want nil", m)
	}
}

func TestEngineCaptures(t *testing.T) {
	e, _ := newTestEngine(t, []db.Trigger{
		{ID: "so", Pattern: `(?i)^!so\s+@?(\w+)`, Enabled: true},
	})
	m := e.Match(ChatEvent{Message: "!so @coolstreamer"})
	if m == nil {
		t.Fatal("expected a match")
	}
	if len(m.Captures) != 2 || m.Captures[1] != "coolstreamer" {
		t.Errorf("Captures = %v", m.Captures)
	}
}

func TestEngineCooldownSkipsToNext(t *testing.T) {
	e, _ := newTestEngine(t, []db.Trigger{
		{ID: "limited", Pattern: `hype`, Enabled: true, Priority: 1, CooldownSeconds: 60},
		{ID: "fallback", Pattern: `hype`, Enabled: true, Priority: 2},
	})

	now := time.Now()
	e.now = func() time.Time { return now }

	m := e.Match(ChatEvent{Message: "hype train"})
	if m == nil || m.Trigger.ID != "limited" {
		t.Fatalf("first match = %+v, want limited", m)
	}

	// Inside the window the cooled trigger is skipped, not the whole event.
	now = now.Add(30 * time.Second)
	m = e.Match(ChatEvent{Message: "hype again"})
	if m == nil || m.Trigger.ID != "fallback" {
		t.Fatalf("second match = %+v, want fallback", m)
	}

	now = now.Add(31 * time.Second)
	m = e.Match(ChatEvent{Message: "hype once more"})
	if m == nil || m.Trigger.ID != "limited" {
		t.Fatalf("third match = %+v, want limited after cooldown expiry", m)
	}
}

func TestEngineResetCooldowns(t *testing.T) {
	e, _ := newTestEngine(t, []db.Trigger{
		{ID: "t", Pattern: `x`, Enabled: true, CooldownSeconds: 3600},
	})
	if m := e.Match(ChatEvent{Message: "x"}); m == nil {
		t.Fatal("first match expected")
	}
	if m := e.Match(ChatEvent{Message: "x"}); m != nil {
		t.Fatal("second match should be suppressed by cooldown")
	}
	e.ResetCooldowns()
	if m := e.Match(ChatEvent{Message: "x"}); m == nil {
		t.Error("match expected after ResetCooldowns")
	}
}

func TestEngineSnapshotSwapDuringMatching(t *testing.T) {
	store := &fakeStore{triggers: []db.Trigger{{ID: "old", Pattern: `msg`, Enabled: true}}}
	r := NewRegistry(store)
	if err := r.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	e := NewEngine(r)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			e.Match(ChatEvent{Message: "msg"})
		}
	}()
	for i := 0; i < 50; i++ {
		if err := r.Reload(context.Background()); err != nil {
			t.Errorf("Reload during matching: %v", err)
		}
	}
	<-done
}
