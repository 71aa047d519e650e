package trigger

import (
	"sync"
	"time"

	"github.com/onnwee/chatbuddy/telemetry"
)

// Match is a successful trigger hit: the trigger that fired plus its
// capture groups (Captures[0] is the whole match).
type Match struct {
	Trigger  CompiledTrigger
	Captures []string
}

// Engine matches chat events against the registry's current snapshot,
// applying per-trigger cooldowns. First match in priority order wins.
type Engine struct {
	registry *Registry

	mu        sync.Mutex
	lastFired map[string]time.Time

	// now is swappable for tests.
	now func() time.Time
}

// NewEngine creates a match engine over the given registry.
func NewEngine(registry *Registry) *Engine {
	return &Engine{
		registry:  registry,
		lastFired: make(map[string]time.Time),
		now:       time.Now,
	}
}

// Match evaluates the message against the active trigger set in priority
// order and returns the first hit, or nil when nothing matches. Triggers
// still inside their cooldown window are skipped and evaluation continues
// with lower-priority triggers.
func (e *Engine) Match(ev ChatEvent) *Match {
	snap := e.registry.Current()
	for _, ct := range snap.Triggers {
		caps := ct.Regexp.FindStringSubmatch(ev.Message)
		if caps == nil {
			continue
		}
		if ct.CooldownSeconds > 0 && e.inCooldown(ct.ID, time.Duration(ct.CooldownSeconds)*time.Second) {
			if telemetry.TriggersSuppressed != nil {
				telemetry.TriggersSuppressed.Inc()
			}
			continue
		}
		e.markFired(ct.ID)
		if telemetry.TriggersFired != nil {
			telemetry.TriggersFired.Inc()
		}
		return &Match{Trigger: ct, Captures: caps}
	}
	return nil
}

func (e *Engine) inCooldown(id string, cooldown time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	last, ok := e.lastFired[id]
	return ok && e.now().Sub(last) < cooldown
}

func (e *Engine) markFired(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastFired[id] = e.now()
}

// ResetCooldowns clears all cooldown state. Used after a rule change so edits
// take effect immediately.
func (e *Engine) ResetCooldowns() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastFired = make(map[string]time.Time)
}
