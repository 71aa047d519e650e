// Package trigger loads chat trigger rules from the database, compiles their
// patterns, and matches incoming chat events against the active set.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync/atomic"
	"time"

	"github.com/onnwee/chatbuddy/db"
	"github.com/onnwee/chatbuddy/telemetry"
)

// ChatEvent is one normalized chat message flowing through the pipeline.
type ChatEvent struct {
	ID          string
	Channel     string
	User        string
	UserID      string
	Message     string
	IsMod       bool
	IsBroadcast bool
	ReceivedAt  time.Time
}

// PatternError marks a trigger whose regex failed to compile. The trigger is
// excluded from the active set; the rest of the reload proceeds.
type PatternError struct {
	TriggerID string
	Pattern   string
	Err       error
}

func (e *PatternError) Error() string {
	return fmt.Sprintf("trigger %s: invalid pattern %q: %v", e.TriggerID, e.Pattern, e.Err)
}

func (e *PatternError) Unwrap() error { return e.Err }

// CompiledTrigger pairs a trigger row with its compiled regex.
type CompiledTrigger struct {
	db.Trigger
	Regexp *regexp.Regexp
}

// Snapshot is an immutable view of the active trigger set plus the alert and
// asset catalogs resolved at the same instant. Matching reads a snapshot once
// and never observes a partially applied reload.
type Snapshot struct {
	Triggers []CompiledTrigger
	Alerts   map[string]db.AlertDefinition // keyed by name
	Assets   map[string]db.Asset           // keyed by id
	LoadedAt time.Time
	Skipped  []PatternError
}

// Store is the persistence surface the registry reads from. Row order does
// not matter; Reload sorts triggers by priority itself.
type Store interface {
	ListTriggers(ctx context.Context) ([]db.Trigger, error)
	ListAlerts(ctx context.Context) ([]db.AlertDefinition, error)
	ListAssets(ctx context.Context) ([]db.Asset, error)
}

// DBStore adapts the concrete stores to the registry's Store interface.
type DBStore struct {
	Triggers *db.TriggerStore
	Alerts   *db.AlertStore
	Assets   *db.AssetStore
}

func (s *DBStore) ListTriggers(ctx context.Context) ([]db.Trigger, error) {
	return s.Triggers.List(ctx)
}

func (s *DBStore) ListAlerts(ctx context.Context) ([]db.AlertDefinition, error) {
	return s.Alerts.List(ctx)
}

func (s *DBStore) ListAssets(ctx context.Context) ([]db.Asset, error) {
	return s.Assets.List(ctx)
}

// Registry holds the current snapshot behind an atomic pointer so matching
// never blocks on a reload.
type Registry struct {
	store    Store
	snapshot atomic.Pointer[Snapshot]
	lastErr  atomic.Pointer[string]
}

// NewRegistry creates a registry with an empty snapshot. Call Reload before
// serving traffic, or let StartAutoReload do the first load.
func NewRegistry(store Store) *Registry {
	r := &Registry{store: store}
	r.snapshot.Store(&Snapshot{
		Alerts:   map[string]db.AlertDefinition{},
		Assets:   map[string]db.Asset{},
		LoadedAt: time.Time{},
	})
	return r
}

// Current returns the active snapshot. Never nil.
func (r *Registry) Current() *Snapshot {
	return r.snapshot.Load()
}

func (r *Registry) recordFailure(err error) {
	msg := err.Error()
	r.lastErr.Store(&msg)
	if telemetry.ReloadErrors != nil {
		telemetry.ReloadErrors.Inc()
	}
}

// Reload fetches rules from the store, compiles them, and atomically swaps the
// snapshot. Invalid patterns are skipped and counted, never fatal. A store
// failure leaves the previous snapshot in place.
func (r *Registry) Reload(ctx context.Context) error {
	rows, err := r.store.ListTriggers(ctx)
	if err != nil {
		r.recordFailure(err)
		return fmt.Errorf("load triggers: %w", err)
	}
	alerts, err := r.store.ListAlerts(ctx)
	if err != nil {
		r.recordFailure(err)
		return fmt.Errorf("load alerts: %w", err)
	}
	assets, err := r.store.ListAssets(ctx)
	if err != nil {
		r.recordFailure(err)
		return fmt.Errorf("load assets: %w", err)
	}

	snap := &Snapshot{
		Triggers: make([]CompiledTrigger, 0, len(rows)),
		Alerts:   make(map[string]db.AlertDefinition, len(alerts)),
		Assets:   make(map[string]db.Asset, len(assets)),
		LoadedAt: time.Now(),
	}
	for _, row := range rows {
		if !row.Enabled {
			continue
		}
		re, err := regexp.Compile(row.Pattern)
		if err != nil {
			pe := PatternError{TriggerID: row.ID, Pattern: row.Pattern, Err: err}
			snap.Skipped = append(snap.Skipped, pe)
			if telemetry.InvalidPatterns != nil {
				telemetry.InvalidPatterns.Inc()
			}
			slog.Warn("skipping trigger with invalid pattern",
				slog.String("trigger_id", row.ID),
				slog.String("pattern", row.Pattern),
				slog.Any("error", err),
				slog.String("component", "trigger_registry"))
			continue
		}
		snap.Triggers = append(snap.Triggers, CompiledTrigger{Trigger: row, Regexp: re})
	}
	// Matching walks the slice in order, so the priority contract is enforced
	// here rather than trusted to the store's row order.
	sort.SliceStable(snap.Triggers, func(i, j int) bool {
		a, b := snap.Triggers[i], snap.Triggers[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.ID < b.ID
	})
	for _, a := range alerts {
		snap.Alerts[a.Name] = a
	}
	for _, a := range assets {
		snap.Assets[a.ID] = a
	}

	r.snapshot.Store(snap)
	r.lastErr.Store(nil)
	telemetry.SetActiveTriggers(len(snap.Triggers))
	slog.Info("trigger set reloaded",
		slog.Int("active", len(snap.Triggers)),
		slog.Int("skipped", len(snap.Skipped)),
		slog.Int("alerts", len(snap.Alerts)),
		slog.String("component", "trigger_registry"))
	return nil
}

// StartAutoReload reloads on the given interval until ctx is cancelled. An
// immediate first reload runs before the ticker starts.
func (r *Registry) StartAutoReload(ctx context.Context, interval time.Duration) {
	if err := r.Reload(ctx); err != nil {
		slog.Error("initial trigger reload failed", slog.Any("error", err), slog.String("component", "trigger_registry"))
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.Reload(ctx); err != nil {
					slog.Error("trigger reload failed, keeping previous set", slog.Any("error", err), slog.String("component", "trigger_registry"))
				}
			}
		}
	}()
}

// Status summarizes registry health for the status endpoint.
type Status struct {
	ActiveTriggers int        `json:"active_triggers"`
	SkippedCount   int        `json:"skipped_count"`
	LoadedAt       *time.Time `json:"loaded_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
}

// Status reports the active set size, skipped patterns, and the last reload error.
func (r *Registry) Status() Status {
	snap := r.Current()
	st := Status{ActiveTriggers: len(snap.Triggers), SkippedCount: len(snap.Skipped)}
	if !snap.LoadedAt.IsZero() {
		t := snap.LoadedAt
		st.LoadedAt = &t
	}
	if msg := r.lastErr.Load(); msg != nil {
		st.LastError = *msg
	}
	return st
}
