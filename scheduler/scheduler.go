// Package scheduler runs recurring chat announcements from stored cron specs.
package scheduler

import (
	"context"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/onnwee/chatbuddy/db"
)

// Announcer sends a scheduled message to chat.
type Announcer interface {
	Say(channel, message string)
}

// Store lists the schedule rows to run.
type Store interface {
	List(ctx context.Context) ([]db.Schedule, error)
}

// Scheduler owns a cron runner and keeps its entries in sync with the store.
type Scheduler struct {
	store   Store
	say     Announcer
	channel string

	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID // schedule id -> cron entry
	specs   map[string]string       // schedule id -> last seen spec+message
}

// New creates a scheduler announcing into the given channel.
func New(store Store, say Announcer, channel string) *Scheduler {
	return &Scheduler{
		store:   store,
		say:     say,
		channel: channel,
		cron:    cron.New(),
		entries: make(map[string]cron.EntryID),
		specs:   make(map[string]string),
	}
}

// Sync reconciles cron entries with the store: new schedules are added,
// changed ones replaced, removed or disabled ones dropped. Invalid cron
// specs are skipped with a warning and do not affect other schedules.
func (s *Scheduler) Sync(ctx context.Context) error {
	rows, err := s.store.List(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(rows))
	for _, row := range rows {
		if !row.Enabled {
			continue
		}
		seen[row.ID] = true
		key := row.CronSpec + "\x00" + row.Message
		if s.specs[row.ID] == key {
			continue
		}
		if old, ok := s.entries[row.ID]; ok {
			s.cron.Remove(old)
			delete(s.entries, row.ID)
			delete(s.specs, row.ID)
		}
		msg := row.Message
		id, err := s.cron.AddFunc(row.CronSpec, func() {
			s.say.Say(s.channel, msg)
		})
		if err != nil {
			slog.Warn("skipping schedule with invalid cron spec",
				slog.String("schedule_id", row.ID),
				slog.String("spec", row.CronSpec),
				slog.Any("error", err),
				slog.String("component", "scheduler"))
			continue
		}
		s.entries[row.ID] = id
		s.specs[row.ID] = key
	}

	for id, entry := range s.entries {
		if !seen[id] {
			s.cron.Remove(entry)
			delete(s.entries, id)
			delete(s.specs, id)
		}
	}
	return nil
}

// EntryCount returns the number of active cron entries.
func (s *Scheduler) EntryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Run starts the cron runner, syncs once, and stops on ctx cancellation.
// Call Sync again after admin edits to pick up changes.
func (s *Scheduler) Run(ctx context.Context) {
	if err := s.Sync(ctx); err != nil {
		slog.Error("initial schedule sync failed", slog.Any("error", err), slog.String("component", "scheduler"))
	}
	s.cron.Start()
	<-ctx.Done()
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
}
