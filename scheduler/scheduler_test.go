package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/onnwee/chatbuddy/db"
)

type fakeStore struct {
	rows []db.Schedule
	err  error
}

func (f *fakeStore) List(ctx context.Context) ([]db.Schedule, error) { return f.rows, f.err }

type fakeSay struct {
	mu   sync.Mutex
	said []string
}

func (f *fakeSay) Say(channel, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.said = append(f.said, message)
}

func TestSyncAddsEntries(t *testing.T) {
	store := &fakeStore{rows: []db.Schedule{
		{ID: "s1", Message: "hydrate!", CronSpec: "@every 30m", Enabled: true},
		{ID: "s2", Message: "follow pls", CronSpec: "@hourly", Enabled: true},
		{ID: "s3", Message: "off", CronSpec: "@hourly", Enabled: false},
	}}
	s := New(store, &fakeSay{}, "chan")
	if err := s.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if n := s.EntryCount(); n != 2 {
		t.Errorf("EntryCount = %d, want 2 (disabled excluded)", n)
	}
}

func TestSyncInvalidSpecIsolated(t *testing.T) {
	store := &fakeStore{rows: []db.Schedule{
		{ID: "bad", Message: "x", CronSpec: "not a cron spec", Enabled: true},
		{ID: "good", Message: "y", CronSpec: "@daily", Enabled: true},
	}}
	s := New(store, &fakeSay{}, "chan")
	if err := s.Sync(context.Background()); err != nil {
		t.Fatalf("Sync should not fail on one bad spec: %v", err)
	}
	if n := s.EntryCount(); n != 1 {
		t.Errorf("EntryCount = %d, want 1", n)
	}
}

func TestSyncRemovesDeleted(t *testing.T) {
	store := &fakeStore{rows: []db.Schedule{
		{ID: "s1", Message: "x", CronSpec: "@hourly", Enabled: true},
	}}
	s := New(store, &fakeSay{}, "chan")
	if err := s.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	store.rows = nil
	if err := s.Sync(context.Background()); err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	if n := s.EntryCount(); n != 0 {
		t.Errorf("EntryCount = %d, want 0 after removal", n)
	}
}

func TestSyncReplacesChangedSpec(t *testing.T) {
	store := &fakeStore{rows: []db.Schedule{
		{ID: "s1", Message: "x", CronSpec: "@hourly", Enabled: true},
	}}
	s := New(store, &fakeSay{}, "chan")
	_ = s.Sync(context.Background())

	store.rows[0].CronSpec = "@daily"
	if err := s.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if n := s.EntryCount(); n != 1 {
		t.Errorf("EntryCount = %d, want 1 (replaced, not duplicated)", n)
	}
}

func TestSyncStoreError(t *testing.T) {
	store := &fakeStore{err: errors.New("db down")}
	s := New(store, &fakeSay{}, "chan")
	if err := s.Sync(context.Background()); err == nil {
		t.Error("Sync with failing store should return error")
	}
}
