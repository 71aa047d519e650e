package bot

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/chatbuddy/db"
	"github.com/onnwee/chatbuddy/dispatch"
	"github.com/onnwee/chatbuddy/resolve"
	"github.com/onnwee/chatbuddy/trigger"
)

type fakeStore struct {
	triggers []db.Trigger
	alerts   []db.AlertDefinition
	assets   []db.Asset
}

func (f *fakeStore) ListTriggers(ctx context.Context) ([]db.Trigger, error) { return f.triggers, nil }
func (f *fakeStore) ListAlerts(ctx context.Context) ([]db.AlertDefinition, error) {
	return f.alerts, nil
}
func (f *fakeStore) ListAssets(ctx context.Context) ([]db.Asset, error) { return f.assets, nil }

type fakeResponder struct {
	mu   sync.Mutex
	said []string
}

func (f *fakeResponder) Say(channel, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.said = append(f.said, message)
}

func (f *fakeResponder) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.said...)
}

type slowHelix struct {
	delay time.Duration
	game  string
}

func (s *slowHelix) GetUserID(ctx context.Context, login string) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(s.delay):
	}
	return "uid", nil
}

func (s *slowHelix) GetChannelGame(ctx context.Context, id string) (string, error) {
	return s.game, nil
}

func (s *slowHelix) GetLatestClipURL(ctx context.Context, id string) (string, error) {
	return "", nil
}

func newTestPipeline(t *testing.T, store *fakeStore, helix resolve.HelixAPI) (*Pipeline, *fakeResponder) {
	t.Helper()
	reg := trigger.NewRegistry(store)
	if err := reg.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if helix == nil {
		helix = &slowHelix{}
	}
	resp := &fakeResponder{}
	p := &Pipeline{
		Engine:      trigger.NewEngine(reg),
		Registry:    reg,
		Resolver:    resolve.NewResolver(helix, time.Minute),
		Dispatcher:  dispatch.NewDispatcher(8),
		Responder:   resp,
		Timeout:     time.Second,
		DefaultPlay: 5 * time.Second,
	}
	return p, resp
}

func TestPipelineTextReply(t *testing.T) {
	p, resp := newTestPipeline(t, &fakeStore{
		triggers: []db.Trigger{
			{ID: "lurk", Pattern: `^!lurk$`, Kind: "text", Template: "${user} is now lurking", Enabled: true},
		},
	}, nil)

	p.HandleMessage(context.Background(), trigger.ChatEvent{User: "mod1", Channel: "c", Message: "!lurk"})

	msgs := resp.messages()
	if len(msgs) != 1 || msgs[0] != "mod1 is now lurking" {
		t.Fatalf("said = %v, want [\"mod1 is now lurking\"]", msgs)
	}
}

func TestPipelineNoMatchNoOutput(t *testing.T) {
	p, resp := newTestPipeline(t, &fakeStore{
		triggers: []db.Trigger{{ID: "t", Pattern: `^!so\b`, Kind: "text", Template: "x", Enabled: true}},
	}, nil)

	p.HandleMessage(context.Background(), trigger.ChatEvent{User: "u", Message: "hello"})
	if msgs := resp.messages(); len(msgs) != 0 {
		t.Errorf("said = %v, want none", msgs)
	}
	if depth := p.Dispatcher.QueueDepth(); depth != 0 {
		t.Errorf("queue depth = %d", depth)
	}
}

func TestPipelineAlertEnqueued(t *testing.T) {
	audioID := "asset-1"
	p, _ := newTestPipeline(t, &fakeStore{
		triggers: []db.Trigger{
			{ID: "raid", Pattern: `^!raidalert$`, Kind: "alert", Template: "raid", Enabled: true},
		},
		alerts: []db.AlertDefinition{
			{ID: "a1", Name: "raid", AudioAssetID: &audioID, PlayDurationSeconds: 8, TextTemplate: "${user} raided!"},
		},
		assets: []db.Asset{{ID: audioID, ShortName: "horn", Kind: "audio", FilePath: "/horn.mp3"}},
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Dispatcher.Run(ctx)
	ch, unsub := p.Dispatcher.Subscribe()
	defer unsub()

	p.HandleMessage(context.Background(), trigger.ChatEvent{User: "ally", Channel: "c", Message: "!raidalert"})

	select {
	case ev := <-ch:
		if ev.Text != "ally raided!" {
			t.Errorf("alert text = %q", ev.Text)
		}
		if ev.Audio == nil || ev.Audio.FilePath != "/horn.mp3" {
			t.Errorf("alert audio = %+v", ev.Audio)
		}
		if ev.PlayDuration != 8*time.Second {
			t.Errorf("play duration = %v", ev.PlayDuration)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("alert never delivered")
	}
}

func TestPipelineAlertDefaultPlayDuration(t *testing.T) {
	audioID := "asset-1"
	p, _ := newTestPipeline(t, &fakeStore{
		triggers: []db.Trigger{{ID: "t", Pattern: `^!x$`, Kind: "alert", Template: "x", Enabled: true}},
		alerts:   []db.AlertDefinition{{ID: "a", Name: "x", AudioAssetID: &audioID, TextTemplate: "x"}},
		assets:   []db.Asset{{ID: audioID, Kind: "audio", FilePath: "/x.mp3"}},
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Dispatcher.Run(ctx)
	ch, unsub := p.Dispatcher.Subscribe()
	defer unsub()

	p.HandleMessage(context.Background(), trigger.ChatEvent{User: "u", Message: "!x"})

	select {
	case ev := <-ch:
		if ev.PlayDuration != p.DefaultPlay {
			t.Errorf("play duration = %v, want default %v", ev.PlayDuration, p.DefaultPlay)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("alert never delivered")
	}
}

func TestPipelineUnknownAlertDefinition(t *testing.T) {
	p, resp := newTestPipeline(t, &fakeStore{
		triggers: []db.Trigger{{ID: "t", Pattern: `^!x$`, Kind: "alert", Template: "nonexistent", Enabled: true}},
	}, nil)

	p.HandleMessage(context.Background(), trigger.ChatEvent{User: "u", Message: "!x"})
	if depth := p.Dispatcher.QueueDepth(); depth != 0 {
		t.Errorf("queue depth = %d, want 0 for unknown alert", depth)
	}
	if msgs := resp.messages(); len(msgs) != 0 {
		t.Errorf("said = %v", msgs)
	}
}

func TestPipelineTimeoutDropsEvent(t *testing.T) {
	p, resp := newTestPipeline(t, &fakeStore{
		triggers: []db.Trigger{
			{ID: "t", Pattern: `^!game$`, Kind: "text", Template: "playing ${game}", Enabled: true},
		},
	}, &slowHelix{delay: 5 * time.Second, game: "Tetris"})
	p.Timeout = 100 * time.Millisecond

	start := time.Now()
	p.HandleMessage(context.Background(), trigger.ChatEvent{User: "u", Channel: "c", Message: "!game"})
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("HandleMessage blocked %v past its budget", elapsed)
	}

	// Budget exceeded: no partial output of any kind.
	if msgs := resp.messages(); len(msgs) != 0 {
		t.Errorf("said = %v, want none after timeout", msgs)
	}
	if depth := p.Dispatcher.QueueDepth(); depth != 0 {
		t.Errorf("queue depth = %d, want 0 after timeout", depth)
	}
}

func TestPipelineConcurrentEvents(t *testing.T) {
	p, resp := newTestPipeline(t, &fakeStore{
		triggers: []db.Trigger{
			{ID: "t", Pattern: `^!hi$`, Kind: "text", Template: "hi ${user}", Enabled: true},
		},
	}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.HandleMessage(context.Background(), trigger.ChatEvent{User: "u", Channel: "c", Message: "!hi"})
		}()
	}
	wg.Wait()

	if msgs := resp.messages(); len(msgs) != 20 {
		t.Errorf("said %d messages, want 20", len(msgs))
	}
}
