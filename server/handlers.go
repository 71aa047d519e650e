package server

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/onnwee/chatbuddy/config"
	"github.com/onnwee/chatbuddy/dispatch"
	"github.com/onnwee/chatbuddy/resolve"
	"github.com/onnwee/chatbuddy/scheduler"
	"github.com/onnwee/chatbuddy/trigger"
	"github.com/onnwee/chatbuddy/twitchapi"
)

// maxOAuthStates caps the in-memory OAuth state store.
const maxOAuthStates = 10000

// StreamAPI reports live stream state for the status endpoint.
type StreamAPI interface {
	GetStream(ctx context.Context, login string) (*twitchapi.StreamInfo, error)
}

// Handlers holds dependencies for all HTTP handlers. Scheduler and Tokens may
// be nil when the corresponding subsystem is disabled.
type Handlers struct {
	DB         *sql.DB
	Cfg        *config.Config
	Registry   *trigger.Registry
	Engine     *trigger.Engine
	Resolver   *resolve.Resolver
	Dispatcher *dispatch.Dispatcher
	Scheduler  *scheduler.Scheduler
	Tokens     *twitchapi.TokenSource
	Streams    StreamAPI

	stateStore map[string]time.Time
	stateMu    sync.RWMutex
}

// NewHandlers creates a Handlers instance with the given dependencies.
func NewHandlers(dbx *sql.DB, cfg *config.Config, registry *trigger.Registry, engine *trigger.Engine,
	resolver *resolve.Resolver, dispatcher *dispatch.Dispatcher, sched *scheduler.Scheduler,
	tokens *twitchapi.TokenSource, streams StreamAPI) *Handlers {
	return &Handlers{
		DB:         dbx,
		Cfg:        cfg,
		Registry:   registry,
		Engine:     engine,
		Resolver:   resolver,
		Dispatcher: dispatcher,
		Scheduler:  sched,
		Tokens:     tokens,
		Streams:    streams,
		stateStore: make(map[string]time.Time),
	}
}

// cleanExpiredStates removes expired OAuth states. Caller holds stateMu.
func (h *Handlers) cleanExpiredStates() {
	now := time.Now()
	for state, expiry := range h.stateStore {
		if now.After(expiry) {
			delete(h.stateStore, state)
		}
	}
}

// addOAuthState records a pending OAuth state, bounding the store size.
func (h *Handlers) addOAuthState(state string, expiry time.Time) {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	if len(h.stateStore)%100 == 0 {
		h.cleanExpiredStates()
	}
	if len(h.stateStore) >= maxOAuthStates {
		return
	}
	h.stateStore[state] = expiry
}

// consumeOAuthState validates and removes a state, returning whether it was valid.
func (h *Handlers) consumeOAuthState(state string) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	expiry, ok := h.stateStore[state]
	if !ok {
		return false
	}
	delete(h.stateStore, state)
	return time.Now().Before(expiry)
}
