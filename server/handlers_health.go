package server

import (
	"context"
	"net/http"
	"time"
)

// HandleHealthz responds to liveness probes by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.DB.PingContext(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probes. The service is ready once the
// database answers and the trigger registry has loaded at least once.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error { return h.DB.PingContext(r.Context()) }},
		{"trigger_registry", func() error {
			if h.Registry.Status().LoadedAt == nil {
				return errNotLoaded
			}
			return nil
		}},
	}
	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type notLoadedError struct{}

func (notLoadedError) Error() string { return "trigger registry not loaded yet" }

var errNotLoaded = notLoadedError{}

// HandleStatus reports degraded-mode flags: app token health, last trigger
// reload, queue depth, and overlay connections. None of these conditions stop
// the process; this endpoint makes them visible.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	regStatus := h.Registry.Status()

	tokenHealthy := false
	tokenErr := ""
	var tokenAcquired *time.Time
	if h.Tokens != nil {
		var err error
		tokenHealthy, err = h.Tokens.Healthy()
		if err != nil {
			tokenErr = err.Error()
		}
		if at := h.Tokens.AcquiredAt(); !at.IsZero() {
			tokenAcquired = &at
		}
	}

	degraded := !tokenHealthy || regStatus.LastError != ""
	body := map[string]any{
		"degraded": degraded,
		"app_token": map[string]any{
			"healthy":     tokenHealthy,
			"error":       tokenErr,
			"acquired_at": tokenAcquired,
		},
		"triggers": regStatus,
		"alerts": map[string]any{
			"queue_depth": h.Dispatcher.QueueDepth(),
			"subscribers": h.Dispatcher.SubscriberCount(),
		},
	}
	if h.Streams != nil {
		body["stream"] = h.streamStatus(r.Context())
	}
	writeJSON(w, http.StatusOK, body)
}

// streamStatus polls Helix for the channel's live state. Lookup failures are
// reported in-line; they never fail the status response.
func (h *Handlers) streamStatus(ctx context.Context) map[string]any {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	info, err := h.Streams.GetStream(ctx, h.Cfg.TwitchChannel)
	if err != nil {
		return map[string]any{"live": false, "error": err.Error()}
	}
	if info == nil {
		return map[string]any{"live": false}
	}
	return map[string]any{
		"live":    true,
		"game":    info.GameName,
		"title":   info.Title,
		"viewers": info.Viewers,
	}
}
