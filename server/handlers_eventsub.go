package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/onnwee/chatbuddy/dispatch"
	"github.com/onnwee/chatbuddy/telemetry"
	"github.com/onnwee/chatbuddy/trigger"
)

const (
	eventsubMsgIDHeader     = "Twitch-Eventsub-Message-Id"
	eventsubTimestampHeader = "Twitch-Eventsub-Message-Timestamp"
	eventsubSignatureHeader = "Twitch-Eventsub-Message-Signature"
	eventsubTypeHeader      = "Twitch-Eventsub-Message-Type"

	maxEventSubBody = 1 << 20
)

// verifyEventSubSignature checks the HMAC-SHA256 signature Twitch attaches to
// every webhook delivery: HMAC(secret, message_id + timestamp + raw_body).
func verifyEventSubSignature(r *http.Request, body []byte, secret string) bool {
	sig := r.Header.Get(eventsubSignatureHeader)
	if len(sig) < 8 || sig[:7] != "sha256=" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(r.Header.Get(eventsubMsgIDHeader)))
	mac.Write([]byte(r.Header.Get(eventsubTimestampHeader)))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(sig[7:]), []byte(expected))
}

type eventsubPayload struct {
	Challenge    string `json:"challenge"`
	Subscription struct {
		Type string `json:"type"`
	} `json:"subscription"`
	Event map[string]any `json:"event"`
}

// HandleEventSub receives Twitch EventSub webhook deliveries: answers
// verification challenges, and turns notifications into overlay alerts when an
// alert definition named after the subscription type exists.
func (h *Handlers) HandleEventSub(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	secret := os.Getenv("EVENTSUB_SECRET")
	if secret == "" {
		writeError(w, http.StatusNotFound, "eventsub not configured")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventSubBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read error")
		return
	}
	if !verifyEventSubSignature(r, body, secret) {
		slog.Warn("eventsub signature verification failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("component", "eventsub"))
		writeError(w, http.StatusForbidden, "bad signature")
		return
	}

	var payload eventsubPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "bad payload")
		return
	}

	switch r.Header.Get(eventsubTypeHeader) {
	case "webhook_callback_verification":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(payload.Challenge))
	case "notification":
		h.fireEventSubAlert(r, payload)
		w.WriteHeader(http.StatusNoContent)
	case "revocation":
		slog.Warn("eventsub subscription revoked",
			slog.String("type", payload.Subscription.Type),
			slog.String("component", "eventsub"))
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// fireEventSubAlert resolves and enqueues the alert definition matching the
// subscription type, if one exists. The triggering user's name comes from the
// event payload when present.
func (h *Handlers) fireEventSubAlert(r *http.Request, payload eventsubPayload) {
	snap := h.Registry.Current()
	def, ok := snap.Alerts[payload.Subscription.Type]
	if !ok {
		return
	}

	user := ""
	for _, key := range []string{"user_name", "from_broadcaster_user_name", "broadcaster_user_name"} {
		if v, ok := payload.Event[key].(string); ok && v != "" {
			user = v
			break
		}
	}
	ev := trigger.ChatEvent{
		Channel:    h.Cfg.TwitchChannel,
		User:       user,
		ReceivedAt: time.Now(),
	}
	text, _ := h.Resolver.Resolve(r.Context(), def.TextTemplate, ev, nil)

	alert := dispatch.AlertEvent{
		Text:         text,
		PlayDuration: time.Duration(def.PlayDurationSeconds) * time.Second,
	}
	if def.AudioAssetID != nil {
		if a, ok := snap.Assets[*def.AudioAssetID]; ok {
			alert.Audio = &dispatch.AssetRef{ID: a.ID, Kind: a.Kind, FilePath: a.FilePath, Loopable: a.Loopable}
		}
	}
	if def.VisualAssetID != nil {
		if a, ok := snap.Assets[*def.VisualAssetID]; ok {
			alert.Visual = &dispatch.AssetRef{ID: a.ID, Kind: a.Kind, FilePath: a.FilePath, Loopable: a.Loopable}
		}
	}
	if alert.PlayDuration <= 0 && (alert.Audio != nil || alert.Visual != nil) {
		alert.PlayDuration = h.Cfg.AlertDefaultPlay
	}

	id := h.Dispatcher.Enqueue(alert)
	telemetry.LoggerWithCorr(r.Context()).Info("eventsub alert enqueued",
		slog.String("alert_id", id),
		slog.String("subscription_type", payload.Subscription.Type),
		slog.String("component", "eventsub"))
}
