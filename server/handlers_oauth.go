package server

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/chatbuddy/db"
	"github.com/onnwee/chatbuddy/twitchapi"
)

// HandleTwitchOAuthStart begins the authorization-code flow for the bot user
// token by redirecting to Twitch.
func (h *Handlers) HandleTwitchOAuthStart(w http.ResponseWriter, r *http.Request) {
	if h.Cfg.TwitchClientID == "" || h.Cfg.TwitchRedirectURI == "" {
		writeError(w, http.StatusBadRequest, "oauth not configured (need TWITCH_CLIENT_ID + TWITCH_REDIRECT_URI)")
		return
	}
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		writeError(w, http.StatusInternalServerError, "state gen error")
		return
	}
	st := hex.EncodeToString(b)
	h.addOAuthState(st, time.Now().Add(10*time.Minute))

	cfg, err := twitchapi.OAuthConfig(h.Cfg.TwitchClientID, h.Cfg.TwitchClientSecret, h.Cfg.TwitchRedirectURI, h.Cfg.TwitchScopes)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	http.Redirect(w, r, cfg.AuthCodeURL(st), http.StatusFound)
}

// HandleTwitchOAuthCallback exchanges the authorization code and stores the
// bot user token.
func (h *Handlers) HandleTwitchOAuthCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	st := r.URL.Query().Get("state")
	if code == "" || st == "" {
		writeError(w, http.StatusBadRequest, "missing code/state")
		return
	}
	if !h.consumeOAuthState(st) {
		writeError(w, http.StatusBadRequest, "invalid state")
		return
	}

	cfg, err := twitchapi.OAuthConfig(h.Cfg.TwitchClientID, h.Cfg.TwitchClientSecret, h.Cfg.TwitchRedirectURI, h.Cfg.TwitchScopes)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	ctx := r.Context()
	tok, err := twitchapi.ExchangeAuthCode(ctx, cfg, code)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	scope := strings.Join(cfg.Scopes, " ")
	if err := db.UpsertOAuthToken(ctx, h.DB, "twitch", tok.AccessToken, tok.RefreshToken, tok.Expiry, scope); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"scopes":     cfg.Scopes,
		"expires_at": tok.Expiry,
	})
}
