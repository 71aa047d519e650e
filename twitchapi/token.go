package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/chatbuddy/telemetry"
)

const tokenURL = "https://id.twitch.tv/oauth2/token"

// expiryMargin is the safety window before actual expiry within which a
// cached token is treated as stale and never handed to a caller.
const expiryMargin = 60 * time.Second

// AuthError reports a failed app token acquisition. Credential errors
// (4xx from the token endpoint) are permanent; transport and 5xx errors
// are retried with backoff before one of these surfaces.
type AuthError struct {
	Status    int // HTTP status, 0 for transport errors
	Msg       string
	Permanent bool
}

func (e *AuthError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("twitch token request failed: %d: %s", e.Status, e.Msg)
	}
	return "twitch token request failed: " + e.Msg
}

// TokenSource fetches and caches a Twitch app access (client credentials) token.
// Get always returns a token at least expiryMargin away from expiry, refreshing
// transparently. Refresh is single-flight: concurrent callers that observe a
// refresh underway wait for its result instead of issuing duplicate exchanges.
// NOTE: this token CANNOT be used for IRC chat; chat requires a user (bot)
// OAuth token with chat:read/chat:edit scopes.
type TokenSource struct {
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
	MaxRetries   int // acquisition attempts per refresh; default 3

	mu         sync.RWMutex
	token      string
	expiresAt  time.Time
	acquiredAt time.Time
	lastErr    error
}

// Get returns a valid (fresh or cached) app access token.
func (ts *TokenSource) Get(ctx context.Context) (string, error) {
	ts.mu.RLock()
	if ts.token != "" && time.Until(ts.expiresAt) > expiryMargin {
		tok := ts.token
		ts.mu.RUnlock()
		return tok, nil
	}
	ts.mu.RUnlock()
	return ts.refresh(ctx)
}

// Healthy reports whether the last acquisition attempt succeeded. Used as a
// degraded-mode signal by /status; a false value never stops the pipeline.
func (ts *TokenSource) Healthy() (bool, error) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.lastErr == nil, ts.lastErr
}

// AcquiredAt returns when the cached token was obtained (zero if none).
func (ts *TokenSource) AcquiredAt() time.Time {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.acquiredAt
}

func (ts *TokenSource) refresh(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	// Another caller may have completed the refresh while we waited for the lock.
	if ts.token != "" && time.Until(ts.expiresAt) > expiryMargin {
		return ts.token, nil
	}
	if ts.ClientID == "" || ts.ClientSecret == "" {
		return "", &AuthError{Msg: "missing client id/secret for twitch app token", Permanent: true}
	}

	attempts := ts.MaxRetries
	if attempts <= 0 {
		attempts = 3
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * 500 * time.Millisecond
			select {
			case <-ctx.Done():
				ts.lastErr = ctx.Err()
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}
		tok, exp, err := ts.acquire(ctx)
		if err == nil {
			ts.token = tok
			ts.expiresAt = exp
			ts.acquiredAt = time.Now()
			ts.lastErr = nil
			if telemetry.TokenRefreshes != nil {
				telemetry.TokenRefreshes.Inc()
			}
			return ts.token, nil
		}
		lastErr = err
		var ae *AuthError
		if errors.As(err, &ae) && ae.Permanent {
			break
		}
		slog.Warn("twitch token acquisition failed; retrying", slog.Int("attempt", i+1), slog.Any("err", err))
	}
	// Failed attempts are never cached; the next Get starts a fresh refresh.
	ts.lastErr = lastErr
	if telemetry.TokenFailures != nil {
		telemetry.TokenFailures.Inc()
	}
	return "", lastErr
}

// acquire performs one client-credentials exchange.
func (ts *TokenSource) acquire(ctx context.Context) (string, time.Time, error) {
	form := url.Values{}
	form.Set("client_id", ts.ClientID)
	form.Set("client_secret", ts.ClientSecret)
	form.Set("grant_type", "client_credentials")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", time.Time{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	hc := ts.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return "", time.Time{}, &AuthError{Msg: err.Error()}
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return "", time.Time{}, &AuthError{
			Status:    resp.StatusCode,
			Msg:       string(b),
			Permanent: resp.StatusCode >= 400 && resp.StatusCode < 500,
		}
	}
	var at struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		TokenType   string `json:"token_type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&at); err != nil {
		return "", time.Time{}, &AuthError{Msg: "decode token response: " + err.Error()}
	}
	if at.AccessToken == "" {
		return "", time.Time{}, &AuthError{Msg: "empty access_token in twitch response", Permanent: true}
	}
	return at.AccessToken, time.Now().Add(time.Duration(at.ExpiresIn) * time.Second), nil
}
