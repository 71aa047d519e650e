// Package twitchapi contains helpers to interact with Twitch OAuth and Helix
// APIs: app token acquisition, channel/category resolution, clip lookup, and
// live stream polling, using an app access token.
package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/onnwee/chatbuddy/telemetry"
)

const helixBase = "https://api.twitch.tv/helix"

// HelixClient provides the lookups the trigger pipeline needs. All calls are
// authenticated with the app token from AppTokenSource and throttled by
// Limiter when set.
type HelixClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	HTTPClient     *http.Client
	Limiter        *rate.Limiter
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) get(ctx context.Context, path string, params map[string]string, out any) error {
	if hc.Limiter != nil {
		if err := hc.Limiter.Wait(ctx); err != nil {
			return err
		}
	}
	tok, err := hc.AppTokenSource.Get(ctx)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, helixBase+path, nil)
	if err != nil {
		return err
	}
	q := req.URL.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	if telemetry.HelixLookups != nil {
		telemetry.HelixLookups.Inc()
	}
	resp, err := hc.http().Do(req)
	if err != nil {
		if telemetry.HelixLookupErrors != nil {
			telemetry.HelixLookupErrors.Inc()
		}
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		if telemetry.HelixLookupErrors != nil {
			telemetry.HelixLookupErrors.Inc()
		}
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("helix %s failed: %s: %s", path, resp.Status, string(b))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetUserID resolves a login name to its user ID.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := hc.get(ctx, "/users", map[string]string{"login": login}, &body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", fmt.Errorf("user not found")
	}
	return body.Data[0].ID, nil
}

// GetChannelGame returns the current category (game) name set on a channel.
// The category is the channel metadata value, present whether or not the
// channel is live.
func (hc *HelixClient) GetChannelGame(ctx context.Context, broadcasterID string) (string, error) {
	if broadcasterID == "" {
		return "", fmt.Errorf("broadcasterID empty")
	}
	var body struct {
		Data []struct {
			GameName string `json:"game_name"`
		} `json:"data"`
	}
	if err := hc.get(ctx, "/channels", map[string]string{"broadcaster_id": broadcasterID}, &body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", fmt.Errorf("channel not found")
	}
	return body.Data[0].GameName, nil
}

// GetLatestClipURL returns the URL of the most recently created clip for a channel.
func (hc *HelixClient) GetLatestClipURL(ctx context.Context, broadcasterID string) (string, error) {
	if broadcasterID == "" {
		return "", fmt.Errorf("broadcasterID empty")
	}
	var body struct {
		Data []struct {
			URL string `json:"url"`
		} `json:"data"`
	}
	if err := hc.get(ctx, "/clips", map[string]string{"broadcaster_id": broadcasterID, "first": "1"}, &body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", fmt.Errorf("no clips found")
	}
	return body.Data[0].URL, nil
}

// StreamInfo describes a live stream as reported by /streams.
type StreamInfo struct {
	GameName string `json:"game_name"`
	Title    string `json:"title"`
	Viewers  int    `json:"viewer_count"`
}

// GetStream reports the live stream for a channel login, or nil when offline.
func (hc *HelixClient) GetStream(ctx context.Context, login string) (*StreamInfo, error) {
	if login == "" {
		return nil, fmt.Errorf("login empty")
	}
	var body struct {
		Data []StreamInfo `json:"data"`
	}
	if err := hc.get(ctx, "/streams", map[string]string{"user_login": login}, &body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, nil
	}
	return &body.Data[0], nil
}
