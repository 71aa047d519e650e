// Package oauth keeps the bot user token fresh. A background loop watches the
// stored token row and refreshes it before expiry using the provider's refresh
// grant, with jittered scheduling so multiple instances do not stampede.
package oauth

import (
	"context"
	"database/sql"
	"log/slog"
	"math/rand"
	"time"

	"github.com/onnwee/chatbuddy/db"
)

// RefreshFunc performs the provider-specific refresh grant and returns the new
// access token, refresh token, expiry, and scope.
type RefreshFunc func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error)

// StartRefresher launches a goroutine that periodically checks the stored
// token for the given provider and refreshes it when its remaining lifetime
// falls inside window. Failures are logged and retried on the next tick.
func StartRefresher(ctx context.Context, dbx *sql.DB, provider string, interval, window time.Duration, fn RefreshFunc) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	//nolint:gosec // G404: scheduling jitter only
	initialJitter := time.Duration(rand.Int63n(int64(interval / 2)))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			// Per-iteration jitter spreads wakeups across instances.
			jitterRange := int64(interval / 5)
			//nolint:gosec // G404: scheduling jitter only
			jitter := time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			nextSleep := interval + jitter
			if nextSleep < interval/2 {
				nextSleep = interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}

			_, refresh, expiry, scope, err := db.GetOAuthToken(ctx, dbx, provider)
			if err != nil || refresh == "" {
				continue
			}
			if time.Until(expiry) > window {
				continue
			}

			ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
			newAccess, newRefresh, newExpiry, newScope, err := fn(ctx2, refresh)
			cancel()
			if err != nil {
				slog.Warn("token refresh failed",
					slog.String("provider", provider),
					slog.Any("error", err),
					slog.String("component", "oauth_refresher"))
				continue
			}
			if newRefresh == "" {
				newRefresh = refresh
			}
			if newScope == "" {
				newScope = scope
			}
			if err := db.UpsertOAuthToken(ctx, dbx, provider, newAccess, newRefresh, newExpiry, newScope); err != nil {
				slog.Warn("token persist failed",
					slog.String("provider", provider),
					slog.Any("error", err),
					slog.String("component", "oauth_refresher"))
				continue
			}
			slog.Info("token refreshed",
				slog.String("provider", provider),
				slog.Time("expires_at", newExpiry),
				slog.String("component", "oauth_refresher"))
		}
	}()
}
