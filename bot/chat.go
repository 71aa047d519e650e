package bot

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/chatbuddy/config"
	"github.com/onnwee/chatbuddy/db"
	"github.com/onnwee/chatbuddy/trigger"
)

// Chat runs the IRC connection and feeds incoming messages to the pipeline.
type Chat struct {
	client   *twitch.Client
	channel  string
	pipeline *Pipeline
}

// chatToken prefers the env token and falls back to the stored twitch user
// token so a completed OAuth flow survives restarts without env changes.
func chatToken(ctx context.Context, cfg *config.Config, dbx *sql.DB) string {
	if cfg.TwitchOAuthToken != "" {
		return cfg.TwitchOAuthToken
	}
	if dbx == nil {
		return ""
	}
	access, _, expiry, _, err := db.GetOAuthToken(ctx, dbx, "twitch")
	if err != nil {
		slog.Warn("stored chat token unavailable", slog.Any("error", err), slog.String("component", "chat"))
		return ""
	}
	if access == "" || (!expiry.IsZero() && time.Now().After(expiry)) {
		return ""
	}
	return access
}

// NewChat builds the chat connection. Returns nil when credentials are
// missing so the rest of the service (admin API, overlay) still runs.
func NewChat(ctx context.Context, cfg *config.Config, dbx *sql.DB, pipeline *Pipeline) *Chat {
	if err := cfg.ValidateChatReady(); err != nil {
		slog.Info("chat disabled", slog.Any("reason", err), slog.String("component", "chat"))
		return nil
	}
	token := chatToken(ctx, cfg, dbx)
	if token == "" {
		slog.Info("chat disabled: no oauth token (set TWITCH_OAUTH_TOKEN or complete /auth/twitch/start)", slog.String("component", "chat"))
		return nil
	}
	if !strings.HasPrefix(token, "oauth:") {
		token = "oauth:" + token
	}

	client := twitch.NewClient(cfg.TwitchBotUsername, token)
	c := &Chat{client: client, channel: cfg.TwitchChannel, pipeline: pipeline}

	client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		ev := trigger.ChatEvent{
			ID:          msg.ID,
			Channel:     msg.Channel,
			User:        msg.User.DisplayName,
			UserID:      msg.User.ID,
			Message:     msg.Message,
			IsMod:       msg.User.Badges["moderator"] > 0,
			IsBroadcast: msg.User.Badges["broadcaster"] > 0,
			ReceivedAt:  time.Now().UTC(),
		}
		if ev.User == "" {
			ev.User = msg.User.Name
		}
		// Each event runs on its own goroutine so one slow resolution
		// never serializes the rest of chat.
		go pipeline.HandleMessage(ctx, ev)
	})

	return c
}

// Say sends a chat message to the given channel.
func (c *Chat) Say(channel, message string) {
	if channel == "" {
		channel = c.channel
	}
	c.client.Say(channel, message)
}

// Run connects and blocks until ctx is cancelled or the connection fails.
func (c *Chat) Run(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		c.client.Disconnect()
		close(done)
	}()

	c.client.Join(c.channel)
	slog.Info("connecting to twitch chat", slog.String("channel", c.channel), slog.String("component", "chat"))
	if err := c.client.Connect(); err != nil && ctx.Err() == nil {
		slog.Error("twitch chat connection ended", slog.Any("error", err), slog.String("component", "chat"))
	}
	<-done
}
