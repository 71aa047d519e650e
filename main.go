// Command chatbuddy is the main entrypoint for the chat companion service.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Starts the trigger registry auto-reload, the alert dispatcher, the
//     scheduled announcements, the chat connection, and the OAuth refresher.
//   - Exposes the HTTP API: health, status, metrics, admin CRUD, the overlay
//     alert stream, EventSub, and the OAuth flow.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/time/rate"

	"github.com/onnwee/chatbuddy/bot"
	"github.com/onnwee/chatbuddy/config"
	"github.com/onnwee/chatbuddy/db"
	"github.com/onnwee/chatbuddy/dispatch"
	"github.com/onnwee/chatbuddy/oauth"
	"github.com/onnwee/chatbuddy/resolve"
	"github.com/onnwee/chatbuddy/scheduler"
	"github.com/onnwee/chatbuddy/server"
	"github.com/onnwee/chatbuddy/telemetry"
	"github.com/onnwee/chatbuddy/trigger"
	"github.com/onnwee/chatbuddy/twitchapi"
)

func main() {
	// Load .env if present (local dev convenience; production relies on real env).
	_ = godotenv.Load()

	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	var handler slog.Handler
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("chatbuddy", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("error", err))
		}
	}()

	// Versioned migrations first; embedded SQL as fallback for deployments
	// predating the schema_migrations table.
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, falling back to embedded SQL",
			slog.Any("error", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db", slog.Any("error", err))
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// App token source for Helix lookups. Nil when client creds are absent;
	// ${game}/${Clip_URL} then degrade to literal placeholders.
	var tokens *twitchapi.TokenSource
	var helix *twitchapi.HelixClient
	if cfg.TwitchClientID != "" && cfg.TwitchClientSecret != "" {
		tokens = &twitchapi.TokenSource{
			ClientID:     cfg.TwitchClientID,
			ClientSecret: cfg.TwitchClientSecret,
			MaxRetries:   3,
		}
		helix = &twitchapi.HelixClient{
			AppTokenSource: tokens,
			ClientID:       cfg.TwitchClientID,
			Limiter:        rate.NewLimiter(rate.Limit(10), 20),
		}
		warmCtx, cancel := context.WithTimeout(ctx, 8*time.Second)
		if tok, err := tokens.Get(warmCtx); err != nil {
			slog.Warn("twitch app token fetch failed", slog.Any("error", err))
		} else if len(tok) > 6 {
			slog.Info("twitch app token acquired", slog.String("tail", "***"+tok[len(tok)-6:]))
		}
		cancel()
	} else {
		slog.Warn("TWITCH_CLIENT_ID/SECRET not set; helix lookups disabled")
	}

	registry := trigger.NewRegistry(&trigger.DBStore{
		Triggers: &db.TriggerStore{DB: database},
		Alerts:   &db.AlertStore{DB: database},
		Assets:   &db.AssetStore{DB: database},
	})
	registry.StartAutoReload(ctx, cfg.TriggerReloadInterval)
	engine := trigger.NewEngine(registry)

	var helixAPI resolve.HelixAPI
	if helix != nil {
		helixAPI = helix
	} else {
		helixAPI = unavailableHelix{}
	}
	resolver := resolve.NewResolver(helixAPI, cfg.ResolveCacheTTL)

	dispatcher := dispatch.NewDispatcher(cfg.AlertQueueSize)
	go dispatcher.Run(ctx)

	pipeline := &bot.Pipeline{
		Engine:      engine,
		Registry:    registry,
		Resolver:    resolver,
		Dispatcher:  dispatcher,
		Timeout:     cfg.PipelineTimeout,
		DefaultPlay: cfg.AlertDefaultPlay,
	}

	chat := bot.NewChat(ctx, cfg, database, pipeline)
	var sched *scheduler.Scheduler
	if chat != nil {
		pipeline.Responder = chat
		go chat.Run(ctx)

		sched = scheduler.New(&db.ScheduleStore{DB: database}, chat, cfg.TwitchChannel)
		go sched.Run(ctx)
	} else {
		pipeline.Responder = noopResponder{}
	}

	// Keep the bot user token fresh once the OAuth flow has run.
	if cfg.TwitchClientID != "" && cfg.TwitchClientSecret != "" {
		oauthCfg, err := twitchapi.OAuthConfig(cfg.TwitchClientID, cfg.TwitchClientSecret, cfg.TwitchRedirectURI, cfg.TwitchScopes)
		if err == nil {
			oauth.StartRefresher(ctx, database, "twitch", 5*time.Minute, 15*time.Minute,
				func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
					tok, err := twitchapi.RefreshUserToken(ctx, oauthCfg, refreshToken)
					if err != nil {
						return "", "", time.Time{}, "", err
					}
					return tok.AccessToken, tok.RefreshToken, tok.Expiry, strings.Join(oauthCfg.Scopes, " "), nil
				})
		}
	}

	// The interface stays nil when helix is absent so /status omits stream state.
	var streams server.StreamAPI
	if helix != nil {
		streams = helix
	}
	handlers := server.NewHandlers(database, cfg, registry, engine, resolver, dispatcher, sched, tokens, streams)
	mux := server.NewMux(ctx, handlers)
	if err := server.Start(ctx, cfg.HTTPAddr, mux); err != nil {
		slog.Error("http server error", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

// noopResponder drops replies when chat is not connected.
type noopResponder struct{}

func (noopResponder) Say(channel, message string) {
	slog.Debug("chat reply dropped, no connection",
		slog.String("channel", channel),
		slog.Int("len", len(message)))
}

// unavailableHelix fails every lookup so the resolver leaves ${game} and
// ${Clip_URL} literal when no app credentials are configured.
type unavailableHelix struct{}

func (unavailableHelix) GetUserID(ctx context.Context, login string) (string, error) {
	return "", errHelixUnavailable
}

func (unavailableHelix) GetChannelGame(ctx context.Context, id string) (string, error) {
	return "", errHelixUnavailable
}

func (unavailableHelix) GetLatestClipURL(ctx context.Context, id string) (string, error) {
	return "", errHelixUnavailable
}

var errHelixUnavailable = helixUnavailableError{}

type helixUnavailableError struct{}

func (helixUnavailableError) Error() string { return "helix lookups disabled: no app credentials" }
