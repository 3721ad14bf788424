// Command companion is the live-chat companion bot. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Waits for the authorized account's active broadcast, then runs the
//     ingestion engine: poll, dedup, classify, react.
//   - Keeps the Google OAuth token fresh in the background.
//   - Exposes an HTTP surface with /healthz, /readyz, /status, /metrics and
//     the OAuth authorization flow.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	yt "google.golang.org/api/youtube/v3"

	"github.com/strayline/companion/ai"
	"github.com/strayline/companion/bot"
	"github.com/strayline/companion/classify"
	"github.com/strayline/companion/config"
	"github.com/strayline/companion/db"
	"github.com/strayline/companion/dedup"
	"github.com/strayline/companion/feed"
	"github.com/strayline/companion/oauth"
	"github.com/strayline/companion/server"
	"github.com/strayline/companion/stats"
	"github.com/strayline/companion/telemetry"
	"github.com/strayline/companion/youtubeapi"
)

func main() {
	// Local dev convenience only; production relies on real env.
	_ = godotenv.Load(".env")

	initLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("companion", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Versioned migrations first, embedded SQL as the fallback for
	// deployments that predate the schema_migrations table.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, falling back to embedded SQL",
			slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db", slog.Any("err", err))
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Google OAuth client; nil when creds are missing (the HTTP surface still
	// runs so the operator can see readiness failures).
	var auth *youtubeapi.Service
	if err := cfg.ValidateFeedReady(); err == nil {
		auth = youtubeapi.New(cfg, &db.TokenStoreAdapter{DB: database})
		oauth.StartRefresher(ctx, database, "google", 10*time.Minute, 20*time.Minute, auth.RefreshFunc())
	} else {
		slog.Warn("live chat disabled", slog.Any("err", err))
	}

	if os.Getenv("ENABLE_PPROF") == "1" {
		startPprof()
	}

	go func() {
		if err := server.Start(ctx, database, auth, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	if auth != nil {
		go runSessions(ctx, cfg, database, auth)
	}

	<-ctx.Done()
	slog.Info("shutting down")
}

// runSessions waits for an active broadcast, runs the engine against it, and
// goes back to waiting when the stream ends. One broadcast session at a time.
func runSessions(ctx context.Context, cfg *config.Config, database *sql.DB, auth *youtubeapi.Service) {
	for {
		b, svc, err := waitForBroadcast(ctx, auth)
		if err != nil {
			return
		}
		runOneSession(ctx, cfg, database, b, svc)
		select {
		case <-ctx.Done():
			return
		case <-time.After(cfg.PollMaxInterval):
		}
	}
}

// waitForBroadcast polls broadcast discovery until the account goes live.
func waitForBroadcast(ctx context.Context, auth *youtubeapi.Service) (*youtubeapi.Broadcast, *yt.Service, error) {
	for {
		svc, err := auth.Client(ctx)
		switch {
		case errors.Is(err, youtubeapi.ErrNoToken):
			slog.Info("waiting for oauth authorization; visit /auth/google/start")
		case err != nil:
			slog.Warn("youtube client unavailable", slog.Any("err", err))
		default:
			b, err := youtubeapi.FindActiveBroadcast(ctx, svc)
			if err == nil {
				return b, svc, nil
			}
			if !errors.Is(err, youtubeapi.ErrNoActiveBroadcast) {
				slog.Warn("broadcast discovery failed", slog.Any("err", err))
			}
		}
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(30 * time.Second):
		}
	}
}

// runOneSession wires the pipeline for one broadcast and runs the engine
// until the stream ends or shutdown.
func runOneSession(ctx context.Context, cfg *config.Config, database *sql.DB, b *youtubeapi.Broadcast, svc *yt.Service) {
	started := b.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	slog.Info("broadcast found",
		slog.String("live_chat_id", b.LiveChatID), slog.String("title", b.Title), slog.Time("started_at", started))

	_ = db.SetKV(ctx, database, "session_live_chat_id", b.LiveChatID)
	_ = db.SetKV(ctx, database, "session_title", b.Title)
	_ = db.SetKV(ctx, database, "session_started_at", started.UTC().Format(time.RFC3339))

	ledger := dedup.NewLedger()
	if n, err := ledger.Warm(ctx, database); err != nil {
		slog.Warn("dedup ledger warm failed", slog.Any("err", err))
	} else {
		slog.Info("dedup ledger warmed", slog.Int("ids", n))
	}

	store := stats.New(database, ledger, cfg.AchievementTiers, started)
	lc := &feed.LiveChatFeed{Service: svc, LiveChatID: b.LiveChatID}
	disp := bot.NewDispatcher(lc, cfg.OutboundPerMinute, cfg.ReplyMaxLen)
	cls := classify.New(cfg.CommandPrefix, cfg.AITriggerPrefix, cfg.BotName)

	var asker bot.Asker
	if cfg.AIEnabled() {
		client := &ai.Client{
			BaseURL: cfg.AIBaseURL,
			APIKey:  cfg.AIAPIKey,
			Model:   cfg.AIModel,
			BotName: cfg.BotName,
			Timeout: cfg.AITimeout,
		}
		asker = ai.NewGateway(client, ai.NewLimiter(cfg.AIViewerWindow, cfg.AIViewerLimit, cfg.AISessionLimit))
	} else {
		slog.Info("ai gateway disabled (no api key); static fallback replies only")
	}

	engine := bot.New(cfg, lc, disp, store, cls, asker, ledger)
	engine.Heartbeat = func(hctx context.Context) error {
		return db.SetKV(hctx, database, "bot_heartbeat", time.Now().UTC().Format(time.RFC3339))
	}
	if ownID, err := youtubeapi.OwnChannelID(ctx, svc); err != nil {
		slog.Warn("own channel lookup failed; self-message filter disabled", slog.Any("err", err))
	} else {
		engine.OwnChannelID = ownID
	}

	if err := engine.Run(ctx); err != nil {
		slog.Error("engine exited with error", slog.Any("err", err))
	}
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	_ = db.SetKV(cleanupCtx, database, "session_live_chat_id", "")
	slog.Info("session ended", slog.String("live_chat_id", b.LiveChatID))
}

func initLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	var handler slog.Handler
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()))
}

func startPprof() {
	addr := os.Getenv("PPROF_ADDR")
	if addr == "" {
		addr = "localhost:6060"
	}
	go func() {
		slog.Info("pprof profiling enabled", slog.String("addr", addr))
		srv := &http.Server{
			Addr:              addr,
			Handler:           nil, // default mux exposes /debug/pprof
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil {
			slog.Error("pprof server error", slog.Any("err", err))
		}
	}()
}
