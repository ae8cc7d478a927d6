// Command sessionclockd runs one tab's session lifecycle coordinator:
// it polls the shared store, decides the session tier, and serves the
// query/event surface for UI collaborators.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/goatkit/sessionclock/internal/api"
	"github.com/goatkit/sessionclock/internal/clock"
	"github.com/goatkit/sessionclock/internal/config"
	"github.com/goatkit/sessionclock/internal/crosstab"
	"github.com/goatkit/sessionclock/internal/grace"
	"github.com/goatkit/sessionclock/internal/guard"
	"github.com/goatkit/sessionclock/internal/metrics"
	"github.com/goatkit/sessionclock/internal/models"
	"github.com/goatkit/sessionclock/internal/store"
	"github.com/goatkit/sessionclock/internal/sweeper"
	"github.com/goatkit/sessionclock/internal/token"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config file")
		backend    = flag.String("store", "file", "shared store backend: memory, file, sqlite, redis")
		storePath  = flag.String("store-path", defaultStorePath(), "directory or database file for the shared store")
		redisAddr  = flag.String("redis-addr", "localhost:6379", "redis address for the redis backend")
		listen     = flag.String("listen", ":8480", "address for the coordinator API")
		jwtToken   = flag.String("jwt", "", "externally issued JWT to ingest expiry metadata from")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := run(*configPath, *backend, *storePath, *redisAddr, *listen, *jwtToken, logger); err != nil {
		logger.Error("coordinator failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath, backend, storePath, redisAddr, listen, jwtToken string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	shared, err := openStore(backend, storePath, redisAddr)
	if err != nil {
		return err
	}
	durable := store.NewFallbackStore(shared, logger)
	defer durable.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.Global()
	tokens := token.NewManager(durable, cfg, logger)
	ledger := grace.NewLedger(durable, cfg, logger, grace.WithMetrics(m))

	// Critical-operation markers are local to this tab.
	tabStore := store.NewMemoryStore()
	g := guard.New(ctx, tabStore, cfg.CriticalOpDuration, logger)
	defer g.Teardown(context.Background())

	// Sweep before any other component runs.
	sw := sweeper.New(ledger, g, m, defaultSweepEvery)
	sw.RunStartup(ctx)
	if err := sw.Start(ctx); err != nil {
		return err
	}
	defer sw.Stop()

	channel := crosstab.New(shared, logger)
	if err := channel.Start(ctx); err != nil {
		return err
	}

	ck := clock.New(cfg, tokens, ledger, g, channel,
		clock.WithLogger(logger),
		clock.WithMetrics(m),
		clock.WithEvents(clock.Events{
			Warning: func(minutes int) {
				logger.Warn("session warning", "remaining_minutes", minutes)
			},
			Extended: func(at time.Time, silent bool) {
				logger.Info("session extended", "at", at, "silent", silent)
			},
			Expired: func(reason models.ExpiryReason) {
				logger.Info("session expired, UI collaborator should redirect", "reason", reason)
			},
		}),
	)

	if err := beginSession(ctx, tokens, ledger, cfg, jwtToken, logger); err != nil {
		return err
	}

	ck.Start(ctx)
	defer ck.Stop()

	router := gin.Default()
	api.NewHandlers(ck, ledger, g, tokens).Register(router)

	srv := &http.Server{Addr: listen, Handler: router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("session coordinator listening",
		"addr", listen, "store", backend, "tab_id", channel.TabID())
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

const defaultSweepEvery = 5 * time.Minute

// beginSession seeds the token. A fresh tab of an existing session
// joins it under a short reload grace instead of minting a new one.
func beginSession(ctx context.Context, tokens *token.Manager, ledger *grace.Ledger, cfg *config.Clock, jwtToken string, logger *slog.Logger) error {
	if _, err := tokens.Load(ctx); err == nil {
		logger.Info("joining existing session")
		ledger.Start(ctx, models.GracePageReload)
		return nil
	}

	now := time.Now()
	if jwtToken != "" {
		tok, err := token.FromJWT(jwtToken, cfg, now)
		if err != nil {
			return fmt.Errorf("ingest jwt: %w", err)
		}
		if err := tokens.Save(ctx, tok); err != nil {
			return err
		}
		tokens.RecordActivity(ctx, now)
	} else {
		if _, err := tokens.BeginSession(ctx, now); err != nil {
			return err
		}
	}

	ledger.ResetBudget(ctx)
	ledger.Start(ctx, models.GracePostLogin)
	return nil
}

func openStore(backend, path, redisAddr string) (store.Watchable, error) {
	switch backend {
	case "memory":
		return store.NewMemoryStore(), nil
	case "file":
		return store.NewFileStore(path)
	case "sqlite":
		return store.OpenSQLStore(path)
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: redisAddr})
		return store.NewRedisStore(client, "sessionclock"), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sessionclock"
	}
	return home + "/.sessionclock"
}
