package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm/logger"

	"viewer-relay/internal/account"
	"viewer-relay/internal/auth"
	"viewer-relay/internal/config"
	"viewer-relay/internal/heartbeat"
	"viewer-relay/internal/hub"
	"viewer-relay/internal/logging"
	"viewer-relay/internal/middleware"
	"viewer-relay/internal/notify"
	"viewer-relay/internal/registry"
	"viewer-relay/internal/relay"
	"viewer-relay/internal/server"
	"viewer-relay/internal/store"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logging.Setup(cfg.LogLevel, cfg.LogFormat)
	tokenCfg := auth.DefaultTokenConfig(cfg.MasterSecret, cfg.AdminExpiry)

	// viewer-relay admin-token <name> prints a bearer token for /admin.
	if len(os.Args) > 1 && os.Args[1] == "admin-token" {
		subject := "admin"
		if len(os.Args) > 2 {
			subject = os.Args[2]
		}
		tok, err := auth.CreateAdminToken(subject, tokenCfg)
		if err != nil {
			log.Error("create admin token", "error", err)
			os.Exit(1)
		}
		fmt.Println(tok)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, tokenCfg, log); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, tokenCfg auth.TokenConfig, log *slog.Logger) error {
	gin.SetMode(cfg.GinMode)

	db, err := store.Open(cfg.DatabaseURL, logger.Warn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := store.Migrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	st := store.New(db)

	var sender notify.Sender = notify.NewLogSender(log)
	if cfg.SMTP.Enabled() {
		sender = notify.NewSMTPSender(notify.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		})
	}
	notifier := notify.NewDispatcher(sender, log, 0)

	throttle := &middleware.Throttle{
		Limiter:   middleware.NewMemoryAccessLimiter(),
		Allowlist: middleware.ParseAllowlist(cfg.AccessAllowlist),
		Logger:    log,
	}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		throttle.Limiter = middleware.NewRedisAccessLimiter(rdb, "viewer-relay:access")
	}

	reg := registry.New()
	accounts := account.New(account.Options{Registry: reg, Store: st, Notifier: notifier, Logger: log})
	events := hub.New()
	proto := heartbeat.New(heartbeat.Options{
		Registry: reg,
		Loader:   accounts,
		Guard:    heartbeat.NewGuard(cfg.ProbeCooldown),
		Observer: hub.NewPublisher(events, reg, log),
		Logger:   log,
	})

	router := server.NewRouter(server.Deps{
		Registry:    reg,
		Accounts:    accounts,
		Relay:       relay.New(reg, st, log),
		Heartbeat:   proto,
		Hub:         events,
		Throttle:    throttle,
		TokenConfig: tokenCfg,
		Logger:      log,
	})

	log.Info("listening", "port", cfg.Port, "database", store.Driver(cfg.DatabaseURL))
	serveErr := server.Run(ctx, cfg, router)

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := notifier.Close(drainCtx); err != nil {
		log.Warn("notifications not drained", "error", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	return serveErr
}
