package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/koopa0/system-design/linkguard/internal/config"
	"github.com/koopa0/system-design/linkguard/internal/engine"
	"github.com/koopa0/system-design/linkguard/internal/events"
	"github.com/koopa0/system-design/linkguard/internal/handler"
	"github.com/koopa0/system-design/linkguard/internal/kv"
	"github.com/koopa0/system-design/linkguard/internal/middleware"
	"github.com/koopa0/system-design/linkguard/internal/storage"
	"github.com/koopa0/system-design/linkguard/internal/storage/migrations"
	"github.com/koopa0/system-design/linkguard/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	migrateCmd := flag.String("migrate", "", "run a schema command and exit: up | down | version")
	flag.Parse()

	if *migrateCmd != "" {
		if err := runMigrate(*configPath, *migrateCmd); err != nil {
			fmt.Fprintf(os.Stderr, "linkguard: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "linkguard: %v\n", err)
		os.Exit(1)
	}
}

// run 依序初始化：配置 → 日誌 → PostgreSQL（必要）→ Redis、NATS（可缺席）→ 核心 → HTTP
func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format, os.Stdout)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// PostgreSQL 是唯一真實來源，連不上就無法提供服務
	dsn := cfg.PostgresDSN()
	if err := migrate(dsn, log); err != nil {
		return err
	}
	pool, err := storage.NewPool(ctx, dsn, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	store := storage.NewPostgres(pool, log)

	// Redis 缺席只會變慢：快取層以失敗開放運作，並在背景嘗試恢復
	var cacheStore kv.Store
	if cfg.Redis.Enabled {
		client, err := newRedisClient(cfg)
		if err != nil {
			return err
		}
		defer client.Close()

		pingCtx, cancel := context.WithTimeout(ctx, cfg.Redis.DialTimeout)
		if err := client.Ping(pingCtx).Err(); err != nil {
			log.Warn("redis unreachable at startup, running degraded", "error", err)
		}
		cancel()
		cacheStore = kv.NewRedis(client)
	} else {
		log.Warn("redis disabled, all cache operations fail open")
	}

	var publisher events.Publisher = events.Noop{}
	if cfg.NATS.URL != "" {
		pub, err := events.Connect(cfg.NATS.URL, cfg.NATS.Subject, log)
		if err != nil {
			log.Warn("nats unavailable, expiration events disabled", "error", err)
		} else {
			defer pub.Close()
			publisher = pub
		}
	}

	eng, err := engine.New(cfg, engine.Deps{
		KV:        cacheStore,
		Store:     store,
		Publisher: publisher,
		Logger:    log,
	})
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer eng.Close()

	opts := handler.Options{TrustProxy: cfg.Server.TrustProxy}
	if len(cfg.Server.APIKeys) > 0 {
		opts.Keys = middleware.NewStaticKeys(cfg.Server.APIKeys...)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler.New(eng, opts, log).Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("starting server", "port", cfg.Server.Port)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case <-ctx.Done():
		log.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("failed to shutdown server", "error", err)
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("failed to force close server", "error", closeErr)
			}
		}
	}

	log.Info("server stopped")
	return nil
}

func migrate(dsn string, log *slog.Logger) error {
	m, err := migrations.New(dsn, log)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer m.Close()

	schema, err := m.Up()
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info("links schema ready", "version", schema.Version)
	return nil
}

// runMigrate 只執行結構指令，不啟動服務
func runMigrate(configPath, cmd string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format, os.Stdout)

	m, err := migrations.New(cfg.PostgresDSN(), log)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer m.Close()

	var schema migrations.Schema
	switch cmd {
	case "up":
		schema, err = m.Up()
	case "down":
		schema, err = m.Down()
	case "version":
		schema, err = m.Schema()
	default:
		return fmt.Errorf("unknown migrate command %q (want up, down or version)", cmd)
	}
	if err != nil {
		return err
	}

	fmt.Printf("links schema: version=%d applied=%t dirty=%t\n", schema.Version, schema.Applied, schema.Dirty)
	return nil
}

func newRedisClient(cfg *config.Config) (*redis.Client, error) {
	opts := &redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	if cfg.Redis.URL != "" {
		parsed, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	}

	opts.PoolSize = cfg.Redis.PoolSize
	opts.MinIdleConns = cfg.Redis.MinIdleConns
	opts.MaxRetries = cfg.Redis.MaxRetries
	opts.DialTimeout = cfg.Redis.DialTimeout
	opts.ReadTimeout = cfg.Redis.ReadTimeout
	opts.WriteTimeout = cfg.Redis.WriteTimeout

	return redis.NewClient(opts), nil
}
