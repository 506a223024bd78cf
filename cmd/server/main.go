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

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/koopa0/system-design/14-read-model-cache/internal/cache"
	"github.com/koopa0/system-design/14-read-model-cache/internal/config"
	"github.com/koopa0/system-design/14-read-model-cache/internal/handler"
	"github.com/koopa0/system-design/14-read-model-cache/internal/migrations"
	"github.com/koopa0/system-design/14-read-model-cache/internal/posts"
	"github.com/koopa0/system-design/14-read-model-cache/internal/projection"
	"github.com/koopa0/system-design/14-read-model-cache/internal/trigger"
	"github.com/koopa0/system-design/14-read-model-cache/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "配置檔路徑（不存在時只讀環境變數）")
	rebuildOnStart := flag.Bool("rebuild", false, "啟動後先重建一次讀模型")
	flag.Parse()

	// 載入配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 設定日誌
	log, err := logger.New(logger.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, log, *rebuildOnStart); err != nil {
		log.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}

func run(cfg *config.Config, log *slog.Logger, rebuildOnStart bool) error {
	ctx := context.Background()

	// 連接 PostgreSQL
	// 使用 pgxpool 而非單一連線
	pgConfig, err := pgxpool.ParseConfig(cfg.PostgresDSN())
	if err != nil {
		return fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.Postgres.MaxConns > 0 {
		pgConfig.MaxConns = cfg.Postgres.MaxConns
	}
	if cfg.Postgres.MinConns > 0 {
		pgConfig.MinConns = cfg.Postgres.MinConns
	}

	pgPool, err := pgxpool.NewWithConfig(ctx, pgConfig)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pgPool.Close()

	// 執行資料庫遷移
	if err := runMigrations(cfg.PostgresURL(), log); err != nil {
		return err
	}

	// 快取：不在啟動時連線，第一次讀取才連
	manager := cache.NewManager(cache.ManagerConfig{
		URL:            cfg.Redis.URL,
		ConnectTimeout: cfg.Redis.ConnectTimeout,
		PoolSize:       cfg.Redis.PoolSize,
	}, log)
	defer manager.Close()

	codec, err := cache.NewCodec(cfg.Cache.Codec)
	if err != nil {
		return err
	}
	store := cache.NewStore(manager, codec, cfg.Redis.OpTimeout, log)

	// 讀取與重建
	service := posts.NewService(posts.NewRepository(pgPool), store, posts.Config{
		PageSize:     cfg.Posts.PageSize,
		TTL:          cfg.Cache.TTL,
		QueryTimeout: cfg.Posts.QueryTimeout,
	}, log)
	builder := projection.NewBuilder(pgPool, projection.Config{
		Timeout: cfg.Projection.Timeout,
		LockKey: cfg.Projection.LockKey,
	}, log)

	if rebuildOnStart {
		if _, err := builder.Rebuild(ctx); err != nil {
			return fmt.Errorf("initial rebuild: %w", err)
		}
	}

	// NATS 觸發（選用）
	if cfg.NATS.URL != "" {
		listener, err := trigger.Listen(trigger.Config{
			URL:     cfg.NATS.URL,
			Subject: cfg.NATS.Subject,
			Timeout: cfg.Projection.Timeout,
		}, builder, log)
		if err != nil {
			return err
		}
		defer listener.Close()
	}

	h := handler.NewHandler(service, builder, pgPool, store, log)

	// 設定 HTTP 伺服器
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// 啟動伺服器
	serverErrors := make(chan error, 1)
	go func() {
		log.Info("starting server",
			"port", cfg.Server.Port,
			"cache_enabled", cfg.CacheEnabled(),
			"codec", codec.Name(),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-shutdown:
		log.Info("shutdown signal received", "signal", sig)

		// 給予 30 秒時間完成當前請求
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// 關閉 HTTP 伺服器
		if err := srv.Shutdown(ctx); err != nil {
			log.Error("failed to shutdown server", "error", err)
			// 強制關閉伺服器
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("failed to force close server", "error", closeErr)
			}
		}
	}

	return nil
}

// runMigrations 執行內嵌的資料庫遷移
func runMigrations(databaseURL string, log *slog.Logger) error {
	m, err := migrations.New(databaseURL, log)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}
