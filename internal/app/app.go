// Package app はコマンドの解析と依存関係のワイヤリングを行う。
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/botcoord/internal/broker"
	"github.com/hitoshi/botcoord/internal/config"
	"github.com/hitoshi/botcoord/internal/coordinator"
	"github.com/hitoshi/botcoord/internal/database"
	"github.com/hitoshi/botcoord/internal/flow"
	"github.com/hitoshi/botcoord/internal/handler"
	"github.com/hitoshi/botcoord/internal/logger"
	"github.com/hitoshi/botcoord/internal/metrics"
	"github.com/hitoshi/botcoord/internal/middleware"
	"github.com/hitoshi/botcoord/internal/qa"
	"github.com/hitoshi/botcoord/internal/repository"
	"github.com/hitoshi/botcoord/internal/security"
	"github.com/hitoshi/botcoord/internal/transport"
	"github.com/hitoshi/botcoord/internal/worker/cleanup"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、LOG_LEVELに従ってJSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたレベルで再初期化
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandCleanup:
		return runCleanup(cfg)
	default:
		return runServe(cfg)
	}
}

func openDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")
	return db, nil
}

// runServe はコーディネーターサーバーとして起動する。
// DB・ブローカーへ接続し、全依存関係をワイヤリングしてHTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	log := slog.Default()

	// 1. DB接続
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := checkSchema(cfg); err != nil {
		return err
	}

	// 2. リポジトリの初期化
	botRepo := repository.NewPostgresBotRepo(db)
	userRepo := repository.NewPostgresUserRepo(db)
	bindingTokenRepo := repository.NewPostgresBindingTokenRepo(db)
	loginTokenRepo := repository.NewPostgresLoginTokenRepo(db)

	// 3. ブローカー接続
	// 遅延アクションとブラウザ通知はチャネルを分ける（amqp.Channelは並行Publishに対して安全でない）。
	// チャネルが閉じられた場合はそれぞれ次の発行時に再接続する。
	opener := broker.DialOpener(cfg.AMQPURL)

	publisher, err := broker.NewDelayedPublisher(opener, cfg.DelayedExchange, cfg.DelayedQueuePrefix, log)
	if err != nil {
		return err
	}
	defer publisher.Close()

	notifier, err := broker.NewFanoutNotifier(opener, cfg.BrowserExchange, log)
	if err != nil {
		return err
	}
	defer notifier.Close()

	slog.Info("broker connection established")

	// 4. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// 5. セキュリティサービスとQ&Aクライアント
	guard := security.NewEgressGuard()
	qaClient := qa.NewClient(
		guard.NewSafeClient(cfg.QATimeout),
		security.NewTextSanitizer(),
		collector,
		qa.Config{
			Endpoint:      cfg.QAEndpoint,
			APIKey:        cfg.QAAPIKey,
			UserSalt:      cfg.QAUserSalt,
			MaxAttempts:   cfg.QAMaxAttempts,
			RatePerMinute: cfg.QARatePerMinute,
		},
		log,
	)

	// 6. コーディネーター
	coord := coordinator.New(coordinator.Deps{
		Bots:          botRepo,
		Users:         userRepo,
		BindingTokens: bindingTokenRepo,
		LoginTokens:   loginTokenRepo,
		Publisher:     publisher,
		Notifier:      notifier,
		QA:            qaClient,
		Guard:         guard,
		Metrics:       collector,
		Logger:        log,
		Pacing: flow.Pacing{
			Chat:          cfg.ChatPacingDelay,
			PrivacyHint:   cfg.PrivacyHintDelay,
			FriendRemoval: cfg.FriendRemovalDelay,
		},
	})

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = coord.Start(startCtx)
	startCancel()
	if err != nil {
		return err
	}

	// 7. クリーンアップジョブをバックグラウンドで起動
	baseCtx, baseCancel := context.WithCancel(context.Background())
	defer baseCancel()

	cleanupJob := cleanup.NewCleanupJob(db, log, cfg.TokenRetention)
	cleanupDone := make(chan struct{})
	go func() {
		defer close(cleanupDone)
		cleanupJob.Start(baseCtx, cfg.CleanupInterval)
	}()

	// 8. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.RateLimitConnect), log)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:        log,
		RateLimiter:   rateLimiter,
		HealthChecker: db,
		Gatherer:      registry,
		Sessions:      coord,
		TransportOptions: transport.Options{
			CallTimeout:    cfg.CallbackTimeout,
			MaxMessageSize: cfg.WSMaxMessageSize,
			PingInterval:   cfg.WSPingInterval,
			Logger:         log,
		},
		BaseContext: baseCtx,
		Fetcher:     coord,
		AdminToken:  cfg.AdminToken,
	})

	// 9. HTTPサーバーの起動
	// セッション接続は長時間維持されるため、Read/WriteTimeoutは設定しない
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("coordinator server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-serverErr:
		baseCancel()
		coord.Shutdown()
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down coordinator server...")

	// Shutdownはハイジャック済みのWebSocket接続を追跡しないため、
	// 先にbaseCtxをキャンセルして全セッションを切断する
	baseCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	coord.Shutdown()
	<-cleanupDone

	slog.Info("coordinator server stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, _, err := database.MigrationVersion(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
	)
	return nil
}

// checkSchema は未適用または途中で失敗したマイグレーションがないかを確認する。
func checkSchema(cfg *config.Config) error {
	version, dirty, err := database.MigrationVersion(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	if dirty {
		return fmt.Errorf("database schema is dirty at version %d; fix it and rerun migrate", version)
	}
	if version == 0 {
		return errors.New("database schema is not initialized; run the migrate command first")
	}
	return nil
}

// runCleanup は期限切れトークンの削除を1回実行する。
// 外部スケジューラ（cronなど）から起動する場合に使う。
func runCleanup(cfg *config.Config) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	job := cleanup.NewCleanupJob(db, slog.Default(), cfg.TokenRetention)
	if err := job.Run(ctx); err != nil {
		return fmt.Errorf("cleanup failed: %w", err)
	}
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
