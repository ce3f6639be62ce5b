// Package handler はHTTPエンドポイントとセッション接続の受け付けを提供する。
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/botcoord/internal/metrics"
	"github.com/hitoshi/botcoord/internal/middleware"
	"github.com/hitoshi/botcoord/internal/transport"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger      *slog.Logger
	RateLimiter *middleware.RateLimiter

	// ヘルスチェックとメトリクス
	HealthChecker HealthChecker
	Gatherer      prometheus.Gatherer

	// セッション
	Sessions         SessionCoordinator
	TransportOptions transport.Options
	// BaseContext はセッション接続の親コンテキスト。キャンセルすると全接続を閉じる。
	BaseContext context.Context

	// 管理API。AdminTokenが空の場合はマウントしない。
	Fetcher    BotFetcher
	AdminToken string
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RecoveryMiddleware → LoggingMiddleware → SecurityHeadersMiddleware
//
// セッション接続（/coordinator）にはIPごとの接続レート制限を追加する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())

	r.Get("/health", NewHealthHandler(deps.HealthChecker).ServeHTTP)
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}

	sessionHandler := NewSessionHandler(deps.BaseContext, deps.Sessions, deps.TransportOptions, logger)
	if deps.RateLimiter != nil {
		r.With(deps.RateLimiter.Middleware()).Get("/coordinator", sessionHandler.ServeHTTP)
	} else {
		r.Get("/coordinator", sessionHandler.ServeHTTP)
	}

	if deps.AdminToken != "" && deps.Fetcher != nil {
		fetchHandler := NewFetchHandler(deps.Fetcher)
		r.Route("/api/bots", func(r chi.Router) {
			r.Use(newAdminAuthMiddleware(deps.AdminToken))
			r.Post("/{botID}/fetch", fetchHandler.Fetch)
		})
	}

	return r
}
