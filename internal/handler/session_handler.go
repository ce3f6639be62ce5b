package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/hitoshi/botcoord/internal/coordinator"
	"github.com/hitoshi/botcoord/internal/transport"
)

// SessionCoordinator はセッション接続のライフサイクルを扱うインターフェース。
// *coordinator.Coordinatorが満たす。
type SessionCoordinator interface {
	Join(sessionID string, ch coordinator.Channel) (*coordinator.Session, error)
	Leave(sessionID string)
	Handler(session *coordinator.Session) transport.Handler
}

// SessionHandler はボット運用セッションのWebSocket接続を受け付ける。
type SessionHandler struct {
	base     context.Context
	sessions SessionCoordinator
	opts     transport.Options
	logger   *slog.Logger
}

// NewSessionHandler はSessionHandlerを生成する。baseがnilの場合はリクエストのコンテキストを使う。
func NewSessionHandler(base context.Context, sessions SessionCoordinator, opts transport.Options, logger *slog.Logger) *SessionHandler {
	if opts.Logger == nil {
		opts.Logger = logger
	}
	return &SessionHandler{base: base, sessions: sessions, opts: opts, logger: logger}
}

// ServeHTTP は接続をアップグレードし、セッションとして登録して切断まで処理する。
// 接続が閉じた時点、またはbaseがキャンセルされた時点でセッションを離脱させる。
// 処理中の呼び出しの完了は待たない。
// GET /coordinator
func (h *SessionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := transport.Accept(w, r, h.opts)
	if err != nil {
		// Upgraderがエラーレスポンスを書き込み済み
		h.logger.Warn("セッション接続の受け付けに失敗しました",
			slog.String("error", err.Error()),
		)
		return
	}

	sessionID := uuid.NewString()
	session, err := h.sessions.Join(sessionID, conn)
	if err != nil {
		h.logger.Error("セッションの登録に失敗しました",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		conn.Close()
		return
	}

	ctx := h.base
	if ctx == nil {
		ctx = r.Context()
	}

	left := make(chan struct{})
	go func() {
		defer close(left)
		select {
		case <-conn.Done():
		case <-ctx.Done():
			conn.Close()
		}
		h.sessions.Leave(sessionID)
	}()
	if err := conn.Serve(ctx, h.sessions.Handler(session)); err != nil {
		h.logger.Warn("セッション接続が異常終了しました",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
	}
	<-left
}
