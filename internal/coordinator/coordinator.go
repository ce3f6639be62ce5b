// Package coordinator はボット運用セッションの調整を行う。
// セッションの登録と離脱、ボットの割り当てと再配分、セッションからの呼び出しの処理、
// フレンド申請とチャットメッセージの状態遷移の実行を担う。
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/botcoord/internal/broker"
	"github.com/hitoshi/botcoord/internal/flow"
	"github.com/hitoshi/botcoord/internal/metrics"
	"github.com/hitoshi/botcoord/internal/model"
	"github.com/hitoshi/botcoord/internal/qa"
	"github.com/hitoshi/botcoord/internal/repository"
	"github.com/hitoshi/botcoord/internal/security"
)

// Deps はCoordinatorの依存関係。
type Deps struct {
	Bots          repository.BotRepository
	Users         repository.UserRepository
	BindingTokens repository.BindingTokenRepository
	LoginTokens   repository.LoginTokenRepository
	Publisher     broker.DelayedActionPublisher
	Notifier      broker.BrowserNotifier
	QA            qa.Asker
	Guard         security.EgressGuard
	Metrics       metrics.Recorder
	Logger        *slog.Logger
	Pacing        flow.Pacing
}

// Coordinator はセッション表と割り当てロックを所有する。
// Startで起動し、Shutdownで停止する。
type Coordinator struct {
	deps     Deps
	registry *Registry

	// allocMu はボット割り当ての変更を直列化する。
	allocMu sync.Mutex

	// sleep はメッセージ間の待機。テストで差し替える。
	sleep func(ctx context.Context, d time.Duration) error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New はCoordinatorを生成する。
func New(deps Deps) *Coordinator {
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		deps:     deps,
		registry: NewRegistry(),
		sleep:    sleepContext,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Registry はセッション表を返す。
func (c *Coordinator) Registry() *Registry {
	return c.registry
}

// Start は永続化されたボットの割り当てを全て解除する。
// セッションはプロセスより長く生存しないため、起動時点で有効な割り当ては存在しない。
func (c *Coordinator) Start(ctx context.Context) error {
	n, err := c.deps.Bots.ResetAllSessions(ctx)
	if err != nil {
		return fmt.Errorf("ボット割り当ての初期化に失敗しました: %w", err)
	}
	c.deps.Logger.Info("コーディネーターを開始しました",
		slog.Int64("reset_bots", n),
	)
	return nil
}

// Shutdown はバックグラウンド処理を停止し、終了を待つ。
func (c *Coordinator) Shutdown() {
	c.cancel()
	c.wg.Wait()
}

// Join はセッションを登録し、以前から運用していたボットの引き継ぎを非同期に開始する。
func (c *Coordinator) Join(sessionID string, ch Channel) (*Session, error) {
	session, err := c.registry.Register(sessionID, NewClient(ch, c.deps.Metrics))
	if err != nil {
		return nil, err
	}
	c.deps.Metrics.SetActiveSessions(c.registry.Len())
	c.deps.Logger.Info("セッションが接続しました",
		slog.String("session_id", sessionID),
	)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.resumeAllocatedBots(c.ctx, session)
	}()
	return session, nil
}

// Leave はセッションを削除し、担当していたボットを解放して残りのセッションで再配分する。
// 再配分の起点は残りのセッションのうちIDが最小のもの。
func (c *Coordinator) Leave(sessionID string) {
	if !c.registry.Unregister(sessionID) {
		return
	}
	c.deps.Metrics.SetActiveSessions(c.registry.Len())

	ctx := c.ctx
	c.allocMu.Lock()
	released, err := c.deps.Bots.ReleaseSession(ctx, sessionID)
	c.allocMu.Unlock()
	if err != nil {
		// 解放に失敗しても、離脱済みセッションのボットは次の割り当てで未割り当てとして扱われる
		c.deps.Logger.Error("ボットの解放に失敗しました",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
	}
	c.deps.Logger.Info("セッションが切断しました",
		slog.String("session_id", sessionID),
		slog.Int64("released_bots", released),
	)

	remaining := c.registry.All()
	if len(remaining) == 0 {
		return
	}
	if err := c.rebalance(ctx, remaining[0].ID, "leave"); err != nil {
		c.deps.Logger.Error("再配分に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// staleOwner は引き継ぎ前にボットを担当していた別セッション。
type staleOwner struct {
	session *Session
	botID   string
}

// resumeAllocatedBots は新しいセッションが既に運用しているボットを引き継ぐ。
// 他の接続中セッションが同じボットを担当していれば、引き継ぎ後にそのセッションへ停止を指示する。
func (c *Coordinator) resumeAllocatedBots(ctx context.Context, session *Session) {
	botIDs, err := session.Client.GetAllocatedBots(ctx)
	if err != nil {
		c.deps.Logger.Warn("運用中ボットの取得に失敗しました",
			slog.String("session_id", session.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if len(botIDs) == 0 {
		return
	}

	stale, reclaimed, err := c.reclaimBots(ctx, session, botIDs)
	if err != nil {
		c.deps.Logger.Error("ボットの引き継ぎに失敗しました",
			slog.String("session_id", session.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if reclaimed == 0 {
		return
	}

	// セッションへの書き込みは割り当てロックの外で行う
	for _, o := range stale {
		if err := o.session.Client.StopBot(ctx, o.botID); err != nil {
			c.deps.Logger.Warn("ボット停止の指示に失敗しました",
				slog.String("session_id", o.session.ID),
				slog.String("bot_id", o.botID),
				slog.String("error", err.Error()),
			)
		}
	}
	c.deps.Logger.Info("運用中のボットを引き継ぎました",
		slog.String("session_id", session.ID),
		slog.Int("bots", reclaimed),
	)
}

// reclaimBots は割り当てロックの下でボットをsessionへ付け替え、停止を指示すべき旧担当を返す。
func (c *Coordinator) reclaimBots(ctx context.Context, session *Session, botIDs []string) ([]staleOwner, int, error) {
	c.allocMu.Lock()
	defer c.allocMu.Unlock()

	if !c.registry.Contains(session.ID) {
		return nil, 0, nil
	}

	bots, err := c.deps.Bots.ListByIDs(ctx, botIDs)
	if err != nil {
		return nil, 0, fmt.Errorf("ボットの取得に失敗しました: %w", err)
	}

	var stale []staleOwner
	reclaimed := make([]string, 0, len(bots))
	for _, bot := range bots {
		if bot.SessionID != "" && bot.SessionID != session.ID {
			if owner := c.registry.Get(bot.SessionID); owner != nil {
				stale = append(stale, staleOwner{session: owner, botID: bot.ID})
			}
		}
		reclaimed = append(reclaimed, bot.ID)
	}
	if len(reclaimed) == 0 {
		return nil, 0, nil
	}

	if err := c.deps.Bots.Reassign(ctx, reclaimed, session.ID); err != nil {
		return nil, 0, fmt.Errorf("ボットの付け替えに失敗しました: %w", err)
	}
	return stale, len(reclaimed), nil
}

// fetchAttempts はFetchURLの最大試行回数。
const fetchAttempts = 3

// FetchURL はボットを担当するセッション経由でURLを取得する。
// URLは送信前に静的に検証する。セッションへの呼び出しが失敗した場合は担当セッションを引き直して再試行し、
// すべて失敗した場合は空の結果を返す。
func (c *Coordinator) FetchURL(ctx context.Context, botID, rawURL string) (string, error) {
	if err := c.deps.Guard.ValidateURL(rawURL); err != nil {
		return "", model.NewURLNotAllowedError(err.Error())
	}

	backoff := 500 * time.Millisecond
	for attempt := 1; ; attempt++ {
		owner, err := c.ownerOf(ctx, botID)
		if err != nil {
			return "", err
		}

		body, err := owner.Client.FetchURL(ctx, botID, rawURL)
		if err == nil {
			return body, nil
		}
		if attempt == fetchAttempts || ctx.Err() != nil {
			c.deps.Logger.Warn("URLの取得に失敗しました",
				slog.String("bot_id", botID),
				slog.Int("attempts", attempt),
				slog.String("error", err.Error()),
			)
			return "", nil
		}
		if err := c.sleep(ctx, backoff); err != nil {
			return "", nil
		}
		backoff *= 2
	}
}

// ownerOf はボットを担当している接続中のセッションを返す。
func (c *Coordinator) ownerOf(ctx context.Context, botID string) (*Session, error) {
	bot, err := c.deps.Bots.FindByID(ctx, botID)
	if err != nil {
		return nil, err
	}
	if bot == nil || bot.SessionID == "" {
		return nil, model.NewBotNotAssignedError(botID)
	}
	owner := c.registry.Get(bot.SessionID)
	if owner == nil {
		return nil, model.NewBotNotAssignedError(botID)
	}
	return owner, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
