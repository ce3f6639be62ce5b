package coordinator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/botcoord/internal/model"
)

// SplitCounts はtotal台のボットをn個のセッションで分ける。
// 指定セッション以外はeach台、指定セッションはdesignated台を受け持つ。
// each*(n-1) + designated == total。nが0以下の場合は(0, 0)を返す。
func SplitCounts(total, n int) (each, designated int) {
	if n <= 0 {
		return 0, 0
	}
	each = total / n
	designated = total - each*(n-1)
	return each, designated
}

// planRebalance はセッションごとの受け持ち台数を返す。
func planRebalance(sessions []*Session, designatedID string, total int) map[string]int {
	each, designated := SplitCounts(total, len(sessions))
	plan := make(map[string]int, len(sessions))
	for _, s := range sessions {
		if s.ID == designatedID {
			plan[s.ID] = designated
		} else {
			plan[s.ID] = each
		}
	}
	return plan
}

// RequestBots は全セッションに受け持ち台数を通知する。呼び出し元が余りを受け持つ。
func (c *Coordinator) RequestBots(ctx context.Context, sessionID string) error {
	if !c.registry.Contains(sessionID) {
		return model.NewSessionNotLiveError(sessionID)
	}
	return c.rebalance(ctx, sessionID, "request")
}

// rebalance は有効なボット数を数え、全セッションへRequestReallocateBotsを送る。
// 通知に失敗したセッションがあっても他のセッションへの通知は続ける。
func (c *Coordinator) rebalance(ctx context.Context, designatedID, trigger string) error {
	total, err := c.deps.Bots.CountEnabled(ctx)
	if err != nil {
		return fmt.Errorf("有効なボット数の取得に失敗しました: %w", err)
	}

	sessions := c.registry.All()
	if len(sessions) == 0 {
		return nil
	}
	plan := planRebalance(sessions, designatedID, total)

	for _, s := range sessions {
		if err := s.Client.RequestReallocateBots(ctx, plan[s.ID]); err != nil {
			c.deps.Logger.Warn("再配分の通知に失敗しました",
				slog.String("session_id", s.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	c.deps.Metrics.RecordRebalance(trigger)
	c.deps.Logger.Info("ボットを再配分しました",
		slog.String("trigger", trigger),
		slog.String("designated_session", designatedID),
		slog.Int("sessions", len(sessions)),
		slog.Int("bots", total),
	)
	return nil
}

// AllocateBots は未割り当てのボットを最大count台セッションへ割り当てる。
// 割り当ては全セッションで1つのロックの下で行い、ロック取得後にセッションがまだ接続中かを確認する。
// 接続中セッションが担当しているボット（呼び出し元自身を含む）は選ばれない。
func (c *Coordinator) AllocateBots(ctx context.Context, sessionID string, count int) ([]*model.Bot, error) {
	if count < 0 {
		return nil, model.NewInvalidParamsError("AllocateBots", "count must not be negative")
	}

	c.allocMu.Lock()
	defer c.allocMu.Unlock()

	if !c.registry.Contains(sessionID) {
		return nil, model.NewSessionNotLiveError(sessionID)
	}
	if count == 0 {
		return []*model.Bot{}, nil
	}

	bots, err := c.deps.Bots.Allocate(ctx, sessionID, c.registry.IDs(), count)
	if err != nil {
		return nil, err
	}
	if bots == nil {
		bots = []*model.Bot{}
	}

	c.deps.Metrics.RecordBotsAllocated(len(bots))
	c.deps.Logger.Info("ボットを割り当てました",
		slog.String("session_id", sessionID),
		slog.Int("requested", count),
		slog.Int("allocated", len(bots)),
	)
	return bots, nil
}
