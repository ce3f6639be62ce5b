package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/botcoord/internal/flow"
	"github.com/hitoshi/botcoord/internal/model"
	"github.com/hitoshi/botcoord/internal/repository"
)

// errAbandoned は後続のアクションを実行せずにイベント処理を終えることを示す。
var errAbandoned = errors.New("flow abandoned")

// detachedTimeout は中断後に行うフレンド削除予約の上限時間。
const detachedTimeout = 10 * time.Second

// execute はアクションを順に実行する。失敗したアクションがあれば残りは実行しない。
// ただしフレンド追加後に中断した場合、未実行のフレンド削除予約は切断と無関係に発行する。
// 削除はボットIDで配送されるため、セッションが切れていても届く。
func (c *Coordinator) execute(ctx context.Context, ev event, actions []flow.Action) error {
	befriended := false
	for i, a := range actions {
		err := c.apply(ctx, ev, a)
		if errors.Is(err, errAbandoned) {
			c.deps.Logger.Info("処理を中止しました",
				slog.String("action", a.Kind.String()),
				slog.String("bot_id", ev.botID),
				slog.String("steam_id", ev.steamID),
			)
			return nil
		}
		if err != nil {
			if befriended {
				c.schedulePendingRemovals(ctx, ev, actions[i+1:])
			}
			return fmt.Errorf("%s の実行に失敗しました: %w", a.Kind, err)
		}
		if a.Kind == flow.ActionAcceptFriend {
			befriended = true
		}
	}
	return nil
}

// schedulePendingRemovals は未実行のフレンド削除予約を呼び出し元のキャンセルから切り離して発行する。
func (c *Coordinator) schedulePendingRemovals(ctx context.Context, ev event, pending []flow.Action) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), detachedTimeout)
	defer cancel()

	for _, a := range pending {
		if a.Kind != flow.ActionScheduleRemoval {
			continue
		}
		if err := c.apply(ctx, ev, a); err != nil {
			c.deps.Logger.Error("中断後のフレンド削除予約に失敗しました",
				slog.String("bot_id", ev.botID),
				slog.String("steam_id", ev.steamID),
				slog.String("error", err.Error()),
			)
			continue
		}
		c.deps.Logger.Info("中断後にフレンド削除を予約しました",
			slog.String("bot_id", ev.botID),
			slog.String("steam_id", ev.steamID),
		)
	}
}

func (c *Coordinator) apply(ctx context.Context, ev event, a flow.Action) error {
	client := ev.session.Client

	switch a.Kind {
	case flow.ActionAcceptFriend:
		return client.AddFriend(ctx, ev.botID, ev.steamID)

	case flow.ActionRemoveFriend:
		return client.RemoveFriend(ctx, ev.botID, ev.steamID)

	case flow.ActionSendMessage:
		return client.SendChatMessage(ctx, ev.botID, ev.steamID, a.Message, a.Casual)

	case flow.ActionWait:
		return c.sleep(ctx, a.Delay)

	case flow.ActionNotifyFriendAdded:
		conns, err := c.deps.BindingTokens.ListPendingBrowserConnections(ctx, ev.botID)
		if err != nil {
			return err
		}
		c.notify("OnSteamFriendAdded", c.deps.Notifier.NotifySteamFriendAdded(ctx, conns))
		return nil

	case flow.ActionScheduleRemoval:
		action := model.NewRemoveFriendAction(ev.steamID, a.Message, true)
		if err := c.deps.Publisher.PublishDelayed(ctx, ev.botID, action, a.Delay); err != nil {
			return err
		}
		c.deps.Metrics.RecordDelayedAction(string(action.Type))
		return nil

	case flow.ActionRebind:
		err := c.deps.Users.Rebind(ctx, ev.user, ev.botID)
		if errors.Is(err, repository.ErrConflict) {
			return errAbandoned
		}
		return err

	case flow.ActionSetStatus:
		return c.setStatus(ctx, ev.user, a.Status)

	case flow.ActionDeleteBindingTokens:
		_, err := c.deps.BindingTokens.DeleteBySteamIDAndBot(ctx, ev.steamID, ev.botID)
		return err

	case flow.ActionNotifyBindingCode:
		name, err := client.GetUserProfileName(ctx, ev.botID, ev.steamID)
		if err != nil {
			c.deps.Logger.Warn("プロフィール名の取得に失敗しました",
				slog.String("bot_id", ev.botID),
				slog.String("error", err.Error()),
			)
		}
		avatar, err := client.GetUserAvatarHash(ctx, ev.botID, ev.steamID)
		if err != nil {
			c.deps.Logger.Warn("アバターの取得に失敗しました",
				slog.String("bot_id", ev.botID),
				slog.String("error", err.Error()),
			)
		}
		c.notify("OnBindingCodeReceived",
			c.deps.Notifier.NotifyBindingCodeReceived(ctx, a.ConnectionID, name, avatar))
		return nil

	case flow.ActionNotifyLoginCode:
		c.notify("OnLoginCodeReceived", c.deps.Notifier.NotifyLoginCodeReceived(ctx, a.ConnectionID))
		return nil

	case flow.ActionAskQA:
		answer := c.deps.QA.Ask(ctx, a.Message, ev.user.ID)
		if answer == "" {
			return nil
		}
		return client.SendChatMessage(ctx, ev.botID, ev.steamID, answer, true)

	default:
		return fmt.Errorf("未知のアクションです: %d", a.Kind)
	}
}

// setStatus はステータスを変更する。競合した場合は最新のユーザーを読み直して再試行する。
func (c *Coordinator) setStatus(ctx context.Context, user *model.User, status model.StatusClaim) error {
	current := user
	return repository.RetryOnConflict(ctx, repository.DefaultConflictAttempts, func(ctx context.Context) error {
		if current == nil {
			reloaded, err := c.deps.Users.FindBySteamID(ctx, user.SteamID)
			if err != nil {
				return err
			}
			if reloaded == nil {
				return nil
			}
			current = reloaded
		}
		if current.Status == status {
			return nil
		}
		err := c.deps.Users.UpdateStatus(ctx, current, status)
		if errors.Is(err, repository.ErrConflict) {
			current = nil
		}
		return err
	})
}

// notify はブラウザ通知の失敗を記録する。通知はベストエフォートのため処理は続ける。
func (c *Coordinator) notify(event string, err error) {
	if err != nil {
		c.deps.Logger.Warn("ブラウザ通知に失敗しました",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
