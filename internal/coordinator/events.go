package coordinator

import (
	"context"
	"fmt"

	"github.com/hitoshi/botcoord/internal/flow"
	"github.com/hitoshi/botcoord/internal/model"
)

// event はアクション列を実行する対象。
// 指示はイベントを報告したセッションへ送る。
type event struct {
	session *Session
	botID   string
	steamID string
	user    *model.User
}

// OnBotNewFriendRequest はボットへの新しいフレンド申請を処理する。
func (c *Coordinator) OnBotNewFriendRequest(ctx context.Context, session *Session, steamID, botID string) error {
	user, err := c.deps.Users.FindBySteamID(ctx, steamID)
	if err != nil {
		return err
	}

	var bot *model.Bot
	if user != nil {
		bot, err = c.deps.Bots.FindByID(ctx, botID)
		if err != nil {
			return err
		}
	}

	actions := flow.OnFriendRequest(c.deps.Pacing, user, bot)
	return c.execute(ctx, event{session: session, botID: botID, steamID: steamID, user: user}, actions)
}

// OnUserBotRelationshipNone はユーザーとボットのフレンド関係が解消されたことを処理する。
func (c *Coordinator) OnUserBotRelationshipNone(ctx context.Context, session *Session, steamID, botID string) error {
	user, err := c.deps.Users.FindBySteamID(ctx, steamID)
	if err != nil {
		return err
	}

	actions := flow.OnRelationshipNone(user, botID)
	return c.execute(ctx, event{session: session, botID: botID, steamID: steamID, user: user}, actions)
}

// OnBotNewChatMessage はボットが受信したチャットメッセージを処理する。
// 非会員の発言は紐付けコード、会員の4桁の数字はログインコード、それ以外はQ&Aへの質問として扱う。
func (c *Coordinator) OnBotNewChatMessage(ctx context.Context, session *Session, steamID, botID, message string) error {
	user, err := c.deps.Users.FindBySteamID(ctx, steamID)
	if err != nil {
		return err
	}

	var actions []flow.Action
	intent := flow.ClassifyChat(user, message)
	switch intent.Kind {
	case flow.IntentBindingCode:
		token, err := c.deps.BindingTokens.Claim(ctx, intent.Code, botID, steamID)
		if err != nil {
			return err
		}
		actions = flow.OnBindingCode(c.deps.Pacing, token)
	case flow.IntentLoginCode:
		token, err := c.deps.LoginTokens.Claim(ctx, intent.Code, steamID)
		if err != nil {
			return err
		}
		actions = flow.OnLoginCode(token)
	case flow.IntentQuestion:
		actions = flow.OnQuestion(intent.Text)
	default:
		return fmt.Errorf("未知のメッセージ種別です: %d", intent.Kind)
	}

	return c.execute(ctx, event{session: session, botID: botID, steamID: steamID, user: user}, actions)
}
