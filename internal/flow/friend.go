package flow

import "github.com/hitoshi/botcoord/internal/model"

// OnFriendRequest は新しいフレンド申請に対するアクションを返す。
// userは申請者のSteam IDで検索した結果（非会員ならnil）、botは申請先ボット（不明ならnil）。
func OnFriendRequest(p Pacing, user *model.User, bot *model.Bot) []Action {
	actions := []Action{{Kind: ActionAcceptFriend}}

	switch {
	case user == nil:
		return append(actions,
			Action{Kind: ActionNotifyFriendAdded},
			wait(p.Chat),
			say(MsgWelcome),
			Action{Kind: ActionScheduleRemoval, Message: MsgSessionTimedOut, Delay: p.FriendRemoval},
		)

	case user.Status == model.StatusProbationer && bot != nil && bot.HasFriendCapacity():
		return append(actions,
			Action{Kind: ActionRebind},
			wait(p.Chat),
			say(MsgRebound),
		)

	default:
		return append(actions,
			wait(p.Chat),
			say(MsgDuplicateBinding),
			Action{Kind: ActionRemoveFriend},
		)
	}
}

// OnRelationshipNone はフレンド関係が解消されたときのアクションを返す。
func OnRelationshipNone(user *model.User, botID string) []Action {
	if user == nil {
		return []Action{{Kind: ActionDeleteBindingTokens}}
	}
	if user.IsBoundTo(botID) {
		return []Action{{Kind: ActionSetStatus, Status: model.StatusProbationer}}
	}
	return nil
}
