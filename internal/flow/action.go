// Package flow はフレンド申請とチャットメッセージに対する判断を行う。
// 各関数は入力（イベントと検索結果）から実行すべきアクションの順序付きリストを返すだけで、
// 副作用は持たない。実行はcoordinatorパッケージが担う。
package flow

import (
	"time"

	"github.com/hitoshi/botcoord/internal/model"
)

// ActionKind はアクションの種別。
type ActionKind int

const (
	// ActionAcceptFriend はフレンド申請を承認させる。
	ActionAcceptFriend ActionKind = iota + 1
	// ActionRemoveFriend はフレンドを削除させる。
	ActionRemoveFriend
	// ActionSendMessage はチャットメッセージを送らせる。
	ActionSendMessage
	// ActionWait は次のアクションまで待つ。
	ActionWait
	// ActionNotifyFriendAdded は紐付け待ちのブラウザ接続へフレンド追加を通知する。
	ActionNotifyFriendAdded
	// ActionScheduleRemoval はフレンド削除の遅延アクションを発行する。
	ActionScheduleRemoval
	// ActionRebind はユーザーをこのボットに紐付け直す。競合した場合は以降を中止する。
	ActionRebind
	// ActionSetStatus はユーザーのステータスを変更する。
	ActionSetStatus
	// ActionDeleteBindingTokens は未完了の紐付けコードを削除する。
	ActionDeleteBindingTokens
	// ActionNotifyBindingCode はコード発行元のブラウザ接続へ紐付け完了を通知する。
	ActionNotifyBindingCode
	// ActionNotifyLoginCode はコード発行元のブラウザ接続へログイン完了を通知する。
	ActionNotifyLoginCode
	// ActionAskQA は外部Q&Aに質問し、回答があればカジュアルメッセージとして送る。
	ActionAskQA
)

var actionKindNames = map[ActionKind]string{
	ActionAcceptFriend:        "AcceptFriend",
	ActionRemoveFriend:        "RemoveFriend",
	ActionSendMessage:         "SendMessage",
	ActionWait:                "Wait",
	ActionNotifyFriendAdded:   "NotifyFriendAdded",
	ActionScheduleRemoval:     "ScheduleRemoval",
	ActionRebind:              "Rebind",
	ActionSetStatus:           "SetStatus",
	ActionDeleteBindingTokens: "DeleteBindingTokens",
	ActionNotifyBindingCode:   "NotifyBindingCode",
	ActionNotifyLoginCode:     "NotifyLoginCode",
	ActionAskQA:               "AskQA",
}

func (k ActionKind) String() string {
	if name, ok := actionKindNames[k]; ok {
		return name
	}
	return "Unknown"
}

// Action は1つの副作用。種別ごとに使うフィールドが異なる。
type Action struct {
	Kind         ActionKind
	Message      string            // SendMessage, ScheduleRemoval, AskQA(質問文)
	Casual       bool              // SendMessage
	Delay        time.Duration     // Wait, ScheduleRemoval
	Status       model.StatusClaim // SetStatus
	ConnectionID string            // NotifyBindingCode, NotifyLoginCode
}

// Pacing はメッセージ送信の間隔と遅延アクションの猶予。
type Pacing struct {
	Chat          time.Duration // 連続するメッセージの前に置く待ち時間
	PrivacyHint   time.Duration // 紐付け完了からプライバシー設定の案内までの待ち時間
	FriendRemoval time.Duration // 未紐付けのフレンドを削除するまでの猶予
}

// DefaultPacing は既定の待ち時間を返す。
func DefaultPacing() Pacing {
	return Pacing{
		Chat:          3 * time.Second,
		PrivacyHint:   5 * time.Second,
		FriendRemoval: 5 * time.Minute,
	}
}

func wait(d time.Duration) Action {
	return Action{Kind: ActionWait, Delay: d}
}

func say(msg string) Action {
	return Action{Kind: ActionSendMessage, Message: msg}
}
