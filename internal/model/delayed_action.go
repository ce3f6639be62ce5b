package model

// DelayedActionType は遅延アクションの種別。
type DelayedActionType string

const (
	// DelayedActionRemoveFriend はフレンド削除アクション。
	DelayedActionRemoveFriend DelayedActionType = "RemoveFriend"
	// DelayedActionSendChatMessage はチャットメッセージ送信アクション。
	DelayedActionSendChatMessage DelayedActionType = "SendChatMessage"
)

// DelayedAction はブローカー経由で遅延配信されるアクション。
// DBには保存せず、配信後の解釈は外部のアクションハンドラが行う。
type DelayedAction struct {
	Type       DelayedActionType `json:"Type"`
	Properties map[string]any    `json:"Properties"`
}

// NewRemoveFriendAction はフレンド削除の遅延アクションを生成する。
// onlyIfNotMemberがtrueの場合、配信時点で会員になっていれば削除しない。
func NewRemoveFriendAction(steamID, message string, onlyIfNotMember bool) DelayedAction {
	return DelayedAction{
		Type: DelayedActionRemoveFriend,
		Properties: map[string]any{
			"OnlyIfNotKeylolUser": onlyIfNotMember,
			"Message":             message,
			"SteamId":             steamID,
		},
	}
}
