// Package model はドメインモデルを定義する。
package model

// Bot はSteamアカウントを操作するボットを表す。
// SessionIDが空の場合は未割り当て。
type Bot struct {
	ID               string `json:"id"`
	SteamID          string `json:"steamId"`
	Enabled          bool   `json:"enabled"`
	FriendCount      int    `json:"friendCount"`
	FriendUpperLimit int    `json:"friendUpperLimit"`
	Online           bool   `json:"online"`
	SessionID        string `json:"-"`
	RowVersion       int64  `json:"-"`
}

// HasFriendCapacity はフレンド枠に空きがあるかを返す。
func (b *Bot) HasFriendCapacity() bool {
	return b.FriendCount < b.FriendUpperLimit
}

// BotUpdate はセッションから報告されるボットのテレメトリ更新。
// nilフィールドは更新しない。
type BotUpdate struct {
	ID          string  `json:"id"`
	FriendCount *int    `json:"friendCount,omitempty"`
	Online      *bool   `json:"online,omitempty"`
	SteamID     *string `json:"steamId,omitempty"`
}

// IsEmpty は更新対象フィールドが1つもないかを返す。
func (u BotUpdate) IsEmpty() bool {
	return u.FriendCount == nil && u.Online == nil && u.SteamID == nil
}

// Apply は更新内容をボットに反映する。
func (u BotUpdate) Apply(bot *Bot) {
	if u.FriendCount != nil {
		bot.FriendCount = *u.FriendCount
	}
	if u.Online != nil {
		bot.Online = *u.Online
	}
	if u.SteamID != nil {
		bot.SteamID = *u.SteamID
	}
}
