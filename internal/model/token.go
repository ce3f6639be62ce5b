package model

import "time"

// BindingToken はSteamアカウント紐付け用の使い捨てコード。
// BotIDとSteamIDは確定（claim）するまで空。
type BindingToken struct {
	ID                  string
	Code                string
	BotID               string
	SteamID             string
	BrowserConnectionID string
	CreatedAt           time.Time
}

// Claimed はコードが既に確定済みかを返す。
func (t *BindingToken) Claimed() bool {
	return t.SteamID != ""
}

// LoginToken はSteam経由ログイン用の4桁コード。
type LoginToken struct {
	ID                  string
	Code                string
	SteamID             string
	BrowserConnectionID string
	CreatedAt           time.Time
}

// Claimed はコードが既に確定済みかを返す。
func (t *LoginToken) Claimed() bool {
	return t.SteamID != ""
}
