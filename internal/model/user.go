package model

import "time"

// StatusClaim はユーザーの状態を表す。
type StatusClaim string

const (
	// StatusNormal は通常状態。
	StatusNormal StatusClaim = "normal"
	// StatusProbationer は紐付けボットとのフレンド関係が切れた仮状態。
	StatusProbationer StatusClaim = "probationer"
)

// Valid は既知のステータスかを返す。
func (s StatusClaim) Valid() bool {
	return s == StatusNormal || s == StatusProbationer
}

// User はサービス利用ユーザーを表す。
// 作成は外部の登録フローで行われ、このサービスでは更新のみ行う。
type User struct {
	ID               string
	SteamID          string
	SteamBotID       string
	Status           StatusClaim
	SteamProfileName string
	Coupon           int
	RowVersion       int64
}

// IsBoundTo は指定ボットに紐付いているかを返す。
func (u *User) IsBoundTo(botID string) bool {
	return u.SteamBotID != "" && u.SteamBotID == botID
}

// CouponEvent は文券の増減イベント種別。
type CouponEvent string

// CouponLog は文券の増減履歴。
type CouponLog struct {
	ID          string
	UserID      string
	Event       CouponEvent
	Change      int
	Balance     int
	Description string
	CreatedAt   time.Time
}
