package model

import "fmt"

// APIError はセッションへ返すプロトコルレベルのエラーを表す。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: session, validation, system
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeSessionNotLive = "SESSION_NOT_LIVE"
	ErrCodeInvalidParams  = "INVALID_PARAMS"
	ErrCodeUnknownMethod  = "UNKNOWN_METHOD"
	ErrCodeBotNotAssigned = "BOT_NOT_ASSIGNED"
	ErrCodeURLNotAllowed  = "URL_NOT_ALLOWED"
	ErrCodeRateLimited    = "RATE_LIMITED"
	ErrCodeInternal       = "INTERNAL"
)

// NewSessionNotLiveError はセッションが既に切断済みの場合のエラーを生成する。
func NewSessionNotLiveError(sessionID string) *APIError {
	return &APIError{
		Code:     ErrCodeSessionNotLive,
		Message:  fmt.Sprintf("セッションは既に切断されています: %s", sessionID),
		Category: "session",
	}
}

// NewInvalidParamsError はパラメータ不正エラーを生成する。
func NewInvalidParamsError(method, reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidParams,
		Message:  fmt.Sprintf("%s のパラメータが不正です: %s", method, reason),
		Category: "validation",
	}
}

// NewUnknownMethodError は未知のメソッド呼び出しエラーを生成する。
func NewUnknownMethodError(method string) *APIError {
	return &APIError{
		Code:     ErrCodeUnknownMethod,
		Message:  fmt.Sprintf("未知のメソッドです: %s", method),
		Category: "validation",
	}
}

// NewBotNotAssignedError はボットを担当するセッションが存在しない場合のエラーを生成する。
func NewBotNotAssignedError(botID string) *APIError {
	return &APIError{
		Code:     ErrCodeBotNotAssigned,
		Message:  fmt.Sprintf("ボットを担当するセッションがありません: %s", botID),
		Category: "session",
	}
}

// NewURLNotAllowedError は取得が許可されないURLのエラーを生成する。
func NewURLNotAllowedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeURLNotAllowed,
		Message:  fmt.Sprintf("取得が許可されていないURLです: %s", reason),
		Category: "validation",
	}
}

// NewRateLimitedError は接続要求が多すぎる場合のエラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "接続要求が多すぎます。しばらく待ってから再接続してください。",
		Category: "system",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログにのみ残す。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
	}
}
