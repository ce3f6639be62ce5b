// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"

	"github.com/hitoshi/botcoord/internal/model"
)

// BotRepository はボットデータの永続化インターフェース。
type BotRepository interface {
	// FindByID は指定IDのボットを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Bot, error)

	// ListByIDs は指定IDのボットを取得する。存在しないIDは無視する。
	ListByIDs(ctx context.Context, ids []string) ([]*model.Bot, error)

	// CountEnabled は有効なボットの数を返す。
	CountEnabled(ctx context.Context) (int, error)

	// Allocate は有効かつ未割り当てのボットを最大count件選び、sessionIDを割り当てる。
	// session_idがNULLまたはliveSessionIDsに含まれないボットを未割り当てとみなす。
	// 選択と更新は単一のステートメントで行い、割り当て済みのボットを返す。
	Allocate(ctx context.Context, sessionID string, liveSessionIDs []string, count int) ([]*model.Bot, error)

	// Reassign は指定ボットのsession_idを書き換える。
	Reassign(ctx context.Context, botIDs []string, sessionID string) error

	// ReleaseSession は指定セッションに割り当てられた全ボットを未割り当てに戻す。
	ReleaseSession(ctx context.Context, sessionID string) (int64, error)

	// ResetAllSessions は全ボットの割り当てを解除する。プロセス起動時に使用する。
	ResetAllSessions(ctx context.Context) (int64, error)

	// UpdateTelemetry はfriend_count、online、steam_idをrow_version付きで更新する。
	// 他の更新と競合した場合はErrConflictを返す。
	UpdateTelemetry(ctx context.Context, bot *model.Bot) error
}

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindBySteamID はSteam IDでユーザーを検索する。見つからない場合はnilを返す。
	FindBySteamID(ctx context.Context, steamID string) (*model.User, error)

	// ExistsBySteamIDAndBot はSteam IDと紐付けボットが一致するユーザーが存在するかを返す。
	ExistsBySteamIDAndBot(ctx context.Context, steamID, botID string) (bool, error)

	// Rebind は紐付けボットを書き換え、ステータスをNormalに戻す。
	// row_version付きで更新し、競合時はErrConflictを返して保存済みの値を優先する。
	Rebind(ctx context.Context, user *model.User, botID string) error

	// UpdateStatus はステータスをrow_version付きで更新する。競合時はErrConflictを返す。
	UpdateStatus(ctx context.Context, user *model.User, status model.StatusClaim) error

	// UpdateProfileName はSteamプロフィール名をrow_version付きで更新する。競合時はErrConflictを返す。
	UpdateProfileName(ctx context.Context, user *model.User, name string) error

	// ApplyCouponEvent は文券残高を増減し、履歴を記録して新しい残高を返す。
	ApplyCouponEvent(ctx context.Context, userID string, event model.CouponEvent, delta int, description string) (int, error)
}

// BindingTokenRepository はアカウント紐付けコードの永続化インターフェース。
type BindingTokenRepository interface {
	// ListPendingBrowserConnections は指定ボット宛ての未確定トークンのブラウザ接続IDを返す。
	ListPendingBrowserConnections(ctx context.Context, botID string) ([]string, error)

	// Claim は未確定のコードを確定する。該当がない場合はnilを返す。
	// 同じコードを確定できるのは1回だけ。
	Claim(ctx context.Context, code, botID, steamID string) (*model.BindingToken, error)

	// DeleteBySteamIDAndBot は指定アカウントとボットのトークンを削除する。
	DeleteBySteamIDAndBot(ctx context.Context, steamID, botID string) (int64, error)
}

// LoginTokenRepository はログインコードの永続化インターフェース。
type LoginTokenRepository interface {
	// Claim は未確定のコードを確定する。該当がない場合はnilを返す。
	Claim(ctx context.Context, code, steamID string) (*model.LoginToken, error)
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
