package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrConflict は楽観的同時実行制御で他の更新と競合したことを示す。
var ErrConflict = errors.New("concurrent update conflict")

// DefaultConflictAttempts は競合時の再試行回数の既定値。
const DefaultConflictAttempts = 5

// RetryOnConflict はfnがErrConflictを返す間、最大attempts回まで再実行する。
// fnは毎回最新のレコードを読み直してから更新すること。
// ErrConflict以外のエラーおよび成功時は即座に返る。
func RetryOnConflict(ctx context.Context, attempts int, fn func(ctx context.Context) error) error {
	if attempts <= 0 {
		attempts = DefaultConflictAttempts
	}

	for i := 0; i < attempts; i++ {
		err := fn(ctx)
		if !errors.Is(err, ErrConflict) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	return fmt.Errorf("競合が%d回連続したため更新を中止しました: %w", attempts, ErrConflict)
}

// expectOneRow は楽観ロック付きUPDATEの結果を検証する。
// 更新件数が0件の場合はErrConflictを返す。
func expectOneRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// nullString は空文字列をsql.NullStringに変換する。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringValue はsql.NullStringから文字列を取得する。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}
