package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/botcoord/internal/model"
)

// PostgresBindingTokenRepo はPostgreSQLを使用した紐付けコードリポジトリ。
type PostgresBindingTokenRepo struct {
	db *sql.DB
}

// NewPostgresBindingTokenRepo はPostgresBindingTokenRepoを生成する。
func NewPostgresBindingTokenRepo(db *sql.DB) *PostgresBindingTokenRepo {
	return &PostgresBindingTokenRepo{db: db}
}

// ListPendingBrowserConnections は指定ボット宛ての未確定トークンのブラウザ接続IDを返す。
func (r *PostgresBindingTokenRepo) ListPendingBrowserConnections(ctx context.Context, botID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT browser_connection_id FROM steam_binding_tokens
		 WHERE bot_id = $1 AND steam_id IS NULL
		 ORDER BY browser_connection_id`,
		botID,
	)
	if err != nil {
		return nil, fmt.Errorf("ブラウザ接続IDの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("ブラウザ接続IDの読み取りに失敗しました: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Claim は未確定のコードにボットとSteam IDを書き込む。
// 条件付きUPDATEのため、同じコードに対する並行した確定は1つだけが成功する。
func (r *PostgresBindingTokenRepo) Claim(ctx context.Context, code, botID, steamID string) (*model.BindingToken, error) {
	token := &model.BindingToken{}
	var tokenBotID, tokenSteamID sql.NullString

	err := r.db.QueryRowContext(ctx,
		`UPDATE steam_binding_tokens SET bot_id = $2, steam_id = $3
		 WHERE code = $1 AND steam_id IS NULL
		 RETURNING id, code, bot_id, steam_id, browser_connection_id, created_at`,
		code, botID, steamID,
	).Scan(&token.ID, &token.Code, &tokenBotID, &tokenSteamID, &token.BrowserConnectionID, &token.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("紐付けコードの確定に失敗しました: %w", err)
	}

	token.BotID = nullStringValue(tokenBotID)
	token.SteamID = nullStringValue(tokenSteamID)
	return token, nil
}

// DeleteBySteamIDAndBot は指定アカウントとボットのトークンを削除する。
func (r *PostgresBindingTokenRepo) DeleteBySteamIDAndBot(ctx context.Context, steamID, botID string) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM steam_binding_tokens WHERE steam_id = $1 AND bot_id = $2`,
		steamID, botID,
	)
	if err != nil {
		return 0, fmt.Errorf("紐付けコードの削除に失敗しました: %w", err)
	}
	return result.RowsAffected()
}

var _ BindingTokenRepository = (*PostgresBindingTokenRepo)(nil)

// PostgresLoginTokenRepo はPostgreSQLを使用したログインコードリポジトリ。
type PostgresLoginTokenRepo struct {
	db *sql.DB
}

// NewPostgresLoginTokenRepo はPostgresLoginTokenRepoを生成する。
func NewPostgresLoginTokenRepo(db *sql.DB) *PostgresLoginTokenRepo {
	return &PostgresLoginTokenRepo{db: db}
}

// Claim は未確定のログインコードにSteam IDを書き込む。該当がない場合はnilを返す。
func (r *PostgresLoginTokenRepo) Claim(ctx context.Context, code, steamID string) (*model.LoginToken, error) {
	token := &model.LoginToken{}
	var tokenSteamID sql.NullString

	err := r.db.QueryRowContext(ctx,
		`UPDATE steam_login_tokens SET steam_id = $2
		 WHERE code = $1 AND steam_id IS NULL
		 RETURNING id, code, steam_id, browser_connection_id, created_at`,
		code, steamID,
	).Scan(&token.ID, &token.Code, &tokenSteamID, &token.BrowserConnectionID, &token.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ログインコードの確定に失敗しました: %w", err)
	}

	token.SteamID = nullStringValue(tokenSteamID)
	return token, nil
}

var _ LoginTokenRepository = (*PostgresLoginTokenRepo)(nil)
