package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/botcoord/internal/model"
)

// PostgresBotRepo はPostgreSQLを使用したボットリポジトリ。
type PostgresBotRepo struct {
	db *sql.DB
}

// NewPostgresBotRepo はPostgresBotRepoを生成する。
func NewPostgresBotRepo(db *sql.DB) *PostgresBotRepo {
	return &PostgresBotRepo{db: db}
}

const botColumns = `id, steam_id, enabled, friend_count, friend_upper_limit, online, session_id, row_version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBot(row rowScanner) (*model.Bot, error) {
	bot := &model.Bot{}
	var steamID, sessionID sql.NullString
	if err := row.Scan(
		&bot.ID, &steamID, &bot.Enabled, &bot.FriendCount, &bot.FriendUpperLimit,
		&bot.Online, &sessionID, &bot.RowVersion,
	); err != nil {
		return nil, err
	}
	bot.SteamID = nullStringValue(steamID)
	bot.SessionID = nullStringValue(sessionID)
	return bot, nil
}

func scanBots(rows *sql.Rows) ([]*model.Bot, error) {
	var bots []*model.Bot
	for rows.Next() {
		bot, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		bots = append(bots, bot)
	}
	return bots, rows.Err()
}

// FindByID は指定IDのボットを取得する。見つからない場合はnilを返す。
func (r *PostgresBotRepo) FindByID(ctx context.Context, id string) (*model.Bot, error) {
	bot, err := scanBot(r.db.QueryRowContext(ctx,
		`SELECT `+botColumns+` FROM steam_bots WHERE id = $1`, id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ボットの取得に失敗しました: %w", err)
	}
	return bot, nil
}

// ListByIDs は指定IDのボットをID順に取得する。
func (r *PostgresBotRepo) ListByIDs(ctx context.Context, ids []string) ([]*model.Bot, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+botColumns+` FROM steam_bots WHERE id = ANY($1) ORDER BY id`,
		pq.Array(ids),
	)
	if err != nil {
		return nil, fmt.Errorf("ボット一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	bots, err := scanBots(rows)
	if err != nil {
		return nil, fmt.Errorf("ボット一覧の読み取りに失敗しました: %w", err)
	}
	return bots, nil
}

// CountEnabled は有効なボットの数を返す。
func (r *PostgresBotRepo) CountEnabled(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM steam_bots WHERE enabled`,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("有効なボット数の取得に失敗しました: %w", err)
	}
	return n, nil
}

// Allocate は未割り当てのボットを最大count件、ID順に選んでsessionIDへ割り当てる。
// 選択した行はFOR UPDATE SKIP LOCKEDでロックするため、並行する割り当てと同じボットを奪い合わない。
func (r *PostgresBotRepo) Allocate(ctx context.Context, sessionID string, liveSessionIDs []string, count int) ([]*model.Bot, error) {
	if count <= 0 {
		return nil, nil
	}
	if liveSessionIDs == nil {
		liveSessionIDs = []string{}
	}

	rows, err := r.db.QueryContext(ctx,
		`WITH picked AS (
		     SELECT id FROM steam_bots
		     WHERE enabled
		       AND (session_id IS NULL OR NOT (session_id = ANY($2)))
		     ORDER BY id
		     LIMIT $3
		     FOR UPDATE SKIP LOCKED
		 )
		 UPDATE steam_bots b
		 SET session_id = $1, row_version = b.row_version + 1
		 FROM picked
		 WHERE b.id = picked.id
		 RETURNING b.id, b.steam_id, b.enabled, b.friend_count, b.friend_upper_limit,
		           b.online, b.session_id, b.row_version`,
		sessionID, pq.Array(liveSessionIDs), count,
	)
	if err != nil {
		return nil, fmt.Errorf("ボットの割り当てに失敗しました: %w", err)
	}
	defer rows.Close()

	bots, err := scanBots(rows)
	if err != nil {
		return nil, fmt.Errorf("割り当て結果の読み取りに失敗しました: %w", err)
	}
	return bots, nil
}

// Reassign は指定ボットのsession_idを書き換える。
func (r *PostgresBotRepo) Reassign(ctx context.Context, botIDs []string, sessionID string) error {
	if len(botIDs) == 0 {
		return nil
	}

	_, err := r.db.ExecContext(ctx,
		`UPDATE steam_bots SET session_id = $2, row_version = row_version + 1
		 WHERE id = ANY($1)`,
		pq.Array(botIDs), nullString(sessionID),
	)
	if err != nil {
		return fmt.Errorf("ボットの再割り当てに失敗しました: %w", err)
	}
	return nil
}

// ReleaseSession は指定セッションに割り当てられた全ボットを未割り当てに戻す。
func (r *PostgresBotRepo) ReleaseSession(ctx context.Context, sessionID string) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE steam_bots SET session_id = NULL, row_version = row_version + 1
		 WHERE session_id = $1`,
		sessionID,
	)
	if err != nil {
		return 0, fmt.Errorf("セッションのボット解放に失敗しました: %w", err)
	}
	return result.RowsAffected()
}

// ResetAllSessions は全ボットの割り当てを解除する。
func (r *PostgresBotRepo) ResetAllSessions(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE steam_bots SET session_id = NULL, row_version = row_version + 1
		 WHERE session_id IS NOT NULL`,
	)
	if err != nil {
		return 0, fmt.Errorf("ボット割り当ての初期化に失敗しました: %w", err)
	}
	return result.RowsAffected()
}

// UpdateTelemetry はfriend_count、online、steam_idを楽観ロック付きで更新する。
// 成功した場合はbot.RowVersionを進める。
func (r *PostgresBotRepo) UpdateTelemetry(ctx context.Context, bot *model.Bot) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE steam_bots
		 SET friend_count = $2, online = $3, steam_id = $4, row_version = row_version + 1
		 WHERE id = $1 AND row_version = $5`,
		bot.ID, bot.FriendCount, bot.Online, nullString(bot.SteamID), bot.RowVersion,
	)
	if err != nil {
		return fmt.Errorf("ボット状態の更新に失敗しました: %w", err)
	}
	if err := expectOneRow(result); err != nil {
		return err
	}
	bot.RowVersion++
	return nil
}

var _ BotRepository = (*PostgresBotRepo)(nil)
