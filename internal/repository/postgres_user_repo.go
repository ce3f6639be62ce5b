package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/hitoshi/botcoord/internal/model"
)

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// FindBySteamID はSteam IDでユーザーを検索する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindBySteamID(ctx context.Context, steamID string) (*model.User, error) {
	user := &model.User{}
	var botID sql.NullString
	var status string

	err := r.db.QueryRowContext(ctx,
		`SELECT id, steam_id, steam_bot_id, status, steam_profile_name, coupon, row_version
		 FROM users WHERE steam_id = $1`,
		steamID,
	).Scan(&user.ID, &user.SteamID, &botID, &status, &user.SteamProfileName, &user.Coupon, &user.RowVersion)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Steam IDによるユーザーの検索に失敗しました: %w", err)
	}

	user.SteamBotID = nullStringValue(botID)
	user.Status = model.StatusClaim(status)
	return user, nil
}

// ExistsBySteamIDAndBot はSteam IDと紐付けボットが一致するユーザーが存在するかを返す。
func (r *PostgresUserRepo) ExistsBySteamIDAndBot(ctx context.Context, steamID, botID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE steam_id = $1 AND steam_bot_id = $2)`,
		steamID, botID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("会員判定に失敗しました: %w", err)
	}
	return exists, nil
}

// Rebind は紐付けボットとステータスを楽観ロック付きで更新する。
func (r *PostgresUserRepo) Rebind(ctx context.Context, user *model.User, botID string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE users SET steam_bot_id = $2, status = $3, row_version = row_version + 1
		 WHERE id = $1 AND row_version = $4`,
		user.ID, nullString(botID), string(model.StatusNormal), user.RowVersion,
	)
	if err != nil {
		return fmt.Errorf("紐付けボットの更新に失敗しました: %w", err)
	}
	if err := expectOneRow(result); err != nil {
		return err
	}
	user.SteamBotID = botID
	user.Status = model.StatusNormal
	user.RowVersion++
	return nil
}

// UpdateStatus はステータスを楽観ロック付きで更新する。
func (r *PostgresUserRepo) UpdateStatus(ctx context.Context, user *model.User, status model.StatusClaim) error {
	if !status.Valid() {
		return fmt.Errorf("不正なステータスです: %q", status)
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE users SET status = $2, row_version = row_version + 1
		 WHERE id = $1 AND row_version = $3`,
		user.ID, string(status), user.RowVersion,
	)
	if err != nil {
		return fmt.Errorf("ステータスの更新に失敗しました: %w", err)
	}
	if err := expectOneRow(result); err != nil {
		return err
	}
	user.Status = status
	user.RowVersion++
	return nil
}

// UpdateProfileName はSteamプロフィール名を楽観ロック付きで更新する。
func (r *PostgresUserRepo) UpdateProfileName(ctx context.Context, user *model.User, name string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE users SET steam_profile_name = $2, row_version = row_version + 1
		 WHERE id = $1 AND row_version = $3`,
		user.ID, name, user.RowVersion,
	)
	if err != nil {
		return fmt.Errorf("プロフィール名の更新に失敗しました: %w", err)
	}
	if err := expectOneRow(result); err != nil {
		return err
	}
	user.SteamProfileName = name
	user.RowVersion++
	return nil
}

// ApplyCouponEvent は文券残高を増減し、同じトランザクションで履歴を記録する。
// 残高更新が競合した場合は最新の残高を読み直して再試行する。
func (r *PostgresUserRepo) ApplyCouponEvent(ctx context.Context, userID string, event model.CouponEvent, delta int, description string) (int, error) {
	var balance int
	err := RetryOnConflict(ctx, DefaultConflictAttempts, func(ctx context.Context) error {
		var err error
		balance, err = r.applyCouponEventOnce(ctx, userID, event, delta, description)
		return err
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

func (r *PostgresUserRepo) applyCouponEventOnce(ctx context.Context, userID string, event model.CouponEvent, delta int, description string) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	var current int
	var version int64
	err = tx.QueryRowContext(ctx,
		`SELECT coupon, row_version FROM users WHERE id = $1`, userID,
	).Scan(&current, &version)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("ユーザーが見つかりません: %s", userID)
	}
	if err != nil {
		return 0, fmt.Errorf("文券残高の取得に失敗しました: %w", err)
	}

	balance := current + delta
	result, err := tx.ExecContext(ctx,
		`UPDATE users SET coupon = $2, row_version = row_version + 1
		 WHERE id = $1 AND row_version = $3`,
		userID, balance, version,
	)
	if err != nil {
		return 0, fmt.Errorf("文券残高の更新に失敗しました: %w", err)
	}
	if err := expectOneRow(result); err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO coupon_logs (id, user_id, event, change, balance, description)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.New().String(), userID, string(event), delta, balance, description,
	); err != nil {
		return 0, fmt.Errorf("文券履歴の記録に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return balance, nil
}

var _ UserRepository = (*PostgresUserRepo)(nil)
