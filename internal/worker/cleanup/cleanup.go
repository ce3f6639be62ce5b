// Package cleanup は期限切れの紐付けコードとログインコードの削除ジョブを提供する。
// コードはブラウザ側のフローが終わった後も残るため、保持期間を過ぎたものを定期的に削除する。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// DefaultRetention はコードの保持期間の既定値。
const DefaultRetention = 24 * time.Hour

// tokenTables は削除対象のテーブル。
var tokenTables = []string{"steam_binding_tokens", "steam_login_tokens"}

// CleanupJob は保持期間を超過したコードの削除ジョブ。冪等に実行できる。
type CleanupJob struct {
	db        Executor
	logger    *slog.Logger
	Retention time.Duration
}

// NewCleanupJob は新しいCleanupJobを生成する。retentionが0以下の場合は既定値を使う。
func NewCleanupJob(db Executor, logger *slog.Logger, retention time.Duration) *CleanupJob {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &CleanupJob{
		db:        db,
		logger:    logger,
		Retention: retention,
	}
}

// Run はcreated_atが保持期間より古いコードを削除する。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	interval := fmt.Sprintf("%d seconds", int64(j.Retention.Seconds()))

	var total int64
	for _, table := range tokenTables {
		query := `DELETE FROM ` + table + ` WHERE created_at < now() - $1::interval`
		result, err := j.db.ExecContext(ctx, query, interval)
		if err != nil {
			j.logger.Error("コードのクリーンアップに失敗しました",
				slog.String("table", table),
				slog.String("error", err.Error()),
			)
			return fmt.Errorf("%s のクリーンアップに失敗: %w", table, err)
		}

		deleted, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("削除件数の取得に失敗: %w", err)
		}
		total += deleted
	}

	j.logger.Info("コードのクリーンアップが完了しました",
		slog.Int64("deleted_count", total),
		slog.Duration("retention", j.Retention),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// Start はintervalごとにRunを実行する。起動直後に1回実行し、ctxがキャンセルされると戻る。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	if err := j.Run(ctx); err != nil && ctx.Err() == nil {
		j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil && ctx.Err() == nil {
				j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
			}
		}
	}
}
