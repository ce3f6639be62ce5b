package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/hitoshi/botcoord/internal/model"
	"github.com/hitoshi/botcoord/internal/repository"
)

// UpdateBots はセッションから報告されたボットの状態を保存する。
// 存在しないボットは無視する。競合した場合は最新の状態を読み直して再試行する。
func (c *Coordinator) UpdateBots(ctx context.Context, updates []model.BotUpdate) error {
	var errs []error
	for _, u := range updates {
		if u.ID == "" || u.IsEmpty() {
			continue
		}
		err := repository.RetryOnConflict(ctx, repository.DefaultConflictAttempts, func(ctx context.Context) error {
			bot, err := c.deps.Bots.FindByID(ctx, u.ID)
			if err != nil || bot == nil {
				return err
			}
			u.Apply(bot)
			return c.deps.Bots.UpdateTelemetry(ctx, bot)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("ボット %s: %w", u.ID, err))
		}
	}
	return errors.Join(errs...)
}

// UpdateUser は会員のSteamプロフィール名を保存する。profileNameがnilの場合は何もしない。
func (c *Coordinator) UpdateUser(ctx context.Context, steamID string, profileName *string) error {
	if profileName == nil {
		return nil
	}
	return repository.RetryOnConflict(ctx, repository.DefaultConflictAttempts, func(ctx context.Context) error {
		user, err := c.deps.Users.FindBySteamID(ctx, steamID)
		if err != nil || user == nil {
			return err
		}
		if user.SteamProfileName == *profileName {
			return nil
		}
		return c.deps.Users.UpdateProfileName(ctx, user, *profileName)
	})
}

// IsKeylolUser は指定アカウントが会員で、かつ指定ボットに紐付いているかを返す。
func (c *Coordinator) IsKeylolUser(ctx context.Context, steamID, botID string) (bool, error) {
	return c.deps.Users.ExistsBySteamIDAndBot(ctx, steamID, botID)
}
