package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ブラウザ通知のイベント種別。
const (
	EventSteamFriendAdded    = "OnSteamFriendAdded"
	EventBindingCodeReceived = "OnBindingCodeReceived"
	EventLoginCodeReceived   = "OnLoginCodeReceived"
)

// BrowserNotification はWeb層のハブへ中継される通知。
type BrowserNotification struct {
	Event         string   `json:"event"`
	ConnectionIDs []string `json:"connectionIds"`
	ProfileName   string   `json:"profileName,omitempty"`
	AvatarHash    string   `json:"avatarHash,omitempty"`
}

// BrowserNotifier はブラウザ接続への通知インターフェース。
type BrowserNotifier interface {
	NotifySteamFriendAdded(ctx context.Context, connectionIDs []string) error
	NotifyBindingCodeReceived(ctx context.Context, connectionID, profileName, avatarHash string) error
	NotifyLoginCodeReceived(ctx context.Context, connectionID string) error
}

// FanoutNotifier はfanoutエクスチェンジへ通知を発行するBrowserNotifier実装。
type FanoutNotifier struct {
	ch       *channel
	exchange string
	logger   *slog.Logger
}

// NewFanoutNotifier はチャネルを開いてエクスチェンジを宣言し、FanoutNotifierを生成する。
func NewFanoutNotifier(open Opener, exchange string, logger *slog.Logger) (*FanoutNotifier, error) {
	ch, err := newChannel(open, func(ch amqpChannel) error {
		if err := ch.ExchangeDeclare(exchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
			return fmt.Errorf("通知エクスチェンジの宣言に失敗しました: %w", err)
		}
		return nil
	}, logger)
	if err != nil {
		return nil, err
	}
	return &FanoutNotifier{ch: ch, exchange: exchange, logger: logger}, nil
}

// Close はチャネルと接続を閉じる。
func (n *FanoutNotifier) Close() error {
	return n.ch.Close()
}

// NotifySteamFriendAdded はボットがフレンド申請を承認したことを通知する。
// 接続IDが空の場合は何もしない。
func (n *FanoutNotifier) NotifySteamFriendAdded(ctx context.Context, connectionIDs []string) error {
	if len(connectionIDs) == 0 {
		return nil
	}
	return n.publish(ctx, BrowserNotification{
		Event:         EventSteamFriendAdded,
		ConnectionIDs: connectionIDs,
	})
}

// NotifyBindingCodeReceived は紐付けコードを受信したことを通知する。
func (n *FanoutNotifier) NotifyBindingCodeReceived(ctx context.Context, connectionID, profileName, avatarHash string) error {
	return n.publish(ctx, BrowserNotification{
		Event:         EventBindingCodeReceived,
		ConnectionIDs: []string{connectionID},
		ProfileName:   profileName,
		AvatarHash:    avatarHash,
	})
}

// NotifyLoginCodeReceived はログインコードを受信したことを通知する。
func (n *FanoutNotifier) NotifyLoginCodeReceived(ctx context.Context, connectionID string) error {
	return n.publish(ctx, BrowserNotification{
		Event:         EventLoginCodeReceived,
		ConnectionIDs: []string{connectionID},
	})
}

func (n *FanoutNotifier) publish(ctx context.Context, notification BrowserNotification) error {
	body, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("通知のシリアライズに失敗しました: %w", err)
	}

	err = n.ch.publish(ctx, n.exchange, "", amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
	if err != nil {
		return fmt.Errorf("ブラウザ通知の発行に失敗しました: %w", err)
	}

	n.logger.Debug("ブラウザ通知を発行しました",
		slog.String("event", notification.Event),
		slog.Int("connections", len(notification.ConnectionIDs)),
	)
	return nil
}

var _ BrowserNotifier = (*FanoutNotifier)(nil)
