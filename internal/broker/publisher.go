// Package broker はRabbitMQへのメッセージ発行を提供する。
// 遅延アクションはx-delayed-messageエクスチェンジへ、ブラウザ通知はfanoutエクスチェンジへ送る。
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hitoshi/botcoord/internal/model"
)

// DelayedActionPublisher は遅延アクションを発行するインターフェース。
type DelayedActionPublisher interface {
	PublishDelayed(ctx context.Context, botID string, action model.DelayedAction, delay time.Duration) error
}

// DelayedPublisher はx-delayed-messageエクスチェンジを使用する遅延アクション発行者。
// ルーティングキーは "<queuePrefix>.<botID>"、遅延はx-delayヘッダー（ミリ秒）で指定する。
type DelayedPublisher struct {
	ch          *channel
	exchange    string
	queuePrefix string
	logger      *slog.Logger
}

// NewDelayedPublisher はチャネルを開いてエクスチェンジを宣言し、DelayedPublisherを生成する。
// チャネルが閉じられた場合は次の発行時にopenで開き直す。
func NewDelayedPublisher(open Opener, exchange, queuePrefix string, logger *slog.Logger) (*DelayedPublisher, error) {
	ch, err := newChannel(open, func(ch amqpChannel) error {
		err := ch.ExchangeDeclare(exchange, "x-delayed-message", true, false, false, false,
			amqp.Table{"x-delayed-type": "topic"},
		)
		if err != nil {
			return fmt.Errorf("遅延エクスチェンジの宣言に失敗しました: %w", err)
		}
		return nil
	}, logger)
	if err != nil {
		return nil, err
	}

	return &DelayedPublisher{
		ch:          ch,
		exchange:    exchange,
		queuePrefix: queuePrefix,
		logger:      logger,
	}, nil
}

// Close はチャネルと接続を閉じる。
func (p *DelayedPublisher) Close() error {
	return p.ch.Close()
}

// RoutingKey はボット宛てのルーティングキーを返す。
func (p *DelayedPublisher) RoutingKey(botID string) string {
	return p.queuePrefix + "." + botID
}

// PublishDelayed は遅延アクションを発行する。配信後の処理は外部ワーカーが行う。
func (p *DelayedPublisher) PublishDelayed(ctx context.Context, botID string, action model.DelayedAction, delay time.Duration) error {
	body, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("遅延アクションのシリアライズに失敗しました: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers:      amqp.Table{"x-delay": delay.Milliseconds()},
		Body:         body,
	}

	if err := p.ch.publish(ctx, p.exchange, p.RoutingKey(botID), msg); err != nil {
		return fmt.Errorf("遅延アクションの発行に失敗しました: %w", err)
	}

	p.logger.Info("遅延アクションを発行しました",
		slog.String("type", string(action.Type)),
		slog.String("bot_id", botID),
		slog.Int64("delay_ms", delay.Milliseconds()),
	)
	return nil
}

var _ DelayedActionPublisher = (*DelayedPublisher)(nil)
