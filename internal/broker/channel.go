package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// amqpChannel はこのパッケージが使用するamqp.Channelのメソッド。
// テストでモックに差し替える。
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

// Opener はブローカーへの新しいチャネルを開く。
// 返されるクローズ関数はチャネルと、チャネルが所有する接続を閉じる。
type Opener func() (amqpChannel, func() error, error)

// DialOpener はamqpURLへ接続するOpenerを返す。呼び出すたびに新しい接続を張る。
func DialOpener(amqpURL string) Opener {
	return func() (amqpChannel, func() error, error) {
		ch, closeFn, err := Dial(amqpURL)
		if err != nil {
			return nil, nil, err
		}
		return ch, closeFn, nil
	}
}

// Dial はRabbitMQに接続してチャネルを開く。
// 返されるクローズ関数はチャネルと接続の両方を閉じる。
func Dial(amqpURL string) (*amqp.Channel, func() error, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, nil, fmt.Errorf("RabbitMQへの接続に失敗しました: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("RabbitMQチャネルの作成に失敗しました: %w", err)
	}

	closeFn := func() error {
		ch.Close()
		return conn.Close()
	}
	return ch, closeFn, nil
}

// channel はブローカー再起動やチャネル例外で閉じられたチャネルを開き直す。
// 開き直すたびにsetupでエクスチェンジを宣言し直す。
// amqp.Channelは並行Publishに対して安全でないため、発行はmuで直列化する。
type channel struct {
	open   Opener
	setup  func(amqpChannel) error
	logger *slog.Logger

	mu      sync.Mutex
	ch      amqpChannel
	closeFn func() error
}

func newChannel(open Opener, setup func(amqpChannel) error, logger *slog.Logger) (*channel, error) {
	c := &channel{open: open, setup: setup, logger: logger}
	if err := c.reopenLocked(); err != nil {
		return nil, err
	}
	return c, nil
}

// reopenLocked は現在のチャネルを破棄し、新しいチャネルを開く。muを保持して呼ぶ。
func (c *channel) reopenLocked() error {
	c.discardLocked()

	ch, closeFn, err := c.open()
	if err != nil {
		return err
	}
	if err := c.setup(ch); err != nil {
		if closeFn != nil {
			closeFn()
		}
		return err
	}
	c.ch = ch
	c.closeFn = closeFn
	return nil
}

func (c *channel) discardLocked() {
	if c.closeFn != nil {
		c.closeFn()
	}
	c.ch = nil
	c.closeFn = nil
}

// publish はメッセージを発行する。チャネルが閉じていれば開き直してから発行し、
// 発行がErrClosedで失敗した場合は1度だけ開き直して再送する。
func (c *channel) publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ch == nil || c.ch.IsClosed() {
		if err := c.reconnectLocked(); err != nil {
			return err
		}
	}

	err := c.ch.PublishWithContext(ctx, exchange, key, false, false, msg)
	if !errors.Is(err, amqp.ErrClosed) {
		return err
	}

	if rerr := c.reconnectLocked(); rerr != nil {
		return errors.Join(err, rerr)
	}
	return c.ch.PublishWithContext(ctx, exchange, key, false, false, msg)
}

func (c *channel) reconnectLocked() error {
	if err := c.reopenLocked(); err != nil {
		c.logger.Warn("RabbitMQチャネルの再接続に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("RabbitMQチャネルの再接続に失敗しました: %w", err)
	}
	c.logger.Info("RabbitMQチャネルに再接続しました")
	return nil
}

// Close はチャネルと接続を閉じる。以降の発行は再接続を試みる。
func (c *channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	if c.closeFn != nil {
		err = c.closeFn()
	}
	c.ch = nil
	c.closeFn = nil
	return err
}
