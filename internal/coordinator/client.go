package coordinator

import (
	"context"

	"github.com/hitoshi/botcoord/internal/metrics"
)

// Channel はセッションへの双方向チャネル。transport.Connが満たす。
type Channel interface {
	// Send は応答を待たない通知を送る。
	Send(ctx context.Context, method string, params any) error
	// Call は呼び出しを送り、応答をresultにデコードする。
	Call(ctx context.Context, method string, params any, result any) error
}

// セッションへの呼び出しメソッド名。
const (
	MethodStopBot               = "StopBot"
	MethodRequestReallocateBots = "RequestReallocateBots"
	MethodAddFriend             = "AddFriend"
	MethodRemoveFriend          = "RemoveFriend"
	MethodSendChatMessage       = "SendChatMessage"
	MethodGetUserProfileName    = "GetUserProfileName"
	MethodGetUserAvatarHash     = "GetUserAvatarHash"
	MethodFetchURL              = "FetchUrl"
	MethodGetAllocatedBots      = "GetAllocatedBots"
)

// Client はセッションへの型付き呼び出し。
type Client struct {
	ch      Channel
	metrics metrics.Recorder
}

// NewClient はChannelをラップしたClientを生成する。
func NewClient(ch Channel, recorder metrics.Recorder) *Client {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	return &Client{ch: ch, metrics: recorder}
}

type botParams struct {
	BotID string `json:"botId"`
}

type friendParams struct {
	BotID   string `json:"botId"`
	SteamID string `json:"steamId"`
}

type chatParams struct {
	BotID   string `json:"botId"`
	SteamID string `json:"steamId"`
	Message string `json:"message"`
	Casual  bool   `json:"casual"`
}

type fetchParams struct {
	BotID string `json:"botId"`
	URL   string `json:"url"`
}

type countParams struct {
	Count int `json:"count"`
}

// StopBot はボットの運用停止を指示する。
func (c *Client) StopBot(ctx context.Context, botID string) error {
	return c.send(ctx, MethodStopBot, botParams{BotID: botID})
}

// RequestReallocateBots はcount台のボットを保持するよう割り当て直しを指示する。
func (c *Client) RequestReallocateBots(ctx context.Context, count int) error {
	return c.send(ctx, MethodRequestReallocateBots, countParams{Count: count})
}

// AddFriend はフレンド追加（申請の承認）を指示する。
func (c *Client) AddFriend(ctx context.Context, botID, steamID string) error {
	return c.send(ctx, MethodAddFriend, friendParams{BotID: botID, SteamID: steamID})
}

// RemoveFriend はフレンド削除を指示する。
func (c *Client) RemoveFriend(ctx context.Context, botID, steamID string) error {
	return c.send(ctx, MethodRemoveFriend, friendParams{BotID: botID, SteamID: steamID})
}

// SendChatMessage はチャットメッセージの送信を指示する。
// casualがtrueの場合、ボットは入力中表示などを挟んで会話らしく送る。
func (c *Client) SendChatMessage(ctx context.Context, botID, steamID, message string, casual bool) error {
	return c.send(ctx, MethodSendChatMessage, chatParams{
		BotID: botID, SteamID: steamID, Message: message, Casual: casual,
	})
}

// GetUserProfileName はボット経由でSteamプロフィール名を取得する。
func (c *Client) GetUserProfileName(ctx context.Context, botID, steamID string) (string, error) {
	var name string
	err := c.call(ctx, MethodGetUserProfileName, friendParams{BotID: botID, SteamID: steamID}, &name)
	return name, err
}

// GetUserAvatarHash はボット経由でSteamアバターのハッシュを取得する。
func (c *Client) GetUserAvatarHash(ctx context.Context, botID, steamID string) (string, error) {
	var hash string
	err := c.call(ctx, MethodGetUserAvatarHash, friendParams{BotID: botID, SteamID: steamID}, &hash)
	return hash, err
}

// FetchURL はボットのネットワーク経由でURLの内容を取得する。
func (c *Client) FetchURL(ctx context.Context, botID, url string) (string, error) {
	var body string
	err := c.call(ctx, MethodFetchURL, fetchParams{BotID: botID, URL: url}, &body)
	return body, err
}

// GetAllocatedBots はセッションが現在運用しているボットのIDを取得する。
func (c *Client) GetAllocatedBots(ctx context.Context) ([]string, error) {
	var ids []string
	err := c.call(ctx, MethodGetAllocatedBots, nil, &ids)
	return ids, err
}

func (c *Client) send(ctx context.Context, method string, params any) error {
	if err := c.ch.Send(ctx, method, params); err != nil {
		c.metrics.RecordCallbackFailure(method)
		return err
	}
	return nil
}

func (c *Client) call(ctx context.Context, method string, params, result any) error {
	if err := c.ch.Call(ctx, method, params, result); err != nil {
		c.metrics.RecordCallbackFailure(method)
		return err
	}
	return nil
}
