package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hitoshi/botcoord/internal/model"
	"github.com/hitoshi/botcoord/internal/transport"
)

// セッションからの呼び出しメソッド名。
const (
	MethodRequestBots               = "RequestBots"
	MethodAllocateBots              = "AllocateBots"
	MethodUpdateBots                = "UpdateBots"
	MethodUpdateUser                = "UpdateUser"
	MethodIsKeylolUser              = "IsKeylolUser"
	MethodOnBotNewFriendRequest     = "OnBotNewFriendRequest"
	MethodOnUserBotRelationshipNone = "OnUserBotRelationshipNone"
	MethodOnBotNewChatMessage       = "OnBotNewChatMessage"
	MethodPing                      = "Ping"
)

type allocateParams struct {
	Count int `json:"count"`
}

type updateBotsParams struct {
	Bots []model.BotUpdate `json:"bots"`
}

type updateUserParams struct {
	SteamID     string  `json:"steamId"`
	ProfileName *string `json:"profileName"`
}

type accountParams struct {
	SteamID string `json:"steamId"`
	BotID   string `json:"botId"`
}

type chatMessageParams struct {
	SteamID string `json:"steamId"`
	BotID   string `json:"botId"`
	Message string `json:"message"`
}

type methodFunc func(ctx context.Context, session *Session, params json.RawMessage) (any, error)

// router はセッションからの呼び出しをメソッド名でハンドラに振り分ける。
type router struct {
	c       *Coordinator
	session *Session
	methods map[string]methodFunc
}

// Handler はセッションからの呼び出しを処理するtransport.Handlerを返す。
func (c *Coordinator) Handler(session *Session) transport.Handler {
	return &router{
		c:       c,
		session: session,
		methods: map[string]methodFunc{
			MethodRequestBots:               c.handleRequestBots,
			MethodAllocateBots:              c.handleAllocateBots,
			MethodUpdateBots:                c.handleUpdateBots,
			MethodUpdateUser:                c.handleUpdateUser,
			MethodIsKeylolUser:              c.handleIsKeylolUser,
			MethodOnBotNewFriendRequest:     c.handleFriendRequest,
			MethodOnUserBotRelationshipNone: c.handleRelationshipNone,
			MethodOnBotNewChatMessage:       c.handleChatMessage,
			MethodPing:                      handlePing,
		},
	}
}

// HandleCall はtransport.Handlerを実装する。
func (r *router) HandleCall(ctx context.Context, method string, params json.RawMessage) (any, error) {
	fn, ok := r.methods[method]
	if !ok {
		r.c.deps.Metrics.RecordInboundCall("unknown", 0, true)
		return nil, model.NewUnknownMethodError(method)
	}

	start := time.Now()
	result, err := fn(ctx, r.session, params)
	r.c.deps.Metrics.RecordInboundCall(method, time.Since(start), err != nil)
	if err != nil {
		return nil, r.publicError(method, err)
	}
	return result, nil
}

// publicError はセッションへ返すエラーに変換する。内部エラーの詳細はログにのみ残す。
func (r *router) publicError(method string, err error) error {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	r.c.deps.Logger.Error("呼び出しの処理に失敗しました",
		slog.String("session_id", r.session.ID),
		slog.String("method", method),
		slog.String("error", err.Error()),
	)
	return model.NewInternalError()
}

func decodeParams(method string, raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return model.NewInvalidParamsError(method, "params is required")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return model.NewInvalidParamsError(method, err.Error())
	}
	return nil
}

func decodeAccount(method string, raw json.RawMessage) (accountParams, error) {
	var p accountParams
	if err := decodeParams(method, raw, &p); err != nil {
		return p, err
	}
	if p.SteamID == "" || p.BotID == "" {
		return p, model.NewInvalidParamsError(method, "steamId and botId are required")
	}
	return p, nil
}

func (c *Coordinator) handleRequestBots(ctx context.Context, session *Session, _ json.RawMessage) (any, error) {
	return nil, c.RequestBots(ctx, session.ID)
}

func (c *Coordinator) handleAllocateBots(ctx context.Context, session *Session, raw json.RawMessage) (any, error) {
	var p allocateParams
	if err := decodeParams(MethodAllocateBots, raw, &p); err != nil {
		return nil, err
	}
	bots, err := c.AllocateBots(ctx, session.ID, p.Count)
	if err != nil {
		return nil, err
	}
	return bots, nil
}

func (c *Coordinator) handleUpdateBots(ctx context.Context, _ *Session, raw json.RawMessage) (any, error) {
	var p updateBotsParams
	if err := decodeParams(MethodUpdateBots, raw, &p); err != nil {
		return nil, err
	}
	return nil, c.UpdateBots(ctx, p.Bots)
}

func (c *Coordinator) handleUpdateUser(ctx context.Context, _ *Session, raw json.RawMessage) (any, error) {
	var p updateUserParams
	if err := decodeParams(MethodUpdateUser, raw, &p); err != nil {
		return nil, err
	}
	if p.SteamID == "" {
		return nil, model.NewInvalidParamsError(MethodUpdateUser, "steamId is required")
	}
	return nil, c.UpdateUser(ctx, p.SteamID, p.ProfileName)
}

func (c *Coordinator) handleIsKeylolUser(ctx context.Context, _ *Session, raw json.RawMessage) (any, error) {
	p, err := decodeAccount(MethodIsKeylolUser, raw)
	if err != nil {
		return nil, err
	}
	return c.IsKeylolUser(ctx, p.SteamID, p.BotID)
}

func (c *Coordinator) handleFriendRequest(ctx context.Context, session *Session, raw json.RawMessage) (any, error) {
	p, err := decodeAccount(MethodOnBotNewFriendRequest, raw)
	if err != nil {
		return nil, err
	}
	return nil, c.OnBotNewFriendRequest(ctx, session, p.SteamID, p.BotID)
}

func (c *Coordinator) handleRelationshipNone(ctx context.Context, session *Session, raw json.RawMessage) (any, error) {
	p, err := decodeAccount(MethodOnUserBotRelationshipNone, raw)
	if err != nil {
		return nil, err
	}
	return nil, c.OnUserBotRelationshipNone(ctx, session, p.SteamID, p.BotID)
}

func (c *Coordinator) handleChatMessage(ctx context.Context, session *Session, raw json.RawMessage) (any, error) {
	var p chatMessageParams
	if err := decodeParams(MethodOnBotNewChatMessage, raw, &p); err != nil {
		return nil, err
	}
	if p.SteamID == "" || p.BotID == "" {
		return nil, model.NewInvalidParamsError(MethodOnBotNewChatMessage, "steamId and botId are required")
	}
	return nil, c.OnBotNewChatMessage(ctx, session, p.SteamID, p.BotID, p.Message)
}

func handlePing(context.Context, *Session, json.RawMessage) (any, error) {
	return "pong", nil
}
