package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
)

// Handler は相手側からの呼び出しを処理する。
// 戻り値はKindCallの場合に応答として返され、KindNotifyの場合は破棄される。
type Handler interface {
	HandleCall(ctx context.Context, method string, params json.RawMessage) (any, error)
}

// HandlerFunc は関数をHandlerとして使うためのアダプタ。
type HandlerFunc func(ctx context.Context, method string, params json.RawMessage) (any, error)

// HandleCall はf(ctx, method, params)を呼ぶ。
func (f HandlerFunc) HandleCall(ctx context.Context, method string, params json.RawMessage) (any, error) {
	return f(ctx, method, params)
}

// Options は接続の設定。
type Options struct {
	CallTimeout    time.Duration // Callの応答待ち上限
	MaxMessageSize int64         // 受信メッセージの最大サイズ
	PingInterval   time.Duration // 0の場合はpongWaitの9/10
	Logger         *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.CallTimeout <= 0 {
		o.CallTimeout = 30 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 1 << 20
	}
	if o.PingInterval <= 0 {
		o.PingInterval = pongWait * 9 / 10
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Conn は双方向RPC接続。SendとCallは複数のゴルーチンから同時に呼んでよい。
type Conn struct {
	ws   *websocket.Conn
	opts Options

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan Envelope
	nextID    atomic.Uint64

	closed    chan struct{}
	closeOnce sync.Once
}

// NewConn は確立済みのWebSocket接続をラップする。
func NewConn(ws *websocket.Conn, opts Options) *Conn {
	return &Conn{
		ws:      ws,
		opts:    opts.withDefaults(),
		pending: make(map[string]chan Envelope),
		closed:  make(chan struct{}),
	}
}

// Accept はHTTPリクエストをWebSocketにアップグレードする。
func Accept(w http.ResponseWriter, r *http.Request, opts Options) (*Conn, error) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// セッションはブラウザではなくボット運用プロセスから接続する
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("WebSocketへのアップグレードに失敗しました: %w", err)
	}
	return NewConn(ws, opts), nil
}

// Dial はWebSocketサーバーへ接続する。
func Dial(ctx context.Context, url string, opts Options) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("WebSocket接続に失敗しました: %w", err)
	}
	return NewConn(ws, opts), nil
}

// Done は接続が閉じたときに閉じられるチャネルを返す。
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// Close は接続を閉じる。待機中のCallはErrChannelClosedで終了する。
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

// Send は応答を待たない通知を送る。
func (c *Conn) Send(ctx context.Context, method string, params any) error {
	raw, err := marshalParams(params)
	if err != nil {
		return fmt.Errorf("%s のパラメータのシリアライズに失敗しました: %w", method, err)
	}
	return c.write(Envelope{Kind: KindNotify, Method: method, Params: raw})
}

// Call は呼び出しを送り、応答をresultにデコードする。resultがnilの場合は応答を破棄する。
// 期限内に応答がなければErrCallTimeout、接続が閉じればErrChannelClosedを返す。
func (c *Conn) Call(ctx context.Context, method string, params any, result any) error {
	raw, err := marshalParams(params)
	if err != nil {
		return fmt.Errorf("%s のパラメータのシリアライズに失敗しました: %w", method, err)
	}

	id := strconv.FormatUint(c.nextID.Add(1), 10)
	replyCh := make(chan Envelope, 1)

	c.pendingMu.Lock()
	c.pending[id] = replyCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.write(Envelope{ID: id, Kind: KindCall, Method: method, Params: raw}); err != nil {
		return err
	}

	timer := time.NewTimer(c.opts.CallTimeout)
	defer timer.Stop()

	select {
	case reply := <-replyCh:
		if reply.Error != "" {
			return &RemoteError{Method: method, Message: reply.Error}
		}
		if result != nil && len(reply.Result) > 0 {
			if err := json.Unmarshal(reply.Result, result); err != nil {
				return fmt.Errorf("%s の応答のデコードに失敗しました: %w", method, err)
			}
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%s: %w", method, ErrCallTimeout)
	case <-c.closed:
		return fmt.Errorf("%s: %w", method, ErrChannelClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Serve は接続が閉じるまでメッセージを読み続ける。
// 受信した呼び出しはそれぞれ別のゴルーチンでhandlerに渡す。
// 戻る前に接続を閉じ、処理中のハンドラのコンテキストをキャンセルして終了を待つ。
// 正常なクローズの場合はnilを返す。
func (c *Conn) Serve(ctx context.Context, handler Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		c.Close()
		wg.Wait()
	}()

	c.ws.SetReadLimit(c.opts.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.pingLoop(ctx)
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				return nil
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("メッセージの受信に失敗しました: %w", err)
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.opts.Logger.Warn("不正なメッセージを破棄しました",
				slog.String("error", err.Error()),
			)
			continue
		}

		switch env.Kind {
		case KindResult:
			c.resolve(env)
		case KindCall, KindNotify:
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.dispatch(ctx, handler, env)
			}()
		default:
			c.opts.Logger.Warn("未知のメッセージ種別です",
				slog.String("kind", env.Kind),
			)
		}
	}
}

func (c *Conn) dispatch(ctx context.Context, handler Handler, env Envelope) {
	result, err := handler.HandleCall(ctx, env.Method, env.Params)
	if env.Kind != KindCall {
		return
	}

	reply := Envelope{ID: env.ID, Kind: KindResult}
	if err != nil {
		reply.Error = err.Error()
	} else if result != nil {
		raw, merr := json.Marshal(result)
		if merr != nil {
			reply.Error = "result encoding failed"
		} else {
			reply.Result = raw
		}
	}

	if err := c.write(reply); err != nil && !errors.Is(err, ErrChannelClosed) {
		c.opts.Logger.Warn("応答の送信に失敗しました",
			slog.String("method", env.Method),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Conn) resolve(env Envelope) {
	c.pendingMu.Lock()
	replyCh, ok := c.pending[env.ID]
	c.pendingMu.Unlock()
	if !ok {
		c.opts.Logger.Debug("対応する呼び出しのない応答を破棄しました",
			slog.String("id", env.ID),
		)
		return
	}
	// バッファ1のため、重複した応答は破棄される
	select {
	case replyCh <- env:
	default:
	}
}

func (c *Conn) write(env Envelope) error {
	select {
	case <-c.closed:
		return ErrChannelClosed
	default:
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("メッセージのシリアライズに失敗しました: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		// 読み取りループを終了させるため接続自体を閉じる
		c.ws.Close()
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	return nil
}

func (c *Conn) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	return json.Marshal(params)
}
