// Package transport はWebSocket上の双方向RPCを提供する。
// 1本の接続上で、どちらの側からも一方向通知と応答付き呼び出しを送れる。
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
)

// メッセージ種別。
const (
	KindCall   = "call"   // 応答を要求する呼び出し
	KindNotify = "notify" // 応答不要の通知
	KindResult = "result" // callへの応答
)

// Envelope は接続上を流れる1メッセージ。
type Envelope struct {
	ID     string          `json:"id,omitempty"`
	Kind   string          `json:"kind"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

var (
	// ErrChannelClosed は接続が既に閉じていることを示す。
	ErrChannelClosed = errors.New("channel closed")
	// ErrCallTimeout は応答が期限内に届かなかったことを示す。
	ErrCallTimeout = errors.New("call timed out")
)

// RemoteError は相手側が呼び出しをエラーで返したことを示す。
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: remote error: %s", e.Method, e.Message)
}
