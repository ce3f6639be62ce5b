// Package qa は外部のQ&AチャットボットAPI（図灵机器人形式）のクライアントを提供する。
// 失敗はすべて空の回答として扱い、呼び出し元にはエラーを返さない。
package qa

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/time/rate"

	"github.com/hitoshi/botcoord/internal/security"
)

const (
	// DefaultEndpoint は図灵机器人APIのエンドポイント。
	DefaultEndpoint = "http://www.tuling123.com/openapi/api"
	// maxResponseSize はレスポンスボディの読み取り上限。
	maxResponseSize = 1 << 20
)

// 結果ラベル（メトリクス用）。
const (
	ResultAnswered = "answered"
	ResultEmpty    = "empty"
	ResultFailed   = "failed"
	ResultDisabled = "disabled"
)

// Asker は質問に対する回答を返すインターフェース。
// 回答できない場合は空文字列を返す。
type Asker interface {
	Ask(ctx context.Context, question, userID string) string
}

// ResultRecorder はQ&A呼び出し結果を記録する。
type ResultRecorder interface {
	RecordQAResult(result string)
}

// Config はQ&Aクライアントの設定。
type Config struct {
	Endpoint       string
	APIKey         string // 空の場合は常に空の回答を返す
	UserSalt       string
	MaxAttempts    int
	InitialBackoff time.Duration
	RatePerMinute  int
}

// Client はQ&A APIクライアント。
type Client struct {
	httpClient *http.Client
	sanitizer  security.TextSanitizer
	recorder   ResultRecorder
	logger     *slog.Logger
	limiter    *rate.Limiter
	cfg        Config

	// sleep はバックオフ待機。テストで差し替える。
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient はClientを生成する。recorderはnilでもよい。
func NewClient(httpClient *http.Client, sanitizer security.TextSanitizer, recorder ResultRecorder, cfg Config, logger *slog.Logger) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}

	limit := rate.Inf
	burst := 1
	if cfg.RatePerMinute > 0 {
		limit = rate.Limit(float64(cfg.RatePerMinute) / 60.0)
		burst = cfg.RatePerMinute
	}

	return &Client{
		httpClient: httpClient,
		sanitizer:  sanitizer,
		recorder:   recorder,
		logger:     logger,
		limiter:    rate.NewLimiter(limit, burst),
		cfg:        cfg,
		sleep:      sleepContext,
	}
}

// HashUserID はAPIに送るユーザー識別子を生成する。
// ソルト付きBLAKE3ハッシュの先頭16バイトを16進表記で返す。
func HashUserID(salt, userID string) string {
	sum := blake3.Sum256([]byte(salt + userID))
	return hex.EncodeToString(sum[:16])
}

// Ask は質問を送信し、整形済みの回答を返す。
// 失敗・回答なし・無効化のいずれの場合も空文字列を返す。
func (c *Client) Ask(ctx context.Context, question, userID string) string {
	if c.cfg.APIKey == "" {
		c.record(ResultDisabled)
		return ""
	}

	resp, err := c.askWithRetry(ctx, question, HashUserID(c.cfg.UserSalt, userID))
	if err != nil {
		c.logger.Warn("Q&A APIの呼び出しに失敗しました",
			slog.String("error", err.Error()),
		)
		c.record(ResultFailed)
		return ""
	}

	answer := c.sanitizer.Strip(FormatAnswer(resp))
	if answer == "" {
		c.record(ResultEmpty)
		return ""
	}
	c.record(ResultAnswered)
	return answer
}

// permanentError は再試行しても結果が変わらないエラー。
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func (c *Client) askWithRetry(ctx context.Context, question, hashedUserID string) (*Response, error) {
	backoff := c.cfg.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("レート制限の待機が中断されました: %w", err)
		}

		resp, err := c.ask(ctx, question, hashedUserID)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var perm *permanentError
		if errors.As(err, &perm) {
			return nil, err
		}
		if attempt == c.cfg.MaxAttempts {
			break
		}

		c.logger.Debug("Q&A APIを再試行します",
			slog.Int("attempt", attempt),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()),
		)
		if err := c.sleep(ctx, backoff); err != nil {
			return nil, err
		}
		backoff *= 2
	}

	return nil, fmt.Errorf("%d回試行しましたが失敗しました: %w", c.cfg.MaxAttempts, lastErr)
}

func (c *Client) ask(ctx context.Context, question, hashedUserID string) (*Response, error) {
	reqURL, err := url.Parse(c.cfg.Endpoint)
	if err != nil {
		return nil, &permanentError{fmt.Errorf("エンドポイントURLのパースに失敗しました: %w", err)}
	}

	q := reqURL.Query()
	q.Set("key", c.cfg.APIKey)
	q.Set("info", question)
	q.Set("userid", hashedUserID)
	reqURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return nil, &permanentError{fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)}
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストに失敗しました: %w", err)
	}
	defer httpResp.Body.Close()

	switch {
	case httpResp.StatusCode == http.StatusOK:
	case httpResp.StatusCode == http.StatusTooManyRequests, httpResp.StatusCode >= 500:
		return nil, fmt.Errorf("Q&A APIがステータス %d を返しました", httpResp.StatusCode)
	default:
		return nil, &permanentError{fmt.Errorf("Q&A APIがステータス %d を返しました", httpResp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}
	if resp.IsError() {
		return nil, &permanentError{fmt.Errorf("Q&A APIがエラーコード %d を返しました: %s", resp.Code, resp.Text)}
	}
	return &resp, nil
}

func (c *Client) record(result string) {
	if c.recorder != nil {
		c.recorder.RecordQAResult(result)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ Asker = (*Client)(nil)

