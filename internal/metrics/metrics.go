// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder はコーディネーターが使うメトリクス記録のインターフェース。
type Recorder interface {
	SetActiveSessions(n int)
	RecordBotsAllocated(n int)
	RecordRebalance(trigger string)
	RecordDelayedAction(actionType string)
	RecordQAResult(result string)
	RecordCallbackFailure(method string)
	RecordInboundCall(method string, duration time.Duration, failed bool)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	activeSessions   prometheus.Gauge
	botsAllocated    prometheus.Counter
	rebalances       *prometheus.CounterVec
	delayedActions   *prometheus.CounterVec
	qaResults        *prometheus.CounterVec
	callbackFailures *prometheus.CounterVec
	inboundCalls     *prometheus.HistogramVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "botcoord_active_sessions",
			Help: "接続中のセッション数",
		}),
		botsAllocated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "botcoord_bots_allocated_total",
			Help: "セッションに割り当てたボットの合計数",
		}),
		rebalances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "botcoord_rebalances_total",
			Help: "契機別の再配分回数",
		}, []string{"trigger"}),
		delayedActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "botcoord_delayed_actions_total",
			Help: "種別別の発行した遅延アクション数",
		}, []string{"type"}),
		qaResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "botcoord_qa_results_total",
			Help: "結果別のQ&A API呼び出し数",
		}, []string{"result"}),
		callbackFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "botcoord_callback_failures_total",
			Help: "メソッド別のセッション呼び出し失敗数",
		}, []string{"method"}),
		inboundCalls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "botcoord_inbound_call_duration_seconds",
			Help:    "セッションからの呼び出しの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "outcome"}),
	}

	reg.MustRegister(
		c.activeSessions,
		c.botsAllocated,
		c.rebalances,
		c.delayedActions,
		c.qaResults,
		c.callbackFailures,
		c.inboundCalls,
	)

	return c
}

// SetActiveSessions は接続中のセッション数を設定する。
func (c *Collector) SetActiveSessions(n int) {
	c.activeSessions.Set(float64(n))
}

// RecordBotsAllocated は割り当てたボット数を加算する。
func (c *Collector) RecordBotsAllocated(n int) {
	c.botsAllocated.Add(float64(n))
}

// RecordRebalance は再配分を記録する。triggerはrequest, leaveのいずれか。
func (c *Collector) RecordRebalance(trigger string) {
	c.rebalances.WithLabelValues(trigger).Inc()
}

// RecordDelayedAction は遅延アクションの発行を記録する。
func (c *Collector) RecordDelayedAction(actionType string) {
	c.delayedActions.WithLabelValues(actionType).Inc()
}

// RecordQAResult はQ&A API呼び出しの結果を記録する。
func (c *Collector) RecordQAResult(result string) {
	c.qaResults.WithLabelValues(result).Inc()
}

// RecordCallbackFailure はセッションへの呼び出し失敗を記録する。
func (c *Collector) RecordCallbackFailure(method string) {
	c.callbackFailures.WithLabelValues(method).Inc()
}

// RecordInboundCall はセッションからの呼び出しの処理時間を記録する。
func (c *Collector) RecordInboundCall(method string, duration time.Duration, failed bool) {
	outcome := "ok"
	if failed {
		outcome = "error"
	}
	c.inboundCalls.WithLabelValues(method, outcome).Observe(duration.Seconds())
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Nop は何も記録しないRecorder。テストやメトリクス無効時に使う。
type Nop struct{}

func (Nop) SetActiveSessions(int) {}
func (Nop) RecordBotsAllocated(int) {}
func (Nop) RecordRebalance(string) {}
func (Nop) RecordDelayedAction(string) {}
func (Nop) RecordQAResult(string) {}
func (Nop) RecordCallbackFailure(string) {}
func (Nop) RecordInboundCall(string, time.Duration, bool) {}

var (
	_ Recorder = (*Collector)(nil)
	_ Recorder = Nop{}
)
