// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 認証イベントの結果ラベル
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// MetricsCollector はメトリクス収集のインターフェース。
// HTTP層、サービス層、ワーカーから利用する。
type MetricsCollector interface {
	RecordAuthEvent(event, outcome string)
	RecordRowWrite(table, resolution string)
	RecordHTTPStatus(statusCode int)
	RecordRequestLatency(duration time.Duration)
	RecordCleanup(kind string, deleted int64)
	RecordAccountDeleted()
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	authEvents      *prometheus.CounterVec
	rowWrites       *prometheus.CounterVec
	httpStatus      *prometheus.CounterVec
	requestLatency  prometheus.Histogram
	cleanupDeleted  *prometheus.CounterVec
	accountsDeleted prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		authEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zuptin_auth_events_total",
			Help: "認証操作（signup, signin, logout, recover, verify）の結果別件数",
		}, []string{"event", "outcome"}),
		rowWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zuptin_row_writes_total",
			Help: "テーブル・競合解決方法別の行書き込み件数",
		}, []string{"table", "resolution"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zuptin_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "zuptin_http_request_duration_seconds",
			Help:    "HTTPリクエストの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		cleanupDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zuptin_cleanup_deleted_total",
			Help: "クリーンアップジョブが削除した行数",
		}, []string{"kind"}),
		accountsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zuptin_accounts_deleted_total",
			Help: "削除されたアカウントの合計数",
		}),
	}

	reg.MustRegister(
		c.authEvents,
		c.rowWrites,
		c.httpStatus,
		c.requestLatency,
		c.cleanupDeleted,
		c.accountsDeleted,
	)

	return c
}

// RecordAuthEvent は認証操作の結果を記録する。
func (c *Collector) RecordAuthEvent(event, outcome string) {
	c.authEvents.WithLabelValues(event, outcome).Inc()
}

// RecordRowWrite は行の書き込みを記録する。
func (c *Collector) RecordRowWrite(table, resolution string) {
	c.rowWrites.WithLabelValues(table, resolution).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordRequestLatency はリクエストの処理時間を記録する。
func (c *Collector) RecordRequestLatency(duration time.Duration) {
	c.requestLatency.Observe(duration.Seconds())
}

// RecordCleanup はクリーンアップで削除した行数を記録する。
func (c *Collector) RecordCleanup(kind string, deleted int64) {
	c.cleanupDeleted.WithLabelValues(kind).Add(float64(deleted))
}

// RecordAccountDeleted はアカウント削除を記録する。
func (c *Collector) RecordAccountDeleted() {
	c.accountsDeleted.Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使用する。
type Nop struct{}

func (Nop) RecordAuthEvent(string, string) {}
func (Nop) RecordRowWrite(string, string) {}
func (Nop) RecordHTTPStatus(int) {}
func (Nop) RecordRequestLatency(time.Duration) {}
func (Nop) RecordCleanup(string, int64) {}
func (Nop) RecordAccountDeleted() {}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
