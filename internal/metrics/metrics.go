// ============================================================================
// Consulta Engine Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露排程器、生命週期與結算指標
//
// 指標分類:
//
//   1. 排程器計數器 (Counter)：
//      - consulta_jobs_scheduled_total: 排程任務總數
//      - consulta_jobs_dispatched_total: 已分派任務總數
//      - consulta_jobs_completed_total: 已完成任務總數
//      - consulta_jobs_failed_total: 失敗（將重試）任務總數
//      - consulta_jobs_dead_total: 停放任務總數
//      - consulta_jobs_purged_total: 保留期滿被清除的任務數
//
//   2. 排程器狀態 (Gauge / Histogram)：
//      - consulta_job_latency_seconds: handler 執行延遲
//      - consulta_jobs_pending / consulta_jobs_in_flight
//      - consulta_recovery_time_seconds: 最近一次恢復耗時
//
//   3. 領域指標 (CounterVec)：
//      - consulta_consultation_transitions_total{status}
//      - consulta_settlement_commissions_total{status}
//      - consulta_settlement_credit_returns_total{bucket}
//      - consulta_sweep_runs_total{sweep}
//      - consulta_events_published_total{topic,result}
//
// 所有方法對 nil *Collector 皆為 no-op，方便測試時省略。
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 排程器
	jobsScheduled  prometheus.Counter
	jobsDispatched prometheus.Counter
	jobsCompleted  prometheus.Counter
	jobsFailed     prometheus.Counter
	jobsDead       prometheus.Counter
	jobsPurged     prometheus.Counter

	jobLatency   prometheus.Histogram
	recoveryTime prometheus.Gauge
	jobsPending  prometheus.Gauge
	jobsInFlight prometheus.Gauge

	// 領域
	transitions   *prometheus.CounterVec
	commissions   *prometheus.CounterVec
	creditReturns *prometheus.CounterVec
	sweeps        *prometheus.CounterVec
	published     *prometheus.CounterVec
}

// NewCollector 創建並註冊指標；reg 為 nil 時使用 prometheus.DefaultRegisterer
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		jobsScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consulta_jobs_scheduled_total",
			Help: "Total number of jobs scheduled",
		}),
		jobsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consulta_jobs_dispatched_total",
			Help: "Total number of jobs dispatched to workers",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consulta_jobs_completed_total",
			Help: "Total number of jobs completed successfully",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consulta_jobs_failed_total",
			Help: "Total number of job executions that failed and were retried",
		}),
		jobsDead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consulta_jobs_dead_total",
			Help: "Total number of jobs parked after exhausting retries",
		}),
		jobsPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consulta_jobs_purged_total",
			Help: "Total number of finished jobs purged after retention",
		}),
		jobLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "consulta_job_latency_seconds",
			Help:    "Job handler latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "consulta_recovery_time_seconds",
			Help: "Time taken to rebuild scheduler state on start",
		}),
		jobsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "consulta_jobs_pending",
			Help: "Current number of pending jobs",
		}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "consulta_jobs_in_flight",
			Help: "Current number of in-flight jobs",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "consulta_consultation_transitions_total",
			Help: "Applied consultation status transitions",
		}, []string{"status"}),
		commissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "consulta_settlement_commissions_total",
			Help: "Commission upserts and supersessions by resulting status",
		}, []string{"status"}),
		creditReturns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "consulta_settlement_credit_returns_total",
			Help: "Credit returns by bucket",
		}, []string{"bucket"}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "consulta_sweep_runs_total",
			Help: "Fixed-interval sweep executions",
		}, []string{"sweep"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "consulta_events_published_total",
			Help: "Event bridge publish attempts by result",
		}, []string{"topic", "result"}),
	}

	reg.MustRegister(
		c.jobsScheduled, c.jobsDispatched, c.jobsCompleted, c.jobsFailed, c.jobsDead, c.jobsPurged,
		c.jobLatency, c.recoveryTime, c.jobsPending, c.jobsInFlight,
		c.transitions, c.commissions, c.creditReturns, c.sweeps, c.published,
	)
	return c
}

// RecordScheduled 記錄任務排程
func (c *Collector) RecordScheduled() {
	if c == nil {
		return
	}
	c.jobsScheduled.Inc()
}

// RecordDispatch 記錄任務分派
func (c *Collector) RecordDispatch() {
	if c == nil {
		return
	}
	c.jobsDispatched.Inc()
}

// RecordCompleted 記錄任務完成
func (c *Collector) RecordCompleted(latency time.Duration) {
	if c == nil {
		return
	}
	c.jobsCompleted.Inc()
	c.jobLatency.Observe(latency.Seconds())
}

// RecordFailed 記錄任務失敗（將重試）
func (c *Collector) RecordFailed() {
	if c == nil {
		return
	}
	c.jobsFailed.Inc()
}

// RecordDead 記錄任務停放
func (c *Collector) RecordDead() {
	if c == nil {
		return
	}
	c.jobsDead.Inc()
}

// RecordPurged 記錄清除數量
func (c *Collector) RecordPurged(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.jobsPurged.Add(float64(n))
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(d time.Duration) {
	if c == nil {
		return
	}
	c.recoveryTime.Set(d.Seconds())
}

// UpdateQueueStats 更新佇列狀態統計
func (c *Collector) UpdateQueueStats(pending, inFlight int) {
	if c == nil {
		return
	}
	c.jobsPending.Set(float64(pending))
	c.jobsInFlight.Set(float64(inFlight))
}

func (c *Collector) RecordTransition(status string) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(status).Inc()
}

func (c *Collector) RecordCommission(status string) {
	if c == nil {
		return
	}
	c.commissions.WithLabelValues(status).Inc()
}

func (c *Collector) RecordCreditReturn(bucket string) {
	if c == nil {
		return
	}
	c.creditReturns.WithLabelValues(bucket).Inc()
}

func (c *Collector) RecordSweep(sweep string) {
	if c == nil {
		return
	}
	c.sweeps.WithLabelValues(sweep).Inc()
}

func (c *Collector) RecordPublish(topic, result string) {
	if c == nil {
		return
	}
	c.published.WithLabelValues(topic, result).Inc()
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器，ctx 結束時關閉
//
// 參數：
//   - ctx: 生命週期
//   - port: HTTP 伺服器端口
//   - g: 指標來源；nil 表示 prometheus.DefaultGatherer
func StartServer(ctx context.Context, port int, g prometheus.Gatherer) error {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
