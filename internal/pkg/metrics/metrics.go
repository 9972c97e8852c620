// Package metrics 同步过程的 Prometheus 指标
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "buildpulse"

// Metrics 同步与构建源指标
type Metrics struct {
	registry *prometheus.Registry

	BuildsTotal     *prometheus.CounterVec   // 按结果统计的构建数: processed, skipped, deferred, blocklisted, cached
	MatchesTotal    *prometheus.CounterVec   // 按严重级别统计的命中数
	RequestsTotal   *prometheus.CounterVec   // 构建源请求数: endpoint, outcome
	RetriesTotal    prometheus.Counter       // 构建源重试次数
	PassDuration    *prometheus.HistogramVec // 同步批次耗时
	ClassifySeconds prometheus.Histogram     // 单个构建分类耗时
	LastPassTime    prometheus.Gauge         // 最近一次同步完成时间
}

// New 创建独立注册表上的指标
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		BuildsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "builds_total",
			Help:      "Builds handled by sync passes, by outcome.",
		}, []string{"outcome"}),
		MatchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "matches_total",
			Help:      "Tag matches recorded, by severity.",
		}, []string{"severity"}),
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_requests_total",
			Help:      "Requests sent to the build source, by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		RetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_retries_total",
			Help:      "Retried build source requests.",
		}),
		PassDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pass_duration_seconds",
			Help:      "Duration of sync passes, by status.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"status"}),
		ClassifySeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "classify_seconds",
			Help:      "Time spent classifying a single build.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		LastPassTime: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_pass_timestamp_seconds",
			Help:      "Unix time of the last finished sync pass.",
		}),
	}
}

// Registry 指标注册表
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler /metrics 处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
