// Package metrics 提供 Prometheus helper，包含常用 counter/gauge/histogram 模板
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wyfcoding/cashflowengine/pkg/logger"
)

// Metrics 指标集合
type Metrics struct {
	// HTTP 请求计数
	HTTPRequestsTotal prometheus.Counter
	// HTTP 请求耗时
	HTTPRequestDuration prometheus.Histogram

	// 计算请求计数，按最终状态区分
	CalculationsTotal *prometheus.CounterVec
	// 计算耗时
	CalculationDuration prometheus.Histogram
	// 批次处理计数
	LotsProcessedTotal prometheus.Counter
	// 现金流条目产出计数
	EntriesProducedTotal prometheus.Counter
	// 结果缓存命中计数
	ResultCacheHitsTotal prometheus.Counter
	// 行情片段缓存命中率观测
	MarketDataCacheSize prometheus.Gauge

	// 结算指令计数，按状态区分
	SettlementsTotal *prometheus.CounterVec
	// 待处理结算指令数
	SettlementsPending prometheus.Gauge
}

// New 创建指标实例
func New(serviceName string) *Metrics {
	return &Metrics{
		HTTPRequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cashflow",
			Subsystem: serviceName,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests",
		}),
		HTTPRequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cashflow",
			Subsystem: serviceName,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),

		CalculationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cashflow",
			Subsystem: serviceName,
			Name:      "calculations_total",
			Help:      "Total calculation requests by final status",
		}, []string{"status"}),
		CalculationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cashflow",
			Subsystem: serviceName,
			Name:      "calculation_duration_seconds",
			Help:      "End-to-end calculation duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		}),
		LotsProcessedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cashflow",
			Subsystem: serviceName,
			Name:      "lots_processed_total",
			Help:      "Total lots processed",
		}),
		EntriesProducedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cashflow",
			Subsystem: serviceName,
			Name:      "entries_produced_total",
			Help:      "Total cash flow entries produced",
		}),
		ResultCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cashflow",
			Subsystem: serviceName,
			Name:      "result_cache_hits_total",
			Help:      "Total calculation requests served from the result cache",
		}),
		MarketDataCacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cashflow",
			Subsystem: serviceName,
			Name:      "market_data_cache_size",
			Help:      "Number of cached market data fragments",
		}),

		SettlementsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cashflow",
			Subsystem: serviceName,
			Name:      "settlements_total",
			Help:      "Total settlement instruction transitions by target status",
		}, []string{"status"}),
		SettlementsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cashflow",
			Subsystem: serviceName,
			Name:      "settlements_pending",
			Help:      "Number of pending settlement instructions",
		}),
	}
}

// Register 注册所有指标
func (m *Metrics) Register() error {
	collectors := []prometheus.Collector{
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.CalculationsTotal,
		m.CalculationDuration,
		m.LotsProcessedTotal,
		m.EntriesProducedTotal,
		m.ResultCacheHitsTotal,
		m.MarketDataCacheSize,
		m.SettlementsTotal,
		m.SettlementsPending,
	}

	for _, collector := range collectors {
		if err := prometheus.DefaultRegisterer.Register(collector); err != nil {
			logger.Error(context.Background(), "Failed to register metric", "error", err)
			return err
		}
	}

	logger.Info(context.Background(), "Metrics registered successfully")
	return nil
}

// ObserveCalculation 记录一次计算：状态、耗时、批次与条目数
func (m *Metrics) ObserveCalculation(status string, durationSeconds float64, lots, entries int, cacheHit bool) {
	m.CalculationsTotal.WithLabelValues(status).Inc()
	m.CalculationDuration.Observe(durationSeconds)
	m.LotsProcessedTotal.Add(float64(lots))
	m.EntriesProducedTotal.Add(float64(entries))
	if cacheHit {
		m.ResultCacheHitsTotal.Inc()
	}
}

// ObserveSettlementTransition 记录一次结算指令状态迁移
func (m *Metrics) ObserveSettlementTransition(status string) {
	m.SettlementsTotal.WithLabelValues(status).Inc()
}

// SetPendingSettlements 更新待处理结算指令数
func (m *Metrics) SetPendingSettlements(n int) {
	m.SettlementsPending.Set(float64(n))
}

// ObserveHTTPRequest 记录一次 HTTP 请求
func (m *Metrics) ObserveHTTPRequest(durationSeconds float64) {
	m.HTTPRequestsTotal.Inc()
	m.HTTPRequestDuration.Observe(durationSeconds)
}

// StartHTTPServer 启动 Prometheus HTTP 服务器
func StartHTTPServer(port int, path string) error {
	if path == "" {
		path = "/metrics"
	}

	http.Handle(path, promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	logger.Info(context.Background(), "Starting Prometheus HTTP server", "addr", addr, "path", path)

	go func() {
		if err := http.ListenAndServe(addr, nil); err != nil {
			logger.Error(context.Background(), "Failed to start Prometheus HTTP server", "error", err)
		}
	}()

	return nil
}
