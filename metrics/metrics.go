// Package metrics provides Prometheus metrics for the paper trading core
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// 订单指标
	OrdersSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paper",
		Subsystem: "orders",
		Name:      "submitted_total",
		Help:      "订单提交总数",
	}, []string{"symbol", "side", "type"})

	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paper",
		Subsystem: "orders",
		Name:      "rejected_total",
		Help:      "订单拒绝总数",
	}, []string{"reason"})

	OrdersCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "paper",
		Subsystem: "orders",
		Name:      "cancelled_total",
		Help:      "订单撤单总数",
	})

	OrdersFilled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "paper",
		Subsystem: "orders",
		Name:      "filled_total",
		Help:      "订单完全成交总数",
	})

	FillsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paper",
		Subsystem: "fills",
		Name:      "applied_total",
		Help:      "成交笔数",
	}, []string{"symbol"})

	OpenOrders = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "paper",
		Subsystem: "orders",
		Name:      "open",
		Help:      "当前未终结订单数",
	})

	SubmitLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "paper",
		Subsystem: "orders",
		Name:      "submit_latency_seconds",
		Help:      "下单处理延迟（秒）",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
	})

	// 仓位指标
	PositionNet = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "paper",
		Subsystem: "positions",
		Name:      "net_quantity",
		Help:      "账户符号净仓位",
	}, []string{"account", "symbol"})

	PositionRealizedPnL = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "paper",
		Subsystem: "positions",
		Name:      "realized_pnl",
		Help:      "已实现盈亏",
	}, []string{"account", "symbol"})

	PositionUnrealizedPnL = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "paper",
		Subsystem: "positions",
		Name:      "unrealized_pnl",
		Help:      "未实现盈亏",
	}, []string{"account", "symbol"})

	// 行情指标
	FeedLastPrice = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "paper",
		Subsystem: "feed",
		Name:      "last_price",
		Help:      "符号最新成交价",
	}, []string{"symbol"})

	FeedTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paper",
		Subsystem: "feed",
		Name:      "ticks_total",
		Help:      "生成行情总数",
	}, []string{"symbol"})

	// 事件分发指标
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paper",
		Subsystem: "pubsub",
		Name:      "events_published_total",
		Help:      "成功投递事件总数",
	}, []string{"channel"})

	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paper",
		Subsystem: "pubsub",
		Name:      "events_dropped_total",
		Help:      "慢消费者丢弃事件总数",
	}, []string{"channel"})

	// 会话指标
	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "paper",
		Subsystem: "gateway",
		Name:      "ws_connections",
		Help:      "当前WebSocket连接数",
	})

	WSMessagesIn = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paper",
		Subsystem: "gateway",
		Name:      "ws_messages_in_total",
		Help:      "收到客户端消息总数",
	}, []string{"action"})

	WSRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "paper",
		Subsystem: "gateway",
		Name:      "ws_rate_limited_total",
		Help:      "限流拒绝消息总数",
	})

	// 存储指标
	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paper",
		Subsystem: "store",
		Name:      "errors_total",
		Help:      "存储错误总数",
	}, []string{"op"})
)

// UpdateOrderSubmitted 记录一次订单提交。
func UpdateOrderSubmitted(symbol, side, orderType string) {
	OrdersSubmitted.WithLabelValues(symbol, side, orderType).Inc()
}

// UpdateOrderRejected 记录一次订单拒绝。
func UpdateOrderRejected(reason string) {
	OrdersRejected.WithLabelValues(reason).Inc()
}

// UpdateFill 记录一次成交。
func UpdateFill(symbol string) {
	FillsApplied.WithLabelValues(symbol).Inc()
}

// UpdatePositionMetrics 刷新仓位三项指标。
func UpdatePositionMetrics(account, symbol string, net, realized, unrealized float64) {
	PositionNet.WithLabelValues(account, symbol).Set(net)
	PositionRealizedPnL.WithLabelValues(account, symbol).Set(realized)
	PositionUnrealizedPnL.WithLabelValues(account, symbol).Set(unrealized)
}

// UpdateTick 记录一笔行情。
func UpdateTick(symbol string, last float64) {
	FeedTicks.WithLabelValues(symbol).Inc()
	FeedLastPrice.WithLabelValues(symbol).Set(last)
}

// UpdateEventPublished 记录一次事件投递成功。
func UpdateEventPublished(channel string) {
	EventsPublished.WithLabelValues(channel).Inc()
}

// UpdateEventDropped 记录一次因缓冲满而丢弃。
func UpdateEventDropped(channel string) {
	EventsDropped.WithLabelValues(channel).Inc()
}

// UpdateStoreError 记录一次存储错误。
func UpdateStoreError(op string) {
	StoreErrors.WithLabelValues(op).Inc()
}

// ObserveSubmitLatency 记录下单延迟。
func ObserveSubmitLatency(d time.Duration) {
	SubmitLatency.Observe(d.Seconds())
}

// Handler 返回指标端点，同时暴露 /healthz
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// StartMetricsServer 在后台启动指标服务器，不做优雅关停，供探针类工具使用。
func StartMetricsServer(addr string) {
	go func() {
		_ = http.ListenAndServe(addr, Handler())
	}()
}
