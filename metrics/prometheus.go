package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 封装了基于 Prometheus 的指标采集注册表及预定义的标准监控指标。
type Metrics struct {
	registry *prometheus.Registry // 内部独立的 Prometheus 注册中心

	// 预定义的标准指标，减少各业务模块的样板代码
	EventsEmitted    *prometheus.CounterVec   // 事件发布总量 (维度: topic, mode)
	EventsDropped    *prometheus.CounterVec   // 因容量上限被丢弃的事件 (维度: topic)
	DispatchDuration *prometheus.HistogramVec // 事件分发耗时分布 (维度: topic)
	HandlerErrors    *prometheus.CounterVec   // 订阅处理器失败总量 (维度: topic)
	QueueOps         *prometheus.CounterVec   // 队列操作总量 (维度: queue, op, status)
	QueueDepth       *prometheus.GaugeVec     // 队列各存储位置深度 (维度: queue, location)
	DeadLettered     *prometheus.CounterVec   // 进入死信的消息总量 (维度: queue)
	LeasesReaped     *prometheus.CounterVec   // 租约过期被回收的消息总量 (维度: queue)
}

// NewMetrics 初始化并返回一个新的指标采集器。
// 它会自动注册 Go 运行时指标和进程指标。
func NewMetrics(serviceName string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{registry: reg}

	m.EventsEmitted = m.NewCounterVec(prometheus.CounterOpts{
		Name: "eventbus_events_emitted_total",
		Help: "Total number of events emitted on the bus",
	}, []string{"topic", "mode"})

	m.EventsDropped = m.NewCounterVec(prometheus.CounterOpts{
		Name: "eventbus_events_dropped_total",
		Help: "Events dropped because the internal queue was full",
	}, []string{"topic"})

	m.DispatchDuration = m.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "eventbus_dispatch_duration_seconds",
		Help:    "Event dispatch latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"topic"})

	m.HandlerErrors = m.NewCounterVec(prometheus.CounterOpts{
		Name: "eventbus_handler_errors_total",
		Help: "Total number of subscriber handler failures",
	}, []string{"topic"})

	m.QueueOps = m.NewCounterVec(prometheus.CounterOpts{
		Name: "messagequeue_ops_total",
		Help: "Total number of message queue operations",
	}, []string{"queue", "op", "status"})

	m.QueueDepth = m.NewGaugeVec(prometheus.GaugeOpts{
		Name: "messagequeue_depth",
		Help: "Current number of messages per storage location",
	}, []string{"queue", "location"})

	m.DeadLettered = m.NewCounterVec(prometheus.CounterOpts{
		Name: "messagequeue_dead_lettered_total",
		Help: "Messages moved to the dead letter list",
	}, []string{"queue"})

	m.LeasesReaped = m.NewCounterVec(prometheus.CounterOpts{
		Name: "messagequeue_leases_reaped_total",
		Help: "Messages recovered from expired processing leases",
	}, []string{"queue"})

	slog.Info("unified metrics registry initialized", "service", serviceName)
	return m
}

// register 注册采集器；同名采集器已存在时返回已注册的实例，
// 这样可重建的组件（如消费者的 worker 池）重复创建指标不会 panic。
func (m *Metrics) register(c prometheus.Collector) prometheus.Collector {
	if err := m.registry.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector
		}
		panic(err)
	}
	return c
}

// NewCounterVec 创建并注册一个新的计数器指标。
func (m *Metrics) NewCounterVec(opts prometheus.CounterOpts, labelNames []string) *prometheus.CounterVec {
	return m.register(prometheus.NewCounterVec(opts, labelNames)).(*prometheus.CounterVec)
}

// NewGauge 创建并注册一个新的仪表盘指标。
func (m *Metrics) NewGauge(opts prometheus.GaugeOpts) prometheus.Gauge {
	return m.register(prometheus.NewGauge(opts)).(prometheus.Gauge)
}

// NewGaugeVec 创建并注册一个新的仪表盘指标。
func (m *Metrics) NewGaugeVec(opts prometheus.GaugeOpts, labelNames []string) *prometheus.GaugeVec {
	return m.register(prometheus.NewGaugeVec(opts, labelNames)).(*prometheus.GaugeVec)
}

// NewHistogramVec 创建并注册一个新的直方图指标。
func (m *Metrics) NewHistogramVec(opts prometheus.HistogramOpts, labelNames []string) *prometheus.HistogramVec {
	return m.register(prometheus.NewHistogramVec(opts, labelNames)).(*prometheus.HistogramVec)
}

// Handler 返回用于暴露指标的 HTTP 处理器。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ExposeHttp 在指定端口启动一个独立的 HTTP 服务器用于暴露指标数据。
// 返回一个清理函数用于优雅关闭该服务器。
func (m *Metrics) ExposeHttp(port string) func() {
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: m.Handler(),
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server error", "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown metrics server", "error", err)
		}
	}
}
