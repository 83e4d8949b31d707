// Package redis 负责创建接入统一配置、日志与指标的 Redis 客户端。
// 队列的 Redis 存储后端与分布式锁共享同一个客户端实例。
package redis

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/wyfcoding/fundflow/config"
	"github.com/wyfcoding/fundflow/logging"
	"github.com/wyfcoding/fundflow/metrics"
)

// Client 是 redis.Client 的别名，方便业务层直接使用而无需导入原生包
type Client = redis.Client

// commandHook 按命令维度采集调用量与耗时，指标注册在模块自有的注册表上。
type commandHook struct {
	commands *prometheus.CounterVec   // 维度: command, status
	duration *prometheus.HistogramVec // 维度: command
}

func newCommandHook(m *metrics.Metrics, addr string) *commandHook {
	return &commandHook{
		commands: m.NewCounterVec(prometheus.CounterOpts{
			Name:        "redis_commands_total",
			Help:        "Total number of redis commands executed",
			ConstLabels: prometheus.Labels{"addr": addr},
		}, []string{"command", "status"}),
		duration: m.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "redis_command_duration_seconds",
			Help:        "Redis command latency in seconds",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: prometheus.Labels{"addr": addr},
		}, []string{"command"}),
	}
}

func (h *commandHook) record(name string, start time.Time, err error) {
	status := "ok"
	if err != nil && err != redis.Nil {
		status = "error"
	}
	h.commands.WithLabelValues(name, status).Inc()
	h.duration.WithLabelValues(name).Observe(time.Since(start).Seconds())
}

func (h *commandHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		start := time.Now()
		conn, err := next(ctx, network, addr)
		h.record("dial", start, err)
		return conn, err
	}
}

func (h *commandHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		start := time.Now()
		err := next(ctx, cmd)
		h.record(cmd.Name(), start, err)
		return err
	}
}

func (h *commandHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		start := time.Now()
		err := next(ctx, cmds)
		h.record("pipeline", start, err)
		return err
	}
}

// NewClient 使用提供的配置创建一个新的 Redis 客户端并验证连通性。
// m 非空时挂载命令指标钩子；返回客户端、清理函数和连接失败时的错误。
func NewClient(cfg *config.RedisConfig, logger *logging.Logger, m *metrics.Metrics) (*redis.Client, func(), error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if m != nil {
		client.AddHook(newCommandHook(m, cfg.Addr))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Successfully connected to Redis", "addr", client.Options().Addr)

	cleanup := func() {
		if err := client.Close(); err != nil {
			logger.Error("failed to close Redis client", "error", err)
		}
	}

	return client, cleanup, nil
}
