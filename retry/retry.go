// Package retry 提供了指数退避重试机制，供调度任务与消费轮询共用.
package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// Func 定义了可被重试执行的业务函数原型.
type Func func() error

// Config 封装了重试策略的详细控制参数.
type Config struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         float64
	MaxRetries     int
}

// DefaultRetryConfig 返回一个通用的默认重试配置.
func DefaultRetryConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.1,
	}
}

// Retry 根据配置的策略执行函数 fn.
func Retry(ctx context.Context, fn Func, cfg Config) error {
	return RetryIf(ctx, fn, func(error) bool { return true }, cfg)
}

// RetryIf 仅在 shouldRetry 返回 true 时进行重试.
func RetryIf(ctx context.Context, fn Func, shouldRetry func(error) bool, cfg Config) error {
	if cfg.MaxRetries < 0 {
		return fn()
	}

	var lastErr error
	backoff := cfg.InitialBackoff

	for retryIdx := 0; retryIdx <= cfg.MaxRetries; retryIdx++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if retryIdx == cfg.MaxRetries || !shouldRetry(lastErr) {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-time.After(backoff):
		}

		backoff = next(backoff, cfg)
	}

	return fmt.Errorf("retry failed after %d attempts: %w", cfg.MaxRetries, lastErr)
}

// next 根据策略计算下一次退避间隔.
func next(current time.Duration, cfg Config) time.Duration {
	nextBackoff := float64(current) * cfg.Multiplier

	if cfg.Jitter > 0 {
		rv := rand.Float64()
		jitterValue := (rv*2 - 1) * cfg.Jitter * nextBackoff
		nextBackoff += jitterValue
	}

	return min(time.Duration(nextBackoff), cfg.MaxBackoff)
}

// Backoff 是一个有状态的退避序列，供长生命周期的轮询循环使用.
// 消费者在存储不可达时用它逐步拉长轮询间隔，成功后 Reset 归零.
type Backoff struct {
	cfg     Config
	current time.Duration
}

// NewBackoff 创建一个退避序列.
func NewBackoff(cfg Config) *Backoff {
	return &Backoff{cfg: cfg, current: cfg.InitialBackoff}
}

// Next 返回当前退避间隔并推进序列.
func (b *Backoff) Next() time.Duration {
	d := b.current
	b.current = next(b.current, b.cfg)
	return d
}

// Reset 将退避序列重置到初始间隔.
func (b *Backoff) Reset() {
	b.current = b.cfg.InitialBackoff
}
