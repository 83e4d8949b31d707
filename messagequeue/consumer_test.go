package messagequeue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wyfcoding/fundflow/config"
	"github.com/wyfcoding/fundflow/metrics"
)

func testConsumerConfig() config.ConsumerConfig {
	return config.ConsumerConfig{
		Workers:     2,
		IdleSleep:   5 * time.Millisecond,
		PollTimeout: 50 * time.Millisecond,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Condition not met before timeout")
}

func TestConsumerAcksOnSuccess(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue()

	var mu sync.Mutex
	seen := make(map[string]bool)
	handler := HandlerFunc(func(_ context.Context, msg *Message) error {
		mu.Lock()
		seen[msg.Payload["fund_code"].(string)] = true
		mu.Unlock()
		return nil
	})

	c, err := NewConsumer(q, "nav_refresh", handler, testConsumerConfig())
	if err != nil {
		t.Fatalf("NewConsumer failed: %v", err)
	}

	for _, code := range []string{"000001", "000002", "000003"} {
		q.Publish(ctx, "nav_refresh", map[string]any{"fund_code": code})
	}

	c.Start(ctx)
	defer c.Stop(ctx)

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	})

	// 处理成功即确认，队列应被清空
	waitFor(t, 2*time.Second, func() bool {
		stats, _ := q.Stats(ctx, "nav_refresh")
		return stats != nil && stats.Total() == 0
	})
}

func TestConsumerRetriesUntilDeadLetter(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue()

	var attempts atomic.Int64
	handler := HandlerFunc(func(_ context.Context, _ *Message) error {
		attempts.Add(1)
		return errors.New("nav source timeout")
	})

	c, _ := NewConsumer(q, "q", handler, testConsumerConfig())
	q.Publish(ctx, "q", nil, WithMaxAttempts(2))

	c.Start(ctx)
	defer c.Stop(ctx)

	waitFor(t, 2*time.Second, func() bool {
		stats, _ := q.Stats(ctx, "q")
		return stats != nil && stats.Dead == 1
	})
	if got := attempts.Load(); got != 2 {
		t.Errorf("Expected 2 delivery attempts, got %d", got)
	}
}

func TestConsumerPanicTriggersRetry(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue()

	var calls atomic.Int64
	handler := HandlerFunc(func(_ context.Context, _ *Message) error {
		if calls.Add(1) == 1 {
			panic("corrupted nav row")
		}
		return nil
	})

	c, _ := NewConsumer(q, "q", handler, testConsumerConfig())
	q.Publish(ctx, "q", nil)

	c.Start(ctx)
	defer c.Stop(ctx)

	// 第一次 panic 触发重投，第二次成功后确认
	waitFor(t, 2*time.Second, func() bool {
		stats, _ := q.Stats(ctx, "q")
		return stats != nil && stats.Total() == 0 && stats.Dead == 0
	})
	if got := calls.Load(); got != 2 {
		t.Errorf("Expected 2 invocations, got %d", got)
	}
}

func TestConsumerStopNacksUnhandled(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue()

	// 消费者跑在另一个队列上，避免和手工出队竞争消息
	c, _ := NewConsumer(q, "idle", HandlerFunc(func(context.Context, *Message) error {
		return nil
	}), testConsumerConfig())
	c.Start(ctx)

	// 模拟已出队但尚未交给处理器的消息：停机时应统一 nack 重新入队
	q.Publish(ctx, "q", map[string]any{"n": "orphan"})
	msg, _ := q.Consume(ctx, "q", 0)
	if msg == nil {
		t.Fatal("Expected a message")
	}
	c.inflight.Store(msg.ID, msg)

	c.Stop(ctx)

	stats, _ := q.Stats(ctx, "q")
	if stats.Live != 1 {
		t.Errorf("Unhandled message should be requeued on stop, got %+v", stats)
	}
}

func TestConsumerStartStopIdempotent(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue()

	c, _ := NewConsumer(q, "q", HandlerFunc(func(context.Context, *Message) error {
		return nil
	}), testConsumerConfig())

	c.Start(ctx)
	c.Start(ctx)
	c.Stop(ctx)
	c.Stop(ctx)
}

func TestConsumerRestartWithMetrics(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(WithMetrics(metrics.NewMetrics("consumer-restart-test")))

	var handled atomic.Int64
	c, _ := NewConsumer(q, "q", HandlerFunc(func(context.Context, *Message) error {
		handled.Add(1)
		return nil
	}), testConsumerConfig())

	// 重启会重建 worker 池；池的仪表指标重复创建不能 panic
	c.Start(ctx)
	c.Stop(ctx)
	c.Start(ctx)
	defer c.Stop(ctx)

	q.Publish(ctx, "q", nil)
	waitFor(t, 2*time.Second, func() bool {
		return handled.Load() == 1
	})
}

func TestNewConsumerValidation(t *testing.T) {
	q := newTestQueue()
	h := HandlerFunc(func(context.Context, *Message) error { return nil })

	if _, err := NewConsumer(nil, "q", h, testConsumerConfig()); err == nil {
		t.Error("Nil queue should be rejected")
	}
	if _, err := NewConsumer(q, "", h, testConsumerConfig()); err == nil {
		t.Error("Empty queue name should be rejected")
	}
	if _, err := NewConsumer(q, "q", nil, testConsumerConfig()); err == nil {
		t.Error("Nil handler should be rejected")
	}
}
