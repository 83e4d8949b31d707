package messagequeue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wyfcoding/fundflow/async"
	"github.com/wyfcoding/fundflow/config"
	"github.com/wyfcoding/fundflow/logging"
	"github.com/wyfcoding/fundflow/retry"
	"github.com/wyfcoding/fundflow/worker"
	"github.com/wyfcoding/fundflow/xerrors"
)

// Handler 消息处理器接口。返回 nil 表示处理成功并确认，
// 返回错误或 panic 表示处理失败，消息按重试策略重新入队或转入死信。
type Handler interface {
	Handle(ctx context.Context, msg *Message) error
}

// HandlerFunc 将普通函数适配为 Handler。
type HandlerFunc func(ctx context.Context, msg *Message) error

// Handle 实现 Handler 接口。
func (f HandlerFunc) Handle(ctx context.Context, msg *Message) error {
	return f(ctx, msg)
}

// Consumer 持续消费单个队列：轮询出队、提交到 worker 池并按处理结果确认。
// 队列为空或存储降级时按指数退避放缓轮询，取到消息后退避复位。
type Consumer struct {
	queue   *Queue
	name    string
	handler Handler
	cfg     config.ConsumerConfig
	logger  *slog.Logger

	lcMu    sync.Mutex
	pool    *worker.Pool
	stop    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool

	inflight sync.Map // message ID -> *Message，用于停机时统一 nack
}

// ConsumerOption 配置消费者。
type ConsumerOption func(*Consumer)

// WithConsumerLogger 注入日志实例。
func WithConsumerLogger(logger *logging.Logger) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger.Logger
		}
	}
}

// NewConsumer 创建指定队列的消费者。
func NewConsumer(queue *Queue, name string, handler Handler, cfg config.ConsumerConfig, opts ...ConsumerOption) (*Consumer, error) {
	if queue == nil {
		return nil, xerrors.InvalidArg("queue is nil")
	}
	if name == "" {
		return nil, xerrors.InvalidArg("queue name is empty")
	}
	if handler == nil {
		return nil, xerrors.InvalidArg("handler is nil")
	}

	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = 100 * time.Millisecond
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 5 * time.Second
	}

	c := &Consumer{
		queue:   queue,
		name:    name,
		handler: handler,
		cfg:     cfg,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start 幂等启动消费循环。
func (c *Consumer) Start(ctx context.Context) {
	c.lcMu.Lock()
	defer c.lcMu.Unlock()
	if c.running {
		return
	}
	c.running = true

	c.pool = worker.NewPool(
		worker.WithName("consumer-"+c.name),
		worker.WithSize(c.cfg.Workers),
		worker.WithQueueSize(c.cfg.Workers*2),
		worker.WithLogger(c.logger),
		worker.WithMetrics(c.queue.metrics),
	)
	c.stop = make(chan struct{})
	pollCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	stop := c.stop
	async.SafeGo(func() {
		defer c.wg.Done()
		c.pollLoop(pollCtx, stop)
	})
	c.logger.Info("consumer started", "queue", c.name, "workers", c.cfg.Workers)
}

// pollLoop 主轮询循环：取消息提交到 worker 池，空轮询时指数退避。
func (c *Consumer) pollLoop(ctx context.Context, stop <-chan struct{}) {
	backoff := retry.NewBackoff(retry.Config{
		InitialBackoff: c.cfg.IdleSleep,
		MaxBackoff:     c.cfg.PollTimeout,
		Multiplier:     2.0,
		Jitter:         0.2,
	})

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		msg, err := c.queue.Consume(ctx, c.name, c.cfg.PollTimeout)
		if err != nil {
			// 只有入参非法会走到这里，属于编码错误，直接退出循环
			c.logger.Error("consume failed", "queue", c.name, "error", err)
			return
		}
		if msg == nil {
			select {
			case <-time.After(backoff.Next()):
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
			continue
		}
		backoff.Reset()

		c.inflight.Store(msg.ID, msg)
		if err := c.submit(ctx, msg); err != nil {
			// 池已关闭，停机路径会统一 nack
			c.logger.Warn("submit to worker pool failed", "queue", c.name, "id", msg.ID, "error", err)
			return
		}
	}
}

// submit 把消息交给 worker 池处理，按处理结果确认。
// 确认操作不随轮询上下文取消，停机排空期间仍能正常 ack/nack。
func (c *Consumer) submit(ctx context.Context, msg *Message) error {
	ackCtx := context.WithoutCancel(ctx)
	return c.pool.Submit(func(taskCtx context.Context) {
		defer c.inflight.Delete(msg.ID)

		err := c.handle(taskCtx, msg)
		if err == nil {
			if aerr := c.queue.Ack(ackCtx, msg); aerr != nil {
				c.logger.Error("ack failed", "queue", c.name, "id", msg.ID, "error", aerr)
			}
			return
		}

		c.logger.WarnContext(ackCtx, "message handling failed, nacking",
			"queue", c.name, "id", msg.ID, "attempt", msg.Attempts, "error", err)
		if nerr := c.queue.Nack(ackCtx, msg, true, err); nerr != nil {
			c.logger.Error("nack failed", "queue", c.name, "id", msg.ID, "error", nerr)
		}
	})
}

// handle 执行处理器并把 panic 转为错误，panic 与返回错误同样触发 nack。
func (c *Consumer) handle(ctx context.Context, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.handler.Handle(ctx, msg)
}

// Stop 幂等停止消费：不再取新消息，排空 worker 池中已提交的任务，
// 然后把仍持有租约的消息统一 nack 重新入队，不让任何消息卡在处理区等租约过期。
func (c *Consumer) Stop(ctx context.Context) {
	c.lcMu.Lock()
	defer c.lcMu.Unlock()
	if !c.running {
		return
	}
	c.running = false
	close(c.stop)
	c.cancel()
	c.wg.Wait()
	c.pool.Drain()

	c.inflight.Range(func(key, value any) bool {
		msg := value.(*Message)
		if msg.Leased() {
			if err := c.queue.Nack(ctx, msg, true, fmt.Errorf("consumer stopped")); err != nil {
				c.logger.Warn("nack on shutdown failed", "queue", c.name, "id", msg.ID, "error", err)
			}
		}
		c.inflight.Delete(key)
		return true
	})
	c.logger.Info("consumer stopped", "queue", c.name)
}
