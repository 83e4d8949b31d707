package messagequeue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/wyfcoding/fundflow/config"
	"github.com/wyfcoding/fundflow/eventbus"
	"github.com/wyfcoding/fundflow/lock"
	"github.com/wyfcoding/fundflow/logging"
	"github.com/wyfcoding/fundflow/metrics"
	"github.com/wyfcoding/fundflow/scheduler"
	"github.com/wyfcoding/fundflow/store"
	"github.com/wyfcoding/fundflow/xerrors"
)

// TopicDeadLettered 消息转入死信时在事件总线上发布的主题。
const TopicDeadLettered = "mq.dead_lettered"

const (
	defaultLeaseExpiry  = 30 * time.Second
	defaultReapInterval = 10 * time.Second
	defaultPollInterval = 50 * time.Millisecond
	defaultMaxAttempts  = 3
	reaperJobName       = "queue-lease-reaper"
	reaperLockKey       = "queue:reaper"
)

// Queue 持久化优先级消息队列。
// 所有操作对存储故障降级：告警后返回零值而非错误，
// 只有入参非法会以错误形式返回给调用方；
// 存储调用经过熔断器，持续故障时快速失败，避免拖垮调用链路。
type Queue struct {
	backend store.Backend
	cfg     config.QueueConfig
	logger  *logging.Logger
	slogger *slog.Logger
	metrics *metrics.Metrics
	bus     *eventbus.Bus
	breaker *gobreaker.CircuitBreaker

	reaperLock lock.DistributedLock
	sched      *scheduler.Scheduler
	schedOnce  sync.Once

	inflight sync.Map // member -> *Message
	seen     sync.Map // 出现过的队列名，租约回收按此扫描
}

// QueueOption 配置消息队列。
type QueueOption func(*Queue)

// WithLogger 注入日志实例。
func WithLogger(logger *logging.Logger) QueueOption {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
			q.slogger = logger.Logger
		}
	}
}

// WithMetrics 注入指标采集器。
func WithMetrics(m *metrics.Metrics) QueueOption {
	return func(q *Queue) {
		q.metrics = m
	}
}

// WithBus 挂载事件总线，消息转入死信时发布 TopicDeadLettered 事件。
func WithBus(bus *eventbus.Bus) QueueOption {
	return func(q *Queue) {
		q.bus = bus
	}
}

// WithReaperLock 注入分布式锁。多进程共享 Redis 后端时，
// 租约回收扫描先抢锁，保证同一时刻只有一个进程在回收。
func WithReaperLock(l lock.DistributedLock) QueueOption {
	return func(q *Queue) {
		q.reaperLock = l
	}
}

// NewQueue 创建消息队列。
func NewQueue(backend store.Backend, cfg config.QueueConfig, opts ...QueueOption) *Queue {
	if cfg.LeaseExpiry == 0 {
		cfg.LeaseExpiry = defaultLeaseExpiry
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = defaultReapInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = defaultMaxAttempts
	}

	q := &Queue{
		backend: backend,
		cfg:     cfg,
		slogger: slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}

	q.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "messagequeue-store",
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return q
}

// call 执行一次存储操作：经过熔断器，失败时告警并计数。
// 返回值第二项为操作是否成功，失败由调用方按降级语义处理。
func (q *Queue) call(ctx context.Context, op, queue string, fn func() (any, error)) (any, bool) {
	result, err := q.breaker.Execute(fn)
	if err != nil {
		q.slogger.WarnContext(ctx, "queue store operation failed, degrading",
			"op", op, "queue", queue, "error", err)
		if q.metrics != nil {
			q.metrics.QueueOps.WithLabelValues(queue, op, "error").Inc()
		}
		return nil, false
	}
	if q.metrics != nil {
		q.metrics.QueueOps.WithLabelValues(queue, op, "ok").Inc()
	}
	return result, true
}

func (q *Queue) touch(queue string) {
	q.seen.LoadOrStore(queue, struct{}{})
}

// Publish 发布一条消息，返回消息 ID。优先级高的消息先被消费，
// 延迟消息到期后才对消费者可见；存储故障时告警并返回空 ID。
func (q *Queue) Publish(ctx context.Context, queue string, payload map[string]any, opts ...PublishOption) (string, error) {
	if queue == "" {
		return "", xerrors.InvalidArg("queue name is empty")
	}

	options := &publishOptions{
		maxAttempts: int64(q.cfg.DefaultMaxAttempts),
	}
	for _, opt := range opts {
		opt(options)
	}
	if options.delay < 0 {
		return "", xerrors.InvalidArg("negative delay").WithContext("delay", options.delay.String())
	}
	if options.maxAttempts < 0 {
		return "", xerrors.InvalidArg("negative max attempts")
	}

	msg := newMessage(queue, payload, options)
	body, err := msg.encode()
	if err != nil {
		return "", xerrors.InvalidArg("payload is not serializable").WithContext("cause", err.Error())
	}

	q.touch(queue)
	_, ok := q.call(ctx, "publish", queue, func() (any, error) {
		return nil, q.backend.Enqueue(ctx, queue, msg.ID, body, msg.Priority, options.delay, msg.MaxAttempts)
	})
	if !ok {
		return "", nil
	}
	return msg.ID, nil
}

// ConsumeOption 配置单次消费。
type ConsumeOption func(*consumeOptions)

type consumeOptions struct {
	autoAck bool
}

// WithAutoAck 出队即确认，消息不登记租约，处理失败不会重投。
// 适合丢失可容忍的低价值任务。
func WithAutoAck() ConsumeOption {
	return func(o *consumeOptions) {
		o.autoAck = true
	}
}

// Consume 弹出一条就绪消息并登记租约。
// timeout 大于零时阻塞等待，按 PollInterval 轮询直到有消息或超时；
// 这是唯一允许阻塞的操作。队列为空或存储故障时返回 (nil, nil)。
func (q *Queue) Consume(ctx context.Context, queue string, timeout time.Duration, opts ...ConsumeOption) (*Message, error) {
	if queue == "" {
		return nil, xerrors.InvalidArg("queue name is empty")
	}

	options := &consumeOptions{}
	for _, opt := range opts {
		opt(options)
	}

	deadline := time.Now().Add(timeout)
	for {
		msg, err := q.consumeOnce(ctx, queue, options)
		if err != nil || msg != nil {
			return msg, err
		}
		if timeout <= 0 || !time.Now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, nil
		case <-time.After(q.cfg.PollInterval):
		}
	}
}

func (q *Queue) consumeOnce(ctx context.Context, queue string, options *consumeOptions) (*Message, error) {
	q.touch(queue)
	raw, ok := q.call(ctx, "consume", queue, func() (any, error) {
		return q.backend.Dequeue(ctx, queue, q.cfg.LeaseExpiry)
	})
	if !ok {
		return nil, nil
	}
	dq, _ := raw.(*store.Dequeued)
	if dq == nil {
		return nil, nil
	}

	msg, err := decodeMessage(dq.Body)
	if err != nil {
		// 无法解析的消息体直接送入死信，避免反复交付
		q.slogger.ErrorContext(ctx, "undecodable message body, dead-lettering",
			"queue", queue, "id", dq.ID, "error", err)
		q.call(ctx, "nack", queue, func() (any, error) {
			return q.backend.Nack(ctx, queue, dq.Member, nil, false)
		})
		return nil, nil
	}

	msg.Queue = queue
	msg.Attempts = dq.Attempt
	if dq.MaxAttempts > 0 {
		msg.MaxAttempts = dq.MaxAttempts
	}

	if options.autoAck {
		q.call(ctx, "ack", queue, func() (any, error) {
			return q.backend.Ack(ctx, queue, dq.Member)
		})
		return msg, nil
	}

	msg.member = dq.Member
	q.inflight.Store(dq.Member, msg)
	return msg, nil
}

// Ack 确认消息处理完成并删除。重复 Ack 或租约已被回收时为无害的空操作。
func (q *Queue) Ack(ctx context.Context, msg *Message) error {
	if msg == nil {
		return xerrors.InvalidArg("message is nil")
	}
	if !msg.Leased() {
		// 凭证已在上一次 ack/nack 时交还，再次确认是空操作
		return nil
	}
	member := msg.member

	raw, ok := q.call(ctx, "ack", msg.Queue, func() (any, error) {
		return q.backend.Ack(ctx, msg.Queue, member)
	})
	if ok {
		if acked, _ := raw.(bool); !acked {
			q.slogger.DebugContext(ctx, "ack skipped, lease no longer held",
				"queue", msg.Queue, "id", msg.ID)
		}
	}

	q.inflight.Delete(member)
	msg.member = ""
	return nil
}

// Nack 声明消息处理失败。requeue 为真且未超出交付上限时重新入队，
// 排在同优先级队尾；否则转入死信并在事件总线上发布通知。
// cause 会记入消息的 last_error 字段，随死信一并保留。
func (q *Queue) Nack(ctx context.Context, msg *Message, requeue bool, cause error) error {
	if msg == nil {
		return xerrors.InvalidArg("message is nil")
	}
	if !msg.Leased() {
		return nil
	}
	member := msg.member

	if cause != nil {
		msg.LastError = cause.Error()
	}
	body, err := msg.encode()
	if err != nil {
		body = nil
	}

	raw, ok := q.call(ctx, "nack", msg.Queue, func() (any, error) {
		return q.backend.Nack(ctx, msg.Queue, member, body, requeue)
	})
	q.inflight.Delete(member)
	msg.member = ""
	if !ok {
		return nil
	}

	outcome, _ := raw.(store.Outcome)
	switch outcome {
	case store.OutcomeDead:
		q.slogger.WarnContext(ctx, "message dead-lettered",
			"queue", msg.Queue, "id", msg.ID, "attempts", msg.Attempts, "last_error", msg.LastError)
		if q.metrics != nil {
			q.metrics.DeadLettered.WithLabelValues(msg.Queue).Inc()
		}
		q.notifyDeadLetter(ctx, msg)
	case store.OutcomeNotFound:
		q.slogger.DebugContext(ctx, "nack skipped, lease no longer held",
			"queue", msg.Queue, "id", msg.ID)
	}
	return nil
}

// notifyDeadLetter 在事件总线上发布死信事件，未挂载总线时跳过。
func (q *Queue) notifyDeadLetter(ctx context.Context, msg *Message) {
	if q.bus == nil {
		return
	}
	err := q.bus.Emit(ctx, TopicDeadLettered, map[string]any{
		"queue":      msg.Queue,
		"message_id": msg.ID,
		"attempts":   msg.Attempts,
		"last_error": msg.LastError,
	}, eventbus.WithPriority(eventbus.PriorityHigh), eventbus.WithSource("messagequeue"))
	if err != nil {
		q.slogger.WarnContext(ctx, "dead letter event emit failed", "queue", msg.Queue, "error", err)
	}
}

// Peek 按交付顺序查看就绪区最前面的若干条消息，不改变队列状态。
func (q *Queue) Peek(ctx context.Context, queue string, limit int) ([]*Message, error) {
	if queue == "" {
		return nil, xerrors.InvalidArg("queue name is empty")
	}

	raw, ok := q.call(ctx, "peek", queue, func() (any, error) {
		return q.backend.Peek(ctx, queue, limit)
	})
	if !ok {
		return nil, nil
	}
	items, _ := raw.([]*store.Item)

	out := make([]*Message, 0, len(items))
	for _, item := range items {
		msg, err := decodeMessage(item.Body)
		if err != nil {
			q.slogger.WarnContext(ctx, "skipping undecodable message in peek",
				"queue", queue, "id", item.ID, "error", err)
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// PeekDead 查看死信区最早的若干条消息，不改变队列状态。
func (q *Queue) PeekDead(ctx context.Context, queue string, limit int) ([]*Message, error) {
	if queue == "" {
		return nil, xerrors.InvalidArg("queue name is empty")
	}

	raw, ok := q.call(ctx, "peek_dead", queue, func() (any, error) {
		return q.backend.PeekDead(ctx, queue, limit)
	})
	if !ok {
		return nil, nil
	}
	bodies, _ := raw.([][]byte)

	out := make([]*Message, 0, len(bodies))
	for _, body := range bodies {
		msg, err := decodeMessage(body)
		if err != nil {
			q.slogger.WarnContext(ctx, "skipping undecodable dead letter", "queue", queue, "error", err)
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// Stats 返回队列各存储区的消息数，并刷新深度指标。
func (q *Queue) Stats(ctx context.Context, queue string) (*store.Stats, error) {
	if queue == "" {
		return nil, xerrors.InvalidArg("queue name is empty")
	}

	raw, ok := q.call(ctx, "stats", queue, func() (any, error) {
		return q.backend.Stats(ctx, queue)
	})
	if !ok {
		return nil, nil
	}
	stats, _ := raw.(*store.Stats)
	if stats != nil && q.metrics != nil {
		q.metrics.QueueDepth.WithLabelValues(queue, "live").Set(float64(stats.Live))
		q.metrics.QueueDepth.WithLabelValues(queue, "delayed").Set(float64(stats.Delayed))
		q.metrics.QueueDepth.WithLabelValues(queue, "processing").Set(float64(stats.Processing))
		q.metrics.QueueDepth.WithLabelValues(queue, "dead").Set(float64(stats.Dead))
	}
	return stats, nil
}

// Clear 清空队列全部存储区，包括死信。
func (q *Queue) Clear(ctx context.Context, queue string) error {
	if queue == "" {
		return xerrors.InvalidArg("queue name is empty")
	}

	q.call(ctx, "clear", queue, func() (any, error) {
		return nil, q.backend.Clear(ctx, queue)
	})
	return nil
}

// StartReaper 启动租约回收扫描：周期性把租约过期的处理中消息放回就绪区。
// LeaseExpiry 配置为负数时租约回收关闭，本方法为空操作。
func (q *Queue) StartReaper(ctx context.Context) error {
	if q.cfg.LeaseExpiry <= 0 {
		return nil
	}

	var err error
	q.schedOnce.Do(func() {
		q.sched = scheduler.NewSchedulerWithMetrics(q.logger, q.metrics)
		err = q.sched.AddJob(scheduler.JobConfig{
			Name:     reaperJobName,
			Interval: q.cfg.ReapInterval,
			Timeout:  q.cfg.ReapInterval,
		}, q.reapOnce)
		if err != nil {
			return
		}
		q.sched.Start(ctx)
	})
	return err
}

// StopReaper 停止租约回收扫描。
func (q *Queue) StopReaper(ctx context.Context) error {
	if q.sched == nil {
		return nil
	}
	return q.sched.Stop(ctx)
}

// reapOnce 扫描所有出现过的队列。配置了分布式锁时先抢锁，
// 抢不到说明其他进程正在回收，本轮直接跳过。
func (q *Queue) reapOnce(ctx context.Context) error {
	if q.reaperLock != nil {
		token, err := q.reaperLock.Lock(ctx, reaperLockKey, q.cfg.ReapInterval)
		if err != nil {
			return nil
		}
		defer func() {
			if uerr := q.reaperLock.Unlock(ctx, reaperLockKey, token); uerr != nil {
				q.slogger.WarnContext(ctx, "reaper lock release failed", "error", uerr)
			}
		}()
	}

	q.seen.Range(func(key, _ any) bool {
		queue := key.(string)
		raw, ok := q.call(ctx, "reap", queue, func() (any, error) {
			return q.backend.ReapExpired(ctx, queue, 0)
		})
		if !ok {
			return true
		}
		if reaped, _ := raw.(int); reaped > 0 {
			q.slogger.InfoContext(ctx, "requeued expired leases", "queue", queue, "count", reaped)
			if q.metrics != nil {
				q.metrics.LeasesReaped.WithLabelValues(queue).Add(float64(reaped))
			}
		}
		return true
	})
	return nil
}

// Close 停止回收扫描并关闭存储后端。
func (q *Queue) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.StopReaper(ctx); err != nil {
		q.slogger.Warn("reaper stop failed", "error", err)
	}
	if err := q.backend.Close(); err != nil {
		return fmt.Errorf("close backend: %w", err)
	}
	return nil
}
