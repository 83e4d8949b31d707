package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wyfcoding/fundflow/async"
	"github.com/wyfcoding/fundflow/config"
	"github.com/wyfcoding/fundflow/logging"
	"github.com/wyfcoding/fundflow/metrics"
	"github.com/wyfcoding/fundflow/xerrors"
)

// DefaultQueueCapacity 内部优先级队列的默认容量上限。
// 监听器未启动时事件会持续积压，必须有显式上限，超出即丢弃并告警。
const DefaultQueueCapacity = 4096

// Handler 事件处理器接口。
// 每个具体处理器（缓存失效、通知分发等）实现各自的 Handle。
type Handler interface {
	Handle(ctx context.Context, event *Event) error
}

// HandlerFunc 将普通函数适配为 Handler。
type HandlerFunc func(ctx context.Context, event *Event) error

// Handle 实现 Handler 接口。
func (f HandlerFunc) Handle(ctx context.Context, event *Event) error {
	return f(ctx, event)
}

// HandlerResult 单个处理器的一次调用结果。
type HandlerResult struct {
	SubscriptionID uint64
	Err            error
}

// DispatchReport 一次分发的完整结果，测试与调用方可据此断言处理器失败，
// 而不必依赖日志输出。
type DispatchReport struct {
	Topic   string
	Matched int
	Results []HandlerResult
}

// Failed 返回失败的处理器数量。
func (r *DispatchReport) Failed() int {
	n := 0
	for _, res := range r.Results {
		if res.Err != nil {
			n++
		}
	}
	return n
}

// subscription 一条订阅记录。pattern 非空时按 shell 通配符在分发时匹配。
type subscription struct {
	id      uint64
	name    string
	pattern string
	prio    Priority
	order   uint64
	handler Handler
}

// Bus 进程内事件总线。
// 通过显式构造并注入使用，不提供进程级单例；
// 异步路径由单个后台 worker 按 (priority, seq) 顺序分发。
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]*subscription
	patterns    []*subscription
	byID        map[uint64]*subscription

	qmu      sync.Mutex
	queue    priorityEventQueue
	capacity int

	nextSubID atomic.Uint64
	seq       atomic.Uint64

	lcMu    sync.Mutex
	notify  chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup
	running bool

	logger  *slog.Logger
	metrics *metrics.Metrics
	history *History
}

// BusOption 配置事件总线。
type BusOption func(*Bus)

// WithCapacity 设置内部队列容量上限。
func WithCapacity(capacity int) BusOption {
	return func(b *Bus) {
		if capacity > 0 {
			b.capacity = capacity
		}
	}
}

// WithLogger 注入日志实例。
func WithLogger(logger *logging.Logger) BusOption {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger.Logger
		}
	}
}

// WithMetrics 注入指标采集器。
func WithMetrics(m *metrics.Metrics) BusOption {
	return func(b *Bus) {
		b.metrics = m
	}
}

// WithHistory 挂载事件历史缓冲，perTopic 为每个主题保留的条数。
func WithHistory(perTopic int) BusOption {
	return func(b *Bus) {
		if perTopic > 0 {
			b.history = NewHistory(perTopic)
		}
	}
}

// NewBus 创建事件总线。
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		subscribers: make(map[string][]*subscription),
		byID:        make(map[uint64]*subscription),
		capacity:    DefaultQueueCapacity,
		notify:      make(chan struct{}, 1),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NewBusFromConfig 根据配置创建事件总线。
func NewBusFromConfig(cfg config.EventBusConfig, logger *logging.Logger, m *metrics.Metrics) *Bus {
	opts := []BusOption{WithLogger(logger), WithMetrics(m)}
	if cfg.QueueCapacity > 0 {
		opts = append(opts, WithCapacity(cfg.QueueCapacity))
	}
	if cfg.HistoryPerTopic > 0 {
		opts = append(opts, WithHistory(cfg.HistoryPerTopic))
	}
	return NewBus(opts...)
}

// History 返回挂载的事件历史缓冲，未挂载时为 nil。
func (b *Bus) History() *History {
	return b.history
}

// Subscribe 注册一个精确主题订阅，返回订阅 ID。
// 同一处理器允许重复注册（重复是显式行为，不做去重）；
// 同名订阅按优先级排序分发，优先级相同时按注册先后。
func (b *Bus) Subscribe(name string, handler Handler, prio Priority) (uint64, error) {
	if name == "" {
		return 0, xerrors.InvalidArg("event name is empty")
	}
	if handler == nil {
		return 0, xerrors.InvalidArg("handler is nil")
	}
	if !prio.Valid() {
		return 0, xerrors.InvalidArg("invalid subscription priority")
	}

	sub := &subscription{
		id:      b.nextSubID.Add(1),
		name:    name,
		prio:    prio,
		handler: handler,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	sub.order = sub.id
	b.subscribers[name] = append(b.subscribers[name], sub)
	b.byID[sub.id] = sub
	return sub.id, nil
}

// SubscribePattern 注册一个通配符订阅（shell 风格，如 "fund.*"），
// 匹配发生在分发时刻。通配符订阅以 Normal 优先级参与排序。
func (b *Bus) SubscribePattern(pattern string, handler Handler) (uint64, error) {
	if pattern == "" {
		return 0, xerrors.InvalidArg("pattern is empty")
	}
	if handler == nil {
		return 0, xerrors.InvalidArg("handler is nil")
	}
	if _, err := path.Match(pattern, "probe"); err != nil {
		return 0, xerrors.InvalidArg("malformed pattern").WithContext("pattern", pattern)
	}

	sub := &subscription{
		id:      b.nextSubID.Add(1),
		pattern: pattern,
		prio:    PriorityNormal,
		handler: handler,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	sub.order = sub.id
	b.patterns = append(b.patterns, sub)
	b.byID[sub.id] = sub
	return sub.id, nil
}

// Unsubscribe 按订阅 ID 移除订阅，返回是否存在。
func (b *Bus) Unsubscribe(id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.byID[id]
	if !ok {
		return false
	}
	delete(b.byID, id)

	if sub.pattern != "" {
		for i, p := range b.patterns {
			if p.id == id {
				b.patterns = append(b.patterns[:i], b.patterns[i+1:]...)
				break
			}
		}
		return true
	}

	subs := b.subscribers[sub.name]
	for i, s := range subs {
		if s.id == id {
			b.subscribers[sub.name] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subscribers[sub.name]) == 0 {
		delete(b.subscribers, sub.name)
	}
	return true
}

// Emit 异步发布事件：构造事件、标记单调序号后压入内部优先级队列并立即返回。
// 永远不会阻塞在处理器执行上；队列满时丢弃并告警。
func (b *Bus) Emit(ctx context.Context, name string, data map[string]any, opts ...EmitOption) error {
	event, err := newEvent(name, data, opts...)
	if err != nil {
		return err
	}

	item := &queuedEvent{event: event, seq: b.seq.Add(1)}

	b.qmu.Lock()
	if b.queue.Len() >= b.capacity {
		b.qmu.Unlock()
		b.logger.WarnContext(ctx, "event queue full, dropping event",
			"topic", name, "capacity", b.capacity, "event_id", event.ID)
		if b.metrics != nil {
			b.metrics.EventsDropped.WithLabelValues(name).Inc()
		}
		return nil
	}
	b.queue.push(item)
	b.qmu.Unlock()

	if b.metrics != nil {
		b.metrics.EventsEmitted.WithLabelValues(name, "async").Inc()
	}

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return nil
}

// EmitSync 同步发布事件：在调用方 goroutine 内完成对所有匹配处理器的分发后才返回。
// 调用方需要在继续执行前观察到处理器副作用（如缓存删除）时使用。
// 多个并发调用方的处理器可能并发执行，处理器自身须并发安全。
func (b *Bus) EmitSync(ctx context.Context, name string, data map[string]any, opts ...EmitOption) (*DispatchReport, error) {
	event, err := newEvent(name, data, opts...)
	if err != nil {
		return nil, err
	}
	if b.metrics != nil {
		b.metrics.EventsEmitted.WithLabelValues(name, "sync").Inc()
	}
	return b.dispatch(ctx, event), nil
}

// StartListener 幂等启动后台 worker。
func (b *Bus) StartListener() {
	b.lcMu.Lock()
	defer b.lcMu.Unlock()
	if b.running {
		return
	}
	b.running = true
	b.stop = make(chan struct{})
	b.wg.Add(1)
	stop := b.stop
	async.SafeGo(func() {
		defer b.wg.Done()
		b.run(stop)
	})
	b.logger.Info("event bus listener started", "capacity", b.capacity)
}

// StopListener 幂等停止后台 worker 并等待其退出。
// 队列中未分发的事件保留，重新启动后继续按优先级分发。
func (b *Bus) StopListener() {
	b.lcMu.Lock()
	defer b.lcMu.Unlock()
	if !b.running {
		return
	}
	b.running = false
	close(b.stop)
	b.wg.Wait()
	b.logger.Info("event bus listener stopped", "queued", b.pending())
}

// pending 返回内部队列中积压的事件数。
func (b *Bus) pending() int {
	b.qmu.Lock()
	defer b.qmu.Unlock()
	return b.queue.Len()
}

// run 是后台 worker 主循环：排空队列，空闲时等待通知或取消信号。
func (b *Bus) run(stop <-chan struct{}) {
	for {
		item, ok := b.popQueued()
		if ok {
			b.dispatch(context.Background(), item.event)
			continue
		}

		select {
		case <-b.notify:
		case <-stop:
			return
		}
	}
}

func (b *Bus) popQueued() (*queuedEvent, bool) {
	b.qmu.Lock()
	defer b.qmu.Unlock()
	return b.queue.pop()
}

// dispatch 将事件分发给所有匹配的订阅。
// 处理器异常被捕获并记录，不会中断剩余处理器的分发，也不会触发重投，
// 即对每个处理器至多一次（at-most-once）。
func (b *Bus) dispatch(ctx context.Context, event *Event) *DispatchReport {
	matched := b.match(event.Name)

	report := &DispatchReport{
		Topic:   event.Name,
		Matched: len(matched),
		Results: make([]HandlerResult, 0, len(matched)),
	}

	if b.history != nil {
		b.history.Record(event)
	}

	if len(matched) == 0 {
		// 无订阅者时静默返回
		return report
	}

	start := time.Now()
	for _, sub := range matched {
		err := b.invoke(ctx, sub, event)
		report.Results = append(report.Results, HandlerResult{SubscriptionID: sub.id, Err: err})
		if err != nil {
			if b.metrics != nil {
				b.metrics.HandlerErrors.WithLabelValues(event.Name).Inc()
			}
			b.logger.ErrorContext(ctx, "event handler failed",
				"topic", event.Name, "event_id", event.ID, "subscription", sub.id, "error", err)
		}
	}
	if b.metrics != nil {
		b.metrics.DispatchDuration.WithLabelValues(event.Name).Observe(time.Since(start).Seconds())
	}

	return report
}

// match 返回与主题匹配的订阅快照，按 (优先级, 注册顺序) 排序。
func (b *Bus) match(name string) []*subscription {
	b.mu.RLock()
	matched := make([]*subscription, 0, len(b.subscribers[name])+len(b.patterns))
	matched = append(matched, b.subscribers[name]...)
	for _, sub := range b.patterns {
		if ok, _ := path.Match(sub.pattern, name); ok {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].prio != matched[j].prio {
			return matched[i].prio < matched[j].prio
		}
		return matched[i].order < matched[j].order
	})
	return matched
}

// invoke 执行单个处理器并恢复 panic。
func (b *Bus) invoke(ctx context.Context, sub *subscription, event *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = xerrors.Internal(fmt.Sprintf("handler panic: %v", r), nil).
				WithContext("topic", event.Name).
				WithContext("subscription", sub.id)
		}
	}()
	return sub.handler.Handle(ctx, event)
}
