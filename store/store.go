// Package store 定义持久化消息队列的存储后端抽象。
// 队列层只依赖本接口，存储细节（Redis 结构、内存结构）由各实现封装；
// 每个方法对应一次完整的消息状态迁移，实现必须保证该迁移的原子性，
// 即任意时刻一条消息只存在于 live / delayed / processing / dead 中的一处。
package store

import (
	"context"
	"time"
)

// Outcome 是 Nack 的迁移结果。
type Outcome int

const (
	// OutcomeNotFound 消息不在处理中登记里（重复 ack/nack 或租约已被回收）。
	OutcomeNotFound Outcome = iota
	// OutcomeRequeued 消息已重新入队，排在同优先级的队尾。
	OutcomeRequeued
	// OutcomeDead 消息已进入死信区。
	OutcomeDead
)

// String 返回迁移结果的可读名称。
func (o Outcome) String() string {
	switch o {
	case OutcomeNotFound:
		return "not_found"
	case OutcomeRequeued:
		return "requeued"
	case OutcomeDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Dequeued 是一次出队交付的结果。
// Member 是本次交付的租约凭证，Ack/Nack 时原样传回。
type Dequeued struct {
	ID          string
	Body        []byte
	Priority    int
	Attempt     int64 // 本次是第几次交付（含本次）
	MaxAttempts int64 // 0 表示不限次数
	Member      string
}

// Item 是就绪队列中一条消息的只读快照。
type Item struct {
	ID       string
	Body     []byte
	Priority int
}

// Stats 各存储区的消息数快照。
type Stats struct {
	Live       int64 `json:"live"`
	Delayed    int64 `json:"delayed"`
	Processing int64 `json:"processing"`
	Dead       int64 `json:"dead"`
}

// Total 返回仍由队列负责的消息总数（不含死信）。
func (s *Stats) Total() int64 {
	return s.Live + s.Delayed + s.Processing
}

// Backend 存储后端接口。
// 所有方法对不存在的队列按空队列处理，不要求预先声明。
type Backend interface {
	// Enqueue 写入一条消息。delay 大于零时进入延迟区，到期后才可被出队；
	// priority 是任意整数，数值越大越先交付，同优先级内按入队顺序交付。
	Enqueue(ctx context.Context, queue, id string, body []byte, priority int, delay time.Duration, maxAttempts int64) error

	// Dequeue 弹出当前最高优先级、最早入队的就绪消息，登记为处理中，
	// 并累加交付次数。lease 大于零时记录租约截止时间，供 ReapExpired 回收。
	// 队列为空时返回 (nil, nil)。
	Dequeue(ctx context.Context, queue string, lease time.Duration) (*Dequeued, error)

	// Ack 确认处理完成并删除消息。凭证不在处理中登记时返回 false，
	// 因此重复 Ack 是无害的。
	Ack(ctx context.Context, queue, member string) (bool, error)

	// Nack 声明处理失败。requeue 为真且未超出交付上限时重新入队
	//（获得新的队内序号，排在同优先级队尾），否则进入死信区。
	// body 非空时以其替换存量消息体，便于死信记录携带最新的失败信息。
	Nack(ctx context.Context, queue, member string, body []byte, requeue bool) (Outcome, error)

	// ReapExpired 回收租约已过期的处理中消息：交付次数已耗尽的转入死信，
	// 其余带新序号回到就绪区队尾（原凭证作废），返回回收条数。
	// limit 限制单次回收量，小于等于零时不限。
	ReapExpired(ctx context.Context, queue string, limit int) (int, error)

	// Peek 按交付顺序返回就绪区最前面的若干条消息，不改变任何状态。
	Peek(ctx context.Context, queue string, limit int) ([]*Item, error)

	// PeekDead 返回死信区最早的若干条消息体，不改变任何状态。
	PeekDead(ctx context.Context, queue string, limit int) ([][]byte, error)

	// Stats 返回各存储区的消息数。
	Stats(ctx context.Context, queue string) (*Stats, error)

	// Clear 清空队列的全部存储区，包括死信。
	Clear(ctx context.Context, queue string) error

	// Close 释放后端资源。
	Close() error
}
