// Package messagequeue 提供了持久化的优先级消息队列。
// 支持延迟投递、租约式交付、ack/nack 确认、自动重试与死信，
// 存储由 store.Backend 抽象，单进程用内存后端，多进程共享用 Redis 后端。
package messagequeue

import (
	"encoding/json"
	"time"

	"github.com/wyfcoding/fundflow/idgen"
)

// Message 队列中的一条消息。
// Priority 是任意整数，数值越大越紧急，默认 0；
// 与事件总线的优先级枚举无关，调用方可按业务自行划分档位。
// 出队得到的消息持有租约凭证，只有同一条实例能用于 Ack/Nack。
type Message struct {
	ID          string         `json:"id"`
	Queue       string         `json:"queue"`
	Payload     map[string]any `json:"payload"`
	Priority    int            `json:"priority"`
	Attempts    int64          `json:"attempts"`
	MaxAttempts int64          `json:"max_attempts"` // 0 表示不限
	EnqueuedAt  time.Time      `json:"enqueued_at"`
	AvailableAt time.Time      `json:"available_at,omitempty"` // 延迟消息的可见时间
	LastError   string         `json:"last_error,omitempty"`   // 最近一次处理失败的原因

	member string // 租约凭证，不序列化
}

// Leased 返回消息是否持有有效的租约凭证。
func (m *Message) Leased() bool {
	return m.member != ""
}

func (m *Message) encode() ([]byte, error) {
	return json.Marshal(m)
}

func decodeMessage(body []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// PublishOption 配置单次消息发布。
type PublishOption func(*publishOptions)

type publishOptions struct {
	priority    int
	delay       time.Duration
	maxAttempts int64
}

// WithPriority 设置消息优先级，数值越大越紧急，默认 0。
func WithPriority(p int) PublishOption {
	return func(o *publishOptions) {
		o.priority = p
	}
}

// WithDelay 设置延迟投递时长，消息到期后才对消费者可见。
func WithDelay(delay time.Duration) PublishOption {
	return func(o *publishOptions) {
		o.delay = delay
	}
}

// WithMaxAttempts 设置交付次数上限，超出后 nack 重投会转入死信。
func WithMaxAttempts(max int64) PublishOption {
	return func(o *publishOptions) {
		o.maxAttempts = max
	}
}

func newMessage(queue string, payload map[string]any, opts *publishOptions) *Message {
	now := time.Now()
	msg := &Message{
		ID:          idgen.GenMessageID(),
		Queue:       queue,
		Payload:     payload,
		Priority:    opts.priority,
		MaxAttempts: opts.maxAttempts,
		EnqueuedAt:  now,
	}
	if opts.delay > 0 {
		msg.AvailableAt = now.Add(opts.delay)
	}
	return msg
}
