// Package eventbus 提供了进程内的发布/订阅事件总线。
// 支持按优先级排序的异步分发（emit）与调用方线程内的同步分发（emit sync），
// 用于基金数据刷新、缓存失效、回测完成通知等模块间解耦信号。
package eventbus

import (
	"time"

	"github.com/wyfcoding/fundflow/idgen"
	"github.com/wyfcoding/fundflow/xerrors"
)

// Priority 事件优先级，数值越小越紧急。
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBackground
)

// String 返回优先级的可读名称。
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityBackground:
		return "background"
	default:
		return "unknown"
	}
}

// Valid 返回取值是否在已定义的优先级范围内。
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityBackground
}

// Event 是一条不可变的进程内事件。
// Name 采用点分层级主题，例如 "fund.data_updated"。
type Event struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Data      map[string]any `json:"data"`
	Priority  Priority       `json:"priority"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source,omitempty"`
}

// EmitOption 配置单次事件发布。
type EmitOption func(*emitOptions)

type emitOptions struct {
	priority Priority
	source   string
}

// WithPriority 设置事件优先级。
func WithPriority(p Priority) EmitOption {
	return func(o *emitOptions) {
		o.priority = p
	}
}

// WithSource 标记事件来源模块。
func WithSource(source string) EmitOption {
	return func(o *emitOptions) {
		o.source = source
	}
}

// newEvent 构造一条事件并做入参校验。
func newEvent(name string, data map[string]any, opts ...EmitOption) (*Event, error) {
	if name == "" {
		return nil, xerrors.InvalidArg("event name is empty")
	}

	options := &emitOptions{priority: PriorityNormal}
	for _, opt := range opts {
		opt(options)
	}
	if !options.priority.Valid() {
		return nil, xerrors.InvalidArg("invalid event priority").WithContext("priority", int(options.priority))
	}

	return &Event{
		ID:        idgen.GenEventID(),
		Name:      name,
		Data:      data,
		Priority:  options.priority,
		Timestamp: time.Now(),
		Source:    options.source,
	}, nil
}
