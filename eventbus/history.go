package eventbus

import (
	"sort"
	"sync"
)

// History 按主题保留最近分发过的事件，用于排障与回溯。
// 每个主题是一个固定容量的环形缓冲，写满后覆盖最旧的记录。
type History struct {
	mu       sync.RWMutex
	perTopic int
	rings    map[string]*eventRing
}

type eventRing struct {
	items []*Event
	head  int
	size  int
}

func (r *eventRing) record(event *Event) {
	if r.size < len(r.items) {
		r.items[(r.head+r.size)%len(r.items)] = event
		r.size++
		return
	}
	r.items[r.head] = event
	r.head = (r.head + 1) % len(r.items)
}

// snapshot 按从旧到新的顺序复制缓冲内容。
func (r *eventRing) snapshot() []*Event {
	out := make([]*Event, 0, r.size)
	for i := 0; i < r.size; i++ {
		out = append(out, r.items[(r.head+i)%len(r.items)])
	}
	return out
}

// NewHistory 创建事件历史缓冲，perTopic 为每个主题保留的条数。
func NewHistory(perTopic int) *History {
	if perTopic <= 0 {
		perTopic = 64
	}
	return &History{
		perTopic: perTopic,
		rings:    make(map[string]*eventRing),
	}
}

// Record 记录一条已分发的事件。
func (h *History) Record(event *Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ring, ok := h.rings[event.Name]
	if !ok {
		ring = &eventRing{items: make([]*Event, h.perTopic)}
		h.rings[event.Name] = ring
	}
	ring.record(event)
}

// Recent 返回指定主题最近的事件，从旧到新排列；主题不存在时返回空切片。
func (h *History) Recent(topic string) []*Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ring, ok := h.rings[topic]
	if !ok {
		return nil
	}
	return ring.snapshot()
}

// Topics 返回记录过事件的全部主题，按字典序排列。
func (h *History) Topics() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	topics := make([]string, 0, len(h.rings))
	for name := range h.rings {
		topics = append(topics, name)
	}
	sort.Strings(topics)
	return topics
}

// Len 返回指定主题当前保留的事件数。
func (h *History) Len(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ring, ok := h.rings[topic]
	if !ok {
		return 0
	}
	return ring.size
}

// Clear 清空指定主题的历史；topic 为空时清空全部。
func (h *History) Clear(topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if topic == "" {
		h.rings = make(map[string]*eventRing)
		return
	}
	delete(h.rings, topic)
}
