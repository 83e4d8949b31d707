package store

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"
)

// memEntry 就绪堆中的一项，按 (priority, seq) 复合键排序：
// 优先级数值大的先出，同优先级按入队序号先进先出。
type memEntry struct {
	seq      uint64
	priority int
	id       string
}

type memHeap []*memEntry

func (h memHeap) Len() int { return len(h) }

func (h memHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h memHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *memHeap) Push(x any) { *h = append(*h, x.(*memEntry)) }

func (h *memHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// delayedEntry 延迟堆中的一项，按到期时间排序。
type delayedEntry struct {
	entry *memEntry
	dueAt time.Time
}

type delayedHeap []*delayedEntry

func (h delayedHeap) Len() int { return len(h) }

func (h delayedHeap) Less(i, j int) bool {
	if !h[i].dueAt.Equal(h[j].dueAt) {
		return h[i].dueAt.Before(h[j].dueAt)
	}
	return h[i].entry.seq < h[j].entry.seq
}

func (h delayedHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *delayedHeap) Push(x any) { *h = append(*h, x.(*delayedEntry)) }

func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

type memItem struct {
	body        []byte
	priority    int
	attempts    int64
	maxAttempts int64
}

type procEntry struct {
	entry    *memEntry
	deadline time.Time // 零值表示无租约，不会被回收
}

type memQueue struct {
	live       memHeap
	delayed    delayedHeap
	processing map[string]*procEntry
	items      map[string]*memItem
	dead       [][]byte
	seq        uint64
}

func newMemQueue() *memQueue {
	return &memQueue{
		processing: make(map[string]*procEntry),
		items:      make(map[string]*memItem),
	}
}

// promote 把已到期的延迟消息移入就绪堆，保留原有序号。
func (q *memQueue) promote(now time.Time) {
	for q.delayed.Len() > 0 && !q.delayed[0].dueAt.After(now) {
		de := heap.Pop(&q.delayed).(*delayedEntry)
		heap.Push(&q.live, de.entry)
	}
}

// MemoryBackend 纯内存的存储后端，单进程使用，也是测试的默认后端。
// 单把互斥锁保护全部状态，每个方法天然是一次原子迁移。
type MemoryBackend struct {
	mu     sync.Mutex
	queues map[string]*memQueue
}

// NewMemoryBackend 创建内存后端。
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{queues: make(map[string]*memQueue)}
}

func (m *MemoryBackend) queue(name string) *memQueue {
	q, ok := m.queues[name]
	if !ok {
		q = newMemQueue()
		m.queues[name] = q
	}
	return q
}

// Enqueue 实现 Backend 接口。调用方须保证消息 ID 唯一。
func (m *MemoryBackend) Enqueue(_ context.Context, queue, id string, body []byte, priority int, delay time.Duration, maxAttempts int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queue(queue)
	q.seq++
	entry := &memEntry{seq: q.seq, priority: priority, id: id}
	q.items[id] = &memItem{body: body, priority: priority, maxAttempts: maxAttempts}

	if delay > 0 {
		heap.Push(&q.delayed, &delayedEntry{entry: entry, dueAt: time.Now().Add(delay)})
		return nil
	}
	heap.Push(&q.live, entry)
	return nil
}

// Dequeue 实现 Backend 接口。
func (m *MemoryBackend) Dequeue(_ context.Context, queue string, lease time.Duration) (*Dequeued, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queue(queue)
	now := time.Now()
	q.promote(now)
	if q.live.Len() == 0 {
		return nil, nil
	}

	entry := heap.Pop(&q.live).(*memEntry)
	item := q.items[entry.id]
	item.attempts++

	member := encodeMember(entry.seq, entry.priority, entry.id)
	proc := &procEntry{entry: entry}
	if lease > 0 {
		proc.deadline = now.Add(lease)
	}
	q.processing[member] = proc

	return &Dequeued{
		ID:          entry.id,
		Body:        item.body,
		Priority:    entry.priority,
		Attempt:     item.attempts,
		MaxAttempts: item.maxAttempts,
		Member:      member,
	}, nil
}

// Ack 实现 Backend 接口。
func (m *MemoryBackend) Ack(_ context.Context, queue, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queue(queue)
	proc, ok := q.processing[member]
	if !ok {
		return false, nil
	}
	delete(q.processing, member)
	delete(q.items, proc.entry.id)
	return true, nil
}

// Nack 实现 Backend 接口。
func (m *MemoryBackend) Nack(_ context.Context, queue, member string, body []byte, requeue bool) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queue(queue)
	proc, ok := q.processing[member]
	if !ok {
		return OutcomeNotFound, nil
	}
	delete(q.processing, member)

	id := proc.entry.id
	item := q.items[id]
	if body != nil {
		item.body = body
	}

	if requeue && (item.maxAttempts <= 0 || item.attempts < item.maxAttempts) {
		q.seq++
		heap.Push(&q.live, &memEntry{seq: q.seq, priority: proc.entry.priority, id: id})
		return OutcomeRequeued, nil
	}

	q.dead = append(q.dead, item.body)
	delete(q.items, id)
	return OutcomeDead, nil
}

// ReapExpired 实现 Backend 接口。
// 交付次数已耗尽的消息直接转入死信，其余的带新序号回到就绪区队尾；
// 换发新凭证后，原持有者迟到的 Ack/Nack 不会影响下一次交付的登记。
func (m *MemoryBackend) ReapExpired(_ context.Context, queue string, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queue(queue)
	now := time.Now()
	reaped := 0
	for member, proc := range q.processing {
		if proc.deadline.IsZero() || proc.deadline.After(now) {
			continue
		}
		delete(q.processing, member)

		id := proc.entry.id
		item := q.items[id]
		if item.maxAttempts > 0 && item.attempts >= item.maxAttempts {
			q.dead = append(q.dead, item.body)
			delete(q.items, id)
		} else {
			q.seq++
			heap.Push(&q.live, &memEntry{seq: q.seq, priority: proc.entry.priority, id: id})
		}
		reaped++
		if limit > 0 && reaped >= limit {
			break
		}
	}
	return reaped, nil
}

// Peek 实现 Backend 接口。
func (m *MemoryBackend) Peek(_ context.Context, queue string, limit int) ([]*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queue(queue)
	entries := make([]*memEntry, len(q.live))
	copy(entries, q.live)
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].priority != entries[j].priority {
			return entries[i].priority > entries[j].priority
		}
		return entries[i].seq < entries[j].seq
	})

	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}
	out := make([]*Item, 0, len(entries))
	for _, e := range entries {
		item := q.items[e.id]
		out = append(out, &Item{ID: e.id, Body: item.body, Priority: e.priority})
	}
	return out, nil
}

// PeekDead 实现 Backend 接口。
func (m *MemoryBackend) PeekDead(_ context.Context, queue string, limit int) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queue(queue)
	n := len(q.dead)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([][]byte, n)
	copy(out, q.dead[:n])
	return out, nil
}

// Stats 实现 Backend 接口。
func (m *MemoryBackend) Stats(_ context.Context, queue string) (*Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queue(queue)
	q.promote(time.Now())
	return &Stats{
		Live:       int64(q.live.Len()),
		Delayed:    int64(q.delayed.Len()),
		Processing: int64(len(q.processing)),
		Dead:       int64(len(q.dead)),
	}, nil
}

// Clear 实现 Backend 接口。
func (m *MemoryBackend) Clear(_ context.Context, queue string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.queues, queue)
	return nil
}

// Close 实现 Backend 接口。
func (m *MemoryBackend) Close() error {
	return nil
}
