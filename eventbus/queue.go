package eventbus

import "container/heap"

// queuedEvent 是内部队列中的一项，seq 为全局单调序号，
// 用于同优先级事件的 FIFO 排序，不依赖容器的偶然顺序。
type queuedEvent struct {
	event *Event
	seq   uint64
}

// priorityEventQueue 按 (priority, seq) 复合键排序的小顶堆。
type priorityEventQueue []*queuedEvent

func (q priorityEventQueue) Len() int { return len(q) }

func (q priorityEventQueue) Less(i, j int) bool {
	if q[i].event.Priority != q[j].event.Priority {
		return q[i].event.Priority < q[j].event.Priority
	}
	return q[i].seq < q[j].seq
}

func (q priorityEventQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *priorityEventQueue) Push(x any) {
	*q = append(*q, x.(*queuedEvent))
}

func (q *priorityEventQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// push 入堆。
func (q *priorityEventQueue) push(item *queuedEvent) {
	heap.Push(q, item)
}

// pop 弹出当前最紧急、最早入队的事件。
func (q *priorityEventQueue) pop() (*queuedEvent, bool) {
	if q.Len() == 0 {
		return nil, false
	}
	return heap.Pop(q).(*queuedEvent), true
}
