package store

import (
	"context"
	"testing"
	"time"
)

func TestDequeuePriorityOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()

	// 优先级是任意整数，数值越大越先出队
	m.Enqueue(ctx, "q", "low", []byte("low"), -1, 0, 0)
	m.Enqueue(ctx, "q", "critical", []byte("critical"), 10, 0, 0)
	m.Enqueue(ctx, "q", "normal", []byte("normal"), 0, 0, 0)

	for _, want := range []string{"critical", "normal", "low"} {
		dq, err := m.Dequeue(ctx, "q", 0)
		if err != nil {
			t.Fatalf("Dequeue failed: %v", err)
		}
		if dq == nil || dq.ID != want {
			t.Fatalf("Expected %q, got %+v", want, dq)
		}
	}
	if dq, _ := m.Dequeue(ctx, "q", 0); dq != nil {
		t.Errorf("Expected empty queue, got %+v", dq)
	}
}

func TestFIFOWithinPriority(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()

	for _, id := range []string{"a", "b", "c"} {
		m.Enqueue(ctx, "q", id, []byte(id), 2, 0, 0)
	}
	for _, want := range []string{"a", "b", "c"} {
		dq, _ := m.Dequeue(ctx, "q", 0)
		if dq == nil || dq.ID != want {
			t.Fatalf("Expected %q, got %+v", want, dq)
		}
	}
}

func TestDelayedVisibility(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()

	m.Enqueue(ctx, "q", "later", []byte("later"), 2, 50*time.Millisecond, 0)
	if dq, _ := m.Dequeue(ctx, "q", 0); dq != nil {
		t.Fatalf("Delayed message visible too early: %+v", dq)
	}

	time.Sleep(60 * time.Millisecond)
	dq, _ := m.Dequeue(ctx, "q", 0)
	if dq == nil || dq.ID != "later" {
		t.Fatalf("Delayed message should be visible after expiry, got %+v", dq)
	}
}

func TestAckIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()

	m.Enqueue(ctx, "q", "a", []byte("a"), 2, 0, 0)
	dq, _ := m.Dequeue(ctx, "q", 0)

	acked, err := m.Ack(ctx, "q", dq.Member)
	if err != nil || !acked {
		t.Fatalf("First ack should succeed, got %v/%v", acked, err)
	}
	acked, err = m.Ack(ctx, "q", dq.Member)
	if err != nil || acked {
		t.Errorf("Second ack should be a no-op, got %v/%v", acked, err)
	}
}

func TestNackRequeueGoesToTail(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()

	m.Enqueue(ctx, "q", "a", []byte("a"), 2, 0, 0)
	m.Enqueue(ctx, "q", "b", []byte("b"), 2, 0, 0)

	dq, _ := m.Dequeue(ctx, "q", 0)
	outcome, err := m.Nack(ctx, "q", dq.Member, nil, true)
	if err != nil || outcome != OutcomeRequeued {
		t.Fatalf("Expected requeue, got %v/%v", outcome, err)
	}

	// 重新入队的消息排在同优先级队尾
	next, _ := m.Dequeue(ctx, "q", 0)
	if next.ID != "b" {
		t.Errorf("Requeued message should go behind existing ones, got %q", next.ID)
	}
	again, _ := m.Dequeue(ctx, "q", 0)
	if again.ID != "a" || again.Attempt != 2 {
		t.Errorf("Expected second delivery of a, got %q attempt %d", again.ID, again.Attempt)
	}
}

func TestNackDeadAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()

	m.Enqueue(ctx, "q", "a", []byte("payload"), 2, 0, 2)

	dq, _ := m.Dequeue(ctx, "q", 0)
	if outcome, _ := m.Nack(ctx, "q", dq.Member, nil, true); outcome != OutcomeRequeued {
		t.Fatalf("First failure should requeue, got %v", outcome)
	}

	dq, _ = m.Dequeue(ctx, "q", 0)
	if dq.Attempt != 2 || dq.MaxAttempts != 2 {
		t.Fatalf("Expected attempt 2 of 2, got %d of %d", dq.Attempt, dq.MaxAttempts)
	}
	if outcome, _ := m.Nack(ctx, "q", dq.Member, []byte("updated"), true); outcome != OutcomeDead {
		t.Fatalf("Exceeding max attempts should dead-letter, got %v", outcome)
	}

	dead, _ := m.PeekDead(ctx, "q", 10)
	if len(dead) != 1 || string(dead[0]) != "updated" {
		t.Errorf("Dead letter should carry the updated body, got %q", dead)
	}

	stats, _ := m.Stats(ctx, "q")
	if stats.Total() != 0 || stats.Dead != 1 {
		t.Errorf("Unexpected stats after dead-letter: %+v", stats)
	}
}

func TestNackUnknownMember(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()

	if outcome, _ := m.Nack(ctx, "q", "0000000000000001:2:ghost", nil, true); outcome != OutcomeNotFound {
		t.Errorf("Nack of unknown member should report not found, got %v", outcome)
	}
}

func TestReapRequeuesAtTailWithFreshMember(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()

	m.Enqueue(ctx, "q", "a", []byte("a"), 2, 0, 0)
	m.Enqueue(ctx, "q", "b", []byte("b"), 2, 0, 0)

	dq, _ := m.Dequeue(ctx, "q", 10*time.Millisecond)
	if dq.ID != "a" {
		t.Fatalf("Expected a first, got %q", dq.ID)
	}

	time.Sleep(20 * time.Millisecond)
	reaped, err := m.ReapExpired(ctx, "q", 0)
	if err != nil || reaped != 1 {
		t.Fatalf("Expected 1 reaped lease, got %d/%v", reaped, err)
	}

	// 回收后原凭证作废，迟到的 ack 不会碰到下一次交付的登记
	if acked, _ := m.Ack(ctx, "q", dq.Member); acked {
		t.Error("Stale member must be invalid after reap")
	}

	// 重新入队的消息带新序号，排到同优先级队尾
	next, _ := m.Dequeue(ctx, "q", 0)
	if next.ID != "b" {
		t.Fatalf("Reaped message should requeue behind b, got %q", next.ID)
	}
	again, _ := m.Dequeue(ctx, "q", 0)
	if again.ID != "a" || again.Attempt != 2 {
		t.Errorf("Expected redelivery of a on attempt 2, got %q attempt %d", again.ID, again.Attempt)
	}
	if again.Member == dq.Member {
		t.Error("Redelivery must carry a fresh member")
	}
}

func TestReapDeadLettersExhaustedAttempts(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()

	m.Enqueue(ctx, "q", "a", []byte("crash loop"), 2, 0, 1)

	// 消费后既不 ack 也不 nack，模拟处理器反复崩溃
	if dq, _ := m.Dequeue(ctx, "q", 10*time.Millisecond); dq == nil || dq.Attempt != 1 {
		t.Fatal("Expected first delivery")
	}
	time.Sleep(20 * time.Millisecond)

	reaped, err := m.ReapExpired(ctx, "q", 0)
	if err != nil || reaped != 1 {
		t.Fatalf("Expected 1 reaped lease, got %d/%v", reaped, err)
	}

	// 交付次数已达上限，回收必须转入死信而不是再次交付
	if dq, _ := m.Dequeue(ctx, "q", 0); dq != nil {
		t.Fatalf("Exhausted message must not be redelivered, got %+v", dq)
	}
	dead, _ := m.PeekDead(ctx, "q", 10)
	if len(dead) != 1 || string(dead[0]) != "crash loop" {
		t.Errorf("Expected the message in the dead letter list, got %q", dead)
	}
	stats, _ := m.Stats(ctx, "q")
	if stats.Total() != 0 || stats.Dead != 1 {
		t.Errorf("Unexpected stats after reap: %+v", stats)
	}
}

func TestReapIgnoresActiveLeases(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()

	m.Enqueue(ctx, "q", "a", []byte("a"), 2, 0, 0)
	m.Dequeue(ctx, "q", time.Minute)
	m.Enqueue(ctx, "q", "b", []byte("b"), 2, 0, 0)
	m.Dequeue(ctx, "q", 0) // 无租约，永不回收

	if reaped, _ := m.ReapExpired(ctx, "q", 0); reaped != 0 {
		t.Errorf("Active and lease-less deliveries must not be reaped, got %d", reaped)
	}
}

func TestPeekDoesNotConsume(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()

	m.Enqueue(ctx, "q", "b", []byte("b"), 1, 0, 0)
	m.Enqueue(ctx, "q", "a", []byte("a"), 3, 0, 0)

	items, err := m.Peek(ctx, "q", 10)
	if err != nil || len(items) != 2 {
		t.Fatalf("Expected 2 items, got %d/%v", len(items), err)
	}
	if items[0].ID != "a" || items[1].ID != "b" {
		t.Errorf("Peek should follow delivery order, got %q %q", items[0].ID, items[1].ID)
	}

	stats, _ := m.Stats(ctx, "q")
	if stats.Live != 2 {
		t.Errorf("Peek must not consume, live=%d", stats.Live)
	}
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()

	m.Enqueue(ctx, "q", "a", []byte("a"), 2, 0, 1)
	m.Enqueue(ctx, "q", "b", []byte("b"), 2, time.Minute, 0)
	dq, _ := m.Dequeue(ctx, "q", 0)
	m.Nack(ctx, "q", dq.Member, nil, false)

	if err := m.Clear(ctx, "q"); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	stats, _ := m.Stats(ctx, "q")
	if stats.Total() != 0 || stats.Dead != 0 {
		t.Errorf("Clear should empty every region, got %+v", stats)
	}
}
