package messagequeue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/wyfcoding/fundflow/config"
	"github.com/wyfcoding/fundflow/eventbus"
	"github.com/wyfcoding/fundflow/store"
	"github.com/wyfcoding/fundflow/xerrors"
)

func newTestQueue(opts ...QueueOption) *Queue {
	return NewQueue(store.NewMemoryBackend(), config.QueueConfig{DefaultMaxAttempts: 3}, opts...)
}

func TestPublishConsumeAck(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue()

	id, err := q.Publish(ctx, "nav_refresh", map[string]any{"fund_code": "000001"})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if id == "" {
		t.Fatal("Publish should return a message ID")
	}

	msg, err := q.Consume(ctx, "nav_refresh", 0)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if msg == nil {
		t.Fatal("Expected a message")
	}
	if msg.ID != id || msg.Queue != "nav_refresh" || msg.Attempts != 1 {
		t.Errorf("Unexpected message %+v", msg)
	}
	if msg.Payload["fund_code"] != "000001" {
		t.Errorf("Payload not preserved: %v", msg.Payload)
	}
	if !msg.Leased() {
		t.Error("Consumed message should hold a lease")
	}

	if err := q.Ack(ctx, msg); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
	if msg.Leased() {
		t.Error("Ack should release the lease")
	}

	if again, _ := q.Consume(ctx, "nav_refresh", 0); again != nil {
		t.Errorf("Queue should be empty after ack, got %+v", again)
	}
}

func TestPublishValidation(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue()

	if _, err := q.Publish(ctx, "", nil); !xerrors.IsType(err, xerrors.ErrInvalidArg) {
		t.Errorf("Empty queue name should be rejected, got %v", err)
	}
	if _, err := q.Publish(ctx, "q", nil, WithDelay(-time.Second)); !xerrors.IsType(err, xerrors.ErrInvalidArg) {
		t.Errorf("Negative delay should be rejected, got %v", err)
	}
	if _, err := q.Publish(ctx, "q", nil, WithMaxAttempts(-1)); !xerrors.IsType(err, xerrors.ErrInvalidArg) {
		t.Errorf("Negative max attempts should be rejected, got %v", err)
	}
}

func TestPriorityDelivery(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue()

	// 优先级是任意整数，数值越大越先交付，默认 0
	q.Publish(ctx, "q", map[string]any{"n": "bg"}, WithPriority(-3))
	q.Publish(ctx, "q", map[string]any{"n": "crit"}, WithPriority(5))
	q.Publish(ctx, "q", map[string]any{"n": "norm"})

	for _, want := range []string{"crit", "norm", "bg"} {
		msg, _ := q.Consume(ctx, "q", 0)
		if msg == nil || msg.Payload["n"] != want {
			t.Fatalf("Expected %q, got %+v", want, msg)
		}
		q.Ack(ctx, msg)
	}
}

func TestDelayedDelivery(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue()

	q.Publish(ctx, "q", map[string]any{"n": "later"}, WithDelay(50*time.Millisecond))
	if msg, _ := q.Consume(ctx, "q", 0); msg != nil {
		t.Fatalf("Delayed message visible too early: %+v", msg)
	}

	time.Sleep(60 * time.Millisecond)
	msg, _ := q.Consume(ctx, "q", 0)
	if msg == nil {
		t.Fatal("Delayed message should be visible after expiry")
	}
	if msg.AvailableAt.IsZero() {
		t.Error("Delayed message should record its visibility time")
	}
}

func TestConsumeBlocksUntilVisible(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue()

	q.Publish(ctx, "q", map[string]any{"n": "later"}, WithDelay(40*time.Millisecond))

	start := time.Now()
	msg, err := q.Consume(ctx, "q", time.Second)
	if err != nil || msg == nil {
		t.Fatalf("Blocking consume should return the delayed message, got %+v/%v", msg, err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("Message visible before its delay elapsed (%v)", elapsed)
	}
}

func TestConsumeAutoAck(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue()

	q.Publish(ctx, "q", nil)
	msg, err := q.Consume(ctx, "q", 0, WithAutoAck())
	if err != nil || msg == nil {
		t.Fatalf("Consume failed: %+v/%v", msg, err)
	}
	if msg.Leased() {
		t.Error("Auto-acked message should not hold a lease")
	}

	stats, _ := q.Stats(ctx, "q")
	if stats.Total() != 0 {
		t.Errorf("Auto-ack should remove the message immediately, got %+v", stats)
	}
}

func TestNackRetriesThenDeadLetters(t *testing.T) {
	ctx := context.Background()

	bus := eventbus.NewBus()
	deadEvents := make(chan *eventbus.Event, 1)
	bus.Subscribe(TopicDeadLettered, eventbus.HandlerFunc(func(_ context.Context, e *eventbus.Event) error {
		deadEvents <- e
		return nil
	}), eventbus.PriorityNormal)
	bus.StartListener()
	defer bus.StopListener()

	q := newTestQueue(WithBus(bus))
	id, _ := q.Publish(ctx, "q", map[string]any{"fund_code": "000001"}, WithPriority(5), WithMaxAttempts(2))

	handlerErr := errors.New("nav source timeout")
	for attempt := 1; attempt <= 2; attempt++ {
		msg, _ := q.Consume(ctx, "q", 0)
		if msg == nil {
			t.Fatalf("Attempt %d: expected a message", attempt)
		}
		if msg.Attempts != int64(attempt) {
			t.Fatalf("Attempt %d: got attempts %d", attempt, msg.Attempts)
		}
		if err := q.Nack(ctx, msg, true, handlerErr); err != nil {
			t.Fatalf("Nack failed: %v", err)
		}
	}

	if msg, _ := q.Consume(ctx, "q", 0); msg != nil {
		t.Fatalf("Message should be dead-lettered, got %+v", msg)
	}

	dead, _ := q.PeekDead(ctx, "q", 10)
	if len(dead) != 1 {
		t.Fatalf("Expected 1 dead letter, got %d", len(dead))
	}
	if dead[0].ID != id || dead[0].LastError != handlerErr.Error() {
		t.Errorf("Dead letter should record the failure, got %+v", dead[0])
	}

	select {
	case e := <-deadEvents:
		if e.Data["message_id"] != id || e.Data["queue"] != "q" {
			t.Errorf("Unexpected dead letter event data: %v", e.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Dead-lettering should publish a bus event")
	}
}

func TestConcurrentConsumeExactlyOnce(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue()

	const published = 5
	ids := make(map[string]bool, published)
	for i := 0; i < published; i++ {
		id, _ := q.Publish(ctx, "q", nil)
		ids[id] = true
	}

	// 消费者多于消息，每条只能被其中一个拿到
	results := make(chan *Message, 10)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg, _ := q.Consume(ctx, "q", 0)
			results <- msg
		}()
	}
	wg.Wait()
	close(results)

	delivered := make(map[string]int)
	for msg := range results {
		if msg != nil {
			delivered[msg.ID]++
		}
	}
	if len(delivered) != published {
		t.Fatalf("Expected %d distinct deliveries, got %d", published, len(delivered))
	}
	for id, n := range delivered {
		if n != 1 {
			t.Errorf("Message %q delivered %d times", id, n)
		}
		if !ids[id] {
			t.Errorf("Unknown message %q delivered", id)
		}
	}
}

func TestAckWithoutLease(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue()

	if err := q.Ack(ctx, nil); !xerrors.IsType(err, xerrors.ErrInvalidArg) {
		t.Errorf("Ack of nil message should be rejected, got %v", err)
	}
	if err := q.Nack(ctx, nil, true, nil); !xerrors.IsType(err, xerrors.ErrInvalidArg) {
		t.Errorf("Nack of nil message should be rejected, got %v", err)
	}
	// 未持有租约的消息按空操作处理
	if err := q.Ack(ctx, &Message{ID: "M1"}); err != nil {
		t.Errorf("Ack without a lease should be a no-op, got %v", err)
	}
}

func TestDoubleAckIsHarmless(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue()

	q.Publish(ctx, "q", nil)
	msg, _ := q.Consume(ctx, "q", 0)
	if err := q.Ack(ctx, msg); err != nil {
		t.Fatalf("First ack failed: %v", err)
	}
	// 租约已交还，二次 ack 和后续 nack 都是空操作，消息不会复活
	if err := q.Ack(ctx, msg); err != nil {
		t.Errorf("Second ack should be a no-op, got %v", err)
	}
	if err := q.Nack(ctx, msg, true, nil); err != nil {
		t.Errorf("Nack after ack should be a no-op, got %v", err)
	}
	if again, _ := q.Consume(ctx, "q", 0); again != nil {
		t.Errorf("Acked message must not resurrect, got %+v", again)
	}
}

func TestPeekAndStats(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue()

	q.Publish(ctx, "q", map[string]any{"n": "a"}, WithPriority(10))
	q.Publish(ctx, "q", map[string]any{"n": "b"})
	q.Publish(ctx, "q", map[string]any{"n": "c"}, WithDelay(time.Minute))

	msgs, err := q.Peek(ctx, "q", 10)
	if err != nil || len(msgs) != 2 {
		t.Fatalf("Expected 2 ready messages, got %d/%v", len(msgs), err)
	}
	if msgs[0].Payload["n"] != "a" {
		t.Errorf("Peek should follow delivery order, got %v", msgs[0].Payload)
	}

	stats, err := q.Stats(ctx, "q")
	if err != nil || stats == nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Live != 2 || stats.Delayed != 1 {
		t.Errorf("Unexpected stats %+v", stats)
	}

	if err := q.Clear(ctx, "q"); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	stats, _ = q.Stats(ctx, "q")
	if stats.Total() != 0 {
		t.Errorf("Clear should empty the queue, got %+v", stats)
	}
}

func TestLeaseReaperRequeues(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemoryBackend()
	q := NewQueue(backend, config.QueueConfig{
		LeaseExpiry:  20 * time.Millisecond,
		ReapInterval: 10 * time.Millisecond,
	})

	q.Publish(ctx, "q", map[string]any{"n": "a"})
	msg, _ := q.Consume(ctx, "q", 0)
	if msg == nil {
		t.Fatal("Expected a message")
	}
	// 消费后既不 ack 也不 nack，等待租约过期被回收

	if err := q.StartReaper(ctx); err != nil {
		t.Fatalf("StartReaper failed: %v", err)
	}
	defer q.StopReaper(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if again, _ := q.Consume(ctx, "q", 0); again != nil {
			if again.ID != msg.ID || again.Attempts != 2 {
				t.Errorf("Expected redelivery of %q, got %+v", msg.ID, again)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Expired lease was never requeued")
}

func TestLeaseReaperDeadLettersCrashLoop(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(store.NewMemoryBackend(), config.QueueConfig{
		LeaseExpiry:  20 * time.Millisecond,
		ReapInterval: 10 * time.Millisecond,
	})

	// 处理器每次都在 ack 前崩溃：交付次数耗尽后回收必须转入死信，
	// 消息不能在就绪区和处理区之间无限循环
	q.Publish(ctx, "q", map[string]any{"n": "poison"}, WithMaxAttempts(2))
	if err := q.StartReaper(ctx); err != nil {
		t.Fatalf("StartReaper failed: %v", err)
	}
	defer q.StopReaper(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		msg, _ := q.Consume(ctx, "q", 0)
		if msg != nil {
			if msg.Attempts > msg.MaxAttempts {
				t.Fatalf("Delivered %d times with max %d", msg.Attempts, msg.MaxAttempts)
			}
			continue // 不 ack 也不 nack，等租约过期
		}
		stats, _ := q.Stats(ctx, "q")
		if stats != nil && stats.Dead == 1 && stats.Total() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Crash-looping message never reached the dead letter list")
}

// failingBackend 模拟存储不可达，所有操作返回错误。
type failingBackend struct{}

var errStoreDown = errors.New("store unreachable")

func (f *failingBackend) Enqueue(context.Context, string, string, []byte, int, time.Duration, int64) error {
	return errStoreDown
}

func (f *failingBackend) Dequeue(context.Context, string, time.Duration) (*store.Dequeued, error) {
	return nil, errStoreDown
}

func (f *failingBackend) Ack(context.Context, string, string) (bool, error) {
	return false, errStoreDown
}

func (f *failingBackend) Nack(context.Context, string, string, []byte, bool) (store.Outcome, error) {
	return store.OutcomeNotFound, errStoreDown
}

func (f *failingBackend) ReapExpired(context.Context, string, int) (int, error) {
	return 0, errStoreDown
}

func (f *failingBackend) Peek(context.Context, string, int) ([]*store.Item, error) {
	return nil, errStoreDown
}

func (f *failingBackend) PeekDead(context.Context, string, int) ([][]byte, error) {
	return nil, errStoreDown
}

func (f *failingBackend) Stats(context.Context, string) (*store.Stats, error) {
	return nil, errStoreDown
}

func (f *failingBackend) Clear(context.Context, string) error { return errStoreDown }

func (f *failingBackend) Close() error { return nil }

func TestFailOpenOnStoreFailure(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(&failingBackend{}, config.QueueConfig{})

	if id, err := q.Publish(ctx, "q", nil); err != nil || id != "" {
		t.Errorf("Publish should degrade to empty ID, got %q/%v", id, err)
	}
	if msg, err := q.Consume(ctx, "q", 0); err != nil || msg != nil {
		t.Errorf("Consume should degrade to nil, got %+v/%v", msg, err)
	}
	if msgs, err := q.Peek(ctx, "q", 5); err != nil || msgs != nil {
		t.Errorf("Peek should degrade to nil, got %v/%v", msgs, err)
	}
	if stats, err := q.Stats(ctx, "q"); err != nil || stats != nil {
		t.Errorf("Stats should degrade to nil, got %+v/%v", stats, err)
	}
	if err := q.Clear(ctx, "q"); err != nil {
		t.Errorf("Clear should degrade silently, got %v", err)
	}
}
