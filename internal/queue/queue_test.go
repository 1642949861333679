package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remote-agent-terminal/realtime/internal/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setupTestQueue(t *testing.T, config Config) (*Queue, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	return New(zerolog.Nop(), config, WithClock(clock.Now)), clock
}

// recorder collects the ids handled, in order.
type recorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *recorder) handle(_ context.Context, msg *model.QueuedMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, msg.ID)
	return nil
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func TestQueue_RegisterHandler(t *testing.T) {
	q, _ := setupTestQueue(t, Config{})
	noop := func(context.Context, *model.QueuedMessage) error { return nil }

	assert.ErrorIs(t, q.RegisterHandler("", noop, model.PriorityNormal, 1, 0), model.ErrInvalidArgument)
	assert.ErrorIs(t, q.RegisterHandler("t", nil, model.PriorityNormal, 1, 0), model.ErrInvalidArgument)
	assert.ErrorIs(t, q.RegisterHandler("t", noop, model.Priority(9), 1, 0), model.ErrInvalidArgument)
	assert.ErrorIs(t, q.RegisterHandler("t", noop, model.PriorityNormal, -1, 0), model.ErrInvalidArgument)

	require.NoError(t, q.RegisterHandler("t", noop, model.PriorityHigh, 1, 0))
	assert.True(t, q.HasHandler("t"))
	assert.Equal(t, []string{"t"}, q.QueueStatus().Handlers)
}

func TestQueue_PriorityScenario(t *testing.T) {
	q, _ := setupTestQueue(t, Config{})
	rec := &recorder{}
	require.NoError(t, q.RegisterHandler("t1", rec.handle, model.PriorityNormal, 3, time.Second))

	critical, err := q.Enqueue("t1", map[string]any{}, WithPriority(model.PriorityCritical))
	require.NoError(t, err)
	low, err := q.Enqueue("t1", map[string]any{}, WithPriority(model.PriorityLow))
	require.NoError(t, err)

	assert.Equal(t, 2, q.ProcessOnce(context.Background()))
	assert.Equal(t, []string{critical, low}, rec.seen())
}

func TestQueue_PriorityThenFIFO(t *testing.T) {
	q, _ := setupTestQueue(t, Config{})
	rec := &recorder{}
	require.NoError(t, q.RegisterHandler("t", rec.handle, model.PriorityNormal, 0, 0))

	n1, _ := q.Enqueue("t", nil)
	l1, _ := q.Enqueue("t", nil, WithPriority(model.PriorityLow))
	h1, _ := q.Enqueue("t", nil, WithPriority(model.PriorityHigh))
	n2, _ := q.Enqueue("t", nil)
	h2, _ := q.Enqueue("t", nil, WithPriority(model.PriorityHigh))

	q.ProcessOnce(context.Background())
	assert.Equal(t, []string{h1, h2, n1, n2, l1}, rec.seen())
}

func TestQueue_HandlerDefaultPriority(t *testing.T) {
	q, _ := setupTestQueue(t, Config{})
	require.NoError(t, q.RegisterHandler("urgent", func(context.Context, *model.QueuedMessage) error { return nil }, model.PriorityCritical, 0, 0))

	id, err := q.Enqueue("urgent", json.RawMessage(`{"a":1}`), WithMetadata(map[string]string{"source": "test"}))
	require.NoError(t, err)

	msg, err := q.Status(id)
	require.NoError(t, err)
	assert.Equal(t, model.PriorityCritical, msg.Priority)
	assert.Equal(t, model.MessageStatusPending, msg.Status)
	assert.JSONEq(t, `{"a":1}`, string(msg.Payload))
	assert.Equal(t, "test", msg.Metadata["source"])
}

func TestQueue_EnqueueValidation(t *testing.T) {
	q, _ := setupTestQueue(t, Config{})

	_, err := q.Enqueue("", nil)
	assert.ErrorIs(t, err, model.ErrInvalidArgument)

	_, err = q.Enqueue("t", []byte("{not json"))
	assert.ErrorIs(t, err, model.ErrInvalidArgument)

	_, err = q.Enqueue("t", nil, WithPriority(model.Priority(7)))
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestQueue_RetryThenFail(t *testing.T) {
	q, clock := setupTestQueue(t, Config{})

	calls := 0
	failing := func(context.Context, *model.QueuedMessage) error {
		calls++
		return errors.New("boom")
	}
	require.NoError(t, q.RegisterHandler("t", failing, model.PriorityNormal, 2, 10*time.Second))

	id, err := q.Enqueue("t", nil)
	require.NoError(t, err)

	assert.Equal(t, 1, q.ProcessOnce(context.Background()))
	msg, err := q.Status(id)
	require.NoError(t, err)
	assert.Equal(t, model.MessageStatusRetrying, msg.Status)
	assert.Equal(t, 1, msg.RetryCount)
	require.NotNil(t, msg.NextRetryAt)
	assert.Equal(t, clock.Now().Add(10*time.Second), *msg.NextRetryAt)

	// not yet eligible
	assert.Equal(t, 0, q.ProcessOnce(context.Background()))
	assert.Equal(t, 1, q.QueueStatus().Retrying)

	clock.Advance(10 * time.Second)
	assert.Equal(t, 1, q.ProcessOnce(context.Background()))
	clock.Advance(10 * time.Second)
	assert.Equal(t, 1, q.ProcessOnce(context.Background()))

	msg, err = q.Status(id)
	require.NoError(t, err)
	assert.Equal(t, model.MessageStatusFailed, msg.Status)
	assert.Equal(t, 2, msg.RetryCount)
	assert.Contains(t, msg.Error, model.ErrMaxRetriesExceeded.Error())
	assert.Contains(t, msg.Error, "boom")
	assert.Equal(t, 3, calls)

	st := q.QueueStatus()
	assert.Equal(t, 0, st.Pending+st.Retrying+st.Processing)
	assert.Equal(t, 1, st.Failed)
	require.Len(t, q.Failed(0), 1)
}

func TestQueue_NotEligibleIsSkippedNotBlocking(t *testing.T) {
	q, _ := setupTestQueue(t, Config{})
	rec := &recorder{}
	failedOnce := false
	require.NoError(t, q.RegisterHandler("flaky", func(context.Context, *model.QueuedMessage) error {
		if !failedOnce {
			failedOnce = true
			return errors.New("first attempt fails")
		}
		return nil
	}, model.PriorityCritical, 1, time.Minute))
	require.NoError(t, q.RegisterHandler("ok", rec.handle, model.PriorityLow, 0, 0))

	_, err := q.Enqueue("flaky", nil)
	require.NoError(t, err)
	low, err := q.Enqueue("ok", nil)
	require.NoError(t, err)

	assert.Equal(t, 2, q.ProcessOnce(context.Background()))
	assert.Equal(t, []string{low}, rec.seen())
	assert.Equal(t, 1, q.QueueStatus().Retrying)
}

func TestQueue_HandlerPanicCountsAsFailure(t *testing.T) {
	q, _ := setupTestQueue(t, Config{})
	require.NoError(t, q.RegisterHandler("t", func(context.Context, *model.QueuedMessage) error {
		panic("kaboom")
	}, model.PriorityNormal, 0, 0))

	id, _ := q.Enqueue("t", nil)
	q.ProcessOnce(context.Background())

	msg, err := q.Status(id)
	require.NoError(t, err)
	assert.Equal(t, model.MessageStatusFailed, msg.Status)
	assert.Contains(t, msg.Error, "kaboom")
}

func TestQueue_HandlerMissing(t *testing.T) {
	q, _ := setupTestQueue(t, Config{})

	id, err := q.Enqueue("unknown", nil, WithMaxRetries(5))
	require.NoError(t, err)
	q.ProcessOnce(context.Background())

	msg, err := q.Status(id)
	require.NoError(t, err)
	assert.Equal(t, model.MessageStatusFailed, msg.Status)
	assert.Equal(t, 0, msg.RetryCount)
	assert.Equal(t, model.ErrHandlerMissing.Error(), msg.Error)
}

func TestQueue_StatusNeverLosesMessageWhileFinishing(t *testing.T) {
	q, _ := setupTestQueue(t, Config{})
	require.NoError(t, q.RegisterHandler("ok", func(context.Context, *model.QueuedMessage) error {
		return nil
	}, model.PriorityNormal, 0, 0))
	require.NoError(t, q.RegisterHandler("bad", func(context.Context, *model.QueuedMessage) error {
		return errors.New("boom")
	}, model.PriorityNormal, 0, 0))

	var ids []string
	for i := 0; i < 300; i++ {
		typ := []model.MessageType{"ok", "bad", "unknown"}[i%3]
		id, err := q.Enqueue(typ, nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	done := make(chan struct{})
	lost := make(chan string, len(ids))
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			for _, id := range ids {
				if _, err := q.Status(id); errors.Is(err, model.ErrMessageNotFound) {
					lost <- id
				}
			}
		}
	}()

	q.ProcessOnce(context.Background())
	close(done)
	wg.Wait()
	close(lost)

	var missing []string
	for id := range lost {
		missing = append(missing, id)
	}
	assert.Empty(t, missing, "a message must stay visible to Status while it moves to history")

	st := q.QueueStatus()
	assert.Equal(t, 100, st.Completed)
	assert.Equal(t, 200, st.Failed)
}

func TestQueue_CapacityEviction(t *testing.T) {
	q, clock := setupTestQueue(t, Config{Capacity: 3})

	high, _ := q.Enqueue("t", nil, WithPriority(model.PriorityHigh))
	clock.Advance(time.Millisecond)
	lowOld, _ := q.Enqueue("t", nil, WithPriority(model.PriorityLow))
	clock.Advance(time.Millisecond)
	lowNew, _ := q.Enqueue("t", nil, WithPriority(model.PriorityLow))
	clock.Advance(time.Millisecond)

	id, err := q.Enqueue("t", nil, WithPriority(model.PriorityNormal))
	assert.ErrorIs(t, err, model.ErrQueueCapacityExceeded)
	assert.NotEmpty(t, id)

	evicted, err := q.Status(lowOld)
	require.NoError(t, err)
	assert.Equal(t, model.MessageStatusFailed, evicted.Status)

	for _, keep := range []string{high, lowNew, id} {
		msg, err := q.Status(keep)
		require.NoError(t, err)
		assert.Equal(t, model.MessageStatusPending, msg.Status)
	}
	assert.Equal(t, 3, q.QueueStatus().Pending)
}

func TestQueue_CancellationLeavesMessageRetryable(t *testing.T) {
	q, _ := setupTestQueue(t, Config{})

	started := make(chan struct{})
	require.NoError(t, q.RegisterHandler("slow", func(ctx context.Context, _ *model.QueuedMessage) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, model.PriorityNormal, 1, 0))

	id, _ := q.Enqueue("slow", nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int)
	go func() { done <- q.ProcessOnce(ctx) }()

	<-started
	cancel()
	<-done

	msg, err := q.Status(id)
	require.NoError(t, err)
	assert.Equal(t, model.MessageStatusPending, msg.Status)
	assert.Equal(t, 0, msg.RetryCount)
	assert.Equal(t, 0, q.QueueStatus().Processing)
}

func TestQueue_StatusNotFound(t *testing.T) {
	q, _ := setupTestQueue(t, Config{})
	_, err := q.Status("missing")
	assert.ErrorIs(t, err, model.ErrMessageNotFound)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestQueue_CleanupOldMessages(t *testing.T) {
	q, clock := setupTestQueue(t, Config{Retention: time.Hour})
	rec := &recorder{}
	require.NoError(t, q.RegisterHandler("t", rec.handle, model.PriorityNormal, 0, 0))

	old, _ := q.Enqueue("t", nil)
	q.ProcessOnce(context.Background())

	clock.Advance(30 * time.Minute)
	recent, _ := q.Enqueue("t", nil)
	q.ProcessOnce(context.Background())

	clock.Advance(31 * time.Minute)
	assert.Equal(t, 1, q.CleanupOldMessages())

	_, err := q.Status(old)
	assert.ErrorIs(t, err, model.ErrMessageNotFound)
	_, err = q.Status(recent)
	assert.NoError(t, err)
	assert.Len(t, q.Completed(0), 1)
}

func TestQueue_Run(t *testing.T) {
	q := New(zerolog.Nop(), Config{})

	done := make(chan string, 1)
	require.NoError(t, q.RegisterHandler("t", func(_ context.Context, msg *model.QueuedMessage) error {
		done <- msg.ID
		return nil
	}, model.PriorityNormal, 0, 0))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- q.Run(ctx, time.Hour) }()

	id, err := q.Enqueue("t", nil)
	require.NoError(t, err)

	select {
	case got := <-done:
		assert.Equal(t, id, got)
	case <-time.After(2 * time.Second):
		t.Fatal("enqueue did not wake the processing loop")
	}

	cancel()
	assert.NoError(t, <-errCh)
}

// TestRetryBudgetProperty: an always-failing handler runs maxRetries+1 times and
// the message ends in failed history with RetryCount == maxRetries.
func TestRetryBudgetProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("always-failing handler exhausts exactly maxRetries", prop.ForAll(
		func(maxRetries int) bool {
			q, clock := setupTestQueue(t, Config{})
			calls := 0
			_ = q.RegisterHandler("t", func(context.Context, *model.QueuedMessage) error {
				calls++
				return errors.New("always")
			}, model.PriorityNormal, maxRetries, time.Second)

			id, err := q.Enqueue("t", nil)
			if err != nil {
				return false
			}
			for i := 0; i <= maxRetries+2; i++ {
				q.ProcessOnce(context.Background())
				clock.Advance(time.Second)
			}

			msg, err := q.Status(id)
			return err == nil &&
				msg.Status == model.MessageStatusFailed &&
				msg.RetryCount == maxRetries &&
				calls == maxRetries+1
		},
		gen.IntRange(0, 6),
	))

	properties.TestingRun(t)
}

// TestPriorityOrderProperty: for any mix of priorities, handlers see messages in
// descending priority and FIFO within a priority.
func TestPriorityOrderProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("dequeue order is priority then FIFO", prop.ForAll(
		func(levels []int) bool {
			q, _ := setupTestQueue(t, Config{})

			var order []*model.QueuedMessage
			_ = q.RegisterHandler("t", func(_ context.Context, msg *model.QueuedMessage) error {
				order = append(order, msg)
				return nil
			}, model.PriorityNormal, 0, 0)

			seq := map[string]int{}
			for i, lvl := range levels {
				id, err := q.Enqueue("t", nil, WithPriority(model.Priority(lvl)))
				if err != nil {
					return false
				}
				seq[id] = i
			}
			q.ProcessOnce(context.Background())

			if len(order) != len(levels) {
				return false
			}
			for i := 1; i < len(order); i++ {
				prev, cur := order[i-1], order[i]
				if prev.Priority < cur.Priority {
					return false
				}
				if prev.Priority == cur.Priority && seq[prev.ID] > seq[cur.ID] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(1, 4)),
	))

	properties.TestingRun(t)
}

func ExampleQueue_Enqueue() {
	q := New(zerolog.Nop(), Config{})
	_ = q.RegisterHandler(model.MessageTypeNotification, func(_ context.Context, msg *model.QueuedMessage) error {
		fmt.Println("notify", string(msg.Payload))
		return nil
	}, model.PriorityHigh, 3, time.Second)

	_, _ = q.Enqueue(model.MessageTypeNotification, map[string]string{"text": "hi"})
	q.ProcessOnce(context.Background())
	// Output: notify {"text":"hi"}
}
