package relay

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func marshalForTest(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}

func newTestQueue(opts QueueOptions, clock *time.Time) *MessageQueue {
	q := NewMessageQueue(opts)
	q.now = func() time.Time { return *clock }
	return q
}

func TestQueueEnqueueAndPoll(t *testing.T) {
	clock := time.Unix(1700000000, 0)
	q := newTestQueue(QueueOptions{}, &clock)

	receipt, err := q.Enqueue("caller-1", "hello", map[string]any{"k": "v"})
	require.NoError(t, err)
	require.True(t, receipt.Queued)
	require.NotEmpty(t, receipt.ID)
	require.Equal(t, 1, receipt.Position)

	items := q.PollWork()
	require.Len(t, items, 1)
	require.Equal(t, receipt.ID, items[0].ID)
	require.Equal(t, "caller-1", items[0].CallerID)
	require.Equal(t, "hello", items[0].Message)
	require.True(t, items[0].InFlight)

	// A second poll before the processing timeout must exclude the claim.
	require.Empty(t, q.PollWork())
}

func TestQueuePollReturnsOldestFirstUpToBatch(t *testing.T) {
	clock := time.Unix(1700000000, 0)
	q := newTestQueue(QueueOptions{PollBatchSize: 3}, &clock)

	var ids []string
	for i := 0; i < 5; i++ {
		receipt, err := q.Enqueue("c", fmt.Sprintf("m%d", i), nil)
		require.NoError(t, err)
		ids = append(ids, receipt.ID)
		clock = clock.Add(time.Second)
	}

	items := q.PollWork()
	require.Len(t, items, 3)
	require.Equal(t, ids[0], items[0].ID)
	require.Equal(t, ids[1], items[1].ID)
	require.Equal(t, ids[2], items[2].ID)
}

func TestQueueConcurrentPollersNeverShareItems(t *testing.T) {
	q := NewMessageQueue(QueueOptions{PollBatchSize: 5})
	for i := 0; i < 50; i++ {
		_, err := q.Enqueue("c", fmt.Sprintf("m%d", i), nil)
		require.NoError(t, err)
	}

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for p := 0; p < 10; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, item := range q.PollWork() {
				mu.Lock()
				seen[item.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, 50)
	for id, n := range seen {
		require.Equal(t, 1, n, "item %s claimed more than once", id)
	}
}

func TestQueueStuckItemIsRequeuedThenDropped(t *testing.T) {
	clock := time.Unix(1700000000, 0)
	q := newTestQueue(QueueOptions{ProcessingTimeout: 180 * time.Second, MaxRetries: 2}, &clock)

	receipt, err := q.Enqueue("c", "hello", nil)
	require.NoError(t, err)

	// First claim.
	require.Len(t, q.PollWork(), 1)
	require.Empty(t, q.PollWork())

	// Past the processing timeout the item becomes pollable again.
	clock = clock.Add(180*time.Second + time.Millisecond)
	items := q.PollWork()
	require.Len(t, items, 1)
	require.Equal(t, receipt.ID, items[0].ID)
	require.Equal(t, 1, items[0].RetryCount)

	// Second requeue.
	clock = clock.Add(180*time.Second + time.Millisecond)
	items = q.PollWork()
	require.Len(t, items, 1)
	require.Equal(t, 2, items[0].RetryCount)

	// Retries exhausted: the item is dropped for good.
	clock = clock.Add(180*time.Second + time.Millisecond)
	require.Empty(t, q.PollWork())
	require.Equal(t, 0, q.Len())
}

func TestQueueCompleteRemovesItem(t *testing.T) {
	clock := time.Unix(1700000000, 0)
	q := newTestQueue(QueueOptions{}, &clock)

	receipt, err := q.Enqueue("c", "hello", nil)
	require.NoError(t, err)
	q.PollWork()

	item, ok := q.Complete(receipt.ID)
	require.True(t, ok)
	require.Equal(t, "hello", item.Message)
	require.Equal(t, 0, q.Len())

	_, ok = q.Complete(receipt.ID)
	require.False(t, ok)
}

func TestQueueAtCapacityEvictsOldestPending(t *testing.T) {
	clock := time.Unix(1700000000, 0)
	q := newTestQueue(QueueOptions{MaxSize: 2}, &clock)

	first, err := q.Enqueue("c", "first", nil)
	require.NoError(t, err)
	clock = clock.Add(time.Second)
	_, err = q.Enqueue("c", "second", nil)
	require.NoError(t, err)
	clock = clock.Add(time.Second)

	_, err = q.Enqueue("c", "third", nil)
	require.NoError(t, err)
	require.Equal(t, 2, q.Len())
	_, ok := q.Item(first.ID)
	require.False(t, ok, "oldest pending item must be evicted first")
}

func TestQueueFullWhenEverythingInFlight(t *testing.T) {
	clock := time.Unix(1700000000, 0)
	q := newTestQueue(QueueOptions{MaxSize: 2, PollBatchSize: 10}, &clock)

	_, err := q.Enqueue("c", "first", nil)
	require.NoError(t, err)
	_, err = q.Enqueue("c", "second", nil)
	require.NoError(t, err)
	require.Len(t, q.PollWork(), 2)

	_, err = q.Enqueue("c", "third", nil)
	require.ErrorIs(t, err, ErrQueueFull)
}

func TestQueueRetentionPurgesOldItems(t *testing.T) {
	clock := time.Unix(1700000000, 0)
	q := newTestQueue(QueueOptions{Retention: time.Hour}, &clock)

	_, err := q.Enqueue("c", "abandoned", nil)
	require.NoError(t, err)
	q.PollWork()

	clock = clock.Add(time.Hour + time.Minute)
	require.Empty(t, q.PollWork())
	require.Equal(t, 0, q.Len(), "items past retention are purged regardless of claim state")
}

func TestQueueWorkerResponseHidesClaimFields(t *testing.T) {
	clock := time.Unix(1700000000, 0)
	q := newTestQueue(QueueOptions{}, &clock)
	_, err := q.Enqueue("c", "hello", nil)
	require.NoError(t, err)

	items := q.PollWork()
	require.Len(t, items, 1)

	raw := marshalForTest(t, items[0])
	require.NotContains(t, raw, "InFlight")
	require.NotContains(t, raw, "inFlight")
	require.NotContains(t, raw, "RetryCount")
	require.Contains(t, raw, "callerId")
}
