package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntor/relay/pkg/models"
)

func msg(p models.Priority, payload string) models.Message {
	return models.Message{From: "test", To: "agent", Priority: p, Payload: payload}
}

func TestPriorityQueue_StrictOrdering(t *testing.T) {
	q := New(10)
	require.True(t, q.Put(msg(models.PriorityLow, "low")))
	require.True(t, q.Put(msg(models.PriorityNormal, "normal")))
	require.True(t, q.Put(msg(models.PriorityHigh, "high")))
	require.True(t, q.Put(msg(models.PriorityCritical, "critical")))

	var got []string
	for i := 0; i < 4; i++ {
		m, ok := q.Get(context.Background(), 10*time.Millisecond)
		require.True(t, ok)
		got = append(got, m.Payload.(string))
	}
	assert.Equal(t, []string{"critical", "high", "normal", "low"}, got)
}

func TestPriorityQueue_FIFOWithinLane(t *testing.T) {
	q := New(10)
	for i := 0; i < 5; i++ {
		q.Put(msg(models.PriorityHigh, fmt.Sprintf("m%d", i)))
	}
	for i := 0; i < 5; i++ {
		m, ok := q.TryGet()
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("m%d", i), m.Payload)
	}
	_, ok := q.TryGet()
	assert.False(t, ok)
}

func TestPriorityQueue_StampsMessages(t *testing.T) {
	q := New(10)
	q.Put(models.Message{To: "agent"})

	m, ok := q.TryGet()
	require.True(t, ok)
	assert.NotEmpty(t, m.ID)
	assert.False(t, m.Timestamp.IsZero())
	assert.Equal(t, models.PriorityNormal, m.Priority)

	q.Put(models.Message{ID: "fixed", To: "agent", Priority: models.PriorityLow})
	m, _ = q.TryGet()
	assert.Equal(t, "fixed", m.ID)
}

func TestPriorityQueue_Backpressure(t *testing.T) {
	const maxSize = 5
	q := New(maxSize)

	for i := 0; i < maxSize; i++ {
		assert.True(t, q.Put(msg(models.PriorityNormal, "x")))
	}
	assert.False(t, q.Put(msg(models.PriorityNormal, "overflow")))
	assert.ErrorIs(t, q.Enqueue(msg(models.PriorityNormal, "overflow")), models.ErrQueueFull)

	// other lanes are bounded independently
	assert.True(t, q.Put(msg(models.PriorityCritical, "x")))

	stats := q.Stats()
	assert.Equal(t, int64(2), stats.Dropped)
	assert.Equal(t, maxSize+1, stats.CurrentSize)
	assert.Equal(t, maxSize, stats.LaneSizes[models.PriorityNormal])
	assert.Equal(t, 1, stats.LaneSizes[models.PriorityCritical])
	assert.Equal(t, maxSize+1, stats.HighWatermark)
}

func TestPriorityQueue_GetTimeout(t *testing.T) {
	q := New(1)

	start := time.Now()
	_, ok := q.Get(context.Background(), 20*time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, int64(1), q.Stats().Timeouts)
}

func TestPriorityQueue_GetCanceled(t *testing.T) {
	q := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok := q.Get(ctx, time.Second)
	assert.False(t, ok)
	assert.Equal(t, int64(0), q.Stats().Timeouts)
}

func TestPriorityQueue_GetWakesOnPut(t *testing.T) {
	q := New(1)
	done := make(chan models.Message, 1)

	go func() {
		m, ok := q.Get(context.Background(), time.Second)
		if ok {
			done <- m
		}
	}()

	time.Sleep(10 * time.Millisecond)
	q.Put(msg(models.PriorityLow, "late"))

	select {
	case m := <-done:
		assert.Equal(t, "late", m.Payload)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestPriorityQueue_ConcurrentProducers(t *testing.T) {
	q := New(1000)
	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p models.Priority) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				q.Put(msg(p, "x"))
			}
		}(models.Priorities[p])
	}
	wg.Wait()

	stats := q.Stats()
	assert.Equal(t, 400, stats.CurrentSize)
	assert.Equal(t, int64(400), stats.Enqueued)

	last := models.PriorityCritical
	for i := 0; i < 400; i++ {
		m, ok := q.TryGet()
		require.True(t, ok)
		assert.LessOrEqual(t, int(m.Priority), int(last))
		last = m.Priority
	}
	assert.Equal(t, 0, q.Len())
}

func TestPriorityQueue_Drain(t *testing.T) {
	q := New(10)
	q.Put(msg(models.PriorityLow, "a"))
	q.Put(msg(models.PriorityCritical, "b"))

	drained := q.Drain()
	require.Len(t, drained, 2)
	assert.Equal(t, "b", drained[0].Payload)
	assert.Equal(t, "a", drained[1].Payload)
	assert.Equal(t, 0, q.Len())
}

// For any sequence of puts, sequential gets yield non-increasing priority with
// FIFO order inside each priority.
func TestPriorityQueue_OrderingProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("dequeue order is priority then arrival", prop.ForAll(
		func(ranks []int) bool {
			q := New(len(ranks) + 1)
			for i, r := range ranks {
				q.Put(models.Message{To: "agent", Priority: models.Priority(r), Payload: i})
			}

			lastPriority := models.PriorityCritical + 1
			lastSeq := map[models.Priority]int{}
			for range ranks {
				m, ok := q.TryGet()
				if !ok {
					return false
				}
				if m.Priority > lastPriority {
					return false
				}
				seq := m.Payload.(int)
				if prev, seen := lastSeq[m.Priority]; seen && seq < prev {
					return false
				}
				lastSeq[m.Priority] = seq
				lastPriority = m.Priority
			}
			_, ok := q.TryGet()
			return !ok
		},
		gen.SliceOf(gen.IntRange(int(models.PriorityLow), int(models.PriorityCritical))),
	))

	properties.TestingRun(t)
}
