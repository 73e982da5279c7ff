package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pkt(b byte) QueuedPacket {
	return QueuedPacket{Data: []byte{b}, ReceivedAt: time.Now()}
}

func TestQueueRoundsCapacityUp(t *testing.T) {
	assert.Equal(t, 8, NewQueue(5).Cap())
	assert.Equal(t, 1, NewQueue(0).Cap())
}

func TestQueueFIFO(t *testing.T) {
	q := NewQueue(8)
	for i := range 5 {
		require.NoError(t, q.Enqueue(pkt(byte(i))))
	}
	assert.Equal(t, 5, q.Len())
	for i := range 5 {
		p, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, byte(i), p.Data[0])
	}
	_, ok := q.TryDequeue()
	assert.False(t, ok)
}

func TestQueueDropsNewWhenFull(t *testing.T) {
	q := NewQueue(4)
	for i := range 4 {
		require.NoError(t, q.Enqueue(pkt(byte(i))))
	}
	assert.ErrorIs(t, q.Enqueue(pkt(9)), ErrQueueFull)
	assert.Equal(t, uint64(1), q.Dropped())

	p, ok := q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, byte(0), p.Data[0], "oldest entry survives a drop")
	require.NoError(t, q.Enqueue(pkt(10)))
}

func TestQueueWrapsAround(t *testing.T) {
	q := NewQueue(2)
	for i := range 100 {
		require.NoError(t, q.Enqueue(pkt(byte(i))))
		p, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, byte(i), p.Data[0])
	}
}

func TestQueueDequeueWaitsForArrival(t *testing.T) {
	q := NewQueue(4)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan QueuedPacket, 1)
	go func() {
		p, err := q.Dequeue(ctx)
		if err == nil {
			done <- p
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Enqueue(pkt(7)))

	select {
	case p := <-done:
		assert.Equal(t, byte(7), p.Data[0])
	case <-ctx.Done():
		t.Fatal("dequeue did not wake up")
	}
}

func TestQueueDequeueHonoursContext(t *testing.T) {
	q := NewQueue(4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestQueueConcurrentProducersKeepPerProducerOrder(t *testing.T) {
	const producers, perProducer = 4, 1000
	q := NewQueue(producers * perProducer)

	var wg sync.WaitGroup
	for p := range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perProducer {
				data := []byte{byte(p), byte(i >> 8), byte(i)}
				assert.NoError(t, q.Enqueue(QueuedPacket{Data: data}))
			}
		}()
	}
	wg.Wait()

	last := make([]int, producers)
	for i := range last {
		last[i] = -1
	}
	for range producers * perProducer {
		p, ok := q.TryDequeue()
		require.True(t, ok)
		src := int(p.Data[0])
		seq := int(p.Data[1])<<8 | int(p.Data[2])
		assert.Greater(t, seq, last[src])
		last[src] = seq
	}
	assert.Equal(t, 0, q.Len())
}
