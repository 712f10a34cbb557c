package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu      sync.Mutex
	written []kafka.Message
	closed  bool
	block   chan struct{}
	err     error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.block != nil {
		<-w.block
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.written = append(w.written, msgs...)
	return w.err
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWriter) snapshot() ([]kafka.Message, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.written...), w.closed
}

func TestProducerFlushesOnClose(t *testing.T) {
	w := &fakeWriter{}
	p := newProducer(w, "orders", 16, nil)
	p.Start(context.Background())

	for i := 0; i < 10; i++ {
		require.True(t, p.Publish([]byte("o1"), []byte{byte(i)}))
	}
	p.Close()

	written, closed := w.snapshot()
	assert.Len(t, written, 10)
	assert.True(t, closed)
	for i, m := range written {
		assert.Equal(t, []byte{byte(i)}, m.Value, "order preserved")
	}

	assert.False(t, p.Publish(nil, []byte("late")), "publish after close is refused")
	p.Close() // second close is a no-op
}

func TestProducerDropsWhenFull(t *testing.T) {
	w := &fakeWriter{block: make(chan struct{})}
	p := newProducer(w, "orders", 2, nil)
	p.Start(context.Background())

	accepted := 0
	for i := 0; i < 10; i++ {
		if p.Publish(nil, []byte("x")) {
			accepted++
		}
	}
	assert.Less(t, accepted, 10)
	assert.Equal(t, int64(10-accepted), p.Dropped())

	close(w.block)
	p.Close()
	written, _ := w.snapshot()
	assert.Len(t, written, accepted)
}

func TestProducerStopsWithContext(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	p := newProducer(w, "orders", 4, nil)
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	p.Publish(nil, []byte("x"))

	cancel()
	require.Eventually(t, func() bool {
		_, closed := w.snapshot()
		return closed
	}, time.Second, 5*time.Millisecond)
}

func TestCloseWithoutStart(t *testing.T) {
	p := newProducer(&fakeWriter{}, "orders", 1, nil)
	p.Close()
	assert.False(t, p.Publish(nil, []byte("x")))
}

type fakeReader struct {
	mu        sync.Mutex
	msgs      chan kafka.Message
	committed []int64
	closed    bool
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	r := &fakeReader{msgs: make(chan kafka.Message, len(msgs))}
	for _, m := range msgs {
		r.msgs <- m
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) commits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

func (r *fakeReader) commitLog() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func TestConsumerCommitsAfterHandling(t *testing.T) {
	r := newFakeReader(
		kafka.Message{Key: []byte("o1"), Offset: 1},
		kafka.Message{Key: []byte("o2"), Offset: 2},
		kafka.Message{Key: []byte("o1"), Offset: 3},
	)
	c := newConsumer(r, ConsumerOptions{Workers: 3}, nil)

	var (
		mu   sync.Mutex
		seen = map[string][]int64{}
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Start(ctx, func(_ context.Context, m kafka.Message) error {
			mu.Lock()
			defer mu.Unlock()
			seen[string(m.Key)] = append(seen[string(m.Key)], m.Offset)
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		log := r.commitLog()
		return len(log) > 0 && log[len(log)-1] == 3
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{1, 3}, seen["o1"], "same key keeps its order")
	assert.True(t, r.closed)
}

func TestConsumerCommitsInOffsetOrder(t *testing.T) {
	// o1 and o2 land on different workers
	r := newFakeReader(
		kafka.Message{Key: []byte("o1"), Partition: 0, Offset: 10},
		kafka.Message{Key: []byte("o2"), Partition: 0, Offset: 11},
	)
	c := newConsumer(r, ConsumerOptions{Workers: 2}, nil)

	release := make(chan struct{})
	fastDone := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = c.Start(ctx, func(_ context.Context, m kafka.Message) error {
			switch m.Offset {
			case 10:
				<-release
			case 11:
				close(fastDone)
			}
			return nil
		})
	}()

	select {
	case <-fastDone:
	case <-time.After(time.Second):
		t.Fatal("offset 11 was not handled")
	}
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, r.commitLog(), "offset 11 must wait for offset 10")

	close(release)
	require.Eventually(t, func() bool { return r.commits() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{11}, r.commitLog(), "one commit covers both offsets")
}

func TestOffsetTrackerPerPartition(t *testing.T) {
	tr := newOffsetTracker()
	a0 := kafka.Message{Partition: 0, Offset: 1}
	a1 := kafka.Message{Partition: 0, Offset: 2}
	b0 := kafka.Message{Partition: 1, Offset: 1}
	for _, m := range []kafka.Message{a0, a1, b0} {
		tr.fetched(m)
	}

	_, ok := tr.done(a1)
	assert.False(t, ok)

	got, ok := tr.done(b0)
	require.True(t, ok)
	assert.Equal(t, 1, got.Partition)

	got, ok = tr.done(a0)
	require.True(t, ok)
	assert.Equal(t, int64(2), got.Offset)
}

func TestConsumerRetriesThenGivesUp(t *testing.T) {
	r := newFakeReader(kafka.Message{Offset: 7})
	c := newConsumer(r, ConsumerOptions{Attempts: 3, Backoff: time.Millisecond}, nil)

	var (
		mu    sync.Mutex
		calls int
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = c.Start(ctx, func(context.Context, kafka.Message) error {
			mu.Lock()
			defer mu.Unlock()
			calls++
			return errors.New("smtp unavailable")
		})
	}()

	require.Eventually(t, func() bool { return r.commits() == 1 }, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, 3, calls)
	mu.Unlock()
}

func TestHeaderHelpers(t *testing.T) {
	m := kafka.Message{Headers: []kafka.Header{EventTypeHeader("OrderCreated")}}
	assert.Equal(t, "OrderCreated", HeaderValue(m, HeaderEventType))
	assert.Empty(t, HeaderValue(m, "missing"))

	type payload struct {
		OrderID string `json:"order_id"`
	}
	got, err := Decode[payload](MustMarshal(payload{OrderID: "o1"}))
	require.NoError(t, err)
	assert.Equal(t, "o1", got.OrderID)

	_, err = Decode[payload]([]byte("{"))
	assert.Error(t, err)
}
