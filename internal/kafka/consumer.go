package kafka

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/ariefcatur/bizhub-orders/internal/logger"
	"github.com/segmentio/kafka-go"
)

// Handler returns nil once the message is fully processed and its offset
// may be committed.
type Handler func(ctx context.Context, m kafka.Message) error

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type ConsumerOptions struct {
	Workers  int
	Attempts int           // handler attempts before a message is given up on
	Backoff  time.Duration // doubled after each failed attempt
}

type Consumer struct {
	r       messageReader
	opts    ConsumerOptions
	log     *logger.Logger
	offsets *offsetTracker
}

func NewConsumer(brokers []string, group, topic string, opts ConsumerOptions, log *logger.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commit
	})
	return newConsumer(r, opts, log)
}

func newConsumer(r messageReader, opts ConsumerOptions, log *logger.Logger) *Consumer {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 200 * time.Millisecond
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Consumer{r: r, opts: opts, log: log, offsets: newOffsetTracker()}
}

// Start fetches until ctx is cancelled. Messages sharing a key always go to
// the same worker, so per-order ordering survives the fan-out. An offset is
// committed only once every earlier offset of its partition is done.
func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer c.r.Close()

	queues := make([]chan kafka.Message, c.opts.Workers)
	var wg sync.WaitGroup
	for i := range queues {
		queues[i] = make(chan kafka.Message, 64)
		wg.Add(1)
		go func(jobs <-chan kafka.Message) {
			defer wg.Done()
			for m := range jobs {
				c.process(ctx, h, m)
			}
		}(queues[i])
	}
	stop := func() {
		for _, q := range queues {
			close(q)
		}
		wg.Wait()
	}

	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			stop()
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		c.offsets.fetched(m)
		select {
		case queues[c.route(m.Key)] <- m:
		case <-ctx.Done():
			stop()
			return nil
		}
	}
}

func (c *Consumer) route(key []byte) int {
	if len(key) == 0 || c.opts.Workers == 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write(key)
	return int(h.Sum32() % uint32(c.opts.Workers))
}

func (c *Consumer) process(ctx context.Context, h Handler, m kafka.Message) {
	lctx := c.log.WithFields(ctx, map[string]any{
		"topic":     m.Topic,
		"partition": m.Partition,
		"offset":    m.Offset,
	})

	backoff := c.opts.Backoff
	var err error
	for attempt := 1; attempt <= c.opts.Attempts; attempt++ {
		if err = h(ctx, m); err == nil {
			break
		}
		if ctx.Err() != nil {
			return // uncommitted; redelivered after restart
		}
		c.log.Warn(c.log.WithField(lctx, "attempt", attempt), "handler failed: "+err.Error())
		if attempt < c.opts.Attempts {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
		}
	}
	if err != nil {
		c.log.Error(lctx, "giving up on message", err)
	}
	c.commit(ctx, lctx, m)
}

func (c *Consumer) commit(ctx, lctx context.Context, m kafka.Message) {
	c.offsets.commitMu.Lock()
	defer c.offsets.commitMu.Unlock()

	upto, ok := c.offsets.done(m)
	if !ok {
		return // an earlier offset is still in flight
	}
	if err := c.r.CommitMessages(ctx, upto); err != nil && ctx.Err() == nil {
		c.log.Error(c.log.WithField(lctx, "commit_offset", upto.Offset), "commit failed", err)
	}
}

type partitionKey struct {
	topic     string
	partition int
}

type partitionOffsets struct {
	inflight []int64 // fetch order
	finished map[int64]kafka.Message
}

// offsetTracker finds, per partition, the highest offset below which every
// fetched message has been handled.
type offsetTracker struct {
	mu    sync.Mutex
	parts map[partitionKey]*partitionOffsets

	commitMu sync.Mutex // keeps commits monotonic per partition
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{parts: map[partitionKey]*partitionOffsets{}}
}

func (t *offsetTracker) fetched(m kafka.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := partitionKey{m.Topic, m.Partition}
	p := t.parts[k]
	if p == nil {
		p = &partitionOffsets{finished: map[int64]kafka.Message{}}
		t.parts[k] = p
	}
	p.inflight = append(p.inflight, m.Offset)
}

// done marks m handled and returns the message to commit, if the committable
// prefix of its partition grew.
func (t *offsetTracker) done(m kafka.Message) (kafka.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.parts[partitionKey{m.Topic, m.Partition}]
	if p == nil {
		return m, true
	}
	p.finished[m.Offset] = m

	var (
		upto kafka.Message
		ok   bool
	)
	for len(p.inflight) > 0 {
		head, seen := p.finished[p.inflight[0]]
		if !seen {
			break
		}
		delete(p.finished, head.Offset)
		p.inflight = p.inflight[1:]
		upto, ok = head, true
	}
	return upto, ok
}
