package kafka

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ariefcatur/bizhub-orders/internal/logger"
	"github.com/segmentio/kafka-go"
)

const (
	writeTimeout = 10 * time.Second
	maxBatch     = 100
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer buffers messages in memory and writes them from a single loop.
// Publish never blocks the caller: when the buffer is full the message is
// dropped and counted.
type Producer struct {
	w     messageWriter
	topic string
	log   *logger.Logger

	inbox chan kafka.Message
	done  chan struct{}

	mu      sync.RWMutex
	closed  bool
	started bool

	dropped atomic.Int64
}

func NewProducer(brokers []string, topic string, buf int, log *logger.Logger) *Producer {
	return newProducer(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}, topic, buf, log)
}

func newProducer(w messageWriter, topic string, buf int, log *logger.Logger) *Producer {
	if buf <= 0 {
		buf = 1024
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Producer{
		w:     w,
		topic: topic,
		log:   log,
		inbox: make(chan kafka.Message, buf),
		done:  make(chan struct{}),
	}
}

// Start runs the write loop until Close is called or ctx is cancelled.
// Buffered messages are flushed before the loop exits.
func (p *Producer) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started || p.closed {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			p.shutdown()
		case <-p.done:
		}
	}()
	go p.loop()
}

func (p *Producer) loop() {
	defer close(p.done)
	for m := range p.inbox {
		batch := []kafka.Message{m}
	drain:
		for len(batch) < maxBatch {
			select {
			case next, ok := <-p.inbox:
				if !ok {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}
		p.write(batch)
	}
	if err := p.w.Close(); err != nil {
		p.log.Error(context.Background(), "kafka writer close", err)
	}
}

func (p *Producer) write(batch []kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := p.w.WriteMessages(ctx, batch...); err != nil {
		lctx := p.log.WithFields(context.Background(), map[string]any{"topic": p.topic, "messages": len(batch)})
		p.log.Error(lctx, "kafka write failed", err)
	}
}

// Publish queues a message and reports whether it was accepted.
func (p *Producer) Publish(key, value []byte, headers ...kafka.Header) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.inbox <- kafka.Message{Key: key, Value: value, Time: time.Now(), Headers: headers}:
		return true
	default:
		n := p.dropped.Add(1)
		lctx := p.log.WithFields(context.Background(), map[string]any{"topic": p.topic, "dropped_total": n})
		p.log.Warn(lctx, "kafka producer buffer full, message dropped")
		return false
	}
}

func (p *Producer) Dropped() int64 { return p.dropped.Load() }

func (p *Producer) shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.inbox)
	}
}

// Close stops accepting messages and waits for the buffer to flush.
func (p *Producer) Close() {
	p.shutdown()
	p.mu.RLock()
	started := p.started
	p.mu.RUnlock()
	if started {
		<-p.done
	}
}
