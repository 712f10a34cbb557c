package mocks

import (
	"context"
	"sync"

	"github.com/ariefcatur/bizhub-orders/internal/orders"
)

// Dispatcher records every notification handed to it.
type Dispatcher struct {
	mu   sync.Mutex
	Sent []orders.Notification
}

func (d *Dispatcher) Send(_ context.Context, n orders.Notification) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Sent = append(d.Sent, n)
}

func (d *Dispatcher) Notifications() []orders.Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]orders.Notification(nil), d.Sent...)
}

// Broadcaster records every published envelope.
type Broadcaster struct {
	mu     sync.Mutex
	Events []orders.Envelope
}

func (b *Broadcaster) Publish(_ context.Context, ev orders.Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Events = append(b.Events, ev)
}

// Types returns the event types in publish order.
func (b *Broadcaster) Types() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.Events))
	for _, ev := range b.Events {
		out = append(out, ev.EventType)
	}
	return out
}
