package chat

import (
	"fmt"
	"log/slog"
	"sync"
)

// Consumer receives every successfully decoded incoming message. It runs
// on the delivery goroutine and must not block indefinitely.
type Consumer func(Message)

// Dispatcher fans decoded messages out to registered consumers,
// decoupling the transport's receive path from buffer mutation and any
// other observer. Delivery is synchronous and in registration order; a
// consumer that panics does not prevent delivery to the rest.
type Dispatcher struct {
	mu        sync.RWMutex
	nextID    int
	order     []int
	consumers map[int]Consumer
	logger    *slog.Logger
}

func NewDispatcher(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		consumers: make(map[int]Consumer),
		logger:    logger,
	}
}

// Register adds a consumer and returns its removal function. Removal is
// idempotent.
func (d *Dispatcher) Register(c Consumer) (remove func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	d.order = append(d.order, id)
	d.consumers[id] = c

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.consumers, id)
		for i, v := range d.order {
			if v == id {
				d.order = append(d.order[:i], d.order[i+1:]...)
				break
			}
		}
	}
}

// Dispatch delivers m to all consumers in registration order.
func (d *Dispatcher) Dispatch(m Message) {
	d.mu.RLock()
	consumers := make([]Consumer, 0, len(d.order))
	for _, id := range d.order {
		if c, ok := d.consumers[id]; ok {
			consumers = append(consumers, c)
		}
	}
	d.mu.RUnlock()

	for _, c := range consumers {
		d.deliver(c, m)
	}
}

func (d *Dispatcher) deliver(c Consumer, m Message) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error(fmt.Sprintf("consumer panic: %v", r))
		}
	}()
	c(m)
}
