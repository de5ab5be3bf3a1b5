package marketplace

import (
	"context"
	"sync"

	"github.com/AkshatSharma555/EngiVerse-App-sub000/pkg/market"
)

// Emitter receives marketplace events after the mutation that produced
// them has committed. Publish must not block on slow consumers.
type Emitter interface {
	Publish(ctx context.Context, event market.Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, event market.Event)

// Publish calls f.
func (f EmitterFunc) Publish(ctx context.Context, event market.Event) { f(ctx, event) }

type nopEmitter struct{}

func (nopEmitter) Publish(context.Context, market.Event) {}

// MultiEmitter fans events out to every non-nil emitter in order.
func MultiEmitter(emitters ...Emitter) Emitter {
	var targets []Emitter
	for _, e := range emitters {
		if e != nil {
			targets = append(targets, e)
		}
	}
	if len(targets) == 0 {
		return nopEmitter{}
	}
	return EmitterFunc(func(ctx context.Context, event market.Event) {
		for _, e := range targets {
			e.Publish(ctx, event)
		}
	})
}

// Broadcaster keeps a bounded history of events and fans new ones out to
// subscribers.
type Broadcaster struct {
	buffer      []market.Event
	maxSize     int
	subscribers map[chan market.Event]struct{}
	mu          sync.RWMutex
}

// NewBroadcaster creates a broadcaster that remembers the last maxSize events.
func NewBroadcaster(maxSize int) *Broadcaster {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &Broadcaster{
		buffer:      make([]market.Event, 0, maxSize),
		maxSize:     maxSize,
		subscribers: make(map[chan market.Event]struct{}),
	}
}

// Publish records event and sends it to every subscriber.
func (b *Broadcaster) Publish(_ context.Context, event market.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.buffer) >= b.maxSize {
		b.buffer = b.buffer[1:]
	}
	b.buffer = append(b.buffer, event)

	for ch := range b.subscribers {
		// Non-blocking send to prevent slow clients from blocking writers
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe returns a channel of new events, the current history and a
// cleanup function that must be called when the subscriber goes away.
func (b *Broadcaster) Subscribe() (<-chan market.Event, []market.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan market.Event, 100)
	b.subscribers[ch] = struct{}{}

	history := make([]market.Event, len(b.buffer))
	copy(history, b.buffer)

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subscribers, ch)
			close(ch)
		})
	}

	return ch, history, cleanup
}

// History returns a copy of the remembered events, oldest first.
func (b *Broadcaster) History() []market.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	history := make([]market.Event, len(b.buffer))
	copy(history, b.buffer)
	return history
}
