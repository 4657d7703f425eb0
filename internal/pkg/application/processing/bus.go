package processing

import (
	"sync"
	"sync/atomic"

	"github.com/diwise/camera-threat-monitor/pkg/types"
	"github.com/rs/zerolog"
)

type delivery struct {
	event    types.StatusEvent
	callback func(types.StatusEvent)
}

// eventBus delivers status events in publish order from a single goroutine.
// Publishing never blocks, so it is safe to do while holding the
// orchestrator lock. A subscriber that does not keep up loses events instead of
// stalling the other subscribers.
type eventBus struct {
	log zerolog.Logger

	mu     sync.Mutex
	queue  []delivery
	subs   map[*Subscription]struct{}
	closed bool

	signal chan struct{}
	stop   chan struct{}
	done   chan struct{}

	sent    atomic.Uint64
	dropped atomic.Uint64
}

func newEventBus(log zerolog.Logger) *eventBus {
	b := &eventBus{
		log:    log,
		subs:   map[*Subscription]struct{}{},
		signal: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	go b.run()

	return b
}

func (b *eventBus) publish(e types.StatusEvent, callback func(types.StatusEvent)) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, delivery{event: e, callback: callback})
	b.mu.Unlock()

	select {
	case b.signal <- struct{}{}:
	default:
	}
}

func (b *eventBus) run() {
	defer close(b.done)

	for {
		select {
		case <-b.signal:
			b.drain()
		case <-b.stop:
			b.drain()
			return
		}
	}
}

func (b *eventBus) drain() {
	for {
		b.mu.Lock()
		batch := b.queue
		b.queue = nil
		b.mu.Unlock()

		if len(batch) == 0 {
			return
		}

		for _, d := range batch {
			if d.callback != nil {
				b.invoke(d)
			}
			b.fanout(d.event)
		}
	}
}

func (b *eventBus) invoke(d delivery) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Interface("panic", r).Str("camera", d.event.CameraID).Msg("status callback panicked")
		}
	}()

	d.callback(d.event)
}

func (b *eventBus) fanout(e types.StatusEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for s := range b.subs {
		select {
		case s.ch <- e:
			b.sent.Add(1)
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *eventBus) subscribe(buffer int) *Subscription {
	s := &Subscription{
		ch: make(chan types.StatusEvent, buffer),
		b:  b,
	}
	s.C = s.ch

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(s.ch)
		return s
	}

	b.subs[s] = struct{}{}
	return s
}

func (b *eventBus) unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[s]; ok {
		delete(b.subs, s)
		close(s.ch)
	}
}

// close delivers whatever is still queued, then closes all subscriptions.
func (b *eventBus) close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.closed = true
	b.mu.Unlock()

	close(b.stop)
	<-b.done

	b.mu.Lock()
	for s := range b.subs {
		delete(b.subs, s)
		close(s.ch)
	}
	b.mu.Unlock()
}

// Subscription is a typed stream of status events. C is closed when the
// subscription ends, either through Unsubscribe or orchestrator shutdown.
type Subscription struct {
	C <-chan types.StatusEvent

	ch chan types.StatusEvent
	b  *eventBus
}

func (s *Subscription) Unsubscribe() {
	s.b.unsubscribe(s)
}
