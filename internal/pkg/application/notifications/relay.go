package notifications

import (
	"context"
	"sync"
	"time"

	"github.com/diwise/camera-threat-monitor/internal/pkg/infrastructure/logging"
	"github.com/diwise/camera-threat-monitor/pkg/types"
	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/rs/zerolog"
)

// Sink is one outbound channel for status events.
type Sink interface {
	Name() string
	Notify(ctx context.Context, e types.StatusEvent) error
}

type sinkFunc struct {
	name string
	fn   func(ctx context.Context, e types.StatusEvent) error
}

func (s sinkFunc) Name() string { return s.name }

func (s sinkFunc) Notify(ctx context.Context, e types.StatusEvent) error {
	return s.fn(ctx, e)
}

func NewSink(name string, fn func(ctx context.Context, e types.StatusEvent) error) Sink {
	return sinkFunc{name: name, fn: fn}
}

type Publisher interface {
	PublishOnTopic(ctx context.Context, message messaging.TopicMessage) error
}

// TopicSink publishes every event as a CameraStatusChanged topic message.
func TopicSink(p Publisher) Sink {
	return NewSink("amqp", func(ctx context.Context, e types.StatusEvent) error {
		return p.PublishOnTopic(ctx, &types.CameraStatusChanged{
			CameraID:  e.CameraID,
			Status:    e.Status.String(),
			Timestamp: e.Timestamp,
		})
	})
}

type Broadcaster interface {
	Publish(event string, data any) error
}

// BroadcastSink forwards events under the cameraStatusChanged name, used for
// the SSE stream.
func BroadcastSink(name string, b Broadcaster) Sink {
	return NewSink(name, func(ctx context.Context, e types.StatusEvent) error {
		return b.Publish(types.StatusChangedEventName, e)
	})
}

const (
	DefaultNotifyTimeout = 5 * time.Second
	DefaultQueueSize     = 64
)

// Relay drains a status subscription and hands every event to each sink.
// Every sink is served by its own goroutine and queue, so a slow or failing
// sink only loses its own events.
type Relay struct {
	events  <-chan types.StatusEvent
	sinks   []Sink
	log     zerolog.Logger
	timeout time.Duration
	queue   int
}

type RelayOption func(*Relay)

// WithNotifyTimeout bounds every single Notify call.
func WithNotifyTimeout(d time.Duration) RelayOption {
	return func(r *Relay) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func WithQueueSize(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.queue = n
		}
	}
}

func NewRelay(events <-chan types.StatusEvent, log zerolog.Logger, sinks []Sink, opts ...RelayOption) *Relay {
	r := &Relay{
		events:  events,
		sinks:   sinks,
		log:     log,
		timeout: DefaultNotifyTimeout,
		queue:   DefaultQueueSize,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Run returns when the subscription is closed or ctx is done, after every
// sink has finished with the events already queued for it.
func (r *Relay) Run(ctx context.Context) {
	ctx = logging.NewContextWithLogger(ctx, r.log)

	queues := make([]chan types.StatusEvent, len(r.sinks))

	var wg sync.WaitGroup
	for i, s := range r.sinks {
		queues[i] = make(chan types.StatusEvent, r.queue)

		wg.Add(1)
		go func(s Sink, q <-chan types.StatusEvent) {
			defer wg.Done()
			r.serve(ctx, s, q)
		}(s, queues[i])
	}

	defer func() {
		for _, q := range queues {
			close(q)
		}
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-r.events:
			if !ok {
				r.log.Debug().Msg("status subscription closed")
				return
			}
			r.dispatch(queues, e)
		}
	}
}

func (r *Relay) dispatch(queues []chan types.StatusEvent, e types.StatusEvent) {
	for i, q := range queues {
		select {
		case q <- e:
		default:
			r.log.Warn().Str("sink", r.sinks[i].Name()).Str("camera", e.CameraID).Msg("sink queue full, dropping status event")
		}
	}
}

func (r *Relay) serve(ctx context.Context, s Sink, q <-chan types.StatusEvent) {
	for e := range q {
		if ctx.Err() != nil {
			continue
		}

		notifyCtx, cancel := context.WithTimeout(ctx, r.timeout)
		err := s.Notify(notifyCtx, e)
		cancel()

		if err != nil {
			r.log.Error().Err(err).Str("sink", s.Name()).Str("camera", e.CameraID).Msg("failed to forward status event")
		}
	}
}
