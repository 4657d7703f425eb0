package streams

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/diwise/camera-threat-monitor/internal/pkg/infrastructure/framesource"
	"github.com/rs/zerolog"
)

var ErrRegistryClosed = fmt.Errorf("stream registry closed")

// Registry shares one open FrameSource per device between any number of
// holders. The stream is opened by the first Acquire and closed when the last
// lease is released.
type Registry struct {
	opener framesource.Opener
	log    zerolog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

type entry struct {
	deviceID string
	refs     int
	ready    chan struct{}
	done     chan struct{} // closed after open has returned and cleaned up
	cancel   context.CancelFunc

	// set once ready is closed
	source framesource.FrameSource
	err    error

	released bool

	// attempt still winding down for the same device, open waits for it
	prev *entry
}

func New(opener framesource.Opener, log zerolog.Logger) *Registry {
	return &Registry{
		opener:  opener,
		log:     log,
		entries: map[string]*entry{},
	}
}

// Acquire returns a lease on the device's shared stream, opening it if no
// holder exists yet. Concurrent callers for the same device wait for the same
// acquisition attempt. A failed attempt is reported to every waiter and is not
// retried, the next call after that starts over.
func (r *Registry) Acquire(ctx context.Context, deviceID string) (*Lease, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}

	e, ok := r.entries[deviceID]
	if !ok || e.released {
		openCtx, cancel := context.WithCancel(context.Background())
		e = &entry{
			deviceID: deviceID,
			ready:    make(chan struct{}),
			done:     make(chan struct{}),
			cancel:   cancel,
			prev:     e,
		}
		r.entries[deviceID] = e
		go r.open(openCtx, e)
	}
	e.refs++
	r.mu.Unlock()

	select {
	case <-e.ready:
		if e.err != nil {
			r.release(e)
			return nil, e.err
		}
		return &Lease{r: r, e: e}, nil
	case <-ctx.Done():
		r.release(e)
		return nil, ctx.Err()
	}
}

// RequestStream registers interest in a device's stream and reports the
// outcome of the acquisition to onStream from another goroutine. The returned
// function drops this caller's interest and may be called more than once.
func (r *Registry) RequestStream(deviceID string, onStream func(framesource.FrameSource, error)) (unsubscribe func()) {
	ctx, cancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	var lease *Lease
	var done bool

	go func() {
		l, err := r.Acquire(ctx, deviceID)

		mu.Lock()
		if done {
			mu.Unlock()
			if l != nil {
				l.Release()
			}
			return
		}
		lease = l
		mu.Unlock()

		if err != nil {
			onStream(nil, err)
			return
		}
		onStream(l.Source(), nil)
	}()

	return func() {
		mu.Lock()
		done = true
		l := lease
		lease = nil
		mu.Unlock()

		cancel()
		if l != nil {
			l.Release()
		}
	}
}

func (r *Registry) open(ctx context.Context, e *entry) {
	defer close(e.done)

	logger := r.log.With().Str("device", e.deviceID).Logger()

	var src framesource.FrameSource
	var err error

	if e.prev != nil {
		select {
		case <-e.prev.done:
		case <-ctx.Done():
			err = ctx.Err()
		}
		e.prev = nil
	}

	if err == nil {
		logger.Info().Msg("acquiring device stream")
		src, err = r.opener.Open(ctx, e.deviceID)
	}

	r.mu.Lock()
	e.source, e.err = src, err
	if (err != nil || e.released) && r.entries[e.deviceID] == e {
		delete(r.entries, e.deviceID)
	}
	orphaned := e.released
	if orphaned {
		e.source = nil
	}
	close(e.ready)
	r.mu.Unlock()

	if err != nil {
		logger.Error().Err(err).Msg("failed to acquire device stream")
		return
	}

	if orphaned {
		logger.Info().Msg("all holders left during acquisition, closing stream")
		r.closeSource(e.deviceID, src)
	}
}

func (r *Registry) release(e *entry) {
	r.mu.Lock()
	e.refs--
	if e.refs > 0 || e.released {
		r.mu.Unlock()
		return
	}

	e.released = true

	// a pending entry stays registered until open returns, a new Acquire
	// chains behind it
	var src framesource.FrameSource
	select {
	case <-e.ready:
		src = e.source
		e.source = nil
		if r.entries[e.deviceID] == e {
			delete(r.entries, e.deviceID)
		}
	default:
	}
	r.mu.Unlock()

	e.cancel()

	if src != nil {
		r.closeSource(e.deviceID, src)
	}
}

func (r *Registry) closeSource(deviceID string, src framesource.FrameSource) {
	if err := src.Close(); err != nil {
		r.log.Error().Err(err).Str("device", deviceID).Msg("failed to close device stream")
		return
	}
	r.log.Info().Str("device", deviceID).Msg("device stream released")
}

// Devices returns the ids of devices that currently have holders.
func (r *Registry) Devices() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.entries))
	for id, e := range r.entries {
		if !e.released {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	return ids
}

// Close releases every stream regardless of outstanding leases. Subsequent
// Acquire calls fail with ErrRegistryClosed.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	entries := r.entries
	r.entries = map[string]*entry{}

	sources := map[string]framesource.FrameSource{}
	for id, e := range entries {
		e.released = true
		select {
		case <-e.ready:
			if e.source != nil {
				sources[id] = e.source
				e.source = nil
			}
		default:
		}
	}
	r.mu.Unlock()

	for id, e := range entries {
		e.cancel()
		if src, ok := sources[id]; ok {
			r.closeSource(id, src)
		}
	}
}

type Lease struct {
	r    *Registry
	e    *entry
	once sync.Once
}

func (l *Lease) DeviceID() string {
	return l.e.deviceID
}

func (l *Lease) Source() framesource.FrameSource {
	l.r.mu.Lock()
	defer l.r.mu.Unlock()
	return l.e.source
}

// Release drops this lease. Only the first call has any effect.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.r.release(l.e)
	})
}
