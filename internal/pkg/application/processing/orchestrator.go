package processing

import (
	"context"
	"errors"
	"image"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/diwise/camera-threat-monitor/internal/pkg/application/streams"
	"github.com/diwise/camera-threat-monitor/pkg/types"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

//go:generate moq -rm -out detector_mock.go . Detector
type Detector interface {
	Detect(ctx context.Context, frame image.Image) (types.Observation, error)
}

//go:generate moq -rm -out streamregistry_mock.go . StreamRegistry
type StreamRegistry interface {
	Acquire(ctx context.Context, deviceID string) (*streams.Lease, error)
	Close()
}

// Orchestrator binds logical cameras to devices, runs one processing worker
// per bound device and keeps a debounced status for every camera.
type Orchestrator struct {
	cfg      Config
	registry StreamRegistry
	detector Detector
	log      zerolog.Logger

	mu      sync.Mutex
	cameras map[string]*camera
	devices map[string]*deviceWorker
	closed  bool

	bus   *eventBus
	stats counters
}

type camera struct {
	id         string
	deviceID   string
	status     types.Status
	updatedAt  time.Time
	lastThreat time.Time
	onUpdate   func(types.StatusEvent)

	timer      *time.Timer
	generation uint64
}

type counters struct {
	cycles             atomic.Uint64
	skippedTicks       atomic.Uint64
	captureNotReady    atomic.Uint64
	captureFailures    atomic.Uint64
	submissionFailures atomic.Uint64
	events             atomic.Uint64
}

type Stats struct {
	Devices            int    `json:"devices"`
	Cameras            int    `json:"cameras"`
	Cycles             uint64 `json:"cycles"`
	SkippedTicks       uint64 `json:"skippedTicks"`
	CaptureNotReady    uint64 `json:"captureNotReady"`
	CaptureFailures    uint64 `json:"captureFailures"`
	SubmissionFailures uint64 `json:"submissionFailures"`
	EventsPublished    uint64 `json:"eventsPublished"`
	EventsDelivered    uint64 `json:"eventsDelivered"`
	EventsDropped      uint64 `json:"eventsDropped"`
}

func New(cfg Config, registry StreamRegistry, detector Detector, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		registry: registry,
		detector: detector,
		log:      log,
		cameras:  map[string]*camera{},
		devices:  map[string]*deviceWorker{},
		bus:      newEventBus(log),
	}
}

// RegisterCamera binds cameraID to deviceID. Binding a camera to the device it
// is already bound to only replaces the callback. A camera bound elsewhere is
// unbound first. The call returns once the device stream is available, and
// fails with an *AcquisitionError if it cannot be acquired, in which case the
// camera is left unbound.
//
// onStatusUpdate runs on the event dispatcher goroutine. It may call back into
// the orchestrator, but calling Shutdown from it deadlocks since Shutdown
// waits for the dispatcher to drain.
func (o *Orchestrator) RegisterCamera(ctx context.Context, cameraID, deviceID string, onStatusUpdate func(types.StatusEvent)) error {
	if cameraID == "" || deviceID == "" {
		return ErrEmptyIdentifier
	}

	logger := o.log.With().Str("camera", cameraID).Str("device", deviceID).Logger()

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrShutdown
	}

	var stopped *deviceWorker

	if c, ok := o.cameras[cameraID]; ok {
		if c.deviceID == deviceID {
			c.onUpdate = onStatusUpdate
			w := o.devices[deviceID]
			o.mu.Unlock()

			logger.Debug().Msg("camera already bound to device")
			return o.awaitWorker(ctx, w, cameraID)
		}

		logger.Info().Str("previous", c.deviceID).Msg("moving camera to another device")
		stopped = o.unbindLocked(c, time.Now().UTC())
	}

	c := &camera{
		id:        cameraID,
		deviceID:  deviceID,
		status:    types.StatusNormal,
		updatedAt: time.Now().UTC(),
		onUpdate:  onStatusUpdate,
	}
	o.cameras[cameraID] = c

	w, ok := o.devices[deviceID]
	if !ok {
		w = newDeviceWorker(deviceID)
		o.devices[deviceID] = w
		go o.run(w)
	}
	w.cameras[cameraID] = c
	o.mu.Unlock()

	logger.Info().Msg("camera bound")

	o.stopWorker(stopped)

	return o.awaitWorker(ctx, w, cameraID)
}

func (o *Orchestrator) awaitWorker(ctx context.Context, w *deviceWorker, cameraID string) error {
	select {
	case <-w.ready:
		if w.err != nil {
			if errors.Is(w.err, context.Canceled) && w.ctx.Err() != nil {
				return ErrSuperseded
			}
			return &AcquisitionError{CameraID: cameraID, DeviceID: w.deviceID, Err: w.err}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UnregisterCamera removes the camera's binding, forces its status to NORMAL
// and publishes that as its final event. The device is released if this was
// its last camera. Unknown cameras are ignored.
func (o *Orchestrator) UnregisterCamera(cameraID string) {
	o.mu.Lock()
	c, ok := o.cameras[cameraID]
	if !ok {
		o.mu.Unlock()
		o.log.Info().Err(&BindingError{CameraID: cameraID}).Msg("ignoring unregister")
		return
	}

	stopped := o.unbindLocked(c, time.Now().UTC())
	o.mu.Unlock()

	o.log.Info().Str("camera", cameraID).Str("device", c.deviceID).Msg("camera unbound")

	o.stopWorker(stopped)
}

// unbindLocked detaches the camera and returns its device worker if the
// camera was the worker's last subscriber. The worker is already cancelled
// but the caller must wait for it outside the lock.
func (o *Orchestrator) unbindLocked(c *camera, now time.Time) *deviceWorker {
	o.cancelTimerLocked(c)
	delete(o.cameras, c.id)

	c.status = types.StatusNormal
	c.updatedAt = now
	o.publishLocked(c, now)

	w, ok := o.devices[c.deviceID]
	if !ok {
		return nil
	}

	delete(w.cameras, c.id)
	if len(w.cameras) > 0 {
		return nil
	}

	delete(o.devices, c.deviceID)
	w.cancel()

	return w
}

func (o *Orchestrator) stopWorker(w *deviceWorker) {
	if w == nil {
		return
	}

	w.cancel()
	<-w.done

	o.log.Info().Str("device", w.deviceID).Msg("device worker stopped")
}

// ProcessedFrame returns the latest annotated frame for the camera's device.
func (o *Orchestrator) ProcessedFrame(cameraID string) ([]byte, bool) {
	o.mu.Lock()
	c, ok := o.cameras[cameraID]
	var w *deviceWorker
	if ok {
		w = o.devices[c.deviceID]
	}
	o.mu.Unlock()

	if w == nil {
		return nil, false
	}

	return w.processedFrame()
}

func (o *Orchestrator) Status(cameraID string) (types.Status, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	c, ok := o.cameras[cameraID]
	if !ok {
		return types.StatusNormal, false
	}
	return c.status, true
}

func (o *Orchestrator) DeviceForCamera(cameraID string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	c, ok := o.cameras[cameraID]
	if !ok {
		return "", false
	}
	return c.deviceID, true
}

// Camera returns the state of one bound camera or a *BindingError.
func (o *Orchestrator) Camera(cameraID string) (types.CameraState, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	c, ok := o.cameras[cameraID]
	if !ok {
		return types.CameraState{}, &BindingError{CameraID: cameraID}
	}
	return c.state(), nil
}

func (o *Orchestrator) Cameras() []types.CameraState {
	o.mu.Lock()
	states := lo.MapToSlice(o.cameras, func(_ string, c *camera) types.CameraState {
		return c.state()
	})
	o.mu.Unlock()

	sort.Slice(states, func(i, j int) bool {
		return states[i].CameraID < states[j].CameraID
	})

	return states
}

// Devices returns the ids of devices that have a running worker.
func (o *Orchestrator) Devices() []string {
	o.mu.Lock()
	ids := lo.Keys(o.devices)
	o.mu.Unlock()

	sort.Strings(ids)
	return ids
}

func (c *camera) state() types.CameraState {
	s := types.CameraState{
		CameraID:  c.id,
		DeviceID:  c.deviceID,
		Status:    c.status,
		UpdatedAt: c.updatedAt,
	}
	if !c.lastThreat.IsZero() {
		t := c.lastThreat
		s.LastThreat = &t
	}
	return s
}

// Subscribe returns a stream of every status event published from now on. A
// buffer of zero or less uses the configured default.
func (o *Orchestrator) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = o.cfg.SubscriberBuffer
	}
	return o.bus.subscribe(buffer)
}

func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	devices, cameras := len(o.devices), len(o.cameras)
	o.mu.Unlock()

	return Stats{
		Devices:            devices,
		Cameras:            cameras,
		Cycles:             o.stats.cycles.Load(),
		SkippedTicks:       o.stats.skippedTicks.Load(),
		CaptureNotReady:    o.stats.captureNotReady.Load(),
		CaptureFailures:    o.stats.captureFailures.Load(),
		SubmissionFailures: o.stats.submissionFailures.Load(),
		EventsPublished:    o.stats.events.Load(),
		EventsDelivered:    o.bus.sent.Load(),
		EventsDropped:      o.bus.dropped.Load(),
	}
}

// Shutdown stops every worker, cancels all revert timers and releases all
// device streams. Queued events are still delivered before subscriptions are
// closed. No events are published for the cameras dropped here. Must not be
// called from a status callback.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true

	for _, c := range o.cameras {
		o.cancelTimerLocked(c)
	}
	o.cameras = map[string]*camera{}

	workers := lo.Values(o.devices)
	o.devices = map[string]*deviceWorker{}
	for _, w := range workers {
		w.cancel()
	}
	o.mu.Unlock()

	for _, w := range workers {
		o.stopWorker(w)
	}

	o.registry.Close()
	o.bus.close()

	o.log.Info().Int("devices", len(workers)).Msg("all device streams stopped")
}
