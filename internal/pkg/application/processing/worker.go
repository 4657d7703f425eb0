package processing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/diwise/camera-threat-monitor/internal/pkg/application/streams"
	"github.com/diwise/camera-threat-monitor/internal/pkg/infrastructure/framesource"
	"github.com/diwise/camera-threat-monitor/pkg/types"
	"github.com/rs/zerolog"
)

type deviceWorker struct {
	deviceID string
	cameras  map[string]*camera // guarded by the orchestrator lock

	ctx    context.Context
	cancel context.CancelFunc

	ready chan struct{} // closed once acquisition has finished, err tells how
	err   error
	done  chan struct{} // closed when the worker has released its lease

	inFlight atomic.Bool
	cycles   sync.WaitGroup
	delay    atomic.Int64

	frameMu sync.Mutex
	frame   []byte
}

func newDeviceWorker(deviceID string) *deviceWorker {
	ctx, cancel := context.WithCancel(context.Background())
	return &deviceWorker{
		deviceID: deviceID,
		cameras:  map[string]*camera{},
		ctx:      ctx,
		cancel:   cancel,
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (w *deviceWorker) processedFrame() ([]byte, bool) {
	w.frameMu.Lock()
	defer w.frameMu.Unlock()

	if len(w.frame) == 0 {
		return nil, false
	}

	frame := make([]byte, len(w.frame))
	copy(frame, w.frame)
	return frame, true
}

func (w *deviceWorker) storeFrame(frame []byte) {
	if len(frame) == 0 {
		return
	}
	w.frameMu.Lock()
	w.frame = frame
	w.frameMu.Unlock()
}

// run acquires the device and then ticks until the worker is cancelled. A tick
// that finds the previous cycle still running is skipped.
func (o *Orchestrator) run(w *deviceWorker) {
	defer close(w.done)

	logger := o.log.With().Str("device", w.deviceID).Logger()

	lease, err := o.registry.Acquire(w.ctx, w.deviceID)
	if err != nil {
		o.abandon(w, err)
		close(w.ready)
		if w.ctx.Err() == nil {
			logger.Error().Err(err).Msg("device acquisition failed")
		}
		return
	}
	defer lease.Release()

	close(w.ready)

	if w.ctx.Err() != nil {
		return
	}

	logger.Info().Msg("device worker started")

	b := o.newBackOff()
	w.delay.Store(int64(o.cfg.Cadence))

	tick := time.NewTimer(0)
	defer tick.Stop()

	for {
		select {
		case <-w.ctx.Done():
			w.cycles.Wait()
			return
		case <-tick.C:
		}

		if !w.inFlight.CompareAndSwap(false, true) {
			o.stats.skippedTicks.Add(1)
			logger.Debug().Msg("previous cycle still running, skipping tick")
			tick.Reset(o.cfg.Cadence)
			continue
		}

		w.cycles.Add(1)
		go func() {
			defer w.cycles.Done()
			defer w.inFlight.Store(false)

			o.cycle(w, lease, b, logger)
		}()

		tick.Reset(time.Duration(w.delay.Load()))
	}
}

// abandon drops every camera waiting on a worker whose device could not be
// acquired.
func (o *Orchestrator) abandon(w *deviceWorker, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	w.err = err

	for id, c := range w.cameras {
		o.cancelTimerLocked(c)
		if o.cameras[id] == c {
			delete(o.cameras, id)
		}
	}
	w.cameras = map[string]*camera{}

	if o.devices[w.deviceID] == w {
		delete(o.devices, w.deviceID)
	}
}

func (o *Orchestrator) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.Cadence
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxInterval = o.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// cycle runs one capture, submit and reduce pass. Failures are contained here
// and only influence the delay before the next tick.
func (o *Orchestrator) cycle(w *deviceWorker, lease *streams.Lease, b backoff.BackOff, logger zerolog.Logger) {
	o.stats.cycles.Add(1)

	src := lease.Source()
	if src == nil {
		return
	}

	frame, err := src.Capture(w.ctx)
	if err != nil {
		if w.ctx.Err() != nil {
			return
		}

		if errors.Is(err, framesource.ErrNotReady) {
			o.stats.captureNotReady.Add(1)
			logger.Debug().Err(&CaptureNotReadyError{DeviceID: w.deviceID, Err: err}).Msg("skipping cycle")
			return
		}

		o.stats.captureFailures.Add(1)
		o.failed(w, b, logger, &CaptureError{DeviceID: w.deviceID, Err: err})
		return
	}

	ctx, cancel := context.WithTimeout(w.ctx, o.cfg.SubmitTimeout)
	obs, err := o.detector.Detect(ctx, frame)
	cancel()

	if err != nil {
		if w.ctx.Err() != nil {
			return
		}

		o.stats.submissionFailures.Add(1)
		o.failed(w, b, logger, &SubmissionError{DeviceID: w.deviceID, Err: err})
		return
	}

	b.Reset()
	w.delay.Store(int64(o.cfg.Cadence))

	w.storeFrame(obs.ProcessedImage)

	level := o.cfg.Thresholds.Reduce(obs.Threats)

	o.mu.Lock()
	defer o.mu.Unlock()

	if w.ctx.Err() != nil {
		return
	}

	now := time.Now().UTC()
	for _, c := range w.cameras {
		o.applyLocked(c, level, now)
	}

	if level != types.StatusNormal {
		logger.Info().Str("status", level.String()).Int("threats", len(obs.Threats)).Msg("threat observed")
	}
}

func (o *Orchestrator) failed(w *deviceWorker, b backoff.BackOff, logger zerolog.Logger, err error) {
	next := b.NextBackOff()
	if next == backoff.Stop || next < o.cfg.Cadence {
		next = o.cfg.Cadence
	}
	w.delay.Store(int64(next))

	logger.Warn().Err(err).Dur("retryIn", next).Msg("cycle failed, keeping previous status")
}
