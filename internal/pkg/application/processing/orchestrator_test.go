package processing

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/diwise/camera-threat-monitor/internal/pkg/application/streams"
	"github.com/diwise/camera-threat-monitor/internal/pkg/infrastructure/framesource"
	"github.com/diwise/camera-threat-monitor/pkg/types"
	"github.com/matryer/is"
	"github.com/rs/zerolog"
)

func TestFirstCycleWithoutThreatsPublishesNormal(t *testing.T) {
	is := is.New(t)

	o, _ := setup(t, testConfig(), detectorReturning(nil))
	events := newRecorder()

	err := o.RegisterCamera(context.Background(), "cam1", "devA", events.record)
	is.NoErr(err)

	e := events.next(t)
	is.Equal(e.CameraID, "cam1")
	is.Equal(e.Status, types.StatusNormal)
}

func TestHighObservationRevertsToNormalAfterHold(t *testing.T) {
	is := is.New(t)

	cfg := testConfig()
	cfg.Hold = 200 * time.Millisecond

	calls := int32(0)
	detector := &fakeDetector{detect: func(ctx context.Context, _ image.Image) (types.Observation, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return observation(0.85), nil
		}
		return types.Observation{}, errors.New("service unavailable")
	}}

	o, _ := setup(t, cfg, detector)
	events := newRecorder()

	is.NoErr(o.RegisterCamera(context.Background(), "cam1", "devA", events.record))

	high := events.next(t)
	is.Equal(high.Status, types.StatusHigh)

	normal := events.next(t)
	is.Equal(normal.Status, types.StatusNormal)

	elapsed := normal.Timestamp.Sub(high.Timestamp)
	is.True(elapsed >= cfg.Hold)
	is.True(elapsed < cfg.Hold+250*time.Millisecond)

	status, ok := o.Status("cam1")
	is.True(ok)
	is.Equal(status, types.StatusNormal)
}

func TestNewerThreatRestartsTheHold(t *testing.T) {
	is := is.New(t)

	cfg := testConfig()

	calls := int32(0)
	detector := &fakeDetector{detect: func(ctx context.Context, _ image.Image) (types.Observation, error) {
		if atomic.AddInt32(&calls, 1) <= 6 {
			return observation(0.9), nil
		}
		return types.Observation{}, errors.New("service unavailable")
	}}

	o, _ := setup(t, cfg, detector)
	events := newRecorder()

	is.NoErr(o.RegisterCamera(context.Background(), "cam1", "devA", events.record))

	highs := []types.StatusEvent{}
	for i := 0; i < 6; i++ {
		e := events.next(t)
		is.Equal(e.Status, types.StatusHigh) // no revert while threats keep coming
		highs = append(highs, e)
	}

	normal := events.next(t)
	is.Equal(normal.Status, types.StatusNormal)

	first, last := highs[0], highs[len(highs)-1]
	is.True(last.Timestamp.Sub(first.Timestamp) > 0)

	sinceLast := normal.Timestamp.Sub(last.Timestamp)
	is.True(sinceLast >= cfg.Hold)
	is.True(sinceLast < cfg.Hold+250*time.Millisecond)
	is.True(normal.Timestamp.Sub(first.Timestamp) > cfg.Hold)
}

func TestNormalObservationCancelsPendingRevert(t *testing.T) {
	is := is.New(t)

	cfg := testConfig()

	calls := int32(0)
	detector := &fakeDetector{detect: func(ctx context.Context, _ image.Image) (types.Observation, error) {
		switch atomic.AddInt32(&calls, 1) {
		case 1:
			return observation(0.9), nil
		case 2:
			return observation(), nil
		}
		return types.Observation{}, errors.New("service unavailable")
	}}

	o, _ := setup(t, cfg, detector)
	events := newRecorder()

	is.NoErr(o.RegisterCamera(context.Background(), "cam1", "devA", events.record))

	is.Equal(events.next(t).Status, types.StatusHigh)
	is.Equal(events.next(t).Status, types.StatusNormal)

	time.Sleep(cfg.Hold + 100*time.Millisecond)

	is.Equal(events.count(), 2) // the cancelled revert never fires

	status, ok := o.Status("cam1")
	is.True(ok)
	is.Equal(status, types.StatusNormal)
}

func TestCallbackCanUnregisterItsOwnCamera(t *testing.T) {
	is := is.New(t)

	o, opener := setup(t, testConfig(), detectorReturning([]float64{0.9}))
	events := newRecorder()

	var once sync.Once
	callback := func(e types.StatusEvent) {
		events.record(e)
		if e.Status == types.StatusHigh {
			once.Do(func() { o.UnregisterCamera(e.CameraID) })
		}
	}

	is.NoErr(o.RegisterCamera(context.Background(), "cam1", "devA", callback))

	is.Equal(events.next(t).Status, types.StatusHigh)
	events.waitFor(t, func(e types.StatusEvent) bool { return e.Status == types.StatusNormal })

	_, ok := o.Status("cam1")
	is.True(!ok)
	waitUntil(t, func() bool { return opener.closes("devA") == 1 })
}

func TestCamerasSharingADeviceAcquireItOnceAndSeeTheSameEvents(t *testing.T) {
	is := is.New(t)

	opener := newFakeOpener()
	opener.gate = make(chan struct{})

	o := newOrchestrator(t, testConfig(), opener, detectorReturning([]float64{0.6}))
	cam1, cam2 := newRecorder(), newRecorder()

	errs := make(chan error, 2)
	go func() { errs <- o.RegisterCamera(context.Background(), "cam1", "devA", cam1.record) }()
	go func() { errs <- o.RegisterCamera(context.Background(), "cam2", "devA", cam2.record) }()

	waitUntil(t, func() bool { return o.Stats().Cameras == 2 })
	close(opener.gate)

	is.NoErr(<-errs)
	is.NoErr(<-errs)

	is.Equal(opener.opens("devA"), int32(1))
	is.Equal(o.Devices(), []string{"devA"})

	for i := 0; i < 3; i++ {
		a, b := cam1.next(t), cam2.next(t)
		is.Equal(a.Status, types.StatusMedium)
		is.Equal(a.Status, b.Status)
		is.True(a.Timestamp.Equal(b.Timestamp))
	}
}

func TestUnregisteringCamerasStopsTheDeviceWithTheLastOne(t *testing.T) {
	is := is.New(t)

	detector := detectorReturning(nil)
	o, opener := setup(t, testConfig(), detector)
	cam1, cam2 := newRecorder(), newRecorder()

	is.NoErr(o.RegisterCamera(context.Background(), "cam1", "devA", cam1.record))
	is.NoErr(o.RegisterCamera(context.Background(), "cam2", "devA", cam2.record))

	o.UnregisterCamera("cam1")
	final := cam1.last(t)
	is.Equal(final.Status, types.StatusNormal)

	before := detector.count()
	waitUntil(t, func() bool { return detector.count() > before+2 })
	is.Equal(opener.closes("devA"), int32(0))
	is.Equal(o.Devices(), []string{"devA"})

	_, ok := o.Status("cam1")
	is.True(!ok)

	o.UnregisterCamera("cam2")
	is.Equal(opener.closes("devA"), int32(1))
	is.Equal(len(o.Devices()), 0)

	cam2.last(t)
	stoppedAt := detector.count()
	received := cam2.count()

	time.Sleep(5 * testConfig().Cadence)

	is.Equal(detector.count(), stoppedAt)
	is.Equal(cam2.count(), received)
}

func TestSubmissionFailureKeepsPreviousStatus(t *testing.T) {
	is := is.New(t)

	cfg := testConfig()
	cfg.Hold = 5 * time.Second

	calls := int32(0)
	detector := &fakeDetector{detect: func(ctx context.Context, _ image.Image) (types.Observation, error) {
		switch atomic.AddInt32(&calls, 1) {
		case 1:
			return observation(0.9), nil
		case 2:
			return types.Observation{}, errors.New("connection refused")
		default:
			return observation(0.6), nil
		}
	}}

	o, _ := setup(t, cfg, detector)
	events := newRecorder()

	is.NoErr(o.RegisterCamera(context.Background(), "cam1", "devA", events.record))

	is.Equal(events.next(t).Status, types.StatusHigh)
	is.Equal(events.next(t).Status, types.StatusMedium)

	is.Equal(o.Stats().SubmissionFailures, uint64(1))
	is.True(atomic.LoadInt32(&calls) >= 3)
}

func TestRegisteringTheSameBindingTwiceIsIdempotent(t *testing.T) {
	is := is.New(t)

	o, opener := setup(t, testConfig(), detectorReturning(nil))
	first, second := newRecorder(), newRecorder()

	is.NoErr(o.RegisterCamera(context.Background(), "cam1", "devA", first.record))
	is.NoErr(o.RegisterCamera(context.Background(), "cam1", "devA", second.record))

	is.Equal(opener.opens("devA"), int32(1))
	is.Equal(o.Devices(), []string{"devA"})
	is.Equal(o.Stats().Cameras, 1)

	a, b := second.next(t), second.next(t)
	is.True(!a.Timestamp.Equal(b.Timestamp))
}

func TestReassigningACameraMovesItToTheNewDevice(t *testing.T) {
	is := is.New(t)

	o, opener := setup(t, testConfig(), detectorReturning([]float64{0.3}))
	events := newRecorder()

	is.NoErr(o.RegisterCamera(context.Background(), "cam1", "devA", events.record))
	is.Equal(events.next(t).Status, types.StatusLow)

	is.NoErr(o.RegisterCamera(context.Background(), "cam1", "devB", events.record))

	is.Equal(opener.closes("devA"), int32(1))
	is.Equal(opener.opens("devB"), int32(1))
	is.Equal(o.Devices(), []string{"devB"})

	device, ok := o.DeviceForCamera("cam1")
	is.True(ok)
	is.Equal(device, "devB")

	events.waitFor(t, func(e types.StatusEvent) bool { return e.Status == types.StatusNormal })
}

func TestFailedAcquisitionLeavesCameraUnbound(t *testing.T) {
	is := is.New(t)

	opener := newFakeOpener()
	opener.fail = framesource.ErrPermissionDenied

	o := newOrchestrator(t, testConfig(), opener, detectorReturning(nil))

	err := o.RegisterCamera(context.Background(), "cam1", "devA", nil)

	var acqErr *AcquisitionError
	is.True(errors.As(err, &acqErr))
	is.Equal(acqErr.DeviceID, "devA")
	is.True(errors.Is(err, framesource.ErrPermissionDenied))

	_, ok := o.Status("cam1")
	is.True(!ok)
	is.Equal(len(o.Devices()), 0)

	opener.fail = nil
	is.NoErr(o.RegisterCamera(context.Background(), "cam1", "devA", nil))
	is.Equal(opener.opens("devA"), int32(2))
}

func TestSlowDetectionSkipsTicksInsteadOfOverlapping(t *testing.T) {
	is := is.New(t)

	var inFlight, maxInFlight int32
	detector := &fakeDetector{detect: func(ctx context.Context, _ image.Image) (types.Observation, error) {
		n := atomic.AddInt32(&inFlight, 1)
		defer atomic.AddInt32(&inFlight, -1)

		for {
			m := atomic.LoadInt32(&maxInFlight)
			if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
				break
			}
		}

		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
		}
		return types.Observation{}, nil
	}}

	o, _ := setup(t, testConfig(), detector)
	is.NoErr(o.RegisterCamera(context.Background(), "cam1", "devA", nil))

	waitUntil(t, func() bool { return detector.count() >= 3 })

	is.Equal(atomic.LoadInt32(&maxInFlight), int32(1))
	is.True(o.Stats().SkippedTicks > 0)
}

func TestRepeatedFailuresBackOff(t *testing.T) {
	is := is.New(t)

	cfg := testConfig()
	cfg.MaxBackoff = 400 * time.Millisecond

	detector := &fakeDetector{detect: func(ctx context.Context, _ image.Image) (types.Observation, error) {
		return types.Observation{}, errors.New("bad gateway")
	}}

	o, _ := setup(t, cfg, detector)
	is.NoErr(o.RegisterCamera(context.Background(), "cam1", "devA", nil))

	time.Sleep(600 * time.Millisecond)

	// without backoff the loop would have submitted about 30 frames by now
	is.True(detector.count() < 12)
	is.True(detector.count() >= 3)
}

func TestCaptureNotReadySkipsSilently(t *testing.T) {
	is := is.New(t)

	opener := newFakeOpener()
	opener.capture = func() (image.Image, error) { return nil, framesource.ErrNotReady }

	detector := detectorReturning(nil)
	o := newOrchestrator(t, testConfig(), opener, detector)
	events := newRecorder()

	is.NoErr(o.RegisterCamera(context.Background(), "cam1", "devA", events.record))

	waitUntil(t, func() bool { return o.Stats().CaptureNotReady >= 3 })

	is.Equal(detector.count(), 0)
	is.Equal(events.count(), 0)
	is.Equal(o.Stats().SubmissionFailures, uint64(0))
}

func TestUnregisterUnknownCameraIsANoop(t *testing.T) {
	is := is.New(t)

	o, _ := setup(t, testConfig(), detectorReturning(nil))
	sub := o.Subscribe(1)

	o.UnregisterCamera("nosuchcamera")

	select {
	case e := <-sub.C:
		t.Fatalf("unexpected event %v", e)
	case <-time.After(50 * time.Millisecond):
	}

	_, err := o.Camera("nosuchcamera")
	var bindErr *BindingError
	is.True(errors.As(err, &bindErr))
}

func TestProcessedFrameIsAvailableForBoundCameras(t *testing.T) {
	is := is.New(t)

	detector := &fakeDetector{detect: func(ctx context.Context, _ image.Image) (types.Observation, error) {
		return types.Observation{ProcessedImage: []byte("jpeg")}, nil
	}}

	o, _ := setup(t, testConfig(), detector)

	_, ok := o.ProcessedFrame("cam1")
	is.True(!ok)

	is.NoErr(o.RegisterCamera(context.Background(), "cam1", "devA", nil))
	waitUntil(t, func() bool { _, ok := o.ProcessedFrame("cam1"); return ok })

	frame, _ := o.ProcessedFrame("cam1")
	is.Equal(string(frame), "jpeg")

	o.UnregisterCamera("cam1")
	_, ok = o.ProcessedFrame("cam1")
	is.True(!ok)
}

func TestSubscribersReceiveEveryCamera(t *testing.T) {
	is := is.New(t)

	o, _ := setup(t, testConfig(), detectorReturning(nil))
	sub := o.Subscribe(16)
	defer sub.Unsubscribe()

	is.NoErr(o.RegisterCamera(context.Background(), "cam1", "devA", nil))
	is.NoErr(o.RegisterCamera(context.Background(), "cam2", "devB", nil))

	seen := map[string]bool{}
	deadline := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case e := <-sub.C:
			seen[e.CameraID] = true
		case <-deadline:
			t.Fatalf("saw only %v", seen)
		}
	}
}

func TestShutdownReleasesEverything(t *testing.T) {
	is := is.New(t)

	opener := newFakeOpener()
	o := New(testConfig(), streams.New(opener, zerolog.Nop()), detectorReturning(nil), zerolog.Nop())
	sub := o.Subscribe(1)

	is.NoErr(o.RegisterCamera(context.Background(), "cam1", "devA", nil))
	is.NoErr(o.RegisterCamera(context.Background(), "cam2", "devB", nil))

	o.Shutdown()
	o.Shutdown()

	is.Equal(opener.closes("devA"), int32(1))
	is.Equal(opener.closes("devB"), int32(1))
	is.Equal(len(o.Cameras()), 0)

	for range sub.C {
	}

	err := o.RegisterCamera(context.Background(), "cam1", "devA", nil)
	is.True(errors.Is(err, ErrShutdown))
}

func TestThresholdReduction(t *testing.T) {
	is := is.New(t)

	th := DefaultConfig().Thresholds

	is.Equal(th.Reduce(nil), types.StatusNormal)
	is.Equal(th.Reduce(threats(0.1)), types.StatusLow)
	is.Equal(th.Reduce(threats(0.5)), types.StatusLow)
	is.Equal(th.Reduce(threats(0.51)), types.StatusMedium)
	is.Equal(th.Reduce(threats(0.8)), types.StatusMedium)
	is.Equal(th.Reduce(threats(0.2, 0.81)), types.StatusHigh)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Cadence = 20 * time.Millisecond
	cfg.Hold = 150 * time.Millisecond
	cfg.SubmitTimeout = time.Second
	cfg.MaxBackoff = 200 * time.Millisecond
	return cfg
}

func setup(t *testing.T, cfg Config, detector *fakeDetector) (*Orchestrator, *fakeOpener) {
	opener := newFakeOpener()
	return newOrchestrator(t, cfg, opener, detector), opener
}

func newOrchestrator(t *testing.T, cfg Config, opener *fakeOpener, detector *fakeDetector) *Orchestrator {
	o := New(cfg, streams.New(opener, zerolog.Nop()), detector, zerolog.Nop())
	t.Cleanup(o.Shutdown)
	return o
}

func threats(confidences ...float64) []types.Threat {
	th := []types.Threat{}
	for _, c := range confidences {
		th = append(th, types.Threat{Type: "weapon", Confidence: c})
	}
	return th
}

func observation(confidences ...float64) types.Observation {
	return types.Observation{Threats: threats(confidences...), Timestamp: time.Now()}
}

func detectorReturning(confidences []float64) *fakeDetector {
	return &fakeDetector{detect: func(ctx context.Context, _ image.Image) (types.Observation, error) {
		return observation(confidences...), nil
	}}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type fakeDetector struct {
	calls  int32
	detect func(ctx context.Context, frame image.Image) (types.Observation, error)
}

func (d *fakeDetector) Detect(ctx context.Context, frame image.Image) (types.Observation, error) {
	atomic.AddInt32(&d.calls, 1)
	return d.detect(ctx, frame)
}

func (d *fakeDetector) count() int {
	return int(atomic.LoadInt32(&d.calls))
}

type recorder struct {
	ch chan types.StatusEvent
	n  int32
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan types.StatusEvent, 1024)}
}

func (r *recorder) record(e types.StatusEvent) {
	atomic.AddInt32(&r.n, 1)
	r.ch <- e
}

func (r *recorder) count() int {
	return int(atomic.LoadInt32(&r.n))
}

func (r *recorder) next(t *testing.T) types.StatusEvent {
	t.Helper()

	select {
	case e := <-r.ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("no status event received")
	}
	return types.StatusEvent{}
}

// last drains the recorder and returns the most recent event.
func (r *recorder) last(t *testing.T) types.StatusEvent {
	t.Helper()

	e := r.next(t)
	for {
		select {
		case more := <-r.ch:
			e = more
		case <-time.After(50 * time.Millisecond):
			return e
		}
	}
}

func (r *recorder) waitFor(t *testing.T, match func(types.StatusEvent) bool) types.StatusEvent {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-r.ch:
			if match(e) {
				return e
			}
		case <-deadline:
			t.Fatal("expected status event never arrived")
		}
	}
}

type fakeOpener struct {
	gate    chan struct{}
	fail    error
	capture func() (image.Image, error)

	mu     sync.Mutex
	opened map[string]int32
	closed map[string]int32
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{
		opened: map[string]int32{},
		closed: map[string]int32{},
	}
}

func (f *fakeOpener) opens(id string) int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened[id]
}

func (f *fakeOpener) closes(id string) int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed[id]
}

func (f *fakeOpener) Open(ctx context.Context, deviceID string) (framesource.FrameSource, error) {
	f.mu.Lock()
	f.opened[deviceID]++
	gate, fail := f.gate, f.fail
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if fail != nil {
		return nil, fail
	}

	return &fakeSource{deviceID: deviceID, opener: f}, nil
}

type fakeSource struct {
	deviceID string
	opener   *fakeOpener
}

func (s *fakeSource) Capture(ctx context.Context) (image.Image, error) {
	if s.opener.capture != nil {
		return s.opener.capture()
	}
	return image.NewGray(image.Rect(0, 0, 4, 4)), nil
}

func (s *fakeSource) Close() error {
	s.opener.mu.Lock()
	defer s.opener.mu.Unlock()
	s.opener.closed[s.deviceID]++
	return nil
}
