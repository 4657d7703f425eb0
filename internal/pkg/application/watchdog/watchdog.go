package watchdog

import (
	"context"
	"sync"
	"time"

	"github.com/diwise/camera-threat-monitor/internal/pkg/infrastructure/detection"
	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/rs/zerolog"
)

const DefaultInterval = 30 * time.Second

type HealthChecker interface {
	Health(ctx context.Context) (detection.Health, error)
}

type Publisher interface {
	PublishOnTopic(ctx context.Context, message messaging.TopicMessage) error
}

//go:generate moq -rm -out watchdog_mock.go . Watchdog
type Watchdog interface {
	Start(ctx context.Context)
	Stop()
	Latest() Report
}

type Report struct {
	Checked   bool
	Available bool
	Health    detection.Health
	Err       error
	CheckedAt time.Time
}

type watchdogImpl struct {
	checker   HealthChecker
	publisher Publisher
	interval  time.Duration
	log       zerolog.Logger

	mu     sync.RWMutex
	latest Report

	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a watchdog that polls the detection service. publisher may be
// nil, in which case availability changes are only logged.
func New(checker HealthChecker, publisher Publisher, interval time.Duration, log zerolog.Logger) Watchdog {
	if interval <= 0 {
		interval = DefaultInterval
	}

	return &watchdogImpl{
		checker:   checker,
		publisher: publisher,
		interval:  interval,
		log:       log,
	}
}

func (w *watchdogImpl) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})

	go w.run(ctx)
}

func (w *watchdogImpl) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
}

func (w *watchdogImpl) Latest() Report {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.latest
}

func (w *watchdogImpl) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.check(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *watchdogImpl) check(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, w.interval)
	defer cancel()

	health, err := w.checker.Health(checkCtx)
	if ctx.Err() != nil {
		return
	}

	r := Report{
		Checked:   true,
		Available: err == nil && health.ModelLoaded,
		Health:    health,
		Err:       err,
		CheckedAt: time.Now().UTC(),
	}

	w.mu.Lock()
	previous := w.latest
	w.latest = r
	w.mu.Unlock()

	if previous.Checked && previous.Available == r.Available {
		return
	}

	msg := &DetectionAvailabilityChanged{
		Available:  r.Available,
		Status:     health.Status,
		ObservedAt: r.CheckedAt,
	}

	if r.Available {
		w.log.Info().Str("device", health.Device).Msg("detection service available")
	} else {
		if err != nil {
			msg.Reason = err.Error()
		} else {
			msg.Reason = "model not loaded"
		}
		w.log.Warn().Err(err).Str("reason", msg.Reason).Msg("detection service unavailable")
	}

	if w.publisher == nil {
		return
	}

	if err := w.publisher.PublishOnTopic(ctx, msg); err != nil {
		w.log.Error().Err(err).Msg("failed to publish detection availability")
	}
}
