package watchdog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/diwise/camera-threat-monitor/internal/pkg/infrastructure/detection"
	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/matryer/is"
	"github.com/rs/zerolog"
)

func TestWatchdogPublishesOnlyTransitions(t *testing.T) {
	is, ctx := testSetup(t)

	checker := &scriptedChecker{results: []error{nil, nil, errors.New("connection refused"), errors.New("connection refused"), nil}}
	pub := &fakePublisher{}

	w := New(checker, pub, 10*time.Millisecond, zerolog.Nop())
	w.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for checker.calls() < 6 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	w.Stop()

	msgs := pub.published()
	is.True(len(msgs) >= 3)
	is.True(msgs[0].Available)
	is.True(!msgs[1].Available)
	is.Equal(msgs[1].Reason, "connection refused")
	is.True(msgs[2].Available)
}

func TestLatestReflectsLastCheck(t *testing.T) {
	is, ctx := testSetup(t)

	w := New(&scriptedChecker{}, nil, time.Hour, zerolog.Nop())
	is.True(!w.Latest().Checked)

	w.Start(ctx)
	deadline := time.Now().Add(2 * time.Second)
	for !w.Latest().Checked && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	w.Stop()

	r := w.Latest()
	is.True(r.Checked)
	is.True(r.Available)
	is.Equal(r.Health.Status, "healthy")
}

func TestModelNotLoadedIsUnavailable(t *testing.T) {
	is, ctx := testSetup(t)

	checker := &scriptedChecker{notLoaded: true}
	pub := &fakePublisher{}

	w := New(checker, pub, time.Hour, zerolog.Nop())
	w.Start(ctx)
	deadline := time.Now().Add(2 * time.Second)
	for !w.Latest().Checked && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	w.Stop()

	is.True(!w.Latest().Available)
	is.Equal(pub.published()[0].Reason, "model not loaded")
}

func testSetup(t *testing.T) (*is.I, context.Context) {
	return is.New(t), context.Background()
}

type scriptedChecker struct {
	mu        sync.Mutex
	results   []error
	n         int
	notLoaded bool
}

func (c *scriptedChecker) Health(ctx context.Context) (detection.Health, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	if c.n < len(c.results) {
		err = c.results[c.n]
	}
	c.n++

	if err != nil {
		return detection.Health{}, err
	}
	return detection.Health{Status: "healthy", ModelLoaded: !c.notLoaded, Device: "cpu"}, nil
}

func (c *scriptedChecker) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []DetectionAvailabilityChanged
}

func (p *fakePublisher) PublishOnTopic(ctx context.Context, message messaging.TopicMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, *message.(*DetectionAvailabilityChanged))
	return nil
}

func (p *fakePublisher) published() []DetectionAvailabilityChanged {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]DetectionAvailabilityChanged{}, p.msgs...)
}
