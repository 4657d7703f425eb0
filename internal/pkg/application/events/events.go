package events

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/diwise/camera-threat-monitor/internal/pkg/infrastructure/logging"
	"github.com/diwise/camera-threat-monitor/pkg/types"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sys/unix"
	yaml "gopkg.in/yaml.v2"
)

const StatusChangedEventType string = "camera.statusChanged"
const eventSource string = "github.com/diwise/camera-threat-monitor"

//go:generate moq -rm -out eventsender_mock.go . EventSender
type EventSender interface {
	Send(ctx context.Context, event types.StatusEvent) error
}

type subscriber struct {
	endpoint string
	patterns []*regexp.Regexp
}

type eventSender struct {
	client      cloudevents.Client
	subscribers []subscriber
}

func New(cfg *Config) (EventSender, error) {
	e := &eventSender{}

	if cfg != nil {
		for _, n := range cfg.Notifications {
			if n.Type != StatusChangedEventType {
				continue
			}

			for _, s := range n.Subscribers {
				sub, err := newSubscriber(s)
				if err != nil {
					return nil, fmt.Errorf("notification %s: %w", n.ID, err)
				}
				e.subscribers = append(e.subscribers, sub)
			}
		}
	}

	c, err := cloudevents.NewClientHTTP(
		cloudevents.WithRoundTripper(otelhttp.NewTransport(http.DefaultTransport)),
	)
	if err != nil {
		return nil, err
	}
	e.client = c

	return e, nil
}

func newSubscriber(cfg SubscriberConfig) (subscriber, error) {
	s := subscriber{endpoint: cfg.Endpoint}

	for _, info := range cfg.Information {
		for _, entity := range info.Entities {
			re, err := regexp.Compile(entity.IDPattern)
			if err != nil {
				return s, fmt.Errorf("bad idPattern %q: %w", entity.IDPattern, err)
			}
			s.patterns = append(s.patterns, re)
		}
	}

	return s, nil
}

// wants reports whether the subscriber asked for events about cameraID. A
// subscriber without patterns gets everything.
func (s subscriber) wants(cameraID string) bool {
	if len(s.patterns) == 0 {
		return true
	}
	for _, re := range s.patterns {
		if re.MatchString(cameraID) {
			return true
		}
	}
	return false
}

func (e *eventSender) Send(ctx context.Context, message types.StatusEvent) error {
	if len(e.subscribers) == 0 {
		return nil
	}

	var err error

	event := cloudevents.NewEvent()
	event.SetID(uuid.NewString())
	event.SetTime(message.Timestamp)
	event.SetSource(eventSource)
	event.SetType(StatusChangedEventType)
	event.SetSubject(message.CameraID)

	eventData := types.CameraStatusChanged{
		CameraID:  message.CameraID,
		Status:    message.Status.String(),
		Timestamp: message.Timestamp,
	}

	err = event.SetData(cloudevents.ApplicationJSON, eventData)
	if err != nil {
		return err
	}

	logger := logging.GetLoggerFromContext(ctx)

	for _, s := range e.subscribers {
		if !s.wants(message.CameraID) {
			continue
		}

		ctxWithTarget := cloudevents.ContextWithTarget(ctx, s.endpoint)

		result := e.client.Send(ctxWithTarget, event)
		if cloudevents.IsUndelivered(result) || errors.Is(result, unix.ECONNREFUSED) {
			logger.Error().Err(result).Msgf("failed to send event to %s", s.endpoint)
			err = fmt.Errorf("%w", result)
		}
	}

	return err
}

type EntityInfo struct {
	IDPattern string `yaml:"idPattern"`
}

type RegistrationInfo struct {
	Entities []EntityInfo `yaml:"entities"`
}

type SubscriberConfig struct {
	Endpoint    string             `yaml:"endpoint"`
	Information []RegistrationInfo `yaml:"information"`
}

type Notification struct {
	ID          string             `yaml:"id"`
	Name        string             `yaml:"name"`
	Type        string             `yaml:"type"`
	Subscribers []SubscriberConfig `yaml:"subscribers"`
}

type Config struct {
	Notifications []Notification `yaml:"notifications"`
}

func LoadConfiguration(data io.Reader) (*Config, error) {
	buf, err := io.ReadAll(data)
	if err != nil {
		return nil, err
	}

	cfg := Config{}
	if err := yaml.Unmarshal(buf, &cfg); err == nil {
		return &cfg, nil
	} else {
		return nil, err
	}
}
