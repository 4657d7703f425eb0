package cameras

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/diwise/camera-threat-monitor/internal/pkg/application/processing"
	"github.com/diwise/camera-threat-monitor/internal/pkg/application/webevents"
	"github.com/diwise/camera-threat-monitor/internal/pkg/infrastructure/detection"
	"github.com/diwise/camera-threat-monitor/internal/pkg/infrastructure/framesource"
	"github.com/diwise/camera-threat-monitor/internal/pkg/infrastructure/logging"
	"github.com/diwise/camera-threat-monitor/internal/pkg/infrastructure/repositories/database/assignments"
	"github.com/diwise/camera-threat-monitor/pkg/types"
	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

var ErrCameraNotFound = fmt.Errorf("camera not found")
var ErrNoFrame = fmt.Errorf("no processed frame available")

//go:generate moq -rm -out cameraservice_mock.go . CameraService
type CameraService interface {
	Assign(ctx context.Context, cameraID string, deviceID *string) (types.CameraState, error)
	Restore(ctx context.Context) (int, error)

	Camera(ctx context.Context, cameraID string) (types.CameraState, error)
	Cameras(ctx context.Context) []types.CameraState
	Frame(ctx context.Context, cameraID string) ([]byte, error)
	Devices(ctx context.Context) ([]types.Device, error)
	DetectionHealth(ctx context.Context) (detection.Health, error)
}

//go:generate moq -rm -out orchestrator_mock.go . Orchestrator
type Orchestrator interface {
	RegisterCamera(ctx context.Context, cameraID, deviceID string, onStatusUpdate func(types.StatusEvent)) error
	UnregisterCamera(cameraID string)
	Camera(cameraID string) (types.CameraState, error)
	Cameras() []types.CameraState
	ProcessedFrame(cameraID string) ([]byte, bool)
	DeviceForCamera(cameraID string) (string, bool)
	Devices() []string
}

const recordTimeout = 5 * time.Second

type HealthChecker interface {
	Health(ctx context.Context) (detection.Health, error)
}

// Publisher is the part of messaging.MsgContext the service needs.
type Publisher interface {
	PublishOnTopic(ctx context.Context, message messaging.TopicMessage) error
}

type service struct {
	orchestrator Orchestrator
	repository   assignments.AssignmentRepository
	discovery    framesource.Discovery
	health       HealthChecker
	messenger    Publisher
	webEvents    webevents.WebEvents
	log          zerolog.Logger
}

func New(o Orchestrator, r assignments.AssignmentRepository, d framesource.Discovery, h HealthChecker, m Publisher, we webevents.WebEvents, log zerolog.Logger) CameraService {
	return &service{
		orchestrator: o,
		repository:   r,
		discovery:    d,
		health:       h,
		messenger:    m,
		webEvents:    we,
		log:          log,
	}
}

// Assign binds the camera to deviceID, or unbinds it when deviceID is nil or
// empty. The outcome is persisted so that it survives a restart. A camera
// whose device could not be acquired is stored as unassigned.
func (s *service) Assign(ctx context.Context, cameraID string, deviceID *string) (types.CameraState, error) {
	if cameraID == "" {
		return types.CameraState{}, processing.ErrEmptyIdentifier
	}

	logger := logging.GetLoggerFromContext(ctx).With().Str("camera", cameraID).Logger()

	if deviceID == nil || *deviceID == "" {
		s.orchestrator.UnregisterCamera(cameraID)

		s.persist(ctx, logger, types.Assignment{CameraID: cameraID})
		s.announce(ctx, logger, cameraID, nil)

		return types.CameraState{
			CameraID:  cameraID,
			Status:    types.StatusNormal,
			UpdatedAt: time.Now().UTC(),
		}, nil
	}

	err := s.orchestrator.RegisterCamera(ctx, cameraID, *deviceID, s.statusUpdated)
	if err != nil {
		var acqErr *processing.AcquisitionError
		if errors.As(err, &acqErr) {
			logger.Error().Err(err).Msg("camera could not be bound")
			s.persist(ctx, logger, types.Assignment{CameraID: cameraID})
		} else if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			s.recordBinding(logger, cameraID)
		}
		return types.CameraState{}, err
	}

	s.persist(ctx, logger, types.Assignment{CameraID: cameraID, DeviceID: deviceID})
	s.announce(ctx, logger, cameraID, deviceID)

	state, err := s.orchestrator.Camera(cameraID)
	if err != nil {
		// unbound again by a concurrent request
		return types.CameraState{}, fmt.Errorf("%w: %s", ErrCameraNotFound, cameraID)
	}

	return state, nil
}

// Restore re-registers every persisted camera that has a device. Cameras
// that fail to bind are logged and keep their stored assignment.
func (s *service) Restore(ctx context.Context) (int, error) {
	stored, err := s.repository.GetAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load assignments: %w", err)
	}

	restored := 0

	for _, a := range stored {
		if !a.Assigned() {
			continue
		}

		logger := s.log.With().Str("camera", a.CameraID).Str("device", *a.DeviceID).Logger()

		err := s.orchestrator.RegisterCamera(ctx, a.CameraID, *a.DeviceID, s.statusUpdated)
		if err != nil {
			if ctx.Err() != nil {
				return restored, ctx.Err()
			}
			logger.Error().Err(err).Msg("failed to restore camera assignment")
			continue
		}

		restored++
	}

	s.log.Info().Int("restored", restored).Int("stored", len(stored)).Msg("camera assignments restored")

	return restored, nil
}

func (s *service) Camera(ctx context.Context, cameraID string) (types.CameraState, error) {
	state, err := s.orchestrator.Camera(cameraID)
	if err != nil {
		return types.CameraState{}, fmt.Errorf("%w: %s", ErrCameraNotFound, cameraID)
	}
	return state, nil
}

func (s *service) Cameras(ctx context.Context) []types.CameraState {
	return s.orchestrator.Cameras()
}

func (s *service) Frame(ctx context.Context, cameraID string) ([]byte, error) {
	if _, err := s.orchestrator.Camera(cameraID); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCameraNotFound, cameraID)
	}

	frame, ok := s.orchestrator.ProcessedFrame(cameraID)
	if !ok {
		return nil, ErrNoFrame
	}

	return frame, nil
}

// Devices lists the discovered capture devices together with any device
// that is currently held but was not discovered.
func (s *service) Devices(ctx context.Context) ([]types.Device, error) {
	inUse := lo.SliceToMap(s.orchestrator.Devices(), func(id string) (string, bool) {
		return id, true
	})

	devices := map[string]types.Device{}

	if s.discovery != nil {
		found, err := s.discovery.Discover(ctx)
		if err != nil {
			return nil, fmt.Errorf("device discovery failed: %w", err)
		}

		for _, d := range found {
			devices[d.DeviceID] = types.Device{
				DeviceID: d.DeviceID,
				Name:     d.Name,
				InUse:    inUse[d.DeviceID],
			}
		}
	}

	for id := range inUse {
		if _, ok := devices[id]; !ok {
			devices[id] = types.Device{DeviceID: id, InUse: true}
		}
	}

	result := lo.Values(devices)
	sort.Slice(result, func(i, j int) bool {
		return result[i].DeviceID < result[j].DeviceID
	})

	return result, nil
}

func (s *service) DetectionHealth(ctx context.Context) (detection.Health, error) {
	return s.health.Health(ctx)
}

func (s *service) statusUpdated(e types.StatusEvent) {
	s.log.Debug().Str("camera", e.CameraID).Str("status", e.Status.String()).Msg("status updated")
}

// recordBinding stores and announces whatever binding the orchestrator holds
// for a camera whose request ended before acquisition finished. The request
// context is already done, so a fresh one is used.
func (s *service) recordBinding(logger zerolog.Logger, cameraID string) {
	ctx, cancel := context.WithTimeout(logging.NewContextWithLogger(context.Background(), logger), recordTimeout)
	defer cancel()

	var deviceID *string
	if d, ok := s.orchestrator.DeviceForCamera(cameraID); ok {
		deviceID = &d
	}

	logger.Warn().Bool("bound", deviceID != nil).Msg("request ended before the device was acquired, recording current binding")

	s.persist(ctx, logger, types.Assignment{CameraID: cameraID, DeviceID: deviceID})
	s.announce(ctx, logger, cameraID, deviceID)
}

func (s *service) persist(ctx context.Context, logger zerolog.Logger, a types.Assignment) {
	if s.repository == nil {
		return
	}

	err := s.repository.Save(ctx, a)
	if err != nil {
		logger.Error().Err(err).Msg("failed to persist assignment")
	}
}

func (s *service) announce(ctx context.Context, logger zerolog.Logger, cameraID string, deviceID *string) {
	msg := &types.CameraAssigned{
		CameraID:  cameraID,
		DeviceID:  deviceID,
		Timestamp: time.Now().UTC(),
	}

	if s.webEvents != nil {
		if err := s.webEvents.Publish(types.AssignedEventName, msg); err != nil {
			logger.Error().Err(err).Msg("failed to publish web event")
		}
	}

	if s.messenger != nil {
		if err := s.messenger.PublishOnTopic(ctx, msg); err != nil {
			logger.Error().Err(err).Msg("failed to publish assignment on topic")
		}
	}
}
