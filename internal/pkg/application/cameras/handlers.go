package cameras

import (
	"context"
	"encoding/json"

	"github.com/diwise/camera-threat-monitor/internal/pkg/infrastructure/logging"
	"github.com/diwise/camera-threat-monitor/internal/pkg/infrastructure/tracing"
	"github.com/diwise/camera-threat-monitor/pkg/types"
	"github.com/diwise/messaging-golang/pkg/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("camera-threat-monitor/cameras")

func NewAssignmentRequestedHandler(svc CameraService) messaging.TopicMessageHandler {
	return func(ctx context.Context, msg amqp.Delivery, l zerolog.Logger) {
		var err error

		ctx, span := tracer.Start(ctx, "assignment-requested")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		ctx, logger := logging.AddTraceIDToLoggerAndStoreInContext(span, l, ctx)

		req := types.AssignmentRequested{}

		err = json.Unmarshal(msg.Body, &req)
		if err != nil {
			logger.Error().Err(err).Msgf("failed to unmarshal message from %s", msg.RoutingKey)
			return
		}

		logger = logger.With().Str("camera", req.CameraID).Logger()

		_, err = svc.Assign(ctx, req.CameraID, req.DeviceID)
		if err != nil {
			logger.Error().Err(err).Msg("assignment request failed")
			return
		}

		logger.Debug().Msgf("%s handled", msg.RoutingKey)
	}
}
