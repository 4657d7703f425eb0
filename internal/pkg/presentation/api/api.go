package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/diwise/camera-threat-monitor/internal/pkg/application/cameras"
	"github.com/diwise/camera-threat-monitor/internal/pkg/application/processing"
	"github.com/diwise/camera-threat-monitor/internal/pkg/infrastructure/logging"
	"github.com/diwise/camera-threat-monitor/internal/pkg/infrastructure/tracing"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("camera-threat-monitor/api")

// Observers holds the streaming and scrape endpoints. Nil handlers are not
// routed.
type Observers struct {
	Events    http.Handler
	WebSocket http.Handler
	Metrics   http.Handler
}

func RegisterHandlers(log zerolog.Logger, router *chi.Mux, svc cameras.CameraService, observers Observers) *chi.Mux {

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	if observers.Metrics != nil {
		router.Method(http.MethodGet, "/metrics", observers.Metrics)
	}

	router.Route("/api/v0", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Recoverer)

			r.Route("/cameras", func(r chi.Router) {
				r.Get("/", queryCamerasHandler(log, svc))
				r.Get("/{cameraID}", getCameraHandler(log, svc))
				r.Get("/{cameraID}/frame", getFrameHandler(log, svc))
				r.Put("/{cameraID}/assignment", putAssignmentHandler(log, svc))
				r.Delete("/{cameraID}/assignment", deleteAssignmentHandler(log, svc))
			})

			r.Get("/devices", queryDevicesHandler(log, svc))
			r.Get("/health/detection", detectionHealthHandler(log, svc))
		})

		if observers.Events != nil {
			r.Method(http.MethodGet, "/events", observers.Events)
		}
		if observers.WebSocket != nil {
			r.Method(http.MethodGet, "/ws", observers.WebSocket)
		}
	})

	return router
}

func queryCamerasHandler(log zerolog.Logger, svc cameras.CameraService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "query-all-cameras")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		ctx, _ = logging.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		states := svc.Cameras(ctx)

		writeJSON(w, http.StatusOK, newCollectionResponse(states).Byte())
	}
}

func getCameraHandler(log zerolog.Logger, svc cameras.CameraService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "get-camera")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		ctx, requestLogger := logging.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		cameraID := chi.URLParam(r, "cameraID")
		requestLogger = requestLogger.With().Str("camera", cameraID).Logger()

		state, err := svc.Camera(ctx, cameraID)
		if errors.Is(err, cameras.ErrCameraNotFound) {
			requestLogger.Debug().Msg("camera not found")
			writeProblem(w, http.StatusNotFound, err)
			return
		}
		if err != nil {
			requestLogger.Error().Err(err).Msg("could not fetch camera")
			writeProblem(w, http.StatusInternalServerError, err)
			return
		}

		writeJSON(w, http.StatusOK, ApiResponse{Data: state}.Byte())
	}
}

func getFrameHandler(log zerolog.Logger, svc cameras.CameraService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "get-camera-frame")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		ctx, requestLogger := logging.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		cameraID := chi.URLParam(r, "cameraID")

		frame, err := svc.Frame(ctx, cameraID)
		if errors.Is(err, cameras.ErrCameraNotFound) || errors.Is(err, cameras.ErrNoFrame) {
			requestLogger.Debug().Str("camera", cameraID).Err(err).Msg("no frame to return")
			writeProblem(w, http.StatusNotFound, err)
			return
		}
		if err != nil {
			requestLogger.Error().Err(err).Msg("could not fetch frame")
			writeProblem(w, http.StatusInternalServerError, err)
			return
		}

		w.Header().Add("Content-Type", "image/jpeg")
		w.Header().Add("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		w.Write(frame)
	}
}

func putAssignmentHandler(log zerolog.Logger, svc cameras.CameraService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "assign-camera")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		ctx, requestLogger := logging.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		cameraID := chi.URLParam(r, "cameraID")
		requestLogger = requestLogger.With().Str("camera", cameraID).Logger()

		body, err := io.ReadAll(r.Body)
		if err != nil {
			requestLogger.Error().Err(err).Msg("unable to read body")
			writeProblem(w, http.StatusBadRequest, err)
			return
		}

		req := assignmentRequest{}
		if len(body) > 0 {
			err = json.Unmarshal(body, &req)
			if err != nil {
				requestLogger.Error().Err(err).Msg("unable to unmarshal body")
				writeProblem(w, http.StatusBadRequest, err)
				return
			}
		}

		state, err := svc.Assign(ctx, cameraID, req.DeviceID)
		if err != nil {
			status := assignmentErrorStatus(err)
			requestLogger.Error().Err(err).Int("status", status).Msg("assignment failed")
			writeProblem(w, status, err)
			return
		}

		requestLogger.Info().Str("device", state.DeviceID).Msg("camera assignment updated")

		writeJSON(w, http.StatusOK, ApiResponse{Data: state}.Byte())
	}
}

func deleteAssignmentHandler(log zerolog.Logger, svc cameras.CameraService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "unassign-camera")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		ctx, requestLogger := logging.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		cameraID := chi.URLParam(r, "cameraID")

		_, err = svc.Assign(ctx, cameraID, nil)
		if err != nil {
			requestLogger.Error().Err(err).Str("camera", cameraID).Msg("unassign failed")
			writeProblem(w, assignmentErrorStatus(err), err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func assignmentErrorStatus(err error) int {
	var acqErr *processing.AcquisitionError

	switch {
	case errors.Is(err, processing.ErrEmptyIdentifier):
		return http.StatusBadRequest
	case errors.As(err, &acqErr):
		return http.StatusServiceUnavailable
	case errors.Is(err, processing.ErrSuperseded):
		return http.StatusConflict
	case errors.Is(err, processing.ErrShutdown):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, cameras.ErrCameraNotFound):
		return http.StatusConflict
	}

	return http.StatusInternalServerError
}

func queryDevicesHandler(log zerolog.Logger, svc cameras.CameraService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "query-all-devices")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		ctx, requestLogger := logging.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		devices, err := svc.Devices(ctx)
		if err != nil {
			requestLogger.Error().Err(err).Msg("unable to list devices")
			writeProblem(w, http.StatusInternalServerError, err)
			return
		}

		writeJSON(w, http.StatusOK, newCollectionResponse(devices).Byte())
	}
}

func detectionHealthHandler(log zerolog.Logger, svc cameras.CameraService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "detection-health")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		ctx, requestLogger := logging.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		health, err := svc.DetectionHealth(ctx)
		if err != nil {
			requestLogger.Warn().Err(err).Msg("detection service health check failed")
			writeProblem(w, http.StatusBadGateway, err)
			return
		}

		b, err := json.Marshal(health)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, err)
			return
		}

		status := http.StatusOK
		if !health.ModelLoaded {
			status = http.StatusServiceUnavailable
		}

		writeJSON(w, status, b)
	}
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func writeProblem(w http.ResponseWriter, status int, err error) {
	b, _ := json.Marshal(problem{
		Title:  http.StatusText(status),
		Status: status,
		Detail: err.Error(),
	})

	w.Header().Add("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	w.Write(b)
}
