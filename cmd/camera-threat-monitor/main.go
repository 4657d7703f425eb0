package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/diwise/camera-threat-monitor/internal/pkg/application/cameras"
	"github.com/diwise/camera-threat-monitor/internal/pkg/application/events"
	"github.com/diwise/camera-threat-monitor/internal/pkg/application/notifications"
	"github.com/diwise/camera-threat-monitor/internal/pkg/application/processing"
	"github.com/diwise/camera-threat-monitor/internal/pkg/application/streams"
	"github.com/diwise/camera-threat-monitor/internal/pkg/application/watchdog"
	"github.com/diwise/camera-threat-monitor/internal/pkg/application/webevents"
	"github.com/diwise/camera-threat-monitor/internal/pkg/infrastructure/detection"
	"github.com/diwise/camera-threat-monitor/internal/pkg/infrastructure/framesource"
	"github.com/diwise/camera-threat-monitor/internal/pkg/infrastructure/logging"
	"github.com/diwise/camera-threat-monitor/internal/pkg/infrastructure/metrics"
	"github.com/diwise/camera-threat-monitor/internal/pkg/infrastructure/repositories/database"
	"github.com/diwise/camera-threat-monitor/internal/pkg/infrastructure/repositories/database/assignments"
	"github.com/diwise/camera-threat-monitor/internal/pkg/infrastructure/router"
	"github.com/diwise/camera-threat-monitor/internal/pkg/infrastructure/tracing"
	"github.com/diwise/camera-threat-monitor/internal/pkg/presentation/api"
	"github.com/diwise/camera-threat-monitor/internal/pkg/presentation/websocket"
	"github.com/diwise/camera-threat-monitor/pkg/types"
	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

const serviceName string = "camera-threat-monitor"

type flagType int
type flagMap map[flagType]string

const (
	listenAddress flagType = iota
	servicePort
	detectionURL
	captureSource
	replayDir
	sqlitePath
	processingConfigFile
	notificationsFile
	rabbitMQDisabled
	watchdogInterval
)

func defaultFlags() flagMap {
	return flagMap{
		listenAddress:    "0.0.0.0",
		servicePort:      "8080",
		detectionURL:     "http://localhost:8000",
		captureSource:    "v4l2",
		replayDir:        "/opt/camera-threat-monitor/replay",
		sqlitePath:       "",
		rabbitMQDisabled: "false",
		watchdogInterval: "30s",
	}
}

func main() {
	serviceVersion := version()

	ctx, logger := logging.NewLogger(context.Background(), serviceName, serviceVersion)
	logger.Info().Msg("starting up ...")

	flags := parseExternalConfig(defaultFlags())

	cleanup, err := tracing.Init(ctx, logger, serviceName, serviceVersion)
	exitIf(err, logger, "failed to init tracing")
	defer cleanup()

	cfg, err := loadProcessingConfig(flags[processingConfigFile])
	exitIf(err, logger, "could not load processing configuration")

	notificationCfg, err := loadNotificationConfig(flags[notificationsFile])
	exitIf(err, logger, "could not load notification configuration")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var messenger messaging.MsgContext
	if flags[rabbitMQDisabled] != "true" {
		messenger, err = messaging.Initialize(messaging.LoadConfiguration(serviceName, logger))
		exitIf(err, logger, "failed to init messenger")
	}

	a, err := newApp(ctx, logger, flags, cfg, notificationCfg, messenger)
	exitIf(err, logger, "failed to initialize application")

	err = a.run(ctx, net.JoinHostPort(flags[listenAddress], flags[servicePort]))
	exitIf(err, logger, "http server failed")

	logger.Info().Msg("shut down complete")
}

type app struct {
	log          zerolog.Logger
	orchestrator *processing.Orchestrator
	service      cameras.CameraService
	webEvents    webevents.WebEvents
	hub          *websocket.Hub
	watchdog     watchdog.Watchdog
	messenger    messaging.MsgContext
	relay        *notifications.Relay
	relayDone    chan struct{}
	router       *chi.Mux
}

func newApp(ctx context.Context, logger zerolog.Logger, flags flagMap, cfg processing.Config, notificationCfg *events.Config, messenger messaging.MsgContext) (*app, error) {
	opener, discovery := newCapture(flags, logger)

	connect, err := newConnector(ctx, flags)
	if err != nil {
		return nil, err
	}

	repository, err := assignments.NewAssignmentRepository(connect)
	if err != nil {
		return nil, fmt.Errorf("could not create or connect to database: %w", err)
	}

	detector := detection.New(flags[detectionURL])

	registry := streams.New(opener, logger.With().Str("component", "streams").Logger())
	orchestrator := processing.New(cfg, registry, detector, logger.With().Str("component", "processing").Logger())

	webEvents := webevents.New(logger)
	hub := websocket.NewHub(logger.With().Str("component", "websocket").Logger())

	sender, err := events.New(notificationCfg)
	if err != nil {
		return nil, fmt.Errorf("could not create event sender: %w", err)
	}

	interval, err := time.ParseDuration(flags[watchdogInterval])
	if err != nil {
		return nil, fmt.Errorf("bad watchdog interval %q: %w", flags[watchdogInterval], err)
	}

	sinks := []notifications.Sink{
		notifications.BroadcastSink("sse", webEvents),
		notifications.NewSink("websocket", func(ctx context.Context, e types.StatusEvent) error {
			return hub.Broadcast(types.StatusChangedEventName, e)
		}),
		notifications.NewSink("cloudevents", sender.Send),
	}

	if messenger != nil {
		sinks = append(sinks, notifications.TopicSink(messenger))
	}

	// a nil messenger leaves both without a publisher
	wd := watchdog.New(detector, messenger, interval, logger.With().Str("component", "watchdog").Logger())
	svc := cameras.New(orchestrator, repository, discovery, detector, messenger, webEvents, logger)

	if messenger != nil {
		routingKey := (&types.AssignmentRequested{}).TopicName()
		messenger.RegisterTopicMessageHandler(routingKey, cameras.NewAssignmentRequestedHandler(svc))
	}

	collector := metrics.NewCollector(orchestrator, wd, map[string]metrics.Clients{
		"sse":       webEvents,
		"websocket": hub,
	})

	r := router.New(serviceName, logger)
	api.RegisterHandlers(logger, r, svc, api.Observers{
		Events:    webEvents.Handler(),
		WebSocket: hub,
		Metrics:   metrics.Handler(collector, logger),
	})

	return &app{
		log:          logger,
		orchestrator: orchestrator,
		service:      svc,
		webEvents:    webEvents,
		hub:          hub,
		watchdog:     wd,
		messenger:    messenger,
		relay:        notifications.NewRelay(orchestrator.Subscribe(0).C, logger.With().Str("component", "relay").Logger(), sinks),
		relayDone:    make(chan struct{}),
		router:       r,
	}, nil
}

// start launches the background parts and restores persisted assignments.
func (a *app) start(ctx context.Context) {
	go a.hub.Run()

	go func() {
		defer close(a.relayDone)
		a.relay.Run(context.Background())
	}()

	a.watchdog.Start(ctx)

	go func() {
		if _, err := a.service.Restore(ctx); err != nil {
			a.log.Error().Err(err).Msg("failed to restore camera assignments")
		}
	}()
}

// stop tears everything down in dependency order. The relay drains the
// remaining events once the orchestrator has closed its subscriptions.
func (a *app) stop() {
	a.watchdog.Stop()
	a.orchestrator.Shutdown()
	<-a.relayDone

	a.webEvents.Shutdown()
	a.hub.Close()

	if a.messenger != nil {
		a.messenger.Close()
	}
}

func (a *app) run(ctx context.Context, addr string) error {
	a.start(ctx)

	server := &http.Server{
		Addr:              addr,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", addr).Msg("starting to listen for connections")
		serverErr <- server.ListenAndServe()
	}()

	var err error

	select {
	case <-ctx.Done():
		a.log.Info().Msg("shutting down")
	case err = <-serverErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		a.log.Error().Err(shutdownErr).Msg("failed to shut down http server")
	}

	a.stop()

	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func newCapture(flags flagMap, logger zerolog.Logger) (framesource.Opener, framesource.Discovery) {
	if flags[captureSource] == "replay" {
		logger.Info().Str("dir", flags[replayDir]).Msg("replaying recorded frames")
		return framesource.NewReplayOpener(flags[replayDir]), framesource.NewReplayDiscovery(flags[replayDir])
	}

	return framesource.NewV4L2Opener(framesource.DefaultV4L2Config(), logger.With().Str("component", "v4l2").Logger()), framesource.NewV4L2Discovery()
}

func newConnector(ctx context.Context, flags flagMap) (database.ConnectorFunc, error) {
	cfg := database.LoadConfigFromEnv(ctx)
	if cfg.Host != "" {
		return database.NewPostgreSQLConnector(ctx, cfg), nil
	}

	if flags[sqlitePath] != "" {
		return database.NewSQLiteFileConnector(ctx, flags[sqlitePath]), nil
	}

	return database.NewSQLiteConnector(ctx), nil
}

func loadProcessingConfig(path string) (processing.Config, error) {
	if path == "" {
		return processing.DefaultConfig(), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return processing.Config{}, err
	}
	defer f.Close()

	return processing.NewConfig(f)
}

func loadNotificationConfig(path string) (*events.Config, error) {
	if path == "" {
		return nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return events.LoadConfiguration(f)
}

func parseExternalConfig(flags flagMap) flagMap {
	envOrDef := func(name string, def string) string {
		if value, ok := os.LookupEnv(name); ok && value != "" {
			return value
		}
		return def
	}

	flags[listenAddress] = envOrDef("LISTEN_ADDRESS", flags[listenAddress])
	flags[servicePort] = envOrDef("SERVICE_PORT", flags[servicePort])
	flags[detectionURL] = envOrDef("DETECTION_URL", flags[detectionURL])
	flags[captureSource] = envOrDef("CAPTURE_SOURCE", flags[captureSource])
	flags[replayDir] = envOrDef("REPLAY_DIR", flags[replayDir])
	flags[sqlitePath] = envOrDef("SQLITE_PATH", flags[sqlitePath])
	flags[rabbitMQDisabled] = envOrDef("RABBITMQ_DISABLED", flags[rabbitMQDisabled])
	flags[watchdogInterval] = envOrDef("WATCHDOG_INTERVAL", flags[watchdogInterval])

	apply := func(f flagType) func(string) error {
		return func(value string) error {
			flags[f] = value
			return nil
		}
	}

	flag.Func("config", "processing configuration file", apply(processingConfigFile))
	flag.Func("notifications", "cloudevents notification configuration file", apply(notificationsFile))
	flag.Func("replay", "replay frames from this directory instead of capturing", func(value string) error {
		flags[captureSource] = "replay"
		flags[replayDir] = value
		return nil
	})
	flag.Parse()

	return flags
}

func version() string {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}

	buildSettings := buildInfo.Settings
	infoMap := map[string]string{}
	for _, s := range buildSettings {
		infoMap[s.Key] = s.Value
	}

	sha := infoMap["vcs.revision"]
	if infoMap["vcs.modified"] == "true" {
		sha += "+"
	}

	return sha
}

func exitIf(err error, logger zerolog.Logger, msg string) {
	if err != nil {
		logger.Fatal().Err(err).Msg(msg)
	}
}
