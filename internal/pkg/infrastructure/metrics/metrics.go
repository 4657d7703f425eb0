package metrics

import (
	"net/http"
	"sync"

	"github.com/diwise/camera-threat-monitor/internal/pkg/application/processing"
	"github.com/diwise/camera-threat-monitor/internal/pkg/application/watchdog"
	"github.com/diwise/camera-threat-monitor/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const namespace = "camera_threat_monitor"

type Source interface {
	Stats() processing.Stats
	Cameras() []types.CameraState
}

type Clients interface {
	ClientCount() int
}

var (
	devicesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "devices_active"), "Devices with a running worker.", nil, nil,
	)
	camerasDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "cameras_bound"), "Cameras bound to a device.", nil, nil,
	)
	cameraStatusDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "camera", "status"), "Current threat level (0=NORMAL, 3=HIGH).", []string{"camera", "device"}, nil,
	)
	cyclesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "cycles_total"), "Processing cycles started.", nil, nil,
	)
	skippedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "skipped_ticks_total"), "Ticks skipped because a cycle was in flight.", nil, nil,
	)
	failuresDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "cycle_failures_total"), "Failed or skipped cycles by reason.", []string{"reason"}, nil,
	)
	eventsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "status_events_total"), "Status events by outcome.", []string{"outcome"}, nil,
	)
	detectionUpDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "detection", "up"), "Was the last detection health check successful.", nil, nil,
	)
	observersDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "observers_connected"), "Connected observers by transport.", []string{"transport"}, nil,
	)
)

// Collector reads the orchestrator state on every scrape.
type Collector struct {
	source    Source
	watchdog  watchdog.Watchdog
	observers map[string]Clients

	mu sync.Mutex
}

func NewCollector(source Source, wd watchdog.Watchdog, observers map[string]Clients) *Collector {
	return &Collector{
		source:    source,
		watchdog:  wd,
		observers: observers,
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- devicesDesc
	ch <- camerasDesc
	ch <- cameraStatusDesc
	ch <- cyclesDesc
	ch <- skippedDesc
	ch <- failuresDesc
	ch <- eventsDesc
	ch <- detectionUpDesc
	ch <- observersDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.source.Stats()

	ch <- prometheus.MustNewConstMetric(devicesDesc, prometheus.GaugeValue, float64(s.Devices))
	ch <- prometheus.MustNewConstMetric(camerasDesc, prometheus.GaugeValue, float64(s.Cameras))
	ch <- prometheus.MustNewConstMetric(cyclesDesc, prometheus.CounterValue, float64(s.Cycles))
	ch <- prometheus.MustNewConstMetric(skippedDesc, prometheus.CounterValue, float64(s.SkippedTicks))

	ch <- prometheus.MustNewConstMetric(failuresDesc, prometheus.CounterValue, float64(s.CaptureNotReady), "capture_not_ready")
	ch <- prometheus.MustNewConstMetric(failuresDesc, prometheus.CounterValue, float64(s.CaptureFailures), "capture")
	ch <- prometheus.MustNewConstMetric(failuresDesc, prometheus.CounterValue, float64(s.SubmissionFailures), "submission")

	ch <- prometheus.MustNewConstMetric(eventsDesc, prometheus.CounterValue, float64(s.EventsPublished), "published")
	ch <- prometheus.MustNewConstMetric(eventsDesc, prometheus.CounterValue, float64(s.EventsDelivered), "delivered")
	ch <- prometheus.MustNewConstMetric(eventsDesc, prometheus.CounterValue, float64(s.EventsDropped), "dropped")

	for _, cam := range c.source.Cameras() {
		ch <- prometheus.MustNewConstMetric(cameraStatusDesc, prometheus.GaugeValue, float64(cam.Status), cam.CameraID, cam.DeviceID)
	}

	if c.watchdog != nil {
		r := c.watchdog.Latest()
		if r.Checked {
			up := 0.0
			if r.Available {
				up = 1.0
			}
			ch <- prometheus.MustNewConstMetric(detectionUpDesc, prometheus.GaugeValue, up)
		}
	}

	for transport, clients := range c.observers {
		ch <- prometheus.MustNewConstMetric(observersDesc, prometheus.GaugeValue, float64(clients.ClientCount()), transport)
	}
}

// Handler registers the collector in a fresh registry and returns the scrape
// endpoint for it.
func Handler(c *Collector, log zerolog.Logger) http.Handler {
	registry := prometheus.NewRegistry()
	registry.MustRegister(c)

	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		ErrorLog: errorLogger{log},
	})
}

type errorLogger struct {
	log zerolog.Logger
}

func (l errorLogger) Println(v ...interface{}) {
	l.log.Error().Msgf("%v", v)
}
