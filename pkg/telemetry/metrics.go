package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the transport manager.
type Metrics struct {
	// Writer Metrics
	EventsProcessed *prometheus.CounterVec
	EventsStale     *prometheus.CounterVec
	ApplyDuration   *prometheus.HistogramVec
	QueueDepth      prometheus.Gauge
	Diagnostics     *prometheus.CounterVec

	// Registry Metrics
	Adapters    prometheus.Gauge
	Devices     *prometheus.GaugeVec
	Connections *prometheus.GaugeVec
	Pending     prometheus.Gauge

	// Request Metrics
	Requests *prometheus.CounterVec

	// Event Bus Metrics
	EventsPublished  *prometheus.CounterVec
	EventsDropped    *prometheus.CounterVec
	SubscribersTotal *prometheus.GaugeVec
}

// InitMetrics registers the manager metrics on registry.
// A nil registry means prometheus.DefaultRegisterer.
func InitMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	// Buckets: 1µs, 2µs, 5µs, 10µs, 20µs, 50µs, 100µs, 200µs, 500µs, 1ms, 2ms, 5ms, 10ms, 20ms, 50ms, 100ms
	latencyBuckets := []float64{
		0.000001, // 1µs
		0.000002, // 2µs
		0.000005, // 5µs
		0.00001,  // 10µs
		0.00002,  // 20µs
		0.00005,  // 50µs
		0.0001,   // 100µs
		0.0002,   // 200µs
		0.0005,   // 500µs
		0.001,    // 1ms
		0.002,    // 2ms
		0.005,    // 5ms
		0.01,     // 10ms
		0.02,     // 20ms
		0.05,     // 50ms
		0.1,      // 100ms
	}

	factory := promauto.With(registry)

	return &Metrics{
		EventsProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sdl_tm_events_processed_total",
				Help: "Listener events applied and published by the manager writer",
			},
			[]string{"event_type"},
		),

		EventsStale: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sdl_tm_events_stale_total",
				Help: "Listener events dropped because the reporting adapter registration is gone",
			},
			[]string{"adapter", "event_type"},
		),

		ApplyDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sdl_tm_apply_duration_seconds",
				Help:    "Time from dequeue to publish for one listener event",
				Buckets: latencyBuckets,
			},
			[]string{"event_type"},
		),

		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sdl_tm_writer_queue_depth",
				Help: "Listener events waiting for the manager writer",
			},
		),

		Diagnostics: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sdl_tm_diagnostics_total",
				Help: "Diagnostics reported on the error bus",
			},
			[]string{"code"},
		),

		Adapters: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sdl_tm_adapters",
				Help: "Registered adapters",
			},
		),

		Devices: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sdl_tm_devices",
				Help: "Devices in the registry",
			},
			[]string{"adapter"},
		),

		Connections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sdl_tm_connections",
				Help: "Connections in the registry",
			},
			[]string{"adapter", "state"},
		),

		Pending: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sdl_tm_pending_requests",
				Help: "Inbound connect requests awaiting a decision",
			},
		),

		Requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sdl_tm_requests_total",
				Help: "Requests routed to adapters",
			},
			[]string{"operation", "status"},
		),

		EventsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sdl_tm_bus_events_published_total",
				Help: "Total number of events published to the bus",
			},
			[]string{"bus", "event_type"},
		),

		EventsDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sdl_tm_bus_events_dropped_total",
				Help: "Total number of deliveries dropped due to slow subscribers",
			},
			[]string{"bus", "event_type"},
		),

		SubscribersTotal: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sdl_tm_bus_subscribers",
				Help: "Current number of active subscribers",
			},
			[]string{"bus"},
		),
	}
}
