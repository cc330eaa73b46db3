package metrics

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "salesapi"

// NewRegistry returns a registry preloaded with Go runtime and process collectors.
func NewRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	reg.MustRegister(extra...)

	return reg
}

func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func FiberHandler(reg *prometheus.Registry) fiber.Handler {
	return adaptor.HTTPHandler(Handler(reg))
}

type SagaMetrics struct {
	Orders         *prometheus.CounterVec
	Reservations   *prometheus.CounterVec
	ConsumedEvents *prometheus.CounterVec
	StageLatencyMS *prometheus.HistogramVec
}

func NewSagaMetrics(service string) *SagaMetrics {
	return &SagaMetrics{
		Orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "orders_total",
			Help:      "Order creation attempts by outcome.",
		}, []string{"outcome"}),
		Reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "reservations_total",
			Help:      "Reservation requests by result.",
		}, []string{"result"}),
		ConsumedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "consumed_events_total",
			Help:      "Consumed events by type and result.",
		}, []string{"event", "result"}),
		StageLatencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "stage_duration_ms",
			Help:      "Saga stage latency in milliseconds.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"stage"}),
	}
}

func (m *SagaMetrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.Orders, m.Reservations, m.ConsumedEvents, m.StageLatencyMS}
}

// ObserveStage records the time since start under stage. Safe on a nil receiver.
func (m *SagaMetrics) ObserveStage(stage string, start time.Time) {
	if m == nil {
		return
	}
	m.StageLatencyMS.WithLabelValues(stage).Observe(float64(time.Since(start).Microseconds()) / 1000)
}

func (m *SagaMetrics) IncOrder(outcome string) {
	if m == nil {
		return
	}
	m.Orders.WithLabelValues(outcome).Inc()
}

func (m *SagaMetrics) IncReservation(result string) {
	if m == nil {
		return
	}
	m.Reservations.WithLabelValues(result).Inc()
}

func (m *SagaMetrics) IncConsumed(event, result string) {
	if m == nil {
		return
	}
	m.ConsumedEvents.WithLabelValues(event, result).Inc()
}
