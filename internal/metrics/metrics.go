package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors of the trade coordination core. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	RequestCount     *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RoomEvents       *prometheus.CounterVec
	RoomClients      prometheus.Gauge
	EvictedClients   prometheus.Counter
	LockOperations   *prometheus.CounterVec
	TradeTransitions *prometheus.CounterVec
}

func New(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		RequestCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		RoomEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "room_events_broadcast_total",
				Help: "Events fanned out to room observers, by event type.",
			},
			[]string{"type"},
		),
		RoomClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "room_connected_clients",
				Help: "Observers currently registered across all rooms.",
			},
		),
		EvictedClients: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "room_evicted_clients_total",
				Help: "Observers dropped because their send buffer was full.",
			},
		),
		LockOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_lock_operations_total",
				Help: "Lock store operations by operation and result.",
			},
			[]string{"op", "result"},
		),
		TradeTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trade_transitions_total",
				Help: "Trade status transitions by target status.",
			},
			[]string{"status"},
		),
	}
	if registry != nil {
		registry.MustRegister(
			m.RequestCount,
			m.RequestDuration,
			m.RoomEvents,
			m.RoomClients,
			m.EvictedClients,
			m.LockOperations,
			m.TradeTransitions,
		)
	}
	return m
}

func (m *Metrics) ObserveRequest(method, path string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestCount.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

func (m *Metrics) IncRoomEvent(eventType string) {
	if m == nil {
		return
	}
	m.RoomEvents.WithLabelValues(eventType).Inc()
}

func (m *Metrics) ClientConnected() {
	if m == nil {
		return
	}
	m.RoomClients.Inc()
}

func (m *Metrics) ClientDisconnected(evicted bool) {
	if m == nil {
		return
	}
	m.RoomClients.Dec()
	if evicted {
		m.EvictedClients.Inc()
	}
}

func (m *Metrics) IncLockOperation(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.LockOperations.WithLabelValues(op, result).Inc()
}

func (m *Metrics) IncTradeTransition(status string) {
	if m == nil {
		return
	}
	m.TradeTransitions.WithLabelValues(status).Inc()
}

// Handler exposes the registry in the Prometheus text format
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
