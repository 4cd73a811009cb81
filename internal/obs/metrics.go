package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Reject reason labels for orders_rejected_total.
const (
	RejectKillSwitch     = "kill_switch"
	RejectCircuitBreaker = "circuit_breaker"
	RejectBlacklist      = "blacklist"
	RejectPositionLimit  = "position_limit"
	RejectExposure       = "exposure"
	RejectBroker         = "broker"
	RejectInfra          = "infra"
	RejectInvalid        = "invalid_request"
)

// Metrics collects the gateway's Prometheus instruments.
type Metrics struct {
	OrdersAccepted   prometheus.Counter
	OrdersRejected   *prometheus.CounterVec
	Reservations     *prometheus.CounterVec
	BreakerTrips     prometheus.Counter
	KillSwitchGauge  prometheus.Gauge
	RiskCheckSeconds prometheus.Histogram
}

// New registers the instruments on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		OrdersAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "execgate_orders_accepted_total",
			Help: "Orders that passed every pre-trade gate and reached the broker.",
		}),
		OrdersRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "execgate_orders_rejected_total",
			Help: "Orders rejected before submission, by reason.",
		}, []string{"reason"}),
		Reservations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "execgate_reservations_total",
			Help: "Position reservation outcomes.",
		}, []string{"outcome"}),
		BreakerTrips: factory.NewCounter(prometheus.CounterOpts{
			Name: "execgate_circuit_breaker_trips_total",
			Help: "Circuit breaker trips accepted by this process.",
		}),
		KillSwitchGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "execgate_kill_switch_engaged",
			Help: "1 while the kill switch is engaged, else 0.",
		}),
		RiskCheckSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "execgate_risk_check_seconds",
			Help:    "Latency of the full pre-trade validation pipeline.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
	}
}
