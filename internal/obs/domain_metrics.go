package obs

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// ReservationsTotal counts reserve attempts by outcome.
	ReservationsTotal *prometheus.CounterVec
	// AvailabilityChecksTotal counts per-equipment availability verdicts.
	AvailabilityChecksTotal *prometheus.CounterVec
	// EarningsRecomputedTotal counts earnings recomputations by trigger.
	EarningsRecomputedTotal *prometheus.CounterVec
	// ReserveLatency records reserve latency in milliseconds.
	ReserveLatency prometheus.Histogram
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		ReservationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "booking_reservations_total",
			Help:      "Count of reservation attempts by outcome.",
		}, []string{"result"})
		AvailabilityChecksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "booking_availability_checks_total",
			Help:      "Count of equipment availability checks by verdict.",
		}, []string{"result"})
		EarningsRecomputedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "booking_earnings_recomputed_total",
			Help:      "Count of earnings recomputations by trigger.",
		}, []string{"trigger"})
		ReserveLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "booking_reserve_duration_ms",
			Help:      "Latency of the atomic reserve operation in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		})

		mustRegisterCollector(reg, ReservationsTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				ReservationsTotal = v
			}
		})
		mustRegisterCollector(reg, AvailabilityChecksTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				AvailabilityChecksTotal = v
			}
		})
		mustRegisterCollector(reg, EarningsRecomputedTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				EarningsRecomputedTotal = v
			}
		})
		mustRegisterCollector(reg, ReserveLatency, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Histogram); ok {
				ReserveLatency = v
			}
		})
	})
}

// ObserveReservation records a reserve outcome when domain metrics are registered.
func ObserveReservation(result string, ms float64) {
	if ReservationsTotal != nil {
		ReservationsTotal.WithLabelValues(result).Inc()
	}
	if ReserveLatency != nil && ms >= 0 {
		ReserveLatency.Observe(ms)
	}
}

// ObserveAvailability records one availability verdict.
func ObserveAvailability(available bool) {
	if AvailabilityChecksTotal == nil {
		return
	}
	result := "available"
	if !available {
		result = "unavailable"
	}
	AvailabilityChecksTotal.WithLabelValues(result).Inc()
}

// ObserveEarningsRecompute records an earnings recomputation.
func ObserveEarningsRecompute(trigger string) {
	if EarningsRecomputedTotal != nil {
		EarningsRecomputedTotal.WithLabelValues(trigger).Inc()
	}
}

func mustRegisterCollector(reg prometheus.Registerer, collector prometheus.Collector, reuse func(prometheus.Collector)) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if reuse != nil {
				reuse(are.ExistingCollector)
			}
			return
		}
		panic(fmt.Errorf("register metric: %w", err))
	}
}
