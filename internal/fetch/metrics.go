package fetch

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rb3ckers/storefetch/datatypes"
)

const (
	OutcomeSuccess   = "success"
	OutcomeCancelled = "cancelled"
)

// Metrics is optional; a nil *Metrics records nothing.
type Metrics struct {
	dispatches *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	dispatches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "storefetch_dispatch_total",
		Help: "Dispatches by method and outcome.",
	}, []string{"method", "outcome"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "storefetch_dispatch_duration_seconds",
		Help:    "Time from dispatch to resolution.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	var err error
	if dispatches, err = register(reg, dispatches); err != nil {
		return nil, err
	}

	if duration, err = register(reg, duration); err != nil {
		return nil, err
	}

	return &Metrics{dispatches: dispatches, duration: duration}, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}

		return c, err
	}

	return c, nil
}

func (m *Metrics) Observe(method datatypes.Method, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}

	m.dispatches.WithLabelValues(string(method), outcome).Inc()
	m.duration.WithLabelValues(string(method)).Observe(elapsed.Seconds())
}
