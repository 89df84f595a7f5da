package service

import (
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"trend-reversal/backend/internal/apperr"
)

// MetricsOptions configures the auth outcome metrics.
type MetricsOptions struct {
	Registerer prometheus.Registerer
	Namespace  string
}

// Metrics counts auth operation outcomes.
type Metrics struct {
	Outcomes *prometheus.CounterVec
}

// NewMetrics constructs and registers the auth collectors. A collector that is already
// registered is reused.
func NewMetrics(opts MetricsOptions) (*Metrics, error) {
	namespace := opts.Namespace
	if namespace == "" {
		namespace = "trend_reversal"
	}
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "auth",
		Name:      "operations_total",
		Help:      "Auth operations partitioned by operation and outcome (success or error kind).",
	}, []string{"operation", "outcome"})

	if err := reg.Register(outcomes); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				outcomes = existing
			} else {
				return nil, fmt.Errorf("existing outcomes collector has unexpected type %T", already.ExistingCollector)
			}
		} else {
			return nil, fmt.Errorf("register outcomes collector: %w", err)
		}
	}
	return &Metrics{Outcomes: outcomes}, nil
}

func (m *Metrics) observe(operation string, err error) {
	if m == nil || m.Outcomes == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = strings.ToLower(string(apperr.KindOf(err)))
	}
	m.Outcomes.WithLabelValues(operation, outcome).Inc()
}
