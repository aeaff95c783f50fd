// Package prommetrics reports controller metrics to Prometheus.
package prommetrics

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ggoodman/locshare-go/controller"
)

// Sink implements controller.MetricsSink with Prometheus collectors. Names
// it does not know are dropped.
type Sink struct {
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	logger     *slog.Logger
}

// New registers the controller collectors with reg under namespace. A nil reg
// uses prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer, namespace string) *Sink {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Sink{
		counters: map[string]*prometheus.CounterVec{
			controller.MetricTransitions: factory.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      controller.MetricTransitions,
					Help:      "Session state transitions",
				},
				[]string{"from", "to", "event"},
			),
			controller.MetricOperationErrors: factory.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      controller.MetricOperationErrors,
					Help:      "Failed or rejected session operations by kind",
				},
				[]string{"op", "kind"},
			),
			controller.MetricDiscardedResults: factory.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      controller.MetricDiscardedResults,
					Help:      "Remote results discarded because the session moved on",
				},
				[]string{"op"},
			),
			controller.MetricResubscribes: factory.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      controller.MetricResubscribes,
					Help:      "Expiration subscriptions retried after an error",
				},
				nil,
			),
		},
		histograms: map[string]*prometheus.HistogramVec{
			controller.MetricOperationDuration: factory.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      controller.MetricOperationDuration,
					Help:      "Session operation duration in seconds",
					Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
				},
				[]string{"op", "outcome"},
			),
		},
		logger: slog.Default(),
	}
}

// WithLogger sets the logger used to report label mismatches.
func (s *Sink) WithLogger(l *slog.Logger) *Sink {
	if l != nil {
		s.logger = l
	}
	return s
}

func (s *Sink) IncCounter(name string, tags map[string]string) {
	vec, ok := s.counters[name]
	if !ok {
		return
	}
	c, err := vec.GetMetricWith(prometheus.Labels(tags))
	if err != nil {
		s.logger.Debug("dropping counter sample", slog.String("metric", name), slog.Any("err", err))
		return
	}
	c.Inc()
}

func (s *Sink) ObserveHistogram(name string, value float64, tags map[string]string) {
	vec, ok := s.histograms[name]
	if !ok {
		return
	}
	o, err := vec.GetMetricWith(prometheus.Labels(tags))
	if err != nil {
		s.logger.Debug("dropping histogram sample", slog.String("metric", name), slog.Any("err", err))
		return
	}
	o.Observe(value)
}

var _ controller.MetricsSink = (*Sink)(nil)
