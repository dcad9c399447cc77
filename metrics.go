package shield

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// StoreMetrics holds the Prometheus collectors updated by InstrumentedStore.
type StoreMetrics struct {
	IncrementsTotal prometheus.Counter
	ReadsTotal      prometheus.Counter
	KeysReadTotal   prometheus.Counter
	HitsTotal       prometheus.Counter
	ErrorsTotal     *prometheus.CounterVec
	DurationSecs    *prometheus.HistogramVec
}

// NewStoreMetrics creates the collectors and registers them on reg.
// A nil reg leaves them unregistered.
func NewStoreMetrics(reg prometheus.Registerer) *StoreMetrics {
	m := &StoreMetrics{
		IncrementsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shield_store_increments_total",
			Help: "Total number of bucket increments sent to the counter store",
		}),
		ReadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shield_store_reads_total",
			Help: "Total number of batched window reads",
		}),
		KeysReadTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shield_store_keys_read_total",
			Help: "Total number of bucket keys requested by window reads",
		}),
		HitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shield_store_hits_total",
			Help: "Total number of bucket keys found by window reads",
		}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shield_store_errors_total",
			Help: "Total number of counter store errors by operation",
		}, []string{"op"}),
		DurationSecs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shield_store_operation_duration_seconds",
			Help:    "Duration of counter store operations in seconds",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"op"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.IncrementsTotal,
			m.ReadsTotal,
			m.KeysReadTotal,
			m.HitsTotal,
			m.ErrorsTotal,
			m.DurationSecs,
		)
	}
	return m
}

// InstrumentedStore decorates a CounterStore with Prometheus metrics.
// Errors pass through unchanged.
type InstrumentedStore struct {
	next    CounterStore
	metrics *StoreMetrics
}

// NewInstrumentedStore wraps next.
func NewInstrumentedStore(next CounterStore, metrics *StoreMetrics) *InstrumentedStore {
	return &InstrumentedStore{next: next, metrics: metrics}
}

// Increment forwards to the wrapped store and records its duration and outcome.
func (s *InstrumentedStore) Increment(ctx context.Context, key string, ttl time.Duration) error {
	start := time.Now()
	err := s.next.Increment(ctx, key, ttl)
	s.metrics.DurationSecs.WithLabelValues("increment").Observe(time.Since(start).Seconds())

	if err != nil {
		s.metrics.ErrorsTotal.WithLabelValues("increment").Inc()
		return err
	}
	s.metrics.IncrementsTotal.Inc()
	return nil
}

// GetMulti forwards to the wrapped store and records duration, keys read and hits.
func (s *InstrumentedStore) GetMulti(ctx context.Context, keys []string) ([]Result, error) {
	start := time.Now()
	results, err := s.next.GetMulti(ctx, keys)
	s.metrics.DurationSecs.WithLabelValues("get_multi").Observe(time.Since(start).Seconds())

	if err != nil {
		s.metrics.ErrorsTotal.WithLabelValues("get_multi").Inc()
		return nil, err
	}

	s.metrics.ReadsTotal.Inc()
	s.metrics.KeysReadTotal.Add(float64(len(keys)))
	hits := 0
	for _, res := range results {
		if res.Hit {
			hits++
		}
	}
	s.metrics.HitsTotal.Add(float64(hits))
	return results, nil
}
