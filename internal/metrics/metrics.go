// Package metrics records flush and connection-pool activity.
//
// Library code talks to the Recorder interface; Noop is the default and
// Prometheus exports the same events as prometheus collectors.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// FlushStats summarizes one successful flush.
type FlushStats struct {
	Inserted   int
	Updated    int
	Deleted    int
	Statements int
	Duration   time.Duration
}

// Recorder receives unit-of-work events.
type Recorder interface {
	FlushCompleted(stats FlushStats)
	FlushFailed(code string, d time.Duration)
	PoolAcquired(wait time.Duration, timedOut bool)
}

// Noop discards every event.
type Noop struct{}

func (Noop) FlushCompleted(FlushStats)         {}
func (Noop) FlushFailed(string, time.Duration) {}
func (Noop) PoolAcquired(time.Duration, bool)  {}

// Prometheus exports events as prometheus collectors.
type Prometheus struct {
	flushes       *prometheus.CounterVec
	records       *prometheus.CounterVec
	statements    prometheus.Counter
	flushDuration prometheus.Histogram
	poolWait      prometheus.Histogram
	poolTimeouts  prometheus.Counter
}

var _ Recorder = (*Prometheus)(nil)

// NewPrometheus creates the collectors under namespace and registers them
// with reg.
func NewPrometheus(reg prometheus.Registerer, namespace string) (*Prometheus, error) {
	p := &Prometheus{
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushes_total",
			Help:      "Flushes by result (ok or an error code).",
		}, []string{"result"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Records written by flushes, by operation.",
		}, []string{"op"}),
		statements: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "statements_total",
			Help:      "SQL statements emitted by successful flushes.",
		}),
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flush_duration_seconds",
			Help:      "Wall time of flushes, successful or not.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		poolWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pool_acquire_seconds",
			Help:      "Time spent waiting for a pooled connection.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		poolTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_timeouts_total",
			Help:      "Connection acquisitions that timed out.",
		}),
	}

	for _, c := range []prometheus.Collector{p.flushes, p.records, p.statements, p.flushDuration, p.poolWait, p.poolTimeouts} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return p, nil
}

// FlushCompleted implements Recorder.
func (p *Prometheus) FlushCompleted(s FlushStats) {
	p.flushes.WithLabelValues("ok").Inc()
	p.records.WithLabelValues("insert").Add(float64(s.Inserted))
	p.records.WithLabelValues("update").Add(float64(s.Updated))
	p.records.WithLabelValues("delete").Add(float64(s.Deleted))
	p.statements.Add(float64(s.Statements))
	p.flushDuration.Observe(s.Duration.Seconds())
}

// FlushFailed implements Recorder.
func (p *Prometheus) FlushFailed(code string, d time.Duration) {
	p.flushes.WithLabelValues(code).Inc()
	p.flushDuration.Observe(d.Seconds())
}

// PoolAcquired implements Recorder.
func (p *Prometheus) PoolAcquired(wait time.Duration, timedOut bool) {
	p.poolWait.Observe(wait.Seconds())
	if timedOut {
		p.poolTimeouts.Inc()
	}
}

// WriteTextfile writes the registry contents in the text exposition format,
// for node-exporter style textfile collection by batch commands.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	if err := prometheus.WriteToTextfile(path, g); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
