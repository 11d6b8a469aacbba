// Package metrics registers Prometheus gauges/counters for queue
// statistics, protocol engine counters and job-manager state, and serves
// them on a dedicated HTTP endpoint. Only the queue metrics are updated
// (by cmd/driver); nothing in this module updates the protocol counters
// or the job-state gauge, so they stay at zero.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry groups every gauge/counter this driver publishes.
type Registry struct {
	QueueSize         prometheus.Gauge
	QueueEnqueued     prometheus.Counter
	QueueExecuted     prometheus.Counter
	QueueErrors       prometheus.Counter
	QueueDiskPaged    prometheus.Counter
	ProtocolResends   prometheus.Counter
	ProtocolDuplicate prometheus.Counter
	ProtocolBusy      prometheus.Counter
	JobStateGauge     *prometheus.GaugeVec
}

// NewRegistry registers every metric against the default registerer.
func NewRegistry() *Registry {
	return &Registry{
		QueueSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "printer_queue_size",
			Help: "Current number of commands across all queue tiers.",
		}),
		QueueEnqueued: promauto.NewCounter(prometheus.CounterOpts{
			Name: "printer_queue_enqueued_total",
			Help: "Total commands enqueued since startup.",
		}),
		QueueExecuted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "printer_queue_executed_total",
			Help: "Total commands executed since startup.",
		}),
		QueueErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "printer_queue_errors_total",
			Help: "Total command translation/execution errors since startup.",
		}),
		QueueDiskPaged: promauto.NewCounter(prometheus.CounterOpts{
			Name: "printer_queue_disk_paged_total",
			Help: "Total commands paged to the overflow disk segment.",
		}),
		ProtocolResends: promauto.NewCounter(prometheus.CounterOpts{
			Name: "printer_protocol_resends_total",
			Help: "Total RESEND events handled by the protocol engine.",
		}),
		ProtocolDuplicate: promauto.NewCounter(prometheus.CounterOpts{
			Name: "printer_protocol_duplicate_total",
			Help: "Total duplicate command numbers swallowed by the protocol engine.",
		}),
		ProtocolBusy: promauto.NewCounter(prometheus.CounterOpts{
			Name: "printer_protocol_busy_total",
			Help: "Total BUSY backoffs observed by the protocol engine.",
		}),
		JobStateGauge: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "printer_job_state",
			Help: "1 for the job manager's current state, 0 otherwise.",
		}, []string{"state"}),
	}
}

// SetJobState zeroes every other known state and sets state to 1.
func (r *Registry) SetJobState(state string, known []string) {
	for _, s := range known {
		if s == state {
			r.JobStateGauge.WithLabelValues(s).Set(1)
		} else {
			r.JobStateGauge.WithLabelValues(s).Set(0)
		}
	}
}

// Serve starts an HTTP server exposing /metrics on addr and blocks until
// ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return srv.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}
