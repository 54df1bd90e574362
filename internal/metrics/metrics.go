// Package metrics records deployment run metrics in a Prometheus registry
// that can be exported to a node_exporter textfile.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Deployment outcomes used as the "result" label.
const (
	ResultSuccess           = "success"
	ResultDryRun            = "dry_run"
	ResultResolutionError   = "resolution_error"
	ResultSubmissionError   = "submission_error"
	ResultConfirmationError = "confirmation_error"
)

// Recorder holds the deployment metrics. A nil Recorder discards everything.
type Recorder struct {
	registry *prometheus.Registry

	deploymentsTotal   *prometheus.CounterVec
	deploymentDuration *prometheus.HistogramVec
	gasUsed            *prometheus.GaugeVec
	lastSuccess        *prometheus.GaugeVec
}

// NewRecorder creates a Recorder backed by a fresh registry.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		deploymentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deployctl_deployments_total",
				Help: "Total number of deployment runs by network and result",
			},
			[]string{"network", "result"},
		),
		deploymentDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "deployctl_deployment_duration_seconds",
				Help:    "Deployment run duration in seconds, including the receipt wait",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"network"},
		),
		gasUsed: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "deployctl_deployment_gas_used",
				Help: "Gas used by the most recent successful deployment",
			},
			[]string{"network", "contract"},
		),
		lastSuccess: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "deployctl_last_success_timestamp_seconds",
				Help: "Unix time of the most recent successful deployment",
			},
			[]string{"network", "contract"},
		),
	}
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// RecordDeployment records the outcome and duration of one run.
func (r *Recorder) RecordDeployment(network, result string, duration time.Duration) {
	if r == nil {
		return
	}
	r.deploymentsTotal.WithLabelValues(network, result).Inc()
	r.deploymentDuration.WithLabelValues(network).Observe(duration.Seconds())
}

// RecordSuccess records gas usage of a confirmed deployment.
func (r *Recorder) RecordSuccess(network, contract string, gasUsed uint64, at time.Time) {
	if r == nil {
		return
	}
	r.gasUsed.WithLabelValues(network, contract).Set(float64(gasUsed))
	r.lastSuccess.WithLabelValues(network, contract).Set(float64(at.Unix()))
}

// WriteTextfile writes all metrics to path in the Prometheus text format.
// The file is written atomically.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
