/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
)

var (
	// OperationDurationHistogram measures lifecycle operations (create, deploy, resize, ...).
	OperationDurationHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tenant_operation_duration_seconds",
			Help:    "Duration of tenant lifecycle operations in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms .. ~100s
		},
		[]string{"operation", "outcome"},
	)

	// ManagedTenantsGauge tracks the number of tenant namespaces.
	ManagedTenantsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "managed_tenants_count",
			Help: "Number of tenants managed by the control plane",
		},
	)

	// FeatureTransitionsCounter counts feature enable/disable/purge attempts.
	FeatureTransitionsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenant_feature_transitions_total",
			Help: "Total feature lifecycle transitions by feature, transition and outcome",
		},
		[]string{"feature", "transition", "outcome"},
	)

	// WorkerPodOutcomesCounter counts backup and restore worker outcomes.
	WorkerPodOutcomesCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenant_worker_runs_total",
			Help: "Total backup and restore runs by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// ReconciliationErrors tracks drift reconciliation failures.
	ReconciliationErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reconciliation_errors_total",
			Help: "Total number of reconciliation errors",
		},
	)

	// DriftCorrectedCounter tracks isolation objects restored by the drift reconciler.
	DriftCorrectedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "isolation_drift_corrected_total",
			Help: "Total times an isolation object drifted and was re-applied",
		},
		[]string{"tenant", "kind"},
	)
)

func init() {
	metrics.Registry.MustRegister(OperationDurationHistogram)
	metrics.Registry.MustRegister(ManagedTenantsGauge)
	metrics.Registry.MustRegister(FeatureTransitionsCounter)
	metrics.Registry.MustRegister(WorkerPodOutcomesCounter)
	metrics.Registry.MustRegister(ReconciliationErrors)
	metrics.Registry.MustRegister(DriftCorrectedCounter)
}

// Outcome maps an error to the outcome label.
func Outcome(err error) string {
	if err != nil {
		return OutcomeError
	}
	return OutcomeSuccess
}

// RecordOperation records the duration of a lifecycle operation started at start.
func RecordOperation(operation string, start time.Time, err error) {
	OperationDurationHistogram.WithLabelValues(operation, Outcome(err)).Observe(time.Since(start).Seconds())
}

// SetManagedTenants sets the managed tenant count.
func SetManagedTenants(n int) {
	ManagedTenantsGauge.Set(float64(n))
}

// RecordFeatureTransition records one feature transition.
func RecordFeatureTransition(feature, transition string, err error) {
	FeatureTransitionsCounter.WithLabelValues(feature, transition, Outcome(err)).Inc()
}

// RecordWorkerRun records a backup or restore outcome.
func RecordWorkerRun(kind, outcome string) {
	WorkerPodOutcomesCounter.WithLabelValues(kind, outcome).Inc()
}

// RecordDriftCorrected records a re-applied isolation object.
func RecordDriftCorrected(tenant, kind string) {
	DriftCorrectedCounter.WithLabelValues(tenant, kind).Inc()
}
