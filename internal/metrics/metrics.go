// Package metrics exposes Prometheus collectors for key rotation, tamper
// handling and the sequence store.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace prefixes every posguard metric.
	Namespace = "posguard"

	LabelPurpose = "purpose"
	LabelStatus  = "status"
	LabelCounter = "counter"

	StatusSuccess = "success"
	StatusError   = "error"
	StatusFresh   = "fresh"
)

var (
	// KeyRotationsTotal counts ensure-session-key outcomes per key purpose.
	KeyRotationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "key_rotations_total",
			Help:      "Key rotation attempts by purpose and outcome",
		},
		[]string{LabelPurpose, LabelStatus},
	)

	// StandbyEraseTotal counts standby slot erasures on the failure path.
	StandbyEraseTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "standby_erase_total",
			Help:      "Standby slot erasures by purpose and outcome",
		},
		[]string{LabelPurpose, LabelStatus},
	)

	// TamperEventsTotal counts tamper detections.
	TamperEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "tamper_events_total",
			Help:      "Tamper events detected by the monitor",
		},
	)

	// CounterValue holds the last value handed out per sequence counter.
	CounterValue = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "counter_value",
			Help:      "Last value returned by each sequence counter",
		},
		[]string{LabelCounter},
	)

	// PendingReversals is the depth of the reversal queue.
	PendingReversals = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "pending_reversals",
			Help:      "Reversals waiting for delivery",
		},
	)

	// AnnounceDuration observes backend announce round trips.
	AnnounceDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "announce_duration_seconds",
			Help:      "Duration of key announce calls in seconds",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{LabelPurpose},
	)
)

// Status maps an error to a status label.
func Status(err error) string {
	if err != nil {
		return StatusError
	}

	return StatusSuccess
}
