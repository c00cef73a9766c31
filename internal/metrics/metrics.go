// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

// Package metrics exposes prometheus counters for SD card protection
// operations and card access.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the prometheus namespace of all metrics.
	Namespace = "sdprotect"

	LabelOperation = "operation"
	LabelStatus    = "status"

	StatusSuccess = "success"
	StatusError   = "error"

	// Card operations
	OpLoad   = "load"
	OpWrite  = "write"
	OpCommit = "commit"
	OpRemove = "remove"
)

var (
	// CardOperationsTotal counts salt store operations against the card.
	CardOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "card",
			Name:      "operations_total",
			Help:      "Salt store operations against the removable card by operation and status",
		},
		[]string{LabelOperation, LabelStatus},
	)

	// RecoveriesTotal counts interrupted refreshes repaired on load.
	RecoveriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "card",
			Name:      "recoveries_total",
			Help:      "Interrupted salt refreshes repaired while loading the salt",
		},
	)

	// RotationsTotal counts enable, disable and refresh requests by outcome.
	RotationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "rotations_total",
			Help:      "SD protection operations by operation and status",
		},
		[]string{LabelOperation, LabelStatus},
	)

	// CleanupFailuresTotal counts swallowed best-effort cleanup failures.
	CleanupFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "cleanup_failures_total",
			Help:      "Best-effort card cleanups that failed after the protection state was settled",
		},
		[]string{LabelOperation},
	)
)

// RecordCardOperation counts a card operation with the status derived from err.
func RecordCardOperation(op string, err error) {
	CardOperationsTotal.WithLabelValues(op, status(err)).Inc()
}

// RecordRotation counts an SD protection operation with the status derived from err.
func RecordRotation(op string, err error) {
	RotationsTotal.WithLabelValues(op, status(err)).Inc()
}

func status(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusSuccess
}
