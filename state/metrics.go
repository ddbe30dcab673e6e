// Copyright 2025 Palaver IM Contributors
//
// SPDX-License-Identifier: AGPL-3.0-only

package state

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	payloadsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "palaver",
			Subsystem: "state",
			Name:      "payloads_applied_total",
			Help:      "Sync payloads applied to the room state store, by kind.",
		},
		[]string{"kind"},
	)
	roomsMerged = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "palaver",
			Subsystem: "state",
			Name:      "rooms_merged_total",
			Help:      "Per-room merge operations, by dispatch case.",
		},
		[]string{"case"},
	)
	mergeFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "palaver",
			Subsystem: "state",
			Name:      "merge_failures_total",
			Help:      "Room sections whose merge was abandoned after a failure.",
		},
	)
	unreadTotalGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "palaver",
			Subsystem: "state",
			Name:      "unread_total",
			Help:      "Sum of unread counts across all room aggregates.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		payloadsApplied,
		roomsMerged,
		mergeFailures,
		unreadTotalGauge,
	)
}
