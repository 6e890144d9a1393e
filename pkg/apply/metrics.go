// Copyright 2026 The ApplyStream Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package apply

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/applystream/applystream/pkg/position"
)

// Metrics are the scheduler's Prometheus collectors.
type Metrics struct {
	GroupsDispatched prometheus.Counter
	EventsDispatched prometheus.Counter
	GroupsApplied    prometheus.Counter
	Checkpoints      prometheus.Counter
	GroupsRetired    prometheus.Counter
	CoordinatorNaps  prometheus.Counter
	Saturation       prometheus.Gauge
	WorkerQueueDepth *prometheus.GaugeVec
	PendingGroups    prometheus.Gauge
}

// NewMetrics builds the scheduler metrics and registers them with reg, which
// may be nil for tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		GroupsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "applier_groups_dispatched_total",
			Help: "Groups handed to workers.",
		}),
		EventsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "applier_events_dispatched_total",
			Help: "Events handed to workers.",
		}),
		GroupsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "applier_groups_applied_total",
			Help: "Groups fully applied and committed.",
		}),
		Checkpoints: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "applier_checkpoints_total",
			Help: "Checkpoint passes that persisted the position record.",
		}),
		GroupsRetired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "applier_groups_retired_total",
			Help: "Groups retired past the durable low-water mark.",
		}),
		CoordinatorNaps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "applier_coordinator_naps_total",
			Help: "Adaptive sleeps taken by the coordinator under backpressure.",
		}),
		Saturation: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "applier_saturation",
			Help: "Coordinator saturation counter (rises above the queue high-water mark).",
		}),
		WorkerQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "applier_worker_queue_depth",
			Help: "Per-worker queue occupancy in events.",
		}, []string{"worker"}),
		PendingGroups: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "applier_pending_groups",
			Help: "Groups awaiting dispatch in the dependency queue.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.GroupsDispatched, m.EventsDispatched, m.GroupsApplied,
			m.Checkpoints, m.GroupsRetired, m.CoordinatorNaps,
			m.Saturation, m.WorkerQueueDepth, m.PendingGroups,
		)
	}
	return m
}

// WorkerStatus is one worker's slice of the status snapshot.
type WorkerStatus struct {
	ID             int
	QueueDepth     int
	EventsAssigned int64
	GroupsAssigned int64
	GroupsApplied  int64
	Overruns       int64
	Underruns      int64
}

// Status is a read-only snapshot of the scheduler, safe to expose on a
// monitoring surface.
type Status struct {
	State      GroupState
	Coords     position.Coords
	LowWater   int64
	InFlight   int
	Pending    int
	Saturation int64
	// LagBytes is the distance between the newest consumed event and the
	// durable low-water mark in the source log, or -1 when the two
	// positions are in different log files.
	LagBytes int64
	Workers  []WorkerStatus
	Err      error
}
