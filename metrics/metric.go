// Copyright 2023 The Nebuchadnezzar Authors.
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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Registry = prometheus.NewRegistry()

	CellOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "Neb",
			Name:      "cell_ops_total",
			Help:      "cell operations by op and result",
		},
		[]string{"op", "result"},
	)

	DeadBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "Neb",
			Name:      "trunk_dead_bytes",
			Help:      "dead bytes per trunk",
		},
		[]string{"trunk"},
	)

	DefragRuns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "Neb",
			Name:      "defrag_segment_runs_total",
			Help:      "segments compacted by the defragmenter",
		},
	)

	BackupCycles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "Neb",
			Name:      "backup_cycles_total",
			Help:      "completed trunk backup cycles",
		},
	)

	RecoveredCells = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "Neb",
			Name:      "recovered_cells_total",
			Help:      "cells installed from replica images",
		},
	)
)

func init() {
	Registry.MustRegister(
		CellOps,
		DeadBytes,
		DefragRuns,
		BackupCycles,
		RecoveredCells,
	)
}
