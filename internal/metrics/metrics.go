/*
Copyright 2025 The Hoard Authors.

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

// Package metrics registers the process-wide prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// IngestedImages counts successful ingest commits.
	IngestedImages = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hoard",
		Name:      "ingested_images_total",
		Help:      "Images committed by the ingest pipeline.",
	})

	// IngestDuplicates counts files discarded as MD5 duplicates.
	IngestDuplicates = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hoard",
		Name:      "ingest_duplicates_total",
		Help:      "Files skipped at ingest because their MD5 was already cataloged.",
	})

	// IngestRejects counts files moved to the reject directory.
	IngestRejects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hoard",
		Name:      "ingest_rejects_total",
		Help:      "Files rejected by the ingest pipeline.",
	})

	// DuplicatePairsScanned is the pair count of the latest duplicate scan.
	DuplicatePairsScanned = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hoard",
		Name:      "duplicate_pairs_scanned",
		Help:      "Pairs found within threshold by the latest duplicate scan.",
	})

	// ActiveTasks tracks currently running background tasks.
	ActiveTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hoard",
		Name:      "active_tasks",
		Help:      "Background tasks in pending or running state.",
	})

	// HTTPRequests counts handled requests by route and status class.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hoard",
		Name:      "http_requests_total",
		Help:      "Handled HTTP requests.",
	}, []string{"route", "code"})
)
