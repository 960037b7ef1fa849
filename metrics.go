// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package stm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type regionMetrics struct {
	txBegun             prometheus.Counter
	txCommitted         prometheus.Counter
	txAborted           *prometheus.CounterVec
	txAdmissionFailures prometheus.Counter
	allocFailures       prometheus.Counter
	epochsAdvanced      prometheus.Counter
	liveSegments        prometheus.Gauge
	epochDuration       prometheus.Histogram
}

func newRegionMetrics(reg prometheus.Registerer) *regionMetrics {
	return &regionMetrics{
		txBegun: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "stm_tx_begun_total",
			Help: "stm_tx_begun_total counts the number of transactions admitted by the batcher.",
		}),
		txCommitted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "stm_tx_committed_total",
			Help: "stm_tx_committed_total counts the number of transactions whose tx_end reported committed=true.",
		}),
		txAborted: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "stm_tx_aborted_total",
				Help: "stm_tx_aborted_total counts aborted transactions by reason (conflict, invalid_argument).",
			},
			[]string{"reason"},
		),
		txAdmissionFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "stm_tx_admission_failures_total",
			Help: "stm_tx_admission_failures_total counts tx_begin calls that failed to be admitted by the batcher.",
		}),
		allocFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "stm_alloc_failures_total",
			Help: "stm_alloc_failures_total counts tx_alloc calls that failed with NO_MEMORY.",
		}),
		epochsAdvanced: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "stm_epochs_advanced_total",
			Help: "stm_epochs_advanced_total counts epoch commit steps performed by the batcher.",
		}),
		liveSegments: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "stm_live_segments",
			Help: "stm_live_segments is the current number of live (non-pending) segments in the region.",
		}),
		epochDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "stm_epoch_duration_seconds",
			Help:    "stm_epoch_duration_seconds observes wall-clock time an epoch stayed open before its commit step ran.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
