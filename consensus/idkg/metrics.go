// Copyright 2025 The Erigon Authors
// This file is part of Erigon.
//
// Erigon is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Erigon is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Erigon. If not, see <http://www.gnu.org/licenses/>.

package idkg

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ClientMetrics covers the change-set producing side: the driver and the
// three sub-engines.
type ClientMetrics struct {
	OnStateChangeDuration *prometheus.HistogramVec
	ClientOps             *prometheus.CounterVec
	ClientErrors          *prometheus.CounterVec
	TransientErrors       prometheus.Counter
	CriticalRetainErrors  prometheus.Counter
	ComplaintsIssued      prometheus.Counter
}

func NewClientMetrics(reg prometheus.Registerer) *ClientMetrics {
	m := &ClientMetrics{
		OnStateChangeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "idkg_on_state_change_duration_seconds",
			Help:    "Duration of one sub-engine invocation",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"sub_component"}),
		ClientOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idkg_client_operations_total",
			Help: "Successful client operations by type",
		}, []string{"type"}),
		ClientErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idkg_client_errors_total",
			Help: "Recoverable client errors by type",
		}, []string{"type"}),
		TransientErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "idkg_transient_crypto_errors_total",
			Help: "Crypto calls skipped due to transient errors",
		}),
		CriticalRetainErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "idkg_critical_retain_active_transcripts_errors_total",
			Help: "Fatal failures of retain_active_transcripts; operator intervention required",
		}),
		ComplaintsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "idkg_complaints_issued_total",
			Help: "Complaints issued by this replica",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.OnStateChangeDuration, m.ClientOps, m.ClientErrors,
			m.TransientErrors, m.CriticalRetainErrors, m.ComplaintsIssued)
	}
	return m
}

// GossipMetrics covers the priority oracle.
type GossipMetrics struct {
	DroppedAdverts *prometheus.CounterVec
}

func NewGossipMetrics(reg prometheus.Registerer) *GossipMetrics {
	m := &GossipMetrics{
		DroppedAdverts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idkg_dropped_adverts_total",
			Help: "Adverts dropped by the priority function, by message kind",
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.DroppedAdverts)
	}
	return m
}

// timedCall runs fn and records its duration under the sub-component label.
func timedCall[T any](m *ClientMetrics, subComponent string, fn func() T) T {
	start := time.Now()
	ret := fn()
	m.OnStateChangeDuration.WithLabelValues(subComponent).Observe(time.Since(start).Seconds())
	return ret
}
