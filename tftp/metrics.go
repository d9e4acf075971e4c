// Copyright 2016 Google Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tftp

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts what TFTP sessions do. A nil *Metrics discards
// everything.
type Metrics struct {
	transfers   *prometheus.CounterVec
	blocks      prometheus.Counter
	bytes       prometheus.Counter
	retransmits prometheus.Counter
	duration    prometheus.Histogram
}

// NewMetrics creates the TFTP metrics and registers them with reg, if
// reg is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netxfer",
			Subsystem: "tftp",
			Name:      "transfers_total",
			Help:      "Finished TFTP transfers by result.",
		}, []string{"result"}),
		blocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netxfer",
			Subsystem: "tftp",
			Name:      "blocks_sent_total",
			Help:      "DATA packets sent, not counting retransmissions.",
		}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netxfer",
			Subsystem: "tftp",
			Name:      "bytes_sent_total",
			Help:      "File bytes sent, not counting retransmissions.",
		}),
		retransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netxfer",
			Subsystem: "tftp",
			Name:      "retransmits_total",
			Help:      "Packets sent again after an ACK timeout.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "netxfer",
			Subsystem: "tftp",
			Name:      "transfer_duration_seconds",
			Help:      "Time from first packet to final ACK or failure.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.transfers, m.blocks, m.bytes, m.retransmits, m.duration)
	}
	return m
}

func (m *Metrics) blockSent(n int) {
	if m == nil {
		return
	}
	m.blocks.Inc()
	m.bytes.Add(float64(n))
}

func (m *Metrics) retransmitted() {
	if m == nil {
		return
	}
	m.retransmits.Inc()
}

func (m *Metrics) transferDone(err error, d time.Duration) {
	if m == nil {
		return
	}
	m.transfers.WithLabelValues(result(err)).Inc()
	m.duration.Observe(d.Seconds())
}

func result(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	default:
		return "error"
	}
}
