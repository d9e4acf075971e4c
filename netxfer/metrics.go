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

package netxfer

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/metal-stack/netxfer/tftp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics collects what a Server does. A nil *Metrics discards
// everything.
type Metrics struct {
	TFTP *tftp.Metrics

	bootpReplies *prometheus.CounterVec
}

// NewMetrics creates the server metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TFTP: tftp.NewMetrics(reg),
		bootpReplies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netxfer",
			Subsystem: "bootp",
			Name:      "exchanges_total",
			Help:      "BOOTP exchanges by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.bootpReplies)
	}
	return m
}

func (m *Metrics) tftp() *tftp.Metrics {
	if m == nil {
		return nil
	}
	return m.TFTP
}

func (m *Metrics) bootpDone(err error) {
	if m == nil {
		return
	}
	var res string
	switch {
	case err == nil:
		res = "success"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		res = "canceled"
	default:
		res = "error"
	}
	m.bootpReplies.WithLabelValues(res).Inc()
}

// NewRegistry returns a registry with the Go runtime and process
// collectors already registered.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// MetricsHandler serves the metrics in g on /metrics.
func MetricsHandler(g prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return mux
}

// ServeMetrics serves MetricsHandler(g) on addr until ctx is canceled.
func ServeMetrics(ctx context.Context, addr string, g prometheus.Gatherer, log *zap.SugaredLogger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           MetricsHandler(g),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Infow("serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
