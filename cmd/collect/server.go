package collect

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

// optional live telemetry endpoint exposing sampler liveness, sample-bucket
// count, and the pressure-stall side channel while a collection is running

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pmumon/internal/dump"
)

type telemetryServer struct {
	server     *http.Server
	registry   *prometheus.Registry
	samplerUp  prometheus.Gauge
	sampleTick prometheus.Counter
	psiSome    *prometheus.GaugeVec
	psiFull    *prometheus.GaugeVec
}

func startTelemetryServer(addr string) *telemetryServer {
	registry := prometheus.NewRegistry()
	t := &telemetryServer{
		registry: registry,
		samplerUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pmumon_sampler_up",
			Help: "1 while the external sampler process is alive.",
		}),
		sampleTick: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pmumon_sample_intervals_total",
			Help: "Number of sampling intervals observed by the monitor loop.",
		}),
		psiSome: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pmumon_pressure_some_pct",
			Help: "PSI some avg10 stall percentage by resource.",
		}, []string{"resource"}),
		psiFull: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pmumon_pressure_full_pct",
			Help: "PSI full avg10 stall percentage by resource.",
		}, []string{"resource"}),
	}
	registry.MustRegister(t.samplerUp, t.sampleTick, t.psiSome, t.psiFull)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	t.server = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	t.samplerUp.Set(1)
	go func() {
		if err := t.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("telemetry server failed", slog.String("addr", addr), slog.String("error", err.Error()))
		}
	}()
	slog.Info("telemetry server listening", slog.String("addr", addr))
	return t
}

func (t *telemetryServer) tick(pressure []dump.PressureSample) {
	if t == nil {
		return
	}
	t.sampleTick.Inc()
	for _, sample := range pressure {
		t.psiSome.WithLabelValues(sample.Resource).Set(sample.SomePct)
		t.psiFull.WithLabelValues(sample.Resource).Set(sample.FullPct)
	}
}

func (t *telemetryServer) stop() {
	if t == nil {
		return
	}
	t.samplerUp.Set(0)
	if err := t.server.Close(); err != nil {
		slog.Error("failed to close telemetry server", slog.String("error", err.Error()))
	}
}
