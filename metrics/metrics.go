// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes Prometheus collectors for the gateway, the council
// pipeline and the HTTP surface.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"llmcouncil/council"
	"llmcouncil/llm"
)

// Metrics implements llm.Observer and council.Observer.
type Metrics struct {
	gatherer prometheus.Gatherer

	modelCalls       *prometheus.CounterVec
	modelLatency     *prometheus.HistogramVec
	modelRetries     *prometheus.CounterVec
	modelFallbacks   *prometheus.CounterVec
	stageResponses   *prometheus.CounterVec
	stageDuration    *prometheus.HistogramVec
	runsTotal        *prometheus.CounterVec
	runDuration      prometheus.Histogram
	rateLimited      *prometheus.CounterVec
	requestsTotal    *prometheus.CounterVec
	requestDurations *prometheus.HistogramVec
}

var (
	_ llm.Observer     = (*Metrics)(nil)
	_ council.Observer = (*Metrics)(nil)
)

// New registers every collector with reg. Passing a fresh
// prometheus.NewRegistry keeps tests isolated.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		gatherer: reg,
		modelCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "council_model_calls_total",
			Help: "Model calls by model, route and outcome",
		}, []string{"model", "route", "status"}),
		modelLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "council_model_call_duration_milliseconds",
			Help:    "Model call latency in milliseconds",
			Buckets: []float64{100, 250, 500, 1000, 2000, 5000, 10000, 20000, 40000},
		}, []string{"route"}),
		modelRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "council_model_retries_total",
			Help: "Retries after transient provider errors",
		}, []string{"model", "route"}),
		modelFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "council_model_fallbacks_total",
			Help: "Substitutions of a failed model by its configured backup",
		}, []string{"primary", "backup"}),
		stageResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "council_stage_responses_total",
			Help: "Per-stage model responses by outcome",
		}, []string{"stage", "status"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "council_stage_duration_milliseconds",
			Help:    "Stage wall time in milliseconds",
			Buckets: []float64{500, 1000, 2000, 5000, 10000, 20000, 40000, 80000},
		}, []string{"stage"}),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "council_runs_total",
			Help: "Pipeline runs by terminal state and answer source",
		}, []string{"state", "source"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "council_run_duration_milliseconds",
			Help:    "Pipeline wall time in milliseconds",
			Buckets: []float64{1000, 5000, 10000, 20000, 40000, 80000, 160000},
		}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "council_rate_limited_total",
			Help: "Requests denied by the rate limiter",
		}, []string{"category"}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "council_http_requests_total",
			Help: "HTTP requests by route and status code",
		}, []string{"route", "code"}),
		requestDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "council_http_request_duration_milliseconds",
			Help:    "HTTP request duration in milliseconds",
			Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000, 10000, 60000},
		}, []string{"route"}),
	}
	reg.MustRegister(
		m.modelCalls, m.modelLatency, m.modelRetries, m.modelFallbacks,
		m.stageResponses, m.stageDuration, m.runsTotal, m.runDuration,
		m.rateLimited, m.requestsTotal, m.requestDurations,
	)
	return m
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// callStatus collapses errors into a small label set.
func callStatus(err error) string {
	if err == nil {
		return "success"
	}
	var pe *llm.ProviderError
	if errors.As(err, &pe) && pe.Code != "" {
		return pe.Code
	}
	return "error"
}

func (m *Metrics) ObserveCall(model, route string, err error, latency time.Duration) {
	m.modelCalls.WithLabelValues(model, route, callStatus(err)).Inc()
	m.modelLatency.WithLabelValues(route).Observe(ms(latency))
}

func (m *Metrics) ObserveRetry(model, route string, _ int) {
	m.modelRetries.WithLabelValues(model, route).Inc()
}

func (m *Metrics) ObserveFallback(primary, backup string) {
	m.modelFallbacks.WithLabelValues(primary, backup).Inc()
}

func (m *Metrics) ObserveStage(stage string, succeeded, total int, d time.Duration) {
	m.stageResponses.WithLabelValues(stage, "success").Add(float64(succeeded))
	if failed := total - succeeded; failed > 0 {
		m.stageResponses.WithLabelValues(stage, "failure").Add(float64(failed))
	}
	m.stageDuration.WithLabelValues(stage).Observe(ms(d))
}

func (m *Metrics) ObserveRun(final council.State, source string, d time.Duration) {
	m.runsTotal.WithLabelValues(string(final), source).Inc()
	m.runDuration.Observe(ms(d))
}

// ObserveRateLimited counts a denied request.
func (m *Metrics) ObserveRateLimited(category string) {
	m.rateLimited.WithLabelValues(category).Inc()
}

// ObserveRequest records one HTTP request under its route template.
func (m *Metrics) ObserveRequest(route string, code int, d time.Duration) {
	m.requestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.requestDurations.WithLabelValues(route).Observe(ms(d))
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
