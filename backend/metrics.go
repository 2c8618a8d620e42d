// Copyright (c) 2026 TTBT Enterprises LLC
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

package backend

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ttbt-io/wicketkeeper/backend/scoring"
)

// Metrics holds the Prometheus collectors of one server instance. Each
// instance has its own registry so tests can build many servers.
type Metrics struct {
	reg *prometheus.Registry

	ActionsApplied   *prometheus.CounterVec
	ActionsRejected  *prometheus.CounterVec
	MatchesCompleted prometheus.Counter
	ActiveWS         prometheus.Gauge
	HTTPRequests     *prometheus.CounterVec
	HTTPDuration     *prometheus.HistogramVec
	LoginAttempts    *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		ActionsApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wicketkeeper_actions_applied_total",
				Help: "Actions appended to a match log, by action type.",
			},
			[]string{"type"},
		),
		ActionsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wicketkeeper_actions_rejected_total",
				Help: "Actions rejected before any state change, by reason.",
			},
			[]string{"reason"},
		),
		MatchesCompleted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "wicketkeeper_matches_completed_total",
				Help: "Matches that reached the completed phase.",
			},
		),
		ActiveWS: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "wicketkeeper_websocket_connections",
				Help: "Open WebSocket connections.",
			},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wicketkeeper_http_requests_total",
				Help: "HTTP requests by route and status code.",
			},
			[]string{"route", "code"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wicketkeeper_http_request_duration_seconds",
				Help:    "HTTP request latency by route.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"route"},
		),
		LoginAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wicketkeeper_login_attempts_total",
				Help: "Sign-in attempts by result.",
			},
			[]string{"result"},
		),
	}
	m.reg.MustRegister(
		m.ActionsApplied,
		m.ActionsRejected,
		m.MatchesCompleted,
		m.ActiveWS,
		m.HTTPRequests,
		m.HTTPDuration,
		m.LoginAttempts,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// RecordApplied counts applied actions by type.
func (m *Metrics) RecordApplied(actions []json.RawMessage) {
	if m == nil {
		return
	}
	for _, raw := range actions {
		var a struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &a); err != nil || a.Type == "" {
			a.Type = "unknown"
		}
		m.ActionsApplied.WithLabelValues(a.Type).Inc()
	}
}

// RecordRejected counts a rejected action by the kind of error.
func (m *Metrics) RecordRejected(err error) {
	if m == nil || err == nil {
		return
	}
	reason := "other"
	switch {
	case errors.Is(err, scoring.ErrMatchCompleted):
		reason = "match_completed"
	case scoring.IsValidation(err):
		reason = "scoring"
	case errors.Is(err, ErrInvalidAction):
		reason = "invalid"
	case errors.Is(err, ErrForbidden):
		reason = "forbidden"
	case errors.Is(err, ErrConflict):
		reason = "conflict"
	}
	m.ActionsRejected.WithLabelValues(reason).Inc()
}

// RecordCompleted counts a match transition into the completed phase.
func (m *Metrics) RecordCompleted() {
	if m == nil {
		return
	}
	m.MatchesCompleted.Inc()
}

func (m *Metrics) wsOpened() {
	if m != nil {
		m.ActiveWS.Inc()
	}
}

func (m *Metrics) wsClosed() {
	if m != nil {
		m.ActiveWS.Dec()
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController and the websocket upgrader reach the
// underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	r.code = http.StatusSwitchingProtocols
	return h.Hijack()
}

// instrument records request count and latency under the given route label.
func (m *Metrics) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	if m == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next(rec, r)
		m.HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		m.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
	}
}
