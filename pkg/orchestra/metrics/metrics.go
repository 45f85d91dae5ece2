// Dcm-common is the shared service library of the Digital Curation Manager.
// Copyright (C) 2026 LZV.nrw
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package metrics exposes Prometheus collectors for the orchestration
// core: lease turnover, queue operations, job outcomes and job
// runtimes.
package metrics

import (
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	leases         *prometheus.CounterVec
	queueOps       *prometheus.CounterVec
	jobOutcomes    *prometheus.CounterVec
	registryPushes prometheus.Counter
	messages       *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
)

// Lease events.
const (
	LeaseAcquired  = "acquired"
	LeaseRefreshed = "refreshed"
	LeaseReleased  = "released"
	LeaseLost      = "lost"
)

// Queue operations and their results.
const (
	OpPush = "push"
	OpPop  = "pop"

	ResultOK    = "ok"
	ResultError = "error"
)

// Job outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeAborted   = "aborted"
	OutcomeTimeout   = "timeout"
	OutcomeRequeued  = "requeued"
	// OutcomeOrphaned counts jobs finalized by a controller after
	// their worker died.
	OutcomeOrphaned = "orphaned"
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors.
// Primarily used by tests to ensure clean state.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// IncLease counts a lease event (acquired, refreshed, released, lost).
func IncLease(event string) {
	mu.RLock()
	defer mu.RUnlock()
	if leases != nil {
		leases.WithLabelValues(sanitizeLabel(event, "unknown")).Inc()
	}
}

// IncQueueOp counts a queue operation with its result.
func IncQueueOp(op, result string) {
	mu.RLock()
	defer mu.RUnlock()
	if queueOps != nil {
		queueOps.WithLabelValues(
			sanitizeLabel(op, "unknown"), sanitizeLabel(result, "unknown"),
		).Inc()
	}
}

// IncJobOutcome counts a terminal job outcome.
func IncJobOutcome(outcome string) {
	mu.RLock()
	defer mu.RUnlock()
	if jobOutcomes != nil {
		jobOutcomes.WithLabelValues(sanitizeLabel(outcome, "unknown")).Inc()
	}
}

// IncRegistryPush counts a successful registry update.
func IncRegistryPush() {
	mu.RLock()
	defer mu.RUnlock()
	if registryPushes != nil {
		registryPushes.Inc()
	}
}

// IncMessage counts an accepted control message by instruction.
func IncMessage(instruction string) {
	mu.RLock()
	defer mu.RUnlock()
	if messages != nil {
		messages.WithLabelValues(sanitizeLabel(instruction, "unknown")).Inc()
	}
}

// ObserveJobDuration records the runtime of a finished job by type and
// outcome.
func ObserveJobDuration(jobType, outcome string, duration time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	if jobDuration != nil {
		jobDuration.WithLabelValues(
			sanitizeLabel(jobType, "unknown"), sanitizeLabel(outcome, "unknown"),
		).Observe(durationSeconds(duration))
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	leaseTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dcm",
		Subsystem: "orchestra",
		Name:      "leases_total",
		Help:      "Total lease events grouped by event type.",
	}, []string{"event"})

	queueTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dcm",
		Subsystem: "orchestra",
		Name:      "queue_operations_total",
		Help:      "Total queue operations grouped by operation and result.",
	}, []string{"op", "result"})

	outcomeTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dcm",
		Subsystem: "orchestra",
		Name:      "job_outcomes_total",
		Help:      "Total terminal job outcomes.",
	}, []string{"outcome"})

	pushTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dcm",
		Subsystem: "orchestra",
		Name:      "registry_pushes_total",
		Help:      "Total successful registry updates.",
	})

	messageTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dcm",
		Subsystem: "orchestra",
		Name:      "messages_total",
		Help:      "Total accepted control messages by instruction.",
	}, []string{"instruction"})

	durationHist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dcm",
		Subsystem: "orchestra",
		Name:      "job_duration_seconds",
		Help:      "Runtime of finished jobs by type and outcome.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
	}, []string{"type", "outcome"})

	registry.MustRegister(
		leaseTotal, queueTotal, outcomeTotal, pushTotal, messageTotal,
		durationHist,
	)

	reg = registry
	leases = leaseTotal
	queueOps = queueTotal
	jobOutcomes = outcomeTotal
	registryPushes = pushTotal
	messages = messageTotal
	jobDuration = durationHist
}

func sanitizeLabel(v string, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' || r == '.' || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
