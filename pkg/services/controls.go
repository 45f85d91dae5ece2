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

package services

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lzv-nrw/dcm-common/pkg/daemon"
	"github.com/lzv-nrw/dcm-common/pkg/models"
	"github.com/lzv-nrw/dcm-common/pkg/orchestra"
)

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Orchestration owns a service's processing machinery: it starts and
// stops worker pools against a shared controller and exposes that
// control via the /orchestration endpoint.
type Orchestration struct {
	// Controller shared by the pools.
	Controller orchestra.Controller
	// NewPool builds a fresh worker pool; called on every start.
	NewPool func() (*orchestra.WorkerPool, error)
	// Daemon optionally supervises background processing; reported by
	// the status endpoint.
	Daemon *daemon.Daemon
	// AbortTimeout bounds blocking aborts (default 30s).
	AbortTimeout time.Duration
	// Notifications optionally broadcasts aborts to other replicas.
	Notifications *NotificationClient

	// Logger is optional; if nil, logging is suppressed.
	Logger *log.Logger

	mu     sync.Mutex
	pool   *orchestra.WorkerPool
	cancel context.CancelFunc
}

func (o *Orchestration) logf(format string, args ...any) {
	if o.Logger != nil {
		o.Logger.Printf(format, args...)
	}
}

// Start launches a fresh worker pool. With untilIdle, the pool drains
// the queue and stops. Returns false if a pool is already running.
func (o *Orchestration) Start(untilIdle bool) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pool != nil && o.pool.Running() {
		return false, nil
	}
	pool, err := o.NewPool()
	if err != nil {
		return false, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := pool.Start(ctx); err != nil {
		cancel()
		return false, err
	}
	if untilIdle {
		pool.StopOnIdle()
	}
	o.pool = pool
	o.cancel = cancel
	o.logf("started worker pool (until-idle=%t)", untilIdle)
	return true, nil
}

// Running reports whether a worker pool is processing.
func (o *Orchestration) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pool != nil && o.pool.Running()
}

// States returns the worker states of the current pool.
func (o *Orchestration) States() map[string]orchestra.WorkerState {
	o.mu.Lock()
	pool := o.pool
	o.mu.Unlock()
	if pool == nil {
		return map[string]orchestra.WorkerState{}
	}
	return pool.States()
}

// Jobs returns the tokens of jobs currently being processed.
func (o *Orchestration) Jobs() []string {
	o.mu.Lock()
	pool := o.pool
	o.mu.Unlock()
	if pool == nil {
		return []string{}
	}
	return pool.BusyTokens()
}

// Ready reports whether a worker slot is free for the next job.
func (o *Orchestration) Ready() bool {
	o.mu.Lock()
	pool := o.pool
	o.mu.Unlock()
	if pool == nil {
		return true
	}
	return len(pool.BusyTokens()) < pool.Size()
}

// Stop halts processing. Running jobs finish unless kill is set, in
// which case they are aborted with the given context.
func (o *Orchestration) Stop(kill bool, abort orchestra.AbortContext, block bool) {
	o.mu.Lock()
	pool := o.pool
	o.mu.Unlock()
	if o.Daemon != nil {
		// otherwise the daemon revives the pool on its next tick
		o.Daemon.Stop(false)
	}
	if pool == nil {
		return
	}
	if kill {
		o.logf("killing worker pool (origin=%q, reason=%q)",
			abort.Origin, abort.Reason)
		pool.Kill(abort, block)
		return
	}
	o.logf("stopping worker pool")
	pool.Stop(block)
}

// StopOnIdle lets the current pool drain the queue and stop.
func (o *Orchestration) StopOnIdle() {
	o.mu.Lock()
	pool := o.pool
	o.mu.Unlock()
	if pool != nil {
		pool.StopOnIdle()
	}
}

// Submit enqueues a job under a fresh token.
func (o *Orchestration) Submit(ctx context.Context, config models.JobConfig) (models.Token, error) {
	info := &models.JobInfo{Config: config}
	return o.Controller.QueuePush(ctx, uuid.NewString(), info)
}

// Abort terminates the job identified by token: an abort message via
// the controller plus, with broadcast, a notification to the other
// replicas so their workers observe the message promptly.
func (o *Orchestration) Abort(ctx context.Context, token string, abort orchestra.AbortContext, broadcast, block bool) error {
	timeout := o.AbortTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if err := orchestra.Abort(ctx, o.Controller, token, orchestra.AbortOptions{
		Origin:  abort.Origin,
		Reason:  abort.Reason,
		Block:   block,
		Timeout: timeout,
	}); err != nil {
		return err
	}
	if broadcast && o.Notifications != nil {
		if err := o.Notifications.Notify(ctx, NotifyOptions{
			Query: map[string]string{
				"token":     token,
				"broadcast": "false",
			},
			Body: map[string]string{
				"origin": abort.Origin,
				"reason": abort.Reason,
			},
			SkipSelf: true,
		}); err != nil {
			o.logf("abort broadcast for '%s': %v", token, err)
		}
	}
	return nil
}

// ControlsHandler exposes orchestration state and lifecycle controls.
type ControlsHandler struct {
	Orchestration *Orchestration

	// Logger is optional; if nil, logging is suppressed.
	Logger *log.Logger
}

// Register attaches the handler to mux.
func (h *ControlsHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/orchestration", h.orchestrationHandler)
}

func (h *ControlsHandler) logf(format string, args ...any) {
	if h.Logger != nil {
		h.Logger.Printf(format, args...)
	}
}

func (h *ControlsHandler) orchestrationHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.status(w, r)
	case http.MethodPut:
		h.start(w, r)
	case http.MethodPost:
		h.submit(w, r)
	case http.MethodDelete:
		h.stop(w, r)
	default:
		w.Header().Set("Allow", "GET, PUT, POST, DELETE")
		writeText(w, http.StatusMethodNotAllowed, "Method not allowed.")
	}
}

func (h *ControlsHandler) status(w http.ResponseWriter, r *http.Request) {
	o := h.Orchestration
	queue, err := o.Controller.QueueSize(r.Context())
	if err != nil {
		h.logf("queue size: %v", err)
		writeText(w, http.StatusBadGateway, "Controller unavailable.")
		return
	}
	registry, err := o.Controller.RegistrySize(r.Context())
	if err != nil {
		h.logf("registry size: %v", err)
		writeText(w, http.StatusBadGateway, "Controller unavailable.")
		return
	}
	jobs := o.Jobs()
	status := map[string]any{
		"queue":    map[string]any{"size": queue},
		"registry": map[string]any{"size": registry},
		"orchestrator": map[string]any{
			"ready":   o.Ready(),
			"idle":    queue == 0 && len(jobs) == 0,
			"running": o.Running(),
			"jobs":    jobs,
			"workers": o.States(),
		},
	}
	if o.Daemon != nil {
		status["daemon"] = map[string]bool{
			"active": o.Daemon.Active(),
			"status": o.Daemon.Active() && o.Running(),
		}
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *ControlsHandler) start(w http.ResponseWriter, r *http.Request) {
	untilIdle, _ := strconv.ParseBool(r.URL.Query().Get("until-idle"))
	started, err := h.Orchestration.Start(untilIdle)
	if err != nil {
		h.logf("start: %v", err)
		writeText(w, http.StatusInternalServerError, "Failed to start processing.")
		return
	}
	if !started {
		writeText(w, http.StatusServiceUnavailable, "Already processing.")
		return
	}
	writeText(w, http.StatusOK, "OK")
}

func (h *ControlsHandler) submit(w http.ResponseWriter, r *http.Request) {
	var config models.JobConfig
	if err := json.NewDecoder(r.Body).Decode(&config); err != nil ||
		config.Type == "" {
		writeText(w, http.StatusBadRequest, "Invalid job configuration.")
		return
	}
	token, err := h.Orchestration.Submit(r.Context(), config)
	if err != nil {
		h.logf("submit: %v", err)
		writeText(w, http.StatusBadGateway, "Failed submission to queue.")
		return
	}
	writeJSON(w, http.StatusCreated, token)
}

func (h *ControlsHandler) stop(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mode    string `json:"mode"`
		Options struct {
			Token     string `json:"token,omitempty"`
			Origin    string `json:"origin,omitempty"`
			Reason    string `json:"reason,omitempty"`
			UntilIdle bool   `json:"untilIdle,omitempty"`
			Block     bool   `json:"block,omitempty"`
			Broadcast bool   `json:"broadcast,omitempty"`
		} `json:"options"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeText(w, http.StatusBadRequest, "Invalid request body.")
		return
	}
	abort := orchestra.AbortContext{
		Origin: body.Options.Origin, Reason: body.Options.Reason,
	}
	switch body.Mode {
	case "stop":
		if body.Options.UntilIdle {
			h.Orchestration.StopOnIdle()
		} else {
			h.Orchestration.Stop(false, abort, body.Options.Block)
		}
		writeText(w, http.StatusOK, "OK")
	case "kill":
		h.Orchestration.Stop(true, abort, body.Options.Block)
		writeText(w, http.StatusOK, "OK")
	case "abort":
		if body.Options.Token == "" {
			writeText(w, http.StatusBadRequest, "Missing token.")
			return
		}
		if err := h.Orchestration.Abort(
			r.Context(), body.Options.Token, abort,
			body.Options.Broadcast, body.Options.Block,
		); err != nil {
			h.logf("abort: %v", err)
			writeText(w, http.StatusBadGateway, "Failed to abort job.")
			return
		}
		writeText(w, http.StatusOK, "OK")
	default:
		writeText(w, http.StatusBadRequest, "Unknown mode.")
	}
}
