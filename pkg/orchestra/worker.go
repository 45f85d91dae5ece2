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

package orchestra

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lzv-nrw/dcm-common/pkg/models"
	"github.com/lzv-nrw/dcm-common/pkg/orchestra/metrics"
)

// WorkerState describes what a worker is currently doing.
type WorkerState string

const (
	WorkerStopped WorkerState = "stopped"
	WorkerIdle    WorkerState = "idle"
	WorkerBusy    WorkerState = "busy"
)

// WorkerConfig configures a Worker. Zero values are replaced by
// defaults.
type WorkerConfig struct {
	// Name tags this worker in logs and job metadata. Defaults to
	// "Worker-<hostname>-<random>".
	Name string

	// PollInterval between queue polls (default 1s).
	PollInterval time.Duration
	// ProcessTimeout bounds individual job runtimes; exceeding it
	// aborts the job. Zero disables the timeout.
	ProcessTimeout time.Duration
	// RegistryPushInterval debounces report flushes to the registry
	// (default 1s).
	RegistryPushInterval time.Duration
	// LockRefreshInterval between lease refreshes (default 1s). Must
	// stay well below the controller's lock TTL.
	LockRefreshInterval time.Duration
	// MessageInterval between polls for control messages (default 1s).
	MessageInterval time.Duration
	// AbortGrace is how long an aborted job may react to cancellation
	// before the worker abandons its goroutine (default 2s).
	AbortGrace time.Duration

	// Logger is optional; if nil, logging is suppressed.
	Logger *slog.Logger
}

func (c *WorkerConfig) applyDefaults() {
	if c.Name == "" {
		host, _ := os.Hostname()
		c.Name = fmt.Sprintf("Worker-%s-%.8s", host, uuid.NewString())
	}
	if c.PollInterval == 0 {
		c.PollInterval = time.Second
	}
	if c.RegistryPushInterval == 0 {
		c.RegistryPushInterval = time.Second
	}
	if c.LockRefreshInterval == 0 {
		c.LockRefreshInterval = time.Second
	}
	if c.MessageInterval == 0 {
		c.MessageInterval = time.Second
	}
	if c.AbortGrace == 0 {
		c.AbortGrace = 2 * time.Second
	}
}

// Worker pulls jobs from a Controller in a loop and supervises their
// execution: it flushes report updates, refreshes the lock lease,
// polls for abort messages and enforces the process timeout. Jobs run
// on a dedicated goroutine with panic recovery; an aborted job that
// ignores cancellation beyond AbortGrace is abandoned.
type Worker struct {
	controller Controller
	jobs       map[string]JobFunc
	cfg        WorkerConfig
	now        func() time.Time

	mu         sync.Mutex
	state      WorkerState
	busyToken  string
	current    *JobContext
	cancelJob  context.CancelFunc
	stopOnIdle bool
}

// NewWorker returns a worker processing the given job types via
// controller.
func NewWorker(controller Controller, jobs map[string]JobFunc, cfg WorkerConfig) (*Worker, error) {
	if len(jobs) == 0 {
		return nil, errors.New("at least one job type is required")
	}
	cfg.applyDefaults()
	registered := make(map[string]JobFunc, len(jobs))
	for jobType, fn := range jobs {
		if fn == nil {
			return nil, fmt.Errorf("job type %q has no implementation", jobType)
		}
		registered[jobType] = fn
	}
	return &Worker{
		controller: controller,
		jobs:       registered,
		cfg:        cfg,
		now:        time.Now,
		state:      WorkerStopped,
	}, nil
}

// Name returns the worker name.
func (w *Worker) Name() string { return w.cfg.Name }

// State returns the current worker state.
func (w *Worker) State() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// BusyToken returns the token of the job currently processed, or "".
func (w *Worker) BusyToken() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.busyToken
}

// StopOnIdle makes the worker return from Run the next time the queue
// is empty.
func (w *Worker) StopOnIdle() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopOnIdle = true
}

// AbortCurrent requests an abort of the job currently processed.
// Reports whether a job was running.
func (w *Worker) AbortCurrent(abort AbortContext) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != WorkerBusy || w.current == nil {
		return false
	}
	w.current.requestAbort(abort)
	if w.cancelJob != nil {
		w.cancelJob()
	}
	return true
}

func (w *Worker) logger() *slog.Logger {
	if w.cfg.Logger != nil {
		return w.cfg.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (w *Worker) setIdle() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = WorkerIdle
	w.busyToken = ""
	w.current = nil
	w.cancelJob = nil
}

func (w *Worker) setBusy(token string, jc *JobContext, cancel context.CancelFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = WorkerBusy
	w.busyToken = token
	w.current = jc
	w.cancelJob = cancel
}

func (w *Worker) stopOnIdleRequested() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopOnIdle
}

// Run processes jobs until ctx is canceled or, after StopOnIdle, the
// queue runs empty. Always returns nil after a clean stop.
func (w *Worker) Run(ctx context.Context) error {
	w.setIdle()
	defer func() {
		w.mu.Lock()
		w.state = WorkerStopped
		w.busyToken = ""
		w.current = nil
		w.cancelJob = nil
		w.mu.Unlock()
		w.logger().Info("worker stopped", "worker", w.cfg.Name)
	}()
	w.logger().Info("worker started", "worker", w.cfg.Name)

	for {
		if ctx.Err() != nil {
			return nil
		}
		lock, err := w.controller.QueuePop(ctx, w.cfg.Name)
		switch {
		case errors.Is(err, ErrNoWork):
			if w.stopOnIdleRequested() {
				w.logger().Info("queue empty, stopping on idle",
					"worker", w.cfg.Name)
				return nil
			}
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			w.logger().Error("failed to pop queue",
				"worker", w.cfg.Name, "error", err)
		default:
			w.logger().Debug("starts working on job",
				"worker", w.cfg.Name, "token", lock.Token)
			w.runJob(ctx, lock)
			w.logger().Debug("stops working on job",
				"worker", w.cfg.Name, "token", lock.Token)
			if err := w.controller.ReleaseLock(ctx, lock.ID); err != nil {
				w.logger().Error("failed to release lock",
					"worker", w.cfg.Name, "token", lock.Token, "error", err)
			}
			w.setIdle()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// runJob supervises a single leased job to its terminal state.
func (w *Worker) runJob(ctx context.Context, lock *models.Lock) {
	info, err := w.controller.GetInfo(ctx, lock.Token)
	if err != nil {
		w.logger().Error("failed to load job info",
			"worker", w.cfg.Name, "token", lock.Token, "error", err)
		return
	}
	if info.Token == nil {
		tok, err := w.controller.GetToken(ctx, lock.Token)
		if err != nil {
			w.logger().Error("failed to load job token",
				"worker", w.cfg.Name, "token", lock.Token, "error", err)
			return
		}
		info.Token = &tok
	}
	if info.Report == nil {
		info.Report = &models.Report{}
	}
	info.Report.Token = info.Token

	jobFn, ok := w.jobs[info.Config.Type]
	if !ok {
		w.logger().Error("encountered unknown job type",
			"worker", w.cfg.Name, "token", lock.Token,
			"type", info.Config.Type)
		info.Report.Progress.Abort()
		info.Report.Progress.Verbose = "job aborted (unknown job type)"
		info.Report.Log.Add(
			models.LogError, w.cfg.Name,
			fmt.Sprintf("Unknown job type '%s'.", info.Config.Type),
		)
		info.Metadata.Abort(w.cfg.Name)
		if err := w.controller.RegistryPush(
			ctx, lock.ID, models.StatusAborted, info,
		); err != nil {
			w.logger().Error("failed to push job information",
				"worker", w.cfg.Name, "token", lock.Token, "error", err)
		}
		return
	}

	jc := newJobContext(w.cfg.Name, info)
	jobCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.setBusy(lock.Token, jc, cancel)

	started := w.now()
	done := make(chan struct{})
	go w.executeJob(jobCtx, jc, jobFn, done)

	timedOut := w.superviseJob(ctx, jc, lock, done)

	outcome := metrics.OutcomeCompleted
	if jc.Aborted() {
		w.finalizeAborted(ctx, jc, lock)
		outcome = metrics.OutcomeAborted
		if timedOut {
			outcome = metrics.OutcomeTimeout
		}
	} else {
		w.finalizeCompleted(ctx, jc, lock)
	}
	metrics.IncJobOutcome(outcome)
	metrics.ObserveJobDuration(info.Config.Type, outcome, w.now().Sub(started))
}

// executeJob runs the job function on its own goroutine with panic
// recovery.
func (w *Worker) executeJob(ctx context.Context, jc *JobContext, jobFn JobFunc, done chan<- struct{}) {
	defer close(done)
	defer func() {
		if p := recover(); p != nil {
			w.logger().Error("panic in job",
				"worker", w.cfg.Name, "panic", p)
			jc.Update(func(info *models.JobInfo) {
				info.Report.Log.Add(
					models.LogError, w.cfg.Name,
					fmt.Sprintf("Job failed due to panic: %v", p),
				)
				info.Metadata.Complete(w.cfg.Name)
				info.Report.Progress.Complete()
				info.Report.Progress.Verbose = "job failed"
			})
		}
	}()

	jc.Update(func(info *models.JobInfo) {
		info.Report.Progress.Run()
		if info.Metadata.Produced != nil {
			info.Report.Log.Add(
				models.LogEvent, w.cfg.Name,
				fmt.Sprintf("Produced at %s by '%s'.",
					info.Metadata.Produced.Datetime.Format(time.RFC3339),
					info.Metadata.Produced.By,
				),
			)
		}
		info.Metadata.Consume(w.cfg.Name)
		info.Report.Log.Add(
			models.LogEvent, w.cfg.Name,
			fmt.Sprintf("Consumed at %s by '%s'.",
				info.Metadata.Consumed.Datetime.Format(time.RFC3339),
				w.cfg.Name,
			),
		)
	})
	jc.Push()

	err := jobFn(ctx, jc)

	if jc.Aborted() {
		// abort finalization happens on the worker side
		return
	}
	jc.Update(func(info *models.JobInfo) {
		if err != nil {
			info.Report.Log.Add(
				models.LogError, w.cfg.Name,
				fmt.Sprintf("Job failed: %v", err),
			)
			info.Report.Progress.Verbose = "job failed"
		} else {
			info.Report.Progress.Verbose = "job completed"
		}
		info.Metadata.Complete(w.cfg.Name)
		info.Report.Log.Add(
			models.LogEvent, w.cfg.Name,
			fmt.Sprintf("Completed at %s by '%s'.",
				info.Metadata.Completed.Datetime.Format(time.RFC3339),
				w.cfg.Name,
			),
		)
		info.Report.Progress.Complete()
	})
}

// superviseJob drives pushes, lease refreshes, message polls and the
// timeout until the job goroutine exits or is abandoned. Reports
// whether the process timeout fired.
func (w *Worker) superviseJob(ctx context.Context, jc *JobContext, lock *models.Lock, done <-chan struct{}) (timedOut bool) {
	pushTicker := time.NewTicker(w.cfg.RegistryPushInterval)
	defer pushTicker.Stop()
	lockTicker := time.NewTicker(w.cfg.LockRefreshInterval)
	defer lockTicker.Stop()
	msgTicker := time.NewTicker(w.cfg.MessageInterval)
	defer msgTicker.Stop()

	var timeoutCh <-chan time.Time
	if w.cfg.ProcessTimeout > 0 {
		timer := time.NewTimer(w.cfg.ProcessTimeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	var (
		graceCh     <-chan time.Time
		ctxDone     = ctx.Done()
		sinceMsg    = time.Unix(0, 0)
		dirty       = false
		currentLock = lock
	)

	abort := func(ac AbortContext) {
		jc.requestAbort(ac)
		w.mu.Lock()
		cancel := w.cancelJob
		w.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if graceCh == nil {
			graceCh = time.After(w.cfg.AbortGrace)
		}
	}

	for {
		select {
		case <-done:
			return timedOut

		case <-graceCh:
			w.logger().Error("job ignored cancellation, abandoning",
				"worker", w.cfg.Name, "token", lock.Token)
			return timedOut

		case <-ctxDone:
			ctxDone = nil
			abort(AbortContext{
				Origin: w.cfg.Name, Reason: "worker shutdown",
			})

		case <-jc.push:
			dirty = true

		case <-pushTicker.C:
			if !dirty {
				continue
			}
			if w.pushRunning(ctx, jc, lock) {
				dirty = false
			} else {
				abort(AbortContext{
					Origin: w.cfg.Name,
					Reason: "cannot connect to controller",
				})
			}

		case <-lockTicker.C:
			refreshed, err := w.controller.RefreshLock(ctx, lock.ID)
			if err != nil {
				w.logger().Error("failed to refresh lock",
					"worker", w.cfg.Name, "token", lock.Token, "error", err)
				if errors.Is(err, ErrLeaseLost) ||
					currentLock.Expired(w.now()) {
					w.logger().Error("encountered expired lock, job failed",
						"worker", w.cfg.Name, "token", lock.Token)
					abort(AbortContext{
						Origin: w.cfg.Name, Reason: "stale lock",
					})
				}
				continue
			}
			currentLock = refreshed

		case <-msgTicker.C:
			messages, err := w.controller.MessageGet(ctx, sinceMsg)
			if err != nil {
				w.logger().Error("failed to fetch messages",
					"worker", w.cfg.Name, "token", lock.Token, "error", err)
				continue
			}
			sinceMsg = w.now()
			for _, m := range messages {
				if m.Token != lock.Token ||
					m.Instruction != models.InstructionAbort {
					continue
				}
				abort(AbortContext{Origin: m.Origin, Reason: m.Content})
			}

		case <-timeoutCh:
			timeoutCh = nil
			timedOut = true
			abort(AbortContext{
				Origin: w.cfg.Name,
				Reason: fmt.Sprintf(
					"process timeout after %s", w.cfg.ProcessTimeout,
				),
			})
		}
	}
}

// pushRunning flushes the current report with running status. Reports
// whether the push was accepted.
func (w *Worker) pushRunning(ctx context.Context, jc *JobContext, lock *models.Lock) bool {
	snap, err := jc.snapshot()
	if err != nil {
		w.logger().Error("failed to snapshot job info",
			"worker", w.cfg.Name, "token", lock.Token, "error", err)
		return true
	}
	err = w.controller.RegistryPush(ctx, lock.ID, models.StatusRunning, snap)
	if err == nil {
		return true
	}
	w.logger().Error("failed to push job information",
		"worker", w.cfg.Name, "token", lock.Token, "error", err)
	return !errors.Is(err, ErrLeaseLost) &&
		!errors.Is(err, ErrControllerUnavailable)
}

func (w *Worker) finalizeCompleted(ctx context.Context, jc *JobContext, lock *models.Lock) {
	snap, err := jc.snapshot()
	if err != nil {
		w.logger().Error("failed to snapshot job info",
			"worker", w.cfg.Name, "token", lock.Token, "error", err)
		return
	}
	if err := w.controller.RegistryPush(
		ctx, lock.ID, models.StatusCompleted, snap,
	); err != nil {
		w.logger().Error("failed to push job information",
			"worker", w.cfg.Name, "token", lock.Token, "error", err)
	}
}

func (w *Worker) finalizeAborted(ctx context.Context, jc *JobContext, lock *models.Lock) {
	ac := jc.abortContext()
	w.logger().Info("job aborted",
		"worker", w.cfg.Name, "token", lock.Token,
		"origin", ac.Origin, "reason", ac.Reason)

	// cascade to children; they get a copy of the job document since
	// an abandoned job goroutine may still be mutating the live one
	children := jc.childJobs()
	var cascade *models.JobInfo
	if len(children) > 0 {
		var err error
		cascade, err = jc.snapshot()
		if err != nil {
			w.logger().Error("failed to snapshot job info",
				"worker", w.cfg.Name, "token", lock.Token, "error", err)
			cascade = &models.JobInfo{Report: &models.Report{}}
		}
	}
	for _, child := range children {
		w.logger().Debug("aborting child job",
			"worker", w.cfg.Name, "token", lock.Token, "child", child.ID)
		if err := child.Abort(ctx, cascade, ac); err != nil {
			w.logger().Error("failed to abort child job",
				"worker", w.cfg.Name, "token", lock.Token,
				"child", child.ID, "error", err)
			jc.Update(func(info *models.JobInfo) {
				info.Report.Log.Add(
					models.LogError, w.cfg.Name,
					fmt.Sprintf("failed to abort child '%s' (%s): %v",
						child.ID, child.Name, err),
				)
			})
		}
	}
	// keep child-report snapshots collected during the cascade
	if cascade != nil && cascade.Report != nil {
		jc.Update(func(info *models.JobInfo) {
			if info.Report == nil {
				return
			}
			for id, report := range cascade.Report.Children {
				_ = info.Report.SetChild(id, report)
			}
		})
	}

	jc.Update(func(info *models.JobInfo) {
		info.Metadata.Abort(ac.Origin)
		info.Report.Progress.Abort()
		info.Report.Progress.Verbose = fmt.Sprintf("job aborted (%s)", ac.Reason)
		info.Report.Log.Add(
			models.LogEvent, w.cfg.Name,
			fmt.Sprintf("Aborted at %s by '%s'.",
				info.Metadata.Aborted.Datetime.Format(time.RFC3339), ac.Origin,
			),
		)
		info.Report.Log.Add(
			models.LogError, w.cfg.Name,
			fmt.Sprintf("Job aborted by '%s' (%s).", ac.Origin, ac.Reason),
		)
	})

	snap, err := jc.snapshot()
	if err != nil {
		w.logger().Error("failed to snapshot job info",
			"worker", w.cfg.Name, "token", lock.Token, "error", err)
		return
	}
	if err := w.controller.RegistryPush(
		ctx, lock.ID, models.StatusAborted, snap,
	); err != nil {
		w.logger().Error("failed to push job information",
			"worker", w.cfg.Name, "token", lock.Token, "error", err)
	}
}
