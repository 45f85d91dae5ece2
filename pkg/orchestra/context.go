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
	"encoding/json"
	"sync"

	"github.com/lzv-nrw/dcm-common/pkg/models"
)

// JobFunc is a registered job implementation. The passed context is
// canceled when the job is aborted; implementations should also poll
// jc.Aborted at convenient points. A returned error marks the job as
// failed but completed.
type JobFunc func(ctx context.Context, jc *JobContext) error

// AbortContext states who requested an abort and why.
type AbortContext struct {
	Origin string
	Reason string
}

// ChildJob is a job spawned on another service whose lifecycle is
// bound to the parent: when the parent aborts, Abort is called to
// cascade the termination.
type ChildJob struct {
	// ID of the child report, in name@host form.
	ID string
	// Name describes the child in logs.
	Name string
	// Abort cascades a parent abort to the child. It may update the
	// parent info with a final child-report snapshot.
	Abort func(ctx context.Context, info *models.JobInfo, abort AbortContext) error
}

// JobContext is the handle a running job uses to maintain its report
// and interact with the worker supervising it. All methods are safe
// for concurrent use.
type JobContext struct {
	workerID string

	mu       sync.Mutex
	info     *models.JobInfo
	children []ChildJob
	aborted  bool
	abortCtx AbortContext

	// push signals the worker that the report changed; buffered so
	// jobs never block on it.
	push chan struct{}
}

func newJobContext(workerID string, info *models.JobInfo) *JobContext {
	return &JobContext{
		workerID: workerID,
		info:     info,
		push:     make(chan struct{}, 1),
	}
}

// Update runs fn with exclusive access to the job's info document.
func (jc *JobContext) Update(fn func(info *models.JobInfo)) {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	fn(jc.info)
}

// SetProgress updates the verbose description and percentage of the
// running job. The percentage is clamped to [0, 100] and never
// decreases while the job is running.
func (jc *JobContext) SetProgress(verbose string, numeric int) {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	report := jc.report()
	report.Progress.Verbose = verbose
	if numeric > 100 {
		numeric = 100
	}
	if numeric > report.Progress.Numeric {
		report.Progress.Numeric = numeric
	}
}

// Log appends a message to the job report under the given category,
// attributed to the worker.
func (jc *JobContext) Log(category models.LogCategory, body string) {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	jc.report().Log.Add(category, jc.workerID, body)
}

// SetData replaces the job-specific result document of the report.
func (jc *JobContext) SetData(data json.RawMessage) {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	jc.report().Data = data
}

// report returns the report, initializing it if needed. Callers hold
// jc.mu.
func (jc *JobContext) report() *models.Report {
	if jc.info.Report == nil {
		jc.info.Report = &models.Report{}
	}
	return jc.info.Report
}

// Push requests an early flush of the report to the registry. The
// worker debounces flushes to its push interval.
func (jc *JobContext) Push() {
	select {
	case jc.push <- struct{}{}:
	default:
	}
}

// Aborted reports whether an abort has been requested for this job.
func (jc *JobContext) Aborted() bool {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	return jc.aborted
}

// AddChild registers a child job for abort cascading.
func (jc *JobContext) AddChild(child ChildJob) {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	jc.children = append(jc.children, child)
}

// RemoveChild unregisters the child with the given report id, e.g.
// after it terminated on its own.
func (jc *JobContext) RemoveChild(id string) {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	kept := jc.children[:0]
	for _, child := range jc.children {
		if child.ID != id {
			kept = append(kept, child)
		}
	}
	jc.children = kept
}

// requestAbort records the abort context; the first request wins.
func (jc *JobContext) requestAbort(abort AbortContext) {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	if jc.aborted {
		return
	}
	jc.aborted = true
	jc.abortCtx = abort
	if jc.abortCtx.Origin == "" {
		jc.abortCtx.Origin = "unknown"
	}
	if jc.abortCtx.Reason == "" {
		jc.abortCtx.Reason = "unknown"
	}
}

func (jc *JobContext) abortContext() AbortContext {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	return jc.abortCtx
}

func (jc *JobContext) childJobs() []ChildJob {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	return append([]ChildJob(nil), jc.children...)
}

// snapshot returns a deep copy of the info document for pushing to
// the registry.
func (jc *JobContext) snapshot() (*models.JobInfo, error) {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	raw, err := json.Marshal(jc.info)
	if err != nil {
		return nil, err
	}
	var copied models.JobInfo
	if err := json.Unmarshal(raw, &copied); err != nil {
		return nil, err
	}
	return &copied, nil
}
