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

// Package services provides the client and server building blocks DCM
// services share: a job-submission adapter for calling other services,
// the orchestration-controls API, the notification service and its
// client, and the demo job.
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/lzv-nrw/dcm-common/pkg/models"
	"github.com/lzv-nrw/dcm-common/pkg/orchestra"
)

// ErrServiceUnavailable is returned when a remote service cannot be
// reached.
var ErrServiceUnavailable = errors.New("service unavailable")

// APIResult aggregates the outcome of a job submitted to a remote
// service.
type APIResult struct {
	// Completed is set once the remote job reached a terminal state or
	// the adapter gave up on it.
	Completed bool
	// Success is only meaningful with Completed set.
	Success bool
	// Report is the latest known report of the remote job.
	Report *models.Report
}

// AdapterConfig configures an Adapter.
type AdapterConfig struct {
	// Name of the remote service, used as log origin.
	Name string
	// BaseURL of the remote service.
	BaseURL string
	// SubmitPath accepts job submissions via POST and aborts via
	// DELETE (default "/process").
	SubmitPath string
	// ReportPath serves reports via GET ?token= (default "/report").
	ReportPath string

	// Success evaluates a terminal report. If nil, any completed job
	// counts as successful.
	Success func(report *models.Report) bool

	// Interval between report polls (default 1s).
	Interval time.Duration
	// Timeout bounds the remote job's completion (default 6m).
	Timeout time.Duration
	// RequestTimeout bounds individual requests (default 1s).
	RequestTimeout time.Duration
}

func (c *AdapterConfig) applyDefaults() {
	if c.Name == "" {
		c.Name = "Service"
	}
	if c.SubmitPath == "" {
		c.SubmitPath = "/process"
	}
	if c.ReportPath == "" {
		c.ReportPath = "/report"
	}
	if c.Interval == 0 {
		c.Interval = time.Second
	}
	if c.Timeout == 0 {
		c.Timeout = 6 * time.Minute
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = time.Second
	}
}

// Adapter runs jobs on a remote DCM service: submit, poll for the
// report until termination, evaluate success, and cascade aborts.
type Adapter struct {
	cfg    AdapterConfig
	client *http.Client
}

// NewAdapter returns an adapter for the service at cfg.BaseURL.
func NewAdapter(cfg AdapterConfig) *Adapter {
	cfg.applyDefaults()
	return &Adapter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.RequestTimeout},
	}
}

// Hooks are run during Run: PostSubmission after a token was issued,
// Update whenever the result changed during polling.
type Hooks struct {
	PostSubmission func(token string)
	Update         func(result *APIResult)
}

func (h Hooks) postSubmission(token string) {
	if h.PostSubmission != nil {
		h.PostSubmission(token)
	}
}

func (h Hooks) update(result *APIResult) {
	if h.Update != nil {
		h.Update(result)
	}
}

func (a *Adapter) origin() string {
	return a.cfg.Name + "-Adapter"
}

// finalizeError marks the result completed and failed, recording why.
func (a *Adapter) finalizeError(result *APIResult, verbose, body string) {
	result.Completed = true
	result.Success = false
	if result.Report == nil {
		result.Report = &models.Report{Host: a.cfg.BaseURL}
	}
	result.Report.Progress.Complete()
	result.Report.Progress.Verbose = verbose
	result.Report.Log.Add(models.LogError, a.origin(), body)
}

// Submit posts body to the remote service and returns the issued job
// token. On failure the result is finalized with an error report.
func (a *Adapter) Submit(ctx context.Context, body any, result *APIResult) (models.Token, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return models.Token{}, fmt.Errorf("encoding submission: %w", err)
	}
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost,
		a.cfg.BaseURL+a.cfg.SubmitPath, bytes.NewReader(raw),
	)
	if err != nil {
		return models.Token{}, fmt.Errorf("building submission: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		a.finalizeError(result, "no connection", fmt.Sprintf(
			"Cannot connect to service at '%s' (%v).", a.cfg.BaseURL, err,
		))
		return models.Token{}, fmt.Errorf(
			"submit to %q: %w: %v", a.cfg.BaseURL, ErrServiceUnavailable, err,
		)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(resp.Body)
		a.finalizeError(result,
			fmt.Sprintf("submission rejected (%s)", bytes.TrimSpace(msg)),
			fmt.Sprintf("Service at '%s' rejected submission: %s (%d).",
				a.cfg.BaseURL, bytes.TrimSpace(msg), resp.StatusCode,
			),
		)
		return models.Token{}, fmt.Errorf(
			"submit to %q: status %s", a.cfg.BaseURL, resp.Status,
		)
	}

	var token models.Token
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return models.Token{}, fmt.Errorf("decoding token: %w", err)
	}
	result.Report = &models.Report{
		Host:  a.cfg.BaseURL,
		Token: &token,
		Args:  raw,
		Progress: models.Progress{
			Status:  models.StatusQueued,
			Verbose: fmt.Sprintf("queued by %s", a.origin()),
		},
	}
	return token, nil
}

// GetInfo fetches the current report of the remote job into result. A
// 503 response carries an intermediate report of a job still being
// processed.
func (a *Adapter) GetInfo(ctx context.Context, token string, result *APIResult) error {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet,
		a.cfg.BaseURL+a.cfg.ReportPath+"?token="+url.QueryEscape(token), nil,
	)
	if err != nil {
		return fmt.Errorf("building report request: %w", err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		a.finalizeError(result, "no connection", fmt.Sprintf(
			"Cannot connect to service at '%s' (%v).", a.cfg.BaseURL, err,
		))
		return fmt.Errorf(
			"report from %q: %w: %v", a.cfg.BaseURL, ErrServiceUnavailable, err,
		)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusServiceUnavailable:
		var report models.Report
		if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
			return fmt.Errorf("decoding report: %w", err)
		}
		result.Report = &report
		if resp.StatusCode == http.StatusOK {
			result.Completed = true
			result.Success = a.success(&report)
		}
		return nil
	default:
		msg, _ := io.ReadAll(resp.Body)
		a.finalizeError(result,
			fmt.Sprintf("unknown error (%d)", resp.StatusCode),
			fmt.Sprintf("Service at '%s' responded with an unknown error: %s (%d).",
				a.cfg.BaseURL, bytes.TrimSpace(msg), resp.StatusCode,
			),
		)
		return fmt.Errorf("report from %q: status %s", a.cfg.BaseURL, resp.Status)
	}
}

func (a *Adapter) success(report *models.Report) bool {
	if a.cfg.Success == nil {
		return report.Progress.Status == models.StatusCompleted
	}
	return a.cfg.Success(report)
}

// GetReport returns the latest report for token, complete or not.
func (a *Adapter) GetReport(ctx context.Context, token string) (*models.Report, error) {
	var result APIResult
	if err := a.GetInfo(ctx, token, &result); err != nil {
		return nil, err
	}
	return result.Report, nil
}

// Poll fetches reports until the remote job terminates or the
// adapter's timeout elapses.
func (a *Adapter) Poll(ctx context.Context, token string, result *APIResult, hooks Hooks) {
	deadline := time.Now().Add(a.cfg.Timeout)
	for {
		_ = a.GetInfo(ctx, token, result)
		hooks.update(result)
		if result.Completed {
			return
		}
		if time.Now().After(deadline) {
			a.finalizeError(result, "service timed out", fmt.Sprintf(
				"Service at '%s' has timed out after %s.",
				a.cfg.BaseURL, a.cfg.Timeout,
			))
			hooks.update(result)
			return
		}
		select {
		case <-ctx.Done():
			a.finalizeError(result, "canceled", fmt.Sprintf(
				"Request to service at '%s' was canceled (%v).",
				a.cfg.BaseURL, ctx.Err(),
			))
			hooks.update(result)
			return
		case <-time.After(a.cfg.Interval):
		}
	}
}

// Run submits body and polls until the remote job terminates,
// collecting everything in result.
func (a *Adapter) Run(ctx context.Context, body any, result *APIResult, hooks Hooks) {
	token, err := a.Submit(ctx, body, result)
	if err != nil {
		return
	}
	hooks.postSubmission(token.Value)
	a.Poll(ctx, token.Value, result, hooks)
}

// AbortRequest carries the context of an abort issued to a remote
// service.
type AbortRequest struct {
	Origin string `json:"origin,omitempty"`
	Reason string `json:"reason,omitempty"`

	// Broadcast forwards the abort to other replicas of the remote
	// service via its notification setup.
	Broadcast bool `json:"-"`
	// ReQueue asks the remote service to re-enqueue instead of
	// aborting terminally.
	ReQueue bool `json:"-"`
}

// Abort requests termination of the remote job identified by token.
func (a *Adapter) Abort(ctx context.Context, token string, abort AbortRequest) error {
	raw, err := json.Marshal(abort)
	if err != nil {
		return fmt.Errorf("encoding abort request: %w", err)
	}
	query := url.Values{}
	query.Set("token", token)
	query.Set("broadcast", strconv.FormatBool(abort.Broadcast))
	query.Set("re-queue", strconv.FormatBool(abort.ReQueue))
	req, err := http.NewRequestWithContext(
		ctx, http.MethodDelete,
		a.cfg.BaseURL+a.cfg.SubmitPath+"?"+query.Encode(), bytes.NewReader(raw),
	)
	if err != nil {
		return fmt.Errorf("building abort request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf(
			"abort at %q: %w: %v", a.cfg.BaseURL, ErrServiceUnavailable, err,
		)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("abort at %q: status %s: %s",
			a.cfg.BaseURL, resp.Status, bytes.TrimSpace(msg))
	}
	return nil
}

// ChildJob binds a remote job to a parent for abort cascading: on
// abort, the latest child report is snapshotted into the parent before
// the abort is forwarded (without broadcast, the remote service
// handles its own replicas).
func (a *Adapter) ChildJob(id, token string) orchestra.ChildJob {
	return orchestra.ChildJob{
		ID:   id,
		Name: a.cfg.Name,
		Abort: func(ctx context.Context, info *models.JobInfo, abort orchestra.AbortContext) error {
			if report, err := a.GetReport(ctx, token); err == nil &&
				info != nil && info.Report != nil {
				_ = info.Report.SetChild(id, report)
			}
			return a.Abort(ctx, token, AbortRequest{
				Origin: abort.Origin, Reason: abort.Reason,
			})
		},
	}
}
