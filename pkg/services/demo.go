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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/lzv-nrw/dcm-common/pkg/models"
	"github.com/lzv-nrw/dcm-common/pkg/orchestra"
)

// DemoJobType is the job type the demo job registers under.
const DemoJobType = "demo"

// DemoChild describes a job the demo job spawns on another service.
type DemoChild struct {
	// Host is the base url of the child's service.
	Host string `json:"host"`
	// Body of the child submission.
	Body json.RawMessage `json:"body,omitempty"`
	// Timeout for the child job in seconds (default 60).
	Timeout float64 `json:"timeout,omitempty"`
}

// DemoConfig parameterizes a demo job.
type DemoConfig struct {
	// Duration of the simulated work in seconds.
	Duration float64 `json:"duration"`
	// Success fixes the job outcome.
	Success *bool `json:"success,omitempty"`
	// SuccessRate draws the outcome at random, in percent. Ignored
	// when Success is set.
	SuccessRate *int `json:"successRate,omitempty"`
	// Children are spawned on other services and awaited.
	Children []DemoChild `json:"children,omitempty"`
}

// DemoRequest is the request body of a demo submission.
type DemoRequest struct {
	Demo        DemoConfig `json:"demo"`
	CallbackURL string     `json:"callbackUrl,omitempty"`
}

func (c DemoConfig) outcome() bool {
	if c.Success != nil {
		return *c.Success
	}
	if c.SuccessRate != nil {
		return rand.Intn(100) < *c.SuccessRate
	}
	return true
}

// pause waits d while staying responsive to aborts. Reports whether
// the wait completed.
func pause(ctx context.Context, jc *orchestra.JobContext, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if jc.Aborted() {
			return false
		}
		step := time.Until(deadline)
		if step > 50*time.Millisecond {
			step = 50 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(step):
		}
	}
	return !jc.Aborted()
}

// DemoJob returns the job implementation behind the demo endpoint: it
// simulates work for the configured duration, optionally spawns child
// jobs on other services, and reports the configured outcome. It
// grounds end-to-end tests of the orchestration core.
func DemoJob() orchestra.JobFunc {
	return func(ctx context.Context, jc *orchestra.JobContext) error {
		var request DemoRequest
		var parseErr error
		jc.Update(func(info *models.JobInfo) {
			parseErr = json.Unmarshal(info.Config.RequestBody, &request)
		})
		if parseErr != nil {
			return fmt.Errorf("invalid demo request: %w", parseErr)
		}
		cfg := request.Demo
		duration := time.Duration(cfg.Duration * float64(time.Second))

		jc.Log(models.LogEvent, "Job accepted.")
		jc.SetProgress("preparing..", 10)
		jc.Push()
		if !pause(ctx, jc, duration/2) {
			return ctx.Err()
		}

		success := cfg.outcome()
		for i, child := range cfg.Children {
			childID := fmt.Sprintf("child-%d@demo", i)
			jc.SetProgress(
				fmt.Sprintf("making request to '%s' (id '%s')..",
					child.Host, childID),
				50,
			)
			jc.Log(models.LogInfo, fmt.Sprintf(
				"Making request to '%s' (id '%s').", child.Host, childID,
			))
			jc.Push()

			childOK := runDemoChild(ctx, jc, childID, child)
			if !childOK {
				jc.Log(models.LogError, fmt.Sprintf(
					"Request to '%s' returned with an error. "+
						"See child-report '%s' for details.",
					child.Host, childID,
				))
			}
			success = success && childOK
			jc.Push()
			if jc.Aborted() {
				return ctx.Err()
			}
		}

		jc.SetProgress("evaluating..", 90)
		jc.Push()
		if !pause(ctx, jc, duration/2) {
			return ctx.Err()
		}

		raw, err := json.Marshal(map[string]bool{"success": success})
		if err != nil {
			return fmt.Errorf("encoding demo result: %w", err)
		}
		jc.SetData(raw)
		jc.SetProgress("done", 100)
		jc.Push()

		if request.CallbackURL != "" {
			notifyCallback(ctx, jc, request.CallbackURL)
		}
		return nil
	}
}

// runDemoChild submits one child job and awaits its termination,
// keeping the child report linked in the parent. Reports the child's
// success.
func runDemoChild(ctx context.Context, jc *orchestra.JobContext, childID string, child DemoChild) bool {
	timeout := time.Duration(child.Timeout * float64(time.Second))
	if timeout == 0 {
		timeout = time.Minute
	}
	adapter := NewAdapter(AdapterConfig{
		Name:       "Demo",
		BaseURL:    child.Host,
		SubmitPath: "/demo",
		Interval:   100 * time.Millisecond,
		Timeout:    timeout,
		Success:    DemoSuccess,
	})

	var result APIResult
	adapter.Run(ctx, json.RawMessage(child.Body), &result, Hooks{
		PostSubmission: func(token string) {
			jc.AddChild(adapter.ChildJob(childID, token))
			jc.Log(models.LogInfo, fmt.Sprintf(
				"Got token '%s' from external service.", token,
			))
			jc.Push()
		},
		Update: func(result *APIResult) {
			if result.Report == nil {
				return
			}
			jc.Update(func(info *models.JobInfo) {
				if info.Report != nil {
					_ = info.Report.SetChild(childID, result.Report)
				}
			})
			jc.Push()
		},
	})
	jc.RemoveChild(childID)
	return result.Success
}

// DemoSuccess evaluates a demo report's result document.
func DemoSuccess(report *models.Report) bool {
	if report == nil || report.Data == nil {
		return false
	}
	var data struct {
		Success bool `json:"success"`
	}
	if err := json.Unmarshal(report.Data, &data); err != nil {
		return false
	}
	return data.Success
}

// notifyCallback posts the job token to the submitted callback url on
// termination. Failures only leave a log entry.
func notifyCallback(ctx context.Context, jc *orchestra.JobContext, callbackURL string) {
	var token *models.Token
	jc.Update(func(info *models.JobInfo) {
		token = info.Token
	})
	if token == nil {
		return
	}
	raw, _ := json.Marshal(map[string]string{"token": token.Value})
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, callbackURL, bytes.NewReader(raw),
	)
	if err != nil {
		jc.Log(models.LogWarning, fmt.Sprintf(
			"Invalid callback url '%s' (%v).", callbackURL, err,
		))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	client := &http.Client{Timeout: time.Second}
	resp, err := client.Do(req)
	if err != nil {
		jc.Log(models.LogWarning, fmt.Sprintf(
			"Failed to deliver callback to '%s' (%v).", callbackURL, err,
		))
		return
	}
	resp.Body.Close()
	jc.Log(models.LogEvent, fmt.Sprintf(
		"Delivered callback to '%s'.", callbackURL,
	))
}
