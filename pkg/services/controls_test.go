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
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/lzv-nrw/dcm-common/pkg/models"
	"github.com/lzv-nrw/dcm-common/pkg/orchestra"
)

type orchestrationFixture struct {
	url           string
	controller    orchestra.Controller
	orchestration *Orchestration
}

func newOrchestrationFixture(t *testing.T) *orchestrationFixture {
	t.Helper()
	controller, err := orchestra.OpenSQLiteController(
		context.Background(), orchestra.SQLiteControllerConfig{
			Path: filepath.Join(t.TempDir(), "orchestra.db"),
		},
	)
	if err != nil {
		t.Fatalf("failed to open controller: %v", err)
	}
	t.Cleanup(func() { _ = controller.Close() })

	jobs := map[string]orchestra.JobFunc{DemoJobType: DemoJob()}
	orchestration := &Orchestration{
		Controller: controller,
		NewPool: func() (*orchestra.WorkerPool, error) {
			return orchestra.NewWorkerPool(controller, jobs, orchestra.PoolConfig{
				Worker: orchestra.WorkerConfig{
					PollInterval:         5 * time.Millisecond,
					RegistryPushInterval: 5 * time.Millisecond,
					LockRefreshInterval:  5 * time.Millisecond,
					MessageInterval:      5 * time.Millisecond,
					AbortGrace:           200 * time.Millisecond,
				},
			})
		},
		AbortTimeout: 5 * time.Second,
	}
	t.Cleanup(func() { orchestration.Stop(false, orchestra.AbortContext{}, true) })

	mux := http.NewServeMux()
	(&ControlsHandler{Orchestration: orchestration}).Register(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &orchestrationFixture{
		url:           server.URL,
		controller:    controller,
		orchestration: orchestration,
	}
}

func (f *orchestrationFixture) submit(t *testing.T, requestBody string) string {
	t.Helper()
	raw, _ := json.Marshal(models.JobConfig{
		Type:        DemoJobType,
		RequestBody: json.RawMessage(requestBody),
	})
	resp, err := http.Post(
		f.url+"/orchestration", "application/json", bytes.NewReader(raw),
	)
	if err != nil {
		t.Fatalf("submission failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", resp.StatusCode)
	}
	var token models.Token
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		t.Fatalf("failed to decode token: %v", err)
	}
	return token.Value
}

type orchestrationStatus struct {
	Queue struct {
		Size int `json:"size"`
	} `json:"queue"`
	Registry struct {
		Size int `json:"size"`
	} `json:"registry"`
	Orchestrator struct {
		Ready   bool     `json:"ready"`
		Idle    bool     `json:"idle"`
		Running bool     `json:"running"`
		Jobs    []string `json:"jobs"`
	} `json:"orchestrator"`
	Daemon *struct {
		Active bool `json:"active"`
		Status bool `json:"status"`
	} `json:"daemon"`
}

func (f *orchestrationFixture) status(t *testing.T) orchestrationStatus {
	t.Helper()
	resp, err := http.Get(f.url + "/orchestration")
	if err != nil {
		t.Fatalf("status request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	var status orchestrationStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("failed to decode status: %v", err)
	}
	return status
}

func (f *orchestrationFixture) start(t *testing.T, untilIdle bool) int {
	t.Helper()
	url := f.url + "/orchestration"
	if untilIdle {
		url += "?until-idle=true"
	}
	req, _ := http.NewRequest(http.MethodPut, url, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("start request failed: %v", err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func (f *orchestrationFixture) control(t *testing.T, body map[string]any) int {
	t.Helper()
	raw, _ := json.Marshal(body)
	req, _ := http.NewRequest(
		http.MethodDelete, f.url+"/orchestration", bytes.NewReader(raw),
	)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("control request failed: %v", err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func (f *orchestrationFixture) awaitIdle(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for f.orchestration.Running() {
		if time.Now().After(deadline) {
			t.Fatalf("pool did not drain in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOrchestrationDemoEndToEnd(t *testing.T) {
	f := newOrchestrationFixture(t)

	token := f.submit(t, `{"demo": {"duration": 0.05, "success": true}}`)

	status := f.status(t)
	if status.Orchestrator.Running {
		t.Fatalf("expected idle orchestration, got %+v", status)
	}
	if status.Queue.Size != 1 {
		t.Fatalf("expected 1 queued job, got %d", status.Queue.Size)
	}
	if status.Orchestrator.Idle {
		t.Fatalf("expected non-idle status with queued job, got %+v", status)
	}

	if code := f.start(t, true); code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", code)
	}
	f.awaitIdle(t)

	info, err := f.controller.GetInfo(context.Background(), token)
	if err != nil {
		t.Fatalf("GetInfo failed: %v", err)
	}
	if info.Report.Progress.Status != models.StatusCompleted {
		t.Fatalf("expected completed job, got %s", info.Report.Progress.Status)
	}
	if !DemoSuccess(info.Report) {
		t.Fatalf("expected successful demo result: %s", info.Report.Data)
	}
	if info.Report.Progress.Numeric != 100 {
		t.Fatalf("expected progress 100, got %d", info.Report.Progress.Numeric)
	}

	status = f.status(t)
	if status.Queue.Size != 0 || status.Orchestrator.Running {
		t.Fatalf("expected drained orchestration, got %+v", status)
	}
	if !status.Orchestrator.Idle || !status.Orchestrator.Ready ||
		len(status.Orchestrator.Jobs) != 0 {
		t.Fatalf("expected idle orchestrator, got %+v", status.Orchestrator)
	}

	// pool stopped after draining, restart is allowed
	if code := f.start(t, true); code != http.StatusOK {
		t.Fatalf("expected restart with status 200, got %d", code)
	}
}

func TestOrchestrationRejectsDoubleStart(t *testing.T) {
	f := newOrchestrationFixture(t)

	if code := f.start(t, false); code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", code)
	}
	if code := f.start(t, false); code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", code)
	}
	if code := f.control(t, map[string]any{
		"mode": "stop", "options": map[string]any{"block": true},
	}); code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", code)
	}
	f.awaitIdle(t)
	if code := f.start(t, false); code != http.StatusOK {
		t.Fatalf("expected restart with status 200, got %d", code)
	}
}

func TestOrchestrationRejectsInvalidSubmission(t *testing.T) {
	f := newOrchestrationFixture(t)

	resp, err := http.Post(
		f.url+"/orchestration", "application/json",
		bytes.NewReader([]byte(`{"request_body": {}}`)),
	)
	if err != nil {
		t.Fatalf("submission failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.StatusCode)
	}
}

func TestOrchestrationAbortsRunningJob(t *testing.T) {
	f := newOrchestrationFixture(t)
	ctx := context.Background()

	token := f.submit(t, `{"demo": {"duration": 60}}`)
	if code := f.start(t, false); code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", code)
	}

	// wait for the job to be picked up
	deadline := time.Now().Add(10 * time.Second)
	for {
		status, err := f.controller.GetStatus(ctx, token)
		if err != nil {
			t.Fatalf("GetStatus failed: %v", err)
		}
		if status == models.StatusRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never started, status %s", status)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// the busy job token shows up in the orchestrator status
	status := f.status(t)
	if len(status.Orchestrator.Jobs) != 1 ||
		status.Orchestrator.Jobs[0] != token {
		t.Fatalf("expected busy token %q, got %+v", token, status.Orchestrator)
	}
	if status.Orchestrator.Ready || status.Orchestrator.Idle {
		t.Fatalf("expected saturated pool, got %+v", status.Orchestrator)
	}

	if code := f.control(t, map[string]any{
		"mode": "abort",
		"options": map[string]any{
			"token":  token,
			"origin": "tester",
			"reason": "no longer needed",
			"block":  true,
		},
	}); code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", code)
	}

	info, err := f.controller.GetInfo(ctx, token)
	if err != nil {
		t.Fatalf("GetInfo failed: %v", err)
	}
	if info.Report.Progress.Status != models.StatusAborted {
		t.Fatalf("expected aborted job, got %s", info.Report.Progress.Status)
	}
	if info.Metadata.Aborted == nil || info.Metadata.Aborted.By != "tester" {
		t.Fatalf("unexpected abort metadata: %+v", info.Metadata.Aborted)
	}

	if code := f.control(t, map[string]any{
		"mode": "stop", "options": map[string]any{"block": true},
	}); code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", code)
	}
}

func TestOrchestrationDemoSpawnsChild(t *testing.T) {
	f := newOrchestrationFixture(t)
	ctx := context.Background()

	// a second demo service acts as the child's host
	child := newOrchestrationFixture(t)
	if code := child.start(t, false); code != http.StatusOK {
		t.Fatalf("expected status 200 for child service, got %d", code)
	}
	childURL := newDemoEndpoint(t, child)

	token := f.submit(t, `{"demo": {
		"duration": 0.01,
		"children": [{"host": "`+childURL+`",
			"body": {"demo": {"duration": 0.01, "success": true}},
			"timeout": 10}]
	}}`)
	if code := f.start(t, true); code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", code)
	}
	f.awaitIdle(t)

	info, err := f.controller.GetInfo(ctx, token)
	if err != nil {
		t.Fatalf("GetInfo failed: %v", err)
	}
	if info.Report.Progress.Status != models.StatusCompleted {
		t.Fatalf("expected completed job, got %s", info.Report.Progress.Status)
	}
	if !DemoSuccess(info.Report) {
		t.Fatalf("expected successful demo result: %s", info.Report.Data)
	}
	childReport := info.Report.Children["child-0@demo"]
	if childReport == nil {
		t.Fatalf("expected linked child report: %+v", info.Report.Children)
	}
	if !DemoSuccess(childReport) {
		t.Fatalf("expected successful child result: %s", childReport.Data)
	}
}

// newDemoEndpoint serves the demo job API of fixture f the way a DCM
// service would: POST /demo submits, GET /report serves reports.
func newDemoEndpoint(t *testing.T, f *orchestrationFixture) string {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/demo", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeText(w, http.StatusMethodNotAllowed, "Method not allowed.")
			return
		}
		var body json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeText(w, http.StatusBadRequest, "Invalid request body.")
			return
		}
		token, err := f.orchestration.Submit(r.Context(), models.JobConfig{
			Type: DemoJobType, RequestBody: body,
		})
		if err != nil {
			writeText(w, http.StatusBadGateway, "Failed submission to queue.")
			return
		}
		writeJSON(w, http.StatusCreated, token)
	})
	mux.HandleFunc("/report", func(w http.ResponseWriter, r *http.Request) {
		info, err := f.controller.GetInfo(
			r.Context(), r.URL.Query().Get("token"),
		)
		if err != nil {
			writeText(w, http.StatusNotFound, "Unknown token.")
			return
		}
		if info.Report == nil || !info.Report.Progress.Status.Terminal() {
			writeJSON(w, http.StatusServiceUnavailable, info.Report)
			return
		}
		writeJSON(w, http.StatusOK, info.Report)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server.URL
}
