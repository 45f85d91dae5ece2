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

// Roundtrip tests for the controller wire API: Handler serving a
// SQLiteController, exercised through the HTTPController client.

package orchestra

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lzv-nrw/dcm-common/pkg/models"
)

func newTestHTTPController(t *testing.T) (*HTTPController, *SQLiteController) {
	t.Helper()
	backend, _ := newTestController(t, SQLiteControllerConfig{Name: "controller"})

	mux := http.NewServeMux()
	NewHandler(backend, nil).Register(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client := NewHTTPController(HTTPControllerConfig{
		BaseURL: server.URL,
		Name:    "client",
		Timeout: 5 * time.Second,
	})
	return client, backend
}

func TestHTTPControllerRoundtrip(t *testing.T) {
	c, _ := newTestHTTPController(t)
	ctx := context.Background()

	tok, err := c.QueuePush(ctx, "token-1", testJobInfo("demo", `{"a":1}`))
	if err != nil {
		t.Fatalf("QueuePush failed: %v", err)
	}
	if tok.Value != "token-1" || !tok.Expires {
		t.Fatalf("unexpected token: %+v", tok)
	}

	if _, err := c.QueuePush(
		ctx, "token-1", testJobInfo("demo", `{"a":2}`),
	); !errors.Is(err, ErrResubmission) {
		t.Fatalf("expected ErrResubmission, got %v", err)
	}

	queued, err := c.QueueSize(ctx)
	if err != nil {
		t.Fatalf("QueueSize failed: %v", err)
	}
	if queued != 1 {
		t.Fatalf("expected queue size 1, got %d", queued)
	}

	lock, err := c.QueuePop(ctx, "worker")
	if err != nil {
		t.Fatalf("QueuePop failed: %v", err)
	}
	if lock.Token != "token-1" || lock.ID == "" {
		t.Fatalf("unexpected lock: %+v", lock)
	}
	if _, err := c.QueuePop(ctx, "worker"); !errors.Is(err, ErrNoWork) {
		t.Fatalf("expected ErrNoWork, got %v", err)
	}

	refreshed, err := c.RefreshLock(ctx, lock.ID)
	if err != nil {
		t.Fatalf("RefreshLock failed: %v", err)
	}
	if refreshed.Token != "token-1" {
		t.Fatalf("unexpected refreshed lock: %+v", refreshed)
	}

	info, err := c.GetInfo(ctx, "token-1")
	if err != nil {
		t.Fatalf("GetInfo failed: %v", err)
	}
	info.Report = &models.Report{Host: "demo-service"}
	info.Report.Progress.Run()
	if err := c.RegistryPush(
		ctx, lock.ID, models.StatusRunning, info,
	); err != nil {
		t.Fatalf("RegistryPush failed: %v", err)
	}
	status, err := c.GetStatus(ctx, "token-1")
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if status != models.StatusRunning {
		t.Fatalf("expected running, got %q", status)
	}
	read, err := c.GetInfo(ctx, "token-1")
	if err != nil {
		t.Fatalf("GetInfo failed: %v", err)
	}
	if read.Report == nil || read.Report.Host != "demo-service" {
		t.Fatalf("report not persisted: %+v", read.Report)
	}

	if err := c.MessagePush(
		ctx, "token-1", models.InstructionAbort, "tester", "cancel",
	); err != nil {
		t.Fatalf("MessagePush failed: %v", err)
	}
	messages, err := c.MessageGet(ctx, time.Unix(0, 0))
	if err != nil {
		t.Fatalf("MessageGet failed: %v", err)
	}
	if len(messages) != 1 || messages[0].Origin != "tester" {
		t.Fatalf("unexpected messages: %+v", messages)
	}

	if err := c.ReleaseLock(ctx, lock.ID); err != nil {
		t.Fatalf("ReleaseLock failed: %v", err)
	}
	if _, err := c.RefreshLock(ctx, lock.ID); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost after release, got %v", err)
	}

	total, err := c.RegistrySize(ctx)
	if err != nil {
		t.Fatalf("RegistrySize failed: %v", err)
	}
	if total != 1 {
		t.Fatalf("expected registry size 1, got %d", total)
	}
}

func TestHTTPControllerUnknownToken(t *testing.T) {
	c, _ := newTestHTTPController(t)
	ctx := context.Background()

	if _, err := c.GetToken(ctx, "missing"); !errors.Is(err, ErrUnknownToken) {
		t.Fatalf("expected ErrUnknownToken, got %v", err)
	}
	if _, err := c.GetInfo(ctx, "missing"); !errors.Is(err, ErrUnknownToken) {
		t.Fatalf("expected ErrUnknownToken, got %v", err)
	}
	if _, err := c.GetStatus(ctx, "missing"); !errors.Is(err, ErrUnknownToken) {
		t.Fatalf("expected ErrUnknownToken, got %v", err)
	}
}

func TestHTTPControllerRetriesServerErrors(t *testing.T) {
	backend, _ := newTestController(t, SQLiteControllerConfig{})
	mux := http.NewServeMux()
	NewHandler(backend, nil).Register(mux)

	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				http.Error(w, "transient failure", http.StatusInternalServerError)
				return
			}
			mux.ServeHTTP(w, r)
		},
	))
	t.Cleanup(server.Close)

	c := NewHTTPController(HTTPControllerConfig{
		BaseURL:    server.URL,
		MaxRetries: 2,
	})
	if _, err := c.QueuePush(
		context.Background(), "token-1", testJobInfo("demo", `{}`),
	); err != nil {
		t.Fatalf("QueuePush failed despite retries: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", calls.Load())
	}
}

func TestHTTPControllerPopDoesNotRetry(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			http.Error(w, "down", http.StatusInternalServerError)
		},
	))
	t.Cleanup(server.Close)

	c := NewHTTPController(HTTPControllerConfig{
		BaseURL:    server.URL,
		MaxRetries: 3,
	})
	_, err := c.QueuePop(context.Background(), "worker")
	if !errors.Is(err, ErrControllerUnavailable) {
		t.Fatalf("expected ErrControllerUnavailable, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single pop attempt, got %d", calls.Load())
	}
}

func TestAbortBlocksUntilTerminal(t *testing.T) {
	fc := newFakeController()
	fc.enqueue("token-1", testJobInfo("demo", `{}`))

	w, err := NewWorker(fc, map[string]JobFunc{
		"demo": func(ctx context.Context, _ *JobContext) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}, testWorkerConfig("worker"))
	if err != nil {
		t.Fatalf("NewWorker failed: %v", err)
	}
	w.StopOnIdle()
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = w.Run(ctx)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := Abort(ctx, fc, "token-1", AbortOptions{
		Origin: "tester", Reason: "cleanup",
		Block:        true,
		PollInterval: 5 * time.Millisecond,
	}); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}
	if got := fc.status("token-1"); got != models.StatusAborted {
		t.Fatalf("expected aborted, got %q", got)
	}
	<-runDone
}
