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
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lzv-nrw/dcm-common/pkg/models"
	"github.com/lzv-nrw/dcm-common/pkg/orchestra/metrics"
)

// testClock is an adjustable time source for lease-expiry tests.
type testClock struct {
	mu     sync.Mutex
	base   time.Time
	offset time.Duration
}

func newTestClock() *testClock {
	return &testClock{base: time.Now()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.base.Add(c.offset)
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset += d
}

func newTestController(t *testing.T, cfg SQLiteControllerConfig) (*SQLiteController, *testClock) {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "controller.db")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	c, err := OpenSQLiteController(ctx, cfg)
	if err != nil {
		t.Fatalf("OpenSQLiteController failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	clock := newTestClock()
	c.now = clock.Now
	return c, clock
}

func testJobInfo(jobType string, body string) *models.JobInfo {
	return &models.JobInfo{
		Config: models.JobConfig{
			Type:         jobType,
			OriginalBody: json.RawMessage(body),
			RequestBody:  json.RawMessage(body),
		},
	}
}

func TestQueuePushAndPop(t *testing.T) {
	c, _ := newTestController(t, SQLiteControllerConfig{Name: "controller"})
	ctx := context.Background()

	tok, err := c.QueuePush(ctx, "token-1", testJobInfo("demo", `{"demo":{}}`))
	if err != nil {
		t.Fatalf("QueuePush failed: %v", err)
	}
	if tok.Value != "token-1" {
		t.Fatalf("unexpected token value: %q", tok.Value)
	}
	if !tok.Expires || tok.ExpiresAt == nil {
		t.Fatalf("expected expiring token, got %+v", tok)
	}

	status, err := c.GetStatus(ctx, "token-1")
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if status != models.StatusQueued {
		t.Fatalf("expected queued, got %q", status)
	}

	info, err := c.GetInfo(ctx, "token-1")
	if err != nil {
		t.Fatalf("GetInfo failed: %v", err)
	}
	if info.Metadata.Produced == nil || info.Metadata.Produced.By != "controller" {
		t.Fatalf("expected produced record by controller, got %+v", info.Metadata)
	}

	lock, err := c.QueuePop(ctx, "worker-1")
	if err != nil {
		t.Fatalf("QueuePop failed: %v", err)
	}
	if lock.Token != "token-1" || lock.Name != "worker-1" || lock.ID == "" {
		t.Fatalf("unexpected lock: %+v", lock)
	}

	// only one job available; the lock shields it from a second pop
	if _, err := c.QueuePop(ctx, "worker-2"); !errors.Is(err, ErrNoWork) {
		t.Fatalf("expected ErrNoWork, got %v", err)
	}
}

func TestQueuePopDispatchesOldestFirst(t *testing.T) {
	c, _ := newTestController(t, SQLiteControllerConfig{})
	ctx := context.Background()

	for _, token := range []string{"first", "second", "third"} {
		if _, err := c.QueuePush(ctx, token, testJobInfo("demo", `{}`)); err != nil {
			t.Fatalf("QueuePush %q failed: %v", token, err)
		}
	}
	for _, want := range []string{"first", "second", "third"} {
		lock, err := c.QueuePop(ctx, "worker")
		if err != nil {
			t.Fatalf("QueuePop failed: %v", err)
		}
		if lock.Token != want {
			t.Fatalf("expected token %q, got %q", want, lock.Token)
		}
	}
}

func TestQueuePushResubmission(t *testing.T) {
	c, _ := newTestController(t, SQLiteControllerConfig{})
	ctx := context.Background()

	first, err := c.QueuePush(ctx, "token-1", testJobInfo("demo", `{"a":1}`))
	if err != nil {
		t.Fatalf("QueuePush failed: %v", err)
	}

	// identical original body yields the existing token
	again, err := c.QueuePush(ctx, "token-1", testJobInfo("demo", `{"a":1}`))
	if err != nil {
		t.Fatalf("resubmission with same body failed: %v", err)
	}
	if again.Value != first.Value {
		t.Fatalf("expected token %q, got %q", first.Value, again.Value)
	}

	if _, err := c.QueuePush(
		ctx, "token-1", testJobInfo("demo", `{"a":2}`),
	); !errors.Is(err, ErrResubmission) {
		t.Fatalf("expected ErrResubmission, got %v", err)
	}
}

func TestRefreshLockExtendsAndExpires(t *testing.T) {
	c, clock := newTestController(t, SQLiteControllerConfig{
		LockTTL: 10 * time.Second,
	})
	ctx := context.Background()

	if _, err := c.QueuePush(ctx, "token-1", testJobInfo("demo", `{}`)); err != nil {
		t.Fatalf("QueuePush failed: %v", err)
	}
	lock, err := c.QueuePop(ctx, "worker")
	if err != nil {
		t.Fatalf("QueuePop failed: %v", err)
	}

	clock.Advance(5 * time.Second)
	refreshed, err := c.RefreshLock(ctx, lock.ID)
	if err != nil {
		t.Fatalf("RefreshLock failed: %v", err)
	}
	if !refreshed.ExpiresAt.After(lock.ExpiresAt) {
		t.Fatalf("expected extended lease, got %v <= %v",
			refreshed.ExpiresAt, lock.ExpiresAt)
	}

	clock.Advance(11 * time.Second)
	if _, err := c.RefreshLock(ctx, lock.ID); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost, got %v", err)
	}
}

func TestLockExpiresExactlyAtDeadline(t *testing.T) {
	c, clock := newTestController(t, SQLiteControllerConfig{
		LockTTL: 10 * time.Second,
	})
	ctx := context.Background()

	if _, err := c.QueuePush(ctx, "token-1", testJobInfo("demo", `{}`)); err != nil {
		t.Fatalf("QueuePush failed: %v", err)
	}
	lock, err := c.QueuePop(ctx, "worker")
	if err != nil {
		t.Fatalf("QueuePop failed: %v", err)
	}

	// a lease reaching its deadline is expired, not almost-expired
	clock.Advance(10 * time.Second)
	if !lock.Expired(clock.Now()) {
		t.Fatalf("expected expired lock at deadline: %+v", lock)
	}
	if _, err := c.RefreshLock(ctx, lock.ID); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost from RefreshLock, got %v", err)
	}
	err = c.RegistryPush(ctx, lock.ID, models.StatusRunning, nil)
	if !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost from RegistryPush, got %v", err)
	}
}

func TestQueuePopGrantsSingleLease(t *testing.T) {
	const (
		rounds  = 10
		workers = 8
	)
	c, _ := newTestController(t, SQLiteControllerConfig{})
	ctx := context.Background()

	var holders atomic.Int32
	for round := 0; round < rounds; round++ {
		token := fmt.Sprintf("token-%d", round)
		if _, err := c.QueuePush(ctx, token, testJobInfo("demo", `{}`)); err != nil {
			t.Fatalf("QueuePush %q failed: %v", token, err)
		}

		var (
			wg   sync.WaitGroup
			wins atomic.Int32
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(name string) {
				defer wg.Done()
				lock, err := c.QueuePop(ctx, name)
				if errors.Is(err, ErrNoWork) {
					return
				}
				if err != nil {
					t.Errorf("QueuePop failed: %v", err)
					return
				}
				wins.Add(1)
				if n := holders.Add(1); n != 1 {
					t.Errorf("%d concurrent lease holders for %q", n, lock.Token)
				}
				if _, err := c.RefreshLock(ctx, lock.ID); err != nil {
					t.Errorf("RefreshLock failed: %v", err)
				}
				if err := c.RegistryPush(
					ctx, lock.ID, models.StatusRunning, nil,
				); err != nil {
					t.Errorf("RegistryPush failed: %v", err)
				}
				holders.Add(-1)
				if err := c.ReleaseLock(ctx, lock.ID); err != nil {
					t.Errorf("ReleaseLock failed: %v", err)
				}
			}(fmt.Sprintf("worker-%d", i))
		}
		wg.Wait()
		if n := wins.Load(); n != 1 {
			t.Fatalf("expected exactly 1 lease for %q, got %d", token, n)
		}
	}

	// an unknown lock id never passes as a lease
	err := c.RegistryPush(ctx, "no-such-lock", models.StatusCompleted, nil)
	if !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost, got %v", err)
	}
}

func TestRegistryPushRejectsLostLease(t *testing.T) {
	c, clock := newTestController(t, SQLiteControllerConfig{
		LockTTL: 10 * time.Second,
	})
	ctx := context.Background()

	if _, err := c.QueuePush(ctx, "token-1", testJobInfo("demo", `{}`)); err != nil {
		t.Fatalf("QueuePush failed: %v", err)
	}
	lock, err := c.QueuePop(ctx, "worker")
	if err != nil {
		t.Fatalf("QueuePop failed: %v", err)
	}

	info, err := c.GetInfo(ctx, "token-1")
	if err != nil {
		t.Fatalf("GetInfo failed: %v", err)
	}
	if err := c.RegistryPush(
		ctx, lock.ID, models.StatusRunning, info,
	); err != nil {
		t.Fatalf("RegistryPush failed: %v", err)
	}

	clock.Advance(11 * time.Second)
	err = c.RegistryPush(ctx, lock.ID, models.StatusCompleted, info)
	if !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost, got %v", err)
	}
}

func TestCleanupRequeuesThenAbortsOrphanedJob(t *testing.T) {
	c, clock := newTestController(t, SQLiteControllerConfig{
		Name:         "controller",
		Requeue:      true,
		RequeueLimit: 1,
		LockTTL:      10 * time.Second,
	})
	ctx := context.Background()

	if _, err := c.QueuePush(ctx, "token-1", testJobInfo("demo", `{}`)); err != nil {
		t.Fatalf("QueuePush failed: %v", err)
	}

	orphan := func() {
		t.Helper()
		lock, err := c.QueuePop(ctx, "worker")
		if err != nil {
			t.Fatalf("QueuePop failed: %v", err)
		}
		info, err := c.GetInfo(ctx, "token-1")
		if err != nil {
			t.Fatalf("GetInfo failed: %v", err)
		}
		if err := c.RegistryPush(
			ctx, lock.ID, models.StatusRunning, info,
		); err != nil {
			t.Fatalf("RegistryPush failed: %v", err)
		}
		// worker dies, lease runs out
		clock.Advance(11 * time.Second)
	}

	orphan()
	if err := c.Cleanup(ctx); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	status, err := c.GetStatus(ctx, "token-1")
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if status != models.StatusQueued {
		t.Fatalf("expected requeued job, got %q", status)
	}
	info, err := c.GetInfo(ctx, "token-1")
	if err != nil {
		t.Fatalf("GetInfo failed: %v", err)
	}
	if info.Metadata.Consumed != nil {
		t.Fatalf("expected cleared consumed record after requeue: %+v",
			info.Metadata)
	}
	if len(info.Report.Log[models.LogEvent]) == 0 {
		t.Fatalf("expected requeue event in log: %+v", info.Report.Log)
	}

	// second failure exceeds the requeue limit
	orphan()
	if err := c.Cleanup(ctx); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	status, err = c.GetStatus(ctx, "token-1")
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if status != models.StatusAborted {
		t.Fatalf("expected aborted job, got %q", status)
	}
	info, err = c.GetInfo(ctx, "token-1")
	if err != nil {
		t.Fatalf("GetInfo failed: %v", err)
	}
	if info.Metadata.Aborted == nil || info.Metadata.Aborted.By != "controller" {
		t.Fatalf("expected aborted record by controller, got %+v", info.Metadata)
	}
}

func TestTokenExpiration(t *testing.T) {
	c, clock := newTestController(t, SQLiteControllerConfig{
		TokenTTL: time.Minute,
	})
	ctx := context.Background()

	if _, err := c.QueuePush(ctx, "token-1", testJobInfo("demo", `{}`)); err != nil {
		t.Fatalf("QueuePush failed: %v", err)
	}
	clock.Advance(2 * time.Minute)

	if _, err := c.GetStatus(ctx, "token-1"); !errors.Is(err, ErrUnknownToken) {
		t.Fatalf("expected ErrUnknownToken after expiry, got %v", err)
	}
}

func TestMessages(t *testing.T) {
	c, clock := newTestController(t, SQLiteControllerConfig{})
	ctx := context.Background()

	if _, err := c.QueuePush(ctx, "token-1", testJobInfo("demo", `{}`)); err != nil {
		t.Fatalf("QueuePush failed: %v", err)
	}
	if err := c.MessagePush(
		ctx, "token-1", models.InstructionAbort, "tester", "cancel requested",
	); err != nil {
		t.Fatalf("MessagePush failed: %v", err)
	}

	messages, err := c.MessageGet(ctx, time.Unix(0, 0))
	if err != nil {
		t.Fatalf("MessageGet failed: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	m := messages[0]
	if m.Token != "token-1" || m.Instruction != models.InstructionAbort ||
		m.Origin != "tester" || m.Content != "cancel requested" {
		t.Fatalf("unexpected message: %+v", m)
	}

	// later than the message: nothing new
	messages, err = c.MessageGet(ctx, clock.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("MessageGet failed: %v", err)
	}
	if len(messages) != 0 {
		t.Fatalf("expected no messages, got %d", len(messages))
	}

	// messages for unknown tokens are discarded without error
	if err := c.MessagePush(
		ctx, "no-such-token", models.InstructionAbort, "tester", "",
	); err != nil {
		t.Fatalf("MessagePush for unknown token failed: %v", err)
	}
	messages, err = c.MessageGet(ctx, time.Unix(0, 0))
	if err != nil {
		t.Fatalf("MessageGet failed: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("expected discarded message, got %d", len(messages))
	}
}

func TestQueueAndRegistrySizes(t *testing.T) {
	c, _ := newTestController(t, SQLiteControllerConfig{})
	ctx := context.Background()

	for _, token := range []string{"a", "b", "c"} {
		if _, err := c.QueuePush(ctx, token, testJobInfo("demo", `{}`)); err != nil {
			t.Fatalf("QueuePush failed: %v", err)
		}
	}
	lock, err := c.QueuePop(ctx, "worker")
	if err != nil {
		t.Fatalf("QueuePop failed: %v", err)
	}
	info, err := c.GetInfo(ctx, lock.Token)
	if err != nil {
		t.Fatalf("GetInfo failed: %v", err)
	}
	if err := c.RegistryPush(
		ctx, lock.ID, models.StatusRunning, info,
	); err != nil {
		t.Fatalf("RegistryPush failed: %v", err)
	}

	queued, err := c.QueueSize(ctx)
	if err != nil {
		t.Fatalf("QueueSize failed: %v", err)
	}
	if queued != 2 {
		t.Fatalf("expected queue size 2, got %d", queued)
	}
	total, err := c.RegistrySize(ctx)
	if err != nil {
		t.Fatalf("RegistrySize failed: %v", err)
	}
	if total != 3 {
		t.Fatalf("expected registry size 3, got %d", total)
	}
}

func TestQueueOperationMetrics(t *testing.T) {
	metrics.Reset()
	c, _ := newTestController(t, SQLiteControllerConfig{})
	ctx := context.Background()

	if _, err := c.QueuePush(ctx, "token-1", testJobInfo("demo", `{"a":1}`)); err != nil {
		t.Fatalf("QueuePush failed: %v", err)
	}
	if _, err := c.QueuePop(ctx, "worker"); err != nil {
		t.Fatalf("QueuePop failed: %v", err)
	}
	// an empty queue is a regular outcome, not an error
	if _, err := c.QueuePop(ctx, "worker"); !errors.Is(err, ErrNoWork) {
		t.Fatalf("expected ErrNoWork, got %v", err)
	}
	if _, err := c.QueuePush(
		ctx, "token-1", testJobInfo("demo", `{"a":2}`),
	); !errors.Is(err, ErrResubmission) {
		t.Fatalf("expected ErrResubmission, got %v", err)
	}

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(
		rec, httptest.NewRequest(http.MethodGet, "/metrics", nil),
	)
	body := rec.Body.String()
	for _, want := range []string{
		`dcm_orchestra_queue_operations_total{op="pop",result="ok"} 1`,
		`dcm_orchestra_queue_operations_total{op="push",result="ok"} 1`,
		`dcm_orchestra_queue_operations_total{op="push",result="error"} 1`,
		`dcm_orchestra_leases_total{event="acquired"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing sample %q in exposition:\n%s", want, body)
		}
	}
	if strings.Contains(body, `{op="pop",result="error"}`) {
		t.Errorf("unexpected pop error sample in exposition:\n%s", body)
	}
}
