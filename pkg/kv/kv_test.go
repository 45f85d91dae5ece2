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

package kv

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"testing"
	"time"
)

// storeContract exercises the behavior every backend must share.
func storeContract(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := store.Read(ctx, "missing", false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("read of missing key: got %v, want ErrNotFound", err)
	}
	if _, _, err := store.Next(ctx, false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("next on empty store: got %v, want ErrNotFound", err)
	}

	if err := store.Write(ctx, "a", json.RawMessage(`{"n":1}`), 0); err != nil {
		t.Fatal(err)
	}
	if err := store.Write(ctx, "b", json.RawMessage(`{"n":2}`), 0); err != nil {
		t.Fatal(err)
	}
	value, err := store.Read(ctx, "a", false)
	if err != nil {
		t.Fatal(err)
	}
	if string(value) != `{"n":1}` {
		t.Fatalf("read a = %s", value)
	}

	// overwrite does not duplicate
	if err := store.Write(ctx, "a", json.RawMessage(`{"n":3}`), 0); err != nil {
		t.Fatal(err)
	}
	keys, err := store.Keys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(keys)
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Fatalf("keys = %v", keys)
	}

	// next pops oldest-first; "a" was rewritten and is now youngest
	key, _, err := store.Next(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if key != "b" {
		t.Fatalf("next popped %q, want b", key)
	}

	// pop removes
	if _, err := store.Read(ctx, "a", true); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Read(ctx, "a", false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("read of popped key: got %v, want ErrNotFound", err)
	}

	// push yields fresh readable keys
	pushed, err := store.Push(ctx, json.RawMessage(`"queued"`), 0)
	if err != nil {
		t.Fatal(err)
	}
	if value, err = store.Read(ctx, pushed, false); err != nil || string(value) != `"queued"` {
		t.Fatalf("read pushed = %s, %v", value, err)
	}

	// delete is idempotent
	if err := store.Delete(ctx, pushed); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete(ctx, pushed); err != nil {
		t.Fatal(err)
	}
}

func TestMemoryStoreContract(t *testing.T) {
	storeContract(t, NewMemoryStore())
}

func TestDiskStoreContract(t *testing.T) {
	store, err := NewDiskStore(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatal(err)
	}
	storeContract(t, store)
}

func TestSQLiteStoreContract(t *testing.T) {
	store, err := OpenSQLiteStore(
		context.Background(), filepath.Join(t.TempDir(), "store.db"),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	storeContract(t, store)
}

func TestHTTPStoreContract(t *testing.T) {
	mux := http.NewServeMux()
	NewHandler(NewMemoryStore(), "MemoryStore", nil).Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()
	storeContract(t, NewHTTPStore(srv.URL, time.Second))
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore()
	clock := time.Now()
	store.now = func() time.Time { return clock }
	ctx := context.Background()

	if err := store.Write(ctx, "short", json.RawMessage(`1`), time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := store.Write(ctx, "forever", json.RawMessage(`2`), 0); err != nil {
		t.Fatal(err)
	}

	clock = clock.Add(2 * time.Minute)
	if _, err := store.Read(ctx, "short", false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired key: got %v, want ErrNotFound", err)
	}
	keys, err := store.Keys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0] != "forever" {
		t.Fatalf("keys after expiry = %v", keys)
	}
}

func TestSQLiteStoreExpiry(t *testing.T) {
	store, err := OpenSQLiteStore(
		context.Background(), filepath.Join(t.TempDir(), "store.db"),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	clock := time.Now()
	store.now = func() time.Time { return clock }
	ctx := context.Background()

	if err := store.Write(ctx, "short", json.RawMessage(`1`), time.Minute); err != nil {
		t.Fatal(err)
	}
	clock = clock.Add(2 * time.Minute)
	if _, err := store.Read(ctx, "short", false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired key: got %v, want ErrNotFound", err)
	}
	n, err := store.Cleanup(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("cleanup removed %d rows, want 1", n)
	}
}

func TestDiskStorePersistence(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	ctx := context.Background()

	first, err := NewDiskStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := first.Write(ctx, "job", json.RawMessage(`{"kept":true}`), 0); err != nil {
		t.Fatal(err)
	}

	second, err := NewDiskStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	value, err := second.Read(ctx, "job", false)
	if err != nil {
		t.Fatal(err)
	}
	if string(value) != `{"kept":true}` {
		t.Fatalf("reopened store read = %s", value)
	}
}

func TestHTTPStoreRetries(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			calls++
			if calls < 3 {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"ok":true}`))
		},
	))
	defer srv.Close()

	store := NewHTTPStore(srv.URL, time.Second)
	store.MaxRetries = 3
	value, err := store.Read(context.Background(), "job", false)
	if err != nil {
		t.Fatal(err)
	}
	if string(value) != `{"ok":true}` {
		t.Fatalf("read = %s", value)
	}
	if calls != 3 {
		t.Fatalf("server saw %d calls, want 3", calls)
	}

	store.MaxRetries = 1
	calls = -10 // keep failing
	if _, err := store.Read(context.Background(), "job", false); !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("exhausted retries: got %v, want ErrBackendUnavailable", err)
	}
}

func TestHandlerNotFoundAndTTL(t *testing.T) {
	store := NewMemoryStore()
	clock := time.Now()
	store.now = func() time.Time { return clock }

	mux := http.NewServeMux()
	NewHandler(store, "MemoryStore", nil).Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()
	client := NewHTTPStore(srv.URL, time.Second)
	ctx := context.Background()

	if _, err := client.Read(ctx, "nothing", false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("read missing over HTTP: got %v, want ErrNotFound", err)
	}
	if err := client.Write(ctx, "t", json.RawMessage(`1`), time.Minute); err != nil {
		t.Fatal(err)
	}
	clock = clock.Add(2 * time.Minute)
	if _, err := client.Read(ctx, "t", false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired key over HTTP: got %v, want ErrNotFound", err)
	}
}
