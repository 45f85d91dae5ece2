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
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryEntry struct {
	value     json.RawMessage
	expiresAt time.Time // zero = no expiry
	seq       uint64
}

// MemoryStore is a mutex-guarded in-memory Store. The zero value is
// not usable; use NewMemoryStore.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	seq     uint64

	// now allows tests to control the clock.
	now func() time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: map[string]memoryEntry{},
		now:     time.Now,
	}
}

func (s *MemoryStore) live(e memoryEntry) bool {
	return e.expiresAt.IsZero() || s.now().Before(e.expiresAt)
}

func (s *MemoryStore) writeLocked(key string, value json.RawMessage, ttl time.Duration) {
	e := memoryEntry{value: append(json.RawMessage(nil), value...), seq: s.seq}
	s.seq++
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.entries[key] = e
}

func (s *MemoryStore) Write(_ context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeLocked(key, value, ttl)
	return nil
}

func (s *MemoryStore) Read(_ context.Context, key string, pop bool) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || !s.live(e) {
		delete(s.entries, key)
		return nil, ErrNotFound
	}
	if pop {
		delete(s.entries, key)
	}
	return e.value, nil
}

func (s *MemoryStore) Push(_ context.Context, value json.RawMessage, ttl time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := uuid.NewString()
	for _, taken := s.entries[key]; taken; _, taken = s.entries[key] {
		key = uuid.NewString()
	}
	s.writeLocked(key, value, ttl)
	return key, nil
}

func (s *MemoryStore) Next(_ context.Context, pop bool) (string, json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		oldestKey string
		oldest    memoryEntry
		found     bool
	)
	for key, e := range s.entries {
		if !s.live(e) {
			delete(s.entries, key)
			continue
		}
		if !found || e.seq < oldest.seq {
			oldestKey, oldest, found = key, e, true
		}
	}
	if !found {
		return "", nil, ErrNotFound
	}
	if pop {
		delete(s.entries, oldestKey)
	}
	return oldestKey, oldest.value, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) Keys(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.entries))
	for key, e := range s.entries {
		if !s.live(e) {
			delete(s.entries, key)
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}
