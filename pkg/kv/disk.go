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
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// diskRecord is the file envelope of a single entry. The key is kept
// inside the file since file names are hashes.
type diskRecord struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	WrittenAt int64           `json:"written_at"`
	ExpiresAt int64           `json:"expires_at,omitempty"` // unix, 0 = never
}

// DiskStore persists one JSON file per key in a flat directory. File
// names are md5 hex digests of the key. Not safe for concurrent use
// across processes.
type DiskStore struct {
	mu  sync.Mutex
	dir string
	now func() time.Time
}

// NewDiskStore returns a store working in dir, creating it if needed.
func NewDiskStore(dir string) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	return &DiskStore{dir: dir, now: time.Now}, nil
}

// Dir returns the store's working directory.
func (s *DiskStore) Dir() string { return s.dir }

func (s *DiskStore) file(key string) string {
	sum := md5.Sum([]byte(key))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:]))
}

func (s *DiskStore) load(path string) (*diskRecord, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading record: %w", err)
	}
	var rec diskRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decoding record %s: %w", path, err)
	}
	if rec.ExpiresAt != 0 && !s.now().Before(time.Unix(rec.ExpiresAt, 0)) {
		_ = os.Remove(path)
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (s *DiskStore) writeLocked(key string, value json.RawMessage, ttl time.Duration) error {
	rec := diskRecord{
		Key:       key,
		Value:     value,
		WrittenAt: s.now().UnixNano(),
	}
	if ttl > 0 {
		rec.ExpiresAt = s.now().Add(ttl).Unix()
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	if err := os.WriteFile(s.file(key), raw, 0o644); err != nil {
		return fmt.Errorf("writing record: %w", err)
	}
	return nil
}

func (s *DiskStore) Write(_ context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(key, value, ttl)
}

func (s *DiskStore) Read(_ context.Context, key string, pop bool) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.load(s.file(key))
	if err != nil {
		return nil, err
	}
	if pop {
		if err := os.Remove(s.file(key)); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("removing record: %w", err)
		}
	}
	return rec.Value, nil
}

func (s *DiskStore) Push(_ context.Context, value json.RawMessage, ttl time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := uuid.NewString()
	for {
		if _, err := os.Stat(s.file(key)); os.IsNotExist(err) {
			break
		}
		key = uuid.NewString()
	}
	if err := s.writeLocked(key, value, ttl); err != nil {
		return "", err
	}
	return key, nil
}

// scan loads all live records, dropping expired or corrupt files.
func (s *DiskStore) scan() ([]*diskRecord, error) {
	files, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("listing store directory: %w", err)
	}
	var recs []*diskRecord
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		rec, err := s.load(filepath.Join(s.dir, f.Name()))
		if err != nil {
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (s *DiskStore) Next(_ context.Context, pop bool) (string, json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.scan()
	if err != nil {
		return "", nil, err
	}
	var oldest *diskRecord
	for _, rec := range recs {
		if oldest == nil || rec.WrittenAt < oldest.WrittenAt {
			oldest = rec
		}
	}
	if oldest == nil {
		return "", nil, ErrNotFound
	}
	if pop {
		if err := os.Remove(s.file(oldest.Key)); err != nil && !os.IsNotExist(err) {
			return "", nil, fmt.Errorf("removing record: %w", err)
		}
	}
	return oldest.Key, oldest.Value, nil
}

func (s *DiskStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.file(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing record: %w", err)
	}
	return nil
}

func (s *DiskStore) Keys(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.scan()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(recs))
	for _, rec := range recs {
		keys = append(keys, rec.Key)
	}
	return keys, nil
}
