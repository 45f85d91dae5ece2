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

// Package kv provides key-value stores for JSON documents with optional
// per-entry expiry. Backends cover in-memory, on-disk, SQLite and a
// remote store reached over HTTP; Handler exposes any Store via the
// same HTTP API the remote adapter speaks.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key is missing or expired.
	ErrNotFound = errors.New("key not found")
	// ErrBackendUnavailable is returned when a remote backend cannot
	// be reached after exhausting retries.
	ErrBackendUnavailable = errors.New("store backend unavailable")
)

// Store is a key-value store for JSON documents. Entries written with
// a positive ttl expire passively: expired entries are treated as
// missing by Read, Next and Keys and removed opportunistically.
//
// Next iterates in insertion order, oldest entry first. Together with
// pop this makes a Store usable as a FIFO work queue.
type Store interface {
	// Write stores value under key, replacing any previous entry.
	// Zero ttl keeps the entry until deleted.
	Write(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error
	// Read returns the value stored under key. With pop, the entry is
	// removed in the same step.
	Read(ctx context.Context, key string, pop bool) (json.RawMessage, error)
	// Push stores value under a fresh unique key and returns that key.
	Push(ctx context.Context, value json.RawMessage, ttl time.Duration) (string, error)
	// Next returns the oldest entry, with pop removing it. An empty
	// store yields ErrNotFound.
	Next(ctx context.Context, pop bool) (string, json.RawMessage, error)
	// Delete removes key. Deleting a missing key is a no-op.
	Delete(ctx context.Context, key string) error
	// Keys lists all live keys.
	Keys(ctx context.Context) ([]string, error)
}
