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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// HTTPStore is a Store backed by a remote store exposed via Handler.
// Transient transport errors and 5xx responses are retried up to
// MaxRetries times with jittered pauses; after that the call fails
// with ErrBackendUnavailable.
type HTTPStore struct {
	// BaseURL of the remote store, without trailing slash.
	BaseURL string
	// Client is optional; http.DefaultClient is used if nil. Set a
	// Timeout on it to bound individual requests.
	Client *http.Client
	// MaxRetries is the number of additional attempts per request.
	MaxRetries int
	// RetryInterval is the base pause between attempts; up to 50%
	// jitter is added.
	RetryInterval time.Duration
}

// NewHTTPStore returns a client for the store at baseURL with the
// given request timeout and one retry.
func NewHTTPStore(baseURL string, timeout time.Duration) *HTTPStore {
	return &HTTPStore{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Client:     &http.Client{Timeout: timeout},
		MaxRetries: 1,
	}
}

func (s *HTTPStore) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return http.DefaultClient
}

func (s *HTTPStore) pause() {
	if s.RetryInterval <= 0 {
		return
	}
	jitter := time.Duration(rand.Int63n(int64(s.RetryInterval)/2 + 1))
	time.Sleep(s.RetryInterval + jitter)
}

// do issues the request, retrying on transport errors and 5xx.
func (s *HTTPStore) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= s.MaxRetries; attempt++ {
		if attempt > 0 {
			s.pause()
		}
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, s.BaseURL+path, reader)
		if err != nil {
			return nil, fmt.Errorf("building request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := s.client().Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("status %s", resp.Status)
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("%s %s: %w: %v", method, path, ErrBackendUnavailable, lastErr)
}

func (s *HTTPStore) Write(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	path := "/db/" + url.PathEscape(key)
	if ttl > 0 {
		path += "?ttl=" + strconv.Itoa(int(ttl.Seconds()))
	}
	resp, err := s.do(ctx, http.MethodPost, path, value)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("write key %q: status %s", key, resp.Status)
	}
	return nil
}

func (s *HTTPStore) Read(ctx context.Context, key string, pop bool) (json.RawMessage, error) {
	path := "/db/" + url.PathEscape(key)
	if pop {
		path += "?pop="
	}
	resp, err := s.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return io.ReadAll(resp.Body)
	case http.StatusNotFound:
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("read key %q: status %s", key, resp.Status)
	}
}

func (s *HTTPStore) Push(ctx context.Context, value json.RawMessage, ttl time.Duration) (string, error) {
	path := "/db"
	if ttl > 0 {
		path += "?ttl=" + strconv.Itoa(int(ttl.Seconds()))
	}
	resp, err := s.do(ctx, http.MethodPost, path, value)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("push: status %s", resp.Status)
	}
	key, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("push: reading key: %w", err)
	}
	return string(bytes.TrimSpace(key)), nil
}

func (s *HTTPStore) Next(ctx context.Context, pop bool) (string, json.RawMessage, error) {
	path := "/db"
	if pop {
		path += "?pop="
	}
	resp, err := s.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		var entry struct {
			Key   string          `json:"key"`
			Value json.RawMessage `json:"value"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&entry); err != nil {
			return "", nil, fmt.Errorf("read next: decoding entry: %w", err)
		}
		return entry.Key, entry.Value, nil
	case http.StatusNotFound:
		return "", nil, ErrNotFound
	default:
		return "", nil, fmt.Errorf("read next: status %s", resp.Status)
	}
}

func (s *HTTPStore) Delete(ctx context.Context, key string) error {
	resp, err := s.do(ctx, http.MethodDelete, "/db/"+url.PathEscape(key), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("delete key %q: status %s", key, resp.Status)
	}
	return nil
}

func (s *HTTPStore) Keys(ctx context.Context) ([]string, error) {
	resp, err := s.do(ctx, http.MethodOptions, "/db", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list keys: status %s", resp.Status)
	}
	var keys []string
	if err := json.NewDecoder(resp.Body).Decode(&keys); err != nil {
		return nil, fmt.Errorf("list keys: decoding: %w", err)
	}
	return keys, nil
}
