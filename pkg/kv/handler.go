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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Handler exposes a Store over HTTP so that HTTPStore clients (and
// services sharing one database) can reach it.
//
// Routes:
//   - OPTIONS /db        list keys
//   - GET     /db[?pop]  oldest entry as {"key": ..., "value": ...}
//   - POST    /db[?ttl]  store body under a fresh key, respond with key
//   - GET     /db/{key}[?pop]
//   - POST    /db/{key}[?ttl]
//   - DELETE  /db/{key}
//   - GET     /config    backend description
type Handler struct {
	Store Store
	// Backend names the store implementation in /config responses.
	Backend string

	// Logger is optional; if nil, logging is suppressed.
	Logger *log.Logger
}

// NewHandler returns a Handler serving store.
func NewHandler(store Store, backend string, logger *log.Logger) *Handler {
	return &Handler{Store: store, Backend: backend, Logger: logger}
}

// Register attaches the handlers to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/db", h.dbHandler)
	mux.HandleFunc("/db/", h.keyHandler)
	mux.HandleFunc("/config", h.configHandler)
}

func (h *Handler) logf(format string, args ...any) {
	if h.Logger != nil {
		h.Logger.Printf(format, args...)
	}
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func queryTTL(r *http.Request) time.Duration {
	raw := r.URL.Query().Get("ttl")
	if raw == "" {
		return 0
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func (h *Handler) dbHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodOptions:
		keys, err := h.Store.Keys(r.Context())
		if err != nil {
			h.logf("listing keys: %v", err)
			writeText(w, http.StatusInternalServerError, "Failed to list keys.")
			return
		}
		if keys == nil {
			keys = []string{}
		}
		writeJSON(w, http.StatusOK, keys)
	case http.MethodGet:
		_, pop := r.URL.Query()["pop"]
		key, value, err := h.Store.Next(r.Context(), pop)
		if errors.Is(err, ErrNotFound) {
			writeText(w, http.StatusNotFound, "Empty database.")
			return
		}
		if err != nil {
			h.logf("reading next: %v", err)
			writeText(w, http.StatusInternalServerError, "Failed to read.")
			return
		}
		writeJSON(w, http.StatusOK, struct {
			Key   string          `json:"key"`
			Value json.RawMessage `json:"value"`
		}{key, value})
	case http.MethodPost:
		value, err := readJSONBody(r)
		if err != nil {
			writeText(w, http.StatusBadRequest, err.Error())
			return
		}
		key, err := h.Store.Push(r.Context(), value, queryTTL(r))
		if err != nil {
			h.logf("pushing value: %v", err)
			writeText(w, http.StatusInternalServerError, "Failed to write.")
			return
		}
		writeText(w, http.StatusOK, key)
	default:
		w.Header().Set("Allow", "OPTIONS, GET, POST")
		writeText(w, http.StatusMethodNotAllowed, "Method not allowed.")
	}
}

func (h *Handler) keyHandler(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/db/")
	if key == "" || strings.Contains(key, "/") {
		writeText(w, http.StatusNotFound, "Unknown key.")
		return
	}
	switch r.Method {
	case http.MethodGet:
		_, pop := r.URL.Query()["pop"]
		value, err := h.Store.Read(r.Context(), key, pop)
		if errors.Is(err, ErrNotFound) {
			writeText(w, http.StatusNotFound, fmt.Sprintf("Unknown key '%s'.", key))
			return
		}
		if err != nil {
			h.logf("reading key %q: %v", key, err)
			writeText(w, http.StatusInternalServerError, "Failed to read.")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(value)
	case http.MethodPost:
		value, err := readJSONBody(r)
		if err != nil {
			writeText(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := h.Store.Write(r.Context(), key, value, queryTTL(r)); err != nil {
			h.logf("writing key %q: %v", key, err)
			writeText(w, http.StatusInternalServerError, "Failed to write.")
			return
		}
		writeText(w, http.StatusOK, "OK")
	case http.MethodDelete:
		if err := h.Store.Delete(r.Context(), key); err != nil {
			h.logf("deleting key %q: %v", key, err)
			writeText(w, http.StatusInternalServerError, "Failed to delete.")
			return
		}
		writeText(w, http.StatusOK, "OK")
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		writeText(w, http.StatusMethodNotAllowed, "Method not allowed.")
	}
}

func (h *Handler) configHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeText(w, http.StatusMethodNotAllowed, "Method not allowed.")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"database": map[string]string{"backend": h.Backend},
	})
}

func readJSONBody(r *http.Request) (json.RawMessage, error) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if !json.Valid(raw) {
		return nil, errors.New("body is not valid JSON")
	}
	return raw, nil
}
