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
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/lzv-nrw/dcm-common/pkg/models"
)

// Handler exposes a Controller over HTTP for HTTPController clients.
// Typically the wrapped controller is a SQLiteController and the
// handler runs inside a dedicated controller service shared by
// replicas.
type Handler struct {
	Controller Controller

	// Logger is optional; if nil, logging is suppressed.
	Logger *log.Logger
}

// NewHandler returns a Handler serving controller.
func NewHandler(controller Controller, logger *log.Logger) *Handler {
	return &Handler{Controller: controller, Logger: logger}
}

// Register attaches the handlers to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/queue/push", h.queuePushHandler)
	mux.HandleFunc("/queue/pop", h.queuePopHandler)
	mux.HandleFunc("/queue/size", h.queueSizeHandler)
	mux.HandleFunc("/lock", h.lockHandler)
	mux.HandleFunc("/registry", h.registryPushHandler)
	mux.HandleFunc("/registry/token", h.tokenHandler)
	mux.HandleFunc("/registry/info", h.infoHandler)
	mux.HandleFunc("/registry/status", h.statusHandler)
	mux.HandleFunc("/registry/size", h.registrySizeHandler)
	mux.HandleFunc("/messages", h.messagesHandler)
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

func decodeBody(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func (h *Handler) queuePushHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeText(w, http.StatusMethodNotAllowed, "Method not allowed.")
		return
	}
	var body struct {
		Token string          `json:"token"`
		Info  *models.JobInfo `json:"info"`
	}
	if err := decodeBody(r, &body); err != nil || body.Token == "" || body.Info == nil {
		writeText(w, http.StatusBadRequest, "Invalid submission body.")
		return
	}
	token, err := h.Controller.QueuePush(r.Context(), body.Token, body.Info)
	if errors.Is(err, ErrResubmission) {
		writeText(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		h.logf("queue push: %v", err)
		writeText(w, http.StatusInternalServerError, "Failed submission to queue.")
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (h *Handler) queuePopHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeText(w, http.StatusMethodNotAllowed, "Method not allowed.")
		return
	}
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil || body.Name == "" {
		writeText(w, http.StatusBadRequest, "Invalid pop body.")
		return
	}
	lock, err := h.Controller.QueuePop(r.Context(), body.Name)
	if errors.Is(err, ErrNoWork) {
		writeText(w, http.StatusNoContent, "")
		return
	}
	if err != nil {
		h.logf("queue pop: %v", err)
		writeText(w, http.StatusInternalServerError, "Failed to pop queue.")
		return
	}
	writeJSON(w, http.StatusOK, lock)
}

func (h *Handler) lockHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID string `json:"id"`
	}
	if err := decodeBody(r, &body); err != nil || body.ID == "" {
		writeText(w, http.StatusBadRequest, "Invalid lock body.")
		return
	}
	switch r.Method {
	case http.MethodDelete:
		if err := h.Controller.ReleaseLock(r.Context(), body.ID); err != nil {
			h.logf("release lock: %v", err)
			writeText(w, http.StatusInternalServerError, "Failed to release lock.")
			return
		}
		writeText(w, http.StatusOK, "OK")
	case http.MethodPut:
		lock, err := h.Controller.RefreshLock(r.Context(), body.ID)
		if errors.Is(err, ErrLeaseLost) {
			writeText(w, http.StatusConflict, err.Error())
			return
		}
		if err != nil {
			h.logf("refresh lock: %v", err)
			writeText(w, http.StatusInternalServerError, "Failed to refresh lock.")
			return
		}
		writeJSON(w, http.StatusOK, lock)
	default:
		w.Header().Set("Allow", "PUT, DELETE")
		writeText(w, http.StatusMethodNotAllowed, "Method not allowed.")
	}
}

func (h *Handler) registryPushHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		writeText(w, http.StatusMethodNotAllowed, "Method not allowed.")
		return
	}
	var body struct {
		LockID string          `json:"lockId"`
		Status models.Status   `json:"status"`
		Info   *models.JobInfo `json:"info"`
	}
	if err := decodeBody(r, &body); err != nil || body.LockID == "" {
		writeText(w, http.StatusBadRequest, "Invalid registry body.")
		return
	}
	err := h.Controller.RegistryPush(r.Context(), body.LockID, body.Status, body.Info)
	if errors.Is(err, ErrLeaseLost) {
		writeText(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		h.logf("registry push: %v", err)
		writeText(w, http.StatusInternalServerError, "Failed to push to registry.")
		return
	}
	writeText(w, http.StatusOK, "OK")
}

func (h *Handler) tokenHandler(w http.ResponseWriter, r *http.Request) {
	token, ok := h.queryToken(w, r)
	if !ok {
		return
	}
	tok, err := h.Controller.GetToken(r.Context(), token)
	if h.writeRegistryError(w, err, "get token") {
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

func (h *Handler) infoHandler(w http.ResponseWriter, r *http.Request) {
	token, ok := h.queryToken(w, r)
	if !ok {
		return
	}
	info, err := h.Controller.GetInfo(r.Context(), token)
	if h.writeRegistryError(w, err, "get info") {
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handler) statusHandler(w http.ResponseWriter, r *http.Request) {
	token, ok := h.queryToken(w, r)
	if !ok {
		return
	}
	status, err := h.Controller.GetStatus(r.Context(), token)
	if h.writeRegistryError(w, err, "get status") {
		return
	}
	writeText(w, http.StatusOK, string(status))
}

func (h *Handler) queryToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	if r.Method != http.MethodGet {
		writeText(w, http.StatusMethodNotAllowed, "Method not allowed.")
		return "", false
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		writeText(w, http.StatusBadRequest, "Missing token.")
		return "", false
	}
	return token, true
}

// writeRegistryError reports whether err was written as a response.
func (h *Handler) writeRegistryError(w http.ResponseWriter, err error, op string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnknownToken) {
		writeText(w, http.StatusNotFound, err.Error())
		return true
	}
	h.logf("%s: %v", op, err)
	writeText(w, http.StatusInternalServerError, "Failed to read registry.")
	return true
}

func (h *Handler) messagesHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var body struct {
			Token       string             `json:"token"`
			Instruction models.Instruction `json:"instruction"`
			Origin      string             `json:"origin"`
			Content     string             `json:"content"`
		}
		if err := decodeBody(r, &body); err != nil || body.Token == "" ||
			body.Instruction == "" {
			writeText(w, http.StatusBadRequest, "Invalid message body.")
			return
		}
		if err := h.Controller.MessagePush(
			r.Context(), body.Token, body.Instruction, body.Origin, body.Content,
		); err != nil {
			h.logf("message push: %v", err)
			writeText(w, http.StatusInternalServerError, "Failed to push message.")
			return
		}
		writeText(w, http.StatusOK, "OK")
	case http.MethodGet:
		since, err := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
		if err != nil {
			since = 0
		}
		messages, err := h.Controller.MessageGet(r.Context(), time.Unix(since, 0))
		if err != nil {
			h.logf("message get: %v", err)
			writeText(w, http.StatusInternalServerError, "Failed to get messages.")
			return
		}
		if messages == nil {
			messages = []models.Message{}
		}
		writeJSON(w, http.StatusOK, messages)
	default:
		w.Header().Set("Allow", "GET, POST")
		writeText(w, http.StatusMethodNotAllowed, "Method not allowed.")
	}
}

func (h *Handler) queueSizeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeText(w, http.StatusMethodNotAllowed, "Method not allowed.")
		return
	}
	n, err := h.Controller.QueueSize(r.Context())
	if err != nil {
		h.logf("queue size: %v", err)
		writeText(w, http.StatusInternalServerError, "Failed to read queue size.")
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (h *Handler) registrySizeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeText(w, http.StatusMethodNotAllowed, "Method not allowed.")
		return
	}
	n, err := h.Controller.RegistrySize(r.Context())
	if err != nil {
		h.logf("registry size: %v", err)
		writeText(w, http.StatusInternalServerError, "Failed to read registry size.")
		return
	}
	writeJSON(w, http.StatusOK, n)
}
