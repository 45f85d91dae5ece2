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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lzv-nrw/dcm-common/pkg/models"
)

// ErrControllerUnavailable is returned when the remote controller
// cannot be reached after exhausting retries.
var ErrControllerUnavailable = errors.New("controller unavailable")

// HTTPControllerConfig configures an HTTPController client.
type HTTPControllerConfig struct {
	// BaseURL of the controller API, without trailing slash.
	BaseURL string
	// Name tags this controller client in logs and locks. Defaults to
	// "Controller-<hostname>-<random>".
	Name string
	// Timeout bounds individual requests (default 1s).
	Timeout time.Duration
	// MaxRetries is the number of additional attempts per request
	// (default 1). QueuePop never retries.
	MaxRetries int
	// RetryInterval is the base pause between attempts; up to 50%
	// jitter is added.
	RetryInterval time.Duration
}

// HTTPController is a Controller client speaking to a remote
// controller exposed via Handler. Replicas of a service share one
// controller instance this way.
type HTTPController struct {
	cfg    HTTPControllerConfig
	client *http.Client
}

// NewHTTPController returns a client for the controller at
// cfg.BaseURL.
func NewHTTPController(cfg HTTPControllerConfig) *HTTPController {
	if cfg.Name == "" {
		host, _ := os.Hostname()
		cfg.Name = fmt.Sprintf("Controller-%s-%.8s", host, uuid.NewString())
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 1
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &HTTPController{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Name implements Controller.
func (c *HTTPController) Name() string { return c.cfg.Name }

func (c *HTTPController) pause() {
	if c.cfg.RetryInterval <= 0 {
		return
	}
	jitter := time.Duration(rand.Int63n(int64(c.cfg.RetryInterval)/2 + 1))
	time.Sleep(c.cfg.RetryInterval + jitter)
}

// do issues the request, retrying transport errors and 5xx responses
// unless skipRetry is set.
func (c *HTTPController) do(ctx context.Context, method, endpoint string, payload any, skipRetry bool) (*http.Response, error) {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
	}
	retries := c.cfg.MaxRetries
	if skipRetry {
		retries = 0
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			c.pause()
		}
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(
			ctx, method, c.cfg.BaseURL+endpoint, reader,
		)
		if err != nil {
			return nil, fmt.Errorf("building request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if resp.StatusCode >= 500 {
			msg, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			lastErr = fmt.Errorf("status %s: %s", resp.Status, bytes.TrimSpace(msg))
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf(
		"%s %s: %w: %v", method, endpoint, ErrControllerUnavailable, lastErr,
	)
}

func drainError(resp *http.Response, op string) error {
	msg, _ := io.ReadAll(resp.Body)
	return fmt.Errorf("%s: status %s: %s", op, resp.Status, bytes.TrimSpace(msg))
}

// QueuePush implements Controller.
func (c *HTTPController) QueuePush(ctx context.Context, token string, info *models.JobInfo) (models.Token, error) {
	resp, err := c.do(ctx, http.MethodPost, "/queue/push", struct {
		Token string          `json:"token"`
		Info  *models.JobInfo `json:"info"`
	}{token, info}, false)
	if err != nil {
		return models.Token{}, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		var tok models.Token
		if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
			return models.Token{}, fmt.Errorf("decoding token: %w", err)
		}
		return tok, nil
	case http.StatusConflict:
		return models.Token{}, ErrResubmission
	default:
		return models.Token{}, drainError(resp, "queue push")
	}
}

// QueuePop implements Controller. Pop requests are never retried so a
// slow controller does not hand out duplicate work on the client's
// behalf.
func (c *HTTPController) QueuePop(ctx context.Context, name string) (*models.Lock, error) {
	resp, err := c.do(ctx, http.MethodPost, "/queue/pop", struct {
		Name string `json:"name"`
	}{name}, true)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		var lock models.Lock
		if err := json.NewDecoder(resp.Body).Decode(&lock); err != nil {
			return nil, fmt.Errorf("decoding lock: %w", err)
		}
		return &lock, nil
	case http.StatusNoContent:
		return nil, ErrNoWork
	default:
		return nil, drainError(resp, "queue pop")
	}
}

// ReleaseLock implements Controller.
func (c *HTTPController) ReleaseLock(ctx context.Context, lockID string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/lock", struct {
		ID string `json:"id"`
	}{lockID}, false)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return drainError(resp, "release lock")
	}
	return nil
}

// RefreshLock implements Controller.
func (c *HTTPController) RefreshLock(ctx context.Context, lockID string) (*models.Lock, error) {
	resp, err := c.do(ctx, http.MethodPut, "/lock", struct {
		ID string `json:"id"`
	}{lockID}, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		var lock models.Lock
		if err := json.NewDecoder(resp.Body).Decode(&lock); err != nil {
			return nil, fmt.Errorf("decoding lock: %w", err)
		}
		return &lock, nil
	case http.StatusConflict:
		return nil, ErrLeaseLost
	default:
		return nil, drainError(resp, "refresh lock")
	}
}

// GetToken implements Controller.
func (c *HTTPController) GetToken(ctx context.Context, token string) (models.Token, error) {
	resp, err := c.do(
		ctx, http.MethodGet,
		"/registry/token?token="+url.QueryEscape(token), nil, false,
	)
	if err != nil {
		return models.Token{}, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		var tok models.Token
		if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
			return models.Token{}, fmt.Errorf("decoding token: %w", err)
		}
		return tok, nil
	case http.StatusNotFound:
		return models.Token{}, fmt.Errorf("%w: %q", ErrUnknownToken, token)
	default:
		return models.Token{}, drainError(resp, "get token")
	}
}

// GetInfo implements Controller.
func (c *HTTPController) GetInfo(ctx context.Context, token string) (*models.JobInfo, error) {
	resp, err := c.do(
		ctx, http.MethodGet,
		"/registry/info?token="+url.QueryEscape(token), nil, false,
	)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		var info models.JobInfo
		if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
			return nil, fmt.Errorf("decoding info: %w", err)
		}
		return &info, nil
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %q", ErrUnknownToken, token)
	default:
		return nil, drainError(resp, "get info")
	}
}

// GetStatus implements Controller.
func (c *HTTPController) GetStatus(ctx context.Context, token string) (models.Status, error) {
	resp, err := c.do(
		ctx, http.MethodGet,
		"/registry/status?token="+url.QueryEscape(token), nil, false,
	)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return "", fmt.Errorf("reading status: %w", err)
		}
		return models.Status(bytes.TrimSpace(raw)), nil
	case http.StatusNotFound:
		return "", fmt.Errorf("%w: %q", ErrUnknownToken, token)
	default:
		return "", drainError(resp, "get status")
	}
}

// RegistryPush implements Controller.
func (c *HTTPController) RegistryPush(ctx context.Context, lockID string, status models.Status, info *models.JobInfo) error {
	resp, err := c.do(ctx, http.MethodPut, "/registry", struct {
		LockID string          `json:"lockId"`
		Status models.Status   `json:"status,omitempty"`
		Info   *models.JobInfo `json:"info,omitempty"`
	}{lockID, status, info}, false)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusConflict:
		return ErrLeaseLost
	default:
		return drainError(resp, "registry push")
	}
}

// MessagePush implements Controller.
func (c *HTTPController) MessagePush(ctx context.Context, token string, instruction models.Instruction, origin, content string) error {
	resp, err := c.do(ctx, http.MethodPost, "/messages", struct {
		Token       string             `json:"token"`
		Instruction models.Instruction `json:"instruction"`
		Origin      string             `json:"origin"`
		Content     string             `json:"content"`
	}{token, instruction, origin, content}, false)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return drainError(resp, "message push")
	}
	return nil
}

// MessageGet implements Controller.
func (c *HTTPController) MessageGet(ctx context.Context, since time.Time) ([]models.Message, error) {
	resp, err := c.do(
		ctx, http.MethodGet,
		"/messages?since="+strconv.FormatInt(since.Unix(), 10), nil, false,
	)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, drainError(resp, "message get")
	}
	var messages []models.Message
	if err := json.NewDecoder(resp.Body).Decode(&messages); err != nil {
		return nil, fmt.Errorf("decoding messages: %w", err)
	}
	return messages, nil
}

func (c *HTTPController) size(ctx context.Context, endpoint, op string) (int, error) {
	resp, err := c.do(ctx, http.MethodGet, endpoint, nil, false)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, drainError(resp, op)
	}
	var n int
	if err := json.NewDecoder(resp.Body).Decode(&n); err != nil {
		return 0, fmt.Errorf("%s: decoding size: %w", op, err)
	}
	return n, nil
}

// QueueSize implements Controller.
func (c *HTTPController) QueueSize(ctx context.Context) (int, error) {
	return c.size(ctx, "/queue/size", "queue size")
}

// RegistrySize implements Controller.
func (c *HTTPController) RegistrySize(ctx context.Context) (int, error) {
	return c.size(ctx, "/registry/size", "registry size")
}
