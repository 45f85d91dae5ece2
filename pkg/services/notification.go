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

package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lzv-nrw/dcm-common/pkg/kv"
)

// Subscriber is a registered user of the notification service.
type Subscriber struct {
	BaseURL string `json:"baseUrl"`
	Token   string `json:"token"`
}

// Topic configures how notifications of one topic are delivered to
// subscribers.
type Topic struct {
	// Path appended to the subscriber's base url.
	Path string
	// Method of the delivery request (default POST).
	Method string
	// StatusOK is the response status counting as delivered (default
	// 200). Other responses revoke the subscriber.
	StatusOK int
	// DB holds the subscribed tokens (default in-memory).
	DB kv.Store
}

func (t *Topic) applyDefaults() {
	if t.Method == "" {
		t.Method = http.MethodPost
	}
	if t.StatusOK == 0 {
		t.StatusOK = http.StatusOK
	}
	if t.DB == nil {
		t.DB = kv.NewMemoryStore()
	}
}

// NotificationHandler implements the notification service: subscriber
// registration, per-topic subscriptions and broadcast delivery.
// Subscribers that cannot be reached are deregistered.
type NotificationHandler struct {
	// Registry holds Subscriber records keyed by token.
	Registry kv.Store
	Topics   map[string]*Topic

	// Timeout bounds individual delivery requests (default 1s).
	Timeout time.Duration
	// Logger is optional; if nil, logging is suppressed.
	Logger *log.Logger

	clientOnce sync.Once
	client     *http.Client
}

// NewNotificationHandler returns a handler with the given subscriber
// registry and topic configuration.
func NewNotificationHandler(registry kv.Store, topics map[string]*Topic, logger *log.Logger) *NotificationHandler {
	for _, topic := range topics {
		topic.applyDefaults()
	}
	return &NotificationHandler{
		Registry: registry,
		Topics:   topics,
		Timeout:  time.Second,
		Logger:   logger,
	}
}

// Register attaches the handlers to mux.
func (h *NotificationHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/", h.topicsHandler)
	mux.HandleFunc("/config", h.configHandler)
	mux.HandleFunc("/ip", h.ipHandler)
	mux.HandleFunc("/registration", h.registrationHandler)
	mux.HandleFunc("/subscription", h.subscriptionHandler)
	mux.HandleFunc("/notify", h.notifyHandler)
}

func (h *NotificationHandler) logf(format string, args ...any) {
	if h.Logger != nil {
		h.Logger.Printf(format, args...)
	}
}

func (h *NotificationHandler) httpClient() *http.Client {
	h.clientOnce.Do(func() {
		timeout := h.Timeout
		if timeout == 0 {
			timeout = time.Second
		}
		h.client = &http.Client{Timeout: timeout}
	})
	return h.client
}

func (h *NotificationHandler) topicsHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeText(w, http.StatusNotFound, "Not found.")
		return
	}
	if r.Method != http.MethodOptions {
		writeText(w, http.StatusMethodNotAllowed, "Method not allowed.")
		return
	}
	names := make([]string, 0, len(h.Topics))
	for name := range h.Topics {
		names = append(names, name)
	}
	writeJSON(w, http.StatusOK, names)
}

func (h *NotificationHandler) configHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeText(w, http.StatusMethodNotAllowed, "Method not allowed.")
		return
	}
	topics := make(map[string]any, len(h.Topics))
	for name, topic := range h.Topics {
		topics[name] = map[string]any{
			"path":     topic.Path,
			"method":   topic.Method,
			"statusOk": topic.StatusOK,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"topics":  topics,
		"timeout": h.Timeout.Seconds(),
	})
}

func (h *NotificationHandler) ipHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeText(w, http.StatusMethodNotAllowed, "Method not allowed.")
		return
	}
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		ip = host
	}
	writeJSON(w, http.StatusOK, map[string]string{"ip": ip})
}

func (h *NotificationHandler) registrationHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		token := r.URL.Query().Get("token")
		if token == "" {
			writeText(w, http.StatusBadRequest, "Missing token.")
			return
		}
		if _, err := h.Registry.Read(ctx, token, false); err != nil {
			writeText(w, http.StatusNoContent, "")
			return
		}
		writeText(w, http.StatusOK, "OK")
	case http.MethodPost:
		var body struct {
			BaseURL string `json:"baseUrl"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil ||
			body.BaseURL == "" {
			writeText(w, http.StatusBadRequest, "Missing url.")
			return
		}
		subscriber := Subscriber{BaseURL: body.BaseURL, Token: uuid.NewString()}
		raw, _ := json.Marshal(subscriber)
		if err := h.Registry.Write(ctx, subscriber.Token, raw, 0); err != nil {
			h.logf("register: %v", err)
			writeText(w, http.StatusInternalServerError, "Failed registration.")
			return
		}
		h.logf("user '%s' registered with url '%s'",
			subscriber.Token, subscriber.BaseURL)
		writeJSON(w, http.StatusOK, subscriber)
	case http.MethodDelete:
		token := r.URL.Query().Get("token")
		if token == "" {
			writeText(w, http.StatusBadRequest, "Missing token.")
			return
		}
		if _, err := h.Registry.Read(ctx, token, false); err != nil {
			writeText(w, http.StatusNotFound,
				fmt.Sprintf("Unknown token '%s'.", token))
			return
		}
		h.revoke(ctx, token)
		h.logf("user '%s' revoked their registration", token)
		writeText(w, http.StatusOK, "OK")
	case http.MethodOptions:
		subscribers, err := h.subscribers(ctx, h.Registry)
		if err != nil {
			h.logf("list registrations: %v", err)
			writeText(w, http.StatusInternalServerError, "Failed listing.")
			return
		}
		writeJSON(w, http.StatusOK, subscribers)
	default:
		writeText(w, http.StatusMethodNotAllowed, "Method not allowed.")
	}
}

// revoke removes a registration and all its subscriptions.
func (h *NotificationHandler) revoke(ctx context.Context, token string) {
	for _, topic := range h.Topics {
		_ = topic.DB.Delete(ctx, token)
	}
	_ = h.Registry.Delete(ctx, token)
}

// subscribers resolves all tokens in store to their Subscriber records.
func (h *NotificationHandler) subscribers(ctx context.Context, store kv.Store) ([]Subscriber, error) {
	tokens, err := store.Keys(ctx)
	if err != nil {
		return nil, err
	}
	subscribers := make([]Subscriber, 0, len(tokens))
	for _, token := range tokens {
		raw, err := h.Registry.Read(ctx, token, false)
		if err != nil {
			continue
		}
		var subscriber Subscriber
		if err := json.Unmarshal(raw, &subscriber); err != nil {
			continue
		}
		subscribers = append(subscribers, subscriber)
	}
	return subscribers, nil
}

// subscriptionQuery validates the common token+topic query of the
// subscription endpoints.
func (h *NotificationHandler) subscriptionQuery(w http.ResponseWriter, r *http.Request, requireToken bool) (string, *Topic, bool) {
	query := r.URL.Query()
	token := query.Get("token")
	if requireToken && token == "" {
		writeText(w, http.StatusBadRequest, "Missing token.")
		return "", nil, false
	}
	name := query.Get("topic")
	if name == "" {
		writeText(w, http.StatusBadRequest, "Missing topic.")
		return "", nil, false
	}
	topic, ok := h.Topics[name]
	if !ok {
		writeText(w, http.StatusNotFound,
			fmt.Sprintf("Unknown topic '%s'.", name))
		return "", nil, false
	}
	if requireToken {
		if _, err := h.Registry.Read(r.Context(), token, false); err != nil {
			writeText(w, http.StatusNotFound,
				fmt.Sprintf("Unknown token '%s'.", token))
			return "", nil, false
		}
	}
	return token, topic, true
}

func (h *NotificationHandler) subscriptionHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		token, topic, ok := h.subscriptionQuery(w, r, true)
		if !ok {
			return
		}
		if _, err := topic.DB.Read(ctx, token, false); err != nil {
			writeText(w, http.StatusNoContent, "")
			return
		}
		writeText(w, http.StatusOK, "OK")
	case http.MethodPost:
		token, topic, ok := h.subscriptionQuery(w, r, true)
		if !ok {
			return
		}
		raw, _ := json.Marshal(token)
		if err := topic.DB.Write(ctx, token, raw, 0); err != nil {
			h.logf("subscribe: %v", err)
			writeText(w, http.StatusInternalServerError, "Failed subscription.")
			return
		}
		h.logf("user '%s' made a subscription", token)
		writeText(w, http.StatusOK, "OK")
	case http.MethodDelete:
		token, topic, ok := h.subscriptionQuery(w, r, true)
		if !ok {
			return
		}
		if err := topic.DB.Delete(ctx, token); err != nil {
			h.logf("unsubscribe: %v", err)
			writeText(w, http.StatusInternalServerError, "Failed unsubscribe.")
			return
		}
		writeText(w, http.StatusOK, "OK")
	case http.MethodOptions:
		_, topic, ok := h.subscriptionQuery(w, r, false)
		if !ok {
			return
		}
		subscribers, err := h.subscribers(ctx, topic.DB)
		if err != nil {
			h.logf("list subscriptions: %v", err)
			writeText(w, http.StatusInternalServerError, "Failed listing.")
			return
		}
		writeJSON(w, http.StatusOK, subscribers)
	default:
		writeText(w, http.StatusMethodNotAllowed, "Method not allowed.")
	}
}

// notifyRequest is the broadcast submission body.
type notifyRequest struct {
	Query   map[string]string `json:"query,omitempty"`
	JSON    json.RawMessage   `json:"json,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	// Skip names a subscriber token excluded from delivery, typically
	// the sender itself.
	Skip string `json:"skip,omitempty"`
}

func (h *NotificationHandler) notifyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeText(w, http.StatusMethodNotAllowed, "Method not allowed.")
		return
	}
	name := r.URL.Query().Get("topic")
	if name == "" {
		writeText(w, http.StatusBadRequest, "Missing topic.")
		return
	}
	topic, ok := h.Topics[name]
	if !ok {
		writeText(w, http.StatusNotFound,
			fmt.Sprintf("Unknown topic '%s'.", name))
		return
	}
	var body notifyRequest
	_ = json.NewDecoder(r.Body).Decode(&body)

	ctx := r.Context()
	subscribers, err := h.subscribers(ctx, topic.DB)
	if err != nil {
		h.logf("notify: %v", err)
		writeText(w, http.StatusInternalServerError, "Failed broadcast.")
		return
	}

	var (
		mu  sync.Mutex
		bad []string
	)
	group, groupCtx := errgroup.WithContext(ctx)
	for _, subscriber := range subscribers {
		subscriber := subscriber
		if subscriber.Token == body.Skip {
			continue
		}
		group.Go(func() error {
			if err := h.deliver(groupCtx, topic, subscriber, body); err != nil {
				h.logf("notify '%s' via '%s': %v",
					subscriber.Token, subscriber.BaseURL, err)
				mu.Lock()
				bad = append(bad, subscriber.Token)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = group.Wait()

	// failed deliveries revoke registration and subscriptions
	for _, token := range bad {
		h.logf("revoking unreachable subscriber '%s'", token)
		h.revoke(ctx, token)
	}
	writeText(w, http.StatusOK, "OK")
}

// deliver forwards one notification to one subscriber.
func (h *NotificationHandler) deliver(ctx context.Context, topic *Topic, subscriber Subscriber, body notifyRequest) error {
	target := strings.TrimRight(subscriber.BaseURL, "/") + topic.Path
	if len(body.Query) > 0 {
		query := url.Values{}
		for k, v := range body.Query {
			query.Set(k, v)
		}
		target += "?" + query.Encode()
	}
	var reader io.Reader
	if topic.Method != http.MethodGet && body.JSON != nil {
		reader = bytes.NewReader(body.JSON)
	}
	req, err := http.NewRequestWithContext(ctx, topic.Method, target, reader)
	if err != nil {
		return err
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range body.Headers {
		req.Header.Set(k, v)
	}
	resp, err := h.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != topic.StatusOK {
		return fmt.Errorf("status %s (expected %d)", resp.Status, topic.StatusOK)
	}
	return nil
}

// NotificationClientConfig configures a NotificationClient.
type NotificationClientConfig struct {
	// APIURL of the notification service.
	APIURL string
	// Topic subscribed by this client.
	Topic string
	// CallbackURL under which this client receives notifications. If
	// empty, the client asks the service for its own address and uses
	// "http://<ip>".
	CallbackURL string
	// Timeout bounds individual requests (default 1s).
	Timeout time.Duration
}

// NotificationClient registers with a notification service, maintains
// one topic subscription and submits broadcasts.
type NotificationClient struct {
	cfg    NotificationClientConfig
	client *http.Client

	mu    sync.Mutex
	token string
}

// NewNotificationClient returns a client for the notification service
// at cfg.APIURL.
func NewNotificationClient(cfg NotificationClientConfig) *NotificationClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	return &NotificationClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Token returns the registration token, or "" while unregistered.
func (c *NotificationClient) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *NotificationClient) setToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *NotificationClient) get(ctx context.Context, endpoint string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, c.cfg.APIURL+endpoint, nil,
	)
	if err != nil {
		return nil, err
	}
	return c.client.Do(req)
}

// callbackURL resolves the url this client registers with.
func (c *NotificationClient) callbackURL(ctx context.Context) (string, error) {
	if c.cfg.CallbackURL != "" {
		return c.cfg.CallbackURL, nil
	}
	resp, err := c.get(ctx, "/ip")
	if err != nil {
		return "", fmt.Errorf(
			"fetch own address from %q: %w: %v",
			c.cfg.APIURL, ErrServiceUnavailable, err,
		)
	}
	defer resp.Body.Close()
	var body struct {
		IP string `json:"ip"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil ||
		body.IP == "" {
		return "", fmt.Errorf("unable to fetch own address from %q", c.cfg.APIURL)
	}
	return "http://" + body.IP, nil
}

// Register registers this client with the notification service.
func (c *NotificationClient) Register(ctx context.Context) error {
	callback, err := c.callbackURL(ctx)
	if err != nil {
		return err
	}
	raw, _ := json.Marshal(map[string]string{"baseUrl": callback})
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.cfg.APIURL+"/registration",
		bytes.NewReader(raw),
	)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf(
			"register at %q: %w: %v", c.cfg.APIURL, ErrServiceUnavailable, err,
		)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("register at %q: status %s: %s",
			c.cfg.APIURL, resp.Status, bytes.TrimSpace(msg))
	}
	var subscriber Subscriber
	if err := json.NewDecoder(resp.Body).Decode(&subscriber); err != nil {
		return fmt.Errorf("decoding registration: %w", err)
	}
	c.setToken(subscriber.Token)
	return nil
}

// Registered reports whether the client's registration is active.
func (c *NotificationClient) Registered(ctx context.Context) (bool, error) {
	token := c.Token()
	if token == "" {
		return false, nil
	}
	resp, err := c.get(ctx, "/registration?token="+url.QueryEscape(token))
	if err != nil {
		return false, fmt.Errorf(
			"registration status at %q: %w: %v",
			c.cfg.APIURL, ErrServiceUnavailable, err,
		)
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

// Deregister revokes the registration, including all subscriptions.
func (c *NotificationClient) Deregister(ctx context.Context) error {
	token := c.Token()
	if token == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(
		ctx, http.MethodDelete,
		c.cfg.APIURL+"/registration?token="+url.QueryEscape(token), nil,
	)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf(
			"deregister at %q: %w: %v", c.cfg.APIURL, ErrServiceUnavailable, err,
		)
	}
	resp.Body.Close()
	c.setToken("")
	return nil
}

func (c *NotificationClient) subscriptionEndpoint(token string) string {
	query := url.Values{}
	query.Set("token", token)
	query.Set("topic", c.cfg.Topic)
	return "/subscription?" + query.Encode()
}

// Subscribe subscribes the client to its topic. The client must be
// registered.
func (c *NotificationClient) Subscribe(ctx context.Context) error {
	token := c.Token()
	if token == "" {
		return errors.New("not yet registered")
	}
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.cfg.APIURL+c.subscriptionEndpoint(token), nil,
	)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf(
			"subscribe at %q: %w: %v", c.cfg.APIURL, ErrServiceUnavailable, err,
		)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("subscribe at %q for %q: status %s: %s",
			c.cfg.APIURL, c.cfg.Topic, resp.Status, bytes.TrimSpace(msg))
	}
	return nil
}

// Subscribed reports whether the topic subscription is active.
func (c *NotificationClient) Subscribed(ctx context.Context) (bool, error) {
	token := c.Token()
	if token == "" {
		return false, nil
	}
	resp, err := c.get(ctx, c.subscriptionEndpoint(token))
	if err != nil {
		return false, fmt.Errorf(
			"subscription status at %q: %w: %v",
			c.cfg.APIURL, ErrServiceUnavailable, err,
		)
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

// Unsubscribe revokes the topic subscription.
func (c *NotificationClient) Unsubscribe(ctx context.Context) error {
	token := c.Token()
	if token == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(
		ctx, http.MethodDelete,
		c.cfg.APIURL+c.subscriptionEndpoint(token), nil,
	)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf(
			"unsubscribe at %q: %w: %v", c.cfg.APIURL, ErrServiceUnavailable, err,
		)
	}
	resp.Body.Close()
	return nil
}

// NotifyOptions carries the payload of a broadcast.
type NotifyOptions struct {
	Query   map[string]string
	Body    any
	Headers map[string]string
	// SkipSelf excludes this client from the delivery (default
	// behavior of replicas broadcasting state changes).
	SkipSelf bool
}

// Notify submits a broadcast for this client's topic.
func (c *NotificationClient) Notify(ctx context.Context, opts NotifyOptions) error {
	payload := notifyRequest{
		Query:   opts.Query,
		Headers: opts.Headers,
	}
	if opts.Body != nil {
		raw, err := json.Marshal(opts.Body)
		if err != nil {
			return fmt.Errorf("encoding notification: %w", err)
		}
		payload.JSON = raw
	}
	if opts.SkipSelf {
		payload.Skip = c.Token()
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost,
		c.cfg.APIURL+"/notify?topic="+url.QueryEscape(c.cfg.Topic),
		bytes.NewReader(raw),
	)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf(
			"notify at %q: %w: %v", c.cfg.APIURL, ErrServiceUnavailable, err,
		)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("notify at %q: status %s: %s",
			c.cfg.APIURL, resp.Status, bytes.TrimSpace(msg))
	}
	return nil
}

// Connect establishes registration and subscription, skipping the
// parts that are already in place.
func (c *NotificationClient) Connect(ctx context.Context) error {
	registered, err := c.Registered(ctx)
	if err != nil {
		return err
	}
	if !registered {
		if err := c.Register(ctx); err != nil {
			return err
		}
	}
	subscribed, err := c.Subscribed(ctx)
	if err != nil {
		return err
	}
	if !subscribed {
		if err := c.Subscribe(ctx); err != nil {
			return err
		}
	}
	return nil
}
