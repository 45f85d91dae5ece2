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

// Orchestra-demo is a minimal DCM service built from the shared
// library: it accepts demo jobs, processes them with a worker pool and
// exposes the orchestration controls, report, database and controller
// APIs other services use in production.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/lzv-nrw/dcm-common/pkg/daemon"
	"github.com/lzv-nrw/dcm-common/pkg/kv"
	"github.com/lzv-nrw/dcm-common/pkg/models"
	"github.com/lzv-nrw/dcm-common/pkg/orchestra"
	"github.com/lzv-nrw/dcm-common/pkg/orchestra/metrics"
	"github.com/lzv-nrw/dcm-common/pkg/services"
)

// Config holds runtime configuration for the demo service. Values can
// be provided via environment variables and/or flags. Flags take
// precedence over environment variables.
type Config struct {
	HTTPAddr        string        // ORCHESTRA_HTTP_ADDR
	PoolSize        int           // ORCHESTRA_WORKER_POOL_SIZE
	AtStartup       bool          // ORCHESTRA_AT_STARTUP
	WorkerInterval  time.Duration // ORCHESTRA_WORKER_INTERVAL (seconds)
	DaemonInterval  time.Duration // ORCHESTRA_DAEMON_INTERVAL (seconds)
	Controller      string        // ORCHESTRA_CONTROLLER: sqlite|http
	ControllerArgs  string        // ORCHESTRA_CONTROLLER_ARGS (JSON)
	WorkerArgs      string        // ORCHESTRA_WORKER_ARGS (JSON)
	AbortTimeout    time.Duration // ORCHESTRA_ABORT_TIMEOUT (seconds)
	LogLevel        string        // ORCHESTRA_LOGLEVEL: debug|info|warning|error
	MPMethod        string        // ORCHESTRA_MP_METHOD (only "goroutine")
	MountPoint      string        // FS_MOUNT_POINT
	AllowCORS       bool          // ALLOW_CORS
	NotificationURL string        // ORCHESTRA_ABORT_NOTIFICATIONS_URL
	CallbackURL     string        // ORCHESTRA_ABORT_NOTIFICATIONS_CALLBACK_URL
}

func defaultConfig() Config {
	return Config{
		HTTPAddr:       ":8080",
		PoolSize:       1,
		AtStartup:      true,
		WorkerInterval: time.Second,
		DaemonInterval: time.Second,
		Controller:     "sqlite",
		ControllerArgs: "{}",
		WorkerArgs:     "{}",
		AbortTimeout:   30 * time.Second,
		LogLevel:       "info",
		MPMethod:       "goroutine",
		MountPoint:     "/file_storage",
		AllowCORS:      false,
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

// getenvSeconds reads a duration given as a (fractional) number of
// seconds, the convention of the DCM deployment environment.
func getenvSeconds(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return def
	}
	return time.Duration(f * float64(time.Second))
}

// parseConfig builds the Config from env + flags. Flags override
// environment variables.
func parseConfig() Config {
	def := defaultConfig()

	cfg := Config{
		HTTPAddr:        getenv("ORCHESTRA_HTTP_ADDR", def.HTTPAddr),
		PoolSize:        getenvInt("ORCHESTRA_WORKER_POOL_SIZE", def.PoolSize),
		AtStartup:       getenvBool("ORCHESTRA_AT_STARTUP", def.AtStartup),
		WorkerInterval:  getenvSeconds("ORCHESTRA_WORKER_INTERVAL", def.WorkerInterval),
		DaemonInterval:  getenvSeconds("ORCHESTRA_DAEMON_INTERVAL", def.DaemonInterval),
		Controller:      getenv("ORCHESTRA_CONTROLLER", def.Controller),
		ControllerArgs:  getenv("ORCHESTRA_CONTROLLER_ARGS", def.ControllerArgs),
		WorkerArgs:      getenv("ORCHESTRA_WORKER_ARGS", def.WorkerArgs),
		AbortTimeout:    getenvSeconds("ORCHESTRA_ABORT_TIMEOUT", def.AbortTimeout),
		LogLevel:        getenv("ORCHESTRA_LOGLEVEL", def.LogLevel),
		MPMethod:        getenv("ORCHESTRA_MP_METHOD", def.MPMethod),
		MountPoint:      getenv("FS_MOUNT_POINT", def.MountPoint),
		AllowCORS:       getenvBool("ALLOW_CORS", def.AllowCORS),
		NotificationURL: getenv("ORCHESTRA_ABORT_NOTIFICATIONS_URL", ""),
		CallbackURL:     getenv("ORCHESTRA_ABORT_NOTIFICATIONS_CALLBACK_URL", ""),
	}

	flag.StringVar(&cfg.HTTPAddr, "addr", cfg.HTTPAddr, "HTTP listen address (env ORCHESTRA_HTTP_ADDR)")
	flag.IntVar(&cfg.PoolSize, "pool-size", cfg.PoolSize, "Worker pool size (env ORCHESTRA_WORKER_POOL_SIZE)")
	flag.BoolVar(&cfg.AtStartup, "at-startup", cfg.AtStartup, "Start processing at startup (env ORCHESTRA_AT_STARTUP)")
	flag.DurationVar(&cfg.WorkerInterval, "worker-interval", cfg.WorkerInterval, "Worker poll interval (env ORCHESTRA_WORKER_INTERVAL, in seconds)")
	flag.DurationVar(&cfg.DaemonInterval, "daemon-interval", cfg.DaemonInterval, "Processing daemon interval (env ORCHESTRA_DAEMON_INTERVAL, in seconds)")
	flag.StringVar(&cfg.Controller, "controller", cfg.Controller, "Controller backend: sqlite|http (env ORCHESTRA_CONTROLLER)")
	flag.StringVar(&cfg.ControllerArgs, "controller-args", cfg.ControllerArgs, "Controller backend arguments, JSON (env ORCHESTRA_CONTROLLER_ARGS)")
	flag.StringVar(&cfg.WorkerArgs, "worker-args", cfg.WorkerArgs, "Worker arguments, JSON (env ORCHESTRA_WORKER_ARGS)")
	flag.DurationVar(&cfg.AbortTimeout, "abort-timeout", cfg.AbortTimeout, "Timeout on blocking aborts (env ORCHESTRA_ABORT_TIMEOUT, in seconds)")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warning|error (env ORCHESTRA_LOGLEVEL)")
	flag.StringVar(&cfg.MountPoint, "mount-point", cfg.MountPoint, "File storage mount point (env FS_MOUNT_POINT)")
	flag.BoolVar(&cfg.AllowCORS, "allow-cors", cfg.AllowCORS, "Send permissive CORS headers (env ALLOW_CORS)")
	flag.StringVar(&cfg.NotificationURL, "notification-url", cfg.NotificationURL, "Notification service for abort broadcasts (env ORCHESTRA_ABORT_NOTIFICATIONS_URL)")
	flag.StringVar(&cfg.CallbackURL, "callback-url", cfg.CallbackURL, "Own base url for notification callbacks (env ORCHESTRA_ABORT_NOTIFICATIONS_CALLBACK_URL)")

	flag.Parse()
	return cfg
}

func logConfig(cfg Config) {
	log.Printf("orchestra-demo configuration:")
	log.Printf("  addr=%s", cfg.HTTPAddr)
	log.Printf("  pool_size=%d", cfg.PoolSize)
	log.Printf("  at_startup=%v", cfg.AtStartup)
	log.Printf("  worker_interval=%s", cfg.WorkerInterval)
	log.Printf("  daemon_interval=%s", cfg.DaemonInterval)
	log.Printf("  controller=%s", cfg.Controller)
	log.Printf("  abort_timeout=%s", cfg.AbortTimeout)
	log.Printf("  log_level=%s", cfg.LogLevel)
	log.Printf("  mount_point=%s", cfg.MountPoint)
	log.Printf("  allow_cors=%v", cfg.AllowCORS)
	if cfg.NotificationURL != "" {
		log.Printf("  notification_url=%s", cfg.NotificationURL)
	}
}

func slogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warning", "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// sqliteControllerArgs mirrors ORCHESTRA_CONTROLLER_ARGS for the sqlite
// backend. Durations are given in seconds.
type sqliteControllerArgs struct {
	Path         string  `json:"path,omitempty"`
	Requeue      *bool   `json:"requeue,omitempty"`
	RequeueLimit int     `json:"requeue_limit,omitempty"`
	LockTTL      float64 `json:"lock_ttl,omitempty"`
	TokenTTL     float64 `json:"token_ttl,omitempty"`
	MessageTTL   float64 `json:"message_ttl,omitempty"`
}

// httpControllerArgs mirrors ORCHESTRA_CONTROLLER_ARGS for the http
// backend.
type httpControllerArgs struct {
	URL           string  `json:"url"`
	Timeout       float64 `json:"timeout,omitempty"`
	MaxRetries    int     `json:"max_retries,omitempty"`
	RetryInterval float64 `json:"retry_interval,omitempty"`
}

// workerArgs mirrors ORCHESTRA_WORKER_ARGS. Durations are given in
// seconds.
type workerArgs struct {
	Name            string  `json:"name,omitempty"`
	ProcessTimeout  float64 `json:"process_timeout,omitempty"`
	MessageInterval float64 `json:"message_interval,omitempty"`
	AbortGrace      float64 `json:"abort_grace,omitempty"`
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

// newController builds the configured controller backend. The returned
// closer is nil for backends without local resources.
func newController(ctx context.Context, cfg Config, logger *slog.Logger) (orchestra.Controller, func() error, error) {
	switch cfg.Controller {
	case "sqlite":
		var args sqliteControllerArgs
		if err := json.Unmarshal([]byte(cfg.ControllerArgs), &args); err != nil {
			return nil, nil, fmt.Errorf("invalid controller args: %w", err)
		}
		requeue := true
		if args.Requeue != nil {
			requeue = *args.Requeue
		}
		path := args.Path
		if path == "" {
			path = filepath.Join(cfg.MountPoint, "orchestra.db")
		}
		controller, err := orchestra.OpenSQLiteController(
			ctx, orchestra.SQLiteControllerConfig{
				Path:         path,
				Requeue:      requeue,
				RequeueLimit: args.RequeueLimit,
				LockTTL:      seconds(args.LockTTL),
				TokenTTL:     seconds(args.TokenTTL),
				MessageTTL:   seconds(args.MessageTTL),
				Logger:       logger,
			},
		)
		if err != nil {
			return nil, nil, err
		}
		return controller, controller.Close, nil
	case "http":
		var args httpControllerArgs
		if err := json.Unmarshal([]byte(cfg.ControllerArgs), &args); err != nil {
			return nil, nil, fmt.Errorf("invalid controller args: %w", err)
		}
		if args.URL == "" {
			return nil, nil, fmt.Errorf("http controller requires a url")
		}
		return orchestra.NewHTTPController(orchestra.HTTPControllerConfig{
			BaseURL:       args.URL,
			Timeout:       seconds(args.Timeout),
			MaxRetries:    args.MaxRetries,
			RetryInterval: seconds(args.RetryInterval),
		}), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown controller backend %q", cfg.Controller)
	}
}

// corsMiddleware sends permissive CORS headers and answers preflight
// requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions &&
			r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// demoHandler serves the demo job API: submission, report and progress.
type demoHandler struct {
	orchestration *services.Orchestration
	controller    orchestra.Controller
}

func (h *demoHandler) register(mux *http.ServeMux) {
	mux.HandleFunc("/demo", h.demo)
	mux.HandleFunc("/report", h.report)
	mux.HandleFunc("/progress", h.progress)
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *demoHandler) demo(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.submit(w, r)
	case http.MethodDelete:
		h.abort(w, r)
	default:
		w.Header().Set("Allow", "POST, DELETE")
		writeText(w, http.StatusMethodNotAllowed, "Method not allowed.")
	}
}

func (h *demoHandler) submit(w http.ResponseWriter, r *http.Request) {
	var body json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeText(w, http.StatusBadRequest, "Invalid request body.")
		return
	}
	var request services.DemoRequest
	if err := json.Unmarshal(body, &request); err != nil {
		writeText(w, http.StatusBadRequest, "Invalid demo request.")
		return
	}
	token, err := h.orchestration.Submit(r.Context(), models.JobConfig{
		Type:         services.DemoJobType,
		OriginalBody: body,
		RequestBody:  body,
	})
	if err != nil {
		log.Printf("submit: %v", err)
		writeText(w, http.StatusBadGateway, "Failed submission to queue.")
		return
	}
	writeJSON(w, http.StatusCreated, token)
}

func (h *demoHandler) abort(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	token := query.Get("token")
	if token == "" {
		writeText(w, http.StatusBadRequest, "Missing token.")
		return
	}
	if requeue, _ := strconv.ParseBool(query.Get("re-queue")); requeue {
		writeText(w, http.StatusBadRequest, "Re-queueing is not supported.")
		return
	}
	broadcast, _ := strconv.ParseBool(query.Get("broadcast"))
	var body struct {
		Origin string `json:"origin"`
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if err := h.orchestration.Abort(
		r.Context(), token,
		orchestra.AbortContext{Origin: body.Origin, Reason: body.Reason},
		broadcast, true,
	); err != nil {
		log.Printf("abort '%s': %v", token, err)
		writeText(w, http.StatusBadGateway, "Failed to abort job.")
		return
	}
	writeText(w, http.StatusOK, "OK")
}

// report serves the job report: 200 once terminal, 503 with the
// intermediate report while queued or running, 404 for unknown tokens.
func (h *demoHandler) report(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeText(w, http.StatusMethodNotAllowed, "Method not allowed.")
		return
	}
	info, ok := h.info(w, r)
	if !ok {
		return
	}
	if info.Report == nil || !info.Report.Progress.Status.Terminal() {
		writeJSON(w, http.StatusServiceUnavailable, info.Report)
		return
	}
	writeJSON(w, http.StatusOK, info.Report)
}

func (h *demoHandler) progress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeText(w, http.StatusMethodNotAllowed, "Method not allowed.")
		return
	}
	info, ok := h.info(w, r)
	if !ok {
		return
	}
	if info.Report == nil {
		writeJSON(w, http.StatusOK, models.Progress{Status: models.StatusQueued})
		return
	}
	writeJSON(w, http.StatusOK, info.Report.Progress)
}

func (h *demoHandler) info(w http.ResponseWriter, r *http.Request) (*models.JobInfo, bool) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeText(w, http.StatusBadRequest, "Missing token.")
		return nil, false
	}
	info, err := h.controller.GetInfo(r.Context(), token)
	if err != nil {
		writeText(w, http.StatusNotFound,
			fmt.Sprintf("Unknown token '%s'.", token))
		return nil, false
	}
	return info, true
}

func main() {
	log.SetFlags(log.LstdFlags | log.LUTC | log.Lmsgprefix)
	log.SetPrefix("[orchestra-demo] ")

	cfg := parseConfig()
	logConfig(cfg)
	if cfg.MPMethod != "goroutine" {
		log.Printf("mp method %q is not available, using goroutines", cfg.MPMethod)
	}

	slogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slogLevel(cfg.LogLevel),
	}))

	controller, closer, err := newController(context.Background(), cfg, slogger)
	if err != nil {
		log.Printf("failed to build controller: %v", err)
		os.Exit(1)
	}
	if closer != nil {
		defer func() { _ = closer() }()
	}

	store, err := kv.NewDiskStore(filepath.Join(cfg.MountPoint, "demo-db"))
	if err != nil {
		log.Printf("failed to open database: %v", err)
		os.Exit(1)
	}

	var wargs workerArgs
	if err := json.Unmarshal([]byte(cfg.WorkerArgs), &wargs); err != nil {
		log.Printf("invalid worker args: %v", err)
		os.Exit(1)
	}
	jobs := map[string]orchestra.JobFunc{
		services.DemoJobType: services.DemoJob(),
	}
	newPool := func() (*orchestra.WorkerPool, error) {
		return orchestra.NewWorkerPool(controller, jobs, orchestra.PoolConfig{
			Size: cfg.PoolSize,
			Worker: orchestra.WorkerConfig{
				Name:            wargs.Name,
				PollInterval:    cfg.WorkerInterval,
				ProcessTimeout:  seconds(wargs.ProcessTimeout),
				MessageInterval: seconds(wargs.MessageInterval),
				AbortGrace:      seconds(wargs.AbortGrace),
				Logger:          slogger,
			},
		})
	}

	var notifications *services.NotificationClient
	if cfg.NotificationURL != "" {
		notifications = services.NewNotificationClient(
			services.NotificationClientConfig{
				APIURL:      cfg.NotificationURL,
				Topic:       "abort",
				CallbackURL: cfg.CallbackURL,
			},
		)
	}

	orchestration := &services.Orchestration{
		Controller:    controller,
		NewPool:       newPool,
		AbortTimeout:  cfg.AbortTimeout,
		Notifications: notifications,
		Logger:        log.Default(),
	}
	processing := daemon.New(func(ctx context.Context) error {
		_, err := orchestration.Start(false)
		return err
	}, daemon.Config{
		Name:     "processing",
		Interval: cfg.DaemonInterval,
		Logger:   slogger,
	})
	orchestration.Daemon = processing
	if cfg.AtStartup {
		if err := processing.Run(context.Background()); err != nil {
			log.Printf("failed to start processing: %v", err)
			os.Exit(1)
		}
	}

	// the connection daemon keeps registration and subscription with
	// the notification service alive across its restarts
	var connection *daemon.Daemon
	if notifications != nil {
		connection = daemon.New(func(ctx context.Context) error {
			return notifications.Connect(ctx)
		}, daemon.Config{
			Name:     "notifications",
			Interval: 10 * time.Second,
			Logger:   slogger,
		})
		if err := connection.Run(context.Background()); err != nil {
			log.Printf("failed to start notification daemon: %v", err)
			os.Exit(1)
		}
	}

	mux := http.NewServeMux()
	demo := &demoHandler{orchestration: orchestration, controller: controller}
	demo.register(mux)
	(&services.ControlsHandler{
		Orchestration: orchestration, Logger: log.Default(),
	}).Register(mux)
	kv.NewHandler(store, "disk", log.Default()).Register(mux)
	if cfg.Controller == "sqlite" {
		// expose the controller wire API so replicas can share it
		orchestra.NewHandler(controller, log.Default()).Register(mux)
	}
	mux.Handle("/metrics", metrics.Handler())

	var handler http.Handler = mux
	if cfg.AllowCORS {
		handler = corsMiddleware(mux)
	}
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("HTTP server listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("received signal: %s, initiating graceful shutdown...", sig)
	case err := <-errCh:
		log.Printf("%v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	if connection != nil {
		connection.Stop(true)
		if err := notifications.Deregister(shutdownCtx); err != nil {
			log.Printf("deregister notifications: %v", err)
		}
	}
	orchestration.Stop(false, orchestra.AbortContext{}, true)
	log.Printf("shutdown complete")
}
