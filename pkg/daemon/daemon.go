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

// Package daemon keeps a long-running function alive: the function is
// restarted after it returns, errors or panics, with a pause between
// runs.
package daemon

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Config configures a Daemon.
type Config struct {
	// Name tags the daemon in logs.
	Name string
	// Interval is the pause before a restart (default 1s).
	Interval time.Duration
	// Logger is optional; if nil, logging is suppressed.
	Logger *slog.Logger
}

// Daemon supervises a function on a dedicated goroutine. Whenever the
// function returns or panics, it is restarted after the configured
// interval until Stop is called or the run context is canceled.
type Daemon struct {
	fn  func(context.Context) error
	cfg Config

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// New returns a daemon supervising fn.
func New(fn func(context.Context) error, cfg Config) *Daemon {
	if fn == nil {
		panic("daemon: nil function")
	}
	if cfg.Name == "" {
		cfg.Name = "daemon"
	}
	if cfg.Interval == 0 {
		cfg.Interval = time.Second
	}
	return &Daemon{fn: fn, cfg: cfg}
}

func (d *Daemon) logger() *slog.Logger {
	if d.cfg.Logger != nil {
		return d.cfg.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Run starts the supervision loop. It returns an error if the daemon
// is already active.
func (d *Daemon) Run(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return errors.New("daemon already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	d.cancel = cancel
	d.done = done
	go d.loop(runCtx, done)
	return nil
}

func (d *Daemon) loop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	d.logger().Info("daemon started", "daemon", d.cfg.Name)
	for {
		d.setRunning(true)
		d.runOnce(ctx)
		d.setRunning(false)
		select {
		case <-ctx.Done():
			d.logger().Info("daemon stopped", "daemon", d.cfg.Name)
			return
		case <-time.After(d.interval()):
		}
	}
}

// runOnce executes the supervised function with panic recovery.
func (d *Daemon) runOnce(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			d.logger().Error("panic in daemon target",
				"daemon", d.cfg.Name, "panic", p)
		}
	}()
	if err := d.fn(ctx); err != nil {
		d.logger().Error("daemon target failed",
			"daemon", d.cfg.Name, "error", err)
	}
}

func (d *Daemon) setRunning(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = v
}

func (d *Daemon) interval() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.Interval
}

// Reconfigure changes the restart interval; it takes effect on the
// next restart.
func (d *Daemon) Reconfigure(interval time.Duration) {
	if interval <= 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg.Interval = interval
}

// Active reports whether the supervision loop is up.
func (d *Daemon) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancel != nil
}

// Running reports whether the supervised function is currently
// executing (as opposed to waiting for a restart).
func (d *Daemon) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Stop shuts the supervision loop down. With block set, Stop waits
// until the current execution has returned. The supervised function
// observes the stop through its context.
func (d *Daemon) Stop(block bool) {
	d.mu.Lock()
	cancel := d.cancel
	done := d.done
	d.cancel = nil
	d.done = nil
	d.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if block && done != nil {
		<-done
	}
}
