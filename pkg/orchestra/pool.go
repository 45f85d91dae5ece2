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
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// PoolConfig configures a WorkerPool.
type PoolConfig struct {
	// Size is the number of workers (default 1).
	Size int
	// Worker is the template configuration applied to every worker.
	// With more than one worker, names get an index suffix.
	Worker WorkerConfig
}

// WorkerPool runs a fixed set of workers against a shared Controller.
type WorkerPool struct {
	workers []*Worker

	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	started bool
}

// NewWorkerPool returns a pool of cfg.Size workers processing the
// given job types via controller.
func NewWorkerPool(controller Controller, jobs map[string]JobFunc, cfg PoolConfig) (*WorkerPool, error) {
	if cfg.Size == 0 {
		cfg.Size = 1
	}
	if cfg.Size < 0 {
		return nil, errors.New("pool size must be positive")
	}
	workers := make([]*Worker, 0, cfg.Size)
	for i := 0; i < cfg.Size; i++ {
		wcfg := cfg.Worker
		if wcfg.Name != "" && cfg.Size > 1 {
			wcfg.Name = fmt.Sprintf("%s-%d", wcfg.Name, i)
		}
		w, err := NewWorker(controller, jobs, wcfg)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return &WorkerPool{workers: workers}, nil
}

// Start launches all workers. It returns immediately; use Wait or
// Stop(true) to block until they exit.
func (p *WorkerPool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("pool already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)
	for _, w := range p.workers {
		w := w
		group.Go(func() error {
			return w.Run(groupCtx)
		})
	}
	p.cancel = cancel
	p.group = group
	p.started = true
	return nil
}

// Running reports whether any worker is still in its run loop.
func (p *WorkerPool) Running() bool {
	for _, w := range p.workers {
		if w.State() != WorkerStopped {
			return true
		}
	}
	return false
}

// States returns the current state of every worker by name.
func (p *WorkerPool) States() map[string]WorkerState {
	states := make(map[string]WorkerState, len(p.workers))
	for _, w := range p.workers {
		states[w.Name()] = w.State()
	}
	return states
}

// BusyTokens returns the tokens of jobs currently being processed.
func (p *WorkerPool) BusyTokens() []string {
	tokens := make([]string, 0, len(p.workers))
	for _, w := range p.workers {
		if token := w.BusyToken(); token != "" {
			tokens = append(tokens, token)
		}
	}
	return tokens
}

// Size returns the number of workers in the pool.
func (p *WorkerPool) Size() int {
	return len(p.workers)
}

// StopOnIdle makes every worker exit the next time it finds the queue
// empty. Running jobs finish normally.
func (p *WorkerPool) StopOnIdle() {
	for _, w := range p.workers {
		w.StopOnIdle()
	}
}

// Stop cancels all workers. Running jobs are aborted with reason
// "worker shutdown". With block set, Stop waits until every worker
// has exited.
func (p *WorkerPool) Stop(block bool) {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if block {
		_ = p.Wait()
	}
}

// Kill aborts all running jobs with the given context and then stops
// the pool.
func (p *WorkerPool) Kill(abort AbortContext, block bool) {
	for _, w := range p.workers {
		w.AbortCurrent(abort)
	}
	p.Stop(block)
}

// Wait blocks until all workers have exited.
func (p *WorkerPool) Wait() error {
	p.mu.Lock()
	group := p.group
	p.mu.Unlock()
	if group == nil {
		return nil
	}
	return group.Wait()
}
