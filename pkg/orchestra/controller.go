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

// Package orchestra implements lease-based job orchestration: a
// controller mediates between job producers and a pool of workers via
// a job queue, a job registry and expiring locks. Controllers come in
// a SQLite dialect for single-host setups and an HTTP dialect for
// service replicas sharing one controller instance.
package orchestra

import (
	"context"
	"errors"
	"time"

	"github.com/lzv-nrw/dcm-common/pkg/models"
)

var (
	// ErrNoWork is returned by QueuePop when no queued job is
	// available.
	ErrNoWork = errors.New("no queued job available")
	// ErrLeaseLost is returned when a lock is unknown or expired and
	// the guarded operation is rejected.
	ErrLeaseLost = errors.New("stale lock, operation rejected")
	// ErrUnknownToken is returned for registry reads of missing or
	// expired tokens.
	ErrUnknownToken = errors.New("unknown job token")
	// ErrResubmission is returned when a token is resubmitted with a
	// different original request body.
	ErrResubmission = errors.New("resubmission with different body not allowed")
)

// Controller mediates queue, registry and message access for workers
// and service frontends. All registry writes are guarded by locks:
// a write with a stale lock fails with ErrLeaseLost.
type Controller interface {
	// Name identifies this controller in logs and job metadata.
	Name() string

	// QueuePush enqueues the job under token. Pushing an existing
	// token with an identical original request body returns the
	// existing token; a different body yields ErrResubmission.
	QueuePush(ctx context.Context, token string, info *models.JobInfo) (models.Token, error)
	// QueuePop leases the oldest queued job for the named consumer.
	// Returns ErrNoWork when the queue is empty.
	QueuePop(ctx context.Context, name string) (*models.Lock, error)

	// ReleaseLock drops the lock. Releasing an unknown lock is a
	// no-op.
	ReleaseLock(ctx context.Context, lockID string) error
	// RefreshLock extends the lease. Returns ErrLeaseLost when the
	// lock is unknown or already expired.
	RefreshLock(ctx context.Context, lockID string) (*models.Lock, error)

	// GetToken returns the token record from the registry.
	GetToken(ctx context.Context, token string) (models.Token, error)
	// GetInfo returns the registry info for token.
	GetInfo(ctx context.Context, token string) (*models.JobInfo, error)
	// GetStatus returns the registry status for token.
	GetStatus(ctx context.Context, token string) (models.Status, error)
	// RegistryPush updates status and/or info of the job locked by
	// lockID. An empty status or nil info leaves the respective field
	// untouched. Returns ErrLeaseLost when the lock is stale.
	RegistryPush(ctx context.Context, lockID string, status models.Status, info *models.JobInfo) error

	// MessagePush posts a control message for the job under token.
	// Messages for unknown tokens are discarded.
	MessagePush(ctx context.Context, token string, instruction models.Instruction, origin, content string) error
	// MessageGet returns all messages received at or after since.
	MessageGet(ctx context.Context, since time.Time) ([]models.Message, error)

	// QueueSize returns the number of queued jobs.
	QueueSize(ctx context.Context) (int, error)
	// RegistrySize returns the number of registry records.
	RegistrySize(ctx context.Context) (int, error)
}
