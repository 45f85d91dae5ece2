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
	"time"

	"github.com/lzv-nrw/dcm-common/pkg/models"
)

// AbortOptions controls how Abort terminates a job.
type AbortOptions struct {
	// Origin and Reason are recorded in the job's metadata and report.
	Origin string
	Reason string

	// Block makes Abort wait until the job reaches a terminal state.
	Block bool
	// PollInterval between status checks while blocking (default 1s).
	PollInterval time.Duration
	// Timeout bounds the blocking wait (default 30s).
	Timeout time.Duration
}

// Abort requests termination of the job identified by token by
// posting an abort message to the controller. Workers pick the
// message up on their next poll. With opts.Block set, Abort waits
// until the job is no longer queued or running.
//
// Aborting a queued job only posts the message; the job is terminated
// once a worker leases it and sees the instruction.
func Abort(ctx context.Context, c Controller, token string, opts AbortOptions) error {
	if opts.PollInterval == 0 {
		opts.PollInterval = time.Second
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}

	if err := c.MessagePush(
		ctx, token, models.InstructionAbort, opts.Origin, opts.Reason,
	); err != nil {
		return fmt.Errorf("failed to post abort message: %w", err)
	}
	if !opts.Block {
		return nil
	}

	deadline := time.Now().Add(opts.Timeout)
	for {
		status, err := c.GetStatus(ctx, token)
		if errors.Is(err, ErrUnknownToken) {
			return err
		}
		if err == nil && status.Terminal() {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf(
				"job '%s' did not terminate within %s", token, opts.Timeout,
			)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(opts.PollInterval):
		}
	}
}
