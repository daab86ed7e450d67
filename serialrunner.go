// mautrix-irc - A Matrix-IRC puppeting bridge.
// Copyright (C) 2026 Tulir Asokan
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

package main

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	serialTaskTimeout = 30 * time.Second
	serialQueueLen    = 64
)

type serialTask struct {
	name string
	fn   func(ctx context.Context) error
}

// SerialRunner executes scheduled tasks strictly in order, one at a time,
// each bounded by a timeout. A task blowing its budget is logged and
// abandoned; the runner then advances to the next task.
type SerialRunner struct {
	log     zerolog.Logger
	timeout time.Duration
	tasks   chan serialTask

	stopOnce sync.Once
	stop     chan struct{}
}

func NewSerialRunner(log zerolog.Logger) *SerialRunner {
	sr := &SerialRunner{
		log:     log,
		timeout: serialTaskTimeout,
		tasks:   make(chan serialTask, serialQueueLen),
		stop:    make(chan struct{}),
	}
	go sr.loop()
	return sr
}

// Schedule queues a task. Blocks only if the queue is full, which keeps a
// runaway producer from buffering unbounded work.
func (sr *SerialRunner) Schedule(name string, fn func(ctx context.Context) error) {
	select {
	case sr.tasks <- serialTask{name: name, fn: fn}:
	case <-sr.stop:
	}
}

func (sr *SerialRunner) Stop() {
	sr.stopOnce.Do(func() {
		close(sr.stop)
	})
}

func (sr *SerialRunner) loop() {
	for {
		select {
		case <-sr.stop:
			return
		case task := <-sr.tasks:
			sr.run(task)
		}
	}
}

func (sr *SerialRunner) run(task serialTask) {
	ctx, cancel := context.WithTimeout(context.Background(), sr.timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- task.fn(ctx)
	}()
	select {
	case err := <-done:
		if err != nil {
			sr.log.Err(err).Str("task", task.name).Msg("Scheduled task failed")
		}
	case <-ctx.Done():
		sr.log.Warn().Str("task", task.name).Msg("Scheduled task timed out, abandoning")
	}
}
