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

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const (
	queueDebounce = 100 * time.Millisecond
	queueMaxHold  = time.Second
)

// QueuedEvent is one pending outbound room message. An empty UserID sends
// as the bridge bot, otherwise as the named puppet.
type QueuedEvent struct {
	Type    event.Type
	UserID  id.UserID
	Content *event.MessageEventContent
}

// EventQueue buffers outbound events for one room and coalesces adjacent
// same-author same-type messages, so bursty IRC chatter (MOTD lines, a fast
// talker) becomes a single Matrix event. Flushes run through the room's
// serial runner, which keeps sends strictly FIFO.
type EventQueue struct {
	mu     sync.Mutex
	runner *SerialRunner
	send   func(ctx context.Context, evt *QueuedEvent) error

	buf   []*QueuedEvent
	start time.Time
	timer *time.Timer
}

func NewEventQueue(runner *SerialRunner, send func(ctx context.Context, evt *QueuedEvent) error) *EventQueue {
	return &EventQueue{runner: runner, send: send}
}

func canCoalesce(prev, next *QueuedEvent) bool {
	return prev.Type == next.Type &&
		prev.UserID == next.UserID &&
		prev.Content.MsgType == next.Content.MsgType &&
		(prev.Content.Format == "") == (next.Content.Format == "")
}

// Enqueue adds an event to the buffer. The buffer is flushed after a short
// debounce, or immediately once it has been held for a second, or when a
// non-coalescible event arrives.
func (q *EventQueue) Enqueue(evt *QueuedEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	if len(q.buf) == 0 {
		q.start = now
		q.buf = append(q.buf, evt)
	} else if prev := q.buf[len(q.buf)-1]; canCoalesce(prev, evt) {
		prev.Content.Body += "\n" + evt.Content.Body
		if prev.Content.Format != "" {
			prev.Content.FormattedBody += "<br>" + evt.Content.FormattedBody
		}
	} else {
		q.start = time.Time{}
		q.buf = append(q.buf, evt)
	}

	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	if now.Sub(q.start) >= queueMaxHold {
		q.flushLocked()
	} else {
		q.timer = time.AfterFunc(queueDebounce, q.Flush)
	}
}

// Flush hands the buffered events to the serial runner.
func (q *EventQueue) Flush() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.flushLocked()
}

func (q *EventQueue) flushLocked() {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	if len(q.buf) == 0 {
		return
	}
	buf := q.buf
	q.buf = nil
	q.start = time.Time{}
	q.runner.Schedule("flush outbound events", func(ctx context.Context) error {
		for _, evt := range buf {
			if err := q.send(ctx, evt); err != nil {
				return err
			}
		}
		return nil
	})
}
