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
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
)

type queueCollector struct {
	mu   sync.Mutex
	evts []*QueuedEvent
}

func (qc *queueCollector) send(ctx context.Context, evt *QueuedEvent) error {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	qc.evts = append(qc.evts, evt)
	return nil
}

func (qc *queueCollector) snapshot() []*QueuedEvent {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	return append([]*QueuedEvent(nil), qc.evts...)
}

func newTestQueue(t *testing.T) (*EventQueue, *queueCollector) {
	t.Helper()
	runner := NewSerialRunner(zerolog.Nop())
	t.Cleanup(runner.Stop)
	collector := &queueCollector{}
	return NewEventQueue(runner, collector.send), collector
}

func notice(body string) *QueuedEvent {
	return &QueuedEvent{
		Type:    event.EventMessage,
		Content: &event.MessageEventContent{MsgType: event.MsgNotice, Body: body},
	}
}

func TestEventQueueCoalescesAdjacentNotices(t *testing.T) {
	queue, collector := newTestQueue(t)

	queue.Enqueue(notice("a"))
	queue.Enqueue(notice("b"))
	queue.Enqueue(notice("c"))

	require.Eventually(t, func() bool {
		return len(collector.snapshot()) == 1
	}, time.Second, 10*time.Millisecond)

	evts := collector.snapshot()
	assert.Equal(t, "a\nb\nc", evts[0].Content.Body)
	assert.Equal(t, event.MsgNotice, evts[0].Content.MsgType)
}

func TestEventQueueTypeBoundary(t *testing.T) {
	queue, collector := newTestQueue(t)

	queue.Enqueue(notice("first"))
	queue.Enqueue(&QueuedEvent{
		Type:    event.EventMessage,
		Content: &event.MessageEventContent{MsgType: event.MsgEmote, Body: "waves"},
	})
	queue.Enqueue(notice("second"))

	require.Eventually(t, func() bool {
		total := 0
		for _, evt := range collector.snapshot() {
			_ = evt
			total++
		}
		return total == 3
	}, 2*time.Second, 10*time.Millisecond)

	evts := collector.snapshot()
	assert.Equal(t, "first", evts[0].Content.Body)
	assert.Equal(t, event.MsgEmote, evts[1].Content.MsgType)
	assert.Equal(t, "second", evts[2].Content.Body)
}

func TestEventQueueSenderBoundary(t *testing.T) {
	queue, collector := newTestQueue(t)

	first := notice("from bot")
	second := notice("from puppet")
	second.UserID = "@irc_libera_alice:example.com"
	queue.Enqueue(first)
	queue.Enqueue(second)

	require.Eventually(t, func() bool {
		return len(collector.snapshot()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	evts := collector.snapshot()
	assert.Equal(t, "from bot", evts[0].Content.Body)
	assert.Equal(t, "from puppet", evts[1].Content.Body)
}

func TestEventQueueFormattedCoalescing(t *testing.T) {
	queue, collector := newTestQueue(t)

	formatted := func(body, html string) *QueuedEvent {
		return &QueuedEvent{
			Type: event.EventMessage,
			Content: &event.MessageEventContent{
				MsgType:       event.MsgText,
				Body:          body,
				Format:        event.FormatHTML,
				FormattedBody: html,
			},
		}
	}
	queue.Enqueue(formatted("one", "<b>one</b>"))
	queue.Enqueue(formatted("two", "<i>two</i>"))

	require.Eventually(t, func() bool {
		return len(collector.snapshot()) == 1
	}, time.Second, 10*time.Millisecond)

	evt := collector.snapshot()[0]
	assert.Equal(t, "one\ntwo", evt.Content.Body)
	assert.Equal(t, "<b>one</b><br><i>two</i>", evt.Content.FormattedBody)
}
