/*
 *
 * gopuppet - a puppeteer-style browser automation library for Go
 * Copyright (C) 2022 The gopuppet authors
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package common

import (
	"context"
	"sync"
)

// Ensure BaseEventEmitter implements the EventEmitter interface.
var _ EventEmitter = &BaseEventEmitter{}

const (
	// Connection

	EventConnectionClose string = "close"

	// Session

	EventSessionClosed string = "close"

	// FrameManager

	EventFrameManagerFrameAttached                string = "frameattached"
	EventFrameManagerFrameNavigated               string = "framenavigated"
	EventFrameManagerFrameDetached                string = "framedetached"
	EventFrameManagerFrameNavigatedWithinDocument string = "framenavigatedwithindocument"
	EventFrameManagerLifecycleEvent               string = "lifecycleevent"

	// NetworkManager

	EventNetworkManagerRequest         string = "request"
	EventNetworkManagerResponse        string = "response"
	EventNetworkManagerRequestFailed   string = "requestfailed"
	EventNetworkManagerRequestFinished string = "requestfinished"
)

// Event as emitted by an EventEmitter.
type Event struct {
	typ  string
	data interface{}
}

// queue buffers undelivered events for one subscriber channel. Producers
// append to write under writeMutex; the delivery goroutine drains read
// under readMutex and swaps the slices when read runs dry. The two
// mutexes keep emit from ever waiting on a slow subscriber: a blocked
// send holds only readMutex, never writeMutex.
type queue struct {
	writeMutex sync.Mutex
	write      []Event
	readMutex  sync.Mutex
	read       []Event
}

type eventHandler struct {
	ctx   context.Context
	ch    chan Event
	queue *queue
}

// EventEmitter that all event emitters need to implement.
type EventEmitter interface {
	emit(event string, data interface{})
	on(ctx context.Context, events []string, ch chan Event)
	onAll(ctx context.Context, ch chan Event)
}

// syncFunc functions are passed through the syncCh for synchronously handling
// eventHandler requests.
type syncFunc func() (done chan struct{})

// BaseEventEmitter emits events to registered handlers.
//
// Events for a single handler are delivered in emission order: each handler
// channel has a FIFO queue that emit appends to, and a draining goroutine
// sends exactly one queued event per wakeup. A subscriber that is slow to
// drain its channel delays only its own deliveries, never emit itself.
type BaseEventEmitter struct {
	handlers    map[string][]*eventHandler
	handlersAll []*eventHandler

	queues map[chan Event]*queue

	syncCh chan syncFunc
	ctx    context.Context
}

// NewBaseEventEmitter creates a new instance of a base event emitter.
func NewBaseEventEmitter(ctx context.Context) BaseEventEmitter {
	bem := BaseEventEmitter{
		handlers: make(map[string][]*eventHandler),
		queues:   make(map[chan Event]*queue),
		syncCh:   make(chan syncFunc),
		ctx:      ctx,
	}
	go bem.syncAll(ctx)
	return bem
}

// syncAll receives work requests from BaseEventEmitter methods and processes
// them one at a time for synchronization. It returns when the emitter context
// is done.
func (e *BaseEventEmitter) syncAll(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-e.syncCh:
			done := fn()
			done <- struct{}{}
		}
	}
}

// sync is a helper for synchronized access to the BaseEventEmitter.
func (e *BaseEventEmitter) sync(fn func()) {
	done := make(chan struct{})
	select {
	case <-e.ctx.Done():
		return
	case e.syncCh <- func() chan struct{} {
		fn()
		return done
	}:
	}
	<-done
}

func (e *BaseEventEmitter) emit(event string, data interface{}) {
	emitEvent := func(eh *eventHandler) {
		// readMutex is held across the send so that concurrent drain
		// goroutines deliver queued events strictly in FIFO order.
		eh.queue.readMutex.Lock()
		defer eh.queue.readMutex.Unlock()

		// When the read queue runs dry, swap in whatever the emitters
		// have appended to the write queue in the meantime.
		if len(eh.queue.read) == 0 {
			eh.queue.writeMutex.Lock()
			eh.queue.read, eh.queue.write = eh.queue.write, nil
			eh.queue.writeMutex.Unlock()
		}
		if len(eh.queue.read) == 0 {
			return
		}

		select {
		case eh.ch <- eh.queue.read[0]:
			eh.queue.read[0] = Event{}
			eh.queue.read = eh.queue.read[1:]
		case <-eh.ctx.Done():
		}
	}
	emitTo := func(handlers []*eventHandler) (updated []*eventHandler) {
		for i := 0; i < len(handlers); {
			handler := handlers[i]
			select {
			case <-handler.ctx.Done():
				handlers = append(handlers[:i], handlers[i+1:]...)
				continue
			default:
				handler.queue.writeMutex.Lock()
				handler.queue.write = append(handler.queue.write, Event{typ: event, data: data})
				handler.queue.writeMutex.Unlock()

				go emitEvent(handler)
				i++
			}
		}
		return handlers
	}
	e.sync(func() {
		e.handlers[event] = emitTo(e.handlers[event])
		e.handlersAll = emitTo(e.handlersAll)
	})
}

// on registers a handler for the given events. The registration lasts until
// ctx is done; cancelling ctx is the only way to unsubscribe, which revokes
// the subscription exactly once.
func (e *BaseEventEmitter) on(ctx context.Context, events []string, ch chan Event) {
	e.sync(func() {
		q, ok := e.queues[ch]
		if !ok {
			q = &queue{}
			e.queues[ch] = q
		}
		for _, event := range events {
			e.handlers[event] = append(e.handlers[event], &eventHandler{ctx: ctx, ch: ch, queue: q})
		}
	})
}

// onAll registers a handler for all events.
func (e *BaseEventEmitter) onAll(ctx context.Context, ch chan Event) {
	e.sync(func() {
		q, ok := e.queues[ch]
		if !ok {
			q = &queue{}
			e.queues[ch] = q
		}
		e.handlersAll = append(e.handlersAll, &eventHandler{ctx: ctx, ch: ch, queue: q})
	})
}
