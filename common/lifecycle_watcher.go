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
	"time"
)

// LifecycleWatcher is a one-shot observer for a single navigation
// attempt of one frame. It watches the frame manager's event stream and
// answers which of four terminal outcomes the navigation reached:
// same-document complete, new-document complete, lifecycle complete, or
// terminated (frame detached or timed out). Exactly one of the
// navigation outcomes wins; recomputation after an outcome has fired is
// a no-op.
type LifecycleWatcher struct {
	ctx      context.Context
	cancelFn context.CancelFunc

	frame           *Frame
	frameManager    *FrameManager
	expectedEvents  []LifecycleEvent
	initialLoaderID string
	timeout         time.Duration

	mu                sync.Mutex
	navigationRequest *Request
	hasSameDocNav     bool

	lifecycleCh   chan struct{}
	sameDocCh     chan struct{}
	newDocCh      chan struct{}
	termCh        chan error
	lifecycleOnce sync.Once
	sameDocOnce   sync.Once
	newDocOnce    sync.Once
	termOnce      sync.Once

	disposeOnce sync.Once
}

// newLifecycleWatcher subscribes to the frame manager's and network
// manager's events and starts the timeout timer. Callers must dispose
// the watcher once an outcome has been consumed.
func newLifecycleWatcher(
	ctx context.Context, fm *FrameManager, frame *Frame, waitUntil []LifecycleEvent, timeout time.Duration,
) *LifecycleWatcher {
	evCtx, evCancel := context.WithCancel(ctx)
	w := &LifecycleWatcher{
		ctx:             evCtx,
		cancelFn:        evCancel,
		frame:           frame,
		frameManager:    fm,
		expectedEvents:  waitUntil,
		initialLoaderID: frame.LoaderID(),
		timeout:         timeout,
		lifecycleCh:     make(chan struct{}),
		sameDocCh:       make(chan struct{}),
		newDocCh:        make(chan struct{}),
		termCh:          make(chan error, 1),
	}

	chFrames := make(chan Event)
	fm.on(evCtx, []string{
		EventFrameManagerLifecycleEvent,
		EventFrameManagerFrameNavigated,
		EventFrameManagerFrameNavigatedWithinDocument,
		EventFrameManagerFrameDetached,
	}, chFrames)

	var chRequests chan Event
	if fm.networkManager != nil {
		chRequests = make(chan Event)
		fm.networkManager.on(evCtx, []string{EventNetworkManagerRequest}, chRequests)
	}

	go w.run(chFrames, chRequests)

	// The frame may already satisfy the wait condition, e.g. waiting for
	// "load" after it has fired.
	w.checkLifecycleComplete()

	return w
}

func (w *LifecycleWatcher) run(chFrames, chRequests chan Event) {
	var timerCh <-chan time.Time
	if w.timeout > 0 {
		timer := time.NewTimer(w.timeout)
		defer timer.Stop()
		timerCh = timer.C
	}

	for {
		select {
		case ev := <-chFrames:
			switch ev.typ {
			case EventFrameManagerLifecycleEvent, EventFrameManagerFrameNavigated:
				w.checkLifecycleComplete()
			case EventFrameManagerFrameNavigatedWithinDocument:
				if ev.data.(*Frame) == w.frame {
					w.mu.Lock()
					w.hasSameDocNav = true
					w.mu.Unlock()
					w.checkLifecycleComplete()
				}
			case EventFrameManagerFrameDetached:
				if ev.data.(*Frame) == w.frame {
					w.terminate(ErrFrameDetached)
					return
				}
				w.checkLifecycleComplete()
			}
		case ev := <-chRequests:
			req, ok := ev.data.(*Request)
			if ok && req.Frame() == w.frame && req.IsNavigationRequest() {
				w.mu.Lock()
				w.navigationRequest = req
				w.mu.Unlock()
			}
		case <-timerCh:
			w.terminate(&TimeoutError{
				What:    "navigation",
				Timeout: w.timeout,
			})
			return
		case <-w.ctx.Done():
			return
		}
	}
}

// checkLifecycle reports whether every expected milestone has fired for
// the frame and its entire subtree.
func checkLifecycle(frame *Frame, expected []LifecycleEvent) bool {
	for _, ev := range expected {
		if !frame.hasLifecycleEventFired(ev) {
			return false
		}
	}
	for _, child := range frame.ChildFrames() {
		if !checkLifecycle(child, expected) {
			return false
		}
	}
	return true
}

func (w *LifecycleWatcher) checkLifecycleComplete() {
	if !checkLifecycle(w.frame, w.expectedEvents) {
		return
	}
	w.lifecycleOnce.Do(func() { close(w.lifecycleCh) })

	w.mu.Lock()
	sameDoc := w.hasSameDocNav
	w.mu.Unlock()

	if w.frame.LoaderID() == w.initialLoaderID && !sameDoc {
		// No navigation has happened yet.
		return
	}
	if sameDoc {
		w.sameDocOnce.Do(func() { close(w.sameDocCh) })
	}
	if w.frame.LoaderID() != w.initialLoaderID {
		w.newDocOnce.Do(func() { close(w.newDocCh) })
	}
}

func (w *LifecycleWatcher) terminate(err error) {
	w.termOnce.Do(func() {
		w.termCh <- err
	})
	w.dispose()
}

// lifecycleDone fires once the wait condition holds for the frame's
// subtree, regardless of whether a navigation happened.
func (w *LifecycleWatcher) lifecycleDone() <-chan struct{} {
	return w.lifecycleCh
}

func (w *LifecycleWatcher) sameDocumentDone() <-chan struct{} {
	return w.sameDocCh
}

func (w *LifecycleWatcher) newDocumentDone() <-chan struct{} {
	return w.newDocCh
}

// terminated yields the error that aborted the watch: a timeout or the
// watched frame detaching.
func (w *LifecycleWatcher) terminated() <-chan error {
	return w.termCh
}

// navigationResponse returns the response of the navigation request
// observed for the watched frame, if any.
func (w *LifecycleWatcher) navigationResponse() *Response {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.navigationRequest == nil {
		return nil
	}
	return w.navigationRequest.Response()
}

// dispose removes the watcher's event subscriptions and stops its
// timer. Safe to call more than once; only the first call acts.
func (w *LifecycleWatcher) dispose() {
	w.disposeOnce.Do(func() {
		w.cancelFn()
	})
}
