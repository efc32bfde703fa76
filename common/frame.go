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
	"fmt"
	"sync"
	"time"

	"github.com/gopuppet/gopuppet/log"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"
)

// Frame represents one navigable context in a page's frame tree.
//
// Frame state is mutated only by the owning FrameManager; everything
// else reads it through the accessors or subscribes to the manager's
// events.
type Frame struct {
	ctx     context.Context
	manager *FrameManager
	logger  *log.Logger

	// Guards the tree links and the navigation identity fields together,
	// they change as a unit when the manager applies a navigation.
	mu          sync.RWMutex
	parentFrame *Frame
	childFrames map[*Frame]bool
	id          cdp.FrameID
	loaderID    string
	name        string
	url         string
	detached    bool

	lifecycleEventsMu sync.RWMutex
	lifecycleEvents   map[LifecycleEvent]bool

	mainWorld    *World
	utilityWorld *World
}

// NewFrame creates a new frame under the given parent.
func NewFrame(ctx context.Context, m *FrameManager, parentFrame *Frame, frameID cdp.FrameID, logger *log.Logger) *Frame {
	f := &Frame{
		ctx:             ctx,
		manager:         m,
		parentFrame:     parentFrame,
		childFrames:     make(map[*Frame]bool),
		id:              frameID,
		lifecycleEvents: make(map[LifecycleEvent]bool),
		logger:          logger,
	}
	f.mainWorld = newWorld(f, mainWorld, logger)
	f.utilityWorld = newWorld(f, utilityWorld, logger)
	if parentFrame != nil {
		parentFrame.addChildFrame(f)
	}
	return f
}

func (f *Frame) addChildFrame(childFrame *Frame) {
	f.mu.Lock()
	f.childFrames[childFrame] = true
	f.mu.Unlock()
}

func (f *Frame) removeChildFrame(childFrame *Frame) {
	f.mu.Lock()
	delete(f.childFrames, childFrame)
	f.mu.Unlock()
}

// ChildFrames returns the frame's direct children.
func (f *Frame) ChildFrames() []*Frame {
	f.mu.RLock()
	defer f.mu.RUnlock()
	children := make([]*Frame, 0, len(f.childFrames))
	for child := range f.childFrames {
		children = append(children, child)
	}
	return children
}

// ParentFrame returns the parent frame, or nil for the main frame.
func (f *Frame) ParentFrame() *Frame {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.parentFrame
}

// ID returns the frame id.
func (f *Frame) ID() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.id.String()
}

func (f *Frame) setID(id cdp.FrameID) {
	f.mu.Lock()
	f.id = id
	f.mu.Unlock()
}

// LoaderID returns the id of the frame's current navigation attempt.
func (f *Frame) LoaderID() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.loaderID
}

// Name returns the frame name attribute, if any.
func (f *Frame) Name() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.name
}

// URL returns the frame URL.
func (f *Frame) URL() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.url
}

// IsDetached returns whether the frame has been removed from the tree.
func (f *Frame) IsDetached() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.detached
}

// IsMainFrame returns whether this is the top-level frame.
func (f *Frame) IsMainFrame() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.parentFrame == nil
}

func (f *Frame) navigated(name string, url string, loaderID string) {
	f.mu.Lock()
	f.name = name
	f.url = url
	f.loaderID = loaderID
	f.mu.Unlock()
}

func (f *Frame) navigatedWithinDocument(url string) {
	f.mu.Lock()
	f.url = url
	f.mu.Unlock()
}

// onLoaderChanged marks the start of a fresh navigation attempt:
// the loader id changes and all milestones reached for the previous
// document no longer apply.
func (f *Frame) onLoaderChanged(loaderID string) {
	f.mu.Lock()
	f.loaderID = loaderID
	f.mu.Unlock()
	f.clearLifecycle()
}

func (f *Frame) clearLifecycle() {
	f.lifecycleEventsMu.Lock()
	f.lifecycleEvents = make(map[LifecycleEvent]bool)
	f.lifecycleEventsMu.Unlock()
}

func (f *Frame) onLifecycleEvent(event LifecycleEvent) {
	f.lifecycleEventsMu.Lock()
	f.lifecycleEvents[event] = true
	f.lifecycleEventsMu.Unlock()
}

// onLoadingStopped covers navigations whose explicit milestone events
// never arrive (downloads, aborted loads): stopping implies the
// document-level milestones have effectively been reached.
func (f *Frame) onLoadingStopped() {
	f.lifecycleEventsMu.Lock()
	f.lifecycleEvents[LifecycleEventDOMContentLoad] = true
	f.lifecycleEvents[LifecycleEventLoad] = true
	f.lifecycleEvents[LifecycleEventNetworkIdle] = true
	f.lifecycleEvents[LifecycleEventNetworkAlmostIdle] = true
	f.lifecycleEventsMu.Unlock()
}

func (f *Frame) hasLifecycleEventFired(event LifecycleEvent) bool {
	f.lifecycleEventsMu.RLock()
	defer f.lifecycleEventsMu.RUnlock()
	return f.lifecycleEvents[event]
}

// hasSubtreeLifecycleEventFired reports whether event has fired for
// this frame and, recursively, for every frame below it. A parent is
// not "loaded" until its whole subtree is.
func (f *Frame) hasSubtreeLifecycleEventFired(event LifecycleEvent) bool {
	if !f.hasLifecycleEventFired(event) {
		return false
	}
	for _, child := range f.ChildFrames() {
		if !child.hasSubtreeLifecycleEventFired(event) {
			return false
		}
	}
	return true
}

// detach tears the frame down. The manager has already detached all
// descendants when this is called.
func (f *Frame) detach() {
	f.mu.Lock()
	f.detached = true
	parent := f.parentFrame
	f.parentFrame = nil
	f.mu.Unlock()

	if parent != nil {
		parent.removeChildFrame(f)
	}
	f.mainWorld.detach()
	f.utilityWorld.detach()
}

func (f *Frame) world(world executionWorld) *World {
	switch world {
	case mainWorld:
		return f.mainWorld
	case utilityWorld:
		return f.utilityWorld
	}
	return nil
}

func (f *Frame) setContext(world executionWorld, execCtx *ExecutionContext) {
	w := f.world(world)
	if w == nil {
		f.logger.Errorf("Frame:setContext", "fid:%v invalid world %q", f.id, world)
		return
	}
	w.setContext(execCtx)
}

func (f *Frame) nullContext(execCtxID runtime.ExecutionContextID) {
	f.mainWorld.clearContextByID(execCtxID)
	f.utilityWorld.clearContextByID(execCtxID)
}

func (f *Frame) nullContexts() {
	f.mainWorld.clearContext()
	f.utilityWorld.clearContext()
}

func (f *Frame) defaultTimeout() time.Duration {
	return f.manager.timeoutSettings.timeout()
}

// Evaluate runs the given page function in the frame's main world and
// returns the result by value.
func (f *Frame) Evaluate(ctx context.Context, pageFunc string, args ...any) (any, error) {
	if f.IsDetached() {
		return nil, ErrFrameDetached
	}
	return f.mainWorld.Evaluate(ctx, pageFunc, args...)
}

// EvaluateHandle runs the given page function in the frame's main world
// and returns the result as a handle.
func (f *Frame) EvaluateHandle(ctx context.Context, pageFunc string, args ...any) (JSHandle, error) {
	if f.IsDetached() {
		return nil, ErrFrameDetached
	}
	return f.mainWorld.EvaluateHandle(ctx, pageFunc, args...)
}

// WaitForFunction polls the given page function in the frame's main
// world until it returns a truthy value.
func (f *Frame) WaitForFunction(
	ctx context.Context, pageFunc string, polling PollingType, interval time.Duration, timeout time.Duration, args ...any,
) (JSHandle, error) {
	if f.IsDetached() {
		return nil, ErrFrameDetached
	}
	if timeout == 0 {
		timeout = f.defaultTimeout()
	}
	task := NewWaitTask(f.ctx, f.mainWorld, pageFunc, polling, interval, timeout, f.logger, args...)
	return task.Await(ctx)
}

// WaitForSelector waits until the given selector matches an element.
// The predicate runs in the utility world so page scripts cannot
// interfere with it.
func (f *Frame) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) (JSHandle, error) {
	if f.IsDetached() {
		return nil, ErrFrameDetached
	}
	if timeout == 0 {
		timeout = f.defaultTimeout()
	}
	if err := f.manager.ensureUtilityContext(ctx, f); err != nil {
		return nil, fmt.Errorf("cannot create utility world for frame (%v): %w", f.id, err)
	}
	pageFunc := `selector => document.querySelector(selector) || undefined`
	task := NewWaitTask(f.ctx, f.utilityWorld, pageFunc, PollingMutation, 0, timeout, f.logger, selector)
	return task.Await(ctx)
}
