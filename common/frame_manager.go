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
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gopuppet/gopuppet/log"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	cdppage "github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
)

// Ensure FrameManager implements the EventEmitter interface.
var _ EventEmitter = &FrameManager{}

// Lifecycle event names as delivered on the wire.
var cdpLifecycleEventToID = map[string]LifecycleEvent{
	"load":              LifecycleEventLoad,
	"DOMContentLoaded":  LifecycleEventDOMContentLoad,
	"networkIdle":       LifecycleEventNetworkIdle,
	"networkAlmostIdle": LifecycleEventNetworkAlmostIdle,
}

// FrameManager owns a target's frame tree and is the sole mutator of
// Frame state. It rebuilds the tree from the session's event stream and
// emits change notifications that LifecycleWatcher and callers observe.
type FrameManager struct {
	BaseEventEmitter

	ctx             context.Context
	session         session
	networkManager  *NetworkManager
	timeoutSettings *TimeoutSettings
	logger          *log.Logger

	framesMu  sync.RWMutex
	frames    map[cdp.FrameID]*Frame
	mainFrame *Frame

	contextsMu sync.Mutex
	contexts   map[runtime.ExecutionContextID]*ExecutionContext

	isolatedWorldsMu sync.Mutex
	isolatedWorlds   map[string]bool
}

// NewFrameManager creates a new frame manager bound to a session and
// starts consuming its frame and execution-context events.
func NewFrameManager(
	ctx context.Context, s session, nm *NetworkManager, ts *TimeoutSettings, l *log.Logger,
) *FrameManager {
	m := &FrameManager{
		BaseEventEmitter: NewBaseEventEmitter(ctx),
		ctx:              ctx,
		session:          s,
		networkManager:   nm,
		timeoutSettings:  ts,
		logger:           l,
		frames:           make(map[cdp.FrameID]*Frame),
		contexts:         make(map[runtime.ExecutionContextID]*ExecutionContext),
		isolatedWorlds:   make(map[string]bool),
	}
	m.initEvents()
	return m
}

// Init enables the page and runtime domains, ingests the existing frame
// tree and sets up the utility isolated world.
func (m *FrameManager) Init() error {
	actions := []Action{
		cdppage.Enable(),
		cdppage.SetLifecycleEventsEnabled(true),
		runtime.Enable(),
	}
	for _, action := range actions {
		if err := action.Do(cdp.WithExecutor(m.ctx, m.session)); err != nil {
			return fmt.Errorf("unable to execute %T: %w", action, err)
		}
	}

	tree, err := cdppage.GetFrameTree().Do(cdp.WithExecutor(m.ctx, m.session))
	if err != nil {
		return fmt.Errorf("cannot get frame tree: %w", err)
	}
	m.handleFrameTree(tree)

	return m.ensureIsolatedWorld(utilityWorldName)
}

func (m *FrameManager) initEvents() {
	if m.session == nil {
		return
	}
	chHandler := make(chan Event)
	m.session.on(m.ctx, []string{
		cdproto.EventPageFrameAttached,
		cdproto.EventPageFrameNavigated,
		cdproto.EventPageNavigatedWithinDocument,
		cdproto.EventPageFrameDetached,
		cdproto.EventPageFrameStoppedLoading,
		cdproto.EventPageLifecycleEvent,
		cdproto.EventRuntimeExecutionContextCreated,
		cdproto.EventRuntimeExecutionContextDestroyed,
		cdproto.EventRuntimeExecutionContextsCleared,
	}, chHandler)

	go func() {
		for m.handleEvents(chHandler) {
		}
	}()
}

func (m *FrameManager) handleEvents(in <-chan Event) bool {
	select {
	case <-m.ctx.Done():
		return false
	case event := <-in:
		switch ev := event.data.(type) {
		case *cdppage.EventFrameAttached:
			m.frameAttached(ev.FrameID, ev.ParentFrameID)
		case *cdppage.EventFrameNavigated:
			if err := m.frameNavigated(ev.Frame, false); err != nil {
				m.logger.Errorf("FrameManager:handleEvents", "%s", err)
			}
		case *cdppage.EventNavigatedWithinDocument:
			m.frameNavigatedWithinDocument(ev.FrameID, ev.URL)
		case *cdppage.EventFrameDetached:
			m.frameDetached(ev.FrameID)
		case *cdppage.EventFrameStoppedLoading:
			m.frameStoppedLoading(ev.FrameID)
		case *cdppage.EventLifecycleEvent:
			m.frameLifecycleEvent(ev)
		case *runtime.EventExecutionContextCreated:
			m.executionContextCreated(ev)
		case *runtime.EventExecutionContextDestroyed:
			m.executionContextDestroyed(ev.ExecutionContextID)
		case *runtime.EventExecutionContextsCleared:
			m.executionContextsCleared()
		}
	}
	return true
}

// handleFrameTree ingests a frame tree snapshot, attaching and
// navigating frames as if their events had been observed live.
func (m *FrameManager) handleFrameTree(tree *cdppage.FrameTree) {
	if tree.Frame.ParentID != "" {
		m.frameAttached(tree.Frame.ID, tree.Frame.ParentID)
	}
	if err := m.frameNavigated(tree.Frame, true); err != nil {
		m.logger.Errorf("FrameManager:handleFrameTree", "%s", err)
	}
	for _, child := range tree.ChildFrames {
		m.handleFrameTree(child)
	}
}

func (m *FrameManager) frameAttached(frameID cdp.FrameID, parentFrameID cdp.FrameID) {
	m.logger.Debugf("FrameManager:frameAttached", "fid:%v pfid:%v", frameID, parentFrameID)

	m.framesMu.Lock()
	if _, ok := m.frames[frameID]; ok {
		m.framesMu.Unlock()
		return
	}
	parentFrame, ok := m.frames[parentFrameID]
	if !ok {
		m.framesMu.Unlock()
		return
	}
	frame := NewFrame(m.ctx, m, parentFrame, frameID, m.logger)
	m.frames[frameID] = frame
	m.framesMu.Unlock()

	m.emit(EventFrameManagerFrameAttached, frame)
}

func (m *FrameManager) frameNavigated(framePayload *cdp.Frame, initial bool) error {
	m.logger.Debugf("FrameManager:frameNavigated", "fid:%v url:%q initial:%t", framePayload.ID, framePayload.URL, initial)

	m.framesMu.Lock()

	isMainFrame := framePayload.ParentID == ""
	frame := m.frames[framePayload.ID]

	if !isMainFrame && frame == nil {
		m.framesMu.Unlock()
		return errors.New("navigated frame is neither the main frame nor a known child frame")
	}

	// A navigation replaces the whole subtree.
	var detachedSubtrees []*Frame
	if frame != nil {
		detachedSubtrees = frame.ChildFrames()
	}

	if isMainFrame {
		if frame != nil {
			// Re-key the existing frame to retain main frame identity
			// across cross-process navigations.
			delete(m.frames, cdp.FrameID(frame.ID()))
			frame.setID(framePayload.ID)
		} else {
			// Initial main frame navigation.
			frame = NewFrame(m.ctx, m, nil, framePayload.ID, m.logger)
		}
		m.frames[framePayload.ID] = frame
		m.mainFrame = frame
	}
	m.framesMu.Unlock()

	for _, child := range detachedSubtrees {
		m.removeFramesRecursively(child)
	}

	frame.navigated(framePayload.Name, framePayload.URL+framePayload.URLFragment, framePayload.LoaderID.String())

	m.emit(EventFrameManagerFrameNavigated, frame)
	return nil
}

func (m *FrameManager) frameNavigatedWithinDocument(frameID cdp.FrameID, url string) {
	m.logger.Debugf("FrameManager:frameNavigatedWithinDocument", "fid:%v url:%q", frameID, url)

	frame := m.getFrameByID(frameID)
	if frame == nil {
		return
	}
	frame.navigatedWithinDocument(url)
	m.emit(EventFrameManagerFrameNavigatedWithinDocument, frame)
	m.emit(EventFrameManagerFrameNavigated, frame)
}

func (m *FrameManager) frameDetached(frameID cdp.FrameID) {
	m.logger.Debugf("FrameManager:frameDetached", "fid:%v", frameID)

	frame := m.getFrameByID(frameID)
	if frame != nil {
		m.removeFramesRecursively(frame)
	}
}

func (m *FrameManager) frameStoppedLoading(frameID cdp.FrameID) {
	frame := m.getFrameByID(frameID)
	if frame == nil {
		return
	}
	frame.onLoadingStopped()
	m.emit(EventFrameManagerLifecycleEvent, frame)
}

func (m *FrameManager) frameLifecycleEvent(ev *cdppage.EventLifecycleEvent) {
	frame := m.getFrameByID(ev.FrameID)
	if frame == nil {
		return
	}
	if ev.Name == "init" {
		// A fresh navigation attempt: previous milestones no longer apply.
		frame.onLoaderChanged(ev.LoaderID.String())
	} else if lifecycleEvent, ok := cdpLifecycleEventToID[ev.Name]; ok {
		frame.onLifecycleEvent(lifecycleEvent)
	}
	m.emit(EventFrameManagerLifecycleEvent, frame)
}

// removeFramesRecursively detaches the subtree in post-order: every
// descendant is gone before its parent detaches.
func (m *FrameManager) removeFramesRecursively(frame *Frame) {
	for _, child := range frame.ChildFrames() {
		m.removeFramesRecursively(child)
	}

	frame.detach()

	m.framesMu.Lock()
	delete(m.frames, cdp.FrameID(frame.ID()))
	m.framesMu.Unlock()

	m.emit(EventFrameManagerFrameDetached, frame)
}

func (m *FrameManager) executionContextCreated(ev *runtime.EventExecutionContextCreated) {
	m.logger.Debugf("FrameManager:executionContextCreated", "ectxid:%d name:%q", ev.Context.ID, ev.Context.Name)

	var auxData struct {
		FrameID   cdp.FrameID `json:"frameId"`
		IsDefault bool        `json:"isDefault"`
	}
	if ev.Context.AuxData != nil {
		if err := json.Unmarshal(ev.Context.AuxData, &auxData); err != nil {
			m.logger.Errorf("FrameManager:executionContextCreated", "unmarshaling auxData: %s", err)
			return
		}
	}

	var world executionWorld
	frame := m.getFrameByID(auxData.FrameID)
	if frame != nil {
		switch {
		case auxData.IsDefault:
			world = mainWorld
		case ev.Context.Name == utilityWorldName && !frame.utilityWorld.hasContext():
			// Another utility context may already be bound when isolated
			// world creation races with the new-document script; the
			// first one wins and later duplicates are ignored.
			world = utilityWorld
		}
	}

	execCtx := NewExecutionContext(m.ctx, m.session, frame, ev.Context.ID, m.logger)
	m.contextsMu.Lock()
	m.contexts[ev.Context.ID] = execCtx
	m.contextsMu.Unlock()

	if world.valid() {
		frame.setContext(world, execCtx)
	}
}

func (m *FrameManager) executionContextDestroyed(id runtime.ExecutionContextID) {
	m.logger.Debugf("FrameManager:executionContextDestroyed", "ectxid:%d", id)

	m.contextsMu.Lock()
	_, ok := m.contexts[id]
	delete(m.contexts, id)
	m.contextsMu.Unlock()
	if !ok {
		return
	}
	m.framesMu.RLock()
	defer m.framesMu.RUnlock()
	for _, frame := range m.frames {
		frame.nullContext(id)
	}
}

func (m *FrameManager) executionContextsCleared() {
	m.logger.Debugf("FrameManager:executionContextsCleared", "")

	m.contextsMu.Lock()
	m.contexts = make(map[runtime.ExecutionContextID]*ExecutionContext)
	m.contextsMu.Unlock()

	m.framesMu.RLock()
	defer m.framesMu.RUnlock()
	for _, frame := range m.frames {
		frame.nullContexts()
	}
}

func (m *FrameManager) getExecutionContextByID(id runtime.ExecutionContextID) *ExecutionContext {
	m.contextsMu.Lock()
	defer m.contextsMu.Unlock()
	return m.contexts[id]
}

// ensureIsolatedWorld arranges for every current and future document in
// the target to receive an isolated world with the given name.
func (m *FrameManager) ensureIsolatedWorld(name string) error {
	m.isolatedWorldsMu.Lock()
	if m.isolatedWorlds[name] {
		m.isolatedWorldsMu.Unlock()
		return nil
	}
	m.isolatedWorlds[name] = true
	m.isolatedWorldsMu.Unlock()

	action := cdppage.AddScriptToEvaluateOnNewDocument(sourceURLCommentPrefix + evaluationScriptURL).
		WithWorldName(name)
	if _, err := action.Do(cdp.WithExecutor(m.ctx, m.session)); err != nil {
		return fmt.Errorf("cannot add isolated world script: %w", err)
	}

	for _, frame := range m.Frames() {
		// Best-effort: frames may detach while we iterate.
		action := cdppage.CreateIsolatedWorld(cdp.FrameID(frame.ID())).
			WithWorldName(name).
			WithGrantUniveralAccess(true)
		if _, err := action.Do(cdp.WithExecutor(m.ctx, m.session)); err != nil {
			m.logger.Debugf("FrameManager:ensureIsolatedWorld", "fid:%s %s", frame.ID(), err)
		}
	}
	return nil
}

// ensureUtilityContext creates the utility isolated world for the frame
// if it does not exist yet.
func (m *FrameManager) ensureUtilityContext(ctx context.Context, frame *Frame) error {
	if frame.utilityWorld.hasContext() {
		return nil
	}
	if err := m.ensureIsolatedWorld(utilityWorldName); err != nil {
		return err
	}
	action := cdppage.CreateIsolatedWorld(cdp.FrameID(frame.ID())).
		WithWorldName(utilityWorldName).
		WithGrantUniveralAccess(true)
	if _, err := action.Do(cdp.WithExecutor(ctx, m.session)); err != nil {
		return fmt.Errorf("cannot create isolated world: %w", err)
	}
	return nil
}

func (m *FrameManager) getFrameByID(id cdp.FrameID) *Frame {
	m.framesMu.RLock()
	defer m.framesMu.RUnlock()
	return m.frames[id]
}

// Frames returns all frames currently in the tree.
func (m *FrameManager) Frames() []*Frame {
	m.framesMu.RLock()
	defer m.framesMu.RUnlock()
	frames := make([]*Frame, 0, len(m.frames))
	for _, frame := range m.frames {
		frames = append(frames, frame)
	}
	return frames
}

// MainFrame returns the top-level frame.
func (m *FrameManager) MainFrame() *Frame {
	m.framesMu.RLock()
	defer m.framesMu.RUnlock()
	return m.mainFrame
}

// NetworkManager returns the network manager observing this target.
func (m *FrameManager) NetworkManager() *NetworkManager {
	return m.networkManager
}

// FrameGotoOptions customizes a frame navigation.
type FrameGotoOptions struct {
	Referer   string
	Timeout   time.Duration
	WaitUntil []LifecycleEvent
}

// NewFrameGotoOptions returns navigation options with the given
// defaults and a "load" wait condition.
func NewFrameGotoOptions(defaultReferer string, defaultTimeout time.Duration) *FrameGotoOptions {
	return &FrameGotoOptions{
		Referer:   defaultReferer,
		Timeout:   defaultTimeout,
		WaitUntil: []LifecycleEvent{LifecycleEventLoad},
	}
}

// NavigateFrame navigates the frame to the given URL and blocks until
// the requested lifecycle condition is reached, the watched frame
// detaches, or the timeout elapses. It returns the navigation response,
// which is nil for same-document navigations.
func (m *FrameManager) NavigateFrame(ctx context.Context, frame *Frame, url string, opts *FrameGotoOptions) (*Response, error) {
	m.logger.Debugf("FrameManager:NavigateFrame", "fid:%s url:%q", frame.ID(), url)

	if opts == nil {
		opts = NewFrameGotoOptions("", m.timeoutSettings.navigationTimeout())
	}

	watcher := newLifecycleWatcher(m.ctx, m, frame, opts.WaitUntil, opts.Timeout)
	defer watcher.dispose()

	action := cdppage.Navigate(url).WithFrameID(cdp.FrameID(frame.ID()))
	if opts.Referer != "" {
		action = action.WithReferrer(opts.Referer)
	}
	_, loaderID, errorText, err := action.Do(cdp.WithExecutor(ctx, m.session))
	if err != nil {
		return nil, fmt.Errorf("cannot navigate frame to %q: %w", url, err)
	}
	if errorText != "" {
		return nil, fmt.Errorf("cannot navigate frame to %q: %s", url, errorText)
	}

	// A loader id means a new document is being loaded; its absence
	// means the navigation stayed within the current document.
	navDone := watcher.newDocumentDone()
	if loaderID == "" {
		navDone = watcher.sameDocumentDone()
	}

	select {
	case <-navDone:
	case err := <-watcher.terminated():
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return watcher.navigationResponse(), nil
}

// WaitForFrameNavigation blocks until the next navigation of the frame
// reaches the requested lifecycle condition.
func (m *FrameManager) WaitForFrameNavigation(ctx context.Context, frame *Frame, opts *FrameGotoOptions) (*Response, error) {
	m.logger.Debugf("FrameManager:WaitForFrameNavigation", "fid:%s", frame.ID())

	if opts == nil {
		opts = NewFrameGotoOptions("", m.timeoutSettings.timeout())
	}

	watcher := newLifecycleWatcher(m.ctx, m, frame, opts.WaitUntil, opts.Timeout)
	defer watcher.dispose()

	select {
	case <-watcher.newDocumentDone():
	case <-watcher.sameDocumentDone():
	case err := <-watcher.terminated():
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return watcher.navigationResponse(), nil
}
