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

	"github.com/gopuppet/gopuppet/log"

	"github.com/chromedp/cdproto/runtime"
)

// World is a logical script-execution scope of a frame. Each frame has
// a main world, shared with page scripts, and a utility world isolated
// from them. A world holds at most one live execution context at a
// time; navigation destroys it and a later event binds the successor.
type World struct {
	frame  *Frame
	name   executionWorld
	logger *log.Logger

	mu       sync.Mutex
	execCtx  *ExecutionContext
	waiters  []chan *ExecutionContext
	detached bool

	waitTasks map[*WaitTask]bool
}

func newWorld(frame *Frame, name executionWorld, logger *log.Logger) *World {
	return &World{
		frame:     frame,
		name:      name,
		logger:    logger,
		waitTasks: make(map[*WaitTask]bool),
	}
}

// setContext binds a fresh execution context to the world, waking
// blocked getContext callers and rescheduling outstanding wait tasks.
// A nil argument unbinds the current context instead.
func (w *World) setContext(execCtx *ExecutionContext) {
	w.mu.Lock()
	if w.detached {
		w.mu.Unlock()
		return
	}
	w.execCtx = execCtx
	if execCtx == nil {
		w.mu.Unlock()
		return
	}
	waiters := w.waiters
	w.waiters = nil
	tasks := make([]*WaitTask, 0, len(w.waitTasks))
	for t := range w.waitTasks {
		tasks = append(tasks, t)
	}
	w.mu.Unlock()

	w.logger.Debugf("World:setContext", "fid:%v world:%s ectxid:%d", w.frame.id, w.name, execCtx.ID())

	for _, ch := range waiters {
		ch <- execCtx
	}
	for _, t := range tasks {
		go t.rerun()
	}
}

func (w *World) clearContext() {
	w.mu.Lock()
	w.execCtx = nil
	w.mu.Unlock()
}

// clearContextByID unbinds the context only if it is the one that was
// destroyed. Destruction events can race with a successor's creation.
func (w *World) clearContextByID(id runtime.ExecutionContextID) {
	w.mu.Lock()
	if w.execCtx != nil && w.execCtx.ID() == id {
		w.execCtx = nil
	}
	w.mu.Unlock()
}

func (w *World) hasContext() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.execCtx != nil
}

// getContext returns the world's execution context, blocking until one
// is bound or ctx is cancelled.
func (w *World) getContext(ctx context.Context) (*ExecutionContext, error) {
	w.mu.Lock()
	if w.detached {
		w.mu.Unlock()
		return nil, ErrFrameDetached
	}
	if w.execCtx != nil {
		execCtx := w.execCtx
		w.mu.Unlock()
		return execCtx, nil
	}
	ch := make(chan *ExecutionContext, 1)
	w.waiters = append(w.waiters, ch)
	w.mu.Unlock()

	select {
	case execCtx := <-ch:
		return execCtx, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *World) addWaitTask(task *WaitTask) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.waitTasks[task] = true
}

func (w *World) removeWaitTask(task *WaitTask) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.waitTasks, task)
}

// detach invalidates the world: outstanding wait tasks fail with a
// detached-frame error and future getContext calls fail fast.
func (w *World) detach() {
	w.mu.Lock()
	if w.detached {
		w.mu.Unlock()
		return
	}
	w.detached = true
	w.execCtx = nil
	tasks := make([]*WaitTask, 0, len(w.waitTasks))
	for t := range w.waitTasks {
		tasks = append(tasks, t)
	}
	w.waitTasks = make(map[*WaitTask]bool)
	w.mu.Unlock()

	for _, t := range tasks {
		t.terminate(ErrFrameDetached)
	}
}

// Evaluate runs pageFunc in the world's current execution context and
// returns the result by value.
func (w *World) Evaluate(ctx context.Context, pageFunc string, args ...any) (any, error) {
	execCtx, err := w.getContext(ctx)
	if err != nil {
		return nil, err
	}
	return execCtx.Eval(ctx, pageFunc, args...)
}

// EvaluateHandle runs pageFunc in the world's current execution context
// and returns the result as a handle.
func (w *World) EvaluateHandle(ctx context.Context, pageFunc string, args ...any) (JSHandle, error) {
	execCtx, err := w.getContext(ctx)
	if err != nil {
		return nil, err
	}
	return execCtx.EvalHandle(ctx, pageFunc, args...)
}
