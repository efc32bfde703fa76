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
	_ "embed"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopuppet/gopuppet/log"

	cdpruntime "github.com/chromedp/cdproto/runtime"
)

//go:embed js/wait_for_predicate.js
var waitForPredicateScript string

// PollingType determines how often a wait task re-evaluates its
// predicate inside the page.
type PollingType int

const (
	// PollingRaf evaluates on every animation frame.
	PollingRaf PollingType = iota
	// PollingMutation evaluates whenever the DOM mutates.
	PollingMutation
	// PollingInterval evaluates on a fixed timer.
	PollingInterval
)

func (p PollingType) String() string {
	switch p {
	case PollingRaf:
		return "raf"
	case PollingMutation:
		return "mutation"
	case PollingInterval:
		return "interval"
	}
	return fmt.Sprintf("PollingType(%d)", int(p))
}

type waitTaskResult struct {
	handle JSHandle
	err    error
}

// WaitTask repeatedly evaluates a predicate inside a world until the
// predicate returns a truthy value, the task times out, or the world
// detaches. The task survives navigations: when its execution context
// is destroyed it waits for the replacement context and reruns there.
type WaitTask struct {
	ctx      context.Context
	cancelFn context.CancelFunc
	world    *World
	logger   *log.Logger

	predicate string
	polling   PollingType
	interval  time.Duration
	timeout   time.Duration
	args      []any

	runCount    int32
	resolveOnce sync.Once
	resultCh    chan waitTaskResult
	timer       *time.Timer
}

// NewWaitTask registers a new wait task with the world and starts its
// first evaluation. The result must be collected with Await.
func NewWaitTask(
	ctx context.Context, world *World, pageFunc string,
	polling PollingType, interval time.Duration, timeout time.Duration,
	logger *log.Logger, args ...any,
) *WaitTask {
	taskCtx, taskCancel := context.WithCancel(ctx)
	t := &WaitTask{
		ctx:       taskCtx,
		cancelFn:  taskCancel,
		world:     world,
		logger:    logger,
		predicate: pageFunc,
		polling:   polling,
		interval:  interval,
		timeout:   timeout,
		args:      args,
		resultCh:  make(chan waitTaskResult, 1),
	}
	if timeout > 0 {
		t.timer = time.AfterFunc(timeout, func() {
			t.terminate(&TimeoutError{
				What:    fmt.Sprintf("waiting for predicate after %s", timeout),
				Timeout: timeout,
			})
		})
	}
	world.addWaitTask(t)
	go t.rerun()
	return t
}

// Await blocks until the task resolves, terminates, or the given
// context is done.
func (t *WaitTask) Await(ctx context.Context) (JSHandle, error) {
	select {
	case res := <-t.resultCh:
		return res.handle, res.err
	case <-ctx.Done():
		t.terminate(ctx.Err())
		return nil, ctx.Err()
	case <-t.ctx.Done():
		// Resolution cancels the task context right after queueing the
		// result; prefer the result if it is already there.
		select {
		case res := <-t.resultCh:
			return res.handle, res.err
		default:
			return nil, t.ctx.Err()
		}
	}
}

// rerun evaluates the predicate poller in the world's current
// execution context. It is called again by the world whenever a new
// context is bound, so evaluation failures caused by a context being
// torn down mid-flight are swallowed here.
func (t *WaitTask) rerun() {
	runID := atomic.AddInt32(&t.runCount, 1)

	execCtx, err := t.world.getContext(t.ctx)
	if err != nil {
		t.terminate(err)
		return
	}

	pollingArg := any(t.polling.String())
	if t.polling == PollingInterval {
		pollingArg = t.interval.Milliseconds()
	}
	predicateBody := fmt.Sprintf("return (%s)(...args);", t.predicate)
	args := append([]any{predicateBody, pollingArg, t.timeout.Milliseconds()}, t.args...)

	handle, err := execCtx.EvalHandle(t.ctx, waitForPredicateScript, args...)

	if runID != atomic.LoadInt32(&t.runCount) {
		// A newer run owns the task now.
		if handle != nil {
			_ = handle.Dispose(t.ctx)
		}
		return
	}

	if err != nil {
		if isContextDestroyedErr(err) {
			// The context went away mid-evaluation. A rerun will be
			// scheduled once the replacement context is bound.
			t.logger.Debugf("WaitTask:rerun", "context destroyed, awaiting new context: %s", err)
			return
		}
		t.terminate(err)
		return
	}

	// The poller resolves with undefined when its in-page timeout fires
	// before the predicate turns truthy.
	if base, ok := handle.(*BaseJSHandle); ok &&
		base.remoteObject.Type == cdpruntime.TypeUndefined && base.remoteObject.ObjectID == "" {
		_ = handle.Dispose(t.ctx)
		t.terminate(&TimeoutError{
			What:    fmt.Sprintf("waiting for predicate after %s", t.timeout),
			Timeout: t.timeout,
		})
		return
	}

	t.resolve(handle)
}

func (t *WaitTask) resolve(handle JSHandle) {
	t.resolveOnce.Do(func() {
		t.resultCh <- waitTaskResult{handle: handle}
		t.dispose()
	})
}

// terminate resolves the task with an error. Later calls are no-ops.
func (t *WaitTask) terminate(err error) {
	t.resolveOnce.Do(func() {
		t.resultCh <- waitTaskResult{err: err}
		t.dispose()
	})
}

func (t *WaitTask) dispose() {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.world.removeWaitTask(t)
	t.cancelFn()
}

func isContextDestroyedErr(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "Execution context was destroyed") ||
		strings.Contains(s, "Cannot find context with specified id")
}
