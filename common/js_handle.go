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

	"github.com/gopuppet/gopuppet/log"

	"github.com/chromedp/cdproto/cdp"
	cdpruntime "github.com/chromedp/cdproto/runtime"
)

// JSHandle is a handle referencing a JavaScript object living in a page.
type JSHandle interface {
	Dispose(ctx context.Context) error
	Evaluate(ctx context.Context, pageFunc string, args ...any) (any, error)
	EvaluateHandle(ctx context.Context, pageFunc string, args ...any) (JSHandle, error)
	JSONValue(ctx context.Context) (any, error)
	ObjectID() cdpruntime.RemoteObjectID
}

// Ensure BaseJSHandle implements the JSHandle interface.
var _ JSHandle = &BaseJSHandle{}

// BaseJSHandle is the default JSHandle implementation.
type BaseJSHandle struct {
	ctx          context.Context
	logger       *log.Logger
	session      session
	execCtx      *ExecutionContext
	frame        *Frame
	remoteObject *cdpruntime.RemoteObject
	disposed     bool
}

// NewJSHandle creates a new JS handle referencing a remote object.
func NewJSHandle(
	ctx context.Context,
	s session,
	ectx *ExecutionContext,
	f *Frame,
	ro *cdpruntime.RemoteObject,
	l *log.Logger,
) *BaseJSHandle {
	return &BaseJSHandle{
		ctx:          ctx,
		session:      s,
		execCtx:      ectx,
		frame:        f,
		remoteObject: ro,
		logger:       l,
	}
}

// Dispose releases the remote object this handle references. Release
// failures during teardown are logged, not surfaced.
func (h *BaseJSHandle) Dispose(ctx context.Context) error {
	if h.disposed {
		return nil
	}
	h.disposed = true
	if h.remoteObject.ObjectID == "" {
		return nil
	}
	action := cdpruntime.ReleaseObject(h.remoteObject.ObjectID)
	if err := action.Do(cdp.WithExecutor(ctx, h.session)); err != nil {
		h.logger.Debugf("JSHandle:Dispose", "releasing remote object %s: %s", h.remoteObject.ObjectID, err)
	}
	return nil
}

// Evaluate runs pageFunc with this handle as its first argument and
// returns the result by value.
func (h *BaseJSHandle) Evaluate(ctx context.Context, pageFunc string, args ...any) (any, error) {
	args = append([]any{h}, args...)
	return h.execCtx.eval(ctx, evalOptions{forceCallable: true, returnByValue: true}, pageFunc, args...)
}

// EvaluateHandle runs pageFunc with this handle as its first argument
// and returns the result as a new handle.
func (h *BaseJSHandle) EvaluateHandle(ctx context.Context, pageFunc string, args ...any) (JSHandle, error) {
	args = append([]any{h}, args...)
	res, err := h.execCtx.eval(ctx, evalOptions{forceCallable: true, returnByValue: false}, pageFunc, args...)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}
	handle, ok := res.(JSHandle)
	if !ok {
		return nil, ErrJSHandleInvalid
	}
	return handle, nil
}

// JSONValue returns a JSON representation of the referenced object.
func (h *BaseJSHandle) JSONValue(ctx context.Context) (any, error) {
	if h.disposed {
		return nil, ErrJSHandleDisposed
	}
	if h.remoteObject.ObjectID == "" {
		return valueFromRemoteObject(h.remoteObject, h.logger)
	}
	action := cdpruntime.CallFunctionOn("function() { return this; }").
		WithObjectID(h.remoteObject.ObjectID).
		WithReturnByValue(true).
		WithAwaitPromise(true)
	ro, exceptionDetails, err := action.Do(cdp.WithExecutor(ctx, h.session))
	if err != nil {
		return nil, fmt.Errorf("cannot get JSON value of remote object: %w", err)
	}
	if exceptionDetails != nil {
		return nil, fmt.Errorf("cannot get JSON value of remote object: %s", parseExceptionDetails(exceptionDetails))
	}
	return valueFromRemoteObject(ro, h.logger)
}

// ObjectID returns the remote object id, if any.
func (h *BaseJSHandle) ObjectID() cdpruntime.RemoteObjectID {
	return h.remoteObject.ObjectID
}
