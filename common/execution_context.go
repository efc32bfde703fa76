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
	"regexp"

	"github.com/gopuppet/gopuppet/log"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
)

var sourceURLRegex = regexp.MustCompile(`^(?s)[\040\t]*//[@#] sourceURL=\s*(\S*?)\s*$`)

type executionWorld string

const (
	mainWorld    executionWorld = "main"
	utilityWorld executionWorld = "utility"
)

func (ew executionWorld) valid() bool {
	return ew == mainWorld || ew == utilityWorld
}

type evalOptions struct {
	forceCallable, returnByValue bool
}

func (ea evalOptions) String() string {
	return fmt.Sprintf("forceCallable:%t returnByValue:%t", ea.forceCallable, ea.returnByValue)
}

// ExecutionContext represents a JS execution context.
type ExecutionContext struct {
	ctx     context.Context
	logger  *log.Logger
	session session
	frame   *Frame
	id      runtime.ExecutionContextID

	// Used for logging
	sid  target.SessionID // Session ID
	fid  cdp.FrameID      // Frame ID
	furl string           // Frame URL
}

// NewExecutionContext creates a new JS execution context.
func NewExecutionContext(
	ctx context.Context, s session, f *Frame, id runtime.ExecutionContextID, l *log.Logger,
) *ExecutionContext {
	e := &ExecutionContext{
		ctx:     ctx,
		session: s,
		frame:   f,
		id:      id,
		logger:  l,
	}
	if s != nil {
		e.sid = s.ID()
	}
	if f != nil {
		e.fid = cdp.FrameID(f.ID())
		e.furl = f.URL()
	}
	l.Debugf(
		"NewExecutionContext",
		"sid:%s fid:%s ectxid:%d furl:%q",
		e.sid, e.fid, id, e.furl)

	return e
}

// eval evaluates the given expression or callable within this execution
// context and returns the result by value or as a handle.
func (e *ExecutionContext) eval(
	apiCtx context.Context, opts evalOptions, js string, args ...any,
) (any, error) {
	e.logger.Debugf(
		"ExecutionContext:eval",
		"sid:%s fid:%s ectxid:%d furl:%q %s",
		e.sid, e.fid, e.id, e.furl, opts)

	suffix := sourceURLCommentPrefix + evaluationScriptURL

	var action interface {
		Do(context.Context) (*runtime.RemoteObject, *runtime.ExceptionDetails, error)
	}

	if !opts.forceCallable {
		if !sourceURLRegex.Match([]byte(js)) {
			js += "\n" + suffix
		}

		action = runtime.Evaluate(js).
			WithContextID(e.id).
			WithReturnByValue(opts.returnByValue).
			WithAwaitPromise(true).
			WithUserGesture(true)
	} else {
		var arguments []*runtime.CallArgument
		for _, arg := range args {
			result, err := convertArgument(e, arg)
			if err != nil {
				return nil, fmt.Errorf("cannot convert argument (%q) "+
					"in execution context (%d) in frame (%v): %w",
					arg, e.id, e.fid, err)
			}
			arguments = append(arguments, result)
		}

		js += "\n" + suffix + "\n"
		action = runtime.CallFunctionOn(js).
			WithArguments(arguments).
			WithExecutionContextID(e.id).
			WithReturnByValue(opts.returnByValue).
			WithAwaitPromise(true).
			WithUserGesture(true)
	}

	var (
		remoteObject     *runtime.RemoteObject
		exceptionDetails *runtime.ExceptionDetails
		err              error
	)
	if remoteObject, exceptionDetails, err = action.Do(cdp.WithExecutor(apiCtx, e.session)); err != nil {
		return nil, fmt.Errorf("cannot call function on expression "+
			"in execution context (%d) in frame (%v): %w",
			e.id, e.fid, err)
	}
	if exceptionDetails != nil {
		return nil, fmt.Errorf("cannot call function on expression "+
			"in execution context (%d) in frame (%v): %s",
			e.id, e.fid, parseExceptionDetails(exceptionDetails))
	}
	var res any
	if remoteObject == nil {
		return res, nil
	}

	if opts.returnByValue {
		res, err = valueFromRemoteObject(remoteObject, e.logger)
		if err != nil {
			return nil, fmt.Errorf("cannot extract value from remote object (%s) "+
				"in execution context (%d) in frame (%v): %w",
				remoteObject.ObjectID, e.id, e.fid, err)
		}
	} else {
		// Note: we don't use the passed in apiCtx here as it could be tied to a timeout
		res = NewJSHandle(e.ctx, e.session, e, e.frame, remoteObject, e.logger)
	}

	return res, nil
}

// Eval evaluates the given page function within this execution context
// and returns the result by value.
func (e *ExecutionContext) Eval(apiCtx context.Context, js string, args ...any) (any, error) {
	return e.eval(apiCtx, evalOptions{forceCallable: true, returnByValue: true}, js, args...)
}

// EvalHandle evaluates the given page function within this execution
// context and returns the result as a handle.
func (e *ExecutionContext) EvalHandle(apiCtx context.Context, js string, args ...any) (JSHandle, error) {
	res, err := e.eval(apiCtx, evalOptions{forceCallable: true, returnByValue: false}, js, args...)
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

// EvalExpression evaluates the given expression, not wrapped in a
// function call, within this execution context.
func (e *ExecutionContext) EvalExpression(apiCtx context.Context, expr string) (any, error) {
	return e.eval(apiCtx, evalOptions{forceCallable: false, returnByValue: true}, expr)
}

// Frame returns the frame that this execution context belongs to.
func (e *ExecutionContext) Frame() *Frame {
	return e.frame
}

// ID returns the CDP runtime ID of this execution context.
func (e *ExecutionContext) ID() runtime.ExecutionContextID {
	return e.id
}
