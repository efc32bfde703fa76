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
	"fmt"
	"time"

	"github.com/chromedp/cdproto/runtime"
)

// Error is a common package error.
type Error string

// Error satisfies the builtin error interface.
func (e Error) Error() string {
	return string(e)
}

// Error types.
const (
	ErrConnectionClosed      Error = "connection closed"
	ErrFrameDetached         Error = "frame detached"
	ErrJSHandleDisposed      Error = "JS handle is disposed"
	ErrJSHandleInvalid       Error = "JS handle is invalid"
	ErrInterceptionDisabled  Error = "request interception is not enabled"
	ErrSessionClosed         Error = "session closed"
	ErrTargetClosed          Error = "target closed"
	ErrTargetCrashed         Error = "target crashed"
	ErrTimedOut              Error = "timed out"
	ErrWrongExecutionContext Error = "JS handles can be evaluated only in the context they were created"
)

// ProtocolError is returned when the remote side rejects a protocol call.
// It keeps the failed method name and the remote error payload so that a
// caller can tell a browser-reported failure apart from a closed target.
type ProtocolError struct {
	Method  string
	Message string
	Data    string
}

func (e *ProtocolError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("protocol error (%s): %s %s", e.Method, e.Message, e.Data)
	}
	return fmt.Sprintf("protocol error (%s): %s", e.Method, e.Message)
}

// TimeoutError is returned by navigation and polling waits when the
// configured timeout elapses before the awaited condition is reached.
type TimeoutError struct {
	What    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("waiting for %s failed: timeout %s exceeded", e.What, e.Timeout)
}

// Unwrap makes TimeoutError match ErrTimedOut in errors.Is chains.
func (e *TimeoutError) Unwrap() error {
	return ErrTimedOut
}

// BigIntParseError occurs when a big integer cannot be parsed.
type BigIntParseError struct {
	err error
}

// Error satisfies the builtin error interface.
func (e BigIntParseError) Error() string {
	return fmt.Sprintf("parsing bigint: %v", e.err)
}

// Is satisfies the standard library's errors.Is helper.
func (e BigIntParseError) Is(target error) bool {
	_, ok := target.(BigIntParseError)
	return ok
}

// Unwrap satisfies the standard library's errors.Unwrap helper.
func (e BigIntParseError) Unwrap() error {
	return e.err
}

// UnserializableValueError occurs when a value cannot be deserialized.
type UnserializableValueError struct {
	UnserializableValue runtime.UnserializableValue
}

// Error satisfies the builtin error interface.
func (e UnserializableValueError) Error() string {
	return fmt.Sprintf("unserializable value: %q", e.UnserializableValue)
}
