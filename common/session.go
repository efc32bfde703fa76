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

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
)

// Ensure Session implements the EventEmitter and Executor interfaces.
var _ EventEmitter = &Session{}
var _ cdp.Executor = &Session{}

// Session is a logical sub-connection bound to one target, such as a
// page or a worker. It shares the parent Connection's transport; call
// ids are drawn from the Connection's counter so they stay unique
// across all sessions, but each session keeps its own pending-call
// registry so that detaching one session rejects only its own calls.
type Session struct {
	BaseEventEmitter

	ctx      context.Context
	conn     *Connection
	id       target.SessionID
	targetID target.ID
	parent   *Session

	pendingMu sync.Mutex
	pending   map[int64]chan *cdproto.Message

	done chan struct{}

	closedMu sync.Mutex
	closed   bool
	crashed  bool
}

// NewSession creates a new session. parent is the session the attach
// notification arrived on, or nil for sessions attached from the root.
func NewSession(ctx context.Context, conn *Connection, id target.SessionID, tid target.ID, parent *Session) *Session {
	s := Session{
		BaseEventEmitter: NewBaseEventEmitter(ctx),
		ctx:              ctx,
		conn:             conn,
		id:               id,
		targetID:         tid,
		parent:           parent,
		pending:          make(map[int64]chan *cdproto.Message),
		done:             make(chan struct{}),
	}
	return &s
}

// Done is closed once the session has been detached.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// ID returns the session id assigned by the browser.
func (s *Session) ID() target.SessionID {
	return s.id
}

// TargetID returns the id of the target this session is bound to.
func (s *Session) TargetID() target.ID {
	return s.targetID
}

func (s *Session) close() {
	s.closedMu.Lock()
	if s.closed {
		s.closedMu.Unlock()
		return
	}
	s.closed = true
	s.closedMu.Unlock()

	close(s.done)

	s.pendingMu.Lock()
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
	s.pendingMu.Unlock()

	s.emit(EventSessionClosed, nil)
}

func (s *Session) isClosed() bool {
	s.closedMu.Lock()
	defer s.closedMu.Unlock()
	return s.closed
}

func (s *Session) markAsCrashed() {
	s.closedMu.Lock()
	s.crashed = true
	s.closedMu.Unlock()
}

func (s *Session) isCrashed() bool {
	s.closedMu.Lock()
	defer s.closedMu.Unlock()
	return s.crashed
}

// Detach detaches the session from its target. Pending calls issued
// through this session are rejected once the browser confirms the
// detach.
func (s *Session) Detach(ctx context.Context) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	action := target.DetachFromTarget().WithSessionID(s.id)
	return action.Do(cdp.WithExecutor(ctx, s.conn))
}

// recvMessage performs this session's own id-based correlation and
// event dispatch. It is called from the connection's receive loop, so
// messages for one session arrive here in wire order.
func (s *Session) recvMessage(msg *cdproto.Message) {
	if msg.ID != 0 && msg.Method == "" {
		s.pendingMu.Lock()
		ch, ok := s.pending[msg.ID]
		if ok {
			delete(s.pending, msg.ID)
		}
		s.pendingMu.Unlock()
		if ok {
			ch <- msg
		} else {
			s.conn.logger.Debugf("Session:recvMessage", "sid:%v dropping response to unknown call id %d", s.id, msg.ID)
		}
		return
	}

	// Nested targets attach through their parent session.
	s.conn.handleTargetEvent(msg, s)

	ev, err := cdproto.UnmarshalMessage(msg)
	if err != nil {
		if _, ok := err.(cdp.ErrUnknownCommandOrEvent); ok {
			// This is most likely an event from an older browser that
			// a newer cdproto doesn't know about. Emit the raw message
			// instead of dropping it.
			s.emit("", msg)
			return
		}
		s.conn.logger.Errorf("cdp", "%s", err)
		return
	}
	s.emit(string(msg.Method), ev)
}

// Execute implements the cdp.Executor interface.
func (s *Session) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	if s.isCrashed() {
		return ErrTargetCrashed
	}
	if s.isClosed() {
		return ErrSessionClosed
	}

	id := s.conn.nextID()

	ch := make(chan *cdproto.Message, 1)
	s.pendingMu.Lock()
	s.pending[id] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
	}()

	var buf []byte
	if params != nil {
		var err error
		buf, err = easyjson.Marshal(params)
		if err != nil {
			return err
		}
	}
	msg := &cdproto.Message{
		ID:        id,
		SessionID: s.id,
		Method:    cdproto.MethodType(method),
		Params:    buf,
	}
	if err := s.conn.sendMsg(msg); err != nil {
		return err
	}
	return s.conn.wait(ctx, method, ch, res)
}

// ExecuteWithoutExpectationOnReply sends a call without registering a
// pending entry, for fire-and-forget commands issued during teardown.
func (s *Session) ExecuteWithoutExpectationOnReply(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	if s.isCrashed() {
		return ErrTargetCrashed
	}
	if s.isClosed() {
		return ErrSessionClosed
	}

	var buf []byte
	if params != nil {
		var err error
		buf, err = easyjson.Marshal(params)
		if err != nil {
			return err
		}
	}
	msg := &cdproto.Message{
		ID:        s.conn.nextID(),
		SessionID: s.id,
		Method:    cdproto.MethodType(method),
		Params:    buf,
	}
	return s.conn.sendMsg(msg)
}
