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
	"sync/atomic"

	"github.com/gopuppet/gopuppet/log"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
)

// Ensure Connection implements the EventEmitter and Executor interfaces.
var _ EventEmitter = &Connection{}
var _ cdp.Executor = &Connection{}

// Connection wraps a Transport and acts as the root "browser session".
//
// It assigns every outgoing call a connection-unique increasing id and
// keeps the pending calls issued without a session id in its own
// registry. Incoming messages are handled in arrival order on a single
// goroutine: a message carrying a session id is forwarded unchanged to
// that Session, a message carrying a known call id resolves the
// matching pending call, and anything else is emitted as a broadcast
// event. Target attach and detach notifications create and destroy
// Sessions as a side effect of that routing.
type Connection struct {
	BaseEventEmitter

	ctx       context.Context
	transport Transport
	logger    *log.Logger
	msgID     int64
	closed    int32

	pendingMu sync.Mutex
	pending   map[int64]chan *cdproto.Message

	sessionsMu sync.RWMutex
	sessions   map[target.SessionID]*Session

	// Reuse the easyjson lexer to avoid allocs per read.
	decoder jlexer.Lexer
}

// NewConnection dials wsURL and returns a Connection on top of the
// resulting WebSocket transport.
func NewConnection(ctx context.Context, wsURL string, logger *log.Logger) (*Connection, error) {
	t, err := NewWebSocketTransport(ctx, wsURL, logger)
	if err != nil {
		return nil, err
	}
	return NewConnectionWithTransport(ctx, t, logger), nil
}

// NewConnectionWithTransport returns a Connection on top of an already
// established transport.
func NewConnectionWithTransport(ctx context.Context, t Transport, logger *log.Logger) *Connection {
	c := Connection{
		BaseEventEmitter: NewBaseEventEmitter(ctx),
		ctx:              ctx,
		transport:        t,
		logger:           logger,
		pending:          make(map[int64]chan *cdproto.Message),
		sessions:         make(map[target.SessionID]*Session),
	}

	go c.recvLoop()

	return &c
}

func (c *Connection) nextID() int64 {
	return atomic.AddInt64(&c.msgID, 1)
}

func (c *Connection) isClosed() bool {
	return atomic.LoadInt32(&c.closed) == 1
}

// Close disposes of the connection: every outstanding call on the
// connection and all of its sessions is rejected, all sessions are
// detached and the transport is closed.
func (c *Connection) Close() {
	c.dispose()
}

func (c *Connection) dispose() {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return
	}

	c.logger.Debugf("Connection:dispose", "rejecting pending calls and closing sessions")

	c.rejectPendingCalls()

	c.sessionsMu.Lock()
	for _, s := range c.sessions {
		s.close()
		delete(c.sessions, s.id)
	}
	c.sessionsMu.Unlock()

	_ = c.transport.Close()

	c.emit(EventConnectionClose, c.transport.Err())
}

func (c *Connection) registerCall(id int64) chan *cdproto.Message {
	ch := make(chan *cdproto.Message, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	return ch
}

func (c *Connection) unregisterCall(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// resolveCall routes a call response to its waiting caller. Responses
// may arrive in any order relative to call issuance; only the id
// matters.
func (c *Connection) resolveCall(msg *cdproto.Message) bool {
	c.pendingMu.Lock()
	ch, ok := c.pending[msg.ID]
	if ok {
		delete(c.pending, msg.ID)
	}
	c.pendingMu.Unlock()
	if ok {
		ch <- msg
	}
	return ok
}

// rejectPendingCalls closes every pending call channel, waking waiters
// with a "target closed" error rather than leaving them hanging.
func (c *Connection) rejectPendingCalls() {
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
}

func (c *Connection) getSession(id target.SessionID) *Session {
	c.sessionsMu.RLock()
	defer c.sessionsMu.RUnlock()
	return c.sessions[id]
}

// createSession attaches to the given target and returns the session
// the browser assigned to it.
func (c *Connection) createSession(info *target.Info) (*Session, error) {
	var sessionID target.SessionID
	var err error
	action := target.AttachToTarget(info.TargetID).WithFlatten(true)
	if sessionID, err = action.Do(cdp.WithExecutor(c.ctx, c)); err != nil {
		return nil, err
	}
	sess := c.getSession(sessionID)
	if sess == nil {
		return nil, ErrSessionClosed
	}
	return sess, nil
}

func (c *Connection) attachSession(ev *target.EventAttachedToTarget, parent *Session) {
	c.sessionsMu.Lock()
	session := NewSession(c.ctx, c, ev.SessionID, ev.TargetInfo.TargetID, parent)
	c.sessions[ev.SessionID] = session
	c.sessionsMu.Unlock()
	c.logger.Debugf("Connection:attachSession", "sid:%v tid:%v", ev.SessionID, ev.TargetInfo.TargetID)
}

func (c *Connection) closeSession(sessionID target.SessionID) {
	c.sessionsMu.Lock()
	session := c.sessions[sessionID]
	delete(c.sessions, sessionID)
	c.sessionsMu.Unlock()
	if session == nil {
		return
	}
	session.close()

	// A detached session takes its nested sessions with it.
	c.sessionsMu.RLock()
	var children []target.SessionID
	for id, s := range c.sessions {
		if s.parent == session {
			children = append(children, id)
		}
	}
	c.sessionsMu.RUnlock()
	for _, id := range children {
		c.closeSession(id)
	}
}

// handleTargetEvent creates and destroys sessions in response to
// attach and detach notifications. parent is the session the
// notification arrived on, or nil for the root session.
func (c *Connection) handleTargetEvent(msg *cdproto.Message, parent *Session) {
	switch msg.Method {
	case cdproto.EventTargetAttachedToTarget:
		ev, err := cdproto.UnmarshalMessage(msg)
		if err != nil {
			c.logger.Errorf("cdp", "%s", err)
			return
		}
		c.attachSession(ev.(*target.EventAttachedToTarget), parent)
	case cdproto.EventTargetDetachedFromTarget:
		ev, err := cdproto.UnmarshalMessage(msg)
		if err != nil {
			c.logger.Errorf("cdp", "%s", err)
			return
		}
		c.closeSession(ev.(*target.EventDetachedFromTarget).SessionID)
	}
}

// recvLoop dispatches incoming messages in arrival order. Events for
// one session are never reordered: routing happens synchronously here
// and fan-out to listeners preserves per-listener FIFO.
func (c *Connection) recvLoop() {
	for {
		var buf []byte
		select {
		case buf = <-c.transport.Recv():
		case <-c.transport.Done():
			c.dispose()
			return
		case <-c.ctx.Done():
			c.dispose()
			return
		}

		var msg cdproto.Message
		c.decoder = jlexer.Lexer{Data: buf}
		msg.UnmarshalEasyJSON(&c.decoder)
		if err := c.decoder.Error(); err != nil {
			c.logger.Errorf("cdp", "malformed incoming message: %s", err)
			continue
		}

		if msg.Method != "" && msg.SessionID == "" {
			c.handleTargetEvent(&msg, nil)
		}

		switch {
		case msg.SessionID != "" && (msg.Method != "" || msg.ID != 0):
			session := c.getSession(msg.SessionID)
			if session == nil {
				continue
			}
			if msg.Error != nil && msg.Error.Message == "No session with given id" {
				c.closeSession(session.id)
				continue
			}
			session.recvMessage(&msg)

		case msg.ID != 0:
			if !c.resolveCall(&msg) {
				c.logger.Debugf("cdp", "dropping response to unknown call id %d", msg.ID)
			}

		case msg.Method != "":
			ev, err := cdproto.UnmarshalMessage(&msg)
			if err != nil {
				c.logger.Errorf("cdp", "%s", err)
				continue
			}
			c.emit(string(msg.Method), ev)

		default:
			c.logger.Errorf("cdp", "ignoring malformed incoming message (missing id or method): %#v", msg)
		}
	}
}

// sendMsg serializes and queues msg on the transport.
func (c *Connection) sendMsg(msg *cdproto.Message) error {
	if c.isClosed() {
		return ErrConnectionClosed
	}
	encoder := jwriter.Writer{}
	msg.MarshalEasyJSON(&encoder)
	if err := encoder.Error; err != nil {
		return err
	}
	buf, _ := encoder.BuildBytes()
	return c.transport.Send(buf)
}

// wait blocks until the pending call registered under ch resolves,
// the connection is disposed, or ctx is cancelled.
func (c *Connection) wait(ctx context.Context, method string, ch chan *cdproto.Message, res easyjson.Unmarshaler) error {
	select {
	case msg, ok := <-ch:
		switch {
		case !ok:
			return ErrTargetClosed
		case msg.Error != nil:
			return &ProtocolError{Method: method, Message: msg.Error.Message}
		case res != nil:
			return easyjson.Unmarshal(msg.Result, res)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Execute implements cdp.Executor, performing a call on the root
// session and blocking until its response arrives.
func (c *Connection) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	if c.isClosed() {
		return ErrConnectionClosed
	}
	id := c.nextID()
	ch := c.registerCall(id)
	defer c.unregisterCall(id)

	var buf []byte
	if params != nil {
		var err error
		buf, err = easyjson.Marshal(params)
		if err != nil {
			return err
		}
	}
	msg := &cdproto.Message{
		ID:     id,
		Method: cdproto.MethodType(method),
		Params: buf,
	}
	if err := c.sendMsg(msg); err != nil {
		return err
	}
	return c.wait(ctx, method, ch, res)
}
