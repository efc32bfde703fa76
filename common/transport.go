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
	"net/http"
	"sync"
	"time"

	"github.com/gopuppet/gopuppet/log"

	"github.com/gorilla/websocket"
)

const wsWriteBufferSize = 1 << 20

// Ensure WebSocketTransport implements the Transport interface.
var _ Transport = &WebSocketTransport{}

// Transport moves opaque messages between the library and a browser
// endpoint. It carries no knowledge of the protocol layered on top:
// Send queues one outgoing message, Recv yields incoming messages in
// the order the remote side sent them, and Done is closed once the
// stream is no longer usable, with Err holding the close reason.
type Transport interface {
	Send(msg []byte) error
	Recv() <-chan []byte
	Done() <-chan struct{}
	Err() error
	Close() error
}

// WebSocketTransport is a Transport over a single WebSocket connection.
type WebSocketTransport struct {
	ctx    context.Context
	wsURL  string
	logger *log.Logger
	conn   *websocket.Conn

	sendCh chan []byte
	recvCh chan []byte
	done   chan struct{}

	shutdownOnce sync.Once

	errMu sync.Mutex
	err   error
}

// NewWebSocketTransport dials wsURL and starts the read and write loops.
func NewWebSocketTransport(ctx context.Context, wsURL string, logger *log.Logger) (*WebSocketTransport, error) {
	var header http.Header
	wsd := websocket.Dialer{
		HandshakeTimeout: time.Second * 60,
		Proxy:            http.ProxyFromEnvironment,
		WriteBufferSize:  wsWriteBufferSize,
	}

	conn, _, err := wsd.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, err
	}

	t := WebSocketTransport{
		ctx:    ctx,
		wsURL:  wsURL,
		logger: logger,
		conn:   conn,
		sendCh: make(chan []byte, 32), // Avoid blocking in Send
		recvCh: make(chan []byte),
		done:   make(chan struct{}),
	}

	go t.recvLoop()
	go t.sendLoop()

	return &t, nil
}

// Send queues msg for transmission. It returns an error instead of
// silently dropping the message if the transport is already closed.
func (t *WebSocketTransport) Send(msg []byte) error {
	select {
	case t.sendCh <- msg:
		return nil
	case <-t.done:
		return ErrConnectionClosed
	case <-t.ctx.Done():
		return t.ctx.Err()
	}
}

// Recv returns the channel of incoming messages.
func (t *WebSocketTransport) Recv() <-chan []byte {
	return t.recvCh
}

// Done is closed when the transport shuts down.
func (t *WebSocketTransport) Done() <-chan struct{} {
	return t.done
}

// Err returns the reason the transport shut down, if any.
func (t *WebSocketTransport) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.err
}

// Close cleanly closes the WebSocket connection.
// Returns an error if sending the close control frame fails.
func (t *WebSocketTransport) Close() error {
	return t.close(websocket.CloseGoingAway, nil)
}

func (t *WebSocketTransport) close(code int, reason error) error {
	var err error

	t.shutdownOnce.Do(func() {
		defer func() {
			_ = t.conn.Close()

			t.errMu.Lock()
			t.err = reason
			t.errMu.Unlock()

			// Stop the loops and wake up any reader
			close(t.done)
		}()

		err = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, ""),
			time.Now().Add(10*time.Second),
		)
	})

	return err
}

func (t *WebSocketTransport) handleIOError(err error) {
	code := websocket.CloseGoingAway
	var reason error
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		reason = err
	}
	if e, ok := err.(*websocket.CloseError); ok {
		code = e.Code
	}
	_ = t.close(code, reason)
}

func (t *WebSocketTransport) recvLoop() {
	for {
		_, buf, err := t.conn.ReadMessage()
		if err != nil {
			t.handleIOError(err)
			return
		}

		t.logger.Debugf("cdp:recv", "<- %s", buf)

		select {
		case t.recvCh <- buf:
		case <-t.done:
			return
		case <-t.ctx.Done():
			return
		}
	}
}

func (t *WebSocketTransport) sendLoop() {
	for {
		select {
		case buf := <-t.sendCh:
			t.logger.Debugf("cdp:send", "-> %s", buf)
			writer, err := t.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				t.handleIOError(err)
				return
			}
			if _, err := writer.Write(buf); err != nil {
				t.handleIOError(err)
				return
			}
			if err := writer.Close(); err != nil {
				t.handleIOError(err)
				return
			}
		case <-t.done:
			return
		case <-t.ctx.Done():
			return
		}
	}
}
