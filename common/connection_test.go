package common

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gopuppet/gopuppet/log"
	"github.com/gopuppet/gopuppet/tests/ws"
)

func TestConnection(t *testing.T) {
	server := ws.NewServer(t, ws.WithEchoHandler("/echo"))

	t.Run("connect", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		conn, err := NewConnection(ctx, server.URL("/echo"), log.NewNullLogger())

		require.NoError(t, err)
		conn.Close()
	})
}

func TestConnectionClosureAbnormal(t *testing.T) {
	server := ws.NewServer(t, ws.WithClosureAbnormalHandler("/closure-abnormal"))

	t.Run("closure abnormal", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		conn, err := NewConnection(ctx, server.URL("/closure-abnormal"), log.NewNullLogger())

		if assert.NoError(t, err) {
			action := target.SetDiscoverTargets(true)
			err := action.Do(cdp.WithExecutor(ctx, conn))
			require.ErrorIs(t, err, ErrTargetClosed)
		}
	})
}

func TestConnectionSendRecv(t *testing.T) {
	server := ws.NewServer(t, ws.WithCDPHandler("/cdp", ws.CDPDefaultHandler, nil))

	t.Run("send command with empty reply", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		conn, err := NewConnection(ctx, server.URL("/cdp"), log.NewNullLogger())

		if assert.NoError(t, err) {
			action := target.SetDiscoverTargets(true)
			err := action.Do(cdp.WithExecutor(ctx, conn))
			require.NoError(t, err)
			conn.Close()
		}
	})
}

func TestConnectionExecuteAfterClose(t *testing.T) {
	server := ws.NewServer(t, ws.WithCDPHandler("/cdp", ws.CDPDefaultHandler, nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn, err := NewConnection(ctx, server.URL("/cdp"), log.NewNullLogger())
	require.NoError(t, err)

	conn.Close()
	err = conn.Execute(ctx, "Target.setDiscoverTargets", nil, nil)
	require.ErrorIs(t, err, ErrConnectionClosed)
}

func TestConnectionCloseRejectsPendingCalls(t *testing.T) {
	received := make(chan struct{}, 1)
	// Never reply, so the call stays pending until the connection is
	// closed out from under it.
	handler := func(conn *websocket.Conn, msg *cdproto.Message, writeCh chan cdproto.Message, done chan struct{}) {
		select {
		case received <- struct{}{}:
		default:
		}
	}
	server := ws.NewServer(t, ws.WithCDPHandler("/cdp", handler, nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn, err := NewConnection(ctx, server.URL("/cdp"), log.NewNullLogger())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		errCh <- conn.Execute(ctx, "Target.setDiscoverTargets", nil, nil)
	}()

	select {
	case <-received:
	case <-time.After(time.Second):
		require.FailNow(t, "server never received the command")
	}
	conn.Close()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrTargetClosed)
	case <-time.After(time.Second):
		require.FailNow(t, "pending call was not rejected on close")
	}
}

func TestConnectionOutOfOrderReplies(t *testing.T) {
	var (
		mu     sync.Mutex
		parked *cdproto.Message
	)
	// Hold the first call's reply back until the second call arrives,
	// then answer in reverse order.
	handler := func(conn *websocket.Conn, msg *cdproto.Message, writeCh chan cdproto.Message, done chan struct{}) {
		mu.Lock()
		defer mu.Unlock()
		if parked == nil {
			parked = msg
			return
		}
		writeCh <- cdproto.Message{ID: msg.ID, Result: easyjson.RawMessage([]byte("{}"))}
		writeCh <- cdproto.Message{ID: parked.ID, Result: easyjson.RawMessage([]byte("{}"))}
	}
	server := ws.NewServer(t, ws.WithCDPHandler("/cdp", handler, nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn, err := NewConnection(ctx, server.URL("/cdp"), log.NewNullLogger())
	require.NoError(t, err)
	defer conn.Close()

	errCh := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			errCh <- conn.Execute(ctx, "Target.setDiscoverTargets", nil, nil)
		}()
		// Make the arrival order at the server deterministic.
		time.Sleep(50 * time.Millisecond)
	}

	for i := 0; i < 2; i++ {
		select {
		case err := <-errCh:
			require.NoError(t, err)
		case <-time.After(time.Second):
			require.FailNow(t, "call did not resolve")
		}
	}
}

func TestConnectionProtocolError(t *testing.T) {
	handler := func(conn *websocket.Conn, msg *cdproto.Message, writeCh chan cdproto.Message, done chan struct{}) {
		writeCh <- cdproto.Message{
			ID:    msg.ID,
			Error: &cdproto.Error{Code: -32000, Message: "Not allowed"},
		}
	}
	server := ws.NewServer(t, ws.WithCDPHandler("/cdp", handler, nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn, err := NewConnection(ctx, server.URL("/cdp"), log.NewNullLogger())
	require.NoError(t, err)
	defer conn.Close()

	err = conn.Execute(ctx, "Page.navigate", nil, nil)
	require.EqualError(t, err, "protocol error (Page.navigate): Not allowed")
}

func TestConnectionCreateSession(t *testing.T) {
	cmdsReceived := make([]cdproto.MethodType, 0)
	handler := func(conn *websocket.Conn, msg *cdproto.Message, writeCh chan cdproto.Message, done chan struct{}) {
		if msg.SessionID != "" || msg.Method == "" {
			return
		}
		switch msg.Method {
		case cdproto.MethodType(cdproto.CommandTargetAttachToTarget):
			writeCh <- cdproto.Message{
				Method: cdproto.EventTargetAttachedToTarget,
				Params: easyjson.RawMessage([]byte(`
				{
					"sessionId": "0123456789",
					"targetInfo": {
						"targetId": "abcdef0123456789",
						"type": "page",
						"title": "",
						"url": "about:blank",
						"attached": true,
						"browserContextId": "0123456789876543210"
					},
					"waitingForDebugger": false
				}
				`)),
			}
			writeCh <- cdproto.Message{
				ID:        msg.ID,
				SessionID: msg.SessionID,
				Result:    easyjson.RawMessage([]byte(`{"sessionId":"0123456789"}`)),
			}
		}
	}

	server := ws.NewServer(t, ws.WithCDPHandler("/cdp", handler, &cmdsReceived))

	t.Run("create session for target", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		conn, err := NewConnection(ctx, server.URL("/cdp"), log.NewNullLogger())

		if assert.NoError(t, err) {
			session, err := conn.createSession(&target.Info{
				TargetID:         "abcdef0123456789",
				Type:             "page",
				BrowserContextID: "0123456789876543210",
			})

			require.NoError(t, err)
			require.NotNil(t, session)
			require.NotEmpty(t, session.id)
			require.NotEmpty(t, conn.sessions)
			require.Len(t, conn.sessions, 1)
			require.Equal(t, conn.sessions[session.id], session)
			require.Equal(t, []cdproto.MethodType{
				cdproto.CommandTargetAttachToTarget,
			}, cmdsReceived)
			conn.Close()
		}
	})
}
