package common

import (
	"context"
	"testing"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gopuppet/gopuppet/log"
)

func newTestNetworkManager(t *testing.T) *NetworkManager {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	nm, err := NewNetworkManager(ctx, nil, log.NewNullLogger())
	require.NoError(t, err)
	return nm
}

func requestWillBeSentEvent(
	requestID network.RequestID, url string, redirectResponse *network.Response,
) *network.EventRequestWillBeSent {
	now := time.Now()
	mt := cdp.MonotonicTime(now)
	wt := cdp.TimeSinceEpoch(now)
	return &network.EventRequestWillBeSent{
		RequestID: requestID,
		LoaderID:  cdp.LoaderID(requestID),
		Request: &network.Request{
			URL:     url,
			Method:  "GET",
			Headers: network.Headers{"User-Agent": "test"},
		},
		Timestamp:        &mt,
		WallTime:         &wt,
		Type:             network.ResourceTypeDocument,
		RedirectResponse: redirectResponse,
	}
}

func monotonicNow() *cdp.MonotonicTime {
	mt := cdp.MonotonicTime(time.Now())
	return &mt
}

func TestNetworkManagerRequestLifecycle(t *testing.T) {
	t.Parallel()

	nm := newTestNetworkManager(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := make(chan Event)
	nm.on(ctx, []string{
		EventNetworkManagerRequest,
		EventNetworkManagerResponse,
		EventNetworkManagerRequestFinished,
	}, ch)

	nm.onRequestWillBeSent(requestWillBeSentEvent("req_1", "https://example.com/", nil))

	ev := recvEvent(t, ch)
	require.Equal(t, EventNetworkManagerRequest, ev.typ)
	req, ok := ev.data.(*Request)
	require.True(t, ok)
	assert.Equal(t, "https://example.com/", req.URL())
	assert.Equal(t, "GET", req.Method())
	assert.True(t, req.IsNavigationRequest())
	assert.Empty(t, req.RedirectChain())
	require.Nil(t, req.Response())

	nm.onResponseReceived(&network.EventResponseReceived{
		RequestID: "req_1",
		Type:      network.ResourceTypeDocument,
		Response: &network.Response{
			URL:        "https://example.com/",
			Status:     200,
			StatusText: "OK",
			Headers:    network.Headers{"Content-Type": "text/html"},
		},
		Timestamp: monotonicNow(),
	})

	ev = recvEvent(t, ch)
	require.Equal(t, EventNetworkManagerResponse, ev.typ)
	resp, ok := ev.data.(*Response)
	require.True(t, ok)
	assert.Equal(t, int64(200), resp.Status())
	assert.True(t, resp.Ok())
	require.Same(t, resp, req.Response())
	require.Same(t, req, resp.Request())

	nm.onLoadingFinished(&network.EventLoadingFinished{
		RequestID: "req_1",
		Timestamp: monotonicNow(),
	})

	ev = recvEvent(t, ch)
	require.Equal(t, EventNetworkManagerRequestFinished, ev.typ)
	require.Same(t, req, ev.data)

	_, ok = nm.requestFromID("req_1")
	assert.False(t, ok, "finished request must be dropped from the registry")
}

func TestNetworkManagerLoadingFailed(t *testing.T) {
	t.Parallel()

	nm := newTestNetworkManager(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := make(chan Event)
	nm.on(ctx, []string{EventNetworkManagerRequest, EventNetworkManagerRequestFailed}, ch)

	nm.onRequestWillBeSent(requestWillBeSentEvent("req_1", "https://example.com/", nil))
	req, ok := recvEvent(t, ch).data.(*Request)
	require.True(t, ok)

	nm.onLoadingFailed(&network.EventLoadingFailed{
		RequestID: "req_1",
		ErrorText: "net::ERR_CONNECTION_REFUSED",
		Timestamp: monotonicNow(),
	})

	ev := recvEvent(t, ch)
	require.Equal(t, EventNetworkManagerRequestFailed, ev.typ)
	require.Same(t, req, ev.data)
	assert.Equal(t, "net::ERR_CONNECTION_REFUSED", req.Failure())

	_, ok = nm.requestFromID("req_1")
	assert.False(t, ok)
}

func TestNetworkManagerRedirectChain(t *testing.T) {
	t.Parallel()

	nm := newTestNetworkManager(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	chReq := make(chan Event)
	chDone := make(chan Event)
	nm.on(ctx, []string{EventNetworkManagerRequest}, chReq)
	nm.on(ctx, []string{EventNetworkManagerResponse, EventNetworkManagerRequestFinished}, chDone)

	// Redirect hops reuse the request id: /a -> /b -> /c.
	nm.onRequestWillBeSent(requestWillBeSentEvent("req_1", "https://example.com/a", nil))
	reqA, ok := recvEvent(t, chReq).data.(*Request)
	require.True(t, ok)

	nm.onRequestWillBeSent(requestWillBeSentEvent("req_1", "https://example.com/b", &network.Response{
		URL:     "https://example.com/a",
		Status:  301,
		Headers: network.Headers{"Location": "https://example.com/b"},
	}))
	reqB, ok := recvEvent(t, chReq).data.(*Request)
	require.True(t, ok)

	nm.onRequestWillBeSent(requestWillBeSentEvent("req_1", "https://example.com/c", &network.Response{
		URL:     "https://example.com/b",
		Status:  302,
		Headers: network.Headers{"Location": "https://example.com/c"},
	}))
	reqC, ok := recvEvent(t, chReq).data.(*Request)
	require.True(t, ok)

	// Every hop that was answered with a redirect is finished with the
	// redirect recorded as its response.
	for _, req := range []*Request{reqA, reqB} {
		ev := recvEvent(t, chDone)
		require.Equal(t, EventNetworkManagerResponse, ev.typ)
		require.Same(t, req.Response(), ev.data)
		ev = recvEvent(t, chDone)
		require.Equal(t, EventNetworkManagerRequestFinished, ev.typ)
		require.Same(t, req, ev.data)
	}
	require.NotNil(t, reqA.Response())
	assert.Equal(t, int64(301), reqA.Response().Status())

	assert.Empty(t, reqA.RedirectChain())
	require.Len(t, reqB.RedirectChain(), 1)
	require.Same(t, reqA, reqB.RedirectChain()[0])

	chain := reqC.RedirectChain()
	require.Len(t, chain, 2)
	require.Same(t, reqA, chain[0])
	require.Same(t, reqB, chain[1])
	assert.Equal(t, "https://example.com/c", reqC.URL())
}

func TestNetworkManagerInterceptionPairing(t *testing.T) {
	t.Parallel()

	pausedEvent := func(interceptionID fetch.RequestID, url string) *fetch.EventRequestPaused {
		return &fetch.EventRequestPaused{
			RequestID: interceptionID,
			Request: &network.Request{
				URL:     url,
				Method:  "GET",
				Headers: network.Headers{"User-Agent": "test"},
			},
		}
	}

	t.Run("network event first", func(t *testing.T) {
		t.Parallel()

		nm := newTestNetworkManager(t)
		nm.userReqInterceptionEnabled = true
		nm.protocolReqInterceptionEnabled = true

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		ch := make(chan Event)
		nm.on(ctx, []string{EventNetworkManagerRequest}, ch)

		// Two identical-looking requests are parked until their paused
		// halves arrive; pairing is FIFO per fingerprint.
		nm.onRequestWillBeSent(requestWillBeSentEvent("req_1", "https://example.com/", nil))
		nm.onRequestWillBeSent(requestWillBeSentEvent("req_2", "https://example.com/", nil))
		select {
		case <-ch:
			require.FailNow(t, "request emitted before the paused half arrived")
		case <-time.After(50 * time.Millisecond):
		}

		nm.onRequestPaused(pausedEvent("int_1", "https://example.com/"))
		nm.onRequestPaused(pausedEvent("int_2", "https://example.com/"))

		first, ok := recvEvent(t, ch).data.(*Request)
		require.True(t, ok)
		second, ok := recvEvent(t, ch).data.(*Request)
		require.True(t, ok)

		assert.Equal(t, network.RequestID("req_1"), first.getID())
		assert.Equal(t, fetch.RequestID("int_1"), first.InterceptionID())
		assert.Equal(t, network.RequestID("req_2"), second.getID())
		assert.Equal(t, fetch.RequestID("int_2"), second.InterceptionID())
	})

	t.Run("paused event first", func(t *testing.T) {
		t.Parallel()

		nm := newTestNetworkManager(t)
		nm.userReqInterceptionEnabled = true
		nm.protocolReqInterceptionEnabled = true

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		ch := make(chan Event)
		nm.on(ctx, []string{EventNetworkManagerRequest}, ch)

		nm.onRequestPaused(pausedEvent("int_1", "https://example.com/"))
		nm.onRequestWillBeSent(requestWillBeSentEvent("req_1", "https://example.com/", nil))

		req, ok := recvEvent(t, ch).data.(*Request)
		require.True(t, ok)
		assert.Equal(t, network.RequestID("req_1"), req.getID())
		assert.Equal(t, fetch.RequestID("int_1"), req.InterceptionID())
	})

	t.Run("data URLs bypass pairing", func(t *testing.T) {
		t.Parallel()

		nm := newTestNetworkManager(t)
		nm.userReqInterceptionEnabled = true
		nm.protocolReqInterceptionEnabled = true

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		ch := make(chan Event)
		nm.on(ctx, []string{EventNetworkManagerRequest}, ch)

		nm.onRequestWillBeSent(requestWillBeSentEvent("req_1", "data:text/plain,hello", nil))

		req, ok := recvEvent(t, ch).data.(*Request)
		require.True(t, ok)
		assert.Equal(t, fetch.RequestID(""), req.InterceptionID())
	})
}

func TestNetworkManagerInterceptionDisabled(t *testing.T) {
	t.Parallel()

	nm := newTestNetworkManager(t)

	err := nm.ContinueRequest("int_1", ContinueOptions{})
	require.ErrorIs(t, err, ErrInterceptionDisabled)

	err = nm.AbortRequest("int_1", "failed")
	require.ErrorIs(t, err, ErrInterceptionDisabled)

	err = nm.FulfillRequest(&Request{interceptionID: "int_1"}, FulfillOptions{})
	require.ErrorIs(t, err, ErrInterceptionDisabled)
}

func TestNetworkManagerWaitForResponse(t *testing.T) {
	t.Parallel()

	nm := newTestNetworkManager(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		time.Sleep(20 * time.Millisecond)
		for i, url := range []string{"https://example.com/a", "https://example.com/b"} {
			rid := network.RequestID([]string{"req_1", "req_2"}[i])
			nm.onRequestWillBeSent(requestWillBeSentEvent(rid, url, nil))
			nm.onResponseReceived(&network.EventResponseReceived{
				RequestID: rid,
				Type:      network.ResourceTypeDocument,
				Response:  &network.Response{URL: url, Status: 200},
				Timestamp: monotonicNow(),
			})
		}
	}()

	resp, err := nm.WaitForResponse(ctx, func(r *Response) bool {
		return r.URL() == "https://example.com/b"
	}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, "https://example.com/b", resp.URL())

	_, err = nm.WaitForRequest(ctx, func(r *Request) bool { return false }, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrTimedOut)
}

func TestRequestHash(t *testing.T) {
	t.Parallel()

	base := func() *network.Request {
		return &network.Request{
			URL:    "https://example.com/",
			Method: "GET",
			Headers: network.Headers{
				"User-Agent": "test",
				"Accept":     "text/html",
			},
		}
	}

	// Headers the browser rewrites between the Network and Fetch domains
	// must not influence the fingerprint.
	a, b := base(), base()
	b.Headers["Accept"] = "*/*"
	b.Headers["Referer"] = "https://example.com/other"
	b.Headers["Cookie"] = "sid=42"
	b.Headers["Origin"] = "https://example.com"
	b.Headers["X-DevTools-Emulate-Network-Conditions-Client-Id"] = "abc"
	assert.Equal(t, requestHash(a), requestHash(b))

	c := base()
	c.Headers["User-Agent"] = "other"
	assert.NotEqual(t, requestHash(a), requestHash(c))

	d := base()
	d.URL = "https://example.com/page"
	assert.NotEqual(t, requestHash(a), requestHash(d))

	e := base()
	e.Method = "POST"
	assert.NotEqual(t, requestHash(a), requestHash(e))

	// Fragments never reach the wire.
	f := base()
	f.URL = "https://example.com/#section"
	assert.Equal(t, requestHash(a), requestHash(f))
}
