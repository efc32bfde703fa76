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
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gopuppet/gopuppet/log"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
)

// Ensure NetworkManager implements the EventEmitter interface.
var _ EventEmitter = &NetworkManager{}

// NetworkManager tracks the lifecycle of every request a target makes
// and exposes request interception and network emulation controls.
type NetworkManager struct {
	BaseEventEmitter

	ctx          context.Context
	logger       *log.Logger
	session      session
	frameManager *FrameManager
	errorReasons map[string]network.ErrorReason

	reqsMu         sync.RWMutex
	reqIDToRequest map[network.RequestID]*Request

	// The Network and Fetch domains deliver their halves of an
	// intercepted request in no guaranteed order. Requests are paired
	// with their interception ids by a hash of the request, FIFO per
	// hash so identical concurrent requests keep their arrival order.
	reqIDToRequestWillBeSentEvent map[network.RequestID]*network.EventRequestWillBeSent
	requestHashToRequestIDs       *multimap[string, network.RequestID]
	requestHashToInterceptionIDs  *multimap[string, fetch.RequestID]

	attemptedAuth map[fetch.RequestID]bool

	credentials                    Credentials
	offline                        bool
	networkProfile                 NetworkProfile
	userCacheDisabled              bool
	userReqInterceptionEnabled     bool
	protocolReqInterceptionEnabled bool
}

// NewNetworkManager creates a new network manager for a session and
// starts consuming its network events. The frame manager is attached
// later with setFrameManager since the two reference each other.
func NewNetworkManager(ctx context.Context, s session, l *log.Logger) (*NetworkManager, error) {
	m := &NetworkManager{
		BaseEventEmitter:              NewBaseEventEmitter(ctx),
		ctx:                           ctx,
		logger:                        l,
		session:                       s,
		errorReasons:                  errorReasons(),
		reqIDToRequest:                make(map[network.RequestID]*Request),
		reqIDToRequestWillBeSentEvent: make(map[network.RequestID]*network.EventRequestWillBeSent),
		requestHashToRequestIDs:       newMultimap[string, network.RequestID](),
		requestHashToInterceptionIDs:  newMultimap[string, fetch.RequestID](),
		attemptedAuth:                 make(map[fetch.RequestID]bool),
		networkProfile:                NewNetworkProfile(),
	}
	if s != nil {
		m.initEvents()
		if err := m.initDomains(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func errorReasons() map[string]network.ErrorReason {
	return map[string]network.ErrorReason{
		"aborted":              network.ErrorReasonAborted,
		"accessdenied":         network.ErrorReasonAccessDenied,
		"addressunreachable":   network.ErrorReasonAddressUnreachable,
		"blockedbyclient":      network.ErrorReasonBlockedByClient,
		"blockedbyresponse":    network.ErrorReasonBlockedByResponse,
		"connectionaborted":    network.ErrorReasonConnectionAborted,
		"connectionclosed":     network.ErrorReasonConnectionClosed,
		"connectionfailed":     network.ErrorReasonConnectionFailed,
		"connectionrefused":    network.ErrorReasonConnectionRefused,
		"connectionreset":      network.ErrorReasonConnectionReset,
		"internetdisconnected": network.ErrorReasonInternetDisconnected,
		"namenotresolved":      network.ErrorReasonNameNotResolved,
		"timedout":             network.ErrorReasonTimedOut,
		"failed":               network.ErrorReasonFailed,
	}
}

func (m *NetworkManager) setFrameManager(fm *FrameManager) {
	m.frameManager = fm
}

func (m *NetworkManager) initDomains() error {
	action := network.Enable()
	if err := action.Do(cdp.WithExecutor(m.ctx, m.session)); err != nil {
		return fmt.Errorf("initializing networking %T: %w", action, err)
	}
	return nil
}

func (m *NetworkManager) initEvents() {
	chHandler := make(chan Event)
	m.session.on(m.ctx, []string{
		cdproto.EventNetworkLoadingFailed,
		cdproto.EventNetworkLoadingFinished,
		cdproto.EventNetworkRequestWillBeSent,
		cdproto.EventNetworkRequestServedFromCache,
		cdproto.EventNetworkResponseReceived,
		cdproto.EventFetchRequestPaused,
		cdproto.EventFetchAuthRequired,
	}, chHandler)

	go func() {
		for m.handleEvents(chHandler) {
		}
	}()
}

func (m *NetworkManager) handleEvents(in <-chan Event) bool {
	select {
	case <-m.ctx.Done():
		return false
	case <-m.session.Done():
		return false
	case event := <-in:
		select {
		case <-m.ctx.Done():
			return false
		case <-m.session.Done():
			return false
		default:
		}
		switch ev := event.data.(type) {
		case *network.EventLoadingFailed:
			m.onLoadingFailed(ev)
		case *network.EventLoadingFinished:
			m.onLoadingFinished(ev)
		case *network.EventRequestWillBeSent:
			m.onRequestWillBeSent(ev)
		case *network.EventRequestServedFromCache:
			m.onRequestServedFromCache(ev)
		case *network.EventResponseReceived:
			m.onResponseReceived(ev)
		case *fetch.EventRequestPaused:
			m.onRequestPaused(ev)
		case *fetch.EventAuthRequired:
			m.onAuthRequired(ev)
		}
	}
	return true
}

// requestHash produces a stable fingerprint of a request used to pair
// Network and Fetch events for the same wire request. Headers that the
// browser rewrites between the two domains are excluded.
func requestHash(request *network.Request) string {
	// The fragment never reaches the wire, so it cannot distinguish two
	// requests.
	u := request.URL
	if i := strings.IndexByte(u, '#'); i >= 0 {
		u = u[:i]
	}

	var sb strings.Builder
	sb.WriteString(request.Method)
	sb.WriteByte(' ')
	sb.WriteString(u)
	sb.WriteByte('\n')
	for _, e := range request.PostDataEntries {
		if e != nil {
			sb.WriteString(e.Bytes)
		}
	}
	sb.WriteByte('\n')

	names := make([]string, 0, len(request.Headers))
	for n := range request.Headers {
		ln := strings.ToLower(n)
		if ln == "accept" || ln == "referer" || ln == "cookie" || ln == "origin" ||
			strings.HasPrefix(ln, "x-devtools") {
			continue
		}
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Fprintf(&sb, "%s: %v\n", strings.ToLower(n), request.Headers[n])
	}

	return sb.String()
}

func (m *NetworkManager) onRequestWillBeSent(event *network.EventRequestWillBeSent) {
	if m.protocolReqInterceptionEnabled && !strings.HasPrefix(event.Request.URL, "data:") {
		hash := requestHash(event.Request)
		if interceptionID, ok := m.requestHashToInterceptionIDs.firstValue(hash); ok {
			m.requestHashToInterceptionIDs.delete(hash, interceptionID)
			m.onRequest(event, interceptionID)
			return
		}
		// The paused half has not arrived yet; park the event.
		m.requestHashToRequestIDs.set(hash, event.RequestID)
		m.reqIDToRequestWillBeSentEvent[event.RequestID] = event
		return
	}
	m.onRequest(event, "")
}

func (m *NetworkManager) onRequestPaused(event *fetch.EventRequestPaused) {
	m.logger.Debugf("NetworkManager:onRequestPaused", "rid:%s url:%q", event.RequestID, event.Request.URL)

	if !m.userReqInterceptionEnabled && m.protocolReqInterceptionEnabled {
		// Interception is only on at the protocol level (e.g. for
		// authentication), so let the request through untouched.
		if err := m.continueRequest(event.RequestID, ContinueOptions{}); err != nil {
			m.logger.Debugf("NetworkManager:onRequestPaused", "continuing request: %s", err)
		}
	}

	hash := requestHash(event.Request)
	if requestID, ok := m.requestHashToRequestIDs.firstValue(hash); ok {
		m.requestHashToRequestIDs.delete(hash, requestID)
		if ev, ok := m.reqIDToRequestWillBeSentEvent[requestID]; ok {
			delete(m.reqIDToRequestWillBeSentEvent, requestID)
			m.onRequest(ev, event.RequestID)
		}
		return
	}
	// The network half has not arrived yet; park the interception id.
	m.requestHashToInterceptionIDs.set(hash, event.RequestID)
}

func (m *NetworkManager) onRequest(event *network.EventRequestWillBeSent, interceptionID fetch.RequestID) {
	var redirectChain []*Request
	if event.RedirectResponse != nil {
		req, ok := m.requestFromID(event.RequestID)
		if ok {
			m.handleRequestRedirect(req, event.RedirectResponse, event.Timestamp)
			redirectChain = req.redirectChain
		}
	}

	var frame *Frame
	if event.FrameID != "" && m.frameManager != nil {
		frame = m.frameManager.getFrameByID(event.FrameID)
	}

	req, err := NewRequest(m.ctx, m.session, m.logger, NewRequestParams{
		event:             event,
		frame:             frame,
		redirectChain:     redirectChain,
		interceptionID:    interceptionID,
		allowInterception: m.userReqInterceptionEnabled,
	})
	if err != nil {
		m.logger.Errorf("NetworkManager:onRequest", "creating request: %s", err)
		return
	}

	m.reqsMu.Lock()
	m.reqIDToRequest[event.RequestID] = req
	m.reqsMu.Unlock()

	m.emit(EventNetworkManagerRequest, req)
}

// handleRequestRedirect finalizes a request that the server answered
// with a redirect: its response is recorded, it joins the redirect
// chain that the follow-up request inherits, and it is reported as
// finished.
func (m *NetworkManager) handleRequestRedirect(
	req *Request, redirectResponse *network.Response, timestamp *cdp.MonotonicTime,
) {
	resp := NewHTTPResponse(m.ctx, m.logger, req, redirectResponse, timestamp)
	req.setResponse(resp)
	req.redirectChain = append(req.redirectChain, req)

	m.deleteRequestByID(req.requestID)
	delete(m.attemptedAuth, req.interceptionID)

	m.emit(EventNetworkManagerResponse, resp)
	m.emit(EventNetworkManagerRequestFinished, req)
}

func (m *NetworkManager) onResponseReceived(event *network.EventResponseReceived) {
	req, ok := m.requestFromID(event.RequestID)
	if !ok {
		return
	}
	resp := NewHTTPResponse(m.ctx, m.logger, req, event.Response, event.Timestamp)
	req.setResponse(resp)

	m.logger.Debugf("NetworkManager:onResponseReceived", "rid:%s rurl:%s", event.RequestID, resp.URL())

	m.emit(EventNetworkManagerResponse, resp)
}

func (m *NetworkManager) onLoadingFinished(event *network.EventLoadingFinished) {
	req, ok := m.requestFromID(event.RequestID)
	if !ok {
		return
	}

	req.responseEndTiming = float64(event.Timestamp.Time().Unix()-req.timestamp.Unix()) * 1000
	m.deleteRequestByID(event.RequestID)
	delete(m.attemptedAuth, req.interceptionID)

	m.emit(EventNetworkManagerRequestFinished, req)
}

func (m *NetworkManager) onLoadingFailed(event *network.EventLoadingFailed) {
	req, ok := m.requestFromID(event.RequestID)
	if !ok {
		return
	}

	req.setErrorText(event.ErrorText)
	req.responseEndTiming = float64(event.Timestamp.Time().Unix()-req.timestamp.Unix()) * 1000
	m.deleteRequestByID(event.RequestID)
	delete(m.attemptedAuth, req.interceptionID)

	m.emit(EventNetworkManagerRequestFailed, req)
}

func (m *NetworkManager) onRequestServedFromCache(event *network.EventRequestServedFromCache) {
	if req, ok := m.requestFromID(event.RequestID); ok {
		req.setLoadedFromCache(true)
	}
}

func (m *NetworkManager) onAuthRequired(event *fetch.EventAuthRequired) {
	var (
		res = fetch.AuthChallengeResponseResponseDefault
		rid = event.RequestID

		username, password string
	)

	switch {
	case m.attemptedAuth[rid]:
		// The credentials were already tried and rejected; let the
		// browser surface the authentication failure.
		delete(m.attemptedAuth, rid)
		res = fetch.AuthChallengeResponseResponseCancelAuth
	case !m.credentials.IsEmpty():
		m.attemptedAuth[rid] = true
		res = fetch.AuthChallengeResponseResponseProvideCredentials
		username, password = m.credentials.Username, m.credentials.Password
	}

	err := fetch.ContinueWithAuth(
		rid,
		&fetch.AuthChallengeResponse{
			Response: res,
			Username: username,
			Password: password,
		},
	).Do(cdp.WithExecutor(m.ctx, m.session))
	if err != nil {
		m.logger.Debugf("NetworkManager:onAuthRequired", "continueWithAuth url:%q err:%v", event.Request.URL, err)
	}
}

func (m *NetworkManager) requestFromID(reqID network.RequestID) (*Request, bool) {
	m.reqsMu.RLock()
	defer m.reqsMu.RUnlock()
	r, ok := m.reqIDToRequest[reqID]
	return r, ok
}

func (m *NetworkManager) deleteRequestByID(reqID network.RequestID) {
	m.reqsMu.Lock()
	defer m.reqsMu.Unlock()
	delete(m.reqIDToRequest, reqID)
}

func (m *NetworkManager) setRequestInterception(value bool) error {
	m.userReqInterceptionEnabled = value
	return m.updateProtocolRequestInterception()
}

func (m *NetworkManager) updateProtocolCacheDisabled() error {
	action := network.SetCacheDisabled(m.userCacheDisabled)
	if err := action.Do(cdp.WithExecutor(m.ctx, m.session)); err != nil {
		errAction := "enabling"
		if m.userCacheDisabled {
			errAction = "disabling"
		}
		return fmt.Errorf("%s network cache: %w", errAction, err)
	}
	return nil
}

func (m *NetworkManager) updateProtocolRequestInterception() error {
	enabled := m.userReqInterceptionEnabled || !m.credentials.IsEmpty()
	if enabled == m.protocolReqInterceptionEnabled {
		return nil
	}

	m.protocolReqInterceptionEnabled = enabled
	m.logger.Debugf("NetworkManager:updateProtocolRequestInterception",
		"updating request interception to %t (session: %s)", enabled, m.session.ID())

	actions := []Action{
		network.SetCacheDisabled(true),
		fetch.Enable().
			WithHandleAuthRequests(true).
			WithPatterns([]*fetch.RequestPattern{
				{
					URLPattern:   "*",
					RequestStage: fetch.RequestStageRequest,
				},
			}),
	}
	if !enabled {
		actions = []Action{
			network.SetCacheDisabled(false),
			fetch.Disable(),
		}
	}
	for _, action := range actions {
		if err := action.Do(cdp.WithExecutor(m.ctx, m.session)); err != nil {
			return fmt.Errorf("internal error while updating protocol request interception %T: %w", action, err)
		}
	}

	return nil
}

// WaitForRequest blocks until a request matching the predicate is
// issued. A nil predicate matches the first request.
func (m *NetworkManager) WaitForRequest(
	ctx context.Context, predicate func(*Request) bool, timeout time.Duration,
) (*Request, error) {
	data, err := waitForEvent(ctx, m, []string{EventNetworkManagerRequest}, func(data any) bool {
		req, ok := data.(*Request)
		return ok && (predicate == nil || predicate(req))
	}, timeout)
	if err != nil {
		return nil, err
	}
	req, _ := data.(*Request)
	return req, nil
}

// WaitForResponse blocks until a response matching the predicate is
// received. A nil predicate matches the first response.
func (m *NetworkManager) WaitForResponse(
	ctx context.Context, predicate func(*Response) bool, timeout time.Duration,
) (*Response, error) {
	data, err := waitForEvent(ctx, m, []string{EventNetworkManagerResponse}, func(data any) bool {
		resp, ok := data.(*Response)
		return ok && (predicate == nil || predicate(resp))
	}, timeout)
	if err != nil {
		return nil, err
	}
	resp, _ := data.(*Response)
	return resp, nil
}

// Authenticate sets HTTP authentication credentials to use for
// challenges issued by servers and proxies.
func (m *NetworkManager) Authenticate(credentials Credentials) error {
	m.credentials = credentials
	if err := m.updateProtocolRequestInterception(); err != nil {
		return fmt.Errorf("setting authentication credentials: %w", err)
	}
	return nil
}

// SetRequestInterception toggles delivery of paused requests to the
// caller. While enabled, every request must be explicitly continued,
// fulfilled, or aborted.
func (m *NetworkManager) SetRequestInterception(enable bool) error {
	return m.setRequestInterception(enable)
}

// AbortRequest fails a paused request with the given error reason.
func (m *NetworkManager) AbortRequest(requestID fetch.RequestID, errorReason string) error {
	m.logger.Debugf("NetworkManager:AbortRequest", "aborting request (id: %s, errorReason: %s)",
		requestID, errorReason)

	if !m.userReqInterceptionEnabled {
		return ErrInterceptionDisabled
	}

	netErrorReason, ok := m.errorReasons[errorReason]
	if !ok {
		return fmt.Errorf("unknown error code: %s", errorReason)
	}

	action := fetch.FailRequest(requestID, netErrorReason)
	if err := action.Do(cdp.WithExecutor(m.ctx, m.session)); err != nil {
		if errors.Is(err, context.Canceled) {
			m.logger.Debugf("NetworkManager:AbortRequest", "context canceled interrupting request")
			return nil
		}
		return fmt.Errorf("fail to abort request (id: %s): %w", requestID, err)
	}

	return nil
}

// ContinueOptions are request fields that can be overridden when
// continuing a paused request.
type ContinueOptions struct {
	Headers  []HTTPHeader
	Method   string
	PostData []byte
	URL      string
}

// ContinueRequest lets a paused request proceed, optionally overriding
// parts of it.
func (m *NetworkManager) ContinueRequest(requestID fetch.RequestID, opts ContinueOptions) error {
	if !m.userReqInterceptionEnabled {
		return ErrInterceptionDisabled
	}
	return m.continueRequest(requestID, opts)
}

func (m *NetworkManager) continueRequest(requestID fetch.RequestID, opts ContinueOptions) error {
	m.logger.Debugf("NetworkManager:ContinueRequest", "continuing request (id: %s)", requestID)

	action := fetch.ContinueRequest(requestID)
	if len(opts.Headers) > 0 {
		action = action.WithHeaders(toFetchHeaders(opts.Headers))
	}
	if opts.URL != "" {
		action = action.WithURL(opts.URL)
	}
	if opts.Method != "" {
		action = action.WithMethod(opts.Method)
	}
	if len(opts.PostData) > 0 {
		action = action.WithPostData(base64.StdEncoding.EncodeToString(opts.PostData))
	}

	if err := action.Do(cdp.WithExecutor(m.ctx, m.session)); err != nil {
		if errors.Is(err, context.Canceled) {
			m.logger.Debugf("NetworkManager:ContinueRequest", "context canceled continuing request")
			return nil
		}
		// An invalid interception id means the page has navigated away
		// and the browser no longer tracks the request.
		if strings.Contains(err.Error(), "Invalid InterceptionId") {
			m.logger.Debugf("NetworkManager:ContinueRequest", "invalid interception ID (%s) continuing request: %s",
				requestID, err)
			return nil
		}
		return fmt.Errorf("fail to continue request (id: %s): %w", requestID, err)
	}

	return nil
}

// FulfillOptions are response fields that can be set when fulfilling a
// paused request locally.
type FulfillOptions struct {
	Body        []byte
	ContentType string
	Headers     []HTTPHeader
	Status      int64
}

// FulfillRequest answers a paused request with a caller-provided
// response without going to the network.
func (m *NetworkManager) FulfillRequest(request *Request, opts FulfillOptions) error {
	if !m.userReqInterceptionEnabled {
		return ErrInterceptionDisabled
	}

	responseCode := int64(http.StatusOK)
	if opts.Status != 0 {
		responseCode = opts.Status
	}

	action := fetch.FulfillRequest(request.interceptionID, responseCode)

	if opts.ContentType != "" {
		opts.Headers = append(opts.Headers, HTTPHeader{
			Name:  "Content-Type",
			Value: opts.ContentType,
		})
	}
	if headers := toFetchHeaders(opts.Headers); len(headers) > 0 {
		action = action.WithResponseHeaders(headers)
	}
	if len(opts.Body) > 0 {
		action = action.WithBody(base64.StdEncoding.EncodeToString(opts.Body))
	}

	if err := action.Do(cdp.WithExecutor(m.ctx, m.session)); err != nil {
		if errors.Is(err, context.Canceled) {
			m.logger.Debugf("NetworkManager:FulfillRequest", "context canceled fulfilling request")
			return nil
		}
		return fmt.Errorf("fail to fulfill request (id: %s): %w", request.interceptionID, err)
	}

	return nil
}

func toFetchHeaders(headers []HTTPHeader) []*fetch.HeaderEntry {
	if len(headers) == 0 {
		return nil
	}
	fetchHeaders := make([]*fetch.HeaderEntry, len(headers))
	for i, header := range headers {
		fetchHeaders[i] = &fetch.HeaderEntry{
			Name:  header.Name,
			Value: header.Value,
		}
	}
	return fetchHeaders
}

// SetExtraHTTPHeaders sets extra HTTP request headers to be sent with
// every request.
func (m *NetworkManager) SetExtraHTTPHeaders(headers network.Headers) error {
	err := network.
		SetExtraHTTPHeaders(headers).
		Do(cdp.WithExecutor(m.ctx, m.session))
	if err != nil {
		return fmt.Errorf("setting extra HTTP headers: %w", err)
	}
	return nil
}

// SetOfflineMode toggles offline mode on or off.
func (m *NetworkManager) SetOfflineMode(offline bool) error {
	if m.offline == offline {
		return nil
	}
	m.offline = offline

	action := network.EmulateNetworkConditions(
		m.offline,
		m.networkProfile.Latency,
		m.networkProfile.Download,
		m.networkProfile.Upload,
	)
	if err := action.Do(cdp.WithExecutor(m.ctx, m.session)); err != nil {
		return fmt.Errorf("emulating network conditions: %w", err)
	}
	return nil
}

// ThrottleNetwork changes the network attributes in the browser to
// simulate slower networks, e.g. a slow 3G connection.
func (m *NetworkManager) ThrottleNetwork(networkProfile NetworkProfile) error {
	if m.networkProfile == networkProfile {
		return nil
	}
	m.networkProfile = networkProfile

	action := network.EmulateNetworkConditions(
		m.offline,
		m.networkProfile.Latency,
		m.networkProfile.Download,
		m.networkProfile.Upload,
	)
	if err := action.Do(cdp.WithExecutor(m.ctx, m.session)); err != nil {
		return fmt.Errorf("throttling network: %w", err)
	}
	return nil
}

// SetUserAgent overrides the browser user agent string.
func (m *NetworkManager) SetUserAgent(userAgent string) error {
	action := emulation.SetUserAgentOverride(userAgent)
	if err := action.Do(cdp.WithExecutor(m.ctx, m.session)); err != nil {
		return fmt.Errorf("setting user agent: %w", err)
	}
	return nil
}

// SetCacheEnabled toggles the browser cache on or off.
func (m *NetworkManager) SetCacheEnabled(enabled bool) error {
	m.userCacheDisabled = !enabled
	return m.updateProtocolCacheDisabled()
}
