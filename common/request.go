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
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gopuppet/gopuppet/log"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
)

// These ResourceTypes mirror CDP's network.ResourceType. We keep our
// own copies to catch any upstream protocol changes early.
const (
	ResourceTypeDocument           string = "Document"
	ResourceTypeStylesheet         string = "Stylesheet"
	ResourceTypeImage              string = "Image"
	ResourceTypeMedia              string = "Media"
	ResourceTypeFont               string = "Font"
	ResourceTypeScript             string = "Script"
	ResourceTypeTextTrack          string = "TextTrack"
	ResourceTypeXHR                string = "XHR"
	ResourceTypeFetch              string = "Fetch"
	ResourceTypePrefetch           string = "Prefetch"
	ResourceTypeEventSource        string = "EventSource"
	ResourceTypeWebSocket          string = "WebSocket"
	ResourceTypeManifest           string = "Manifest"
	ResourceTypeSignedExchange     string = "SignedExchange"
	ResourceTypePing               string = "Ping"
	ResourceTypeCSPViolationReport string = "CSPViolationReport"
	ResourceTypePreflight          string = "Preflight"
	ResourceTypeOther              string = "Other"
	ResourceTypeUnknown            string = "Unknown"
)

// HTTPHeader is a single HTTP header.
type HTTPHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Request represents an in-flight or completed browser HTTP request.
type Request struct {
	ctx     context.Context
	session session
	logger  *log.Logger

	frame         *Frame
	responseMu    sync.RWMutex
	response      *Response
	redirectChain []*Request
	requestID     network.RequestID
	documentID    string
	url           *url.URL
	method        string
	headers       map[string][]string
	// Only the 0th entry of postDataEntries is surfaced for now; more
	// than one entry has not been observed in practice.
	postDataEntries     []string
	resourceType        string
	isNavigationRequest bool
	allowInterception   bool
	interceptionID      fetch.RequestID
	fromMemoryCache     bool
	errorText           string
	// offset is the difference between the timestamp and wallTime
	// fields. CDP timestamps are monotonic, so wall-clock values must
	// be derived by carrying this skew forward.
	offset            time.Duration
	timestamp         time.Time
	wallTime          time.Time
	responseEndTiming float64
}

// NewRequestParams are input parameters for NewRequest.
type NewRequestParams struct {
	event             *network.EventRequestWillBeSent
	frame             *Frame
	redirectChain     []*Request
	interceptionID    fetch.RequestID
	allowInterception bool
}

// NewRequest creates a new HTTP request from its protocol event.
func NewRequest(ctx context.Context, s session, logger *log.Logger, rp NewRequestParams) (*Request, error) {
	ev := rp.event

	documentID := cdp.LoaderID("")
	if ev.RequestID == network.RequestID(ev.LoaderID) && ev.Type == "Document" {
		documentID = ev.LoaderID
	}

	u, err := url.Parse(ev.Request.URL)
	if err != nil {
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return nil, fmt.Errorf("parsing URL %q: %w", ev.Request.URL, err)
	}

	isNavigationRequest := string(ev.RequestID) == string(ev.LoaderID) &&
		ev.Type == network.ResourceTypeDocument

	pd := make([]string, 0, len(ev.Request.PostDataEntries))
	for _, e := range ev.Request.PostDataEntries {
		if e == nil {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(e.Bytes)
		if err != nil {
			return nil, fmt.Errorf("decoding postData %q: %w", e.Bytes, err)
		}
		pd = append(pd, string(decoded))
	}

	r := Request{
		ctx:                 ctx,
		session:             s,
		logger:              logger,
		url:                 u,
		frame:               rp.frame,
		redirectChain:       rp.redirectChain,
		requestID:           ev.RequestID,
		method:              ev.Request.Method,
		postDataEntries:     pd,
		resourceType:        validateResourceType(logger, ev.Type.String()),
		isNavigationRequest: isNavigationRequest,
		allowInterception:   rp.allowInterception,
		interceptionID:      rp.interceptionID,
		timestamp:           ev.Timestamp.Time(),
		wallTime:            ev.WallTime.Time(),
		offset:              ev.WallTime.Time().Sub(ev.Timestamp.Time()),
		documentID:          documentID.String(),
		headers:             make(map[string][]string),
	}
	for n, v := range ev.Request.Headers {
		if s, ok := v.(string); ok {
			r.headers[n] = append(r.headers[n], s)
		}
	}

	return &r, nil
}

// validateResourceType checks network.ResourceType string values
// against our own copies, mapping unrecognized values to
// ResourceTypeUnknown with a warning.
func validateResourceType(logger *log.Logger, t string) string {
	switch t {
	case ResourceTypeDocument:
	case ResourceTypeStylesheet:
	case ResourceTypeImage:
	case ResourceTypeMedia:
	case ResourceTypeFont:
	case ResourceTypeScript:
	case ResourceTypeTextTrack:
	case ResourceTypeXHR:
	case ResourceTypeFetch:
	case ResourceTypePrefetch:
	case ResourceTypeEventSource:
	case ResourceTypeWebSocket:
	case ResourceTypeManifest:
	case ResourceTypeSignedExchange:
	case ResourceTypePing:
	case ResourceTypeCSPViolationReport:
	case ResourceTypePreflight:
	case ResourceTypeOther:
	default:
		logger.Warnf("http:resourceType", "unknown network.ResourceType %q detected", t)
		t = ResourceTypeUnknown
	}
	return t
}

func (r *Request) getID() network.RequestID {
	return r.requestID
}

func (r *Request) getDocumentID() string {
	return r.documentID
}

func (r *Request) setErrorText(errorText string) {
	r.errorText = errorText
}

func (r *Request) setLoadedFromCache(fromMemoryCache bool) {
	r.fromMemoryCache = fromMemoryCache
}

func (r *Request) setResponse(resp *Response) {
	r.responseMu.Lock()
	defer r.responseMu.Unlock()
	r.response = resp
}

// AllHeaders returns all the request headers, lowercased.
func (r *Request) AllHeaders() map[string]string {
	headers := make(map[string]string)
	for n, v := range r.headers {
		headers[strings.ToLower(n)] = strings.Join(v, ",")
	}
	return headers
}

// Failure returns the error text for a failed request, or the empty
// string if the request did not fail.
func (r *Request) Failure() string {
	return r.errorText
}

// Frame returns the frame within which the request was made. It is nil
// for requests that did not originate from a frame.
func (r *Request) Frame() *Frame {
	return r.frame
}

// HeaderValue returns the value of the given header.
func (r *Request) HeaderValue(name string) (string, bool) {
	headers := r.AllHeaders()
	val, ok := headers[strings.ToLower(name)]
	return val, ok
}

// Headers returns the request headers.
func (r *Request) Headers() map[string]string {
	headers := make(map[string]string)
	for n, v := range r.headers {
		headers[n] = strings.Join(v, ",")
	}
	return headers
}

// HeadersArray returns the request headers as an array of objects.
func (r *Request) HeadersArray() []HTTPHeader {
	headers := make([]HTTPHeader, 0)
	for n, vals := range r.headers {
		for _, v := range vals {
			headers = append(headers, HTTPHeader{Name: n, Value: v})
		}
	}
	return headers
}

// InterceptionID returns the fetch-domain id of the paused request, to
// be passed to ContinueRequest or AbortRequest. It is empty when the
// request is not intercepted.
func (r *Request) InterceptionID() fetch.RequestID {
	return r.interceptionID
}

// IsNavigationRequest returns whether this request is driving a frame
// navigation.
func (r *Request) IsNavigationRequest() bool {
	return r.isNavigationRequest
}

// Method returns the request method.
func (r *Request) Method() string {
	return r.method
}

// PostData returns the request post data, if any.
func (r *Request) PostData() string {
	if len(r.postDataEntries) > 0 {
		return r.postDataEntries[0]
	}
	return ""
}

// RedirectChain returns the chain of requests that redirected into this
// one, oldest first. It is empty when no redirects occurred.
func (r *Request) RedirectChain() []*Request {
	chain := make([]*Request, len(r.redirectChain))
	copy(chain, r.redirectChain)
	return chain
}

// ResourceType returns the request resource type.
func (r *Request) ResourceType() string {
	return r.resourceType
}

// Response returns the response for the request, if received.
func (r *Request) Response() *Response {
	r.responseMu.RLock()
	defer r.responseMu.RUnlock()
	return r.response
}

// URL returns the request URL.
func (r *Request) URL() string {
	return r.url.String()
}
