// Copyright 2020 The NATS Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package clienths implements the WebSocket client opening handshake (spec
// §4.5): request construction, accept-key precomputation, and incremental
// response validation including redirect handling. Grounded on the
// teacher's wsChallenge/wsUpgrade accept-key pairing in
// server/websocket.go's wsHandshake's key path (mirrored for the client
// side of the exchange) and on daabr-chrome-vision's client-side
// sendUpgradeRequest/receiveUpgradeResponse flow in pkg/websocket/handshake.go.
package clienths

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"

	"github.com/wsendpoint/ws/internal/httpmsg"
	"github.com/wsendpoint/ws/internal/paramtoken"
	"github.com/wsendpoint/ws/internal/permessageDeflate"
	"github.com/wsendpoint/ws/internal/wserr"
)

// acceptGUID is the fixed RFC 6455 §1.3 magic string.
const acceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// Request is everything needed to build one opening-handshake attempt.
type Request struct {
	URL              *url.URL
	Subprotocols     []string
	ExtraHeaders     map[string][]string
	OfferCompression bool
	CompressionOffer permessageDeflate.CompressionOffer
}

// Attempt holds the per-request state a client handshake needs to validate
// the eventual response: the nonce it sent and what it offered.
type Attempt struct {
	Key              string
	expectedAccept   string
	subprotocols     []string
	offeredCompress  bool
	compressionOffer permessageDeflate.CompressionOffer
}

// Result is the successful outcome of a client handshake (spec §3's
// HandshakeResult) plus the unconsumed tail bytes that arrived appended to
// the response (the start of the first WebSocket frame).
type Result struct {
	Subprotocol          string
	CompressionAvailable bool
	NegotiatedOffer      permessageDeflate.CompressionOffer
	Header               httpmsg.Header
	Unconsumed           []byte
}

// Redirect is yielded when the server responds 3xx with a Location.
type Redirect struct {
	Location *url.URL
}

// NewNonce generates a fresh 16-byte base64-encoded Sec-WebSocket-Key.
func NewNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// ComputeAccept computes the expected Sec-WebSocket-Accept value for key,
// per RFC 6455 §1.3: base64(sha1(key + GUID)).
func ComputeAccept(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(acceptGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// BuildRequest renders one handshake attempt's HTTP request and returns the
// Attempt state needed to validate the response.
func BuildRequest(req Request) (*Attempt, []byte, error) {
	key, err := NewNonce()
	if err != nil {
		return nil, nil, wserr.Wrap(wserr.KindConnectionFailed, err, "nonce generation failed")
	}

	att := &Attempt{
		Key:             key,
		expectedAccept:  ComputeAccept(key),
		subprotocols:    req.Subprotocols,
		offeredCompress: req.OfferCompression,
	}
	if req.OfferCompression {
		att.compressionOffer = req.CompressionOffer
	}

	target := requestTarget(req.URL)
	msg := &httpmsg.Message{
		IsRequest: true,
		Method:    "GET",
		Target:    target,
		Version:   "HTTP/1.1",
		Header:    httpmsg.NewHeader(),
	}
	msg.Header.Set("Host", hostHeader(req.URL))
	msg.Header.Set("Upgrade", "websocket")
	msg.Header.Set("Connection", "upgrade")
	msg.Header.Set("Sec-WebSocket-Key", key)
	msg.Header.Set("Sec-WebSocket-Version", "13")
	if len(req.Subprotocols) > 0 {
		msg.Header.Set("Sec-WebSocket-Protocol", strings.Join(req.Subprotocols, ", "))
	}
	if req.OfferCompression {
		msg.Header.Set("Sec-WebSocket-Extensions", req.CompressionOffer.Format())
	}
	for name, values := range req.ExtraHeaders {
		if httpmsg.IsForbiddenExtraHeader(name) {
			continue
		}
		for _, v := range values {
			msg.Header.Add(name, v)
		}
	}

	raw, err := msg.Encode()
	if err != nil {
		return nil, nil, wserr.Wrap(wserr.KindInvalidHTTPRequest, err, "encoding handshake request")
	}
	return att, raw, nil
}

func hostHeader(u *url.URL) string {
	return u.Host
}

// requestTarget renders the request-line target: the escaped path (or "/"
// if empty) plus an optional "?query".
func requestTarget(u *url.URL) string {
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		return path + "?" + u.RawQuery
	}
	return path
}

// HandleResponse interprets one complete HTTP response against att. It
// returns exactly one of (*Result, nil, nil), (nil, *Redirect, nil), or
// (nil, nil, error) for an outright rejection.
func (att *Attempt) HandleResponse(msg *httpmsg.Message, unconsumed []byte) (*Result, *Redirect, error) {
	switch {
	case msg.StatusCode == 101:
		return att.validateSwitchingProtocols(msg, unconsumed)
	case msg.StatusCode >= 300 && msg.StatusCode < 400:
		loc := msg.Header.Get("Location")
		if loc == "" {
			return nil, nil, wserr.New(wserr.KindInvalidRedirection, "redirect status %d with no Location header", msg.StatusCode)
		}
		u, err := url.Parse(loc)
		if err != nil {
			return nil, nil, wserr.Wrap(wserr.KindInvalidRedirectLocation, err, "parsing Location header")
		}
		return nil, &Redirect{Location: u}, nil
	default:
		return nil, nil, &wserr.Error{
			Kind:    wserr.KindUpgradeRejected,
			Message: fmt.Sprintf("server rejected the upgrade with status %d", msg.StatusCode),
			Rejected: &wserr.FailedHandshakeResult{
				StatusCode:  msg.StatusCode,
				Reason:      msg.Reason,
				Header:      msg.Header.AsMap(),
				ContentType: msg.Header.Get("Content-Type"),
				Body:        msg.Body,
			},
		}
	}
}

func (att *Attempt) validateSwitchingProtocols(msg *httpmsg.Message, unconsumed []byte) (*Result, *Redirect, error) {
	if !msg.Header.ContainsToken("Upgrade", "websocket") {
		return nil, nil, wserr.New(wserr.KindInvalidUpgradeHeader, "missing or invalid Upgrade header")
	}
	if !msg.Header.ContainsToken("Connection", "upgrade") {
		return nil, nil, wserr.New(wserr.KindInvalidConnectionHeader, "missing or invalid Connection header")
	}
	accept := msg.Header.Get("Sec-WebSocket-Accept")
	if accept != att.expectedAccept {
		return nil, nil, wserr.New(wserr.KindKeyMismatch, "Sec-WebSocket-Accept %q does not match expected %q", accept, att.expectedAccept)
	}

	subproto := msg.Header.Get("Sec-WebSocket-Protocol")
	if subproto != "" && !contains(att.subprotocols, subproto) {
		return nil, nil, wserr.New(wserr.KindSubprotocolMismatch, "server chose subprotocol %q which was not offered", subproto)
	}

	var negotiated permessageDeflate.CompressionOffer
	compressionAvailable := false
	if ext := msg.Header.Get("Sec-WebSocket-Extensions"); ext != "" {
		offers, err := permessageDeflate.ParseOffers(ext)
		if err != nil || len(offers) == 0 {
			return nil, nil, wserr.New(wserr.KindExtensionMismatch, "server returned an unparseable or unsupported extension")
		}
		if !att.offeredCompress {
			return nil, nil, wserr.New(wserr.KindExtensionMismatch, "server chose an extension the client did not offer")
		}
		chosen := offers[0]
		if !permessageDeflate.ClientValidateResponse(att.compressionOffer, chosen) {
			return nil, nil, wserr.New(wserr.KindExtensionMismatch, "server's compression parameters are not a subset of the client's offer")
		}
		negotiated = chosen
		compressionAvailable = true
	}

	return &Result{
		Subprotocol:          subproto,
		CompressionAvailable: compressionAvailable,
		NegotiatedOffer:      negotiated,
		Header:               msg.Header,
		Unconsumed:           unconsumed,
	}, nil, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

// ParseResponse feeds the raw response parser used by a client handshake
// attempt. Callers incrementally Feed bytes off the transport and call this
// until it returns something other than httpmsg.Incomplete.
func ParseResponse(p *httpmsg.Parser) (httpmsg.Result, *httpmsg.Message, []byte, error) {
	return p.Parse()
}

// ResolveRedirect resolves a redirect Location against the current URL, as
// net/url's ResolveReference does, and validates the resulting scheme.
func ResolveRedirect(current *url.URL, loc *url.URL) (*url.URL, error) {
	resolved := current.ResolveReference(loc)
	switch resolved.Scheme {
	case "ws", "wss":
		return resolved, nil
	default:
		return nil, wserr.New(wserr.KindInvalidRedirectLocation, "redirect target has unsupported scheme %q", resolved.Scheme)
	}
}
