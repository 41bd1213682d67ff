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

// Package serverhs implements the WebSocket server opening handshake (spec
// §4.6): request validation and 101/4xx response generation. Grounded on
// the teacher's wsHandshake in server/websocket.go, generalized from a
// server embedded in a larger NATS connection handshake into a standalone
// validate/respond pair driven by the server front-end.
package serverhs

import (
	"strconv"
	"strings"

	"github.com/wsendpoint/ws/internal/clienths"
	"github.com/wsendpoint/ws/internal/httpmsg"
	"github.com/wsendpoint/ws/internal/permessageDeflate"
)

// Rejection describes why a request failed to validate as a WebSocket
// upgrade; BuildRejectionResponse renders it as a plain-text 4xx response.
type Rejection struct {
	StatusCode int
	Reason     string
}

func reject(status int, reason string) *Rejection {
	return &Rejection{StatusCode: status, Reason: reason}
}

// Validate checks msg as a candidate WebSocket upgrade request, per spec
// §4.6's rejection list, returning the client's Sec-WebSocket-Key and any
// syntactically valid compression offers on success.
func Validate(msg *httpmsg.Message) (key string, offers []permessageDeflate.CompressionOffer, rej *Rejection) {
	if !isAtLeastHTTP11(msg.Version) {
		return "", nil, reject(400, "HTTP version must be at least 1.1")
	}
	if msg.Method != "GET" {
		return "", nil, reject(400, "method must be GET")
	}
	if !msg.Header.ContainsToken("Upgrade", "websocket") {
		return "", nil, reject(400, "Upgrade header must contain \"websocket\"")
	}
	if !msg.Header.ContainsToken("Connection", "upgrade") {
		return "", nil, reject(400, "Connection header must contain \"upgrade\"")
	}
	if v := msg.Header.Get("Sec-WebSocket-Version"); v != "13" {
		return "", nil, reject(400, "Sec-WebSocket-Version must be 13")
	}
	key = msg.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		return "", nil, reject(400, "missing Sec-WebSocket-Key")
	}
	if ext := msg.Header.Get("Sec-WebSocket-Extensions"); ext != "" {
		parsed, err := permessageDeflate.ParseOffers(ext)
		if err == nil {
			offers = parsed
		}
	}
	return key, offers, nil
}

// RequestedSubprotocols returns the client's offered subprotocol list, in
// order.
func RequestedSubprotocols(msg *httpmsg.Message) []string {
	v := msg.Header.Get("Sec-WebSocket-Protocol")
	if v == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// BuildSwitchingProtocolsResponse renders the 101 response accepting the
// upgrade, echoing key's accept digest and the chosen subprotocol and
// compression parameters (either may be absent). extraHeaders are
// application-supplied headers to append (spec §4.8's upgrade resolution);
// forbidden names are dropped silently, as for the client's extra_headers.
func BuildSwitchingProtocolsResponse(key, subprotocol string, chosen *permessageDeflate.CompressionOffer, extraHeaders map[string][]string) ([]byte, error) {
	msg := &httpmsg.Message{
		StatusCode: 101,
		Reason:     "Switching Protocols",
		Version:    "HTTP/1.1",
		Header:     httpmsg.NewHeader(),
	}
	msg.Header.Set("Upgrade", "websocket")
	msg.Header.Set("Connection", "upgrade")
	msg.Header.Set("Sec-WebSocket-Accept", clienths.ComputeAccept(key))
	if subprotocol != "" {
		msg.Header.Set("Sec-WebSocket-Protocol", subprotocol)
	}
	if chosen != nil {
		msg.Header.Set("Sec-WebSocket-Extensions", chosen.Format())
	}
	for name, values := range extraHeaders {
		if httpmsg.IsForbiddenExtraHeader(name) {
			continue
		}
		for _, v := range values {
			msg.Header.Add(name, v)
		}
	}
	return msg.Encode()
}

// BuildRejectionResponse renders rej as a plain-text HTTP response.
func BuildRejectionResponse(rej *Rejection) ([]byte, error) {
	return BuildPlainTextResponse(rej.StatusCode, rej.Reason)
}

// BuildPlainTextResponse renders an arbitrary plain-text HTTP response, used
// both for handshake rejections and for the server front-end's
// respond(status, plainText) resolution.
func BuildPlainTextResponse(status int, text string) ([]byte, error) {
	msg := &httpmsg.Message{
		StatusCode: status,
		Version:    "HTTP/1.1",
		Header:     httpmsg.NewHeader(),
		Body:       []byte(text),
	}
	msg.Header.Set("Content-Type", "text/plain; charset=utf-8")
	msg.Header.Set("Content-Length", strconv.Itoa(len(msg.Body)))
	return msg.Encode()
}

// isAtLeastHTTP11 treats anything other than exactly "HTTP/1.1" as too old
// or unsupported; an HTTP/2 request never reaches this codec in the first
// place (spec §1's "no HTTP/2" non-goal), so 1.1 is the only version a raw
// TCP handshake actually presents here.
func isAtLeastHTTP11(version string) bool {
	return version == "HTTP/1.1"
}
