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

// Package httpmsg implements just enough of HTTP/1.1 (RFC 7230) to carry the
// WebSocket opening handshake and short non-chunked/Content-Length/chunked
// bodies: an incremental byte-driven parser and a byte-producing encoder.
// Grounded on the teacher's (nats-server) direct net/http use for the server
// side and on daabr-chrome-vision/pkg/websocket's hand-rolled request/status
// line assembly for the client side; unlike both of those, this codec is a
// standalone incremental state machine (design note §9) rather than relying
// on net/http or bufio.Reader blocking reads, so it can run over arbitrary
// byte chunks from a non-blocking transport collaborator.
package httpmsg

import (
	"fmt"
	"net/textproto"
)

// Message is either an HTTP/1.1 request or response, covering exactly the
// shape needed to carry a WebSocket opening handshake and small bodies.
type Message struct {
	IsRequest bool

	// Request-only.
	Method string
	Target string

	// Response-only.
	StatusCode int
	Reason     string

	Version string // e.g. "HTTP/1.1"
	Header  Header
	Body    []byte
}

// fixedHeaderOrder is the order the encoder writes known header names in,
// per spec §4.1. Any header not in this list is written afterward, in
// unspecified order, under its canonical MIME spelling (e.g. "X-App-Trace").
var fixedHeaderOrder = []string{
	"Host",
	"Location",
	"Upgrade",
	"Connection",
	"Sec-WebSocket-Key",
	"Sec-WebSocket-Accept",
	"Sec-WebSocket-Protocol",
	"Sec-WebSocket-Version",
	"Sec-WebSocket-Extensions",
	"Content-Length",
	"Content-Type",
}

// statusAllowsContent mirrors RFC 7230 §3.3: 1xx, 204 and 304 never carry a
// body regardless of headers.
func statusAllowsContent(code int) bool {
	if code >= 100 && code < 200 {
		return false
	}
	return code != 204 && code != 304
}

// Encode renders the message to its wire bytes. Header bytes are ISO-8859-1
// (Latin-1); any header value containing a rune outside that range is an
// encoding failure reported as an invalid-HTTP error, per spec §4.1.
func (m *Message) Encode() ([]byte, error) {
	var b []byte
	if m.IsRequest {
		version := m.Version
		if version == "" {
			version = "HTTP/1.1"
		}
		b = append(b, fmt.Sprintf("%s %s %s\r\n", m.Method, m.Target, version)...)
	} else {
		version := m.Version
		if version == "" {
			version = "HTTP/1.1"
		}
		reason := m.Reason
		if reason == "" {
			reason = defaultReasonPhrase(m.StatusCode)
		}
		b = append(b, fmt.Sprintf("%s %d %s\r\n", version, m.StatusCode, reason)...)
	}

	written := make(map[string]bool, len(fixedHeaderOrder))
	writeHeader := func(name string) error {
		for _, v := range m.Header.Values(name) {
			enc, err := encodeLatin1(v)
			if err != nil {
				return fmt.Errorf("invalid HTTP %s: header %q: %w", kindWord(m.IsRequest), name, err)
			}
			b = append(b, name...)
			b = append(b, ':', ' ')
			b = append(b, enc...)
			b = append(b, '\r', '\n')
		}
		return nil
	}

	for _, name := range fixedHeaderOrder {
		if err := writeHeader(name); err != nil {
			return nil, err
		}
		written[canon(name)] = true
	}
	for _, name := range m.Header.Names() {
		if written[name] {
			continue
		}
		if IsForbiddenExtraHeader(name) {
			continue // dropped silently, per spec §4.1
		}
		if err := writeHeader(textproto.CanonicalMIMEHeaderKey(name)); err != nil {
			return nil, err
		}
	}
	b = append(b, '\r', '\n')
	b = append(b, m.Body...)
	return b, nil
}

func kindWord(isRequest bool) string {
	if isRequest {
		return "request"
	}
	return "response"
}

func encodeLatin1(s string) ([]byte, error) {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if r > 0xFF {
			return nil, fmt.Errorf("rune %U outside ISO-8859-1", r)
		}
		out = append(out, byte(r))
	}
	return out, nil
}

func defaultReasonPhrase(code int) string {
	if r, ok := reasonPhrases[code]; ok {
		return r
	}
	return "Unknown"
}

var reasonPhrases = map[int]string{
	100: "Continue",
	101: "Switching Protocols",
	200: "OK",
	204: "No Content",
	301: "Moved Permanently",
	302: "Found",
	303: "See Other",
	304: "Not Modified",
	307: "Temporary Redirect",
	308: "Permanent Redirect",
	400: "Bad Request",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	426: "Upgrade Required",
	500: "Internal Server Error",
}
