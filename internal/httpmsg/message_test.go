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

package httpmsg

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeRequest(t *testing.T) {
	h := NewHeader()
	h.Set("Host", "example.com")
	h.Set("Upgrade", "websocket")
	h.Set("Connection", "Upgrade")
	h.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	h.Set("Sec-WebSocket-Version", "13")
	msg := &Message{
		IsRequest: true,
		Method:    "GET",
		Target:    "/chat",
		Version:   "HTTP/1.1",
		Header:    h,
	}
	raw, err := msg.Encode()
	require.NoError(t, err)
	s := string(raw)
	require.True(t, strings.HasPrefix(s, "GET /chat HTTP/1.1\r\n"))
	require.Contains(t, s, "Host: example.com\r\n")
	require.Contains(t, s, "Upgrade: websocket\r\n")
	require.True(t, strings.HasSuffix(s, "\r\n\r\n"))
}

func TestEncodeResponseDefaultReason(t *testing.T) {
	msg := &Message{StatusCode: 101, Version: "HTTP/1.1", Header: NewHeader()}
	raw, err := msg.Encode()
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(raw), "HTTP/1.1 101 Switching Protocols\r\n"))
}

func TestEncodeDropsForbiddenExtraHeader(t *testing.T) {
	h := NewHeader()
	h.Set("Sec-WebSocket-Extensions", "permessage-deflate")
	h.Add("X-App-Trace", "abc123")
	msg := &Message{StatusCode: 200, Version: "HTTP/1.1", Header: h}
	raw, err := msg.Encode()
	require.NoError(t, err)
	s := string(raw)
	require.Contains(t, s, "X-App-Trace: abc123\r\n")
	// Sec-* is in fixedHeaderOrder so it is written once, not dropped; but a
	// forbidden name added only as an *extra* header (not fixed) is dropped.
	require.Equal(t, 1, strings.Count(s, "Sec-WebSocket-Extensions:"))
}

func TestEncodeRejectsNonLatin1(t *testing.T) {
	h := NewHeader()
	h.Set("X-Weird", "café☃")
	msg := &Message{StatusCode: 200, Version: "HTTP/1.1", Header: h}
	_, err := msg.Encode()
	require.Error(t, err)
}

func TestParseRequestComplete(t *testing.T) {
	p := NewRequestParser()
	p.Feed([]byte("GET /chat HTTP/1.1\r\nHost: example.com\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\nSec-WebSocket-Version: 13\r\n\r\n"))
	res, msg, unconsumed, err := p.Parse()
	require.NoError(t, err)
	require.Equal(t, Complete, res)
	require.Equal(t, "GET", msg.Method)
	require.Equal(t, "/chat", msg.Target)
	require.Equal(t, "example.com", msg.Header.Get("Host"))
	require.Empty(t, unconsumed)
}

func TestParseRequestWithLeadingFrameBytes(t *testing.T) {
	p := NewRequestParser()
	req := "GET /chat HTTP/1.1\r\nHost: x\r\nSec-WebSocket-Version: 13\r\n\r\n"
	trailing := []byte{0x81, 0x00} // an empty unmasked text frame, for illustration
	p.Feed(append([]byte(req), trailing...))
	res, _, unconsumed, err := p.Parse()
	require.NoError(t, err)
	require.Equal(t, Complete, res)
	require.Equal(t, trailing, unconsumed)
}

func TestParseIncompleteThenComplete(t *testing.T) {
	p := NewRequestParser()
	p.Feed([]byte("GET / HTTP/1.1\r\n"))
	res, _, _, err := p.Parse()
	require.NoError(t, err)
	require.Equal(t, Incomplete, res)

	p.Feed([]byte("Host: x\r\n\r\n"))
	res, msg, _, err := p.Parse()
	require.NoError(t, err)
	require.Equal(t, Complete, res)
	require.Equal(t, "/", msg.Target)
}

func TestParseContentLengthBody(t *testing.T) {
	p := NewResponseParser()
	p.Feed([]byte("HTTP/1.1 400 Bad Request\r\nContent-Length: 5\r\n\r\nhello"))
	res, msg, _, err := p.Parse()
	require.NoError(t, err)
	require.Equal(t, Complete, res)
	require.Equal(t, "hello", string(msg.Body))
}

func TestParseChunkedBody(t *testing.T) {
	p := NewResponseParser()
	p.Feed([]byte("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n0\r\n\r\n"))
	res, msg, _, err := p.Parse()
	require.NoError(t, err)
	require.Equal(t, Complete, res)
	require.Equal(t, "hello", string(msg.Body))
}

func TestParseInvalidStartLine(t *testing.T) {
	p := NewRequestParser()
	p.Feed([]byte("not a request line\r\n\r\n"))
	res, _, _, err := p.Parse()
	require.Equal(t, Invalid, res)
	require.Error(t, err)
}

func TestHeaderForbiddenExtra(t *testing.T) {
	require.True(t, IsForbiddenExtraHeader("Sec-WebSocket-Key"))
	require.True(t, IsForbiddenExtraHeader("Connection"))
	require.True(t, IsForbiddenExtraHeader("Proxy-Authorization"))
	require.False(t, IsForbiddenExtraHeader("X-App-Trace"))
}

func TestHeaderContainsToken(t *testing.T) {
	h := NewHeader()
	h.Set("Connection", "keep-alive, Upgrade")
	require.True(t, h.ContainsToken("Connection", "upgrade"))
	require.False(t, h.ContainsToken("Connection", "close"))
}
