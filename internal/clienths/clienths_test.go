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

package clienths

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wsendpoint/ws/internal/httpmsg"
	"github.com/wsendpoint/ws/internal/permessageDeflate"
)

func TestComputeAcceptMatchesRFCExample(t *testing.T) {
	// RFC 6455 §1.3's worked example.
	got := ComputeAccept("dGhlIHNhbXBsZSBub25jZQ==")
	require.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", got)
}

func TestBuildRequestEncodesExpectedHeaders(t *testing.T) {
	u, err := url.Parse("ws://example.com/chat?x=1")
	require.NoError(t, err)
	att, raw, err := BuildRequest(Request{
		URL:          u,
		Subprotocols: []string{"chat", "superchat"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, att.Key)
	s := string(raw)
	require.Contains(t, s, "GET /chat?x=1 HTTP/1.1\r\n")
	require.Contains(t, s, "Host: example.com\r\n")
	require.Contains(t, s, "Sec-WebSocket-Protocol: chat, superchat\r\n")
	require.Contains(t, s, "Sec-WebSocket-Version: 13\r\n")
}

func TestBuildRequestDropsForbiddenExtraHeader(t *testing.T) {
	u, _ := url.Parse("ws://example.com/")
	_, raw, err := BuildRequest(Request{
		URL: u,
		ExtraHeaders: map[string][]string{
			"Sec-WebSocket-Key": {"attacker-supplied"},
			"X-App-Trace":       {"abc"},
		},
	})
	require.NoError(t, err)
	s := string(raw)
	require.Contains(t, s, "X-App-Trace: abc\r\n")
	require.Equal(t, 1, countOccurrences(s, "Sec-WebSocket-Key:"))
}

func countOccurrences(s, substr string) int {
	count := 0
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			count++
		}
	}
	return count
}

func TestHandleResponseAcceptsValidSwitchingProtocols(t *testing.T) {
	u, _ := url.Parse("ws://example.com/")
	att, _, err := BuildRequest(Request{URL: u})
	require.NoError(t, err)

	h := httpmsg.NewHeader()
	h.Set("Upgrade", "websocket")
	h.Set("Connection", "upgrade")
	h.Set("Sec-WebSocket-Accept", ComputeAccept(att.Key))
	msg := &httpmsg.Message{StatusCode: 101, Header: h}

	result, redirect, err := att.HandleResponse(msg, []byte{0x81, 0x00})
	require.NoError(t, err)
	require.Nil(t, redirect)
	require.Equal(t, []byte{0x81, 0x00}, result.Unconsumed)
}

func TestHandleResponseRejectsKeyMismatch(t *testing.T) {
	u, _ := url.Parse("ws://example.com/")
	att, _, err := BuildRequest(Request{URL: u})
	require.NoError(t, err)

	h := httpmsg.NewHeader()
	h.Set("Upgrade", "websocket")
	h.Set("Connection", "upgrade")
	h.Set("Sec-WebSocket-Accept", "not-the-right-value")
	msg := &httpmsg.Message{StatusCode: 101, Header: h}

	_, _, err = att.HandleResponse(msg, nil)
	require.Error(t, err)
}

func TestHandleResponseRejectsUnofferedSubprotocol(t *testing.T) {
	u, _ := url.Parse("ws://example.com/")
	att, _, err := BuildRequest(Request{URL: u, Subprotocols: []string{"chat"}})
	require.NoError(t, err)

	h := httpmsg.NewHeader()
	h.Set("Upgrade", "websocket")
	h.Set("Connection", "upgrade")
	h.Set("Sec-WebSocket-Accept", ComputeAccept(att.Key))
	h.Set("Sec-WebSocket-Protocol", "not-offered")
	msg := &httpmsg.Message{StatusCode: 101, Header: h}

	_, _, err = att.HandleResponse(msg, nil)
	require.Error(t, err)
}

func TestHandleResponseNegotiatesCompression(t *testing.T) {
	u, _ := url.Parse("ws://example.com/")
	offer := permessageDeflate.CompressionOffer{ClientMaxWindowBits: permessageDeflate.WindowBits{State: permessageDeflate.WindowBitsEmpty}}
	att, _, err := BuildRequest(Request{URL: u, OfferCompression: true, CompressionOffer: offer})
	require.NoError(t, err)

	h := httpmsg.NewHeader()
	h.Set("Upgrade", "websocket")
	h.Set("Connection", "upgrade")
	h.Set("Sec-WebSocket-Accept", ComputeAccept(att.Key))
	chosen := permessageDeflate.CompressionOffer{ClientMaxWindowBits: permessageDeflate.WindowBits{State: permessageDeflate.WindowBitsExplicit, Bits: 10}}
	h.Set("Sec-WebSocket-Extensions", chosen.Format())
	msg := &httpmsg.Message{StatusCode: 101, Header: h}

	result, _, err := att.HandleResponse(msg, nil)
	require.NoError(t, err)
	require.True(t, result.CompressionAvailable)
	require.Equal(t, 10, result.NegotiatedOffer.ClientMaxWindowBits.Bits)
}

func TestHandleResponseRejectsUnofferedCompressionExtension(t *testing.T) {
	u, _ := url.Parse("ws://example.com/")
	att, _, err := BuildRequest(Request{URL: u})
	require.NoError(t, err)

	h := httpmsg.NewHeader()
	h.Set("Upgrade", "websocket")
	h.Set("Connection", "upgrade")
	h.Set("Sec-WebSocket-Accept", ComputeAccept(att.Key))
	h.Set("Sec-WebSocket-Extensions", "permessage-deflate")
	msg := &httpmsg.Message{StatusCode: 101, Header: h}

	_, _, err = att.HandleResponse(msg, nil)
	require.Error(t, err)
}

func TestHandleResponseYieldsRedirect(t *testing.T) {
	u, _ := url.Parse("ws://example.com/")
	att, _, err := BuildRequest(Request{URL: u})
	require.NoError(t, err)

	h := httpmsg.NewHeader()
	h.Set("Location", "ws://other.example.com/chat")
	msg := &httpmsg.Message{StatusCode: 302, Header: h}

	result, redirect, err := att.HandleResponse(msg, nil)
	require.NoError(t, err)
	require.Nil(t, result)
	require.Equal(t, "other.example.com", redirect.Location.Host)
}

func TestHandleResponseRejectsNonUpgradeStatus(t *testing.T) {
	u, _ := url.Parse("ws://example.com/")
	att, _, err := BuildRequest(Request{URL: u})
	require.NoError(t, err)

	msg := &httpmsg.Message{StatusCode: 403, Reason: "Forbidden", Header: httpmsg.NewHeader()}
	_, _, err = att.HandleResponse(msg, nil)
	require.Error(t, err)
}

func TestResolveRedirectRejectsNonWSScheme(t *testing.T) {
	current, _ := url.Parse("ws://example.com/")
	loc, _ := url.Parse("https://example.com/chat")
	_, err := ResolveRedirect(current, loc)
	require.Error(t, err)
}

func TestResolveRedirectAcceptsRelativeWSTarget(t *testing.T) {
	current, _ := url.Parse("ws://example.com/a/")
	loc, _ := url.Parse("/b")
	resolved, err := ResolveRedirect(current, loc)
	require.NoError(t, err)
	require.Equal(t, "ws", resolved.Scheme)
	require.Equal(t, "/b", resolved.Path)
}
