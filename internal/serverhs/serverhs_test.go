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

package serverhs

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wsendpoint/ws/internal/clienths"
	"github.com/wsendpoint/ws/internal/httpmsg"
)

func validRequest() *httpmsg.Message {
	h := httpmsg.NewHeader()
	h.Set("Host", "example.com")
	h.Set("Upgrade", "websocket")
	h.Set("Connection", "upgrade")
	h.Set("Sec-WebSocket-Version", "13")
	h.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	return &httpmsg.Message{IsRequest: true, Method: "GET", Version: "HTTP/1.1", Header: h}
}

func TestValidateAcceptsWellFormedRequest(t *testing.T) {
	key, offers, rej := Validate(validRequest())
	require.Nil(t, rej)
	require.Equal(t, "dGhlIHNhbXBsZSBub25jZQ==", key)
	require.Empty(t, offers)
}

func TestValidateRejectsWrongMethod(t *testing.T) {
	msg := validRequest()
	msg.Method = "POST"
	_, _, rej := Validate(msg)
	require.NotNil(t, rej)
	require.Equal(t, 400, rej.StatusCode)
}

func TestValidateRejectsMissingUpgradeHeader(t *testing.T) {
	msg := validRequest()
	msg.Header.Del("Upgrade")
	_, _, rej := Validate(msg)
	require.NotNil(t, rej)
}

func TestValidateRejectsWrongVersion(t *testing.T) {
	msg := validRequest()
	msg.Header.Set("Sec-WebSocket-Version", "8")
	_, _, rej := Validate(msg)
	require.NotNil(t, rej)
}

func TestValidateRejectsMissingKey(t *testing.T) {
	msg := validRequest()
	msg.Header.Del("Sec-WebSocket-Key")
	_, _, rej := Validate(msg)
	require.NotNil(t, rej)
}

func TestValidateParsesCompressionOffer(t *testing.T) {
	msg := validRequest()
	msg.Header.Set("Sec-WebSocket-Extensions", "permessage-deflate; client_max_window_bits")
	_, offers, rej := Validate(msg)
	require.Nil(t, rej)
	require.Len(t, offers, 1)
}

func TestRequestedSubprotocols(t *testing.T) {
	msg := validRequest()
	msg.Header.Set("Sec-WebSocket-Protocol", "chat, superchat")
	require.Equal(t, []string{"chat", "superchat"}, RequestedSubprotocols(msg))
}

func TestBuildSwitchingProtocolsResponseEchoesAccept(t *testing.T) {
	raw, err := BuildSwitchingProtocolsResponse("dGhlIHNhbXBsZSBub25jZQ==", "chat", nil, nil)
	require.NoError(t, err)
	s := string(raw)
	require.Contains(t, s, "HTTP/1.1 101 Switching Protocols\r\n")
	require.Contains(t, s, "Sec-WebSocket-Accept: "+clienths.ComputeAccept("dGhlIHNhbXBsZSBub25jZQ==")+"\r\n")
	require.Contains(t, s, "Sec-WebSocket-Protocol: chat\r\n")
}

func TestBuildSwitchingProtocolsResponseDropsForbiddenExtraHeader(t *testing.T) {
	raw, err := BuildSwitchingProtocolsResponse("key", "", nil, map[string][]string{
		"Sec-WebSocket-Key": {"smuggled"},
		"X-App-Version":     {"1.2.3"},
	})
	require.NoError(t, err)
	s := string(raw)
	require.Contains(t, s, "X-App-Version: 1.2.3\r\n")
	require.NotContains(t, s, "smuggled")
}

func TestBuildRejectionResponse(t *testing.T) {
	raw, err := BuildRejectionResponse(&Rejection{StatusCode: 400, Reason: "bad request"})
	require.NoError(t, err)
	s := string(raw)
	require.Contains(t, s, "HTTP/1.1 400 Bad Request\r\n")
	require.Contains(t, s, "bad request")
}
