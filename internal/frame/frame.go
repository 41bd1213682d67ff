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

// Package frame implements the wire-level WebSocket frame codec (spec
// §4.3): OutputFramer assembles outbound frames (applying masking per the
// framer's role and, for a payload the caller has already compressed, the
// permessage-deflate RSV1 bit);
// InputFramer is an incremental byte-driven decoder that reassembles
// fragmented messages and validates masking direction, reserved bits, and
// control-frame constraints, emitting a discriminated Frame for each
// complete unit (message, ping, pong, close, or protocol error).
//
// Grounded on the teacher's wsRead/wsReadInfo/wsGet/unmask/wsFillFrameHeader
// /wsCreateFrameHeader state machine in server/websocket.go, generalized
// from a server-only decoder (which always expects a masked peer frame)
// into one parameterized by Role so it can run as either side.
package frame

// Kind discriminates the decoded unit InputFramer emits (spec §3's
// discriminated frame union: text/binary/close/ping/pong/protocol-error/
// message-too-big). These are internal to the endpoint controller; nothing
// here is transport wire format.
type Kind int

const (
	KindText Kind = iota
	KindBinary
	KindClose
	KindPing
	KindPong
	KindProtocolError
	KindMessageTooBig
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindBinary:
		return "binary"
	case KindClose:
		return "close"
	case KindPing:
		return "ping"
	case KindPong:
		return "pong"
	case KindProtocolError:
		return "protocol-error"
	case KindMessageTooBig:
		return "message-too-big"
	default:
		return "unknown"
	}
}

// Frame is the decoded unit InputFramer hands to its caller. OutputFramer
// does not take a Frame; its Encode* methods take the payload directly.
type Frame struct {
	Kind Kind

	// Text and Binary carry the reassembled, (if negotiated) decompressed
	// message payload for KindText/KindBinary.
	Text   string
	Binary []byte

	// CloseCode and CloseReason are populated for KindClose. HasCloseCode
	// is false when the close frame carried no body at all (a bare close),
	// which is distinct from an absent/zero code.
	HasCloseCode bool
	CloseCode    CloseCode
	CloseReason  string

	// Ping/Pong carry the control frame's application data.
	Ping []byte
	Pong []byte

	// ErrorDetail describes a KindProtocolError or KindMessageTooBig in
	// human-readable form, for logging and for the close reason an
	// endpoint sends in response.
	ErrorDetail string
}
