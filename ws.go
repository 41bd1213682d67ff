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

// Package ws is the public facade over this module's WebSocket endpoint
// core (spec §1–§9): a client/server RFC 6455 implementation with
// permessage-deflate (RFC 7692) support. Application code imports only this
// package; everything under internal/ is an implementation detail reached
// through it, matching how the teacher's server package is the sole import
// for embedders (SPEC_FULL.md §3.11).
package ws

import (
	"context"
	"net"
	"net/url"

	"github.com/wsendpoint/ws/internal/endpoint"
	"github.com/wsendpoint/ws/internal/frame"
	"github.com/wsendpoint/ws/internal/serverfront"
	"github.com/wsendpoint/ws/internal/wserr"
)

// Options configures a client Endpoint (spec §3's Options table).
type Options = endpoint.Options

// DefaultOptions returns the spec's documented client defaults.
func DefaultOptions() Options { return endpoint.DefaultOptions() }

// CompressionMode selects how a single Send chooses whether to compress.
type CompressionMode = endpoint.CompressionMode

const (
	CompressionAuto   = endpoint.CompressionAuto
	CompressionNever  = endpoint.CompressionNever
	CompressionAlways = endpoint.CompressionAlways
)

// CloseCode is a WebSocket close status code (spec §6).
type CloseCode = frame.CloseCode

const (
	CloseNormalClosure       = frame.CloseNormalClosure
	CloseGoingAway           = frame.CloseGoingAway
	CloseProtocolError       = frame.CloseProtocolError
	CloseUnsupportedData     = frame.CloseUnsupportedData
	CloseNoStatusReceived    = frame.CloseNoStatusReceived
	CloseAbnormalClosure     = frame.CloseAbnormalClosure
	CloseInvalidFramePayload = frame.CloseInvalidFramePayload
	ClosePolicyViolation     = frame.ClosePolicyViolation
	CloseMessageTooBig       = frame.CloseMessageTooBig
	CloseMandatoryExtension  = frame.CloseMandatoryExtension
	CloseInternalServerError = frame.CloseInternalServerError
	CloseTLSHandshakeFailure = frame.CloseTLSHandshakeFailure
)

// Event, EventKind, Statistics, Counters, and ErrEndOfEvents mirror the
// endpoint controller's event stream and statistics snapshot (spec §3, §4.7)
// unchanged; they are re-exported here so callers never import internal/.
type (
	Event      = endpoint.Event
	EventKind  = endpoint.EventKind
	Statistics = endpoint.Statistics
	Counters   = endpoint.Counters
)

const (
	EventOpen                      = endpoint.EventOpen
	EventText                      = endpoint.EventText
	EventBinary                    = endpoint.EventBinary
	EventPing                      = endpoint.EventPing
	EventPong                      = endpoint.EventPong
	EventConnectionViability       = endpoint.EventConnectionViability
	EventBetterConnectionAvailable = endpoint.EventBetterConnectionAvailable
	EventClose                     = endpoint.EventClose
)

// ErrEndOfEvents is returned by Endpoint.Next once the final close event
// has been delivered and consumed.
var ErrEndOfEvents = endpoint.ErrEndOfEvents

// Endpoint is one WebSocket connection, client- or server-role (spec §3).
// All methods are safe to call concurrently from different goroutines;
// exactly one goroutine may call Next at a time (spec §5).
type Endpoint struct {
	e *endpoint.Endpoint
}

// Dial validates urlStr (scheme must be ws or wss) and returns a client
// Endpoint in StateInitialized; the transport connects and the opening
// handshake run lazily, on the first Send or the first Next call (spec
// §4.7's "initialized" row).
func Dial(urlStr string, opts Options) (*Endpoint, error) {
	u, err := url.Parse(urlStr)
	if err != nil {
		return nil, wserr.Wrap(wserr.KindInvalidURL, err, "parsing URL")
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, wserr.New(wserr.KindInvalidURLScheme, "unsupported URL scheme %q", u.Scheme)
	}
	return &Endpoint{e: endpoint.NewClient(u, opts)}, nil
}

// SendText enqueues a text application message.
func (ep *Endpoint) SendText(ctx context.Context, text string, mode CompressionMode) bool {
	return ep.e.Send(ctx, frame.KindText, text, nil, mode)
}

// SendBinary enqueues a binary application message.
func (ep *Endpoint) SendBinary(ctx context.Context, data []byte, mode CompressionMode) bool {
	return ep.e.Send(ctx, frame.KindBinary, "", data, mode)
}

// Ping enqueues a ping control frame; data is truncated to 125 bytes.
func (ep *Endpoint) Ping(ctx context.Context, data []byte) bool {
	return ep.e.Send(ctx, frame.KindPing, "", data, CompressionNever)
}

// Pong enqueues an unsolicited pong control frame; data is truncated to
// 125 bytes. Pongs answering an inbound ping are sent automatically when
// Options.AutomaticallyRespondToPings is set; this is for the unsolicited
// case (RFC 6455 §5.5.3 permits pongs that are not replies).
func (ep *Endpoint) Pong(ctx context.Context, data []byte) bool {
	return ep.e.Send(ctx, frame.KindPong, "", data, CompressionNever)
}

// Close starts (or finalizes) a graceful shutdown, defaulting the close code
// to CloseNormalClosure (spec §4.7's close(), spec §8 scenario 1). It blocks
// until the controller has accepted the request, not until the peer's
// closing handshake completes.
func (ep *Endpoint) Close(reason string) {
	ep.e.Close(frame.CloseNormalClosure, true, reason)
}

// CloseWithCode is Close, but sends code on the wire unless it is a
// restricted code (1005/1006/1015), which the controller normalizes to "no
// code" per spec §6.
func (ep *Endpoint) CloseWithCode(code CloseCode, reason string) {
	ep.e.Close(code, true, reason)
}

// SampleStatistics returns a snapshot of the endpoint's counters, zeroing
// them first if reset is true.
func (ep *Endpoint) SampleStatistics(reset bool) Statistics {
	return ep.e.SampleStatistics(reset)
}

// Next blocks for the endpoint's next event (spec §4.7's event iteration).
// It returns ErrEndOfEvents once the close event has been delivered and
// consumed.
func (ep *Endpoint) Next(ctx context.Context) (Event, error) {
	return ep.e.Next(ctx)
}

// ServerOptions configures a Listener (spec §4.8).
type ServerOptions = serverfront.ServerOptions

// Response is a fully custom HTTP response for Request.Respond.
type Response = serverfront.Response

// Request is one parsed HTTP request awaiting resolution by exactly one of
// Respond, RespondPlainText, Redirect, or Upgrade (spec §4.8).
type Request = serverfront.Request

// Listener accepts inbound connections for the server front-end.
type Listener struct {
	l *serverfront.Listener
}

// Listen opens addr and starts accepting connections in the background.
func Listen(addr string, opts ServerOptions) (*Listener, error) {
	l, err := serverfront.Listen(addr, opts)
	if err != nil {
		return nil, err
	}
	return &Listener{l: l}, nil
}

// Accept blocks for the next fully-parsed HTTP request.
func (l *Listener) Accept() (*Request, error) { return l.l.Accept() }

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr { return l.l.Addr() }

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.l.Close() }
