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

// Package endpoint implements the per-connection event/lifetime controller
// (spec §4.7): a single-owner actor that sequences connect → handshake →
// open → frame I/O → close, parks early senders until open, runs the
// opening/closing handshake timers, and turns frame-codec events into a
// single linearized application event stream.
//
// Grounded on the teacher's client actor in server/websocket.go (the
// wsEnqueueControlMessage / wsCollapsePtoNB / wsRead trio, all serialized
// under one client's lock), generalized per design note §9 option (a) —
// "single-threaded task + multi-producer channel" — into a standalone
// goroutine reached only through buffered command channels, since this
// library has no pre-existing connection actor to piggyback state onto the
// way nats-server's client does.
package endpoint

import (
	"context"
	"io"
	"net/url"
	"time"

	"github.com/wsendpoint/ws/internal/frame"
	"github.com/wsendpoint/ws/internal/permessageDeflate"
	"github.com/wsendpoint/ws/internal/transport"
	"github.com/wsendpoint/ws/internal/wslog"
)

// State is the endpoint's ready-state (spec §3).
type State int

const (
	StateInitialized State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CompressionMode selects how a single send chooses whether to compress.
type CompressionMode int

const (
	CompressionAuto CompressionMode = iota
	CompressionNever
	CompressionAlways
)

// Options configures an Endpoint (spec §3's Options table).
type Options struct {
	Subprotocols                      []string
	AutomaticallyRespondToPings       bool
	MaximumRedirects                  int
	OpeningHandshakeTimeout           time.Duration
	ClosingHandshakeTimeout           time.Duration
	EnableFastOpen                    bool
	MaximumIncomingMessagePayloadSize uint64 // 0 = unlimited
	ReceiveChunkSize                  int
	ExtraHeaders                      map[string][]string
	EnableCompression                 bool
	AutoCompressionRangeMin           int
	AutoCompressionRangeMax           int // 0 = unlimited

	Logger wslog.Logger
}

// DefaultOptions returns the spec's documented defaults.
func DefaultOptions() Options {
	return Options{
		AutomaticallyRespondToPings: true,
		MaximumRedirects:            5,
		OpeningHandshakeTimeout:     30 * time.Second,
		ClosingHandshakeTimeout:     30 * time.Second,
		ReceiveChunkSize:            32768,
		EnableCompression:           true,
		AutoCompressionRangeMin:     8,
		Logger:                      wslog.NopLogger{},
	}
}

// EventKind discriminates one item from the endpoint's event stream.
type EventKind int

const (
	EventOpen EventKind = iota
	EventText
	EventBinary
	EventPing
	EventPong
	EventConnectionViability
	EventBetterConnectionAvailable
	EventClose
)

// Event is one item the application-facing iterator yields.
type Event struct {
	Kind EventKind

	// EventOpen.
	Subprotocol          string
	CompressionAvailable bool

	// EventText / EventBinary.
	Text   string
	Binary []byte

	// EventPing / EventPong.
	Ping []byte
	Pong []byte

	// EventConnectionViability / EventBetterConnectionAvailable.
	Viable bool

	// EventClose.
	HasCloseCode bool
	CloseCode    frame.CloseCode
	CloseReason  string
	WasClean     bool
}

// Counters is one direction's statistics (spec §3's Statistics).
type Counters struct {
	ControlFrames      uint64
	TextMessages       uint64
	BinaryMessages     uint64
	TextBytes          uint64
	BinaryBytes        uint64
	CompressedMessages uint64
	CompressedBytes    uint64
	BytesSaved         int64
}

// Statistics is a snapshot of both directions' counters.
type Statistics struct {
	Input  Counters
	Output Counters
}

// ErrEndOfEvents is returned by Next once the final close event has been
// delivered and consumed.
var ErrEndOfEvents = io.EOF

// Endpoint is one WebSocket connection's controller. All exported methods
// are safe to call concurrently; they communicate with the single actor
// goroutine via buffered channels and then wait for the actor's reply, so a
// Send returns only after the actor has written the frame to the transport
// (or, before open, after the handshake has resolved).
type Endpoint struct {
	role frame.Role
	opts Options

	cmdCh   chan interface{}
	eventCh chan eventItem

	// startCh fires the lazy connect for a client endpoint (spec §4.7:
	// "initialized | first send or first next() | connecting"). Next
	// signals it non-blockingly on every call; nil (the zero value) for a
	// server-side endpoint, which is already open and never reads it.
	startCh chan struct{}
}

type eventItem struct {
	ev  Event
	err error
}

type sendCmd struct {
	kind   frame.Kind // KindText, KindBinary, KindPing, or KindPong
	text   string
	data   []byte
	mode   CompressionMode
	result chan bool
}

type closeCmd struct {
	hasCode bool
	code    frame.CloseCode
	reason  string
	result  chan struct{}
}

type statsCmd struct {
	reset  bool
	result chan Statistics
}

// NewClient creates a client endpoint targeting u ("ws"/"wss"). The actor
// goroutine starts immediately in StateInitialized, but it dials nothing:
// the transport connects and the handshake runs only once the first Send or
// the first Next call signals startCh.
func NewClient(u *url.URL, opts Options) *Endpoint {
	e := &Endpoint{
		role:    frame.RoleClient,
		opts:    opts,
		cmdCh:   make(chan interface{}, 256),
		eventCh: make(chan eventItem, 256),
		startCh: make(chan struct{}, 1),
	}
	go e.runClient(u)
	return e
}

// NewServerSide wraps an already-upgraded connection as an open server-role
// endpoint; the server front-end calls this after a successful handshake.
// unconsumed is any bytes that arrived appended to the client's request
// (the start of its first WebSocket frame).
func NewServerSide(conn transport.Conn, opts Options, subprotocol string, negotiated *permessageDeflate.CompressionOffer, unconsumed []byte) *Endpoint {
	e := &Endpoint{
		role:    frame.RoleServer,
		opts:    opts,
		cmdCh:   make(chan interface{}, 256),
		eventCh: make(chan eventItem, 256),
	}
	go e.runServerSide(conn, subprotocol, negotiated, unconsumed)
	return e
}

// Send enqueues a text or binary application message. It returns false
// without effect if the endpoint is closing or closed.
func (e *Endpoint) Send(ctx context.Context, kind frame.Kind, text string, data []byte, mode CompressionMode) bool {
	cmd := sendCmd{kind: kind, text: text, data: data, mode: mode, result: make(chan bool, 1)}
	select {
	case e.cmdCh <- cmd:
	case <-ctx.Done():
		return false
	}
	select {
	case ok := <-cmd.result:
		return ok
	case <-ctx.Done():
		return false
	}
}

// Close requests a graceful (or, from initialized, immediate) shutdown.
// Restricted close codes are normalized to "no code" by the actor.
func (e *Endpoint) Close(code frame.CloseCode, hasCode bool, reason string) {
	cmd := closeCmd{hasCode: hasCode, code: code, reason: reason, result: make(chan struct{}, 1)}
	e.cmdCh <- cmd
	<-cmd.result
}

// SampleStatistics returns a snapshot of the endpoint's counters, zeroing
// them first if reset is true.
func (e *Endpoint) SampleStatistics(reset bool) Statistics {
	cmd := statsCmd{reset: reset, result: make(chan Statistics, 1)}
	e.cmdCh <- cmd
	return <-cmd.result
}

// Next blocks for the next event. It returns ErrEndOfEvents once the
// stream has ended (after the close event has been delivered), or a
// *wserr.Error if the opening handshake failed before open was ever
// reached (spec §7: handshake errors surface only via the iterator).
func (e *Endpoint) Next(ctx context.Context) (Event, error) {
	select {
	case e.startCh <- struct{}{}:
	default:
	}
	select {
	case it, ok := <-e.eventCh:
		if !ok {
			return Event{}, ErrEndOfEvents
		}
		return it.ev, it.err
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}
