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

// Package serverfront implements the server front-end (spec §4.8): it
// accepts connections, drives the HTTP request codec per connection, and
// hands the application a Request collaborator that must be resolved by
// exactly one of Respond/RespondPlainText/Redirect/Upgrade. Grounded on the
// teacher's startWebsocketServer/wsUpgrade pairing in server/websocket.go,
// generalized from "always upgrade, auth-checked inline" into the spec's
// explicit request/response/upgrade resolution object, and on design note
// §9's registry+handle guidance for reclaim-on-drop.
package serverfront

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/wsendpoint/ws/internal/endpoint"
	"github.com/wsendpoint/ws/internal/httpmsg"
	"github.com/wsendpoint/ws/internal/permessageDeflate"
	"github.com/wsendpoint/ws/internal/serverhs"
	"github.com/wsendpoint/ws/internal/transport"
	"github.com/wsendpoint/ws/internal/wserr"
	"github.com/wsendpoint/ws/internal/wslog"
)

// ServerOptions configures a Listener.
type ServerOptions struct {
	TLSConfig *tls.Config

	// MaxConnectionsPerSecond bounds how fast new raw connections are
	// accepted (0 = unlimited); AcceptBurst is the bucket's capacity.
	MaxConnectionsPerSecond int
	AcceptBurst             int

	ReceiveChunkSize int
	Logger           wslog.Logger
}

func (o ServerOptions) withDefaults() ServerOptions {
	if o.ReceiveChunkSize <= 0 {
		o.ReceiveChunkSize = 32768
	}
	if o.AcceptBurst <= 0 {
		o.AcceptBurst = 16
	}
	if o.Logger == nil {
		o.Logger = wslog.NopLogger{}
	}
	return o
}

// Listener accepts inbound connections and turns each into a Request once
// its HTTP request has been fully parsed.
type Listener struct {
	tln  *transport.Listener
	opts ServerOptions

	reqCh chan *Request
	errCh chan error
}

// Listen opens addr and starts the rate-limited accept loop in the
// background.
func Listen(addr string, opts ServerOptions) (*Listener, error) {
	opts = opts.withDefaults()
	tln, err := transport.Listen(addr, opts.TLSConfig)
	if err != nil {
		return nil, err
	}
	l := &Listener{
		tln:   tln,
		opts:  opts,
		reqCh: make(chan *Request, 64),
		errCh: make(chan error, 1),
	}
	go l.acceptLoop()
	return l, nil
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr { return l.tln.Addr() }

// Close stops accepting new connections. Connections already mid-handshake
// are unaffected; pending Requests still in the channel remain valid.
func (l *Listener) Close() error { return l.tln.Close() }

// Accept blocks for the next fully-parsed HTTP request. It returns the
// listener's terminal accept error (e.g. after Close) once the accept loop
// has stopped and no more requests are buffered.
func (l *Listener) Accept() (*Request, error) {
	req, ok := <-l.reqCh
	if !ok {
		return nil, <-l.errCh
	}
	return req, nil
}

// acceptLoop is the Listener's private accept goroutine: a token-bucket
// rate limiter (SPEC_FULL.md §3.8 — no retrieved example imports a rate
// limiting library, so this is a small stdlib time.Ticker-driven bucket)
// gates how fast raw connections are admitted, then each connection gets
// its own goroutine to drive the HTTP request parser.
func (l *Listener) acceptLoop() {
	var bucket *tokenBucket
	if l.opts.MaxConnectionsPerSecond > 0 {
		bucket = newTokenBucket(l.opts.MaxConnectionsPerSecond, l.opts.AcceptBurst)
		defer bucket.stop()
	}
	for {
		if bucket != nil {
			bucket.take()
		}
		conn, err := l.tln.Accept()
		if err != nil {
			l.errCh <- err
			close(l.reqCh)
			return
		}
		go l.handleConn(conn)
	}
}

// handleConn drives one connection's HTTP request parser to completion (or
// failure), emitting exactly one Request on success.
func (l *Listener) handleConn(conn transport.Conn) {
	parser := httpmsg.NewRequestParser()
	buf := make([]byte, l.opts.ReceiveChunkSize)
	for {
		n, rerr := conn.Read(buf)
		if n > 0 {
			parser.Feed(buf[:n])
		}
		if rerr != nil {
			parser.FeedEOF()
		}
		res, msg, unconsumed, perr := parser.Parse()
		if perr != nil {
			l.rejectAndClose(conn, 400, "malformed HTTP request")
			return
		}
		switch res {
		case httpmsg.Incomplete:
			if rerr != nil {
				conn.Close()
				return
			}
			continue
		case httpmsg.Invalid:
			l.rejectAndClose(conn, 400, "malformed HTTP request")
			return
		default: // httpmsg.Complete
			req := l.buildRequest(conn, msg, unconsumed)
			l.reqCh <- req
			return
		}
	}
}

func (l *Listener) rejectAndClose(conn transport.Conn, status int, reason string) {
	if raw, err := serverhs.BuildPlainTextResponse(status, reason); err == nil {
		conn.Write(net.Buffers{raw})
	}
	conn.Close()
}

// Request is one parsed HTTP request awaiting resolution (spec §4.8). The
// application must call exactly one of Respond, RespondPlainText, Redirect,
// or Upgrade; a Request that is garbage-collected unresolved reclaims and
// closes its connection (design note §9's registry+handle pattern, realized
// here as a GC finalizer rather than a two-way strong reference between
// Request and Listener).
type Request struct {
	Method       string
	Path         string
	Query        string
	Host         string
	Header       map[string][]string
	ContentType  string
	Body         []byte
	WantsUpgrade bool
	Subprotocols []string
	RemoteAddr   string

	conn       transport.Conn
	msg        *httpmsg.Message
	unconsumed []byte
	resolved   int32
}

func (l *Listener) buildRequest(conn transport.Conn, msg *httpmsg.Message, unconsumed []byte) *Request {
	path, query := msg.Target, ""
	if u, err := url.ParseRequestURI(msg.Target); err == nil {
		path, query = u.Path, u.RawQuery
	}
	req := &Request{
		Method:       msg.Method,
		Path:         path,
		Query:        query,
		Host:         msg.Header.Get("Host"),
		Header:       msg.Header.AsMap(),
		ContentType:  msg.Header.Get("Content-Type"),
		Body:         msg.Body,
		WantsUpgrade: msg.Header.ContainsToken("Upgrade", "websocket"),
		Subprotocols: serverhs.RequestedSubprotocols(msg),
		RemoteAddr:   conn.RemoteAddr().String(),
		conn:         conn,
		msg:          msg,
		unconsumed:   unconsumed,
	}
	runtime.SetFinalizer(req, reclaimUnresolvedRequest)
	return req
}

func reclaimUnresolvedRequest(r *Request) {
	if atomic.LoadInt32(&r.resolved) == 0 {
		r.conn.Close()
	}
}

var errAlreadyResolved = fmt.Errorf("serverfront: request already resolved")

func (r *Request) claim() error {
	if !atomic.CompareAndSwapInt32(&r.resolved, 0, 1) {
		return errAlreadyResolved
	}
	return nil
}

// Response is an application-composed HTTP response for Respond.
type Response struct {
	StatusCode  int
	Header      map[string][]string
	ContentType string
	Body        []byte
}

// Respond sends a fully custom HTTP response and closes the connection.
func (r *Request) Respond(resp Response) error {
	if err := r.claim(); err != nil {
		return err
	}
	defer r.conn.Close()
	out := &httpmsg.Message{
		StatusCode: resp.StatusCode,
		Version:    "HTTP/1.1",
		Header:     httpmsg.NewHeader(),
		Body:       resp.Body,
	}
	for name, values := range resp.Header {
		for _, v := range values {
			out.Header.Add(name, v)
		}
	}
	if resp.ContentType != "" {
		out.Header.Set("Content-Type", resp.ContentType)
	}
	out.Header.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	raw, err := out.Encode()
	if err != nil {
		return err
	}
	_, err = r.conn.Write(net.Buffers{raw})
	return err
}

// RespondPlainText sends a plain-text HTTP response and closes the
// connection.
func (r *Request) RespondPlainText(status int, text string) error {
	if err := r.claim(); err != nil {
		return err
	}
	defer r.conn.Close()
	raw, err := serverhs.BuildPlainTextResponse(status, text)
	if err != nil {
		return err
	}
	_, err = r.conn.Write(net.Buffers{raw})
	return err
}

// Redirect sends a 3xx response with the given Location and closes the
// connection.
func (r *Request) Redirect(location string, status int) error {
	if err := r.claim(); err != nil {
		return err
	}
	defer r.conn.Close()
	out := &httpmsg.Message{StatusCode: status, Version: "HTTP/1.1", Header: httpmsg.NewHeader()}
	out.Header.Set("Location", location)
	out.Header.Set("Content-Length", "0")
	raw, err := out.Encode()
	if err != nil {
		return err
	}
	_, err = r.conn.Write(net.Buffers{raw})
	return err
}

// Upgrade validates the request as a WebSocket handshake (spec §4.6),
// responds 101 (or, on a failed validation, a descriptive 4xx and closes),
// and returns a fully open server-role Endpoint. subprotocol must be one
// r.Subprotocols offered, or "" to not negotiate one; otherwise the
// connection is closed without any response. extraHeaders are appended to the 101
// response (forbidden names dropped, as for the client's extra_headers).
func (r *Request) Upgrade(subprotocol string, extraHeaders map[string][]string, opts endpoint.Options) (*endpoint.Endpoint, error) {
	if err := r.claim(); err != nil {
		return nil, err
	}

	key, offers, rej := serverhs.Validate(r.msg)
	if rej != nil {
		l := opts.Logger
		if l == nil {
			l = wslog.NopLogger{}
		}
		l.Warnf("serverfront: rejecting upgrade from %s: %s", r.RemoteAddr, rej.Reason)
		if raw, err := serverhs.BuildRejectionResponse(rej); err == nil {
			r.conn.Write(net.Buffers{raw})
		}
		r.conn.Close()
		return nil, wserr.New(wserr.KindInvalidUpgradeHeader, "%s", rej.Reason)
	}

	if subprotocol != "" && !containsFold(r.Subprotocols, subprotocol) {
		r.conn.Close()
		return nil, wserr.New(wserr.KindSubprotocolMismatch, "subprotocol %q was not offered by the client", subprotocol)
	}

	var chosen *permessageDeflate.CompressionOffer
	if opts.EnableCompression && len(offers) > 0 {
		if resp, ok := permessageDeflate.ServerNegotiate(offers); ok {
			chosen = &resp
		}
	}

	raw, err := serverhs.BuildSwitchingProtocolsResponse(key, subprotocol, chosen, extraHeaders)
	if err != nil {
		r.conn.Close()
		return nil, err
	}
	if _, err := r.conn.Write(net.Buffers{raw}); err != nil {
		r.conn.Close()
		return nil, wserr.Wrap(wserr.KindConnectionFailed, err, "writing upgrade response")
	}

	return endpoint.NewServerSide(r.conn, opts, subprotocol, chosen, r.unconsumed), nil
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

// tokenBucket is a minimal time.Ticker-driven rate limiter gating the
// accept loop (SPEC_FULL.md §3.8).
type tokenBucket struct {
	tokens chan struct{}
	ticker *time.Ticker
	done   chan struct{}
}

func newTokenBucket(perSecond, burst int) *tokenBucket {
	tb := &tokenBucket{
		tokens: make(chan struct{}, burst),
		ticker: time.NewTicker(time.Second / time.Duration(perSecond)),
		done:   make(chan struct{}),
	}
	for i := 0; i < burst; i++ {
		tb.tokens <- struct{}{}
	}
	go tb.refill()
	return tb
}

func (tb *tokenBucket) refill() {
	for {
		select {
		case <-tb.ticker.C:
			select {
			case tb.tokens <- struct{}{}:
			default:
			}
		case <-tb.done:
			return
		}
	}
}

func (tb *tokenBucket) take() { <-tb.tokens }

func (tb *tokenBucket) stop() {
	tb.ticker.Stop()
	close(tb.done)
}
