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

// Package transport defines the byte-pipe collaborator the endpoint
// controller drives (spec §1's "out of scope, named only by interface"):
// something that can connect, emit received bytes, emit a disconnect, and
// accept outbound byte buffers for write, with best-effort cancellation.
// The one concrete implementation wraps net.Conn (optionally under TLS),
// grounded on the teacher's direct net.Listen/tls.Listen use in
// server/websocket.go's srvWebsocket and on daabr-chrome-vision's
// net.Dialer{Timeout: ...} client dial path.
package transport

import (
	"context"
	"crypto/tls"
	"net"
	"net/url"
	"time"

	"github.com/wsendpoint/ws/internal/wserr"
)

// Conn is the byte-pipe abstraction the endpoint controller uses. It never
// interprets WebSocket framing; it only moves bytes and reports liveness.
type Conn interface {
	// Read blocks until at least one byte is available, the deadline set
	// by SetReadDeadline elapses, or the connection is closed.
	Read(p []byte) (int, error)
	// Write writes the full contents of bufs; see net.Buffers.WriteTo.
	Write(bufs net.Buffers) (int64, error)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	Close() error
}

// netConn adapts a net.Conn (plain or TLS-wrapped) to Conn.
type netConn struct {
	nc net.Conn
}

func wrap(nc net.Conn) Conn { return &netConn{nc: nc} }

func (c *netConn) Read(p []byte) (int, error) { return c.nc.Read(p) }

func (c *netConn) Write(bufs net.Buffers) (int64, error) { return bufs.WriteTo(c.nc) }

func (c *netConn) SetReadDeadline(t time.Time) error  { return c.nc.SetReadDeadline(t) }
func (c *netConn) SetWriteDeadline(t time.Time) error { return c.nc.SetWriteDeadline(t) }
func (c *netConn) LocalAddr() net.Addr                { return c.nc.LocalAddr() }
func (c *netConn) RemoteAddr() net.Addr               { return c.nc.RemoteAddr() }
func (c *netConn) Close() error                       { return c.nc.Close() }

// DialOptions configures Dial.
type DialOptions struct {
	// Timeout bounds the TCP connect (and, for wss, the TLS handshake).
	Timeout time.Duration
	// TLSConfig is used for wss:// targets; a nil value means
	// &tls.Config{ServerName: host}.
	TLSConfig *tls.Config
}

// Dial opens the underlying TCP (or TLS) connection named by u, which must
// have scheme "ws" or "wss". It does not perform the WebSocket opening
// handshake; that is internal/clienths's job, layered on top of the
// returned Conn.
func Dial(ctx context.Context, u *url.URL, opts DialOptions) (Conn, error) {
	host := u.Hostname()
	port := u.Port()

	var secure bool
	switch u.Scheme {
	case "ws":
		secure = false
		if port == "" {
			port = "80"
		}
	case "wss":
		secure = true
		if port == "" {
			port = "443"
		}
	default:
		return nil, wserr.New(wserr.KindInvalidURLScheme, "unsupported URL scheme %q", u.Scheme)
	}

	d := net.Dialer{Timeout: opts.Timeout}
	nc, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		if ctx.Err() != nil {
			return nil, wserr.Wrap(wserr.KindCanceled, err, "dial canceled")
		}
		return nil, wserr.Wrap(wserr.KindConnectionFailed, err, "tcp dial failed")
	}

	if !secure {
		return wrap(nc), nil
	}

	cfg := opts.TLSConfig
	if cfg == nil {
		cfg = &tls.Config{ServerName: host}
	} else if cfg.ServerName == "" {
		cfg = cfg.Clone()
		cfg.ServerName = host
	}
	tc := tls.Client(nc, cfg)
	if opts.Timeout > 0 {
		_ = tc.SetDeadline(time.Now().Add(opts.Timeout))
	}
	if err := tc.HandshakeContext(ctx); err != nil {
		nc.Close()
		return nil, wserr.Wrap(wserr.KindTLSFailed, err, "tls handshake failed")
	}
	if opts.Timeout > 0 {
		_ = tc.SetDeadline(time.Time{})
	}
	return wrap(tc), nil
}

// Listener accepts inbound connections for the server front-end. It wraps
// net.Listener the same way Conn wraps net.Conn, and optionally terminates
// TLS itself (with a nil tls.Config it accepts plain TCP, e.g. behind a
// reverse proxy that terminates TLS).
type Listener struct {
	ln  net.Listener
	tls *tls.Config
}

// Listen opens a TCP listener on addr. If tlsConfig is non-nil, accepted
// connections are TLS-wrapped before being handed back from Accept.
func Listen(addr string, tlsConfig *tls.Config) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, wserr.Wrap(wserr.KindConnectionFailed, err, "listen failed")
	}
	return &Listener{ln: ln, tls: tlsConfig}, nil
}

// Accept blocks for the next inbound connection.
func (l *Listener) Accept() (Conn, error) {
	nc, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	if l.tls == nil {
		return wrap(nc), nil
	}
	return wrap(tls.Server(nc, l.tls)), nil
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ln.Close() }
