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

package endpoint

import (
	"context"
	"net"
	"net/url"

	"github.com/wsendpoint/ws/internal/clienths"
	"github.com/wsendpoint/ws/internal/httpmsg"
	"github.com/wsendpoint/ws/internal/permessageDeflate"
	"github.com/wsendpoint/ws/internal/transport"
	"github.com/wsendpoint/ws/internal/wserr"
)

// runClient drives a client endpoint from StateInitialized through the
// opening handshake (including any redirects) to either StateOpen (handing
// off to openLoop) or a terminal handshake error (spec §4.5, §4.7's
// "connecting" row). It is the actor goroutine body for NewClient.
func (e *Endpoint) runClient(u *url.URL) {
	var pendingSends []sendCmd
	var pendingCloses []closeCmd
	if !e.awaitStart(&pendingSends, &pendingCloses) {
		return
	}

	cur := u
	redirects := 0

	for {
		ctx, cancel := context.WithTimeout(context.Background(), e.opts.OpeningHandshakeTimeout)
		result, redirect, conn, err := e.connectAttempt(ctx, cur, &pendingSends, &pendingCloses)
		cancel()

		if err != nil {
			e.failPending(pendingSends, pendingCloses)
			e.emitErr(err)
			return
		}

		if redirect != nil {
			redirects++
			if redirects > e.opts.MaximumRedirects {
				e.failPending(pendingSends, pendingCloses)
				e.emitErr(wserr.New(wserr.KindMaximumRedirectsExceeded, "exceeded %d redirects", e.opts.MaximumRedirects))
				return
			}
			resolved, rerr := clienths.ResolveRedirect(cur, redirect.Location)
			if rerr != nil {
				e.failPending(pendingSends, pendingCloses)
				e.emitErr(rerr)
				return
			}
			// Open questions §9/SPEC_FULL.md §5: extra headers are resent
			// on the redirect target and the parked-send queue is drained
			// across the hop rather than failed, so pendingSends/
			// pendingCloses simply carry forward to the next attempt.
			cur = resolved
			continue
		}

		var chosen *permessageDeflate.CompressionOffer
		if result.CompressionAvailable {
			offer := result.NegotiatedOffer
			chosen = &offer
		}
		e.openLoop(conn, result.Subprotocol, chosen, result.Unconsumed, pendingSends, pendingCloses)
		return
	}
}

// awaitStart blocks in StateInitialized until the first sendCmd arrives or
// Next signals startCh, then returns true to begin connecting. A statsCmd
// arriving meanwhile is answered with a zero snapshot without starting
// anything. A closeCmd arriving meanwhile (close() called before any send
// or next()) resolves immediately and ends the event stream with no events
// at all, per spec §4.7's "initialized | close() | closed" row: there is
// nothing to connect, so nothing to emit.
func (e *Endpoint) awaitStart(pendingSends *[]sendCmd, pendingCloses *[]closeCmd) bool {
	for {
		select {
		case cmd := <-e.cmdCh:
			switch c := cmd.(type) {
			case sendCmd:
				*pendingSends = append(*pendingSends, c)
				return true
			case closeCmd:
				c.result <- struct{}{}
				close(e.eventCh)
				return false
			case statsCmd:
				c.result <- Statistics{}
			}
		case <-e.startCh:
			return true
		}
	}
}

// connectAttempt dials cur, runs one opening-handshake attempt, and drains
// e.cmdCh into *pendingSends/*pendingCloses while waiting, so senders that
// arrive mid-handshake park correctly (spec §4.7: "at most one handshake
// runs; concurrent senders park on a single shared waiting-for-open
// queue"). Exactly one of (result, redirect) is non-nil on a nil error.
func (e *Endpoint) connectAttempt(ctx context.Context, cur *url.URL, pendingSends *[]sendCmd, pendingCloses *[]closeCmd) (*clienths.Result, *clienths.Redirect, transport.Conn, error) {
	conn, err := transport.Dial(ctx, cur, transport.DialOptions{Timeout: e.opts.OpeningHandshakeTimeout})
	if err != nil {
		return nil, nil, nil, err
	}

	att, raw, err := clienths.BuildRequest(clienths.Request{
		URL:              cur,
		Subprotocols:     e.opts.Subprotocols,
		ExtraHeaders:     e.opts.ExtraHeaders,
		OfferCompression: e.opts.EnableCompression,
		CompressionOffer: permessageDeflate.CompressionOffer{},
	})
	if err != nil {
		conn.Close()
		return nil, nil, nil, err
	}
	if _, err := conn.Write(net.Buffers{raw}); err != nil {
		conn.Close()
		return nil, nil, nil, wserr.Wrap(wserr.KindConnectionFailed, err, "writing handshake request")
	}

	parser := httpmsg.NewResponseParser()
	readCh := make(chan readEvent, 16)
	go e.readLoop(conn, readCh)

	for {
		select {
		case cmd := <-e.cmdCh:
			switch c := cmd.(type) {
			case sendCmd:
				*pendingSends = append(*pendingSends, c)
			case closeCmd:
				*pendingCloses = append(*pendingCloses, c)
			case statsCmd:
				c.result <- Statistics{}
			}

		case re := <-readCh:
			if len(re.data) > 0 {
				parser.Feed(re.data)
			}
			if re.err != nil {
				parser.FeedEOF()
			}
			res, msg, unconsumed, perr := parser.Parse()
			if perr != nil {
				conn.Close()
				return nil, nil, nil, wserr.Wrap(wserr.KindInvalidHTTPResponse, perr, "parsing handshake response")
			}
			switch res {
			case httpmsg.Incomplete:
				if re.err != nil {
					conn.Close()
					return nil, nil, nil, wserr.Wrap(wserr.KindUnexpectedDisconnect, re.err, "connection closed during opening handshake")
				}
				continue
			case httpmsg.Invalid:
				conn.Close()
				return nil, nil, nil, wserr.New(wserr.KindInvalidHTTPResponse, "invalid HTTP response")
			default: // httpmsg.Complete
				result, redirect, herr := att.HandleResponse(msg, unconsumed)
				if herr != nil {
					conn.Close()
					return nil, nil, nil, herr
				}
				if redirect != nil {
					conn.Close()
					return nil, redirect, nil, nil
				}
				return result, nil, conn, nil
			}

		case <-ctx.Done():
			conn.Close()
			return nil, nil, nil, wserr.New(wserr.KindTimeout, "opening handshake timed out")
		}
	}
}

// failPending resolves every parked sender/closer with the "no effect"
// outcome once a handshake fails terminally; they observe the failure only
// by the endpoint never reaching open (spec §9's park-until-open note:
// "failures propagate by having subsequent sends observe the terminal
// state, not by throwing").
func (e *Endpoint) failPending(sends []sendCmd, closes []closeCmd) {
	for _, c := range sends {
		c.result <- false
	}
	for _, c := range closes {
		c.result <- struct{}{}
	}
}
