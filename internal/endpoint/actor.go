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
	"time"

	"github.com/wsendpoint/ws/internal/frame"
	"github.com/wsendpoint/ws/internal/permessageDeflate"
	"github.com/wsendpoint/ws/internal/transport"
)

// readEvent is one item the background reader goroutine hands to run: a
// chunk of bytes, or a terminal error (including io.EOF).
type readEvent struct {
	data []byte
	err  error
}

// readLoop is the sole reader of conn; it never touches any field the actor
// goroutine owns, only the channel.
func (e *Endpoint) readLoop(conn transport.Conn, out chan<- readEvent) {
	size := e.opts.ReceiveChunkSize
	if size <= 0 {
		size = 32768
	}
	buf := make([]byte, size)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			out <- readEvent{data: chunk}
		}
		if err != nil {
			out <- readEvent{err: err}
			return
		}
	}
}

// emit delivers ev to the consumer, blocking only as long as it takes to
// fill the buffered event channel (spec §4.7's single in-flight consumer).
func (e *Endpoint) emit(ev Event) {
	e.eventCh <- eventItem{ev: ev}
}

// emitErr delivers a terminal handshake error through the iterator (spec
// §7: errors surface via Next only before open) and ends the stream.
func (e *Endpoint) emitErr(err error) {
	e.eventCh <- eventItem{err: err}
	close(e.eventCh)
}

// windowBitsOrDefault collapses a tri-valued negotiated parameter to a
// concrete DEFLATE window size; absent or empty both mean "use the RFC
// default of 15".
func windowBitsOrDefault(wb permessageDeflate.WindowBits) int {
	if wb.State == permessageDeflate.WindowBitsExplicit {
		return wb.Bits
	}
	return 15
}

// directionContexts resolves which no-context-takeover flag and window
// size govern this endpoint's outbound and inbound directions, since
// RFC 7692's parameter names are from the client's perspective regardless
// of which side is running this codec.
func (e *Endpoint) directionContexts(chosen permessageDeflate.CompressionOffer) (outNoCtx, inNoCtx bool, outBits, inBits int) {
	if e.role == frame.RoleClient {
		return chosen.ClientNoContextTakeover, chosen.ServerNoContextTakeover,
			windowBitsOrDefault(chosen.ClientMaxWindowBits), windowBitsOrDefault(chosen.ServerMaxWindowBits)
	}
	return chosen.ServerNoContextTakeover, chosen.ClientNoContextTakeover,
		windowBitsOrDefault(chosen.ServerMaxWindowBits), windowBitsOrDefault(chosen.ClientMaxWindowBits)
}

// runServerSide drives an already-upgraded connection straight into the
// open state; the server front-end has already completed the handshake.
func (e *Endpoint) runServerSide(conn transport.Conn, subprotocol string, negotiated *permessageDeflate.CompressionOffer, unconsumed []byte) {
	e.openLoop(conn, subprotocol, negotiated, unconsumed, nil, nil)
}

// openLoop is the actor's steady-state body, covering open through closed.
// unconsumed is any bytes that arrived appended to the opening handshake
// response/request and so belong to the first WebSocket frame (spec §4.7's
// "push unconsumed into input framer" action). pendingSends/pendingCloses
// are commands that arrived (and were queued by the connecting-state
// handler) before the handshake finished.
func (e *Endpoint) openLoop(conn transport.Conn, subprotocol string, chosen *permessageDeflate.CompressionOffer, unconsumed []byte, pendingSends []sendCmd, pendingCloses []closeCmd) {
	var deflater *permessageDeflate.Deflater
	var inflater *permessageDeflate.Inflater
	compressionAvailable := chosen != nil

	if compressionAvailable {
		outNoCtx, inNoCtx, outBits, _ := e.directionContexts(*chosen)
		var err error
		deflater, err = permessageDeflate.NewDeflater(outNoCtx, outBits)
		if err != nil {
			e.opts.Logger.Warnf("permessage-deflate: disabling compression, %v", err)
			deflater = nil
			compressionAvailable = false
		} else {
			inflater = permessageDeflate.NewInflater(inNoCtx)
		}
	}

	outFramer := frame.NewOutputFramer(e.role)
	inFramer := frame.NewInputFramer(e.role, e.opts.MaximumIncomingMessagePayloadSize, inflater)

	// Any bytes that rode in on the handshake response/request are the
	// start of the first WebSocket frame; decode them before subscribing
	// to further transport reads so ordering is preserved.
	leadingFrames := inFramer.Feed(unconsumed)

	readCh := make(chan readEvent, 16)
	go e.readLoop(conn, readCh)

	st := &openState{
		conn:       conn,
		outFramer:  outFramer,
		deflater:   deflater,
		compressOK: compressionAvailable,
		state:      StateOpen,
	}

	e.emit(Event{Kind: EventOpen, Subprotocol: subprotocol, CompressionAvailable: compressionAvailable})

	for _, fr := range leadingFrames {
		if e.handleInbound(st, fr) {
			return
		}
	}

	for _, c := range pendingSends {
		ok := e.performSend(st, c)
		c.result <- ok
	}
	for _, c := range pendingCloses {
		e.beginClose(st, c)
		c.result <- struct{}{}
	}
	if st.state == StateClosed {
		return
	}

	for {
		var timerCh <-chan time.Time
		if st.closingTimer != nil {
			timerCh = st.closingTimer.C
		}
		select {
		case cmd := <-e.cmdCh:
			switch c := cmd.(type) {
			case sendCmd:
				if st.state != StateOpen {
					c.result <- false
					continue
				}
				c.result <- e.performSend(st, c)
			case closeCmd:
				if st.state == StateClosing || st.state == StateClosed {
					c.result <- struct{}{}
					continue
				}
				e.beginClose(st, c)
				c.result <- struct{}{}
				if st.state == StateClosed {
					return
				}
			case statsCmd:
				snap := st.stats
				c.result <- snap
				if c.reset {
					st.stats = Statistics{}
				}
			}

		case re := <-readCh:
			if len(re.data) > 0 {
				for _, fr := range inFramer.Feed(re.data) {
					if e.handleInbound(st, fr) {
						return
					}
				}
			}
			if re.err != nil {
				// The peer went away before completing the closing
				// handshake (spec §4.7: transport EOF before close frame).
				if !st.receivedClose {
					st.finalHasCode, st.finalCode = true, frame.CloseAbnormalClosure
					st.finalReason = "connection closed unexpectedly"
				}
				e.finish(st, false)
				return
			}

		case <-timerCh:
			e.finish(st, false)
			return
		}
	}
}

// openState is the mutable state owned exclusively by the actor goroutine
// once a connection has reached (or started toward) open.
type openState struct {
	conn       transport.Conn
	outFramer  *frame.OutputFramer
	deflater   *permessageDeflate.Deflater
	compressOK bool

	state State
	stats Statistics

	sentClose     bool
	receivedClose bool
	finalHasCode  bool
	finalCode     frame.CloseCode
	finalReason   string

	closingTimer *time.Timer
}

// shouldCompress decides whether one outbound message should be deflated,
// honoring the caller's explicit mode and the configured auto-compression
// size range (spec §4.4/§4.7).
func (e *Endpoint) shouldCompress(st *openState, mode CompressionMode, payloadLen int) bool {
	if !st.compressOK || st.deflater == nil {
		return false
	}
	switch mode {
	case CompressionAlways:
		return true
	case CompressionNever:
		return false
	default:
		if payloadLen < e.opts.AutoCompressionRangeMin {
			return false
		}
		if e.opts.AutoCompressionRangeMax > 0 && payloadLen > e.opts.AutoCompressionRangeMax {
			return false
		}
		return true
	}
}

func (e *Endpoint) performSend(st *openState, c sendCmd) bool {
	switch c.kind {
	case frame.KindText:
		payload := []byte(c.text)
		compressed := e.shouldCompress(st, c.mode, len(payload))
		if compressed {
			out, err := st.deflater.Compress(payload)
			if err != nil {
				e.opts.Logger.Errorf("permessage-deflate: compress failed, sending uncompressed: %v", err)
				compressed = false
			} else {
				st.stats.Output.CompressedMessages++
				st.stats.Output.CompressedBytes += uint64(len(out))
				st.stats.Output.BytesSaved += int64(len(payload) - len(out))
				payload = out
			}
		}
		bufs, err := st.outFramer.EncodeText(payload, compressed)
		if err != nil {
			return false
		}
		if _, err := st.conn.Write(bufs); err != nil {
			return false
		}
		st.stats.Output.TextMessages++
		st.stats.Output.TextBytes += uint64(len(c.text))
		return true

	case frame.KindBinary:
		payload := c.data
		compressed := e.shouldCompress(st, c.mode, len(payload))
		if compressed {
			out, err := st.deflater.Compress(payload)
			if err != nil {
				e.opts.Logger.Errorf("permessage-deflate: compress failed, sending uncompressed: %v", err)
				compressed = false
			} else {
				st.stats.Output.CompressedMessages++
				st.stats.Output.CompressedBytes += uint64(len(out))
				st.stats.Output.BytesSaved += int64(len(payload) - len(out))
				payload = out
			}
		}
		bufs, err := st.outFramer.EncodeBinary(payload, compressed)
		if err != nil {
			return false
		}
		if _, err := st.conn.Write(bufs); err != nil {
			return false
		}
		st.stats.Output.BinaryMessages++
		st.stats.Output.BinaryBytes += uint64(len(c.data))
		return true

	case frame.KindPing:
		bufs, err := st.outFramer.EncodePing(c.data)
		if err != nil {
			return false
		}
		if _, err := st.conn.Write(bufs); err != nil {
			return false
		}
		st.stats.Output.ControlFrames++
		return true

	case frame.KindPong:
		bufs, err := st.outFramer.EncodePong(c.data)
		if err != nil {
			return false
		}
		if _, err := st.conn.Write(bufs); err != nil {
			return false
		}
		st.stats.Output.ControlFrames++
		return true
	}
	return false
}

// beginClose sends our close frame and starts the closing handshake timer,
// or finishes at once if the peer's close frame has already arrived. It runs
// only on an open connection; a close() from initialized is handled by
// awaitStart without reaching here.
func (e *Endpoint) beginClose(st *openState, c closeCmd) {
	code, hasCode, reason := c.code, c.hasCode, c.reason
	if hasCode && code.Restricted() {
		hasCode = false
	}
	bufs, err := st.outFramer.EncodeClose(hasCode, code, reason)
	if err == nil {
		st.conn.Write(bufs)
	}
	st.sentClose = true
	st.finalHasCode, st.finalCode, st.finalReason = hasCode, code, reason
	st.stats.Output.ControlFrames++

	if st.receivedClose {
		e.finish(st, true)
		return
	}
	st.state = StateClosing
	st.closingTimer = time.NewTimer(e.opts.ClosingHandshakeTimeout)
}

// handleInbound folds one decoded frame into the actor's state, returning
// true once the connection has reached StateClosed (the loop must stop).
func (e *Endpoint) handleInbound(st *openState, fr frame.Frame) bool {
	switch fr.Kind {
	case frame.KindText:
		st.stats.Input.TextMessages++
		st.stats.Input.TextBytes += uint64(len(fr.Text))
		e.emit(Event{Kind: EventText, Text: fr.Text})
		return false

	case frame.KindBinary:
		st.stats.Input.BinaryMessages++
		st.stats.Input.BinaryBytes += uint64(len(fr.Binary))
		e.emit(Event{Kind: EventBinary, Binary: fr.Binary})
		return false

	case frame.KindPing:
		st.stats.Input.ControlFrames++
		e.emit(Event{Kind: EventPing, Ping: fr.Ping})
		if e.opts.AutomaticallyRespondToPings && st.state == StateOpen {
			if bufs, err := st.outFramer.EncodePong(fr.Ping); err == nil {
				st.conn.Write(bufs)
				st.stats.Output.ControlFrames++
			}
		}
		return false

	case frame.KindPong:
		st.stats.Input.ControlFrames++
		e.emit(Event{Kind: EventPong, Pong: fr.Pong})
		return false

	case frame.KindClose:
		st.stats.Input.ControlFrames++
		st.receivedClose = true
		if !st.sentClose {
			mirror, _ := st.outFramer.EncodeClose(fr.HasCloseCode, fr.CloseCode, "")
			st.conn.Write(mirror)
			st.sentClose = true
			st.stats.Output.ControlFrames++
			st.finalHasCode, st.finalCode, st.finalReason = fr.HasCloseCode, fr.CloseCode, ""
		}
		e.finish(st, st.sentClose && st.receivedClose)
		return true

	case frame.KindProtocolError:
		e.closeWithError(st, frame.CloseProtocolError, fr.ErrorDetail)
		return true

	case frame.KindMessageTooBig:
		e.closeWithError(st, frame.CloseMessageTooBig, fr.ErrorDetail)
		return true
	}
	return false
}

func (e *Endpoint) closeWithError(st *openState, code frame.CloseCode, reason string) {
	if !st.sentClose {
		if bufs, err := st.outFramer.EncodeClose(true, code, reason); err == nil {
			st.conn.Write(bufs)
			st.sentClose = true
		}
	}
	st.finalHasCode, st.finalCode, st.finalReason = true, code, reason
	e.finish(st, false)
}

// finish tears down the connection and delivers the terminal close event.
func (e *Endpoint) finish(st *openState, wasClean bool) {
	if st.closingTimer != nil {
		st.closingTimer.Stop()
	}
	st.state = StateClosed
	st.conn.Close()
	e.emit(Event{
		Kind:         EventClose,
		HasCloseCode: st.finalHasCode,
		CloseCode:    st.finalCode,
		CloseReason:  st.finalReason,
		WasClean:     wasClean,
	})
	close(e.eventCh)
}
