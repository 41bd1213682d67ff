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

package frame

import (
	"encoding/binary"
	"errors"
	"math"
	"unicode/utf8"

	"github.com/wsendpoint/ws/internal/permessageDeflate"
)

var (
	errNoCompressionNegotiated = errors.New("frame: RSV1 set but permessage-deflate was not negotiated")
	errInvalidUTF8             = errors.New("frame: invalid UTF-8 in text message or close reason")
	errUnknownOpcode           = errors.New("frame: unknown control opcode")
	errMalformedClose          = errors.New("frame: close frame with a 1-byte payload")
	errInvalidCloseCode        = errors.New("frame: invalid or reserved close code")
)

// phase is the InputFramer's position within one frame's header/payload,
// resumable across Feed calls since a header can arrive split across
// multiple reads (design note §9: byte-driven, never blocking).
type phase int

const (
	phFirstByte phase = iota
	phSecondByte
	phExtLen
	phMaskKey
	phPayload
)

// InputFramer incrementally decodes a byte stream into Frames, reassembling
// fragmented messages and enforcing RFC 6455's masking-direction and
// control-frame constraints (spec §4.3). One InputFramer decodes inbound
// traffic in a single direction; pair it with a Role naming who is expected
// to mask (RoleServer framers expect client-masked frames, RoleClient
// framers expect unmasked server frames).
//
// Once a KindProtocolError or KindMessageTooBig Frame is emitted the framer
// latches: all further Feed calls return nothing, mirroring the teacher's
// closeConnection-then-ignore behavior in server/websocket.go's wsRead.
type InputFramer struct {
	role           Role
	maxPayload     uint64 // 0 means unlimited
	inflater       *permessageDeflate.Inflater
	negotiatedZlib bool

	buf []byte
	pos int

	phase phase
	fin   bool
	rsv1  bool
	op    Opcode

	len7       byte
	extLenNeed int
	extLenHave int
	extLenBuf  [8]byte

	length  uint64
	maskKey [4]byte

	msgInProgress bool
	msgOp         Opcode // OpText or OpBinary of the first fragment
	msgCompressed bool
	msgBuf        []byte

	latched bool
}

// NewInputFramer returns an InputFramer for the given role. maxPayload
// bounds the reassembled message size (0 = unlimited); inflater is non-nil
// only when permessage-deflate was negotiated for this direction.
func NewInputFramer(role Role, maxPayload uint64, inflater *permessageDeflate.Inflater) *InputFramer {
	return &InputFramer{role: role, maxPayload: maxPayload, inflater: inflater, negotiatedZlib: inflater != nil}
}

// Feed appends newly-received bytes and returns every Frame that became
// decodable as a result, in order. Once a protocol-error/message-too-big
// Frame is returned, Feed returns nil on every subsequent call.
func (f *InputFramer) Feed(data []byte) []Frame {
	if f.latched {
		return nil
	}
	f.buf = append(f.buf, data...)

	var out []Frame
	for {
		fr, progressed, fatal := f.step()
		if fr != nil {
			out = append(out, *fr)
			if fatal {
				f.latched = true
				break
			}
		}
		if !progressed {
			break
		}
	}

	if f.pos > 0 {
		rest := append([]byte(nil), f.buf[f.pos:]...)
		f.buf = rest
		f.pos = 0
	}
	return out
}

// step attempts to make one unit of progress. progressed is false when
// more bytes are required before anything further can happen.
func (f *InputFramer) step() (fr *Frame, progressed bool, fatal bool) {
	switch f.phase {
	case phFirstByte:
		if len(f.buf)-f.pos < 1 {
			return nil, false, false
		}
		b0 := f.buf[f.pos]
		f.pos++
		f.fin = b0&0x80 != 0
		f.rsv1 = b0&0x40 != 0
		rsv2 := b0&0x20 != 0
		rsv3 := b0&0x10 != 0
		f.op = Opcode(b0 & 0x0F)
		if rsv2 || rsv3 || (f.rsv1 && !f.negotiatedZlib) {
			return f.protocolError("reserved bit set without a matching extension"), true, true
		}
		f.phase = phSecondByte
		return nil, true, false

	case phSecondByte:
		if len(f.buf)-f.pos < 1 {
			return nil, false, false
		}
		b1 := f.buf[f.pos]
		f.pos++
		masked := b1&0x80 != 0
		expectMasked := f.role == RoleServer
		if masked != expectMasked {
			if expectMasked {
				return f.protocolError("client frame missing required mask"), true, true
			}
			return f.protocolError("server frame must not be masked"), true, true
		}
		f.len7 = b1 & 0x7F
		switch {
		case f.len7 < 126:
			f.length = uint64(f.len7)
			if fr := f.afterLength(); fr != nil {
				return fr, true, true
			}
		case f.len7 == 126:
			f.extLenNeed, f.extLenHave = 2, 0
			f.phase = phExtLen
		default:
			f.extLenNeed, f.extLenHave = 8, 0
			f.phase = phExtLen
		}
		return nil, true, false

	case phExtLen:
		avail := len(f.buf) - f.pos
		need := f.extLenNeed - f.extLenHave
		if avail < need {
			n := copy(f.extLenBuf[f.extLenHave:f.extLenNeed], f.buf[f.pos:])
			f.extLenHave += n
			f.pos += n
			return nil, n > 0, false
		}
		copy(f.extLenBuf[f.extLenHave:f.extLenNeed], f.buf[f.pos:f.pos+need])
		f.pos += need
		if f.extLenNeed == 2 {
			f.length = uint64(binary.BigEndian.Uint16(f.extLenBuf[:2]))
		} else {
			f.length = binary.BigEndian.Uint64(f.extLenBuf[:8])
			if f.length > math.MaxInt64 {
				return f.protocolError("declared frame length exceeds the platform's maximum signed integer"), true, true
			}
		}
		if fr := f.afterLength(); fr != nil {
			return fr, true, true
		}
		return nil, true, false

	case phMaskKey:
		if len(f.buf)-f.pos < 4 {
			return nil, false, false
		}
		copy(f.maskKey[:], f.buf[f.pos:f.pos+4])
		f.pos += 4
		if check := f.validateHeader(); check != nil {
			return check, true, true
		}
		f.phase = phPayload
		return nil, true, false

	case phPayload:
		n := int(f.length)
		if len(f.buf)-f.pos < n {
			return nil, false, false
		}
		payload := append([]byte(nil), f.buf[f.pos:f.pos+n]...)
		f.pos += n
		if f.role == RoleServer {
			maskInPlace(payload, f.maskKey)
		}
		frm, err := f.completeFrame(payload)
		f.resetHeaderState()
		if err != nil {
			return f.protocolError(err.Error()), true, true
		}
		if frm == nil {
			return nil, true, false // a non-final fragment: consumed, nothing to emit yet
		}
		return frm, true, frm.Kind == KindProtocolError || frm.Kind == KindMessageTooBig
	}
	return nil, false, false
}

// afterLength is reached once the frame length is fully known. A
// RoleServer framer still needs to read the 4-byte mask key, so header
// validation is deferred to the phMaskKey step; a RoleClient framer has no
// mask key to read, so the header is validated immediately here.
func (f *InputFramer) afterLength() *Frame {
	if f.role == RoleServer {
		f.phase = phMaskKey
		return nil
	}
	if fr := f.validateHeader(); fr != nil {
		return fr
	}
	f.phase = phPayload
	return nil
}

// validateHeader runs once the full header (including any mask key) has
// been read, returning a protocol-error Frame if the header is malformed.
// For a RoleClient framer this doubles as the phMaskKey step with no bytes
// to consume.
func (f *InputFramer) validateHeader() *Frame {
	if f.op.IsControl() {
		if f.rsv1 {
			return f.protocolError("RSV1 set on a control frame")
		}
		if f.length > maxControlPayload {
			return f.protocolError("control frame payload exceeds 125 bytes")
		}
		if !f.fin {
			return f.protocolError("control frame must not be fragmented")
		}
	} else {
		switch f.op {
		case OpContinuation:
			if !f.msgInProgress {
				return f.protocolError("continuation frame without a preceding message start")
			}
		case OpText, OpBinary:
			if f.msgInProgress {
				return f.protocolError("new message started before previous one finished")
			}
		default:
			return f.protocolError("unknown opcode")
		}
		if f.rsv1 && f.op == OpContinuation {
			return f.protocolError("RSV1 set on a continuation frame")
		}
	}
	if f.maxPayload > 0 {
		projected := f.length
		if f.msgInProgress {
			projected += uint64(len(f.msgBuf))
		}
		if projected > f.maxPayload {
			return &Frame{Kind: KindMessageTooBig, ErrorDetail: "message exceeds configured maximum payload size"}
		}
	}
	return nil
}

// completeFrame folds one decoded frame (header already validated) into
// either an emitted Frame (control frame, or the final fragment of a
// message) or nil when it was a non-final data fragment.
func (f *InputFramer) completeFrame(payload []byte) (*Frame, error) {
	if f.op.IsControl() {
		return f.completeControlFrame(payload)
	}

	if f.op == OpText || f.op == OpBinary {
		f.msgInProgress = true
		f.msgOp = f.op
		f.msgCompressed = f.rsv1
		f.msgBuf = nil
	}
	f.msgBuf = append(f.msgBuf, payload...)

	if !f.fin {
		return nil, nil
	}

	final := f.msgBuf
	f.msgInProgress = false
	if f.msgCompressed {
		if f.inflater == nil {
			return nil, errNoCompressionNegotiated
		}
		decompressed, err := f.inflater.Decompress(final)
		if err != nil {
			return nil, err
		}
		final = decompressed
	}

	if f.msgOp == OpText {
		if !utf8.Valid(final) {
			return nil, errInvalidUTF8
		}
		return &Frame{Kind: KindText, Text: string(final)}, nil
	}
	return &Frame{Kind: KindBinary, Binary: final}, nil
}

func (f *InputFramer) completeControlFrame(payload []byte) (*Frame, error) {
	switch f.op {
	case OpPing:
		return &Frame{Kind: KindPing, Ping: payload}, nil
	case OpPong:
		return &Frame{Kind: KindPong, Pong: payload}, nil
	case OpClose:
		return f.completeCloseFrame(payload)
	default:
		return nil, errUnknownOpcode
	}
}

func (f *InputFramer) completeCloseFrame(payload []byte) (*Frame, error) {
	if len(payload) == 0 {
		return &Frame{Kind: KindClose}, nil
	}
	if len(payload) == 1 {
		return nil, errMalformedClose
	}
	code := CloseCode(binary.BigEndian.Uint16(payload[:2]))
	reason := payload[2:]
	if !utf8.Valid(reason) {
		return nil, errInvalidUTF8
	}
	if code < 1000 || code > 4999 || code == 1004 || code.Restricted() || (code >= 1016 && code < 3000) {
		return nil, errInvalidCloseCode
	}
	return &Frame{Kind: KindClose, HasCloseCode: true, CloseCode: code, CloseReason: string(reason)}, nil
}

func (f *InputFramer) resetHeaderState() {
	f.phase = phFirstByte
	f.fin = false
	f.rsv1 = false
	f.op = 0
	f.len7 = 0
	f.extLenNeed, f.extLenHave = 0, 0
	f.length = 0
	f.maskKey = [4]byte{}
}

func (f *InputFramer) protocolError(detail string) *Frame {
	return &Frame{Kind: KindProtocolError, ErrorDetail: detail}
}
