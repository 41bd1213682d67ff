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

package permessageDeflate

import (
	"bytes"
	"compress/flate"
	"fmt"
	"io"

	kpflate "github.com/klauspost/compress/flate"
)

// maxWindow is the largest DEFLATE sliding window RFC 7692 allows (2^15).
const maxWindow = 1 << 15

var trailer = [4]byte{0x00, 0x00, 0xff, 0xff}

// finalBlock is an empty stored block with BFINAL set.
var finalBlock = [5]byte{0x01, 0x00, 0x00, 0xff, 0xff}

// Deflater is the per-direction compressor collaborator (spec §4.4). It
// wraps klauspost/compress/flate for its NewWriterWindow support (stdlib
// compress/flate only ever uses a fixed 32K window, but RFC 7692 lets a
// peer request windowBits as small as 8). One Deflater is owned exclusively
// by one endpoint's outbound direction.
type Deflater struct {
	noContextTakeover bool
	windowBits        int
	buf               bytes.Buffer
	w                 *kpflate.Writer
}

// NewDeflater builds a Deflater. windowBits must be 0 (meaning the RFC
// default of 15) or in 8..15.
func NewDeflater(noContextTakeover bool, windowBits int) (*Deflater, error) {
	if windowBits == 0 {
		windowBits = 15
	}
	if windowBits < 8 || windowBits > 15 {
		return nil, fmt.Errorf("permessage-deflate: invalid window bits %d", windowBits)
	}
	return &Deflater{noContextTakeover: noContextTakeover, windowBits: windowBits}, nil
}

// Compress deflates one message's payload. When no-context-takeover
// applies, the sliding window is reset before compressing (full-flush
// semantics); otherwise the window carries over from the previous message
// (sync-flush semantics). The trailing 00 00 ff ff empty block is always
// stripped per RFC 7692 §7.2.1.
func (d *Deflater) Compress(payload []byte) ([]byte, error) {
	d.buf.Reset()
	if d.w == nil {
		w, err := kpflate.NewWriterWindow(&d.buf, 1<<uint(d.windowBits))
		if err != nil {
			return nil, err
		}
		d.w = w
	} else if d.noContextTakeover {
		d.w.Reset(&d.buf)
	}
	if _, err := d.w.Write(payload); err != nil {
		return nil, err
	}
	if err := d.w.Flush(); err != nil {
		return nil, err
	}
	out := append([]byte(nil), d.buf.Bytes()...)
	if len(out) >= 4 && bytes.HasSuffix(out, trailer[:]) {
		out = out[:len(out)-4]
	}
	return out, nil
}

// Inflater is the per-direction decompressor collaborator. Decompression
// itself never needs a reduced window (a decoder built for the maximum
// window always correctly decodes a stream produced with a smaller one),
// so this uses stdlib compress/flate directly, as the teacher does.
type Inflater struct {
	noContextTakeover bool
	r                 io.ReadCloser
	dict              []byte // rolling decompressed window; nil when no-context-takeover
}

// NewInflater builds an Inflater for one inbound direction.
func NewInflater(noContextTakeover bool) *Inflater {
	return &Inflater{noContextTakeover: noContextTakeover}
}

// Decompress appends the RFC 7692 trailing empty block back and inflates
// one message's payload. A final empty stored block follows the trailer so
// the reader ends with io.EOF instead of io.ErrUnexpectedEOF. If context is
// kept, the sliding window from the prior message is fed back in as the
// initial dictionary.
func (in *Inflater) Decompress(payload []byte) ([]byte, error) {
	buf := make([]byte, 0, len(payload)+len(trailer)+len(finalBlock))
	buf = append(buf, payload...)
	buf = append(buf, trailer[:]...)
	buf = append(buf, finalBlock[:]...)
	br := bytes.NewReader(buf)

	var dict []byte
	if !in.noContextTakeover {
		dict = in.dict
	}

	if in.r == nil {
		in.r = flate.NewReaderDict(br, dict)
	} else {
		resetter, ok := in.r.(flate.Resetter)
		if !ok {
			return nil, fmt.Errorf("permessage-deflate: reader does not support Reset")
		}
		if err := resetter.Reset(br, dict); err != nil {
			return nil, err
		}
	}

	out, err := io.ReadAll(in.r)
	if err != nil {
		return nil, fmt.Errorf("permessage-deflate: inflate failed: %w", err)
	}
	if !in.noContextTakeover {
		in.dict = rollingWindow(in.dict, out)
	}
	return out, nil
}

// rollingWindow appends out to dict and trims to the last maxWindow bytes.
func rollingWindow(dict, out []byte) []byte {
	dict = append(dict, out...)
	if len(dict) > maxWindow {
		dict = append([]byte(nil), dict[len(dict)-maxWindow:]...)
	}
	return dict
}
