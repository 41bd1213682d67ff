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

package httpmsg

import (
	"fmt"
	"strconv"
	"strings"
)

// Result is the outcome of one Parse call.
type Result int

const (
	Incomplete Result = iota
	Complete
	Invalid
)

type parserState int

const (
	stateStartLine parserState = iota
	stateHeaders
	stateContentLength
	stateChunkSize
	stateChunkData
	stateChunkCRLF
	stateChunkTrailer
	stateUnbounded
	stateDone
	stateInvalid
)

// Parser incrementally parses one HTTP/1.1 request or response. Bytes are
// appended via Feed; Parse is called repeatedly until it returns something
// other than Incomplete. It never blocks and never does I/O itself (design
// note §9: incremental state machines over pull parsers).
type Parser struct {
	forRequest bool // true: parsing a request; false: a response

	buf []byte
	pos int

	state parserState
	msg   *Message

	lastHeaderName string // for header-folding continuation lines

	contentLength    int
	hasContentLength bool
	chunked          bool
	chunkRemaining   int
	bodyBuf          []byte

	eof bool
}

// NewRequestParser returns a Parser configured to read HTTP requests.
func NewRequestParser() *Parser { return &Parser{forRequest: true} }

// NewResponseParser returns a Parser configured to read HTTP responses.
func NewResponseParser() *Parser { return &Parser{forRequest: false} }

// Feed appends newly-received bytes to the parser's internal buffer.
func (p *Parser) Feed(b []byte) {
	p.buf = append(p.buf, b...)
}

// FeedEOF signals that the transport reached end-of-stream; only meaningful
// while reading an unbounded (read-until-EOF) response body.
func (p *Parser) FeedEOF() { p.eof = true }

// Parse attempts to make progress. It returns Incomplete if more bytes are
// needed, Invalid with an error if the input is malformed, or Complete with
// the parsed Message and any unconsumed tail bytes (e.g. the first
// WebSocket frame bytes that arrived appended to the 101 response).
func (p *Parser) Parse() (Result, *Message, []byte, error) {
	if p.state == stateInvalid {
		return Invalid, nil, nil, fmt.Errorf("parser already failed")
	}
	if p.state == stateDone {
		return Complete, p.msg, p.buf[p.pos:], nil
	}
	for {
		switch p.state {
		case stateStartLine:
			line, ok := p.readLine()
			if !ok {
				return Incomplete, nil, nil, nil
			}
			if strings.TrimSpace(line) == "" {
				continue // tolerate leading blank lines
			}
			if err := p.parseStartLine(line); err != nil {
				return p.fail(err)
			}
			p.msg.Header = NewHeader()
			p.state = stateHeaders

		case stateHeaders:
			line, ok := p.readLine()
			if !ok {
				return Incomplete, nil, nil, nil
			}
			if line == "" {
				if err := p.onHeadersComplete(); err != nil {
					return p.fail(err)
				}
				continue
			}
			if (line[0] == ' ' || line[0] == '\t') && p.lastHeaderName != "" {
				// Header folding: continuation line.
				folded := p.msg.Header.Values(p.lastHeaderName)
				if len(folded) > 0 {
					last := folded[len(folded)-1]
					p.msg.Header.m[canon(p.lastHeaderName)][len(folded)-1] = last + " " + strings.TrimSpace(line)
				}
				continue
			}
			name, value, err := splitHeaderLine(line)
			if err != nil {
				return p.fail(err)
			}
			p.msg.Header.Add(name, value)
			p.lastHeaderName = name

		case stateContentLength:
			if len(p.buf)-p.pos < p.contentLength {
				return Incomplete, nil, nil, nil
			}
			p.msg.Body = append([]byte(nil), p.buf[p.pos:p.pos+p.contentLength]...)
			p.pos += p.contentLength
			p.state = stateDone

		case stateChunkSize:
			line, ok := p.readLine()
			if !ok {
				return Incomplete, nil, nil, nil
			}
			sizeStr := line
			if idx := strings.IndexByte(line, ';'); idx >= 0 {
				sizeStr = line[:idx] // chunk extensions are ignored
			}
			n, err := strconv.ParseUint(strings.TrimSpace(sizeStr), 16, 63)
			if err != nil {
				return p.fail(fmt.Errorf("invalid chunk size: %w", err))
			}
			if n == 0 {
				p.state = stateChunkTrailer
				continue
			}
			p.chunkRemaining = int(n)
			p.state = stateChunkData

		case stateChunkData:
			if len(p.buf)-p.pos < p.chunkRemaining {
				return Incomplete, nil, nil, nil
			}
			p.bodyBuf = append(p.bodyBuf, p.buf[p.pos:p.pos+p.chunkRemaining]...)
			p.pos += p.chunkRemaining
			p.state = stateChunkCRLF

		case stateChunkCRLF:
			line, ok := p.readLine()
			if !ok {
				return Incomplete, nil, nil, nil
			}
			if line != "" {
				return p.fail(fmt.Errorf("malformed chunk terminator"))
			}
			p.state = stateChunkSize

		case stateChunkTrailer:
			// Trailers (if any) then the terminating blank line.
			line, ok := p.readLine()
			if !ok {
				return Incomplete, nil, nil, nil
			}
			if line == "" {
				p.msg.Body = p.bodyBuf
				p.state = stateDone
				continue
			}
			// Ignore trailer header content; consumed and discarded.

		case stateUnbounded:
			if !p.eof {
				return Incomplete, nil, nil, nil
			}
			p.msg.Body = append([]byte(nil), p.buf[p.pos:]...)
			p.pos = len(p.buf)
			p.state = stateDone

		case stateDone:
			return Complete, p.msg, p.buf[p.pos:], nil
		}
	}
}

func (p *Parser) fail(err error) (Result, *Message, []byte, error) {
	p.state = stateInvalid
	return Invalid, nil, nil, err
}

// readLine returns the next \r\n- or \n-terminated line (without the
// terminator) starting at p.pos, advancing p.pos past it. ok is false if no
// full line is available yet.
func (p *Parser) readLine() (string, bool) {
	idx := -1
	for i := p.pos; i < len(p.buf); i++ {
		if p.buf[i] == '\n' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", false
	}
	end := idx
	if end > p.pos && p.buf[end-1] == '\r' {
		end--
	}
	line := string(p.buf[p.pos:end])
	p.pos = idx + 1
	return line, true
}

func (p *Parser) parseStartLine(line string) error {
	p.msg = &Message{IsRequest: p.forRequest}
	if p.forRequest {
		parts := strings.SplitN(line, " ", 3)
		if len(parts) != 3 {
			return fmt.Errorf("malformed request line: %q", line)
		}
		if !isValidHTTPVersion(parts[2]) {
			return fmt.Errorf("malformed HTTP version: %q", parts[2])
		}
		p.msg.Method = parts[0]
		p.msg.Target = parts[1]
		p.msg.Version = parts[2]
		return nil
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return fmt.Errorf("malformed status line: %q", line)
	}
	if !isValidHTTPVersion(parts[0]) {
		return fmt.Errorf("malformed HTTP version: %q", parts[0])
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return fmt.Errorf("malformed status code: %q", parts[1])
	}
	p.msg.Version = parts[0]
	p.msg.StatusCode = code
	if len(parts) == 3 {
		p.msg.Reason = parts[2]
	}
	return nil
}

func isValidHTTPVersion(v string) bool {
	if !strings.HasPrefix(v, "HTTP/") {
		return false
	}
	rest := v[len("HTTP/"):]
	parts := strings.SplitN(rest, ".", 2)
	if len(parts) != 2 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
		for _, c := range p {
			if c < '0' || c > '9' {
				return false
			}
		}
	}
	return true
}

func splitHeaderLine(line string) (name, value string, err error) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return "", "", fmt.Errorf("malformed header line: %q", line)
	}
	name = strings.TrimSpace(line[:idx])
	value = strings.TrimSpace(line[idx+1:])
	if name == "" {
		return "", "", fmt.Errorf("empty header name in line: %q", line)
	}
	return name, value, nil
}

// onHeadersComplete decides the body-reading mode from the accumulated
// headers, per spec §4.1: Content-Length, else chunked Transfer-Encoding,
// else (responses only, when the status allows content) unbounded, else no
// body.
func (p *Parser) onHeadersComplete() error {
	h := p.msg.Header
	if cl := h.Get("Content-Length"); cl != "" {
		n, err := strconv.Atoi(strings.TrimSpace(cl))
		if err != nil || n < 0 {
			return fmt.Errorf("invalid Content-Length: %q", cl)
		}
		p.contentLength = n
		p.hasContentLength = true
		p.state = stateContentLength
		return nil
	}
	if h.ContainsToken("Transfer-Encoding", "chunked") {
		p.chunked = true
		p.state = stateChunkSize
		return nil
	}
	if !p.forRequest && statusAllowsContent(p.msg.StatusCode) {
		p.state = stateUnbounded
		return nil
	}
	p.state = stateDone
	return nil
}
