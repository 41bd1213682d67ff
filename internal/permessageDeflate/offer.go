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

// Package permessageDeflate implements RFC 7692's permessage-deflate
// extension: parsing/formatting the offer over internal/paramtoken, and a
// streaming per-message DEFLATE codec with negotiated context-takeover
// semantics (spec §4.4). Negotiation policy is grounded on the teacher's
// `wsUpgrade`/`wsClientSupportsCompression` (which always offers and
// accepts "server_no_context_takeover; client_no_context_takeover" and
// nothing else) generalized to the full RFC 7692 parameter set the way
// coder-websocket's `negotiateCompression` (other_examples reference)
// and go-netty-go-netty-transport's window-bits handling do.
package permessageDeflate

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/wsendpoint/ws/internal/paramtoken"
)

const ExtensionToken = "permessage-deflate"

// WindowBitsState distinguishes the three states RFC 7692 allows for the
// *_max_window_bits parameters: wholly absent, present with no value
// ("any window size is fine"), or present with an explicit 8..15 value.
type WindowBitsState int

const (
	WindowBitsAbsent WindowBitsState = iota
	WindowBitsEmpty
	WindowBitsExplicit
)

// WindowBits is a tri-valued max-window-bits parameter.
type WindowBits struct {
	State WindowBitsState
	Bits  int // valid only when State == WindowBitsExplicit
}

// CompressionOffer is one permessage-deflate parameter set, in either
// direction (client offer or server response).
type CompressionOffer struct {
	ServerNoContextTakeover bool
	ServerMaxWindowBits     WindowBits
	ClientNoContextTakeover bool
	ClientMaxWindowBits     WindowBits
}

// ParseOffers parses the (possibly multi-valued, comma-separated)
// Sec-WebSocket-Extensions header content into the permessage-deflate
// offers it contains, in header order. Non-permessage-deflate extension
// items, and permessage-deflate items with unknown, duplicate or invalid
// parameters, are skipped rather than failing the whole parse. A header
// value that does not parse as a parameterized-token list at all is an
// error.
func ParseOffers(headerValue string) ([]CompressionOffer, error) {
	items, err := paramtoken.ParseList(headerValue)
	if err != nil {
		return nil, fmt.Errorf("permessage-deflate: %w", err)
	}
	var offers []CompressionOffer
	for _, it := range items {
		if !strings.EqualFold(it.Token, ExtensionToken) {
			continue
		}
		offer, err := fromItem(it)
		if err != nil {
			continue
		}
		offers = append(offers, offer)
	}
	return offers, nil
}

func fromItem(it paramtoken.Item) (CompressionOffer, error) {
	var o CompressionOffer
	seen := map[string]bool{}
	for _, p := range it.Params {
		key := strings.ToLower(p.Name)
		if seen[key] {
			return CompressionOffer{}, fmt.Errorf("duplicate parameter %q", p.Name)
		}
		seen[key] = true
		switch key {
		case "server_no_context_takeover":
			if p.HadValue {
				return CompressionOffer{}, fmt.Errorf("server_no_context_takeover must not have a value")
			}
			o.ServerNoContextTakeover = true
		case "client_no_context_takeover":
			if p.HadValue {
				return CompressionOffer{}, fmt.Errorf("client_no_context_takeover must not have a value")
			}
			o.ClientNoContextTakeover = true
		case "server_max_window_bits":
			wb, err := parseWindowBits(p, false)
			if err != nil {
				return CompressionOffer{}, err
			}
			o.ServerMaxWindowBits = wb
		case "client_max_window_bits":
			wb, err := parseWindowBits(p, true)
			if err != nil {
				return CompressionOffer{}, err
			}
			o.ClientMaxWindowBits = wb
		default:
			return CompressionOffer{}, fmt.Errorf("unknown permessage-deflate parameter %q", p.Name)
		}
	}
	return o, nil
}

func parseWindowBits(p paramtoken.Param, allowEmpty bool) (WindowBits, error) {
	if !p.HadValue {
		if !allowEmpty {
			return WindowBits{}, fmt.Errorf("server_max_window_bits requires a value")
		}
		return WindowBits{State: WindowBitsEmpty}, nil
	}
	n, err := strconv.Atoi(p.Value)
	if err != nil || n < 8 || n > 15 {
		return WindowBits{}, fmt.Errorf("invalid max window bits value %q", p.Value)
	}
	return WindowBits{State: WindowBitsExplicit, Bits: n}, nil
}

// ToItem renders a CompressionOffer as a paramtoken.Item ready to format
// into a Sec-WebSocket-Extensions header.
func (o CompressionOffer) ToItem() paramtoken.Item {
	it := paramtoken.Item{Token: ExtensionToken}
	if o.ServerNoContextTakeover {
		it.Params = append(it.Params, paramtoken.Param{Name: "server_no_context_takeover"})
	}
	if wb := windowBitsParam("server_max_window_bits", o.ServerMaxWindowBits); wb != nil {
		it.Params = append(it.Params, *wb)
	}
	if o.ClientNoContextTakeover {
		it.Params = append(it.Params, paramtoken.Param{Name: "client_no_context_takeover"})
	}
	if wb := windowBitsParam("client_max_window_bits", o.ClientMaxWindowBits); wb != nil {
		it.Params = append(it.Params, *wb)
	}
	return it
}

func windowBitsParam(name string, wb WindowBits) *paramtoken.Param {
	switch wb.State {
	case WindowBitsEmpty:
		return &paramtoken.Param{Name: name}
	case WindowBitsExplicit:
		return &paramtoken.Param{Name: name, Value: strconv.Itoa(wb.Bits), HadValue: true}
	default:
		return nil
	}
}

// Format renders the offer as a single Sec-WebSocket-Extensions header
// value (this library only ever offers/responds with one extension).
func (o CompressionOffer) Format() string {
	return o.ToItem().Format()
}

// ServerNegotiate selects a response to the client's offer list, honoring
// the first syntactically valid offer (RFC 7692 §7) and the policy spec
// §4.4 describes: a client's server_no_context_takeover request is honored
// verbatim, and the server never claims client_max_window_bits unless the
// client offered it.
func ServerNegotiate(offers []CompressionOffer) (CompressionOffer, bool) {
	if len(offers) == 0 {
		return CompressionOffer{}, false
	}
	o := offers[0]
	var resp CompressionOffer
	resp.ServerNoContextTakeover = o.ServerNoContextTakeover
	resp.ClientNoContextTakeover = o.ClientNoContextTakeover
	if o.ServerMaxWindowBits.State != WindowBitsAbsent {
		resp.ServerMaxWindowBits = o.ServerMaxWindowBits
	}
	if o.ClientMaxWindowBits.State != WindowBitsAbsent {
		resp.ClientMaxWindowBits = o.ClientMaxWindowBits
	}
	return resp, true
}

// ClientValidateResponse reports whether the server's chosen parameters
// are a legal subset of what the client offered (spec §4.5's
// extension-mismatch check): the server must not return any parameter the
// client never mentioned.
func ClientValidateResponse(offered, chosen CompressionOffer) bool {
	if chosen.ServerNoContextTakeover && !offered.ServerNoContextTakeover {
		return false
	}
	if chosen.ClientNoContextTakeover && !offered.ClientNoContextTakeover {
		return false
	}
	if chosen.ClientMaxWindowBits.State != WindowBitsAbsent && offered.ClientMaxWindowBits.State == WindowBitsAbsent {
		return false
	}
	if chosen.ServerMaxWindowBits.State != WindowBitsAbsent && offered.ServerMaxWindowBits.State == WindowBitsAbsent {
		return false
	}
	return true
}
