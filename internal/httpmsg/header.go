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

import "strings"

// Header is a case-insensitive multi-valued header bag. Keys are stored
// lower-cased; Get folds duplicate values with ", " per spec §4.1.
type Header struct {
	m map[string][]string
}

// NewHeader returns an empty Header ready to use.
func NewHeader() Header {
	return Header{m: make(map[string][]string)}
}

func canon(name string) string { return strings.ToLower(name) }

// Add appends a value under name, preserving any existing values.
func (h *Header) Add(name, value string) {
	if h.m == nil {
		h.m = make(map[string][]string)
	}
	k := canon(name)
	h.m[k] = append(h.m[k], value)
}

// Set replaces all values under name with the single given value.
func (h *Header) Set(name, value string) {
	if h.m == nil {
		h.m = make(map[string][]string)
	}
	h.m[canon(name)] = []string{value}
}

// Del removes all values under name.
func (h *Header) Del(name string) {
	if h.m == nil {
		return
	}
	delete(h.m, canon(name))
}

// Get returns all values under name folded with ", ", or "" if absent.
func (h Header) Get(name string) string {
	vs := h.Values(name)
	if len(vs) == 0 {
		return ""
	}
	return strings.Join(vs, ", ")
}

// Values returns the raw, unfolded list of values under name.
func (h Header) Values(name string) []string {
	if h.m == nil {
		return nil
	}
	return h.m[canon(name)]
}

// Has reports whether name is present at all (regardless of value).
func (h Header) Has(name string) bool {
	if h.m == nil {
		return false
	}
	_, ok := h.m[canon(name)]
	return ok
}

// Names returns the set of header names present, in unspecified order.
func (h Header) Names() []string {
	names := make([]string, 0, len(h.m))
	for k := range h.m {
		names = append(names, k)
	}
	return names
}

// AsMap returns a copy of the header bag as a plain map, for callers (such
// as FailedHandshakeResult) that need a snapshot independent of this
// Header's internal storage.
func (h Header) AsMap() map[string][]string {
	out := make(map[string][]string, len(h.m))
	for k, v := range h.m {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// ContainsToken reports whether name's comma-separated value list contains
// token, matched case-insensitively (used for Upgrade/Connection/TE).
func (h Header) ContainsToken(name, token string) bool {
	token = strings.ToLower(strings.TrimSpace(token))
	for _, v := range h.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if strings.ToLower(strings.TrimSpace(part)) == token {
				return true
			}
		}
	}
	return false
}

// TokenList splits name's comma-separated value(s) into trimmed tokens,
// across all occurrences of the header.
func (h Header) TokenList(name string) []string {
	var out []string
	for _, v := range h.Values(name) {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// forbiddenExtraHeaderNames are never sent as part of the user-supplied
// extra_headers option (spec §3 Options table).
var forbiddenPrefixes = []string{"sec-", "proxy-"}

var forbiddenExact = map[string]bool{
	"connection":        true,
	"content-length":    true,
	"expect":            true,
	"host":              true,
	"keep-alive":        true,
	"te":                true,
	"trailer":           true,
	"transfer-encoding": true,
	"upgrade":           true,
}

// IsForbiddenExtraHeader reports whether name may not appear among
// application-supplied extra headers.
func IsForbiddenExtraHeader(name string) bool {
	n := canon(name)
	if forbiddenExact[n] {
		return true
	}
	for _, p := range forbiddenPrefixes {
		if strings.HasPrefix(n, p) {
			return true
		}
	}
	return false
}
