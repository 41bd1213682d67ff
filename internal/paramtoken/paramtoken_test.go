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

package paramtoken

import "testing"

func TestParseSimpleToken(t *testing.T) {
	it, err := Parse("permessage-deflate")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if it.Token != "permessage-deflate" || len(it.Params) != 0 {
		t.Fatalf("got %+v", it)
	}
}

func TestParseWithParams(t *testing.T) {
	it, err := Parse("permessage-deflate; client_max_window_bits; server_max_window_bits=10")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if it.Token != "permessage-deflate" {
		t.Fatalf("token = %q", it.Token)
	}
	cmwb, ok := it.Get("client_max_window_bits")
	if !ok || cmwb.HadValue {
		t.Fatalf("client_max_window_bits = %+v ok=%v, want present with no value", cmwb, ok)
	}
	smwb, ok := it.Get("server_max_window_bits")
	if !ok || !smwb.HadValue || smwb.Value != "10" {
		t.Fatalf("server_max_window_bits = %+v ok=%v", smwb, ok)
	}
}

func TestParseAbsentParamNotPresent(t *testing.T) {
	it, err := Parse("permessage-deflate; server_no_context_takeover")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, ok := it.Get("client_max_window_bits"); ok {
		t.Fatalf("client_max_window_bits should be absent")
	}
}

func TestParseQuotedValue(t *testing.T) {
	it, err := Parse(`foo; bar="a value with spaces"`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	p, ok := it.Get("bar")
	if !ok || p.Value != "a value with spaces" {
		t.Fatalf("got %+v", p)
	}
}

func TestParseQuotedEscapes(t *testing.T) {
	it, err := Parse(`foo; bar="a \"quoted\" value"`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	p, ok := it.Get("bar")
	if !ok || p.Value != `a "quoted" value` {
		t.Fatalf("got %+v", p)
	}
}

func TestParseListMultipleItems(t *testing.T) {
	items, err := ParseList("permessage-deflate; client_max_window_bits, x-webkit-deflate-frame")
	if err != nil {
		t.Fatalf("ParseList: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2", len(items))
	}
	if items[0].Token != "permessage-deflate" || items[1].Token != "x-webkit-deflate-frame" {
		t.Fatalf("got %+v", items)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	if _, err := Parse("permessage-deflate;;"); err == nil {
		t.Fatalf("expected an error for a dangling semicolon")
	}
	if _, err := Parse(""); err == nil {
		t.Fatalf("expected an error for empty input")
	}
}

func TestFormatRoundTripsBareParam(t *testing.T) {
	it := Item{
		Token: "permessage-deflate",
		Params: []Param{
			{Name: "client_max_window_bits"},
			{Name: "server_max_window_bits", Value: "10", HadValue: true},
		},
	}
	got := it.Format()
	want := "permessage-deflate; client_max_window_bits; server_max_window_bits=10"
	if got != want {
		t.Fatalf("Format() = %q, want %q", got, want)
	}
	reparsed, err := Parse(got)
	if err != nil {
		t.Fatalf("Parse(Format()): %v", err)
	}
	if reparsed.Format() != got {
		t.Fatalf("round trip mismatch: %q != %q", reparsed.Format(), got)
	}
}

func TestFormatQuotesNonTokenValue(t *testing.T) {
	it := Item{Token: "foo", Params: []Param{{Name: "bar", Value: "has space", HadValue: true}}}
	got := it.Format()
	want := `foo; bar="has space"`
	if got != want {
		t.Fatalf("Format() = %q, want %q", got, want)
	}
}

func TestFormatListJoinsWithCommaSpace(t *testing.T) {
	items := []Item{{Token: "a"}, {Token: "b"}}
	got := FormatList(items)
	want := "a, b"
	if got != want {
		t.Fatalf("FormatList() = %q, want %q", got, want)
	}
}
