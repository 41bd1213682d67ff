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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseOffersBasic(t *testing.T) {
	offers, err := ParseOffers("permessage-deflate; client_max_window_bits; server_max_window_bits=10")
	require.NoError(t, err)
	require.Len(t, offers, 1)
	o := offers[0]
	require.Equal(t, WindowBitsEmpty, o.ClientMaxWindowBits.State)
	require.Equal(t, WindowBitsExplicit, o.ServerMaxWindowBits.State)
	require.Equal(t, 10, o.ServerMaxWindowBits.Bits)
}

func TestParseOffersIgnoresOtherExtensions(t *testing.T) {
	offers, err := ParseOffers("x-webkit-deflate-frame, permessage-deflate")
	require.NoError(t, err)
	require.Len(t, offers, 1)
	require.Equal(t, ExtensionToken, offers[0].ToItem().Token)
}

func TestParseOffersSkipsInvalidItem(t *testing.T) {
	// server_no_context_takeover must not carry a value; this malformed item
	// should be dropped rather than fail the whole header.
	offers, err := ParseOffers("permessage-deflate; server_no_context_takeover=oops, permessage-deflate")
	require.NoError(t, err)
	require.Len(t, offers, 1)
}

func TestFormatRoundTrip(t *testing.T) {
	o := CompressionOffer{
		ServerNoContextTakeover: true,
		ClientMaxWindowBits:     WindowBits{State: WindowBitsEmpty},
	}
	s := o.Format()
	offers, err := ParseOffers(s)
	require.NoError(t, err)
	require.Len(t, offers, 1)
	require.Equal(t, o, offers[0])
}

func TestServerNegotiateHonorsFirstOffer(t *testing.T) {
	offers, err := ParseOffers("permessage-deflate; client_no_context_takeover, permessage-deflate; server_no_context_takeover")
	require.NoError(t, err)
	chosen, ok := ServerNegotiate(offers)
	require.True(t, ok)
	require.True(t, chosen.ClientNoContextTakeover)
	require.False(t, chosen.ServerNoContextTakeover)
}

func TestServerNegotiateNoOffers(t *testing.T) {
	_, ok := ServerNegotiate(nil)
	require.False(t, ok)
}

func TestClientValidateResponseRejectsUnofferedParameter(t *testing.T) {
	offered := CompressionOffer{}
	chosen := CompressionOffer{ClientMaxWindowBits: WindowBits{State: WindowBitsExplicit, Bits: 10}}
	require.False(t, ClientValidateResponse(offered, chosen))
}

func TestClientValidateResponseAcceptsSubset(t *testing.T) {
	offered := CompressionOffer{ClientMaxWindowBits: WindowBits{State: WindowBitsEmpty}}
	chosen := CompressionOffer{ClientMaxWindowBits: WindowBits{State: WindowBitsExplicit, Bits: 10}}
	require.True(t, ClientValidateResponse(offered, chosen))
}

func TestDeflaterInflaterRoundTripContextTakeover(t *testing.T) {
	d, err := NewDeflater(false, 15)
	require.NoError(t, err)
	in := NewInflater(false)

	messages := [][]byte{
		[]byte("hello there, this is the first message"),
		[]byte("and this is the second message, which shares the dictionary"),
		[]byte("a third, short one"),
	}
	for _, msg := range messages {
		compressed, err := d.Compress(msg)
		require.NoError(t, err)
		require.False(t, bytes.HasSuffix(compressed, trailer[:]), "trailer must be stripped")
		decompressed, err := in.Decompress(compressed)
		require.NoError(t, err)
		require.Equal(t, msg, decompressed)
	}
}

func TestDeflaterInflaterRoundTripNoContextTakeover(t *testing.T) {
	d, err := NewDeflater(true, 10)
	require.NoError(t, err)
	in := NewInflater(true)

	for _, msg := range [][]byte{[]byte("first"), []byte("second, unrelated to the first")} {
		compressed, err := d.Compress(msg)
		require.NoError(t, err)
		decompressed, err := in.Decompress(compressed)
		require.NoError(t, err)
		require.Equal(t, msg, decompressed)
	}
}

func TestNewDeflaterRejectsOutOfRangeWindowBits(t *testing.T) {
	_, err := NewDeflater(false, 7)
	require.Error(t, err)
	_, err = NewDeflater(false, 16)
	require.Error(t, err)
}
