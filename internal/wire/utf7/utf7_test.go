package utf7

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"ascii", "INBOX", "INBOX"},
		{"ampersand", "Tom & Jerry", "Tom &- Jerry"},
		{"german", "Entwürfe", "Entw&APw-rfe"},
		{"japanese", "円グラフ良いです", "&UYYwsDDpMNWCbzBEMGcwWQ-"},
		{"mixed", "Mail/日本語", "Mail/&ZeVnLIqe-"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Encode(tt.in))
		})
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"ascii", "INBOX", "INBOX"},
		{"ampersand", "Tom &- Jerry", "Tom & Jerry"},
		{"german", "Entw&APw-rfe", "Entwürfe"},
		{"japanese", "&UYYwsDDpMNWCbzBEMGcwWQ-", "円グラフ良いです"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	for _, in := range []string{
		"&",          // unterminated shift
		"&UYY",       // missing terminator
		"&!!!-",      // bad base64
		"&UQ-",       // truncated UTF-16 (one byte)
		"box\x01bad", // raw control byte
	} {
		_, err := Decode(in)
		assert.Error(t, err, "input %q", in)
	}
}

// Every server-produced name must survive a decode/encode round trip.
func TestRoundTrip(t *testing.T) {
	wireNames := []string{
		"INBOX",
		"&UYYwsDDpMNWCbzBEMGcwWQ-",
		"Sent &- Received",
		"Entw&APw-rfe",
		"A&ImIDkQ-Z", // math symbols between ASCII
	}
	for _, w := range wireNames {
		decoded, err := Decode(w)
		require.NoError(t, err, "decode %q", w)
		assert.Equal(t, w, Encode(decoded), "round trip %q", w)
	}
}

func TestRoundTripSupplementary(t *testing.T) {
	// Surrogate pairs survive both directions.
	name := "mail📫box"
	decoded, err := Decode(Encode(name))
	require.NoError(t, err)
	assert.Equal(t, name, decoded)
}
