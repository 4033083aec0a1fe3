// Package utf7 implements the modified UTF-7 encoding of RFC 3501 §5.1.3,
// the form IMAP servers expect mailbox names in on the wire.
//
// It differs from RFC 2152 UTF-7 in that '&' is the shift character, ','
// replaces '/' in the base64 alphabet, and a literal ampersand is spelled "&-".
package utf7

import (
	"encoding/base64"
	"fmt"
	"unicode/utf16"
)

var b64 = base64.NewEncoding(
	"ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+,",
).WithPadding(base64.NoPadding)

// printable reports whether r passes through unshifted.
func printable(r rune) bool {
	return r >= 0x20 && r <= 0x7e
}

// Encode converts a UTF-8 mailbox name to its modified UTF-7 wire form.
func Encode(name string) string {
	out := make([]byte, 0, len(name))
	var run []rune // pending non-printable run

	emit := func() {
		if len(run) == 0 {
			return
		}
		units := utf16.Encode(run)
		raw := make([]byte, 0, len(units)*2)
		for _, u := range units {
			raw = append(raw, byte(u>>8), byte(u))
		}
		out = append(out, '&')
		out = append(out, b64.EncodeToString(raw)...)
		out = append(out, '-')
		run = run[:0]
	}

	for _, r := range name {
		if printable(r) {
			emit()
			if r == '&' {
				out = append(out, '&', '-')
			} else {
				out = append(out, byte(r))
			}
			continue
		}
		run = append(run, r)
	}
	emit()
	return string(out)
}

// Decode converts a modified UTF-7 wire form back to UTF-8.
func Decode(wire string) (string, error) {
	out := make([]rune, 0, len(wire))

	for i := 0; i < len(wire); {
		c := wire[i]
		if c != '&' {
			if !printable(rune(c)) {
				return "", fmt.Errorf("utf7: raw byte 0x%02x outside shifted section", c)
			}
			out = append(out, rune(c))
			i++
			continue
		}

		// Shifted section: scan to the terminating '-'.
		j := i + 1
		for j < len(wire) && wire[j] != '-' {
			j++
		}
		if j == len(wire) {
			return "", fmt.Errorf("utf7: unterminated shift at offset %d", i)
		}
		if j == i+1 {
			out = append(out, '&') // "&-" is a literal ampersand
			i = j + 1
			continue
		}

		raw, err := b64.DecodeString(wire[i+1 : j])
		if err != nil {
			return "", fmt.Errorf("utf7: bad base64 at offset %d: %w", i+1, err)
		}
		if len(raw)%2 != 0 {
			return "", fmt.Errorf("utf7: truncated UTF-16 at offset %d", i+1)
		}
		units := make([]uint16, 0, len(raw)/2)
		for k := 0; k < len(raw); k += 2 {
			units = append(units, uint16(raw[k])<<8|uint16(raw[k+1]))
		}
		for _, r := range utf16.Decode(units) {
			if r == 0xfffd {
				return "", fmt.Errorf("utf7: invalid UTF-16 sequence at offset %d", i+1)
			}
			out = append(out, r)
		}
		i = j + 1
	}

	return string(out), nil
}
