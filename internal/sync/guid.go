package sync

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
)

// MessageGUID computes the cross-server message identifier: MD5 of the
// Message-Id value when one is present, else MD5 of the RFC822 size and
// INTERNALDATE concatenated as decimal strings. Deterministic by
// construction: the same inputs always hash to the same GUID.
func MessageGUID(messageID string, size uint32, internalDate int64) string {
	var input string
	if messageID != "" {
		input = messageID
	} else {
		input = fmt.Sprintf("%d%d", size, internalDate)
	}
	sum := md5.Sum([]byte(input))
	return hex.EncodeToString(sum[:])
}

// ExtractMessageID pulls the Message-Id value out of a
// BODY[HEADER.FIELDS (MESSAGE-ID)] block: the contents of the <…> bracket,
// or the first whitespace-delimited token when unbracketed. Returns "" when
// no syntactically usable value is present.
func ExtractMessageID(header []byte) string {
	lines := strings.Split(string(header), "\n")
	var value string
	found := false
	for _, line := range lines {
		line = strings.TrimRight(line, "\r")
		if found {
			// Unfold continuation lines.
			if strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") {
				value += " " + strings.TrimSpace(line)
				continue
			}
			break
		}
		if name, rest, ok := strings.Cut(line, ":"); ok && strings.EqualFold(strings.TrimSpace(name), "Message-ID") {
			value = strings.TrimSpace(rest)
			found = true
		}
	}
	if !found {
		return ""
	}

	if open := strings.IndexByte(value, '<'); open >= 0 {
		if close := strings.IndexByte(value[open:], '>'); close > 0 {
			return value[open+1 : open+close]
		}
	}
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
