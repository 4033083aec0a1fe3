package wire

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hkdb/larch/internal/wire/utf7"
)

// ListItem is one LIST or LSUB row.
type ListItem struct {
	RawName string // modified UTF-7, exactly as received
	Name    string // decoded UTF-8
	Delim   string // hierarchy delimiter, "" when NIL
	Attrs   []string
}

// HasAttr reports whether the row carries the given attribute flag.
func (li *ListItem) HasAttr(name string) bool {
	for _, a := range li.Attrs {
		if strings.EqualFold(a, name) {
			return true
		}
	}
	return false
}

// MailboxStatus is the data extracted from SELECT/EXAMINE untagged responses.
type MailboxStatus struct {
	Flags          []string
	PermanentFlags []string
	Exists         uint32
	Recent         uint32
	UIDValidity    uint32
	UIDNext        uint32
	ReadOnly       bool
}

// FetchRecord is one UID FETCH row.
type FetchRecord struct {
	Seq          uint32
	UID          uint32
	Flags        []string
	InternalDate time.Time
	Size         uint32
	Envelope     string            // raw ENVELOPE text, parens included
	Bodies       map[string][]byte // BODY[<section>] contents keyed by section
}

// Body returns the BODY[section] payload, matching a BODY.PEEK request for
// the same section.
func (fr *FetchRecord) Body(section string) ([]byte, bool) {
	b, ok := fr.Bodies[strings.ToUpper(section)]
	return b, ok
}

// internalDateLayout is the RFC 3501 date-time form.
const internalDateLayout = "2-Jan-2006 15:04:05 -0700"

// FormatInternalDate renders t for an APPEND date-time argument.
func FormatInternalDate(t time.Time) string {
	return fmt.Sprintf("%02d-%s", t.Day(), t.Format("Jan-2006 15:04:05 -0700"))
}

func parseInternalDate(s string) (time.Time, error) {
	return time.Parse(internalDateLayout, strings.TrimSpace(s))
}

// scanner walks one logical response, understanding quoted strings,
// parenthesized lists, and "{N}"+CRLF+octets literals.
type scanner struct {
	data []byte
	pos  int
}

func (s *scanner) eof() bool { return s.pos >= len(s.data) }

func (s *scanner) skipSpace() {
	for !s.eof() && s.data[s.pos] == ' ' {
		s.pos++
	}
}

func (s *scanner) peek() byte {
	if s.eof() {
		return 0
	}
	return s.data[s.pos]
}

// readAtom reads up to a space, paren, or end of input.
func (s *scanner) readAtom() string {
	start := s.pos
	for !s.eof() {
		c := s.data[s.pos]
		if c == ' ' || c == '(' || c == ')' {
			break
		}
		s.pos++
	}
	return string(s.data[start:s.pos])
}

// readQuoted reads a double-quoted string with backslash escapes.
func (s *scanner) readQuoted() (string, error) {
	if s.peek() != '"' {
		return "", fmt.Errorf("imap: expected quoted string at %d", s.pos)
	}
	s.pos++
	var buf strings.Builder
	for !s.eof() {
		c := s.data[s.pos]
		switch c {
		case '\\':
			if s.pos+1 >= len(s.data) {
				return "", fmt.Errorf("imap: dangling escape in quoted string")
			}
			buf.WriteByte(s.data[s.pos+1])
			s.pos += 2
		case '"':
			s.pos++
			return buf.String(), nil
		default:
			buf.WriteByte(c)
			s.pos++
		}
	}
	return "", fmt.Errorf("imap: unterminated quoted string")
}

// readLiteral reads "{N}"+CRLF+octets and returns the octets.
func (s *scanner) readLiteral() ([]byte, error) {
	if s.peek() != '{' {
		return nil, fmt.Errorf("imap: expected literal at %d", s.pos)
	}
	end := bytes.IndexByte(s.data[s.pos:], '}')
	if end < 0 {
		return nil, fmt.Errorf("imap: unterminated literal count")
	}
	n, err := strconv.Atoi(string(s.data[s.pos+1 : s.pos+end]))
	if err != nil || n < 0 {
		return nil, fmt.Errorf("imap: bad literal count")
	}
	s.pos += end + 1
	// The framing CRLF between the count and the octets is preserved by the
	// response reader.
	if s.pos+2 > len(s.data) || s.data[s.pos] != '\r' || s.data[s.pos+1] != '\n' {
		return nil, fmt.Errorf("imap: literal missing CRLF frame")
	}
	s.pos += 2
	if s.pos+n > len(s.data) {
		return nil, fmt.Errorf("imap: literal truncated: want %d octets", n)
	}
	out := s.data[s.pos : s.pos+n]
	s.pos += n
	return out, nil
}

// readString reads an atom, quoted string, or literal as a string.
func (s *scanner) readString() (string, error) {
	s.skipSpace()
	switch s.peek() {
	case '"':
		return s.readQuoted()
	case '{':
		b, err := s.readLiteral()
		return string(b), err
	default:
		return s.readAtom(), nil
	}
}

// readFlagList reads a parenthesized list of flag atoms.
func (s *scanner) readFlagList() ([]string, error) {
	s.skipSpace()
	if s.peek() != '(' {
		return nil, fmt.Errorf("imap: expected flag list at %d", s.pos)
	}
	s.pos++
	var flags []string
	for {
		s.skipSpace()
		if s.eof() {
			return nil, fmt.Errorf("imap: unterminated flag list")
		}
		if s.peek() == ')' {
			s.pos++
			return flags, nil
		}
		flags = append(flags, s.readAtom())
	}
}

// skipBalanced consumes a parenthesized expression, literals included, and
// returns the raw text spanned.
func (s *scanner) skipBalanced() (string, error) {
	if s.peek() != '(' {
		return "", fmt.Errorf("imap: expected list at %d", s.pos)
	}
	start := s.pos
	depth := 0
	for !s.eof() {
		switch s.data[s.pos] {
		case '(':
			depth++
			s.pos++
		case ')':
			depth--
			s.pos++
			if depth == 0 {
				return string(s.data[start:s.pos]), nil
			}
		case '"':
			if _, err := s.readQuoted(); err != nil {
				return "", err
			}
		case '{':
			if _, err := s.readLiteral(); err != nil {
				return "", err
			}
		default:
			s.pos++
		}
	}
	return "", fmt.Errorf("imap: unbalanced list")
}

// parseList parses one LIST/LSUB row: (attrs) "delim" name
func parseList(line []byte) (*ListItem, error) {
	s := &scanner{data: line}
	s.skipSpace()

	attrs, err := s.readFlagList()
	if err != nil {
		return nil, err
	}

	s.skipSpace()
	var delim string
	if s.peek() == '"' {
		delim, err = s.readQuoted()
		if err != nil {
			return nil, err
		}
	} else if strings.EqualFold(s.readAtom(), "NIL") {
		delim = ""
	}

	raw, err := s.readString()
	if err != nil {
		return nil, err
	}
	name, err := utf7.Decode(raw)
	if err != nil {
		// A name that does not decode is passed through undecoded rather
		// than dropped from the listing.
		name = raw
	}

	return &ListItem{RawName: raw, Name: name, Delim: delim, Attrs: attrs}, nil
}

// parseStatus parses one STATUS row: name (ATTR n ATTR n …)
func parseStatus(line []byte) (string, map[string]uint32, error) {
	s := &scanner{data: line}
	raw, err := s.readString()
	if err != nil {
		return "", nil, err
	}

	s.skipSpace()
	if s.peek() != '(' {
		return "", nil, fmt.Errorf("imap: malformed STATUS response")
	}
	s.pos++

	attrs := make(map[string]uint32)
	for {
		s.skipSpace()
		if s.eof() {
			return "", nil, fmt.Errorf("imap: unterminated STATUS list")
		}
		if s.peek() == ')' {
			break
		}
		key := strings.ToUpper(s.readAtom())
		s.skipSpace()
		val, err := strconv.ParseUint(s.readAtom(), 10, 32)
		if err != nil {
			return "", nil, fmt.Errorf("imap: bad STATUS value for %s: %w", key, err)
		}
		attrs[key] = uint32(val)
	}
	return raw, attrs, nil
}

// readFetchItemName reads a FETCH item name, which for BODY sections
// contains brackets with spaces inside: BODY[HEADER.FIELDS (MESSAGE-ID)].
func (s *scanner) readFetchItemName() string {
	start := s.pos
	brackets := 0
	for !s.eof() {
		c := s.data[s.pos]
		if brackets == 0 && (c == ' ' || c == ')') {
			break
		}
		if c == '[' {
			brackets++
		} else if c == ']' {
			brackets--
		}
		s.pos++
	}
	return string(s.data[start:s.pos])
}

// parseFetch parses one stored FETCH record: "seq (ITEM value …)".
func parseFetch(rec []byte) (*FetchRecord, error) {
	s := &scanner{data: rec}
	seqStr := s.readAtom()
	seq, err := strconv.ParseUint(seqStr, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("imap: bad FETCH sequence number %q", seqStr)
	}

	fr := &FetchRecord{Seq: uint32(seq), Bodies: make(map[string][]byte)}

	s.skipSpace()
	if s.peek() != '(' {
		return nil, fmt.Errorf("imap: malformed FETCH record")
	}
	s.pos++

	for {
		s.skipSpace()
		if s.eof() {
			return nil, fmt.Errorf("imap: unterminated FETCH record")
		}
		if s.peek() == ')' {
			break
		}

		item := strings.ToUpper(s.readFetchItemName())
		switch {
		case item == "UID":
			s.skipSpace()
			v, err := strconv.ParseUint(s.readAtom(), 10, 32)
			if err != nil {
				return nil, fmt.Errorf("imap: bad UID in FETCH: %w", err)
			}
			fr.UID = uint32(v)

		case item == "FLAGS":
			flags, err := s.readFlagList()
			if err != nil {
				return nil, err
			}
			fr.Flags = flags

		case item == "INTERNALDATE":
			s.skipSpace()
			raw, err := s.readQuoted()
			if err != nil {
				return nil, err
			}
			t, err := parseInternalDate(raw)
			if err != nil {
				return nil, fmt.Errorf("imap: bad INTERNALDATE %q: %w", raw, err)
			}
			fr.InternalDate = t

		case item == "RFC822.SIZE":
			s.skipSpace()
			v, err := strconv.ParseUint(s.readAtom(), 10, 32)
			if err != nil {
				return nil, fmt.Errorf("imap: bad RFC822.SIZE: %w", err)
			}
			fr.Size = uint32(v)

		case item == "ENVELOPE":
			s.skipSpace()
			raw, err := s.skipBalanced()
			if err != nil {
				return nil, err
			}
			fr.Envelope = raw

		case strings.HasPrefix(item, "BODY["):
			section := strings.TrimSuffix(strings.TrimPrefix(item, "BODY["), "]")
			s.skipSpace()
			switch s.peek() {
			case '{':
				b, err := s.readLiteral()
				if err != nil {
					return nil, err
				}
				fr.Bodies[section] = append([]byte(nil), b...)
			case '"':
				q, err := s.readQuoted()
				if err != nil {
					return nil, err
				}
				fr.Bodies[section] = []byte(q)
			default:
				if !strings.EqualFold(s.readAtom(), "NIL") {
					return nil, fmt.Errorf("imap: unexpected BODY value in FETCH")
				}
			}

		default:
			// Unrequested item: skip its value.
			s.skipSpace()
			switch s.peek() {
			case '(':
				if _, err := s.skipBalanced(); err != nil {
					return nil, err
				}
			case '"':
				if _, err := s.readQuoted(); err != nil {
					return nil, err
				}
			case '{':
				if _, err := s.readLiteral(); err != nil {
					return nil, err
				}
			default:
				s.readAtom()
			}
		}
	}

	return fr, nil
}
