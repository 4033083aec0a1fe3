package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// Set is a UID set in wire form: a single UID, a closed range, a half-open
// range ("lo:*"), or an explicit list.
type Set struct {
	spec string
}

// Single returns a set of one UID.
func Single(uid uint32) Set {
	return Set{spec: strconv.FormatUint(uint64(uid), 10)}
}

// Range returns the closed range lo:hi.
func Range(lo, hi uint32) Set {
	if lo == hi {
		return Single(lo)
	}
	return Set{spec: fmt.Sprintf("%d:%d", lo, hi)}
}

// From returns the half-open infinite range lo:*.
func From(lo uint32) Set {
	return Set{spec: fmt.Sprintf("%d:*", lo)}
}

// List returns an explicit comma-separated set.
func List(uids []uint32) Set {
	parts := make([]string, len(uids))
	for i, u := range uids {
		parts[i] = strconv.FormatUint(uint64(u), 10)
	}
	return Set{spec: strings.Join(parts, ",")}
}

// Empty reports whether the set has no members.
func (s Set) Empty() bool { return s.spec == "" }

func (s Set) String() string { return s.spec }
