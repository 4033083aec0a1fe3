package sync

import (
	"strings"

	"github.com/rs/zerolog"
)

// systemFlags are the RFC 3501 flags stored in the catalog as bare tokens.
var systemFlags = map[string]string{
	"seen":     `\Seen`,
	"answered": `\Answered`,
	"flagged":  `\Flagged`,
	"deleted":  `\Deleted`,
	"draft":    `\Draft`,
	"recent":   `\Recent`,
}

// flagsToCatalog converts wire flag tokens to catalog tokens: known flags
// lose their backslash, custom keywords keep their $-prefixed form.
func flagsToCatalog(wireFlags []string) []string {
	out := make([]string, 0, len(wireFlags))
	for _, f := range wireFlags {
		if strings.HasPrefix(f, `\`) {
			if _, ok := systemFlags[strings.ToLower(f[1:])]; ok {
				out = append(out, f[1:])
				continue
			}
		}
		out = append(out, f)
	}
	return out
}

// flagsToWire is the inverse of flagsToCatalog.
func flagsToWire(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if wire, ok := systemFlags[strings.ToLower(t)]; ok {
			out = append(out, wire)
			continue
		}
		out = append(out, t)
	}
	return out
}

// sameFlags compares two flag sets regardless of order.
func sameFlags(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, f := range a {
		seen[strings.ToLower(f)]++
	}
	for _, f := range b {
		seen[strings.ToLower(f)]--
		if seen[strings.ToLower(f)] < 0 {
			return false
		}
	}
	return true
}

// filterStorableFlags drops \Recent and any flag the destination mailbox
// does not accept per its FLAGS/PERMANENTFLAGS. A PERMANENTFLAGS entry of
// \* admits arbitrary keywords. Dropped flags are logged.
func filterStorableFlags(flags []string, accepted []string, log zerolog.Logger) []string {
	acceptAny := len(accepted) == 0
	acceptKeywords := false
	acceptSet := make(map[string]bool, len(accepted))
	for _, f := range accepted {
		if f == `\*` {
			acceptKeywords = true
			continue
		}
		acceptSet[strings.ToLower(f)] = true
	}

	out := make([]string, 0, len(flags))
	for _, f := range flags {
		if strings.EqualFold(f, `\Recent`) {
			continue
		}
		switch {
		case acceptAny, acceptSet[strings.ToLower(f)]:
			out = append(out, f)
		case acceptKeywords && !strings.HasPrefix(f, `\`):
			out = append(out, f)
		default:
			log.Debug().Str("flag", f).Msg("Destination does not accept flag, dropping")
		}
	}
	return out
}

// hasFlag reports whether the set contains the flag, case-insensitively.
func hasFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, flag) {
			return true
		}
	}
	return false
}
