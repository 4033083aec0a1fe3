package config

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// Exclusion matches mailbox names against a glob or /regex/ pattern,
// case-insensitively. Globs are anchored to the full name; a /regex/
// pattern matches anywhere in the name unless it carries its own anchors.
type Exclusion struct {
	Pattern string // as written in the config
	re      *regexp.Regexp
}

// Match reports whether the full mailbox name is excluded.
func (e *Exclusion) Match(name string) bool {
	return e.re.MatchString(name)
}

// CompileExclusion compiles one exclusion pattern. Patterns wrapped in
// slashes are regular expressions; anything else is a glob where * matches
// any run and ? any single character.
func CompileExclusion(pattern string) (*Exclusion, error) {
	var expr string
	if len(pattern) > 1 && strings.HasPrefix(pattern, "/") {
		body := pattern[1:]
		// Allow a trailing /i, the classic case-insensitive marker; all
		// exclusions are case-insensitive regardless.
		body = strings.TrimSuffix(body, "/i")
		body = strings.TrimSuffix(body, "/")
		expr = body
	} else {
		expr = globToRegexp(pattern)
	}

	re, err := regexp.Compile("(?i)" + expr)
	if err != nil {
		return nil, fmt.Errorf("bad exclusion pattern %q: %w", pattern, err)
	}
	return &Exclusion{Pattern: pattern, re: re}, nil
}

// globToRegexp converts a glob to an anchored regexp source: * becomes .*
// and ? becomes . with everything else taken literally.
func globToRegexp(glob string) string {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range glob {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return b.String()
}

// CompileExclusions compiles a pattern list.
func CompileExclusions(patterns []string) ([]*Exclusion, error) {
	var out []*Exclusion
	for _, p := range patterns {
		e, err := CompileExclusion(p)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// LoadExcludeFile reads one pattern per line; lines beginning with # are
// comments and blank lines are skipped.
func LoadExcludeFile(path string) ([]*Exclusion, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open exclude file: %w", err)
	}
	defer f.Close()

	var out []*Exclusion
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		e, err := CompileExclusion(line)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read exclude file: %w", err)
	}
	return out, nil
}

// Excluded reports whether name matches any compiled exclusion.
func Excluded(name string, exclusions []*Exclusion) bool {
	for _, e := range exclusions {
		if e.Match(name) {
			return true
		}
	}
	return false
}
