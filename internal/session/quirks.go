package session

import (
	"regexp"
	"strings"
)

// Quirks are server-specific deviations from RFC 3501 the session
// compensates for. Detection runs once the greeting and capabilities are
// known.
type Quirks struct {
	Gmail     bool // greeting begins "Gimap ready"
	Yahoo     bool // needs ID ("guid" "1") before authentication
	Rackspace bool // every non-INBOX mailbox lives under INBOX.
}

// GmailTrash is where Gmail deletion routes messages before \Deleted.
const GmailTrash = "[Gmail]/Trash"

// gmailFetchFailure is the error text Gmail emits on partially failed UID
// FETCH commands; it is logged and tolerated rather than retried.
const gmailFetchFailure = "Some messages could not be FETCHed (Failure)"

var (
	yahooHostRE     = regexp.MustCompile(`^imap(?:-ssl)?\.mail\.yahoo\.com$`)
	rackspaceHostRE = regexp.MustCompile(`emailsrvr\.com`)
)

// detectQuirks classifies the server from its greeting text and hostname.
func detectQuirks(host, greeting string) Quirks {
	var q Quirks
	text := greeting
	if i := strings.Index(text, "OK "); i >= 0 {
		text = text[i+3:]
	}
	if i := strings.Index(text, "] "); i >= 0 {
		text = text[i+2:]
	}
	if strings.HasPrefix(text, "Gimap ready") {
		q.Gmail = true
	}
	host = strings.ToLower(host)
	if yahooHostRE.MatchString(host) {
		q.Yahoo = true
	}
	if rackspaceHostRE.MatchString(host) {
		q.Rackspace = true
	}
	return q
}
