package wire

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/hkdb/larch/internal/wire/utf7"
)

// quote renders s as an IMAP astring argument.
func quote(s string) string {
	if s == "" {
		return `""`
	}
	needs := false
	for i := 0; i < len(s); i++ {
		b := s[i]
		if b == ' ' || b == '"' || b == '\\' || b == '(' || b == ')' || b == '{' || b == '%' || b == '*' || b < 0x20 || b > 0x7e {
			needs = true
			break
		}
	}
	if !needs {
		return s
	}
	var buf strings.Builder
	buf.WriteByte('"')
	for i := 0; i < len(s); i++ {
		if s[i] == '"' || s[i] == '\\' {
			buf.WriteByte('\\')
		}
		buf.WriteByte(s[i])
	}
	buf.WriteByte('"')
	return buf.String()
}

// mailboxArg encodes a UTF-8 mailbox name for the wire.
func mailboxArg(name string) string {
	return quote(utf7.Encode(name))
}

// Capability refreshes and returns the capability set. If the greeting
// already carried capabilities no command is issued.
func (c *Client) Capability() ([]string, error) {
	if caps := c.Caps(); len(caps) > 0 {
		return caps, nil
	}
	c.drop("CAPABILITY")
	if err := c.check("CAPABILITY"); err != nil {
		return nil, err
	}
	return c.Caps(), nil
}

// Login authenticates with the LOGIN command.
func (c *Client) Login(username, password string) error {
	return c.check("LOGIN", quote(username), quote(password))
}

// Authenticate runs an AUTHENTICATE exchange with the given SASL mechanism.
func (c *Client) Authenticate(mech sasl.Client) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	name, ir, err := mech.Start()
	if err != nil {
		return fmt.Errorf("SASL start: %w", err)
	}

	tag := c.nextTag()
	ch := c.addPending(tag)

	line := tag + " AUTHENTICATE " + name
	useIR := ir != nil && c.HasCap("SASL-IR")
	if useIR {
		line += " " + base64.StdEncoding.EncodeToString(ir)
	}
	c.trace("C", tag+" AUTHENTICATE "+name)
	if err := c.send(line); err != nil {
		c.completePending(tag, result{err: err})
		<-ch
		return err
	}

	sentInitial := useIR
	for {
		select {
		case cont := <-c.contCh:
			if cont.err != nil {
				return cont.err
			}
			var resp []byte
			if !sentInitial && ir != nil {
				resp = ir
				sentInitial = true
			} else {
				challenge, err := base64.StdEncoding.DecodeString(cont.text)
				if err != nil {
					_ = c.send("*")
					return fmt.Errorf("decoding SASL challenge: %w", err)
				}
				resp, err = mech.Next(challenge)
				if err != nil {
					_ = c.send("*")
					return fmt.Errorf("SASL step: %w", err)
				}
			}
			if err := c.send(base64.StdEncoding.EncodeToString(resp)); err != nil {
				return err
			}

		case r := <-ch:
			if r.err != nil {
				return r.err
			}
			if r.status != "OK" {
				return &ServerError{Command: "AUTHENTICATE " + name, Status: r.status, Code: r.code, Text: r.text}
			}
			return nil
		}
	}
}

// List issues LIST and returns rows in server order.
func (c *Client) List(ref, pattern string) ([]*ListItem, error) {
	return c.listCmd("LIST", ref, pattern)
}

// Lsub issues LSUB and returns rows in server order.
func (c *Client) Lsub(ref, pattern string) ([]*ListItem, error) {
	return c.listCmd("LSUB", ref, pattern)
}

func (c *Client) listCmd(cmd, ref, pattern string) ([]*ListItem, error) {
	c.drop(cmd)
	if _, err := c.execute(cmd, quote(ref), quote(utf7.Encode(pattern))); err != nil {
		return nil, err
	}
	var items []*ListItem
	for _, line := range c.take(cmd) {
		item, err := parseList(line)
		if err != nil {
			return nil, &ServerError{Command: cmd, Status: "BAD", Text: err.Error()}
		}
		items = append(items, item)
	}
	return items, nil
}

// selectKeys are the untagged names refreshed by SELECT/EXAMINE.
var selectKeys = []string{
	"FLAGS", "PERMANENTFLAGS", "EXISTS", "RECENT",
	"UIDVALIDITY", "UIDNEXT", "UNSEEN", "READ-ONLY", "READ-WRITE",
}

// Select opens a mailbox read-write (readOnly=false) or via EXAMINE
// (readOnly=true) and returns the state extracted from the untagged
// responses.
func (c *Client) Select(name string, readOnly bool) (*MailboxStatus, error) {
	cmd := "SELECT"
	if readOnly {
		cmd = "EXAMINE"
	}
	c.drop(selectKeys...)
	if _, err := c.execute(cmd, mailboxArg(name)); err != nil {
		return nil, err
	}

	st := &MailboxStatus{ReadOnly: readOnly}
	if v := c.take("FLAGS"); len(v) > 0 {
		st.Flags = parseFlagLine(v[len(v)-1])
	}
	if v := c.take("PERMANENTFLAGS"); len(v) > 0 {
		st.PermanentFlags = parseFlagLine(v[len(v)-1])
	}
	st.Exists = takeUint32(c, "EXISTS")
	st.Recent = takeUint32(c, "RECENT")
	st.UIDValidity = takeUint32(c, "UIDVALIDITY")
	st.UIDNext = takeUint32(c, "UIDNEXT")
	if len(c.take("READ-ONLY")) > 0 {
		st.ReadOnly = true
	}
	if len(c.take("READ-WRITE")) > 0 {
		st.ReadOnly = false
	}
	c.drop("UNSEEN")
	return st, nil
}

func parseFlagLine(b []byte) []string {
	s := &scanner{data: b}
	s.skipSpace()
	if s.peek() == '(' {
		flags, err := s.readFlagList()
		if err == nil {
			return flags
		}
	}
	return strings.Fields(string(b))
}

func takeUint32(c *Client, name string) uint32 {
	v := c.take(name)
	if len(v) == 0 {
		return 0
	}
	var n uint32
	fmt.Sscanf(string(v[len(v)-1]), "%d", &n)
	return n
}

// Status returns the requested STATUS attributes for a mailbox.
func (c *Client) Status(name string, attrs []string) (map[string]uint32, error) {
	if len(attrs) == 0 {
		attrs = []string{"MESSAGES", "UIDNEXT", "UIDVALIDITY"}
	}
	c.drop("STATUS")
	if _, err := c.execute("STATUS", mailboxArg(name), "("+strings.Join(attrs, " ")+")"); err != nil {
		return nil, err
	}
	for _, line := range c.take("STATUS") {
		_, m, err := parseStatus(line)
		if err != nil {
			return nil, &ServerError{Command: "STATUS", Status: "BAD", Text: err.Error()}
		}
		return m, nil
	}
	return nil, &ServerError{Command: "STATUS", Status: "BAD", Text: "missing untagged STATUS response"}
}

// UIDFetch fetches the given items for a UID set. Rows parsed before a
// server error are returned alongside it, so a quirk layer can decide to
// tolerate partial failures.
func (c *Client) UIDFetch(set Set, items []string) ([]*FetchRecord, error) {
	if set.Empty() {
		return nil, nil
	}
	c.drop("FETCH")
	_, execErr := c.execute("UID FETCH", set.String(), "("+strings.Join(items, " ")+")")

	var records []*FetchRecord
	for _, rec := range c.take("FETCH") {
		fr, err := parseFetch(rec)
		if err != nil {
			if execErr == nil {
				execErr = &ServerError{Command: "UID FETCH", Status: "BAD", Text: err.Error()}
			}
			continue
		}
		records = append(records, fr)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].UID < records[j].UID })
	return records, execErr
}

// Append adds one message to the named mailbox. flags must not contain
// \Recent; callers filter it before the call.
func (c *Client) Append(name string, body []byte, flags []string, internalDate time.Time) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	tag := c.nextTag()
	ch := c.addPending(tag)

	var line strings.Builder
	line.WriteString(tag)
	line.WriteString(" APPEND ")
	line.WriteString(mailboxArg(name))
	if len(flags) > 0 {
		line.WriteString(" (")
		line.WriteString(strings.Join(flags, " "))
		line.WriteByte(')')
	}
	if !internalDate.IsZero() {
		line.WriteString(" \"")
		line.WriteString(FormatInternalDate(internalDate))
		line.WriteString("\"")
	}
	fmt.Fprintf(&line, " {%d}", len(body))

	c.trace("C", line.String())
	if err := c.send(line.String()); err != nil {
		c.completePending(tag, result{err: err})
		<-ch
		return err
	}

	// Wait for the continuation before shipping the literal.
	select {
	case cont := <-c.contCh:
		if cont.err != nil {
			return cont.err
		}
	case r := <-ch:
		if r.err != nil {
			return r.err
		}
		return &ServerError{Command: "APPEND", Status: r.status, Code: r.code, Text: r.text}
	}

	if _, err := c.conn.Write(body); err != nil {
		c.handleDisconnect(err)
		return fmt.Errorf("write literal: %w", err)
	}
	if err := c.send(""); err != nil {
		return err
	}

	r := <-ch
	if r.err != nil {
		return r.err
	}
	if r.status != "OK" {
		return &ServerError{Command: "APPEND", Status: r.status, Code: r.code, Text: r.text}
	}
	return nil
}

// UIDStore applies a STORE item (FLAGS.SILENT, +FLAGS, -FLAGS, …) to a set.
func (c *Client) UIDStore(set Set, item string, flags []string) error {
	if set.Empty() {
		return nil
	}
	c.drop("FETCH")
	defer c.drop("FETCH") // non-SILENT stores echo FETCH rows; discard them
	return c.check("UID STORE", set.String(), item, "("+strings.Join(flags, " ")+")")
}

// UIDCopy copies a set into the named mailbox on the same server.
func (c *Client) UIDCopy(set Set, dest string) error {
	if set.Empty() {
		return nil
	}
	return c.check("UID COPY", set.String(), mailboxArg(dest))
}

// Expunge permanently removes \Deleted messages from the open mailbox.
func (c *Client) Expunge() error {
	c.drop("EXPUNGE")
	return c.check("EXPUNGE")
}

// CloseMailbox issues CLOSE: silently expunges \Deleted messages when the
// mailbox was SELECTed (not when EXAMINEd), then leaves the selected state.
func (c *Client) CloseMailbox() error {
	return c.check("CLOSE")
}

// Unselect issues UNSELECT (RFC 3691). The caller checks the capability.
func (c *Client) Unselect() error {
	return c.check("UNSELECT")
}

// Noop is the liveness heartbeat.
func (c *Client) Noop() error {
	return c.check("NOOP")
}

// Create makes a new mailbox.
func (c *Client) Create(name string) error {
	return c.check("CREATE", mailboxArg(name))
}

// Subscribe adds the mailbox to the subscription list.
func (c *Client) Subscribe(name string) error {
	return c.check("SUBSCRIBE", mailboxArg(name))
}

// Unsubscribe removes the mailbox from the subscription list.
func (c *Client) Unsubscribe(name string) error {
	return c.check("UNSUBSCRIBE", mailboxArg(name))
}

// ID sends an RFC 2971 ID command with the given fields, NIL when empty.
func (c *Client) ID(fields map[string]string) error {
	if !c.HasCap("ID") {
		return nil
	}
	arg := "NIL"
	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var parts []string
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%q %q", k, fields[k]))
		}
		arg = "(" + strings.Join(parts, " ") + ")"
	}
	c.drop("ID")
	defer c.drop("ID")
	return c.check("ID", arg)
}

// Logout says goodbye and closes the socket.
func (c *Client) Logout() error {
	err := c.check("LOGOUT")
	_ = c.Close()
	return err
}
