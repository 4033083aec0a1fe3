// Package session wraps one wire client with credentials, quirk handling,
// the open-mailbox state machine, and a retry envelope that reconnects on
// transient network failure.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/hkdb/larch/internal/logging"
	"github.com/hkdb/larch/internal/uri"
	"github.com/hkdb/larch/internal/wire"
	"github.com/rs/zerolog"
)

// ErrMailboxClosed is returned for operations against a mailbox handle
// whose session no longer has that mailbox open.
var ErrMailboxClosed = errors.New("imap: mailbox is closed")

// Options is the per-session option bag.
type Options struct {
	TLSVerify     bool
	CABundle      string
	MaxRetries    int
	DryRun        bool
	CreateMailbox bool
	// ReadOnly opens the URI mailbox with EXAMINE instead of SELECT.
	ReadOnly bool
}

// DefaultOptions returns the built-in defaults.
func DefaultOptions() Options {
	return Options{TLSVerify: true, MaxRetries: 3, CreateMailbox: true}
}

// Session is an authenticated, possibly-mailbox-selecting IMAP connection.
// Not safe for concurrent use; the pool leases each session to one task.
type Session struct {
	uri  *uri.URI
	opts Options
	log  zerolog.Logger

	client        *wire.Client
	authenticated bool
	quirks        Quirks

	state OpenState // actual open mailbox on the wire
	want  OpenState // mailbox the holder asked for, re-opened after reconnect

	// lastOpened holds FLAGS/PERMANENTFLAGS/UIDVALIDITY data from the most
	// recent EXAMINE or SELECT.
	lastOpened *wire.MailboxStatus
}

// New builds a session for the given account URI. No I/O happens until
// Start or the first operation.
func New(u *uri.URI, opts Options) *Session {
	return &Session{
		uri:  u,
		opts: opts,
		log:  logging.WithComponent("session").With().Str("server", u.ServerKey()).Logger(),
	}
}

// URI returns the account URI this session serves.
func (s *Session) URI() *uri.URI { return s.uri }

// Quirks returns the detected server quirks. Valid after Start.
func (s *Session) Quirks() Quirks { return s.quirks }

// State returns the current open-mailbox state.
func (s *Session) State() OpenState { return s.state }

// Connected reports whether the underlying connection is live.
func (s *Session) Connected() bool {
	if s.client == nil {
		return false
	}
	select {
	case <-s.client.Done():
		return false
	default:
		return true
	}
}

// Start connects and authenticates if not already done.
func (s *Session) Start(ctx context.Context) error {
	return s.Safely(ctx, func(*wire.Client) error { return nil })
}

// Stop logs out and discards the connection.
func (s *Session) Stop() {
	if s.client == nil {
		return
	}
	_ = s.client.Logout()
	s.client = nil
	s.authenticated = false
	s.state = OpenState{}
}

// discard drops the connection without ceremony, clearing authentication
// and open-mailbox state so the next attempt starts from scratch.
func (s *Session) discard() {
	if s.client != nil {
		_ = s.client.Close()
	}
	s.client = nil
	s.authenticated = false
	s.state = OpenState{}
}

// Safely runs op inside the retry envelope: lazily connect and
// authenticate, re-open the wanted mailbox, run op, and on failure either
// retry with linear backoff or surface the classified error.
func (s *Session) Safely(ctx context.Context, op func(c *wire.Client) error) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := s.step(ctx, op)
		if err == nil {
			return nil
		}
		lastErr = err

		switch {
		case wire.IsTLSVerifyError(err):
			return err // never retried
		case isFatal(err):
			return err
		case wire.IsNetworkError(err) || errors.Is(err, wire.ErrNotConnected):
			s.log.Warn().Err(err).Int("attempt", attempt+1).Msg("Connection error, will reconnect")
			s.discard()
		case wire.IsServerTransient(err):
			s.log.Warn().Err(err).Int("attempt", attempt+1).Msg("Server error, will retry")
		default:
			return err
		}

		if attempt >= s.opts.MaxRetries {
			return fmt.Errorf("giving up after %d retries: %w", s.opts.MaxRetries, lastErr)
		}
		if err := sleep(ctx, time.Duration(attempt+1)*time.Second); err != nil {
			return err
		}
	}
}

func isFatal(err error) bool {
	var authErr *wire.AuthError
	return errors.As(err, &authErr) ||
		errors.Is(err, wire.ErrNotAuthenticated) ||
		errors.Is(err, ErrMailboxClosed)
}

// step performs one attempt of the envelope.
func (s *Session) step(ctx context.Context, op func(c *wire.Client) error) error {
	if err := s.ensureConnected(ctx); err != nil {
		return err
	}
	if err := s.ensureOpen(); err != nil {
		return err
	}
	return s.await(ctx, func() error { return op(s.client) })
}

// await runs fn in a goroutine so ctx cancellation (the watchdog, a
// signal) is honored even while a command blocks on the wire. A cancelled
// command leaves the connection in an unknown state, so it is discarded.
func (s *Session) await(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		s.discard()
		return ctx.Err()
	}
}

func (s *Session) ensureConnected(ctx context.Context) error {
	if s.Connected() && s.authenticated {
		return nil
	}
	s.discard()

	cfg := wire.DefaultConfig()
	cfg.Host = s.uri.Host
	cfg.Port = s.uri.Port
	cfg.TLS = s.uri.TLS
	cfg.StartTLS = !s.uri.TLS // upgrade plain connections when advertised
	cfg.TLSVerify = s.opts.TLSVerify
	cfg.CABundle = s.opts.CABundle

	client, err := wire.New(cfg)
	if err != nil {
		return err
	}
	s.client = client

	if _, err := client.Capability(); err != nil {
		s.discard()
		return err
	}

	s.quirks = detectQuirks(s.uri.Host, client.Greeting())
	if s.quirks.Yahoo {
		// Yahoo rejects authentication until the client identifies itself.
		if err := client.ID(map[string]string{"guid": "1"}); err != nil {
			s.discard()
			return err
		}
	} else if logging.WireTrace() {
		// Identify ourselves to servers that care when someone is tracing.
		_ = client.ID(map[string]string{"name": "larch"})
	}

	if err := s.authenticate(); err != nil {
		s.discard()
		return err
	}
	s.authenticated = true

	// If the URI names a mailbox, the envelope keeps it open.
	if s.uri.Mailbox != "" && s.want.Closed() {
		mode := ModeSelected
		if s.opts.ReadOnly {
			mode = ModeExamined
		}
		s.want = OpenState{Mode: mode, Name: s.uri.Mailbox}
	}

	s.log.Debug().Bool("gmail", s.quirks.Gmail).Bool("yahoo", s.quirks.Yahoo).
		Bool("rackspace", s.quirks.Rackspace).Msg("Session established")
	return nil
}

// authPreference is the mechanism order tried against the advertised AUTH=
// list.
var authPreference = []string{"PLAIN", "LOGIN", "CRAM-MD5"}

func (s *Session) authenticate() error {
	advertised := s.client.AuthMethods()
	loginDisabled := s.client.HasCap("LOGINDISABLED")

	var candidates []string
	for _, pref := range authPreference {
		if loginDisabled && (pref == "PLAIN" || pref == "LOGIN") {
			continue
		}
		for _, adv := range advertised {
			if adv == pref {
				candidates = append(candidates, pref)
				break
			}
		}
	}
	if len(candidates) == 0 && !loginDisabled {
		candidates = append(candidates, "LOGIN-COMMAND")
	}
	if len(candidates) == 0 {
		return &wire.AuthError{Tried: []string{"none"}, Last: errors.New("no usable authentication method advertised")}
	}

	var tried []string
	var lastErr error
	for _, method := range candidates {
		tried = append(tried, method)
		var err error
		switch method {
		case "PLAIN":
			err = s.client.Authenticate(sasl.NewPlainClient("", s.uri.Username, s.uri.Password))
		case "LOGIN":
			err = s.client.Authenticate(sasl.NewLoginClient(s.uri.Username, s.uri.Password))
		case "CRAM-MD5":
			err = s.client.Authenticate(wire.NewCramMD5Client(s.uri.Username, s.uri.Password))
		case "LOGIN-COMMAND":
			err = s.client.Login(s.uri.Username, s.uri.Password)
		}
		if err == nil {
			s.log.Debug().Str("method", method).Msg("Authenticated")
			return nil
		}
		lastErr = err
		if wire.IsNetworkError(err) {
			return err // let the envelope reconnect instead of burning methods
		}
		s.log.Debug().Err(err).Str("method", method).Msg("Authentication method refused")
	}
	return &wire.AuthError{Tried: tried, Last: lastErr}
}

// ensureOpen converges the wire state to the wanted mailbox.
func (s *Session) ensureOpen() error {
	if s.state == s.want {
		return nil
	}
	if !s.state.Closed() {
		if err := s.toClosed(); err != nil {
			return err
		}
	}
	if s.want.Closed() {
		return nil
	}
	st, err := s.client.Select(s.want.Name, s.want.Mode == ModeExamined)
	if err != nil {
		return err
	}
	s.state = s.want
	s.lastOpened = st
	return nil
}

// toClosed transitions to Closed: CLOSE from Selected (expunging), and
// UNSELECT (or CLOSE, which does not expunge in Examined) from Examined.
func (s *Session) toClosed() error {
	var err error
	switch s.state.Mode {
	case ModeSelected:
		err = s.client.CloseMailbox()
	case ModeExamined:
		if s.client.HasCap("UNSELECT") {
			err = s.client.Unselect()
		} else {
			err = s.client.CloseMailbox()
		}
	}
	if err != nil {
		return err
	}
	s.state = OpenState{}
	return nil
}

// Open opens (or re-opens) a mailbox and returns the fresh SELECT/EXAMINE
// data. Transitions always pass through Closed so FLAGS and PERMANENTFLAGS
// are current afterward.
func (s *Session) Open(ctx context.Context, name string, readOnly bool) (*wire.MailboxStatus, error) {
	mode := ModeSelected
	if readOnly {
		mode = ModeExamined
	}
	s.want = OpenState{Mode: mode, Name: name}
	err := s.Safely(ctx, func(*wire.Client) error { return nil })
	if err != nil {
		return nil, err
	}
	return s.lastOpened, nil
}

// LastOpened returns the SELECT/EXAMINE data for the currently open
// mailbox, nil when none has been opened yet.
func (s *Session) LastOpened() *wire.MailboxStatus { return s.lastOpened }

// Unselect leaves the current mailbox without expunging: UNSELECT when
// advertised, otherwise the EXAMINE-then-CLOSE emulation.
func (s *Session) Unselect(ctx context.Context) error {
	if s.state.Closed() {
		s.want = OpenState{}
		return nil
	}
	name := s.state.Name
	err := s.Safely(ctx, func(c *wire.Client) error {
		if s.state.Mode == ModeSelected && !c.HasCap("UNSELECT") {
			// Re-open read-only first so CLOSE cannot expunge.
			if _, err := c.Select(name, true); err != nil {
				return err
			}
			s.state = OpenState{Mode: ModeExamined, Name: name}
		}
		if c.HasCap("UNSELECT") {
			if err := c.Unselect(); err != nil {
				return err
			}
		} else if err := c.CloseMailbox(); err != nil {
			return err
		}
		s.state = OpenState{}
		return nil
	})
	if err == nil {
		s.want = OpenState{}
	}
	return err
}

// requireOpen guards operations bound to a specific open mailbox.
func (s *Session) requireOpen(name string) error {
	if s.want.Closed() || s.want.Name != name {
		return fmt.Errorf("%w: %s", ErrMailboxClosed, name)
	}
	return nil
}

// TranslateMailbox maps a mailbox name to the server's expectation,
// applying the Rackspace INBOX.-rooting rewrite.
func (s *Session) TranslateMailbox(name, delim string) string {
	if !s.quirks.Rackspace || strings.EqualFold(name, "INBOX") {
		return name
	}
	if delim == "" {
		delim = "."
	}
	if strings.HasPrefix(name, "INBOX"+delim) {
		return name
	}
	if strings.Contains(name, delim) {
		s.log.Warn().Str("mailbox", name).Msg("Rewriting nested mailbox under INBOX. for Rackspace")
	}
	return "INBOX" + delim + name
}

// --- mailbox-scoped operations, all inside the envelope ---

// List runs LIST against the server.
func (s *Session) List(ctx context.Context, ref, pattern string) ([]*wire.ListItem, error) {
	var items []*wire.ListItem
	err := s.Safely(ctx, func(c *wire.Client) error {
		var err error
		items, err = c.List(ref, pattern)
		return err
	})
	return items, err
}

// Lsub runs LSUB against the server.
func (s *Session) Lsub(ctx context.Context, ref, pattern string) ([]*wire.ListItem, error) {
	var items []*wire.ListItem
	err := s.Safely(ctx, func(c *wire.Client) error {
		var err error
		items, err = c.Lsub(ref, pattern)
		return err
	})
	return items, err
}

// Status fetches STATUS attributes for a mailbox without opening it.
func (s *Session) Status(ctx context.Context, name string, attrs []string) (map[string]uint32, error) {
	var m map[string]uint32
	err := s.Safely(ctx, func(c *wire.Client) error {
		var err error
		m, err = c.Status(name, attrs)
		return err
	})
	return m, err
}

// Fetch runs UID FETCH against the open mailbox, tolerating Gmail's
// partial-failure error by logging and returning the rows that arrived.
func (s *Session) Fetch(ctx context.Context, mailbox string, set wire.Set, items []string) ([]*wire.FetchRecord, error) {
	if err := s.requireOpen(mailbox); err != nil {
		return nil, err
	}
	var records []*wire.FetchRecord
	err := s.Safely(ctx, func(c *wire.Client) error {
		var err error
		records, err = c.UIDFetch(set, items)
		if err != nil && s.quirks.Gmail {
			var se *wire.ServerError
			if errors.As(err, &se) && strings.Contains(se.Text, gmailFetchFailure) {
				s.log.Warn().Str("mailbox", mailbox).Msg("Gmail refused part of a FETCH; continuing with returned rows")
				return nil
			}
		}
		return err
	})
	return records, err
}

// Append adds a message to the named mailbox. Suppressed by dry-run.
func (s *Session) Append(ctx context.Context, mailbox string, body []byte, flags []string, internalDate time.Time) error {
	if s.opts.DryRun {
		s.log.Info().Str("mailbox", mailbox).Int("size", len(body)).Msg("dry-run: would APPEND")
		return nil
	}
	return s.Safely(ctx, func(c *wire.Client) error {
		return c.Append(mailbox, body, flags, internalDate)
	})
}

// StoreFlags replaces flags on a UID set with FLAGS.SILENT. Suppressed by
// dry-run.
func (s *Session) StoreFlags(ctx context.Context, mailbox string, set wire.Set, flags []string) error {
	if err := s.requireOpen(mailbox); err != nil {
		return err
	}
	if s.opts.DryRun {
		s.log.Info().Str("mailbox", mailbox).Str("uids", set.String()).Strs("flags", flags).Msg("dry-run: would STORE")
		return nil
	}
	return s.Safely(ctx, func(c *wire.Client) error {
		return c.UIDStore(set, "FLAGS.SILENT", flags)
	})
}

// MarkDeleted flags a UID set \Deleted, routing through the Gmail Trash
// copy first when the quirk applies. Suppressed by dry-run.
func (s *Session) MarkDeleted(ctx context.Context, mailbox string, set wire.Set) error {
	if err := s.requireOpen(mailbox); err != nil {
		return err
	}
	if s.opts.DryRun {
		s.log.Info().Str("mailbox", mailbox).Str("uids", set.String()).Msg("dry-run: would delete")
		return nil
	}
	return s.Safely(ctx, func(c *wire.Client) error {
		if s.quirks.Gmail {
			if err := c.UIDCopy(set, GmailTrash); err != nil {
				return err
			}
		}
		return c.UIDStore(set, "+FLAGS", []string{`\Deleted`})
	})
}

// Expunge expunges the open mailbox. Suppressed by dry-run.
func (s *Session) Expunge(ctx context.Context, mailbox string) error {
	if err := s.requireOpen(mailbox); err != nil {
		return err
	}
	if s.opts.DryRun {
		s.log.Info().Str("mailbox", mailbox).Msg("dry-run: would EXPUNGE")
		return nil
	}
	return s.Safely(ctx, func(c *wire.Client) error {
		return c.Expunge()
	})
}

// Create makes a mailbox. Suppressed by dry-run.
func (s *Session) Create(ctx context.Context, name string) error {
	if s.opts.DryRun {
		s.log.Info().Str("mailbox", name).Msg("dry-run: would CREATE")
		return nil
	}
	return s.Safely(ctx, func(c *wire.Client) error {
		return c.Create(name)
	})
}

// Subscribe mirrors the subscription bit. Suppressed by dry-run.
func (s *Session) Subscribe(ctx context.Context, name string) error {
	if s.opts.DryRun {
		s.log.Info().Str("mailbox", name).Msg("dry-run: would SUBSCRIBE")
		return nil
	}
	return s.Safely(ctx, func(c *wire.Client) error {
		return c.Subscribe(name)
	})
}

// Unsubscribe clears the subscription bit. Suppressed by dry-run.
func (s *Session) Unsubscribe(ctx context.Context, name string) error {
	if s.opts.DryRun {
		s.log.Info().Str("mailbox", name).Msg("dry-run: would UNSUBSCRIBE")
		return nil
	}
	return s.Safely(ctx, func(c *wire.Client) error {
		return c.Unsubscribe(name)
	})
}

// Noop confirms liveness after a watchdog wakeup.
func (s *Session) Noop(ctx context.Context) error {
	return s.Safely(ctx, func(c *wire.Client) error {
		return c.Noop()
	})
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
