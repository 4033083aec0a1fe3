package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/hkdb/larch/internal/catalog"
	"github.com/hkdb/larch/internal/session"
	"github.com/hkdb/larch/internal/uri"
	"github.com/hkdb/larch/internal/wire"
	"github.com/rs/zerolog"
)

const (
	// scanInterval is the minimum time between scans of one mailbox.
	scanInterval = 60 * time.Second
	// scanBlock bounds the UID range of one enumeration FETCH.
	scanBlock = 1024
	// flagBlock bounds the UID range of one flag-refresh FETCH.
	flagBlock = 16384
)

// scanItems is the enumeration FETCH item list; fast-scan drops the
// Message-Id header peek and accepts the reduced GUID entropy.
var scanItems = []string{
	"UID", "BODY.PEEK[HEADER.FIELDS (MESSAGE-ID)]",
	"RFC822.SIZE", "INTERNALDATE", "FLAGS",
}

var fastScanItems = []string{"UID", "RFC822.SIZE", "INTERNALDATE", "FLAGS"}

// messageIDSection matches the BODY.PEEK request above in FETCH responses.
const messageIDSection = "HEADER.FIELDS (MESSAGE-ID)"

// Mailbox is the unit of sync: one server mailbox plus its catalog rows.
// Created by its Account at discovery; destroyed only by the Account when
// the server stops listing it.
type Mailbox struct {
	account    *Account
	name       string // canonical, "/"-delimited
	delim      string
	attrs      []string
	subscribed bool

	row       *catalog.Mailbox
	lastScan  time.Time
	refreshed bool // flag-refresh pass already ran this process
	phantom   bool // dry-run creation: the server has no such mailbox

	// acceptedFlags caches FLAGS/PERMANENTFLAGS from the last open, used
	// to filter appends and stores.
	acceptedFlags []string

	log zerolog.Logger
}

func newMailbox(a *Account, name string, li *wire.ListItem) *Mailbox {
	return &Mailbox{
		account: a,
		name:    name,
		delim:   li.Delim,
		attrs:   li.Attrs,
		log:     a.log.With().Str("mailbox", name).Logger(),
	}
}

// Name returns the canonical mailbox name.
func (m *Mailbox) Name() string { return m.name }

// Subscribed reports the LSUB bit.
func (m *Mailbox) Subscribed() bool { return m.subscribed }

// HasAttr reports whether the server listed the given attribute flag.
func (m *Mailbox) HasAttr(name string) bool {
	for _, a := range m.attrs {
		if len(a) == len(name) && (a == name || equalFoldASCII(a, name)) {
			return true
		}
	}
	return false
}

func equalFoldASCII(a, b string) bool {
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca += 32
		}
		if cb >= 'A' && cb <= 'Z' {
			cb += 32
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// Selectable reports whether the mailbox can be opened; Noselect mailboxes
// are containers only.
func (m *Mailbox) Selectable() bool {
	return !m.HasAttr(`\Noselect`)
}

// uri returns the account URI scoped to this mailbox, the pool's
// mailbox-sensitive lease key.
func (m *Mailbox) uri() *uri.URI {
	u := *m.account.uri
	u.Mailbox = m.account.serverName(m.name)
	return &u
}

// open opens the mailbox on the session and caches the accepted flag set.
func (m *Mailbox) open(ctx context.Context, s *session.Session, readOnly bool) (string, error) {
	server := s.TranslateMailbox(m.account.serverName(m.name), m.delim)
	st, err := s.Open(ctx, server, readOnly)
	if err != nil {
		return "", err
	}
	accepted := st.PermanentFlags
	if len(accepted) == 0 {
		accepted = st.Flags
	}
	m.acceptedFlags = accepted
	return server, nil
}

// Scan converges the catalog with the server: STATUS, UIDVALIDITY check,
// block enumeration of new UIDs, and a flag-refresh pass over the
// already-catalogued range on the first scan of a run. Skipped when the
// last successful scan is under a minute old.
func (m *Mailbox) Scan(ctx context.Context) error {
	if !m.Selectable() || m.phantom {
		return nil
	}
	if time.Since(m.lastScan) < scanInterval {
		m.log.Debug().Msg("Scan skipped, last scan too recent")
		return nil
	}
	if m.row == nil {
		return fmt.Errorf("mailbox %q has no catalog row", m.name)
	}

	return m.account.pool.Hold(ctx, m.uri(), func(s *session.Session) error {
		server := s.TranslateMailbox(m.account.serverName(m.name), m.delim)

		status, err := s.Status(ctx, server, []string{"MESSAGES", "UIDNEXT", "UIDVALIDITY"})
		if err != nil {
			return fmt.Errorf("STATUS %s: %w", m.name, err)
		}
		validity := status["UIDVALIDITY"]
		uidNext := status["UIDNEXT"]

		var refreshHi uint32
		if m.row.UIDValidity == 0 || m.row.UIDValidity != validity {
			if m.row.UIDValidity != 0 {
				m.log.Info().
					Uint32("old", m.row.UIDValidity).
					Uint32("new", validity).
					Msg("UIDVALIDITY changed, invalidating cached messages")
			}
			if err := m.account.db.ResetMailboxValidity(m.row, validity); err != nil {
				return err
			}
		} else if !m.refreshed && m.row.UIDNext > 1 {
			refreshHi = m.row.UIDNext - 1
		}

		lo := m.row.UIDNext
		if lo < 1 {
			lo = 1
		}
		var hi uint32
		if uidNext > 0 {
			hi = uidNext - 1
		}

		if lo <= hi || refreshHi >= 1 {
			if _, err := m.open(ctx, s, true); err != nil {
				return fmt.Errorf("open %s: %w", m.name, err)
			}
		}

		if lo <= hi {
			if err := m.enumerate(ctx, s, server, lo, hi); err != nil {
				return err
			}
		}
		if refreshHi >= 1 {
			if err := m.refreshFlags(ctx, s, server, refreshHi); err != nil {
				return err
			}
		}

		// Record where the next run picks up, past any trailing UIDs the
		// server reported but never returned.
		if uidNext > m.row.UIDNext {
			if err := m.account.db.SetMailboxUIDNext(m.row, uidNext); err != nil {
				return err
			}
		}

		m.refreshed = true
		m.lastScan = time.Now()
		return nil
	})
}

// enumerate catalogs the UID range lo..hi in blocks, computing GUIDs and
// advancing the stored UIDNEXT after each block so a crash resumes cheaply.
func (m *Mailbox) enumerate(ctx context.Context, s *session.Session, server string, lo, hi uint32) error {
	items := scanItems
	if m.account.opts.FastScan {
		items = fastScanItems
	}

	total := uint64(hi-lo+1)
	stored := uint64(0)
	lastPct := -1
	reportProgress := total > 4*scanBlock

	for blockLo := lo; blockLo <= hi; {
		blockHi := blockLo + scanBlock - 1
		if blockHi > hi || blockHi < blockLo {
			blockHi = hi
		}

		records, err := s.Fetch(ctx, server, wire.Range(blockLo, blockHi), items)
		if err != nil {
			return fmt.Errorf("FETCH %s %d:%d: %w", m.name, blockLo, blockHi, err)
		}

		msgs := make([]*catalog.Message, 0, len(records))
		for _, r := range records {
			var msgID string
			if b, ok := r.Body(messageIDSection); ok {
				msgID = ExtractMessageID(b)
			}
			msgs = append(msgs, &catalog.Message{
				UID:          r.UID,
				GUID:         MessageGUID(msgID, r.Size, r.InternalDate.Unix()),
				MessageID:    msgID,
				Size:         r.Size,
				InternalDate: r.InternalDate.Unix(),
				Flags:        catalog.JoinFlags(flagsToCatalog(r.Flags)),
			})
		}
		if err := m.account.db.InsertMessages(m.row, msgs); err != nil {
			return err
		}

		stored += uint64(blockHi - blockLo + 1)
		if reportProgress {
			if pct := int(stored * 100 / total); pct > lastPct {
				lastPct = pct
				m.log.Info().Int("percent", pct).Msg("Scanning")
			}
		}

		if blockHi == hi {
			break
		}
		blockLo = blockHi + 1
	}
	return nil
}

// refreshFlags re-reads flags for UIDs 1..hi, updating changed rows and
// removing rows whose UIDs the server no longer returns: those messages
// have been expunged server-side.
func (m *Mailbox) refreshFlags(ctx context.Context, s *session.Session, server string, hi uint32) error {
	total := uint64(hi)
	done := uint64(0)
	lastPct := -1
	reportProgress := total > 4*flagBlock

	for blockLo := uint32(1); blockLo <= hi; {
		blockHi := blockLo + flagBlock - 1
		if blockHi > hi || blockHi < blockLo {
			blockHi = hi
		}

		records, err := s.Fetch(ctx, server, wire.Range(blockLo, blockHi), []string{"UID", "FLAGS"})
		if err != nil {
			return fmt.Errorf("FETCH flags %s %d:%d: %w", m.name, blockLo, blockHi, err)
		}
		present := make(map[uint32][]string, len(records))
		for _, r := range records {
			present[r.UID] = r.Flags
		}

		rows, err := m.account.db.ListMessagesInRange(m.row.ID, blockLo, blockHi)
		if err != nil {
			return err
		}

		var gone []uint32
		for _, row := range rows {
			flags, ok := present[row.UID]
			if !ok {
				gone = append(gone, row.UID)
				continue
			}
			joined := catalog.JoinFlags(flagsToCatalog(flags))
			if joined != row.Flags {
				if err := m.account.db.UpdateMessageFlags(row.ID, joined); err != nil {
					return err
				}
			}
		}
		if len(gone) > 0 {
			m.log.Debug().Int("count", len(gone)).Msg("Removing expunged messages from catalog")
			if err := m.account.db.DeleteMessagesByUID(m.row.ID, gone); err != nil {
				return err
			}
		}

		done += uint64(blockHi - blockLo + 1)
		if reportProgress {
			if pct := int(done * 100 / total); pct > lastPct {
				lastPct = pct
				m.log.Info().Int("percent", pct).Msg("Refreshing flags")
			}
		}

		if blockHi == hi {
			break
		}
		blockLo = blockHi + 1
	}
	return nil
}

// Messages returns the catalog rows in UID order. Valid after Scan.
func (m *Mailbox) Messages() ([]*catalog.Message, error) {
	return m.account.db.ListMessages(m.row.ID)
}

// Count returns the catalog size.
func (m *Mailbox) Count() (int, error) {
	return m.account.db.CountMessages(m.row.ID)
}

// GUIDs returns the set of GUIDs currently catalogued.
func (m *Mailbox) GUIDs() (map[string]bool, error) {
	return m.account.db.GUIDSet(m.row.ID)
}

// MessageByGUID returns the first catalog row with the GUID, nil if none.
func (m *Mailbox) MessageByGUID(guid string) (*catalog.Message, error) {
	return m.account.db.GetMessageByGUID(m.row.ID, guid)
}

// FetchFull peeks the complete message for one UID: body, flags,
// internal date, and envelope.
func (m *Mailbox) FetchFull(ctx context.Context, row *catalog.Message) (*Message, error) {
	var msg *Message
	err := m.account.pool.Hold(ctx, m.uri(), func(s *session.Session) error {
		server, err := m.open(ctx, s, true)
		if err != nil {
			return err
		}
		records, err := s.Fetch(ctx, server, wire.Single(row.UID),
			[]string{"UID", "BODY.PEEK[]", "FLAGS", "INTERNALDATE", "ENVELOPE"})
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return fmt.Errorf("message uid %d not returned by server", row.UID)
		}
		r := records[0]
		body, ok := r.Body("")
		if !ok {
			return fmt.Errorf("message uid %d returned without body", row.UID)
		}
		msg = &Message{
			GUID:         row.GUID,
			Envelope:     r.Envelope,
			Body:         body,
			Flags:        r.Flags,
			InternalDate: r.InternalDate,
		}
		return nil
	})
	return msg, err
}

// Append adds an in-flight message, filtering flags the destination does
// not accept and always stripping \Recent.
func (m *Mailbox) Append(ctx context.Context, msg *Message) error {
	if m.phantom {
		m.log.Info().Str("guid", msg.GUID).Msg("dry-run: would APPEND to mailbox pending creation")
		return nil
	}
	return m.account.pool.Hold(ctx, m.uri(), func(s *session.Session) error {
		server, err := m.open(ctx, s, true)
		if err != nil {
			return err
		}
		flags := filterStorableFlags(msg.Flags, m.acceptedFlags, m.log)
		return s.Append(ctx, server, msg.Body, flags, msg.InternalDate)
	})
}

// SetFlags replaces a message's flags at the server and in the catalog.
func (m *Mailbox) SetFlags(ctx context.Context, row *catalog.Message, wireFlags []string) error {
	return m.account.pool.Hold(ctx, m.uri(), func(s *session.Session) error {
		server, err := m.open(ctx, s, false)
		if err != nil {
			return err
		}
		flags := filterStorableFlags(wireFlags, m.acceptedFlags, m.log)
		if err := s.StoreFlags(ctx, server, wire.Single(row.UID), flags); err != nil {
			return err
		}
		joined := catalog.JoinFlags(flagsToCatalog(flags))
		if joined == row.Flags {
			return nil
		}
		row.Flags = joined
		if m.account.opts.DryRun {
			return nil
		}
		return m.account.db.UpdateMessageFlags(row.ID, joined)
	})
}

// Delete marks a message \Deleted, via the Gmail Trash quirk when it
// applies, and records the flag in the catalog.
func (m *Mailbox) Delete(ctx context.Context, row *catalog.Message) error {
	return m.account.pool.Hold(ctx, m.uri(), func(s *session.Session) error {
		server, err := m.open(ctx, s, false)
		if err != nil {
			return err
		}
		if err := s.MarkDeleted(ctx, server, wire.Single(row.UID)); err != nil {
			return err
		}
		tokens := catalog.SplitFlags(row.Flags)
		if !hasFlag(tokens, "Deleted") {
			tokens = append(tokens, "Deleted")
		}
		row.Flags = catalog.JoinFlags(tokens)
		if m.account.opts.DryRun {
			return nil
		}
		return m.account.db.UpdateMessageFlags(row.ID, row.Flags)
	})
}

// Expunge expunges the mailbox at the server.
func (m *Mailbox) Expunge(ctx context.Context) error {
	return m.account.pool.Hold(ctx, m.uri(), func(s *session.Session) error {
		server, err := m.open(ctx, s, false)
		if err != nil {
			return err
		}
		return s.Expunge(ctx, server)
	})
}

// Subscribe mirrors the subscription bit onto the server and catalog.
func (m *Mailbox) Subscribe(ctx context.Context) error {
	return m.account.pool.Hold(ctx, m.uri(), func(s *session.Session) error {
		server := s.TranslateMailbox(m.account.serverName(m.name), m.delim)
		if err := s.Subscribe(ctx, server); err != nil {
			return err
		}
		m.subscribed = true
		_, err := m.account.db.UpsertMailbox(m.account.row.ID, m.name, m.delim, m.attrs, true)
		return err
	})
}

// Unsubscribe clears the subscription bit on the server and catalog.
func (m *Mailbox) Unsubscribe(ctx context.Context) error {
	return m.account.pool.Hold(ctx, m.uri(), func(s *session.Session) error {
		server := s.TranslateMailbox(m.account.serverName(m.name), m.delim)
		if err := s.Unsubscribe(ctx, server); err != nil {
			return err
		}
		m.subscribed = false
		_, err := m.account.db.UpsertMailbox(m.account.row.ID, m.name, m.delim, m.attrs, false)
		return err
	})
}
