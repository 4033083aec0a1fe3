// Package sync implements larch's copy engine: account traversal, mailbox
// scanning against the catalog, and the one-way copier.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/hkdb/larch/internal/catalog"
	"github.com/hkdb/larch/internal/logging"
	"github.com/hkdb/larch/internal/pool"
	"github.com/hkdb/larch/internal/session"
	"github.com/hkdb/larch/internal/uri"
	"github.com/hkdb/larch/internal/wire"
	"github.com/rs/zerolog"
)

// ErrMailboxNotFound is returned when a mailbox cannot be resolved on the
// server. The copier promotes it to create-then-retry when folder creation
// is permitted.
var ErrMailboxNotFound = errors.New("mailbox not found")

// canonicalDelim is the delimiter used for catalog mailbox names,
// independent of what either server uses on the wire.
const canonicalDelim = "/"

// Account discovers mailboxes on one server and owns their lookup table.
type Account struct {
	uri  *uri.URI
	pool *pool.Pool
	db   *catalog.DB
	opts Options
	log  zerolog.Logger

	row       *catalog.Account
	delim     string
	mailboxes map[string]*Mailbox // canonical name -> mailbox
}

// Options carries the per-run settings the sync layer needs.
type Options struct {
	DryRun   bool
	FastScan bool
}

// NewAccount wraps one side of the copy.
func NewAccount(u *uri.URI, p *pool.Pool, db *catalog.DB, opts Options) *Account {
	return &Account{
		uri:       u,
		pool:      p,
		db:        db,
		opts:      opts,
		log:       logging.WithComponent("account").With().Str("server", u.ServerKey()).Logger(),
		mailboxes: make(map[string]*Mailbox),
	}
}

// URI returns the account URI.
func (a *Account) URI() *uri.URI { return a.uri }

// Open ensures the catalog account row exists and is touched.
func (a *Account) Open(ctx context.Context) error {
	row, err := a.db.GetOrCreateAccount(a.uri.Host, a.uri.Username)
	if err != nil {
		return err
	}
	a.row = row
	return nil
}

// canonicalName normalizes a server mailbox name: the hierarchy delimiter
// becomes "/", and any spelling of inbox is catalogued as INBOX.
func canonicalName(name, delim string) string {
	if delim != "" && delim != canonicalDelim {
		name = strings.ReplaceAll(name, delim, canonicalDelim)
	}
	parts := strings.Split(name, canonicalDelim)
	if strings.EqualFold(parts[0], "INBOX") {
		parts[0] = "INBOX"
	}
	return strings.Join(parts, canonicalDelim)
}

// serverName converts a canonical name back to this server's delimiter.
func (a *Account) serverName(canonical string) string {
	if a.delim == "" || a.delim == canonicalDelim {
		return canonical
	}
	return strings.ReplaceAll(canonical, canonicalDelim, a.delim)
}

// sortMailboxes orders names case-insensitively with INBOX first.
func sortMailboxes(boxes []*Mailbox) {
	sort.SliceStable(boxes, func(i, j int) bool {
		a, b := boxes[i].Name(), boxes[j].Name()
		ai := strings.EqualFold(a, "INBOX")
		bi := strings.EqualFold(b, "INBOX")
		if ai != bi {
			return ai
		}
		return strings.ToLower(a) < strings.ToLower(b)
	})
}

// register builds or refreshes the Mailbox for a LIST row and catalogs it.
// subKnown marks whether subscribed carries authoritative LSUB data; when
// false an existing mailbox keeps its current bit.
func (a *Account) register(li *wire.ListItem, subscribed, subKnown bool) (*Mailbox, error) {
	if li.Delim != "" && a.delim == "" {
		a.delim = li.Delim
	}
	name := canonicalName(li.Name, li.Delim)

	if mb, ok := a.mailboxes[name]; ok && !subKnown {
		subscribed = mb.subscribed
	}

	row, err := a.db.UpsertMailbox(a.row.ID, name, li.Delim, li.Attrs, subscribed)
	if err != nil {
		return nil, err
	}

	mb, ok := a.mailboxes[name]
	if !ok {
		mb = newMailbox(a, name, li)
		a.mailboxes[name] = mb
	}
	mb.attrs = li.Attrs
	mb.delim = li.Delim
	mb.subscribed = subscribed
	mb.row = row
	return mb, nil
}

// Mailboxes lists every mailbox on the server, catalogs the set, removes
// catalog rows the server no longer lists, and returns them in traversal
// order (INBOX first).
func (a *Account) Mailboxes(ctx context.Context) ([]*Mailbox, error) {
	var items []*wire.ListItem
	var subs []*wire.ListItem
	err := a.pool.Hold(ctx, a.uri, func(s *session.Session) error {
		var err error
		if items, err = s.List(ctx, "", "*"); err != nil {
			return err
		}
		subs, err = s.Lsub(ctx, "", "*")
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list mailboxes: %w", err)
	}

	subscribed := make(map[string]bool, len(subs))
	for _, li := range subs {
		subscribed[canonicalName(li.Name, li.Delim)] = true
	}

	seen := make(map[string]bool, len(items))
	var boxes []*Mailbox
	for _, li := range items {
		name := canonicalName(li.Name, li.Delim)
		seen[name] = true
		mb, err := a.register(li, subscribed[name], true)
		if err != nil {
			return nil, err
		}
		boxes = append(boxes, mb)
	}

	if err := a.removeStale(seen); err != nil {
		return nil, err
	}

	sortMailboxes(boxes)
	a.log.Debug().Int("count", len(boxes)).Msg("Listed mailboxes")
	return boxes, nil
}

// removeStale drops catalog rows for mailboxes absent from LIST.
func (a *Account) removeStale(seen map[string]bool) error {
	rows, err := a.db.ListMailboxes(a.row.ID)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if seen[row.Name] {
			continue
		}
		a.log.Debug().Str("mailbox", row.Name).Msg("Removing mailbox no longer on server")
		if err := a.db.DeleteMailbox(row.ID); err != nil {
			return err
		}
		delete(a.mailboxes, row.Name)
	}
	return nil
}

// Mailbox resolves one mailbox by canonical name, listing it on the server
// if not yet known. Returns ErrMailboxNotFound when the server has no such
// mailbox.
func (a *Account) Mailbox(ctx context.Context, name string) (*Mailbox, error) {
	name = canonicalName(name, canonicalDelim)
	if mb, ok := a.mailboxes[name]; ok {
		return mb, nil
	}

	var items []*wire.ListItem
	err := a.pool.Hold(ctx, a.uri, func(s *session.Session) error {
		var err error
		pattern := s.TranslateMailbox(a.serverName(name), a.delim)
		items, err = s.List(ctx, "", pattern)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrMailboxNotFound, name)
	}

	var subscribed bool
	_ = a.pool.Hold(ctx, a.uri, func(s *session.Session) error {
		subs, err := s.Lsub(ctx, "", items[0].Name)
		if err == nil && len(subs) > 0 {
			subscribed = true
		}
		return nil
	})

	return a.register(items[0], subscribed, true)
}

// Create makes the mailbox on the server and registers it.
func (a *Account) Create(ctx context.Context, name string) (*Mailbox, error) {
	name = canonicalName(name, canonicalDelim)
	err := a.pool.Hold(ctx, a.uri, func(s *session.Session) error {
		return s.Create(ctx, s.TranslateMailbox(a.serverName(name), a.delim))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create mailbox %q: %w", name, err)
	}
	a.log.Info().Str("mailbox", name).Msg("Created mailbox")

	if a.opts.DryRun {
		// The mailbox does not actually exist; fabricate a handle so the
		// rest of the dry run can proceed.
		li := &wire.ListItem{Name: a.serverName(name), Delim: a.delim}
		mb, err := a.register(li, false, true)
		if err == nil {
			mb.phantom = true
		}
		return mb, err
	}
	return a.Mailbox(ctx, name)
}

// Children lists one hierarchy level below parent, using % so the server
// returns a single level. Descends only when the parent can have children.
func (a *Account) Children(ctx context.Context, parent *Mailbox) ([]*Mailbox, error) {
	if parent.HasAttr(`\Noinferiors`) || parent.HasAttr(`\Hasnochildren`) {
		return nil, nil
	}
	delim := parent.delim
	if delim == "" {
		delim = a.delim
	}
	if delim == "" {
		return nil, nil
	}

	var items []*wire.ListItem
	err := a.pool.Hold(ctx, a.uri, func(s *session.Session) error {
		var err error
		pattern := a.serverName(parent.Name()) + delim + "%"
		items, err = s.List(ctx, "", pattern)
		return err
	})
	if err != nil {
		return nil, err
	}

	var boxes []*Mailbox
	for _, li := range items {
		mb, err := a.register(li, false, false)
		if err != nil {
			return nil, err
		}
		boxes = append(boxes, mb)
	}
	sortMailboxes(boxes)
	return boxes, nil
}
