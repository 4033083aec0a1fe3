package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	gosync "sync"
	"time"

	"github.com/hkdb/larch/internal/catalog"
	"github.com/hkdb/larch/internal/config"
	"github.com/hkdb/larch/internal/logging"
	"github.com/hkdb/larch/internal/pool"
	"github.com/hkdb/larch/internal/session"
	"github.com/rs/zerolog"
)

// copyChannelCap bounds the in-flight messages between the source peek and
// the destination append.
const copyChannelCap = 8

// Copier is the top-level driver: it traverses source folders, creates
// destination folders, and copies messages whose GUID is absent at the
// destination.
type Copier struct {
	cfg  *config.Config
	db   *catalog.DB
	pool *pool.Pool
	log  zerolog.Logger

	source *Account
	dest   *Account

	counters Counters
	results  []MailboxResult
}

// NewCopier wires a copier over one catalog and one session pool.
func NewCopier(cfg *config.Config, db *catalog.DB, p *pool.Pool) *Copier {
	opts := Options{DryRun: cfg.DryRun, FastScan: cfg.FastScan}
	return &Copier{
		cfg:    cfg,
		db:     db,
		pool:   p,
		log:    logging.WithComponent("copier"),
		source: NewAccount(cfg.From, p, db, opts),
		dest:   NewAccount(cfg.To, p, db, opts),
	}
}

// Counters returns the run totals so far.
func (c *Copier) Counters() Snapshot { return c.counters.Snapshot() }

// Results returns the per-mailbox summary rows.
func (c *Copier) Results() []MailboxResult { return c.results }

// Run executes copy_all.
func (c *Copier) Run(ctx context.Context) error {
	ctx = pool.WithHolder(ctx, "copier")

	if err := c.source.Open(ctx); err != nil {
		return err
	}
	if err := c.dest.Open(ctx); err != nil {
		return err
	}

	if c.cfg.All || c.cfg.AllSubscribed {
		boxes, err := c.source.Mailboxes(ctx)
		if err != nil {
			return err
		}
		for _, mb := range boxes {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := c.process(ctx, mb, c.destNameFor(mb.Name())); err != nil {
				return err
			}
		}
	} else {
		srcRoot := c.cfg.From.Mailbox
		if srcRoot == "" {
			srcRoot = c.cfg.FromFolder
		}
		destRoot := c.cfg.To.Mailbox
		if destRoot == "" {
			destRoot = c.cfg.ToFolder
		}
		if err := c.walk(ctx, srcRoot, destRoot); err != nil {
			return err
		}
	}

	snap := c.counters.Snapshot()
	c.log.Info().Msg(snap.String())
	return nil
}

// destNameFor maps a source mailbox name to the destination. A mailbox in
// the destination URI flattens everything into it.
func (c *Copier) destNameFor(srcName string) string {
	if c.cfg.To.Mailbox != "" {
		return c.cfg.To.Mailbox
	}
	return srcName
}

// walk processes one mailbox and, when recursion is on, each child level.
func (c *Copier) walk(ctx context.Context, srcName, destName string) error {
	mb, err := c.source.Mailbox(ctx, srcName)
	if err != nil {
		if errors.Is(err, ErrMailboxNotFound) {
			return fmt.Errorf("source mailbox %q does not exist", srcName)
		}
		return err
	}
	if err := c.process(ctx, mb, destName); err != nil {
		return err
	}
	if !c.cfg.Recurse {
		return nil
	}

	children, err := c.source.Children(ctx, mb)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := ctx.Err(); err != nil {
			return err
		}
		suffix := strings.TrimPrefix(child.Name(), mb.Name())
		if err := c.walk(ctx, child.Name(), c.destNameFor(destName+suffix)); err != nil {
			return err
		}
	}
	return nil
}

// process applies the exclusion and subscription filters, resolves the
// destination mailbox, mirrors subscription, and copies.
func (c *Copier) process(ctx context.Context, mb *Mailbox, destName string) error {
	if config.Excluded(mb.Name(), c.cfg.Exclusions) {
		c.log.Info().Str("mailbox", mb.Name()).Msg("Excluded, skipping")
		return nil
	}
	if c.cfg.AllSubscribed && !mb.Subscribed() {
		c.log.Debug().Str("mailbox", mb.Name()).Msg("Not subscribed, skipping")
		return nil
	}
	if !mb.Selectable() {
		c.log.Debug().Str("mailbox", mb.Name()).Msg("Not selectable, container only")
		return nil
	}

	dmb, err := c.dest.Mailbox(ctx, destName)
	if errors.Is(err, ErrMailboxNotFound) {
		if !c.cfg.CreateFolder {
			c.log.Error().Str("mailbox", destName).Msg("Destination mailbox missing and folder creation is disabled")
			return nil
		}
		dmb, err = c.dest.Create(ctx, destName)
	}
	if err != nil {
		return err
	}

	switch {
	case mb.Subscribed() && !dmb.Subscribed():
		if err := dmb.Subscribe(ctx); err != nil {
			c.log.Warn().Err(err).Str("mailbox", destName).Msg("Failed to mirror subscription")
		}
	case !mb.Subscribed() && dmb.Subscribed():
		if err := dmb.Unsubscribe(ctx); err != nil {
			c.log.Warn().Err(err).Str("mailbox", destName).Msg("Failed to mirror unsubscription")
		}
	}

	return c.copyMailbox(ctx, mb, dmb)
}

// copyMailbox scans both sides, then copies every source message whose
// GUID the destination lacks, with the peek and append pipelined through a
// bounded channel under a stall watchdog.
func (c *Copier) copyMailbox(ctx context.Context, src, dst *Mailbox) error {
	log := c.log.With().Str("from", src.Name()).Str("to", dst.Name()).Logger()
	log.Info().Msg("Copying mailbox")
	prev := c.counters.Snapshot()

	if err := c.scanBoth(ctx, src, dst); err != nil {
		return err
	}

	srcRows, err := src.Messages()
	if err != nil {
		return err
	}
	destGUIDs, err := dst.GUIDs()
	if err != nil {
		return err
	}
	c.counters.addTotal(len(srcRows))

	var toCopy []*catalog.Message
	for _, row := range srcRows {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !destGUIDs[row.GUID] {
			toCopy = append(toCopy, row)
			continue
		}
		c.counters.incUntouched()
		if err := c.reconcileExisting(ctx, src, dst, row); err != nil {
			return err
		}
	}

	if len(toCopy) > 0 {
		if err := c.pipeline(ctx, src, dst, toCopy, destGUIDs); err != nil {
			return err
		}
	}

	if c.cfg.Expunge {
		if err := src.Expunge(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to expunge source")
		}
	}

	delta := c.counters.Snapshot().sub(prev)
	c.results = append(c.results, MailboxResult{Name: src.Name(), Snapshot: delta})
	log.Info().Msg(delta.String())
	return nil
}

// scanBoth runs the source and destination scans concurrently, each under
// its own pool holder.
func (c *Copier) scanBoth(ctx context.Context, src, dst *Mailbox) error {
	var wg gosync.WaitGroup
	var srcErr, dstErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		srcErr = src.Scan(pool.WithHolder(ctx, "scan-src"))
	}()
	go func() {
		defer wg.Done()
		dstErr = dst.Scan(pool.WithHolder(ctx, "scan-dst"))
	}()
	wg.Wait()
	if srcErr != nil {
		return fmt.Errorf("scan %s: %w", src.Name(), srcErr)
	}
	if dstErr != nil {
		return fmt.Errorf("scan %s: %w", dst.Name(), dstErr)
	}
	return nil
}

// reconcileExisting handles a source row whose GUID is already at the
// destination: optional flag sync and optional delete-at-source.
func (c *Copier) reconcileExisting(ctx context.Context, src, dst *Mailbox, row *catalog.Message) error {
	srcTokens := catalog.SplitFlags(row.Flags)

	if c.cfg.SyncFlags {
		drow, err := dst.MessageByGUID(row.GUID)
		if err != nil {
			return err
		}
		if drow != nil && !sameFlags(catalog.SplitFlags(drow.Flags), srcTokens) {
			if err := dst.SetFlags(ctx, drow, flagsToWire(srcTokens)); err != nil {
				c.log.Warn().Err(err).Str("guid", row.GUID).Msg("Failed to sync flags")
				c.counters.incFailed()
			}
		}
	}

	if c.cfg.Delete && !hasFlag(srcTokens, "Deleted") {
		if err := src.Delete(ctx, row); err != nil {
			c.log.Warn().Err(err).Str("guid", row.GUID).Msg("Failed to delete at source")
			c.counters.incFailed()
		} else {
			c.counters.incDeleted()
		}
	}
	return nil
}

// queued is one message moving from the source peek to the destination
// append.
type queued struct {
	row *catalog.Message
	msg *Message
}

// pipeline runs the producer (source peek) and consumer (destination
// append) concurrently over a bounded channel, with a watchdog cancelling
// either side when it stalls.
func (c *Copier) pipeline(ctx context.Context, src, dst *Mailbox, toCopy []*catalog.Message, destGUIDs map[string]bool) error {
	ch := make(chan queued, copyChannelCap)
	stop := make(chan struct{})
	var prodGuard, consGuard stallGuard

	go watchdog(stop, &prodGuard, &consGuard,
		func() bool { return len(ch) == 0 },
		func(task string) {
			c.log.Warn().Str("task", task).Str("mailbox", src.Name()).
				Msg("Watchdog cancelled a stalled operation")
		})
	defer close(stop)

	prodCtx := pool.WithHolder(ctx, "producer")
	consCtx := pool.WithHolder(ctx, "consumer")

	var wg gosync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(ch)
		// One outer hold keeps a single source session for the whole sweep;
		// the per-message fetches re-enter it.
		err := c.pool.Hold(prodCtx, src.uri(), func(*session.Session) error {
			for _, row := range toCopy {
				if prodCtx.Err() != nil {
					return prodCtx.Err()
				}
				msg, err := c.fetchGuarded(prodCtx, src, row, &prodGuard)
				if err != nil {
					c.log.Warn().Err(err).Uint32("uid", row.UID).Str("mailbox", src.Name()).
						Msg("Failed to fetch message, skipping")
					c.counters.incFailed()
					continue
				}
				select {
				case ch <- queued{row: row, msg: msg}:
				case <-prodCtx.Done():
					return prodCtx.Err()
				}
			}
			return nil
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			c.log.Warn().Err(err).Str("mailbox", src.Name()).Msg("Producer stopped early")
		}
	}()

	err := c.pool.Hold(consCtx, dst.uri(), func(*session.Session) error {
		for item := range ch {
			if consCtx.Err() != nil {
				return consCtx.Err()
			}
			if destGUIDs[item.msg.GUID] {
				// A duplicate GUID within this run: the first copy already
				// landed it.
				c.counters.incUntouched()
				continue
			}
			if err := c.appendGuarded(consCtx, dst, item.msg, &consGuard); err != nil {
				c.log.Warn().Err(err).Uint32("uid", item.row.UID).Str("mailbox", dst.Name()).
					Msg("Failed to append message")
				c.counters.incFailed()
				continue
			}
			destGUIDs[item.msg.GUID] = true
			c.counters.incCopied()
		}
		return nil
	})

	wg.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return ctx.Err()
}

// fetchGuarded peeks one message under the watchdog. When the watchdog
// fires, liveness is confirmed with a NOOP and the fetch retried once.
func (c *Copier) fetchGuarded(ctx context.Context, mb *Mailbox, row *catalog.Message, guard *stallGuard) (*Message, error) {
	for attempt := 0; ; attempt++ {
		opCtx, cancel := context.WithCancel(ctx)
		guard.begin(cancel)
		msg, err := mb.FetchFull(opCtx, row)
		guard.end()
		watchdogFired := opCtx.Err() != nil && ctx.Err() == nil
		cancel()

		if err == nil {
			return msg, nil
		}
		if watchdogFired && attempt == 0 {
			c.confirmLiveness(ctx, mb)
			continue
		}
		return nil, err
	}
}

// appendGuarded appends one message under the watchdog, with the same
// single NOOP-and-retry recovery.
func (c *Copier) appendGuarded(ctx context.Context, mb *Mailbox, msg *Message, guard *stallGuard) error {
	for attempt := 0; ; attempt++ {
		opCtx, cancel := context.WithCancel(ctx)
		guard.begin(cancel)
		err := mb.Append(opCtx, msg)
		guard.end()
		watchdogFired := opCtx.Err() != nil && ctx.Err() == nil
		cancel()

		if err == nil {
			return nil
		}
		if watchdogFired && attempt == 0 {
			c.confirmLiveness(ctx, mb)
			continue
		}
		return err
	}
}

// confirmLiveness issues a NOOP after a watchdog cancellation so the next
// operation starts on a known-good session.
func (c *Copier) confirmLiveness(ctx context.Context, mb *Mailbox) {
	noopCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	err := c.pool.Hold(noopCtx, mb.uri(), func(s *session.Session) error {
		return s.Noop(noopCtx)
	})
	if err != nil {
		c.log.Debug().Err(err).Msg("Liveness NOOP failed; retry will reconnect")
	}
}
