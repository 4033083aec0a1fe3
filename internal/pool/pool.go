// Package pool manages bounded sets of authenticated IMAP sessions, one
// set per server. Holds are re-entrant: a task that already holds a
// session for a URI gets the same session back without consuming another
// slot.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hkdb/larch/internal/logging"
	"github.com/hkdb/larch/internal/session"
	"github.com/hkdb/larch/internal/uri"
	"github.com/rs/zerolog"
)

// ErrPoolTimeout is returned when no session frees up within HoldTimeout.
var ErrPoolTimeout = errors.New("pool: timed out waiting for a session")

// Config bounds and paces the pool.
type Config struct {
	// MaxConnections is the per-server session bound.
	MaxConnections int
	// HoldTimeout is how long Hold waits at the bound before failing.
	HoldTimeout time.Duration
	// PollInterval is the wait between availability checks at the bound.
	PollInterval time.Duration
}

// DefaultConfig returns the built-in pool defaults.
func DefaultConfig() Config {
	return Config{
		MaxConnections: 4,
		HoldTimeout:    60 * time.Second,
		PollInterval:   10 * time.Millisecond,
	}
}

// lease is one task's claim on a session.
type lease struct {
	sess   *session.Session
	server string          // server key the session counts against
	depth  int             // re-entrant hold depth
	ctx    context.Context // the holding task; used by the reaper
}

// Pool is the per-process session pool. Idle sessions are bucketed by
// server key so any mailbox on the same server can reuse them; leases are
// keyed by (holder, mailbox key) so a task re-entering with a different
// mailbox gets a distinct session.
type Pool struct {
	cfg  Config
	opts session.Options
	log  zerolog.Logger

	mu     sync.Mutex
	idle   map[string][]*session.Session // server key -> idle sessions
	leases map[string]*lease             // holder + mailbox key -> lease
	counts map[string]int                // server key -> sessions alive
}

// New creates a pool whose sessions use the given session options.
func New(cfg Config, opts session.Options) *Pool {
	return &Pool{
		cfg:    cfg,
		opts:   opts,
		log:    logging.WithComponent("pool"),
		idle:   make(map[string][]*session.Session),
		leases: make(map[string]*lease),
		counts: make(map[string]int),
	}
}

type holderKey struct{}

// WithHolder tags ctx with a task identity for re-entrant holds. Nested
// Holds under the same identity and URI share one session.
func WithHolder(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, holderKey{}, name)
}

func holderFrom(ctx context.Context) string {
	if name, ok := ctx.Value(holderKey{}).(string); ok {
		return name
	}
	return "main"
}

func leaseKey(holder string, u *uri.URI) string {
	return holder + "|" + u.MailboxKey()
}

// Hold leases a session for u to the task identified by the context's
// holder for the duration of fn. Re-entrant: nested Holds by the same task
// and URI reuse the session and do not count against the bound. The session
// is connected and authenticated before fn runs.
func (p *Pool) Hold(ctx context.Context, u *uri.URI, fn func(s *session.Session) error) error {
	holder := holderFrom(ctx)
	key := leaseKey(holder, u)
	server := u.ServerKey()

	p.mu.Lock()
	if l, ok := p.leases[key]; ok {
		l.depth++
		p.mu.Unlock()
		defer p.exit(key, server)
		return fn(l.sess)
	}
	p.mu.Unlock()

	sess, err := p.acquire(ctx, server, u)
	if err != nil {
		return err
	}

	// Connect and authenticate before handing the session to the holder.
	if err := sess.Start(ctx); err != nil {
		p.destroy(server, sess)
		return err
	}

	p.mu.Lock()
	p.leases[key] = &lease{sess: sess, server: server, depth: 1, ctx: ctx}
	p.mu.Unlock()

	defer p.exit(key, server)
	return fn(sess)
}

// exit unwinds one level of a hold, releasing the session at depth zero.
func (p *Pool) exit(key, server string) {
	p.mu.Lock()
	l, ok := p.leases[key]
	if !ok {
		p.mu.Unlock()
		return
	}
	l.depth--
	if l.depth > 0 {
		p.mu.Unlock()
		return
	}
	delete(p.leases, key)
	p.mu.Unlock()
	p.release(server, l.sess)
}

// acquire pops an idle session or creates one under the bound, waiting up
// to HoldTimeout when the pool is exhausted.
func (p *Pool) acquire(ctx context.Context, server string, u *uri.URI) (*session.Session, error) {
	deadline := time.Now().Add(p.cfg.HoldTimeout)
	for {
		p.mu.Lock()
		if sessions := p.idle[server]; len(sessions) > 0 {
			sess := sessions[len(sessions)-1]
			p.idle[server] = sessions[:len(sessions)-1]
			p.mu.Unlock()
			return sess, nil
		}
		if p.counts[server] < p.cfg.MaxConnections {
			p.counts[server]++
			p.mu.Unlock()
			p.log.Debug().Str("server", server).Msg("Creating new session")
			return session.New(u, p.opts), nil
		}
		p.mu.Unlock()

		// At the bound: reap leases whose task has gone away, then wait.
		p.reap()

		if time.Now().After(deadline) {
			p.log.Warn().Str("server", server).Dur("timeout", p.cfg.HoldTimeout).
				Msg("Pool exhausted")
			return nil, fmt.Errorf("%w: %s", ErrPoolTimeout, server)
		}
		t := time.NewTimer(p.cfg.PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

// reap removes leases whose holding task is no longer alive, closing their
// sessions: a dead task cannot release, and its session state is unknown.
func (p *Pool) reap() {
	var dead []*lease
	p.mu.Lock()
	for key, l := range p.leases {
		if l.ctx.Err() != nil {
			p.log.Warn().Str("lease", key).Msg("Reaping session from dead holder")
			delete(p.leases, key)
			dead = append(dead, l)
		}
	}
	p.mu.Unlock()
	for _, l := range dead {
		p.destroy(l.server, l.sess)
	}
}

// release parks a session back on the idle list, unselecting any open
// mailbox so the next holder starts clean.
func (p *Pool) release(server string, sess *session.Session) {
	if !sess.Connected() {
		p.destroy(server, sess)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sess.Unselect(ctx); err != nil {
		p.log.Debug().Err(err).Msg("Unselect on release failed, discarding session")
		p.destroy(server, sess)
		return
	}

	p.mu.Lock()
	p.idle[server] = append(p.idle[server], sess)
	p.mu.Unlock()
}

// destroy closes a session and gives its slot back.
func (p *Pool) destroy(server string, sess *session.Session) {
	sess.Stop()
	p.mu.Lock()
	if p.counts[server] > 0 {
		p.counts[server]--
	}
	p.mu.Unlock()
}

// Disconnect closes every idle session. Leased sessions are left alone.
func (p *Pool) Disconnect() {
	p.mu.Lock()
	idle := p.idle
	p.idle = make(map[string][]*session.Session)
	p.mu.Unlock()

	closed := 0
	for server, sessions := range idle {
		for _, sess := range sessions {
			sess.Stop()
			closed++
			p.mu.Lock()
			if p.counts[server] > 0 {
				p.counts[server]--
			}
			p.mu.Unlock()
		}
	}
	if closed > 0 {
		p.log.Debug().Int("closed", closed).Msg("Disconnected idle sessions")
	}
}

// Stats reports the pool's current occupancy.
type Stats struct {
	Idle   int
	Leased int
}

// GetStats returns current pool statistics.
func (p *Pool) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Stats{Leased: len(p.leases)}
	for _, sessions := range p.idle {
		st.Idle += len(sessions)
	}
	return st
}
