/*
ledger.go - The serialized, flush-on-commit ledger

PURPOSE:
  The Ledger owns the in-memory State and is the only way to change it.
  Every mutation runs inside Update, which applies the caller's function
  to a private copy, flushes that copy through the Store, and only then
  makes it visible.

CRITICAL INVARIANTS:
  1. SERIALIZED: One writer at a time. Check-then-act on stock and
     balances can never interleave between two callers.
  2. ATOMIC: If fn returns an error, or the flush fails, the copy is
     dropped. Codes popped from a queue are back at its head, balances
     are untouched.
  3. DURABLE: Update returns nil only after Store.Save returned nil.

WHY COPY-ON-WRITE?
  A commit touches several collections (stock queue, balance, history,
  sales total, request status). Mutating a clone means rollback is just
  "don't swap it in", with no per-step undo log to get wrong.

EXAMPLE FLOW:
  1. Buyer asks for 2 codes at 2500 each
  2. Update clones State, tx.Fulfill pops 2 codes, debits 5000
  3. Store.Save flushes the clone
  4. Clone replaces State; readers now see the purchase

SEE ALSO:
  - store.go: Persistence interface
  - accounts.go, inventory.go, requests.go, fulfill.go: Tx operations
*/
package ledger

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// =============================================================================
// LEDGER
// =============================================================================

// Ledger serializes all mutations of the storefront document.
type Ledger struct {
	mu    sync.RWMutex
	store Store
	state *State

	now      func() time.Time
	idBounds IDBounds
	rnd      *rand.Rand
}

// Options tunes a Ledger. Zero values select defaults.
type Options struct {
	// IDBounds restricts request ids (default 5 to 6 digits).
	IDBounds IDBounds

	// Now is the clock used for timestamps (default time.Now).
	Now func() time.Time

	// Seed seeds request id generation (default: current time).
	Seed int64
}

// Open loads the document from store and returns a ready Ledger.
// An empty store yields an empty document.
func Open(ctx context.Context, store Store, opts Options) (*Ledger, error) {
	state, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load: %w", ErrPersistence, err)
	}
	if state == nil {
		state = NewState()
	}
	state.normalize()

	if opts.IDBounds == (IDBounds{}) {
		opts.IDBounds = DefaultIDBounds
	}
	if err := opts.IDBounds.validate(); err != nil {
		return nil, err
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}

	return &Ledger{
		store:    store,
		state:    state,
		now:      opts.Now,
		idBounds: opts.IDBounds,
		rnd:      rand.New(rand.NewSource(opts.Seed)),
	}, nil
}

// IDBounds returns the request id length bounds in force.
func (l *Ledger) IDBounds() IDBounds { return l.idBounds }

// Update runs fn against a private copy of the document, flushes it, and
// publishes it. Any error from fn or from the flush discards every change
// fn made.
func (l *Ledger) Update(ctx context.Context, fn func(tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	working := l.state.Clone()
	tx := &Tx{
		state:  working,
		now:    l.now().UTC(),
		bounds: l.idBounds,
		rnd:    l.rnd,
	}
	if err := fn(tx); err != nil {
		return err
	}
	if !tx.dirty {
		return nil
	}

	if err := l.store.Save(ctx, working); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	l.state = working
	return nil
}

// View runs fn against the live document under a read lock. Mutating Tx
// methods return ErrReadOnly.
func (l *Ledger) View(fn func(tx *Tx) error) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return fn(&Tx{
		state:    l.state,
		now:      l.now().UTC(),
		bounds:   l.idBounds,
		readOnly: true,
	})
}

// Snapshot returns a deep copy of the current document.
func (l *Ledger) Snapshot() *State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state.Clone()
}

// =============================================================================
// TX - Handle passed to Update/View callbacks
// =============================================================================

// Tx exposes ledger operations against one working document.
// It must not be retained after the callback returns.
type Tx struct {
	state    *State
	now      time.Time
	bounds   IDBounds
	rnd      *rand.Rand
	readOnly bool
	dirty    bool
}

// Now returns the timestamp shared by every change in this transaction.
func (tx *Tx) Now() time.Time { return tx.now }

// write marks the transaction dirty, or refuses inside View.
func (tx *Tx) write() error {
	if tx.readOnly {
		return ErrReadOnly
	}
	tx.dirty = true
	return nil
}
