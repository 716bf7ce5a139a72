/*
store.go - Persistence interface for the ledger document

PURPOSE:
  Defines the interface between the ledger and durable storage. The
  ledger keeps the working copy in memory and hands the full document
  to Save after every mutation; Load is only called once, at Open.

FLUSH CONTRACT:
  - Save must be durable when it returns nil. The ledger reports success
    to callers only after Save returns.
  - Save must be all-or-nothing. A failed Save must leave the previously
    saved document readable by Load.
  - Load returns (nil, nil) when nothing was ever saved.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite, one row per top-level collection
  - store/file/file.go: Single JSON file, replaced atomically
  - ledger/store/memory.go: In-memory for testing

SEE ALSO:
  - ledger.go: Update flushes through Store.Save
*/
package ledger

import "context"

// Store persists the ledger document.
type Store interface {
	// Load returns the last saved document, or nil if there is none.
	Load(ctx context.Context) (*State, error)

	// Save durably replaces the stored document.
	Save(ctx context.Context, state *State) error
}
