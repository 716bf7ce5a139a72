// Package store provides Store implementations.
package store

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/warp/codeshop/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps the last saved document as encoded JSON, so later changes to
// the caller's State never leak into what Load returns.
type Memory struct {
	mu    sync.RWMutex
	doc   []byte
	saves int
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Load(_ context.Context) (*ledger.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.doc == nil {
		return nil, nil
	}
	var st ledger.State
	if err := json.Unmarshal(m.doc, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (m *Memory) Save(_ context.Context, state *ledger.State) error {
	doc, err := json.Marshal(state)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.doc = doc
	m.saves++
	return nil
}

// Saves returns how many times Save succeeded.
func (m *Memory) Saves() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}
