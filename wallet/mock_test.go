// Copyright (c) 2025 The vaultd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"errors"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/coinvault/vaultd/ledger"
)

// mockWallet implements Interface against fixed in-memory state.
type mockWallet struct {
	id      ID
	kind    Kind
	label   string
	balance btcutil.Amount
	entries []ledger.Entry

	// failSync makes every balance/ledger call fail, simulating a
	// wallet whose address index cannot be reconciled.
	failSync atomic.Bool

	// syncCalls counts how often the wallet's state was pulled.
	syncCalls atomic.Int32
}

var errIndexBroken = errors.New("address index cannot be reconciled")

func (m *mockWallet) ID() ID        { return m.id }
func (m *mockWallet) Kind() Kind    { return m.kind }
func (m *mockWallet) Label() string { return m.label }

func (m *mockWallet) Balance() (btcutil.Amount, error) {
	m.syncCalls.Add(1)
	if m.failSync.Load() {
		return 0, errIndexBroken
	}
	return m.balance, nil
}

func (m *mockWallet) Ledger() ([]ledger.Entry, error) {
	if m.failSync.Load() {
		return nil, errIndexBroken
	}
	entries := make([]ledger.Entry, len(m.entries))
	copy(entries, m.entries)
	return entries, nil
}

func (m *mockWallet) LedgerForAddress(
	addr btcutil.Address) ([]ledger.Entry, error) {

	if m.failSync.Load() {
		return nil, errIndexBroken
	}
	return nil, nil
}

func (m *mockWallet) Addresses() []btcutil.Address { return nil }

func (m *mockWallet) OwnsAddress(addr btcutil.Address) bool { return false }
