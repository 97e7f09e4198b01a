// Copyright (c) 2025 The vaultd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"

	"github.com/coinvault/vaultd/ledger"
)

// TestRegistryRegisterDuplicate tests that registering the same wallet ID
// twice fails with ErrDuplicateWallet and leaves the first registration
// intact.
func TestRegistryRegisterDuplicate(t *testing.T) {
	require := require.New(t)

	reg := NewRegistry()

	first := &mockWallet{id: "W1", kind: KindPlain, label: "savings"}
	second := &mockWallet{id: "W1", kind: KindEncrypted, label: "impostor"}

	id, err := reg.Register(first)
	require.NoError(err)
	require.Equal(ID("W1"), id)

	_, err = reg.Register(second)
	require.ErrorIs(err, ErrDuplicateWallet)

	require.Len(reg.List(), 1)

	rec, err := reg.Record("W1")
	require.NoError(err)
	require.Equal("savings", rec.Label)
	require.Equal(KindPlain, rec.Kind)
}

// TestRegistryListOrder tests that List returns wallets in registration
// order and that removal does not disturb the order of the rest, nor
// recycle registration indices.
func TestRegistryListOrder(t *testing.T) {
	require := require.New(t)

	reg := NewRegistry()

	for _, id := range []ID{"A", "B", "C"} {
		_, err := reg.Register(&mockWallet{id: id})
		require.NoError(err)
	}
	require.Equal([]ID{"A", "B", "C"}, reg.List())

	require.NoError(reg.Remove("B"))
	require.Equal([]ID{"A", "C"}, reg.List())

	// A wallet registered after a removal gets a fresh index, not B's.
	_, err := reg.Register(&mockWallet{id: "D"})
	require.NoError(err)

	rec, err := reg.Record("D")
	require.NoError(err)
	require.Equal(3, rec.RegIndex)
}

// TestRegistryRemoveMissing tests removal of an unregistered wallet.
func TestRegistryRemoveMissing(t *testing.T) {
	reg := NewRegistry()
	require.ErrorIs(t, reg.Remove("nope"), ErrWalletNotFound)
}

// TestRegistryGeneration tests that only removal bumps the snapshot
// generation.
func TestRegistryGeneration(t *testing.T) {
	require := require.New(t)

	reg := NewRegistry()
	require.Equal(uint64(0), reg.Generation())

	_, err := reg.Register(&mockWallet{id: "A"})
	require.NoError(err)
	require.Equal(uint64(0), reg.Generation())

	require.NoError(reg.Remove("A"))
	require.Equal(uint64(1), reg.Generation())
}

// TestRegistryResync tests that a resync commits balance and ledger state,
// and that resyncing twice against an unchanged source yields identical
// results.
func TestRegistryResync(t *testing.T) {
	require := require.New(t)

	entries := []ledger.Entry{
		{
			TxHash:      chainhash.Hash{1},
			BlockHeight: 90,
			Value:       500,
			Received:    time.Unix(1700000000, 0),
		},
		{
			TxHash:      chainhash.Hash{2},
			BlockHeight: ledger.UnconfirmedHeight,
			Value:       -25,
		},
	}
	w := &mockWallet{
		id: "W1", kind: KindPlain, balance: 475, entries: entries,
	}

	reg := NewRegistry()
	_, err := reg.Register(w)
	require.NoError(err)

	// Before any resync the cached state is empty.
	rec, err := reg.Record("W1")
	require.NoError(err)
	require.Zero(rec.Balance)

	require.NoError(reg.Resync("W1", 100))

	rec, err = reg.Record("W1")
	require.NoError(err)
	require.Equal(w.balance, rec.Balance)
	require.Equal(uint32(100), rec.SyncedTo)
	require.False(rec.Stale)

	firstLedger, err := reg.LedgerOf("W1")
	require.NoError(err)

	// Idempotence: a second resync against the unchanged source leaves
	// identical state.
	require.NoError(reg.Resync("W1", 100))

	secondLedger, err := reg.LedgerOf("W1")
	require.NoError(err)
	require.Equal(firstLedger, secondLedger)

	rec, err = reg.Record("W1")
	require.NoError(err)
	require.Equal(w.balance, rec.Balance)
}

// TestRegistryResyncFailure tests that a failed resync marks the wallet
// stale without touching its previously cached state, and that a later
// successful resync clears the flag.
func TestRegistryResyncFailure(t *testing.T) {
	require := require.New(t)

	w := &mockWallet{
		id: "W1", kind: KindPlain, balance: 1000,
		entries: []ledger.Entry{{
			TxHash: chainhash.Hash{1}, BlockHeight: 10, Value: 1000,
		}},
	}

	reg := NewRegistry()
	_, err := reg.Register(w)
	require.NoError(err)
	require.NoError(reg.Resync("W1", 50))

	w.failSync.Store(true)

	err = reg.Resync("W1", 51)
	var syncErr *SyncError
	require.ErrorAs(err, &syncErr)
	require.Equal(ID("W1"), syncErr.Wallet)

	rec, err := reg.Record("W1")
	require.NoError(err)
	require.True(rec.Stale)

	// The cached ledger from the last good resync is untouched.
	entries, err := reg.LedgerOf("W1")
	require.NoError(err)
	require.Len(entries, 1)

	w.failSync.Store(false)
	require.NoError(reg.Resync("W1", 52))

	rec, err = reg.Record("W1")
	require.NoError(err)
	require.False(rec.Stale)
	require.Equal(uint32(52), rec.SyncedTo)
}

// TestRegistryResyncRemoved tests that a resync result for a wallet removed
// mid-flight is dropped rather than resurrecting it.
func TestRegistryResyncRemoved(t *testing.T) {
	require := require.New(t)

	reg := NewRegistry()
	_, err := reg.Register(&mockWallet{id: "gone"})
	require.NoError(err)
	require.NoError(reg.Remove("gone"))

	require.ErrorIs(reg.Resync("gone", 10), ErrWalletNotFound)
}
