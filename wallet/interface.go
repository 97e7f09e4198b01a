// Copyright (c) 2025 The vaultd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"github.com/btcsuite/btcd/btcutil"

	"github.com/coinvault/vaultd/ledger"
)

// ID is an opaque, globally unique wallet identifier derived from the
// wallet's cryptographic root.  It is treated as an immutable value here.
type ID string

// Kind describes the spending capability of a wallet.
type Kind uint8

const (
	// KindPlain is an unencrypted wallet holding its own keys.
	KindPlain Kind = iota

	// KindEncrypted is a wallet whose keys are encrypted on disk.
	KindEncrypted

	// KindWatchOnly is a wallet that can observe incoming funds but
	// holds no spending authority.  Watch-only wallets never contribute
	// to the user's own totals.
	KindWatchOnly

	// KindOffline is a wallet whose signing keys live on an air-gapped
	// machine.
	KindOffline
)

// String returns a human readable wallet kind.
func (k Kind) String() string {
	switch k {
	case KindPlain:
		return "plain"
	case KindEncrypted:
		return "encrypted"
	case KindWatchOnly:
		return "watch-only"
	case KindOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Interface is the narrow contract the engine consumes from a wallet
// implementation.  Key management, address derivation and wallet file
// encryption all live behind it.  Balance and ledger calls may perform I/O
// against the wallet's backing store and must not be invoked while holding
// registry locks.
//
// Implementations must be safe for concurrent read access.
type Interface interface {
	// ID returns the wallet's unique identifier.
	ID() ID

	// Kind returns the wallet's kind.
	Kind() Kind

	// Label returns the wallet's user-facing display label.
	Label() string

	// Balance returns the wallet's total balance in the smallest
	// currency unit, replayed against current blockchain state.
	Balance() (btcutil.Amount, error)

	// Ledger returns one entry per transaction affecting the wallet.
	Ledger() ([]ledger.Entry, error)

	// LedgerForAddress returns the entries restricted to a single owned
	// address.
	LedgerForAddress(addr btcutil.Address) ([]ledger.Entry, error)

	// Addresses returns the wallet's owned addresses.
	Addresses() []btcutil.Address

	// OwnsAddress returns whether the address belongs to this wallet.
	OwnsAddress(addr btcutil.Address) bool
}

// Record holds the registry's view of one registered wallet.  The zero
// value is not usable; records are created by Registry.Register.
type Record struct {
	// ID is the wallet's unique identifier.
	ID ID

	// Label is the wallet's display label.
	Label string

	// Kind is the wallet's kind.
	Kind Kind

	// Balance is the balance cached by the most recent successful
	// resync.
	Balance btcutil.Amount

	// Excluded marks a wallet the user has excluded from aggregation.
	Excluded bool

	// Stale marks a wallet whose last resync failed.  Stale wallets are
	// skipped by aggregation until a resync succeeds again.
	Stale bool

	// SyncedTo is the chain height the wallet was last successfully
	// resynced against.
	SyncedTo uint32

	// RegIndex is the wallet's registration index.  Indices are
	// assigned in registration order and never reused within a session,
	// even after removal, so external references stay stable.
	RegIndex int
}
