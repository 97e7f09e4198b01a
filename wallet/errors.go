// Copyright (c) 2025 The vaultd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"errors"
	"fmt"
)

// Errors relating to the wallet registry.
var (
	// ErrDuplicateWallet describes a registration attempt for a wallet
	// ID that is already registered.  The first-loaded wallet wins;
	// later duplicates are rejected, never merged.
	ErrDuplicateWallet = errors.New("wallet already registered")

	// ErrWalletNotFound describes an operation on a wallet ID that is
	// not registered.
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrUnknownWallet describes a selector naming a wallet that is not
	// registered.  A missing wallet in a user-chosen filter is a
	// configuration bug and is surfaced to the caller rather than
	// silently skipped.
	ErrUnknownWallet = errors.New("unknown wallet in selector")
)

// SyncError describes a non-fatal, per-wallet resync failure.  The wallet
// is marked stale and excluded from aggregation until the next successful
// resync; other wallets are unaffected.
type SyncError struct {
	// Wallet is the wallet that failed to resync.
	Wallet ID

	// Err is the underlying cause.
	Err error
}

// Error satisfies the builtin error interface.
func (e *SyncError) Error() string {
	return fmt.Sprintf("resync of wallet %s failed: %v", e.Wallet, e.Err)
}

// Unwrap returns the underlying error.
func (e *SyncError) Unwrap() error {
	return e.Err
}
