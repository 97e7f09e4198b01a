// Copyright (c) 2025 The vaultd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ledger

import (
	"bytes"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const (
	// UnconfirmedHeight is the sentinel block height assigned to entries
	// for transactions that have not yet been mined into a block.
	UnconfirmedHeight uint32 = 0xffffffff

	// ConfirmThreshold is the number of confirmations at which an entry
	// is classified as confirmed for balance purposes.
	ConfirmThreshold int32 = 6
)

// Entry describes the net effect of a single transaction on a single
// wallet's balance.  A transaction touching multiple owned addresses within
// one wallet still yields exactly one Entry for that wallet.  Entries are
// immutable once constructed.
type Entry struct {
	// TxHash is the hash of the transaction this entry was derived from.
	TxHash chainhash.Hash

	// BlockHeight is the height of the block containing the transaction,
	// or UnconfirmedHeight if the transaction is not yet mined.
	BlockHeight uint32

	// BlockIndex is the position of the transaction within its block.
	// It is meaningless for unconfirmed entries.
	BlockIndex uint32

	// Value is the signed net effect on the wallet in the smallest
	// currency unit.  Positive values are received funds, negative
	// values are sent funds.
	Value btcutil.Amount

	// Received is the time the transaction was mined, or first seen on
	// the network for unconfirmed entries.
	Received time.Time

	// FromMe indicates whether the wallet created the transaction.
	FromMe bool
}

// Mined returns whether the entry's transaction has been included in a
// block.
func (e *Entry) Mined() bool {
	return e.BlockHeight != UnconfirmedHeight
}

// Confirms returns the number of confirmations for a transaction mined at
// height txHeight given the chain tip height tipHeight.  Unmined
// transactions, and transactions claiming a height above the current tip
// (a stale cached height), have zero confirmations.
func Confirms(txHeight, tipHeight uint32) int32 {
	switch {
	case txHeight == UnconfirmedHeight, txHeight > tipHeight:
		return 0
	default:
		return int32(tipHeight - txHeight + 1)
	}
}

// Confirmed returns whether a transaction mined at height txHeight has met
// ConfirmThreshold confirmations for a chain at height tipHeight.
func Confirmed(txHeight, tipHeight uint32) bool {
	return Confirms(txHeight, tipHeight) >= ConfirmThreshold
}

// Before defines the total display order over entries: most recent and most
// relevant first.  Unmined entries sort ahead of all mined entries, and
// mined entries sort by descending block height.  Ties within a block are
// broken by in-block position, then by transaction hash, so the order is
// deterministic regardless of insertion order.
func Before(a, b *Entry) bool {
	switch {
	case !a.Mined() && b.Mined():
		return true
	case a.Mined() && !b.Mined():
		return false
	case !a.Mined() && !b.Mined():
		// Both unmined: newest observation first, hash as the final
		// tie-break.
		if !a.Received.Equal(b.Received) {
			return a.Received.After(b.Received)
		}
		return bytes.Compare(a.TxHash[:], b.TxHash[:]) < 0
	}

	if a.BlockHeight != b.BlockHeight {
		return a.BlockHeight > b.BlockHeight
	}
	if a.BlockIndex != b.BlockIndex {
		return a.BlockIndex < b.BlockIndex
	}
	return bytes.Compare(a.TxHash[:], b.TxHash[:]) < 0
}

// ByRecency implements sort.Interface to order a slice of entries using
// Before.
type ByRecency []Entry

func (s ByRecency) Len() int           { return len(s) }
func (s ByRecency) Less(i, j int) bool { return Before(&s[i], &s[j]) }
func (s ByRecency) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }
