// Copyright (c) 2025 The vaultd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"fmt"
	"sort"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/davecgh/go-spew/spew"

	"github.com/coinvault/vaultd/ledger"
	"github.com/coinvault/vaultd/mempool"
)

// SelectorMode names a filter over the registered wallets.
type SelectorMode uint8

const (
	// SelectAll includes every registered wallet.
	SelectAll SelectorMode = iota

	// SelectMine includes plain, encrypted and offline wallets, the
	// ones the user holds spending authority for.  Watch-only wallets
	// never count toward "my" funds.
	SelectMine

	// SelectOffline includes only offline wallets.
	SelectOffline

	// SelectWatchOnly includes only watch-only wallets.
	SelectWatchOnly

	// SelectSingle includes exactly one wallet, named by Selector.Wallet.
	SelectSingle
)

// String returns a human readable selector mode.
func (m SelectorMode) String() string {
	switch m {
	case SelectAll:
		return "all wallets"
	case SelectMine:
		return "my wallets"
	case SelectOffline:
		return "offline wallets"
	case SelectWatchOnly:
		return "watch-only wallets"
	case SelectSingle:
		return "single wallet"
	default:
		return "unknown"
	}
}

// Selector chooses which wallets contribute to a combined ledger.
type Selector struct {
	// Mode is the filter to apply.
	Mode SelectorMode

	// Wallet names the wallet for SelectSingle and is ignored
	// otherwise.
	Wallet ID
}

// includesKind reports whether a set selector admits wallets of kind k.
func (s Selector) includesKind(k Kind) bool {
	switch s.Mode {
	case SelectAll:
		return true
	case SelectMine:
		return k == KindPlain || k == KindEncrypted || k == KindOffline
	case SelectOffline:
		return k == KindOffline
	case SelectWatchOnly:
		return k == KindWatchOnly
	default:
		return false
	}
}

// Row is one line of a combined ledger: a single transaction's effect on a
// single wallet, annotated with its confirmation count.  The same
// transaction affecting two wallets produces two rows, since the net value
// differs per wallet.
type Row struct {
	// Wallet identifies the wallet this row belongs to.
	Wallet ID

	// WalletLabel is the wallet's display label at build time.
	WalletLabel string

	// Entry is the underlying ledger entry.
	Entry ledger.Entry

	// Confirmations is the entry's confirmation count against the tip
	// the ledger was built at.  Zero for pending transactions.
	Confirmations int32

	// Label is the user comment attached to the transaction, if any.
	Label string
}

// CombinedLedger is the merged, sorted, confirmation-annotated view over a
// selected subset of wallets, together with the summary balances shown to
// the user.
type CombinedLedger struct {
	// Rows holds the combined entries, newest first.
	Rows []Row

	// TotalConfirmed is the sum of row values with at least
	// ledger.ConfirmThreshold confirmations.
	TotalConfirmed btcutil.Amount

	// TotalUnconfirmed is the sum of row values below the threshold.
	// Every row contributes to exactly one of the two totals.
	TotalUnconfirmed btcutil.Amount

	// TipHeight is the chain height the ledger was built against.
	TipHeight uint32

	// Generation is the registry generation at build time.  A wallet
	// removal bumps the registry's generation, so a ledger whose
	// generation is behind the registry's must be re-requested.
	Generation uint64
}

// Aggregator builds combined ledgers from the registry's resynced state and
// the pending transaction tracker.  It only ever reads from its sources, so
// builds may run concurrently with heartbeat mutation.
type Aggregator struct {
	// Registry is the wallet registry to aggregate over.
	Registry *Registry

	// Pending is the zero-confirmation transaction tracker.  May be
	// nil, in which case every entry is treated as mined.
	Pending *mempool.Tracker

	// Labels supplies user transaction comments for rows.  May be nil.
	Labels *LabelStore
}

// Build produces the combined ledger for a selector at the given chain tip.
// A SelectSingle selector naming an unregistered wallet fails with
// ErrUnknownWallet.  Stale wallets are skipped with a warning so one broken
// wallet cannot take down the whole view.
func (a *Aggregator) Build(sel Selector, tip uint32,
	tipTime time.Time) (*CombinedLedger, error) {

	start := time.Now()

	ids, err := a.selectWallets(sel)
	if err != nil {
		return nil, err
	}

	var pending map[chainhash.Hash]mempool.PendingTx
	if a.Pending != nil {
		pending = a.Pending.Snapshot()
	}

	combined := &CombinedLedger{
		TipHeight:  tip,
		Generation: a.Registry.Generation(),
	}

	for _, id := range ids {
		rec, err := a.Registry.Record(id)
		if err != nil {
			// Removed between selection and read; the generation
			// bump will tell the consumer to re-request.
			continue
		}
		if rec.Stale {
			log.Warnf("Skipping stale wallet %s in combined "+
				"ledger", id)
			continue
		}

		entries, err := a.Registry.LedgerOf(id)
		if err != nil {
			continue
		}

		for _, entry := range entries {
			row := Row{
				Wallet:      id,
				WalletLabel: rec.Label,
				Entry:       entry,
			}

			_, isPending := pending[entry.TxHash]
			if !isPending {
				row.Confirmations = ledger.Confirms(
					entry.BlockHeight, tip,
				)
			}

			// Pending entries display the time the network first
			// saw them; mined entries missing a timestamp fall
			// back to the tip block's.
			if isPending {
				row.Entry.Received = pending[entry.TxHash].FirstSeen
			} else if entry.Received.IsZero() && entry.Mined() {
				row.Entry.Received = tipTime
			}

			if a.Labels != nil {
				row.Label = a.Labels.Label(id, entry.TxHash)
			}

			if row.Confirmations >= ledger.ConfirmThreshold {
				combined.TotalConfirmed += entry.Value
			} else {
				combined.TotalUnconfirmed += entry.Value
			}

			combined.Rows = append(combined.Rows, row)
		}
	}

	sort.Slice(combined.Rows, func(i, j int) bool {
		return rowLess(&combined.Rows[i], &combined.Rows[j])
	})

	log.Debugf("Built combined ledger (%v): %d rows, confirmed %v, "+
		"unconfirmed %v, in %v", sel.Mode, len(combined.Rows),
		combined.TotalConfirmed, combined.TotalUnconfirmed,
		time.Since(start))
	log.Tracef("Combined ledger: %v", newLogClosure(func() string {
		return spew.Sdump(combined.Rows)
	}))

	return combined, nil
}

// selectWallets resolves a selector to wallet IDs in registration order.
func (a *Aggregator) selectWallets(sel Selector) ([]ID, error) {
	if sel.Mode == SelectSingle {
		rec, err := a.Registry.Record(sel.Wallet)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownWallet,
				sel.Wallet)
		}
		// An explicitly chosen wallet is shown even when the user
		// has excluded it from the set views.
		return []ID{rec.ID}, nil
	}

	var ids []ID
	for _, id := range a.Registry.List() {
		rec, err := a.Registry.Record(id)
		if err != nil {
			continue
		}
		if rec.Excluded || !sel.includesKind(rec.Kind) {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// rowLess orders combined rows by the ledger entry display order.  Distinct
// wallets can hold entries for the same transaction that compare equal, so
// the wallet ID serves as the final tie-break to keep the total order
// strict.
func rowLess(a, b *Row) bool {
	if ledger.Before(&a.Entry, &b.Entry) {
		return true
	}
	if ledger.Before(&b.Entry, &a.Entry) {
		return false
	}
	return a.Wallet < b.Wallet
}
