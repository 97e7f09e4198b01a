// Copyright (c) 2025 The vaultd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"sync"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/coinvault/vaultd/ledger"
)

// walletState bundles everything the registry tracks for one wallet: the
// record, the wallet handle, and the ledgers cached by the last successful
// resync.  Keeping it all in one struct keyed by ID avoids the index drift
// bugs that come with maintaining parallel per-wallet slices.
type walletState struct {
	rec    Record
	wallet Interface

	// entries is the wallet's full ledger as of the last resync.
	entries []ledger.Entry

	// subLedgers maps an owned address to its restricted ledger.
	subLedgers map[string][]ledger.Entry
}

// Registry owns the set of loaded wallets.  All mutation happens through
// the sync scheduler's heartbeat; readers get copy-on-read snapshots so an
// aggregation run never observes a wallet mid-resync.
type Registry struct {
	mtx sync.RWMutex

	wallets map[ID]*walletState

	// order holds registered IDs in registration order.  This order is
	// user visible and stable for the session.
	order []ID

	// nextIndex is the next registration index to assign.  Indices are
	// monotonic and never reused, even after removal.
	nextIndex int

	// generation increments whenever a wallet is removed, invalidating
	// previously built combined-ledger snapshots that may reference it.
	generation uint64
}

// NewRegistry returns an empty wallet registry.
func NewRegistry() *Registry {
	return &Registry{
		wallets: make(map[ID]*walletState),
	}
}

// Register adds a wallet to the registry and returns its ID.  If a wallet
// with the same ID is already registered the call fails with
// ErrDuplicateWallet: two files claiming the same logical wallet must never
// be silently merged, so the first-loaded copy wins and the duplicate is
// reported.
func (r *Registry) Register(w Interface) (ID, error) {
	id := w.ID()

	r.mtx.Lock()
	defer r.mtx.Unlock()

	if _, ok := r.wallets[id]; ok {
		log.Warnf("Duplicate wallet %s (%q) rejected, keeping the "+
			"first-loaded copy", id, w.Label())
		return "", ErrDuplicateWallet
	}

	r.wallets[id] = &walletState{
		rec: Record{
			ID:       id,
			Label:    w.Label(),
			Kind:     w.Kind(),
			RegIndex: r.nextIndex,
		},
		wallet:     w,
		subLedgers: make(map[string][]ledger.Entry),
	}
	r.order = append(r.order, id)
	r.nextIndex++

	log.Infof("Registered %v wallet %s (%q)", w.Kind(), id, w.Label())
	return id, nil
}

// Remove drops a wallet from the registry.  Combined ledgers built before
// the removal are invalidated; callers detect this through the generation
// counter and must re-request.
func (r *Registry) Remove(id ID) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if _, ok := r.wallets[id]; !ok {
		return ErrWalletNotFound
	}

	delete(r.wallets, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.generation++

	log.Infof("Removed wallet %s", id)
	return nil
}

// List returns the registered wallet IDs in registration order.
func (r *Registry) List() []ID {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	ids := make([]ID, len(r.order))
	copy(ids, r.order)
	return ids
}

// Record returns a copy of the wallet's registry record.
func (r *Registry) Record(id ID) (Record, error) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	state, ok := r.wallets[id]
	if !ok {
		return Record{}, ErrWalletNotFound
	}
	return state.rec, nil
}

// LedgerOf returns a copy of the wallet's cached ledger as of its last
// successful resync.
func (r *Registry) LedgerOf(id ID) ([]ledger.Entry, error) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	state, ok := r.wallets[id]
	if !ok {
		return nil, ErrWalletNotFound
	}

	entries := make([]ledger.Entry, len(state.entries))
	copy(entries, state.entries)
	return entries, nil
}

// SubLedger returns a copy of the cached ledger restricted to a single
// owned address.
func (r *Registry) SubLedger(id ID, addr btcutil.Address) ([]ledger.Entry,
	error) {

	r.mtx.RLock()
	defer r.mtx.RUnlock()

	state, ok := r.wallets[id]
	if !ok {
		return nil, ErrWalletNotFound
	}

	sub := state.subLedgers[addr.EncodeAddress()]
	entries := make([]ledger.Entry, len(sub))
	copy(entries, sub)
	return entries, nil
}

// SetExcluded marks or unmarks a wallet as excluded from aggregation and
// from heartbeat resyncs.
func (r *Registry) SetExcluded(id ID, excluded bool) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	state, ok := r.wallets[id]
	if !ok {
		return ErrWalletNotFound
	}
	state.rec.Excluded = excluded
	return nil
}

// Rename updates a wallet's display label.
func (r *Registry) Rename(id ID, label string) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	state, ok := r.wallets[id]
	if !ok {
		return ErrWalletNotFound
	}
	state.rec.Label = label
	return nil
}

// Generation returns the current snapshot generation.  It increments on
// wallet removal; a combined ledger built under an older generation may
// reference wallets that no longer exist and must be re-requested.
func (r *Registry) Generation() uint64 {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	return r.generation
}

// Resync recomputes the wallet's cached balance and ledgers by replaying
// the wallet's transactions against current blockchain state at height tip.
// The call is idempotent: resyncing twice against an unchanged source
// yields identical state.
//
// Wallet I/O is performed without holding the registry lock; results are
// committed under lock only if the wallet is still registered, and only as
// a whole, so a wallet record is never partially updated.  On failure the
// wallet is marked stale and a *SyncError is returned; other wallets are
// unaffected.
func (r *Registry) Resync(id ID, tip uint32) error {
	// Grab the wallet handle under the read lock, then release it for
	// the duration of the wallet I/O.
	r.mtx.RLock()
	state, ok := r.wallets[id]
	if !ok {
		r.mtx.RUnlock()
		return ErrWalletNotFound
	}
	w := state.wallet
	r.mtx.RUnlock()

	balance, entriesNew, subNew, err := fetchWalletState(w)
	if err != nil {
		r.markStale(id)
		return &SyncError{Wallet: id, Err: err}
	}

	r.mtx.Lock()
	defer r.mtx.Unlock()

	// The wallet may have been removed while we were off the lock; the
	// in-flight result is simply dropped.
	state, ok = r.wallets[id]
	if !ok {
		return ErrWalletNotFound
	}

	state.rec.Balance = balance
	state.rec.Stale = false
	state.rec.SyncedTo = tip
	state.entries = entriesNew
	state.subLedgers = subNew

	log.Debugf("Resynced wallet %s at height %d: balance %v, %d ledger "+
		"entries", id, tip, balance, len(entriesNew))
	return nil
}

// fetchWalletState pulls a consistent balance/ledger snapshot from the
// wallet collaborator.  Called without any registry lock held.
func fetchWalletState(w Interface) (btcutil.Amount, []ledger.Entry,
	map[string][]ledger.Entry, error) {

	balance, err := w.Balance()
	if err != nil {
		return 0, nil, nil, err
	}

	entries, err := w.Ledger()
	if err != nil {
		return 0, nil, nil, err
	}

	subLedgers := make(map[string][]ledger.Entry)
	for _, addr := range w.Addresses() {
		sub, err := w.LedgerForAddress(addr)
		if err != nil {
			return 0, nil, nil, err
		}
		subLedgers[addr.EncodeAddress()] = sub
	}

	return balance, entries, subLedgers, nil
}

// markStale flags a wallet as stale after a failed resync.
func (r *Registry) markStale(id ID) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if state, ok := r.wallets[id]; ok {
		state.rec.Stale = true
	}
}
