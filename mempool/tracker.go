package mempool

import (
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/clock"
)

// DefaultRetentionWindow is how long an observed transaction is tracked
// without confirming before it is presumed dropped from the network's relay
// set and evicted.
const DefaultRetentionWindow = 24 * time.Hour

// PendingTx describes a transaction observed on the network that has not
// yet been mined into a block.
type PendingTx struct {
	// TxHash is the transaction's hash.
	TxHash chainhash.Hash

	// FirstSeen is the time the transaction was first observed.  It is
	// stamped on first insertion only and never overwritten.
	FirstSeen time.Time

	// RawTx is the serialized transaction as received from the network.
	RawTx []byte
}

// Tracker represents our view of the set of zero-confirmation transactions
// and helps to keep track of which ones we already know about.  Observe may
// be called from a network receive goroutine concurrently with Confirm and
// Evict calls made from the sync loop.
type Tracker struct {
	sync.RWMutex

	// txs stores the pending transactions keyed by txid.
	txs map[chainhash.Hash]PendingTx

	clock     clock.Clock
	retention time.Duration
}

// NewTracker creates a new pending transaction tracker.  A retention of 0
// selects DefaultRetentionWindow.
func NewTracker(c clock.Clock, retention time.Duration) *Tracker {
	if retention == 0 {
		retention = DefaultRetentionWindow
	}
	return &Tracker{
		txs:       make(map[chainhash.Hash]PendingTx),
		clock:     c,
		retention: retention,
	}
}

// Observe records a transaction seen on the network.  Re-observing a known
// transaction refreshes its raw payload but is otherwise a no-op; the first
// observation time is preserved.
func (t *Tracker) Observe(hash chainhash.Hash, rawTx []byte) {
	t.Lock()
	defer t.Unlock()

	if existing, ok := t.txs[hash]; ok {
		// Last observed payload wins, FirstSeen does not move.
		existing.RawTx = rawTx
		t.txs[hash] = existing
		return
	}

	log.Debugf("Tracking unconfirmed transaction %v", hash)
	t.txs[hash] = PendingTx{
		TxHash:    hash,
		FirstSeen: t.clock.Now(),
		RawTx:     rawTx,
	}
}

// Confirm removes a transaction from the pending set once it has appeared
// in a mined block.  It is a no-op if the transaction is not tracked.
func (t *Tracker) Confirm(hash chainhash.Hash) {
	t.Lock()
	defer t.Unlock()

	if _, ok := t.txs[hash]; !ok {
		return
	}

	log.Debugf("Unconfirmed transaction %v confirmed", hash)
	delete(t.txs, hash)
}

// Contains returns true if the given transaction hash is in the pending
// set.
func (t *Tracker) Contains(hash chainhash.Hash) bool {
	t.RLock()
	defer t.RUnlock()

	_, ok := t.txs[hash]
	return ok
}

// FirstSeen returns the time the given transaction was first observed, and
// whether it is tracked at all.
func (t *Tracker) FirstSeen(hash chainhash.Hash) (time.Time, bool) {
	t.RLock()
	defer t.RUnlock()

	ptx, ok := t.txs[hash]
	return ptx.FirstSeen, ok
}

// Snapshot returns a copy of the current pending set.  The copy is safe to
// read while Observe and Confirm continue on other goroutines.
func (t *Tracker) Snapshot() map[chainhash.Hash]PendingTx {
	t.RLock()
	defer t.RUnlock()

	snap := make(map[chainhash.Hash]PendingTx, len(t.txs))
	for hash, ptx := range t.txs {
		snap[hash] = ptx
	}
	return snap
}

// Evict removes transactions that have been pending longer than the
// retention window without confirming and returns them so the caller can
// surface a warning.  Such transactions are presumed dropped by the
// network, not destroyed funds.
func (t *Tracker) Evict() []PendingTx {
	t.Lock()
	defer t.Unlock()

	var evicted []PendingTx
	now := t.clock.Now()
	for hash, ptx := range t.txs {
		if now.Sub(ptx.FirstSeen) <= t.retention {
			continue
		}

		log.Warnf("Transaction %v unconfirmed for more than %v, "+
			"evicting", hash, t.retention)
		evicted = append(evicted, ptx)
		delete(t.txs, hash)
	}
	return evicted
}
