// Copyright (c) 2025 The vaultd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"

	"github.com/coinvault/vaultd/ledger"
	"github.com/coinvault/vaultd/mempool"
)

var (
	testTip     = uint32(1000)
	testTipTime = time.Date(2025, time.April, 2, 9, 30, 0, 0, time.UTC)
)

// newTestAggregator builds a registry with one wallet of each kind plus a
// pending tracker, all resynced at testTip.
func newTestAggregator(t *testing.T) (*Aggregator, *mempool.Tracker) {
	t.Helper()

	mined := func(b byte, height uint32, value btcutil.Amount) ledger.Entry {
		return ledger.Entry{
			TxHash:      chainhash.Hash{b},
			BlockHeight: height,
			Value:       value,
			Received:    testTipTime.Add(-time.Hour),
		}
	}

	wallets := []*mockWallet{
		{
			id: "plain", kind: KindPlain, label: "plain",
			balance: 500,
			entries: []ledger.Entry{
				mined(1, 900, 400),
				mined(2, 998, 100),
			},
		},
		{
			id: "crypt", kind: KindEncrypted, label: "crypt",
			balance: 70,
			entries: []ledger.Entry{
				mined(3, 950, 100),
				mined(4, 997, -30),
			},
		},
		{
			id: "cold", kind: KindOffline, label: "cold",
			balance: 1200,
			entries: []ledger.Entry{mined(5, 400, 1200)},
		},
		{
			id: "watch", kind: KindWatchOnly, label: "watch",
			balance: 300,
			entries: []ledger.Entry{mined(6, 800, 300)},
		},
	}

	reg := NewRegistry()
	for _, w := range wallets {
		_, err := reg.Register(w)
		require.NoError(t, err)
		require.NoError(t, reg.Resync(w.id, testTip))
	}

	tracker := mempool.NewTracker(clock.NewTestClock(testTipTime), 0)

	return &Aggregator{
		Registry: reg,
		Pending:  tracker,
		Labels:   NewLabelStore(),
	}, tracker
}

// sumRows adds up the value of every row.
func sumRows(rows []Row) btcutil.Amount {
	var sum btcutil.Amount
	for _, row := range rows {
		sum += row.Entry.Value
	}
	return sum
}

// TestBuildSelectorKinds tests the selector to wallet-kind mapping and the
// totals each view reports.
func TestBuildSelectorKinds(t *testing.T) {
	agg, _ := newTestAggregator(t)

	tests := []struct {
		name    string
		sel     Selector
		wallets map[ID]bool
		total   btcutil.Amount
	}{
		{
			name: "all wallets",
			sel:  Selector{Mode: SelectAll},
			wallets: map[ID]bool{
				"plain": true, "crypt": true,
				"cold": true, "watch": true,
			},
			total: 2070,
		},
		{
			name: "my wallets excludes watch-only",
			sel:  Selector{Mode: SelectMine},
			wallets: map[ID]bool{
				"plain": true, "crypt": true, "cold": true,
			},
			total: 1770,
		},
		{
			name:    "offline only",
			sel:     Selector{Mode: SelectOffline},
			wallets: map[ID]bool{"cold": true},
			total:   1200,
		},
		{
			name:    "watch-only only",
			sel:     Selector{Mode: SelectWatchOnly},
			wallets: map[ID]bool{"watch": true},
			total:   300,
		},
		{
			name:    "single wallet",
			sel:     Selector{Mode: SelectSingle, Wallet: "plain"},
			wallets: map[ID]bool{"plain": true},
			total:   500,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			combined, err := agg.Build(
				test.sel, testTip, testTipTime,
			)
			require.NoError(t, err)

			seen := make(map[ID]bool)
			for _, row := range combined.Rows {
				seen[row.Wallet] = true
			}
			require.Equal(t, test.wallets, seen)

			// Conservation: the two totals partition the rows.
			require.Equal(
				t, test.total, sumRows(combined.Rows),
			)
			require.Equal(
				t, test.total,
				combined.TotalConfirmed+combined.TotalUnconfirmed,
			)
		})
	}
}

// TestBuildMineVsAll tests the basic two-wallet split: a plain wallet
// and a watch-only wallet, where only the former counts as the user's
// own funds.
func TestBuildMineVsAll(t *testing.T) {
	require := require.New(t)

	w1 := &mockWallet{
		id: "W1", kind: KindPlain, label: "spending", balance: 500,
		entries: []ledger.Entry{{
			TxHash:      chainhash.Hash{1},
			BlockHeight: 900,
			Value:       500,
		}},
	}
	w2 := &mockWallet{
		id: "W2", kind: KindWatchOnly, label: "exchange", balance: 300,
		entries: []ledger.Entry{{
			TxHash:      chainhash.Hash{2},
			BlockHeight: 950,
			Value:       300,
		}},
	}

	reg := NewRegistry()
	for _, w := range []*mockWallet{w1, w2} {
		_, err := reg.Register(w)
		require.NoError(err)
		require.NoError(reg.Resync(w.id, testTip))
	}

	agg := &Aggregator{
		Registry: reg,
		Pending:  mempool.NewTracker(clock.NewTestClock(testTipTime), 0),
	}

	mine, err := agg.Build(Selector{Mode: SelectMine}, testTip, testTipTime)
	require.NoError(err)
	require.Len(mine.Rows, 1)
	require.Equal(ID("W1"), mine.Rows[0].Wallet)
	require.Equal(btcutil.Amount(500), mine.TotalConfirmed)

	all, err := agg.Build(Selector{Mode: SelectAll}, testTip, testTipTime)
	require.NoError(err)
	require.Len(all.Rows, 2)
	require.Equal(btcutil.Amount(800), all.TotalConfirmed)
}

// TestBuildSelectorPartition tests that MyWallets and WatchOnly are
// disjoint and that together with nothing else they cover AllWallets.
func TestBuildSelectorPartition(t *testing.T) {
	require := require.New(t)

	agg, _ := newTestAggregator(t)

	all, err := agg.Build(Selector{Mode: SelectAll}, testTip, testTipTime)
	require.NoError(err)
	mine, err := agg.Build(Selector{Mode: SelectMine}, testTip, testTipTime)
	require.NoError(err)
	watch, err := agg.Build(
		Selector{Mode: SelectWatchOnly}, testTip, testTipTime,
	)
	require.NoError(err)

	rowKey := func(r Row) string {
		return string(r.Wallet) + r.Entry.TxHash.String()
	}

	union := make(map[string]int)
	for _, r := range mine.Rows {
		union[rowKey(r)]++
	}
	for _, r := range watch.Rows {
		union[rowKey(r)]++
	}

	// No row appears in both views.
	for key, n := range union {
		require.Equal(1, n, "row %s selected twice", key)
	}

	// The union covers AllWallets exactly once.
	require.Len(all.Rows, len(union))
	for _, r := range all.Rows {
		require.Contains(union, rowKey(r))
	}
}

// TestBuildOrdering tests that rows come out newest first: higher block
// heights before lower ones, with deterministic tie-breaks, stable across
// repeated builds.
func TestBuildOrdering(t *testing.T) {
	require := require.New(t)

	agg, _ := newTestAggregator(t)

	first, err := agg.Build(Selector{Mode: SelectAll}, testTip, testTipTime)
	require.NoError(err)

	for i := 0; i < len(first.Rows)-1; i++ {
		a, b := first.Rows[i].Entry, first.Rows[i+1].Entry
		require.GreaterOrEqual(a.BlockHeight, b.BlockHeight)
	}

	// Repeated builds give byte-identical row order.
	second, err := agg.Build(Selector{Mode: SelectAll}, testTip, testTipTime)
	require.NoError(err)
	require.Equal(first.Rows, second.Rows)
}

// TestBuildConfirmationBoundary tests classification at the confirmation
// threshold: tip-5 is six deep and confirmed, tip-4 is five deep and not.
func TestBuildConfirmationBoundary(t *testing.T) {
	require := require.New(t)

	w := &mockWallet{
		id: "W1", kind: KindPlain, balance: 30,
		entries: []ledger.Entry{
			{
				TxHash:      chainhash.Hash{1},
				BlockHeight: testTip - 5,
				Value:       20,
			},
			{
				TxHash:      chainhash.Hash{2},
				BlockHeight: testTip - 4,
				Value:       10,
			},
		},
	}

	reg := NewRegistry()
	_, err := reg.Register(w)
	require.NoError(err)
	require.NoError(reg.Resync("W1", testTip))

	agg := &Aggregator{
		Registry: reg,
		Pending:  mempool.NewTracker(clock.NewTestClock(testTipTime), 0),
	}

	combined, err := agg.Build(Selector{Mode: SelectAll}, testTip, testTipTime)
	require.NoError(err)
	require.Len(combined.Rows, 2)

	byHash := make(map[chainhash.Hash]Row)
	for _, row := range combined.Rows {
		byHash[row.Entry.TxHash] = row
	}

	require.Equal(int32(6), byHash[chainhash.Hash{1}].Confirmations)
	require.Equal(int32(5), byHash[chainhash.Hash{2}].Confirmations)

	require.Equal(btcutil.Amount(20), combined.TotalConfirmed)
	require.Equal(btcutil.Amount(10), combined.TotalUnconfirmed)
}

// TestBuildPendingLifecycle tests the zero-confirmation flow: an observed
// transaction shows up with zero confirmations and its first-seen time,
// then after confirmation and resync it appears mined and leaves the
// pending set.
func TestBuildPendingLifecycle(t *testing.T) {
	require := require.New(t)

	pendingHash := chainhash.Hash{0xaa}
	firstSeen := testTipTime.Add(-10 * time.Minute)

	w := &mockWallet{
		id: "W1", kind: KindPlain, balance: 50,
		entries: []ledger.Entry{{
			TxHash:      pendingHash,
			BlockHeight: ledger.UnconfirmedHeight,
			Value:       50,
		}},
	}

	reg := NewRegistry()
	_, err := reg.Register(w)
	require.NoError(err)
	require.NoError(reg.Resync("W1", testTip))

	c := clock.NewTestClock(firstSeen)
	tracker := mempool.NewTracker(c, 0)
	tracker.Observe(pendingHash, []byte{0xde, 0xad})

	agg := &Aggregator{Registry: reg, Pending: tracker}

	combined, err := agg.Build(Selector{Mode: SelectAll}, testTip, testTipTime)
	require.NoError(err)
	require.Len(combined.Rows, 1)
	require.Equal(int32(0), combined.Rows[0].Confirmations)
	require.Equal(firstSeen, combined.Rows[0].Entry.Received)
	require.Equal(btcutil.Amount(50), combined.TotalUnconfirmed)
	require.Zero(combined.TotalConfirmed)

	// A block containing the transaction arrives: the tracker confirms
	// it and the wallet's ledger now reports a mined entry.
	newTip := testTip + 1
	tracker.Confirm(pendingHash)
	w.entries[0].BlockHeight = newTip
	require.NoError(reg.Resync("W1", newTip))

	combined, err = agg.Build(Selector{Mode: SelectAll}, newTip, testTipTime)
	require.NoError(err)
	require.Len(combined.Rows, 1)
	require.Equal(int32(1), combined.Rows[0].Confirmations)
	require.False(tracker.Contains(pendingHash))
}

// TestBuildPendingOverridesStaleHeight tests that a transaction still in
// the pending set is reported unconfirmed even if the wallet's cached entry
// claims a block height.
func TestBuildPendingOverridesStaleHeight(t *testing.T) {
	require := require.New(t)

	hash := chainhash.Hash{0xbb}
	w := &mockWallet{
		id: "W1", kind: KindPlain, balance: 10,
		entries: []ledger.Entry{{
			TxHash:      hash,
			BlockHeight: testTip, // stale cached height
			Value:       10,
		}},
	}

	reg := NewRegistry()
	_, err := reg.Register(w)
	require.NoError(err)
	require.NoError(reg.Resync("W1", testTip))

	tracker := mempool.NewTracker(clock.NewTestClock(testTipTime), 0)
	tracker.Observe(hash, nil)

	agg := &Aggregator{Registry: reg, Pending: tracker}

	combined, err := agg.Build(Selector{Mode: SelectAll}, testTip, testTipTime)
	require.NoError(err)
	require.Len(combined.Rows, 1)
	require.Equal(int32(0), combined.Rows[0].Confirmations)
	require.Equal(btcutil.Amount(10), combined.TotalUnconfirmed)
}

// TestBuildUnknownWallet tests that a single-wallet selector naming an
// unregistered wallet fails loudly instead of returning an empty view.
func TestBuildUnknownWallet(t *testing.T) {
	agg, _ := newTestAggregator(t)

	_, err := agg.Build(
		Selector{Mode: SelectSingle, Wallet: "missing"},
		testTip, testTipTime,
	)
	require.ErrorIs(t, err, ErrUnknownWallet)
}

// TestBuildSkipsStale tests that a stale wallet's rows are omitted until it
// resyncs successfully again.
func TestBuildSkipsStale(t *testing.T) {
	require := require.New(t)

	agg, _ := newTestAggregator(t)

	// Break the plain wallet and attempt a resync to mark it stale.
	state := agg.Registry.wallets["plain"]
	state.wallet.(*mockWallet).failSync.Store(true)

	err := agg.Registry.Resync("plain", testTip)
	var syncErr *SyncError
	require.ErrorAs(err, &syncErr)

	combined, err := agg.Build(Selector{Mode: SelectAll}, testTip, testTipTime)
	require.NoError(err)
	for _, row := range combined.Rows {
		require.NotEqual(ID("plain"), row.Wallet)
	}
}

// TestBuildExcludedWallet tests that exclusion removes a wallet from set
// selectors but an explicit single selection still shows it.
func TestBuildExcludedWallet(t *testing.T) {
	require := require.New(t)

	agg, _ := newTestAggregator(t)
	require.NoError(agg.Registry.SetExcluded("cold", true))

	combined, err := agg.Build(Selector{Mode: SelectMine}, testTip, testTipTime)
	require.NoError(err)
	for _, row := range combined.Rows {
		require.NotEqual(ID("cold"), row.Wallet)
	}

	single, err := agg.Build(
		Selector{Mode: SelectSingle, Wallet: "cold"},
		testTip, testTipTime,
	)
	require.NoError(err)
	require.NotEmpty(single.Rows)
}

// TestBuildRowLabels tests that user transaction comments are attached to
// the owning wallet's rows only.
func TestBuildRowLabels(t *testing.T) {
	require := require.New(t)

	agg, _ := newTestAggregator(t)
	agg.Labels.SetLabel("plain", chainhash.Hash{1}, "rent")

	combined, err := agg.Build(Selector{Mode: SelectAll}, testTip, testTipTime)
	require.NoError(err)

	var labelled int
	for _, row := range combined.Rows {
		if row.Label != "" {
			labelled++
			require.Equal(ID("plain"), row.Wallet)
			require.Equal("rent", row.Label)
		}
	}
	require.Equal(1, labelled)
}

// TestBuildSharedTransaction tests that one transaction affecting two
// wallets yields one row per wallet, never a merged row.
func TestBuildSharedTransaction(t *testing.T) {
	require := require.New(t)

	shared := chainhash.Hash{0xcc}
	mk := func(id ID, value btcutil.Amount) *mockWallet {
		return &mockWallet{
			id: id, kind: KindPlain, balance: value,
			entries: []ledger.Entry{{
				TxHash:      shared,
				BlockHeight: 990,
				Value:       value,
			}},
		}
	}

	reg := NewRegistry()
	for _, w := range []*mockWallet{mk("a", -40), mk("b", 40)} {
		_, err := reg.Register(w)
		require.NoError(err)
		require.NoError(reg.Resync(w.id, testTip))
	}

	agg := &Aggregator{
		Registry: reg,
		Pending:  mempool.NewTracker(clock.NewTestClock(testTipTime), 0),
	}

	combined, err := agg.Build(Selector{Mode: SelectAll}, testTip, testTipTime)
	require.NoError(err)
	require.Len(combined.Rows, 2)
	require.Equal(ID("a"), combined.Rows[0].Wallet)
	require.Equal(ID("b"), combined.Rows[1].Wallet)
	require.Zero(combined.TotalConfirmed + combined.TotalUnconfirmed)
}

// TestBuildWithoutTrackers tests that an aggregator with neither a pending
// tracker nor a label store still builds a ledger, treating every entry as
// mined and leaving labels empty.
func TestBuildWithoutTrackers(t *testing.T) {
	require := require.New(t)

	w := &mockWallet{
		id: "bare", kind: KindPlain, balance: 250,
		entries: []ledger.Entry{{
			TxHash:      chainhash.Hash{9},
			BlockHeight: testTip - 20,
			Value:       250,
			Received:    testTipTime.Add(-time.Hour),
		}},
	}

	reg := NewRegistry()
	_, err := reg.Register(w)
	require.NoError(err)
	require.NoError(reg.Resync(w.id, testTip))

	agg := &Aggregator{Registry: reg}

	combined, err := agg.Build(Selector{Mode: SelectAll}, testTip, testTipTime)
	require.NoError(err)
	require.Len(combined.Rows, 1)
	require.Equal(int32(21), combined.Rows[0].Confirmations)
	require.Empty(combined.Rows[0].Label)
	require.Equal(btcutil.Amount(250), combined.TotalConfirmed)
}
