// Copyright (c) 2025 The vaultd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package syncer

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightningnetwork/lnd/ticker"
	"golang.org/x/sync/errgroup"

	"github.com/coinvault/vaultd/chain"
	"github.com/coinvault/vaultd/mempool"
	"github.com/coinvault/vaultd/wallet"
)

const (
	// DefaultHeartbeatInterval is how often the scheduler polls the
	// chain source and refreshes wallet state when no interval is
	// configured.
	DefaultHeartbeatInterval = 3 * time.Second

	// defaultMaxConcurrentResyncs bounds how many wallets are
	// refreshed in parallel during a single sync pass.
	defaultMaxConcurrentResyncs = 4
)

// Status describes what the scheduler is currently doing.
type Status uint8

const (
	// StatusIdle means the last sync pass completed and the scheduler
	// is waiting for the next heartbeat.
	StatusIdle Status = iota

	// StatusSyncing means a sync pass is in progress.
	StatusSyncing

	// StatusDegraded means the chain source could not be reached on
	// the last pass.  Wallet state is served from cache until the
	// source recovers.
	StatusDegraded

	// StatusError means the last requested combined ledger could not
	// be built, typically because the selector names a wallet that
	// was removed.  The scheduler keeps running.
	StatusError
)

// String returns the status as a human-readable string.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusSyncing:
		return "syncing"
	case StatusDegraded:
		return "degraded"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Config holds the collaborators and tunables of a Scheduler.
type Config struct {
	// Source is the chain backend polled for new blocks and observed
	// for unconfirmed transactions.
	Source chain.Source

	// Registry holds the wallets to keep in sync.
	Registry *wallet.Registry

	// Aggregator builds the combined ledger published after each
	// sync pass.
	Aggregator *wallet.Aggregator

	// Pending tracks unconfirmed transactions across passes.
	Pending *mempool.Tracker

	// Heartbeat drives the sync loop.  If nil, a default ticker
	// firing every DefaultHeartbeatInterval is used.
	Heartbeat ticker.Ticker

	// MaxConcurrentResyncs bounds wallet refresh parallelism.  Zero
	// selects a sensible default.
	MaxConcurrentResyncs int
}

// Scheduler drives the periodic sync cycle: it polls the chain source
// on a heartbeat, promotes pending transactions confirmed by new
// blocks, refreshes each wallet's cached state, and publishes a
// rebuilt combined ledger to subscribers.
type Scheduler struct {
	started int32
	stopped int32

	cfg Config

	ntfns *notificationServer

	// dirty is set when new unconfirmed transactions arrived since
	// the last pass, forcing a rebuild even without a height change.
	dirty int32

	selMtx   sync.Mutex
	selector wallet.Selector

	statusMtx sync.Mutex
	status    Status

	hbMtx   sync.Mutex
	hbFuncs []func() error

	// lastHeight and lastTipTime describe the tip of the most recent
	// successful pass.  synced is false until the first one.
	lastHeight  uint32
	lastTipTime time.Time
	synced      bool

	trigger chan struct{}
	refresh chan struct{}

	wg   sync.WaitGroup
	quit chan struct{}
}

// New creates a Scheduler from the passed config.  The scheduler does
// nothing until Start is called.
func New(cfg Config) *Scheduler {
	if cfg.Heartbeat == nil {
		cfg.Heartbeat = ticker.New(DefaultHeartbeatInterval)
	}
	if cfg.MaxConcurrentResyncs <= 0 {
		cfg.MaxConcurrentResyncs = defaultMaxConcurrentResyncs
	}

	return &Scheduler{
		cfg:      cfg,
		ntfns:    newNotificationServer(),
		selector: wallet.Selector{Mode: wallet.SelectAll},
		trigger:  make(chan struct{}, 1),
		refresh:  make(chan struct{}, 1),
		quit:     make(chan struct{}),
	}
}

// Start launches the sync loop and the chain notification handler.
func (s *Scheduler) Start() error {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return nil
	}

	log.Trace("Starting sync scheduler")

	if err := s.cfg.Source.Start(); err != nil {
		atomic.StoreInt32(&s.started, 0)
		return err
	}

	s.cfg.Heartbeat.Resume()

	s.wg.Add(2)
	go s.ntfnHandler()
	go s.syncHandler()

	// Kick off an initial pass so subscribers see a ledger without
	// waiting for the first heartbeat.
	s.requestSync()

	return nil
}

// Stop shuts the scheduler down and waits for both handler goroutines
// to exit.  Subscriber channels are closed.
func (s *Scheduler) Stop() {
	if !atomic.CompareAndSwapInt32(&s.stopped, 0, 1) {
		return
	}

	log.Trace("Stopping sync scheduler")

	close(s.quit)
	s.cfg.Heartbeat.Stop()
	s.cfg.Source.Stop()
	s.wg.Wait()
	s.ntfns.shutdown()
}

// SubscribeLedger registers a subscriber for combined ledger updates.
func (s *Scheduler) SubscribeLedger() *LedgerClient {
	return s.ntfns.subscribeLedger()
}

// SubscribeStatus registers a subscriber for scheduler status
// transitions.
func (s *Scheduler) SubscribeStatus() *StatusClient {
	return s.ntfns.subscribeStatus()
}

// Status returns the scheduler's current status.
func (s *Scheduler) Status() Status {
	s.statusMtx.Lock()
	defer s.statusMtx.Unlock()
	return s.status
}

// Selector returns the selector the combined ledger is currently built
// with.
func (s *Scheduler) Selector() wallet.Selector {
	s.selMtx.Lock()
	defer s.selMtx.Unlock()
	return s.selector
}

// SetSelector changes the selector for subsequent combined ledger
// builds and requests an immediate rebuild.
func (s *Scheduler) SetSelector(sel wallet.Selector) {
	s.selMtx.Lock()
	s.selector = sel
	s.selMtx.Unlock()

	s.Refresh()
}

// Refresh requests a rebuild and publish of the combined ledger from
// cached wallet state without waiting for the next heartbeat.
func (s *Scheduler) Refresh() {
	select {
	case s.refresh <- struct{}{}:
	default:
	}
}

// RegisterHeartbeatFunc adds a callback run at the end of every sync
// pass.  A callback that panics or errors is logged and does not
// disturb the pass or the other callbacks.
func (s *Scheduler) RegisterHeartbeatFunc(f func() error) {
	s.hbMtx.Lock()
	s.hbFuncs = append(s.hbFuncs, f)
	s.hbMtx.Unlock()
}

// requestSync asks the sync loop for a full pass.  Coalesces with any
// pass already requested.
func (s *Scheduler) requestSync() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// ntfnHandler drains chain source notifications.  Unconfirmed
// transactions are recorded immediately; block arrivals only poke the
// sync loop, which performs the actual catch-up.
func (s *Scheduler) ntfnHandler() {
	defer s.wg.Done()

	for {
		select {
		case n, ok := <-s.cfg.Source.Notifications():
			if !ok {
				return
			}
			switch n := n.(type) {
			case chain.ClientConnected:
				s.requestSync()

			case chain.BlockConnected:
				log.Debugf("Chain source announced block %v "+
					"(height %d)", n.Block.Hash,
					n.Block.Height)
				s.requestSync()

			case chain.TxObserved:
				s.cfg.Pending.Observe(n.Hash, n.RawTx)
				atomic.StoreInt32(&s.dirty, 1)

			default:
				log.Warnf("Ignoring unknown chain "+
					"notification type %T", n)
			}

		case <-s.quit:
			return
		}
	}
}

// syncHandler is the scheduler's main loop.  Every heartbeat tick and
// every explicit trigger runs a full sync pass; refresh requests only
// rebuild the combined view from cached state.
func (s *Scheduler) syncHandler() {
	defer s.wg.Done()

	for {
		select {
		case <-s.cfg.Heartbeat.Ticks():
			s.syncPass()

		case <-s.trigger:
			s.syncPass()

		case <-s.refresh:
			s.publishLedger()

		case <-s.quit:
			return
		}
	}
}

// setStatus records a status transition and notifies subscribers.
// Repeated transitions to the same status are suppressed, except for
// degraded ones so that the latest reason is always delivered.
func (s *Scheduler) setStatus(status Status, reason string) {
	s.statusMtx.Lock()
	changed := s.status != status || status == StatusDegraded ||
		status == StatusError
	s.status = status
	s.statusMtx.Unlock()

	if changed {
		s.ntfns.notifyStatus(StatusEvent{Status: status, Reason: reason})
	}
}

// syncPass performs one full heartbeat cycle.
func (s *Scheduler) syncPass() {
	height, tipTime, err := s.cfg.Source.BestBlock()
	if err != nil {
		log.Warnf("Chain source unavailable, serving cached "+
			"state: %v", err)
		s.setStatus(StatusDegraded, err.Error())

		// Callbacks run once per pass even while degraded; they
		// must not depend on fresh chain state.
		s.runHeartbeatFuncs()
		return
	}

	heightChanged := !s.synced || height > s.lastHeight
	dirty := atomic.SwapInt32(&s.dirty, 0) == 1

	if !heightChanged && !dirty {
		s.runHeartbeatFuncs()
		s.setStatus(StatusIdle, "")
		return
	}

	s.setStatus(StatusSyncing, "")

	// Promote pending transactions mined in the blocks we missed.
	// On the very first pass there is no previous height to scan
	// from, so wallets are refreshed against the tip directly.
	if s.synced && height > s.lastHeight {
		blocks, err := s.cfg.Source.BlocksSince(s.lastHeight)
		if err != nil {
			log.Warnf("Unable to fetch blocks since height %d: %v",
				s.lastHeight, err)
			s.setStatus(StatusDegraded, err.Error())
			s.runHeartbeatFuncs()
			return
		}
		for _, block := range blocks {
			for _, txHash := range block.TxHashes() {
				s.cfg.Pending.Confirm(txHash)
			}
		}
	}

	s.resyncWallets(height)
	s.cfg.Pending.Evict()

	s.lastHeight = height
	s.lastTipTime = tipTime
	s.synced = true

	s.publishLedger()
	s.runHeartbeatFuncs()
	s.setStatus(StatusIdle, "")
}

// resyncWallets refreshes every registered, non-excluded wallet's
// cached state against the passed tip height.  Wallets are refreshed
// in parallel with a bounded group; a failing wallet is marked stale
// by the registry and does not disturb the others.
func (s *Scheduler) resyncWallets(tipHeight uint32) {
	var g errgroup.Group
	g.SetLimit(s.cfg.MaxConcurrentResyncs)

	for _, id := range s.cfg.Registry.List() {
		rec, err := s.cfg.Registry.Record(id)
		if err != nil {
			// Removed between List and Record.
			continue
		}
		if rec.Excluded {
			continue
		}

		id := id
		g.Go(func() error {
			if err := s.cfg.Registry.Resync(id, tipHeight); err != nil {
				var syncErr *wallet.SyncError
				if errors.As(err, &syncErr) {
					log.Warnf("Wallet %v failed to sync: %v",
						syncErr.Wallet, syncErr.Err)
				} else if !errors.Is(err, wallet.ErrWalletNotFound) {
					log.Warnf("Wallet %v failed to sync: %v",
						id, err)
				}
			}
			return nil
		})
	}

	// The group never returns an error; failures are per-wallet.
	_ = g.Wait()
}

// publishLedger rebuilds the combined ledger with the current selector
// and cached tip and delivers it to subscribers.
func (s *Scheduler) publishLedger() {
	if !s.synced {
		return
	}

	sel := s.Selector()
	combined, err := s.cfg.Aggregator.Build(sel, s.lastHeight, s.lastTipTime)
	if err != nil {
		log.Errorf("Unable to build combined ledger: %v", err)
		s.setStatus(StatusError, err.Error())
		return
	}

	s.ntfns.notifyLedger(&LedgerUpdate{
		Ledger:    combined,
		Selector:  sel,
		TipHeight: s.lastHeight,
		TipTime:   s.lastTipTime,
		Degraded:  s.Status() == StatusDegraded,
	})
}

// runHeartbeatFuncs invokes the registered per-pass callbacks,
// isolating the pass from their panics and errors.
func (s *Scheduler) runHeartbeatFuncs() {
	s.hbMtx.Lock()
	funcs := make([]func() error, len(s.hbFuncs))
	copy(funcs, s.hbFuncs)
	s.hbMtx.Unlock()

	for i, f := range funcs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("Heartbeat callback %d "+
						"panicked: %v", i, r)
				}
			}()
			if err := f(); err != nil {
				log.Warnf("Heartbeat callback %d failed: %v",
					i, err)
			}
		}()
	}
}
