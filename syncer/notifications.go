// Copyright (c) 2025 The vaultd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package syncer

import (
	"sync"
	"time"

	"github.com/coinvault/vaultd/wallet"
)

// clientBufferSize is the number of undelivered notifications a single
// subscriber may accumulate before further notifications to that
// subscriber are dropped.
const clientBufferSize = 100

// LedgerUpdate is sent to ledger subscribers whenever the scheduler
// rebuilds the combined view, either because the chain tip advanced,
// new unconfirmed transactions arrived, or a refresh was requested.
type LedgerUpdate struct {
	// Ledger is the freshly built combined view.
	Ledger *wallet.CombinedLedger

	// Selector is the selector the view was built with.
	Selector wallet.Selector

	// TipHeight and TipTime describe the chain tip the view reflects.
	TipHeight uint32
	TipTime   time.Time

	// Degraded is set when the view was rebuilt from cached wallet
	// state while the chain source was unreachable.
	Degraded bool
}

// StatusEvent is sent to status subscribers on every scheduler state
// transition.  Reason is only set for StatusDegraded.
type StatusEvent struct {
	Status Status
	Reason string
}

// LedgerClient receives combined ledger updates.  Callers must drain C
// promptly or call Cancel; a subscriber that falls more than
// clientBufferSize updates behind starts losing the newest ones.
type LedgerClient struct {
	C <-chan *LedgerUpdate

	cancel func()
}

// Cancel unsubscribes the client and closes its channel.
func (c *LedgerClient) Cancel() {
	c.cancel()
}

// StatusClient receives scheduler status transitions.
type StatusClient struct {
	C <-chan StatusEvent

	cancel func()
}

// Cancel unsubscribes the client and closes its channel.
func (c *StatusClient) Cancel() {
	c.cancel()
}

// notificationServer fans scheduler events out to any number of
// subscribers without ever blocking the sync loop.  Sends to a full
// subscriber channel are dropped with a warning instead of stalling
// the heartbeat.
type notificationServer struct {
	mtx sync.Mutex

	nextID        uint64
	ledgerClients map[uint64]chan *LedgerUpdate
	statusClients map[uint64]chan StatusEvent
}

func newNotificationServer() *notificationServer {
	return &notificationServer{
		ledgerClients: make(map[uint64]chan *LedgerUpdate),
		statusClients: make(map[uint64]chan StatusEvent),
	}
}

func (s *notificationServer) subscribeLedger() *LedgerClient {
	ch := make(chan *LedgerUpdate, clientBufferSize)

	s.mtx.Lock()
	id := s.nextID
	s.nextID++
	s.ledgerClients[id] = ch
	s.mtx.Unlock()

	return &LedgerClient{
		C: ch,
		cancel: func() {
			s.mtx.Lock()
			if _, ok := s.ledgerClients[id]; ok {
				delete(s.ledgerClients, id)
				close(ch)
			}
			s.mtx.Unlock()
		},
	}
}

func (s *notificationServer) subscribeStatus() *StatusClient {
	ch := make(chan StatusEvent, clientBufferSize)

	s.mtx.Lock()
	id := s.nextID
	s.nextID++
	s.statusClients[id] = ch
	s.mtx.Unlock()

	return &StatusClient{
		C: ch,
		cancel: func() {
			s.mtx.Lock()
			if _, ok := s.statusClients[id]; ok {
				delete(s.statusClients, id)
				close(ch)
			}
			s.mtx.Unlock()
		},
	}
}

func (s *notificationServer) notifyLedger(u *LedgerUpdate) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	for id, ch := range s.ledgerClients {
		select {
		case ch <- u:
		default:
			log.Warnf("Ledger subscriber %d is too slow, "+
				"dropping update for tip %d", id, u.TipHeight)
		}
	}
}

func (s *notificationServer) notifyStatus(ev StatusEvent) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	for id, ch := range s.statusClients {
		select {
		case ch <- ev:
		default:
			log.Warnf("Status subscriber %d is too slow, "+
				"dropping %v event", id, ev.Status)
		}
	}
}

// shutdown closes every subscriber channel.
func (s *notificationServer) shutdown() {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	for id, ch := range s.ledgerClients {
		delete(s.ledgerClients, id)
		close(ch)
	}
	for id, ch := range s.statusClients {
		delete(s.statusClients, id)
		close(ch)
	}
}
