// Copyright (c) 2025 The vaultd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// LabelStore keeps the user-defined transaction comments, one namespace per
// wallet.  Persisting labels is an external collaborator concern; this
// store only holds the session's working set for display on combined
// ledger rows.
type LabelStore struct {
	mtx sync.RWMutex

	// labels maps wallet ID to a txid to comment mapping.
	labels map[ID]map[chainhash.Hash]string
}

// NewLabelStore returns an empty label store.
func NewLabelStore() *LabelStore {
	return &LabelStore{
		labels: make(map[ID]map[chainhash.Hash]string),
	}
}

// SetLabel attaches a comment to a transaction as seen from one wallet.
// An empty label removes the comment.
func (s *LabelStore) SetLabel(id ID, hash chainhash.Hash, label string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if label == "" {
		delete(s.labels[id], hash)
		return
	}

	m, ok := s.labels[id]
	if !ok {
		m = make(map[chainhash.Hash]string)
		s.labels[id] = m
	}
	m[hash] = label
}

// Label returns the comment attached to a transaction for a wallet, or the
// empty string when none is set.
func (s *LabelStore) Label(id ID, hash chainhash.Hash) string {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	return s.labels[id][hash]
}

// DropWallet removes all comments stored for a wallet, typically after the
// wallet itself was removed from the registry.
func (s *LabelStore) DropWallet(id ID) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	delete(s.labels, id)
}
