package chain

import (
	"errors"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// ErrSourceUnavailable is returned when the backing blockchain source
// cannot be reached or reports corrupt data.  Callers treat it as
// transient: the sync scheduler enters its degraded state and retries on
// the next heartbeat.
var ErrSourceUnavailable = errors.New("blockchain source unavailable")

// Block is the engine's view of one mined block: its position in the
// chain, its timestamp, and the transactions it contains.
type Block struct {
	// Height is the block's height in the best chain.
	Height uint32

	// Hash is the block's hash.
	Hash chainhash.Hash

	// Time is the block's timestamp.
	Time time.Time

	// Txs holds the block's transactions.
	Txs []*wire.MsgTx
}

// TxHashes returns the hashes of the block's transactions.
func (b *Block) TxHashes() []chainhash.Hash {
	hashes := make([]chainhash.Hash, len(b.Txs))
	for i, tx := range b.Txs {
		hashes[i] = tx.TxHash()
	}
	return hashes
}

// Source allows more than one backing blockchain data feed, such as a node
// RPC connection polled on a timer or a ZMQ push subscription, as long as
// we write a driver for it.  Pull calls (BestBlock, BlocksSince) may block
// on I/O; callers must not hold state locks while waiting on them.
type Source interface {
	// Start begins delivering notifications.
	Start() error

	// Stop terminates the source and its goroutines.
	Stop()

	// BestBlock returns the current chain tip's height and timestamp.
	BestBlock() (uint32, time.Time, error)

	// BlocksSince returns every block after the given height up to the
	// current tip, in ascending height order.
	BlocksSince(height uint32) ([]Block, error)

	// Notifications returns the channel notification types are
	// delivered on.
	Notifications() <-chan interface{}
}

// Notification types.  These are defined here and processed from reading a
// notification channel so consumers can handle them with a type switch and
// make blocking calls from their own goroutines.
type (
	// ClientConnected is a notification for when a connection to the
	// chain source is opened or reestablished.
	ClientConnected struct{}

	// BlockConnected is a notification for a newly mined block attached
	// to the best chain.
	BlockConnected struct {
		Block Block
	}

	// TxObserved is a notification for a transaction seen on the
	// network that is not yet included in any mined block.
	TxObserved struct {
		// Hash is the transaction's hash.
		Hash chainhash.Hash

		// RawTx is the serialized transaction.
		RawTx []byte

		// Time is when the source saw the transaction.
		Time time.Time
	}
)
