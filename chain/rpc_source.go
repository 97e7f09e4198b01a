package chain

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
)

const (
	// defaultBlockPollInterval is how often the source polls the node
	// for a new chain tip.
	defaultBlockPollInterval = 5 * time.Second

	// defaultTxPollInterval is how often the source polls the node's
	// mempool for transactions it has not seen yet.
	defaultTxPollInterval = 10 * time.Second

	// seenTxExpiry bounds the source's local seen-transaction map.
	// Transactions neither mined nor re-announced within this window
	// have been dropped by the node and may be announced again.
	seenTxExpiry = 2 * time.Hour
)

// RPCConfig holds the config values needed to poll a chain node over RPC.
type RPCConfig struct {
	// Host is the IP address and port of the node's RPC listener.
	Host string

	// User and Pass authenticate the RPC connection.
	User string
	Pass string

	// BlockPollInterval overrides defaultBlockPollInterval if non-zero.
	BlockPollInterval time.Duration

	// TxPollInterval overrides defaultTxPollInterval if non-zero.
	TxPollInterval time.Duration

	// PollJitter scales the polling intervals to spread load, in the
	// range [interval*(1-PollJitter), interval*(1+PollJitter)].  Zero
	// disables jitter.
	PollJitter float64
}

// RPCSource delivers block and transaction notifications by polling a
// chain node over RPC.  It implements the Source interface.
type RPCSource struct {
	started int32 // to be used atomically
	stopped int32 // to be used atomically

	cfg RPCConfig

	client *rpcclient.Client

	// ntfns is the channel all notification types are delivered on.
	ntfns chan interface{}

	// seenTxs records the mempool transactions already announced so a
	// poll only emits new arrivals.
	seenTxs map[chainhash.Hash]time.Time
	seenMtx sync.Mutex

	wg   sync.WaitGroup
	quit chan struct{}
}

// A compile time check to ensure RPCSource implements the Source interface.
var _ Source = (*RPCSource)(nil)

// NewRPCSource establishes an RPC connection to a chain node and returns a
// polling source backed by it.
func NewRPCSource(cfg RPCConfig) (*RPCSource, error) {
	if cfg.BlockPollInterval == 0 {
		cfg.BlockPollInterval = defaultBlockPollInterval
	}
	if cfg.TxPollInterval == 0 {
		cfg.TxPollInterval = defaultTxPollInterval
	}
	if cfg.PollJitter < 0 {
		log.Warnf("Jitter value(%v) must be positive, setting to 0",
			cfg.PollJitter)
		cfg.PollJitter = 0
	}

	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		DisableTLS:   true,
		HTTPPostMode: true,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to create chain RPC client: "+
			"%w", err)
	}

	return &RPCSource{
		cfg:     cfg,
		client:  client,
		ntfns:   make(chan interface{}),
		seenTxs: make(map[chainhash.Hash]time.Time),
		quit:    make(chan struct{}),
	}, nil
}

// Start begins polling the node for new blocks and mempool transactions.
func (s *RPCSource) Start() error {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return nil
	}

	height, _, err := s.BestBlock()
	if err != nil {
		return err
	}

	s.notify(ClientConnected{})

	s.wg.Add(2)
	go s.blockPoller(height)
	go s.txPoller()

	return nil
}

// Stop terminates the polling goroutines and shuts down the RPC client.
func (s *RPCSource) Stop() {
	if !atomic.CompareAndSwapInt32(&s.stopped, 0, 1) {
		return
	}

	close(s.quit)
	s.client.Shutdown()
	s.wg.Wait()
}

// Notifications returns the channel block and transaction notifications
// are delivered on.
func (s *RPCSource) Notifications() <-chan interface{} {
	return s.ntfns
}

// BestBlock returns the height and timestamp of the node's current chain
// tip.
func (s *RPCSource) BestBlock() (uint32, time.Time, error) {
	count, err := s.client.GetBlockCount()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("%w: %v",
			ErrSourceUnavailable, err)
	}

	hash, err := s.client.GetBlockHash(count)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("%w: %v",
			ErrSourceUnavailable, err)
	}

	header, err := s.client.GetBlockHeader(hash)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("%w: %v",
			ErrSourceUnavailable, err)
	}

	return uint32(count), header.Timestamp, nil
}

// BlocksSince returns every block after the given height up to the current
// tip, in ascending height order.
func (s *RPCSource) BlocksSince(height uint32) ([]Block, error) {
	best, _, err := s.BestBlock()
	if err != nil {
		return nil, err
	}

	var blocks []Block
	for h := height + 1; h <= best; h++ {
		block, err := s.fetchBlock(h)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}

// fetchBlock pulls a single block at the given height.
func (s *RPCSource) fetchBlock(height uint32) (Block, error) {
	hash, err := s.client.GetBlockHash(int64(height))
	if err != nil {
		return Block{}, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	msgBlock, err := s.client.GetBlock(hash)
	if err != nil {
		return Block{}, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	return Block{
		Height: height,
		Hash:   *hash,
		Time:   msgBlock.Header.Timestamp,
		Txs:    msgBlock.Transactions,
	}, nil
}

// notify delivers a notification unless the source is shutting down.
func (s *RPCSource) notify(n interface{}) {
	select {
	case s.ntfns <- n:
	case <-s.quit:
	}
}

// blockPoller checks the node for a new chain tip every so often and
// notifies each newly attached block in order.
//
// NOTE: This must be run as a goroutine.
func (s *RPCSource) blockPoller(startHeight uint32) {
	defer s.wg.Done()

	log.Infof("Started polling for new blocks via RPC, starting at "+
		"height %d", startHeight)

	ticker := NewJitterTicker(s.cfg.BlockPollInterval, s.cfg.PollJitter)
	defer ticker.Stop()

	height := startHeight
	for {
		select {
		case <-ticker.C:
			best, _, err := s.BestBlock()
			if err != nil {
				log.Errorf("Unable to retrieve best block: "+
					"%v", err)
				continue
			}

			for height < best {
				block, err := s.fetchBlock(height + 1)
				if err != nil {
					log.Errorf("Unable to retrieve "+
						"block: %v", err)
					break
				}

				s.notify(BlockConnected{Block: block})

				// Transactions mined in this block are no
				// longer mempool arrivals.
				s.forgetSeen(block.TxHashes())

				height++
			}

		case <-s.quit:
			return
		}
	}
}

// txPoller scans the node's mempool every so often and announces the
// transactions that have not been seen before.
//
// NOTE: This must be run as a goroutine.
func (s *RPCSource) txPoller() {
	defer s.wg.Done()

	log.Info("Started polling for new mempool transactions via RPC.")

	ticker := NewJitterTicker(s.cfg.TxPollInterval, s.cfg.PollJitter)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			hashes, err := s.client.GetRawMempool()
			if err != nil {
				log.Errorf("Unable to retrieve mempool txs: "+
					"%v", err)
				continue
			}

			for _, txHash := range hashes {
				if s.haveSeen(*txHash) {
					continue
				}

				tx, err := s.client.GetRawTransaction(txHash)
				if err != nil {
					log.Errorf("Unable to fetch "+
						"transaction %s from "+
						"mempool: %v", txHash, err)
					continue
				}

				var buf bytes.Buffer
				if err := tx.MsgTx().Serialize(&buf); err != nil {
					log.Errorf("Unable to serialize "+
						"transaction %s: %v", txHash,
						err)
					continue
				}

				s.markSeen(*txHash)
				s.notify(TxObserved{
					Hash:  *txHash,
					RawTx: buf.Bytes(),
					Time:  time.Now(),
				})
			}

			s.pruneSeen()

		case <-s.quit:
			return
		}
	}
}

// haveSeen returns whether the transaction was already announced.
func (s *RPCSource) haveSeen(hash chainhash.Hash) bool {
	s.seenMtx.Lock()
	defer s.seenMtx.Unlock()

	_, ok := s.seenTxs[hash]
	return ok
}

// markSeen records an announced transaction.
func (s *RPCSource) markSeen(hash chainhash.Hash) {
	s.seenMtx.Lock()
	defer s.seenMtx.Unlock()

	s.seenTxs[hash] = time.Now()
}

// forgetSeen drops mined transactions from the seen map.
func (s *RPCSource) forgetSeen(hashes []chainhash.Hash) {
	s.seenMtx.Lock()
	defer s.seenMtx.Unlock()

	for _, hash := range hashes {
		delete(s.seenTxs, hash)
	}
}

// pruneSeen expires stale entries from the seen map so transactions the
// node evicted do not pin memory forever.
func (s *RPCSource) pruneSeen() {
	s.seenMtx.Lock()
	defer s.seenMtx.Unlock()

	for hash, seenAt := range s.seenTxs {
		if time.Since(seenAt) > seenTxExpiry {
			delete(s.seenTxs, hash)
		}
	}
}
