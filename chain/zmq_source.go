package chain

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/gozmq"
)

const (
	// rawBlockZMQCommand is the command used to receive raw block
	// notifications over ZMQ.
	rawBlockZMQCommand = "rawblock"

	// rawTxZMQCommand is the command used to receive raw transaction
	// notifications over ZMQ.
	rawTxZMQCommand = "rawtx"

	// maxRawBlockSize is the maximum serialized block size we accept
	// over the ZMQ subscription.
	maxRawBlockSize = 4e6

	// maxRawTxSize is the maximum serialized transaction size we accept
	// over the ZMQ subscription.
	maxRawTxSize = maxRawBlockSize

	// seqNumLen is the length of the sequence number trailing every ZMQ
	// message.
	seqNumLen = 4

	// defaultZMQReadDeadline is the read deadline applied to both ZMQ
	// subscriptions.
	defaultZMQReadDeadline = 5 * time.Second
)

// ZMQConfig holds the config values needed to subscribe to a node's raw
// block and raw transaction ZMQ publishers.
type ZMQConfig struct {
	// BlockHost is the IP address and port of the node's rawblock
	// listener.
	BlockHost string

	// TxHost is the IP address and port of the node's rawtx listener.
	TxHost string

	// ReadDeadline overrides defaultZMQReadDeadline if non-zero.
	ReadDeadline time.Duration
}

// ZMQSource delivers block and transaction notifications pushed by the
// node over ZMQ, instead of discovering them by polling.  Pull queries
// still go through an underlying RPC source, which must not have its own
// polling started.
type ZMQSource struct {
	started int32 // to be used atomically
	stopped int32 // to be used atomically

	rpc *RPCSource

	blockConn *gozmq.Conn
	txConn    *gozmq.Conn

	ntfns chan interface{}

	wg   sync.WaitGroup
	quit chan struct{}
}

// A compile time check to ensure ZMQSource implements the Source interface.
var _ Source = (*ZMQSource)(nil)

// NewZMQSource initialises the ZMQ connections to the node and wraps the
// given RPC source for pull queries.
func NewZMQSource(cfg *ZMQConfig, rpc *RPCSource) (*ZMQSource, error) {
	deadline := cfg.ReadDeadline
	if deadline == 0 {
		deadline = defaultZMQReadDeadline
	}

	// Two separate connections are used as a separation of concern so
	// a burst of one event type cannot crowd the other out of the
	// connection queue.
	blockConn, err := gozmq.Subscribe(
		cfg.BlockHost, []string{rawBlockZMQCommand}, deadline,
	)
	if err != nil {
		return nil, fmt.Errorf("unable to subscribe for zmq block "+
			"events: %w", err)
	}

	txConn, err := gozmq.Subscribe(
		cfg.TxHost, []string{rawTxZMQCommand}, deadline,
	)
	if err != nil {
		if err := blockConn.Close(); err != nil {
			log.Errorf("could not close zmq block conn: %v", err)
		}

		return nil, fmt.Errorf("unable to subscribe for zmq tx "+
			"events: %w", err)
	}

	return &ZMQSource{
		rpc:       rpc,
		blockConn: blockConn,
		txConn:    txConn,
		ntfns:     make(chan interface{}),
		quit:      make(chan struct{}),
	}, nil
}

// Start spins off the ZMQ event handler goroutines.
func (s *ZMQSource) Start() error {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return nil
	}

	s.notify(ClientConnected{})

	s.wg.Add(2)
	go s.blockEventHandler()
	go s.txEventHandler()

	return nil
}

// Stop closes the ZMQ connections and waits for the handlers to exit.
func (s *ZMQSource) Stop() {
	if !atomic.CompareAndSwapInt32(&s.stopped, 0, 1) {
		return
	}

	if err := s.txConn.Close(); err != nil {
		log.Errorf("could not close zmq tx conn: %v", err)
	}
	if err := s.blockConn.Close(); err != nil {
		log.Errorf("could not close zmq block conn: %v", err)
	}

	close(s.quit)
	s.wg.Wait()

	s.rpc.Stop()
}

// Notifications returns the channel block and transaction notifications
// are delivered on.
func (s *ZMQSource) Notifications() <-chan interface{} {
	return s.ntfns
}

// BestBlock returns the height and timestamp of the node's current chain
// tip, queried over RPC.
func (s *ZMQSource) BestBlock() (uint32, time.Time, error) {
	return s.rpc.BestBlock()
}

// BlocksSince returns every block after the given height, queried over
// RPC.
func (s *ZMQSource) BlocksSince(height uint32) ([]Block, error) {
	return s.rpc.BlocksSince(height)
}

// notify delivers a notification unless the source is shutting down.
func (s *ZMQSource) notify(n interface{}) {
	select {
	case s.ntfns <- n:
	case <-s.quit:
	}
}

// blockEventHandler reads raw block events from the ZMQ block socket and
// forwards them along as BlockConnected notifications.
//
// NOTE: This must be run as a goroutine.
func (s *ZMQSource) blockEventHandler() {
	defer s.wg.Done()

	log.Info("Started listening for block notifications via ZMQ on ",
		s.blockConn.RemoteAddr())

	// ZMQ messages include three parts: the command, the data, and the
	// sequence number.  The data buffer is reused between reads; only
	// the bytes needed are deserialized after each read.
	var (
		command [len(rawBlockZMQCommand)]byte
		seqNum  [seqNumLen]byte
		data    = make([]byte, maxRawBlockSize)
	)

	for {
		select {
		case <-s.quit:
			return
		default:
		}

		bufs := [][]byte{command[:], data, seqNum[:]}
		bufs, err := s.blockConn.Receive(bufs)
		if err != nil {
			// EOF is only returned when the connection was
			// explicitly closed.
			if err == io.EOF {
				return
			}

			// The read deadline fires continuously while the
			// socket is idle, so timeouts stay out of the logs.
			netErr, ok := err.(net.Error)
			if ok && netErr.Timeout() {
				log.Trace("Re-establishing timed out ZMQ " +
					"block connection")
				continue
			}

			log.Errorf("Unable to receive ZMQ %v message: %v",
				rawBlockZMQCommand, err)
			continue
		}

		eventType := string(bufs[0])
		switch eventType {
		case rawBlockZMQCommand:
			msgBlock := &wire.MsgBlock{}
			r := bytes.NewReader(bufs[1])
			if err := msgBlock.Deserialize(r); err != nil {
				log.Errorf("Unable to deserialize block: %v",
					err)
				continue
			}

			s.notifyBlock(msgBlock)

		default:
			// A partially read message can produce an unreadable
			// event type when the node shuts down; only readable
			// ones are worth a warning.
			if eventType == "" || !isASCII(eventType) {
				continue
			}

			log.Warnf("Received unexpected event type from %v "+
				"subscription: %v", rawBlockZMQCommand,
				eventType)
		}
	}
}

// notifyBlock resolves the pushed block's height over RPC and delivers the
// BlockConnected notification.
func (s *ZMQSource) notifyBlock(msgBlock *wire.MsgBlock) {
	hash := msgBlock.BlockHash()

	height, err := s.rpc.client.GetBlockVerbose(&hash)
	if err != nil {
		log.Errorf("Unable to resolve height of block %v: %v", hash,
			err)
		return
	}

	s.notify(BlockConnected{Block: Block{
		Height: uint32(height.Height),
		Hash:   hash,
		Time:   msgBlock.Header.Timestamp,
		Txs:    msgBlock.Transactions,
	}})
}

// txEventHandler reads raw transaction events from the ZMQ tx socket and
// forwards them along as TxObserved notifications.
//
// NOTE: This must be run as a goroutine.
func (s *ZMQSource) txEventHandler() {
	defer s.wg.Done()

	log.Info("Started listening for transaction notifications via ZMQ "+
		"on ", s.txConn.RemoteAddr())

	var (
		command [len(rawTxZMQCommand)]byte
		seqNum  [seqNumLen]byte
		data    = make([]byte, maxRawTxSize)
	)

	for {
		select {
		case <-s.quit:
			return
		default:
		}

		bufs := [][]byte{command[:], data, seqNum[:]}
		bufs, err := s.txConn.Receive(bufs)
		if err != nil {
			if err == io.EOF {
				return
			}

			netErr, ok := err.(net.Error)
			if ok && netErr.Timeout() {
				log.Trace("Re-establishing timed out ZMQ " +
					"tx connection")
				continue
			}

			log.Errorf("Unable to receive ZMQ %v message: %v",
				rawTxZMQCommand, err)
			continue
		}

		eventType := string(bufs[0])
		switch eventType {
		case rawTxZMQCommand:
			msgTx := &wire.MsgTx{}
			r := bytes.NewReader(bufs[1])
			if err := msgTx.Deserialize(r); err != nil {
				log.Errorf("Unable to deserialize "+
					"transaction: %v", err)
				continue
			}

			rawTx := make([]byte, len(bufs[1]))
			copy(rawTx, bufs[1])

			s.notify(TxObserved{
				Hash:  msgTx.TxHash(),
				RawTx: rawTx,
				Time:  time.Now(),
			})

		default:
			if eventType == "" || !isASCII(eventType) {
				continue
			}

			log.Warnf("Received unexpected event type from %v "+
				"subscription: %v", rawTxZMQCommand, eventType)
		}
	}
}

// isASCII reports whether the string consists only of printable ASCII
// characters.
func isASCII(s string) bool {
	for _, c := range s {
		if c < ' ' || c > unicode.MaxASCII {
			return false
		}
	}
	return true
}
