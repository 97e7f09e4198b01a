// Copyright (c) 2025 The vaultd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"os"
	"runtime"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/coinvault/vaultd/chain"
	"github.com/coinvault/vaultd/mempool"
	"github.com/coinvault/vaultd/syncer"
	"github.com/coinvault/vaultd/wallet"
)

var cfg *config

func main() {
	// Use all processor cores.
	runtime.GOMAXPROCS(runtime.NumCPU())

	// Work around defer not working after os.Exit.
	if err := vaultdMain(); err != nil {
		os.Exit(1)
	}
}

// vaultdMain is a work-around main function that is required since
// deferred functions (such as log flushing) are not called with calls
// to os.Exit.  Instead, main runs this function and checks for a
// non-nil error, at which point any defers have already run, and if
// the error is non-nil, the program can be exited with an error exit
// status.
func vaultdMain() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	tcfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	cfg = tcfg
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	log.Infof("Version %s", version())

	source, err := newChainSource(cfg)
	if err != nil {
		log.Errorf("Unable to create chain source: %v", err)
		return err
	}

	registry := wallet.NewRegistry()
	pending := mempool.NewTracker(clock.NewDefaultClock(),
		cfg.PendingRetention)
	labels := wallet.NewLabelStore()

	scheduler := syncer.New(syncer.Config{
		Source:   source,
		Registry: registry,
		Aggregator: &wallet.Aggregator{
			Registry: registry,
			Pending:  pending,
			Labels:   labels,
		},
		Pending:              pending,
		Heartbeat:            ticker.New(cfg.Heartbeat),
		MaxConcurrentResyncs: cfg.MaxResyncs,
	})

	if err := scheduler.Start(); err != nil {
		log.Errorf("Unable to start sync scheduler: %v", err)
		return err
	}
	addInterruptHandler(scheduler.Stop)

	// Surface sync activity in the daemon log until an RPC or UI
	// front end takes over the subscriptions.
	statusClient := scheduler.SubscribeStatus()
	ledgerClient := scheduler.SubscribeLedger()
	go logSchedulerEvents(statusClient, ledgerClient)

	log.Infof("Heartbeat every %v, tracking unconfirmed transactions "+
		"for %v", cfg.Heartbeat, cfg.PendingRetention)

	<-interruptHandlersDone
	log.Info("Shutdown complete")
	return nil
}

// newChainSource builds the configured chain backend.  A plain polling
// RPC source is the default; when ZMQ endpoints are configured the RPC
// source is wrapped so blocks and transactions are pushed instead of
// polled.
func newChainSource(cfg *config) (chain.Source, error) {
	rpcSource, err := chain.NewRPCSource(chain.RPCConfig{
		Host: cfg.RPCConnect,
		User: cfg.RPCUser,
		Pass: cfg.RPCPass,
	})
	if err != nil {
		return nil, err
	}

	if cfg.ZMQBlockHost == "" {
		return rpcSource, nil
	}

	log.Infof("Using ZMQ push notifications from %s and %s",
		cfg.ZMQBlockHost, cfg.ZMQTxHost)
	return chain.NewZMQSource(&chain.ZMQConfig{
		BlockHost: cfg.ZMQBlockHost,
		TxHost:    cfg.ZMQTxHost,
	}, rpcSource)
}

// logSchedulerEvents drains the status and ledger subscriptions and
// mirrors them into the daemon log.  It exits when the subscriptions
// are closed during shutdown.
func logSchedulerEvents(statusClient *syncer.StatusClient,
	ledgerClient *syncer.LedgerClient) {

	for {
		select {
		case ev, ok := <-statusClient.C:
			if !ok {
				return
			}
			switch ev.Status {
			case syncer.StatusDegraded:
				log.Warnf("Sync degraded: %s", ev.Reason)
			case syncer.StatusError:
				log.Errorf("Sync error: %s", ev.Reason)
			default:
				log.Debugf("Sync status: %v", ev.Status)
			}

		case update, ok := <-ledgerClient.C:
			if !ok {
				return
			}
			n := len(update.Ledger.Rows)
			log.Infof("Combined ledger at height %d: %d %s, "+
				"%v confirmed, %v unconfirmed", update.TipHeight,
				n, pickNoun(n, "entry", "entries"),
				update.Ledger.TotalConfirmed,
				update.Ledger.TotalUnconfirmed)
		}
	}
}
