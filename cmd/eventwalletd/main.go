// Copyright (c) 2026 The eventwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"context"
	"net"
	"os"

	"github.com/eventwallet/eventwallet/db"
	"github.com/eventwallet/eventwallet/db/kvdb"
	"github.com/eventwallet/eventwallet/db/sqldb"
	"github.com/eventwallet/eventwallet/feeest"
	"github.com/eventwallet/eventwallet/indexer"
	"github.com/eventwallet/eventwallet/internal/zero"
	"github.com/eventwallet/eventwallet/keyvault"
	"github.com/eventwallet/eventwallet/ledger"
	"github.com/eventwallet/eventwallet/rpc/webhookrpc"
	"github.com/eventwallet/eventwallet/settlement"
	"github.com/eventwallet/eventwallet/utxoindex"
	"github.com/eventwallet/eventwallet/walletmgr"
	"github.com/eventwallet/eventwallet/webhook"
	"github.com/lightningnetwork/lnd/ticker"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Work around defer not working after os.Exit.
	if err := walletMain(); err != nil {
		os.Exit(1)
	}
}

// walletMain is a work-around main function that is required since deferred
// functions (such as log flushing) are not called with calls to os.Exit.
// Instead, main runs this function and checks for a non-nil error, at which
// point any defers have already run, and if the error is non-nil, the program
// can be exited with an error exit status.
func walletMain() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	log.Infof("Version %s (%s)", version(), cfg.params.Name)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addInterruptHandler(cancel)

	secret, err := vaultSecret(cfg, os.LookupEnv, bufio.NewReader(os.Stdin))
	if err != nil {
		log.Errorf("%v", err)
		return err
	}
	var salt []byte
	if cfg.VaultSalt != "" {
		salt = []byte(cfg.VaultSalt)
	}
	vault, err := keyvault.New(keyvault.Config{
		Secret:      secret,
		Salt:        salt,
		ChainParams: cfg.params.Params,
	})
	zero.Bytes(secret)
	if err != nil {
		log.Errorf("Unable to open key vault: %v", err)
		return err
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Errorf("Unable to open %s database: %v", cfg.DBBackend, err)
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Errorf("Unable to close database: %v", err)
		}
	}()

	wallets, err := walletmgr.New(walletmgr.Config{
		Store:             store,
		Keys:              vault,
		FinalityThreshold: cfg.FinalityThreshold,
	})
	if err != nil {
		log.Errorf("Unable to create wallet manager: %v", err)
		return err
	}
	coins := utxoindex.New(store)
	txLedger := ledger.New(store)

	chainClient, err := indexer.New(indexer.Config{
		BaseURL:           cfg.IndexerURL,
		Token:             cfg.IndexerToken,
		RequestsPerSecond: cfg.IndexerRPS,
	})
	if err != nil {
		log.Errorf("Unable to create indexer client: %v", err)
		return err
	}
	fees := feeest.New(chainClient)
	if rates, err := fees.CurrentRates(ctx); err != nil {
		log.Warnf("Fee rates unavailable: %v", err)
	} else {
		log.Infof("Refunds priced at %v sat/vB", rates.For(cfg.feePriority))
	}

	whCfg := webhook.Config{
		Subscriptions:   store,
		Anomalies:       store,
		Hooks:           chainClient,
		Ledger:          txLedger,
		Wallets:         wallets,
		UTXOs:           coins,
		ChainParams:     cfg.params.Params,
		CallbackBaseURL: cfg.CallbackURL,
	}
	if cfg.RedisURL != "" {
		publisher, err := webhook.NewRedisPublisher(
			ctx, cfg.RedisURL, cfg.AnomalyStream,
		)
		if err != nil {
			log.Errorf("Unable to connect to redis: %v", err)
			return err
		}
		defer publisher.Close()
		whCfg.Publisher = publisher
	}
	reconciler, err := webhook.New(whCfg)
	if err != nil {
		log.Errorf("Unable to create reconciler: %v", err)
		return err
	}

	orchestrator, err := settlement.New(settlement.Config{
		Events:      store,
		Wallets:     wallets,
		Ledger:      txLedger,
		Monitor:     reconciler,
		Coins:       coins,
		Fees:        fees,
		Signer:      vault,
		ChainParams: cfg.params.Params,
		WalletType:  cfg.walletType,
		CreationFee: cfg.CreationFee.Amount,
		FeePriority: cfg.feePriority,
	})
	if err != nil {
		log.Errorf("Unable to create settlement orchestrator: %v", err)
		return err
	}
	reconciler.Observe(orchestrator.HandleTransition)

	listeners, err := listen(cfg.Listeners)
	if err != nil {
		log.Errorf("Unable to listen: %v", err)
		return err
	}
	server := webhookrpc.NewServer(&webhookrpc.Options{
		MaxClients:   cfg.MaxClients,
		MaxBodyBytes: cfg.MaxBodyBytes,
	}, reconciler, listeners)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		reconciler.RunCleanup(gctx, ticker.New(cfg.CleanupInterval))
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		server.Stop()
		return nil
	})

	err = g.Wait()
	log.Info("Shutdown complete")
	return err
}

// openStore opens the configured database backend.
func openStore(ctx context.Context, cfg *config) (db.Store, error) {
	switch cfg.DBBackend {
	case "postgres":
		return sqldb.OpenPostgres(ctx, cfg.PostgresDSN)
	case "sqlite":
		if err := os.MkdirAll(cfg.DataDir.Value, 0700); err != nil {
			return nil, err
		}
		return sqldb.OpenSQLite(ctx, cfg.dbPath)
	default:
		return kvdb.Open(cfg.dbPath, cfg.DBTimeout)
	}
}

// listen opens a listener on every address.  Already opened listeners are
// closed when one fails.
func listen(addrs []string) ([]net.Listener, error) {
	listeners := make([]net.Listener, 0, len(addrs))
	for _, addr := range addrs {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}
			return nil, err
		}
		listeners = append(listeners, lis)
	}
	return listeners, nil
}
