// Package zaptunnel wires together the proxy's components -- the
// persistent store, invoice pool, Lightning adapter, LNURL-pay endpoint,
// payment broker, zap emitter, and user/invoice management API -- into a
// single running server.
package zaptunnel

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/benthecarman/zap-tunnel/broker"
	"github.com/benthecarman/zap-tunnel/httpserver"
	"github.com/benthecarman/zap-tunnel/lnadapter"
	"github.com/benthecarman/zap-tunnel/lnurlpay"
	"github.com/benthecarman/zap-tunnel/pool"
	"github.com/benthecarman/zap-tunnel/store"
	"github.com/benthecarman/zap-tunnel/userapi"
	"github.com/benthecarman/zap-tunnel/zapreceipt"
	"github.com/btcsuite/btcd/chaincfg"
)

// lnurlAuthHashingMessage is the fixed LUD-13 message every node signs to
// derive a per-node HMAC key. Only the uploader daemon running next to a
// user's node consumes the derived key, but the proxy derives it at
// startup so both sides agree on it.
const lnurlAuthHashingMessage = "DO NOT EVER SIGN THIS TEXT WITH YOUR PRIVATE KEYS! " +
	"IT IS ONLY USED FOR DERIVING AN LNURL-AUTH HASHING-KEY " +
	"AND DISCLOSING ITS SIGNATURE WILL COMPROMISE YOUR LNURL-AUTH IDENTITY!"

// Main is the true entrypoint of the proxy: it handles process-level
// concerns (exit codes), leaving start to build and run the server.
func Main() {
	if err := start(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func start() error {
	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := setupLogging(cfg); err != nil {
		return fmt.Errorf("set up logging: %w", err)
	}

	chainParams, err := networkParams(cfg.Network)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.NewStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	adapter, err := lnadapter.Dial(
		cfg.LndAddr(), cfg.Network, cfg.CertFile, cfg.MacaroonFile,
	)
	if err != nil {
		return fmt.Errorf("dial lnd: %w", err)
	}

	if err := deriveHMACKey(ctx, adapter); err != nil {
		return fmt.Errorf("derive lnurl-auth hashing key: %w", err)
	}

	invoicePool := pool.New(st)

	zapEmitter, err := zapreceipt.New(st, chainParams, cfg.Nsec, nil)
	if err != nil {
		return fmt.Errorf("build zap emitter: %w", err)
	}

	lnurlHandler := lnurlpay.New(userLookup{st}, invoicePool, st, adapter, lnurlpay.Config{
		PublicHost:     cfg.PublicURL,
		BaseFeeMsat:    cfg.BaseFeeMsat,
		NostrPubkeyHex: zapEmitter.PublicKeyHex(),
		ChainParams:    chainParams,
	})

	userHandler := userapi.New(st, invoicePool, chainParams)

	paymentBroker := broker.New(adapter, invoicePool, zapEmitter, broker.Config{
		BaseFeeMsat:    cfg.BaseFeeMsat,
		FeeRatePercent: cfg.FeeRatePercent,
		ChainParams:    chainParams,
	})

	server := httpserver.NewServer(httpserver.Config{
		ListenAddr: cfg.ListenAddr(),
	}, lnurlHandler, userHandler)

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The broker and HTTP server run as independent goroutines, each
	// reporting its terminal error on its own channel; the first one to
	// exit cancels the shared context so the other shuts down too.
	brokerErr := make(chan error, 1)
	serverErr := make(chan error, 1)

	go func() { brokerErr <- paymentBroker.Run(sigCtx) }()
	go func() { serverErr <- server.Run(sigCtx) }()

	select {
	case err := <-brokerErr:
		stop()
		<-serverErr
		return err

	case err := <-serverErr:
		stop()
		<-brokerErr
		return err
	}
}

// deriveHMACKey signs the LUD-13 hashing message once at startup and
// hashes the signature into the per-node HMAC key.
func deriveHMACKey(ctx context.Context, adapter lnadapter.Adapter) error {
	sig, err := adapter.SignMessage(ctx, []byte(lnurlAuthHashingMessage))
	if err != nil {
		return err
	}

	key := sha256.Sum256(sig)
	log.Debugf("derived lnurl-auth hashing key %x", key)

	return nil
}

// networkParams maps a configured network name onto chaincfg parameters.
func networkParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "bitcoin", "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unsupported network: %s", network)
	}
}

// userLookup adapts store.Store to lnurlpay.UserLookup.
type userLookup struct {
	store *store.Store
}

func (u userLookup) UserExists(ctx context.Context, username string) (bool, error) {
	var exists bool

	err := u.store.ExecTx(ctx, store.ReadTx(), func(q store.Querier) error {
		_, err := q.GetUserByUsername(ctx, username)
		if errors.Is(err, store.ErrNotFound) {
			exists = false
			return nil
		}
		if err != nil {
			return err
		}

		exists = true
		return nil
	})

	return exists, err
}
