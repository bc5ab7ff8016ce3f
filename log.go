package zaptunnel

import (
	"github.com/benthecarman/zap-tunnel/broker"
	"github.com/benthecarman/zap-tunnel/httpserver"
	"github.com/benthecarman/zap-tunnel/identity"
	"github.com/benthecarman/zap-tunnel/lnadapter"
	"github.com/benthecarman/zap-tunnel/lnurlpay"
	"github.com/benthecarman/zap-tunnel/pool"
	"github.com/benthecarman/zap-tunnel/store"
	"github.com/benthecarman/zap-tunnel/userapi"
	"github.com/benthecarman/zap-tunnel/zapreceipt"
	"github.com/btcsuite/btclog"
	"github.com/lightningnetwork/lnd/build"
)

// Subsystem is the top level logging subsystem tag for the proxy's own
// package, as opposed to its sub-packages which each register their own.
const Subsystem = "ZTNL"

var (
	logWriter = build.NewRotatingLogWriter()

	log = build.NewSubLogger(Subsystem, genSubLogger)
)

func genSubLogger(tag string) btclog.Logger {
	return logWriter.GenSubLogger(tag, func() {})
}

func init() {
	setSubLogger(Subsystem, log, nil)
	addSubLogger("STOR", store.UseLogger)
	addSubLogger("IDNT", identity.UseLogger)
	addSubLogger("POOL", pool.UseLogger)
	addSubLogger("LNAD", lnadapter.UseLogger)
	addSubLogger("BROK", broker.UseLogger)
	addSubLogger("ZAPR", zapreceipt.UseLogger)
	addSubLogger("LURL", lnurlpay.UseLogger)
	addSubLogger("UAPI", userapi.UseLogger)
	addSubLogger("HSRV", httpserver.UseLogger)
}

// addSubLogger is a helper method to conveniently create and register the
// logger of a sub system.
func addSubLogger(subsystem string, useLogger func(btclog.Logger)) {
	logger := build.NewSubLogger(subsystem, genSubLogger)
	setSubLogger(subsystem, logger, useLogger)
}

// setSubLogger is a helper method to conveniently register the logger of a
// sub system.
func setSubLogger(subsystem string, logger btclog.Logger,
	useLogger func(btclog.Logger)) {

	logWriter.RegisterSubLogger(subsystem, logger)
	if useLogger != nil {
		useLogger(logger)
	}
}
