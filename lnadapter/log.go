package lnadapter

import "github.com/btcsuite/btclog"

// log is the package level logger, disabled by default until the parent
// binary registers a concrete sub-logger with UseLogger.
var log btclog.Logger = btclog.Disabled

// UseLogger uses a specified Logger to output package logging info.
func UseLogger(logger btclog.Logger) {
	log = logger
}
