package chainrpc

import "github.com/btcsuite/btclog"

var log btclog.Logger

func init() {
	UseLogger(btclog.Disabled)
}

// UseLogger lets a calling package override the default disabled logger.
func UseLogger(logger btclog.Logger) {
	log = logger
}
