package vaultengine

import (
	"github.com/btcsuite/btclog"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
)

var log btclog.Logger

func init() {
	UseLogger(btclog.Disabled)
}

// UseLogger lets a calling package override the default disabled logger.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// logClosure defers formatting an expensive log argument until the
// configured level actually emits the line.
type logClosure func() string

func (c logClosure) String() string {
	return c()
}

func newLogClosure(c func() string) logClosure {
	return logClosure(c)
}

// spewTx lazily dumps a transaction's fields for trace-level logging.
func spewTx(tx *wire.MsgTx) logClosure {
	return newLogClosure(func() string {
		return spew.Sdump(tx)
	})
}
