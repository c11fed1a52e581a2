package chainrpc

import (
	"testing"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/stretchr/testify/require"
)

func TestNewDoesNotDial(t *testing.T) {
	// rpcclient.New in HTTPPostMode defers dialing to the first call, so
	// construction alone must succeed without a live node.
	c, err := New(Config{Host: "127.0.0.1:8332", User: "u", Pass: "p", DisableTLS: true})
	require.NoError(t, err)
	require.NotNil(t, c)
	c.Shutdown()
}

func TestIsAlreadyKnown(t *testing.T) {
	require.True(t, isAlreadyKnown(&btcjson.RPCError{Code: rpcVerifyAlreadyInChain, Message: "x"}))
	require.True(t, isAlreadyKnown(&btcjson.RPCError{Code: rpcTxAlreadyInMempool, Message: "x"}))
	require.False(t, isAlreadyKnown(&btcjson.RPCError{Code: -99, Message: "x"}))
	require.False(t, isAlreadyKnown(errPlain("boom")))
}

type errPlain string

func (e errPlain) Error() string { return string(e) }
