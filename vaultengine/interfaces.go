package vaultengine

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/csknk/revault-go/chainrpc"
	"github.com/csknk/revault-go/sigserver"
	"github.com/csknk/revault-go/vaulttx"
)

// ChainRPC is the narrow node-RPC contract the engine needs: watching
// addresses, listing funds, sizing and broadcasting transactions. Satisfied
// by *chainrpc.Client.
type ChainRPC interface {
	vaulttx.VSizer

	ImportAddress(address string) error
	ImportMultiExtended(entries []chainrpc.ImportMultiEntry) error
	ListUnspent(minConf int) ([]btcjson.ListUnspentResult, error)
	GetRawTransaction(txid *chainhash.Hash) (*wire.MsgTx, error)
	SendRawTransaction(tx *wire.MsgTx) (*chainhash.Hash, error)
	TestMempoolAccept(tx *wire.MsgTx, maxFeeRate float64) (bool, string, error)
	GetFeeRate(confTarget int64) (btcutil.Amount, error)
}

// SigServerClient is the narrow sig-server contract the engine needs.
// Satisfied by *sigserver.Client.
type SigServerClient interface {
	FeeRate(kind sigserver.FeeRateKind, txid string) (int64, error)
	SendSignature(txid string, slot int, sigHex string) error
	GetSignature(txid string, slot int) (string, error)
	RequestSpend(vaultTxid string, addresses map[string]int64) error
	GetSpends() (map[string]map[string]int64, error)
	AcceptSpend(vaultTxid string) error
	RefuseSpend(vaultTxid string) error
	SpendAccepted(vaultTxid string) (bool, error)
}

// CosignerClient is the narrow cosigning-server contract the engine needs.
// Satisfied by *cosigner.Client.
type CosignerClient interface {
	PubKey() (*btcec.PublicKey, error)
	Cosign(spendTxHex string) ([]byte, error)
}
