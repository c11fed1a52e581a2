// Package chainrpc narrows a bitcoind JSON-RPC connection down to the
// handful of calls the vault engine needs: watching addresses, estimating
// transaction size, and broadcasting.
package chainrpc

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
)

// Config holds the connection parameters for a bitcoind RPC endpoint.
type Config struct {
	Host string
	User string
	Pass string

	// DisableTLS is only acceptable against a node reachable exclusively
	// over localhost or a private network.
	DisableTLS bool
}

// Client wraps *rpcclient.Client with the narrow surface the vault engine
// calls into.
type Client struct {
	rpc *rpcclient.Client
}

// New dials bitcoind's RPC endpoint described by cfg. The underlying
// connection uses HTTP POST mode, matching a non-wallet-notification node
// the vault engine polls rather than subscribes to.
func New(cfg Config) (*Client, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		HTTPPostMode: true,
		DisableTLS:   cfg.DisableTLS,
	}

	rpc, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, fmt.Errorf("chainrpc: dialing node: %w", err)
	}
	return &Client{rpc: rpc}, nil
}

// Shutdown tears down the RPC connection.
func (c *Client) Shutdown() {
	c.rpc.Shutdown()
}

// ImportAddress registers an address for wallet-level tracking via
// importaddress. No rescan flag is sent, so the node's default rescan
// behaviour applies.
func (c *Client) ImportAddress(address string) error {
	return c.rpc.ImportAddress(address)
}

// ImportMultiEntry is one watch-only descriptor registered via
// ImportMultiExtended.
type ImportMultiEntry struct {
	Address   string
	Label     string
	Timestamp int64 // unix time, or 0 for "now"
	Watchonly bool
}

// ImportMultiExtended registers a batch of watch-only addresses via
// bitcoind's importmulti, which rpcclient doesn't expose a typed binding
// for; it round-trips through RawRequest instead, as TestMempoolAccept
// does for testmempoolaccept.
func (c *Client) ImportMultiExtended(entries []ImportMultiEntry) error {
	type importMultiRequest struct {
		ScriptPubKey struct {
			Address string `json:"address"`
		} `json:"scriptPubKey"`
		Timestamp interface{} `json:"timestamp"`
		Label     string      `json:"label,omitempty"`
		Watchonly bool        `json:"watchonly"`
	}

	requests := make([]importMultiRequest, len(entries))
	for i, e := range entries {
		requests[i].ScriptPubKey.Address = e.Address
		requests[i].Label = e.Label
		requests[i].Watchonly = e.Watchonly
		if e.Timestamp == 0 {
			requests[i].Timestamp = "now"
		} else {
			requests[i].Timestamp = e.Timestamp
		}
	}

	payload, err := json.Marshal(requests)
	if err != nil {
		return fmt.Errorf("chainrpc: marshalling importmulti request: %w", err)
	}

	params := []json.RawMessage{payload, json.RawMessage(`{}`)}
	raw, err := c.rpc.RawRequest("importmulti", params)
	if err != nil {
		return fmt.Errorf("chainrpc: importmulti: %w", err)
	}

	var results []struct {
		Success bool `json:"success"`
		Error   *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &results); err != nil {
		return fmt.Errorf("chainrpc: decoding importmulti response: %w", err)
	}
	for i, r := range results {
		if !r.Success {
			msg := "unknown error"
			if r.Error != nil {
				msg = r.Error.Message
			}
			return fmt.Errorf("chainrpc: importmulti entry %d (%s) failed: %s", i, entries[i].Address, msg)
		}
	}
	return nil
}

// ListUnspent returns the wallet's unspent outputs with at least minConf
// confirmations.
func (c *Client) ListUnspent(minConf int) ([]btcjson.ListUnspentResult, error) {
	return c.rpc.ListUnspentMin(minConf)
}

// GetRawTransaction fetches a transaction by txid from the node's wallet
// or mempool.
func (c *Client) GetRawTransaction(txid *chainhash.Hash) (*wire.MsgTx, error) {
	tx, err := c.rpc.GetRawTransaction(txid)
	if err != nil {
		return nil, fmt.Errorf("chainrpc: fetching %s: %w", txid, err)
	}
	return tx.MsgTx(), nil
}

// SendRawTransaction broadcasts tx, tolerating an "already in mempool" or
// "already confirmed" outcome as success — both cases a poller racing its
// own prior broadcast attempt can legitimately hit.
func (c *Client) SendRawTransaction(tx *wire.MsgTx) (*chainhash.Hash, error) {
	hash, err := c.rpc.SendRawTransaction(tx, true)
	if err != nil {
		if isAlreadyKnown(err) {
			txHash := tx.TxHash()
			return &txHash, nil
		}
		return nil, fmt.Errorf("chainrpc: broadcasting %s: %w", tx.TxHash(), err)
	}
	return hash, nil
}

// TestMempoolAccept reports whether tx would currently be accepted into
// the node's mempool, without broadcasting it, along with the node's
// reject reason when it would not.
func (c *Client) TestMempoolAccept(tx *wire.MsgTx, maxFeeRate float64) (bool, string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return false, "", fmt.Errorf("chainrpc: serializing tx: %w", err)
	}

	hexPayload, err := json.Marshal([]string{hex.EncodeToString(buf.Bytes())})
	if err != nil {
		return false, "", fmt.Errorf("chainrpc: marshalling request: %w", err)
	}
	feeParam, err := json.Marshal(maxFeeRate)
	if err != nil {
		return false, "", fmt.Errorf("chainrpc: marshalling fee rate: %w", err)
	}

	raw, err := c.rpc.RawRequest("testmempoolaccept", []json.RawMessage{hexPayload, feeParam})
	if err != nil {
		return false, "", fmt.Errorf("chainrpc: testmempoolaccept: %w", err)
	}

	var results []struct {
		Allowed    bool   `json:"allowed"`
		RejectMsg  string `json:"reject-reason"`
	}
	if err := json.Unmarshal(raw, &results); err != nil {
		return false, "", fmt.Errorf("chainrpc: decoding testmempoolaccept response: %w", err)
	}
	if len(results) != 1 {
		return false, "", fmt.Errorf("chainrpc: expected 1 result, got %d", len(results))
	}
	return results[0].Allowed, results[0].RejectMsg, nil
}

// TxVSize estimates tx's virtual size in vbytes via the node's
// decoderawtransaction, satisfying vaulttx.VSizer and feebump.VSizer.
func (c *Client) TxVSize(tx *wire.MsgTx) (int64, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return 0, fmt.Errorf("chainrpc: serializing tx: %w", err)
	}

	result, err := c.rpc.DecodeRawTransaction(buf.Bytes())
	if err != nil {
		return 0, fmt.Errorf("chainrpc: decoderawtransaction: %w", err)
	}
	return result.Vsize, nil
}

// GetFeeRate estimates the current feerate, in sats/vbyte, for
// confirmation within confTarget blocks. Distinct from the sig-server's
// published "cancel"/"emergency" feerates (sigserver.Client.FeeRate): this
// is the node's own market estimate, used by the engine to decide whether
// the sig-server's published rate is stale.
func (c *Client) GetFeeRate(confTarget int64) (btcutil.Amount, error) {
	result, err := c.rpc.EstimateSmartFee(confTarget, &btcjson.EstimateModeConservative)
	if err != nil {
		return 0, fmt.Errorf("chainrpc: estimatesmartfee: %w", err)
	}
	if result.Errors != nil && len(*result.Errors) > 0 {
		return 0, fmt.Errorf("chainrpc: estimatesmartfee: %v", *result.Errors)
	}
	if result.FeeRate == nil {
		return 0, fmt.Errorf("chainrpc: estimatesmartfee returned no feerate")
	}

	btcPerKvB, err := btcutil.NewAmount(*result.FeeRate)
	if err != nil {
		return 0, fmt.Errorf("chainrpc: parsing feerate: %w", err)
	}
	return btcPerKvB / 1000, nil
}

// RPC error codes bitcoind returns for a broadcast that lost a race against
// a previous attempt of the same transaction, rather than a genuine
// failure. See bitcoind's rpc/protocol.h.
const (
	rpcVerifyAlreadyInChain = -27
	rpcTxAlreadyInMempool   = -26
)

func isAlreadyKnown(err error) bool {
	rpcErr, ok := err.(*btcjson.RPCError)
	if !ok {
		return false
	}
	switch rpcErr.Code {
	case rpcVerifyAlreadyInChain, rpcTxAlreadyInMempool:
		return true
	default:
		return false
	}
}
