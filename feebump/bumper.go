// Package feebump appends an externally-funded top-up input to a
// revocation-family transaction that was signed ALL|ANYONECANPAY, raising
// its feerate without invalidating the signature already held for its
// funding input.
package feebump

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/csknk/revault-go/vaulttx"
)

// BumpInput describes a wallet-controlled, externally-funded P2WKH output
// available to pay for a fee increase.
type BumpInput struct {
	Outpoint wire.OutPoint
	Value    int64
	PrivKey  *btcec.PrivateKey
}

// VSizer estimates a transaction's virtual size; satisfied by the same
// node-RPC collaborator vaulttx.VSizer uses.
type VSizer = vaulttx.VSizer

// AppendBumpInput returns a copy of tx with `bump` appended as a new,
// RBF-signaled input. No output is touched or added: ANYONECANPAY only
// frees the input set from what a prior signature commits to, not the
// outputs, so changing or adding an output here would invalidate whatever
// signature is already held for the existing funding input. The entirety
// of bump.Value beyond what's needed to cover the size increase is spent
// as fee, not returned as change.
func AppendBumpInput(tx *wire.MsgTx, bump BumpInput) *wire.MsgTx {
	bumped := tx.Copy()
	bumped.AddTxIn(&wire.TxIn{
		PreviousOutPoint: bump.Outpoint,
		Sequence:         vaulttx.SequenceRBF,
	})
	return bumped
}

// SignBumpInput signs the bump input appended at `idx` by AppendBumpInput,
// producing a standard P2WKH witness (sig, pubkey). prevOutFetcher must
// resolve every input's prevout so BIP143 can compute the sighash for a
// multi-input transaction.
func SignBumpInput(tx *wire.MsgTx, idx int, bump BumpInput,
	prevOutFetcher txscript.PrevOutputFetcher) error {

	if idx < 0 || idx >= len(tx.TxIn) {
		return fmt.Errorf("feebump: input index %d out of range", idx)
	}

	pubKeyHash := btcutil.Hash160(bump.PrivKey.PubKey().SerializeCompressed())
	scriptCode, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_DUP).
		AddOp(txscript.OP_HASH160).
		AddData(pubKeyHash).
		AddOp(txscript.OP_EQUALVERIFY).
		AddOp(txscript.OP_CHECKSIG).
		Script()
	if err != nil {
		return fmt.Errorf("feebump: building p2wkh script code: %w", err)
	}

	sigHashes := txscript.NewTxSigHashes(tx, prevOutFetcher)
	hash, err := txscript.CalcWitnessSigHash(scriptCode, sigHashes, txscript.SigHashAll, tx, idx, bump.Value)
	if err != nil {
		return fmt.Errorf("feebump: computing sighash: %w", err)
	}

	sig := ecdsa.Sign(bump.PrivKey, hash)
	tx.TxIn[idx].Witness = wire.TxWitness{
		append(sig.Serialize(), byte(txscript.SigHashAll)),
		bump.PrivKey.PubKey().SerializeCompressed(),
	}
	return nil
}

// EffectiveFeeRate reports the current feerate, in sats/vbyte, of tx given
// the sum of all its inputs' values. Used to decide whether a bump is
// needed at all before appending one.
func EffectiveFeeRate(tx *wire.MsgTx, totalInputValue int64, vsizer VSizer) (int64, error) {
	var totalOut int64
	for _, out := range tx.TxOut {
		totalOut += out.Value
	}
	fee := totalInputValue - totalOut
	if fee < 0 {
		return 0, fmt.Errorf("feebump: negative fee (inputs %d, outputs %d)", totalInputValue, totalOut)
	}

	vsize, err := vsizer.TxVSize(tx)
	if err != nil {
		return 0, fmt.Errorf("feebump: estimating size: %w", err)
	}
	if vsize <= 0 {
		return 0, fmt.Errorf("feebump: non-positive vsize %d", vsize)
	}

	return fee / vsize, nil
}
