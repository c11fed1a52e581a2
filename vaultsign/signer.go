// Package vaultsign computes BIP143 witness signature hashes for the vault
// protocol's transactions and produces or verifies the DER-encoded ECDSA
// signatures stakeholders exchange over them.
package vaultsign

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// RevocationSigs holds the two signatures a stakeholder produces over a
// revocation-family transaction (emergency, unvault-emergency, cancel): a
// Shared signature usable by any stakeholder to broadcast the transaction
// as-is or after a fee-bump input is appended, and a Private signature
// usable only by its own slot's broadcast path when no bump is needed.
//
// The distinction exists because ALL|ANYONECANPAY tolerates extra inputs
// appended after signing (§4.4's fee-bump), while plain ALL does not; ALL
// alone is preferred when available since it also commits to the absence
// of a bump input, narrowing what a signature can be used for.
type RevocationSigs struct {
	Shared  []byte
	Private []byte
}

// revocationHashType is the sighash flag used for the bump-tolerant shared
// signature: ALL|ANYONECANPAY.
const revocationHashType = txscript.SigHashAll | txscript.SigHashAnyOneCanPay

// sigHash computes the BIP143 witness signature hash for input `idx` of
// `tx`, spending `prevValue` sats locked under `witnessScript`.
func sigHash(tx *wire.MsgTx, idx int, witnessScript []byte, prevValue int64,
	hashType txscript.SigHashType) ([]byte, error) {

	if idx < 0 || idx >= len(tx.TxIn) {
		return nil, fmt.Errorf("vaultsign: input index %d out of range", idx)
	}

	sigHashes := txscript.NewTxSigHashes(tx, singlePrevOutFetcher(idx, prevValue))
	return txscript.CalcWitnessSigHash(witnessScript, sigHashes, hashType, tx, idx, prevValue)
}

// singlePrevOutFetcher satisfies txscript.PrevOutputFetcher for a
// transaction whose only input of interest carries prevValue at idx; the
// other inputs' amounts don't affect a SIGHASH_ALL|ANYONECANPAY or
// SIGHASH_ALL computation over idx, since BIP143 only folds in amounts for
// the input being signed.
func singlePrevOutFetcher(idx int, prevValue int64) txscript.PrevOutputFetcher {
	return txscript.NewCannedPrevOutputFetcher(nil, prevValue)
}

// signWithHashType signs `sigHash` with `priv` and appends the sighash type
// byte, producing a signature ready to push onto a witness stack.
func signWithHashType(priv *btcec.PrivateKey, hash []byte, hashType txscript.SigHashType) []byte {
	sig := ecdsa.Sign(priv, hash)
	return append(sig.Serialize(), byte(hashType))
}

// SignRevocation produces both the shared and private signatures a
// stakeholder owes for a revocation-family transaction's single input.
func SignRevocation(tx *wire.MsgTx, witnessScript []byte, prevValue int64,
	priv *btcec.PrivateKey) (RevocationSigs, error) {

	const idx = 0

	sharedHash, err := sigHash(tx, idx, witnessScript, prevValue, revocationHashType)
	if err != nil {
		return RevocationSigs{}, fmt.Errorf("vaultsign: shared sighash: %w", err)
	}
	privateHash, err := sigHash(tx, idx, witnessScript, prevValue, txscript.SigHashAll)
	if err != nil {
		return RevocationSigs{}, fmt.Errorf("vaultsign: private sighash: %w", err)
	}

	return RevocationSigs{
		Shared:  signWithHashType(priv, sharedHash, revocationHashType),
		Private: signWithHashType(priv, privateHash, txscript.SigHashAll),
	}, nil
}

// SignUnvault produces the single ALL signature over an unvault
// transaction's funding input. Unlike the revocation family, an unvault
// transaction is never fee-bumped via an appended input (§4.2), so there's
// no need for an ANYONECANPAY variant.
func SignUnvault(tx *wire.MsgTx, vaultScript []byte, prevValue int64,
	priv *btcec.PrivateKey) ([]byte, error) {

	hash, err := sigHash(tx, 0, vaultScript, prevValue, txscript.SigHashAll)
	if err != nil {
		return nil, fmt.Errorf("vaultsign: unvault sighash: %w", err)
	}
	return signWithHashType(priv, hash, txscript.SigHashAll), nil
}

// SignSpend produces a single ALL signature over a spend transaction's
// unvault input, for one of the two participating trader slots.
func SignSpend(tx *wire.MsgTx, unvaultScript []byte, prevValue int64,
	priv *btcec.PrivateKey) ([]byte, error) {

	hash, err := sigHash(tx, 0, unvaultScript, prevValue, txscript.SigHashAll)
	if err != nil {
		return nil, fmt.Errorf("vaultsign: spend sighash: %w", err)
	}
	return signWithHashType(priv, hash, txscript.SigHashAll), nil
}

// VerifySig checks that `sig` (DER-encoded, with a trailing sighash type
// byte) is a valid signature by `pubkey` over `tx`'s input `idx`, spending
// `prevValue` sats locked under `witnessScript`.
func VerifySig(tx *wire.MsgTx, idx int, witnessScript []byte, prevValue int64,
	pubkey *btcec.PublicKey, sig []byte) (bool, error) {

	if len(sig) < 2 {
		return false, fmt.Errorf("vaultsign: signature too short")
	}
	hashType := txscript.SigHashType(sig[len(sig)-1])
	rawSig := sig[:len(sig)-1]

	parsedSig, err := ecdsa.ParseDERSignature(rawSig)
	if err != nil {
		return false, fmt.Errorf("vaultsign: parsing signature: %w", err)
	}

	hash, err := sigHash(tx, idx, witnessScript, prevValue, hashType)
	if err != nil {
		return false, fmt.Errorf("vaultsign: computing sighash: %w", err)
	}

	return parsedSig.Verify(hash, pubkey), nil
}
