// Package vaultscript builds the three witness scripts used by the vault
// protocol and their P2WSH outputs, deterministically from a slot-ordered
// list of public keys.
package vaultscript

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// EmergencyCSV is the relative locktime, in blocks, a deep-cold emergency
// output must age before the offline 4-of-4 can spend it. Approximately one
// month (31 days * 144 blocks/day). Protocol constant, not tunable.
const EmergencyCSV = 4464

// UnvaultSpendCSV is the relative locktime, in blocks, the unvault output's
// 2-of-3-plus-cosigner spend path requires. Protocol constant, not tunable.
const UnvaultSpendCSV = 6

// NumStakeholders is the number of stakeholders jointly custodying a vault.
const NumStakeholders = 4

// PubKeys is a slot-ordered (1-indexed conceptually, 0-indexed here) set of
// serialized compressed public keys for the four stakeholders.
type PubKeys [NumStakeholders][]byte

// VaultScript returns the 4-of-4 multisig witness script locking a vault
// deposit:
//
//	OP_4 <p1> <p2> <p3> <p4> OP_4 OP_CHECKMULTISIG
func VaultScript(pubkeys PubKeys) ([]byte, error) {
	if err := checkPubKeys(pubkeys); err != nil {
		return nil, err
	}

	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_4)
	for _, p := range pubkeys {
		builder.AddData(p)
	}
	builder.AddOp(txscript.OP_4)
	builder.AddOp(txscript.OP_CHECKMULTISIG)

	return builder.Script()
}

// EmergencyScript returns the deep-cold 4-of-4 witness script, encumbered by
// EmergencyCSV blocks:
//
//	<4464> OP_CHECKSEQUENCEVERIFY OP_DROP OP_4 <e1> <e2> <e3> <e4> OP_4 OP_CHECKMULTISIG
func EmergencyScript(emergencyPubkeys PubKeys) ([]byte, error) {
	if err := checkPubKeys(emergencyPubkeys); err != nil {
		return nil, err
	}

	builder := txscript.NewScriptBuilder()
	builder.AddInt64(EmergencyCSV)
	builder.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddOp(txscript.OP_4)
	for _, p := range emergencyPubkeys {
		builder.AddData(p)
	}
	builder.AddOp(txscript.OP_4)
	builder.AddOp(txscript.OP_CHECKMULTISIG)

	return builder.Script()
}

// UnvaultScript returns the two-path unvault witness script: an unencumbered
// all-four-stakeholders revocation path, and a 6-block-CSV 2-of-3-plus-
// cosigner spend path over {trader1, trader2, pubkeys[2]}.
//
//	<pt1> CHECKSIG SWAP <pt2> CHECKSIG ADD SWAP <p3> CHECKSIG ADD
//	DUP <3> EQUAL
//	  IF   DROP <p4> CHECKSIG
//	  ELSE <2> EQUALVERIFY <srv> CHECKSIGVERIFY <6> CSV
//	  ENDIF
func UnvaultScript(pubkeys PubKeys, serverPubkey []byte) ([]byte, error) {
	if err := checkPubKeys(pubkeys); err != nil {
		return nil, err
	}
	if len(serverPubkey) != 33 {
		return nil, fmt.Errorf("vaultscript: cosigner pubkey must be 33 bytes, got %d", len(serverPubkey))
	}

	builder := txscript.NewScriptBuilder()

	builder.AddData(pubkeys[0])
	builder.AddOp(txscript.OP_CHECKSIG)
	builder.AddOp(txscript.OP_SWAP)

	builder.AddData(pubkeys[1])
	builder.AddOp(txscript.OP_CHECKSIG)
	builder.AddOp(txscript.OP_ADD)
	builder.AddOp(txscript.OP_SWAP)

	builder.AddData(pubkeys[2])
	builder.AddOp(txscript.OP_CHECKSIG)
	builder.AddOp(txscript.OP_ADD)

	builder.AddOp(txscript.OP_DUP)
	builder.AddInt64(3)
	builder.AddOp(txscript.OP_EQUAL)

	builder.AddOp(txscript.OP_IF)
	builder.AddOp(txscript.OP_DROP)
	builder.AddData(pubkeys[3])
	builder.AddOp(txscript.OP_CHECKSIG)
	builder.AddOp(txscript.OP_ELSE)
	builder.AddInt64(2)
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddData(serverPubkey)
	builder.AddOp(txscript.OP_CHECKSIGVERIFY)
	builder.AddInt64(UnvaultSpendCSV)
	builder.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)
	builder.AddOp(txscript.OP_ENDIF)

	return builder.Script()
}

// P2WSH wraps a witness script in its version-0 witness program:
// OP_0 <sha256(script)>.
func P2WSH(witnessScript []byte) ([]byte, error) {
	scriptHash := sha256.Sum256(witnessScript)
	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_0)
	builder.AddData(scriptHash[:])
	return builder.Script()
}

// VaultTxOut builds the P2WSH output locking `value` sats to the vault
// script for `pubkeys`.
func VaultTxOut(pubkeys PubKeys, value int64) (*wire.TxOut, error) {
	script, err := VaultScript(pubkeys)
	if err != nil {
		return nil, err
	}
	pkScript, err := P2WSH(script)
	if err != nil {
		return nil, err
	}
	return wire.NewTxOut(value, pkScript), nil
}

// EmergencyTxOut builds the P2WSH output locking `value` sats to the deep-cold
// emergency script.
func EmergencyTxOut(emergencyPubkeys PubKeys, value int64) (*wire.TxOut, error) {
	script, err := EmergencyScript(emergencyPubkeys)
	if err != nil {
		return nil, err
	}
	pkScript, err := P2WSH(script)
	if err != nil {
		return nil, err
	}
	return wire.NewTxOut(value, pkScript), nil
}

// UnvaultTxOut builds the P2WSH output locking `value` sats to the unvault
// script.
func UnvaultTxOut(pubkeys PubKeys, serverPubkey []byte, value int64) (*wire.TxOut, error) {
	script, err := UnvaultScript(pubkeys, serverPubkey)
	if err != nil {
		return nil, err
	}
	pkScript, err := P2WSH(script)
	if err != nil {
		return nil, err
	}
	return wire.NewTxOut(value, pkScript), nil
}

// RevocationWitness assembles the witness for spending a vault or emergency
// P2WSH output: the standard OP_CHECKMULTISIG dummy element followed by the
// four signatures in slot order, followed by the witness script.
func RevocationWitness(witnessScript []byte, sigs PubKeys) wire.TxWitness {
	w := make(wire.TxWitness, 0, NumStakeholders+2)
	w = append(w, nil)
	for _, s := range sigs {
		w = append(w, s)
	}
	w = append(w, witnessScript)
	return w
}

// UnvaultRevocationWitness assembles the witness for spending an unvault
// output via its all-four-stakeholders revocation path (used by the cancel
// and unvault-emergency transactions). Signatures are consumed by the
// script's CHECKSIG chain in slot order, so they're pushed onto the witness
// stack in reverse slot order with no CHECKMULTISIG dummy element.
func UnvaultRevocationWitness(witnessScript []byte, sigs PubKeys) wire.TxWitness {
	w := make(wire.TxWitness, 0, NumStakeholders+1)
	for i := NumStakeholders - 1; i >= 0; i-- {
		w = append(w, sigs[i])
	}
	w = append(w, witnessScript)
	return w
}

// UnvaultSpendWitness assembles the witness for spending an unvault output
// via its timelocked 2-of-3-plus-cosigner path. Exactly two of sig1, sig2,
// sig3 must be non-nil (the third is an empty byte slice); sigServer must
// always be present.
func UnvaultSpendWitness(witnessScript []byte, sig1, sig2, sig3, sigServer []byte) wire.TxWitness {
	return wire.TxWitness{
		sigServer,
		emptyIfNil(sig3),
		emptyIfNil(sig2),
		emptyIfNil(sig1),
		witnessScript,
	}
}

func emptyIfNil(sig []byte) []byte {
	if sig == nil {
		return []byte{}
	}
	return sig
}

func checkPubKeys(pubkeys PubKeys) error {
	for i, p := range pubkeys {
		if len(p) != 33 {
			return fmt.Errorf("vaultscript: pubkey at slot %d must be 33 bytes, got %d", i+1, len(p))
		}
	}
	return nil
}
