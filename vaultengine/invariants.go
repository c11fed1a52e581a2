package vaultengine

import (
	"github.com/go-errors/errors"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/csknk/revault-go/vaultsign"
)

// newInvariantError wraps a failed protocol invariant with a stack trace,
// so a violation surfaces with enough context to debug rather than a bare
// string.
func newInvariantError(format string, args ...interface{}) error {
	return errors.Errorf(format, args...)
}

// verifyRevocationTable checks invariant I3 for one revocation-family sig
// table: every slot's signature must verify against that slot's pubkey,
// the given witness script and prevValue, under SIGHASH_ALL|ANYONECANPAY.
// A table that doesn't fully verify is not "secure" no matter how many of
// its slots are merely present.
func verifyRevocationTable(tx *wire.MsgTx, table sigTable, witnessScript []byte,
	prevValue int64, pubkeys pubkeyTable) error {

	for slot, sig := range table {
		if sig == nil {
			return newInvariantError("vaultengine: I3 violated: slot %d missing for %s", slot+1, tx.TxHash())
		}
		if len(sig) == 0 || txscript.SigHashType(sig[len(sig)-1]) != txscript.SigHashAll|txscript.SigHashAnyOneCanPay {
			return newInvariantError("vaultengine: I3 violated: slot %d signature for %s is not SIGHASH_ALL|ANYONECANPAY", slot+1, tx.TxHash())
		}
		pub, err := pubkeys.parse(slot)
		if err != nil {
			return err
		}
		ok, err := vaultsign.VerifySig(tx, 0, witnessScript, prevValue, pub, sig)
		if err != nil {
			return newInvariantError("vaultengine: verifying slot %d sig for %s: %v", slot+1, tx.TxHash(), err)
		}
		if !ok {
			return newInvariantError("vaultengine: I3 violated: slot %d signature invalid for %s", slot+1, tx.TxHash())
		}
	}
	return nil
}
