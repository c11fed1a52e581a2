// Package vaulttx builds the unsigned transaction skeletons for the five
// vault transaction kinds: unvault, cancel, emergency, unvault-emergency,
// and spend.
package vaulttx

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/csknk/revault-go/vaultscript"
)

// Sequence values mandated by the protocol (§4.2). Not tunable.
const (
	SequenceFinal         = wire.MaxTxInSequenceNum // 0xffffffff, no RBF
	SequenceRBF           = 0xfffffffe              // RBF signaled, no CSV
	SequenceUnvaultSpend  = vaultscript.UnvaultSpendCSV
	TxVersion             = 2
	dummyAmount     int64 = btcutil.SatoshiPerBitcoin
)

// FeeRateKind selects which of the sig-server's two published fee-rates
// applies to a transaction kind, per §4.2's table.
type FeeRateKind string

const (
	// FeeRateEmergency applies to both emergency kinds (vault-direct and
	// unvault-emergency).
	FeeRateEmergency FeeRateKind = "emergency"
	// FeeRateCancel applies to both the cancel and the unvault
	// transactions.
	FeeRateCancel FeeRateKind = "cancel"
)

// VSizer estimates the virtual size, in vbytes, of a transaction — normally
// backed by a node RPC's tx_vsize. TxFactory calls this on an unsigned dummy
// template to size the real one, matching the two-pass approach described in
// §4.2: the dummy's vsize is an approximation, since the template's witness
// isn't attached yet, but that's the external contract's job to get right.
type VSizer interface {
	TxVSize(tx *wire.MsgTx) (int64, error)
}

// dustChecker rejects templates with an output under the relay dust
// threshold for a P2WSH spend — a case the original source leaves
// unchecked (see SPEC_FULL.md §12 "Dust-floor rejection").
func dustChecker(amount int64, relayFeeRate btcutil.Amount) error {
	dust := txrules.GetDustThreshold(vaultscript_P2WSHOutputSize, relayFeeRate)
	if btcutil.Amount(amount) < dust {
		return fmt.Errorf("vaulttx: output amount %d sats is below dust threshold %d", amount, dust)
	}
	return nil
}

// vaultscript_P2WSHOutputSize mirrors the teacher's lnwallet/size.go
// P2WSHOutputSize constant: 8 (value) + 1 (varint) + 34 (P2WSH pkScript).
const vaultscript_P2WSHOutputSize = 8 + 1 + 34

// buildTemplate constructs a single-input, single-output transaction
// spending `prevOut`, with the output computed as prevAmount minus
// feeRate*vsize(dummy). The dummy template carries a placeholder output
// value of dummyAmount solely to let the VSizer estimate the final size.
func buildTemplate(prevOut wire.OutPoint, sequence uint32, prevAmount int64,
	feeRate int64, vsizer VSizer,
	makeOutput func(value int64) (*wire.TxOut, error)) (*wire.MsgTx, error) {

	dummyOut, err := makeOutput(dummyAmount)
	if err != nil {
		return nil, err
	}
	dummyTx := newSkeleton(prevOut, sequence, dummyOut)

	vsize, err := vsizer.TxVSize(dummyTx)
	if err != nil {
		return nil, fmt.Errorf("vaulttx: estimating size: %w", err)
	}

	fee := feeRate * vsize
	finalValue := prevAmount - fee
	if finalValue <= 0 {
		return nil, fmt.Errorf("vaulttx: fee %d sats exceeds prevout amount %d sats", fee, prevAmount)
	}

	finalOut, err := makeOutput(finalValue)
	if err != nil {
		return nil, err
	}

	relayFeeRate := btcutil.Amount(feeRate * 1000)
	if err := dustChecker(finalValue, relayFeeRate); err != nil {
		return nil, err
	}

	return newSkeleton(prevOut, sequence, finalOut), nil
}

func newSkeleton(prevOut wire.OutPoint, sequence uint32, out *wire.TxOut) *wire.MsgTx {
	tx := wire.NewMsgTx(TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: prevOut,
		Sequence:         sequence,
	})
	tx.AddTxOut(out)
	return tx
}

// BuildEmergencyTx builds the unsigned transaction sweeping a vault's
// funding output directly to the deep-cold emergency script, RBF-signaled.
func BuildEmergencyTx(fundingOutpoint wire.OutPoint, emergencyPubkeys vaultscript.PubKeys,
	prevAmount int64, feeRate int64, vsizer VSizer) (*wire.MsgTx, error) {

	return buildTemplate(fundingOutpoint, SequenceRBF, prevAmount, feeRate, vsizer,
		func(value int64) (*wire.TxOut, error) {
			return vaultscript.EmergencyTxOut(emergencyPubkeys, value)
		})
}

// BuildUnvaultTx builds the unsigned transaction moving a vault's funding
// output into the unvault script. Not RBF-signaled: its sighash is ALL,
// never ANYONECANPAY (§4.3), so there's no mechanism to append a fee-bump
// input without invalidating the signature; the sequence is final.
func BuildUnvaultTx(fundingOutpoint wire.OutPoint, pubkeys vaultscript.PubKeys,
	serverPubkey []byte, prevAmount int64, feeRate int64, vsizer VSizer) (*wire.MsgTx, error) {

	return buildTemplate(fundingOutpoint, SequenceFinal, prevAmount, feeRate, vsizer,
		func(value int64) (*wire.TxOut, error) {
			return vaultscript.UnvaultTxOut(pubkeys, serverPubkey, value)
		})
}

// BuildCancelTx builds the unsigned transaction reverting an in-flight
// unvault back to a fresh vault locked under `pubkeys`, RBF-signaled.
func BuildCancelTx(unvaultOutpoint wire.OutPoint, pubkeys vaultscript.PubKeys,
	prevAmount int64, feeRate int64, vsizer VSizer) (*wire.MsgTx, error) {

	return buildTemplate(unvaultOutpoint, SequenceRBF, prevAmount, feeRate, vsizer,
		func(value int64) (*wire.TxOut, error) {
			return vaultscript.VaultTxOut(pubkeys, value)
		})
}

// BuildUnvaultEmergencyTx builds the unsigned transaction diverting an
// in-flight unvault to the deep-cold emergency script, RBF-signaled.
func BuildUnvaultEmergencyTx(unvaultOutpoint wire.OutPoint, emergencyPubkeys vaultscript.PubKeys,
	prevAmount int64, feeRate int64, vsizer VSizer) (*wire.MsgTx, error) {

	return buildTemplate(unvaultOutpoint, SequenceRBF, prevAmount, feeRate, vsizer,
		func(value int64) (*wire.TxOut, error) {
			return vaultscript.EmergencyTxOut(emergencyPubkeys, value)
		})
}

// BuildSpendTx builds the unsigned transaction spending an unvault output
// through its timelocked 2-of-3-plus-cosigner path, to one or more
// caller-supplied outputs. Amounts are assumed to already account for fees:
// TxFactory performs no fee subtraction here, since the spend's destinations
// and final amounts are negotiated between the spending stakeholders.
func BuildSpendTx(unvaultOutpoint wire.OutPoint, outputs []*wire.TxOut) (*wire.MsgTx, error) {
	if len(outputs) == 0 {
		return nil, fmt.Errorf("vaulttx: spend transaction needs at least one output")
	}

	tx := wire.NewMsgTx(TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: unvaultOutpoint,
		Sequence:         SequenceUnvaultSpend,
	})
	for _, out := range outputs {
		tx.AddTxOut(out)
	}
	return tx, nil
}
