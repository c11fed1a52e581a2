package vaultengine

import (
	"bytes"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/csknk/revault-go/feebump"
	"github.com/csknk/revault-go/statushub"
	"github.com/csknk/revault-go/vaultdb"
	"github.com/csknk/revault-go/vaultscript"
	"github.com/csknk/revault-go/vaultsign"
	"github.com/csknk/revault-go/vaulttx"
)

// spendWaitInterval governs the busy-wait loops for a spend verdict and
// for an unvault signature, both of which block a caller on external
// state (the sig-server's vote tally, the other stakeholders' sigs).
const spendWaitInterval = 500 * time.Millisecond

// InitiateSpend signs a spend transaction paying fundingTxid's unvault
// output to addresses, as the first of the two trader signatures it
// needs. Blocks until the unvault transaction is fully signed, since a
// spend's signature is only meaningful once I4 has been satisfied.
func (e *Engine) InitiateSpend(fundingTxid string, addresses map[string]int64) ([]byte, error) {
	v, err := e.waitForUnvaultSigned(fundingTxid)
	if err != nil {
		return nil, err
	}
	_, sig, err := e.signSpend(v, addresses)
	return sig, err
}

// AcceptSpend is the second trader's half of InitiateSpend: given the same
// proposal, produce this stakeholder's own signature over it.
func (e *Engine) AcceptSpend(fundingTxid string, addresses map[string]int64) ([]byte, error) {
	return e.InitiateSpend(fundingTxid, addresses)
}

// CompleteSpend combines both trader signatures with the cosigner's, forms
// the fully-witnessed spend transaction, and puts it to the other
// stakeholders for a vote, blocking until a verdict is reached.
func (e *Engine) CompleteSpend(fundingTxid string, peerPubKey *btcec.PublicKey, peerSig []byte,
	addresses map[string]int64) (*wire.MsgTx, bool, error) {

	v, err := e.waitForUnvaultSigned(fundingTxid)
	if err != nil {
		return nil, false, err
	}

	peerPos, err := traderSlotFor(v.pubkeys, peerPubKey)
	if err != nil {
		return nil, false, err
	}
	if e.ourSlot >= 3 {
		return nil, false, fmt.Errorf("vaultengine: slot %d does not sign the trader spend path", e.ourSlot+1)
	}

	spendTx, ourSig, err := e.signSpend(v, addresses)
	if err != nil {
		return nil, false, err
	}

	// The cosigner signs a given unvault outpoint exactly once, so every
	// check that can still fail must happen before this call.
	cosig, err := e.cfg.Cosigner.Cosign(txHex(spendTx))
	if err != nil {
		return nil, false, fmt.Errorf("vaultengine: requesting cosignature: %w", err)
	}

	var sigs [3][]byte
	sigs[e.ourSlot] = ourSig
	sigs[peerPos] = peerSig

	witnessScript, err := vaultscript.UnvaultScript(v.pubkeys, e.serverPubKey)
	if err != nil {
		return nil, false, fmt.Errorf("vaultengine: building unvault script: %w", err)
	}
	spendTx.TxIn[0].Witness = vaultscript.UnvaultSpendWitness(witnessScript, sigs[0], sigs[1], sigs[2], cosig)

	if err := e.cfg.SigServer.RequestSpend(fundingTxid, addresses); err != nil {
		return nil, false, fmt.Errorf("vaultengine: requesting spend vote: %w", err)
	}

	accepted, err := e.pollSpendVerdict(fundingTxid)
	if err != nil {
		return nil, false, err
	}
	return spendTx, accepted, nil
}

func (e *Engine) pollSpendVerdict(fundingTxid string) (bool, error) {
	t := e.cfg.TickerFactory(spendWaitInterval)
	t.Resume()
	defer t.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return false, fmt.Errorf("vaultengine: engine stopped while awaiting spend verdict")
		case <-t.Ticks():
		}
		accepted, err := e.cfg.SigServer.SpendAccepted(fundingTxid)
		if err != nil {
			log.Debugf("vaultengine: polling spend verdict for %s: %v", fundingTxid, err)
			continue
		}
		return accepted, nil
	}
}

func (e *Engine) waitForUnvaultSigned(fundingTxid string) (*workingVault, error) {
	t := e.cfg.TickerFactory(spendWaitInterval)
	t.Resume()
	defer t.Stop()

	for {
		e.mu.Lock()
		v, ok := e.vaults[fundingTxid]
		signed := ok && v.unvaultSigned
		e.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("vaultengine: unknown vault %s", fundingTxid)
		}
		if signed {
			return v, nil
		}

		select {
		case <-e.ctx.Done():
			return nil, fmt.Errorf("vaultengine: engine stopped while awaiting unvault signature")
		case <-t.Ticks():
		}
	}
}

func (e *Engine) signSpend(v *workingVault, addresses map[string]int64) (*wire.MsgTx, []byte, error) {
	unvaultOutpoint := wire.OutPoint{Hash: v.unvaultTx.TxHash(), Index: 0}
	unvaultAmount := v.unvaultTx.TxOut[0].Value

	outputs := make([]*wire.TxOut, 0, len(addresses))
	for addr, amount := range addresses {
		pkScript, err := pkScriptForAddress(addr, e.cfg.Keychain.Net())
		if err != nil {
			return nil, nil, err
		}
		outputs = append(outputs, wire.NewTxOut(amount, pkScript))
	}

	spendTx, err := vaulttx.BuildSpendTx(unvaultOutpoint, outputs)
	if err != nil {
		return nil, nil, fmt.Errorf("vaultengine: building spend tx: %w", err)
	}

	witnessScript, err := vaultscript.UnvaultScript(v.pubkeys, e.serverPubKey)
	if err != nil {
		return nil, nil, fmt.Errorf("vaultengine: building unvault script: %w", err)
	}

	sig, err := vaultsign.SignSpend(spendTx, witnessScript, unvaultAmount, v.privKey)
	if err != nil {
		return nil, nil, fmt.Errorf("vaultengine: signing spend tx: %w", err)
	}
	return spendTx, sig, nil
}

// traderSlotFor maps a peer's pubkey to its position among the three
// trader-path slots {0,1,2} the unvault script's 2-of-3 checks.
func traderSlotFor(pubkeys vaultscript.PubKeys, peerPubKey *btcec.PublicKey) (int, error) {
	peerBytes := peerPubKey.SerializeCompressed()
	for i := 0; i < 3; i++ {
		if string(pubkeys[i]) == string(peerBytes) {
			return i, nil
		}
	}
	return 0, fmt.Errorf("vaultengine: peer pubkey not found among trader slots")
}

func txHex(tx *wire.MsgTx) string {
	var buf bytes.Buffer
	_ = tx.Serialize(&buf)
	return hexEncode(buf.Bytes())
}

// pkScriptForAddress decodes a bech32/base58 address into its output
// script, for building a spend transaction's destinations.
func pkScriptForAddress(address string, net *chaincfg.Params) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, net)
	if err != nil {
		return nil, fmt.Errorf("vaultengine: decoding address %s: %w", address, err)
	}
	return txscript.PayToAddrScript(addr)
}

// pollSpendProposals checks the sig-server for spend proposals awaiting
// this stakeholder's vote: accept if every destination is either a known
// vault address (change) or pre-approved, and at least one output pays an
// approved address; refuse otherwise.
func (e *Engine) pollSpendProposals() error {
	proposals, err := e.cfg.SigServer.GetSpends()
	if err != nil {
		return fmt.Errorf("fetching spend proposals: %w", err)
	}

	for txid, addresses := range proposals {
		e.mu.Lock()
		known := e.knownSpendProposals[txid]
		e.mu.Unlock()
		if known {
			continue
		}

		if e.voteOnSpend(txid, addresses) {
			e.mu.Lock()
			e.ackedSpends[txid] = true
			e.mu.Unlock()
		}

		e.mu.Lock()
		e.knownSpendProposals[txid] = true
		e.mu.Unlock()
	}
	return nil
}

func (e *Engine) voteOnSpend(txid string, addresses map[string]int64) bool {
	anyAcked := false
	for addr := range addresses {
		e.mu.Lock()
		_, isVaultAddr := e.addrIndex[addr]
		e.mu.Unlock()
		isAcked := e.cfg.AckedAddresses[addr]
		if isAcked {
			anyAcked = true
		}
		if !isVaultAddr && !isAcked {
			if err := e.cfg.SigServer.RefuseSpend(txid); err != nil {
				log.Errorf("vaultengine: refusing spend %s: %v", txid, err)
			}
			return false
		}
	}
	if !anyAcked {
		if err := e.cfg.SigServer.RefuseSpend(txid); err != nil {
			log.Errorf("vaultengine: refusing spend %s: %v", txid, err)
		}
		return false
	}

	if err := e.cfg.SigServer.AcceptSpend(txid); err != nil {
		log.Errorf("vaultengine: accepting spend %s: %v", txid, err)
		return false
	}
	return true
}

// pollBroadcasts reconciles each active vault against what's actually on
// chain: an emergency broadcast takes priority over everything (every
// vault gets swept to cold storage), then an observed unvault either gets
// left alone (if this stakeholder already approved the spend) or
// cancelled by default, then a cancel broadcast retires the vault.
func (e *Engine) pollBroadcasts() error {
	e.mu.Lock()
	tripped := e.doomsdayTripped
	e.mu.Unlock()
	if tripped {
		return nil
	}

	emergencyUtxos, err := e.cfg.ChainRPC.ListUnspent(0)
	if err != nil {
		return fmt.Errorf("listing unspent for broadcast check: %w", err)
	}
	for _, u := range emergencyUtxos {
		if u.Address == e.emergencyAddr {
			e.triggerDoomsday()
			return nil
		}
	}

	e.mu.Lock()
	vaults := make([]*workingVault, 0, len(e.vaults))
	for _, v := range e.vaults {
		vaults = append(vaults, v)
	}
	e.mu.Unlock()

	for _, v := range vaults {
		if err := e.reconcileVault(v); err != nil {
			log.Errorf("vaultengine: reconciling vault %s: %v", v.fundingTxid, err)
		}
	}
	return nil
}

func (e *Engine) reconcileVault(v *workingVault) error {
	unvaultAddr, err := e.addressFromPkScript(v.unvaultTx.TxOut[0].PkScript)
	if err != nil {
		return err
	}
	unvaultUtxos, err := e.cfg.ChainRPC.ListUnspent(0)
	if err != nil {
		return err
	}

	unvaultSeen := false
	for _, u := range unvaultUtxos {
		if u.Address == unvaultAddr {
			unvaultSeen = true
			break
		}
	}

	if !unvaultSeen {
		// TODO: distinguish "not yet unvaulted" from "cancel-observed"
		// (unvault output already spent by another stakeholder's cancel
		// tx) so this node's vaultdb phase and e.vaults stop going stale
		// once someone else cancels first.
		return nil
	}

	e.mu.Lock()
	acked := e.ackedSpends[v.fundingTxid]
	e.mu.Unlock()
	if acked {
		// Approved spend in flight; nothing to do here. CompleteSpend
		// returns the fully-witnessed spend transaction to its caller; the
		// engine does not broadcast it.
		return nil
	}

	// No vote on record for this unvault: broadcast the cancel by
	// default. A legitimate spend always goes through InitiateSpend first
	// and is acked before the unvault output is even broadcastable.
	return e.broadcastCancel(v)
}

// maybeBumpFee checks tx's effective feerate (its single, already-signed
// input carries prevValue) against the node's current recommendation at
// BumpConfTarget and, if it has fallen behind, appends and signs a
// fee-bump input from BumpWallet before returning the (possibly
// unchanged) transaction to broadcast. Every failure along this path is
// best-effort: broadcasting the unbumped transaction is always better
// than not broadcasting at all.
func (e *Engine) maybeBumpFee(tx *wire.MsgTx, prevValue int64, kind string) *wire.MsgTx {
	recommended, err := e.cfg.ChainRPC.GetFeeRate(e.cfg.BumpConfTarget)
	if err != nil {
		log.Errorf("vaultengine: fetching recommended feerate for %s: %v", kind, err)
		return tx
	}
	current, err := feebump.EffectiveFeeRate(tx, prevValue, e.cfg.ChainRPC)
	if err != nil {
		log.Errorf("vaultengine: estimating %s feerate: %v", kind, err)
		return tx
	}
	if current >= int64(recommended) {
		return tx
	}
	if e.cfg.BumpWallet == nil {
		log.Warnf("vaultengine: %s feerate %d sat/vbyte below recommended %d, no fee-bump wallet configured",
			kind, current, recommended)
		return tx
	}

	bump, err := e.cfg.BumpWallet.NextBumpInput()
	if err != nil {
		log.Errorf("vaultengine: fetching fee-bump input for %s: %v", kind, err)
		return tx
	}

	bumped := feebump.AppendBumpInput(tx, bump)
	idx := len(bumped.TxIn) - 1
	fetcher := txscript.NewCannedPrevOutputFetcher(nil, bump.Value)
	if err := feebump.SignBumpInput(bumped, idx, bump, fetcher); err != nil {
		log.Errorf("vaultengine: signing fee-bump input for %s: %v", kind, err)
		return tx
	}

	log.Infof("vaultengine: bumped %s feerate %d -> %d sat/vbyte via external input", kind, current, recommended)
	e.cfg.Metrics.FeeBumps.Inc()
	return bumped
}

func (e *Engine) broadcastCancel(v *workingVault) error {
	if !v.cancelSigs.full() {
		return fmt.Errorf("cancel sig table for %s not yet complete, cannot cancel", v.fundingTxid)
	}

	tx := v.cancelTx.Copy()
	tx.TxIn[0].Witness = vaultscript.UnvaultRevocationWitness(v.unvaultWitnessScript, vaultscript.PubKeys(v.cancelSigs))
	tx = e.maybeBumpFee(tx, v.unvaultTx.TxOut[0].Value, "cancel")

	log.Tracef("vaultengine: broadcasting cancel tx for %s: %v", v.fundingTxid, spewTx(tx))
	if _, err := e.cfg.ChainRPC.SendRawTransaction(tx); err != nil {
		e.cfg.Metrics.ObserveBroadcast("cancel", "error")
		return fmt.Errorf("broadcasting cancel tx: %w", err)
	}
	e.cfg.Metrics.ObserveBroadcast("cancel", "success")

	if err := e.cfg.DB.PutVault(vaultdb.VaultRecord{
		FundingTxid:   v.fundingTxid,
		FundingVout:   v.fundingVout,
		Index:         v.index,
		Amount:        v.amount,
		Phase:         vaultdb.PhaseCancelled,
		UnvaultTxid:   v.unvaultTx.TxHash().String(),
		CancelTxid:    tx.TxHash().String(),
		EmergencyTxid: v.emergencyTx.TxHash().String(),
	}); err != nil {
		log.Errorf("vaultengine: persisting cancelled phase for %s: %v", v.fundingTxid, err)
	}
	e.cfg.publish(statushub.Transition{
		FundingTxid: v.fundingTxid,
		Phase:       string(vaultdb.PhaseCancelled),
		Detail:      "unvault cancelled, no spend was approved",
		At:          e.cfg.Clock.Now(),
	})

	v.cancel()
	e.mu.Lock()
	delete(e.vaults, v.fundingTxid)
	e.mu.Unlock()
	return nil
}

// triggerDoomsday fires every vault's emergency (and, where available,
// unvault-emergency) transaction, best-effort: one vault's broadcast
// failing must never stop the others from being attempted.
func (e *Engine) triggerDoomsday() {
	e.mu.Lock()
	e.doomsdayTripped = true
	vaults := make([]*workingVault, 0, len(e.vaults))
	for _, v := range e.vaults {
		vaults = append(vaults, v)
	}
	e.mu.Unlock()

	log.Warnf("vaultengine: emergency broadcast observed, sweeping %d vaults to cold storage", len(vaults))

	for _, v := range vaults {
		if v.emergencySigs.full() {
			tx := v.emergencyTx.Copy()
			tx.TxIn[0].Witness = vaultscript.RevocationWitness(v.vaultWitnessScript, vaultscript.PubKeys(v.emergencySigs))
			tx = e.maybeBumpFee(tx, v.amount, "emergency")
			if _, err := e.cfg.ChainRPC.SendRawTransaction(tx); err != nil {
				log.Errorf("vaultengine: broadcasting emergency tx for %s: %v", v.fundingTxid, err)
				e.cfg.Metrics.ObserveBroadcast("emergency", "error")
			} else {
				e.cfg.Metrics.ObserveBroadcast("emergency", "success")
			}
		}
		if v.unvaultEmerSigs.full() {
			tx := v.unvaultEmerTx.Copy()
			tx.TxIn[0].Witness = vaultscript.UnvaultRevocationWitness(v.unvaultWitnessScript, vaultscript.PubKeys(v.unvaultEmerSigs))
			tx = e.maybeBumpFee(tx, v.unvaultTx.TxOut[0].Value, "unvault-emergency")
			if _, err := e.cfg.ChainRPC.SendRawTransaction(tx); err != nil {
				log.Errorf("vaultengine: broadcasting unvault-emergency tx for %s: %v", v.fundingTxid, err)
				e.cfg.Metrics.ObserveBroadcast("unvault-emergency", "error")
			} else {
				e.cfg.Metrics.ObserveBroadcast("unvault-emergency", "success")
			}
		}
	}
}
