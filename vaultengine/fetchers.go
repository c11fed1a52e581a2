package vaultengine

import (
	"context"
	"time"

	"github.com/csknk/revault-go/statushub"
	"github.com/csknk/revault-go/vaultdb"
)

// sigFetchInterval governs how often a vault's fetcher goroutines re-poll
// the sig-server for a missing slot.
const sigFetchInterval = 3 * time.Second

// startFetchers launches the goroutines that gather every stakeholder's
// signature for a vault's emergency, cancel, unvault-emergency and
// (eventually) unvault transactions. Each vault gets its own cancellable
// context so a later restart of the engine, or the vault leaving the
// active set, can tear its fetchers down independently of the others —
// unlike the all-or-nothing restart this is adapted from.
func (e *Engine) startFetchers(v *workingVault) {
	ctx, cancel := context.WithCancel(e.ctx)
	v.cancel = cancel

	e.wg.Add(2)
	go e.fetchEmergencySigs(ctx, v)
	go e.fetchUnvaultRevocations(ctx, v)
}

// fetchEmergencySigs polls for the other three stakeholders' signatures
// over the vault's direct emergency transaction. Independent of the
// unvault-path invariants: the emergency escape hatch is always being
// assembled in the background.
func (e *Engine) fetchEmergencySigs(ctx context.Context, v *workingVault) {
	defer e.wg.Done()

	txid := v.emergencyTx.TxHash().String()
	if !e.fillSigTable(ctx, txid, &v.emergencySigs) {
		return
	}

	if err := verifyRevocationTable(v.emergencyTx, v.emergencySigs, v.vaultWitnessScript,
		v.amount, pubkeyTable(v.pubkeys)); err != nil {
		log.Errorf("vaultengine: emergency sig table for %s failed verification: %v", v.fundingTxid, err)
		return
	}

	e.mu.Lock()
	v.emergencySigned = true
	e.mu.Unlock()

	e.cfg.Metrics.ObserveSigFetched("emergency")
	log.Infof("vaultengine: emergency tx for vault %s fully signed", v.fundingTxid)
	e.cfg.publish(statushub.Transition{
		FundingTxid: v.fundingTxid,
		Phase:       string(vaultdb.PhaseSecured),
		Detail:      "emergency transaction fully signed",
		At:          e.cfg.Clock.Now(),
	})
}

// fetchUnvaultRevocations gathers the cancel and unvault-emergency sig
// tables — the two that together make up invariant I3 — and, once both
// verify, publishes this stakeholder's unvault signature (I4) and starts
// collecting the unvault sig table itself.
func (e *Engine) fetchUnvaultRevocations(ctx context.Context, v *workingVault) {
	defer e.wg.Done()

	unvaultAmount := v.unvaultTx.TxOut[0].Value

	cancelTxid := v.cancelTx.TxHash().String()
	if !e.fillSigTable(ctx, cancelTxid, &v.cancelSigs) {
		return
	}
	if err := verifyRevocationTable(v.cancelTx, v.cancelSigs, v.unvaultWitnessScript,
		unvaultAmount, pubkeyTable(v.pubkeys)); err != nil {
		log.Errorf("vaultengine: cancel sig table for %s failed verification: %v", v.fundingTxid, err)
		return
	}

	unvaultEmerTxid := v.unvaultEmerTx.TxHash().String()
	if !e.fillSigTable(ctx, unvaultEmerTxid, &v.unvaultEmerSigs) {
		return
	}
	if err := verifyRevocationTable(v.unvaultEmerTx, v.unvaultEmerSigs, v.unvaultWitnessScript,
		unvaultAmount, pubkeyTable(v.pubkeys)); err != nil {
		log.Errorf("vaultengine: unvault-emergency sig table for %s failed verification: %v", v.fundingTxid, err)
		return
	}

	// I3 holds: both revocation paths out of the unvault output are fully
	// signed and verified. Only now may the unvault signature be handed
	// out (I4).
	e.mu.Lock()
	v.unvaultSecure = true
	e.mu.Unlock()

	if err := e.cfg.DB.PutVault(vaultdb.VaultRecord{
		FundingTxid:   v.fundingTxid,
		FundingVout:   v.fundingVout,
		Index:         v.index,
		Amount:        v.amount,
		Phase:         vaultdb.PhaseSecured,
		UnvaultTxid:   v.unvaultTx.TxHash().String(),
		CancelTxid:    cancelTxid,
		EmergencyTxid: v.emergencyTx.TxHash().String(),
	}); err != nil {
		log.Errorf("vaultengine: persisting secured phase for %s: %v", v.fundingTxid, err)
	}
	e.cfg.publish(statushub.Transition{
		FundingTxid: v.fundingTxid,
		Phase:       string(vaultdb.PhaseSecured),
		Detail:      "unvault revocations secured, unvault signature released",
		At:          e.cfg.Clock.Now(),
	})

	unvaultTxid := v.unvaultTx.TxHash().String()
	if err := e.cfg.SigServer.SendSignature(unvaultTxid, e.ourSlot+1, hexEncode(v.unvaultSigs[e.ourSlot])); err != nil {
		log.Errorf("vaultengine: publishing unvault sig for %s: %v", v.fundingTxid, err)
		return
	}

	if !e.fillSigTable(ctx, unvaultTxid, &v.unvaultSigs) {
		return
	}

	e.mu.Lock()
	v.unvaultSigned = true
	e.mu.Unlock()

	e.cfg.Metrics.ObserveSigFetched("unvault")
	log.Infof("vaultengine: unvault tx for vault %s fully signed", v.fundingTxid)
	e.cfg.publish(statushub.Transition{
		FundingTxid: v.fundingTxid,
		Phase:       string(vaultdb.PhaseActive),
		Detail:      "unvault transaction fully signed, vault is active",
		At:          e.cfg.Clock.Now(),
	})
}

// fillSigTable polls the sig-server for every slot not already held in
// table, until it's full or ctx is cancelled. Returns false if cancelled
// first.
func (e *Engine) fillSigTable(ctx context.Context, txid string, table *sigTable) bool {
	t := e.cfg.TickerFactory(sigFetchInterval)
	t.Resume()
	defer t.Stop()

	for {
		e.mu.Lock()
		full := table.full()
		e.mu.Unlock()
		if full {
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-t.Ticks():
		}

		for slot := 0; slot < len(table); slot++ {
			if slot == e.ourSlot {
				continue
			}
			e.mu.Lock()
			have := table[slot] != nil
			e.mu.Unlock()
			if have {
				continue
			}

			sigHex, err := e.cfg.SigServer.GetSignature(txid, slot+1)
			if err != nil {
				log.Debugf("vaultengine: fetching sig slot %d for %s: %v", slot+1, txid, err)
				continue
			}
			if sigHex == "" {
				continue
			}
			sig, err := hexDecode(sigHex)
			if err != nil {
				log.Errorf("vaultengine: decoding sig slot %d for %s: %v", slot+1, txid, err)
				continue
			}

			e.mu.Lock()
			table[slot] = sig
			e.mu.Unlock()
		}
	}
}
