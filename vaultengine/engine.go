// Package vaultengine runs the per-stakeholder state machine: watching for
// new vault deposits, building and signing the revocation-family
// transactions for each one, exchanging signatures with the other
// stakeholders over the sig-server, and reacting to what ends up
// confirmed on chain.
package vaultengine

import (
	"context"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/csknk/revault-go/chainrpc"
	"github.com/csknk/revault-go/sigserver"
	"github.com/csknk/revault-go/statushub"
	"github.com/csknk/revault-go/vaultdb"
	"github.com/csknk/revault-go/vaultscript"
	"github.com/csknk/revault-go/vaultsign"
	"github.com/csknk/revault-go/vaulttx"
)

// sigTable is a slot-ordered set of signatures, one per stakeholder, any of
// which may still be nil while gathering is in progress.
type sigTable [vaultscript.NumStakeholders][]byte

func (t sigTable) full() bool {
	for _, s := range t {
		if s == nil {
			return false
		}
	}
	return true
}

// workingVault is the engine's in-memory view of one vault for as long as
// it's active: its unsigned transaction templates and the signature tables
// being gathered for them. vaultdb holds the durable summary
// (vaultdb.VaultRecord); this holds what's needed to keep signing and
// broadcasting without re-deriving keys or re-fetching feerates.
type workingVault struct {
	fundingTxid string
	fundingVout uint32
	index       uint32
	amount      int64
	pubkeys     vaultscript.PubKeys
	privKey     *btcec.PrivateKey

	// vaultWitnessScript locks the funding output; unvaultWitnessScript
	// locks the unvault output. Cached at ingest time since every
	// revocation signature and its later verification needs one or the
	// other.
	vaultWitnessScript   []byte
	unvaultWitnessScript []byte

	emergencyTx     *wire.MsgTx
	emergencySigs   sigTable
	emergencySigned bool

	unvaultTx     *wire.MsgTx
	unvaultSigs   sigTable
	unvaultSigned bool

	cancelTx   *wire.MsgTx
	cancelSigs sigTable

	unvaultEmerTx   *wire.MsgTx
	unvaultEmerSigs sigTable

	// unvaultSecure mirrors invariant I3: both revocation tables for the
	// unvault output (cancel, unvault-emergency) are complete and
	// verified. Only once this holds may the unvault signature itself be
	// sent to the sig-server (I4).
	unvaultSecure bool

	cancel context.CancelFunc
}

// Engine owns one stakeholder's view of the vault network: it watches for
// deposits, signs the transactions a vault needs, and reacts to what
// confirms on chain.
type Engine struct {
	cfg Config

	ourSlot         int
	serverPubKey    []byte
	emergencyAddr   string
	doomsdayTripped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	vaults    map[string]*workingVault // keyed by funding txid
	addrIndex map[string]uint32        // vault address -> derivation index

	// ackedSpends tracks, by funding txid, which vaults this stakeholder
	// has voted to approve spending. A vault that unvaults without
	// appearing here gets its cancel transaction broadcast automatically.
	ackedSpends map[string]bool

	// knownSpendProposals tracks spend proposals already voted on, so a
	// restarted poll doesn't re-vote every tick.
	knownSpendProposals map[string]bool

	// fundsTicker and spendsTicker drive the two poll loops. Using the
	// teacher's ticker.Ticker instead of a bare time.Ticker lets a test
	// swap in a ticker.Force-driven mock rather than waiting out real
	// intervals.
	fundsTicker  ticker.Ticker
	spendsTicker ticker.Ticker
}

// New validates cfg and returns an Engine ready to Start.
func New(cfg Config) (*Engine, error) {
	if cfg.Keychain == nil {
		return nil, fmt.Errorf("vaultengine: Keychain is required")
	}
	if cfg.ChainRPC == nil {
		return nil, fmt.Errorf("vaultengine: ChainRPC is required")
	}
	if cfg.SigServer == nil {
		return nil, fmt.Errorf("vaultengine: SigServer is required")
	}
	if cfg.Cosigner == nil {
		return nil, fmt.Errorf("vaultengine: Cosigner is required")
	}
	if cfg.DB == nil {
		return nil, fmt.Errorf("vaultengine: DB is required")
	}
	cfg.setDefaults()

	return &Engine{
		cfg:                 cfg,
		ourSlot:             cfg.Keychain.OurSlot(),
		vaults:              make(map[string]*workingVault),
		addrIndex:           make(map[string]uint32),
		ackedSpends:         make(map[string]bool),
		knownSpendProposals: make(map[string]bool),
	}, nil
}

// Start imports the emergency address, establishes the watch-only window,
// and begins polling for funds and spends. Must be called at most once.
func (e *Engine) Start() error {
	serverPub, err := e.cfg.Cosigner.PubKey()
	if err != nil {
		return fmt.Errorf("vaultengine: fetching cosigner pubkey: %w", err)
	}
	e.serverPubKey = serverPub.SerializeCompressed()

	emergencyScript, err := vaultscript.EmergencyScript(e.cfg.EmergencyPubkeys)
	if err != nil {
		return fmt.Errorf("vaultengine: building emergency script: %w", err)
	}
	emergencyPkScript, err := vaultscript.P2WSH(emergencyScript)
	if err != nil {
		return fmt.Errorf("vaultengine: building emergency address: %w", err)
	}
	emergencyAddr, err := e.addressFromPkScript(emergencyPkScript)
	if err != nil {
		return fmt.Errorf("vaultengine: deriving emergency address: %w", err)
	}
	if err := e.cfg.ChainRPC.ImportAddress(emergencyAddr); err != nil {
		return fmt.Errorf("vaultengine: watching emergency address: %w", err)
	}
	e.emergencyAddr = emergencyAddr

	if e.cfg.BumpWallet == nil {
		bumpWallet, err := newReservedBumpWallet(e)
		if err != nil {
			return fmt.Errorf("vaultengine: building fee-bump wallet: %w", err)
		}
		if err := e.cfg.ChainRPC.ImportAddress(bumpWallet.address); err != nil {
			return fmt.Errorf("vaultengine: watching fee-bump address: %w", err)
		}
		e.cfg.BumpWallet = bumpWallet
	}

	if err := e.seedIndices(); err != nil {
		return fmt.Errorf("vaultengine: seeding derivation index: %w", err)
	}

	if err := e.extendWatchWindow(); err != nil {
		return fmt.Errorf("vaultengine: %w", err)
	}

	if err := e.resumeFromDB(); err != nil {
		return fmt.Errorf("vaultengine: resuming from store: %w", err)
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())

	e.fundsTicker = e.cfg.FundsTicker
	e.spendsTicker = e.cfg.SpendsTicker
	e.fundsTicker.Resume()
	e.spendsTicker.Resume()

	e.wg.Add(2)
	go e.runFundsPoller()
	go e.runSpendsPoller()

	log.Infof("vaultengine: started, slot %d, watching from index %d", e.ourSlot, mustIndex(e.cfg.DB))
	return nil
}

// Stop signals every background goroutine to exit and waits for them.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	if e.fundsTicker != nil {
		e.fundsTicker.Stop()
	}
	if e.spendsTicker != nil {
		e.spendsTicker.Stop()
	}
	log.Infof("vaultengine: stopped")
}

func mustIndex(db interface {
	CurrentIndex() (uint32, error)
}) uint32 {
	idx, _ := db.CurrentIndex()
	return idx
}

// seedIndices applies the operator's optional starting BIP32 index
// override the first time this engine ever runs: once vaultdb already
// holds a non-zero CurrentGenIndex, a restart always resumes from it and
// the config override is ignored.
func (e *Engine) seedIndices() error {
	if e.cfg.StartIndex == 0 {
		return nil
	}
	genIdx, err := e.cfg.DB.CurrentGenIndex()
	if err != nil {
		return err
	}
	if genIdx != 0 {
		return nil
	}
	if err := e.cfg.DB.SetCurrentIndex(e.cfg.StartIndex); err != nil {
		return err
	}
	if err := e.cfg.DB.SetCurrentGenIndex(e.cfg.StartIndex); err != nil {
		return err
	}
	return e.cfg.DB.SetMaxIndex(e.cfg.StartIndex)
}

// resumeFromDB reconstructs addrIndex for the already-watched range. Vaults
// already funded before a restart are picked up again the first time
// runFundsPoller lists them, since they re-appear in ListUnspent.
func (e *Engine) resumeFromDB() error {
	genIdx, err := e.cfg.DB.CurrentGenIndex()
	if err != nil {
		return err
	}
	if genIdx == 0 {
		return nil
	}
	return e.indexAddresses(0, genIdx)
}

// extendWatchWindow imports, as watch-only, every vault address from the
// current generation index up to WatchWindow beyond it, matching the
// "mind the gap" policy of keeping a comfortable lookahead buffer ahead of
// whatever's actually been funded.
func (e *Engine) extendWatchWindow() error {
	genIdx, err := e.cfg.DB.CurrentGenIndex()
	if err != nil {
		return err
	}
	maxIdx, err := e.cfg.DB.MaxIndex()
	if err != nil {
		return err
	}
	if maxIdx < genIdx+e.cfg.WatchWindow {
		maxIdx = genIdx + e.cfg.WatchWindow
	}

	if err := e.indexAddresses(genIdx, maxIdx); err != nil {
		return err
	}

	entries := make([]chainrpc.ImportMultiEntry, 0, maxIdx-genIdx)
	e.mu.Lock()
	for addr := range e.addrIndex {
		entries = append(entries, chainrpc.ImportMultiEntry{
			Address:   addr,
			Label:     "revault",
			Watchonly: true,
			Timestamp: e.cfg.WalletBirthday,
		})
	}
	e.mu.Unlock()

	if len(entries) > 0 {
		if err := e.cfg.ChainRPC.ImportMultiExtended(entries); err != nil {
			return fmt.Errorf("importing watch-only addresses: %w", err)
		}
	}

	if err := e.cfg.DB.SetCurrentGenIndex(maxIdx); err != nil {
		return err
	}
	return e.cfg.DB.SetMaxIndex(maxIdx)
}

// indexAddresses populates addrIndex for derivation indices [from, to).
func (e *Engine) indexAddresses(from, to uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for idx := from; idx < to; idx++ {
		pubkeys, err := e.cfg.Keychain.VaultPubKeys(idx)
		if err != nil {
			return fmt.Errorf("deriving pubkeys for index %d: %w", idx, err)
		}
		script, err := vaultscript.VaultScript(pubkeys)
		if err != nil {
			return fmt.Errorf("building vault script for index %d: %w", idx, err)
		}
		pkScript, err := vaultscript.P2WSH(script)
		if err != nil {
			return err
		}
		addr, err := e.addressFromPkScript(pkScript)
		if err != nil {
			return err
		}
		e.addrIndex[addr] = idx
	}
	return nil
}

func (e *Engine) runFundsPoller() {
	defer e.wg.Done()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.fundsTicker.Ticks():
			if err := e.pollFunds(); err != nil {
				log.Errorf("vaultengine: polling funds: %v", err)
			}
		}
	}
}

// pollFunds lists the node's unspent vault outputs and ingests any that
// aren't already tracked.
func (e *Engine) pollFunds() error {
	utxos, err := e.cfg.ChainRPC.ListUnspent(0)
	if err != nil {
		return fmt.Errorf("listing unspent: %w", err)
	}

	for _, u := range utxos {
		e.mu.Lock()
		_, known := e.vaults[u.TxID]
		e.mu.Unlock()
		if known {
			continue
		}

		e.mu.Lock()
		idx, isVault := e.addrIndex[u.Address]
		e.mu.Unlock()
		if !isVault {
			continue
		}

		amount, err := btcToSats(u.Amount)
		if err != nil {
			log.Errorf("vaultengine: parsing amount for %s: %v", u.TxID, err)
			continue
		}

		if err := e.ingestVault(u.TxID, u.Vout, idx, amount); err != nil {
			log.Errorf("vaultengine: ingesting vault %s: %v", u.TxID, err)
			continue
		}
	}

	if err := e.maybeExtendWindow(); err != nil {
		log.Errorf("vaultengine: extending watch window: %v", err)
	}
	return nil
}

func (e *Engine) maybeExtendWindow() error {
	current, err := e.cfg.DB.CurrentIndex()
	if err != nil {
		return err
	}
	genIdx, err := e.cfg.DB.CurrentGenIndex()
	if err != nil {
		return err
	}
	if genIdx <= current+e.cfg.RefillThreshold {
		return e.extendWatchWindow()
	}
	return nil
}

// ingestVault builds and signs every transaction this vault needs, stores
// them, and publishes the revocation signatures other stakeholders can use
// immediately (§4's unvault signature, gated by I4, is withheld).
func (e *Engine) ingestVault(fundingTxid string, vout uint32, index uint32, amount int64) error {
	fundingHash, err := chainhash.NewHashFromStr(fundingTxid)
	if err != nil {
		return fmt.Errorf("parsing funding txid: %w", err)
	}
	fundingOutpoint := wire.OutPoint{Hash: *fundingHash, Index: vout}

	pubkeys, err := e.cfg.Keychain.VaultPubKeys(index)
	if err != nil {
		return fmt.Errorf("deriving pubkeys: %w", err)
	}
	privKey, err := e.cfg.Keychain.OurPrivKey(index)
	if err != nil {
		return fmt.Errorf("deriving our privkey: %w", err)
	}

	v := &workingVault{
		fundingTxid: fundingTxid,
		fundingVout: vout,
		index:       index,
		amount:      amount,
		pubkeys:     pubkeys,
		privKey:     privKey,
	}

	// Emergency-from-vault: sweeps the funding output straight to cold
	// storage, always available regardless of how far the vault has
	// otherwise progressed.
	emergencyFeeRate, err := e.cfg.SigServer.FeeRate(sigserver.FeeRateEmergency, fundingTxid)
	if err != nil {
		return fmt.Errorf("fetching emergency feerate: %w", err)
	}
	v.emergencyTx, err = vaulttx.BuildEmergencyTx(fundingOutpoint, e.cfg.EmergencyPubkeys,
		amount, emergencyFeeRate, e.cfg.ChainRPC)
	if err != nil {
		return fmt.Errorf("building emergency tx: %w", err)
	}
	vaultWitnessScript, err := vaultscript.VaultScript(pubkeys)
	if err != nil {
		return fmt.Errorf("building vault script: %w", err)
	}
	v.vaultWitnessScript = vaultWitnessScript
	emergencySigs, err := vaultsign.SignRevocation(v.emergencyTx, vaultWitnessScript, amount, privKey)
	if err != nil {
		return fmt.Errorf("signing emergency tx: %w", err)
	}
	v.emergencySigs[e.ourSlot] = emergencySigs.Shared
	if err := e.cfg.DB.PutPrivateSig(v.emergencyTx.TxHash().String(), emergencySigs.Private); err != nil {
		return fmt.Errorf("storing private emergency sig: %w", err)
	}

	// Unvault: moves the funding output into the two-path unvault script.
	// Signed immediately, stored only locally: sharing it before I3 holds
	// would let anyone start the unvault timer without the revocations
	// that make doing so safe.
	unvaultFeeRate, err := e.cfg.SigServer.FeeRate(sigserver.FeeRateCancel, fundingTxid)
	if err != nil {
		return fmt.Errorf("fetching unvault feerate: %w", err)
	}
	v.unvaultTx, err = vaulttx.BuildUnvaultTx(fundingOutpoint, pubkeys, e.serverPubKey,
		amount, unvaultFeeRate, e.cfg.ChainRPC)
	if err != nil {
		return fmt.Errorf("building unvault tx: %w", err)
	}
	unvaultSig, err := vaultsign.SignUnvault(v.unvaultTx, vaultWitnessScript, amount, privKey)
	if err != nil {
		return fmt.Errorf("signing unvault tx: %w", err)
	}
	v.unvaultSigs[e.ourSlot] = unvaultSig

	unvaultOutpoint := wire.OutPoint{Hash: v.unvaultTx.TxHash(), Index: 0}
	unvaultAmount := v.unvaultTx.TxOut[0].Value
	unvaultWitnessScript, err := vaultscript.UnvaultScript(pubkeys, e.serverPubKey)
	if err != nil {
		return fmt.Errorf("building unvault script: %w", err)
	}
	v.unvaultWitnessScript = unvaultWitnessScript
	if err := e.watchUnvault(v.unvaultTx); err != nil {
		return fmt.Errorf("watching unvault address: %w", err)
	}

	// Cancel: reverts an in-flight unvault back into the same vault
	// script, for simplicity (§4.2).
	cancelFeeRate, err := e.cfg.SigServer.FeeRate(sigserver.FeeRateCancel, fundingTxid)
	if err != nil {
		return fmt.Errorf("fetching cancel feerate: %w", err)
	}
	v.cancelTx, err = vaulttx.BuildCancelTx(unvaultOutpoint, pubkeys, unvaultAmount, cancelFeeRate, e.cfg.ChainRPC)
	if err != nil {
		return fmt.Errorf("building cancel tx: %w", err)
	}
	cancelSigs, err := vaultsign.SignRevocation(v.cancelTx, unvaultWitnessScript, unvaultAmount, privKey)
	if err != nil {
		return fmt.Errorf("signing cancel tx: %w", err)
	}
	v.cancelSigs[e.ourSlot] = cancelSigs.Shared
	if err := e.cfg.DB.PutPrivateSig(v.cancelTx.TxHash().String(), cancelSigs.Private); err != nil {
		return fmt.Errorf("storing private cancel sig: %w", err)
	}

	// Unvault-emergency: the deep-cold escape hatch once a vault has
	// already started unvaulting.
	unvaultEmerFeeRate, err := e.cfg.SigServer.FeeRate(sigserver.FeeRateEmergency, fundingTxid)
	if err != nil {
		return fmt.Errorf("fetching unvault-emergency feerate: %w", err)
	}
	v.unvaultEmerTx, err = vaulttx.BuildUnvaultEmergencyTx(unvaultOutpoint, e.cfg.EmergencyPubkeys,
		unvaultAmount, unvaultEmerFeeRate, e.cfg.ChainRPC)
	if err != nil {
		return fmt.Errorf("building unvault-emergency tx: %w", err)
	}
	unvaultEmerSigs, err := vaultsign.SignRevocation(v.unvaultEmerTx, unvaultWitnessScript, unvaultAmount, privKey)
	if err != nil {
		return fmt.Errorf("signing unvault-emergency tx: %w", err)
	}
	v.unvaultEmerSigs[e.ourSlot] = unvaultEmerSigs.Shared
	if err := e.cfg.DB.PutPrivateSig(v.unvaultEmerTx.TxHash().String(), unvaultEmerSigs.Private); err != nil {
		return fmt.Errorf("storing private unvault-emergency sig: %w", err)
	}

	// Publish every shared signature but the unvault's (I4).
	if err := e.cfg.SigServer.SendSignature(v.emergencyTx.TxHash().String(), e.ourSlot+1, hexEncode(emergencySigs.Shared)); err != nil {
		return fmt.Errorf("publishing emergency sig: %w", err)
	}
	if err := e.cfg.SigServer.SendSignature(v.cancelTx.TxHash().String(), e.ourSlot+1, hexEncode(cancelSigs.Shared)); err != nil {
		return fmt.Errorf("publishing cancel sig: %w", err)
	}
	if err := e.cfg.SigServer.SendSignature(v.unvaultEmerTx.TxHash().String(), e.ourSlot+1, hexEncode(unvaultEmerSigs.Shared)); err != nil {
		return fmt.Errorf("publishing unvault-emergency sig: %w", err)
	}

	record := vaultdb.VaultRecord{
		FundingTxid:   fundingTxid,
		FundingVout:   vout,
		Index:         index,
		Amount:        amount,
		Phase:         vaultdb.PhaseFunded,
		UnvaultTxid:   v.unvaultTx.TxHash().String(),
		CancelTxid:    v.cancelTx.TxHash().String(),
		EmergencyTxid: v.emergencyTx.TxHash().String(),
	}
	if err := e.cfg.DB.PutVault(record); err != nil {
		return fmt.Errorf("persisting vault record: %w", err)
	}

	current, err := e.cfg.DB.CurrentIndex()
	if err != nil {
		return fmt.Errorf("reading current index: %w", err)
	}
	if index >= current {
		if err := e.cfg.DB.SetCurrentIndex(index + 1); err != nil {
			return fmt.Errorf("advancing current index past %d: %w", index, err)
		}
	}

	e.mu.Lock()
	e.vaults[fundingTxid] = v
	e.mu.Unlock()

	e.cfg.Metrics.ObserveSigFetched("self")
	e.cfg.publish(statushub.Transition{
		FundingTxid: fundingTxid,
		Phase:       string(vaultdb.PhaseFunded),
		Detail:      "vault ingested, revocations signed",
		At:          e.cfg.Clock.Now(),
	})

	e.startFetchers(v)
	return nil
}

func (e *Engine) watchUnvault(unvaultTx *wire.MsgTx) error {
	addr, err := e.addressFromPkScript(unvaultTx.TxOut[0].PkScript)
	if err != nil {
		return err
	}
	return e.cfg.ChainRPC.ImportAddress(addr)
}

func (e *Engine) runSpendsPoller() {
	defer e.wg.Done()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.spendsTicker.Ticks():
			if err := e.pollSpendProposals(); err != nil {
				log.Errorf("vaultengine: polling spend proposals: %v", err)
			}
			if err := e.pollBroadcasts(); err != nil {
				log.Errorf("vaultengine: polling broadcasts: %v", err)
			}
		}
	}
}
