package vaultengine

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/csknk/revault-go/feebump"
)

// reservedBumpIndex is the fixed, non-hardened BIP32 index this
// stakeholder's own xpriv derives its fee-bump P2WKH address from. Vault
// indices are handed out starting at 0 and only ever grow; reserving the
// top of the non-hardened range keeps the two derivation paths from ever
// colliding.
const reservedBumpIndex = 0x7fffffff

// BumpWallet supplies the externally-funded P2WKH input §4.4's fee-bump
// mechanism appends to a revocation-family broadcast. Satisfied by
// *reservedBumpWallet; tests supply their own stand-in.
type BumpWallet interface {
	NextBumpInput() (feebump.BumpInput, error)
}

// reservedBumpWallet is the default BumpWallet: a single P2WKH address
// derived from the stakeholder's own xpriv at reservedBumpIndex. The
// operator funds it manually, the same way a node's wallet is funded for
// any other purpose; the engine only watches it and spends whatever UTXO
// is available there.
type reservedBumpWallet struct {
	chain   ChainRPC
	priv    *btcec.PrivateKey
	address string
}

func newReservedBumpWallet(e *Engine) (*reservedBumpWallet, error) {
	priv, err := e.cfg.Keychain.OurPrivKey(reservedBumpIndex)
	if err != nil {
		return nil, fmt.Errorf("deriving fee-bump privkey: %w", err)
	}
	addr, err := addressFromPubKey(priv.PubKey(), e.cfg.Keychain.Net())
	if err != nil {
		return nil, err
	}
	return &reservedBumpWallet{chain: e.cfg.ChainRPC, priv: priv, address: addr}, nil
}

// NextBumpInput returns whatever confirmed UTXO currently sits at the
// reserved address. Returns an error if none is available; the engine
// treats that as "no bump available" and broadcasts unbumped.
func (w *reservedBumpWallet) NextBumpInput() (feebump.BumpInput, error) {
	utxos, err := w.chain.ListUnspent(1)
	if err != nil {
		return feebump.BumpInput{}, fmt.Errorf("listing fee-bump utxos: %w", err)
	}

	for _, u := range utxos {
		if u.Address != w.address {
			continue
		}
		txid, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			continue
		}
		amount, err := btcToSats(u.Amount)
		if err != nil {
			continue
		}
		return feebump.BumpInput{
			Outpoint: wire.OutPoint{Hash: *txid, Index: u.Vout},
			Value:    amount,
			PrivKey:  w.priv,
		}, nil
	}
	return feebump.BumpInput{}, fmt.Errorf("vaultengine: no fee-bump utxo available at %s", w.address)
}
