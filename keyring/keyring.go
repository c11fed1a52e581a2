// Package keyring derives the per-vault public and private keys used by
// vaultscript and vaultsign from each stakeholder's BIP32 extended key,
// one child index per vault.
package keyring

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/csknk/revault-go/vaultscript"
)

// Keychain derives slot-ordered vault keys from four stakeholder xpubs and
// one stakeholder xpriv, at a given derivation index. All four
// stakeholders derive from the same index for a given vault, so every
// instance of Keychain across the network produces the same VaultPubKeys
// for that index independently.
type Keychain struct {
	net *chaincfg.Params

	// ourSlot is the 0-indexed slot (0-3) this keyring's owner occupies
	// among the four stakeholders.
	ourSlot int

	// xpubs holds all four stakeholders' extended public keys, slot
	// ordered; xpubs[ourSlot] is the public counterpart of ourXpriv.
	xpubs [vaultscript.NumStakeholders]*hdkeychain.ExtendedKey

	// ourXpriv is this keyring owner's own extended private key.
	ourXpriv *hdkeychain.ExtendedKey
}

// New builds a Keychain from four base58-encoded xpubs (slot ordered) and
// this stakeholder's own base58-encoded xpriv. ourSlot identifies which of
// the four xpubs corresponds to ourXpriv; New doesn't cross-check this, so
// callers are responsible for keeping them consistent.
func New(net *chaincfg.Params, xpubs [vaultscript.NumStakeholders]string, ourXpriv string, ourSlot int) (*Keychain, error) {
	if ourSlot < 0 || ourSlot >= vaultscript.NumStakeholders {
		return nil, fmt.Errorf("keyring: slot %d out of range", ourSlot)
	}

	kc := &Keychain{net: net, ourSlot: ourSlot}

	for i, xpub := range xpubs {
		key, err := hdkeychain.NewKeyFromString(xpub)
		if err != nil {
			return nil, fmt.Errorf("keyring: parsing xpub at slot %d: %w", i+1, err)
		}
		if key.IsPrivate() {
			return nil, fmt.Errorf("keyring: slot %d key is private, expected an xpub", i+1)
		}
		kc.xpubs[i] = key
	}

	xpriv, err := hdkeychain.NewKeyFromString(ourXpriv)
	if err != nil {
		return nil, fmt.Errorf("keyring: parsing own xpriv: %w", err)
	}
	if !xpriv.IsPrivate() {
		return nil, fmt.Errorf("keyring: own key is public, expected an xpriv")
	}
	kc.ourXpriv = xpriv

	return kc, nil
}

// VaultPubKeys derives the slot-ordered set of compressed public keys for
// vault index `idx`, one non-hardened child derivation per stakeholder xpub.
func (k *Keychain) VaultPubKeys(idx uint32) (vaultscript.PubKeys, error) {
	var pubkeys vaultscript.PubKeys
	for slot, xpub := range k.xpubs {
		child, err := xpub.Derive(idx)
		if err != nil {
			return pubkeys, fmt.Errorf("keyring: deriving slot %d index %d: %w", slot+1, idx, err)
		}
		pub, err := child.ECPubKey()
		if err != nil {
			return pubkeys, fmt.Errorf("keyring: slot %d index %d pubkey: %w", slot+1, idx, err)
		}
		pubkeys[slot] = pub.SerializeCompressed()
	}
	return pubkeys, nil
}

// OurPrivKey derives this stakeholder's own private key for vault index
// `idx`, matching the slot's entry in VaultPubKeys(idx).
func (k *Keychain) OurPrivKey(idx uint32) (*btcec.PrivateKey, error) {
	child, err := k.ourXpriv.Derive(idx)
	if err != nil {
		return nil, fmt.Errorf("keyring: deriving own index %d: %w", idx, err)
	}
	priv, err := child.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("keyring: own index %d privkey: %w", idx, err)
	}
	return priv, nil
}

// DeriveEmergencyPubKeys returns the slot-ordered public keys for the
// deep-cold emergency wallet, taking each of its four xpubs' own public key
// as is (no child derivation) and without needing any of the four
// stakeholders' vault xprivs: the
// emergency wallet never signs through this daemon, only its address is
// needed to build and watch the revocation-family outputs.
func DeriveEmergencyPubKeys(xpubs [vaultscript.NumStakeholders]string) (vaultscript.PubKeys, error) {
	var pubkeys vaultscript.PubKeys
	for slot, xpubStr := range xpubs {
		key, err := hdkeychain.NewKeyFromString(xpubStr)
		if err != nil {
			return pubkeys, fmt.Errorf("keyring: parsing emergency xpub at slot %d: %w", slot+1, err)
		}
		if key.IsPrivate() {
			return pubkeys, fmt.Errorf("keyring: emergency slot %d key is private, expected an xpub", slot+1)
		}
		pub, err := key.ECPubKey()
		if err != nil {
			return pubkeys, fmt.Errorf("keyring: emergency slot %d pubkey: %w", slot+1, err)
		}
		pubkeys[slot] = pub.SerializeCompressed()
	}
	return pubkeys, nil
}

// OurSlot returns the 0-indexed stakeholder slot this keyring signs for.
func (k *Keychain) OurSlot() int {
	return k.ourSlot
}

// Net returns the network parameters addresses should be formatted for.
func (k *Keychain) Net() *chaincfg.Params {
	return k.net
}
