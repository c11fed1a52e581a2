package vaultengine

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/csknk/revault-go/vaultscript"
)

// pubkeyTable parses a vaultscript.PubKeys's slots on demand for
// signature verification.
type pubkeyTable vaultscript.PubKeys

func (t pubkeyTable) parse(slot int) (*btcec.PublicKey, error) {
	pub, err := btcec.ParsePubKey(t[slot])
	if err != nil {
		return nil, fmt.Errorf("vaultengine: parsing pubkey at slot %d: %w", slot+1, err)
	}
	return pub, nil
}

// addressFromPkScript converts a P2WSH output script (OP_0 <32-byte-hash>)
// into its bech32 address string under the engine's configured network.
func (e *Engine) addressFromPkScript(pkScript []byte) (string, error) {
	return addressFromPkScript(pkScript, e.cfg.Keychain.Net())
}

func addressFromPkScript(pkScript []byte, net *chaincfg.Params) (string, error) {
	if len(pkScript) != 34 || pkScript[0] != 0x00 || pkScript[1] != 0x20 {
		return "", fmt.Errorf("vaultengine: not a P2WSH script: %x", pkScript)
	}
	addr, err := btcutil.NewAddressWitnessScriptHash(pkScript[2:], net)
	if err != nil {
		return "", fmt.Errorf("vaultengine: building address: %w", err)
	}
	return addr.EncodeAddress(), nil
}

// addressFromPubKey converts a compressed pubkey into its P2WKH bech32
// address under net, for the reserved fee-bump wallet's single address.
func addressFromPubKey(pub *btcec.PublicKey, net *chaincfg.Params) (string, error) {
	hash := btcutil.Hash160(pub.SerializeCompressed())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(hash, net)
	if err != nil {
		return "", fmt.Errorf("vaultengine: building p2wkh address: %w", err)
	}
	return addr.EncodeAddress(), nil
}

func hexEncode(b []byte) string {
	return hex.EncodeToString(b)
}

func hexDecode(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

// btcToSats converts a BTC-denominated amount (as returned by listunspent)
// to satoshis.
func btcToSats(amountBTC float64) (int64, error) {
	amt, err := btcutil.NewAmount(amountBTC)
	if err != nil {
		return 0, err
	}
	return int64(amt), nil
}
