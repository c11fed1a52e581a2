package vaultengine

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/csknk/revault-go/vaultscript"
	"github.com/stretchr/testify/require"
)

func testPubkeys(t *testing.T) vaultscript.PubKeys {
	t.Helper()
	var pubkeys vaultscript.PubKeys
	for i := range pubkeys {
		pubkeys[i] = testPrivKey(t, byte(i)).PubKey().SerializeCompressed()
	}
	return pubkeys
}

func TestTraderSlotForFindsEachSlot(t *testing.T) {
	pubkeys := testPubkeys(t)

	for slot := 0; slot < 3; slot++ {
		priv := testPrivKey(t, byte(slot))
		got, err := traderSlotFor(pubkeys, priv.PubKey())
		require.NoError(t, err)
		require.Equal(t, slot, got)
	}
}

func TestTraderSlotForRejectsFourthSlot(t *testing.T) {
	pubkeys := testPubkeys(t)
	priv := testPrivKey(t, 3)

	_, err := traderSlotFor(pubkeys, priv.PubKey())
	require.Error(t, err)
}

func TestTraderSlotForRejectsUnknownKey(t *testing.T) {
	pubkeys := testPubkeys(t)
	stranger := testPrivKey(t, 99)

	_, err := traderSlotFor(pubkeys, stranger.PubKey())
	require.Error(t, err)
}

func TestTxHexRoundTrips(t *testing.T) {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{Sequence: wire.MaxTxInSequenceNum})
	tx.AddTxOut(wire.NewTxOut(1000, []byte{0x00, 0x14}))

	h := txHex(tx)
	require.NotEmpty(t, h)

	decoded, err := hexDecode(h)
	require.NoError(t, err)

	var roundTripped wire.MsgTx
	require.NoError(t, roundTripped.Deserialize(bytes.NewReader(decoded)))
	require.Equal(t, tx.TxHash(), roundTripped.TxHash())
}

func TestPkScriptForAddressP2WSH(t *testing.T) {
	var scriptHash [32]byte
	scriptHash[0] = 0x42
	addr, err := btcutil.NewAddressWitnessScriptHash(scriptHash[:], &chaincfg.RegressionNetParams)
	require.NoError(t, err)

	pkScript, err := pkScriptForAddress(addr.EncodeAddress(), &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	require.Equal(t, byte(0x00), pkScript[0])
	require.Equal(t, byte(0x20), pkScript[1])
	require.Equal(t, scriptHash[:], pkScript[2:])
}

func TestPkScriptForAddressRejectsGarbage(t *testing.T) {
	_, err := pkScriptForAddress("not-an-address", &chaincfg.RegressionNetParams)
	require.Error(t, err)
}

func TestPkScriptForAddressRejectsWrongNetwork(t *testing.T) {
	var scriptHash [32]byte
	scriptHash[0] = 0x42
	addr, err := btcutil.NewAddressWitnessScriptHash(scriptHash[:], &chaincfg.RegressionNetParams)
	require.NoError(t, err)

	_, err = pkScriptForAddress(addr.EncodeAddress(), &chaincfg.MainNetParams)
	require.Error(t, err)
}
