package vaultsign

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/csknk/revault-go/vaultscript"
	"github.com/stretchr/testify/require"
)

func testPrivKey(t *testing.T, seed byte) *btcec.PrivateKey {
	t.Helper()
	var b [32]byte
	b[31] = seed + 1
	priv, _ := btcec.PrivKeyFromBytes(b[:])
	return priv
}

func testVaultTx(t *testing.T, prevValue int64) (*wire.MsgTx, []byte) {
	t.Helper()

	var pubkeys vaultscript.PubKeys
	privs := make([]*btcec.PrivateKey, 4)
	for i := range pubkeys {
		privs[i] = testPrivKey(t, byte(i))
		pubkeys[i] = privs[i].PubKey().SerializeCompressed()
	}
	script, err := vaultscript.VaultScript(pubkeys)
	require.NoError(t, err)

	var prevHash chainhash.Hash
	prevHash[0] = 0x01
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: *wire.NewOutPoint(&prevHash, 0),
		Sequence:         wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(wire.NewTxOut(prevValue-1000, []byte{0x00, 0x14}))

	return tx, script
}

func TestSignRevocationProducesBothSigs(t *testing.T) {
	tx, script := testVaultTx(t, 1_000_000)
	priv := testPrivKey(t, 0)

	sigs, err := SignRevocation(tx, script, 1_000_000, priv)
	require.NoError(t, err)
	require.NotEmpty(t, sigs.Shared)
	require.NotEmpty(t, sigs.Private)
	require.NotEqual(t, sigs.Shared, sigs.Private)

	require.Equal(t, byte(revocationHashType), sigs.Shared[len(sigs.Shared)-1])
	require.Equal(t, byte(txscript.SigHashAll), sigs.Private[len(sigs.Private)-1])
}

func TestSignRevocationVerifies(t *testing.T) {
	tx, script := testVaultTx(t, 1_000_000)
	priv := testPrivKey(t, 0)

	sigs, err := SignRevocation(tx, script, 1_000_000, priv)
	require.NoError(t, err)

	ok, err := VerifySig(tx, 0, script, 1_000_000, priv.PubKey(), sigs.Shared)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = VerifySig(tx, 0, script, 1_000_000, priv.PubKey(), sigs.Private)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestVerifySigRejectsWrongKey(t *testing.T) {
	tx, script := testVaultTx(t, 1_000_000)
	priv := testPrivKey(t, 0)
	other := testPrivKey(t, 1)

	sigs, err := SignRevocation(tx, script, 1_000_000, priv)
	require.NoError(t, err)

	ok, err := VerifySig(tx, 0, script, 1_000_000, other.PubKey(), sigs.Shared)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSignUnvaultAndSpend(t *testing.T) {
	tx, script := testVaultTx(t, 500_000)
	priv := testPrivKey(t, 2)

	unvaultSig, err := SignUnvault(tx, script, 500_000, priv)
	require.NoError(t, err)
	require.Equal(t, byte(txscript.SigHashAll), unvaultSig[len(unvaultSig)-1])

	spendSig, err := SignSpend(tx, script, 500_000, priv)
	require.NoError(t, err)
	require.Equal(t, byte(txscript.SigHashAll), spendSig[len(spendSig)-1])
}

func TestVerifySigRejectsShortSignature(t *testing.T) {
	tx, script := testVaultTx(t, 500_000)
	priv := testPrivKey(t, 0)

	_, err := VerifySig(tx, 0, script, 500_000, priv.PubKey(), []byte{0x01})
	require.Error(t, err)
}
