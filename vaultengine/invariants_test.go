package vaultengine

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/csknk/revault-go/vaultscript"
	"github.com/csknk/revault-go/vaultsign"
	"github.com/stretchr/testify/require"
)

func testPrivKey(t *testing.T, seed byte) *btcec.PrivateKey {
	t.Helper()
	var b [32]byte
	b[31] = seed + 1
	priv, _ := btcec.PrivKeyFromBytes(b[:])
	return priv
}

// testRevocationFixture builds a vault-spending revocation transaction
// (same shape a cancel or emergency tx takes: single input off the vault
// output, single output elsewhere) and the four stakeholders' keys needed
// to populate and verify its sig table.
func testRevocationFixture(t *testing.T, prevValue int64) (*wire.MsgTx, []byte, vaultscript.PubKeys, []*btcec.PrivateKey) {
	t.Helper()

	var pubkeys vaultscript.PubKeys
	privs := make([]*btcec.PrivateKey, vaultscript.NumStakeholders)
	for i := range pubkeys {
		privs[i] = testPrivKey(t, byte(i))
		pubkeys[i] = privs[i].PubKey().SerializeCompressed()
	}
	script, err := vaultscript.VaultScript(pubkeys)
	require.NoError(t, err)

	var prevHash chainhash.Hash
	prevHash[0] = 0x02
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: *wire.NewOutPoint(&prevHash, 0),
		Sequence:         wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(wire.NewTxOut(prevValue-1000, []byte{0x00, 0x14}))

	return tx, script, pubkeys, privs
}

func fullRevocationTable(t *testing.T, tx *wire.MsgTx, script []byte, prevValue int64, privs []*btcec.PrivateKey) sigTable {
	t.Helper()
	var table sigTable
	for i, priv := range privs {
		sigs, err := vaultsign.SignRevocation(tx, script, prevValue, priv)
		require.NoError(t, err)
		table[i] = sigs.Shared
	}
	return table
}

func TestVerifyRevocationTableAllValid(t *testing.T) {
	tx, script, pubkeys, privs := testRevocationFixture(t, 1_000_000)
	table := fullRevocationTable(t, tx, script, 1_000_000, privs)

	err := verifyRevocationTable(tx, table, script, 1_000_000, pubkeyTable(pubkeys))
	require.NoError(t, err)
}

func TestVerifyRevocationTableMissingSlot(t *testing.T) {
	tx, script, pubkeys, privs := testRevocationFixture(t, 1_000_000)
	table := fullRevocationTable(t, tx, script, 1_000_000, privs)
	table[2] = nil

	err := verifyRevocationTable(tx, table, script, 1_000_000, pubkeyTable(pubkeys))
	require.Error(t, err)
	require.Contains(t, err.Error(), "I3 violated")
	require.Contains(t, err.Error(), "slot 3 missing")
}

func TestVerifyRevocationTableTamperedSig(t *testing.T) {
	tx, script, pubkeys, privs := testRevocationFixture(t, 1_000_000)
	table := fullRevocationTable(t, tx, script, 1_000_000, privs)

	tampered := make([]byte, len(table[1]))
	copy(tampered, table[1])
	tampered[0] ^= 0xff
	table[1] = tampered

	err := verifyRevocationTable(tx, table, script, 1_000_000, pubkeyTable(pubkeys))
	require.Error(t, err)
}

func TestVerifyRevocationTableWrongAmount(t *testing.T) {
	tx, script, pubkeys, privs := testRevocationFixture(t, 1_000_000)
	table := fullRevocationTable(t, tx, script, 1_000_000, privs)

	// Signatures committed to 1,000,000 sats; verifying against a
	// different prevValue must fail since the sighash changes.
	err := verifyRevocationTable(tx, table, script, 2_000_000, pubkeyTable(pubkeys))
	require.Error(t, err)
}

func TestVerifyRevocationTableSlotSwapped(t *testing.T) {
	tx, script, pubkeys, privs := testRevocationFixture(t, 1_000_000)
	table := fullRevocationTable(t, tx, script, 1_000_000, privs)

	table[0], table[1] = table[1], table[0]

	err := verifyRevocationTable(tx, table, script, 1_000_000, pubkeyTable(pubkeys))
	require.Error(t, err)
}
