package vaultscript

import (
	"testing"

	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/require"
)

func testPubKeys(t *testing.T, seed byte) PubKeys {
	t.Helper()
	var pk PubKeys
	for i := range pk {
		b := make([]byte, 33)
		b[0] = 0x02
		b[1] = seed + byte(i)
		pk[i] = b
	}
	return pk
}

func TestVaultScriptDeterministic(t *testing.T) {
	pubkeys := testPubKeys(t, 1)

	s1, err := VaultScript(pubkeys)
	require.NoError(t, err)
	s2, err := VaultScript(pubkeys)
	require.NoError(t, err)
	require.Equal(t, s1, s2)

	require.Equal(t, byte(txscript.OP_4), s1[0])
	require.Equal(t, byte(txscript.OP_CHECKMULTISIG), s1[len(s1)-1])
}

func TestEmergencyScriptStructure(t *testing.T) {
	pubkeys := testPubKeys(t, 10)

	script, err := EmergencyScript(pubkeys)
	require.NoError(t, err)

	// <4464> OP_CHECKSEQUENCEVERIFY OP_DROP ...
	tokenizer := txscript.MakeScriptTokenizer(0, script)

	require.True(t, tokenizer.Next())
	num, err := txscript.MakeScriptNum(tokenizer.Data(), false, 5)
	require.NoError(t, err)
	require.EqualValues(t, EmergencyCSV, num)

	require.True(t, tokenizer.Next())
	require.Equal(t, byte(txscript.OP_CHECKSEQUENCEVERIFY), tokenizer.Opcode())

	require.True(t, tokenizer.Next())
	require.Equal(t, byte(txscript.OP_DROP), tokenizer.Opcode())

	require.True(t, tokenizer.Next())
	require.Equal(t, byte(txscript.OP_4), tokenizer.Opcode())
}

func TestUnvaultScriptParses(t *testing.T) {
	pubkeys := testPubKeys(t, 20)
	server := make([]byte, 33)
	server[0] = 0x03

	script, err := UnvaultScript(pubkeys, server)
	require.NoError(t, err)
	require.NoError(t, txscript.CheckScriptParses(0, script))
}

func TestP2WSHRoundtrip(t *testing.T) {
	pubkeys := testPubKeys(t, 30)
	script, err := VaultScript(pubkeys)
	require.NoError(t, err)

	pkScript, err := P2WSH(script)
	require.NoError(t, err)
	require.Len(t, pkScript, 34)
	require.Equal(t, byte(txscript.OP_0), pkScript[0])
	require.Equal(t, byte(32), pkScript[1])
}

func TestCheckPubKeysRejectsBadLength(t *testing.T) {
	pubkeys := testPubKeys(t, 1)
	pubkeys[2] = []byte{0x02, 0x03}

	_, err := VaultScript(pubkeys)
	require.Error(t, err)
}

func TestUnvaultSpendWitnessOrdering(t *testing.T) {
	script := []byte("dummy-script")
	sig1 := []byte("sig1")
	sig3 := []byte("sig3")
	sigServer := []byte("sigserver")

	w := UnvaultSpendWitness(script, sig1, nil, sig3, sigServer)
	require.Equal(t, wireTxWitnessLen(5), len(w))
	require.Equal(t, sigServer, []byte(w[0]))
	require.Equal(t, sig3, []byte(w[1]))
	require.Equal(t, []byte{}, []byte(w[2]))
	require.Equal(t, sig1, []byte(w[3]))
	require.Equal(t, script, []byte(w[4]))
}

func wireTxWitnessLen(n int) int { return n }

func TestUnvaultRevocationWitnessReversesSlots(t *testing.T) {
	script := []byte("dummy-script")
	var sigs PubKeys
	for i := range sigs {
		sigs[i] = []byte{byte(i + 1)}
	}

	w := UnvaultRevocationWitness(script, sigs)
	require.Len(t, w, 5)
	require.Equal(t, sigs[3], []byte(w[0]))
	require.Equal(t, sigs[2], []byte(w[1]))
	require.Equal(t, sigs[1], []byte(w[2]))
	require.Equal(t, sigs[0], []byte(w[3]))
	require.Equal(t, script, []byte(w[4]))
}

func TestRevocationWitnessHasDummyElement(t *testing.T) {
	script := []byte("dummy-script")
	var sigs PubKeys
	for i := range sigs {
		sigs[i] = []byte{byte(i + 1)}
	}

	w := RevocationWitness(script, sigs)
	require.Len(t, w, 6)
	require.Nil(t, w[0])
	require.Equal(t, script, []byte(w[5]))
}
