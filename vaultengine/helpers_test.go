package vaultengine

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"
)

func TestAddressFromPkScriptRoundTrips(t *testing.T) {
	priv := testPrivKey(t, 9)
	pub := priv.PubKey().SerializeCompressed()

	var hash [32]byte
	copy(hash[:], pub)
	pkScript := append([]byte{0x00, 0x20}, hash[:]...)

	addr, err := addressFromPkScript(pkScript, &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	require.NotEmpty(t, addr)

	back, err := pkScriptForAddress(addr, &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	require.Equal(t, pkScript, back)
}

func TestAddressFromPkScriptRejectsNonP2WSH(t *testing.T) {
	_, err := addressFromPkScript([]byte{0x76, 0xa9, 0x14}, &chaincfg.RegressionNetParams)
	require.Error(t, err)
}

func TestPubkeyTableParse(t *testing.T) {
	priv := testPrivKey(t, 1)
	var table pubkeyTable
	table[0] = priv.PubKey().SerializeCompressed()

	pub, err := table.parse(0)
	require.NoError(t, err)
	require.True(t, pub.IsEqual(priv.PubKey()))
}

func TestPubkeyTableParseInvalid(t *testing.T) {
	var table pubkeyTable
	table[0] = []byte{0x01, 0x02, 0x03}

	_, err := table.parse(0)
	require.Error(t, err)
}

func TestBtcToSats(t *testing.T) {
	sats, err := btcToSats(0.0001)
	require.NoError(t, err)
	require.Equal(t, int64(10_000), sats)
}

func TestBtcToSatsZero(t *testing.T) {
	sats, err := btcToSats(0)
	require.NoError(t, err)
	require.Equal(t, int64(0), sats)
}

func TestSigTableFull(t *testing.T) {
	var table sigTable
	require.False(t, table.full())

	for i := range table {
		table[i] = []byte{0x01}
	}
	require.True(t, table.full())

	table[2] = nil
	require.False(t, table.full())
}
