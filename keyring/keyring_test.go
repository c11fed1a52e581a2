package keyring

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/csknk/revault-go/vaultscript"
	"github.com/stretchr/testify/require"
)

func newTestXpriv(t *testing.T, seed byte) *hdkeychain.ExtendedKey {
	t.Helper()
	seedBytes := make([]byte, hdkeychain.RecommendedSeedLen)
	seedBytes[0] = seed
	master, err := hdkeychain.NewMaster(seedBytes, &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	return master
}

func testKeychain(t *testing.T, ourSlot int) (*Keychain, [vaultscript.NumStakeholders]*hdkeychain.ExtendedKey) {
	t.Helper()

	var xprivs [vaultscript.NumStakeholders]*hdkeychain.ExtendedKey
	var xpubStrings [vaultscript.NumStakeholders]string
	for i := range xprivs {
		xprivs[i] = newTestXpriv(t, byte(i+1))
		neutered, err := xprivs[i].Neuter()
		require.NoError(t, err)
		xpubStrings[i] = neutered.String()
	}

	kc, err := New(&chaincfg.RegressionNetParams, xpubStrings, xprivs[ourSlot].String(), ourSlot)
	require.NoError(t, err)
	return kc, xprivs
}

func TestVaultPubKeysDeterministic(t *testing.T) {
	kc, _ := testKeychain(t, 0)

	p1, err := kc.VaultPubKeys(5)
	require.NoError(t, err)
	p2, err := kc.VaultPubKeys(5)
	require.NoError(t, err)
	require.Equal(t, p1, p2)

	p3, err := kc.VaultPubKeys(6)
	require.NoError(t, err)
	require.NotEqual(t, p1, p3)
}

func TestOurPrivKeyMatchesVaultPubKeySlot(t *testing.T) {
	kc, _ := testKeychain(t, 2)

	pubkeys, err := kc.VaultPubKeys(3)
	require.NoError(t, err)

	priv, err := kc.OurPrivKey(3)
	require.NoError(t, err)

	require.Equal(t, pubkeys[2], priv.PubKey().SerializeCompressed())
	require.Equal(t, 2, kc.OurSlot())
}

func TestNewRejectsPrivateXpub(t *testing.T) {
	xpriv := newTestXpriv(t, 1)
	var xpubs [vaultscript.NumStakeholders]string
	for i := range xpubs {
		xpubs[i] = xpriv.String()
	}

	_, err := New(&chaincfg.RegressionNetParams, xpubs, xpriv.String(), 0)
	require.Error(t, err)
}

func TestNewRejectsOutOfRangeSlot(t *testing.T) {
	kc, xprivs := testKeychain(t, 0)
	_ = kc

	var xpubStrings [vaultscript.NumStakeholders]string
	for i, xp := range xprivs {
		neutered, err := xp.Neuter()
		require.NoError(t, err)
		xpubStrings[i] = neutered.String()
	}

	_, err := New(&chaincfg.RegressionNetParams, xpubStrings, xprivs[0].String(), 9)
	require.Error(t, err)
}

func TestDeriveEmergencyPubKeysDeterministic(t *testing.T) {
	var xpubs [vaultscript.NumStakeholders]string
	for i := range xpubs {
		xpriv := newTestXpriv(t, byte(i+50))
		neutered, err := xpriv.Neuter()
		require.NoError(t, err)
		xpubs[i] = neutered.String()
	}

	p1, err := DeriveEmergencyPubKeys(xpubs)
	require.NoError(t, err)
	p2, err := DeriveEmergencyPubKeys(xpubs)
	require.NoError(t, err)
	require.Equal(t, p1, p2)

	for _, pub := range p1 {
		require.Len(t, pub, 33)
	}
}

func TestDeriveEmergencyPubKeysRejectsXpriv(t *testing.T) {
	xpriv := newTestXpriv(t, 1)
	var xpubs [vaultscript.NumStakeholders]string
	for i := range xpubs {
		xpubs[i] = xpriv.String()
	}

	_, err := DeriveEmergencyPubKeys(xpubs)
	require.Error(t, err)
}
