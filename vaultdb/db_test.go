package vaultdb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPutGetListDeleteVault(t *testing.T) {
	db := openTestDB(t)

	v := VaultRecord{
		FundingTxid: "aaaa",
		FundingVout: 0,
		Index:       3,
		Amount:      100_000,
		Phase:       PhaseFunded,
	}
	require.NoError(t, db.PutVault(v))

	got, found, err := db.GetVault("aaaa")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, v, got)

	all, err := db.ListVaults()
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, db.DeleteVault("aaaa"))
	_, found, err = db.GetVault("aaaa")
	require.NoError(t, err)
	require.False(t, found)
}

func TestGetVaultMissing(t *testing.T) {
	db := openTestDB(t)

	_, found, err := db.GetVault("doesnotexist")
	require.NoError(t, err)
	require.False(t, found)
}

func TestPutGetSig(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.PutSig("txid1", 2, []byte{0xde, 0xad}))

	sig, err := db.GetSig("txid1", 2)
	require.NoError(t, err)
	require.Equal(t, []byte{0xde, 0xad}, sig)

	missing, err := db.GetSig("txid1", 3)
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestPutGetPrivateSig(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.PutPrivateSig("txid1", []byte{0x01, 0x02}))

	sig, err := db.GetPrivateSig("txid1")
	require.NoError(t, err)
	require.Equal(t, []byte{0x01, 0x02}, sig)

	missing, err := db.GetPrivateSig("nope")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestDerivationIndexBookkeeping(t *testing.T) {
	db := openTestDB(t)

	idx, err := db.CurrentIndex()
	require.NoError(t, err)
	require.EqualValues(t, 0, idx)

	require.NoError(t, db.SetCurrentIndex(5))
	idx, err = db.CurrentIndex()
	require.NoError(t, err)
	require.EqualValues(t, 5, idx)

	require.NoError(t, db.SetCurrentGenIndex(25))
	gen, err := db.CurrentGenIndex()
	require.NoError(t, err)
	require.EqualValues(t, 25, gen)

	require.NoError(t, db.SetMaxIndex(5))
	max, err := db.MaxIndex()
	require.NoError(t, err)
	require.EqualValues(t, 5, max)
}
