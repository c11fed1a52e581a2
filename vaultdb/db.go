// Package vaultdb persists the vault list, the per-transaction signature
// table, and the derivation-index bookkeeping the engine needs to survive
// a restart, backed by a single embedded bbolt store.
package vaultdb

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/kvdb"
)

const (
	dbFileName = "vault.db"
	dbTimeout  = 10 * time.Second
)

var (
	vaultsBucket     = []byte("vaults")
	sigsBucket       = []byte("sigs")
	privateSigBucket = []byte("private-sigs")
	metaBucket       = []byte("meta")

	metaKeyCurrentIndex    = []byte("current-index")
	metaKeyCurrentGenIndex = []byte("current-gen-index")
	metaKeyMaxIndex        = []byte("max-index")
)

// Phase is a vault's position in the lifecycle state machine.
type Phase string

const (
	PhaseFunded      Phase = "funded"
	PhaseSecured     Phase = "secured"
	PhaseActive      Phase = "active"
	PhaseUnvaulting  Phase = "unvaulting"
	PhaseSpent       Phase = "spent"
	PhaseCancelled   Phase = "cancelled"
	PhaseEmergencied Phase = "emergencied"
)

// VaultRecord is the persisted view of one vault.
type VaultRecord struct {
	FundingTxid  string `json:"funding_txid"`
	FundingVout  uint32 `json:"funding_vout"`
	Index        uint32 `json:"index"`
	Amount       int64  `json:"amount"`
	Phase        Phase  `json:"phase"`
	UnvaultTxid  string `json:"unvault_txid,omitempty"`
	CancelTxid   string `json:"cancel_txid,omitempty"`
	EmergencyTxid string `json:"emergency_txid,omitempty"`
	SpendTxid    string `json:"spend_txid,omitempty"`
}

// DB is the embedded store backing one vault engine instance.
type DB struct {
	kvdb.Backend
}

// Open opens (creating if absent) the vault store under dbPath.
func Open(dbPath string) (*DB, error) {
	backend, err := kvdb.Create(kvdb.BoltBackendName, dbPath+"/"+dbFileName, true, dbTimeout)
	if err != nil {
		return nil, fmt.Errorf("vaultdb: opening store: %w", err)
	}

	db := &DB{Backend: backend}
	if err := db.Update(func(tx kvdb.RwTx) error {
		for _, name := range [][]byte{vaultsBucket, sigsBucket, privateSigBucket, metaBucket} {
			if _, err := tx.CreateTopLevelBucket(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	}, func() {}); err != nil {
		backend.Close()
		return nil, fmt.Errorf("vaultdb: initializing buckets: %w", err)
	}

	return db, nil
}

// Close closes the underlying store.
func (d *DB) Close() error {
	return d.Backend.Close()
}

// PutVault inserts or overwrites the record for v.FundingTxid.
func (d *DB) PutVault(v VaultRecord) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("vaultdb: marshalling vault %s: %w", v.FundingTxid, err)
	}

	return d.Update(func(tx kvdb.RwTx) error {
		bucket := tx.ReadWriteBucket(vaultsBucket)
		return bucket.Put([]byte(v.FundingTxid), payload)
	}, func() {})
}

// GetVault fetches the record for fundingTxid. Returns (VaultRecord{},
// false, nil) if no such vault is known.
func (d *DB) GetVault(fundingTxid string) (VaultRecord, bool, error) {
	var (
		record VaultRecord
		found  bool
	)

	err := d.View(func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(vaultsBucket)
		raw := bucket.Get([]byte(fundingTxid))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &record)
	}, func() {})
	if err != nil {
		return VaultRecord{}, false, fmt.Errorf("vaultdb: fetching vault %s: %w", fundingTxid, err)
	}
	return record, found, nil
}

// DeleteVault removes the record for fundingTxid, if present.
func (d *DB) DeleteVault(fundingTxid string) error {
	return d.Update(func(tx kvdb.RwTx) error {
		bucket := tx.ReadWriteBucket(vaultsBucket)
		return bucket.Delete([]byte(fundingTxid))
	}, func() {})
}

// ListVaults returns every known vault record, in no particular order.
func (d *DB) ListVaults() ([]VaultRecord, error) {
	var records []VaultRecord

	err := d.View(func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(vaultsBucket)
		return bucket.ForEach(func(k, v []byte) error {
			var record VaultRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			records = append(records, record)
			return nil
		})
	}, func() {})
	if err != nil {
		return nil, fmt.Errorf("vaultdb: listing vaults: %w", err)
	}
	return records, nil
}

// PutSig publishes our own copy of a signature for txid at slot (1-4),
// mirroring what's been sent to or received from the sig-server.
func (d *DB) PutSig(txid string, slot int, sig []byte) error {
	return d.Update(func(tx kvdb.RwTx) error {
		parent := tx.ReadWriteBucket(sigsBucket)
		child, err := parent.CreateBucketIfNotExists([]byte(txid))
		if err != nil {
			return err
		}
		return child.Put(slotKey(slot), sig)
	}, func() {})
}

// GetSig fetches a previously-stored signature for txid at slot. Returns
// (nil, nil) if absent.
func (d *DB) GetSig(txid string, slot int) ([]byte, error) {
	var sig []byte
	err := d.View(func(tx kvdb.RTx) error {
		parent := tx.ReadBucket(sigsBucket)
		child := parent.NestedReadBucket([]byte(txid))
		if child == nil {
			return nil
		}
		sig = child.Get(slotKey(slot))
		return nil
	}, func() {})
	if err != nil {
		return nil, fmt.Errorf("vaultdb: fetching sig %s slot %d: %w", txid, slot, err)
	}
	return sig, nil
}

// PutPrivateSig stores our own SIGHASH_ALL signature for txid — the one
// usable only for broadcasting without a fee-bump input appended (I5).
// There is exactly one per transaction, our own slot's, so no slot key is
// needed.
func (d *DB) PutPrivateSig(txid string, sig []byte) error {
	return d.Update(func(tx kvdb.RwTx) error {
		bucket := tx.ReadWriteBucket(privateSigBucket)
		return bucket.Put([]byte(txid), sig)
	}, func() {})
}

// GetPrivateSig fetches our own private SIGHASH_ALL signature for txid.
// Returns (nil, nil) if absent.
func (d *DB) GetPrivateSig(txid string) ([]byte, error) {
	var sig []byte
	err := d.View(func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(privateSigBucket)
		sig = bucket.Get([]byte(txid))
		return nil
	}, func() {})
	if err != nil {
		return nil, fmt.Errorf("vaultdb: fetching private sig %s: %w", txid, err)
	}
	return sig, nil
}

func slotKey(slot int) []byte {
	return []byte{byte(slot)}
}

// CurrentIndex returns the next derivation index to hand out for a fresh
// vault address.
func (d *DB) CurrentIndex() (uint32, error) {
	return d.getMetaUint32(metaKeyCurrentIndex)
}

// SetCurrentIndex persists the next derivation index to hand out.
func (d *DB) SetCurrentIndex(idx uint32) error {
	return d.setMetaUint32(metaKeyCurrentIndex, idx)
}

// CurrentGenIndex returns the exclusive upper bound of the derivation
// range this engine has generated watch-only addresses for, regardless of
// whether they've been funded yet — always >= CurrentIndex.
func (d *DB) CurrentGenIndex() (uint32, error) {
	return d.getMetaUint32(metaKeyCurrentGenIndex)
}

// SetCurrentGenIndex persists the exclusive upper bound of the generated
// derivation range.
func (d *DB) SetCurrentGenIndex(idx uint32) error {
	return d.setMetaUint32(metaKeyCurrentGenIndex, idx)
}

// MaxIndex returns the exclusive upper bound of the watch window as last
// extended; the engine writes it together with CurrentGenIndex.
func (d *DB) MaxIndex() (uint32, error) {
	return d.getMetaUint32(metaKeyMaxIndex)
}

// SetMaxIndex persists the exclusive upper bound of the watch window.
func (d *DB) SetMaxIndex(idx uint32) error {
	return d.setMetaUint32(metaKeyMaxIndex, idx)
}

func (d *DB) getMetaUint32(key []byte) (uint32, error) {
	var value uint32
	err := d.View(func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(metaBucket)
		raw := bucket.Get(key)
		if raw == nil {
			return nil
		}
		value = binary.BigEndian.Uint32(raw)
		return nil
	}, func() {})
	if err != nil {
		return 0, fmt.Errorf("vaultdb: reading %s: %w", key, err)
	}
	return value, nil
}

func (d *DB) setMetaUint32(key []byte, value uint32) error {
	var raw [4]byte
	binary.BigEndian.PutUint32(raw[:], value)

	return d.Update(func(tx kvdb.RwTx) error {
		bucket := tx.ReadWriteBucket(metaBucket)
		return bucket.Put(key, raw[:])
	}, func() {})
}
