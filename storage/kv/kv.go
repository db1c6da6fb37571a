// Package kv is the on-disk backend behind spec.md §6's persisted tables:
// routing_table, dh_cache, and the two record-store column families
// (records, subkeys), all sharing one goleveldb handle keyed by a short
// column-family prefix byte plus the table's own key encoding.
//
// Grounded on the teacher's database.Database/Transaction pair
// (database/db.go): goleveldb.OpenFile, db.GetSnapshot-backed transactions
// with a journal of put/delete ops applied via db.OpenTransaction/Commit.
// The state-trie/merkle-root machinery in that file is blockchain-specific
// and not part of this spec (see DESIGN.md); what's adapted here is the
// transaction/journal shape applied to flat key/value columns instead.
package kv

import (
	"encoding/binary"
	"errors"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Column is a one-byte prefix distinguishing the tables sharing one
// goleveldb handle (spec.md §6).
type Column byte

const (
	ColumnRoutingTable Column = 'R'
	ColumnDHCache      Column = 'D'
	ColumnRecords      Column = 'r'
	ColumnSubkeys      Column = 's'
)

// DB wraps one goleveldb handle shared by every column.
type DB struct {
	ldb *leveldb.DB
}

// Open opens (creating if necessary) the leveldb file at path.
func Open(path string) (*DB, error) {
	ldb, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &DB{ldb: ldb}, nil
}

// Close releases the underlying leveldb handle.
func (db *DB) Close() error {
	return db.ldb.Close()
}

func columnKey(col Column, key []byte) []byte {
	out := make([]byte, 1+len(key))
	out[0] = byte(col)
	copy(out[1:], key)
	return out
}

// Put writes value under (col, key) directly, outside any transaction.
func (db *DB) Put(col Column, key, value []byte) error {
	return db.ldb.Put(columnKey(col, key), value, nil)
}

// Get reads (col, key); ok is false if absent.
func (db *DB) Get(col Column, key []byte) (value []byte, ok bool, err error) {
	v, err := db.ldb.Get(columnKey(col, key), nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Delete removes (col, key).
func (db *DB) Delete(col Column, key []byte) error {
	return db.ldb.Delete(columnKey(col, key), nil)
}

// Iterate calls fn for every key in col in key order, stopping early if fn
// returns false. Used by the Startup-time reload of persisted records.
func (db *DB) Iterate(col Column, fn func(key, value []byte) bool) error {
	prefix := []byte{byte(col)}
	iter := db.ldb.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	for iter.Next() {
		key := append([]byte(nil), iter.Key()[1:]...)
		value := append([]byte(nil), iter.Value()...)
		if !fn(key, value) {
			break
		}
	}
	return iter.Error()
}

// op is one journalled mutation, in the same shape as the teacher's
// database.journal.
type op struct {
	del   bool
	col   Column
	key   []byte
	value []byte
}

// Txn is a snapshot-isolated batch of writes, grounded on the teacher's
// Transaction: reads see the snapshot plus this transaction's own
// uncommitted writes; nothing is visible to other readers until Commit.
type Txn struct {
	db       *DB
	snapshot *leveldb.Snapshot
	journal  []op
	overlay  map[string][]byte
	tomb     map[string]bool
	finished bool
}

// Begin starts a new transaction against the current snapshot.
func (db *DB) Begin() (*Txn, error) {
	snap, err := db.ldb.GetSnapshot()
	if err != nil {
		return nil, err
	}
	return &Txn{
		db:       db,
		snapshot: snap,
		overlay:  make(map[string][]byte),
		tomb:     make(map[string]bool),
	}, nil
}

func overlayKey(col Column, key []byte) string {
	return string(columnKey(col, key))
}

// Put stages a write visible to subsequent Gets on this transaction but not
// to other readers until Commit.
func (t *Txn) Put(col Column, key, value []byte) {
	if t.finished {
		return
	}
	ok := overlayKey(col, key)
	t.overlay[ok] = value
	delete(t.tomb, ok)
	t.journal = append(t.journal, op{col: col, key: append([]byte(nil), key...), value: append([]byte(nil), value...)})
}

// Delete stages a deletion.
func (t *Txn) Delete(col Column, key []byte) {
	if t.finished {
		return
	}
	ok := overlayKey(col, key)
	delete(t.overlay, ok)
	t.tomb[ok] = true
	t.journal = append(t.journal, op{del: true, col: col, key: append([]byte(nil), key...)})
}

// Get reads (col, key), consulting this transaction's own writes first,
// then falling back to the snapshot.
func (t *Txn) Get(col Column, key []byte) (value []byte, ok bool) {
	ok2 := overlayKey(col, key)
	if v, exists := t.overlay[ok2]; exists {
		return v, true
	}
	if t.tomb[ok2] {
		return nil, false
	}
	v, err := t.snapshot.Get(columnKey(col, key), nil)
	if err != nil {
		return nil, false
	}
	return v, true
}

// Commit applies every staged op atomically via a goleveldb transaction.
func (t *Txn) Commit() error {
	if t.finished {
		return errors.New("kv: transaction already finished")
	}
	t.finished = true
	defer t.snapshot.Release()

	tx, err := t.db.ldb.OpenTransaction()
	if err != nil {
		return err
	}
	for _, o := range t.journal {
		k := columnKey(o.col, o.key)
		if o.del {
			if err := tx.Delete(k, nil); err != nil {
				tx.Discard()
				return err
			}
			continue
		}
		if err := tx.Put(k, o.value, nil); err != nil {
			tx.Discard()
			return err
		}
	}
	return tx.Commit()
}

// Discard abandons the transaction without applying any staged writes.
func (t *Txn) Discard() {
	if t.finished {
		return
	}
	t.finished = true
	t.snapshot.Release()
}

// SubkeyKey encodes (owner, subkey) with a little-endian subkey index, per
// spec.md §6 ("big-endian for the kind FourCC and little-endian for the
// subkey index"). kindBE is the caller-supplied big-endian crypto-kind
// prefix.
func SubkeyKey(kindBE [4]byte, owner [32]byte, subkey uint32) []byte {
	key := make([]byte, 4+32+4)
	copy(key[0:4], kindBE[:])
	copy(key[4:36], owner[:])
	binary.LittleEndian.PutUint32(key[36:40], subkey)
	return key
}

// RecordKey encodes (kind, owner) as the 36-byte records-column key.
func RecordKey(kindBE [4]byte, owner [32]byte) []byte {
	key := make([]byte, 4+32)
	copy(key[0:4], kindBE[:])
	copy(key[4:36], owner[:])
	return key
}
