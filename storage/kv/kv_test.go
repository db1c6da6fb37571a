package kv

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutGetDelete(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Put(ColumnRoutingTable, []byte("k1"), []byte("v1")))
	v, ok, err := db.Get(ColumnRoutingTable, []byte("k1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v)

	require.NoError(t, db.Delete(ColumnRoutingTable, []byte("k1")))
	_, ok, err = db.Get(ColumnRoutingTable, []byte("k1"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestColumnsAreIndependent(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Put(ColumnRecords, []byte("same"), []byte("records")))
	require.NoError(t, db.Put(ColumnSubkeys, []byte("same"), []byte("subkeys")))

	v, ok, err := db.Get(ColumnRecords, []byte("same"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("records"), v)

	v, ok, err = db.Get(ColumnSubkeys, []byte("same"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("subkeys"), v)
}

func TestTxnIsolationAndCommit(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Put(ColumnDHCache, []byte("a"), []byte("1")))

	txn, err := db.Begin()
	require.NoError(t, err)
	txn.Put(ColumnDHCache, []byte("a"), []byte("2"))
	txn.Delete(ColumnDHCache, []byte("missing"))

	v, ok := txn.Get(ColumnDHCache, []byte("a"))
	require.True(t, ok)
	require.Equal(t, []byte("2"), v)

	// uncommitted: other readers still see the old value.
	v, ok, err = db.Get(ColumnDHCache, []byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)

	require.NoError(t, txn.Commit())

	v, ok, err = db.Get(ColumnDHCache, []byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("2"), v)
}

func TestTxnDiscard(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	require.NoError(t, err)
	defer db.Close()

	txn, err := db.Begin()
	require.NoError(t, err)
	txn.Put(ColumnRecords, []byte("x"), []byte("y"))
	txn.Discard()

	_, ok, err := db.Get(ColumnRecords, []byte("x"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestIterate(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Put(ColumnRecords, []byte("a"), []byte("1")))
	require.NoError(t, db.Put(ColumnRecords, []byte("b"), []byte("2")))
	require.NoError(t, db.Put(ColumnSubkeys, []byte("c"), []byte("3")))

	seen := map[string]string{}
	err = db.Iterate(ColumnRecords, func(key, value []byte) bool {
		seen[string(key)] = string(value)
		return true
	})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"a": "1", "b": "2"}, seen)
}

func TestSubkeyKeyLittleEndianSubkeyIndex(t *testing.T) {
	var kind [4]byte
	copy(kind[:], "VLD0")
	var owner [32]byte
	owner[0] = 0xAB

	key := SubkeyKey(kind, owner, 0x01020304)
	require.Len(t, key, 40)
	require.Equal(t, byte(0x04), key[36])
	require.Equal(t, byte(0x03), key[37])
	require.Equal(t, byte(0x02), key[38])
	require.Equal(t, byte(0x01), key[39])
}
