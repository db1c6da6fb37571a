package veilidapi

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/veilid-core-go/veilid-core-go/crypto"
	"github.com/veilid-core-go/veilid-core-go/internal/mclock"
	"github.com/veilid-core-go/veilid-core-go/network/transport"
	"github.com/veilid-core-go/veilid-core-go/routingtable"
	"github.com/veilid-core-go/veilid-core-go/storage"
	"github.com/veilid-core-go/veilid-core-go/storage/kv"
)

func TestEncodeDecodeValueDataRoundTrips(t *testing.T) {
	vd := storage.ValueData{Seq: 7, Data: []byte("payload")}
	vd.Writer[0] = 9
	vd.Signature[0] = 5

	decoded, ok := decodeValueData(encodeValueData(vd))
	require.True(t, ok)
	require.Equal(t, vd, decoded)
}

func TestDecodeValueDataRejectsShortInput(t *testing.T) {
	_, ok := decodeValueData(make([]byte, 10))
	require.False(t, ok)
}

func TestPersistAndReloadRecordsRestoresLocalStore(t *testing.T) {
	dir := t.TempDir()
	db, err := kv.Open(dir)
	require.NoError(t, err)
	defer db.Close()

	sys := crypto.NewVLD0System(crypto.NewDHCache())
	clock := mclock.NewSimulated(0)

	owner, err := sys.GenerateKeyPair()
	require.NoError(t, err)
	schema := storage.DFLT(2)

	original := storage.New(storage.Local, clock, sys, storage.DefaultRecordStoreLimits())
	opened, err := original.Create(owner.Public, schema, &owner)
	require.NoError(t, err)
	_, err = original.SetValueLocal(opened, 0, []byte("hello"), storage.WatchUpdateMode{})
	require.NoError(t, err)

	n, err := original.Flush(func(r *storage.Record) error { return persistRecord(db, sys.Kind(), r) })
	require.NoError(t, err)
	require.Equal(t, 1, n)

	reloaded := storage.New(storage.Local, clock, sys, storage.DefaultRecordStoreLimits())
	require.NoError(t, reloadRecords(db, sys.Kind(), clock.Now(), reloaded))
	require.Equal(t, 1, reloaded.Len())

	key := storage.DeriveRecordKey(sys, owner.Public, schema)
	got, ok := reloaded.GetValueLocal(key, 0)
	require.True(t, ok)
	require.Equal(t, []byte("hello"), got.Data)
}

func TestPersistAndReloadNodeInfoRoundTrips(t *testing.T) {
	dir := t.TempDir()
	db, err := kv.Open(dir)
	require.NoError(t, err)
	defer db.Close()

	sys := crypto.NewVLD0System(crypto.NewDHCache())
	clock := mclock.NewSimulated(0)
	selfKP, err := sys.GenerateKeyPair()
	require.NoError(t, err)
	rt := routingtable.New(clock, map[crypto.CryptoKind]crypto.Key{sys.Kind(): selfKP.Public})

	rt.EditRoutingDomain(routingtable.PublicInternet).
		SetNetworkClass(routingtable.NetworkClassMapped).
		AddDialInfoDetail(routingtable.DialInfoDetail{DialInfo: transport.DialInfo{Protocol: transport.TCP, Address: "203.0.113.1:5150"}}).
		Commit(false)

	require.NoError(t, persistNodeInfo(db, sys.Kind(), rt, routingtable.PublicInternet))
	require.NoError(t, persistNodeInfo(db, sys.Kind(), rt, routingtable.LocalNetwork))

	rt2 := routingtable.New(clock, map[crypto.CryptoKind]crypto.Key{sys.Kind(): selfKP.Public})
	require.NoError(t, reloadNodeInfo(db, sys.Kind(), rt2, routingtable.PublicInternet))
	require.NoError(t, reloadNodeInfo(db, sys.Kind(), rt2, routingtable.LocalNetwork))

	require.Equal(t, rt.CurrentNodeInfo(routingtable.PublicInternet), rt2.CurrentNodeInfo(routingtable.PublicInternet))
	require.Nil(t, rt2.CurrentNodeInfo(routingtable.LocalNetwork), "never-committed domain stays unset")
}
