package veilidapi

import (
	"bytes"
	"encoding/binary"

	"github.com/veilid-core-go/veilid-core-go/crypto"
	"github.com/veilid-core-go/veilid-core-go/internal/mclock"
	"github.com/veilid-core-go/veilid-core-go/routingtable"
	"github.com/veilid-core-go/veilid-core-go/storage"
	"github.com/veilid-core-go/veilid-core-go/storage/kv"
)

// dhCacheKey is the single flat-byte-stream key the crypto DH cache is
// persisted under (spec.md §6: "dh_cache (flat byte stream as in §4.1)").
var dhCacheKey = []byte("cache")

// kindBE renders kind as the big-endian 4-byte column-key prefix spec.md §6
// specifies ("big-endian for the kind FourCC").
func kindBE(kind crypto.CryptoKind) [4]byte {
	var out [4]byte
	copy(out[:], kind[:])
	return out
}

// persistRecord writes r's descriptor and every stored subkey to db,
// implementing flush_record_stores' on-disk side (spec.md §4.7, §6). The
// records column holds (kind‖owner)→schema bytes; the subkeys column holds
// (kind‖owner‖subkey_le)→signed value bytes.
func persistRecord(db *kv.DB, kind crypto.CryptoKind, r *storage.Record) error {
	kb := kindBE(kind)
	txn, err := db.Begin()
	if err != nil {
		return err
	}
	txn.Put(kv.ColumnRecords, kv.RecordKey(kb, r.Owner), r.Schema.Bytes())
	for subkey, vd := range r.Subkeys {
		txn.Put(kv.ColumnSubkeys, kv.SubkeyKey(kb, r.Owner, subkey), encodeValueData(*vd))
	}
	return txn.Commit()
}

// encodeValueData serializes a ValueData as seq(4 LE)‖writer(32)‖sig(64)‖data.
func encodeValueData(vd storage.ValueData) []byte {
	out := make([]byte, 4+32+64+len(vd.Data))
	binary.LittleEndian.PutUint32(out[0:4], vd.Seq)
	copy(out[4:36], vd.Writer[:])
	copy(out[36:100], vd.Signature[:])
	copy(out[100:], vd.Data)
	return out
}

// decodeValueData reverses encodeValueData. ok is false if b is too short
// to be a valid encoding.
func decodeValueData(b []byte) (storage.ValueData, bool) {
	if len(b) < 100 {
		return storage.ValueData{}, false
	}
	var vd storage.ValueData
	vd.Seq = binary.LittleEndian.Uint32(b[0:4])
	copy(vd.Writer[:], b[4:36])
	copy(vd.Signature[:], b[36:100])
	vd.Data = append([]byte(nil), b[100:]...)
	return vd, true
}

// reloadRecords rebuilds store's local records (schema plus every stored
// subkey) from db for the given kind, implementing the read half of
// persistRecord/flush_record_stores (spec.md §6): without it, a node
// restart would silently drop every locally-owned DHT record even though
// flush_record_stores had faithfully written them to disk. The remote
// cache store is intentionally not reloaded here — it is a bounded cache
// that self-heals via get_value fanout, not a source of truth.
func reloadRecords(db *kv.DB, kind crypto.CryptoKind, now mclock.AbsTime, store *storage.Store) error {
	kb := kindBE(kind)

	type loaded struct {
		owner   crypto.Key
		schema  storage.Schema
		subkeys map[uint32]*storage.ValueData
	}
	byOwner := make(map[crypto.Key]*loaded)

	if err := db.Iterate(kv.ColumnRecords, func(key, value []byte) bool {
		if len(key) != 36 || !bytes.Equal(key[0:4], kb[:]) {
			return true
		}
		schema, ok := storage.DecodeSchema(value)
		if !ok {
			return true
		}
		var owner crypto.Key
		copy(owner[:], key[4:36])
		byOwner[owner] = &loaded{owner: owner, schema: schema, subkeys: make(map[uint32]*storage.ValueData)}
		return true
	}); err != nil {
		return err
	}

	if err := db.Iterate(kv.ColumnSubkeys, func(key, value []byte) bool {
		if len(key) != 40 || !bytes.Equal(key[0:4], kb[:]) {
			return true
		}
		var owner crypto.Key
		copy(owner[:], key[4:36])
		l, ok := byOwner[owner]
		if !ok {
			return true
		}
		vd, ok := decodeValueData(value)
		if !ok {
			return true
		}
		subkey := binary.LittleEndian.Uint32(key[36:40])
		l.subkeys[subkey] = &vd
		return true
	}); err != nil {
		return err
	}

	for _, l := range byOwner {
		store.LoadRecord(l.owner, l.schema, l.subkeys, now)
	}
	return nil
}

// routingTableKey is the per-domain key under ColumnRoutingTable (spec.md
// §6): kind‖domain, mirroring RecordKey/SubkeyKey's kind-prefixed layout.
func routingTableKey(kind crypto.CryptoKind, domain routingtable.RoutingDomain) []byte {
	kb := kindBE(kind)
	return append(kb[:], byte(domain))
}

// persistNodeInfo writes domain's committed NodeInfo to db (spec.md §6
// "routing_table"), a no-op if the domain was never set.
func persistNodeInfo(db *kv.DB, kind crypto.CryptoKind, rt *routingtable.RoutingTable, domain routingtable.RoutingDomain) error {
	ni := rt.CurrentNodeInfo(domain)
	if ni == nil {
		return nil
	}
	return db.Put(kv.ColumnRoutingTable, routingTableKey(kind, domain), routingtable.EncodeNodeInfo(ni))
}

// reloadNodeInfo reloads domain's NodeInfo from db into rt, if persisted.
func reloadNodeInfo(db *kv.DB, kind crypto.CryptoKind, rt *routingtable.RoutingTable, domain routingtable.RoutingDomain) error {
	b, ok, err := db.Get(kv.ColumnRoutingTable, routingTableKey(kind, domain))
	if err != nil || !ok {
		return err
	}
	ni, ok := routingtable.DecodeNodeInfo(b)
	if !ok {
		return nil
	}
	rt.LoadNodeInfo(domain, ni)
	return nil
}
