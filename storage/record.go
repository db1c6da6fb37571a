package storage

import (
	"encoding/binary"
	"errors"

	"github.com/veilid-core-go/veilid-core-go/crypto"
	"github.com/veilid-core-go/veilid-core-go/internal/mclock"
)

// ValueData is one subkey's signed payload (spec.md §4.7 SignedValueData).
type ValueData struct {
	Seq       uint32
	Writer    crypto.Key
	Data      []byte
	Signature crypto.Signature
}

// signedMessage builds owner‖subkey_le‖seq_le‖data, the exact byte sequence
// signed and verified for a subkey write (spec.md §4.7 write protocol step
// 2; §8 testable property: "verify(w, o‖k_le‖seq_le‖data, v.signature)").
func signedMessage(owner crypto.Key, subkey, seq uint32, data []byte) []byte {
	buf := make([]byte, 0, 32+4+4+len(data))
	buf = append(buf, owner[:]...)
	var subkeyLE, seqLE [4]byte
	binary.LittleEndian.PutUint32(subkeyLE[:], subkey)
	binary.LittleEndian.PutUint32(seqLE[:], seq)
	buf = append(buf, subkeyLE[:]...)
	buf = append(buf, seqLE[:]...)
	buf = append(buf, data...)
	return buf
}

// SignValue produces a ValueData with seq and a signature computed by
// writerSecret over owner‖subkey_le‖seq_le‖data.
func SignValue(sys crypto.System, owner, writerPublic, writerSecret crypto.Key, subkey, seq uint32, data []byte) (ValueData, error) {
	sig, err := sys.Sign(writerSecret, signedMessage(owner, subkey, seq, data))
	if err != nil {
		return ValueData{}, err
	}
	return ValueData{Seq: seq, Writer: writerPublic, Data: data, Signature: sig}, nil
}

// Verify reports whether vd's signature verifies under vd.Writer for the
// given owner/subkey, and that vd.Writer is permitted to write subkey under
// schema.
func (vd ValueData) Verify(sys crypto.System, owner crypto.Key, subkey uint32, schema Schema) bool {
	if !schema.ValidWriter(subkey, vd.Writer, owner) {
		return false
	}
	return sys.Verify(vd.Writer, signedMessage(owner, subkey, vd.Seq, vd.Data), vd.Signature)
}

// ErrNewerValueExists is returned by a remote-originated write that loses a
// seq race: some other writer's value for the same (record, subkey) has an
// equal or higher seq already stored (spec.md §8 scenario 5).
var ErrNewerValueExists = errors.New("storage: a value with an equal or higher seq already exists")

// ErrWriterMismatch is returned when the caller's writer secret does not
// match the record's OpenedRecord handle (spec.md §4.7 write protocol step
// 1).
var ErrWriterMismatch = errors.New("storage: writer secret does not match opened record")

// ErrInvalidWriter is returned when schema forbids writer from writing the
// given subkey.
var ErrInvalidWriter = errors.New("storage: writer is not permitted to write this subkey")

// PerNodeRecordDetail tracks what one remote cache node has observed of a
// locally-owned record, used to push updates to it on close (spec.md §4.7).
type PerNodeRecordDetail struct {
	LastSet  mclock.AbsTime
	LastSeen mclock.AbsTime
	Subkeys  ValueSubkeyRangeSet
}

// LocalRecordDetail is extra bookkeeping the local store keeps for records
// this node owns or has opened (spec.md §4.7).
type LocalRecordDetail struct {
	SafetySelection interface{} // opaque; typically a *routespec.SafetySelection
	PerNode         map[crypto.Key]*PerNodeRecordDetail
}

// Record is one DHT record: its schema, owner, and the subkey values stored
// for it so far. Subkeys absent from Subkeys have never been written.
type Record struct {
	Key     crypto.Key
	Owner   crypto.Key
	Schema  Schema
	Subkeys map[uint32]*ValueData

	CreatedTS mclock.AbsTime
	Dirty     bool

	Local  *LocalRecordDetail
	Watch  *WatchList
}

func newRecord(key, owner crypto.Key, schema Schema, now mclock.AbsTime) *Record {
	return &Record{
		Key:       key,
		Owner:     owner,
		Schema:    schema,
		Subkeys:   make(map[uint32]*ValueData),
		CreatedTS: now,
		Watch:     newWatchList(),
	}
}

// OpenedRecord is the live handle returned by Store.Open: it names which
// record is open and, for writers, the keypair permitted to sign writes
// against it (spec.md §4.7 write protocol step 1).
type OpenedRecord struct {
	RecordKey crypto.Key
	Writer    *crypto.KeyPair
}
