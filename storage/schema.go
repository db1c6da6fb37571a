// Package storage implements the Storage Manager described in spec.md
// §4.7: local and remote DHT record stores sharing one schema, the
// set_value/get_value protocols, a two-level inspect cache, subkey watches,
// and the periodic tasks that flush, reconcile, and notify.
//
// Grounded on the teacher's database package (database/db.go's leveldb
// wrapper and journal/transaction pattern) for the on-disk side, and on
// network/manager's periodic-task idiom for flush_record_stores,
// offline_subkey_writes, and send_value_changes.
package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/veilid-core-go/veilid-core-go/crypto"
)

// SchemaKind distinguishes the two record layouts spec.md §4.7 defines.
type SchemaKind int

const (
	SchemaDFLT SchemaKind = iota
	SchemaSMPL
)

// Member is one named writer in an SMPL schema: MKey may write MCnt
// contiguous subkeys starting immediately after the previous member's range
// (the owner's range [0, OCnt) comes first).
type Member struct {
	MKey crypto.Key
	MCnt uint32
}

// Schema is either DFLT(o_cnt) or SMPL(o_cnt, members) (spec.md §4.7).
type Schema struct {
	Kind    SchemaKind
	OCnt    uint32
	Members []Member
}

// DFLT returns a DFLT(oCnt) schema: the owner alone may write subkeys
// [0, oCnt).
func DFLT(oCnt uint32) Schema {
	return Schema{Kind: SchemaDFLT, OCnt: oCnt}
}

// SMPL returns an SMPL(oCnt, members) schema.
func SMPL(oCnt uint32, members []Member) Schema {
	return Schema{Kind: SchemaSMPL, OCnt: oCnt, Members: members}
}

// SubkeyCount is the total number of addressable subkeys under the schema:
// the owner's range plus every member's range.
func (s Schema) SubkeyCount() uint32 {
	total := s.OCnt
	for _, m := range s.Members {
		total += m.MCnt
	}
	return total
}

// ValidWriter reports whether writer is permitted to write subkey under
// this schema, where owner is the record's owning public key (spec.md
// §4.7: "A subkey value is valid iff value.writer == owner" for DFLT;
// generalized to member ranges for SMPL).
func (s Schema) ValidWriter(subkey uint32, writer, owner crypto.Key) bool {
	if subkey < s.OCnt {
		return writer == owner
	}
	if s.Kind == SchemaDFLT {
		return false
	}
	cursor := s.OCnt
	for _, m := range s.Members {
		if subkey < cursor+m.MCnt {
			return writer == m.MKey
		}
		cursor += m.MCnt
	}
	return false
}

// Bytes is the canonical encoding of the schema used as input to
// DeriveRecordKey (spec.md §6: record key derivation from owner‖schema).
func (s Schema) Bytes() []byte {
	buf := make([]byte, 0, 5+4*len(s.Members)*2)
	buf = append(buf, byte(s.Kind))
	var ocnt [4]byte
	binary.LittleEndian.PutUint32(ocnt[:], s.OCnt)
	buf = append(buf, ocnt[:]...)
	for _, m := range s.Members {
		buf = append(buf, m.MKey[:]...)
		var cnt [4]byte
		binary.LittleEndian.PutUint32(cnt[:], m.MCnt)
		buf = append(buf, cnt[:]...)
	}
	return buf
}

// DecodeSchema reverses Bytes. ok is false if b is too short or truncated
// mid-member to be a valid encoding (the Startup-time counterpart needed to
// reload persisted record descriptors, spec.md §6 "records" table).
func DecodeSchema(b []byte) (Schema, bool) {
	if len(b) < 5 {
		return Schema{}, false
	}
	s := Schema{Kind: SchemaKind(b[0]), OCnt: binary.LittleEndian.Uint32(b[1:5])}
	rest := b[5:]
	for len(rest) > 0 {
		if len(rest) < 36 {
			return Schema{}, false
		}
		var m Member
		copy(m.MKey[:], rest[0:32])
		m.MCnt = binary.LittleEndian.Uint32(rest[32:36])
		s.Members = append(s.Members, m)
		rest = rest[36:]
	}
	return s, true
}

// sameSchema reports structural equality (Schema holds a slice, so it is
// not comparable with ==).
func sameSchema(a, b Schema) bool {
	if a.Kind != b.Kind || a.OCnt != b.OCnt || len(a.Members) != len(b.Members) {
		return false
	}
	for i := range a.Members {
		if a.Members[i] != b.Members[i] {
			return false
		}
	}
	return true
}

// DeriveRecordKey computes the record's DHT key as hash(owner‖schema)
// (spec.md §4.7 read protocol: "peers closest to hash(owner ‖ schema)").
func DeriveRecordKey(sys crypto.System, owner crypto.Key, schema Schema) crypto.Key {
	buf := append(append([]byte{}, owner[:]...), schema.Bytes()...)
	return sys.Hash(buf)
}

// SubkeyRange is an inclusive [Start, End] range of subkey indices.
type SubkeyRange struct {
	Start, End uint32
}

func (r SubkeyRange) contains(subkey uint32) bool {
	return subkey >= r.Start && subkey <= r.End
}

func (r SubkeyRange) count() uint32 {
	return r.End - r.Start + 1
}

// ValueSubkeyRangeSet is an ordered list of subkey ranges, used both as the
// inspect cache's L2 key and as a watch's subscribed subkey set.
type ValueSubkeyRangeSet []SubkeyRange

// Contains reports whether any range in the set covers subkey.
func (s ValueSubkeyRangeSet) Contains(subkey uint32) bool {
	for _, r := range s {
		if r.contains(subkey) {
			return true
		}
	}
	return false
}

// IndexOf returns subkey's position in the flattened, range-order
// enumeration of the set (spec.md §4.7 inspect cache: "replace_subkey_seq
// walks every L2 value and ... overwrites the corresponding seqs[idx]").
func (s ValueSubkeyRangeSet) IndexOf(subkey uint32) (int, bool) {
	idx := 0
	for _, r := range s {
		if r.contains(subkey) {
			return idx + int(subkey-r.Start), true
		}
		idx += int(r.count())
	}
	return 0, false
}

// Key is a canonical string form used as the L2 LRU's map key (ranges are
// not directly comparable).
func (s ValueSubkeyRangeSet) Key() string {
	out := ""
	for _, r := range s {
		out += fmt.Sprintf("%d-%d,", r.Start, r.End)
	}
	return out
}
