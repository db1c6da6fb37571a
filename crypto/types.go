// Package crypto implements the versioned cipher/hash/signature/DH/AEAD
// suite described in spec.md §4.1: a registry of CryptoKind-tagged
// implementations behind one polymorphic interface, generalized from the
// teacher's single-kind secp256k1 identity (network/p2p/server.go's
// PrivateKey/PublicKey fields) into a tagged-variant registry per spec.md
// §9 ("Dynamic dispatch over crypto kinds: model as a tagged variant
// {kind, impl}; never use ambient polymorphism").
package crypto

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// KeyLength is the fixed width of a public or secret key, in bytes.
const KeyLength = 32

// SignatureLength is the fixed width of a signature, in bytes.
const SignatureLength = 64

// CryptoKind is a 4-byte FourCC tag naming a cipher suite.
type CryptoKind [4]byte

func (k CryptoKind) String() string { return string(k[:]) }

// IsValid reports whether k is a listed, supported kind.
func (k CryptoKind) IsValid() bool {
	for _, v := range ValidCryptoKinds {
		if v == k {
			return true
		}
	}
	return false
}

// VLD0 is the only crypto kind this module implements: a suite combining an
// Ed25519-family signature scheme, X25519 Diffie-Hellman, BLAKE3 hashing,
// and XChaCha20-Poly1305 AEAD.
var VLD0 = CryptoKind{'V', 'L', 'D', '0'}

// ValidCryptoKinds is the fixed, ordered list of kinds this runtime
// understands, most preferred first. Kinds outside this list are opaque
// byte carriers: they may be stored and forwarded (e.g. as part of an
// already-signed PeerInfo) but never validated locally. MaxCryptoKinds
// bounds the node_ids set carried by a PeerInfo (spec.md §3).
var ValidCryptoKinds = []CryptoKind{VLD0}

// MaxCryptoKinds bounds the number of distinct crypto kinds a single
// PeerInfo may advertise node ids under.
const MaxCryptoKinds = 3

// Key is a raw 32-byte public or secret key value, opaque to this package
// until paired with a CryptoKind by TypedKey/TypedSecret.
type Key [KeyLength]byte

// Signature is a raw 64-byte signature value.
type Signature [SignatureLength]byte

// Nonce is 24 bytes, unique per encryption under one shared secret.
type Nonce [24]byte

// TypedKey pairs a CryptoKind with a public key value.
type TypedKey struct {
	Kind CryptoKind
	Key  Key
}

func (t TypedKey) String() string {
	return fmt.Sprintf("%s:%x", t.Kind, t.Key[:8])
}

// TypedSecret pairs a CryptoKind with a secret key value.
type TypedSecret struct {
	Kind   CryptoKind
	Secret Key
}

// TypedSignature pairs a CryptoKind with a signature value.
type TypedSignature struct {
	Kind      CryptoKind
	Signature Signature
}

// KeyPair is a (public, secret) pair under one crypto kind.
type KeyPair struct {
	Kind   CryptoKind
	Public Key
	Secret Key
}

// TypedKeySet is an ordered, deduplicated set of TypedKey values — at most
// MaxCryptoKinds of them, one per distinct CryptoKind (spec.md §3 PeerInfo).
type TypedKeySet []TypedKey

// Get returns the key for kind, if present.
func (s TypedKeySet) Get(kind CryptoKind) (TypedKey, bool) {
	for _, k := range s {
		if k.Kind == kind {
			return k, true
		}
	}
	return TypedKey{}, false
}

// Validate enforces the PeerInfo invariant: 1 <= len <= MaxCryptoKinds, and
// no duplicate kinds.
func (s TypedKeySet) Validate() error {
	if len(s) == 0 {
		return errors.New("crypto: empty TypedKeySet")
	}
	if len(s) > MaxCryptoKinds {
		return fmt.Errorf("crypto: TypedKeySet exceeds MaxCryptoKinds (%d > %d)", len(s), MaxCryptoKinds)
	}
	seen := make(map[CryptoKind]bool, len(s))
	for _, k := range s {
		if seen[k.Kind] {
			return fmt.Errorf("crypto: duplicate kind %s in TypedKeySet", k.Kind)
		}
		seen[k.Kind] = true
	}
	return nil
}

// Distance is the XOR of two 32-byte keys, used as the Kademlia distance
// metric (spec.md §4.4).
func Distance(a, b Key) Key {
	var out Key
	for i := range out {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// Less reports whether a is numerically less than b, treating both as
// big-endian 256-bit integers. Used to pick deterministic tie-breaks (e.g.
// RouteSpecStore.best_private_route, spec.md §4.5).
func Less(a, b Key) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func putUint64(dst []byte, v uint64) {
	binary.LittleEndian.PutUint64(dst, v)
}

// KindIndex returns kind's position in ValidCryptoKinds. The envelope wire
// format (spec.md §4.2) carries a 2-byte crypto-kind field, too narrow for
// the full 4-byte FourCC tag, so on the wire a kind is addressed by its
// index into this well-known, statically ordered table rather than by its
// tag bytes directly; an index outside the table is the envelope decoder's
// "invalid crypto kind" rejection case.
func KindIndex(kind CryptoKind) (uint16, bool) {
	for i, k := range ValidCryptoKinds {
		if k == kind {
			return uint16(i), true
		}
	}
	return 0, false
}

// KindAtIndex reverses KindIndex.
func KindAtIndex(idx uint16) (CryptoKind, bool) {
	if int(idx) >= len(ValidCryptoKinds) {
		return CryptoKind{}, false
	}
	return ValidCryptoKinds[idx], true
}
