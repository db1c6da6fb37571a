package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"errors"
	"fmt"
	"math/big"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

type bigInt = big.Int

func curve25519FieldPrime() *bigInt {
	// 2^255 - 19
	p := new(bigInt).Lsh(big.NewInt(1), 255)
	p.Sub(p, big.NewInt(19))
	return p
}

func bigOne() *bigInt { return big.NewInt(1) }

func leBytesToBig(b []byte) *bigInt {
	be := make([]byte, len(b))
	for i, c := range b {
		be[len(b)-1-i] = c
	}
	return new(bigInt).SetBytes(be)
}

func bigToLEBytes(v *bigInt, dst []byte) {
	be := v.Bytes() // big-endian, no leading zero bytes
	for i := 0; i < len(be); i++ {
		dst[i] = be[len(be)-1-i]
	}
}

// VLD0System is the reference crypto kind: Ed25519 signatures, X25519 DH,
// BLAKE3 hashing, XChaCha20-Poly1305 AEAD — the suite spec.md's GLOSSARY
// names. Ed25519 keys double as X25519 keys is deliberately NOT assumed
// here: a VLD0 TypedKey's 32 bytes are an Ed25519 public key for signature
// purposes and a separately-derived X25519 public key for DH purposes would
// require carrying two keys, which spec.md's single 32-byte TypedKey does
// not have room for. Real Veilid derives its X25519 keys from the same
// Ed25519 seed via a birational map; we do the same, via DH doing the
// Ed25519-to-X25519 conversion before the scalar multiplication.
type VLD0System struct {
	dh *DHCache
}

// NewVLD0System returns a VLD0 implementation backed by cache (shared
// across Systems of the same kind; pass a fresh *DHCache per process).
func NewVLD0System(cache *DHCache) *VLD0System {
	return &VLD0System{dh: cache}
}

func (s *VLD0System) Kind() CryptoKind { return VLD0 }

func (s *VLD0System) Hash(data []byte) Key {
	sum := blake3.Sum256(data)
	var out Key
	copy(out[:], sum[:])
	return out
}

func (s *VLD0System) GenerateKeyPair() (KeyPair, error) {
	pub, sec, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("crypto/vld0: generating keypair: %w", err)
	}
	var kp KeyPair
	kp.Kind = VLD0
	copy(kp.Public[:], pub)
	copy(kp.Secret[:], sec.Seed())
	return kp, nil
}

func (s *VLD0System) ValidateKeyPair(public, secret Key) bool {
	const testMsg = "veilid-core-go keypair validation probe"
	sig, err := s.Sign(secret, []byte(testMsg))
	if err != nil {
		return false
	}
	return s.Verify(public, []byte(testMsg), sig)
}

func (s *VLD0System) Sign(secret Key, data []byte) (Signature, error) {
	priv := ed25519.NewKeyFromSeed(secret[:])
	sig := ed25519.Sign(priv, data)
	var out Signature
	if len(sig) != SignatureLength {
		return out, fmt.Errorf("crypto/vld0: unexpected signature length %d", len(sig))
	}
	copy(out[:], sig)
	return out, nil
}

func (s *VLD0System) Verify(public Key, data []byte, sig Signature) bool {
	return ed25519.Verify(ed25519.PublicKey(public[:]), data, sig[:])
}

func (s *VLD0System) RandomNonce() (Nonce, error) {
	var n Nonce
	if _, err := rand.Read(n[:]); err != nil {
		return n, fmt.Errorf("crypto/vld0: generating nonce: %w", err)
	}
	return n, nil
}

// DH converts the Ed25519 keys to their X25519 birational counterparts and
// performs X25519 scalar multiplication, consulting (and populating) the
// shared DH cache so repeated DH against the same peer is O(1) (spec.md
// §4.1, §5 — keeps this off the suspendable executor's hot path).
func (s *VLD0System) DH(public, secret Key) (Key, error) {
	if shared, ok := s.dh.Get(public, secret); ok {
		return shared, nil
	}
	xPub, err := ed25519PublicToX25519(public)
	if err != nil {
		return Key{}, err
	}
	xSec := ed25519SecretToX25519(secret)
	sharedBytes, err := curve25519.X25519(xSec[:], xPub[:])
	if err != nil {
		return Key{}, fmt.Errorf("crypto/vld0: x25519: %w", err)
	}
	var shared Key
	copy(shared[:], sharedBytes)
	s.dh.Put(public, secret, shared)
	return shared, nil
}

func (s *VLD0System) AEADEncrypt(sharedSecret Key, nonce Nonce, assoc, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(sharedSecret[:])
	if err != nil {
		return nil, fmt.Errorf("crypto/vld0: aead init: %w", err)
	}
	return aead.Seal(nil, nonce[:], plaintext, assoc), nil
}

func (s *VLD0System) AEADDecrypt(sharedSecret Key, nonce Nonce, assoc, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(sharedSecret[:])
	if err != nil {
		return nil, fmt.Errorf("crypto/vld0: aead init: %w", err)
	}
	pt, err := aead.Open(nil, nonce[:], ciphertext, assoc)
	if err != nil {
		return nil, fmt.Errorf("crypto/vld0: aead open: %w", err)
	}
	return pt, nil
}

// Crypt applies XChaCha20 without authentication, for hop-to-hop route blob
// re-wrapping where the outer AEAD of the enclosing layer already
// authenticates the whole blob (spec.md §4.5).
func (s *VLD0System) Crypt(sharedSecret Key, nonce Nonce, data []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(sharedSecret[:])
	if err != nil {
		return nil, fmt.Errorf("crypto/vld0: cipher init: %w", err)
	}
	// There is no standalone XChaCha20 stream cipher in the AEAD API, so we
	// Seal data with no associated data and trim the Poly1305 tag off the
	// output; the same call inverts itself on the other side. The tag is
	// discarded, giving a confidentiality-only transform keyed the same way
	// as AEADEncrypt.
	sealed := aead.Seal(nil, nonce[:], data, nil)
	return sealed[:len(sealed)-aead.Overhead()], nil
}

// ed25519PublicToX25519 performs the standard Edwards-to-Montgomery
// birational map used by e.g. libsodium's crypto_sign_ed25519_pk_to_curve25519:
// u = (1+y)/(1-y) mod p, where y is recovered from the compressed Edwards
// encoding (the top bit, which carries the sign of x, is masked off first).
// This is the same map applied to the point scalar*B in both the Ed25519
// and X25519 groups, so it commutes with the scalar multiplication done by
// the secret-side conversion below.
func ed25519PublicToX25519(pub Key) (Key, error) {
	var yBytes [32]byte
	copy(yBytes[:], pub[:])
	yBytes[31] &= 0x7f // clear the sign bit to recover y

	p := curve25519FieldPrime()
	y := leBytesToBig(yBytes[:])
	y.Mod(y, p)

	one := bigOne()
	num := new(bigInt).Add(one, y)
	num.Mod(num, p)
	den := new(bigInt).Sub(one, y)
	den.Mod(den, p)
	denInv := new(bigInt).ModInverse(den, p)
	if denInv == nil {
		return Key{}, errors.New("crypto/vld0: ed25519 public key has no x25519 equivalent")
	}
	u := new(bigInt).Mul(num, denInv)
	u.Mod(u, p)

	var out Key
	bigToLEBytes(u, out[:])
	return out, nil
}

// ed25519SecretToX25519 reproduces the scalar derivation crypto/ed25519 uses
// internally (SHA-512 of the seed, first 32 bytes, standard X25519 clamp),
// matching libsodium's crypto_sign_ed25519_sk_to_curve25519 so the derived
// scalar is exactly the one that produced the Ed25519 public key's Edwards
// point — and therefore, under the birational map, the matching X25519
// public point.
func ed25519SecretToX25519(seed Key) Key {
	h := sha512.Sum512(seed[:])
	var out Key
	copy(out[:], h[:32])
	clampX25519(&out)
	return out
}

func clampX25519(k *Key) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}

var _ System = (*VLD0System)(nil)
