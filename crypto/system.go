package crypto

// System is the capability set every crypto kind implementation provides:
// hash, keypair-generate, sign, verify, DH, random-nonce, AEAD encrypt/
// decrypt, stream-cipher crypt, and XOR distance (spec.md §4.1).
// Implementations are stateless except for the shared DH cache.
type System interface {
	Kind() CryptoKind

	// Hash returns a cryptographic digest truncated/expanded to 32 bytes.
	Hash(data []byte) Key

	// GenerateKeyPair produces a fresh keypair under this kind.
	GenerateKeyPair() (KeyPair, error)

	// ValidateKeyPair reports whether secret is in fact the secret half of
	// public, by the verify(pk, test, sign(sk, test)) recipe in spec.md §3.
	ValidateKeyPair(public, secret Key) bool

	// Sign produces a signature over data under secret.
	Sign(secret Key, data []byte) (Signature, error)

	// Verify checks a signature over data under public.
	Verify(public Key, data []byte, sig Signature) bool

	// RandomNonce returns a fresh, unpredictable nonce.
	RandomNonce() (Nonce, error)

	// DH computes (and caches) the shared secret for (public, secret).
	DH(public, secret Key) (Key, error)

	// AEADEncrypt seals plaintext under sharedSecret/nonce, authenticating
	// assoc as associated data.
	AEADEncrypt(sharedSecret Key, nonce Nonce, assoc, plaintext []byte) ([]byte, error)

	// AEADDecrypt opens ciphertext produced by AEADEncrypt.
	AEADDecrypt(sharedSecret Key, nonce Nonce, assoc, ciphertext []byte) ([]byte, error)

	// Crypt applies the kind's stream cipher (no authentication) to data,
	// used for hop-to-hop route blob re-wrapping where each layer adds its
	// own outer AEAD (spec.md §4.5).
	Crypt(sharedSecret Key, nonce Nonce, data []byte) ([]byte, error)
}

// Registry maps CryptoKind to its System implementation.
type Registry struct {
	systems map[CryptoKind]System
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{systems: make(map[CryptoKind]System)}
}

// Register installs sys under its own Kind(). Registering a kind twice
// replaces the previous implementation.
func (r *Registry) Register(sys System) {
	r.systems[sys.Kind()] = sys
}

// Get looks up the implementation for kind. ok is false for kinds unknown to
// this runtime — such kinds remain opaque byte carriers (spec.md §4.1 edge
// case: unknown CryptoKind values may still be stored for forwarding).
func (r *Registry) Get(kind CryptoKind) (System, bool) {
	sys, ok := r.systems[kind]
	return sys, ok
}

// Best returns the most-preferred registered kind, per ValidCryptoKinds
// order.
func (r *Registry) Best() (System, bool) {
	for _, k := range ValidCryptoKinds {
		if sys, ok := r.systems[k]; ok {
			return sys, true
		}
	}
	return nil, false
}

// VerifySignatures returns the subset of nodeIDs whose advertised kind has a
// matching typed signature in sigs that verifies data. An empty result
// should fail the caller (spec.md §4.1).
func (r *Registry) VerifySignatures(nodeIDs TypedKeySet, data []byte, sigs []TypedSignature) TypedKeySet {
	var out TypedKeySet
	for _, id := range nodeIDs {
		sys, ok := r.Get(id.Kind)
		if !ok {
			continue
		}
		for _, sig := range sigs {
			if sig.Kind != id.Kind {
				continue
			}
			if sys.Verify(id.Key, data, sig.Signature) {
				out = append(out, id)
				break
			}
		}
	}
	return out
}
