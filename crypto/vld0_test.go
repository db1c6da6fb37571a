package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVLD0SignVerifyRoundTrip(t *testing.T) {
	sys := NewVLD0System(NewDHCache())
	kp, err := sys.GenerateKeyPair()
	require.NoError(t, err)
	require.True(t, sys.ValidateKeyPair(kp.Public, kp.Secret))

	msg := []byte("hello veilid")
	sig, err := sys.Sign(kp.Secret, msg)
	require.NoError(t, err)
	require.True(t, sys.Verify(kp.Public, msg, sig))

	sig[0] ^= 0xff
	require.False(t, sys.Verify(kp.Public, msg, sig))
}

func TestVLD0DHIsSymmetric(t *testing.T) {
	sys := NewVLD0System(NewDHCache())
	a, err := sys.GenerateKeyPair()
	require.NoError(t, err)
	b, err := sys.GenerateKeyPair()
	require.NoError(t, err)

	sharedA, err := sys.DH(b.Public, a.Secret)
	require.NoError(t, err)
	sharedB, err := sys.DH(a.Public, b.Secret)
	require.NoError(t, err)
	require.Equal(t, sharedA, sharedB)
}

func TestVLD0AEADRoundTrip(t *testing.T) {
	sys := NewVLD0System(NewDHCache())
	a, err := sys.GenerateKeyPair()
	require.NoError(t, err)
	b, err := sys.GenerateKeyPair()
	require.NoError(t, err)
	shared, err := sys.DH(b.Public, a.Secret)
	require.NoError(t, err)

	nonce, err := sys.RandomNonce()
	require.NoError(t, err)
	assoc := []byte("header")
	plaintext := []byte("this is an arbitrary body")

	ct, err := sys.AEADEncrypt(shared, nonce, assoc, plaintext)
	require.NoError(t, err)
	pt, err := sys.AEADDecrypt(shared, nonce, assoc, ct)
	require.NoError(t, err)
	require.Equal(t, plaintext, pt)

	ct[0] ^= 0xff
	_, err = sys.AEADDecrypt(shared, nonce, assoc, ct)
	require.Error(t, err)
}

func TestVLD0CryptIsInvolution(t *testing.T) {
	sys := NewVLD0System(NewDHCache())
	var shared Key
	copy(shared[:], []byte("0123456789abcdef0123456789abcdef"))
	var nonce Nonce
	copy(nonce[:], []byte("abcdefghijklmnopqrstuvwx"))

	data := []byte("stream cipher payload for onion hop re-wrap")
	once, err := sys.Crypt(shared, nonce, data)
	require.NoError(t, err)
	require.NotEqual(t, data, once)
	twice, err := sys.Crypt(shared, nonce, once)
	require.NoError(t, err)
	require.Equal(t, data, twice)
}

func TestDistanceAndLess(t *testing.T) {
	var a, b Key
	a[31] = 0x01
	b[31] = 0x03
	d := Distance(a, b)
	require.Equal(t, byte(0x02), d[31])
	require.True(t, Less(a, b))
	require.False(t, Less(b, a))
}

func TestVerifySignatures(t *testing.T) {
	reg := NewRegistry()
	sys := NewVLD0System(NewDHCache())
	reg.Register(sys)

	kp, err := sys.GenerateKeyPair()
	require.NoError(t, err)
	data := []byte("node info body")
	sig, err := sys.Sign(kp.Secret, data)
	require.NoError(t, err)

	ids := TypedKeySet{{Kind: VLD0, Key: kp.Public}}
	sigs := []TypedSignature{{Kind: VLD0, Signature: sig}}
	verified := reg.VerifySignatures(ids, data, sigs)
	require.Len(t, verified, 1)

	sigs[0].Signature[0] ^= 0xff
	verified = reg.VerifySignatures(ids, data, sigs)
	require.Empty(t, verified)
}
