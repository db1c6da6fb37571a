package routingtable

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veilid-core-go/veilid-core-go/crypto"
	"github.com/veilid-core-go/veilid-core-go/internal/mclock"
)

func testSystem(t *testing.T) (*crypto.Registry, crypto.System) {
	t.Helper()
	sys := crypto.NewVLD0System(crypto.NewDHCache())
	reg := crypto.NewRegistry()
	reg.Register(sys)
	return reg, sys
}

func TestRegisterAndLookup(t *testing.T) {
	reg, sys := testSystem(t)
	clock := mclock.NewSimulated(0)

	selfKp, err := sys.GenerateKeyPair()
	require.NoError(t, err)
	self := map[crypto.CryptoKind]crypto.Key{crypto.VLD0: selfKp.Public}
	rt := New(clock, self)

	peerKp, err := sys.GenerateKeyPair()
	require.NoError(t, err)
	nodeIDs := crypto.TypedKeySet{{Kind: crypto.VLD0, Key: peerKp.Public}}
	body := []byte("node-info-bytes")
	sig, err := sys.Sign(peerKp.Secret, body)
	require.NoError(t, err)

	ref, err := rt.RegisterNodeWithSignedNodeInfo(reg, nodeIDs, body,
		[]crypto.TypedSignature{{Kind: crypto.VLD0, Signature: sig}},
		PublicInternet, &SignedNodeInfo{Timestamp: 1})
	require.NoError(t, err)
	require.NotNil(t, ref)
	defer ref.Release()

	require.Equal(t, 1, rt.Len(crypto.VLD0))
	require.Equal(t, Unreliable, ref.Entry().Liveness(clock.Now()))

	ref.Entry().RecordAnswer(clock.Now(), 10*time.Millisecond)
	require.Equal(t, Reliable, ref.Entry().Liveness(clock.Now()))

	clock.Run(DeadAfter + time.Second)
	require.Equal(t, Dead, ref.Entry().Liveness(clock.Now()))
	require.False(t, ref.Entry().IsAlive(clock.Now()))
}

func TestRegisterRejectsBadSignature(t *testing.T) {
	reg, sys := testSystem(t)
	clock := mclock.NewSimulated(0)

	selfKp, err := sys.GenerateKeyPair()
	require.NoError(t, err)
	self := map[crypto.CryptoKind]crypto.Key{crypto.VLD0: selfKp.Public}
	rt := New(clock, self)

	peerKp, err := sys.GenerateKeyPair()
	require.NoError(t, err)
	nodeIDs := crypto.TypedKeySet{{Kind: crypto.VLD0, Key: peerKp.Public}}

	var garbage crypto.Signature
	_, err = rt.RegisterNodeWithSignedNodeInfo(reg, nodeIDs, []byte("body"),
		[]crypto.TypedSignature{{Kind: crypto.VLD0, Signature: garbage}},
		PublicInternet, &SignedNodeInfo{})
	require.Error(t, err)
}

func TestNodeRefRefcountBlocksKick(t *testing.T) {
	reg, sys := testSystem(t)
	clock := mclock.NewSimulated(0)

	selfKp, err := sys.GenerateKeyPair()
	require.NoError(t, err)
	self := map[crypto.CryptoKind]crypto.Key{crypto.VLD0: selfKp.Public}
	rt := New(clock, self)

	var refs []*NodeRef
	for i := 0; i < BucketDepth+2; i++ {
		kp, err := sys.GenerateKeyPair()
		require.NoError(t, err)
		nodeIDs := crypto.TypedKeySet{{Kind: crypto.VLD0, Key: kp.Public}}
		sig, err := sys.Sign(kp.Secret, []byte("body"))
		require.NoError(t, err)
		ref, err := rt.RegisterNodeWithSignedNodeInfo(reg, nodeIDs, []byte("body"),
			[]crypto.TypedSignature{{Kind: crypto.VLD0, Signature: sig}},
			PublicInternet, &SignedNodeInfo{})
		require.NoError(t, err)
		refs = append(refs, ref)
	}
	rt.KickBuckets()
	// every entry is still referenced, so nothing should have been kicked
	// even though more than BucketDepth entries may share a bucket index.
	for _, r := range refs {
		require.NotNil(t, r.Entry())
	}
}

func TestRoutingDomainEditorCommitReportsChange(t *testing.T) {
	clock := mclock.NewSimulated(0)
	rt := New(clock, nil)

	changed := rt.EditRoutingDomain(PublicInternet).
		SetNetworkClass(NetworkClassServer).
		Commit(false)
	require.True(t, changed)

	changed = rt.EditRoutingDomain(PublicInternet).
		SetNetworkClass(NetworkClassServer).
		Commit(false)
	require.False(t, changed)

	changed = rt.EditRoutingDomain(PublicInternet).
		SetNetworkClass(NetworkClassMapped).
		Commit(false)
	require.True(t, changed)
}
