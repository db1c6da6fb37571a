package routespec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veilid-core-go/veilid-core-go/crypto"
	"github.com/veilid-core-go/veilid-core-go/internal/mclock"
)

func TestPermuteHopsTrivialForOneOrTwoHops(t *testing.T) {
	hops := []Hop{{IP: "a"}}
	visited := 0
	result, ok := PermuteHops(hops, func(c []Hop) PermutationResult {
		visited++
		return PermutationResult{Accepted: true}
	})
	require.True(t, ok)
	require.Equal(t, 1, visited)
	require.Equal(t, hops, result)

	hops2 := []Hop{{IP: "a"}, {IP: "b"}}
	result2, ok := PermuteHops(hops2, func(c []Hop) PermutationResult {
		return PermutationResult{Accepted: true}
	})
	require.True(t, ok)
	require.Equal(t, hops2, result2)
}

func TestPermuteHopsEnumeratesAllOrderingsWithFirstFixed(t *testing.T) {
	hops := []Hop{{IP: "fixed"}, {IP: "a"}, {IP: "b"}, {IP: "c"}}
	seen := make(map[string]bool)
	_, ok := PermuteHops(hops, func(c []Hop) PermutationResult {
		require.Equal(t, "fixed", c[0].IP)
		key := c[1].IP + c[2].IP + c[3].IP
		seen[key] = true
		return PermutationResult{Accepted: false}
	})
	require.False(t, ok)
	require.Len(t, seen, 6) // (4-1)! = 6
}

func TestPermuteHopsStopsOnAccept(t *testing.T) {
	hops := []Hop{{IP: "fixed"}, {IP: "a"}, {IP: "b"}, {IP: "c"}}
	visits := 0
	result, ok := PermuteHops(hops, func(c []Hop) PermutationResult {
		visits++
		return PermutationResult{Accepted: c[1].IP == "b"}
	})
	require.True(t, ok)
	require.Equal(t, "b", result[1].IP)
	require.Less(t, visits, 6)
}

func TestCompileSafetyRouteLayersDecryptInOrder(t *testing.T) {
	sys := crypto.NewVLD0System(crypto.NewDHCache())
	ephemeral, err := sys.GenerateKeyPair()
	require.NoError(t, err)

	hop1, err := sys.GenerateKeyPair()
	require.NoError(t, err)
	hop2, err := sys.GenerateKeyPair()
	require.NoError(t, err)

	hops := []Hop{
		{Kind: crypto.VLD0, Key: hop1.Public, IP: "10.0.0.1"},
		{Kind: crypto.VLD0, Key: hop2.Public, IP: "10.0.0.2"},
	}
	payload := []byte("innermost data blob")

	route, err := CompileSafetyRoute(sys, ephemeral, hops, payload)
	require.NoError(t, err)
	require.Len(t, route.Blobs, 2)

	// Hop 1 peels its layer off blob[0] using the shared secret between
	// its own secret key and the route's ephemeral public key.
	shared1, err := sys.DH(ephemeral.Public, hop1.Secret)
	require.NoError(t, err)
	var nonce1 crypto.Nonce
	copy(nonce1[:], route.Blobs[0][:24])
	opened1, err := sys.AEADDecrypt(shared1, nonce1, []byte(hops[0].IP), route.Blobs[0][24:])
	require.NoError(t, err)
	require.Equal(t, route.Blobs[1], opened1)

	shared2, err := sys.DH(ephemeral.Public, hop2.Secret)
	require.NoError(t, err)
	var nonce2 crypto.Nonce
	copy(nonce2[:], route.Blobs[1][:24])
	opened2, err := sys.AEADDecrypt(shared2, nonce2, []byte(hops[1].IP), route.Blobs[1][24:])
	require.NoError(t, err)
	require.Equal(t, payload, opened2)
}

func TestBestPrivateRouteTieBreaksOnLeastPublicKey(t *testing.T) {
	clock := mclock.NewSimulated(0)
	store := New(clock)

	var lo, hi crypto.Key
	lo[0] = 0x01
	hi[0] = 0xFF

	store.CacheRemotePrivateRoute(PrivateRoute{PublicKey: hi, Kind: crypto.VLD0})
	store.CacheRemotePrivateRoute(PrivateRoute{PublicKey: lo, Kind: crypto.VLD0})

	best, err := store.BestPrivateRoute([]crypto.CryptoKind{crypto.VLD0})
	require.NoError(t, err)
	require.Equal(t, lo, best.PublicKey)
}

func TestExpireStaleRoutes(t *testing.T) {
	clock := mclock.NewSimulated(0)
	store := New(clock)
	var key crypto.Key
	key[0] = 1
	store.CacheRemotePrivateRoute(PrivateRoute{PublicKey: key, Kind: crypto.VLD0})

	clock.Run(time.Hour)
	evicted := store.ExpireStaleRoutes(RemotePrivateRouteCacheExpiryNanos)
	require.Equal(t, 1, evicted)
	require.Equal(t, 0, store.Len())
}

func TestSequencingMeets(t *testing.T) {
	require.True(t, EnsureOrdered.Meets(PreferOrdered))
	require.False(t, NoPreference.Meets(PreferOrdered))
	require.True(t, PreferOrdered.Meets(PreferOrdered))
}
