// Package routespec implements the Route Spec Store described in spec.md
// §4.5: the onion core that compiles sender-side SafetyRoutes and caches
// recipient-published PrivateRoutes, including Heap's-algorithm hop
// permutation, route rotation/expiry, and SafetySelection.
//
// Grounded on the teacher's channel-serialized mutation pattern
// (network/p2p/server.go's srv.run), here as one Store per process whose
// mutations are serialized by a mutex, and on spec.md §4.5 directly for the algorithms
// (hop permutation, rotation, best_private_route tie-break).
package routespec

import (
	"errors"
	"sort"
	"sync"

	"github.com/veilid-core-go/veilid-core-go/crypto"
	"github.com/veilid-core-go/veilid-core-go/internal/mclock"
)

// RemotePrivateRouteCacheExpiryNanos bounds how long a cached remote
// private route survives without being touched, in nanoseconds to match
// mclock.AbsTime's resolution (spec.md §4.5).
const RemotePrivateRouteCacheExpiryNanos = int64(10 * 60 * 1_000_000_000)

// Hop is one onion hop: the node id and the crypto kind its key is under.
type Hop struct {
	Kind crypto.CryptoKind
	Key  crypto.Key
	IP   string // for disjointness/loopback checks
}

// SafetyRoute is the sender-side onion (spec.md §3): a fresh ephemeral
// keypair whose public half is the route's public key, plus the ordered
// hop list and each hop's re-encrypted blob.
type SafetyRoute struct {
	PublicKey crypto.Key
	Hops      []Hop
	// Blobs[i] is what hop i can decrypt: a nonce followed by an AEAD layer
	// sealed under the DH secret shared with hop i, with hop i's IP as
	// associated data. Opening Blobs[i] yields exactly Blobs[i+1]; the
	// layer carries no next-hop address. Opening the last blob yields the
	// payload given to CompileSafetyRoute.
	Blobs [][]byte
}

// PrivateRoute is the recipient-side onion stub (spec.md §3): hop_count=0,
// no hops, published so senders can address this node without learning its
// identity.
type PrivateRoute struct {
	PublicKey crypto.Key
	Kind      crypto.CryptoKind
	FirstHop  *Hop // nil for a zero-hop stub
}

// Sequencing orders preference for ordered vs unordered transports
// (spec.md §4.5): NoPreference < PreferOrdered < EnsureOrdered, and `>=` is
// used to check "meets requirement".
type Sequencing int

const (
	NoPreference Sequencing = iota
	PreferOrdered
	EnsureOrdered
)

// Meets reports whether actual sequencing satisfies a requirement of at
// least required (spec.md §4.5: ">= is used to check 'meets requirement'").
func (actual Sequencing) Meets(required Sequencing) bool { return actual >= required }

// Stability is the latency/reliability tradeoff a SafetySpec requests.
type Stability int

const (
	LowLatency Stability = iota
	Reliable
)

// SafetySpec configures a Safe SafetySelection (spec.md §4.5).
type SafetySpec struct {
	PreferredRoute *crypto.Key // optional
	HopCount       int         // >= 1
	Stability      Stability
	Sequencing     Sequencing
}

// SafetySelection is either Unsafe(Sequencing) (no onion) or
// Safe(SafetySpec) (spec.md §4.5).
type SafetySelection struct {
	Safe           bool
	UnsafeSeq      Sequencing
	SafeSpec       SafetySpec
}

func Unsafe(seq Sequencing) SafetySelection {
	return SafetySelection{Safe: false, UnsafeSeq: seq}
}

func Safe(spec SafetySpec) SafetySelection {
	return SafetySelection{Safe: true, SafeSpec: spec}
}

// PermutationResult is what a permutation-visiting callback returns:
// Accepted stops the search and returns this permutation; !Accepted
// continues to the next one (spec.md §4.5).
type PermutationResult struct {
	Accepted bool
}

// PermuteHops enumerates all (h-1)! orderings of hops[1:] with hops[0]
// fixed, via Heap's algorithm, invoking visit(candidate) after each
// full permutation is assembled (candidate[0] == hops[0] always). It stops
// and returns the accepted candidate the first time visit returns
// Accepted=true; if none do, ok is false. For h ∈ {1, 2} there is a single
// trivial permutation (spec.md §4.5).
func PermuteHops(hops []Hop, visit func(candidate []Hop) PermutationResult) (result []Hop, ok bool) {
	if len(hops) <= 2 {
		cp := append([]Hop(nil), hops...)
		if r := visit(cp); r.Accepted {
			return cp, true
		}
		return nil, false
	}

	fixed := hops[0]
	rest := append([]Hop(nil), hops[1:]...)
	n := len(rest)
	c := make([]int, n)

	assemble := func() []Hop {
		out := make([]Hop, 0, len(hops))
		out = append(out, fixed)
		out = append(out, rest...)
		return out
	}

	if r := visit(assemble()); r.Accepted {
		return assemble(), true
	}

	i := 0
	for i < n {
		if c[i] < i {
			if i%2 == 0 {
				rest[0], rest[i] = rest[i], rest[0]
			} else {
				rest[c[i]], rest[i] = rest[i], rest[c[i]]
			}
			if r := visit(assemble()); r.Accepted {
				return assemble(), true
			}
			c[i]++
			i = 0
		} else {
			c[i] = 0
			i++
		}
	}
	return nil, false
}

// RemotePrivateRouteInfo tracks a cached PrivateRoute's liveness (spec.md
// §4.5).
type RemotePrivateRouteInfo struct {
	Route                  PrivateRoute
	LastSeenOurNodeInfoTS  uint64
	LastTouchedTS          mclock.AbsTime
	Stats                  routeStats
}

type routeStats struct {
	bytesSent uint64
	bytesRecv uint64
}

// Expired reports whether this cached route should be evicted (spec.md
// §4.5: "cur_ts − last_touched_ts ≥ REMOTE_PRIVATE_ROUTE_CACHE_EXPIRY").
func (r *RemotePrivateRouteInfo) Expired(now mclock.AbsTime, expiry int64) bool {
	return int64(now.Sub(r.LastTouchedTS)) >= expiry
}

// Touch refreshes liveness.
func (r *RemotePrivateRouteInfo) Touch(now mclock.AbsTime) { r.LastTouchedTS = now }

// Unexpire resets stats and seen-our-node-info to zero (spec.md §4.5).
func (r *RemotePrivateRouteInfo) Unexpire(now mclock.AbsTime) {
	r.LastSeenOurNodeInfoTS = 0
	r.Stats = routeStats{}
	r.LastTouchedTS = now
}

var errNoEligibleRoute = errors.New("routespec: no cached private route with a VALID_CRYPTO_KINDS public key")

// Store is the Route Spec Store: safety routes it has compiled and remote
// private routes it has cached, all mutations serialized behind mu (spec.md
// §5: record-store-style single writer, generalized to this store's own
// state rather than the DHT record stores).
type Store struct {
	clock mclock.Clock

	mu            sync.Mutex
	safetyRoutes  map[crypto.Key]*SafetyRoute
	remoteRoutes  map[crypto.Key]*RemotePrivateRouteInfo
}

// New returns an empty Store.
func New(clock mclock.Clock) *Store {
	return &Store{
		clock:        clock,
		safetyRoutes: make(map[crypto.Key]*SafetyRoute),
		remoteRoutes: make(map[crypto.Key]*RemotePrivateRouteInfo),
	}
}

// CompileSafetyRoute builds a SafetyRoute over hops (hops[0] is the start
// hop) by wrapping payload in h layers of AEAD under sys, innermost first,
// so that hop i can decrypt only its own layer to reveal the opaque blob
// for i+1 (spec.md §4.5); no next-hop address is placed inside a layer.
// ephemeral is the freshly generated
// keypair whose public half becomes the route's public key.
func CompileSafetyRoute(sys crypto.System, ephemeral crypto.KeyPair, hops []Hop, payload []byte) (*SafetyRoute, error) {
	if len(hops) == 0 {
		return nil, errors.New("routespec: safety route requires at least one hop")
	}
	blobs := make([][]byte, len(hops))
	inner := payload
	for i := len(hops) - 1; i >= 0; i-- {
		shared, err := sys.DH(hops[i].Key, ephemeral.Secret)
		if err != nil {
			return nil, err
		}
		nonce, err := sys.RandomNonce()
		if err != nil {
			return nil, err
		}
		sealed, err := sys.AEADEncrypt(shared, nonce, []byte(hops[i].IP), inner)
		if err != nil {
			return nil, err
		}
		blob := append(append([]byte(nil), nonce[:]...), sealed...)
		blobs[i] = blob
		inner = blob
	}
	return &SafetyRoute{PublicKey: ephemeral.Public, Hops: hops, Blobs: blobs}, nil
}

// AddSafetyRoute stores a compiled route under its public key.
func (s *Store) AddSafetyRoute(r *SafetyRoute) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.safetyRoutes[r.PublicKey] = r
}

// CacheRemotePrivateRoute records or refreshes pr as touched now.
func (s *Store) CacheRemotePrivateRoute(pr PrivateRoute) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	info, ok := s.remoteRoutes[pr.PublicKey]
	if !ok {
		info = &RemotePrivateRouteInfo{Route: pr}
		s.remoteRoutes[pr.PublicKey] = info
	}
	info.Touch(now)
}

// ExpireStaleRoutes drops every cached remote private route whose
// last-touched timestamp is at least expiry old (spec.md §4.5 rolling
// cadence task, run alongside routing-table stat rolling).
func (s *Store) ExpireStaleRoutes(expiry int64) (evicted int) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, info := range s.remoteRoutes {
		if info.Expired(now, expiry) {
			delete(s.remoteRoutes, k)
			evicted++
		}
	}
	return evicted
}

// BestPrivateRoute picks the cached route with the numerically least
// public key whose kind is in validKinds — a deterministic tie-break
// (spec.md §4.5).
func (s *Store) BestPrivateRoute(validKinds []crypto.CryptoKind) (PrivateRoute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	valid := make(map[crypto.CryptoKind]bool, len(validKinds))
	for _, k := range validKinds {
		valid[k] = true
	}

	var candidates []PrivateRoute
	for _, info := range s.remoteRoutes {
		if valid[info.Route.Kind] {
			candidates = append(candidates, info.Route)
		}
	}
	if len(candidates) == 0 {
		return PrivateRoute{}, errNoEligibleRoute
	}
	sort.Slice(candidates, func(i, j int) bool {
		return crypto.Less(candidates[i].PublicKey, candidates[j].PublicKey)
	})
	return candidates[0], nil
}

// Len reports the number of cached remote private routes, for tests.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.remoteRoutes)
}
