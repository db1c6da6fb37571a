package routingtable

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veilid-core-go/veilid-core-go/crypto"
	"github.com/veilid-core-go/veilid-core-go/internal/mclock"
	"github.com/veilid-core-go/veilid-core-go/network/transport"
)

func newTestTable(t *testing.T) (*RoutingTable, *mclock.Simulated) {
	t.Helper()
	_, sys := testSystem(t)
	clock := mclock.NewSimulated(0)
	selfKp, err := sys.GenerateKeyPair()
	require.NoError(t, err)
	rt := New(clock, map[crypto.CryptoKind]crypto.Key{crypto.VLD0: selfKp.Public})
	return rt, clock
}

func TestNotePublicAddressConsistentObservationKeepsOtherInconsistency(t *testing.T) {
	rt, clock := newTestTable(t)

	rt.EditRoutingDomain(PublicInternet).
		AddDialInfoDetail(DialInfoDetail{DialInfo: transport.DialInfo{Protocol: transport.TCP, Address: "203.0.113.1:5150"}}).
		Commit(false)

	rt.NotePublicAddress("203.0.113.9:5150", clock.Now())
	require.Equal(t, 1, rt.PendingPublicAddressInconsistencies())

	rt.NotePublicAddress("203.0.113.1:5150", clock.Now())
	require.Equal(t, 1, rt.PendingPublicAddressInconsistencies(), "the mismatched address is still tracked")

	rt.NotePublicAddress("203.0.113.9:5150", clock.Now())
	require.Equal(t, 1, rt.PendingPublicAddressInconsistencies())
}

func TestRetireExpiredPublicAddressChecks(t *testing.T) {
	rt, clock := newTestTable(t)

	rt.EditRoutingDomain(PublicInternet).
		AddDialInfoDetail(DialInfoDetail{DialInfo: transport.DialInfo{Protocol: transport.TCP, Address: "203.0.113.1:5150"}}).
		Commit(false)

	rt.NotePublicAddress("198.51.100.5:5150", clock.Now())
	require.Equal(t, 1, rt.PendingPublicAddressInconsistencies())

	clock.Run(PublicAddressExpiry - time.Second)
	require.Equal(t, 0, rt.RetireExpiredPublicAddressChecks(clock.Now()), "not yet expired")

	// Re-observing refreshes last-seen so it survives another partial wait.
	rt.NotePublicAddress("198.51.100.5:5150", clock.Now())
	clock.Run(PublicAddressExpiry - time.Second)
	require.Equal(t, 0, rt.RetireExpiredPublicAddressChecks(clock.Now()))

	clock.Run(2 * time.Second)
	require.Equal(t, 1, rt.RetireExpiredPublicAddressChecks(clock.Now()))
	require.Equal(t, 0, rt.PendingPublicAddressInconsistencies())
}
