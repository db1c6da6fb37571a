package routingtable

import (
	"time"

	"github.com/veilid-core-go/veilid-core-go/internal/mclock"
)

// PublicAddressExpiry bounds how long a disagreement between an observed
// public address and this node's committed PublicInternet NodeInfo may
// persist before the network manager's public_address_check task retires
// it and schedules a dial-info re-check (spec.md §4.3 item 3: "retire
// public-address inconsistencies past their expiry").
const PublicAddressExpiry = 5 * time.Minute

// publicAddressInconsistency tracks one observed-address disagreement with
// the PublicInternet domain's currently committed NodeInfo.
type publicAddressInconsistency struct {
	firstSeen mclock.AbsTime
	lastSeen  mclock.AbsTime
}

// NotePublicAddress records an address this node was observed reachable at
// — typically a Status answer's SenderInfo (SPEC_FULL.md §4 SUPPLEMENT:
// "SenderInfo round-trip for NAT type inference") — for the PublicInternet
// domain. If it agrees with some dial-info address already committed to
// that domain, any prior inconsistency for it is cleared; otherwise an
// inconsistency entry starts (or its last-seen time refreshes) so the
// public_address_check task can retire it once it's been wrong for too
// long without being reconfirmed.
func (t *RoutingTable) NotePublicAddress(observed string, now mclock.AbsTime) {
	t.domainMu.Lock()
	defer t.domainMu.Unlock()

	if t.consistentWithCommittedLocked(observed) {
		delete(t.publicAddrInconsistencies, observed)
		return
	}
	if t.publicAddrInconsistencies == nil {
		t.publicAddrInconsistencies = make(map[string]*publicAddressInconsistency)
	}
	e, ok := t.publicAddrInconsistencies[observed]
	if !ok {
		e = &publicAddressInconsistency{firstSeen: now}
		t.publicAddrInconsistencies[observed] = e
	}
	e.lastSeen = now
}

func (t *RoutingTable) consistentWithCommittedLocked(observed string) bool {
	ni := t.domainInfo[PublicInternet]
	if ni == nil {
		return true // nothing committed yet, so nothing to disagree with
	}
	for _, d := range ni.DialInfos {
		if d.DialInfo.Address == observed {
			return true
		}
	}
	return false
}

// RetireExpiredPublicAddressChecks drops every inconsistency whose most
// recent observation is older than PublicAddressExpiry and reports how
// many were retired (spec.md §4.3 item 3). The caller (network/manager's
// public_address_check task) treats a non-zero count as a signal to
// schedule a public dial-info re-check.
func (t *RoutingTable) RetireExpiredPublicAddressChecks(now mclock.AbsTime) int {
	t.domainMu.Lock()
	defer t.domainMu.Unlock()
	retired := 0
	for k, e := range t.publicAddrInconsistencies {
		if now.Sub(e.lastSeen) >= PublicAddressExpiry {
			delete(t.publicAddrInconsistencies, k)
			retired++
		}
	}
	return retired
}

// PendingPublicAddressInconsistencies reports the number of currently
// tracked, unretired inconsistencies, for tests and metrics.
func (t *RoutingTable) PendingPublicAddressInconsistencies() int {
	t.domainMu.Lock()
	defer t.domainMu.Unlock()
	return len(t.publicAddrInconsistencies)
}
