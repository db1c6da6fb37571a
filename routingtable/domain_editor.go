package routingtable

import (
	"github.com/veilid-core-go/veilid-core-go/network/transport"
)

// NetworkClass is the coarse reachability classification published in
// NodeInfo (spec.md §3).
type NetworkClass int

const (
	NetworkClassInvalid NetworkClass = iota
	NetworkClassServer               // directly reachable, no NAT
	NetworkClassMapped                // NAT with a stable port mapping (UPnP/NAT-PMP)
	NetworkClassOutboundOnly
)

// MaxDialInfoDetails bounds the DialInfoDetail list per NodeInfo (spec.md
// §3: "≤ 16 dial-info details per node").
const MaxDialInfoDetails = 16

// DialInfoClass controls whether a signal/relay is needed to reach a peer
// (spec.md §3/GLOSSARY).
type DialInfoClass int

const (
	DialInfoClassDirect DialInfoClass = iota
	DialInfoClassMapped
	DialInfoClassFullConeNAT
	DialInfoClassBlocked
	DialInfoClassAddressRestrictedNAT
	DialInfoClassPortRestrictedNAT
)

// DialInfoDetail pairs a DialInfo with the reachability class it was
// observed under.
type DialInfoDetail struct {
	DialInfo transport.DialInfo
	Class    DialInfoClass
}

// NodeInfo is this node's own advertised reachability record for one
// routing domain (spec.md §3).
type NodeInfo struct {
	NetworkClass NetworkClass
	DialInfos    []DialInfoDetail
	MinVersion   uint16
	MaxVersion   uint16
}

// RoutingDomainEditor batches edits to one routing domain's NodeInfo,
// applied atomically by Commit (spec.md §4.4: "edit_*_routing_domain():
// batch changes... commit(publish_if_changed) returns whether anything
// changed").
type RoutingDomainEditor struct {
	table  *RoutingTable
	domain RoutingDomain

	networkClass NetworkClass
	dialInfos    []DialInfoDetail
	cleared      bool
}

// EditRoutingDomain starts a batch edit for domain.
func (t *RoutingTable) EditRoutingDomain(domain RoutingDomain) *RoutingDomainEditor {
	return &RoutingDomainEditor{table: t, domain: domain}
}

// ClearDialInfoDetails discards all previously set dial-info details in
// this batch before new ones are added.
func (e *RoutingDomainEditor) ClearDialInfoDetails() *RoutingDomainEditor {
	e.cleared = true
	e.dialInfos = nil
	return e
}

// AddDialInfoDetail appends one detail, subject to MaxDialInfoDetails.
func (e *RoutingDomainEditor) AddDialInfoDetail(d DialInfoDetail) *RoutingDomainEditor {
	if len(e.dialInfos) >= MaxDialInfoDetails {
		return e
	}
	e.dialInfos = append(e.dialInfos, d)
	return e
}

// SetNetworkClass sets the domain's reachability classification.
func (e *RoutingDomainEditor) SetNetworkClass(nc NetworkClass) *RoutingDomainEditor {
	e.networkClass = nc
	return e
}

// Commit applies the batch. It reports whether anything actually changed
// relative to the domain's previous NodeInfo; if publishIfChanged is true
// and something changed, Publish is called automatically.
func (e *RoutingDomainEditor) Commit(publishIfChanged bool) (changed bool) {
	e.table.domainMu.Lock()
	prev := e.table.domainInfo[e.domain]
	next := &NodeInfo{NetworkClass: e.networkClass, DialInfos: e.dialInfos}
	changed = prev == nil || !sameNodeInfo(prev, next)
	if changed {
		e.table.domainInfo[e.domain] = next
	}
	e.table.domainMu.Unlock()

	if changed && publishIfChanged {
		e.table.Publish(e.domain)
	}
	return changed
}

func sameNodeInfo(a, b *NodeInfo) bool {
	if a.NetworkClass != b.NetworkClass || len(a.DialInfos) != len(b.DialInfos) {
		return false
	}
	for i := range a.DialInfos {
		if a.DialInfos[i] != b.DialInfos[i] {
			return false
		}
	}
	return true
}

// CurrentNodeInfo returns domain's committed NodeInfo, or nil if never set.
func (t *RoutingTable) CurrentNodeInfo(domain RoutingDomain) *NodeInfo {
	t.domainMu.Lock()
	defer t.domainMu.Unlock()
	return t.domainInfo[domain]
}

// Publish marks every peer as not yet having seen the domain's current
// NodeInfo (BucketEntry.seenOurInfo), so the next outbound question
// carries a node_info_update statement (spec.md §4.4). It does not sign the
// NodeInfo and sends nothing; it only flips the bookkeeping flag the RPC
// layer consults.
func (t *RoutingTable) Publish(domain RoutingDomain) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, bs := range t.buckets {
		for _, b := range bs {
			for _, s := range b.entries {
				s.entry.mu.Lock()
				s.entry.seenOurInfo[domain] = false
				s.entry.mu.Unlock()
			}
		}
	}
}

// NeedsNodeInfoUpdate reports whether entry has not yet observed this
// node's latest published NodeInfo for domain.
func (e *BucketEntry) NeedsNodeInfoUpdate(domain RoutingDomain) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.seenOurInfo[domain]
}

// MarkSeenOurNodeInfo records that entry has acknowledged the latest
// NodeInfo for domain.
func (e *BucketEntry) MarkSeenOurNodeInfo(domain RoutingDomain) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seenOurInfo[domain] = true
}
