// Package addrfilter implements the address punishment/back-off table used
// by the network manager's address_filter housekeeping task (spec.md
// §4.3). It is grounded on the teacher's trusted-peer map pattern in
// network/p2p/server.go's run loop (a plain mutex-guarded map, aged by a
// periodic sweep) and on golang.org/x/time/rate for the per-IP inbound
// connection rate limit mentioned alongside punishment in spec.md §4.3/§7.
package addrfilter

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/veilid-core-go/veilid-core-go/internal/mclock"
	"github.com/veilid-core-go/veilid-core-go/proto"
)

// Base punishment durations, escalating with IsIPLevel severity (spec.md
// §7: IP-level reasons inhibit all traffic from the source; node-level
// reasons only mark the bucket entry dead). Each successive punishment of
// the same address doubles its duration up to MaxPunishmentDuration
// (SPEC_FULL.md §4 SUPPLEMENT: "exponential back-off with a ceiling,
// mirroring veilid-core's address-filter 'max punishments' behavior" — see
// DESIGN.md for the Open Question resolution).
const (
	DefaultIPPunishmentDuration   = 5 * time.Minute
	DefaultNodePunishmentDuration = 30 * time.Second

	// MaxPunishmentDuration is the ceiling the exponential curve saturates
	// at, regardless of how many times an address has been punished.
	MaxPunishmentDuration = 24 * time.Hour

	// InboundRateLimit bounds new-connection attempts per source IP.
	InboundRateLimit rate.Limit = 2
	InboundBurst                = 8
)

// entry tracks one punished address's expiry, escalation count, and
// limiter.
type entry struct {
	reason      proto.PunishmentReason
	expiresAt   mclock.AbsTime
	punishCount int
	limiter     *rate.Limiter
}

// backoffDuration returns the duration for the punishCount'th (0-indexed)
// punishment of base severity base: base * 2^punishCount, capped at
// MaxPunishmentDuration. Doubling stops (rather than overflowing) as soon
// as it would exceed the ceiling, so an unbounded punishCount is safe.
func backoffDuration(base time.Duration, punishCount int) time.Duration {
	d := base
	for i := 0; i < punishCount; i++ {
		if d >= MaxPunishmentDuration/2 {
			return MaxPunishmentDuration
		}
		d *= 2
	}
	return d
}

// Filter is the address filter: a punishment table keyed by IP, consulted
// before dialing (spec.md §4.3: "If the filter marks the destination IP as
// punished, connect returns NoConnectionOther(\"punished\")") and by the
// listener before accepting.
type Filter struct {
	clock mclock.Clock

	mu      sync.Mutex
	entries map[string]*entry
}

// New returns an empty Filter driven by clock (pass a mclock.Simulated in
// tests to exercise expiry deterministically).
func New(clock mclock.Clock) *Filter {
	return &Filter{clock: clock, entries: make(map[string]*entry)}
}

func keyFor(ip net.IP) string { return ip.String() }

// Punish records reason against ip, starting (or extending) a back-off
// window. IP-level reasons get the longer base duration; each repeated
// punishment of an address still under an active back-off doubles the
// duration, saturating at MaxPunishmentDuration.
func (f *Filter) Punish(ip net.IP, reason proto.PunishmentReason) {
	base := DefaultNodePunishmentDuration
	if reason.IsIPLevel() {
		base = DefaultIPPunishmentDuration
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	k := keyFor(ip)
	e, ok := f.entries[k]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(InboundRateLimit, InboundBurst)}
		f.entries[k] = e
	} else if f.clock.Now() >= e.expiresAt {
		e.punishCount = 0 // previous window expired: start the curve over
	}
	e.reason = reason
	e.expiresAt = f.clock.Now().Add(backoffDuration(base, e.punishCount))
	e.punishCount++
}

// PunishCount reports how many times ip has been punished since its last
// full expiry, for tests and metrics.
func (f *Filter) PunishCount(ip net.IP) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[keyFor(ip)]
	if !ok {
		return 0
	}
	return e.punishCount
}

// IsPunished reports whether ip is currently under an unexpired punishment.
func (f *Filter) IsPunished(ip net.IP) (proto.PunishmentReason, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[keyFor(ip)]
	if !ok {
		return proto.PunishmentNone, false
	}
	if f.clock.Now() >= e.expiresAt {
		return proto.PunishmentNone, false
	}
	return e.reason, true
}

// AllowInbound applies the per-IP rate limit, independent of punishment
// status — a punished IP is also rate limited once its punishment expires
// so it cannot immediately flood again.
func (f *Filter) AllowInbound(ip net.IP) bool {
	f.mu.Lock()
	e, ok := f.entries[keyFor(ip)]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(InboundRateLimit, InboundBurst)}
		f.entries[keyFor(ip)] = e
	}
	f.mu.Unlock()
	return e.limiter.Allow()
}

// AgeOut is the address_filter periodic task (spec.md §4.3 item 2): drop
// every entry whose back-off window has expired, together with its
// rate-limiter state, to bound table growth. Entries created only by
// AllowInbound have no window and are dropped as well.
func (f *Filter) AgeOut() (evicted int) {
	now := f.clock.Now()
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, e := range f.entries {
		if now >= e.expiresAt {
			delete(f.entries, k)
			evicted++
		}
	}
	return evicted
}

// Len reports the number of tracked addresses, for tests and metrics.
func (f *Filter) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}
