// Package manager implements the Network Manager's periodic housekeeping
// tasks (spec.md §4.3) on a cooperative scheduler, grounded on the
// teacher's srv.run select loop (network/p2p/server.go) generalized from a
// single dial-scheduling loop into N periodic tasks, each on its own ticker
// and goroutine, all sharing one stop token (a context cancelled by Stop)
// (spec.md §5: "Every periodic task is parameterized by a stop token").
package manager

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/veilid-core-go/veilid-core-go/internal/mclock"
	"github.com/veilid-core-go/veilid-core-go/internal/startuplock"
	"github.com/veilid-core-go/veilid-core-go/network/addrfilter"
)

// IPAddrMaxInactiveDuration bounds how long a per-address rolling-transfer
// stat survives without traffic before being evicted (spec.md §4.3 item 1).
const IPAddrMaxInactiveDuration = 5 * time.Minute

// addrStats is the rolling byte-count window for one address (or self).
type addrStats struct {
	bytesSent     uint64
	bytesRecv     uint64
	lastActivity  mclock.AbsTime
}

// Task is one periodic housekeeping job. Name is used for logging;
// Interval is how often it runs; Run receives the manager's shared context,
// which is cancelled when the manager stops.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context)
}

// Manager runs the fixed set of periodic tasks spec.md §4.3 names, all
// stopped together by Stop, against a shared clock and address filter.
type Manager struct {
	clock  mclock.Clock
	filter *addrfilter.Filter
	log    *logrus.Entry
	lock   startuplock.StartupLock

	mu    sync.Mutex
	self  addrStats
	byIP  map[string]*addrStats

	networkNeedsRestart bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a Manager whose address_filter task ages out filter.
func New(clock mclock.Clock, filter *addrfilter.Filter, log *logrus.Logger) *Manager {
	if log == nil {
		log = logrus.New()
	}
	return &Manager{
		clock:  clock,
		filter: filter,
		log:    log.WithField("component", "network_manager"),
		byIP:   make(map[string]*addrStats),
	}
}

// RecordTransfer folds bytesSent/bytesRecv into the rolling window for ip
// and into the node-wide self window, which is kept apart from the per-IP
// map.
func (m *Manager) RecordTransfer(ip net.IP, sent, recv uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	m.self.bytesSent += sent
	m.self.bytesRecv += recv
	m.self.lastActivity = now

	key := ip.String()
	s, ok := m.byIP[key]
	if !ok {
		s = &addrStats{}
		m.byIP[key] = s
	}
	s.bytesSent += sent
	s.bytesRecv += recv
	s.lastActivity = now
}

// rollingTransfers is task 1 (spec.md §4.3): evict per-address stats
// untouched for IPAddrMaxInactiveDuration.
func (m *Manager) rollingTransfers(ctx context.Context) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, s := range m.byIP {
		if now.Sub(s.lastActivity) >= IPAddrMaxInactiveDuration {
			delete(m.byIP, k)
		}
	}
}

// addressFilterTask is task 2: age out expired punishments.
func (m *Manager) addressFilterTask(ctx context.Context) {
	evicted := m.filter.AgeOut()
	if evicted > 0 {
		m.log.WithField("evicted", evicted).Debug("address filter aged out entries")
	}
}

// publicAddressCheckTask is task 3 (spec.md §4.3 item 3): retire
// public-address inconsistencies past their expiry via
// hooks.RetirePublicAddressChecks — fed by
// routingtable.RoutingTable.RetireExpiredPublicAddressChecks, the table the
// RoutingDomainEditor's committed NodeInfo is checked against — and notify
// hooks.OnPublicAddressRetired when at least one was retired.
func (m *Manager) publicAddressCheckTask(hooks Hooks) func(ctx context.Context) {
	return func(ctx context.Context) {
		if hooks.RetirePublicAddressChecks == nil {
			return
		}
		retired := hooks.RetirePublicAddressChecks(m.clock.Now())
		if retired > 0 {
			m.log.WithField("retired", retired).Info("public_address_check: retired stale inconsistencies")
			if hooks.OnPublicAddressRetired != nil {
				hooks.OnPublicAddressRetired(retired)
			}
		}
	}
}

// NetworkInterfaceSnapshot is task 4's comparison unit: the set of local
// addresses observed on the last sweep.
type NetworkInterfaceSnapshot struct {
	Addresses []net.IP
}

func snapshotInterfaces() (NetworkInterfaceSnapshot, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return NetworkInterfaceSnapshot{}, err
	}
	var snap NetworkInterfaceSnapshot
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok {
			snap.Addresses = append(snap.Addresses, ipn.IP)
		}
	}
	return snap, nil
}

func sameAddressSet(a, b NetworkInterfaceSnapshot) bool {
	if len(a.Addresses) != len(b.Addresses) {
		return false
	}
	seen := make(map[string]bool, len(a.Addresses))
	for _, ip := range a.Addresses {
		seen[ip.String()] = true
	}
	for _, ip := range b.Addresses {
		if !seen[ip.String()] {
			return false
		}
	}
	return true
}

// Hooks lets the caller wire task 3's public-address-consistency
// retirement, task 4's rewrite-dial-info callback, and task 5's
// port-mapping refresh callback without the manager depending on
// routingtable/upnp packages directly.
type Hooks struct {
	// RetirePublicAddressChecks is task 3 (spec.md §4.3 item 3): it should
	// retire any public-address inconsistency older than its expiry
	// (routingtable.RoutingTable.RetireExpiredPublicAddressChecks is the
	// grounding implementation) and return how many were retired.
	RetirePublicAddressChecks func(now mclock.AbsTime) int
	// OnPublicAddressRetired fires when task 3 retires at least one
	// inconsistency, signalling that a public dial-info re-check should be
	// scheduled.
	OnPublicAddressRetired func(retired int)

	OnInterfacesChanged   func(snap NetworkInterfaceSnapshot)
	RefreshPortMappings   func(ctx context.Context) error
	CollectLocalSockaddrs func() []net.IP
}

// Start launches the fixed periodic task set, each on its own ticker and
// goroutine, all sharing one context that Stop cancels, gated by
// StartupLock.
func (m *Manager) Start(hooks Hooks) error {
	guard, err := m.lock.Enter()
	if err != nil {
		return err
	}
	defer guard.Done()

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	var lastSnap NetworkInterfaceSnapshot

	tasks := []Task{
		{Name: "rolling_transfers", Interval: 10 * time.Second, Run: m.rollingTransfers},
		{Name: "address_filter", Interval: 30 * time.Second, Run: m.addressFilterTask},
		{Name: "public_address_check", Interval: 30 * time.Second, Run: m.publicAddressCheckTask(hooks)},
		{Name: "network_interfaces", Interval: time.Minute, Run: func(ctx context.Context) {
			snap, err := snapshotInterfaces()
			if err != nil {
				m.log.WithError(err).Warn("network_interfaces: enumerate failed")
				return
			}
			if !sameAddressSet(lastSnap, snap) {
				lastSnap = snap
				if hooks.OnInterfacesChanged != nil {
					hooks.OnInterfacesChanged(snap)
				}
			}
		}},
		{Name: "upnp_natpmp", Interval: 2 * time.Minute, Run: func(ctx context.Context) {
			if hooks.RefreshPortMappings == nil {
				return
			}
			if err := hooks.RefreshPortMappings(ctx); err != nil {
				m.log.WithError(err).Warn("upnp/natpmp refresh failed, marking network_needs_restart")
				m.mu.Lock()
				m.networkNeedsRestart = true
				m.mu.Unlock()
			}
		}},
		{Name: "local_network_address_check", Interval: 5 * time.Minute, Run: func(ctx context.Context) {
			if hooks.CollectLocalSockaddrs != nil {
				hooks.CollectLocalSockaddrs()
			}
		}},
	}

	for _, t := range tasks {
		m.wg.Add(1)
		go m.runPeriodic(ctx, t)
	}
	return nil
}

func (m *Manager) runPeriodic(ctx context.Context, t Task) {
	defer m.wg.Done()
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						m.log.WithField("task", t.Name).WithField("panic", r).Error("periodic task panicked")
					}
				}()
				t.Run(ctx)
			}()
		}
	}
}

// NetworkNeedsRestart reports whether a upnp/natpmp failure requires the
// transport layer to be torn down and rebuilt.
func (m *Manager) NetworkNeedsRestart() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.networkNeedsRestart
}

// Stop trips every task's stop token and waits for them to return, then
// shuts the StartupLock so subsequent Start calls fail until Reset.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.lock.Shutdown()
}
