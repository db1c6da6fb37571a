package manager

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veilid-core-go/veilid-core-go/internal/mclock"
	"github.com/veilid-core-go/veilid-core-go/network/addrfilter"
)

func TestRollingTransfersEvictsInactiveAddresses(t *testing.T) {
	clock := mclock.NewSimulated(0)
	filter := addrfilter.New(clock)
	m := New(clock, filter, nil)

	ip := net.ParseIP("203.0.113.9")
	m.RecordTransfer(ip, 100, 200)
	require.Len(t, m.byIP, 1)

	clock.Run(IPAddrMaxInactiveDuration + time.Second)
	m.rollingTransfers(nil)
	require.Len(t, m.byIP, 0)
}

func TestAddressFilterTaskAgesOut(t *testing.T) {
	clock := mclock.NewSimulated(0)
	filter := addrfilter.New(clock)
	m := New(clock, filter, nil)

	filter.Punish(net.ParseIP("203.0.113.9"), 0)
	clock.Run(addrfilter.DefaultNodePunishmentDuration + time.Second)
	m.addressFilterTask(nil)
	require.Equal(t, 0, filter.Len())
}

func TestPublicAddressCheckTaskCallsHookAndReportsRetirement(t *testing.T) {
	clock := mclock.NewSimulated(0)
	filter := addrfilter.New(clock)
	m := New(clock, filter, nil)

	retiredCalls := 0
	task := m.publicAddressCheckTask(Hooks{
		RetirePublicAddressChecks: func(mclock.AbsTime) int { return 2 },
		OnPublicAddressRetired:    func(retired int) { retiredCalls = retired },
	})
	task(context.Background())
	require.Equal(t, 2, retiredCalls)
}

func TestPublicAddressCheckTaskNoopsWithoutHook(t *testing.T) {
	clock := mclock.NewSimulated(0)
	filter := addrfilter.New(clock)
	m := New(clock, filter, nil)

	task := m.publicAddressCheckTask(Hooks{})
	require.NotPanics(t, func() { task(context.Background()) })
}

func TestStartStopRunsTasksAndDrains(t *testing.T) {
	clock := mclock.NewSimulated(0)
	filter := addrfilter.New(clock)
	m := New(clock, filter, nil)

	interfaceChanges := 0
	err := m.Start(Hooks{
		OnInterfacesChanged: func(NetworkInterfaceSnapshot) { interfaceChanges++ },
	})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	m.Stop()

	_, err = m.lock.Enter()
	require.Error(t, err)
}
