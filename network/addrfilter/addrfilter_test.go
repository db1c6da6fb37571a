package addrfilter

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veilid-core-go/veilid-core-go/internal/mclock"
	"github.com/veilid-core-go/veilid-core-go/proto"
)

func TestPunishAndExpire(t *testing.T) {
	clock := mclock.NewSimulated(0)
	f := New(clock)
	ip := net.ParseIP("203.0.113.5")

	_, punished := f.IsPunished(ip)
	require.False(t, punished)

	f.Punish(ip, proto.PunishmentFailedToDecodeEnvelope)
	reason, punished := f.IsPunished(ip)
	require.True(t, punished)
	require.Equal(t, proto.PunishmentFailedToDecodeEnvelope, reason)

	clock.Run(DefaultIPPunishmentDuration + time.Second)
	_, punished = f.IsPunished(ip)
	require.False(t, punished)
}

func TestAgeOutEvictsExpiredOnly(t *testing.T) {
	clock := mclock.NewSimulated(0)
	f := New(clock)
	a := net.ParseIP("203.0.113.5")
	b := net.ParseIP("203.0.113.6")

	f.Punish(a, proto.PunishmentInvalidOperation)
	clock.Run(DefaultNodePunishmentDuration + time.Second)
	f.Punish(b, proto.PunishmentInvalidOperation)

	evicted := f.AgeOut()
	require.Equal(t, 1, evicted)
	require.Equal(t, 1, f.Len())
}

func TestPunishEscalatesExponentiallyWithCeiling(t *testing.T) {
	clock := mclock.NewSimulated(0)
	f := New(clock)
	ip := net.ParseIP("203.0.113.9")

	f.Punish(ip, proto.PunishmentFailedToDecodeEnvelope)
	require.Equal(t, 1, f.PunishCount(ip))
	clock.Run(DefaultIPPunishmentDuration - time.Second)
	_, punished := f.IsPunished(ip)
	require.True(t, punished, "first punishment window still active")

	// Re-punishing while still active starts a fresh window at 2x the base
	// duration, measured from the moment of the second punishment.
	f.Punish(ip, proto.PunishmentFailedToDecodeEnvelope)
	require.Equal(t, 2, f.PunishCount(ip))
	clock.Run(2*DefaultIPPunishmentDuration - time.Second)
	_, punished = f.IsPunished(ip)
	require.True(t, punished, "second punishment should back off 2x the base duration")
	clock.Run(2 * time.Second)
	_, punished = f.IsPunished(ip)
	require.False(t, punished)

	// Many repeated punishments saturate at the ceiling rather than
	// growing without bound.
	for i := 0; i < 40; i++ {
		f.Punish(ip, proto.PunishmentFailedToDecodeEnvelope)
	}
	require.Equal(t, backoffDuration(DefaultIPPunishmentDuration, 41), MaxPunishmentDuration)
}

func TestInboundRateLimit(t *testing.T) {
	clock := mclock.NewSimulated(0)
	f := New(clock)
	ip := net.ParseIP("198.51.100.1")

	allowed := 0
	for i := 0; i < InboundBurst+5; i++ {
		if f.AllowInbound(ip) {
			allowed++
		}
	}
	require.LessOrEqual(t, allowed, InboundBurst+1)
	require.GreaterOrEqual(t, allowed, InboundBurst)
}
