package routingtable

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/veilid-core-go/veilid-core-go/network/transport"
)

func TestEncodeDecodeNodeInfoRoundTrips(t *testing.T) {
	ni := &NodeInfo{
		NetworkClass: NetworkClassMapped,
		MinVersion:   1,
		MaxVersion:   3,
		DialInfos: []DialInfoDetail{
			{DialInfo: transport.DialInfo{Protocol: transport.TCP, Address: "203.0.113.1:5150"}, Class: DialInfoClassDirect},
			{DialInfo: transport.DialInfo{Protocol: transport.WSS, Address: "203.0.113.1:443", Path: "/ws"}, Class: DialInfoClassFullConeNAT},
		},
	}

	decoded, ok := DecodeNodeInfo(EncodeNodeInfo(ni))
	require.True(t, ok)
	require.Equal(t, ni, decoded)
}

func TestDecodeNodeInfoRejectsTruncatedInput(t *testing.T) {
	_, ok := DecodeNodeInfo([]byte{1, 2, 3})
	require.False(t, ok)

	ni := &NodeInfo{DialInfos: []DialInfoDetail{{DialInfo: transport.DialInfo{Protocol: transport.TCP, Address: "203.0.113.1:5150"}}}}
	b := EncodeNodeInfo(ni)
	_, ok = DecodeNodeInfo(b[:len(b)-1])
	require.False(t, ok)
}

func TestLoadNodeInfoSeedsDomainWithoutPublishing(t *testing.T) {
	rt, _ := newTestTable(t)
	ni := &NodeInfo{NetworkClass: NetworkClassServer, DialInfos: []DialInfoDetail{
		{DialInfo: transport.DialInfo{Protocol: transport.TCP, Address: "203.0.113.1:5150"}},
	}}

	rt.LoadNodeInfo(PublicInternet, ni)
	require.Equal(t, ni, rt.CurrentNodeInfo(PublicInternet))
}
