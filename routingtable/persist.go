package routingtable

import (
	"encoding/binary"

	"github.com/veilid-core-go/veilid-core-go/network/transport"
)

// EncodeNodeInfo serializes ni as networkClass(1)‖minVersion(2 LE)‖
// maxVersion(2 LE)‖dialInfoCount(2 LE)‖dialInfos, matching storage.Schema's
// flat-byte-stream convention (spec.md §6 "routing_table": this node's own
// NodeInfo per RoutingDomain is the persisted half of the table — bucket
// entries for remote peers are rediscovered via bootstrap/gossip and are not
// persisted).
func EncodeNodeInfo(ni *NodeInfo) []byte {
	buf := make([]byte, 5, 64)
	buf[0] = byte(ni.NetworkClass)
	binary.LittleEndian.PutUint16(buf[1:3], ni.MinVersion)
	binary.LittleEndian.PutUint16(buf[3:5], ni.MaxVersion)
	var count [2]byte
	binary.LittleEndian.PutUint16(count[:], uint16(len(ni.DialInfos)))
	buf = append(buf, count[:]...)
	for _, d := range ni.DialInfos {
		buf = append(buf, byte(d.DialInfo.Protocol), byte(d.Class))
		var addrLen [2]byte
		binary.LittleEndian.PutUint16(addrLen[:], uint16(len(d.DialInfo.Address)))
		buf = append(buf, addrLen[:]...)
		buf = append(buf, d.DialInfo.Address...)
		var pathLen [2]byte
		binary.LittleEndian.PutUint16(pathLen[:], uint16(len(d.DialInfo.Path)))
		buf = append(buf, pathLen[:]...)
		buf = append(buf, d.DialInfo.Path...)
	}
	return buf
}

// DecodeNodeInfo reverses EncodeNodeInfo. ok is false if b is too short or
// truncated mid-entry.
func DecodeNodeInfo(b []byte) (*NodeInfo, bool) {
	if len(b) < 7 {
		return nil, false
	}
	ni := &NodeInfo{
		NetworkClass: NetworkClass(b[0]),
		MinVersion:   binary.LittleEndian.Uint16(b[1:3]),
		MaxVersion:   binary.LittleEndian.Uint16(b[3:5]),
	}
	count := binary.LittleEndian.Uint16(b[5:7])
	rest := b[7:]
	for i := uint16(0); i < count; i++ {
		if len(rest) < 4 {
			return nil, false
		}
		proto := transport.Protocol(rest[0])
		class := DialInfoClass(rest[1])
		addrLen := int(binary.LittleEndian.Uint16(rest[2:4]))
		rest = rest[4:]
		if len(rest) < addrLen+2 {
			return nil, false
		}
		addr := string(rest[:addrLen])
		rest = rest[addrLen:]
		pathLen := int(binary.LittleEndian.Uint16(rest[0:2]))
		rest = rest[2:]
		if len(rest) < pathLen {
			return nil, false
		}
		path := string(rest[:pathLen])
		rest = rest[pathLen:]
		ni.DialInfos = append(ni.DialInfos, DialInfoDetail{
			DialInfo: transport.DialInfo{Protocol: proto, Address: addr, Path: path},
			Class:    class,
		})
	}
	return ni, true
}

// LoadNodeInfo seeds domain's committed NodeInfo directly from persisted
// state (spec.md §6 "routing_table"), without publishing — at Startup there
// are no peers yet to notify, so bypassing Commit's change-detection and
// Publish is correct rather than a shortcut around it.
func (t *RoutingTable) LoadNodeInfo(domain RoutingDomain, ni *NodeInfo) {
	t.domainMu.Lock()
	defer t.domainMu.Unlock()
	t.domainInfo[domain] = ni
}
