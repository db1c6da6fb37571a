package veilidapi

import (
	"net"
	"strconv"
	"strings"
)

// BootstrapPeer is a resolved seed address from a static bootstrap list
// (SPEC_FULL.md §4 supplemented feature, grounded on
// veilid-core/src/routing_table/bootstrap.rs and the teacher's
// Config.BootstrapNodes []*enode.Node convention).
type BootstrapPeer struct {
	Host string
	Port int
}

// LoadBootstrap resolves a static "host:port" list into BootstrapPeer
// values, skipping and logging any entry that fails to parse rather than
// failing the whole load — one bad line in an operator-supplied list
// shouldn't prevent bootstrapping from the rest.
func (api *API) LoadBootstrap(hosts []string) []BootstrapPeer {
	out := make([]BootstrapPeer, 0, len(hosts))
	for _, hp := range hosts {
		host, portStr, err := net.SplitHostPort(hp)
		if err != nil {
			api.log.WithField("entry", hp).WithError(err).Warn("bootstrap: skipping unparseable entry")
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			api.log.WithField("entry", hp).Warn("bootstrap: skipping invalid port")
			continue
		}
		out = append(out, BootstrapPeer{Host: host, Port: port})
	}
	return out
}

// String renders host:port.
func (b BootstrapPeer) String() string {
	return strings.Join([]string{b.Host, strconv.Itoa(b.Port)}, ":")
}
