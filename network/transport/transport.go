// Package transport implements DialInfo-keyed dialers for the four
// protocols spec.md §3 names (UDP/TCP/WS/WSS), grounded on the teacher's
// SetupConn/setupConn dial path in network/p2p/server.go and, for the
// websocket variants, on github.com/gorilla/websocket — the real
// dependency this corpus reaches for whenever a repo needs a websocket
// transport (see DESIGN.md).
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/veilid-core-go/veilid-core-go/network/conntable"
)

// Protocol mirrors conntable.Protocol for DialInfo purposes.
type Protocol = conntable.Protocol

const (
	UDP = conntable.ProtocolUDP
	TCP = conntable.ProtocolTCP
	WS  = conntable.ProtocolWS
	WSS = conntable.ProtocolWSS
)

// DialInfo is how to reach a peer: protocol plus address, and for WS/WSS a
// request path no longer than MaxRequestPathLength bytes (spec.md §3).
type DialInfo struct {
	Protocol Protocol
	Address  string // host:port
	Path     string // WS/WSS only
}

// MaxRequestPathLength bounds DialInfo.Path for WS/WSS (spec.md §3: "WS/WSS
// carry a request path ≤ ~64 B").
const MaxRequestPathLength = 64

func (d DialInfo) url(scheme string) string {
	u := url.URL{Scheme: scheme, Host: d.Address, Path: d.Path}
	return u.String()
}

// DefaultDialTimeout matches the teacher's defaultDialTimeout
// (network/p2p/server.go).
const DefaultDialTimeout = 15 * time.Second

// Dial opens a connection described by di, returning a net.Conn usable with
// conntable.Table.Add. ctx bounds the dial attempt.
func Dial(ctx context.Context, di DialInfo) (net.Conn, error) {
	if len(di.Path) > MaxRequestPathLength {
		return nil, fmt.Errorf("transport: request path of %d bytes exceeds MaxRequestPathLength", len(di.Path))
	}
	switch di.Protocol {
	case UDP:
		var d net.Dialer
		return d.DialContext(ctx, "udp", di.Address)
	case TCP:
		d := net.Dialer{Timeout: DefaultDialTimeout}
		return d.DialContext(ctx, "tcp", di.Address)
	case WS:
		return dialWebsocket(ctx, di.url("ws"), nil)
	case WSS:
		return dialWebsocket(ctx, di.url("wss"), &tls.Config{MinVersion: tls.VersionTLS12})
	default:
		return nil, fmt.Errorf("transport: unknown protocol %v", di.Protocol)
	}
}

func dialWebsocket(ctx context.Context, rawURL string, tlsConfig *tls.Config) (net.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: DefaultDialTimeout,
		TLSClientConfig:  tlsConfig,
	}
	conn, _, err := dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: websocket dial %s: %w", rawURL, err)
	}
	return websocket.NetConn(ctx, conn, websocket.BinaryMessage), nil
}

// Listener accepts inbound connections for one DialInfo's protocol. TCP
// listens directly; WS/WSS run an http.Server over the same net.Listener
// whose handler upgrades each request via gorilla/websocket and hands the
// resulting connection to Accept through acceptCh, matching the standard
// gorilla/websocket server pattern (one handler per upgrade, no direct
// net.Conn-level framing).
type Listener struct {
	protocol Protocol
	ln       net.Listener
	srv      *http.Server
	acceptCh chan acceptResult
}

type acceptResult struct {
	conn net.Conn
	err  error
}

// Listen starts a listener for protocol on addr. For WS/WSS, path is the
// only request path the upgrade handler accepts.
func Listen(protocol Protocol, addr, path string) (*Listener, error) {
	switch protocol {
	case UDP:
		return nil, fmt.Errorf("transport: UDP has no connection-oriented listener")
	case TCP:
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, err
		}
		return &Listener{protocol: protocol, ln: ln}, nil
	case WS, WSS:
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, err
		}
		l := &Listener{protocol: protocol, ln: ln, acceptCh: make(chan acceptResult, 16)}
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		mux := http.NewServeMux()
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			wsConn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				l.acceptCh <- acceptResult{err: fmt.Errorf("transport: websocket upgrade: %w", err)}
				return
			}
			l.acceptCh <- acceptResult{conn: websocket.NetConn(r.Context(), wsConn, websocket.BinaryMessage)}
		})
		l.srv = &http.Server{Handler: mux}
		go l.srv.Serve(ln)
		return l, nil
	default:
		return nil, fmt.Errorf("transport: unknown protocol %v", protocol)
	}
}

func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

func (l *Listener) Close() error {
	if l.srv != nil {
		return l.srv.Close()
	}
	return l.ln.Close()
}

// Accept returns the next inbound connection, performing the websocket
// upgrade transparently for WS/WSS listeners.
func (l *Listener) Accept() (net.Conn, error) {
	if l.acceptCh == nil {
		return l.ln.Accept()
	}
	res := <-l.acceptCh
	return res.conn, res.err
}
