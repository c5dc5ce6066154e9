package transport

import (
	"context"
	"crypto/tls"
	"net"
	"net/url"

	"braces.dev/errtrace"
	"github.com/gobwas/ws"
)

// wsSubprotocol is the token negotiated per RFC 7118.
const wsSubprotocol = "sip"

// newWSProtocol builds the framed text-over-stream channel of
// RFC 7118. Each WebSocket text frame carries exactly one SIP message.
func newWSProtocol(network string, opts protocolOptions, tlsConf *tls.Config) *streamProtocol {
	sp := &streamProtocol{
		protocolOptions: opts,
		network:         network,
		secured:         network == NetWSS,
		framed:          true,
		conns:           make(map[string]*streamConn),
	}

	dialer := ws.Dialer{Protocols: []string{wsSubprotocol}}
	if sp.secured {
		dialer.TLSConfig = tlsConf
	}

	scheme := "ws"
	if sp.secured {
		scheme = "wss"
	}

	sp.dial = func(addr string) (net.Conn, error) {
		u := url.URL{Scheme: scheme, Host: addr, Path: "/"}
		conn, _, _, err := dialer.Dial(context.Background(), u.String())
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		return conn, nil
	}

	sp.listen = func(addr string) (net.Listener, error) {
		if sp.secured {
			if tlsConf == nil {
				return nil, errtrace.Wrap(ErrNoTransport)
			}
			return errtrace.Wrap2(tls.Listen("tcp", addr, tlsConf))
		}
		return errtrace.Wrap2(net.Listen("tcp", addr))
	}

	upgrader := ws.Upgrader{
		Protocol: func(proto []byte) bool { return string(proto) == wsSubprotocol },
	}
	sp.upgrade = func(c net.Conn) (net.Conn, error) {
		if _, err := upgrader.Upgrade(c); err != nil {
			return nil, errtrace.Wrap(err)
		}
		return c, nil
	}

	return sp
}
