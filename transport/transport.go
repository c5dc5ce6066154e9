// Package transport implements the SIP transport layer: UDP, TCP, TLS
// and WebSocket channels, RFC 3263 destination resolution, and the
// dispatch of inbound messages to the layers above.
package transport

import (
	"strings"

	"github.com/softsip/softsip/internal/util"
	"github.com/softsip/softsip/sip"
)

// Network names of the supported channel kinds.
const (
	NetUDP = "udp"
	NetTCP = "tcp"
	NetTLS = "tls"
	NetWS  = "ws"
	NetWSS = "wss"
)

// Default ports per RFC 3261 and RFC 7118.
func DefaultPort(network string) uint16 {
	switch util.LCase(network) {
	case NetTLS, NetWSS:
		return 5061
	default:
		return 5060
	}
}

// IsReliable reports whether the network does not lose or duplicate
// messages. Everything but UDP is.
func IsReliable(network string) bool {
	return !util.EqFold(network, NetUDP)
}

// IsStreamed reports whether the network is stream-framed.
func IsStreamed(network string) bool {
	switch util.LCase(network) {
	case NetTCP, NetTLS:
		return true
	default:
		return false
	}
}

// IsSecured reports whether the network is encrypted.
func IsSecured(network string) bool {
	switch util.LCase(network) {
	case NetTLS, NetWSS:
		return true
	default:
		return false
	}
}

// ViaTransport maps a network name to its Via transport token.
func ViaTransport(network string) string {
	return util.UCase(network)
}

// NetworkFromVia maps a Via transport token back to a network name.
func NetworkFromVia(transport string) string {
	return util.LCase(transport)
}

// Target is one resolved destination candidate.
type Target struct {
	// Network is the channel kind to use.
	Network string
	// Addr is the host:port to send to.
	Addr string
}

func (t Target) String() string { return t.Network + ":" + t.Addr }

// MessageHandler receives inbound parsed messages.
type MessageHandler func(msg sip.Message)

// Errors surfaced by the transport layer.
const (
	// ErrCongestionRequiresReliable is returned when a non-ACK request
	// serialized over UDP exceeds the MTU threshold; the caller must
	// retry on a reliable channel with a fresh branch.
	ErrCongestionRequiresReliable sip.Error = "message too large for unreliable transport"
	// ErrUnreachable is returned after every resolved candidate failed.
	ErrUnreachable sip.Error = "destination unreachable"
	// ErrResolutionFailure is returned when DNS yields no candidates.
	ErrResolutionFailure sip.Error = "destination did not resolve"
	// ErrNoTransport is returned when no channel matches the chosen
	// transport.
	ErrNoTransport sip.Error = "no matching transport channel"
	// ErrClosed is returned when the layer has been shut down.
	ErrClosed sip.Error = "transport layer closed"
)

// MTUThreshold is the serialized size above which UDP requests must
// fall back to a reliable transport (RFC 3261 section 18.1.1).
const MTUThreshold = 1300

// bracketHost wraps IPv6 literals for host:port joins.
func bracketHost(host string) string {
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		return "[" + host + "]"
	}
	return host
}
