package transport

import (
	"log/slog"

	"github.com/softsip/softsip/sip"
)

// Protocol is one transport channel kind. A protocol owns its sockets:
// listeners, the connection pool for stream kinds, and the read loops
// feeding inbound messages to the handler.
type Protocol interface {
	// Network returns the channel network name (udp, tcp, tls, ws, wss).
	Network() string
	// Reliable reports whether the channel neither loses nor
	// duplicates messages.
	Reliable() bool
	// Streamed reports whether messages need Content-Length framing.
	Streamed() bool
	// Secured reports whether the channel is encrypted.
	Secured() bool
	// Listen binds a local address and starts serving inbound traffic.
	Listen(addr string) error
	// Send delivers one message to the remote address, reusing pooled
	// connections where the kind allows.
	Send(addr string, msg sip.Message) error
	// LocalAddr returns the first local binding, or "" when unbound.
	LocalAddr() string
	// Close releases all sockets. The protocol is unusable afterwards.
	Close() error
}

// protocolOptions are shared by all protocol constructors.
type protocolOptions struct {
	handler MessageHandler
	log     *slog.Logger
}

// annotate stamps transport metadata on an inbound message.
func annotate(msg sip.Message, network, src, dest string) {
	msg.SetTransport(ViaTransport(network))
	msg.SetSource(src)
	msg.SetDestination(dest)
}
