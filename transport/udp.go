package transport

import (
	"net"
	"sync"

	"braces.dev/errtrace"

	"github.com/softsip/softsip/sip"
)

// udpProtocol is the connectionless datagram channel: one message per
// datagram, no framing, unreliable.
type udpProtocol struct {
	protocolOptions

	mu     sync.Mutex
	conns  []net.PacketConn
	closed bool
}

func newUDPProtocol(opts protocolOptions) *udpProtocol {
	return &udpProtocol{protocolOptions: opts}
}

func (udp *udpProtocol) Network() string { return NetUDP }
func (udp *udpProtocol) Reliable() bool  { return false }
func (udp *udpProtocol) Streamed() bool  { return false }
func (udp *udpProtocol) Secured() bool   { return false }

func (udp *udpProtocol) Listen(addr string) error {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return errtrace.Wrap(err)
	}

	udp.mu.Lock()
	if udp.closed {
		udp.mu.Unlock()
		conn.Close()
		return errtrace.Wrap(ErrClosed)
	}
	udp.conns = append(udp.conns, conn)
	udp.mu.Unlock()

	udp.log.Info("listening", "network", NetUDP, "local_addr", conn.LocalAddr())

	go udp.readLoop(conn)
	return nil
}

func (udp *udpProtocol) readLoop(conn net.PacketConn) {
	buf := make([]byte, sip.MaxDatagramSize)
	for {
		n, raddr, err := conn.ReadFrom(buf)
		if err != nil {
			udp.mu.Lock()
			closed := udp.closed
			udp.mu.Unlock()
			if !closed {
				udp.log.Warn("udp read failed", "error", err)
			}
			return
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		msg, err := sip.ParseMessage(data)
		if err != nil {
			// RFC 3261 18.3: drop malformed datagrams
			udp.log.Debug("dropping unparsable datagram",
				"remote_addr", raddr.String(), "error", err)
			continue
		}
		annotate(msg, NetUDP, raddr.String(), conn.LocalAddr().String())
		udp.handler(msg)
	}
}

func (udp *udpProtocol) Send(addr string, msg sip.Message) error {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return errtrace.Wrap(err)
	}

	conn, err := udp.sendConn()
	if err != nil {
		return errtrace.Wrap(err)
	}
	if _, err := conn.WriteTo([]byte(msg.String()), raddr); err != nil {
		return errtrace.Wrap(err)
	}
	return nil
}

// sendConn returns the first bound socket, binding an ephemeral one
// when the protocol was never asked to listen. Responses must come
// back to the port requests left from.
func (udp *udpProtocol) sendConn() (net.PacketConn, error) {
	udp.mu.Lock()
	defer udp.mu.Unlock()
	if udp.closed {
		return nil, errtrace.Wrap(ErrClosed)
	}
	if len(udp.conns) > 0 {
		return udp.conns[0], nil
	}

	conn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	udp.conns = append(udp.conns, conn)
	go udp.readLoop(conn)
	return conn, nil
}

func (udp *udpProtocol) LocalAddr() string {
	udp.mu.Lock()
	defer udp.mu.Unlock()
	if len(udp.conns) == 0 {
		return ""
	}
	return udp.conns[0].LocalAddr().String()
}

func (udp *udpProtocol) Close() error {
	udp.mu.Lock()
	defer udp.mu.Unlock()
	if udp.closed {
		return nil
	}
	udp.closed = true
	var errs []error
	for _, conn := range udp.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	udp.conns = nil
	if len(errs) > 0 {
		return errtrace.Wrap(errs[0])
	}
	return nil
}
