package transport

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"

	"braces.dev/errtrace"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/softsip/softsip/sip"
)

// streamProtocol is the shared machinery of the reliable channel
// kinds: a listener set, a connection pool keyed by remote address,
// and per-connection read loops. TCP, TLS and WebSocket differ only in
// how connections are dialed, accepted and framed.
type streamProtocol struct {
	protocolOptions
	network string
	secured bool

	dial   func(addr string) (net.Conn, error)
	listen func(addr string) (net.Listener, error)
	// upgrade prepares an accepted connection (TLS handshake is done
	// by the listener; WebSocket needs the HTTP upgrade).
	upgrade func(c net.Conn) (net.Conn, error)
	// framed marks WebSocket kinds: one SIP message per WS frame
	// instead of Content-Length framing.
	framed bool

	mu        sync.Mutex
	listeners []net.Listener
	conns     map[string]*streamConn
	closed    bool
}

type streamConn struct {
	c net.Conn
	// state distinguishes WS client from server framing; zero on
	// plain stream kinds.
	state ws.State

	wmu sync.Mutex
}

func (sc *streamConn) write(data []byte, framed bool) error {
	sc.wmu.Lock()
	defer sc.wmu.Unlock()
	if framed {
		if sc.state == ws.StateClientSide {
			return errtrace.Wrap(wsutil.WriteClientMessage(sc.c, ws.OpText, data))
		}
		return errtrace.Wrap(wsutil.WriteServerMessage(sc.c, ws.OpText, data))
	}
	_, err := sc.c.Write(data)
	return errtrace.Wrap(err)
}

func newStreamProtocol(network string, opts protocolOptions, tlsConf *tls.Config) *streamProtocol {
	sp := &streamProtocol{
		protocolOptions: opts,
		network:         network,
		conns:           make(map[string]*streamConn),
	}
	switch network {
	case NetTCP:
		sp.dial = func(addr string) (net.Conn, error) {
			return errtrace.Wrap2(net.Dial("tcp", addr))
		}
		sp.listen = func(addr string) (net.Listener, error) {
			return errtrace.Wrap2(net.Listen("tcp", addr))
		}
	case NetTLS:
		sp.secured = true
		sp.dial = func(addr string) (net.Conn, error) {
			return errtrace.Wrap2(tls.Dial("tcp", addr, tlsConf))
		}
		sp.listen = func(addr string) (net.Listener, error) {
			if tlsConf == nil {
				return nil, errtrace.Wrap(sip.Error("tls listener requires a certificate config"))
			}
			return errtrace.Wrap2(tls.Listen("tcp", addr, tlsConf))
		}
	}
	return sp
}

func (sp *streamProtocol) Network() string { return sp.network }
func (sp *streamProtocol) Reliable() bool  { return true }
func (sp *streamProtocol) Streamed() bool  { return !sp.framed }
func (sp *streamProtocol) Secured() bool   { return sp.secured }

func (sp *streamProtocol) Listen(addr string) error {
	ls, err := sp.listen(addr)
	if err != nil {
		return errtrace.Wrap(err)
	}

	sp.mu.Lock()
	if sp.closed {
		sp.mu.Unlock()
		ls.Close()
		return errtrace.Wrap(ErrClosed)
	}
	sp.listeners = append(sp.listeners, ls)
	sp.mu.Unlock()

	sp.log.Info("listening", "network", sp.network, "local_addr", ls.Addr())

	go sp.acceptLoop(ls)
	return nil
}

func (sp *streamProtocol) acceptLoop(ls net.Listener) {
	for {
		c, err := ls.Accept()
		if err != nil {
			sp.mu.Lock()
			closed := sp.closed
			sp.mu.Unlock()
			if !closed {
				sp.log.Warn("accept failed", "network", sp.network, "error", err)
			}
			return
		}
		go sp.serveConn(c, serverSide)
	}
}

type connSide int

const (
	serverSide connSide = iota
	clientSide
)

// serveConn upgrades and registers an accepted connection, then runs
// its read loop until the stream dies or misframes.
func (sp *streamProtocol) serveConn(c net.Conn, side connSide) {
	if sp.upgrade != nil && side == serverSide {
		upgraded, err := sp.upgrade(c)
		if err != nil {
			sp.log.Debug("connection upgrade failed", "remote_addr", c.RemoteAddr(), "error", err)
			c.Close()
			return
		}
		c = upgraded
	}

	state := ws.StateServerSide
	if side == clientSide {
		state = ws.StateClientSide
	}
	if !sp.framed {
		state = 0
	}

	sc := &streamConn{c: c, state: state}
	if !sp.registerConn(sc) {
		c.Close()
		return
	}
	sp.runConn(sc)
}

func (sp *streamProtocol) registerConn(sc *streamConn) bool {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if sp.closed {
		return false
	}
	sp.conns[sc.c.RemoteAddr().String()] = sc
	return true
}

// runConn drives the read loop and unregisters the connection when it
// ends.
func (sp *streamProtocol) runConn(sc *streamConn) {
	key := sc.c.RemoteAddr().String()
	err := sp.readLoop(sc)

	sp.mu.Lock()
	if cur, ok := sp.conns[key]; ok && cur == sc {
		delete(sp.conns, key)
	}
	sp.mu.Unlock()
	sc.c.Close()

	if err != nil && !errors.Is(err, io.EOF) {
		sp.log.Debug("connection reset", "network", sp.network, "remote_addr", key, "error", err)
	}
}

func (sp *streamProtocol) readLoop(sc *streamConn) error {
	src := sc.c.RemoteAddr().String()
	dest := sc.c.LocalAddr().String()

	if sp.framed {
		for {
			data, _, err := wsutil.ReadData(sc.c, sc.state)
			if err != nil {
				return errtrace.Wrap(err)
			}
			msg, err := sip.ParseMessage(data)
			if err != nil {
				// a misframed WS payload poisons the stream
				return errtrace.Wrap(err)
			}
			annotate(msg, sp.network, src, dest)
			sp.handler(msg)
		}
	}

	parser := sip.NewStreamParser(func(msg sip.Message) {
		annotate(msg, sp.network, src, dest)
		sp.handler(msg)
	})
	buf := make([]byte, 32*1024)
	for {
		n, err := sc.c.Read(buf)
		if n > 0 {
			// a framing error (Content-Length mismatch) resets the
			// whole connection per the stream transport contract
			if _, perr := parser.Write(buf[:n]); perr != nil {
				return errtrace.Wrap(perr)
			}
		}
		if err != nil {
			return errtrace.Wrap(err)
		}
	}
}

func (sp *streamProtocol) Send(addr string, msg sip.Message) error {
	sc, err := sp.getConn(addr)
	if err != nil {
		return errtrace.Wrap(err)
	}
	if err := sc.write([]byte(msg.String()), sp.framed); err != nil {
		// dead pooled connection: drop it and dial once more
		sp.dropConn(addr)
		sc, err = sp.getConn(addr)
		if err != nil {
			return errtrace.Wrap(err)
		}
		return errtrace.Wrap(sc.write([]byte(msg.String()), sp.framed))
	}
	return nil
}

func (sp *streamProtocol) getConn(addr string) (*streamConn, error) {
	sp.mu.Lock()
	if sp.closed {
		sp.mu.Unlock()
		return nil, errtrace.Wrap(ErrClosed)
	}
	if sc, ok := sp.conns[addr]; ok {
		sp.mu.Unlock()
		return sc, nil
	}
	sp.mu.Unlock()

	c, err := sp.dial(addr)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	state := ws.StateClientSide
	if !sp.framed {
		state = 0
	}
	sc := &streamConn{c: c, state: state}
	if !sp.registerConn(sc) {
		c.Close()
		return nil, errtrace.Wrap(ErrClosed)
	}
	go sp.runConn(sc)
	return sc, nil
}

func (sp *streamProtocol) dropConn(addr string) {
	sp.mu.Lock()
	if sc, ok := sp.conns[addr]; ok {
		delete(sp.conns, addr)
		sc.c.Close()
	}
	sp.mu.Unlock()
}

func (sp *streamProtocol) LocalAddr() string {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if len(sp.listeners) == 0 {
		return ""
	}
	return sp.listeners[0].Addr().String()
}

func (sp *streamProtocol) Close() error {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if sp.closed {
		return nil
	}
	sp.closed = true
	for _, ls := range sp.listeners {
		ls.Close()
	}
	for _, sc := range sp.conns {
		sc.c.Close()
	}
	sp.listeners = nil
	sp.conns = map[string]*streamConn{}
	return nil
}
