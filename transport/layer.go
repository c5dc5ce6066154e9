package transport

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"sync"

	"braces.dev/errtrace"

	"github.com/softsip/softsip/internal/log"
	"github.com/softsip/softsip/internal/util"
	"github.com/softsip/softsip/sip"
)

// LayerOptions configure a transport Layer.
type LayerOptions struct {
	// Resolver performs RFC 3263 destination resolution. If nil, a
	// DNSResolver with default options is used.
	Resolver Resolver
	// TLSConfig is used by the tls and wss channels, both for dialing
	// (certificate validation policy) and listening (certificates).
	TLSConfig *tls.Config
	// Logger is the layer logger. If nil, log.Def is used.
	Logger *slog.Logger
}

func (o *LayerOptions) resolver() Resolver {
	if o == nil || o.Resolver == nil {
		return NewDNSResolver(nil)
	}
	return o.Resolver
}

func (o *LayerOptions) tlsConfig() *tls.Config {
	if o == nil {
		return nil
	}
	return o.TLSConfig
}

func (o *LayerOptions) log() *slog.Logger {
	if o == nil || o.Logger == nil {
		return log.Def
	}
	return o.Logger
}

// Layer owns the transport channels and routes messages between the
// wire and the transaction layer. Inbound messages are parsed by the
// channels, stamped with received/rport on the top Via, and handed to
// the registered handler. Outbound requests are resolved per RFC 3263
// and dispatched to the matching channel.
type Layer struct {
	resolver Resolver
	tlsConf  *tls.Config
	log      *slog.Logger

	mu        sync.Mutex
	protocols map[string]Protocol
	closed    bool

	handlerMu sync.RWMutex
	handler   MessageHandler
}

// NewLayer creates a transport layer. Options may be nil.
func NewLayer(opts *LayerOptions) *Layer {
	return &Layer{
		resolver:  opts.resolver(),
		tlsConf:   opts.tlsConfig(),
		log:       opts.log(),
		protocols: make(map[string]Protocol),
	}
}

// OnMessage registers the handler receiving all inbound messages.
// The transaction layer is the expected consumer.
func (tpl *Layer) OnMessage(fn MessageHandler) {
	tpl.handlerMu.Lock()
	tpl.handler = fn
	tpl.handlerMu.Unlock()
}

func (tpl *Layer) dispatch(msg sip.Message) {
	if req, ok := msg.(*sip.Request); ok {
		fixupVia(req)
	}

	tpl.handlerMu.RLock()
	fn := tpl.handler
	tpl.handlerMu.RUnlock()
	if fn != nil {
		fn(msg)
	} else {
		tpl.log.Debug("no handler registered, dropping message", "message", log.StringValue(msg.Short()))
	}
}

// fixupVia applies RFC 3581: stamp received= when the source address
// differs from the sent-by host, and fill rport= when the client asked
// for it.
func fixupVia(req *sip.Request) {
	hop, ok := req.ViaHop()
	if !ok {
		return
	}
	host, portStr, err := net.SplitHostPort(req.Source())
	if err != nil {
		return
	}

	srcAddr, err := netip.ParseAddr(host)
	if err != nil {
		return
	}
	if !util.EqFold(hop.Host, host) {
		hop.Params.Add("received", srcAddr.String())
	}
	if _, ok := hop.RPort(); ok {
		if port, err := strconv.ParseUint(portStr, 10, 16); err == nil {
			hop.Params.Add("rport", strconv.FormatUint(port, 10))
		}
	}
}

// Listen binds a channel of the given network kind to a local address,
// creating the channel on first use.
func (tpl *Layer) Listen(network, addr string) error {
	proto, err := tpl.protocol(network)
	if err != nil {
		return errtrace.Wrap(err)
	}
	return errtrace.Wrap(proto.Listen(addr))
}

func (tpl *Layer) protocol(network string) (Protocol, error) {
	network = util.LCase(network)

	tpl.mu.Lock()
	defer tpl.mu.Unlock()
	if tpl.closed {
		return nil, errtrace.Wrap(ErrClosed)
	}
	if proto, ok := tpl.protocols[network]; ok {
		return proto, nil
	}

	opts := protocolOptions{handler: tpl.dispatch, log: tpl.log}
	var proto Protocol
	switch network {
	case NetUDP:
		proto = newUDPProtocol(opts)
	case NetTCP, NetTLS:
		proto = newStreamProtocol(network, opts, tpl.tlsConf)
	case NetWS, NetWSS:
		proto = newWSProtocol(network, opts, tpl.tlsConf)
	default:
		return nil, errtrace.Wrap(ErrNoTransport)
	}
	tpl.protocols[network] = proto
	return proto, nil
}

// ListenAddr returns the first local binding of the named channel
// kind, or "" when none is bound.
func (tpl *Layer) ListenAddr(network string) string {
	tpl.mu.Lock()
	proto, ok := tpl.protocols[util.LCase(network)]
	tpl.mu.Unlock()
	if !ok {
		return ""
	}
	return proto.LocalAddr()
}

// IsReliable reports whether the named transport is reliable.
func (tpl *Layer) IsReliable(transport string) bool {
	return IsReliable(NetworkFromVia(transport))
}

// Send transmits a message. Requests are resolved per RFC 3263 from
// the next-hop URI; responses travel back per RFC 3261 section 18.2.2
// using the source annotation or the top Via.
func (tpl *Layer) Send(ctx context.Context, msg sip.Message) error {
	switch m := msg.(type) {
	case *sip.Request:
		return errtrace.Wrap(tpl.sendRequest(ctx, m))
	case *sip.Response:
		return errtrace.Wrap(tpl.sendResponse(m))
	}
	return errtrace.Wrap(sip.ErrInvalidMessage)
}

func (tpl *Layer) sendRequest(ctx context.Context, req *sip.Request) error {
	targets, err := tpl.requestTargets(ctx, req)
	if err != nil {
		return errtrace.Wrap(err)
	}
	if len(targets) == 0 {
		return errtrace.Wrap(ErrResolutionFailure)
	}

	var lastErr error
	for _, target := range targets {
		proto, err := tpl.protocol(target.Network)
		if err != nil {
			lastErr = err
			continue
		}

		tpl.prepareVia(req, proto)

		// RFC 3261 18.1.1: large non-ACK requests must not go out on
		// an unreliable channel
		if !proto.Reliable() && !req.IsAck() && len(req.String()) > MTUThreshold {
			return errtrace.Wrap(ErrCongestionRequiresReliable)
		}

		if err := proto.Send(target.Addr, req); err != nil {
			tpl.log.Debug("send attempt failed",
				"target", target.String(), "error", err)
			lastErr = err
			continue
		}

		req.SetTransport(ViaTransport(target.Network))
		req.SetDestination(target.Addr)
		req.SetSource(proto.LocalAddr())
		return nil
	}

	if lastErr != nil {
		return errtrace.Wrap(lastErr)
	}
	return errtrace.Wrap(ErrUnreachable)
}

// requestTargets picks the next hop: an explicit destination
// annotation wins, then the first loose Route, then the request URI.
func (tpl *Layer) requestTargets(ctx context.Context, req *sip.Request) ([]Target, error) {
	if dest := req.Destination(); dest != "" {
		network := NetworkFromVia(req.Transport())
		if network == "" {
			network = NetUDP
		}
		return []Target{{Network: network, Addr: dest}}, nil
	}

	nextHop := req.URI()
	if routes := req.Routes(); len(routes) > 0 {
		if r, ok := routes[0].URI.(*sip.SIPURI); ok && r.IsLooseRouter() {
			nextHop = routes[0].URI
		}
	}

	uri, ok := nextHop.(*sip.SIPURI)
	if !ok {
		return nil, errtrace.Wrap(ErrResolutionFailure)
	}
	return errtrace.Wrap2(tpl.resolver.Resolve(ctx, uri, ""))
}

// prepareVia fills the top Via sent-by and transport from the chosen
// channel, leaving the branch untouched.
func (tpl *Layer) prepareVia(req *sip.Request, proto Protocol) {
	hop, ok := req.ViaHop()
	if !ok {
		return
	}
	hop.Transport = ViaTransport(proto.Network())
	if hop.Host == "" {
		if host, portStr, err := net.SplitHostPort(proto.LocalAddr()); err == nil {
			hop.Host = host
			if port, err := strconv.ParseUint(portStr, 10, 16); err == nil {
				hop.Port = uint16(port)
			}
		}
	}
}

func (tpl *Layer) sendResponse(res *sip.Response) error {
	network := NetworkFromVia(res.Transport())
	if network == "" {
		network = NetUDP
	}

	addr := res.Destination()
	if addr == "" {
		hop, ok := res.ViaHop()
		if !ok {
			return errtrace.Wrap(sip.ErrInvalidMessage)
		}
		addr = responseAddr(hop)
	}
	if addr == "" {
		return errtrace.Wrap(ErrResolutionFailure)
	}

	proto, err := tpl.protocol(network)
	if err != nil {
		return errtrace.Wrap(err)
	}
	return errtrace.Wrap(proto.Send(addr, res))
}

// responseAddr implements RFC 3261 section 18.2.2 with the RFC 3581
// extension: prefer received/rport from the top Via, fall back to
// sent-by.
func responseAddr(hop *sip.ViaHop) string {
	host := hop.Host
	if received, ok := hop.Received(); ok {
		host = received.String()
	}

	port := hop.Port
	if rport, ok := hop.RPort(); ok && rport != 0 {
		port = rport
	}
	if port == 0 {
		port = DefaultPort(NetworkFromVia(hop.Transport))
	}
	return bracketHost(host) + ":" + strconv.Itoa(int(port))
}

// Close shuts down every channel. In-flight read loops terminate as
// their sockets close; an error on one channel never affects others.
func (tpl *Layer) Close() error {
	tpl.mu.Lock()
	defer tpl.mu.Unlock()
	if tpl.closed {
		return nil
	}
	tpl.closed = true

	var firstErr error
	for _, proto := range tpl.protocols {
		if err := proto.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return errtrace.Wrap(firstErr)
}
