// Package ua implements the SIP user agent: call placement and
// receipt, registration with digest authentication, hold and REFER
// transfer, driving the dialog and transaction layers underneath.
package ua

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"braces.dev/errtrace"

	"github.com/softsip/softsip/dialog"
	"github.com/softsip/softsip/internal/log"
	"github.com/softsip/softsip/internal/util"
	"github.com/softsip/softsip/sip"
	"github.com/softsip/softsip/transaction"
	"github.com/softsip/softsip/transport"
)

// Binding is one local listen binding.
type Binding struct {
	// Network is the channel kind: udp, tcp, tls, ws, wss.
	Network string
	// Addr is the local host:port to bind.
	Addr string
}

// CredentialStore supplies authentication credentials by realm.
type CredentialStore interface {
	// Lookup returns the credentials for a realm. ok is false when
	// the realm is unknown.
	Lookup(realm string) (username, password string, ok bool)
}

// StaticCredentials is a CredentialStore with one username/password
// pair for every realm.
type StaticCredentials struct {
	Username string
	Password string
}

func (c StaticCredentials) Lookup(string) (string, string, bool) {
	return c.Username, c.Password, c.Username != ""
}

// SDPNegotiator is the opaque media hook. The stack never inspects
// SDP; it shuttles payloads between the wire and this interface.
type SDPNegotiator interface {
	// LocalOffer produces the SDP offer for an outgoing INVITE or
	// re-INVITE. hold marks a hold/resume offer.
	LocalOffer(hold bool) ([]byte, error)
	// Answer receives a remote offer and produces the local answer.
	Answer(remote []byte) ([]byte, error)
	// RemoteAnswer delivers the peer's answer to a local offer.
	RemoteAnswer(remote []byte)
}

// Options configure a UserAgent.
type Options struct {
	// Name is the User-Agent/Server token. If empty, "softsip" is
	// used.
	Name string
	// LocalURI is the default From identity.
	LocalURI *sip.SIPURI
	// Contact is the URI advertised in Contact headers. If nil, it is
	// derived from the first binding once listening.
	Contact *sip.SIPURI
	// Bindings are the listen addresses per transport kind.
	Bindings []Binding
	// TLSConfig carries certificates and the validation policy for
	// the encrypted channels.
	TLSConfig *tls.Config
	// Resolver overrides the RFC 3263 resolver.
	Resolver transport.Resolver
	// Timings overrides the transaction timer bases.
	Timings transaction.TimingConfig
	// DisableRetransmit is the process default for the
	// retransmission-disable flag.
	DisableRetransmit bool
	// DisableAuto100 suppresses automatic 100 Trying responses.
	DisableAuto100 bool
	// MaxForwards overrides the default Max-Forwards of 70 on
	// generated requests.
	MaxForwards uint8
	// Credentials answer 401/407 challenges.
	Credentials CredentialStore
	// SDP is the opaque media negotiation hook.
	SDP SDPNegotiator
	// Logger is the agent logger. If nil, log.Def is used.
	Logger *slog.Logger

	// OnIncomingCall delivers new inbound call invitations.
	OnIncomingCall func(inv *Invitation)
	// OnCallAnswered fires when a call reaches the confirmed state.
	OnCallAnswered func(call *Call)
	// OnCallEnded fires when a call terminates for any reason.
	OnCallEnded func(call *Call)
	// OnDTMF delivers INFO DTMF payloads for a call.
	OnDTMF func(call *Call, payload []byte)
	// OnTransferRequested delivers inbound REFER targets. Returning
	// false rejects the transfer.
	OnTransferRequested func(call *Call, target sip.URI) bool
	// OnRegisterResult fires for every REGISTER outcome.
	OnRegisterResult func(result RegisterResult)
}

func (o *Options) name() string {
	if o == nil || o.Name == "" {
		return "softsip"
	}
	return o.Name
}

func (o *Options) log() *slog.Logger {
	if o == nil || o.Logger == nil {
		return log.Def
	}
	return o.Logger
}

func (o *Options) maxForwards() sip.MaxForwardsHeader {
	if o == nil || o.MaxForwards == 0 {
		return sip.MaxForwardsHeader(sip.DefaultMaxForwards)
	}
	return sip.MaxForwardsHeader(o.MaxForwards)
}

// UserAgent is a SIP endpoint.
type UserAgent struct {
	opts Options
	name string
	log  *slog.Logger

	tpl *transport.Layer
	txl *transaction.Layer

	dialogs *dialog.Table
	auth    *authCache

	mu    sync.Mutex
	calls map[dialog.Key]*Call
	// invitations indexes pending inbound INVITEs by server
	// transaction key, for CANCEL routing.
	invitations map[string]*Invitation
	closed      bool
}

// New creates a user agent, builds its transport and transaction
// layers and starts listening on the configured bindings.
func New(opts *Options) (*UserAgent, error) {
	if opts == nil {
		opts = &Options{}
	}
	ua := &UserAgent{
		opts:        *opts,
		name:        opts.name(),
		log:         opts.log(),
		dialogs:     dialog.NewTable(),
		auth:        newAuthCache(opts.Credentials),
		calls:       make(map[dialog.Key]*Call),
		invitations: make(map[string]*Invitation),
	}

	ua.tpl = transport.NewLayer(&transport.LayerOptions{
		Resolver:  opts.Resolver,
		TLSConfig: opts.TLSConfig,
		Logger:    ua.log,
	})
	ua.txl = transaction.NewLayer(ua.tpl, &transaction.LayerOptions{
		Timings:           opts.Timings,
		DisableRetransmit: opts.DisableRetransmit,
		DisableAuto100:    opts.DisableAuto100,
		Logger:            ua.log,
	})

	ua.txl.OnRequest(ua.recvRequest)
	ua.txl.OnCancel(ua.recvCancel)
	ua.txl.OnAck(ua.recvAck)
	ua.txl.OnResponse(ua.recvOrphanResponse)

	for _, b := range opts.Bindings {
		if err := ua.tpl.Listen(b.Network, b.Addr); err != nil {
			ua.tpl.Close() //nolint:errcheck
			return nil, errtrace.Wrap(err)
		}
	}
	return ua, nil
}

// Name returns the agent's User-Agent token.
func (ua *UserAgent) Name() string { return ua.name }

// TransportLayer exposes the underlying transport layer.
func (ua *UserAgent) TransportLayer() *transport.Layer { return ua.tpl }

// Close shuts the agent down: live transactions terminate and the
// sockets close. Established dialogs are not BYE'd.
func (ua *UserAgent) Close() error {
	ua.mu.Lock()
	if ua.closed {
		ua.mu.Unlock()
		return nil
	}
	ua.closed = true
	ua.mu.Unlock()

	ua.txl.Close()
	return errtrace.Wrap(ua.tpl.Close())
}

// contactURI returns the advertised Contact. Without an explicit one
// it is derived from the first bound transport so peers reach the
// socket requests actually left from.
func (ua *UserAgent) contactURI() *sip.SIPURI {
	if ua.opts.Contact != nil {
		return ua.opts.Contact
	}

	user := ua.name
	if ua.opts.LocalURI != nil && ua.opts.LocalURI.User != "" {
		user = ua.opts.LocalURI.User
	}
	for _, b := range ua.opts.Bindings {
		addr := ua.tpl.ListenAddr(b.Network)
		if addr == "" {
			continue
		}
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			continue
		}
		port, _ := strconv.ParseUint(portStr, 10, 16)
		uri := &sip.SIPURI{User: user, Host: host, Port: uint16(port)}
		if nw := util.LCase(b.Network); nw != transport.NetUDP {
			uri.Params = sip.NewParams()
			uri.Params.Add("transport", nw)
			uri.Secure = transport.IsSecured(nw)
		}
		return uri
	}
	if ua.opts.LocalURI != nil {
		return ua.opts.LocalURI
	}
	return &sip.SIPURI{Host: "localhost", User: ua.name}
}

// localURI returns the From identity.
func (ua *UserAgent) localURI() *sip.SIPURI {
	if ua.opts.LocalURI != nil {
		return ua.opts.LocalURI
	}
	return ua.contactURI()
}

// newViaHop returns a fresh Via hop with a unique branch; the
// transport layer fills sent-by at send time.
func newViaHop() *sip.ViaHop {
	hop := &sip.ViaHop{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Params:          sip.NewParams(),
	}
	hop.SetBranch(sip.GenerateBranch())
	return hop
}

// newRequest assembles an out-of-dialog request with the agent's
// identity headers.
func (ua *UserAgent) newRequest(method sip.RequestMethod, target sip.URI, to *sip.ToHeader, body []byte) *sip.Request {
	req := sip.NewRequest(method, target, nil, nil)
	req.AppendHeader(sip.ViaHeader{newViaHop()})

	from := &sip.FromHeader{Address: sip.Address{URI: ua.localURI().Clone(), Params: sip.NewParams()}}
	from.SetTag(util.NewTag())
	req.AppendHeader(from)

	if to == nil {
		to = &sip.ToHeader{Address: sip.Address{URI: target.Clone(), Params: sip.NewParams()}}
	}
	req.AppendHeader(to)

	req.AppendHeader(sip.CallIDHeader(util.NewCallID()))
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, Method: method})
	req.AppendHeader(ua.opts.maxForwards())
	req.AppendHeader(&sip.ContactHeader{Address: sip.Address{URI: ua.contactURI().Clone()}})
	req.AppendHeader(sip.AllowHeader{
		sip.INVITE, sip.ACK, sip.CANCEL, sip.BYE, sip.OPTIONS,
		sip.INFO, sip.REFER, sip.NOTIFY,
	})
	req.AppendHeader(sip.UserAgentHeader(ua.name))
	req.SetBody(body, true)
	return req
}

// sendAck transmits an ACK end-to-end, outside any transaction.
func (ua *UserAgent) sendAck(ctx context.Context, ack *sip.Request) {
	if err := ua.tpl.Send(ctx, ack); err != nil {
		ua.log.Warn("failed to send ACK", "request", ack, "error", err)
	}
}
