package transaction

import (
	"sync"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/softsip/softsip/sip"
)

// ServerTransaction is a server (UAS-side) transaction.
type ServerTransaction interface {
	Transaction
	Key() ServerKey
	// Respond sends a response through the transaction, driving the
	// state machine by status class.
	Respond(res *sip.Response) error
	// RecvRequest feeds a matched inbound request (retransmission or
	// ACK) into the machine.
	RecvRequest(req *sip.Request)
	// OnAck registers the consumer for an ACK received while an INVITE
	// transaction sits in the accepted (2xx) state. Such an ACK only
	// matches here when the peer reused the INVITE branch (RFC 2543
	// rules); it belongs to the TU, the engine merely surfaces it.
	// The ACK for a non-2xx final is consumed by the machine itself
	// (completed to confirmed) and never reaches this consumer.
	// Registering replaces the previous consumer; buffered ACKs are
	// delivered immediately.
	OnAck(fn func(ack *sip.Request))
	// LastResponse returns the most recent response sent, if any.
	LastResponse() *sip.Response
}

// NewServerTransaction creates the kind-appropriate server transaction
// for an inbound request.
func NewServerTransaction(req *sip.Request, tp Transport, opts *Options) (ServerTransaction, error) {
	if req.IsInvite() {
		return errtrace.Wrap2(NewInviteServerTx(req, tp, opts))
	}
	return errtrace.Wrap2(NewNonInviteServerTx(req, tp, opts))
}

// serverTx is the shared base of both server machines.
type serverTx struct {
	*baseTx
	key     ServerKey
	lastRes atomic.Pointer[sip.Response]

	cbMu       sync.Mutex
	onAck      func(ack *sip.Request)
	pendingAck []*sip.Request
}

func newServerTx(typ Type, req *sip.Request, tp Transport, opts *Options) (*serverTx, error) {
	if err := req.Validate(); err != nil {
		return nil, errtrace.Wrap(err)
	}
	key, err := ServerKeyFromRequest(req, req.Method().Equal(sip.CANCEL))
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return &serverTx{
		baseTx: newBaseTx(typ, req, tp, opts),
		key:    key,
	}, nil
}

func (tx *serverTx) Key() ServerKey { return tx.key }

func (tx *serverTx) LastResponse() *sip.Response { return tx.lastRes.Load() }

// Respond classifies the response and fires the matching send event.
func (tx *serverTx) Respond(res *sip.Response) error {
	switch {
	case res.Status().IsProvisional():
		tx.fire(evtSend1xx, res)
	case res.Status().IsSuccessful():
		tx.fire(evtSend2xx, res)
	default:
		tx.fire(evtSend300699, res)
	}
	return nil
}

func (tx *serverTx) RecvRequest(req *sip.Request) {
	if req.IsAck() {
		tx.fire(evtRecvAck, req)
		return
	}
	tx.fire(evtRecvReq, req)
}

func (tx *serverTx) OnAck(fn func(ack *sip.Request)) {
	tx.cbMu.Lock()
	tx.onAck = fn
	pending := tx.pendingAck
	tx.pendingAck = nil
	tx.cbMu.Unlock()
	for _, ack := range pending {
		fn(ack)
	}
}

func (tx *serverTx) passAck(ack *sip.Request) {
	tx.cbMu.Lock()
	fn := tx.onAck
	if fn == nil {
		tx.pendingAck = append(tx.pendingAck, ack)
	}
	tx.cbMu.Unlock()
	if fn != nil {
		fn(ack)
	}
}

// sendRes records and transmits a response.
func (tx *serverTx) sendRes(res *sip.Response) {
	tx.lastRes.Store(res)
	tx.send(res) //nolint:errcheck
}

// resendLastRes retransmits the last response, if any was sent yet.
func (tx *serverTx) resendLastRes() {
	if res := tx.lastRes.Load(); res != nil {
		tx.send(res) //nolint:errcheck
	}
}
