package transaction

import (
	"sync"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/softsip/softsip/sip"
)

// ClientTransaction is a client (UAC-side) transaction.
type ClientTransaction interface {
	Transaction
	Key() ClientKey
	// Start transmits the request and arms the timers. The owning
	// layer calls it once, after indexing the transaction.
	Start()
	// RecvResponse feeds a matched inbound response into the machine.
	RecvResponse(res *sip.Response)
	// OnResponse registers the response consumer. Responses received
	// before registration are delivered immediately.
	OnResponse(fn func(res *sip.Response))
	// OnTimeout registers the timeout consumer (timer B/F).
	OnTimeout(fn func())
	// OnTransportError registers the transport failure consumer.
	OnTransportError(fn func(err error))
	// LastResponse returns the most recent response, if any.
	LastResponse() *sip.Response
}

// NewClientTransaction creates the kind-appropriate client transaction
// and transmits the request.
func NewClientTransaction(req *sip.Request, tp Transport, opts *Options) (ClientTransaction, error) {
	if req.IsInvite() {
		return errtrace.Wrap2(NewInviteClientTx(req, tp, opts))
	}
	return errtrace.Wrap2(NewNonInviteClientTx(req, tp, opts))
}

// clientTx is the shared base of both client machines.
type clientTx struct {
	*baseTx
	key     ClientKey
	lastRes atomic.Pointer[sip.Response]

	cbMu        sync.Mutex
	onRes       func(res *sip.Response)
	onTimeout   func()
	onTranspErr func(err error)
	pendingRes  []*sip.Response
	timedOut    bool
	transpErr   error
}

func newClientTx(typ Type, req *sip.Request, tp Transport, opts *Options) (*clientTx, error) {
	if err := req.Validate(); err != nil {
		return nil, errtrace.Wrap(err)
	}
	key, err := ClientKeyFromMessage(req)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return &clientTx{
		baseTx: newBaseTx(typ, req, tp, opts),
		key:    key,
	}, nil
}

func (tx *clientTx) Key() ClientKey { return tx.key }

func (tx *clientTx) LastResponse() *sip.Response { return tx.lastRes.Load() }

// RecvResponse classifies the response and fires the matching event.
func (tx *clientTx) RecvResponse(res *sip.Response) {
	switch {
	case res.Status().IsProvisional():
		tx.fire(evtRecv1xx, res)
	case res.Status().IsSuccessful():
		tx.fire(evtRecv2xx, res)
	default:
		tx.fire(evtRecv300699, res)
	}
}

func (tx *clientTx) OnResponse(fn func(res *sip.Response)) {
	tx.cbMu.Lock()
	tx.onRes = fn
	pending := tx.pendingRes
	tx.pendingRes = nil
	tx.cbMu.Unlock()
	for _, res := range pending {
		fn(res)
	}
}

func (tx *clientTx) OnTimeout(fn func()) {
	tx.cbMu.Lock()
	tx.onTimeout = fn
	fired := tx.timedOut
	tx.cbMu.Unlock()
	if fired {
		fn()
	}
}

func (tx *clientTx) OnTransportError(fn func(err error)) {
	tx.cbMu.Lock()
	tx.onTranspErr = fn
	err := tx.transpErr
	tx.cbMu.Unlock()
	if err != nil {
		fn(err)
	}
}

// passResponse records and delivers a response to the TU, buffering
// until a consumer registers.
func (tx *clientTx) passResponse(res *sip.Response) {
	tx.lastRes.Store(res)

	tx.cbMu.Lock()
	fn := tx.onRes
	if fn == nil {
		tx.pendingRes = append(tx.pendingRes, res)
	}
	tx.cbMu.Unlock()
	if fn != nil {
		fn(res)
	}
}

func (tx *clientTx) passTimeout() {
	tx.cbMu.Lock()
	tx.timedOut = true
	fn := tx.onTimeout
	tx.cbMu.Unlock()
	if fn != nil {
		fn()
	}
}

func (tx *clientTx) passTransportError(err error) {
	tx.cbMu.Lock()
	tx.transpErr = err
	fn := tx.onTranspErr
	tx.cbMu.Unlock()
	if fn != nil {
		fn(err)
	}
}
