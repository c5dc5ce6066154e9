package transaction

import (
	"context"
	"reflect"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/softsip/softsip/internal/timeutil"
	"github.com/softsip/softsip/sip"
)

// InviteClientTx implements the INVITE client transaction of RFC 3261
// section 17.1.1 with the RFC 6026 accepted state: a 2xx moves the
// machine to accepted and is passed to the TU untouched; the ACK for
// it is the TU's responsibility, the engine only ACKs non-2xx finals.
type InviteClientTx struct {
	*clientTx

	tmrA atomic.Pointer[timeutil.Timer]
	tmrB atomic.Pointer[timeutil.Timer]
	tmrD atomic.Pointer[timeutil.Timer]
	tmrM atomic.Pointer[timeutil.Timer]

	ack atomic.Pointer[sip.Request]
}

// NewInviteClientTx creates the transaction in the calling state. The
// INVITE goes out when Start is called, giving the owning layer time
// to index the transaction first.
func NewInviteClientTx(req *sip.Request, tp Transport, opts *Options) (*InviteClientTx, error) {
	if !req.IsInvite() {
		return nil, errtrace.Wrap(sip.ErrInvalidMessage)
	}

	base, err := newClientTx(TypeClientInvite, req, tp, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx := &InviteClientTx{clientTx: base}
	tx.initFSM()
	return tx, nil
}

// Start transmits the INVITE and arms timers A and B.
func (tx *InviteClientTx) Start() {
	tx.actCalling(tx.ctx) //nolint:errcheck
}

func (tx *InviteClientTx) initFSM() {
	fsm := tx.newFSM(StateCalling)

	resType := reflect.TypeOf((*sip.Response)(nil))
	fsm.SetTriggerParameters(evtRecv1xx, resType)
	fsm.SetTriggerParameters(evtRecv2xx, resType)
	fsm.SetTriggerParameters(evtRecv300699, resType)
	fsm.SetTriggerParameters(evtTranspErr, reflect.TypeOf((*error)(nil)).Elem())

	fsm.Configure(StateCalling).
		InternalTransition(evtTimerA, tx.actResendReq).
		Permit(evtRecv1xx, StateProceeding).
		Permit(evtRecv2xx, StateAccepted).
		Permit(evtRecv300699, StateCompleted).
		Permit(evtTimerB, StateTerminated).
		Permit(evtTranspErr, StateTerminated).
		Permit(evtTerminate, StateTerminated)

	fsm.Configure(StateProceeding).
		OnEntry(tx.actProceeding).
		OnEntryFrom(evtRecv1xx, tx.actPassRes).
		InternalTransition(evtRecv1xx, tx.actPassRes).
		Permit(evtRecv2xx, StateAccepted).
		Permit(evtRecv300699, StateCompleted).
		Permit(evtTerminate, StateTerminated)

	fsm.Configure(StateCompleted).
		OnEntry(tx.actCompleted).
		OnEntryFrom(evtRecv300699, tx.actPassResSendAck).
		InternalTransition(evtRecv300699, tx.actSendAck).
		Permit(evtTimerD, StateTerminated).
		Permit(evtTranspErr, StateTerminated).
		Permit(evtTerminate, StateTerminated)

	fsm.Configure(StateAccepted).
		OnEntry(tx.actAccepted).
		OnEntryFrom(evtRecv2xx, tx.actPassRes).
		InternalTransition(evtRecv2xx, tx.actPassRes).
		Permit(evtTimerM, StateTerminated).
		Permit(evtTerminate, StateTerminated)

	fsm.Configure(StateTerminated).
		OnEntry(tx.actTerminated).
		OnEntryFrom(evtTimerB, tx.actTimedOut).
		OnEntryFrom(evtTranspErr, tx.actTranspErr)
}

func (tx *InviteClientTx) actCalling(ctx context.Context, _ ...any) error {
	tx.log.Debug("invite client transaction calling", "request", tx.req)

	if err := tx.send(tx.req); err != nil {
		return nil //nolint:nilerr // the transport error event drives the FSM
	}

	if !tx.reliable && !tx.noRetrans {
		tx.tmrA.Store(timeutil.AfterFunc(tx.timings.TimeA(), tx.onTimerA))
	}
	tx.tmrB.Store(timeutil.AfterFunc(tx.timings.TimeB(), tx.onTimerB))
	return nil
}

func (tx *InviteClientTx) actResendReq(_ context.Context, _ ...any) error {
	tx.send(tx.req) //nolint:errcheck
	return nil
}

func (tx *InviteClientTx) onTimerA() {
	if tx.State() != StateCalling {
		return
	}
	tx.fire(evtTimerA)
	if tmr := tx.tmrA.Load(); tmr != nil {
		// A doubles without bound for INVITE (RFC 3261 17.1.1.2)
		tmr.Reset(2 * tmr.Duration())
	}
}

func (tx *InviteClientTx) onTimerB() {
	tx.tmrB.Store(nil)
	if tx.State() != StateCalling {
		return
	}
	tx.fire(evtTimerB)
}

func (tx *InviteClientTx) actProceeding(_ context.Context, _ ...any) error {
	stopTimer(&tx.tmrA)
	stopTimer(&tx.tmrB)
	return nil
}

func (tx *InviteClientTx) actPassRes(_ context.Context, args ...any) error {
	res := args[0].(*sip.Response) //nolint:forcetypeassert
	tx.passResponse(res)
	return nil
}

func (tx *InviteClientTx) actPassResSendAck(ctx context.Context, args ...any) error {
	tx.actPassRes(ctx, args...) //nolint:errcheck
	tx.actSendAck(ctx, args...) //nolint:errcheck
	return nil
}

// actSendAck builds (once) and transmits the ACK for a non-2xx final
// response, per RFC 3261 section 17.1.1.3.
func (tx *InviteClientTx) actSendAck(_ context.Context, args ...any) error {
	ack := tx.ack.Load()
	if ack == nil {
		res, _ := args[0].(*sip.Response)
		ack = tx.buildAck(res)
		tx.ack.Store(ack)
	}
	tx.send(ack) //nolint:errcheck
	return nil
}

func (tx *InviteClientTx) buildAck(res *sip.Response) *sip.Request {
	ack := sip.NewRequest(sip.ACK, tx.req.URI().Clone(), nil, nil)

	if hop, ok := tx.req.ViaHop(); ok {
		ack.AppendHeader(sip.ViaHeader{hop.Clone()})
	}
	sip.CopyHeaders("From", tx.req, ack)
	sip.CopyHeaders("Call-ID", tx.req, ack)
	sip.CopyHeaders("Route", tx.req, ack)
	if res != nil {
		sip.CopyHeaders("To", res, ack)
	} else {
		sip.CopyHeaders("To", tx.req, ack)
	}
	if cseq, ok := tx.req.CSeq(); ok {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, Method: sip.ACK})
	}
	ack.AppendHeader(sip.MaxForwardsHeader(sip.DefaultMaxForwards))

	ack.SetTransport(tx.req.Transport())
	ack.SetDestination(tx.req.Destination())
	ack.SetSource(tx.req.Source())
	return ack
}

func (tx *InviteClientTx) actCompleted(_ context.Context, _ ...any) error {
	stopTimer(&tx.tmrA)
	stopTimer(&tx.tmrB)

	// reliable transports skip the quiet time (TimeD = 0)
	timeD := tx.timings.TimeD()
	if tx.reliable {
		timeD = 0
	}
	tx.tmrD.Store(timeutil.AfterFunc(timeD, tx.onTimerD))
	return nil
}

func (tx *InviteClientTx) onTimerD() {
	tx.tmrD.Store(nil)
	if tx.State() != StateCompleted {
		return
	}
	tx.fire(evtTimerD)
}

func (tx *InviteClientTx) actAccepted(_ context.Context, _ ...any) error {
	stopTimer(&tx.tmrA)
	stopTimer(&tx.tmrB)
	tx.tmrM.Store(timeutil.AfterFunc(tx.timings.TimeM(), tx.onTimerM))
	return nil
}

func (tx *InviteClientTx) onTimerM() {
	tx.tmrM.Store(nil)
	if tx.State() != StateAccepted {
		return
	}
	tx.fire(evtTimerM)
}

func (tx *InviteClientTx) actTimedOut(_ context.Context, _ ...any) error {
	tx.passTimeout()
	return nil
}

func (tx *InviteClientTx) actTranspErr(_ context.Context, args ...any) error {
	if len(args) > 0 {
		if err, ok := args[0].(error); ok {
			tx.passTransportError(err)
		}
	}
	return nil
}

func (tx *InviteClientTx) actTerminated(_ context.Context, _ ...any) error {
	stopTimer(&tx.tmrA)
	stopTimer(&tx.tmrB)
	stopTimer(&tx.tmrD)
	stopTimer(&tx.tmrM)
	tx.notifyTerminated()
	return nil
}
