package transaction

import (
	"context"
	"reflect"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/softsip/softsip/internal/timeutil"
	"github.com/softsip/softsip/sip"
)

// InviteServerTx implements the INVITE server transaction of RFC 3261
// section 17.2.1 with the RFC 6026 accepted state: a 2xx terminates
// the engine's involvement after the quiet time, retransmission of the
// 2xx is the TU's job.
type InviteServerTx struct {
	*serverTx

	auto100 bool

	tmr100 atomic.Pointer[timeutil.Timer]
	tmrG   atomic.Pointer[timeutil.Timer]
	tmrH   atomic.Pointer[timeutil.Timer]
	tmrI   atomic.Pointer[timeutil.Timer]
	tmrL   atomic.Pointer[timeutil.Timer]
}

// NewInviteServerTx creates the transaction in the proceeding state.
// Unless suppressed, a 100 Trying goes out automatically when the TU
// has not responded within the 1xx delay.
func NewInviteServerTx(req *sip.Request, tp Transport, opts *Options) (*InviteServerTx, error) {
	if !req.IsInvite() {
		return nil, errtrace.Wrap(sip.ErrInvalidMessage)
	}

	base, err := newServerTx(TypeServerInvite, req, tp, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx := &InviteServerTx{serverTx: base, auto100: !opts.disableAuto100()}
	tx.initFSM()
	tx.actProceeding(tx.ctx)
	return tx, nil
}

func (tx *InviteServerTx) initFSM() {
	fsm := tx.newFSM(StateProceeding)

	resType := reflect.TypeOf((*sip.Response)(nil))
	reqType := reflect.TypeOf((*sip.Request)(nil))
	fsm.SetTriggerParameters(evtSend1xx, resType)
	fsm.SetTriggerParameters(evtSend2xx, resType)
	fsm.SetTriggerParameters(evtSend300699, resType)
	fsm.SetTriggerParameters(evtRecvReq, reqType)
	fsm.SetTriggerParameters(evtRecvAck, reqType)
	fsm.SetTriggerParameters(evtTranspErr, reflect.TypeOf((*error)(nil)).Elem())

	fsm.Configure(StateProceeding).
		InternalTransition(evtRecvReq, tx.actResendRes).
		InternalTransition(evtSend1xx, tx.actSendRes).
		InternalTransition(evtTimer1xx, tx.actSend100).
		Permit(evtSend2xx, StateAccepted).
		Permit(evtSend300699, StateCompleted).
		Permit(evtTranspErr, StateTerminated).
		Permit(evtTerminate, StateTerminated)

	fsm.Configure(StateAccepted).
		OnEntry(tx.actAccepted).
		OnEntryFrom(evtSend2xx, tx.actSendRes).
		InternalTransition(evtRecvReq, tx.actNoop).
		InternalTransition(evtRecvAck, tx.actPassAck).
		InternalTransition(evtSend2xx, tx.actSendRes).
		Permit(evtTimerL, StateTerminated).
		Permit(evtTerminate, StateTerminated)

	fsm.Configure(StateCompleted).
		OnEntry(tx.actCompleted).
		OnEntryFrom(evtSend300699, tx.actSendRes).
		InternalTransition(evtRecvReq, tx.actResendRes).
		InternalTransition(evtTimerG, tx.actResendRes).
		Permit(evtRecvAck, StateConfirmed).
		Permit(evtTimerH, StateTerminated).
		Permit(evtTranspErr, StateTerminated).
		Permit(evtTerminate, StateTerminated)

	fsm.Configure(StateConfirmed).
		OnEntry(tx.actConfirmed).
		InternalTransition(evtRecvReq, tx.actNoop).
		InternalTransition(evtRecvAck, tx.actNoop).
		Permit(evtTimerI, StateTerminated).
		Permit(evtTerminate, StateTerminated)

	fsm.Configure(StateTerminated).
		OnEntry(tx.actTerminated)
}

func (tx *InviteServerTx) actProceeding(_ context.Context, _ ...any) {
	tx.log.Debug("invite server transaction proceeding", "request", tx.req)
	if tx.auto100 {
		tx.tmr100.Store(timeutil.AfterFunc(tx.timings.Time100(), tx.onTimer100))
	}
}

func (tx *InviteServerTx) onTimer100() {
	tx.tmr100.Store(nil)
	if tx.State() != StateProceeding {
		return
	}
	tx.fire(evtTimer1xx)
}

// actSend100 sends the automatic 100 Trying when the TU stayed silent
// past the 1xx delay.
func (tx *InviteServerTx) actSend100(_ context.Context, _ ...any) error {
	if tx.lastRes.Load() != nil {
		return nil
	}
	res := sip.NewResponseFromRequest(tx.req, sip.StatusTrying, "", nil)
	tx.sendRes(res)
	return nil
}

func (tx *InviteServerTx) actSendRes(_ context.Context, args ...any) error {
	stopTimer(&tx.tmr100)
	res := args[0].(*sip.Response) //nolint:forcetypeassert
	tx.sendRes(res)
	return nil
}

func (tx *InviteServerTx) actResendRes(_ context.Context, _ ...any) error {
	tx.resendLastRes()
	return nil
}

func (tx *InviteServerTx) actPassAck(_ context.Context, args ...any) error {
	ack := args[0].(*sip.Request) //nolint:forcetypeassert
	tx.passAck(ack)
	return nil
}

func (tx *InviteServerTx) actNoop(_ context.Context, _ ...any) error { return nil }

func (tx *InviteServerTx) actAccepted(_ context.Context, _ ...any) error {
	stopTimer(&tx.tmr100)
	tx.tmrL.Store(timeutil.AfterFunc(tx.timings.TimeL(), tx.onTimerL))
	return nil
}

func (tx *InviteServerTx) onTimerL() {
	tx.tmrL.Store(nil)
	if tx.State() != StateAccepted {
		return
	}
	tx.fire(evtTimerL)
}

func (tx *InviteServerTx) actCompleted(_ context.Context, _ ...any) error {
	stopTimer(&tx.tmr100)

	if !tx.reliable && !tx.noRetrans {
		tx.tmrG.Store(timeutil.AfterFunc(tx.timings.TimeG(), tx.onTimerG))
	}
	tx.tmrH.Store(timeutil.AfterFunc(tx.timings.TimeH(), tx.onTimerH))
	return nil
}

func (tx *InviteServerTx) onTimerG() {
	if tx.State() != StateCompleted {
		return
	}
	tx.fire(evtTimerG)
	if tmr := tx.tmrG.Load(); tmr != nil {
		// G doubles up to the T2 cap (RFC 3261 17.2.1)
		tmr.Reset(min(2*tmr.Duration(), tx.timings.T2()))
	}
}

func (tx *InviteServerTx) onTimerH() {
	tx.tmrH.Store(nil)
	if tx.State() != StateCompleted {
		return
	}
	tx.fire(evtTimerH)
}

func (tx *InviteServerTx) actConfirmed(_ context.Context, _ ...any) error {
	stopTimer(&tx.tmrG)
	stopTimer(&tx.tmrH)

	timeI := tx.timings.TimeI()
	if tx.reliable {
		timeI = 0
	}
	tx.tmrI.Store(timeutil.AfterFunc(timeI, tx.onTimerI))
	return nil
}

func (tx *InviteServerTx) onTimerI() {
	tx.tmrI.Store(nil)
	if tx.State() != StateConfirmed {
		return
	}
	tx.fire(evtTimerI)
}

func (tx *InviteServerTx) actTerminated(_ context.Context, _ ...any) error {
	stopTimer(&tx.tmr100)
	stopTimer(&tx.tmrG)
	stopTimer(&tx.tmrH)
	stopTimer(&tx.tmrI)
	stopTimer(&tx.tmrL)
	tx.notifyTerminated()
	return nil
}
