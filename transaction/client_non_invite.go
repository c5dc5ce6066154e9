package transaction

import (
	"context"
	"reflect"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/softsip/softsip/internal/timeutil"
	"github.com/softsip/softsip/sip"
)

// NonInviteClientTx implements the non-INVITE client transaction of
// RFC 3261 section 17.1.2.
type NonInviteClientTx struct {
	*clientTx

	tmrE atomic.Pointer[timeutil.Timer]
	tmrF atomic.Pointer[timeutil.Timer]
	tmrK atomic.Pointer[timeutil.Timer]
}

// NewNonInviteClientTx creates the transaction in the trying state.
// The request goes out when Start is called.
func NewNonInviteClientTx(req *sip.Request, tp Transport, opts *Options) (*NonInviteClientTx, error) {
	if req.IsInvite() || req.IsAck() {
		return nil, errtrace.Wrap(sip.ErrInvalidMessage)
	}

	base, err := newClientTx(TypeClientNonInvite, req, tp, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx := &NonInviteClientTx{clientTx: base}
	tx.initFSM()
	return tx, nil
}

// Start transmits the request and arms timers E and F.
func (tx *NonInviteClientTx) Start() {
	tx.actTrying(tx.ctx) //nolint:errcheck
}

func (tx *NonInviteClientTx) initFSM() {
	fsm := tx.newFSM(StateTrying)

	resType := reflect.TypeOf((*sip.Response)(nil))
	fsm.SetTriggerParameters(evtRecv1xx, resType)
	fsm.SetTriggerParameters(evtRecv2xx, resType)
	fsm.SetTriggerParameters(evtRecv300699, resType)
	fsm.SetTriggerParameters(evtTranspErr, reflect.TypeOf((*error)(nil)).Elem())

	fsm.Configure(StateTrying).
		InternalTransition(evtTimerE, tx.actResendReq).
		Permit(evtRecv1xx, StateProceeding).
		Permit(evtRecv2xx, StateCompleted).
		Permit(evtRecv300699, StateCompleted).
		Permit(evtTimerF, StateTerminated).
		Permit(evtTranspErr, StateTerminated).
		Permit(evtTerminate, StateTerminated)

	fsm.Configure(StateProceeding).
		OnEntryFrom(evtRecv1xx, tx.actPassRes).
		InternalTransition(evtRecv1xx, tx.actPassRes).
		InternalTransition(evtTimerE, tx.actResendReq).
		Permit(evtRecv2xx, StateCompleted).
		Permit(evtRecv300699, StateCompleted).
		Permit(evtTimerF, StateTerminated).
		Permit(evtTranspErr, StateTerminated).
		Permit(evtTerminate, StateTerminated)

	fsm.Configure(StateCompleted).
		OnEntry(tx.actCompleted).
		OnEntryFrom(evtRecv2xx, tx.actPassRes).
		OnEntryFrom(evtRecv300699, tx.actPassRes).
		InternalTransition(evtRecv2xx, tx.actNoop).
		InternalTransition(evtRecv300699, tx.actNoop).
		Permit(evtTimerK, StateTerminated).
		Permit(evtTerminate, StateTerminated)

	fsm.Configure(StateTerminated).
		OnEntry(tx.actTerminated).
		OnEntryFrom(evtTimerF, tx.actTimedOut).
		OnEntryFrom(evtTranspErr, tx.actTranspErr)
}

func (tx *NonInviteClientTx) actTrying(_ context.Context, _ ...any) error {
	tx.log.Debug("non-invite client transaction trying", "request", tx.req)

	if err := tx.send(tx.req); err != nil {
		return nil //nolint:nilerr // the transport error event drives the FSM
	}

	if !tx.reliable && !tx.noRetrans {
		tx.tmrE.Store(timeutil.AfterFunc(tx.timings.TimeE(), tx.onTimerE))
	}
	tx.tmrF.Store(timeutil.AfterFunc(tx.timings.TimeF(), tx.onTimerF))
	return nil
}

func (tx *NonInviteClientTx) actResendReq(_ context.Context, _ ...any) error {
	tx.send(tx.req) //nolint:errcheck
	return nil
}

func (tx *NonInviteClientTx) actNoop(_ context.Context, _ ...any) error { return nil }

func (tx *NonInviteClientTx) onTimerE() {
	state := tx.State()
	if state != StateTrying && state != StateProceeding {
		return
	}
	tx.fire(evtTimerE)
	if tmr := tx.tmrE.Load(); tmr != nil {
		// E doubles up to the T2 cap (RFC 3261 17.1.2.2)
		tmr.Reset(min(2*tmr.Duration(), tx.timings.T2()))
	}
}

func (tx *NonInviteClientTx) onTimerF() {
	tx.tmrF.Store(nil)
	state := tx.State()
	if state != StateTrying && state != StateProceeding {
		return
	}
	tx.fire(evtTimerF)
}

func (tx *NonInviteClientTx) actPassRes(_ context.Context, args ...any) error {
	res := args[0].(*sip.Response) //nolint:forcetypeassert
	tx.passResponse(res)
	return nil
}

func (tx *NonInviteClientTx) actCompleted(_ context.Context, _ ...any) error {
	stopTimer(&tx.tmrE)
	stopTimer(&tx.tmrF)

	timeK := tx.timings.TimeK()
	if tx.reliable {
		timeK = 0
	}
	tx.tmrK.Store(timeutil.AfterFunc(timeK, tx.onTimerK))
	return nil
}

func (tx *NonInviteClientTx) onTimerK() {
	tx.tmrK.Store(nil)
	if tx.State() != StateCompleted {
		return
	}
	tx.fire(evtTimerK)
}

func (tx *NonInviteClientTx) actTimedOut(_ context.Context, _ ...any) error {
	tx.passTimeout()
	return nil
}

func (tx *NonInviteClientTx) actTranspErr(_ context.Context, args ...any) error {
	if len(args) > 0 {
		if err, ok := args[0].(error); ok {
			tx.passTransportError(err)
		}
	}
	return nil
}

func (tx *NonInviteClientTx) actTerminated(_ context.Context, _ ...any) error {
	stopTimer(&tx.tmrE)
	stopTimer(&tx.tmrF)
	stopTimer(&tx.tmrK)
	tx.notifyTerminated()
	return nil
}
