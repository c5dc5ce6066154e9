package transaction

import (
	"context"
	"reflect"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/softsip/softsip/internal/timeutil"
	"github.com/softsip/softsip/sip"
)

// NonInviteServerTx implements the non-INVITE server transaction of
// RFC 3261 section 17.2.2.
type NonInviteServerTx struct {
	*serverTx

	tmrJ atomic.Pointer[timeutil.Timer]
}

// NewNonInviteServerTx creates the transaction in the trying state.
func NewNonInviteServerTx(req *sip.Request, tp Transport, opts *Options) (*NonInviteServerTx, error) {
	if req.IsInvite() || req.IsAck() {
		return nil, errtrace.Wrap(sip.ErrInvalidMessage)
	}

	base, err := newServerTx(TypeServerNonInvite, req, tp, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx := &NonInviteServerTx{serverTx: base}
	tx.initFSM()
	tx.log.Debug("non-invite server transaction trying", "request", tx.req)
	return tx, nil
}

func (tx *NonInviteServerTx) initFSM() {
	fsm := tx.newFSM(StateTrying)

	resType := reflect.TypeOf((*sip.Response)(nil))
	reqType := reflect.TypeOf((*sip.Request)(nil))
	fsm.SetTriggerParameters(evtSend1xx, resType)
	fsm.SetTriggerParameters(evtSend2xx, resType)
	fsm.SetTriggerParameters(evtSend300699, resType)
	fsm.SetTriggerParameters(evtRecvReq, reqType)
	fsm.SetTriggerParameters(evtTranspErr, reflect.TypeOf((*error)(nil)).Elem())

	fsm.Configure(StateTrying).
		// retransmissions in trying are discarded (17.2.2)
		InternalTransition(evtRecvReq, tx.actNoop).
		Permit(evtSend1xx, StateProceeding).
		Permit(evtSend2xx, StateCompleted).
		Permit(evtSend300699, StateCompleted).
		Permit(evtTranspErr, StateTerminated).
		Permit(evtTerminate, StateTerminated)

	fsm.Configure(StateProceeding).
		OnEntryFrom(evtSend1xx, tx.actSendRes).
		InternalTransition(evtSend1xx, tx.actSendRes).
		InternalTransition(evtRecvReq, tx.actResendRes).
		Permit(evtSend2xx, StateCompleted).
		Permit(evtSend300699, StateCompleted).
		Permit(evtTranspErr, StateTerminated).
		Permit(evtTerminate, StateTerminated)

	fsm.Configure(StateCompleted).
		OnEntry(tx.actCompleted).
		OnEntryFrom(evtSend2xx, tx.actSendRes).
		OnEntryFrom(evtSend300699, tx.actSendRes).
		InternalTransition(evtRecvReq, tx.actResendRes).
		InternalTransition(evtSend2xx, tx.actNoop).
		InternalTransition(evtSend300699, tx.actNoop).
		Permit(evtTimerJ, StateTerminated).
		Permit(evtTranspErr, StateTerminated).
		Permit(evtTerminate, StateTerminated)

	fsm.Configure(StateTerminated).
		OnEntry(tx.actTerminated)
}

func (tx *NonInviteServerTx) actSendRes(_ context.Context, args ...any) error {
	res := args[0].(*sip.Response) //nolint:forcetypeassert
	tx.sendRes(res)
	return nil
}

func (tx *NonInviteServerTx) actResendRes(_ context.Context, _ ...any) error {
	tx.resendLastRes()
	return nil
}

func (tx *NonInviteServerTx) actNoop(_ context.Context, _ ...any) error { return nil }

func (tx *NonInviteServerTx) actCompleted(_ context.Context, _ ...any) error {
	timeJ := tx.timings.TimeJ()
	if tx.reliable {
		timeJ = 0
	}
	tx.tmrJ.Store(timeutil.AfterFunc(timeJ, tx.onTimerJ))
	return nil
}

func (tx *NonInviteServerTx) onTimerJ() {
	tx.tmrJ.Store(nil)
	if tx.State() != StateCompleted {
		return
	}
	tx.fire(evtTimerJ)
}

func (tx *NonInviteServerTx) actTerminated(_ context.Context, _ ...any) error {
	stopTimer(&tx.tmrJ)
	tx.notifyTerminated()
	return nil
}
