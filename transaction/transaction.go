// Package transaction implements the four RFC 3261 transaction state
// machines, time-driven retransmission, and the layer that indexes
// live transactions and dispatches messages to them.
package transaction

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/qmuntal/stateless"

	"github.com/softsip/softsip/internal/log"
	"github.com/softsip/softsip/internal/timeutil"
	"github.com/softsip/softsip/sip"
)

// Type identifies one of the four transaction kinds.
type Type string

const (
	TypeClientInvite    Type = "client_invite"
	TypeClientNonInvite Type = "client_non_invite"
	TypeServerInvite    Type = "server_invite"
	TypeServerNonInvite Type = "server_non_invite"
)

// State is a transaction FSM state.
type State string

const (
	StateCalling    State = "calling"
	StateTrying     State = "trying"
	StateProceeding State = "proceeding"
	StateCompleted  State = "completed"
	StateConfirmed  State = "confirmed"
	StateAccepted   State = "accepted"
	StateTerminated State = "terminated"
)

// FSM triggers shared by the four machines.
const (
	evtRecv1xx    = "recv_1xx"
	evtRecv2xx    = "recv_2xx"
	evtRecv300699 = "recv_300_699"
	evtRecvReq    = "recv_request"
	evtRecvAck    = "recv_ack"
	evtSend1xx    = "send_1xx"
	evtSend2xx    = "send_2xx"
	evtSend300699 = "send_300_699"
	evtTranspErr  = "transport_error"
	evtTerminate  = "terminate"

	evtTimerA   = "timer_a"
	evtTimerB   = "timer_b"
	evtTimerD   = "timer_d"
	evtTimerE   = "timer_e"
	evtTimerF   = "timer_f"
	evtTimerG   = "timer_g"
	evtTimerH   = "timer_h"
	evtTimerI   = "timer_i"
	evtTimerJ   = "timer_j"
	evtTimerK   = "timer_k"
	evtTimerL   = "timer_l"
	evtTimerM   = "timer_m"
	evtTimer1xx = "timer_1xx"
)

// Transport is the downward dependency of the engine: something that
// can put messages on the wire and knows which transports are
// reliable. *transport.Layer satisfies it.
type Transport interface {
	Send(ctx context.Context, msg sip.Message) error
	IsReliable(transport string) bool
}

// Transaction is the surface every transaction exposes.
type Transaction interface {
	Type() Type
	State() State
	Request() *sip.Request
	// Terminate forces the transaction into the terminated state,
	// stopping all timers. Quiet-time obligations are abandoned.
	Terminate()
	// OnTerminated registers a callback fired once on termination.
	OnTerminated(fn func())
}

// Options configure a single transaction.
type Options struct {
	// Timings overrides the timer base values.
	Timings TimingConfig
	// DisableRetransmit suppresses the retransmission timers
	// (A, E, G) for test harnesses and constrained links.
	DisableRetransmit bool
	// DisableAuto100 suppresses the automatic 100 Trying an INVITE
	// server transaction emits when the TU stays silent.
	DisableAuto100 bool
	// Logger is the transaction logger. If nil, log.Def is used.
	Logger *slog.Logger
}

func (o *Options) timings() TimingConfig {
	if o == nil {
		return TimingConfig{}
	}
	return o.Timings
}

func (o *Options) disableRetransmit() bool {
	return o != nil && o.DisableRetransmit
}

func (o *Options) disableAuto100() bool {
	return o != nil && o.DisableAuto100
}

func (o *Options) log() *slog.Logger {
	if o == nil || o.Logger == nil {
		return log.Def
	}
	return o.Logger
}

// baseTx carries what all four machines share: the FSM, the original
// request, the transport handle, timing config and the terminated
// callback list.
type baseTx struct {
	typ      Type
	fsm      *stateless.StateMachine
	ctx      context.Context
	cancel   context.CancelFunc
	req      *sip.Request
	tp       Transport
	timings  TimingConfig
	reliable bool
	// noRetrans suppresses timers A, E and G.
	noRetrans bool
	log       *slog.Logger

	mu         sync.Mutex
	terminated bool
	onTerm     []func()
}

func newBaseTx(typ Type, req *sip.Request, tp Transport, opts *Options) *baseTx {
	ctx, cancel := context.WithCancel(context.Background())
	return &baseTx{
		typ:       typ,
		ctx:       ctx,
		cancel:    cancel,
		req:       req,
		tp:        tp,
		timings:   opts.timings(),
		reliable:  tp.IsReliable(req.Transport()),
		noRetrans: opts.disableRetransmit(),
		log:       opts.log(),
	}
}

// newFSM builds the queued-firing state machine. Queued firing
// serializes all transitions of one transaction: at most one handler
// runs at a time, which is the ordering guarantee the engine promises.
// Unhandled triggers (late retransmits, timers racing a transition)
// are logged and dropped rather than treated as protocol errors.
func (tx *baseTx) newFSM(start State) *stateless.StateMachine {
	fsm := stateless.NewStateMachineWithMode(start, stateless.FiringQueued)
	fsm.OnUnhandledTrigger(func(_ context.Context, state stateless.State, trigger stateless.Trigger, _ []string) error {
		tx.log.Debug("ignoring event in current state",
			"transaction_type", string(tx.typ),
			"state", state, "event", trigger)
		return nil
	})
	tx.fsm = fsm
	return fsm
}

func (tx *baseTx) Type() Type { return tx.typ }

func (tx *baseTx) State() State {
	return tx.fsm.MustState().(State) //nolint:forcetypeassert
}

func (tx *baseTx) Request() *sip.Request { return tx.req }

func (tx *baseTx) Terminate() {
	tx.fire(evtTerminate)
}

func (tx *baseTx) OnTerminated(fn func()) {
	tx.mu.Lock()
	if tx.terminated {
		tx.mu.Unlock()
		fn()
		return
	}
	tx.onTerm = append(tx.onTerm, fn)
	tx.mu.Unlock()
}

// notifyTerminated runs the terminated callbacks exactly once.
func (tx *baseTx) notifyTerminated() {
	tx.mu.Lock()
	if tx.terminated {
		tx.mu.Unlock()
		return
	}
	tx.terminated = true
	fns := tx.onTerm
	tx.onTerm = nil
	tx.mu.Unlock()

	tx.cancel()
	for _, fn := range fns {
		fn()
	}
}

// fire pushes an event into the queued FSM.
func (tx *baseTx) fire(trigger string, args ...any) {
	if err := tx.fsm.FireCtx(tx.ctx, trigger, args...); err != nil {
		tx.log.Error("transaction event dispatch failed",
			"transaction_type", string(tx.typ), "event", trigger, "error", err)
	}
}

// stopTimer disarms and clears a timer slot.
func stopTimer(slot *atomic.Pointer[timeutil.Timer]) {
	if tmr := slot.Swap(nil); tmr != nil {
		tmr.Stop()
	}
}

// send puts a message on the wire, reporting failures into the FSM as
// transport errors.
func (tx *baseTx) send(msg sip.Message) error {
	if err := tx.tp.Send(tx.ctx, msg); err != nil {
		tx.fire(evtTranspErr, err)
		return err
	}
	return nil
}
