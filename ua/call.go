package ua

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"braces.dev/errtrace"

	"github.com/softsip/softsip/dialog"
	"github.com/softsip/softsip/internal/timeutil"
	"github.com/softsip/softsip/sip"
	"github.com/softsip/softsip/transaction"
	"github.com/softsip/softsip/transport"
)

// CallOutcome is the terminal result of a call placement.
type CallOutcome string

const (
	OutcomeEstablished      CallOutcome = "established"
	OutcomeRejected         CallOutcome = "rejected"
	OutcomeTimeout          CallOutcome = "timeout"
	OutcomeCancelled        CallOutcome = "cancelled"
	OutcomeTransportFailure CallOutcome = "transport_failure"
)

// CallResult is the resolved outcome of a placement attempt.
type CallResult struct {
	Outcome CallOutcome
	Status  sip.ResponseStatus
	Reason  string
}

// ErrNotEstablished is returned for in-call operations before the
// call confirms.
const ErrNotEstablished sip.Error = "call not established"

// ErrNoNegotiator is returned when an operation needs the SDP hook
// and none is configured.
const ErrNoNegotiator sip.Error = "no SDP negotiator configured"

// Call is one call leg, client or server side.
type Call struct {
	ua   *UserAgent
	role dialog.Role

	mu       sync.Mutex
	dlg      *dialog.Dialog
	invite   *sip.Request
	inviteTx transaction.ClientTransaction
	srvTx    transaction.ServerTransaction
	lastAck  *sip.Request

	remoteSDP []byte

	placed      chan struct{}
	result      CallResult
	resolved    bool
	cancelled   bool
	authRetried bool
	tcpRetried  bool
	ended       bool

	// UAS-side 2xx retransmission until the ACK arrives
	acked      bool
	res2xx     *sip.Response
	res2xxTmr  *timeutil.Timer
	res2xxLeft time.Duration

	transfer *Transfer
}

// PlaceCall originates a call: an INVITE with the given opaque SDP
// offer. The returned Call resolves when a final response arrives or
// the transaction times out; cancel the context to CANCEL the call.
func (ua *UserAgent) PlaceCall(ctx context.Context, target sip.URI, offer []byte) (*Call, error) {
	req := ua.newRequest(sip.INVITE, target, nil, offer)
	if len(offer) > 0 {
		req.AppendHeader(sip.ContentTypeHeader("application/sdp"))
	}

	call := &Call{
		ua:     ua,
		role:   dialog.RoleUAC,
		invite: req,
		placed: make(chan struct{}),
	}
	if err := call.startInvite(ctx, req); err != nil {
		return nil, errtrace.Wrap(err)
	}

	go func() {
		select {
		case <-ctx.Done():
			call.Cancel(context.Background()) //nolint:errcheck
		case <-call.placed:
		}
	}()
	return call, nil
}

func (call *Call) startInvite(ctx context.Context, req *sip.Request) error {
	tx, err := call.ua.txl.Request(req, nil)
	if err != nil {
		return errtrace.Wrap(err)
	}

	call.mu.Lock()
	call.invite = req
	call.inviteTx = tx
	call.mu.Unlock()

	tx.OnResponse(func(res *sip.Response) { call.onInviteResponse(ctx, res) })
	tx.OnTimeout(func() {
		// transaction timeout surfaces as the synthetic 408
		call.dropEarlyDialog()
		call.resolve(CallResult{Outcome: OutcomeTimeout, Status: sip.StatusRequestTimeout, Reason: "Request Timeout"})
	})
	tx.OnTransportError(func(err error) { call.onInviteTransportError(ctx, err) })
	return nil
}

// dropEarlyDialog tears down an early dialog left behind by a failed
// placement.
func (call *Call) dropEarlyDialog() {
	call.mu.Lock()
	dlg := call.dlg
	call.mu.Unlock()
	if dlg != nil {
		dlg.Terminate()
		call.ua.dialogs.Delete(dlg)
	}
	call.ua.dropCall(call)
}

// onInviteTransportError retries once over TCP when UDP refused the
// message for size, regenerating the branch; any other failure
// resolves the call.
func (call *Call) onInviteTransportError(ctx context.Context, err error) {
	call.mu.Lock()
	retry := errors.Is(err, transport.ErrCongestionRequiresReliable) && !call.tcpRetried
	call.tcpRetried = call.tcpRetried || retry
	invite := call.invite
	call.mu.Unlock()

	if !retry {
		call.dropEarlyDialog()
		call.resolve(CallResult{Outcome: OutcomeTransportFailure, Reason: err.Error()})
		return
	}

	req := invite.Clone().(*sip.Request) //nolint:forcetypeassert
	if uri, ok := req.URI().(*sip.SIPURI); ok {
		u := uri.Clone().(*sip.SIPURI) //nolint:forcetypeassert
		if u.Params == nil {
			u.Params = sip.NewParams()
		}
		u.Params.Add("transport", "tcp")
		req.SetURI(u)
	}
	if hop, ok := req.ViaHop(); ok {
		hop.SetBranch(sip.GenerateBranch())
		hop.Transport = "TCP"
	}
	req.SetDestination("")

	if err := call.startInvite(ctx, req); err != nil {
		call.resolve(CallResult{Outcome: OutcomeTransportFailure, Reason: err.Error()})
	}
}

func (call *Call) onInviteResponse(ctx context.Context, res *sip.Response) {
	switch {
	case res.Status().IsProvisional():
		call.onInviteProvisional(res)
	case res.Status().IsSuccessful():
		call.onInvite2xx(ctx, res)
	default:
		call.onInviteFailure(ctx, res)
	}
}

func (call *Call) onInviteProvisional(res *sip.Response) {
	to, ok := res.To()
	if !ok || res.Status() == sip.StatusTrying {
		return
	}
	if _, tagged := to.Tag(); !tagged {
		return
	}

	call.mu.Lock()
	defer call.mu.Unlock()
	if call.dlg != nil {
		return
	}
	dlg, err := dialog.NewUAC(call.invite, res)
	if err != nil {
		return
	}
	call.dlg = dlg
	call.ua.dialogs.Put(dlg)
	call.ua.storeCall(call)
}

func (call *Call) onInvite2xx(ctx context.Context, res *sip.Response) {
	call.mu.Lock()
	if call.ended {
		call.mu.Unlock()
		return
	}
	if call.dlg == nil {
		dlg, err := dialog.NewUAC(call.invite, res)
		if err != nil {
			call.mu.Unlock()
			return
		}
		call.dlg = dlg
		call.ua.dialogs.Put(dlg)
		call.ua.storeCall(call)
	} else {
		oldKey := call.dlg.Key()
		call.dlg.Confirm(res)
		call.ua.dialogs.Rekey(oldKey, call.dlg)
		call.ua.mu.Lock()
		delete(call.ua.calls, oldKey)
		call.ua.calls[call.dlg.Key()] = call
		call.ua.mu.Unlock()
	}
	call.remoteSDP = res.Body()
	dlg := call.dlg
	call.mu.Unlock()

	ack, err := dlg.NewAck(nil)
	if err == nil {
		call.mu.Lock()
		call.lastAck = ack
		call.mu.Unlock()
		call.ua.sendAck(ctx, ack)
	}

	if neg := call.ua.opts.SDP; neg != nil && len(res.Body()) > 0 {
		neg.RemoteAnswer(res.Body())
	}

	first := call.resolve(CallResult{Outcome: OutcomeEstablished, Status: res.Status()})
	if first && call.ua.opts.OnCallAnswered != nil {
		call.ua.opts.OnCallAnswered(call)
	}
}

func (call *Call) onInviteFailure(ctx context.Context, res *sip.Response) {
	status := res.Status()

	if status == sip.StatusUnauthorized || status == sip.StatusProxyAuthRequired {
		call.mu.Lock()
		retry := !call.authRetried && call.ua.auth.canAnswer(res)
		call.authRetried = call.authRetried || retry
		invite := call.invite
		call.mu.Unlock()

		if retry {
			req, err := call.ua.auth.answerChallenge(invite, res)
			if err == nil {
				if err := call.startInvite(ctx, req); err == nil {
					return
				}
			}
		}
	}

	// an early dialog dies with the failure
	call.mu.Lock()
	if call.dlg != nil {
		call.dlg.Terminate()
		call.ua.dialogs.Delete(call.dlg)
	}
	cancelled := call.cancelled
	call.mu.Unlock()
	call.ua.dropCall(call)

	if cancelled && status == sip.StatusRequestTerminated {
		call.resolve(CallResult{Outcome: OutcomeCancelled, Status: status, Reason: res.Reason()})
		return
	}
	call.resolve(CallResult{Outcome: OutcomeRejected, Status: status, Reason: res.Reason()})
}

// resolve records the placement outcome once. It reports whether this
// call resolved it.
func (call *Call) resolve(result CallResult) bool {
	call.mu.Lock()
	if call.resolved {
		call.mu.Unlock()
		return false
	}
	call.resolved = true
	call.result = result
	call.mu.Unlock()
	close(call.placed)
	return true
}

// Done is closed when the placement resolves.
func (call *Call) Done() <-chan struct{} { return call.placed }

// Result returns the placement outcome; valid after Done closes.
func (call *Call) Result() CallResult {
	call.mu.Lock()
	defer call.mu.Unlock()
	return call.result
}

// Wait blocks until the placement resolves or ctx expires.
func (call *Call) Wait(ctx context.Context) (CallResult, error) {
	select {
	case <-call.placed:
		return call.Result(), nil
	case <-ctx.Done():
		return CallResult{}, errtrace.Wrap(ctx.Err())
	}
}

// RemoteSDP returns the peer's SDP payload, nil before negotiation.
func (call *Call) RemoteSDP() []byte {
	call.mu.Lock()
	defer call.mu.Unlock()
	return call.remoteSDP
}

// Established reports whether the call is confirmed and alive.
func (call *Call) Established() bool {
	call.mu.Lock()
	defer call.mu.Unlock()
	return call.resolved && call.result.Outcome == OutcomeEstablished && !call.ended
}

// Cancel aborts an unanswered outgoing call with CANCEL, per RFC 3261
// section 9.1. Races with the peer's 200 resolve per the transaction
// rules: whichever final response arrives first decides the outcome.
func (call *Call) Cancel(ctx context.Context) error {
	call.mu.Lock()
	if call.resolved || call.cancelled || call.role != dialog.RoleUAC {
		call.mu.Unlock()
		return nil
	}
	tx := call.inviteTx
	if tx == nil || (tx.State() != transaction.StateCalling && tx.State() != transaction.StateProceeding) {
		call.mu.Unlock()
		return nil
	}
	call.cancelled = true
	invite := call.invite
	call.mu.Unlock()

	cancel := buildCancel(invite)
	_, err := call.ua.txl.Request(cancel, nil)
	return errtrace.Wrap(err)
}

// buildCancel constructs the CANCEL for a pending INVITE: same
// request-URI, Via (including branch), From, To, Call-ID and CSeq
// number, method CANCEL.
func buildCancel(invite *sip.Request) *sip.Request {
	cancel := sip.NewRequest(sip.CANCEL, invite.URI().Clone(), nil, nil)
	if hop, ok := invite.ViaHop(); ok {
		cancel.AppendHeader(sip.ViaHeader{hop.Clone()})
	}
	sip.CopyHeaders("From", invite, cancel)
	sip.CopyHeaders("To", invite, cancel)
	sip.CopyHeaders("Call-ID", invite, cancel)
	sip.CopyHeaders("Route", invite, cancel)
	if cseq, ok := invite.CSeq(); ok {
		cancel.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, Method: sip.CANCEL})
	}
	cancel.AppendHeader(sip.MaxForwardsHeader(sip.DefaultMaxForwards))

	cancel.SetTransport(invite.Transport())
	cancel.SetDestination(invite.Destination())
	return cancel
}

// Hangup ends the call: BYE when confirmed, CANCEL when still in
// progress.
func (call *Call) Hangup(ctx context.Context) error {
	call.mu.Lock()
	established := call.resolved && call.result.Outcome == OutcomeEstablished && !call.ended
	call.mu.Unlock()

	if !established {
		return errtrace.Wrap(call.Cancel(ctx))
	}

	call.mu.Lock()
	dlg := call.dlg
	call.mu.Unlock()

	bye, err := dlg.NewRequest(sip.BYE, nil)
	if err != nil {
		return errtrace.Wrap(err)
	}
	tx, err := call.ua.txl.Request(bye, nil)
	if err != nil {
		call.terminate()
		return errtrace.Wrap(err)
	}

	done := make(chan struct{})
	var once sync.Once
	finish := func() { once.Do(func() { close(done) }) }
	tx.OnResponse(func(*sip.Response) { finish() })
	tx.OnTimeout(finish)
	tx.OnTransportError(func(error) { finish() })

	select {
	case <-done:
	case <-ctx.Done():
	}
	call.terminate()
	return nil
}

// remoteHangup handles an inbound BYE; the 200 already went out.
func (call *Call) remoteHangup() {
	call.terminate()
}

// terminate tears down local state and fires OnCallEnded once.
func (call *Call) terminate() {
	call.mu.Lock()
	if call.ended {
		call.mu.Unlock()
		return
	}
	call.ended = true
	if call.res2xxTmr != nil {
		call.res2xxTmr.Stop()
		call.res2xxTmr = nil
	}
	dlg := call.dlg
	call.mu.Unlock()

	if dlg != nil {
		dlg.Terminate()
		call.ua.dialogs.Delete(dlg)
	}
	call.ua.dropCall(call)

	if call.ua.opts.OnCallEnded != nil {
		call.ua.opts.OnCallEnded(call)
	}
}

// Hold sends a re-INVITE with a hold (or resume) offer from the SDP
// negotiator and waits for the final response.
func (call *Call) Hold(ctx context.Context, on bool) error {
	neg := call.ua.opts.SDP
	if neg == nil {
		return errtrace.Wrap(ErrNoNegotiator)
	}
	offer, err := neg.LocalOffer(on)
	if err != nil {
		return errtrace.Wrap(err)
	}
	return errtrace.Wrap(call.reinvite(ctx, offer))
}

// reinvite drives one in-dialog INVITE offer/answer exchange.
func (call *Call) reinvite(ctx context.Context, offer []byte) error {
	call.mu.Lock()
	if call.ended || call.dlg == nil {
		call.mu.Unlock()
		return errtrace.Wrap(ErrNotEstablished)
	}
	dlg := call.dlg
	call.mu.Unlock()

	req, err := dlg.NewRequest(sip.INVITE, offer)
	if err != nil {
		return errtrace.Wrap(err)
	}
	if len(offer) > 0 {
		req.AppendHeader(sip.ContentTypeHeader("application/sdp"))
	}

	tx, err := call.ua.txl.Request(req, nil)
	if err != nil {
		return errtrace.Wrap(err)
	}

	type outcome struct {
		res *sip.Response
		err error
	}
	done := make(chan outcome, 1)
	put := func(o outcome) {
		select {
		case done <- o:
		default:
		}
	}
	tx.OnResponse(func(res *sip.Response) {
		if res.Status().IsFinal() {
			put(outcome{res: res})
		}
	})
	tx.OnTimeout(func() { put(outcome{err: sip.Error("re-INVITE timed out")}) })
	tx.OnTransportError(func(err error) { put(outcome{err: err}) })

	select {
	case o := <-done:
		if o.err != nil {
			return errtrace.Wrap(o.err)
		}
		if !o.res.Status().IsSuccessful() {
			return errtrace.Wrap(fmt.Errorf("re-INVITE rejected: %d %s", o.res.Status(), o.res.Reason()))
		}
		ack, err := dlg.NewAck(nil)
		if err == nil {
			call.mu.Lock()
			call.lastAck = ack
			call.mu.Unlock()
			call.ua.sendAck(ctx, ack)
		}
		if neg := call.ua.opts.SDP; neg != nil && len(o.res.Body()) > 0 {
			neg.RemoteAnswer(o.res.Body())
		}
		return nil
	case <-ctx.Done():
		tx.Terminate()
		return errtrace.Wrap(ctx.Err())
	}
}

// recvAck2xx confirms the server side of the call: the peer ACKed our
// 2xx, retransmission stops.
func (call *Call) recvAck2xx(_ *sip.Request) {
	call.mu.Lock()
	call.acked = true
	if call.res2xxTmr != nil {
		call.res2xxTmr.Stop()
		call.res2xxTmr = nil
	}
	call.res2xx = nil
	call.mu.Unlock()
}

// resendAck answers a retransmitted 2xx with the stored ACK.
func (call *Call) resendAck() {
	call.mu.Lock()
	ack := call.lastAck
	call.mu.Unlock()
	if ack != nil {
		call.ua.sendAck(context.Background(), ack)
	}
}

// start2xxRetransmit arms the TU-level retransmission of a 2xx to
// INVITE: the engine stays out of it per RFC 6026, the TU repeats the
// response at an interval starting at T1 and doubling up to T2 until
// the ACK or the 64*T1 give up point.
func (call *Call) start2xxRetransmit(res *sip.Response) {
	timings := call.ua.opts.Timings

	call.mu.Lock()
	if call.acked {
		call.mu.Unlock()
		return
	}
	call.res2xx = res
	call.res2xxLeft = timings.TimeB()
	interval := timings.T1()
	call.res2xxTmr = timeutil.AfterFunc(interval, func() { call.retransmit2xx(interval) })
	call.mu.Unlock()
}

func (call *Call) retransmit2xx(last time.Duration) {
	timings := call.ua.opts.Timings

	call.mu.Lock()
	res := call.res2xx
	tmr := call.res2xxTmr
	call.res2xxLeft -= last
	left := call.res2xxLeft
	call.mu.Unlock()

	if res == nil || tmr == nil {
		return
	}
	if left <= 0 {
		// peer never ACKed: the call is dead
		call.terminate()
		return
	}

	if err := call.ua.tpl.Send(context.Background(), res); err != nil {
		call.ua.log.Warn("2xx retransmission failed", "response", res, "error", err)
	}

	next := min(2*last, timings.T2())
	call.mu.Lock()
	if call.res2xxTmr != nil {
		call.res2xxTmr = timeutil.AfterFunc(next, func() { call.retransmit2xx(next) })
	}
	call.mu.Unlock()
}

// recvReinvite answers an in-dialog re-INVITE through the SDP
// negotiator; without one the offer is declined.
func (call *Call) recvReinvite(tx transaction.ServerTransaction, req *sip.Request) {
	neg := call.ua.opts.SDP
	if neg == nil {
		call.ua.respond(tx, req, sip.StatusNotAcceptableHere, "")
		return
	}
	answer, err := neg.Answer(req.Body())
	if err != nil {
		call.ua.respond(tx, req, sip.StatusNotAcceptableHere, "")
		return
	}

	res := sip.NewResponseFromRequest(req, sip.StatusOK, "", answer)
	res.AppendHeader(sip.ContentTypeHeader("application/sdp"))
	res.AppendHeader(&sip.ContactHeader{Address: sip.Address{URI: call.ua.contactURI().Clone()}})

	call.mu.Lock()
	call.acked = false
	call.mu.Unlock()

	// as on the initial INVITE, the accepted transaction may absorb
	// the ACK itself
	tx.OnAck(call.recvAck2xx)

	if err := tx.Respond(res); err != nil {
		call.ua.log.Warn("failed to answer re-INVITE", "error", err)
		return
	}
	call.start2xxRetransmit(res)
}
