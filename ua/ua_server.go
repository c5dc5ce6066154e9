package ua

import (
	"context"

	"github.com/softsip/softsip/dialog"
	"github.com/softsip/softsip/internal/util"
	"github.com/softsip/softsip/sip"
	"github.com/softsip/softsip/transaction"
)

// recvRequest is the TU entry point for new server transactions.
func (ua *UserAgent) recvRequest(tx transaction.ServerTransaction, req *sip.Request) {
	ctx := context.Background()

	// request hygiene before any routing
	if mf := req.GetHeaders("Max-Forwards"); len(mf) > 0 {
		if v, ok := mf[0].(sip.MaxForwardsHeader); ok && v == 0 {
			ua.respond(tx, req, sip.StatusTooManyHops, "")
			return
		}
	}
	switch req.URI().(type) {
	case *sip.SIPURI, *sip.TelURI:
	default:
		ua.respond(tx, req, sip.StatusUnsupportedURIScheme, "")
		return
	}

	if to, ok := req.To(); ok {
		if _, tagged := to.Tag(); tagged {
			ua.recvInDialogRequest(ctx, tx, req)
			return
		}
	}

	switch {
	case req.IsInvite():
		ua.recvInvite(tx, req)
	case req.Method().Equal(sip.OPTIONS):
		ua.respond(tx, req, sip.StatusOK, "")
	default:
		ua.respond(tx, req, sip.StatusMethodNotAllowed, "")
	}
}

// recvInDialogRequest routes a tagged request to its dialog.
func (ua *UserAgent) recvInDialogRequest(ctx context.Context, tx transaction.ServerTransaction, req *sip.Request) {
	dlg, ok := ua.dialogs.MatchRequest(req)
	if !ok {
		ua.respond(tx, req, sip.StatusCallDoesNotExist, "")
		return
	}
	if err := dlg.CheckInbound(req); err != nil {
		ua.respond(tx, req, sip.StatusInternalServerError, "CSeq out of order")
		return
	}

	call := ua.callByKey(dlg.Key())
	if call == nil {
		ua.respond(tx, req, sip.StatusCallDoesNotExist, "")
		return
	}

	switch {
	case req.Method().Equal(sip.BYE):
		ua.respond(tx, req, sip.StatusOK, "")
		call.remoteHangup()
	case req.IsInvite():
		call.recvReinvite(tx, req)
	case req.Method().Equal(sip.REFER):
		call.recvRefer(ctx, tx, req)
	case req.Method().Equal(sip.NOTIFY):
		call.recvNotify(tx, req)
	case req.Method().Equal(sip.INFO):
		ua.respond(tx, req, sip.StatusOK, "")
		if ua.opts.OnDTMF != nil {
			ua.opts.OnDTMF(call, req.Body())
		}
	case req.Method().Equal(sip.OPTIONS):
		ua.respond(tx, req, sip.StatusOK, "")
	default:
		ua.respond(tx, req, sip.StatusMethodNotAllowed, "")
	}
}

// recvInvite surfaces a new inbound call.
func (ua *UserAgent) recvInvite(tx transaction.ServerTransaction, req *sip.Request) {
	if ua.opts.OnIncomingCall == nil {
		ua.respond(tx, req, sip.StatusTemporarilyUnavail, "")
		return
	}

	inv := newInvitation(ua, tx, req)

	ua.mu.Lock()
	ua.invitations[tx.Key().String()] = inv
	ua.mu.Unlock()
	tx.OnTerminated(func() {
		ua.mu.Lock()
		delete(ua.invitations, tx.Key().String())
		ua.mu.Unlock()
	})

	ua.opts.OnIncomingCall(inv)
}

// recvCancel aborts a pending invitation: the transaction layer has
// already answered the CANCEL itself.
func (ua *UserAgent) recvCancel(inviteTx transaction.ServerTransaction, _ *sip.Request) {
	ua.mu.Lock()
	inv := ua.invitations[inviteTx.Key().String()]
	ua.mu.Unlock()
	if inv != nil {
		inv.handleCancel()
	}
}

// recvAck handles ACKs travelling end-to-end: the ACK for a 2xx stops
// the TU-level 2xx retransmission.
func (ua *UserAgent) recvAck(ack *sip.Request) {
	if dlg, ok := ua.dialogs.MatchRequest(ack); ok {
		if call := ua.callByKey(dlg.Key()); call != nil {
			call.recvAck2xx(ack)
		}
	}
}

// recvOrphanResponse catches 2xx retransmissions arriving after the
// INVITE client transaction terminated; the ACK is repeated
// end-to-end.
func (ua *UserAgent) recvOrphanResponse(res *sip.Response) {
	if !res.Status().IsSuccessful() {
		return
	}
	if dlg, ok := ua.dialogs.MatchResponse(res); ok {
		if call := ua.callByKey(dlg.Key()); call != nil {
			call.resendAck()
		}
	}
}

func (ua *UserAgent) callByKey(key dialog.Key) *Call {
	ua.mu.Lock()
	defer ua.mu.Unlock()
	return ua.calls[key]
}

func (ua *UserAgent) storeCall(call *Call) {
	ua.mu.Lock()
	ua.calls[call.dlg.Key()] = call
	ua.mu.Unlock()
}

func (ua *UserAgent) dropCall(call *Call) {
	ua.mu.Lock()
	if call.dlg != nil {
		delete(ua.calls, call.dlg.Key())
	}
	ua.mu.Unlock()
}

// respond answers a server transaction with a simple status.
func (ua *UserAgent) respond(tx transaction.ServerTransaction, req *sip.Request, status sip.ResponseStatus, reason string) {
	res := sip.NewResponseFromRequest(req, status, reason, nil)
	if to, ok := res.To(); ok {
		if _, tagged := to.Tag(); !tagged && status != sip.StatusTrying {
			to.SetTag(util.NewTag())
		}
	}
	res.AppendHeader(sip.AllowHeader{
		sip.INVITE, sip.ACK, sip.CANCEL, sip.BYE, sip.OPTIONS,
		sip.INFO, sip.REFER, sip.NOTIFY,
	})
	res.AppendHeader(sip.ServerHeader(ua.name))
	if err := tx.Respond(res); err != nil {
		ua.log.Warn("failed to respond", "response", res, "error", err)
	}
}
