package ua

import (
	"sync"

	"braces.dev/errtrace"

	"github.com/softsip/softsip/dialog"
	"github.com/softsip/softsip/internal/util"
	"github.com/softsip/softsip/sip"
	"github.com/softsip/softsip/transaction"
)

// ErrInvitationDecided is returned when an invitation was already
// answered, rejected, redirected or cancelled.
const ErrInvitationDecided sip.Error = "invitation already decided"

// Invitation is one inbound call offer, carrying accept, reject and
// redirect actions plus provisional-response control.
type Invitation struct {
	ua *UserAgent
	tx transaction.ServerTransaction

	mu        sync.Mutex
	req       *sip.Request
	localTag  string
	decided   bool
	cancelled bool
	onCancel  func()
}

func newInvitation(ua *UserAgent, tx transaction.ServerTransaction, req *sip.Request) *Invitation {
	return &Invitation{
		ua:       ua,
		tx:       tx,
		req:      req,
		localTag: util.NewTag(),
	}
}

// Request returns the INVITE.
func (inv *Invitation) Request() *sip.Request { return inv.req }

// From returns the caller identity.
func (inv *Invitation) From() *sip.FromHeader {
	from, _ := inv.req.From()
	return from
}

// RemoteSDP returns the caller's offer.
func (inv *Invitation) RemoteSDP() []byte { return inv.req.Body() }

// OnCancel registers a callback fired when the caller CANCELs before
// the invitation is decided.
func (inv *Invitation) OnCancel(fn func()) {
	inv.mu.Lock()
	fired := inv.cancelled
	inv.onCancel = fn
	inv.mu.Unlock()
	if fired {
		fn()
	}
}

// Progress sends a provisional response, typically 180 Ringing.
func (inv *Invitation) Progress(status sip.ResponseStatus, reason string) error {
	if !status.IsProvisional() {
		return errtrace.Wrap(sip.ErrInvalidMessage)
	}
	inv.mu.Lock()
	if inv.decided {
		inv.mu.Unlock()
		return errtrace.Wrap(ErrInvitationDecided)
	}
	inv.mu.Unlock()

	res := inv.response(status, reason, nil)
	return errtrace.Wrap(inv.tx.Respond(res))
}

// Ring is shorthand for Progress(180).
func (inv *Invitation) Ring() error {
	return errtrace.Wrap(inv.Progress(sip.StatusRinging, ""))
}

// Answer accepts the call with the given opaque SDP answer. When
// answer is nil and an SDP negotiator is configured, the negotiator
// produces it from the caller's offer.
func (inv *Invitation) Answer(answer []byte) (*Call, error) {
	inv.mu.Lock()
	if inv.decided || inv.cancelled {
		inv.mu.Unlock()
		return nil, errtrace.Wrap(ErrInvitationDecided)
	}
	inv.decided = true
	inv.mu.Unlock()

	if answer == nil {
		if neg := inv.ua.opts.SDP; neg != nil {
			var err error
			answer, err = neg.Answer(inv.req.Body())
			if err != nil {
				inv.respondStatus(sip.StatusNotAcceptableHere, "")
				return nil, errtrace.Wrap(err)
			}
		}
	}

	res := inv.response(sip.StatusOK, "", answer)
	if len(answer) > 0 {
		res.AppendHeader(sip.ContentTypeHeader("application/sdp"))
	}

	dlg, err := dialog.NewUAS(inv.req, res)
	if err != nil {
		inv.respondStatus(sip.StatusInternalServerError, "")
		return nil, errtrace.Wrap(err)
	}

	call := &Call{
		ua:        inv.ua,
		role:      dialog.RoleUAS,
		dlg:       dlg,
		invite:    inv.req,
		srvTx:     inv.tx,
		remoteSDP: inv.req.Body(),
		placed:    make(chan struct{}),
	}
	call.resolve(CallResult{Outcome: OutcomeEstablished, Status: sip.StatusOK})

	inv.ua.dialogs.Put(dlg)
	inv.ua.storeCall(call)

	// the accepted transaction absorbs the ACK when the peer reuses
	// the INVITE branch; route it to the call so the 2xx
	// retransmission stops either way
	inv.tx.OnAck(call.recvAck2xx)

	if err := inv.tx.Respond(res); err != nil {
		call.terminate()
		return nil, errtrace.Wrap(err)
	}
	call.start2xxRetransmit(res)

	if inv.ua.opts.OnCallAnswered != nil {
		inv.ua.opts.OnCallAnswered(call)
	}
	return call, nil
}

// Reject declines the call with a failure status.
func (inv *Invitation) Reject(status sip.ResponseStatus, reason string) error {
	if !status.IsFinal() || status.IsSuccessful() {
		return errtrace.Wrap(sip.ErrInvalidMessage)
	}
	inv.mu.Lock()
	if inv.decided {
		inv.mu.Unlock()
		return errtrace.Wrap(ErrInvitationDecided)
	}
	inv.decided = true
	inv.mu.Unlock()

	inv.respondStatus(status, reason)
	return nil
}

// Redirect answers 302 with the given Contact target.
func (inv *Invitation) Redirect(target sip.URI) error {
	inv.mu.Lock()
	if inv.decided {
		inv.mu.Unlock()
		return errtrace.Wrap(ErrInvitationDecided)
	}
	inv.decided = true
	inv.mu.Unlock()

	res := inv.response(sip.StatusMovedTemporarily, "", nil)
	res.AppendHeader(&sip.ContactHeader{Address: sip.Address{URI: target.Clone()}})
	return errtrace.Wrap(inv.tx.Respond(res))
}

// handleCancel marks the invitation aborted by the caller and answers
// the INVITE with 487.
func (inv *Invitation) handleCancel() {
	inv.mu.Lock()
	if inv.decided {
		inv.mu.Unlock()
		return
	}
	inv.decided = true
	inv.cancelled = true
	fn := inv.onCancel
	inv.mu.Unlock()

	inv.respondStatus(sip.StatusRequestTerminated, "")
	if fn != nil {
		fn()
	}
}

func (inv *Invitation) response(status sip.ResponseStatus, reason string, body []byte) *sip.Response {
	res := sip.NewResponseFromRequest(inv.req, status, reason, body)
	if to, ok := res.To(); ok {
		if _, tagged := to.Tag(); !tagged && status != sip.StatusTrying {
			to.SetTag(inv.localTag)
		}
	}
	res.AppendHeader(&sip.ContactHeader{Address: sip.Address{URI: inv.ua.contactURI().Clone()}})
	res.AppendHeader(sip.ServerHeader(inv.ua.name))
	return res
}

func (inv *Invitation) respondStatus(status sip.ResponseStatus, reason string) {
	res := inv.response(status, reason, nil)
	if err := inv.tx.Respond(res); err != nil {
		inv.ua.log.Warn("failed to respond to INVITE", "response", res, "error", err)
	}
}
