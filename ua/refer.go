package ua

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"braces.dev/errtrace"

	"github.com/softsip/softsip/sip"
	"github.com/softsip/softsip/transaction"
)

// ErrTransferPending is returned when a transfer is already running
// on the call.
const ErrTransferPending sip.Error = "transfer already in progress"

// ErrTransferRejected is returned when the peer declines the REFER.
const ErrTransferRejected sip.Error = "transfer rejected"

// Transfer tracks the implicit subscription a REFER creates
// (RFC 3515): the peer reports progress with NOTIFY sipfrag bodies
// until a final status arrives.
type Transfer struct {
	mu      sync.Mutex
	updates chan sip.ResponseStatus
	done    chan struct{}
	final   sip.ResponseStatus
	closed  bool
}

func newTransfer() *Transfer {
	return &Transfer{
		updates: make(chan sip.ResponseStatus, 8),
		done:    make(chan struct{}),
	}
}

// Updates streams the NOTIFY progress statuses (100, 180, 200, ...).
func (t *Transfer) Updates() <-chan sip.ResponseStatus { return t.updates }

// Done closes when a final NOTIFY arrives or the subscription ends.
func (t *Transfer) Done() <-chan struct{} { return t.done }

// Final returns the last reported status; valid after Done closes.
func (t *Transfer) Final() sip.ResponseStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.final
}

// Succeeded reports whether the peer connected to the transfer target.
func (t *Transfer) Succeeded() bool { return t.Final().IsSuccessful() }

func (t *Transfer) push(status sip.ResponseStatus, terminal bool) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.final = status
	closeNow := terminal || status.IsFinal()
	if closeNow {
		t.closed = true
	}
	t.mu.Unlock()

	select {
	case t.updates <- status:
	default:
	}
	if closeNow {
		close(t.done)
	}
}

// Transfer asks the peer to call target instead (blind transfer), or,
// with attended set, to join that call using a Replaces-style target.
// The returned Transfer streams the peer's NOTIFY progress reports.
func (call *Call) Transfer(ctx context.Context, target sip.URI, attended *Call) (*Transfer, error) {
	call.mu.Lock()
	if call.ended || call.dlg == nil {
		call.mu.Unlock()
		return nil, errtrace.Wrap(ErrNotEstablished)
	}
	if call.transfer != nil {
		call.mu.Unlock()
		return nil, errtrace.Wrap(ErrTransferPending)
	}
	dlg := call.dlg
	xfer := newTransfer()
	call.transfer = xfer
	call.mu.Unlock()

	clear := func() {
		call.mu.Lock()
		call.transfer = nil
		call.mu.Unlock()
	}

	referTarget := target
	if attended != nil {
		referTarget = replacesTarget(target, attended)
	}

	req, err := dlg.NewRequest(sip.REFER, nil)
	if err != nil {
		clear()
		return nil, errtrace.Wrap(err)
	}
	req.AppendHeader(&sip.ReferToHeader{Address: sip.Address{URI: referTarget}})
	req.AppendHeader(&sip.ReferredByHeader{Address: sip.Address{URI: call.ua.localURI().Clone()}})

	tx, err := call.ua.txl.Request(req, nil)
	if err != nil {
		clear()
		return nil, errtrace.Wrap(err)
	}

	accepted := make(chan error, 1)
	put := func(err error) {
		select {
		case accepted <- err:
		default:
		}
	}
	tx.OnResponse(func(res *sip.Response) {
		if !res.Status().IsFinal() {
			return
		}
		if res.Status().IsSuccessful() {
			put(nil)
		} else {
			put(fmt.Errorf("%w: %d %s", ErrTransferRejected, res.Status(), res.Reason()))
		}
	})
	tx.OnTimeout(func() { put(sip.Error("REFER timed out")) })
	tx.OnTransportError(put)

	select {
	case err := <-accepted:
		if err != nil {
			clear()
			return nil, errtrace.Wrap(err)
		}
	case <-ctx.Done():
		clear()
		tx.Terminate()
		return nil, errtrace.Wrap(ctx.Err())
	}
	return xfer, nil
}

// replacesTarget embeds the attended call's dialog identity into the
// target URI headers so the transfer target replaces that leg.
func replacesTarget(target sip.URI, attended *Call) sip.URI {
	uri, ok := target.(*sip.SIPURI)
	if !ok {
		return target
	}
	attended.mu.Lock()
	dlg := attended.dlg
	attended.mu.Unlock()
	if dlg == nil {
		return target
	}
	key := dlg.Key()

	u := uri.Clone().(*sip.SIPURI) //nolint:forcetypeassert
	if u.Headers == nil {
		u.Headers = sip.NewParams()
	}
	u.Headers.Add("Replaces", fmt.Sprintf("%s%%3Bto-tag%%3D%s%%3Bfrom-tag%%3D%s",
		key.CallID, key.RemoteTag, key.LocalTag))
	return u
}

// recvNotify consumes transfer progress reports on the transferor
// side: message/sipfrag bodies carrying a status line.
func (call *Call) recvNotify(tx transaction.ServerTransaction, req *sip.Request) {
	call.mu.Lock()
	xfer := call.transfer
	call.mu.Unlock()
	if xfer == nil {
		call.ua.respond(tx, req, sip.StatusBadEvent, "")
		return
	}

	status, ok := parseSipfrag(req.Body())
	if !ok {
		call.ua.respond(tx, req, sip.StatusBadRequest, "malformed sipfrag")
		return
	}
	call.ua.respond(tx, req, sip.StatusOK, "")

	terminal := false
	for _, h := range req.GetHeaders("Subscription-State") {
		if ss, ok := h.(*sip.SubscriptionStateHeader); ok {
			terminal = strings.EqualFold(ss.State, "terminated")
		}
	}
	xfer.push(status, terminal)

	if terminal {
		call.mu.Lock()
		call.transfer = nil
		call.mu.Unlock()
	}
}

// recvRefer handles an inbound transfer request on the transferee
// side: the application decides, the stack answers 202 and opens the
// implicit subscription.
func (call *Call) recvRefer(ctx context.Context, tx transaction.ServerTransaction, req *sip.Request) {
	hdrs := req.GetHeaders("Refer-To")
	if len(hdrs) == 0 {
		call.ua.respond(tx, req, sip.StatusBadRequest, "missing Refer-To")
		return
	}
	referTo, ok := hdrs[0].(*sip.ReferToHeader)
	if !ok || referTo.URI == nil {
		call.ua.respond(tx, req, sip.StatusBadRequest, "malformed Refer-To")
		return
	}

	fn := call.ua.opts.OnTransferRequested
	if fn == nil || !fn(call, referTo.URI) {
		call.ua.respond(tx, req, sip.StatusDecline, "")
		return
	}

	call.ua.respond(tx, req, sip.StatusAccepted, "")

	// the implicit subscription opens with a 100 Trying report
	if err := call.NotifyTransferStatus(ctx, sip.StatusTrying, false); err != nil {
		call.ua.log.Warn("failed to open transfer subscription", "error", err)
	}
}

// NotifyTransferStatus reports transfer progress to the peer that
// sent the REFER. terminal closes the implicit subscription; a final
// status is terminal regardless.
func (call *Call) NotifyTransferStatus(ctx context.Context, status sip.ResponseStatus, terminal bool) error {
	call.mu.Lock()
	if call.ended || call.dlg == nil {
		call.mu.Unlock()
		return errtrace.Wrap(ErrNotEstablished)
	}
	dlg := call.dlg
	call.mu.Unlock()

	body := []byte(fmt.Sprintf("SIP/2.0 %d %s\r\n", status, status.ReasonPhrase()))

	req, err := dlg.NewRequest(sip.NOTIFY, body)
	if err != nil {
		return errtrace.Wrap(err)
	}
	req.AppendHeader(&sip.EventHeader{Type: "refer", Params: sip.NewParams()})
	req.AppendHeader(sip.ContentTypeHeader("message/sipfrag;version=2.0"))

	state := &sip.SubscriptionStateHeader{State: "active", Params: sip.NewParams()}
	if terminal || status.IsFinal() {
		state.State = "terminated"
		state.Params.Add("reason", "noresource")
	} else {
		state.Params.Add("expires", "60")
	}
	req.AppendHeader(state)

	_, err = call.ua.txl.Request(req, nil)
	return errtrace.Wrap(err)
}

// parseSipfrag extracts the status code of a "SIP/2.0 180 Ringing"
// fragment.
func parseSipfrag(body []byte) (sip.ResponseStatus, bool) {
	text := strings.TrimSpace(string(body))
	if !strings.HasPrefix(text, "SIP/2.0") {
		return 0, false
	}
	fields := strings.Fields(text)
	if len(fields) < 2 {
		return 0, false
	}
	code, err := strconv.ParseUint(fields[1], 10, 16)
	if err != nil {
		return 0, false
	}
	status := sip.ResponseStatus(code)
	if !status.IsValid() {
		return 0, false
	}
	return status, true
}
