package transaction

import (
	"sync"
	"testing"
	"time"

	"github.com/softsip/softsip/internal/log"
	"github.com/softsip/softsip/sip"
	"github.com/softsip/softsip/transport"
)

// fakeTransportLayer extends fakeTransport with inbound injection.
type fakeTransportLayer struct {
	fakeTransport

	hmu     sync.Mutex
	handler transport.MessageHandler
}

func (f *fakeTransportLayer) OnMessage(fn transport.MessageHandler) {
	f.hmu.Lock()
	f.handler = fn
	f.hmu.Unlock()
}

func (f *fakeTransportLayer) inject(msg sip.Message) {
	f.hmu.Lock()
	fn := f.handler
	f.hmu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

func newTestLayer(t *testing.T) (*Layer, *fakeTransportLayer) {
	t.Helper()
	tpl := &fakeTransportLayer{}
	txl := NewLayer(tpl, &LayerOptions{Timings: fastTimings, Logger: log.Noop})
	t.Cleanup(txl.Close)
	return txl, tpl
}

func TestLayerDispatchesResponses(t *testing.T) {
	txl, tpl := newTestLayer(t)

	req := newTestInvite(t, "UDP")
	tx, err := txl.Request(req, nil)
	if err != nil {
		t.Fatal(err)
	}

	got := make(chan *sip.Response, 4)
	tx.OnResponse(func(res *sip.Response) { got <- res })

	tpl.inject(respondTo(req, sip.StatusRinging, "remote"))

	select {
	case res := <-got:
		if res.Status() != sip.StatusRinging {
			t.Errorf("status = %d", res.Status())
		}
	case <-time.After(time.Second):
		t.Fatal("response not dispatched to the client transaction")
	}
}

func TestLayerCreatesServerTransactions(t *testing.T) {
	txl, tpl := newTestLayer(t)

	requests := make(chan ServerTransaction, 1)
	txl.OnRequest(func(tx ServerTransaction, _ *sip.Request) { requests <- tx })

	req := newTestNonInvite(t, sip.OPTIONS, "UDP")
	req.SetTransport("UDP")
	tpl.inject(req)

	var tx ServerTransaction
	select {
	case tx = <-requests:
	case <-time.After(time.Second):
		t.Fatal("request not surfaced")
	}

	// respond, then a retransmission must be absorbed by the same
	// transaction (no second OnRequest call) and replayed
	if err := tx.Respond(respondTo(req, sip.StatusOK, "local")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool { return tpl.sentCount() >= 1 })

	tpl.inject(req.Clone())
	waitFor(t, time.Second, func() bool { return tpl.sentCount() >= 2 })
	select {
	case <-requests:
		t.Fatal("retransmission created a second transaction")
	default:
	}
}

func TestLayerCancelMatchesInvite(t *testing.T) {
	txl, tpl := newTestLayer(t)

	invites := make(chan ServerTransaction, 1)
	cancels := make(chan ServerTransaction, 1)
	txl.OnRequest(func(tx ServerTransaction, _ *sip.Request) { invites <- tx })
	txl.OnCancel(func(invite ServerTransaction, _ *sip.Request) { cancels <- invite })

	invite := newTestInvite(t, "UDP")
	tpl.inject(invite)

	var inviteTx ServerTransaction
	select {
	case inviteTx = <-invites:
	case <-time.After(time.Second):
		t.Fatal("INVITE not surfaced")
	}

	cancel := sip.NewRequest(sip.CANCEL, invite.URI(), nil, nil)
	if hop, ok := invite.ViaHop(); ok {
		cancel.AppendHeader(sip.ViaHeader{hop.Clone()})
	}
	sip.CopyHeaders("From", invite, cancel)
	sip.CopyHeaders("To", invite, cancel)
	sip.CopyHeaders("Call-ID", invite, cancel)
	if cseq, ok := invite.CSeq(); ok {
		cancel.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, Method: sip.CANCEL})
	}
	cancel.AppendHeader(sip.MaxForwardsHeader(70))
	tpl.inject(cancel)

	select {
	case got := <-cancels:
		if got != inviteTx {
			t.Error("CANCEL matched a different transaction")
		}
	case <-time.After(time.Second):
		t.Fatal("CANCEL not routed to the INVITE transaction")
	}

	// the layer answered the CANCEL itself with 200
	waitFor(t, time.Second, func() bool {
		for _, msg := range tpl.sentMessages() {
			if res, ok := msg.(*sip.Response); ok && res.Status() == sip.StatusOK {
				if cseq, _ := res.CSeq(); cseq != nil && cseq.Method.Equal(sip.CANCEL) {
					return true
				}
			}
		}
		return false
	})
}

func TestLayerCancelWithoutInvite(t *testing.T) {
	txl, tpl := newTestLayer(t)
	txl.OnRequest(func(ServerTransaction, *sip.Request) {})

	invite := newTestInvite(t, "UDP")
	cancel := sip.NewRequest(sip.CANCEL, invite.URI(), invite.Headers(), nil)
	cseq, _ := cancel.CSeq()
	cseq.Method = sip.CANCEL
	tpl.inject(cancel)

	waitFor(t, time.Second, func() bool {
		for _, msg := range tpl.sentMessages() {
			if res, ok := msg.(*sip.Response); ok && res.Status() == sip.StatusCallDoesNotExist {
				return true
			}
		}
		return false
	})
}

func TestLayerAckFor2xxGoesToTU(t *testing.T) {
	txl, tpl := newTestLayer(t)

	acks := make(chan *sip.Request, 1)
	txl.OnAck(func(ack *sip.Request) { acks <- ack })

	// an ACK with a fresh branch matches no transaction
	invite := newTestInvite(t, "UDP")
	ack := sip.NewRequest(sip.ACK, invite.URI(), nil, nil)
	hop := &sip.ViaHop{ProtocolName: "SIP", ProtocolVersion: "2.0", Transport: "UDP", Host: "h", Params: sip.NewParams()}
	hop.SetBranch(sip.GenerateBranch())
	ack.AppendHeader(sip.ViaHeader{hop})
	sip.CopyHeaders("From", invite, ack)
	sip.CopyHeaders("To", invite, ack)
	sip.CopyHeaders("Call-ID", invite, ack)
	ack.AppendHeader(&sip.CSeqHeader{SeqNo: 1, Method: sip.ACK})
	ack.AppendHeader(sip.MaxForwardsHeader(70))
	tpl.inject(ack)

	select {
	case <-acks:
	case <-time.After(time.Second):
		t.Fatal("2xx ACK not delivered end-to-end")
	}
}

// The realistic UAS-side case: the INVITE server transaction sits in
// the accepted state (indexed until timer L) and the peer reuses the
// INVITE branch on its ACK, so the transaction matches first. The ACK
// must still reach the TU-level consumer.
func TestLayerAckMatchingAcceptedInviteReachesTU(t *testing.T) {
	txl, tpl := newTestLayer(t)

	invites := make(chan ServerTransaction, 1)
	acks := make(chan *sip.Request, 1)
	txl.OnRequest(func(tx ServerTransaction, _ *sip.Request) { invites <- tx })
	txl.OnAck(func(ack *sip.Request) { acks <- ack })

	invite := newTestInvite(t, "UDP")
	tpl.inject(invite)

	var tx ServerTransaction
	select {
	case tx = <-invites:
	case <-time.After(time.Second):
		t.Fatal("INVITE not surfaced")
	}

	if err := tx.Respond(respondTo(invite, sip.StatusOK, "local")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool { return tx.State() == StateAccepted })

	// same branch as the INVITE, method ACK
	ack := sip.NewRequest(sip.ACK, invite.URI(), nil, nil)
	if hop, ok := invite.ViaHop(); ok {
		ack.AppendHeader(sip.ViaHeader{hop.Clone()})
	}
	sip.CopyHeaders("From", invite, ack)
	sip.CopyHeaders("To", invite, ack)
	sip.CopyHeaders("Call-ID", invite, ack)
	if cseq, ok := invite.CSeq(); ok {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, Method: sip.ACK})
	}
	ack.AppendHeader(sip.MaxForwardsHeader(70))
	tpl.inject(ack)

	select {
	case <-acks:
	case <-time.After(time.Second):
		t.Fatal("ACK absorbed by the accepted transaction never reached the TU")
	}
	if tx.State() != StateAccepted {
		t.Errorf("state = %v, want accepted", tx.State())
	}
}
