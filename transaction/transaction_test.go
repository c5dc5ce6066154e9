package transaction

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/softsip/softsip/internal/log"
	"github.com/softsip/softsip/sip"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeTransport records outbound messages and lets tests flip
// reliability.
type fakeTransport struct {
	mu       sync.Mutex
	sent     []sip.Message
	reliable bool
	failNext error
}

func (f *fakeTransport) Send(_ context.Context, msg sip.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) IsReliable(string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reliable
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTransport) sentMessages() []sip.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sip.Message, len(f.sent))
	copy(out, f.sent)
	return out
}

// fast timings keep the retransmission tests in the tens of
// milliseconds.
var fastTimings = NewTimings(
	10*time.Millisecond,  // T1
	40*time.Millisecond,  // T2
	30*time.Millisecond,  // T4
	50*time.Millisecond,  // TimeD
	500*time.Millisecond, // Time100: out of the way unless wanted
)

func testOptions() *Options {
	return &Options{Timings: fastTimings, Logger: log.Noop}
}

func newTestInvite(t *testing.T, transportName string) *sip.Request {
	t.Helper()
	target := &sip.SIPURI{User: "bob", Host: "example.com"}
	req := sip.NewRequest(sip.INVITE, target, nil, nil)

	hop := &sip.ViaHop{
		ProtocolName: "SIP", ProtocolVersion: "2.0",
		Transport: transportName, Host: "client.example.com", Port: 5060,
		Params: sip.NewParams(),
	}
	hop.SetBranch(sip.GenerateBranch())
	req.AppendHeader(sip.ViaHeader{hop})

	from := &sip.FromHeader{Address: sip.Address{URI: &sip.SIPURI{User: "alice", Host: "example.com"}, Params: sip.NewParams()}}
	from.SetTag("fromtag")
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: sip.Address{URI: target.Clone(), Params: sip.NewParams()}})
	req.AppendHeader(sip.CallIDHeader("tx-test-call"))
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, Method: sip.INVITE})
	req.AppendHeader(sip.MaxForwardsHeader(70))
	req.SetTransport(transportName)
	return req
}

func newTestNonInvite(t *testing.T, method sip.RequestMethod, transportName string) *sip.Request {
	t.Helper()
	req := newTestInvite(t, transportName)
	cseq, _ := req.CSeq()
	cseq.Method = method
	return sip.NewRequest(method, req.URI(), req.Headers(), nil)
}

func respondTo(req *sip.Request, status sip.ResponseStatus, toTag string) *sip.Response {
	res := sip.NewResponseFromRequest(req, status, "", nil)
	if toTag != "" {
		if to, ok := res.To(); ok {
			to.SetTag(toTag)
		}
	}
	return res
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached before timeout")
}

func TestInviteClientRetransmitsOnUnreliable(t *testing.T) {
	tp := &fakeTransport{}
	req := newTestInvite(t, "UDP")

	tx, err := NewInviteClientTx(req, tp, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Terminate()
	tx.Start()

	// timer A fires at 10ms and 20ms: three transmissions total
	waitFor(t, time.Second, func() bool { return tp.sentCount() >= 3 })
	if tx.State() != StateCalling {
		t.Errorf("state = %v", tx.State())
	}

	// a 1xx stops timer A
	tx.RecvResponse(respondTo(req, sip.StatusRinging, "remote"))
	waitFor(t, time.Second, func() bool { return tx.State() == StateProceeding })
	count := tp.sentCount()
	time.Sleep(60 * time.Millisecond)
	if tp.sentCount() != count {
		t.Error("retransmissions continued in proceeding")
	}
}

func TestInviteClientNoRetransmitOnReliable(t *testing.T) {
	tp := &fakeTransport{reliable: true}
	req := newTestInvite(t, "TCP")

	tx, err := NewInviteClientTx(req, tp, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Terminate()
	tx.Start()

	time.Sleep(50 * time.Millisecond)
	if got := tp.sentCount(); got != 1 {
		t.Errorf("sent = %d, want 1", got)
	}
}

func TestInviteClientAcksNon2xx(t *testing.T) {
	tp := &fakeTransport{reliable: true}
	req := newTestInvite(t, "TCP")

	tx, err := NewInviteClientTx(req, tp, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	tx.Start()

	var responses []*sip.Response
	var mu sync.Mutex
	tx.OnResponse(func(res *sip.Response) {
		mu.Lock()
		responses = append(responses, res)
		mu.Unlock()
	})

	tx.RecvResponse(respondTo(req, sip.StatusBusyHere, "remote"))

	// INVITE + ACK
	waitFor(t, time.Second, func() bool { return tp.sentCount() >= 2 })
	sent := tp.sentMessages()
	ack, ok := sent[len(sent)-1].(*sip.Request)
	if !ok || !ack.IsAck() {
		t.Fatalf("last sent = %v", sent[len(sent)-1])
	}
	if cseq, _ := ack.CSeq(); cseq.SeqNo != 1 || !cseq.Method.Equal(sip.ACK) {
		t.Errorf("ACK CSeq = %v", cseq)
	}
	ackTo, _ := ack.To()
	if tag, _ := ackTo.Tag(); tag != "remote" {
		t.Errorf("ACK To tag = %q, want the response's", tag)
	}
	// same branch as the INVITE
	invHop, _ := req.ViaHop()
	ackHop, _ := ack.ViaHop()
	b1, _ := invHop.Branch()
	b2, _ := ackHop.Branch()
	if b1 != b2 {
		t.Errorf("ACK branch %q != INVITE branch %q", b2, b1)
	}

	mu.Lock()
	got := len(responses)
	mu.Unlock()
	if got != 1 {
		t.Errorf("delivered responses = %d", got)
	}

	// reliable transport: timer D is zero, terminated promptly
	waitFor(t, time.Second, func() bool { return tx.State() == StateTerminated })
}

func TestInviteClient2xxBypassesAck(t *testing.T) {
	tp := &fakeTransport{reliable: true}
	req := newTestInvite(t, "TCP")

	tx, err := NewInviteClientTx(req, tp, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Terminate()
	tx.Start()

	delivered := make(chan *sip.Response, 1)
	tx.OnResponse(func(res *sip.Response) { delivered <- res })

	tx.RecvResponse(respondTo(req, sip.StatusOK, "remote"))

	select {
	case res := <-delivered:
		if res.Status() != sip.StatusOK {
			t.Errorf("status = %d", res.Status())
		}
	case <-time.After(time.Second):
		t.Fatal("2xx not delivered")
	}

	if tx.State() != StateAccepted {
		t.Errorf("state = %v, want accepted", tx.State())
	}
	// the engine must NOT generate an ACK for a 2xx
	for _, msg := range tp.sentMessages() {
		if r, ok := msg.(*sip.Request); ok && r.IsAck() {
			t.Fatal("engine ACKed a 2xx")
		}
	}
}

func TestInviteClientTimeout(t *testing.T) {
	tp := &fakeTransport{reliable: true}
	req := newTestInvite(t, "TCP")

	tx, err := NewInviteClientTx(req, tp, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	tx.Start()

	timedOut := make(chan struct{})
	tx.OnTimeout(func() { close(timedOut) })

	// timer B = 64*T1 = 640ms with the fast config
	select {
	case <-timedOut:
	case <-time.After(3 * time.Second):
		t.Fatal("timer B never fired")
	}
	waitFor(t, time.Second, func() bool { return tx.State() == StateTerminated })
}

func TestNonInviteClientRetransmitCap(t *testing.T) {
	tp := &fakeTransport{}
	req := newTestNonInvite(t, sip.OPTIONS, "UDP")

	tx, err := NewNonInviteClientTx(req, tp, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Terminate()
	tx.Start()

	// E doubles 10, 20, 40, 40... capped at T2=40ms
	waitFor(t, 2*time.Second, func() bool { return tp.sentCount() >= 4 })

	final := respondTo(req, sip.StatusOK, "remote")
	tx.RecvResponse(final)
	waitFor(t, time.Second, func() bool { return tx.State() == StateCompleted })

	// K = T4 (30ms) quiet, then terminated
	waitFor(t, time.Second, func() bool { return tx.State() == StateTerminated })
}

func TestNonInviteClientRetransmitDisable(t *testing.T) {
	tp := &fakeTransport{}
	req := newTestNonInvite(t, sip.OPTIONS, "UDP")

	opts := testOptions()
	opts.DisableRetransmit = true
	tx, err := NewNonInviteClientTx(req, tp, opts)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Terminate()
	tx.Start()

	time.Sleep(80 * time.Millisecond)
	if got := tp.sentCount(); got != 1 {
		t.Errorf("sent = %d with retransmission disabled", got)
	}
}

func TestInviteServerAuto100(t *testing.T) {
	tp := &fakeTransport{}
	req := newTestInvite(t, "UDP")
	req.SetSource("192.0.2.7:5060")

	opts := testOptions()
	opts.Timings = NewTimings(10*time.Millisecond, 40*time.Millisecond, 30*time.Millisecond, 50*time.Millisecond, 20*time.Millisecond)
	tx, err := NewInviteServerTx(req, tp, opts)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Terminate()

	waitFor(t, time.Second, func() bool { return tp.sentCount() >= 1 })
	res, ok := tp.sentMessages()[0].(*sip.Response)
	if !ok || res.Status() != sip.StatusTrying {
		t.Fatalf("first sent = %v", tp.sentMessages()[0])
	}
}

func TestInviteServerFinalResponseRetransmission(t *testing.T) {
	tp := &fakeTransport{}
	req := newTestInvite(t, "UDP")

	opts := testOptions()
	tx, err := NewInviteServerTx(req, tp, opts)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Terminate()

	final := respondTo(req, sip.StatusBusyHere, "local")
	if err := tx.Respond(final); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool { return tx.State() == StateCompleted })

	// timer G retransmits the final response
	waitFor(t, 2*time.Second, func() bool { return tp.sentCount() >= 3 })

	// ACK confirms, then timer I terminates
	ack := sip.NewRequest(sip.ACK, req.URI(), req.Headers(), nil)
	tx.RecvRequest(ack)
	waitFor(t, time.Second, func() bool { return tx.State() == StateConfirmed })
	waitFor(t, time.Second, func() bool { return tx.State() == StateTerminated })
}

func TestInviteServer2xxTerminatesEngine(t *testing.T) {
	tp := &fakeTransport{reliable: true}
	req := newTestInvite(t, "TCP")

	tx, err := NewInviteServerTx(req, tp, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Terminate()

	acks := make(chan *sip.Request, 1)
	tx.OnAck(func(ack *sip.Request) { acks <- ack })

	if err := tx.Respond(respondTo(req, sip.StatusOK, "local")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool { return tx.State() == StateAccepted })

	sent := tp.sentCount()
	time.Sleep(100 * time.Millisecond)
	if tp.sentCount() != sent {
		t.Error("engine retransmitted the 2xx; that is the TU's job")
	}

	// an ACK reusing the INVITE branch lands in the accepted
	// transaction and must be surfaced to the TU, not swallowed
	ack := sip.NewRequest(sip.ACK, req.URI(), req.Headers(), nil)
	tx.RecvRequest(ack)

	select {
	case <-acks:
	case <-time.After(time.Second):
		t.Fatal("2xx ACK swallowed by the accepted transaction")
	}
	if tx.State() != StateAccepted {
		t.Errorf("state = %v, want accepted", tx.State())
	}
}

func TestNonInviteServerRetransmissionReplaysResponse(t *testing.T) {
	tp := &fakeTransport{}
	req := newTestNonInvite(t, sip.OPTIONS, "UDP")

	opts := testOptions()
	opts.DisableRetransmit = true // isolate replays from timer G-alikes
	tx, err := NewNonInviteServerTx(req, tp, opts)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Terminate()

	if err := tx.Respond(respondTo(req, sip.StatusOK, "local")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool { return tp.sentCount() == 1 })

	// each retransmitted request triggers exactly one replay
	tx.RecvRequest(req)
	waitFor(t, time.Second, func() bool { return tp.sentCount() == 2 })
	tx.RecvRequest(req)
	waitFor(t, time.Second, func() bool { return tp.sentCount() == 3 })
}

func TestClientKeyMatchesResponses(t *testing.T) {
	req := newTestInvite(t, "UDP")
	reqKey, err := ClientKeyFromMessage(req)
	if err != nil {
		t.Fatal(err)
	}

	res := respondTo(req, sip.StatusRinging, "x")
	resKey, err := ClientKeyFromMessage(res)
	if err != nil {
		t.Fatal(err)
	}
	if reqKey != resKey {
		t.Errorf("request key %v != response key %v", reqKey, resKey)
	}
}

func TestServerKeyCancelAndAckFolding(t *testing.T) {
	invite := newTestInvite(t, "UDP")
	inviteKey, err := ServerKeyFromRequest(invite, false)
	if err != nil {
		t.Fatal(err)
	}

	cancel := sip.NewRequest(sip.CANCEL, invite.URI(), invite.Headers(), nil)
	cseq, _ := cancel.CSeq()
	cseq.Method = sip.CANCEL

	cancelTarget, err := ServerKeyFromRequest(cancel, false)
	if err != nil {
		t.Fatal(err)
	}
	if cancelTarget != inviteKey {
		t.Errorf("CANCEL target key %v != INVITE key %v", cancelTarget, inviteKey)
	}

	cancelSelf, err := ServerKeyFromRequest(cancel, true)
	if err != nil {
		t.Fatal(err)
	}
	if cancelSelf == inviteKey {
		t.Error("CANCEL self key must differ from the INVITE key")
	}

	ack := sip.NewRequest(sip.ACK, invite.URI(), invite.Headers(), nil)
	ackKey, err := ServerKeyFromRequest(ack, false)
	if err != nil {
		t.Fatal(err)
	}
	if ackKey != inviteKey {
		t.Errorf("ACK key %v != INVITE key %v", ackKey, inviteKey)
	}
}

func TestLegacyBranchKey(t *testing.T) {
	req := newTestInvite(t, "UDP")
	hop, _ := req.ViaHop()
	hop.SetBranch("1") // RFC 2543 style, no magic cookie

	key, err := ServerKeyFromRequest(req, false)
	if err != nil {
		t.Fatal(err)
	}
	if key.IsZero() {
		t.Fatal("legacy key is zero")
	}

	// a retransmission produces the same key
	retrans := req.Clone().(*sip.Request)
	key2, err := ServerKeyFromRequest(retrans, false)
	if err != nil {
		t.Fatal(err)
	}
	if key != key2 {
		t.Errorf("legacy keys differ: %v vs %v", key, key2)
	}
}

func TestTransportErrorTerminates(t *testing.T) {
	tp := &fakeTransport{reliable: true, failNext: sip.Error("boom")}
	req := newTestInvite(t, "TCP")

	tx, err := NewInviteClientTx(req, tp, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	tx.Start()

	errCh := make(chan error, 1)
	tx.OnTransportError(func(err error) { errCh <- err })

	select {
	case <-errCh:
	case <-time.After(time.Second):
		t.Fatal("transport error not surfaced")
	}
	waitFor(t, time.Second, func() bool { return tx.State() == StateTerminated })
}
