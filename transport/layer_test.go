package transport

import (
	"context"
	"errors"
	"net"
	"strings"

	"testing"
	"time"

	"github.com/softsip/softsip/internal/log"
	"github.com/softsip/softsip/sip"
)

func buildRequest(t *testing.T, method sip.RequestMethod, target *sip.SIPURI, body []byte) *sip.Request {
	t.Helper()
	req := sip.NewRequest(method, target, nil, body)

	hop := &sip.ViaHop{ProtocolName: "SIP", ProtocolVersion: "2.0", Transport: "UDP", Params: sip.NewParams()}
	hop.SetBranch(sip.GenerateBranch())
	req.AppendHeader(sip.ViaHeader{hop})

	from := &sip.FromHeader{Address: sip.Address{URI: &sip.SIPURI{User: "a", Host: "e.com"}, Params: sip.NewParams()}}
	from.SetTag("t1")
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: sip.Address{URI: target.Clone(), Params: sip.NewParams()}})
	req.AppendHeader(sip.CallIDHeader("tp-test"))
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, Method: method})
	req.AppendHeader(sip.MaxForwardsHeader(70))
	return req
}

func newLoopbackLayer(t *testing.T, networks ...string) (*Layer, chan sip.Message) {
	t.Helper()
	l := NewLayer(&LayerOptions{Logger: log.Noop})
	t.Cleanup(func() { l.Close() })

	inbound := make(chan sip.Message, 16)
	l.OnMessage(func(msg sip.Message) { inbound <- msg })

	for _, nw := range networks {
		if err := l.Listen(nw, "127.0.0.1:0"); err != nil {
			t.Fatalf("listen %s: %v", nw, err)
		}
	}
	return l, inbound
}

func targetOf(t *testing.T, l *Layer, network string) *sip.SIPURI {
	t.Helper()
	host, portStr, err := net.SplitHostPort(l.ListenAddr(network))
	if err != nil {
		t.Fatal(err)
	}
	var port uint16
	for _, c := range portStr {
		port = port*10 + uint16(c-'0')
	}
	uri := &sip.SIPURI{User: "b", Host: host, Port: port}
	if network != NetUDP {
		uri.Params = sip.NewParams().Add("transport", network)
	}
	return uri
}

func TestUDPRequestDelivery(t *testing.T) {
	sender, _ := newLoopbackLayer(t, NetUDP)
	receiver, inbound := newLoopbackLayer(t, NetUDP)

	req := buildRequest(t, sip.OPTIONS, targetOf(t, receiver, NetUDP), nil)
	if err := sender.Send(context.Background(), req); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case msg := <-inbound:
		got, ok := msg.(*sip.Request)
		if !ok {
			t.Fatalf("received %T", msg)
		}
		if !got.Method().Equal(sip.OPTIONS) {
			t.Errorf("method = %q", got.Method())
		}
		if got.Transport() != "UDP" {
			t.Errorf("transport annotation = %q", got.Transport())
		}
		if got.Source() == "" {
			t.Error("source annotation empty")
		}
		// sent-by was filled from the sender's binding
		hop, _ := got.ViaHop()
		if hop.Host == "" {
			t.Error("Via sent-by not filled")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request not delivered")
	}
}

func TestUDPResponseRoundTrip(t *testing.T) {
	sender, senderInbound := newLoopbackLayer(t, NetUDP)
	receiver, inbound := newLoopbackLayer(t, NetUDP)

	req := buildRequest(t, sip.OPTIONS, targetOf(t, receiver, NetUDP), nil)
	if err := sender.Send(context.Background(), req); err != nil {
		t.Fatal(err)
	}

	var got *sip.Request
	select {
	case msg := <-inbound:
		got = msg.(*sip.Request)
	case <-time.After(2 * time.Second):
		t.Fatal("request not delivered")
	}

	res := sip.NewResponseFromRequest(got, sip.StatusOK, "", nil)
	if err := receiver.Send(context.Background(), res); err != nil {
		t.Fatalf("response send: %v", err)
	}

	select {
	case msg := <-senderInbound:
		res, ok := msg.(*sip.Response)
		if !ok || res.Status() != sip.StatusOK {
			t.Fatalf("received %v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("response not delivered")
	}
}

func TestUDPLargeRequestRequiresReliable(t *testing.T) {
	sender, _ := newLoopbackLayer(t, NetUDP)
	receiver, _ := newLoopbackLayer(t, NetUDP)

	body := []byte(strings.Repeat("a", MTUThreshold+1))
	req := buildRequest(t, sip.INVITE, targetOf(t, receiver, NetUDP), body)

	err := sender.Send(context.Background(), req)
	if !errors.Is(err, ErrCongestionRequiresReliable) {
		t.Fatalf("err = %v, want ErrCongestionRequiresReliable", err)
	}
}

func TestUDPLargeAckStillGoesOut(t *testing.T) {
	sender, _ := newLoopbackLayer(t, NetUDP)
	receiver, inbound := newLoopbackLayer(t, NetUDP)

	body := []byte(strings.Repeat("a", MTUThreshold+1))
	ack := buildRequest(t, sip.ACK, targetOf(t, receiver, NetUDP), body)

	if err := sender.Send(context.Background(), ack); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case <-inbound:
	case <-time.After(2 * time.Second):
		t.Fatal("large ACK not delivered")
	}
}

func TestTCPDelivery(t *testing.T) {
	sender, senderInbound := newLoopbackLayer(t, NetTCP)
	receiver, inbound := newLoopbackLayer(t, NetTCP)

	body := []byte(strings.Repeat("b", 2000))
	req := buildRequest(t, sip.INVITE, targetOf(t, receiver, NetTCP), body)

	if err := sender.Send(context.Background(), req); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var got *sip.Request
	select {
	case msg := <-inbound:
		got = msg.(*sip.Request)
	case <-time.After(2 * time.Second):
		t.Fatal("request not delivered over TCP")
	}
	if len(got.Body()) != 2000 {
		t.Errorf("body length = %d", len(got.Body()))
	}
	if got.Transport() != "TCP" {
		t.Errorf("transport = %q", got.Transport())
	}

	// the response reuses the inbound connection
	res := sip.NewResponseFromRequest(got, sip.StatusOK, "", nil)
	if err := receiver.Send(context.Background(), res); err != nil {
		t.Fatalf("response send: %v", err)
	}
	select {
	case <-senderInbound:
	case <-time.After(2 * time.Second):
		t.Fatal("response not delivered over TCP")
	}
}

func TestWSDelivery(t *testing.T) {
	sender, _ := newLoopbackLayer(t, NetWS)
	receiver, inbound := newLoopbackLayer(t, NetWS)

	req := buildRequest(t, sip.OPTIONS, targetOf(t, receiver, NetWS), nil)
	if err := sender.Send(context.Background(), req); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case msg := <-inbound:
		if msg.Transport() != "WS" {
			t.Errorf("transport = %q", msg.Transport())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request not delivered over WebSocket")
	}
}

func TestInboundViaReceivedAndRPort(t *testing.T) {
	receiver, inbound := newLoopbackLayer(t, NetUDP)
	sender, _ := newLoopbackLayer(t, NetUDP)

	req := buildRequest(t, sip.OPTIONS, targetOf(t, receiver, NetUDP), nil)
	hop, _ := req.ViaHop()
	hop.Host = "client.invalid" // sent-by that does not match the socket
	hop.Params.AddFlag("rport")

	if err := sender.Send(context.Background(), req); err != nil {
		t.Fatal(err)
	}

	select {
	case msg := <-inbound:
		hop, _ := msg.ViaHop()
		if _, ok := hop.Received(); !ok {
			t.Error("received= not stamped")
		}
		if port, ok := hop.RPort(); !ok || port == 0 {
			t.Error("rport= not filled")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request not delivered")
	}
}

func TestResolverNumericHost(t *testing.T) {
	r := NewDNSResolver(nil)

	uri := &sip.SIPURI{Host: "192.0.2.55", Port: 5080}
	targets, err := r.Resolve(context.Background(), uri, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(targets) != 1 || targets[0].Network != NetUDP || targets[0].Addr != "192.0.2.55:5080" {
		t.Errorf("targets = %v", targets)
	}

	// sips defaults to TLS on 5061
	secure := &sip.SIPURI{Secure: true, Host: "192.0.2.55"}
	targets, err = r.Resolve(context.Background(), secure, "")
	if err != nil {
		t.Fatal(err)
	}
	if targets[0].Network != NetTLS || targets[0].Addr != "192.0.2.55:5061" {
		t.Errorf("secure targets = %v", targets)
	}

	// transport param pins the channel kind
	pinned := &sip.SIPURI{Host: "192.0.2.55", Port: 5080, Params: sip.NewParams().Add("transport", "tcp")}
	targets, err = r.Resolve(context.Background(), pinned, "")
	if err != nil {
		t.Fatal(err)
	}
	if targets[0].Network != NetTCP {
		t.Errorf("pinned targets = %v", targets)
	}
}

func TestStreamFramingErrorResetsConnection(t *testing.T) {
	receiver, inbound := newLoopbackLayer(t, NetTCP)

	conn, err := net.Dial("tcp", receiver.ListenAddr(NetTCP))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// a header section that never terminates and outgrows the stream
	// parser's limit: the layer must reset the connection
	if _, err := conn.Write([]byte("garbage that is not sip at all\r\n")); err != nil {
		t.Fatal(err)
	}
	junk := strings.Repeat("x", 70*1024)
	conn.Write([]byte(junk)) //nolint:errcheck

	buf := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(3 * time.Second)) //nolint:errcheck
	if _, err := conn.Read(buf); err == nil {
		t.Error("connection not reset after framing failure")
	}
	select {
	case msg := <-inbound:
		t.Errorf("unexpected message delivered: %v", msg)
	default:
	}
}

