package ua

import (
	"context"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/softsip/softsip/internal/log"
	"github.com/softsip/softsip/sip"
	"github.com/softsip/softsip/transaction"
	"github.com/softsip/softsip/transport"
)

// fast timings keep retransmission-sensitive paths quick in tests.
var fastTimings = transaction.NewTimings(
	20*time.Millisecond, 80*time.Millisecond, 60*time.Millisecond,
	100*time.Millisecond, 40*time.Millisecond,
)

func newTestAgent(t *testing.T, user string, opts *Options) *UserAgent {
	t.Helper()
	if opts == nil {
		opts = &Options{}
	}
	opts.Name = user
	opts.LocalURI = &sip.SIPURI{User: user, Host: "127.0.0.1"}
	opts.Bindings = []Binding{{Network: "udp", Addr: "127.0.0.1:0"}}
	opts.Timings = fastTimings
	opts.Logger = log.Noop

	agent, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { agent.Close() })
	return agent
}

func agentTarget(t *testing.T, agent *UserAgent, user string) *sip.SIPURI {
	t.Helper()
	host, portStr, err := net.SplitHostPort(agent.TransportLayer().ListenAddr("udp"))
	require.NoError(t, err)
	port, err := strconv.ParseUint(portStr, 10, 16)
	require.NoError(t, err)
	return &sip.SIPURI{User: user, Host: host, Port: uint16(port)}
}

// Basic call: INVITE, 180, 200, ACK, BYE, 200.
func TestBasicCall(t *testing.T) {
	answered := make(chan *Call, 1)
	calleeEnded := make(chan struct{}, 1)

	callee := newTestAgent(t, "bob", &Options{
		OnIncomingCall: func(inv *Invitation) {
			require.NoError(t, inv.Ring())
			call, err := inv.Answer([]byte("v=0\r\n"))
			require.NoError(t, err)
			answered <- call
		},
		OnCallEnded: func(*Call) {
			select {
			case calleeEnded <- struct{}{}:
			default:
			}
		},
	})
	caller := newTestAgent(t, "alice", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	call, err := caller.PlaceCall(ctx, agentTarget(t, callee, "bob"), []byte("v=0\r\n"))
	require.NoError(t, err)

	result, err := call.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, OutcomeEstablished, result.Outcome)
	assert.Equal(t, sip.StatusOK, result.Status)
	assert.Equal(t, "v=0\r\n", string(call.RemoteSDP()))

	var calleeCall *Call
	select {
	case calleeCall = <-answered:
	case <-ctx.Done():
		t.Fatal("callee never answered")
	}
	assert.True(t, calleeCall.Established())

	require.NoError(t, call.Hangup(ctx))

	select {
	case <-calleeEnded:
	case <-time.After(3 * time.Second):
		t.Fatal("callee did not observe the BYE")
	}
	assert.False(t, call.Established())
}

// The caller cancels while the callee is still ringing: the callee
// sees the cancellation, the caller resolves to cancelled via 487.
func TestCancelWhileRinging(t *testing.T) {
	ringing := make(chan *Invitation, 1)
	cancelledInv := make(chan struct{}, 1)

	callee := newTestAgent(t, "bob", &Options{
		OnIncomingCall: func(inv *Invitation) {
			inv.OnCancel(func() {
				select {
				case cancelledInv <- struct{}{}:
				default:
				}
			})
			require.NoError(t, inv.Ring())
			ringing <- inv
		},
	})
	caller := newTestAgent(t, "alice", nil)

	ctx, cancel := context.WithCancel(context.Background())
	call, err := caller.PlaceCall(ctx, agentTarget(t, callee, "bob"), nil)
	require.NoError(t, err)

	select {
	case <-ringing:
	case <-time.After(3 * time.Second):
		t.Fatal("callee never rang")
	}
	// let the 180 reach the caller before cancelling
	time.Sleep(50 * time.Millisecond)
	cancel()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	result, err := call.Wait(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, result.Outcome)
	assert.Equal(t, sip.StatusRequestTerminated, result.Status)

	select {
	case <-cancelledInv:
	case <-time.After(3 * time.Second):
		t.Fatal("callee did not observe the CANCEL")
	}
}

func TestRejectedCall(t *testing.T) {
	callee := newTestAgent(t, "bob", &Options{
		OnIncomingCall: func(inv *Invitation) {
			require.NoError(t, inv.Reject(sip.StatusBusyHere, ""))
		},
	})
	caller := newTestAgent(t, "alice", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	call, err := caller.PlaceCall(ctx, agentTarget(t, callee, "bob"), nil)
	require.NoError(t, err)

	result, err := call.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, result.Outcome)
	assert.Equal(t, sip.StatusBusyHere, result.Status)
}

// REGISTER with a digest challenge: 401 with a nonce, retry with
// credentials, 200 with Expires.
func TestRegisterWithDigestChallenge(t *testing.T) {
	registrarTpl := transport.NewLayer(&transport.LayerOptions{Logger: log.Noop})
	t.Cleanup(func() { registrarTpl.Close() })
	registrarTxl := transaction.NewLayer(registrarTpl, &transaction.LayerOptions{
		Timings: fastTimings, Logger: log.Noop,
	})
	t.Cleanup(registrarTxl.Close)

	var challenges atomic.Int32
	registrarTxl.OnRequest(func(tx transaction.ServerTransaction, req *sip.Request) {
		if len(req.GetHeaders("Authorization")) == 0 {
			challenges.Add(1)
			res := sip.NewResponseFromRequest(req, sip.StatusUnauthorized, "", nil)
			if to, ok := res.To(); ok {
				to.SetTag("reg")
			}
			res.AppendHeader(&sip.WWWAuthenticateHeader{AuthValue: sip.AuthValue{
				Scheme: "Digest",
				Params: sip.NewParams().
					AddQuoted("realm", "example.com").
					AddQuoted("nonce", "abc").
					Add("algorithm", "MD5").
					AddQuoted("qop", "auth"),
			}})
			require.NoError(t, tx.Respond(res))
			return
		}

		auth := req.GetHeaders("Authorization")[0].(*sip.AuthorizationHeader)
		user, _ := auth.Params.Get("username")
		assert.Equal(t, "alice", user)
		nonce, _ := auth.Nonce()
		assert.Equal(t, "abc", nonce)

		res := sip.NewResponseFromRequest(req, sip.StatusOK, "", nil)
		if to, ok := res.To(); ok {
			to.SetTag("reg")
		}
		res.AppendHeader(sip.ExpiresHeader(3600))
		require.NoError(t, tx.Respond(res))
	})
	require.NoError(t, registrarTpl.Listen("udp", "127.0.0.1:0"))

	agent := newTestAgent(t, "alice", &Options{
		Credentials: StaticCredentials{Username: "alice", Password: "secret"},
	})

	host, portStr, err := net.SplitHostPort(registrarTpl.ListenAddr("udp"))
	require.NoError(t, err)
	port, _ := strconv.ParseUint(portStr, 10, 16)

	// the AOR host is the registrar itself in this loopback setup
	aor := &sip.SIPURI{User: "alice", Host: host, Port: uint16(port)}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := agent.Register(ctx, aor, time.Hour)
	require.NoError(t, err)

	assert.True(t, result.OK(), "result = %+v", result)
	assert.Equal(t, sip.StatusOK, result.Status)
	assert.Equal(t, time.Hour, result.Expires)
	assert.Equal(t, int32(1), challenges.Load(), "exactly one challenge round trip")
}

// Blind transfer: the transferor REFERs, the transferee accepts and
// reports progress over the implicit subscription.
func TestBlindTransfer(t *testing.T) {
	transfereeCall := make(chan *Call, 1)
	referTarget := make(chan sip.URI, 1)

	callee := newTestAgent(t, "bob", &Options{
		OnIncomingCall: func(inv *Invitation) {
			call, err := inv.Answer(nil)
			require.NoError(t, err)
			transfereeCall <- call
		},
		OnTransferRequested: func(_ *Call, target sip.URI) bool {
			referTarget <- target
			return true
		},
	})
	caller := newTestAgent(t, "alice", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	call, err := caller.PlaceCall(ctx, agentTarget(t, callee, "bob"), nil)
	require.NoError(t, err)
	result, err := call.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, OutcomeEstablished, result.Outcome)

	var bobCall *Call
	select {
	case bobCall = <-transfereeCall:
	case <-ctx.Done():
		t.Fatal("no call on the callee side")
	}

	carol := &sip.SIPURI{User: "carol", Host: "cluster.example.com"}
	xfer, err := call.Transfer(ctx, carol, nil)
	require.NoError(t, err)

	select {
	case target := <-referTarget:
		assert.True(t, carol.Equal(target))
	case <-ctx.Done():
		t.Fatal("transferee never saw the REFER")
	}

	// the implicit subscription reported 100 on acceptance; the
	// transferee now reports success
	require.NoError(t, bobCall.NotifyTransferStatus(ctx, sip.StatusOK, true))

	select {
	case <-xfer.Done():
	case <-ctx.Done():
		t.Fatal("transfer subscription never finished")
	}
	assert.True(t, xfer.Succeeded())

	statuses := drainStatuses(xfer)
	assert.Contains(t, statuses, sip.StatusTrying)
	assert.Contains(t, statuses, sip.StatusOK)
}

func drainStatuses(xfer *Transfer) []sip.ResponseStatus {
	var out []sip.ResponseStatus
	for {
		select {
		case s := <-xfer.Updates():
			out = append(out, s)
		default:
			return out
		}
	}
}

// An INVITE with Max-Forwards: 0 is answered 483 without reaching the
// application.
func TestMaxForwardsZero(t *testing.T) {
	callee := newTestAgent(t, "bob", &Options{
		OnIncomingCall: func(inv *Invitation) {
			t.Error("request should have been rejected before the TU")
		},
	})

	tpl := transport.NewLayer(&transport.LayerOptions{Logger: log.Noop})
	t.Cleanup(func() { tpl.Close() })
	inbound := make(chan sip.Message, 4)
	tpl.OnMessage(func(msg sip.Message) { inbound <- msg })
	require.NoError(t, tpl.Listen("udp", "127.0.0.1:0"))

	target := agentTarget(t, callee, "bob")
	req := sip.NewRequest(sip.INVITE, target, nil, nil)
	hop := &sip.ViaHop{ProtocolName: "SIP", ProtocolVersion: "2.0", Transport: "UDP", Params: sip.NewParams()}
	hop.SetBranch(sip.GenerateBranch())
	req.AppendHeader(sip.ViaHeader{hop})
	from := &sip.FromHeader{Address: sip.Address{URI: &sip.SIPURI{User: "x", Host: "127.0.0.1"}, Params: sip.NewParams()}}
	from.SetTag("mf0")
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: sip.Address{URI: target.Clone(), Params: sip.NewParams()}})
	req.AppendHeader(sip.CallIDHeader("mf0-call"))
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, Method: sip.INVITE})
	req.AppendHeader(sip.MaxForwardsHeader(0))
	require.NoError(t, tpl.Send(context.Background(), req))

	deadline := time.After(3 * time.Second)
	for {
		select {
		case msg := <-inbound:
			if res, ok := msg.(*sip.Response); ok && res.Status().IsFinal() {
				assert.Equal(t, sip.StatusTooManyHops, res.Status())
				return
			}
		case <-deadline:
			t.Fatal("no final response to Max-Forwards 0")
		}
	}
}
