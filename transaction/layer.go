package transaction

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"braces.dev/errtrace"

	"github.com/softsip/softsip/internal/log"
	"github.com/softsip/softsip/sip"
	"github.com/softsip/softsip/transport"
)

// TransportLayer is the downward dependency of the Layer: the
// transport layer it sends through and receives from.
type TransportLayer interface {
	Transport
	OnMessage(fn transport.MessageHandler)
}

// LayerOptions configure the transaction layer.
type LayerOptions struct {
	// Timings is the default timing config for all transactions.
	Timings TimingConfig
	// DisableRetransmit is the process default for the
	// retransmission-disable flag.
	DisableRetransmit bool
	// DisableAuto100 suppresses automatic 100 Trying responses.
	DisableAuto100 bool
	// StaleTransactionTimeout bounds how long a transaction may sit in
	// a non-terminal state before it is forcibly terminated to stop
	// leaks from peers that never answer. Zero means 5 minutes,
	// negative disables the guard.
	StaleTransactionTimeout time.Duration
	// Logger is the layer logger. If nil, log.Def is used.
	Logger *slog.Logger
}

func (o *LayerOptions) staleTimeout() time.Duration {
	if o == nil || o.StaleTransactionTimeout == 0 {
		return 5 * time.Minute
	}
	return o.StaleTransactionTimeout
}

func (o *LayerOptions) txOptions() *Options {
	if o == nil {
		return nil
	}
	return &Options{
		Timings:           o.Timings,
		DisableRetransmit: o.DisableRetransmit,
		DisableAuto100:    o.DisableAuto100,
		Logger:            o.Logger,
	}
}

func (o *LayerOptions) log() *slog.Logger {
	if o == nil || o.Logger == nil {
		return log.Def
	}
	return o.Logger
}

// Layer indexes all live transactions and routes messages between the
// transport and the user-agent layer. It owns transaction lifetimes:
// transactions enter the tables when created and leave when their
// state machine terminates.
type Layer struct {
	tpl       TransportLayer
	defOps    *Options
	staleTout time.Duration
	log       *slog.Logger

	clientMu  sync.RWMutex
	clientTxs map[ClientKey]ClientTransaction

	serverMu  sync.RWMutex
	serverTxs map[ServerKey]ServerTransaction

	cbMu       sync.RWMutex
	onRequest  func(tx ServerTransaction, req *sip.Request)
	onCancel   func(invite ServerTransaction, cancel *sip.Request)
	onAck      func(ack *sip.Request)
	onResponse func(res *sip.Response)

	closed bool
}

// NewLayer builds the transaction layer on top of a transport layer
// and registers itself as the transport's message handler.
func NewLayer(tpl TransportLayer, opts *LayerOptions) *Layer {
	txl := &Layer{
		tpl:       tpl,
		defOps:    opts.txOptions(),
		staleTout: opts.staleTimeout(),
		log:       opts.log(),
		clientTxs: make(map[ClientKey]ClientTransaction),
		serverTxs: make(map[ServerKey]ServerTransaction),
	}
	tpl.OnMessage(txl.recvMessage)
	return txl
}

// OnRequest registers the consumer of new server transactions. ACK and
// CANCEL never arrive here; they have their own callbacks.
func (txl *Layer) OnRequest(fn func(tx ServerTransaction, req *sip.Request)) {
	txl.cbMu.Lock()
	txl.onRequest = fn
	txl.cbMu.Unlock()
}

// OnCancel registers the consumer called when a CANCEL matches a live
// INVITE server transaction. The layer already answered the CANCEL
// with 200; the consumer is expected to finish the INVITE with 487.
func (txl *Layer) OnCancel(fn func(invite ServerTransaction, cancel *sip.Request)) {
	txl.cbMu.Lock()
	txl.onCancel = fn
	txl.cbMu.Unlock()
}

// OnAck registers the consumer of ACKs addressed to 2xx responses.
// They travel end-to-end; the consumer sees them whether they matched
// an accepted INVITE server transaction (RFC 2543 peers reusing the
// INVITE branch) or no transaction at all.
func (txl *Layer) OnAck(fn func(ack *sip.Request)) {
	txl.cbMu.Lock()
	txl.onAck = fn
	txl.cbMu.Unlock()
}

// OnResponse registers the consumer of responses that match no client
// transaction, chiefly 2xx retransmissions arriving after the INVITE
// transaction terminated. The consumer re-ACKs them end-to-end.
func (txl *Layer) OnResponse(fn func(res *sip.Response)) {
	txl.cbMu.Lock()
	txl.onResponse = fn
	txl.cbMu.Unlock()
}

// Request creates, indexes and starts a client transaction for req.
// Options override the layer defaults when non-nil.
func (txl *Layer) Request(req *sip.Request, opts *Options) (ClientTransaction, error) {
	if opts == nil {
		opts = txl.defOps
	}
	tx, err := NewClientTransaction(req, txl.tpl, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	txl.clientMu.Lock()
	if txl.closed {
		txl.clientMu.Unlock()
		return nil, errtrace.Wrap(transport.ErrClosed)
	}
	txl.clientTxs[tx.Key()] = tx
	txl.clientMu.Unlock()

	tx.OnTerminated(func() {
		txl.clientMu.Lock()
		delete(txl.clientTxs, tx.Key())
		txl.clientMu.Unlock()
	})
	txl.guardStale(tx)

	tx.Start()
	return tx, nil
}

// guardStale arms the leak guard: a transaction still alive after the
// stale timeout is terminated regardless of state.
func (txl *Layer) guardStale(tx Transaction) {
	if txl.staleTout < 0 {
		return
	}
	guard := time.AfterFunc(txl.staleTout, tx.Terminate)
	tx.OnTerminated(func() { guard.Stop() })
}

// Respond sends res through the given server transaction. It creates
// and indexes nothing; the transaction must already exist.
func (txl *Layer) Respond(tx ServerTransaction, res *sip.Response) error {
	return errtrace.Wrap(tx.Respond(res))
}

func (txl *Layer) recvMessage(msg sip.Message) {
	switch m := msg.(type) {
	case *sip.Response:
		txl.recvResponse(m)
	case *sip.Request:
		txl.recvRequest(m)
	}
}

func (txl *Layer) recvResponse(res *sip.Response) {
	key, err := ClientKeyFromMessage(res)
	if err != nil {
		txl.log.Debug("dropping response without transaction key", "response", res)
		return
	}

	txl.clientMu.RLock()
	tx, ok := txl.clientTxs[key]
	txl.clientMu.RUnlock()
	if ok {
		tx.RecvResponse(res)
		return
	}

	txl.cbMu.RLock()
	fn := txl.onResponse
	txl.cbMu.RUnlock()
	if fn != nil {
		fn(res)
	} else {
		txl.log.Debug("dropping unmatched response", "response", res)
	}
}

func (txl *Layer) recvRequest(req *sip.Request) {
	switch {
	case req.IsAck():
		txl.recvAck(req)
	case req.Method().Equal(sip.CANCEL):
		txl.recvCancel(req)
	default:
		txl.recvOther(req)
	}
}

// recvAck routes an ACK. A matching server transaction consumes it:
// the ACK for a non-2xx final confirms the machine, the ACK for a 2xx
// (matched by RFC 2543 rules when the peer reuses the INVITE branch)
// is surfaced by the accepted transaction through its OnAck consumer.
// Without a match the ACK travelled end-to-end and goes straight to
// the TU.
func (txl *Layer) recvAck(req *sip.Request) {
	if key, err := ServerKeyFromRequest(req, false); err == nil {
		txl.serverMu.RLock()
		tx, ok := txl.serverTxs[key]
		txl.serverMu.RUnlock()
		if ok {
			tx.RecvRequest(req)
			return
		}
	}
	txl.deliverAck(req)
}

// deliverAck hands a 2xx ACK to the TU-level consumer.
func (txl *Layer) deliverAck(req *sip.Request) {
	txl.cbMu.RLock()
	fn := txl.onAck
	txl.cbMu.RUnlock()
	if fn != nil {
		fn(req)
	}
}

// recvCancel gives the CANCEL its own non-INVITE server transaction,
// answers it, and tells the TU to abort the matched INVITE.
func (txl *Layer) recvCancel(req *sip.Request) {
	selfKey, err := ServerKeyFromRequest(req, true)
	if err != nil {
		txl.log.Debug("dropping unkeyable CANCEL", "request", req)
		return
	}

	txl.serverMu.RLock()
	existing, ok := txl.serverTxs[selfKey]
	txl.serverMu.RUnlock()
	if ok {
		// CANCEL retransmission
		existing.RecvRequest(req)
		return
	}

	cancelTx, err := txl.newServerTx(req, selfKey)
	if err != nil {
		txl.log.Warn("failed to create CANCEL transaction", "request", req, "error", err)
		return
	}

	targetKey, _ := ServerKeyFromRequest(req, false)
	txl.serverMu.RLock()
	inviteTx, ok := txl.serverTxs[targetKey]
	txl.serverMu.RUnlock()
	if !ok {
		// RFC 3261 9.2: no matching transaction
		res := sip.NewResponseFromRequest(req, sip.StatusCallDoesNotExist, "", nil)
		cancelTx.Respond(res) //nolint:errcheck
		return
	}

	res := sip.NewResponseFromRequest(req, sip.StatusOK, "", nil)
	cancelTx.Respond(res) //nolint:errcheck

	txl.cbMu.RLock()
	fn := txl.onCancel
	txl.cbMu.RUnlock()
	if fn != nil {
		fn(inviteTx, req)
	}
}

func (txl *Layer) recvOther(req *sip.Request) {
	key, err := ServerKeyFromRequest(req, false)
	if err != nil {
		txl.log.Debug("dropping unkeyable request", "request", req)
		return
	}

	txl.serverMu.RLock()
	existing, ok := txl.serverTxs[key]
	txl.serverMu.RUnlock()
	if ok {
		// retransmission: the transaction replays its last response
		existing.RecvRequest(req)
		return
	}

	tx, err := txl.newServerTx(req, key)
	if err != nil {
		txl.log.Warn("failed to create server transaction", "request", req, "error", err)
		txl.rejectStateless(req)
		return
	}

	txl.cbMu.RLock()
	fn := txl.onRequest
	txl.cbMu.RUnlock()
	if fn != nil {
		fn(tx, req)
	} else {
		res := sip.NewResponseFromRequest(req, sip.StatusServiceUnavailable, "", nil)
		tx.Respond(res) //nolint:errcheck
	}
}

// rejectStateless answers a request that could not get a transaction
// with a plain 400, provided its top Via survived parsing.
func (txl *Layer) rejectStateless(req *sip.Request) {
	if _, ok := req.ViaHop(); !ok {
		return
	}
	res := sip.NewResponseFromRequest(req, sip.StatusBadRequest, "", nil)
	if err := txl.tpl.Send(context.Background(), res); err != nil {
		txl.log.Debug("stateless 400 failed", "error", err)
	}
}

func (txl *Layer) newServerTx(req *sip.Request, key ServerKey) (ServerTransaction, error) {
	tx, err := NewServerTransaction(req, txl.tpl, txl.defOps)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	txl.serverMu.Lock()
	if txl.closed {
		txl.serverMu.Unlock()
		return nil, errtrace.Wrap(transport.ErrClosed)
	}
	txl.serverTxs[key] = tx
	txl.serverMu.Unlock()

	tx.OnTerminated(func() {
		txl.serverMu.Lock()
		delete(txl.serverTxs, key)
		txl.serverMu.Unlock()
	})
	// default ACK consumer, so a 2xx ACK absorbed by an accepted
	// transaction still reaches the TU; the user agent narrows this
	// to the owning call when it answers
	tx.OnAck(txl.deliverAck)
	txl.guardStale(tx)
	return tx, nil
}

// Close terminates every live transaction.
func (txl *Layer) Close() {
	txl.clientMu.Lock()
	txl.closed = true
	clients := make([]ClientTransaction, 0, len(txl.clientTxs))
	for _, tx := range txl.clientTxs {
		clients = append(clients, tx)
	}
	txl.clientMu.Unlock()

	txl.serverMu.Lock()
	servers := make([]ServerTransaction, 0, len(txl.serverTxs))
	for _, tx := range txl.serverTxs {
		servers = append(servers, tx)
	}
	txl.serverMu.Unlock()

	for _, tx := range clients {
		tx.Terminate()
	}
	for _, tx := range servers {
		tx.Terminate()
	}
}
