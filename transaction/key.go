package transaction

import (
	"strconv"

	"braces.dev/errtrace"

	"github.com/softsip/softsip/internal/util"
	"github.com/softsip/softsip/sip"
)

// ErrNoViaBranch is returned when a message lacks the Via data a key
// needs.
const ErrNoViaBranch sip.Error = "message has no Via branch"

// ClientKey matches responses to the client transaction that created
// the request: the top Via branch plus the CSeq method (RFC 3261
// section 17.1.3).
type ClientKey struct {
	Branch string
	Method string
}

// ClientKeyFromMessage derives the client key from a request or one of
// its responses.
func ClientKeyFromMessage(msg sip.Message) (ClientKey, error) {
	hop, ok := msg.ViaHop()
	if !ok {
		return ClientKey{}, errtrace.Wrap(ErrNoViaBranch)
	}
	branch, ok := hop.Branch()
	if !ok || branch == "" {
		return ClientKey{}, errtrace.Wrap(ErrNoViaBranch)
	}
	cseq, ok := msg.CSeq()
	if !ok {
		return ClientKey{}, errtrace.Wrap(sip.ErrInvalidMessage)
	}
	return ClientKey{Branch: branch, Method: util.UCase(string(cseq.Method))}, nil
}

func (k ClientKey) IsZero() bool { return k.Branch == "" && k.Method == "" }

func (k ClientKey) String() string { return k.Branch + "|" + k.Method }

// ServerKey matches requests to server transactions per RFC 3261
// section 17.2.3: branch, top Via sent-by and method, where CANCEL and
// ACK map to the method of the transaction they target.
type ServerKey struct {
	Branch string
	SentBy string
	Method string
}

// ServerKeyFromRequest derives the server key from an inbound request.
// CANCEL and ACK requests produce the key of the INVITE (or other)
// transaction they address; a CANCEL additionally owns a transaction
// under its own method, which callers request with asSelf.
func ServerKeyFromRequest(req *sip.Request, asSelf bool) (ServerKey, error) {
	hop, ok := req.ViaHop()
	if !ok {
		return ServerKey{}, errtrace.Wrap(ErrNoViaBranch)
	}
	branch, ok := hop.Branch()
	if !ok || branch == "" || !sip.IsRFC3261Branch(branch) {
		// RFC 2543 peers get the degenerate legacy key; exact
		// pre-3261 matching is out of scope but retransmissions from
		// the same hop still collapse onto one transaction.
		return legacyServerKey(req, asSelf)
	}

	method := req.Method()
	if !asSelf && (method.Equal(sip.CANCEL) || method.Equal(sip.ACK)) {
		method = sip.INVITE
	}
	return ServerKey{
		Branch: branch,
		SentBy: util.LCase(hop.SentBy()),
		Method: util.UCase(string(method)),
	}, nil
}

// legacyServerKey covers branches without the magic cookie: the key
// degrades to Call-ID + CSeq number + sent-by. Only the sequence
// number enters the key, so ACK and CANCEL still fold onto the INVITE
// they target via the Method field.
func legacyServerKey(req *sip.Request, asSelf bool) (ServerKey, error) {
	cid, ok := req.CallID()
	if !ok {
		return ServerKey{}, errtrace.Wrap(sip.ErrInvalidMessage)
	}
	cseq, ok := req.CSeq()
	if !ok {
		return ServerKey{}, errtrace.Wrap(sip.ErrInvalidMessage)
	}
	hop, _ := req.ViaHop()

	method := req.Method()
	if !asSelf && (method.Equal(sip.CANCEL) || method.Equal(sip.ACK)) {
		method = sip.INVITE
	}
	return ServerKey{
		Branch: string(cid) + "|" + strconv.FormatUint(uint64(cseq.SeqNo), 10),
		SentBy: util.LCase(hop.SentBy()),
		Method: util.UCase(string(method)),
	}, nil
}

func (k ServerKey) IsZero() bool { return k == ServerKey{} }

func (k ServerKey) String() string { return k.Branch + "|" + k.SentBy + "|" + k.Method }
