package sip

import (
	"fmt"
	"log/slog"
)

// Response is a SIP response message.
type Response struct {
	message
	status ResponseStatus
	reason string
}

// NewResponse builds a response from scratch.
func NewResponse(status ResponseStatus, reason string, hdrs []Header, body []byte) *Response {
	if reason == "" {
		reason = status.ReasonPhrase()
	}
	res := &Response{
		status: status,
		reason: reason,
	}
	res.message = message{
		headers:    newHeaders(hdrs),
		sipVersion: SIPVersion,
	}
	res.SetBody(body, true)
	return res
}

// NewResponseFromRequest builds a response to req per RFC 3261 section
// 8.2.6: Via, From, To, Call-ID and CSeq are copied; Record-Route is
// copied on dialog-forming responses so the route set survives.
func NewResponseFromRequest(req *Request, status ResponseStatus, reason string, body []byte) *Response {
	res := NewResponse(status, reason, nil, nil)
	CopyHeaders("Via", req, res)
	CopyHeaders("From", req, res)
	CopyHeaders("To", req, res)
	CopyHeaders("Call-ID", req, res)
	CopyHeaders("CSeq", req, res)
	if status.IsProvisional() || status.IsSuccessful() {
		CopyHeaders("Record-Route", req, res)
	}
	res.SetBody(body, true)

	res.SetTransport(req.Transport())
	res.SetDestination(req.Source())
	res.SetSource(req.Destination())
	return res
}

func (res *Response) Status() ResponseStatus { return res.status }

func (res *Response) Reason() string { return res.reason }

func (res *Response) StartLine() string {
	return fmt.Sprintf("%s %d %s", res.sipVersion, res.status, res.reason)
}

func (res *Response) String() string {
	return renderMessage(res.StartLine(), res.headers, res.body)
}

func (res *Response) Short() string {
	if res == nil {
		return "<nil>"
	}
	return shortMessage(res.StartLine(), res.headers)
}

func (res *Response) Clone() Message {
	if res == nil {
		return nil
	}
	res2 := &Response{status: res.status, reason: res.reason}
	res2.message = message{
		headers:    newHeaders(res.cloneHeaders()),
		sipVersion: res.sipVersion,
		body:       append([]byte(nil), res.body...),
		transport:  res.transport,
		src:        res.src,
		dest:       res.dest,
	}
	return res2
}

// LogValue implements slog.LogValuer.
func (res *Response) LogValue() slog.Value {
	if res == nil {
		return slog.Value{}
	}
	attrs := make([]slog.Attr, 0, 4)
	attrs = append(attrs, slog.Int("status", int(res.status)), slog.String("reason", res.reason))
	if cid, ok := res.CallID(); ok {
		attrs = append(attrs, slog.String("call_id", string(cid)))
	}
	if cseq, ok := res.CSeq(); ok {
		attrs = append(attrs, slog.Any("cseq", slog.StringValue(cseq.String())))
	}
	return slog.GroupValue(attrs...)
}

// Validate checks the structural invariants every response must hold.
func (res *Response) Validate() error {
	if res == nil || !res.status.IsValid() {
		return ErrInvalidMessage
	}
	for _, name := range []string{"Via", "From", "To", "Call-ID", "CSeq"} {
		if len(res.GetHeaders(name)) == 0 {
			return newParseError(ErrMissingMandatoryHeader, -1, "response lacks %s", name)
		}
	}
	return nil
}
