package sip

import (
	"log/slog"
	"strings"
)

// Request is a SIP request message.
type Request struct {
	message
	method RequestMethod
	uri    URI
}

// NewRequest builds a request from a method, request-URI and headers.
func NewRequest(method RequestMethod, uri URI, hdrs []Header, body []byte) *Request {
	req := &Request{
		method: method,
		uri:    uri,
	}
	req.message = message{
		headers:    newHeaders(hdrs),
		sipVersion: SIPVersion,
	}
	req.SetBody(body, true)
	return req
}

func (req *Request) Method() RequestMethod { return req.method }

func (req *Request) URI() URI { return req.uri }

// SetURI replaces the request-URI.
func (req *Request) SetURI(uri URI) { req.uri = uri }

func (req *Request) StartLine() string {
	var sb strings.Builder
	sb.WriteString(string(req.method))
	sb.WriteByte(' ')
	if req.uri != nil {
		sb.WriteString(req.uri.String())
	}
	sb.WriteByte(' ')
	sb.WriteString(req.sipVersion)
	return sb.String()
}

func (req *Request) String() string {
	return renderMessage(req.StartLine(), req.headers, req.body)
}

func (req *Request) Short() string {
	if req == nil {
		return "<nil>"
	}
	return shortMessage(req.StartLine(), req.headers)
}

func (req *Request) Clone() Message {
	if req == nil {
		return nil
	}
	req2 := &Request{method: req.method}
	if req.uri != nil {
		req2.uri = req.uri.Clone()
	}
	req2.message = message{
		headers:    newHeaders(req.cloneHeaders()),
		sipVersion: req.sipVersion,
		body:       append([]byte(nil), req.body...),
		transport:  req.transport,
		src:        req.src,
		dest:       req.dest,
	}
	return req2
}

// IsInvite reports whether the request is an INVITE.
func (req *Request) IsInvite() bool { return req.method.Equal(INVITE) }

// IsAck reports whether the request is an ACK.
func (req *Request) IsAck() bool { return req.method.Equal(ACK) }

// LogValue implements slog.LogValuer.
func (req *Request) LogValue() slog.Value {
	if req == nil {
		return slog.Value{}
	}
	attrs := make([]slog.Attr, 0, 4)
	attrs = append(attrs, slog.String("method", string(req.method)))
	if req.uri != nil {
		attrs = append(attrs, slog.String("uri", req.uri.String()))
	}
	if cid, ok := req.CallID(); ok {
		attrs = append(attrs, slog.String("call_id", string(cid)))
	}
	if cseq, ok := req.CSeq(); ok {
		attrs = append(attrs, slog.Any("cseq", slog.StringValue(cseq.String())))
	}
	return slog.GroupValue(attrs...)
}

// Validate checks the structural invariants every request must hold.
func (req *Request) Validate() error {
	if req == nil || !req.method.IsValid() || req.uri == nil {
		return ErrInvalidMessage
	}
	for _, name := range []string{"Via", "From", "To", "Call-ID", "CSeq"} {
		if len(req.GetHeaders(name)) == 0 {
			return newParseError(ErrMissingMandatoryHeader, -1, "request lacks %s", name)
		}
	}
	return nil
}
