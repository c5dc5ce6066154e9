package sip

import (
	"fmt"
	"strings"

	"github.com/softsip/softsip/internal/util"
)

// CallIDHeader is the Call-ID header value.
type CallIDHeader string

func (h CallIDHeader) Name() string   { return "Call-ID" }
func (h CallIDHeader) String() string { return "Call-ID: " + string(h) }
func (h CallIDHeader) Clone() Header  { return h }

func (h CallIDHeader) Equal(other any) bool {
	o, ok := other.(CallIDHeader)
	return ok && h == o
}

// CSeqHeader is the CSeq header: a sequence number and method.
type CSeqHeader struct {
	SeqNo  uint32
	Method RequestMethod
}

func (h *CSeqHeader) Name() string { return "CSeq" }

func (h *CSeqHeader) String() string {
	return fmt.Sprintf("CSeq: %d %s", h.SeqNo, h.Method)
}

func (h *CSeqHeader) Clone() Header {
	h2 := *h
	return &h2
}

func (h *CSeqHeader) Equal(other any) bool {
	o, ok := other.(*CSeqHeader)
	return ok && h.SeqNo == o.SeqNo && h.Method.Equal(o.Method)
}

// MaxForwardsHeader bounds the number of hops a request may take.
type MaxForwardsHeader uint8

func (h MaxForwardsHeader) Name() string   { return "Max-Forwards" }
func (h MaxForwardsHeader) String() string { return fmt.Sprintf("Max-Forwards: %d", uint8(h)) }
func (h MaxForwardsHeader) Clone() Header  { return h }

func (h MaxForwardsHeader) Equal(other any) bool {
	o, ok := other.(MaxForwardsHeader)
	return ok && h == o
}

// ContentLengthHeader is the declared body length in bytes.
type ContentLengthHeader uint32

func (h ContentLengthHeader) Name() string   { return "Content-Length" }
func (h ContentLengthHeader) String() string { return fmt.Sprintf("Content-Length: %d", uint32(h)) }
func (h ContentLengthHeader) Clone() Header  { return h }

func (h ContentLengthHeader) Equal(other any) bool {
	o, ok := other.(ContentLengthHeader)
	return ok && h == o
}

// ContentTypeHeader declares the media type of the body. The value is
// kept verbatim; the stack never interprets bodies.
type ContentTypeHeader string

func (h ContentTypeHeader) Name() string   { return "Content-Type" }
func (h ContentTypeHeader) String() string { return "Content-Type: " + string(h) }
func (h ContentTypeHeader) Clone() Header  { return h }

func (h ContentTypeHeader) Equal(other any) bool {
	o, ok := other.(ContentTypeHeader)
	return ok && util.EqFold(string(h), string(o))
}

// ExpiresHeader is the Expires header in seconds.
type ExpiresHeader uint32

func (h ExpiresHeader) Name() string   { return "Expires" }
func (h ExpiresHeader) String() string { return fmt.Sprintf("Expires: %d", uint32(h)) }
func (h ExpiresHeader) Clone() Header  { return h }

func (h ExpiresHeader) Equal(other any) bool {
	o, ok := other.(ExpiresHeader)
	return ok && h == o
}

// UserAgentHeader names the client software.
type UserAgentHeader string

func (h UserAgentHeader) Name() string   { return "User-Agent" }
func (h UserAgentHeader) String() string { return "User-Agent: " + string(h) }
func (h UserAgentHeader) Clone() Header  { return h }

func (h UserAgentHeader) Equal(other any) bool {
	o, ok := other.(UserAgentHeader)
	return ok && h == o
}

// ServerHeader names the server software.
type ServerHeader string

func (h ServerHeader) Name() string   { return "Server" }
func (h ServerHeader) String() string { return "Server: " + string(h) }
func (h ServerHeader) Clone() Header  { return h }

func (h ServerHeader) Equal(other any) bool {
	o, ok := other.(ServerHeader)
	return ok && h == o
}

// AllowHeader lists the methods an endpoint accepts.
type AllowHeader []RequestMethod

func (h AllowHeader) Name() string { return "Allow" }

func (h AllowHeader) String() string {
	methods := make([]string, len(h))
	for i, m := range h {
		methods[i] = string(m)
	}
	return "Allow: " + strings.Join(methods, ", ")
}

func (h AllowHeader) Clone() Header {
	h2 := make(AllowHeader, len(h))
	copy(h2, h)
	return h2
}

func (h AllowHeader) Equal(other any) bool {
	o, ok := other.(AllowHeader)
	if !ok || len(h) != len(o) {
		return false
	}
	for i := range h {
		if !h[i].Equal(o[i]) {
			return false
		}
	}
	return true
}

// EventHeader carries the event package of SUBSCRIBE/NOTIFY (RFC 6665).
type EventHeader struct {
	Type   string
	Params *Params
}

func (h *EventHeader) Name() string { return "Event" }

func (h *EventHeader) String() string {
	var sb strings.Builder
	sb.WriteString("Event: ")
	sb.WriteString(h.Type)
	h.Params.Render(&sb, ';', true)
	return sb.String()
}

func (h *EventHeader) Clone() Header {
	return &EventHeader{Type: h.Type, Params: h.Params.Clone()}
}

func (h *EventHeader) Equal(other any) bool {
	o, ok := other.(*EventHeader)
	return ok && util.EqFold(h.Type, o.Type) && h.Params.Equal(o.Params)
}

// SubscriptionStateHeader tracks the implicit REFER subscription state.
type SubscriptionStateHeader struct {
	State  string
	Params *Params
}

func (h *SubscriptionStateHeader) Name() string { return "Subscription-State" }

func (h *SubscriptionStateHeader) String() string {
	var sb strings.Builder
	sb.WriteString("Subscription-State: ")
	sb.WriteString(h.State)
	h.Params.Render(&sb, ';', true)
	return sb.String()
}

func (h *SubscriptionStateHeader) Clone() Header {
	return &SubscriptionStateHeader{State: h.State, Params: h.Params.Clone()}
}

func (h *SubscriptionStateHeader) Equal(other any) bool {
	o, ok := other.(*SubscriptionStateHeader)
	return ok && util.EqFold(h.State, o.State) && h.Params.Equal(o.Params)
}
