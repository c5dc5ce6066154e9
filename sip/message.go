package sip

import (
	"fmt"
	"strings"
)

// Message is a parsed SIP request or response.
type Message interface {
	// StartLine returns the request-line or status-line without CRLF.
	StartLine() string
	// String renders the full message in wire form.
	String() string
	// Short returns a one-line summary for logging.
	Short() string
	SIPVersion() string

	// Headers returns all headers in serialization order.
	Headers() []Header
	// GetHeaders returns headers by name; compact names are expanded.
	GetHeaders(name string) []Header
	AppendHeader(h Header)
	PrependHeader(h Header)
	RemoveHeader(name string)

	Body() []byte
	// SetBody replaces the body and, when recompute is set, rewrites
	// the Content-Length header.
	SetBody(body []byte, recompute bool)

	// Typed accessors for the headers every layer touches.
	CallID() (CallIDHeader, bool)
	Via() (ViaHeader, bool)
	ViaHop() (*ViaHop, bool)
	From() (*FromHeader, bool)
	To() (*ToHeader, bool)
	CSeq() (*CSeqHeader, bool)
	ContentLength() (ContentLengthHeader, bool)

	// Transport annotations, set by the transport layer.
	Transport() string
	SetTransport(tp string)
	Source() string
	SetSource(src string)
	Destination() string
	SetDestination(dest string)

	Clone() Message
}

// serialization order of the well-known headers; everything else
// follows in insertion order before Content-Length.
var headerRank = map[string]int{
	"via":          1,
	"route":        2,
	"record-route": 3,
	"from":         4,
	"to":           5,
	"call-id":      6,
	"cseq":         7,
	"max-forwards": 8,
	"contact":      9,
}

const (
	headerRankOther         = 100
	headerRankContentLength = 1000
)

func rankOf(lowerName string) int {
	if lowerName == "content-length" {
		return headerRankContentLength
	}
	if r, ok := headerRank[lowerName]; ok {
		return r
	}
	return headerRankOther
}

// headers is the ordered, case-insensitive header bag shared by
// requests and responses.
type headers struct {
	byName map[string][]Header
	order  []string
}

func newHeaders(hdrs []Header) *headers {
	hs := &headers{byName: make(map[string][]Header)}
	for _, h := range hdrs {
		hs.AppendHeader(h)
	}
	return hs
}

func (hs *headers) AppendHeader(h Header) {
	name := CanonicalHeaderName(h.Name())
	if _, ok := hs.byName[name]; !ok {
		hs.order = append(hs.order, name)
	}
	hs.byName[name] = append(hs.byName[name], h)
}

func (hs *headers) PrependHeader(h Header) {
	name := CanonicalHeaderName(h.Name())
	if existing, ok := hs.byName[name]; ok {
		hs.byName[name] = append([]Header{h}, existing...)
		return
	}
	hs.byName[name] = []Header{h}
	hs.order = append([]string{name}, hs.order...)
}

func (hs *headers) RemoveHeader(name string) {
	name = CanonicalHeaderName(name)
	if _, ok := hs.byName[name]; !ok {
		return
	}
	delete(hs.byName, name)
	for i, n := range hs.order {
		if n == name {
			hs.order = append(hs.order[:i], hs.order[i+1:]...)
			break
		}
	}
}

func (hs *headers) GetHeaders(name string) []Header {
	return hs.byName[CanonicalHeaderName(name)]
}

func (hs *headers) Headers() []Header {
	all := make([]Header, 0, len(hs.order))
	for _, name := range hs.sortedNames() {
		all = append(all, hs.byName[name]...)
	}
	return all
}

// sortedNames applies the canonical serialization order: well-known
// headers by rank, then the rest in insertion order, Content-Length
// last. The sort is stable with respect to insertion order.
func (hs *headers) sortedNames() []string {
	names := make([]string, len(hs.order))
	copy(names, hs.order)
	// insertion sort keeps it stable and the lists are tiny
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && rankOf(names[j]) < rankOf(names[j-1]); j-- {
			names[j], names[j-1] = names[j-1], names[j]
		}
	}
	return names
}

// render writes all headers except Content-Length, which the message
// renderer recomputes from the actual body.
func (hs *headers) render(sb *strings.Builder) {
	for _, name := range hs.sortedNames() {
		if name == "content-length" {
			continue
		}
		for _, h := range hs.byName[name] {
			sb.WriteString(h.String())
			sb.WriteString("\r\n")
		}
	}
}

func (hs *headers) cloneHeaders() []Header {
	all := hs.Headers()
	cloned := make([]Header, len(all))
	for i, h := range all {
		cloned[i] = h.Clone()
	}
	return cloned
}

func (hs *headers) CallID() (CallIDHeader, bool) {
	if h := hs.GetHeaders("Call-ID"); len(h) > 0 {
		if cid, ok := h[0].(CallIDHeader); ok {
			return cid, true
		}
	}
	return "", false
}

func (hs *headers) Via() (ViaHeader, bool) {
	if h := hs.GetHeaders("Via"); len(h) > 0 {
		if via, ok := h[0].(ViaHeader); ok {
			return via, true
		}
	}
	return nil, false
}

func (hs *headers) ViaHop() (*ViaHop, bool) {
	via, ok := hs.Via()
	if !ok || len(via) == 0 {
		return nil, false
	}
	return via[0], true
}

func (hs *headers) From() (*FromHeader, bool) {
	if h := hs.GetHeaders("From"); len(h) > 0 {
		if from, ok := h[0].(*FromHeader); ok {
			return from, true
		}
	}
	return nil, false
}

func (hs *headers) To() (*ToHeader, bool) {
	if h := hs.GetHeaders("To"); len(h) > 0 {
		if to, ok := h[0].(*ToHeader); ok {
			return to, true
		}
	}
	return nil, false
}

func (hs *headers) CSeq() (*CSeqHeader, bool) {
	if h := hs.GetHeaders("CSeq"); len(h) > 0 {
		if cseq, ok := h[0].(*CSeqHeader); ok {
			return cseq, true
		}
	}
	return nil, false
}

func (hs *headers) ContentLength() (ContentLengthHeader, bool) {
	if h := hs.GetHeaders("Content-Length"); len(h) > 0 {
		if cl, ok := h[0].(ContentLengthHeader); ok {
			return cl, true
		}
	}
	return 0, false
}

// Contact returns the first Contact header.
func (hs *headers) Contact() (*ContactHeader, bool) {
	if h := hs.GetHeaders("Contact"); len(h) > 0 {
		if c, ok := h[0].(*ContactHeader); ok {
			return c, true
		}
	}
	return nil, false
}

// RecordRoutes returns all Record-Route entries in message order.
func (hs *headers) RecordRoutes() []*RecordRouteHeader {
	raw := hs.GetHeaders("Record-Route")
	rrs := make([]*RecordRouteHeader, 0, len(raw))
	for _, h := range raw {
		if rr, ok := h.(*RecordRouteHeader); ok {
			rrs = append(rrs, rr)
		}
	}
	return rrs
}

// Routes returns all Route entries in message order.
func (hs *headers) Routes() []*RouteHeader {
	raw := hs.GetHeaders("Route")
	rs := make([]*RouteHeader, 0, len(raw))
	for _, h := range raw {
		if r, ok := h.(*RouteHeader); ok {
			rs = append(rs, r)
		}
	}
	return rs
}

// message is the shared base of Request and Response.
type message struct {
	*headers
	sipVersion string
	body       []byte

	transport string
	src       string
	dest      string
}

func (msg *message) SIPVersion() string { return msg.sipVersion }

func (msg *message) Body() []byte { return msg.body }

func (msg *message) SetBody(body []byte, recompute bool) {
	msg.body = body
	if recompute {
		msg.RemoveHeader("Content-Length")
		msg.AppendHeader(ContentLengthHeader(len(body)))
	}
}

func (msg *message) Transport() string      { return msg.transport }
func (msg *message) SetTransport(tp string) { msg.transport = tp }
func (msg *message) Source() string         { return msg.src }
func (msg *message) SetSource(src string)   { msg.src = src }
func (msg *message) Destination() string    { return msg.dest }
func (msg *message) SetDestination(d string) {
	msg.dest = d
}

func renderMessage(startLine string, hs *headers, body []byte) string {
	var sb strings.Builder
	sb.WriteString(startLine)
	sb.WriteString("\r\n")
	hs.render(&sb)
	sb.WriteString(ContentLengthHeader(len(body)).String())
	sb.WriteString("\r\n\r\n")
	sb.Write(body)
	return sb.String()
}

func shortMessage(startLine string, hs *headers) string {
	parts := []string{startLine}
	if cseq, ok := hs.CSeq(); ok {
		parts = append(parts, fmt.Sprintf("%d %s", cseq.SeqNo, cseq.Method))
	}
	if cid, ok := hs.CallID(); ok {
		parts = append(parts, string(cid))
	}
	return strings.Join(parts, " | ")
}

// CopyHeaders clones all headers with the given name from src into dst.
func CopyHeaders(name string, src, dst Message) {
	for _, h := range src.GetHeaders(name) {
		dst.AppendHeader(h.Clone())
	}
}
