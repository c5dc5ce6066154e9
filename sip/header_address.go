package sip

import (
	"strings"
)

// Address is the shared name-addr shape of From, To, Contact, Route,
// Record-Route and Refer-To headers: an optional display name, a URI
// and header parameters.
type Address struct {
	DisplayName string
	URI         URI
	Params      *Params
}

// Tag returns the tag header parameter.
func (addr *Address) Tag() (string, bool) {
	return addr.Params.Get("tag")
}

// SetTag replaces the tag header parameter.
func (addr *Address) SetTag(tag string) {
	if addr.Params == nil {
		addr.Params = NewParams()
	}
	addr.Params.Add("tag", tag)
}

func (addr *Address) render() string {
	var sb strings.Builder
	if addr.DisplayName != "" {
		if strings.ContainsAny(addr.DisplayName, " \t,;:\"") {
			sb.WriteByte('"')
			sb.WriteString(escapeQuoted(addr.DisplayName))
			sb.WriteByte('"')
		} else {
			sb.WriteString(addr.DisplayName)
		}
		sb.WriteByte(' ')
	}
	sb.WriteByte('<')
	if addr.URI != nil {
		sb.WriteString(addr.URI.String())
	}
	sb.WriteByte('>')
	addr.Params.Render(&sb, ';', true)
	return sb.String()
}

func (addr *Address) clone() Address {
	addr2 := Address{DisplayName: addr.DisplayName, Params: addr.Params.Clone()}
	if addr.URI != nil {
		addr2.URI = addr.URI.Clone()
	}
	return addr2
}

// equal ignores the display name, which carries no protocol meaning.
func (addr *Address) equal(other *Address) bool {
	if addr == other {
		return true
	}
	if addr == nil || other == nil {
		return false
	}
	if (addr.URI == nil) != (other.URI == nil) {
		return false
	}
	if addr.URI != nil && !addr.URI.Equal(other.URI) {
		return false
	}
	return addr.Params.Equal(other.Params)
}

// FromHeader is the From header field.
type FromHeader struct {
	Address
}

func (h *FromHeader) Name() string   { return "From" }
func (h *FromHeader) String() string { return "From: " + h.render() }

func (h *FromHeader) Clone() Header {
	return &FromHeader{Address: h.clone()}
}

func (h *FromHeader) Equal(other any) bool {
	o, ok := other.(*FromHeader)
	return ok && h.equal(&o.Address)
}

// ToHeader is the To header field.
type ToHeader struct {
	Address
}

func (h *ToHeader) Name() string   { return "To" }
func (h *ToHeader) String() string { return "To: " + h.render() }

func (h *ToHeader) Clone() Header {
	return &ToHeader{Address: h.clone()}
}

func (h *ToHeader) Equal(other any) bool {
	o, ok := other.(*ToHeader)
	return ok && h.equal(&o.Address)
}

// ContactHeader is a single Contact binding. A message may carry
// several Contact headers; comma-combined values parse into separate
// instances.
type ContactHeader struct {
	Address
}

func (h *ContactHeader) Name() string { return "Contact" }

func (h *ContactHeader) String() string {
	if u, ok := h.URI.(ContactURI); ok && u.IsWildcard() {
		var sb strings.Builder
		sb.WriteString("Contact: *")
		h.Params.Render(&sb, ';', true)
		return sb.String()
	}
	return "Contact: " + h.render()
}

func (h *ContactHeader) Clone() Header {
	return &ContactHeader{Address: h.clone()}
}

func (h *ContactHeader) Equal(other any) bool {
	o, ok := other.(*ContactHeader)
	return ok && h.equal(&o.Address)
}

// Expires returns the expires header parameter in seconds.
func (h *ContactHeader) Expires() (uint32, bool) {
	v, ok := h.Params.Get("expires")
	if !ok {
		return 0, false
	}
	return parseUint32(v)
}

// RouteHeader is one Route entry. Comma-combined route sets parse into
// one instance per entry, preserving order.
type RouteHeader struct {
	Address
}

func (h *RouteHeader) Name() string   { return "Route" }
func (h *RouteHeader) String() string { return "Route: " + h.render() }

func (h *RouteHeader) Clone() Header {
	return &RouteHeader{Address: h.clone()}
}

func (h *RouteHeader) Equal(other any) bool {
	o, ok := other.(*RouteHeader)
	return ok && h.equal(&o.Address)
}

// RecordRouteHeader is one Record-Route entry.
type RecordRouteHeader struct {
	Address
}

func (h *RecordRouteHeader) Name() string   { return "Record-Route" }
func (h *RecordRouteHeader) String() string { return "Record-Route: " + h.render() }

func (h *RecordRouteHeader) Clone() Header {
	return &RecordRouteHeader{Address: h.clone()}
}

func (h *RecordRouteHeader) Equal(other any) bool {
	o, ok := other.(*RecordRouteHeader)
	return ok && h.equal(&o.Address)
}

// ReferToHeader carries the transfer target of a REFER request
// (RFC 3515).
type ReferToHeader struct {
	Address
}

func (h *ReferToHeader) Name() string   { return "Refer-To" }
func (h *ReferToHeader) String() string { return "Refer-To: " + h.render() }

func (h *ReferToHeader) Clone() Header {
	return &ReferToHeader{Address: h.clone()}
}

func (h *ReferToHeader) Equal(other any) bool {
	o, ok := other.(*ReferToHeader)
	return ok && h.equal(&o.Address)
}

// ReferredByHeader identifies the referrer in transfer flows.
type ReferredByHeader struct {
	Address
}

func (h *ReferredByHeader) Name() string   { return "Referred-By" }
func (h *ReferredByHeader) String() string { return "Referred-By: " + h.render() }

func (h *ReferredByHeader) Clone() Header {
	return &ReferredByHeader{Address: h.clone()}
}

func (h *ReferredByHeader) Equal(other any) bool {
	o, ok := other.(*ReferredByHeader)
	return ok && h.equal(&o.Address)
}

func parseUint32(v string) (uint32, bool) {
	var n uint64
	for i := 0; i < len(v); i++ {
		if v[i] < '0' || v[i] > '9' {
			return 0, false
		}
		n = n*10 + uint64(v[i]-'0')
		if n > 1<<32-1 {
			return 0, false
		}
	}
	if v == "" {
		return 0, false
	}
	return uint32(n), true
}
