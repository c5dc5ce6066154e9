package sip

import (
	"github.com/softsip/softsip/internal/util"
)

// Header is a single parsed SIP header field.
type Header interface {
	// Name returns the canonical (long-form) header name.
	Name() string
	Clone() Header
	String() string
	Equal(other any) bool
}

// compactForms maps single-letter compact header names to their long
// forms, per RFC 3261 section 7.3.3 and the event extensions.
var compactForms = map[string]string{
	"v": "Via",
	"f": "From",
	"t": "To",
	"i": "Call-ID",
	"m": "Contact",
	"e": "Content-Encoding",
	"l": "Content-Length",
	"c": "Content-Type",
	"s": "Subject",
	"k": "Supported",
	"o": "Event",
	"u": "Allow-Events",
	"r": "Refer-To",
}

// CanonicalHeaderName expands compact forms and normalizes the header
// name casing used for map keys. The returned value is lowercase; use
// it only for lookups, display names keep their parsed form.
func CanonicalHeaderName(name string) string {
	lower := util.LCase(name)
	if long, ok := compactForms[lower]; ok {
		return util.LCase(long)
	}
	return lower
}

// GenericHeader is a free-form header the stack has no structured
// model for. Contents are preserved verbatim.
type GenericHeader struct {
	HeaderName string
	Contents   string
}

func (h *GenericHeader) Name() string { return h.HeaderName }

func (h *GenericHeader) String() string {
	return h.HeaderName + ": " + h.Contents
}

func (h *GenericHeader) Clone() Header {
	h2 := *h
	return &h2
}

func (h *GenericHeader) Equal(other any) bool {
	o, ok := other.(*GenericHeader)
	if !ok {
		return false
	}
	return util.EqFold(h.HeaderName, o.HeaderName) && h.Contents == o.Contents
}
