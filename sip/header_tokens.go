package sip

import (
	"strings"

	"github.com/softsip/softsip/internal/util"
)

// tokenList is the shared shape of the option-tag headers: Supported,
// Require, Unsupported and Proxy-Require.
type tokenList []string

func (l tokenList) render(name string) string {
	return name + ": " + strings.Join(l, ", ")
}

func (l tokenList) clone() tokenList {
	l2 := make(tokenList, len(l))
	copy(l2, l)
	return l2
}

func (l tokenList) equal(o tokenList) bool {
	if len(l) != len(o) {
		return false
	}
	for i := range l {
		if !util.EqFold(l[i], o[i]) {
			return false
		}
	}
	return true
}

func parseTokenList(value string) tokenList {
	var l tokenList
	for _, tok := range strings.Split(value, ",") {
		if tok = strings.Trim(tok, abnfWs); tok != "" {
			l = append(l, tok)
		}
	}
	return l
}

// SupportedHeader lists the option tags an endpoint supports.
type SupportedHeader tokenList

func (h SupportedHeader) Name() string   { return "Supported" }
func (h SupportedHeader) String() string { return tokenList(h).render(h.Name()) }
func (h SupportedHeader) Clone() Header  { return SupportedHeader(tokenList(h).clone()) }

func (h SupportedHeader) Equal(other any) bool {
	o, ok := other.(SupportedHeader)
	return ok && tokenList(h).equal(tokenList(o))
}

// RequireHeader lists option tags the peer must support.
type RequireHeader tokenList

func (h RequireHeader) Name() string   { return "Require" }
func (h RequireHeader) String() string { return tokenList(h).render(h.Name()) }
func (h RequireHeader) Clone() Header  { return RequireHeader(tokenList(h).clone()) }

func (h RequireHeader) Equal(other any) bool {
	o, ok := other.(RequireHeader)
	return ok && tokenList(h).equal(tokenList(o))
}

// UnsupportedHeader lists required option tags a 420 rejects.
type UnsupportedHeader tokenList

func (h UnsupportedHeader) Name() string   { return "Unsupported" }
func (h UnsupportedHeader) String() string { return tokenList(h).render(h.Name()) }
func (h UnsupportedHeader) Clone() Header  { return UnsupportedHeader(tokenList(h).clone()) }

func (h UnsupportedHeader) Equal(other any) bool {
	o, ok := other.(UnsupportedHeader)
	return ok && tokenList(h).equal(tokenList(o))
}

// ProxyRequireHeader lists option tags proxies must support.
type ProxyRequireHeader tokenList

func (h ProxyRequireHeader) Name() string   { return "Proxy-Require" }
func (h ProxyRequireHeader) String() string { return tokenList(h).render(h.Name()) }
func (h ProxyRequireHeader) Clone() Header  { return ProxyRequireHeader(tokenList(h).clone()) }

func (h ProxyRequireHeader) Equal(other any) bool {
	o, ok := other.(ProxyRequireHeader)
	return ok && tokenList(h).equal(tokenList(o))
}

func parseSupportedHeader(_ string, value string) ([]Header, error) {
	return []Header{SupportedHeader(parseTokenList(value))}, nil
}

func parseRequireHeader(_ string, value string) ([]Header, error) {
	return []Header{RequireHeader(parseTokenList(value))}, nil
}

func parseUnsupportedHeader(_ string, value string) ([]Header, error) {
	return []Header{UnsupportedHeader(parseTokenList(value))}, nil
}

func parseProxyRequireHeader(_ string, value string) ([]Header, error) {
	return []Header{ProxyRequireHeader(parseTokenList(value))}, nil
}
