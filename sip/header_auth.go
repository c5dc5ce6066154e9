package sip

import (
	"strings"

	"github.com/softsip/softsip/internal/util"
)

// AuthValue is the shared shape of the four credential headers: an
// auth scheme (almost always Digest) and a comma-separated parameter
// list. Quoting of individual parameters is preserved.
type AuthValue struct {
	Scheme string
	Params *Params
}

func (a *AuthValue) render(name string) string {
	return name + ": " + a.Value()
}

// Value returns the credential value without the header name, e.g.
// `Digest realm="r", nonce="n"`.
func (a *AuthValue) Value() string {
	var sb strings.Builder
	sb.WriteString(a.Scheme)
	sb.WriteByte(' ')
	a.Params.Render(&sb, ',', false)
	return sb.String()
}

func (a *AuthValue) clone() AuthValue {
	return AuthValue{Scheme: a.Scheme, Params: a.Params.Clone()}
}

func (a *AuthValue) equal(o *AuthValue) bool {
	return util.EqFold(a.Scheme, o.Scheme) && a.Params.Equal(o.Params)
}

// Realm returns the realm parameter.
func (a *AuthValue) Realm() (string, bool) { return a.Params.Get("realm") }

// Nonce returns the nonce parameter.
func (a *AuthValue) Nonce() (string, bool) { return a.Params.Get("nonce") }

// Algorithm returns the algorithm parameter, defaulting to MD5.
func (a *AuthValue) Algorithm() string {
	if v, ok := a.Params.Get("algorithm"); ok && v != "" {
		return v
	}
	return "MD5"
}

// QOP returns the qop parameter.
func (a *AuthValue) QOP() (string, bool) { return a.Params.Get("qop") }

// Opaque returns the opaque parameter.
func (a *AuthValue) Opaque() (string, bool) { return a.Params.Get("opaque") }

// WWWAuthenticateHeader is a 401 challenge.
type WWWAuthenticateHeader struct {
	AuthValue
}

func (h *WWWAuthenticateHeader) Name() string   { return "WWW-Authenticate" }
func (h *WWWAuthenticateHeader) String() string { return h.render(h.Name()) }

func (h *WWWAuthenticateHeader) Clone() Header {
	return &WWWAuthenticateHeader{AuthValue: h.clone()}
}

func (h *WWWAuthenticateHeader) Equal(other any) bool {
	o, ok := other.(*WWWAuthenticateHeader)
	return ok && h.equal(&o.AuthValue)
}

// ProxyAuthenticateHeader is a 407 challenge.
type ProxyAuthenticateHeader struct {
	AuthValue
}

func (h *ProxyAuthenticateHeader) Name() string   { return "Proxy-Authenticate" }
func (h *ProxyAuthenticateHeader) String() string { return h.render(h.Name()) }

func (h *ProxyAuthenticateHeader) Clone() Header {
	return &ProxyAuthenticateHeader{AuthValue: h.clone()}
}

func (h *ProxyAuthenticateHeader) Equal(other any) bool {
	o, ok := other.(*ProxyAuthenticateHeader)
	return ok && h.equal(&o.AuthValue)
}

// AuthorizationHeader carries credentials answering a 401.
type AuthorizationHeader struct {
	AuthValue
}

func (h *AuthorizationHeader) Name() string   { return "Authorization" }
func (h *AuthorizationHeader) String() string { return h.render(h.Name()) }

func (h *AuthorizationHeader) Clone() Header {
	return &AuthorizationHeader{AuthValue: h.clone()}
}

func (h *AuthorizationHeader) Equal(other any) bool {
	o, ok := other.(*AuthorizationHeader)
	return ok && h.equal(&o.AuthValue)
}

// ProxyAuthorizationHeader carries credentials answering a 407.
type ProxyAuthorizationHeader struct {
	AuthValue
}

func (h *ProxyAuthorizationHeader) Name() string   { return "Proxy-Authorization" }
func (h *ProxyAuthorizationHeader) String() string { return h.render(h.Name()) }

func (h *ProxyAuthorizationHeader) Clone() Header {
	return &ProxyAuthorizationHeader{AuthValue: h.clone()}
}

func (h *ProxyAuthorizationHeader) Equal(other any) bool {
	o, ok := other.(*ProxyAuthorizationHeader)
	return ok && h.equal(&o.AuthValue)
}

// parseAuthValue parses "Digest realm=..., nonce=..." style values.
func parseAuthValue(raw string) (AuthValue, error) {
	raw = strings.TrimSpace(raw)
	sp := strings.IndexAny(raw, " \t")
	if sp < 0 {
		return AuthValue{}, newParseError(ErrBadHeaderSyntax, -1, "credential value %q has no scheme", raw)
	}
	av := AuthValue{Scheme: raw[:sp], Params: NewParams()}

	rest := strings.TrimSpace(raw[sp+1:])
	for len(rest) > 0 {
		eq := strings.IndexByte(rest, '=')
		if eq < 0 {
			return AuthValue{}, newParseError(ErrBadHeaderSyntax, -1, "bad credential parameter in %q", raw)
		}
		name := strings.TrimSpace(rest[:eq])
		rest = strings.TrimSpace(rest[eq+1:])

		if len(rest) > 0 && rest[0] == '"' {
			end := 1
			for end < len(rest) {
				if rest[end] == '\\' {
					end += 2
					continue
				}
				if rest[end] == '"' {
					break
				}
				end++
			}
			if end >= len(rest) {
				return AuthValue{}, newParseError(ErrBadHeaderSyntax, -1, "unterminated quoted string in %q", raw)
			}
			av.Params.AddQuoted(name, unescapeQuoted(rest[1:end]))
			rest = strings.TrimSpace(rest[end+1:])
		} else {
			end := strings.IndexByte(rest, ',')
			if end < 0 {
				end = len(rest)
			}
			av.Params.Add(name, strings.TrimSpace(rest[:end]))
			rest = rest[end:]
		}

		if len(rest) > 0 {
			if rest[0] != ',' {
				return AuthValue{}, newParseError(ErrBadHeaderSyntax, -1, "junk between credential parameters in %q", raw)
			}
			rest = strings.TrimSpace(rest[1:])
		}
	}
	return av, nil
}
