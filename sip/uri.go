package sip

import (
	"strconv"
	"strings"

	"github.com/softsip/softsip/internal/util"
)

// URI is a parsed request-URI or address URI of any scheme.
type URI interface {
	// Scheme returns the URI scheme: "sip", "sips" or "tel".
	Scheme() string
	// Equal applies the equality rules of RFC 3261 section 19.1.4.
	Equal(other any) bool
	String() string
	Clone() URI
}

// ContactURI is a URI permitted inside a Contact header: a sip/sips
// URI or the wildcard "*".
type ContactURI interface {
	URI
	IsWildcard() bool
}

// SIPURI is a sip: or sips: URI.
type SIPURI struct {
	// Secure selects the sips scheme.
	Secure bool
	// User is the user-info part, empty when absent. Stored verbatim,
	// including any percent escapes.
	User string
	// Password is the legacy password field, empty when absent.
	Password string
	// Host is an FQDN, IPv4 literal or IPv6 literal without brackets.
	Host string
	// Port is the explicit port, 0 when absent.
	Port uint16
	// Params are the URI parameters (transport, user, method, ttl,
	// maddr, lr, ...).
	Params *Params
	// Headers are the URI headers after '?'.
	Headers *Params
}

func (u *SIPURI) Scheme() string {
	if u.Secure {
		return "sips"
	}
	return "sip"
}

func (u *SIPURI) IsWildcard() bool { return false }

// Transport returns the transport URI parameter, if set.
func (u *SIPURI) Transport() (string, bool) {
	if u == nil {
		return "", false
	}
	v, ok := u.Params.Get("transport")
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// IsLooseRouter reports the presence of the lr parameter.
func (u *SIPURI) IsLooseRouter() bool { return u != nil && u.Params.Has("lr") }

// Addr returns host:port, with the scheme default port when no
// explicit port is present. IPv6 hosts are bracketed.
func (u *SIPURI) Addr() string {
	port := u.Port
	if port == 0 {
		if u.Secure {
			port = 5061
		} else {
			port = 5060
		}
	}
	host := u.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return host + ":" + strconv.Itoa(int(port))
}

func (u *SIPURI) String() string {
	var sb strings.Builder
	sb.WriteString(u.Scheme())
	sb.WriteByte(':')
	if u.User != "" {
		sb.WriteString(u.User)
		if u.Password != "" {
			sb.WriteByte(':')
			sb.WriteString(u.Password)
		}
		sb.WriteByte('@')
	}
	if strings.Contains(u.Host, ":") {
		sb.WriteByte('[')
		sb.WriteString(u.Host)
		sb.WriteByte(']')
	} else {
		sb.WriteString(u.Host)
	}
	if u.Port != 0 {
		sb.WriteByte(':')
		sb.WriteString(strconv.Itoa(int(u.Port)))
	}
	u.Params.Render(&sb, ';', true)
	if u.Headers.Length() > 0 {
		var hb strings.Builder
		u.Headers.Render(&hb, '&', false)
		sb.WriteByte('?')
		sb.WriteString(hb.String())
	}
	return sb.String()
}

func (u *SIPURI) Clone() URI {
	if u == nil {
		return nil
	}
	u2 := *u
	u2.Params = u.Params.Clone()
	u2.Headers = u.Headers.Clone()
	return &u2
}

// uriCompareParams must match whenever present in either URI.
var uriCompareParams = []string{"user", "ttl", "method", "maddr", "transport"}

// Equal implements RFC 3261 section 19.1.4 comparison: schemes and
// ports must match, user-info is case-sensitive, host is not; a URI
// parameter appearing in both must match, and the user, ttl, method,
// maddr and transport parameters must match even when only one URI
// carries them. URI headers must carry the same names and values,
// compared without regard to order or case.
func (u *SIPURI) Equal(val any) bool {
	var other *SIPURI
	switch v := val.(type) {
	case SIPURI:
		other = &v
	case *SIPURI:
		other = v
	default:
		return false
	}
	if u == other {
		return true
	}
	if u == nil || other == nil {
		return false
	}

	if u.Secure != other.Secure ||
		u.User != other.User ||
		u.Password != other.Password ||
		!util.EqFold(u.Host, other.Host) ||
		u.Port != other.Port {
		return false
	}

	for _, name := range uriCompareParams {
		v1, ok1 := u.Params.Get(name)
		v2, ok2 := other.Params.Get(name)
		if ok1 != ok2 || !util.EqFold(v1, v2) {
			return false
		}
	}
	for _, name := range u.Params.Names() {
		if isCompareParam(name) {
			continue
		}
		if v2, ok := other.Params.Get(name); ok {
			v1, _ := u.Params.Get(name)
			if !util.EqFold(v1, v2) {
				return false
			}
		}
	}

	return u.Headers.Equal(other.Headers)
}

func isCompareParam(name string) bool {
	for _, p := range uriCompareParams {
		if util.EqFold(name, p) {
			return true
		}
	}
	return false
}

// TelURI is a tel: URI. The stack treats the subscriber part as an
// opaque dial string.
type TelURI struct {
	Number string
	Params *Params
}

func (u *TelURI) Scheme() string { return "tel" }

func (u *TelURI) String() string {
	var sb strings.Builder
	sb.WriteString("tel:")
	sb.WriteString(u.Number)
	u.Params.Render(&sb, ';', true)
	return sb.String()
}

func (u *TelURI) Clone() URI {
	if u == nil {
		return nil
	}
	u2 := *u
	u2.Params = u.Params.Clone()
	return &u2
}

func (u *TelURI) Equal(val any) bool {
	var other *TelURI
	switch v := val.(type) {
	case TelURI:
		other = &v
	case *TelURI:
		other = v
	default:
		return false
	}
	if u == other {
		return true
	}
	if u == nil || other == nil {
		return false
	}
	// visual separators are not significant in tel numbers
	return stripVisualSeps(u.Number) == stripVisualSeps(other.Number) &&
		u.Params.Equal(other.Params)
}

func stripVisualSeps(num string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '-', '.', '(', ')':
			return -1
		}
		return r
	}, num)
}

// WildcardURI is the special "*" Contact URI used to clear bindings.
type WildcardURI struct{}

func (WildcardURI) Scheme() string   { return "" }
func (WildcardURI) String() string   { return "*" }
func (WildcardURI) Clone() URI       { return WildcardURI{} }
func (WildcardURI) IsWildcard() bool { return true }
func (WildcardURI) Equal(val any) bool {
	switch val.(type) {
	case WildcardURI, *WildcardURI:
		return true
	}
	return false
}

// AnyURI holds a syntactically plausible URI of a scheme the stack
// does not model. Requests addressed to one are answered 416.
type AnyURI struct {
	SchemeName string
	Opaque     string
}

func (u *AnyURI) Scheme() string { return u.SchemeName }
func (u *AnyURI) String() string { return u.SchemeName + ":" + u.Opaque }
func (u *AnyURI) Clone() URI {
	u2 := *u
	return &u2
}

func (u *AnyURI) Equal(val any) bool {
	o, ok := val.(*AnyURI)
	return ok && util.EqFold(u.SchemeName, o.SchemeName) && u.Opaque == o.Opaque
}

// ParseURI parses a URI. Unknown schemes survive as AnyURI so callers
// can answer with 416 Unsupported URI Scheme rather than dropping the
// request.
func ParseURI(raw string) (URI, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "*":
		return WildcardURI{}, nil
	case hasScheme(raw, "sip"):
		return parseSIPURI(raw[len("sip:"):], false)
	case hasScheme(raw, "sips"):
		return parseSIPURI(raw[len("sips:"):], true)
	case hasScheme(raw, "tel"):
		return parseTelURI(raw[len("tel:"):])
	}

	colon := strings.IndexByte(raw, ':')
	if colon <= 0 || colon == len(raw)-1 || !isToken(raw[:colon]) {
		return nil, newParseError(ErrURISyntax, -1, "unsupported or missing scheme in %q", raw)
	}
	return &AnyURI{SchemeName: raw[:colon], Opaque: raw[colon+1:]}, nil
}

func isToken(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '+' || c == '-' || c == '.':
		default:
			return false
		}
	}
	return len(s) > 0
}

func hasScheme(raw, scheme string) bool {
	return len(raw) > len(scheme)+1 &&
		util.EqFold(raw[:len(scheme)], scheme) &&
		raw[len(scheme)] == ':'
}

func parseSIPURI(rest string, secure bool) (*SIPURI, error) {
	uri := &SIPURI{Secure: secure}

	// user-info is everything before the last unescaped '@'
	if at := strings.LastIndexByte(rest, '@'); at >= 0 {
		userInfo := rest[:at]
		rest = rest[at+1:]
		if colon := strings.IndexByte(userInfo, ':'); colon >= 0 {
			uri.User = userInfo[:colon]
			uri.Password = userInfo[colon+1:]
		} else {
			uri.User = userInfo
		}
	}

	// split off URI headers, then parameters
	if q := strings.IndexByte(rest, '?'); q >= 0 {
		hdrs, err := parseParamString(rest[q+1:], '&')
		if err != nil {
			return nil, err
		}
		uri.Headers = hdrs
		rest = rest[:q]
	}
	if semi := strings.IndexByte(rest, ';'); semi >= 0 {
		params, err := parseParamString(rest[semi+1:], ';')
		if err != nil {
			return nil, err
		}
		uri.Params = params
		rest = rest[:semi]
	}

	host, port, err := parseHostPort(rest)
	if err != nil {
		return nil, err
	}
	uri.Host, uri.Port = host, port
	return uri, nil
}

func parseTelURI(rest string) (*TelURI, error) {
	uri := &TelURI{}
	if semi := strings.IndexByte(rest, ';'); semi >= 0 {
		params, err := parseParamString(rest[semi+1:], ';')
		if err != nil {
			return nil, err
		}
		uri.Params = params
		rest = rest[:semi]
	}
	if rest == "" {
		return nil, newParseError(ErrURISyntax, -1, "empty tel subscriber")
	}
	uri.Number = rest
	return uri, nil
}

// parseHostPort splits host[:port], honoring IPv6 bracket references.
func parseHostPort(raw string) (host string, port uint16, err error) {
	if raw == "" {
		return "", 0, newParseError(ErrURISyntax, -1, "empty host")
	}

	portStr := ""
	if raw[0] == '[' {
		end := strings.IndexByte(raw, ']')
		if end < 0 {
			return "", 0, newParseError(ErrURISyntax, -1, "unterminated IPv6 reference in %q", raw)
		}
		host = raw[1:end]
		rest := raw[end+1:]
		if rest != "" {
			if rest[0] != ':' {
				return "", 0, newParseError(ErrURISyntax, -1, "junk after IPv6 reference in %q", raw)
			}
			portStr = rest[1:]
		}
	} else if colon := strings.IndexByte(raw, ':'); colon >= 0 {
		host = raw[:colon]
		portStr = raw[colon+1:]
	} else {
		host = raw
	}

	if host == "" {
		return "", 0, newParseError(ErrURISyntax, -1, "empty host in %q", raw)
	}
	if portStr != "" {
		n, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return "", 0, newParseError(ErrURISyntax, -1, "bad port in %q", raw)
		}
		port = uint16(n)
	}
	return host, port, nil
}

// parseParamString parses a sep-separated parameter list. Values stay
// verbatim, including percent escapes.
func parseParamString(raw string, sep byte) (*Params, error) {
	params := NewParams()
	for _, part := range strings.Split(raw, string(sep)) {
		if part = strings.TrimSpace(part); part == "" {
			continue
		}
		if eq := strings.IndexByte(part, '='); eq >= 0 {
			name := strings.TrimSpace(part[:eq])
			value := strings.TrimSpace(part[eq+1:])
			if name == "" {
				return nil, newParseError(ErrURISyntax, -1, "empty parameter name in %q", raw)
			}
			if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
				params.AddQuoted(name, unescapeQuoted(value[1:len(value)-1]))
			} else {
				params.Add(name, value)
			}
		} else {
			params.AddFlag(part)
		}
	}
	return params, nil
}

func unescapeQuoted(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		sb.WriteByte(s[i])
	}
	return sb.String()
}
