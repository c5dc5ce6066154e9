package sip

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/softsip/softsip/internal/util"
)

// abnfWs is the linear whitespace recognized between SIP tokens.
const abnfWs = " \t"

// MaxDatagramSize is the largest message accepted from a datagram
// channel (65535 minus the 8-byte UDP header).
const MaxDatagramSize = 65527

// ParseMessage parses a byte buffer holding exactly one SIP message.
// For datagram transports the body is the remainder of the packet and
// must agree with a present Content-Length header.
func ParseMessage(data []byte) (Message, error) {
	headerEnd := bytes.Index(data, []byte("\r\n\r\n"))
	sepLen := 4
	if headerEnd < 0 {
		// tolerate bare-LF terminators seen from legacy stacks
		headerEnd = bytes.Index(data, []byte("\n\n"))
		sepLen = 2
		if headerEnd < 0 {
			return nil, newParseError(ErrMalformedStartLine, len(data), "no header terminator")
		}
	}
	head := string(data[:headerEnd])
	body := data[headerEnd+sepLen:]

	lines := splitHeaderLines(head)
	if len(lines) == 0 {
		return nil, newParseError(ErrMalformedStartLine, 0, "empty message")
	}

	msg, err := parseStartLine(lines[0])
	if err != nil {
		return nil, err
	}

	for _, line := range lines[1:] {
		hdrs, err := ParseHeader(line)
		if err != nil {
			return nil, err
		}
		for _, h := range hdrs {
			msg.AppendHeader(h)
		}
	}

	if cl, ok := msg.ContentLength(); ok {
		if int(cl) != len(body) {
			return nil, newParseError(ErrContentLengthMismatch, headerEnd+sepLen,
				"declared %d, got %d body bytes", cl, len(body))
		}
	}
	msg.SetBody(body, false)
	return msg, nil
}

// splitHeaderLines splits the header block into logical lines,
// unfolding continuations per RFC 3261 section 7.3.1.
func splitHeaderLines(head string) []string {
	raw := strings.Split(head, "\n")
	lines := make([]string, 0, len(raw))
	for _, line := range raw {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		if (line[0] == ' ' || line[0] == '\t') && len(lines) > 0 {
			lines[len(lines)-1] += " " + strings.Trim(line, abnfWs)
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

func parseStartLine(line string) (Message, error) {
	switch {
	case strings.HasPrefix(line, "SIP/"):
		return parseStatusLine(line)
	default:
		return parseRequestLine(line)
	}
}

func parseRequestLine(line string) (*Request, error) {
	parts := splitByWhitespace(line)
	if len(parts) != 3 {
		return nil, newParseError(ErrMalformedStartLine, 0, "request line %q", line)
	}
	method, rawURI, version := parts[0], parts[1], parts[2]
	if err := checkSIPVersion(version); err != nil {
		return nil, err
	}
	uri, err := ParseURI(rawURI)
	if err != nil {
		return nil, err
	}
	req := &Request{method: RequestMethod(util.UCase(method)), uri: uri}
	req.message = message{headers: newHeaders(nil), sipVersion: version}
	return req, nil
}

func parseStatusLine(line string) (*Response, error) {
	parts := splitByWhitespace(line)
	if len(parts) < 2 {
		return nil, newParseError(ErrMalformedStartLine, 0, "status line %q", line)
	}
	if err := checkSIPVersion(parts[0]); err != nil {
		return nil, err
	}
	code, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil || !ResponseStatus(code).IsValid() {
		return nil, newParseError(ErrMalformedStartLine, 0, "status code in %q", line)
	}
	reason := ""
	if len(parts) > 2 {
		reason = strings.Join(parts[2:], " ")
	}
	res := &Response{status: ResponseStatus(code), reason: reason}
	res.message = message{headers: newHeaders(nil), sipVersion: parts[0]}
	return res, nil
}

func checkSIPVersion(version string) error {
	if !util.EqFold(version, SIPVersion) {
		return newParseError(ErrUnsupportedVersion, 0, "%q", version)
	}
	return nil
}

// headerParser parses the value of one header field. It may return
// several headers when comma-combined values denote a list.
type headerParser func(name, value string) ([]Header, error)

var headerParsers = map[string]headerParser{
	"via":                 parseViaHeader,
	"from":                parseFromHeader,
	"to":                  parseToHeader,
	"contact":             parseContactHeader,
	"route":               parseRouteHeader,
	"record-route":        parseRecordRouteHeader,
	"refer-to":            parseReferToHeader,
	"referred-by":         parseReferredByHeader,
	"call-id":             parseCallIDHeader,
	"cseq":                parseCSeqHeader,
	"max-forwards":        parseMaxForwardsHeader,
	"content-length":      parseContentLengthHeader,
	"content-type":        parseContentTypeHeader,
	"expires":             parseExpiresHeader,
	"user-agent":          parseUserAgentHeader,
	"server":              parseServerHeader,
	"allow":               parseAllowHeader,
	"supported":           parseSupportedHeader,
	"require":             parseRequireHeader,
	"unsupported":         parseUnsupportedHeader,
	"proxy-require":       parseProxyRequireHeader,
	"event":               parseEventHeader,
	"subscription-state":  parseSubscriptionStateHeader,
	"www-authenticate":    parseWWWAuthenticateHeader,
	"proxy-authenticate":  parseProxyAuthenticateHeader,
	"authorization":       parseAuthorizationHeader,
	"proxy-authorization": parseProxyAuthorizationHeader,
}

// ParseHeader parses one logical header line into typed headers.
// Unknown headers become GenericHeader values.
func ParseHeader(line string) ([]Header, error) {
	colon := strings.IndexByte(line, ':')
	if colon < 0 {
		return nil, newParseError(ErrBadHeaderSyntax, -1, "no colon in %q", line)
	}
	name := strings.Trim(line[:colon], abnfWs)
	value := strings.Trim(line[colon+1:], abnfWs)
	if name == "" {
		return nil, newParseError(ErrBadHeaderSyntax, -1, "empty header name in %q", line)
	}

	canonical := CanonicalHeaderName(name)
	if parse, ok := headerParsers[canonical]; ok {
		return parse(canonical, value)
	}
	return []Header{&GenericHeader{HeaderName: displayHeaderName(name), Contents: value}}, nil
}

// displayHeaderName expands compact names to their long form but keeps
// unknown names as parsed.
func displayHeaderName(name string) string {
	if long, ok := compactForms[util.LCase(name)]; ok {
		return long
	}
	return name
}

func parseViaHeader(_ string, value string) ([]Header, error) {
	via := make(ViaHeader, 0, 1)
	for _, hopText := range splitCommaList(value) {
		hop, err := parseViaHop(hopText)
		if err != nil {
			return nil, err
		}
		via = append(via, hop)
	}
	if len(via) == 0 {
		return nil, newParseError(ErrBadHeaderSyntax, -1, "empty Via value")
	}
	return []Header{via}, nil
}

func parseViaHop(text string) (*ViaHop, error) {
	text = strings.Trim(text, abnfWs)
	hop := &ViaHop{Params: NewParams()}

	// parameters follow the first semicolon; the sent-protocol and
	// sent-by parts cannot contain one
	if semi := strings.IndexByte(text, ';'); semi >= 0 {
		params, err := parseParamString(text[semi+1:], ';')
		if err != nil {
			return nil, err
		}
		hop.Params = params
		text = strings.Trim(text[:semi], abnfWs)
	}

	// sent-protocol: NAME/VERSION/TRANSPORT, LWS tolerated around the
	// slashes per RFC 4475
	parts := strings.SplitN(text, "/", 3)
	if len(parts) != 3 {
		return nil, newParseError(ErrBadHeaderSyntax, -1, "Via hop %q lacks sent-protocol", text)
	}
	hop.ProtocolName = strings.Trim(parts[0], abnfWs)
	hop.ProtocolVersion = strings.Trim(parts[1], abnfWs)

	rest := splitByWhitespace(parts[2])
	if len(rest) != 2 {
		return nil, newParseError(ErrBadHeaderSyntax, -1, "Via hop %q lacks sent-by", text)
	}
	hop.Transport = util.UCase(rest[0])

	host, port, err := parseHostPort(rest[1])
	if err != nil {
		return nil, err
	}
	hop.Host, hop.Port = host, port
	return hop, nil
}

func parseFromHeader(_ string, value string) ([]Header, error) {
	addr, err := parseAddressValue(value)
	if err != nil {
		return nil, err
	}
	return []Header{&FromHeader{Address: *addr}}, nil
}

func parseToHeader(_ string, value string) ([]Header, error) {
	addr, err := parseAddressValue(value)
	if err != nil {
		return nil, err
	}
	return []Header{&ToHeader{Address: *addr}}, nil
}

func parseContactHeader(_ string, value string) ([]Header, error) {
	if strings.Trim(value, abnfWs) == "*" {
		return []Header{&ContactHeader{Address: Address{URI: WildcardURI{}}}}, nil
	}
	hdrs := make([]Header, 0, 1)
	for _, part := range splitCommaList(value) {
		addr, err := parseAddressValue(part)
		if err != nil {
			return nil, err
		}
		hdrs = append(hdrs, &ContactHeader{Address: *addr})
	}
	return hdrs, nil
}

func parseRouteHeader(_ string, value string) ([]Header, error) {
	hdrs := make([]Header, 0, 1)
	for _, part := range splitCommaList(value) {
		addr, err := parseAddressValue(part)
		if err != nil {
			return nil, err
		}
		hdrs = append(hdrs, &RouteHeader{Address: *addr})
	}
	return hdrs, nil
}

func parseRecordRouteHeader(_ string, value string) ([]Header, error) {
	hdrs := make([]Header, 0, 1)
	for _, part := range splitCommaList(value) {
		addr, err := parseAddressValue(part)
		if err != nil {
			return nil, err
		}
		hdrs = append(hdrs, &RecordRouteHeader{Address: *addr})
	}
	return hdrs, nil
}

func parseReferToHeader(_ string, value string) ([]Header, error) {
	addr, err := parseAddressValue(value)
	if err != nil {
		return nil, err
	}
	return []Header{&ReferToHeader{Address: *addr}}, nil
}

func parseReferredByHeader(_ string, value string) ([]Header, error) {
	addr, err := parseAddressValue(value)
	if err != nil {
		return nil, err
	}
	return []Header{&ReferredByHeader{Address: *addr}}, nil
}

func parseCallIDHeader(_ string, value string) ([]Header, error) {
	if value == "" {
		return nil, newParseError(ErrBadHeaderSyntax, -1, "empty Call-ID")
	}
	return []Header{CallIDHeader(value)}, nil
}

func parseCSeqHeader(_ string, value string) ([]Header, error) {
	parts := splitByWhitespace(value)
	if len(parts) != 2 {
		return nil, newParseError(ErrBadHeaderSyntax, -1, "CSeq %q", value)
	}
	seq, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return nil, newParseError(ErrBadHeaderSyntax, -1, "CSeq number %q", parts[0])
	}
	return []Header{&CSeqHeader{SeqNo: uint32(seq), Method: RequestMethod(util.UCase(parts[1]))}}, nil
}

func parseMaxForwardsHeader(_ string, value string) ([]Header, error) {
	n, err := strconv.ParseUint(strings.Trim(value, abnfWs), 10, 8)
	if err != nil {
		return nil, newParseError(ErrBadHeaderSyntax, -1, "Max-Forwards %q", value)
	}
	return []Header{MaxForwardsHeader(n)}, nil
}

func parseContentLengthHeader(_ string, value string) ([]Header, error) {
	n, err := strconv.ParseUint(strings.Trim(value, abnfWs), 10, 32)
	if err != nil {
		return nil, newParseError(ErrBadHeaderSyntax, -1, "Content-Length %q", value)
	}
	return []Header{ContentLengthHeader(n)}, nil
}

func parseContentTypeHeader(_ string, value string) ([]Header, error) {
	return []Header{ContentTypeHeader(value)}, nil
}

func parseExpiresHeader(_ string, value string) ([]Header, error) {
	n, err := strconv.ParseUint(strings.Trim(value, abnfWs), 10, 32)
	if err != nil {
		return nil, newParseError(ErrBadHeaderSyntax, -1, "Expires %q", value)
	}
	return []Header{ExpiresHeader(n)}, nil
}

func parseUserAgentHeader(_ string, value string) ([]Header, error) {
	return []Header{UserAgentHeader(value)}, nil
}

func parseServerHeader(_ string, value string) ([]Header, error) {
	return []Header{ServerHeader(value)}, nil
}

func parseAllowHeader(_ string, value string) ([]Header, error) {
	allow := AllowHeader{}
	for _, m := range strings.Split(value, ",") {
		if m = strings.Trim(m, abnfWs); m != "" {
			allow = append(allow, RequestMethod(util.UCase(m)))
		}
	}
	return []Header{allow}, nil
}

func parseEventHeader(_ string, value string) ([]Header, error) {
	h := &EventHeader{Params: NewParams()}
	if semi := strings.IndexByte(value, ';'); semi >= 0 {
		params, err := parseParamString(value[semi+1:], ';')
		if err != nil {
			return nil, err
		}
		h.Params = params
		value = value[:semi]
	}
	h.Type = strings.Trim(value, abnfWs)
	if h.Type == "" {
		return nil, newParseError(ErrBadHeaderSyntax, -1, "empty Event type")
	}
	return []Header{h}, nil
}

func parseSubscriptionStateHeader(_ string, value string) ([]Header, error) {
	h := &SubscriptionStateHeader{Params: NewParams()}
	if semi := strings.IndexByte(value, ';'); semi >= 0 {
		params, err := parseParamString(value[semi+1:], ';')
		if err != nil {
			return nil, err
		}
		h.Params = params
		value = value[:semi]
	}
	h.State = strings.Trim(value, abnfWs)
	if h.State == "" {
		return nil, newParseError(ErrBadHeaderSyntax, -1, "empty Subscription-State")
	}
	return []Header{h}, nil
}

func parseWWWAuthenticateHeader(_ string, value string) ([]Header, error) {
	av, err := parseAuthValue(value)
	if err != nil {
		return nil, err
	}
	return []Header{&WWWAuthenticateHeader{AuthValue: av}}, nil
}

func parseProxyAuthenticateHeader(_ string, value string) ([]Header, error) {
	av, err := parseAuthValue(value)
	if err != nil {
		return nil, err
	}
	return []Header{&ProxyAuthenticateHeader{AuthValue: av}}, nil
}

func parseAuthorizationHeader(_ string, value string) ([]Header, error) {
	av, err := parseAuthValue(value)
	if err != nil {
		return nil, err
	}
	return []Header{&AuthorizationHeader{AuthValue: av}}, nil
}

func parseProxyAuthorizationHeader(_ string, value string) ([]Header, error) {
	av, err := parseAuthValue(value)
	if err != nil {
		return nil, err
	}
	return []Header{&ProxyAuthorizationHeader{AuthValue: av}}, nil
}

// parseAddressValue parses a name-addr or addr-spec with trailing
// header parameters.
func parseAddressValue(text string) (*Address, error) {
	text = strings.Trim(text, abnfWs)
	if text == "" {
		return nil, newParseError(ErrBadHeaderSyntax, -1, "empty address")
	}

	addr := &Address{Params: NewParams()}

	if text[0] == '"' {
		end := 1
		for end < len(text) {
			if text[end] == '\\' {
				end += 2
				continue
			}
			if text[end] == '"' {
				break
			}
			end++
		}
		if end >= len(text) {
			return nil, newParseError(ErrBadHeaderSyntax, -1, "unterminated display name in %q", text)
		}
		addr.DisplayName = unescapeQuoted(text[1:end])
		text = strings.Trim(text[end+1:], abnfWs)
	} else if lt := strings.IndexByte(text, '<'); lt > 0 {
		addr.DisplayName = strings.Trim(text[:lt], abnfWs)
		text = text[lt:]
	}

	if len(text) > 0 && text[0] == '<' {
		gt := strings.IndexByte(text, '>')
		if gt < 0 {
			return nil, newParseError(ErrBadHeaderSyntax, -1, "unterminated name-addr in %q", text)
		}
		uri, err := ParseURI(text[1:gt])
		if err != nil {
			return nil, err
		}
		addr.URI = uri

		rest := strings.Trim(text[gt+1:], abnfWs)
		if len(rest) > 0 {
			if rest[0] != ';' {
				return nil, newParseError(ErrBadHeaderSyntax, -1, "junk after name-addr in %q", text)
			}
			params, err := parseParamString(rest[1:], ';')
			if err != nil {
				return nil, err
			}
			addr.Params = params
		}
		return addr, nil
	}

	// addr-spec form: everything after the first semicolon is header
	// parameters, the URI itself carries none.
	uriText := text
	if semi := strings.IndexByte(text, ';'); semi >= 0 {
		params, err := parseParamString(text[semi+1:], ';')
		if err != nil {
			return nil, err
		}
		addr.Params = params
		uriText = text[:semi]
	}
	uri, err := ParseURI(uriText)
	if err != nil {
		return nil, err
	}
	addr.URI = uri
	return addr, nil
}

// splitCommaList splits a header value on commas that sit outside
// quoted strings and angle brackets.
func splitCommaList(value string) []string {
	var (
		parts    []string
		start    int
		inQuotes bool
		inAngles bool
	)
	for i := 0; i < len(value); i++ {
		switch value[i] {
		case '\\':
			if inQuotes {
				i++
			}
		case '"':
			inQuotes = !inQuotes
		case '<':
			if !inQuotes {
				inAngles = true
			}
		case '>':
			if !inQuotes {
				inAngles = false
			}
		case ',':
			if !inQuotes && !inAngles {
				if part := strings.Trim(value[start:i], abnfWs); part != "" {
					parts = append(parts, part)
				}
				start = i + 1
			}
		}
	}
	if part := strings.Trim(value[start:], abnfWs); part != "" {
		parts = append(parts, part)
	}
	return parts
}

// splitByWhitespace splits on runs of spaces and tabs.
func splitByWhitespace(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return r == ' ' || r == '\t'
	})
}
