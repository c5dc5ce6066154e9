package sip

import (
	"bytes"
	"strconv"
	"strings"

	"braces.dev/errtrace"
)

// maxStreamHeaderBytes bounds the header section a peer may send
// before the connection is considered abusive.
const maxStreamHeaderBytes = 64 * 1024

// StreamParser frames SIP messages out of a byte stream using
// Content-Length, per RFC 3261 section 18.3. Feed it bytes with Write;
// complete messages are delivered through the OnMessage callback. Any
// returned error is fatal for the stream: the caller must reset the
// connection.
type StreamParser struct {
	buf bytes.Buffer

	// OnMessage is invoked for every framed message.
	OnMessage func(msg Message)
}

// NewStreamParser returns a stream parser delivering messages to fn.
func NewStreamParser(fn func(msg Message)) *StreamParser {
	return &StreamParser{OnMessage: fn}
}

// Write feeds stream bytes into the parser. It implements io.Writer.
func (p *StreamParser) Write(data []byte) (int, error) {
	p.buf.Write(data)
	for {
		msg, err := p.next()
		if err != nil {
			return len(data), errtrace.Wrap(err)
		}
		if msg == nil {
			return len(data), nil
		}
		if p.OnMessage != nil {
			p.OnMessage(msg)
		}
	}
}

func (p *StreamParser) next() (Message, error) {
	raw := p.buf.Bytes()

	// RFC 5626 keep-alives: swallow leading CRLF pairs
	for len(raw) >= 2 && raw[0] == '\r' && raw[1] == '\n' {
		p.buf.Next(2)
		raw = p.buf.Bytes()
	}
	if len(raw) == 0 {
		return nil, nil
	}

	headerEnd := bytes.Index(raw, []byte("\r\n\r\n"))
	if headerEnd < 0 {
		if len(raw) > maxStreamHeaderBytes {
			return nil, newParseError(ErrMalformedStartLine, len(raw), "header section too large")
		}
		return nil, nil
	}

	bodyLen, err := scanContentLength(raw[:headerEnd])
	if err != nil {
		return nil, err
	}

	total := headerEnd + 4 + bodyLen
	if len(raw) < total {
		return nil, nil
	}

	msgData := make([]byte, total)
	copy(msgData, raw[:total])
	p.buf.Next(total)

	return errtrace.Wrap2(ParseMessage(msgData))
}

// scanContentLength finds the Content-Length (or compact l) header in
// the raw header section. Stream transports require it.
func scanContentLength(head []byte) (int, error) {
	for line := range strings.Lines(string(head)) {
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			continue
		}
		name := CanonicalHeaderName(strings.Trim(line[:colon], abnfWs))
		if name != "content-length" {
			continue
		}
		value := strings.TrimRight(strings.Trim(line[colon+1:], abnfWs), "\r\n")
		n, err := strconv.ParseUint(strings.Trim(value, abnfWs), 10, 32)
		if err != nil {
			return 0, newParseError(ErrBadHeaderSyntax, -1, "Content-Length %q", value)
		}
		return int(n), nil
	}
	return 0, newParseError(ErrContentLengthMismatch, -1, "stream message without Content-Length")
}
