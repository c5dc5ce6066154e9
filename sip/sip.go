// Package sip implements the SIP message model and wire codec as
// described in RFC 3261: request and response messages, structured
// headers, URIs, parsing and serialization. The package is pure - it
// performs no I/O and knows nothing about transports or transactions.
package sip

import (
	"github.com/softsip/softsip/internal/util"
)

// SIPVersion is the protocol version emitted on all messages.
const SIPVersion = "SIP/2.0"

// MagicCookie starts every RFC 3261 branch parameter.
const MagicCookie = "z9hG4bK"

// DefaultMaxForwards is used when building requests without an explicit
// Max-Forwards header.
const DefaultMaxForwards = 70

// GenerateBranch returns a new unique branch parameter beginning with
// the RFC 3261 magic cookie.
func GenerateBranch() string {
	return MagicCookie + util.RandString(16)
}

// IsRFC3261Branch reports whether branch begins with the magic cookie.
func IsRFC3261Branch(branch string) bool {
	return len(branch) > len(MagicCookie) && branch[:len(MagicCookie)] == MagicCookie
}
