// Package util holds small string and identifier helpers shared
// across the stack.
package util

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// LCase lowercases s using ASCII rules, which is all SIP tokens need.
func LCase(s string) string { return strings.ToLower(s) }

// UCase uppercases s using ASCII rules.
func UCase(s string) string { return strings.ToUpper(s) }

// EqFold reports case-insensitive equality.
func EqFold(a, b string) bool { return strings.EqualFold(a, b) }

// RandString returns a random lowercase hex string of n bytes entropy.
func RandString(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	return hex.EncodeToString(buf)
}

// NewCallID returns a globally unique Call-ID value.
func NewCallID() string { return uuid.NewString() }

// NewTag returns a tag parameter value for From/To headers.
func NewTag() string { return RandString(8) }
