package sip

import "github.com/softsip/softsip/internal/util"

// RequestMethod is a SIP request method. Methods are matched
// case-insensitively, use Equal rather than ==.
type RequestMethod string

const (
	INVITE    RequestMethod = "INVITE"
	ACK       RequestMethod = "ACK"
	BYE       RequestMethod = "BYE"
	CANCEL    RequestMethod = "CANCEL"
	OPTIONS   RequestMethod = "OPTIONS"
	REGISTER  RequestMethod = "REGISTER"
	SUBSCRIBE RequestMethod = "SUBSCRIBE"
	NOTIFY    RequestMethod = "NOTIFY"
	REFER     RequestMethod = "REFER"
	INFO      RequestMethod = "INFO"
	MESSAGE   RequestMethod = "MESSAGE"
	PRACK     RequestMethod = "PRACK"
	UPDATE    RequestMethod = "UPDATE"
	PUBLISH   RequestMethod = "PUBLISH"
)

var knownMethods = []RequestMethod{
	INVITE, ACK, BYE, CANCEL, OPTIONS, REGISTER,
	SUBSCRIBE, NOTIFY, REFER, INFO, MESSAGE, PRACK, UPDATE, PUBLISH,
}

// Equal reports case-insensitive equality with another method.
func (m RequestMethod) Equal(other RequestMethod) bool {
	return util.EqFold(string(m), string(other))
}

// IsValid reports whether the method is a non-empty token.
func (m RequestMethod) IsValid() bool { return m != "" }

// IsKnownMethod reports whether m is one of the methods this stack
// understands. Unknown methods still parse and route.
func IsKnownMethod(m RequestMethod) bool {
	for _, known := range knownMethods {
		if m.Equal(known) {
			return true
		}
	}
	return false
}
