package sip

// ResponseStatus is a SIP response status code, 100-699.
type ResponseStatus uint16

const (
	StatusTrying               ResponseStatus = 100
	StatusRinging              ResponseStatus = 180
	StatusCallIsForwarded      ResponseStatus = 181
	StatusQueued               ResponseStatus = 182
	StatusSessionProgress      ResponseStatus = 183
	StatusOK                   ResponseStatus = 200
	StatusAccepted             ResponseStatus = 202
	StatusMovedPermanently     ResponseStatus = 301
	StatusMovedTemporarily     ResponseStatus = 302
	StatusUseProxy             ResponseStatus = 305
	StatusBadRequest           ResponseStatus = 400
	StatusUnauthorized         ResponseStatus = 401
	StatusForbidden            ResponseStatus = 403
	StatusNotFound             ResponseStatus = 404
	StatusMethodNotAllowed     ResponseStatus = 405
	StatusProxyAuthRequired    ResponseStatus = 407
	StatusRequestTimeout       ResponseStatus = 408
	StatusGone                 ResponseStatus = 410
	StatusUnsupportedMediaType ResponseStatus = 415
	StatusUnsupportedURIScheme ResponseStatus = 416
	StatusBadExtension         ResponseStatus = 420
	StatusIntervalTooBrief     ResponseStatus = 423
	StatusTemporarilyUnavail   ResponseStatus = 480
	StatusCallDoesNotExist     ResponseStatus = 481
	StatusLoopDetected         ResponseStatus = 482
	StatusTooManyHops          ResponseStatus = 483
	StatusAddressIncomplete    ResponseStatus = 484
	StatusBusyHere             ResponseStatus = 486
	StatusRequestTerminated    ResponseStatus = 487
	StatusNotAcceptableHere    ResponseStatus = 488
	StatusBadEvent             ResponseStatus = 489
	StatusRequestPending       ResponseStatus = 491
	StatusInternalServerError  ResponseStatus = 500
	StatusNotImplemented       ResponseStatus = 501
	StatusBadGateway           ResponseStatus = 502
	StatusServiceUnavailable   ResponseStatus = 503
	StatusVersionNotSupported  ResponseStatus = 505
	StatusMessageTooLarge      ResponseStatus = 513
	StatusBusyEverywhere       ResponseStatus = 600
	StatusDecline              ResponseStatus = 603
	StatusDoesNotExistAnywhere ResponseStatus = 604
	StatusNotAcceptable        ResponseStatus = 606
)

var reasonPhrases = map[ResponseStatus]string{
	StatusTrying:               "Trying",
	StatusRinging:              "Ringing",
	StatusCallIsForwarded:      "Call Is Being Forwarded",
	StatusQueued:               "Queued",
	StatusSessionProgress:      "Session Progress",
	StatusOK:                   "OK",
	StatusAccepted:             "Accepted",
	StatusMovedPermanently:     "Moved Permanently",
	StatusMovedTemporarily:     "Moved Temporarily",
	StatusUseProxy:             "Use Proxy",
	StatusBadRequest:           "Bad Request",
	StatusUnauthorized:         "Unauthorized",
	StatusForbidden:            "Forbidden",
	StatusNotFound:             "Not Found",
	StatusMethodNotAllowed:     "Method Not Allowed",
	StatusProxyAuthRequired:    "Proxy Authentication Required",
	StatusRequestTimeout:       "Request Timeout",
	StatusGone:                 "Gone",
	StatusUnsupportedMediaType: "Unsupported Media Type",
	StatusUnsupportedURIScheme: "Unsupported URI Scheme",
	StatusBadExtension:         "Bad Extension",
	StatusIntervalTooBrief:     "Interval Too Brief",
	StatusTemporarilyUnavail:   "Temporarily Unavailable",
	StatusCallDoesNotExist:     "Call/Transaction Does Not Exist",
	StatusLoopDetected:         "Loop Detected",
	StatusTooManyHops:          "Too Many Hops",
	StatusAddressIncomplete:    "Address Incomplete",
	StatusBusyHere:             "Busy Here",
	StatusRequestTerminated:    "Request Terminated",
	StatusNotAcceptableHere:    "Not Acceptable Here",
	StatusBadEvent:             "Bad Event",
	StatusRequestPending:       "Request Pending",
	StatusInternalServerError:  "Server Internal Error",
	StatusNotImplemented:       "Not Implemented",
	StatusBadGateway:           "Bad Gateway",
	StatusServiceUnavailable:   "Service Unavailable",
	StatusVersionNotSupported:  "Version Not Supported",
	StatusMessageTooLarge:      "Message Too Large",
	StatusBusyEverywhere:       "Busy Everywhere",
	StatusDecline:              "Decline",
	StatusDoesNotExistAnywhere: "Does Not Exist Anywhere",
	StatusNotAcceptable:        "Not Acceptable",
}

// ReasonPhrase returns the standard reason phrase for the status, or
// an empty string for unknown codes.
func (s ResponseStatus) ReasonPhrase() string { return reasonPhrases[s] }

// IsProvisional reports whether the status is 1xx.
func (s ResponseStatus) IsProvisional() bool { return s >= 100 && s < 200 }

// IsSuccessful reports whether the status is 2xx.
func (s ResponseStatus) IsSuccessful() bool { return s >= 200 && s < 300 }

// IsRedirection reports whether the status is 3xx.
func (s ResponseStatus) IsRedirection() bool { return s >= 300 && s < 400 }

// IsFinal reports whether the status is 2xx-6xx.
func (s ResponseStatus) IsFinal() bool { return s >= 200 && s <= 699 }

// IsValid reports whether the status is inside the SIP range.
func (s ResponseStatus) IsValid() bool { return s >= 100 && s <= 699 }
