package ua

import (
	"context"
	"time"

	"braces.dev/errtrace"

	"github.com/softsip/softsip/sip"
)

// RegisterResult is the outcome of one REGISTER exchange.
type RegisterResult struct {
	// AOR is the address of record registered.
	AOR *sip.SIPURI
	// Status is the final response status, or 408 on timeout.
	Status sip.ResponseStatus
	Reason string
	// Expires is the granted binding lifetime on success.
	Expires time.Duration
	// Err carries transport-level failures.
	Err error
}

// OK reports whether the registration succeeded.
func (r RegisterResult) OK() bool { return r.Status.IsSuccessful() && r.Err == nil }

// Register binds the agent's contact at the AOR's registrar for the
// given lifetime. On a 401/407 the request is retried once with
// Digest credentials; a second challenge is a failure. A zero expiry
// unregisters.
func (ua *UserAgent) Register(ctx context.Context, aor *sip.SIPURI, expiry time.Duration) (RegisterResult, error) {
	// REGISTER goes to the registrar of the AOR's domain with the
	// user stripped from the request-URI
	registrar := &sip.SIPURI{Secure: aor.Secure, Host: aor.Host, Port: aor.Port}

	to := &sip.ToHeader{Address: sip.Address{URI: aor.Clone(), Params: sip.NewParams()}}
	req := ua.newRequest(sip.REGISTER, registrar, to, nil)

	// From must match To on REGISTER
	if from, ok := req.From(); ok {
		tag, _ := from.Tag()
		from.Address = sip.Address{URI: aor.Clone(), Params: sip.NewParams()}
		from.SetTag(tag)
	}
	req.AppendHeader(sip.ExpiresHeader(uint32(expiry / time.Second)))

	// a cached nonce skips the challenge round trip on refreshes
	if h, ok := ua.auth.cachedFor(req, aor.Host); ok {
		req.AppendHeader(h)
	}

	result := ua.registerOnce(ctx, req, aor, false)
	if ua.opts.OnRegisterResult != nil {
		ua.opts.OnRegisterResult(result)
	}
	if result.Err != nil {
		return result, errtrace.Wrap(result.Err)
	}
	return result, nil
}

// registerOnce drives one REGISTER transaction, following at most one
// authentication challenge.
func (ua *UserAgent) registerOnce(ctx context.Context, req *sip.Request, aor *sip.SIPURI, challenged bool) RegisterResult {
	tx, err := ua.txl.Request(req, nil)
	if err != nil {
		return RegisterResult{AOR: aor, Err: err}
	}

	type outcome struct {
		res *sip.Response
		err error
	}
	done := make(chan outcome, 1)
	put := func(o outcome) {
		select {
		case done <- o:
		default:
		}
	}
	tx.OnResponse(func(res *sip.Response) {
		if res.Status().IsFinal() {
			put(outcome{res: res})
		}
	})
	tx.OnTimeout(func() { put(outcome{}) })
	tx.OnTransportError(func(err error) { put(outcome{err: err}) })

	var o outcome
	select {
	case o = <-done:
	case <-ctx.Done():
		tx.Terminate()
		return RegisterResult{AOR: aor, Status: sip.StatusRequestTimeout, Reason: "Cancelled", Err: ctx.Err()}
	}

	switch {
	case o.err != nil:
		return RegisterResult{AOR: aor, Err: o.err}
	case o.res == nil:
		// transaction timeout: the synthetic 408
		return RegisterResult{AOR: aor, Status: sip.StatusRequestTimeout, Reason: "Request Timeout"}
	}

	res := o.res
	status := res.Status()

	if (status == sip.StatusUnauthorized || status == sip.StatusProxyAuthRequired) && !challenged {
		if ua.auth.canAnswer(res) {
			retry, err := ua.auth.answerChallenge(req, res)
			if err == nil {
				return ua.registerOnce(ctx, retry, aor, true)
			}
		}
	}

	result := RegisterResult{AOR: aor, Status: status, Reason: res.Reason()}
	if status.IsSuccessful() {
		result.Expires = grantedExpiry(res, req)
	} else if status == sip.StatusUnauthorized || status == sip.StatusProxyAuthRequired {
		ua.auth.forget(aor.Host)
	}
	return result
}

// grantedExpiry extracts the binding lifetime the registrar granted:
// the expires parameter of the matching Contact wins, then the
// Expires header, then what was requested.
func grantedExpiry(res *sip.Response, req *sip.Request) time.Duration {
	own, hasOwn := req.Contact()
	for _, h := range res.GetHeaders("Contact") {
		contact, ok := h.(*sip.ContactHeader)
		if !ok || (hasOwn && !contact.URI.Equal(own.URI)) {
			continue
		}
		if secs, ok := contact.Expires(); ok {
			return time.Duration(secs) * time.Second
		}
		break
	}
	for _, h := range res.GetHeaders("Expires") {
		if exp, ok := h.(sip.ExpiresHeader); ok {
			return time.Duration(exp) * time.Second
		}
	}
	for _, h := range req.GetHeaders("Expires") {
		if exp, ok := h.(sip.ExpiresHeader); ok {
			return time.Duration(exp) * time.Second
		}
	}
	return 0
}
