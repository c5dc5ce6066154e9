package ua

import (
	"sync"

	"braces.dev/errtrace"
	"github.com/icholy/digest"

	"github.com/softsip/softsip/sip"
)

// ErrNoCredentials is returned when a challenge names a realm the
// credential store cannot answer.
const ErrNoCredentials sip.Error = "no credentials for realm"

// authCache computes Digest credentials per RFC 7616 (MD5 and
// SHA-256) and caches nonces by realm so registration refreshes reuse
// the server's challenge instead of round-tripping a 401 every time.
type authCache struct {
	store CredentialStore

	mu     sync.Mutex
	realms map[string]*cachedChallenge
}

type cachedChallenge struct {
	challenge *digest.Challenge
	count     int
}

func newAuthCache(store CredentialStore) *authCache {
	return &authCache{
		store:  store,
		realms: make(map[string]*cachedChallenge),
	}
}

// challengeFrom extracts the Digest challenge of a 401/407 response.
func challengeFrom(res *sip.Response) (*digest.Challenge, bool) {
	for _, name := range []string{"WWW-Authenticate", "Proxy-Authenticate"} {
		for _, h := range res.GetHeaders(name) {
			var value string
			switch v := h.(type) {
			case *sip.WWWAuthenticateHeader:
				value = v.Value()
			case *sip.ProxyAuthenticateHeader:
				value = v.Value()
			default:
				continue
			}
			chal, err := digest.ParseChallenge(value)
			if err == nil {
				return chal, true
			}
		}
	}
	return nil, false
}

// canAnswer reports whether the response carries a challenge the
// credential store can satisfy.
func (a *authCache) canAnswer(res *sip.Response) bool {
	if a.store == nil {
		return false
	}
	chal, ok := challengeFrom(res)
	if !ok {
		return false
	}
	_, _, ok = a.store.Lookup(chal.Realm)
	return ok
}

// answerChallenge rebuilds req with credentials answering the 401/407:
// fresh branch, incremented CSeq, Authorization or Proxy-Authorization
// appended. The challenge nonce is cached for the realm.
func (a *authCache) answerChallenge(req *sip.Request, res *sip.Response) (*sip.Request, error) {
	chal, ok := challengeFrom(res)
	if !ok {
		return nil, errtrace.Wrap(sip.ErrInvalidMessage)
	}
	username, password, ok := a.store.Lookup(chal.Realm)
	if !ok {
		return nil, errtrace.Wrap(ErrNoCredentials)
	}

	a.mu.Lock()
	cached := a.realms[chal.Realm]
	if cached == nil || cached.challenge.Nonce != chal.Nonce {
		cached = &cachedChallenge{challenge: chal}
		a.realms[chal.Realm] = cached
	}
	cached.count++
	count := cached.count
	challenge := cached.challenge
	a.mu.Unlock()

	cred, err := digest.Digest(challenge, digest.Options{
		Method:   string(req.Method()),
		URI:      req.URI().String(),
		Username: username,
		Password: password,
		Count:    count,
	})
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	headerName := "Authorization"
	if res.Status() == sip.StatusProxyAuthRequired {
		headerName = "Proxy-Authorization"
	}

	retry := req.Clone().(*sip.Request) //nolint:forcetypeassert
	if hop, ok := retry.ViaHop(); ok {
		hop.SetBranch(sip.GenerateBranch())
	}
	if cseq, ok := retry.CSeq(); ok {
		cseq.SeqNo++
	}
	retry.RemoveHeader(headerName)

	hdrs, err := sip.ParseHeader(headerName + ": " + cred.String())
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	for _, h := range hdrs {
		retry.AppendHeader(h)
	}
	retry.SetDestination("")
	return retry, nil
}

// cachedFor returns cached credentials for a request when the realm's
// nonce is still known, letting refreshes skip the 401 round trip.
func (a *authCache) cachedFor(req *sip.Request, realm string) (sip.Header, bool) {
	if a.store == nil {
		return nil, false
	}
	a.mu.Lock()
	cached := a.realms[realm]
	if cached == nil {
		a.mu.Unlock()
		return nil, false
	}
	cached.count++
	count := cached.count
	challenge := cached.challenge
	a.mu.Unlock()

	username, password, ok := a.store.Lookup(realm)
	if !ok {
		return nil, false
	}
	cred, err := digest.Digest(challenge, digest.Options{
		Method:   string(req.Method()),
		URI:      req.URI().String(),
		Username: username,
		Password: password,
		Count:    count,
	})
	if err != nil {
		return nil, false
	}
	hdrs, err := sip.ParseHeader("Authorization: " + cred.String())
	if err != nil || len(hdrs) == 0 {
		return nil, false
	}
	return hdrs[0], true
}

// forget drops the cached nonce for a realm, e.g. when a registration
// lapses.
func (a *authCache) forget(realm string) {
	a.mu.Lock()
	delete(a.realms, realm)
	a.mu.Unlock()
}
