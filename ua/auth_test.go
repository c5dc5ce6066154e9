package ua

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/softsip/softsip/sip"
)

func challengeResponse(t *testing.T, req *sip.Request, status sip.ResponseStatus, challenge string) *sip.Response {
	t.Helper()
	res := sip.NewResponseFromRequest(req, status, "", nil)
	name := "WWW-Authenticate"
	if status == sip.StatusProxyAuthRequired {
		name = "Proxy-Authenticate"
	}
	hdrs, err := sip.ParseHeader(name + ": " + challenge)
	require.NoError(t, err)
	for _, h := range hdrs {
		res.AppendHeader(h)
	}
	return res
}

func registerRequest(t *testing.T) *sip.Request {
	t.Helper()
	aor := &sip.SIPURI{User: "alice", Host: "example.com"}
	req := sip.NewRequest(sip.REGISTER, &sip.SIPURI{Host: "example.com"}, nil, nil)

	hop := &sip.ViaHop{ProtocolName: "SIP", ProtocolVersion: "2.0", Transport: "UDP", Host: "h", Params: sip.NewParams()}
	hop.SetBranch(sip.GenerateBranch())
	req.AppendHeader(sip.ViaHeader{hop})
	from := &sip.FromHeader{Address: sip.Address{URI: aor.Clone(), Params: sip.NewParams()}}
	from.SetTag("t")
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: sip.Address{URI: aor.Clone(), Params: sip.NewParams()}})
	req.AppendHeader(sip.CallIDHeader("auth-test"))
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, Method: sip.REGISTER})
	req.AppendHeader(sip.MaxForwardsHeader(70))
	return req
}

func TestAnswerChallengeMD5(t *testing.T) {
	cache := newAuthCache(StaticCredentials{Username: "alice", Password: "secret"})
	req := registerRequest(t)
	res := challengeResponse(t, req, sip.StatusUnauthorized,
		`Digest realm="example.com", nonce="abc", algorithm=MD5, qop="auth"`)

	require.True(t, cache.canAnswer(res))

	retry, err := cache.answerChallenge(req, res)
	require.NoError(t, err)

	// fresh branch, bumped CSeq
	oldHop, _ := req.ViaHop()
	newHop, _ := retry.ViaHop()
	oldBranch, _ := oldHop.Branch()
	newBranch, _ := newHop.Branch()
	assert.NotEqual(t, oldBranch, newBranch)
	cseq, _ := retry.CSeq()
	assert.Equal(t, uint32(2), cseq.SeqNo)

	hdrs := retry.GetHeaders("Authorization")
	require.Len(t, hdrs, 1)
	auth, ok := hdrs[0].(*sip.AuthorizationHeader)
	require.True(t, ok)

	user, _ := auth.Params.Get("username")
	assert.Equal(t, "alice", user)
	realm, _ := auth.Realm()
	assert.Equal(t, "example.com", realm)
	nonce, _ := auth.Nonce()
	assert.Equal(t, "abc", nonce)
	response, ok := auth.Params.Get("response")
	assert.True(t, ok)
	assert.NotEmpty(t, response)
}

func TestAnswerChallengeSHA256(t *testing.T) {
	cache := newAuthCache(StaticCredentials{Username: "alice", Password: "secret"})
	req := registerRequest(t)
	res := challengeResponse(t, req, sip.StatusUnauthorized,
		`Digest realm="example.com", nonce="xyz", algorithm=SHA-256, qop="auth"`)

	retry, err := cache.answerChallenge(req, res)
	require.NoError(t, err)

	auth := retry.GetHeaders("Authorization")[0].(*sip.AuthorizationHeader)
	assert.Equal(t, "SHA-256", auth.Algorithm())
}

func TestProxyChallengeUsesProxyAuthorization(t *testing.T) {
	cache := newAuthCache(StaticCredentials{Username: "alice", Password: "secret"})
	req := registerRequest(t)
	res := challengeResponse(t, req, sip.StatusProxyAuthRequired,
		`Digest realm="proxy.example.com", nonce="p1", algorithm=MD5`)

	retry, err := cache.answerChallenge(req, res)
	require.NoError(t, err)

	assert.Empty(t, retry.GetHeaders("Authorization"))
	assert.Len(t, retry.GetHeaders("Proxy-Authorization"), 1)
}

func TestNonceCachePerRealm(t *testing.T) {
	cache := newAuthCache(StaticCredentials{Username: "alice", Password: "secret"})
	req := registerRequest(t)
	res := challengeResponse(t, req, sip.StatusUnauthorized,
		`Digest realm="example.com", nonce="abc", algorithm=MD5, qop="auth"`)

	_, err := cache.answerChallenge(req, res)
	require.NoError(t, err)

	// the cached nonce answers later requests without a new challenge
	h, ok := cache.cachedFor(req, "example.com")
	require.True(t, ok)
	auth := h.(*sip.AuthorizationHeader)
	nonce, _ := auth.Nonce()
	assert.Equal(t, "abc", nonce)

	// nonce counts advance
	nc1, _ := auth.Params.Get("nc")
	h2, _ := cache.cachedFor(req, "example.com")
	nc2, _ := h2.(*sip.AuthorizationHeader).Params.Get("nc")
	assert.NotEqual(t, nc1, nc2)

	cache.forget("example.com")
	_, ok = cache.cachedFor(req, "example.com")
	assert.False(t, ok)
}

func TestUnknownRealm(t *testing.T) {
	cache := newAuthCache(nil)
	req := registerRequest(t)
	res := challengeResponse(t, req, sip.StatusUnauthorized,
		`Digest realm="example.com", nonce="abc"`)
	assert.False(t, cache.canAnswer(res))
}

func TestBuildCancelSharesBranch(t *testing.T) {
	req := registerRequest(t)
	cancel := buildCancel(req)

	reqHop, _ := req.ViaHop()
	cancelHop, _ := cancel.ViaHop()
	b1, _ := reqHop.Branch()
	b2, _ := cancelHop.Branch()
	assert.Equal(t, b1, b2, "CANCEL must reuse the INVITE branch")

	cseq, _ := cancel.CSeq()
	origCSeq, _ := req.CSeq()
	assert.Equal(t, origCSeq.SeqNo, cseq.SeqNo)
	assert.True(t, cseq.Method.Equal(sip.CANCEL))
}

func TestParseSipfrag(t *testing.T) {
	status, ok := parseSipfrag([]byte("SIP/2.0 180 Ringing\r\n"))
	assert.True(t, ok)
	assert.Equal(t, sip.StatusRinging, status)

	_, ok = parseSipfrag([]byte("not a sipfrag"))
	assert.False(t, ok)
}
