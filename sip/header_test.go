package sip

import (
	"strings"
	"testing"
)

func TestParamsOrderAndFlags(t *testing.T) {
	p := NewParams()
	p.Add("branch", "z9hG4bK1")
	p.AddFlag("rport")
	p.Add("ttl", "5")

	if got := p.String(); got != ";branch=z9hG4bK1;rport;ttl=5" {
		t.Errorf("String() = %q", got)
	}
	if v, ok := p.Get("RPORT"); !ok || v != "" {
		t.Errorf("flag lookup = %q, %v", v, ok)
	}

	p.Add("branch", "z9hG4bK2")
	if got := p.String(); got != ";branch=z9hG4bK2;rport;ttl=5" {
		t.Errorf("replace moved the parameter: %q", got)
	}

	p.Remove("ttl")
	if p.Has("ttl") || p.Length() != 2 {
		t.Errorf("after remove: %q", p.String())
	}
}

func TestParamsQuoted(t *testing.T) {
	p := NewParams()
	p.AddQuoted("realm", `example "quoted" com`)

	var sb strings.Builder
	p.Render(&sb, ',', false)
	if got := sb.String(); got != `realm="example \"quoted\" com"` {
		t.Errorf("rendered = %q", got)
	}
}

func TestParseAuthChallenge(t *testing.T) {
	hdrs, err := ParseHeader(`WWW-Authenticate: Digest realm="atlanta.example.com", qop="auth", nonce="ea9c8e88df84f1cec4341ae6cbe5a359", opaque="", stale=FALSE, algorithm=MD5`)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if len(hdrs) != 1 {
		t.Fatalf("headers = %d", len(hdrs))
	}
	h, ok := hdrs[0].(*WWWAuthenticateHeader)
	if !ok {
		t.Fatalf("type = %T", hdrs[0])
	}

	if h.Scheme != "Digest" {
		t.Errorf("scheme = %q", h.Scheme)
	}
	if realm, _ := h.Realm(); realm != "atlanta.example.com" {
		t.Errorf("realm = %q", realm)
	}
	if nonce, _ := h.Nonce(); nonce != "ea9c8e88df84f1cec4341ae6cbe5a359" {
		t.Errorf("nonce = %q", nonce)
	}
	if h.Algorithm() != "MD5" {
		t.Errorf("algorithm = %q", h.Algorithm())
	}
	if qop, _ := h.QOP(); qop != "auth" {
		t.Errorf("qop = %q", qop)
	}

	// round-trip through the renderer
	again, err := ParseHeader(h.String())
	if err != nil {
		t.Fatalf("reparse %q: %v", h.String(), err)
	}
	if !h.Equal(again[0]) {
		t.Errorf("round-trip changed the challenge:\n%s\n%s", h, again[0])
	}
}

func TestAuthAlgorithmDefault(t *testing.T) {
	av, err := parseAuthValue(`Digest realm="r", nonce="n"`)
	if err != nil {
		t.Fatal(err)
	}
	if av.Algorithm() != "MD5" {
		t.Errorf("default algorithm = %q", av.Algorithm())
	}
}

func TestMessageHeaderOps(t *testing.T) {
	req := NewRequest(OPTIONS, &SIPURI{Host: "e.com"}, nil, nil)
	req.AppendHeader(&GenericHeader{HeaderName: "X-One", Contents: "1"})
	req.AppendHeader(&GenericHeader{HeaderName: "X-One", Contents: "2"})

	if got := len(req.GetHeaders("x-one")); got != 2 {
		t.Fatalf("GetHeaders = %d", got)
	}
	req.PrependHeader(&GenericHeader{HeaderName: "X-One", Contents: "0"})
	got := req.GetHeaders("X-One")
	if got[0].(*GenericHeader).Contents != "0" {
		t.Errorf("prepend order = %v", got)
	}

	req.RemoveHeader("X-One")
	if len(req.GetHeaders("X-One")) != 0 {
		t.Error("remove left headers behind")
	}
}

func TestNewResponseFromRequest(t *testing.T) {
	msg, err := ParseMessage([]byte(basicInvite))
	if err != nil {
		t.Fatal(err)
	}
	req := msg.(*Request)
	req.SetSource("192.0.2.9:5060")
	req.SetDestination("192.0.2.1:5060")
	req.SetTransport("UDP")

	res := NewResponseFromRequest(req, StatusRinging, "", nil)

	for _, name := range []string{"Via", "From", "To", "Call-ID", "CSeq"} {
		if len(res.GetHeaders(name)) == 0 {
			t.Errorf("response lacks %s", name)
		}
	}
	if res.Destination() != req.Source() {
		t.Errorf("destination = %q, want %q", res.Destination(), req.Source())
	}
	if res.Reason() != "Ringing" {
		t.Errorf("reason = %q", res.Reason())
	}

	// Max-Forwards and Contact must not be copied
	if len(res.GetHeaders("Max-Forwards")) != 0 || len(res.GetHeaders("Contact")) != 0 {
		t.Error("response copied request-only headers")
	}
}

func TestViaHopString(t *testing.T) {
	hop := &ViaHop{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "TLS",
		Host:            "proxy.example.com",
		Port:            5061,
		Params:          NewParams(),
	}
	hop.SetBranch("z9hG4bKvia")

	want := "SIP/2.0/TLS proxy.example.com:5061;branch=z9hG4bKvia"
	if got := hop.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestContactWildcardRender(t *testing.T) {
	c := &ContactHeader{Address: Address{URI: WildcardURI{}}}
	if got := c.String(); got != "Contact: *" {
		t.Errorf("String() = %q", got)
	}
}
