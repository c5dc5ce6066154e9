package sip

import (
	"net/netip"
	"strconv"
	"strings"

	"github.com/softsip/softsip/internal/util"
)

// ViaHop is one hop of a Via header.
type ViaHop struct {
	// ProtocolName and ProtocolVersion are almost always "SIP"/"2.0".
	ProtocolName    string
	ProtocolVersion string
	// Transport is the sent-protocol transport: UDP, TCP, TLS, WS, WSS.
	Transport string
	// Host and Port form the sent-by value; Port 0 means absent.
	Host string
	Port uint16
	// Params holds branch, received, rport, maddr, ttl and extensions.
	Params *Params
}

// Branch returns the branch parameter.
func (hop *ViaHop) Branch() (string, bool) {
	return hop.Params.Get("branch")
}

// SetBranch replaces the branch parameter.
func (hop *ViaHop) SetBranch(branch string) {
	if hop.Params == nil {
		hop.Params = NewParams()
	}
	hop.Params.Add("branch", branch)
}

// Received returns the received parameter as an address.
func (hop *ViaHop) Received() (netip.Addr, bool) {
	v, ok := hop.Params.Get("received")
	if !ok {
		return netip.Addr{}, false
	}
	addr, err := netip.ParseAddr(v)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr, true
}

// RPort returns the rport parameter value. A flag rport (request form)
// reports ok with value 0.
func (hop *ViaHop) RPort() (uint16, bool) {
	v, ok := hop.Params.Get("rport")
	if !ok {
		return 0, false
	}
	if v == "" {
		return 0, true
	}
	n, err := strconv.ParseUint(v, 10, 16)
	if err != nil {
		return 0, false
	}
	return uint16(n), true
}

// SentBy returns the host:port form of the sent-by value.
func (hop *ViaHop) SentBy() string {
	host := hop.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if hop.Port != 0 {
		return host + ":" + strconv.Itoa(int(hop.Port))
	}
	return host
}

func (hop *ViaHop) String() string {
	var sb strings.Builder
	sb.WriteString(hop.ProtocolName)
	sb.WriteByte('/')
	sb.WriteString(hop.ProtocolVersion)
	sb.WriteByte('/')
	sb.WriteString(hop.Transport)
	sb.WriteByte(' ')
	sb.WriteString(hop.SentBy())
	hop.Params.Render(&sb, ';', true)
	return sb.String()
}

func (hop *ViaHop) Clone() *ViaHop {
	if hop == nil {
		return nil
	}
	h2 := *hop
	h2.Params = hop.Params.Clone()
	return &h2
}

func (hop *ViaHop) Equal(other any) bool {
	var o *ViaHop
	switch v := other.(type) {
	case ViaHop:
		o = &v
	case *ViaHop:
		o = v
	default:
		return false
	}
	if hop == o {
		return true
	}
	if hop == nil || o == nil {
		return false
	}
	return util.EqFold(hop.ProtocolName, o.ProtocolName) &&
		hop.ProtocolVersion == o.ProtocolVersion &&
		util.EqFold(hop.Transport, o.Transport) &&
		util.EqFold(hop.Host, o.Host) &&
		hop.Port == o.Port &&
		hop.Params.Equal(o.Params)
}

// ViaHeader is a Via header field: an ordered list of hops. Parsing
// splits comma-combined values into hops of a single header instance.
type ViaHeader []*ViaHop

func (via ViaHeader) Name() string { return "Via" }

func (via ViaHeader) String() string {
	hops := make([]string, len(via))
	for i, hop := range via {
		hops[i] = hop.String()
	}
	return "Via: " + strings.Join(hops, ", ")
}

func (via ViaHeader) Clone() Header {
	via2 := make(ViaHeader, len(via))
	for i, hop := range via {
		via2[i] = hop.Clone()
	}
	return via2
}

func (via ViaHeader) Equal(other any) bool {
	o, ok := other.(ViaHeader)
	if !ok {
		return false
	}
	if len(via) != len(o) {
		return false
	}
	for i := range via {
		if !via[i].Equal(o[i]) {
			return false
		}
	}
	return true
}
