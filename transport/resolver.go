package transport

import (
	"context"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"braces.dev/errtrace"
	"github.com/miekg/dns"

	"github.com/softsip/softsip/internal/util"
	"github.com/softsip/softsip/sip"
)

// Resolver turns a request target URI into an ordered list of
// transport candidates per RFC 3263.
type Resolver interface {
	// Resolve returns candidates in preference order. The transport
	// hint, when non-empty, pins the channel kind and skips NAPTR.
	Resolve(ctx context.Context, uri *sip.SIPURI, transportHint string) ([]Target, error)
}

// DNSResolverOptions configure a DNSResolver.
type DNSResolverOptions struct {
	// NameServer is the DNS server host or host:port. Empty uses
	// /etc/resolv.conf.
	NameServer string
	// Timeout bounds individual queries. Zero means 5 seconds.
	Timeout time.Duration
	// DisableSRV skips NAPTR/SRV and resolves host records only.
	DisableSRV bool
	// CacheTTL caps how long successful lookups are reused. Zero means
	// 60 seconds.
	CacheTTL time.Duration
}

func (o *DNSResolverOptions) timeout() time.Duration {
	if o == nil || o.Timeout == 0 {
		return 5 * time.Second
	}
	return o.Timeout
}

func (o *DNSResolverOptions) cacheTTL() time.Duration {
	if o == nil || o.CacheTTL == 0 {
		return time.Minute
	}
	return o.CacheTTL
}

func (o *DNSResolverOptions) disableSRV() bool {
	return o != nil && o.DisableSRV
}

func (o *DNSResolverOptions) nameServer() string {
	if o == nil {
		return ""
	}
	return o.NameServer
}

// DNSResolver implements Resolver over the system resolver plus raw
// NAPTR queries through miekg/dns.
type DNSResolver struct {
	net.Resolver
	opts DNSResolverOptions

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	targets []Target
	expires time.Time
}

// NewDNSResolver returns a resolver with the given options; nil means
// defaults.
func NewDNSResolver(opts *DNSResolverOptions) *DNSResolver {
	r := &DNSResolver{cache: make(map[string]cacheEntry)}
	if opts != nil {
		r.opts = *opts
	}
	return r
}

// naptrServices maps RFC 3263 NAPTR service fields to networks.
var naptrServices = map[string]string{
	"SIP+D2U":  NetUDP,
	"SIP+D2T":  NetTCP,
	"SIPS+D2T": NetTLS,
	"SIP+D2W":  NetWS,
	"SIPS+D2W": NetWSS,
}

// srvServices maps networks to their SRV service/proto labels.
var srvServices = map[string][2]string{
	NetUDP: {"sip", "udp"},
	NetTCP: {"sip", "tcp"},
	NetTLS: {"sips", "tcp"},
	NetWS:  {"sip", "ws"},
	NetWSS: {"sips", "ws"},
}

func (r *DNSResolver) Resolve(ctx context.Context, uri *sip.SIPURI, transportHint string) ([]Target, error) {
	if uri == nil || uri.Host == "" {
		return nil, errtrace.Wrap(ErrResolutionFailure)
	}

	network := util.LCase(transportHint)
	if network == "" {
		if tp, ok := uri.Transport(); ok {
			network = NetworkFromVia(tp)
		} else if uri.Secure {
			network = NetTLS
		}
	}

	// maddr overrides the host for resolution
	host := uri.Host
	if maddr, ok := uri.Params.Get("maddr"); ok && maddr != "" {
		host = maddr
	}

	// numeric host or explicit port short-circuits RFC 3263
	if ip := net.ParseIP(strings.Trim(host, "[]")); ip != nil {
		if network == "" {
			network = defaultNetwork(uri)
		}
		port := uri.Port
		if port == 0 {
			port = DefaultPort(network)
		}
		return []Target{{Network: network, Addr: joinHostPort(host, port)}}, nil
	}

	key := cacheKey(network, host, uri.Port, uri.Secure)
	if targets, ok := r.lookupCache(key); ok {
		return targets, nil
	}

	targets, err := r.resolveName(ctx, uri, network, host)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, errtrace.Wrap(ErrResolutionFailure)
	}
	r.storeCache(key, targets)
	return targets, nil
}

func (r *DNSResolver) resolveName(ctx context.Context, uri *sip.SIPURI, network, host string) ([]Target, error) {
	// explicit port: plain host lookup with the default transport
	if uri.Port != 0 {
		if network == "" {
			network = defaultNetwork(uri)
		}
		return r.hostTargets(ctx, network, host, uri.Port)
	}

	if r.opts.disableSRV() {
		if network == "" {
			network = defaultNetwork(uri)
		}
		return r.hostTargets(ctx, network, host, DefaultPort(network))
	}

	networks := []string{network}
	if network == "" {
		// NAPTR discovers the supported transports
		networks = r.naptrNetworks(ctx, host, uri.Secure)
		if len(networks) == 0 {
			networks = []string{defaultNetwork(uri)}
		}
	}

	var targets []Target
	for _, nw := range networks {
		srv, ok := srvServices[nw]
		if !ok {
			continue
		}
		_, recs, err := r.LookupSRV(ctx, srv[0], srv[1], host)
		if err != nil || len(recs) == 0 {
			continue
		}
		sortSRV(recs)
		for _, rec := range recs {
			sub, err := r.hostTargets(ctx, nw, strings.TrimSuffix(rec.Target, "."), rec.Port)
			if err == nil {
				targets = append(targets, sub...)
			}
		}
	}
	if len(targets) > 0 {
		return targets, nil
	}

	// fall through to host records at the default port
	if network == "" {
		network = defaultNetwork(uri)
	}
	return r.hostTargets(ctx, network, host, DefaultPort(network))
}

// naptrNetworks queries NAPTR records and maps supported services to
// networks in order/preference order.
func (r *DNSResolver) naptrNetworks(ctx context.Context, host string, secureOnly bool) []string {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeNAPTR)
	m.RecursionDesired = true

	nameserver, err := r.nameserver()
	if err != nil {
		return nil
	}
	client := &dns.Client{Timeout: r.opts.timeout()}
	resp, _, err := client.ExchangeContext(ctx, m, nameserver)
	if err != nil || resp.Rcode != dns.RcodeSuccess {
		return nil
	}

	type naptr struct {
		order, pref uint16
		network     string
	}
	var recs []naptr
	for _, ans := range resp.Answer {
		rr, ok := ans.(*dns.NAPTR)
		if !ok {
			continue
		}
		nw, ok := naptrServices[util.UCase(rr.Service)]
		if !ok {
			continue
		}
		if secureOnly && !IsSecured(nw) {
			continue
		}
		recs = append(recs, naptr{rr.Order, rr.Preference, nw})
	}
	slices.SortFunc(recs, func(a, b naptr) int {
		if a.order != b.order {
			return int(a.order) - int(b.order)
		}
		return int(a.pref) - int(b.pref)
	})

	networks := make([]string, 0, len(recs))
	for _, rec := range recs {
		if !slices.Contains(networks, rec.network) {
			networks = append(networks, rec.network)
		}
	}
	return networks
}

func (r *DNSResolver) hostTargets(ctx context.Context, network, host string, port uint16) ([]Target, error) {
	ips, err := r.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, errtrace.Wrap(ErrResolutionFailure)
	}
	targets := make([]Target, 0, len(ips))
	for _, ip := range ips {
		targets = append(targets, Target{Network: network, Addr: joinHostPort(ip.String(), port)})
	}
	return targets, nil
}

func (r *DNSResolver) nameserver() (string, error) {
	if ns := r.opts.nameServer(); ns != "" {
		if _, _, err := net.SplitHostPort(ns); err != nil {
			return net.JoinHostPort(ns, "53"), nil //nolint:nilerr
		}
		return ns, nil
	}
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return "", errtrace.Wrap(err)
	}
	if len(conf.Servers) == 0 {
		return "", errtrace.Wrap(ErrResolutionFailure)
	}
	return net.JoinHostPort(conf.Servers[0], conf.Port), nil
}

func (r *DNSResolver) lookupCache(key string) ([]Target, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.cache[key]
	if !ok || time.Now().After(entry.expires) {
		delete(r.cache, key)
		return nil, false
	}
	return entry.targets, true
}

func (r *DNSResolver) storeCache(key string, targets []Target) {
	r.mu.Lock()
	r.cache[key] = cacheEntry{targets: targets, expires: time.Now().Add(r.opts.cacheTTL())}
	r.mu.Unlock()
}

func cacheKey(network, host string, port uint16, secure bool) string {
	sec := "sip"
	if secure {
		sec = "sips"
	}
	return sec + "|" + network + "|" + util.LCase(host) + "|" + strconv.Itoa(int(port))
}

// sortSRV orders records by priority, then spreads equal priorities by
// weight descending; full weighted random selection is not worth the
// nondeterminism in tests.
func sortSRV(recs []*net.SRV) {
	slices.SortFunc(recs, func(a, b *net.SRV) int {
		if a.Priority != b.Priority {
			return int(a.Priority) - int(b.Priority)
		}
		return int(b.Weight) - int(a.Weight)
	})
}

func defaultNetwork(uri *sip.SIPURI) string {
	if uri.Secure {
		return NetTLS
	}
	return NetUDP
}

func joinHostPort(host string, port uint16) string {
	return bracketHost(host) + ":" + strconv.Itoa(int(port))
}
