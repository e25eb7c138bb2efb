package util

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ProxyList is the set of reverse proxies whose X-Forwarded-For is believed.
type ProxyList []netip.Prefix

// ParseProxyList accepts CIDRs or bare addresses. Blank entries are skipped.
func ParseProxyList(entries []string) (ProxyList, error) {
	var out ProxyList
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, err
			}
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(e)
		if err != nil {
			return nil, err
		}
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	return out, nil
}

func (l ProxyList) trusts(a netip.Addr) bool {
	for _, p := range l {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

// ClientIP returns the caller address used to key rate limits. Forwarded
// headers count only when the direct peer is a listed proxy; the rightmost
// untrusted hop wins.
func ClientIP(r *http.Request, proxies ProxyList) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	peer, err := netip.ParseAddr(strings.TrimSpace(host))
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	peer = peer.Unmap()
	if !proxies.trusts(peer) {
		return peer.String()
	}
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		a, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			continue
		}
		if a = a.Unmap(); !proxies.trusts(a) {
			return a.String()
		}
	}
	return peer.String()
}
