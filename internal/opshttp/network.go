package opshttp

import (
	"net"
	"net/http"

	"github.com/georgemihalcea/ldapcheck/internal/log"
)

// requireNonPublicNetwork rejects callers outside loopback, private and
// link-local ranges with 403.
func requireNonPublicNetwork(L log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			forbid(w, r, L, "unparseable remote address")
			return
		}
		ip := net.ParseIP(host)
		if ip == nil {
			forbid(w, r, L, "invalid remote ip")
			return
		}
		// IPv4-mapped IPv6 addresses are classified as their IPv4 form
		if v4 := ip.To4(); v4 != nil {
			ip = v4
		}
		if !ip.IsLoopback() && !ip.IsPrivate() && !ip.IsLinkLocalUnicast() {
			forbid(w, r, L, "public remote ip")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func forbid(w http.ResponseWriter, r *http.Request, L log.Logger, reason string) {
	L.Warn(r.Context(), "ops request rejected", "reason", reason, "remote", r.RemoteAddr, "path", r.URL.Path)
	http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
}
