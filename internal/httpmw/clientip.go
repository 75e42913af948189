package httpmw

import (
	"context"
	"net"
	"net/http"
	"strings"
)

type clientIPKey struct{}

// ClientIPOptions configures client IP extraction.
type ClientIPOptions struct {
	// TrustedHops is the number of reverse proxies in front of the server.
	// 0 ignores X-Forwarded-For entirely, 1 takes the rightmost entry (single
	// load balancer), 2 the second from the end, and so on.
	TrustedHops int
}

// ClientIP resolves the client address once and stores it in the context.
// The rate limiter keys on this value, so it must run before the pipeline.
func ClientIP(opts ClientIPOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := resolveClientIP(r, opts.TrustedHops)
			next.ServeHTTP(w, r.WithContext(WithClientIP(r.Context(), ip)))
		})
	}
}

// resolveClientIP only trusts X-Forwarded-For when the peer is a private
// address and proxies are configured. Untrusted forwarding headers are
// removed so nothing downstream reads them by accident.
func resolveClientIP(r *http.Request, trustedHops int) string {
	if r.RemoteAddr == "" {
		return "0.0.0.0"
	}
	peer, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		peer = r.RemoteAddr
	}
	ip := net.ParseIP(peer)
	if ip == nil {
		return "0.0.0.0"
	}

	if trustedHops <= 0 || !(ip.IsPrivate() || ip.IsLoopback()) {
		dropForwarded(r.Header)
		return ip.String()
	}

	xf := r.Header.Get("X-Forwarded-For")
	if xf == "" {
		return ip.String()
	}
	parts := strings.Split(xf, ",")
	idx := len(parts) - trustedHops
	if idx < 0 {
		// fewer hops than proxies we expect, misconfiguration or forgery
		dropForwarded(r.Header)
		return ip.String()
	}
	if candidate := net.ParseIP(strings.TrimSpace(parts[idx])); candidate != nil {
		return candidate.String()
	}
	return ip.String()
}

func dropForwarded(h http.Header) {
	h.Del("X-Forwarded-For")
	h.Del("X-Forwarded-Proto")
}

// ClientIPFromContext returns the resolved client IP, or "" if none.
func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

func WithClientIP(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIPKey{}, ip)
}
