package guard

import (
	"context"
	"net"
	"net/http"
	"strings"

	"alerthook/internal/alert"
)

type contextKey int

const (
	requestContextKey contextKey = iota
	payloadKey
)

// RequestContext is the per-request data shared by every guard
type RequestContext struct {
	// ID is the short identifier echoed in the X-Request-ID header
	ID string

	// ClientKey is the resolved client address used for allow-list and rate limiting
	ClientKey string
}

// WithRequestContext stores rc in ctx
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey, rc)
}

// FromContext returns the RequestContext stored in ctx, or nil
func FromContext(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(requestContextKey).(*RequestContext)
	return rc
}

// RequestID returns the request identifier from ctx, or ""
func RequestID(ctx context.Context) string {
	if rc := FromContext(ctx); rc != nil {
		return rc.ID
	}
	return ""
}

// PayloadFromContext returns the alert validated by PayloadValidator, or nil
func PayloadFromContext(ctx context.Context) *alert.Payload {
	p, _ := ctx.Value(payloadKey).(*alert.Payload)
	return p
}

func withPayload(ctx context.Context, p *alert.Payload) context.Context {
	return context.WithValue(ctx, payloadKey, p)
}

// clientKey returns the key resolved at request entry, falling back to the
// socket address when no RequestContext is present
func clientKey(r *http.Request) string {
	if rc := FromContext(r.Context()); rc != nil && rc.ClientKey != "" {
		return rc.ClientKey
	}
	return ResolveClientKey(r, false)
}

// ResolveClientKey returns the client address for r.
//
// With trustProxy the first X-Forwarded-For entry, then X-Real-IP, take
// precedence over the socket address. Only enable it behind a proxy that
// overwrites those headers; otherwise clients can choose their own key.
func ResolveClientKey(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := normalizeIP(first); ip != "" {
				return ip
			}
		}
		if ip := normalizeIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return normalizeIP(r.RemoteAddr)
	}
	return normalizeIP(host)
}

// normalizeIP trims the value and unwraps IPv4-mapped IPv6 addresses so that
// "::ffff:10.0.0.1" and "10.0.0.1" share one key
func normalizeIP(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if ip := net.ParseIP(s); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return v4.String()
		}
		return ip.String()
	}
	return s
}
