// Package metadata extracts request-scoped identity and correlation values
// and stores them in the context for the rate limit, quota, and logging
// layers. Apply it early in the chain, before any handler that reads
// requestcontext.
package metadata

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"accesslens/pkg/requestcontext"
)

// RequestMetadata populates the context with the tenant ID, a request
// correlation ID, and the originating client IP. An X-Request-ID supplied by
// the edge proxy is preserved; otherwise one is generated.
func RequestMetadata(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		ctx := r.Context()
		ctx = requestcontext.WithRequestID(ctx, requestID)
		ctx = requestcontext.WithClientIP(ctx, ClientIPFromRequest(r))
		if tenant := r.Header.Get("X-Tenant-ID"); tenant != "" {
			ctx = requestcontext.WithTenantID(ctx, tenant)
		}

		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClientIPFromRequest extracts the real client IP from the request, handling
// proxies and load balancers.
func ClientIPFromRequest(r *http.Request) string {
	// X-Forwarded-For can contain multiple IPs (client, proxy1, proxy2, ...);
	// the first is the original client.
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	// X-Real-IP is set by nginx and similar proxies.
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	// Fall back to RemoteAddr, stripping the port. IPv6 is [::1]:port.
	if addr := r.RemoteAddr; addr != "" {
		if idx := strings.LastIndex(addr, ":"); idx != -1 {
			return addr[:idx]
		}
		return addr
	}

	return "unknown"
}
