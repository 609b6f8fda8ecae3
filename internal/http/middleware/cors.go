package middleware

import (
	"net/http"
	"strings"
)

// Browsers playing through a <video> element send Range and read the
// Content-Range/Accept-Ranges headers, so both directions are listed.
var (
	corsAllowedMethods = strings.Join([]string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodOptions}, ", ")
	corsAllowedHeaders = strings.Join([]string{"Accept", "Content-Type", "Range", RequestIDHeader}, ", ")
	corsExposedHeaders = strings.Join([]string{RequestIDHeader, "Content-Length", "Content-Range", "Accept-Ranges", "Retry-After"}, ", ")
)

const corsMaxAge = "86400"

// CORS allows any origin. The server binds to loopback and its callers are
// local pages and players, which carry no credentials.
//
// Only genuine preflights (OPTIONS with Access-Control-Request-Method) are
// answered here; other OPTIONS requests reach the router.
func CORS() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Origin") != "" {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", "*")
				h.Set("Access-Control-Expose-Headers", corsExposedHeaders)
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				h := w.Header()
				h.Set("Access-Control-Allow-Methods", corsAllowedMethods)
				h.Set("Access-Control-Allow-Headers", corsAllowedHeaders)
				h.Set("Access-Control-Max-Age", corsMaxAge)
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
